package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/storage"
	"github.com/comandos-hq/fieldlink/pkg/streaming"
)

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)

type messageLog struct {
	mu       sync.Mutex
	messages []streaming.Envelope
}

func (m *messageLog) add(env streaming.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, env)
}

func (m *messageLog) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.messages))
	for i, e := range m.messages {
		out[i] = e.Type
	}
	return out
}

// fakeRelay issues a token, acks every request (rejecting writes to
// "locked/*"), answers subscriptions with an empty snapshot and can push
// extra messages or drop the socket on demand.
type fakeRelay struct {
	srv  *httptest.Server
	log  *messageLog
	mu   sync.Mutex
	conn *ws.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	f := &fakeRelay{log: &messageLog{}}
	upgrader := ws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/auth/anonymous", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(streaming.TokenResponse{Token: "tok", UID: "anon"})
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = c
		f.mu.Unlock()

		for {
			_, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			var env streaming.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			f.log.add(env)

			if env.Type == streaming.TypeUnsubscribe {
				continue
			}
			var ack streaming.AckPayload
			if env.Type == streaming.TypeWrite {
				var p streaming.WritePayload
				_ = json.Unmarshal(env.Payload, &p)
				if len(p.Path) > 7 && p.Path[:7] == "locked/" {
					ack.Error = "permission denied"
				}
			}
			if env.Type == streaming.TypeSubscribeColl {
				var p streaming.PathPayload
				_ = json.Unmarshal(env.Payload, &p)
				f.push(env.ID, streaming.TypeCollSnapshot, streaming.CollSnapshot{Path: p.Path, Docs: []streaming.DocSnapshot{}})
			}
			f.push(env.ID, streaming.TypeAck, ack)
		}
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRelay) push(id, msgType string, payload any) {
	data, _ := streaming.Marshal(msgType, id, payload)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.WriteMessage(ws.TextMessage, data)
	}
}

func (f *fakeRelay) drop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close()
	}
}

func connect(t *testing.T, f *fakeRelay) *Backend {
	t.Helper()
	b := New(Config{URL: f.srv.URL}, nil)
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestInit_AuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer srv.Close()

	err := New(Config{URL: srv.URL}, nil).Init(context.Background())
	assert.ErrorIs(t, err, storage.ErrRemoteUnavailable)
}

func TestWrites(t *testing.T) {
	f := newFakeRelay(t)
	b := connect(t, f)
	ctx := context.Background()

	require.NoError(t, b.WriteDocument(ctx, "ranking/FALCON", document.Data{"score": 1}))
	require.NoError(t, b.CreateDocument(ctx, "operations/op-001", document.Data{"name": "OP"}))
	require.NoError(t, b.DeleteDocument(ctx, "ranking/FALCON"))
	require.NoError(t, b.Commit(ctx, storage.NewBatch().Delete("ranking/A").Merge("operations/op-001", document.Data{"isActive": true})))

	assert.Equal(t, []string{
		streaming.TypeWrite, streaming.TypeWrite, streaming.TypeDelete, streaming.TypeCommit,
	}, f.log.types())
}

func TestWrite_Rejected(t *testing.T) {
	f := newFakeRelay(t)
	b := connect(t, f)

	err := b.WriteDocument(context.Background(), "locked/X", document.Data{})
	assert.ErrorContains(t, err, "permission denied")
}

func TestSubscribeCollection(t *testing.T) {
	f := newFakeRelay(t)
	b := connect(t, f)

	got := make(chan storage.CollectionSnapshot, 4)
	unsub, err := b.SubscribeCollection(context.Background(), "ranking", func(s storage.CollectionSnapshot) { got <- s }, nil)
	require.NoError(t, err)

	select {
	case s := <-got:
		assert.Equal(t, "ranking", s.Path)
		assert.Empty(t, s.Docs)
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot")
	}

	unsub()
	unsub()
	require.Eventually(t, func() bool {
		types := f.log.types()
		return len(types) == 2 && types[1] == streaming.TypeUnsubscribe
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubError(t *testing.T) {
	f := newFakeRelay(t)
	b := connect(t, f)

	errs := make(chan error, 1)
	_, err := b.SubscribeDocument(context.Background(), "operations/op-001", func(storage.DocumentSnapshot) {}, func(err error) { errs <- err })
	require.NoError(t, err)

	f.push("1", streaming.TypeSubError, streaming.SubErrorPayload{Error: "revoked"})

	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "revoked")
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}
}

func TestConnectionLoss_FailsSubscriptions(t *testing.T) {
	f := newFakeRelay(t)
	b := connect(t, f)

	errs := make(chan error, 2)
	_, err := b.SubscribeDocument(context.Background(), "operations/op-001", func(storage.DocumentSnapshot) {}, func(err error) { errs <- err })
	require.NoError(t, err)

	f.drop()

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, storage.ErrRemoteUnavailable))
	case <-time.After(2 * time.Second):
		t.Fatal("error handler not called")
	}

	err = b.WriteDocument(context.Background(), "ranking/A", document.Data{})
	assert.ErrorIs(t, err, storage.ErrRemoteUnavailable)
}
