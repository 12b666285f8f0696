package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comandos-hq/fieldlink/internal/coordinator"
	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/mirror/file"
	"github.com/comandos-hq/fieldlink/internal/storage"
	relayclient "github.com/comandos-hq/fieldlink/internal/storage/relay"
	"github.com/comandos-hq/fieldlink/pkg/core"
	"github.com/comandos-hq/fieldlink/pkg/streaming"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func newTestServer(t *testing.T, cfg Config) (*Server, *httptest.Server) {
	t.Helper()
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "test-secret"
	}
	s, err := NewServer(cfg, newTestStore(t), zerolog.Nop())
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		srv.Close()
	})
	return s, srv
}

func dial(t *testing.T, srv *httptest.Server) *relayclient.Backend {
	t.Helper()
	b := relayclient.New(relayclient.Config{URL: srv.URL}, nil)
	require.NoError(t, b.Init(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestNewServer_RequiresSecret(t *testing.T) {
	_, err := NewServer(Config{}, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestAnonymousToken(t *testing.T) {
	s, srv := newTestServer(t, Config{})

	resp, err := http.Post(srv.URL+"/auth/anonymous", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var tok streaming.TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tok))
	assert.NotEmpty(t, tok.UID)
	assert.Greater(t, tok.ExpiresAt, time.Now().Unix())

	uid, err := s.verifyToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, tok.UID, uid)
}

func TestVerifyToken_Rejects(t *testing.T) {
	s, _ := newTestServer(t, Config{})

	sign := func(secret string, claims jwt.RegisteredClaims) string {
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return signed
	}
	valid := jwt.RegisteredClaims{
		Subject:   "uid-1",
		Issuer:    tokenIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}

	_, err := s.verifyToken(sign("test-secret", valid))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", sign("other-secret", valid)},
		{"expired", sign("test-secret", jwt.RegisteredClaims{
			Subject: "uid-1", Issuer: tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		})},
		{"wrong issuer", sign("test-secret", jwt.RegisteredClaims{
			Subject: "uid-1", Issuer: "elsewhere",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})},
		{"no subject", sign("test-secret", jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.verifyToken(tt.token)
			assert.Error(t, err)
		})
	}
}

func TestWebsocket_RequiresToken(t *testing.T) {
	_, srv := newTestServer(t, Config{})

	resp, err := http.Get(srv.URL + "/ws?token=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthcheckAndMetrics(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	dial(t, srv)

	resp, err := http.Get(srv.URL + "/healthcheck")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"ok"`)

	scrape := func() string {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}
	assert.Contains(t, scrape(), "fieldhq_tokens_issued_total 1")
	// the connection is registered just after the upgrade completes
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(), "fieldhq_connections 1")
	}, waitFor, tick)
}

func TestRelay_SnapshotsFanOut(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	writer := dial(t, srv)
	reader := dial(t, srv)
	ctx := context.Background()

	colls := make(chan storage.CollectionSnapshot, 64)
	docs := make(chan storage.DocumentSnapshot, 64)
	_, err := reader.SubscribeCollection(ctx, core.RankingCollection, func(s storage.CollectionSnapshot) { colls <- s }, nil)
	require.NoError(t, err)
	_, err = reader.SubscribeDocument(ctx, core.OperationPath(), func(s storage.DocumentSnapshot) { docs <- s }, nil)
	require.NoError(t, err)

	waitColl(t, colls, func(s storage.CollectionSnapshot) bool { return len(s.Docs) == 0 })
	waitDoc(t, docs, func(s storage.DocumentSnapshot) bool { return !s.Exists })

	require.NoError(t, writer.CreateDocument(ctx, "ranking/FALCON", document.Data{"callsign": "FALCON", "score": 0}))
	waitColl(t, colls, func(s storage.CollectionSnapshot) bool {
		return len(s.Docs) == 1 && s.Docs[0].ID == "FALCON"
	})

	require.NoError(t, writer.WriteDocument(ctx, "ranking/FALCON", document.Data{"score": 100}))
	waitColl(t, colls, func(s storage.CollectionSnapshot) bool {
		return len(s.Docs) == 1 && s.Docs[0].Data["score"] == float64(100) && s.Docs[0].Data["callsign"] == "FALCON"
	})

	batch := storage.NewBatch().
		Delete("ranking/FALCON").
		Merge(core.OperationPath(), document.Data{"isActive": true})
	require.NoError(t, writer.Commit(ctx, batch))
	waitColl(t, colls, func(s storage.CollectionSnapshot) bool { return len(s.Docs) == 0 })
	waitDoc(t, docs, func(s storage.DocumentSnapshot) bool { return s.Exists && s.Data["isActive"] == true })
}

func TestRelay_WriteRejected(t *testing.T) {
	_, srv := newTestServer(t, Config{})
	b := dial(t, srv)

	err := b.Commit(context.Background(), storage.NewBatch().Delete("ranking"))
	assert.Error(t, err)
}

func TestRelay_RateLimited(t *testing.T) {
	_, srv := newTestServer(t, Config{RateLimit: 0.01, RateBurst: 1})
	b := dial(t, srv)
	ctx := context.Background()

	require.NoError(t, b.WriteDocument(ctx, "ranking/FALCON", document.Data{"score": 1}))
	err := b.WriteDocument(ctx, "ranking/FALCON", document.Data{"score": 2})
	assert.ErrorContains(t, err, ErrRateLimited.Error())
}

func TestRelay_UnsubscribeAndDisconnect(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	b := dial(t, srv)
	ctx := context.Background()

	unsub, err := b.SubscribeCollection(ctx, core.RankingCollection, func(storage.CollectionSnapshot) {}, nil)
	require.NoError(t, err)
	_, err = b.SubscribeDocument(ctx, core.OperationPath(), func(storage.DocumentSnapshot) {}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, s.hub.count())

	unsub()
	require.Eventually(t, func() bool { return s.hub.count() == 1 }, waitFor, tick)

	require.NoError(t, b.Close())
	require.Eventually(t, func() bool {
		return s.hub.count() == 0 && s.connectionCount() == 0
	}, waitFor, tick)
}

func TestRelay_CoordinatorRoundTrip(t *testing.T) {
	s, srv := newTestServer(t, Config{})
	mir, err := file.New(t.TempDir())
	require.NoError(t, err)

	c, err := coordinator.New(coordinator.Options{
		Backend: relayclient.New(relayclient.Config{URL: srv.URL}, nil),
		Mirror:  mir,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return c.Mode() == coordinator.ModeRemote }, waitFor, tick)
	require.Eventually(t, func() bool {
		snap, err := s.store.Get(context.Background(), core.OperationPath())
		return err == nil && snap.Exists
	}, waitFor, tick, "missing operation is seeded")

	_, err = c.Enlist(context.Background(), "falcon", core.ArmyAliado)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		snap, err := s.store.Get(context.Background(), "ranking/FALCON")
		return err == nil && snap.Exists && snap.Data["callsign"] == "FALCON"
	}, waitFor, tick)
}

func waitColl(t *testing.T, ch <-chan storage.CollectionSnapshot, ok func(storage.CollectionSnapshot) bool) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-ch:
			if ok(s) {
				return
			}
		case <-deadline:
			t.Fatal("expected collection snapshot never arrived")
		}
	}
}

func waitDoc(t *testing.T, ch <-chan storage.DocumentSnapshot, ok func(storage.DocumentSnapshot) bool) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-ch:
			if ok(s) {
				return
			}
		case <-deadline:
			t.Fatal("expected document snapshot never arrived")
		}
	}
}
