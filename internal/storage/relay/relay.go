// Package relay implements storage.Backend against a fieldhq relay server
// over a single WebSocket.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/comandos-hq/fieldlink/internal/api"
	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/storage"
	"github.com/comandos-hq/fieldlink/pkg/streaming"
)

// Config holds relay backend configuration.
type Config struct {
	URL string // http(s) base URL of fieldhq
}

type subscription struct {
	onDoc  storage.DocumentHandler
	onColl storage.CollectionHandler
	onErr  storage.ErrorHandler
}

// Backend streams document operations to fieldhq.
type Backend struct {
	cfg    Config
	api    *api.Client
	logger *slog.Logger

	mu   sync.Mutex
	conn *connection
	subs map[string]subscription
	seq  atomic.Uint64
}

// New creates a relay backend. Init signs in and connects.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		api:    api.New(cfg.URL),
		logger: logger,
		subs:   make(map[string]subscription),
	}
}

// Init obtains an anonymous token and opens the websocket.
func (b *Backend) Init(ctx context.Context) error {
	if err := b.api.Healthcheck(ctx); err != nil {
		return fmt.Errorf("%w: %w", storage.ErrRemoteUnavailable, err)
	}
	tok, err := b.api.AnonymousSignIn(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", storage.ErrRemoteUnavailable, err)
	}
	wsURL, err := b.api.WebsocketURL(tok.Token)
	if err != nil {
		return err
	}

	conn := newConnection(b.logger, b.handle, b.lost)
	if err := conn.dial(ctx, wsURL); err != nil {
		return err
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	b.logger.Info("Relay connected", "url", b.cfg.URL, "uid", tok.UID)
	return nil
}

// Close disconnects from the relay without firing error handlers.
func (b *Backend) Close() error {
	b.mu.Lock()
	conn := b.conn
	clear(b.subs)
	b.mu.Unlock()
	if conn != nil {
		conn.shutdown()
	}
	return nil
}

func (b *Backend) nextID() string {
	return strconv.FormatUint(b.seq.Add(1), 10)
}

func (b *Backend) getConn() (*connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return nil, fmt.Errorf("%w: not connected", storage.ErrRemoteUnavailable)
	}
	return b.conn, nil
}

func (b *Backend) SubscribeDocument(ctx context.Context, path string, onSnap storage.DocumentHandler, onErr storage.ErrorHandler) (storage.Unsubscribe, error) {
	if _, _, err := storage.SplitPath(path); err != nil {
		return nil, err
	}
	return b.subscribe(ctx, streaming.TypeSubscribeDoc, path, subscription{onDoc: onSnap, onErr: onErr})
}

func (b *Backend) SubscribeCollection(ctx context.Context, path string, onSnap storage.CollectionHandler, onErr storage.ErrorHandler) (storage.Unsubscribe, error) {
	if err := storage.ValidCollection(path); err != nil {
		return nil, err
	}
	return b.subscribe(ctx, streaming.TypeSubscribeColl, path, subscription{onColl: onSnap, onErr: onErr})
}

func (b *Backend) subscribe(ctx context.Context, msgType, path string, sub subscription) (storage.Unsubscribe, error) {
	conn, err := b.getConn()
	if err != nil {
		return nil, err
	}
	id := b.nextID()

	// registered first: the initial snapshot may overtake the ack
	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	if err := conn.request(ctx, msgType, id, streaming.PathPayload{Path: path}); err != nil {
		b.drop(id)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if b.drop(id) {
				data, err := streaming.Marshal(streaming.TypeUnsubscribe, id, nil)
				if err == nil {
					_ = conn.send(data)
				}
			}
		})
	}, nil
}

func (b *Backend) drop(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.subs[id]
	delete(b.subs, id)
	return ok
}

// handle dispatches snapshot and error messages from the read loop.
func (b *Backend) handle(env streaming.Envelope) {
	b.mu.Lock()
	sub, ok := b.subs[env.ID]
	if ok && env.Type == streaming.TypeSubError {
		delete(b.subs, env.ID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	switch env.Type {
	case streaming.TypeDocSnapshot:
		var snap streaming.DocSnapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			b.logger.Warn("Dropping malformed document snapshot", "sub", env.ID, "error", err)
			return
		}
		if sub.onDoc != nil {
			sub.onDoc(fromWire(snap))
		}
	case streaming.TypeCollSnapshot:
		var snap streaming.CollSnapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			b.logger.Warn("Dropping malformed collection snapshot", "sub", env.ID, "error", err)
			return
		}
		if sub.onColl != nil {
			out := storage.CollectionSnapshot{Path: snap.Path, Docs: make([]storage.DocumentSnapshot, 0, len(snap.Docs))}
			for _, d := range snap.Docs {
				out.Docs = append(out.Docs, fromWire(d))
			}
			sub.onColl(out)
		}
	case streaming.TypeSubError:
		var p streaming.SubErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		if sub.onErr != nil {
			sub.onErr(fmt.Errorf("subscription %s: %s", env.ID, p.Error))
		}
	default:
		b.logger.Debug("Ignoring relay message", "type", env.Type)
	}
}

// lost fails every live subscription once the socket is gone.
func (b *Backend) lost(err error) {
	b.mu.Lock()
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	clear(b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		if s.onErr != nil {
			s.onErr(err)
		}
	}
}

func fromWire(d streaming.DocSnapshot) storage.DocumentSnapshot {
	return storage.DocumentSnapshot{Path: d.Path, ID: d.ID, Exists: d.Exists, Data: d.Data}
}

func (b *Backend) WriteDocument(ctx context.Context, path string, data document.Data) error {
	return b.write(ctx, streaming.WritePayload{Path: path, Data: data, Merge: true})
}

func (b *Backend) CreateDocument(ctx context.Context, path string, data document.Data) error {
	return b.write(ctx, streaming.WritePayload{Path: path, Data: data})
}

func (b *Backend) write(ctx context.Context, p streaming.WritePayload) error {
	if _, _, err := storage.SplitPath(p.Path); err != nil {
		return err
	}
	conn, err := b.getConn()
	if err != nil {
		return err
	}
	return conn.request(ctx, streaming.TypeWrite, b.nextID(), p)
}

func (b *Backend) DeleteDocument(ctx context.Context, path string) error {
	if _, _, err := storage.SplitPath(path); err != nil {
		return err
	}
	conn, err := b.getConn()
	if err != nil {
		return err
	}
	return conn.request(ctx, streaming.TypeDelete, b.nextID(), streaming.PathPayload{Path: path})
}

func (b *Backend) Commit(ctx context.Context, batch *storage.Batch) error {
	conn, err := b.getConn()
	if err != nil {
		return err
	}
	ops := batch.Ops()
	p := streaming.CommitPayload{Ops: make([]streaming.BatchOp, 0, len(ops))}
	for _, op := range ops {
		if _, _, err := storage.SplitPath(op.Path); err != nil {
			return err
		}
		p.Ops = append(p.Ops, streaming.BatchOp{Op: op.Kind.String(), Path: op.Path, Data: op.Data})
	}
	return conn.request(ctx, streaming.TypeCommit, b.nextID(), p)
}
