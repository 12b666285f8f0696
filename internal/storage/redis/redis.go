// Package redis stores documents in Redis: one JSON string per document, a
// set of ids per collection and a pub/sub channel announcing changed paths.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/storage"
)

// Config holds Redis backend configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // key namespace, e.g. "fieldlink:"
}

// Backend is a storage.Backend on top of a single Redis server.
type Backend struct {
	cfg    Config
	logger *slog.Logger
	client *redis.Client
	wg     sync.WaitGroup
}

// New creates a Redis backend. Init pings the server.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		cfg:    cfg,
		logger: logger,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
	}
}

func (b *Backend) docKey(path string) string  { return b.cfg.Prefix + "doc:" + path }
func (b *Backend) collKey(coll string) string { return b.cfg.Prefix + "coll:" + coll }
func (b *Backend) channel() string            { return b.cfg.Prefix + "changes" }

// Init checks the server is reachable.
func (b *Backend) Init(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping %s: %w", storage.ErrRemoteUnavailable, b.cfg.Addr, err)
	}
	b.logger.Info("Redis backend connected", "addr", b.cfg.Addr, "db", b.cfg.DB)
	return nil
}

// Close closes the client, which ends every subscription.
func (b *Backend) Close() error {
	err := b.client.Close()
	b.wg.Wait()
	return err
}

func (b *Backend) SubscribeDocument(ctx context.Context, path string, onSnap storage.DocumentHandler, onErr storage.ErrorHandler) (storage.Unsubscribe, error) {
	if _, _, err := storage.SplitPath(path); err != nil {
		return nil, err
	}
	return b.subscribe(ctx, func(changed []string) bool { return slices.Contains(changed, path) }, func(ctx context.Context) error {
		snap, err := b.loadDocument(ctx, path)
		if err != nil {
			return err
		}
		onSnap(snap)
		return nil
	}, onErr)
}

func (b *Backend) SubscribeCollection(ctx context.Context, path string, onSnap storage.CollectionHandler, onErr storage.ErrorHandler) (storage.Unsubscribe, error) {
	if err := storage.ValidCollection(path); err != nil {
		return nil, err
	}
	prefix := path + "/"
	return b.subscribe(ctx, func(changed []string) bool {
		return slices.ContainsFunc(changed, func(p string) bool { return strings.HasPrefix(p, prefix) })
	}, func(ctx context.Context) error {
		snap, err := b.loadCollection(ctx, path)
		if err != nil {
			return err
		}
		onSnap(snap)
		return nil
	}, onErr)
}

// subscribe listens on the change channel, delivering an initial snapshot
// once the subscription is confirmed and a fresh one after every relevant
// change. The first receive error ends the subscription.
func (b *Backend) subscribe(ctx context.Context, relevant func([]string) bool, deliver func(context.Context) error, onErr storage.ErrorHandler) (storage.Unsubscribe, error) {
	ctx, cancel := context.WithCancel(ctx)
	ps := b.client.Subscribe(ctx, b.channel())
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, fmt.Errorf("%w: subscribe: %w", storage.ErrRemoteUnavailable, err)
	}

	fail := func(err error) {
		if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
			return
		}
		if onErr != nil {
			onErr(fmt.Errorf("%w: %w", storage.ErrRemoteUnavailable, err))
		}
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer ps.Close()

		if err := deliver(ctx); err != nil {
			fail(err)
			return
		}
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				fail(err)
				return
			}
			var changed []string
			if err := json.Unmarshal([]byte(msg.Payload), &changed); err != nil {
				b.logger.Warn("Ignoring malformed change notice", "payload", msg.Payload, "error", err)
				continue
			}
			if !relevant(changed) {
				continue
			}
			if err := deliver(ctx); err != nil {
				fail(err)
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = ps.Close()
		})
	}, nil
}

func (b *Backend) loadDocument(ctx context.Context, path string) (storage.DocumentSnapshot, error) {
	_, id, _ := storage.SplitPath(path)
	snap := storage.DocumentSnapshot{Path: path, ID: id}
	raw, err := b.client.Get(ctx, b.docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	if err := json.Unmarshal(raw, &snap.Data); err != nil {
		return snap, fmt.Errorf("decode %s: %w", path, err)
	}
	snap.Exists = true
	return snap, nil
}

func (b *Backend) loadCollection(ctx context.Context, coll string) (storage.CollectionSnapshot, error) {
	snap := storage.CollectionSnapshot{Path: coll}
	ids, err := b.client.SMembers(ctx, b.collKey(coll)).Result()
	if err != nil {
		return snap, err
	}
	if len(ids) == 0 {
		return snap, nil
	}
	slices.Sort(ids)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.docKey(coll + "/" + id)
	}
	vals, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return snap, err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // removed between SMEMBERS and MGET
		}
		var data document.Data
		if err := json.Unmarshal([]byte(s), &data); err != nil {
			return snap, fmt.Errorf("decode %s/%s: %w", coll, ids[i], err)
		}
		snap.Docs = append(snap.Docs, storage.DocumentSnapshot{
			Path: coll + "/" + ids[i], ID: ids[i], Exists: true, Data: data,
		})
	}
	return snap, nil
}

func (b *Backend) WriteDocument(ctx context.Context, path string, data document.Data) error {
	return b.Commit(ctx, storage.NewBatch().Merge(path, data))
}

func (b *Backend) DeleteDocument(ctx context.Context, path string) error {
	return b.Commit(ctx, storage.NewBatch().Delete(path))
}

func (b *Backend) CreateDocument(ctx context.Context, path string, data document.Data) error {
	coll, id, err := storage.SplitPath(path)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, b.docKey(path), raw, 0)
		pipe.SAdd(ctx, b.collKey(coll), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: set %s: %w", storage.ErrRemoteUnavailable, path, err)
	}
	return b.announce(ctx, path)
}

// Commit applies the batch in one MULTI/EXEC, watching every merged key so a
// concurrent writer forces a retry instead of a lost update.
func (b *Backend) Commit(ctx context.Context, batch *storage.Batch) error {
	ops := batch.Ops()
	if len(ops) == 0 {
		return nil
	}
	var watch []string
	for _, op := range ops {
		if _, _, err := storage.SplitPath(op.Path); err != nil {
			return err
		}
		if op.Kind == storage.OpMerge {
			watch = append(watch, b.docKey(op.Path))
		}
	}

	const maxRetries = 5
	txf := func(tx *redis.Tx) error {
		current := make(map[string]document.Data, len(watch))
		for _, op := range ops {
			if op.Kind != storage.OpMerge {
				continue
			}
			if _, seen := current[op.Path]; seen {
				continue
			}
			raw, err := tx.Get(ctx, b.docKey(op.Path)).Bytes()
			switch {
			case errors.Is(err, redis.Nil):
				current[op.Path] = document.Data{}
			case err != nil:
				return err
			default:
				var d document.Data
				if err := json.Unmarshal(raw, &d); err != nil {
					return fmt.Errorf("decode %s: %w", op.Path, err)
				}
				current[op.Path] = d
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, op := range ops {
				coll, id, _ := storage.SplitPath(op.Path)
				switch op.Kind {
				case storage.OpDelete:
					pipe.Del(ctx, b.docKey(op.Path))
					pipe.SRem(ctx, b.collKey(coll), id)
					current[op.Path] = document.Data{}
				case storage.OpMerge:
					merged := storage.MergeData(current[op.Path], op.Data)
					current[op.Path] = merged
					raw, err := json.Marshal(merged)
					if err != nil {
						return fmt.Errorf("encode %s: %w", op.Path, err)
					}
					pipe.Set(ctx, b.docKey(op.Path), raw, 0)
					pipe.SAdd(ctx, b.collKey(coll), id)
				}
			}
			return nil
		})
		return err
	}

	var err error
	for range maxRetries {
		err = b.client.Watch(ctx, txf, watch...)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("%w: commit batch of %d: %w", storage.ErrRemoteUnavailable, len(ops), err)
	}

	paths := make([]string, len(ops))
	for i, op := range ops {
		paths[i] = op.Path
	}
	return b.announce(ctx, paths...)
}

func (b *Backend) announce(ctx context.Context, paths ...string) error {
	payload, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(), payload).Err(); err != nil {
		return fmt.Errorf("%w: publish: %w", storage.ErrRemoteUnavailable, err)
	}
	return nil
}
