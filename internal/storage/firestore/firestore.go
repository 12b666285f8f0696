// Package firestore adapts Cloud Firestore, through the Firebase Admin SDK,
// to storage.Backend. Realtime subscriptions are served by snapshot
// iterators, one goroutine per subscription.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	gcfirestore "cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/storage"
)

// Config holds Firestore backend configuration.
type Config struct {
	ProjectID       string
	CredentialsFile string // empty uses application default credentials or the emulator
}

// Backend talks to a Firestore database.
type Backend struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	client *gcfirestore.Client
	wg     sync.WaitGroup
}

// New creates a Firestore backend. Init must be called before use.
func New(cfg Config, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{cfg: cfg, logger: logger}
}

// Init builds the Firebase app and opens the Firestore client.
func (b *Backend) Init(ctx context.Context) error {
	var opts []option.ClientOption
	if b.cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(b.cfg.CredentialsFile))
	}

	var fbCfg *firebase.Config
	if b.cfg.ProjectID != "" {
		fbCfg = &firebase.Config{ProjectID: b.cfg.ProjectID}
	}
	app, err := firebase.NewApp(ctx, fbCfg, opts...)
	if err != nil {
		return fmt.Errorf("%w: firebase app: %w", storage.ErrRemoteUnavailable, err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		return fmt.Errorf("%w: firestore client: %w", storage.ErrRemoteUnavailable, err)
	}

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	b.logger.Info("Firestore client ready", "projectId", b.cfg.ProjectID)
	return nil
}

// Close stops every subscription goroutine and closes the client.
func (b *Backend) Close() error {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client == nil {
		return nil
	}
	err := client.Close()
	b.wg.Wait()
	return err
}

func (b *Backend) getClient() (*gcfirestore.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, fmt.Errorf("%w: not initialized", storage.ErrRemoteUnavailable)
	}
	return b.client, nil
}

func (b *Backend) SubscribeDocument(ctx context.Context, path string, onSnap storage.DocumentHandler, onErr storage.ErrorHandler) (storage.Unsubscribe, error) {
	if _, _, err := storage.SplitPath(path); err != nil {
		return nil, err
	}
	client, err := b.getClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	it := client.Doc(path).Snapshots(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer it.Stop()
		for {
			snap, err := it.Next()
			if err != nil {
				if !stopped(ctx, err) && onErr != nil {
					onErr(translate(err))
				}
				return
			}
			onSnap(toDocument(path, snap))
		}
	}()

	return unsubscriber(cancel), nil
}

func (b *Backend) SubscribeCollection(ctx context.Context, path string, onSnap storage.CollectionHandler, onErr storage.ErrorHandler) (storage.Unsubscribe, error) {
	if err := storage.ValidCollection(path); err != nil {
		return nil, err
	}
	client, err := b.getClient()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	it := client.Collection(path).Snapshots(ctx)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer it.Stop()
		for {
			qs, err := it.Next()
			if err != nil {
				if !stopped(ctx, err) && onErr != nil {
					onErr(translate(err))
				}
				return
			}
			docs, err := qs.Documents.GetAll()
			if err != nil {
				if !stopped(ctx, err) && onErr != nil {
					onErr(translate(err))
				}
				return
			}
			out := storage.CollectionSnapshot{Path: path, Docs: make([]storage.DocumentSnapshot, 0, len(docs))}
			for _, d := range docs {
				out.Docs = append(out.Docs, toDocument(path+"/"+d.Ref.ID, d))
			}
			onSnap(out)
		}
	}()

	return unsubscriber(cancel), nil
}

func (b *Backend) WriteDocument(ctx context.Context, path string, data document.Data) error {
	client, err := b.getClient()
	if err != nil {
		return err
	}
	if _, err := client.Doc(path).Set(ctx, data, gcfirestore.MergeAll); err != nil {
		return fmt.Errorf("merge %s: %w", path, translate(err))
	}
	return nil
}

func (b *Backend) CreateDocument(ctx context.Context, path string, data document.Data) error {
	client, err := b.getClient()
	if err != nil {
		return err
	}
	if _, err := client.Doc(path).Set(ctx, data); err != nil {
		return fmt.Errorf("set %s: %w", path, translate(err))
	}
	return nil
}

func (b *Backend) DeleteDocument(ctx context.Context, path string) error {
	client, err := b.getClient()
	if err != nil {
		return err
	}
	if _, err := client.Doc(path).Delete(ctx); err != nil {
		return fmt.Errorf("delete %s: %w", path, translate(err))
	}
	return nil
}

// Commit runs the batch inside a write-only transaction.
func (b *Backend) Commit(ctx context.Context, batch *storage.Batch) error {
	client, err := b.getClient()
	if err != nil {
		return err
	}
	ops := batch.Ops()
	for _, op := range ops {
		if _, _, err := storage.SplitPath(op.Path); err != nil {
			return err
		}
	}

	err = client.RunTransaction(ctx, func(ctx context.Context, tx *gcfirestore.Transaction) error {
		for _, op := range ops {
			ref := client.Doc(op.Path)
			switch op.Kind {
			case storage.OpDelete:
				if err := tx.Delete(ref); err != nil {
					return err
				}
			case storage.OpMerge:
				if err := tx.Set(ref, op.Data, gcfirestore.MergeAll); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("commit batch of %d: %w", len(ops), translate(err))
	}
	return nil
}

func toDocument(path string, snap *gcfirestore.DocumentSnapshot) storage.DocumentSnapshot {
	out := storage.DocumentSnapshot{Path: path}
	if snap == nil {
		return out
	}
	if snap.Ref != nil {
		out.ID = snap.Ref.ID
	}
	if snap.Exists() {
		out.Exists = true
		out.Data = snap.Data()
	}
	return out
}

func stopped(ctx context.Context, err error) bool {
	if errors.Is(err, iterator.Done) || ctx.Err() != nil {
		return true
	}
	return status.Code(err) == codes.Canceled
}

// translate tags connectivity and auth failures with ErrRemoteUnavailable.
func translate(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.Unauthenticated, codes.PermissionDenied, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", storage.ErrRemoteUnavailable, err)
	}
	return err
}

func unsubscriber(cancel context.CancelFunc) storage.Unsubscribe {
	var once sync.Once
	return func() { once.Do(cancel) }
}
