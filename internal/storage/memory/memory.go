// internal/storage/memory/memory.go
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/storage"
)

type docSub struct {
	onSnap storage.DocumentHandler
	onErr  storage.ErrorHandler
}

type collSub struct {
	onSnap storage.CollectionHandler
	onErr  storage.ErrorHandler
}

// Backend is an in-process document store. It backs the "memory" backend
// setting and lets tests inject failures at every stage.
//
// Handlers run synchronously on the writing goroutine, in write order.
type Backend struct {
	// delivery serialises mutation plus notification so subscribers see
	// writes in order
	delivery sync.Mutex
	mu       sync.Mutex

	docs     map[string]map[string]document.Data // collection -> id -> body
	docSubs  map[string]map[int]docSub           // path -> subs
	collSubs map[string]map[int]collSub          // collection -> subs
	nextSub  int

	initErr      error
	subscribeErr error
	writeErr     error
	writes       int
	closed       bool
}

// New creates an empty store.
func New() *Backend {
	return &Backend{
		docs:     make(map[string]map[string]document.Data),
		docSubs:  make(map[string]map[int]docSub),
		collSubs: make(map[string]map[int]collSub),
	}
}

// FailInit makes the next Init calls return err.
func (b *Backend) FailInit(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.initErr = err
}

// FailSubscribe makes new subscriptions fail with err.
func (b *Backend) FailSubscribe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeErr = err
}

// FailWrites makes every write, delete and commit return err. Nil heals.
func (b *Backend) FailWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writeErr = err
}

// BreakSubscriptions fires the error handler of every live subscription and
// drops them.
func (b *Backend) BreakSubscriptions(err error) {
	b.delivery.Lock()
	defer b.delivery.Unlock()

	b.mu.Lock()
	var handlers []storage.ErrorHandler
	for _, subs := range b.docSubs {
		for _, s := range subs {
			handlers = append(handlers, s.onErr)
		}
	}
	for _, subs := range b.collSubs {
		for _, s := range subs {
			handlers = append(handlers, s.onErr)
		}
	}
	clear(b.docSubs)
	clear(b.collSubs)
	b.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(err)
		}
	}
}

// WriteCount returns how many write attempts (including failed ones) reached
// the store.
func (b *Backend) WriteCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writes
}

// Get returns a copy of the document at path.
func (b *Backend) Get(path string) (document.Data, bool) {
	coll, id, err := storage.SplitPath(path)
	if err != nil {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.docs[coll][id]
	if !ok {
		return nil, false
	}
	return maps.Clone(d), true
}

// IDs returns the sorted document ids of a collection.
func (b *Backend) IDs(collection string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.docs[collection]))
}

// Init performs anonymous authentication, which always succeeds unless a
// failure was injected.
func (b *Backend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initErr != nil {
		return b.initErr
	}
	return ctx.Err()
}

// Close drops every subscription without notifying them.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.docSubs)
	clear(b.collSubs)
	b.closed = true
	return nil
}

func (b *Backend) SubscribeDocument(ctx context.Context, path string, onSnap storage.DocumentHandler, onErr storage.ErrorHandler) (storage.Unsubscribe, error) {
	coll, id, err := storage.SplitPath(path)
	if err != nil {
		return nil, err
	}

	b.delivery.Lock()
	defer b.delivery.Unlock()

	b.mu.Lock()
	if err := b.subscribableLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.nextSub++
	key := b.nextSub
	if b.docSubs[path] == nil {
		b.docSubs[path] = make(map[int]docSub)
	}
	b.docSubs[path][key] = docSub{onSnap: onSnap, onErr: onErr}
	snap := b.docSnapshotLocked(coll, id)
	b.mu.Unlock()

	onSnap(snap)

	return b.unsubscriber(func() { delete(b.docSubs[path], key) }), nil
}

func (b *Backend) SubscribeCollection(ctx context.Context, path string, onSnap storage.CollectionHandler, onErr storage.ErrorHandler) (storage.Unsubscribe, error) {
	if err := storage.ValidCollection(path); err != nil {
		return nil, err
	}

	b.delivery.Lock()
	defer b.delivery.Unlock()

	b.mu.Lock()
	if err := b.subscribableLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.nextSub++
	key := b.nextSub
	if b.collSubs[path] == nil {
		b.collSubs[path] = make(map[int]collSub)
	}
	b.collSubs[path][key] = collSub{onSnap: onSnap, onErr: onErr}
	snap := b.collSnapshotLocked(path)
	b.mu.Unlock()

	onSnap(snap)

	return b.unsubscriber(func() { delete(b.collSubs[path], key) }), nil
}

func (b *Backend) subscribableLocked() error {
	if b.closed {
		return storage.ErrRemoteUnavailable
	}
	return b.subscribeErr
}

func (b *Backend) unsubscriber(drop func()) storage.Unsubscribe {
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			drop()
		})
	}
}

func (b *Backend) WriteDocument(ctx context.Context, path string, data document.Data) error {
	return b.Commit(ctx, storage.NewBatch().Merge(path, data))
}

func (b *Backend) CreateDocument(ctx context.Context, path string, data document.Data) error {
	return b.apply(ctx, func() ([]string, error) {
		coll, id, err := storage.SplitPath(path)
		if err != nil {
			return nil, err
		}
		b.putLocked(coll, id, maps.Clone(data))
		return []string{path}, nil
	})
}

func (b *Backend) DeleteDocument(ctx context.Context, path string) error {
	return b.Commit(ctx, storage.NewBatch().Delete(path))
}

// Commit applies the batch all-or-nothing; subscribers see a single
// snapshot per affected document and collection.
func (b *Backend) Commit(ctx context.Context, batch *storage.Batch) error {
	return b.apply(ctx, func() ([]string, error) {
		ops := batch.Ops()
		for _, op := range ops {
			if _, _, err := storage.SplitPath(op.Path); err != nil {
				return nil, err
			}
		}
		paths := make([]string, 0, len(ops))
		for _, op := range ops {
			coll, id, _ := storage.SplitPath(op.Path)
			switch op.Kind {
			case storage.OpDelete:
				delete(b.docs[coll], id)
			case storage.OpMerge:
				b.putLocked(coll, id, storage.MergeData(b.docs[coll][id], op.Data))
			}
			paths = append(paths, op.Path)
		}
		return paths, nil
	})
}

func (b *Backend) apply(ctx context.Context, mutate func() ([]string, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.delivery.Lock()
	defer b.delivery.Unlock()

	b.mu.Lock()
	b.writes++
	if b.closed {
		b.mu.Unlock()
		return storage.ErrRemoteUnavailable
	}
	if b.writeErr != nil {
		err := b.writeErr
		b.mu.Unlock()
		return err
	}
	paths, err := mutate()
	if err != nil {
		b.mu.Unlock()
		return err
	}
	notify := b.collectLocked(paths)
	b.mu.Unlock()

	for _, fn := range notify {
		fn()
	}
	return nil
}

func (b *Backend) putLocked(coll, id string, data document.Data) {
	if b.docs[coll] == nil {
		b.docs[coll] = make(map[string]document.Data)
	}
	b.docs[coll][id] = data
}

// collectLocked builds the notifications for the touched paths, one per
// subscriber.
func (b *Backend) collectLocked(paths []string) []func() {
	var out []func()
	seenDoc := map[string]bool{}
	seenColl := map[string]bool{}
	for _, p := range paths {
		coll, id, _ := storage.SplitPath(p)
		if !seenDoc[p] {
			seenDoc[p] = true
			snap := b.docSnapshotLocked(coll, id)
			for _, k := range slices.Sorted(maps.Keys(b.docSubs[p])) {
				h := b.docSubs[p][k].onSnap
				out = append(out, func() { h(snap) })
			}
		}
		if !seenColl[coll] {
			seenColl[coll] = true
			if len(b.collSubs[coll]) == 0 {
				continue
			}
			snap := b.collSnapshotLocked(coll)
			for _, k := range slices.Sorted(maps.Keys(b.collSubs[coll])) {
				h := b.collSubs[coll][k].onSnap
				out = append(out, func() { h(snap) })
			}
		}
	}
	return out
}

func (b *Backend) docSnapshotLocked(coll, id string) storage.DocumentSnapshot {
	snap := storage.DocumentSnapshot{Path: coll + "/" + id, ID: id}
	if d, ok := b.docs[coll][id]; ok {
		snap.Exists = true
		snap.Data = maps.Clone(d)
	}
	return snap
}

func (b *Backend) collSnapshotLocked(coll string) storage.CollectionSnapshot {
	snap := storage.CollectionSnapshot{Path: coll}
	for _, id := range slices.Sorted(maps.Keys(b.docs[coll])) {
		snap.Docs = append(snap.Docs, b.docSnapshotLocked(coll, id))
	}
	return snap
}
