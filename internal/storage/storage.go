// internal/storage/storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/comandos-hq/fieldlink/internal/document"
)

var (
	// ErrRemoteUnavailable marks failures to reach or authenticate with the
	// remote store.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrInvalidPath       = errors.New("invalid document path")
)

// DocumentSnapshot is the state of one document at a point in time.
// Exists is false when the document was deleted or never created.
type DocumentSnapshot struct {
	Path   string
	ID     string
	Exists bool
	Data   document.Data
}

// CollectionSnapshot lists every document of a collection.
type CollectionSnapshot struct {
	Path string
	Docs []DocumentSnapshot
}

type (
	DocumentHandler   func(DocumentSnapshot)
	CollectionHandler func(CollectionSnapshot)
	ErrorHandler      func(error)
)

// Unsubscribe stops a subscription. It is safe to call more than once.
type Unsubscribe func()

// Backend is the realtime document store the coordinator talks to.
//
// Handlers may be invoked from any goroutine and must not block. After an
// ErrorHandler call the subscription is dead and delivers nothing further.
type Backend interface {
	// Lifecycle; Init performs anonymous authentication.
	Init(ctx context.Context) error
	Close() error

	SubscribeDocument(ctx context.Context, path string, onSnap DocumentHandler, onErr ErrorHandler) (Unsubscribe, error)
	SubscribeCollection(ctx context.Context, path string, onSnap CollectionHandler, onErr ErrorHandler) (Unsubscribe, error)

	// WriteDocument merges data into the document, creating it if needed.
	WriteDocument(ctx context.Context, path string, data document.Data) error
	// CreateDocument overwrites the document with data.
	CreateDocument(ctx context.Context, path string, data document.Data) error
	DeleteDocument(ctx context.Context, path string) error
	// Commit applies every operation of b atomically.
	Commit(ctx context.Context, b *Batch) error
}

// OpKind is the kind of a batched operation.
type OpKind int

const (
	OpDelete OpKind = iota
	OpMerge
)

func (k OpKind) String() string {
	switch k {
	case OpDelete:
		return "delete"
	case OpMerge:
		return "merge"
	}
	return fmt.Sprintf("OpKind(%d)", int(k))
}

// BatchOp is one operation of a Batch.
type BatchOp struct {
	Kind OpKind
	Path string
	Data document.Data
}

// Batch collects deletes and merges to be committed together.
type Batch struct {
	ops []BatchOp
}

func NewBatch() *Batch {
	return &Batch{}
}

func (b *Batch) Delete(path string) *Batch {
	b.ops = append(b.ops, BatchOp{Kind: OpDelete, Path: path})
	return b
}

func (b *Batch) Merge(path string, data document.Data) *Batch {
	b.ops = append(b.ops, BatchOp{Kind: OpMerge, Path: path, Data: data})
	return b
}

// Ops returns the queued operations in order.
func (b *Batch) Ops() []BatchOp {
	return append([]BatchOp(nil), b.ops...)
}

func (b *Batch) Len() int {
	return len(b.ops)
}

// SplitPath splits "collection/id" into its parts.
func SplitPath(path string) (collection, id string, err error) {
	collection, id, ok := strings.Cut(path, "/")
	if !ok || collection == "" || id == "" || strings.Contains(id, "/") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return collection, id, nil
}

// ValidCollection reports whether path names a top-level collection.
func ValidCollection(path string) error {
	if path == "" || strings.Contains(path, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return nil
}

// MergeData applies a shallow merge of patch over base, as document stores
// do for merge writes. base is not modified.
func MergeData(base, patch document.Data) document.Data {
	out := make(document.Data, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
