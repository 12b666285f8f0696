package coordinator

import (
	"context"
	"errors"

	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/storage"
)

type writeKind int

const (
	writeMerge writeKind = iota
	writeCreate
	writeDelete
	writeBatch
)

// write is one remote call, already stripped of unset fields.
type write struct {
	desc  string
	kind  writeKind
	path  string
	data  document.Data
	batch *storage.Batch
}

// submit routes a write according to the current mode: queued in REMOTE,
// held until the link settles in SYNCING, dropped in LOCAL.
func (c *Coordinator) submit(w write) {
	if c.Mode() == ModeLocal {
		return
	}
	c.inflight++
	switch c.Mode() {
	case ModeRemote:
		c.writes.Push(w)
	case ModeSyncing:
		c.held = append(c.held, w)
	}
}

func (c *Coordinator) writer(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.writes.Ready():
		}
		for {
			w, ok := c.writes.Pop()
			if !ok {
				break
			}
			if c.Mode() == ModeLocal {
				continue
			}
			err := c.send(ctx, w)
			if err != nil {
				c.logger.Warn("Remote write failed", "write", w.desc, "path", w.path, "error", err)
			}
			c.events.Push(event{kind: evWritten, paths: w.paths(), err: err})
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (c *Coordinator) send(ctx context.Context, w write) error {
	// writes already handed to the store are not cancelled with the session
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	defer cancel()

	switch w.kind {
	case writeMerge:
		return c.backend.WriteDocument(ctx, w.path, w.data)
	case writeCreate:
		return c.backend.CreateDocument(ctx, w.path, w.data)
	case writeDelete:
		return c.backend.DeleteDocument(ctx, w.path)
	case writeBatch:
		return c.backend.Commit(ctx, w.batch)
	}
	return errors.New("unknown write kind")
}

func (w write) paths() []string {
	if w.kind != writeBatch {
		return []string{w.path}
	}
	ops := w.batch.Ops()
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.Path
	}
	return out
}

func mergeWrite(desc, path string, v any) (write, error) {
	data, err := document.Encode(v)
	if err != nil {
		return write{}, err
	}
	return write{desc: desc, kind: writeMerge, path: path, data: data}, nil
}
