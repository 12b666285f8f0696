package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/storage"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

type eventKind int

const (
	evOperation eventKind = iota
	evRanking
	evSubscribed
	evWritten
	evError
)

// event is something the remote side reported. Events are applied in the
// order the store delivered them.
type event struct {
	kind   eventKind
	doc    storage.DocumentSnapshot
	coll   storage.CollectionSnapshot
	unsubs []storage.Unsubscribe
	paths  []string
	err    error
}

// connect authenticates and opens both subscriptions. It runs on its own
// goroutine and reports back through the event queue only.
func (c *Coordinator) connect(ctx context.Context) {
	fail := func(err error) {
		c.events.Push(event{kind: evError, err: err})
	}

	if err := c.backend.Init(ctx); err != nil {
		fail(fmt.Errorf("authenticate: %w", err))
		return
	}

	unsubOp, err := c.backend.SubscribeDocument(ctx, core.OperationPath(),
		func(s storage.DocumentSnapshot) { c.events.Push(event{kind: evOperation, doc: s}) },
		func(err error) { fail(fmt.Errorf("operation subscription: %w", err)) })
	if err != nil {
		fail(fmt.Errorf("subscribe %s: %w", core.OperationPath(), err))
		return
	}

	unsubRanking, err := c.backend.SubscribeCollection(ctx, core.RankingCollection,
		func(s storage.CollectionSnapshot) { c.events.Push(event{kind: evRanking, coll: s}) },
		func(err error) { fail(fmt.Errorf("ranking subscription: %w", err)) })
	if err != nil {
		unsubOp()
		fail(fmt.Errorf("subscribe %s: %w", core.RankingCollection, err))
		return
	}

	c.events.Push(event{kind: evSubscribed, unsubs: []storage.Unsubscribe{unsubOp, unsubRanking}})
}

func (c *Coordinator) drainEvents() {
	for {
		ev, ok := c.events.Pop()
		if !ok {
			return
		}
		c.handle(ev)
	}
}

func (c *Coordinator) handle(ev event) {
	if ev.kind == evSubscribed {
		if c.Mode() == ModeLocal {
			for _, unsub := range ev.unsubs {
				unsub()
			}
			return
		}
		c.unsubs = append(c.unsubs, ev.unsubs...)
		return
	}

	// nothing from the remote side is trusted again once local
	if c.Mode() == ModeLocal {
		return
	}

	switch ev.kind {
	case evError:
		c.goLocal(ev.err)
	case evWritten:
		c.written(ev.paths, ev.err)
	case evOperation:
		c.applyOperation(ev.doc)
	case evRanking:
		c.applyRanking(ev.coll)
	}
}

// applyOperation replaces the operation with the snapshot, even when a local
// edit to it is still in flight. That edit's own snapshot follows if it lands.
func (c *Coordinator) applyOperation(snap storage.DocumentSnapshot) {
	c.goRemote()

	if !snap.Exists {
		if c.seeded {
			return
		}
		c.seeded = true
		c.op = core.DefaultOperation(c.now())
		data, err := document.Encode(c.op)
		if err != nil {
			c.logger.Error("Failed to encode default operation", "error", err)
			return
		}
		c.logger.Info("Seeding default operation", "path", core.OperationPath())
		c.commit(write{desc: "seed operation", kind: writeCreate, path: core.OperationPath(), data: data})
		return
	}

	op, err := document.DecodeOperation(snap.Path, snap.Data)
	if err != nil {
		c.logMalformed(err)
		return
	}
	c.op = op
	c.persist()
	c.changed()
}

func (c *Coordinator) applyRanking(snap storage.CollectionSnapshot) {
	byID := make(map[string]core.Operator, len(snap.Docs))
	for _, d := range snap.Docs {
		if !d.Exists {
			continue
		}
		op, err := document.DecodeOperator(d.Path, d.ID, d.Data)
		if err != nil {
			c.logMalformed(err)
			continue
		}
		byID[op.ID] = op
	}
	ops := make([]core.Operator, 0, len(byID))
	for _, op := range byID {
		ops = append(ops, op)
	}
	c.reg.Replace(ops)
	c.persist()
	c.changed()
}

// written settles an acknowledged write. A failed write is not rolled back;
// the projection keeps whatever was applied last.
func (c *Coordinator) written(paths []string, err error) {
	if c.inflight > 0 {
		c.inflight--
	}
	if err != nil {
		c.logger.Debug("Remote write not acknowledged", "paths", paths, "inflight", c.inflight)
	}
}

func (c *Coordinator) logMalformed(err error) {
	var mr *document.MalformedRecordError
	if errors.As(err, &mr) {
		c.logger.Warn("Skipping malformed record", "path", mr.Path, "error", mr.Err)
		return
	}
	c.logger.Warn("Skipping undecodable record", "error", err)
}
