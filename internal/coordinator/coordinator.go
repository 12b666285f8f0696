// Package coordinator owns the in-memory projection of the match (operation
// plus operator registry) and keeps it in step with the remote store and the
// local mirror.
//
// One goroutine, started by Run, applies every change. Public methods post
// intents to it and wait for the result; store callbacks only push events
// into a queue the same goroutine drains. Remote writes are sent by a second
// goroutine in submission order.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/comandos-hq/fieldlink/internal/mirror"
	"github.com/comandos-hq/fieldlink/internal/queue"
	"github.com/comandos-hq/fieldlink/internal/registry"
	"github.com/comandos-hq/fieldlink/internal/storage"
	"github.com/comandos-hq/fieldlink/internal/telemetry"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

// Mode is the link state of the coordinator.
type Mode int32

const (
	ModeSyncing Mode = iota
	ModeRemote
	ModeLocal
)

func (m Mode) String() string {
	switch m {
	case ModeSyncing:
		return "SYNCING"
	case ModeRemote:
		return "REMOTE"
	case ModeLocal:
		return "LOCAL"
	}
	return fmt.Sprintf("Mode(%d)", int32(m))
}

var (
	ErrStopped        = errors.New("coordinator is not running")
	ErrAlreadyRunning = errors.New("coordinator already running")
)

const defaultWriteTimeout = 10 * time.Second

// Options configures a Coordinator. Mirror is required; a nil Backend starts
// the coordinator directly in LOCAL mode.
type Options struct {
	Backend   storage.Backend
	Mirror    mirror.Mirror
	Logger    *slog.Logger
	Telemetry telemetry.Recorder

	// OnChange is called from the coordinator goroutine after every applied
	// change. It must not block or call back into the coordinator.
	OnChange func(View)

	Now          func() time.Time
	WriteTimeout time.Duration
}

// Coordinator is the explicit context object holding the match state.
type Coordinator struct {
	backend  storage.Backend
	mirror   mirror.Mirror
	logger   *slog.Logger
	rec      telemetry.Recorder
	onChange func(View)
	now      func() time.Time
	timeout  time.Duration
	deviceID string

	mode    atomic.Int32
	running atomic.Bool
	done    chan struct{}

	intents chan intent
	events  *queue.Queue[event]
	writes  *queue.Queue[write]

	// owned by the Run goroutine
	op     core.Operation
	reg    *registry.Registry
	held   []write
	unsubs []storage.Unsubscribe
	seeded bool

	// remote writes queued, held or sent but not yet acknowledged
	inflight int
}

type intent struct {
	fn   func() error
	done chan error
}

// New builds a coordinator and resolves the device id from the mirror.
func New(opts Options) (*Coordinator, error) {
	if opts.Mirror == nil {
		return nil, errors.New("coordinator: mirror is required")
	}
	deviceID, err := mirror.DeviceID(opts.Mirror)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}

	c := &Coordinator{
		backend:  opts.Backend,
		mirror:   opts.Mirror,
		logger:   opts.Logger,
		rec:      opts.Telemetry,
		onChange: opts.OnChange,
		now:      opts.Now,
		timeout:  opts.WriteTimeout,
		deviceID: deviceID,
		done:     make(chan struct{}),
		intents:  make(chan intent),
		events:   queue.New[event](),
		writes:   queue.New[write](),
		reg:      registry.New(),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.rec == nil {
		c.rec = telemetry.Noop{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.timeout <= 0 {
		c.timeout = defaultWriteTimeout
	}
	c.op = core.DefaultOperation(c.now())
	return c, nil
}

// DeviceID is the id this installation binds callsigns to.
func (c *Coordinator) DeviceID() string {
	return c.deviceID
}

// Mode returns the current link mode. Safe from any goroutine.
func (c *Coordinator) Mode() Mode {
	return Mode(c.mode.Load())
}

// Run restores the mirror, connects to the remote store and serves intents
// until ctx is cancelled. Subscriptions are torn down before it returns.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.restore()

	writerDone := make(chan struct{})
	go c.writer(ctx, writerDone)

	connectDone := make(chan struct{})
	if c.backend == nil {
		close(connectDone)
		c.goLocal(errors.New("no remote backend configured"))
	} else {
		go func() {
			defer close(connectDone)
			c.connect(ctx)
		}()
	}

	for {
		select {
		case <-ctx.Done():
			<-connectDone
			c.teardown()
			<-writerDone
			return nil
		case in := <-c.intents:
			in.done <- in.fn()
		case <-c.events.Ready():
			c.drainEvents()
		}
	}
}

// do runs fn on the coordinator goroutine and returns its error.
func (c *Coordinator) do(ctx context.Context, fn func() error) error {
	in := intent{fn: fn, done: make(chan error, 1)}
	select {
	case c.intents <- in:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-in.done
}

func (c *Coordinator) restore() {
	st, ok, err := c.mirror.Load()
	if err != nil {
		c.logger.Warn("Failed to load local mirror", "error", err)
		return
	}
	if !ok {
		return
	}
	c.op = st.Operation.Clone()
	c.reg.Replace(st.Ranking)
	c.logger.Info("Restored local mirror",
		"operation", c.op.ID,
		"missions", len(c.op.Missions),
		"operators", c.reg.Len())
}

func (c *Coordinator) teardown() {
	// connect has returned, so anything it reported is already queued
	c.drainEvents()
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	c.held = nil
}

func (c *Coordinator) setMode(m Mode) {
	if Mode(c.mode.Swap(int32(m))) == m {
		return
	}
	c.logger.Info("Link mode changed", "mode", m.String())
	c.rec.LinkMode(m.String(), c.now())
}

// goLocal demotes to LOCAL for the rest of the session.
func (c *Coordinator) goLocal(cause error) {
	if c.Mode() == ModeLocal {
		return
	}
	c.setMode(ModeLocal)
	c.logger.Warn("Remote store unavailable, continuing on local mirror", "error", cause)

	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	if n := len(c.held); n > 0 {
		c.logger.Debug("Dropping held remote writes", "count", n)
	}
	c.held = nil
	c.inflight = 0
	if n := c.writes.Clear(); n > 0 {
		c.logger.Debug("Dropping queued remote writes", "count", n)
	}
	c.changed()
}

func (c *Coordinator) goRemote() {
	if c.Mode() != ModeSyncing {
		return
	}
	c.setMode(ModeRemote)
	if len(c.held) > 0 {
		c.logger.Debug("Flushing held remote writes", "count", len(c.held))
		c.writes.Push(c.held...)
		c.held = nil
	}
}

// persist writes the whole projection to the mirror.
func (c *Coordinator) persist() {
	st := mirror.State{
		Operation: c.op.Clone(),
		Ranking:   c.reg.Leaderboard(),
	}
	if err := c.mirror.Save(st); err != nil {
		c.logger.Error("Failed to save local mirror", "error", err)
	}
}

func (c *Coordinator) changed() {
	if c.onChange != nil {
		c.onChange(c.view())
	}
}

// commit finishes a mutation: mirror first, then the remote write, then
// listeners.
func (c *Coordinator) commit(ws ...write) {
	c.persist()
	for _, w := range ws {
		c.submit(w)
	}
	c.changed()
}
