package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/comandos-hq/fieldlink/internal/catalog"
	"github.com/comandos-hq/fieldlink/internal/geo"
	"github.com/comandos-hq/fieldlink/internal/progress"
	"github.com/comandos-hq/fieldlink/internal/registry"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

// View is a consistent copy of the projection.
type View struct {
	Mode        Mode
	Operation   core.Operation
	Leaderboard []core.Operator

	// PendingWrites counts remote writes not yet acknowledged.
	PendingWrites int
}

// BriefingEntry is one mission as seen by an operator.
type BriefingEntry struct {
	Mission   core.Mission
	Progress  core.MissionStatus // empty when not started
	Remaining time.Duration
	Timed     bool
	Expired   bool

	// Distance in metres from the operator's last position to the mission
	// location, when both are known.
	Distance    float64
	HasDistance bool
}

func (c *Coordinator) view() View {
	return View{
		Mode:          c.Mode(),
		Operation:     c.op.Clone(),
		Leaderboard:   c.reg.Leaderboard(),
		PendingWrites: c.inflight,
	}
}

// View returns a snapshot of the current state.
func (c *Coordinator) View(ctx context.Context) (View, error) {
	var v View
	err := c.do(ctx, func() error {
		v = c.view()
		return nil
	})
	return v, err
}

// Operator returns one operator record.
func (c *Coordinator) Operator(ctx context.Context, id string) (core.Operator, error) {
	var out core.Operator
	err := c.do(ctx, func() error {
		op, ok := c.reg.Get(core.NormalizeCallsign(id))
		if !ok {
			return fmt.Errorf("%w: %s", registry.ErrUnknownCallsign, id)
		}
		out = op
		return nil
	})
	return out, err
}

// Briefing lists the missions visible to the operator's army, each primary
// followed by its objectives, with the operator's progress.
func (c *Coordinator) Briefing(ctx context.Context, operatorID string) ([]BriefingEntry, error) {
	var out []BriefingEntry
	err := c.do(ctx, func() error {
		op, ok := c.reg.Get(core.NormalizeCallsign(operatorID))
		if !ok {
			return fmt.Errorf("%w: %s", registry.ErrUnknownCallsign, operatorID)
		}
		out = briefing(c.op, op, c.now())
		return nil
	})
	return out, err
}

func briefing(operation core.Operation, op core.Operator, now time.Time) []BriefingEntry {
	visible := catalog.VisibleTo(operation, op.Army)
	listed := make(map[string]bool, len(visible))
	var out []BriefingEntry

	add := func(m core.Mission) {
		listed[m.ID] = true
		out = append(out, entry(op, m, now))
	}
	for _, m := range visible {
		if !m.IsMain {
			continue
		}
		add(m)
		for _, s := range visible {
			if !s.IsMain && s.ParentID == m.ID {
				add(s)
			}
		}
	}
	// objectives whose primary is hidden from this army
	for _, m := range visible {
		if !listed[m.ID] {
			add(m)
		}
	}
	return out
}

func entry(op core.Operator, m core.Mission, now time.Time) BriefingEntry {
	e := BriefingEntry{
		Mission:  m,
		Progress: progress.Status(op, m.ID),
		Timed:    m.Timed(),
	}
	if p, ok := op.Progress(m.ID); ok {
		if left, ok := progress.Remaining(p, m, now); ok {
			e.Remaining = left
			e.Expired = left == 0
		}
	}
	if lat, lng, ok := op.Position(); ok && m.Location != nil {
		if d, err := geo.Distance(lat, lng, m.Location.Lat, m.Location.Lng); err == nil {
			e.Distance, e.HasDistance = d, true
		}
	}
	return e
}

// ExpiredTimer is a timed mission that ran out while its operator still had
// it IN_PROGRESS.
type ExpiredTimer struct {
	OperatorID string
	Mission    core.Mission
	StartedAt  time.Time
}

// ExpiredTimers lists every running timed mission whose clock reached zero.
// Nothing is failed here; the operator or an admin decides.
func (c *Coordinator) ExpiredTimers(ctx context.Context) ([]ExpiredTimer, error) {
	var out []ExpiredTimer
	err := c.do(ctx, func() error {
		now := c.now()
		for _, id := range c.reg.IDs() {
			op, _ := c.reg.Get(id)
			for _, m := range c.op.Missions {
				if !progress.Expired(op, m, now) {
					continue
				}
				p, _ := op.Progress(m.ID)
				started, _ := p.StartTime()
				out = append(out, ExpiredTimer{OperatorID: id, Mission: m.Clone(), StartedAt: started})
			}
		}
		return nil
	})
	return out, err
}
