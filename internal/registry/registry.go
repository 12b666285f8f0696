// Package registry keeps the set of operators of the running match.
//
// A Registry is not safe for concurrent use; it is owned by the coordinator
// loop. Every method hands out copies so callers cannot mutate stored state.
package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/comandos-hq/fieldlink/internal/rank"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

var (
	ErrDuplicateCallsign = errors.New("callsign already registered")
	ErrDeviceMismatch    = errors.New("callsign is bound to another device")
	ErrUnknownCallsign   = errors.New("callsign not registered")
	ErrEmptyCallsign     = errors.New("callsign is empty")
	ErrInvalidArmy       = errors.New("invalid army")
	ErrInvalidStatus     = errors.New("invalid operator status")
)

type Registry struct {
	operators map[string]core.Operator
}

func New() *Registry {
	return &Registry{operators: make(map[string]core.Operator)}
}

// Register creates an operator bound to deviceID. The record starts ONLINE
// with score 0 and an empty progress map.
func (r *Registry) Register(callsign, deviceID string, army core.Army) (core.Operator, error) {
	id := core.NormalizeCallsign(callsign)
	if id == "" {
		return core.Operator{}, ErrEmptyCallsign
	}
	if !army.Valid() {
		return core.Operator{}, fmt.Errorf("%w: %q", ErrInvalidArmy, army)
	}
	if _, ok := r.operators[id]; ok {
		return core.Operator{}, fmt.Errorf("%w: %s", ErrDuplicateCallsign, id)
	}

	op := core.Operator{
		ID:               id,
		Callsign:         id,
		Rank:             rank.For(0),
		Status:           core.OperatorOnline,
		DeviceID:         deviceID,
		Army:             army,
		MissionsProgress: map[string]core.MissionProgress{},
	}
	r.operators[id] = op
	return op.Clone(), nil
}

// Authenticate checks the device binding of an existing callsign and marks
// the operator ONLINE. ErrUnknownCallsign means the caller should route the
// user to faction selection.
func (r *Registry) Authenticate(callsign, deviceID string) (core.Operator, error) {
	id := core.NormalizeCallsign(callsign)
	if id == "" {
		return core.Operator{}, ErrEmptyCallsign
	}
	op, ok := r.operators[id]
	if !ok {
		return core.Operator{}, fmt.Errorf("%w: %s", ErrUnknownCallsign, id)
	}
	if op.DeviceID != deviceID {
		return core.Operator{}, fmt.Errorf("%w: %s", ErrDeviceMismatch, id)
	}
	op.Status = core.OperatorOnline
	r.operators[id] = op
	return op.Clone(), nil
}

// AdjustScore adds delta to the operator's score, flooring at zero, and
// recomputes the rank.
func (r *Registry) AdjustScore(id string, delta int) (core.Operator, error) {
	op, ok := r.operators[id]
	if !ok {
		return core.Operator{}, fmt.Errorf("%w: %s", ErrUnknownCallsign, id)
	}
	op.Score = max(0, op.Score+delta)
	op.Rank = rank.For(op.Score)
	r.operators[id] = op
	return op.Clone(), nil
}

// SetStatus changes the operator's presence (logout, KIA).
func (r *Registry) SetStatus(id string, status core.OperatorStatus) (core.Operator, error) {
	if !status.Valid() {
		return core.Operator{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	op, ok := r.operators[id]
	if !ok {
		return core.Operator{}, fmt.Errorf("%w: %s", ErrUnknownCallsign, id)
	}
	op.Status = status
	r.operators[id] = op
	return op.Clone(), nil
}

// ReportPosition records the operator's last known coordinates.
func (r *Registry) ReportPosition(id string, lat, lng float64) (core.Operator, error) {
	op, ok := r.operators[id]
	if !ok {
		return core.Operator{}, fmt.Errorf("%w: %s", ErrUnknownCallsign, id)
	}
	op.LastLat, op.LastLng = &lat, &lng
	r.operators[id] = op
	return op.Clone(), nil
}

// Update runs fn against a copy of the operator and stores the result when
// fn returns nil.
func (r *Registry) Update(id string, fn func(op *core.Operator) error) (core.Operator, error) {
	op, ok := r.operators[id]
	if !ok {
		return core.Operator{}, fmt.Errorf("%w: %s", ErrUnknownCallsign, id)
	}
	op = op.Clone()
	if err := fn(&op); err != nil {
		return core.Operator{}, err
	}
	op.Score = max(0, op.Score)
	r.operators[id] = op
	return op.Clone(), nil
}

// Remove deletes the operator. Removing an absent id is not an error.
func (r *Registry) Remove(id string) {
	delete(r.operators, id)
}

// Reset drops every operator.
func (r *Registry) Reset() {
	clear(r.operators)
}

// Replace swaps the whole set, as delivered by a collection snapshot.
func (r *Registry) Replace(ops []core.Operator) {
	next := make(map[string]core.Operator, len(ops))
	for _, op := range ops {
		next[op.ID] = op.Clone()
	}
	r.operators = next
}

// Get returns a copy of the operator with the given id.
func (r *Registry) Get(id string) (core.Operator, bool) {
	op, ok := r.operators[id]
	if !ok {
		return core.Operator{}, false
	}
	return op.Clone(), true
}

// Len returns the number of operators.
func (r *Registry) Len() int {
	return len(r.operators)
}

// IDs returns every operator id in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.operators))
	for id := range r.operators {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Leaderboard returns every operator ordered by score, highest first, ties
// broken by id.
func (r *Registry) Leaderboard() []core.Operator {
	out := make([]core.Operator, 0, len(r.operators))
	for _, op := range r.operators {
		out = append(out, op.Clone())
	}
	slices.SortFunc(out, func(a, b core.Operator) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
