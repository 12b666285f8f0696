// Package catalog manages the mission definitions of the active operation:
// primary missions, their secondary objectives and faction visibility.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/comandos-hq/fieldlink/pkg/core"
)

// Defaults for drafts created from the admin console.
const (
	DefaultPrimaryPoints   = 200
	DefaultSecondaryPoints = 100
)

var (
	ErrMissionNotFound = errors.New("mission not found")
	ErrInvalidParent   = errors.New("secondary mission needs an existing primary parent")
	ErrEmptyTitle      = errors.New("mission title is empty")
	ErrInvalidStatus   = errors.New("mission status must be ACTIVE or LOCKED")
	ErrAmbiguous       = errors.New("query matches more than one mission")
)

// NewPrimary returns a draft primary mission open to every faction.
func NewPrimary(title string) core.Mission {
	return core.Mission{
		Title:  title,
		Points: DefaultPrimaryPoints,
		IsMain: true,
		Status: core.MissionActive,
		Armies: core.Armies(),
	}
}

// NewSecondary returns a draft objective of parent, inheriting its factions.
func NewSecondary(parent core.Mission, title string) core.Mission {
	return core.Mission{
		Title:    title,
		Points:   DefaultSecondaryPoints,
		ParentID: parent.ID,
		Status:   core.MissionActive,
		Armies:   append([]core.Army(nil), parent.Armies...),
	}
}

// Find returns the mission with the given id.
func Find(op core.Operation, id string) (core.Mission, error) {
	m, ok := op.Mission(id)
	if !ok {
		return core.Mission{}, fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	return m, nil
}

// Primaries returns the primary missions in catalog order.
func Primaries(op core.Operation) []core.Mission {
	var out []core.Mission
	for _, m := range op.Missions {
		if m.IsMain {
			out = append(out, m)
		}
	}
	return out
}

// Secondaries returns the objectives attached to parentID.
func Secondaries(op core.Operation, parentID string) []core.Mission {
	var out []core.Mission
	for _, m := range op.Missions {
		if !m.IsMain && m.ParentID == parentID {
			out = append(out, m)
		}
	}
	return out
}

// VisibleTo filters the catalog down to what army may see and attempt.
func VisibleTo(op core.Operation, army core.Army) []core.Mission {
	var out []core.Mission
	for _, m := range op.Missions {
		if army.CanSee(m) {
			out = append(out, m)
		}
	}
	return out
}

// Save inserts or replaces a mission. A draft without id gets m-<unix ms>.
// Secondary missions must point at an existing primary; primaries never
// carry a parent.
func Save(op *core.Operation, m core.Mission, now time.Time) (core.Mission, error) {
	m = m.Clone()
	m.Title = strings.TrimSpace(m.Title)
	if m.Title == "" {
		return core.Mission{}, ErrEmptyTitle
	}
	if m.IsMain {
		m.ParentID = ""
	} else {
		parent, ok := op.Mission(m.ParentID)
		if m.ParentID == "" || !ok || !parent.IsMain || parent.ID == m.ID {
			return core.Mission{}, fmt.Errorf("%w: %q", ErrInvalidParent, m.ParentID)
		}
	}
	if m.Status == "" {
		m.Status = core.MissionActive
	}
	m.Points = max(0, m.Points)
	m.TimerMinutes = max(0, m.TimerMinutes)
	if m.Armies == nil {
		m.Armies = []core.Army{}
	}
	m.UpdatedAt = now.UnixMilli()

	if m.ID == "" {
		m.ID = fmt.Sprintf("m-%d", now.UnixMilli())
		op.Missions = append(op.Missions, m)
		return m.Clone(), nil
	}

	i := slices.IndexFunc(op.Missions, func(x core.Mission) bool { return x.ID == m.ID })
	if i < 0 {
		op.Missions = append(op.Missions, m)
		return m.Clone(), nil
	}
	// demoting a primary with objectives would orphan them
	if op.Missions[i].IsMain && !m.IsMain && len(Secondaries(*op, m.ID)) > 0 {
		return core.Mission{}, fmt.Errorf("%w: %s still has objectives", ErrInvalidParent, m.ID)
	}
	op.Missions[i] = m
	return m.Clone(), nil
}

// Delete removes a mission and, for a primary, every secondary referencing
// it. It returns the ids removed.
func Delete(op *core.Operation, id string) ([]string, error) {
	if _, ok := op.Mission(id); !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	var removed []string
	op.Missions = slices.DeleteFunc(op.Missions, func(m core.Mission) bool {
		if m.ID == id || m.ParentID == id {
			removed = append(removed, m.ID)
			return true
		}
		return false
	})
	return removed, nil
}

// SetStatus toggles the admin availability of a mission.
func SetStatus(op *core.Operation, id string, status core.MissionStatus, now time.Time) (core.Mission, error) {
	if status != core.MissionActive && status != core.MissionLocked {
		return core.Mission{}, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	i := slices.IndexFunc(op.Missions, func(m core.Mission) bool { return m.ID == id })
	if i < 0 {
		return core.Mission{}, fmt.Errorf("%w: %s", ErrMissionNotFound, id)
	}
	op.Missions[i].Status = status
	op.Missions[i].UpdatedAt = now.UnixMilli()
	return op.Missions[i].Clone(), nil
}

// Lookup resolves query against missions by exact id first, then by a fuzzy
// title match. A fuzzy query must match exactly one mission.
func Lookup(missions []core.Mission, query string) (core.Mission, error) {
	query = strings.TrimSpace(query)
	for _, m := range missions {
		if strings.EqualFold(m.ID, query) {
			return m, nil
		}
	}

	titles := make([]string, len(missions))
	for i, m := range missions {
		titles[i] = strings.ToLower(m.Title)
	}
	ranks := fuzzy.RankFindNormalizedFold(strings.ToLower(query), titles)
	switch len(ranks) {
	case 0:
		return core.Mission{}, fmt.Errorf("%w: %q", ErrMissionNotFound, query)
	case 1:
		return missions[ranks[0].OriginalIndex], nil
	}
	for _, r := range ranks {
		if r.Distance == 0 {
			return missions[r.OriginalIndex], nil
		}
	}
	return core.Mission{}, fmt.Errorf("%w: %q", ErrAmbiguous, query)
}
