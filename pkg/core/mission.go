// pkg/core/mission.go
package core

import "time"

// MissionStatus covers both the admin-controlled availability of a mission
// (ACTIVE / LOCKED) and the per-operator progress states.
type MissionStatus string

const (
	MissionLocked     MissionStatus = "LOCKED"
	MissionActive     MissionStatus = "ACTIVE"
	MissionInProgress MissionStatus = "IN_PROGRESS"
	MissionCompleted  MissionStatus = "COMPLETED"
	MissionFailed     MissionStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s MissionStatus) Valid() bool {
	switch s {
	case MissionLocked, MissionActive, MissionInProgress, MissionCompleted, MissionFailed:
		return true
	}
	return false
}

// Terminal reports whether no transition may leave s.
func (s MissionStatus) Terminal() bool {
	return s == MissionCompleted || s == MissionFailed
}

// Location is an optional geographic anchor for a mission.
type Location struct {
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
	Label string  `json:"label"`
}

// Mission is a primary mission or a secondary objective of one.
// Secondary missions carry ParentID; primaries never do.
type Mission struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Briefing     string        `json:"briefing"`
	Points       int           `json:"points"`
	IsMain       bool          `json:"isMain"`
	Location     *Location     `json:"location,omitempty"`
	Code         string        `json:"code"`
	UpdatedAt    int64         `json:"updatedAt"` // unix millis
	ParentID     string        `json:"parentId,omitempty"`
	TimerMinutes int           `json:"timerMinutes,omitempty"`
	Status       MissionStatus `json:"status,omitempty"`
	Armies       []Army        `json:"armies"`
}

// Locked reports whether the admin has made the mission unavailable.
func (m Mission) Locked() bool {
	return m.Status == MissionLocked
}

// Timed reports whether the mission declares a positive timer.
func (m Mission) Timed() bool {
	return m.TimerMinutes > 0
}

// TimerDuration returns the declared timer, zero when untimed.
func (m Mission) TimerDuration() time.Duration {
	if m.TimerMinutes <= 0 {
		return 0
	}
	return time.Duration(m.TimerMinutes) * time.Minute
}

// Clone returns a deep copy of m.
func (m Mission) Clone() Mission {
	c := m
	if m.Location != nil {
		loc := *m.Location
		c.Location = &loc
	}
	if m.Armies != nil {
		c.Armies = append([]Army(nil), m.Armies...)
	}
	return c
}

// MissionProgress is one operator's state for one mission. An absent entry
// means the mission was never started.
type MissionProgress struct {
	Status    MissionStatus `json:"status"`
	StartedAt *int64        `json:"startedAt,omitempty"` // unix millis, set on IN_PROGRESS only
}

// StartTime returns StartedAt as a time.Time.
func (p MissionProgress) StartTime() (time.Time, bool) {
	if p.StartedAt == nil {
		return time.Time{}, false
	}
	return time.UnixMilli(*p.StartedAt), true
}
