// pkg/core/operator.go
package core

import (
	"maps"
	"strings"
)

// OperatorStatus is the presence of an operator in the field.
type OperatorStatus string

const (
	OperatorOnline  OperatorStatus = "ONLINE"
	OperatorOffline OperatorStatus = "OFFLINE"
	OperatorKilled  OperatorStatus = "KIA"
)

// Valid reports whether s is a known operator status.
func (s OperatorStatus) Valid() bool {
	switch s {
	case OperatorOnline, OperatorOffline, OperatorKilled:
		return true
	}
	return false
}

// Operator is a player bound to one device and one army.
// ID equals the normalized callsign.
type Operator struct {
	ID               string                     `json:"id"`
	Callsign         string                     `json:"callsign"`
	Rank             string                     `json:"rank"`
	Score            int                        `json:"score"`
	Status           OperatorStatus             `json:"status"`
	DeviceID         string                     `json:"deviceId"`
	Army             Army                       `json:"army"`
	LastLat          *float64                   `json:"lastLat,omitempty"`
	LastLng          *float64                   `json:"lastLng,omitempty"`
	MissionsProgress map[string]MissionProgress `json:"missionsProgress,omitempty"`
}

// NormalizeCallsign trims and upper-cases a human-entered callsign.
func NormalizeCallsign(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// Progress returns the operator's progress for missionID. The zero value
// (empty status) means not started.
func (o Operator) Progress(missionID string) (MissionProgress, bool) {
	p, ok := o.MissionsProgress[missionID]
	return p, ok
}

// Position returns the last reported coordinates, if any.
func (o Operator) Position() (lat, lng float64, ok bool) {
	if o.LastLat == nil || o.LastLng == nil {
		return 0, 0, false
	}
	return *o.LastLat, *o.LastLng, true
}

// Clone returns a deep copy of o.
func (o Operator) Clone() Operator {
	c := o
	if o.LastLat != nil {
		v := *o.LastLat
		c.LastLat = &v
	}
	if o.LastLng != nil {
		v := *o.LastLng
		c.LastLng = &v
	}
	if o.MissionsProgress != nil {
		c.MissionsProgress = make(map[string]MissionProgress, len(o.MissionsProgress))
		for id, p := range o.MissionsProgress {
			if p.StartedAt != nil {
				v := *p.StartedAt
				p.StartedAt = &v
			}
			c.MissionsProgress[id] = p
		}
	}
	return c
}

// ProgressSnapshot returns a shallow copy of the progress map that is safe to
// mutate without touching o.
func (o Operator) ProgressSnapshot() map[string]MissionProgress {
	if o.MissionsProgress == nil {
		return map[string]MissionProgress{}
	}
	return maps.Clone(o.MissionsProgress)
}
