// Package progress implements the per-operator mission state machine:
// not started -> IN_PROGRESS -> COMPLETED | FAILED.
//
// The machine is passive. A timed mission that runs out is reported by
// Expired but never failed automatically; callers decide.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/comandos-hq/fieldlink/internal/codegate"
	"github.com/comandos-hq/fieldlink/internal/rank"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

var (
	ErrNotAuthorized      = errors.New("mission not available to this army")
	ErrMissionLocked      = errors.New("mission is locked")
	ErrAlreadyStarted     = errors.New("mission already in progress")
	ErrTerminal           = errors.New("mission already finished")
	ErrNotInProgress      = errors.New("mission not in progress")
	ErrValidationMismatch = errors.New("validation code mismatch")
)

// Status returns the operator's status for a mission. An empty status means
// the mission was never started.
func Status(op core.Operator, missionID string) core.MissionStatus {
	p, ok := op.Progress(missionID)
	if !ok {
		return ""
	}
	return p.Status
}

func notStarted(s core.MissionStatus) bool {
	return s == "" || s == core.MissionActive
}

// Start moves a mission into IN_PROGRESS and stamps the start time.
// Starting twice, or starting a finished mission, leaves state untouched.
func Start(op *core.Operator, m core.Mission, now time.Time) error {
	if !op.Army.CanSee(m) {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, m.ID)
	}
	if m.Locked() {
		return fmt.Errorf("%w: %s", ErrMissionLocked, m.ID)
	}

	switch s := Status(*op, m.ID); {
	case s == core.MissionInProgress:
		return fmt.Errorf("%w: %s", ErrAlreadyStarted, m.ID)
	case s.Terminal():
		return fmt.Errorf("%w: %s is %s", ErrTerminal, m.ID, s)
	case !notStarted(s):
		return fmt.Errorf("unexpected progress status %q for %s", s, m.ID)
	}

	started := now.UnixMilli()
	set(op, m.ID, core.MissionProgress{Status: core.MissionInProgress, StartedAt: &started})
	return nil
}

// SubmitCode validates code for an IN_PROGRESS mission. On a match the mission
// completes, its points are added to the score and the rank is recomputed.
// On a mismatch nothing changes and ErrValidationMismatch is returned.
func SubmitCode(op *core.Operator, m core.Mission, code string) (awarded int, err error) {
	if s := Status(*op, m.ID); s != core.MissionInProgress {
		if s.Terminal() {
			return 0, fmt.Errorf("%w: %s is %s", ErrTerminal, m.ID, s)
		}
		return 0, fmt.Errorf("%w: %s", ErrNotInProgress, m.ID)
	}
	if !codegate.Validate(m.Code, code) {
		return 0, fmt.Errorf("%w: %s", ErrValidationMismatch, m.ID)
	}

	set(op, m.ID, core.MissionProgress{Status: core.MissionCompleted})
	op.Score += m.Points
	if op.Score < 0 {
		op.Score = 0
	}
	op.Rank = rank.For(op.Score)
	return m.Points, nil
}

// Fail marks an IN_PROGRESS mission as FAILED. Score is unaffected.
func Fail(op *core.Operator, missionID string) error {
	if s := Status(*op, missionID); s != core.MissionInProgress {
		if s.Terminal() {
			return fmt.Errorf("%w: %s is %s", ErrTerminal, missionID, s)
		}
		return fmt.Errorf("%w: %s", ErrNotInProgress, missionID)
	}
	set(op, missionID, core.MissionProgress{Status: core.MissionFailed})
	return nil
}

// Remaining returns the time left on a timed mission that is IN_PROGRESS,
// floored at zero. ok is false for untimed or not running missions.
func Remaining(p core.MissionProgress, m core.Mission, now time.Time) (left time.Duration, ok bool) {
	if !m.Timed() || p.Status != core.MissionInProgress {
		return 0, false
	}
	started, ok := p.StartTime()
	if !ok {
		return 0, false
	}
	left = m.TimerDuration() - now.Sub(started)
	if left < 0 {
		left = 0
	}
	return left, true
}

// Expired reports whether the operator's timed mission has run out while
// still IN_PROGRESS.
func Expired(op core.Operator, m core.Mission, now time.Time) bool {
	p, ok := op.Progress(m.ID)
	if !ok {
		return false
	}
	left, ok := Remaining(p, m, now)
	return ok && left == 0
}

func set(op *core.Operator, missionID string, p core.MissionProgress) {
	if op.MissionsProgress == nil {
		op.MissionsProgress = make(map[string]core.MissionProgress)
	}
	op.MissionsProgress[missionID] = p
}
