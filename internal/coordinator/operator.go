package coordinator

import (
	"context"

	"github.com/comandos-hq/fieldlink/internal/catalog"
	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/geo"
	"github.com/comandos-hq/fieldlink/internal/progress"
	"github.com/comandos-hq/fieldlink/internal/registry"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

// Login authenticates an existing callsign against this device and marks it
// ONLINE. registry.ErrUnknownCallsign means the caller should offer Enlist.
func (c *Coordinator) Login(ctx context.Context, callsign string) (core.Operator, error) {
	var out core.Operator
	err := c.do(ctx, func() error {
		op, err := c.reg.Authenticate(callsign, c.deviceID)
		if err != nil {
			return err
		}
		c.operatorChanged("login", op)
		out = op
		return nil
	})
	return out, err
}

// Enlist registers a new callsign in army, bound to this device.
func (c *Coordinator) Enlist(ctx context.Context, callsign string, army core.Army) (core.Operator, error) {
	var out core.Operator
	err := c.do(ctx, func() error {
		op, err := c.reg.Register(callsign, c.deviceID, army)
		if err != nil {
			return err
		}
		data, err := document.Encode(op)
		if err != nil {
			c.logger.Error("Failed to encode operator", "operator", op.ID, "error", err)
			c.commit()
		} else {
			c.commit(write{desc: "enlist", kind: writeCreate, path: core.OperatorPath(op.ID), data: data})
		}
		c.logger.Info("Operator enlisted", "operator", op.ID, "army", op.Army)
		out = op
		return nil
	})
	return out, err
}

// Logout marks the operator OFFLINE.
func (c *Coordinator) Logout(ctx context.Context, id string) error {
	_, err := c.SetOperatorStatus(ctx, id, core.OperatorOffline)
	return err
}

// StartMission moves a mission into IN_PROGRESS for the operator.
func (c *Coordinator) StartMission(ctx context.Context, operatorID, missionID string) (core.Operator, error) {
	var out core.Operator
	err := c.do(ctx, func() error {
		m, err := catalog.Find(c.op, missionID)
		if err != nil {
			return err
		}
		now := c.now()
		op, err := c.reg.Update(core.NormalizeCallsign(operatorID), func(o *core.Operator) error {
			return progress.Start(o, m, now)
		})
		if err != nil {
			return err
		}
		c.rec.MissionTransition(op, m, core.MissionInProgress, now)
		c.operatorChanged("start mission", op)
		out = op
		return nil
	})
	return out, err
}

// SubmitCode validates a captured code for an IN_PROGRESS mission and returns
// the points awarded. A mismatch returns progress.ErrValidationMismatch and
// changes nothing.
func (c *Coordinator) SubmitCode(ctx context.Context, operatorID, missionID, code string) (int, error) {
	var awarded int
	err := c.do(ctx, func() error {
		m, err := catalog.Find(c.op, missionID)
		if err != nil {
			return err
		}
		op, err := c.reg.Update(core.NormalizeCallsign(operatorID), func(o *core.Operator) error {
			n, err := progress.SubmitCode(o, m, code)
			awarded = n
			return err
		})
		if err != nil {
			return err
		}
		now := c.now()
		c.rec.MissionTransition(op, m, core.MissionCompleted, now)
		c.rec.ScoreChanged(op, awarded, now)
		c.logger.Info("Mission completed", "operator", op.ID, "mission", m.ID, "points", awarded, "rank", op.Rank)
		c.operatorChanged("complete mission", op)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return awarded, nil
}

// FailMission abandons an IN_PROGRESS mission. Score is unaffected.
func (c *Coordinator) FailMission(ctx context.Context, operatorID, missionID string) (core.Operator, error) {
	var out core.Operator
	err := c.do(ctx, func() error {
		m, err := catalog.Find(c.op, missionID)
		if err != nil {
			return err
		}
		op, err := c.reg.Update(core.NormalizeCallsign(operatorID), func(o *core.Operator) error {
			return progress.Fail(o, m.ID)
		})
		if err != nil {
			return err
		}
		c.rec.MissionTransition(op, m, core.MissionFailed, c.now())
		c.operatorChanged("fail mission", op)
		out = op
		return nil
	})
	return out, err
}

// ReportPosition stores the operator's last known coordinates.
func (c *Coordinator) ReportPosition(ctx context.Context, operatorID string, lat, lng float64) (core.Operator, error) {
	if err := geo.Validate(lat, lng); err != nil {
		return core.Operator{}, err
	}
	var out core.Operator
	err := c.do(ctx, func() error {
		op, err := c.reg.ReportPosition(core.NormalizeCallsign(operatorID), lat, lng)
		if err != nil {
			return err
		}
		c.rec.Position(op, c.now())
		c.operatorChanged("report position", op)
		out = op
		return nil
	})
	return out, err
}

// AdjustScore adds delta to an operator's score (admin). The score floors at
// zero and the rank follows.
func (c *Coordinator) AdjustScore(ctx context.Context, operatorID string, delta int) (core.Operator, error) {
	var out core.Operator
	err := c.do(ctx, func() error {
		op, err := c.reg.AdjustScore(core.NormalizeCallsign(operatorID), delta)
		if err != nil {
			return err
		}
		c.rec.ScoreChanged(op, delta, c.now())
		c.operatorChanged("adjust score", op)
		out = op
		return nil
	})
	return out, err
}

// SetOperatorStatus changes an operator's presence: OFFLINE on logout, KIA
// by the admin.
func (c *Coordinator) SetOperatorStatus(ctx context.Context, operatorID string, status core.OperatorStatus) (core.Operator, error) {
	var out core.Operator
	err := c.do(ctx, func() error {
		op, err := c.reg.SetStatus(core.NormalizeCallsign(operatorID), status)
		if err != nil {
			return err
		}
		c.operatorChanged("set status", op)
		out = op
		return nil
	})
	return out, err
}

// RemoveOperator deletes an operator record. Removing an unknown callsign is
// not an error.
func (c *Coordinator) RemoveOperator(ctx context.Context, operatorID string) error {
	return c.do(ctx, func() error {
		id := core.NormalizeCallsign(operatorID)
		if id == "" {
			return registry.ErrEmptyCallsign
		}
		c.reg.Remove(id)
		c.commit(write{desc: "remove operator", kind: writeDelete, path: core.OperatorPath(id)})
		c.logger.Info("Operator removed", "operator", id)
		return nil
	})
}

func (c *Coordinator) operatorChanged(desc string, op core.Operator) {
	w, err := mergeWrite(desc, core.OperatorPath(op.ID), op)
	if err != nil {
		c.logger.Error("Failed to encode operator", "operator", op.ID, "error", err)
		c.commit()
		return
	}
	c.commit(w)
}
