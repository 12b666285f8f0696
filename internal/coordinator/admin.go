package coordinator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/comandos-hq/fieldlink/internal/catalog"
	"github.com/comandos-hq/fieldlink/internal/storage"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

// MaxMapBytes is the ceiling for an uploaded map image.
const MaxMapBytes = 1 << 20

var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrNotAnImage      = errors.New("map upload is not an image")
)

// OperationPatch lists the operation fields an admin may change. Nil fields
// are left alone.
type OperationPatch struct {
	Name        *string
	Date        *string
	Description *string
	MapURL      *string
	IsActive    *bool
}

func (p OperationPatch) apply(op *core.Operation) {
	if p.Name != nil {
		op.Name = *p.Name
	}
	if p.Date != nil {
		op.Date = *p.Date
	}
	if p.Description != nil {
		op.Description = *p.Description
	}
	if p.MapURL != nil {
		op.MapURL = *p.MapURL
	}
	if p.IsActive != nil {
		op.IsActive = *p.IsActive
	}
}

// UpdateOperation applies patch to the operation.
func (c *Coordinator) UpdateOperation(ctx context.Context, patch OperationPatch) (core.Operation, error) {
	var out core.Operation
	err := c.do(ctx, func() error {
		patch.apply(&c.op)
		c.operationChanged("update operation")
		out = c.op.Clone()
		return nil
	})
	return out, err
}

// SaveMission creates or replaces a mission. A draft without id is assigned
// m-<unix ms>.
func (c *Coordinator) SaveMission(ctx context.Context, m core.Mission) (core.Mission, error) {
	var out core.Mission
	err := c.do(ctx, func() error {
		saved, err := catalog.Save(&c.op, m, c.now())
		if err != nil {
			return err
		}
		c.logger.Info("Mission saved", "mission", saved.ID, "title", saved.Title, "main", saved.IsMain)
		c.operationChanged("save mission")
		out = saved
		return nil
	})
	return out, err
}

// DeleteMission removes a mission and, for a primary, its objectives. It
// returns every id removed.
func (c *Coordinator) DeleteMission(ctx context.Context, id string) ([]string, error) {
	var removed []string
	err := c.do(ctx, func() error {
		ids, err := catalog.Delete(&c.op, id)
		if err != nil {
			return err
		}
		c.logger.Info("Mission deleted", "mission", id, "removed", ids)
		c.operationChanged("delete mission")
		removed = ids
		return nil
	})
	return removed, err
}

// SetMissionStatus locks or unlocks a mission.
func (c *Coordinator) SetMissionStatus(ctx context.Context, id string, status core.MissionStatus) (core.Mission, error) {
	var out core.Mission
	err := c.do(ctx, func() error {
		m, err := catalog.SetStatus(&c.op, id, status, c.now())
		if err != nil {
			return err
		}
		c.operationChanged("set mission status")
		out = m
		return nil
	})
	return out, err
}

// UploadMap stores an image as the operation map and returns its data URL.
// An empty mime type is sniffed from the content.
func (c *Coordinator) UploadMap(ctx context.Context, data []byte, mime string) (string, error) {
	if len(data) > MaxMapBytes {
		return "", fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, len(data), MaxMapBytes)
	}
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("%w: %s", ErrNotAnImage, mime)
	}

	url := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
	_, err := c.UpdateOperation(ctx, OperationPatch{MapURL: &url})
	if err != nil {
		return "", err
	}
	return url, nil
}

// ResetAll removes every operator and reactivates the operation. Missions
// are kept. In REMOTE mode the store sees a single atomic batch.
func (c *Coordinator) ResetAll(ctx context.Context) error {
	return c.do(ctx, func() error {
		b := storage.NewBatch()
		for _, id := range c.reg.IDs() {
			b.Delete(core.OperatorPath(id))
		}
		b.Merge(core.OperationPath(), map[string]any{"isActive": true})

		n := c.reg.Len()
		c.reg.Reset()
		c.op.IsActive = true
		c.logger.Info("Match reset", "operatorsRemoved", n)
		c.commit(write{desc: "reset", kind: writeBatch, path: core.OperationPath(), batch: b})
		return nil
	})
}

func (c *Coordinator) operationChanged(desc string) {
	w, err := mergeWrite(desc, core.OperationPath(), c.op)
	if err != nil {
		c.logger.Error("Failed to encode operation", "error", err)
		c.commit()
		return
	}
	c.commit(w)
}
