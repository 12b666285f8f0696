package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/comandos-hq/fieldlink/internal/document"
	"github.com/comandos-hq/fieldlink/internal/storage"
	"github.com/comandos-hq/fieldlink/pkg/streaming"
)

// Operation names accepted by Store.Apply. "delete" and "merge" match the
// client batch ops; "set" overwrites.
const (
	opDelete = "delete"
	opMerge  = "merge"
	opSet    = "set"
)

// Document is one stored document, keyed by collection and id.
type Document struct {
	Collection string `gorm:"primaryKey;size:128"`
	ID         string `gorm:"primaryKey;size:128"`
	Data       datatypes.JSON
	UpdatedAt  time.Time
}

func (Document) TableName() string { return "documents" }

// Store persists documents through gorm.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Get returns the snapshot of one document.
func (s *Store) Get(ctx context.Context, path string) (streaming.DocSnapshot, error) {
	coll, id, err := storage.SplitPath(path)
	if err != nil {
		return streaming.DocSnapshot{}, err
	}
	snap := streaming.DocSnapshot{Path: path, ID: id}

	var doc Document
	err = s.db.WithContext(ctx).Where("collection = ? AND id = ?", coll, id).Take(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("load %s: %w", path, err)
	}
	data, err := decodeBody(doc.Data)
	if err != nil {
		return snap, fmt.Errorf("decode %s: %w", path, err)
	}
	snap.Exists = true
	snap.Data = data
	return snap, nil
}

// List returns every document of a collection ordered by id.
func (s *Store) List(ctx context.Context, coll string) (streaming.CollSnapshot, error) {
	if err := storage.ValidCollection(coll); err != nil {
		return streaming.CollSnapshot{}, err
	}
	var docs []Document
	if err := s.db.WithContext(ctx).Where("collection = ?", coll).Order("id").Find(&docs).Error; err != nil {
		return streaming.CollSnapshot{}, fmt.Errorf("list %s: %w", coll, err)
	}

	snap := streaming.CollSnapshot{Path: coll, Docs: make([]streaming.DocSnapshot, 0, len(docs))}
	for _, d := range docs {
		data, err := decodeBody(d.Data)
		if err != nil {
			return snap, fmt.Errorf("decode %s/%s: %w", coll, d.ID, err)
		}
		snap.Docs = append(snap.Docs, streaming.DocSnapshot{
			Path:   coll + "/" + d.ID,
			ID:     d.ID,
			Exists: true,
			Data:   data,
		})
	}
	return snap, nil
}

// Apply runs every op in one transaction.
func (s *Store) Apply(ctx context.Context, ops []streaming.BatchOp) error {
	for _, op := range ops {
		if _, _, err := storage.SplitPath(op.Path); err != nil {
			return err
		}
		switch op.Op {
		case opDelete, opMerge, opSet:
		default:
			return fmt.Errorf("unknown batch op %q", op.Op)
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, op := range ops {
			if err := applyOne(tx, op); err != nil {
				return fmt.Errorf("%s %s: %w", op.Op, op.Path, err)
			}
		}
		return nil
	})
}

func applyOne(tx *gorm.DB, op streaming.BatchOp) error {
	coll, id, _ := storage.SplitPath(op.Path)

	if op.Op == opDelete {
		return tx.Where("collection = ? AND id = ?", coll, id).Delete(&Document{}).Error
	}

	data := op.Data
	if op.Op == opMerge {
		var existing Document
		err := tx.Where("collection = ? AND id = ?", coll, id).Take(&existing).Error
		switch {
		case err == nil:
			base, err := decodeBody(existing.Data)
			if err != nil {
				return err
			}
			data = storage.MergeData(base, data)
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
	}

	body, err := json.Marshal(document.Clean(data))
	if err != nil {
		return err
	}
	doc := Document{Collection: coll, ID: id, Data: datatypes.JSON(body), UpdatedAt: time.Now().UTC()}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&doc).Error
}

func decodeBody(raw datatypes.JSON) (document.Data, error) {
	data := document.Data{}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
