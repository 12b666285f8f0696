// Package sqlite keeps the mirror as rows of a key/value table in a SQLite
// file.
package sqlite

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/comandos-hq/fieldlink/internal/database"
	"github.com/comandos-hq/fieldlink/internal/mirror"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

const (
	keyOperation = "operation"
	keyRanking   = "ranking"
	keyDevice    = "device_id"
)

// Record is one mirrored value.
type Record struct {
	Name      string `gorm:"primaryKey"`
	Value     datatypes.JSON
	UpdatedAt time.Time
}

func (Record) TableName() string { return "mirror_records" }

// Mirror is a mirror.Mirror on a gorm SQLite connection.
type Mirror struct {
	db *gorm.DB
}

var _ mirror.Mirror = (*Mirror)(nil)

// Open opens (creating if needed) the SQLite file at path. An empty path
// keeps everything in memory, which is only useful in tests.
func Open(path string) (*Mirror, error) {
	db, err := database.OpenSqlite(path)
	if err != nil {
		return nil, fmt.Errorf("open mirror db: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate mirror db: %w", err)
	}
	return &Mirror{db: db}, nil
}

func (m *Mirror) Load() (mirror.State, bool, error) {
	var st mirror.State
	var rows []Record
	if err := m.db.Where("name IN ?", []string{keyOperation, keyRanking}).Find(&rows).Error; err != nil {
		return st, false, fmt.Errorf("load mirror: %w", err)
	}
	if len(rows) == 0 {
		return st, false, nil
	}
	for _, r := range rows {
		var err error
		switch r.Name {
		case keyOperation:
			var op core.Operation
			err = json.Unmarshal(r.Value, &op)
			st.Operation = op
		case keyRanking:
			var ranking []core.Operator
			err = json.Unmarshal(r.Value, &ranking)
			st.Ranking = ranking
		}
		if err != nil {
			return st, false, fmt.Errorf("decode %s: %w", r.Name, err)
		}
	}
	return st, true, nil
}

// Save replaces both records in one transaction.
func (m *Mirror) Save(st mirror.State) error {
	opRaw, err := json.Marshal(st.Operation)
	if err != nil {
		return fmt.Errorf("encode operation: %w", err)
	}
	ranking := st.Ranking
	if ranking == nil {
		ranking = []core.Operator{}
	}
	rankRaw, err := json.Marshal(ranking)
	if err != nil {
		return fmt.Errorf("encode ranking: %w", err)
	}

	now := time.Now()
	return m.db.Transaction(func(tx *gorm.DB) error {
		return upsert(tx, []Record{
			{Name: keyOperation, Value: opRaw, UpdatedAt: now},
			{Name: keyRanking, Value: rankRaw, UpdatedAt: now},
		})
	})
}

func (m *Mirror) LoadDeviceID() (string, bool, error) {
	var r Record
	err := m.db.First(&r, "name = ?", keyDevice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load device id: %w", err)
	}
	var id string
	if err := json.Unmarshal(r.Value, &id); err != nil {
		return "", false, fmt.Errorf("decode device id: %w", err)
	}
	return id, true, nil
}

func (m *Mirror) SaveDeviceID(id string) error {
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return upsert(m.db, []Record{{Name: keyDevice, Value: raw, UpdatedAt: time.Now()}})
}

func (m *Mirror) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func upsert(db *gorm.DB, rows []Record) error {
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&rows).Error
}
