// Package telemetry records match events as InfluxDB points: mission
// transitions, score changes, positions and link mode switches.
package telemetry

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/comandos-hq/fieldlink/pkg/core"
)

// Recorder receives match events. Implementations must not block.
type Recorder interface {
	MissionTransition(op core.Operator, m core.Mission, status core.MissionStatus, at time.Time)
	ScoreChanged(op core.Operator, delta int, at time.Time)
	Position(op core.Operator, at time.Time)
	LinkMode(mode string, at time.Time)
	Close() error
}

// Noop discards everything.
type Noop struct{}

func (Noop) MissionTransition(core.Operator, core.Mission, core.MissionStatus, time.Time) {}
func (Noop) ScoreChanged(core.Operator, int, time.Time)                                 {}
func (Noop) Position(core.Operator, time.Time)                                          {}
func (Noop) LinkMode(string, time.Time)                                                 {}
func (Noop) Close() error                                                               { return nil }

// Bucket names.
const (
	BucketMatch     = "match_events"
	BucketPositions = "operator_positions"
)

// DefaultBucketNames are the buckets ensured at connect time.
var DefaultBucketNames = []string{BucketMatch, BucketPositions}

// Config holds InfluxDB settings.
type Config struct {
	URL        string
	Token      string
	Org        string
	BackupPath string // gzip line-protocol file used when the server is down
}

// Manager handles InfluxDB connections and writes.
type Manager struct {
	Client       influxdb2.Client
	Writers      map[string]influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	BucketNames  []string
	Logger       zerolog.Logger

	cfg        Config
	backupFile *os.File
	mu         sync.Mutex
}

var _ Recorder = (*Manager)(nil)

// NewManager creates a new InfluxDB manager.
func NewManager(cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		Writers:     make(map[string]influxdb2_api.WriteAPI),
		BucketNames: DefaultBucketNames,
		Logger:      log,
		cfg:         cfg,
	}
}

// Connect establishes a connection to InfluxDB, falling back to the gzip
// backup file when the server does not answer.
func (m *Manager) Connect(ctx context.Context) error {
	if m.cfg.URL == "" {
		return errors.New("influx url is empty")
	}

	m.Client = influxdb2.NewClientWithOptions(
		m.cfg.URL,
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	running, err := m.Client.Ping(ctx)
	if err != nil || !running {
		m.Logger.Info().Str("backupPath", m.cfg.BackupPath).
			Msg("Failed to initialize InfluxDB client, writing to backup file")
		return m.openBackup()
	}

	if err := m.setupOrganizationAndBuckets(ctx); err != nil {
		return err
	}
	m.CreateWriters()
	m.IsValid = true
	m.Logger.Info().Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackup() error {
	if m.cfg.BackupPath == "" {
		return errors.New("influx unreachable and no backup path configured")
	}
	file, err := os.OpenFile(m.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.backupFile = file
	m.BackupWriter = gzip.NewWriter(file)
	return nil
}

func (m *Manager) setupOrganizationAndBuckets(ctx context.Context) error {
	orgs := m.Client.OrganizationsAPI()
	org, err := orgs.FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.Logger.Info().Str("org", m.cfg.Org).Msg("Organization not found, creating")
		if org, err = orgs.CreateOrganizationWithName(ctx, m.cfg.Org); err != nil {
			m.Logger.Error().Err(err).Str("org", m.cfg.Org).Msg("Error creating organization")
			return err
		}
	}

	// 30 day retention; a match rarely outlives a weekend
	for _, bucket := range m.BucketNames {
		if _, err := m.Client.BucketsAPI().FindBucketByName(ctx, bucket); err == nil {
			continue
		}
		m.Logger.Info().Str("bucket", bucket).Msg("Bucket not found, creating")
		rule := domain.RetentionRuleTypeExpire
		_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, org, bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: 60 * 60 * 24 * 30,
		})
		if err != nil {
			m.Logger.Error().Err(err).Str("bucket", bucket).Msg("Error creating bucket")
			return err
		}
	}
	return nil
}

// CreateWriters creates write APIs for all configured buckets.
func (m *Manager) CreateWriters() {
	for _, bucket := range m.BucketNames {
		w := m.Client.WriteAPI(m.cfg.Org, bucket)
		m.Writers[bucket] = w

		go func(bucketName string, errorsCh <-chan error) {
			for writeErr := range errorsCh {
				m.Logger.Error().Err(writeErr).Str("bucket", bucketName).
					Msg("Error sending data to InfluxDB")
			}
		}(bucket, w.Errors())
	}
	m.Logger.Debug().Msg("InfluxDB writers initialized")
}

// WritePoint writes a point to InfluxDB or backup file.
func (m *Manager) WritePoint(bucket string, point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsValid {
		w, ok := m.Writers[bucket]
		if !ok {
			return fmt.Errorf("influxDB bucket '%s' not registered", bucket)
		}
		w.WritePoint(point)
		return nil
	}
	if m.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}
	line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	if _, err := m.BackupWriter.Write([]byte(line)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

func (m *Manager) write(bucket string, p *influxdb2_write.Point) {
	if err := m.WritePoint(bucket, p); err != nil {
		m.Logger.Warn().Err(err).Str("bucket", bucket).Msg("Dropping telemetry point")
	}
}

func (m *Manager) MissionTransition(op core.Operator, ms core.Mission, status core.MissionStatus, at time.Time) {
	m.write(BucketMatch, MissionPoint(op, ms, status, at))
}

func (m *Manager) ScoreChanged(op core.Operator, delta int, at time.Time) {
	m.write(BucketMatch, ScorePoint(op, delta, at))
}

func (m *Manager) Position(op core.Operator, at time.Time) {
	if p := PositionPoint(op, at); p != nil {
		m.write(BucketPositions, p)
	}
}

func (m *Manager) LinkMode(mode string, at time.Time) {
	m.write(BucketMatch, influxdb2.NewPoint("link_mode",
		map[string]string{"mode": mode},
		map[string]any{"value": 1},
		at))
}

// Close flushes writers and the backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.Writers {
		w.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}
	if m.BackupWriter != nil {
		if err := m.BackupWriter.Close(); err != nil {
			return err
		}
		return m.backupFile.Close()
	}
	return nil
}

// MissionPoint describes one progress transition.
func MissionPoint(op core.Operator, m core.Mission, status core.MissionStatus, at time.Time) *influxdb2_write.Point {
	return influxdb2.NewPoint("mission_transition",
		map[string]string{
			"operator": op.ID,
			"army":     string(op.Army),
			"mission":  m.ID,
			"status":   string(status),
		},
		map[string]any{
			"points": m.Points,
			"score":  op.Score,
		},
		at)
}

// ScorePoint describes a score change and the resulting rank.
func ScorePoint(op core.Operator, delta int, at time.Time) *influxdb2_write.Point {
	return influxdb2.NewPoint("score_change",
		map[string]string{"operator": op.ID, "army": string(op.Army)},
		map[string]any{"delta": delta, "score": op.Score, "rank": op.Rank},
		at)
}

// PositionPoint returns nil when the operator has no known position.
func PositionPoint(op core.Operator, at time.Time) *influxdb2_write.Point {
	lat, lng, ok := op.Position()
	if !ok {
		return nil
	}
	return influxdb2.NewPoint("operator_position",
		map[string]string{"operator": op.ID, "army": string(op.Army)},
		map[string]any{"lat": lat, "lng": lng},
		at)
}
