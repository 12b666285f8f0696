// Package monitor runs the terminal's background watch: it reports mission
// timers that ran out and keeps a status file for whoever runs the device.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/comandos-hq/fieldlink/internal/coordinator"
)

const defaultInterval = time.Second

// Source is the part of the coordinator the monitor polls.
type Source interface {
	View(ctx context.Context) (coordinator.View, error)
	ExpiredTimers(ctx context.Context) ([]coordinator.ExpiredTimer, error)
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Source   Source
	Logger   *slog.Logger
	Interval time.Duration
	// StatusPath is rewritten every tick when set.
	StatusPath string
	// OnExpired is called once per expired timer run.
	OnExpired func(coordinator.ExpiredTimer)
}

// Service polls the coordinator on a fixed interval.
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}

	// owned by the polling goroutine
	reported map[string]bool
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = defaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{
		deps:     deps,
		stopChan: make(chan struct{}),
		reported: make(map[string]bool),
	}
}

// IsRunning returns whether the monitor goroutine is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Start launches the polling goroutine. Calling it twice is a no-op.
func (s *Service) Start() error {
	if s.deps.Source == nil {
		return fmt.Errorf("monitor: source is required")
	}
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			close(done)
		}()

		s.deps.Logger.Debug("Starting monitor", "interval", s.deps.Interval)
		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
	return nil
}

// Stop stops the monitor and waits for the goroutine to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Service) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Interval)
	defer cancel()

	expired, err := s.deps.Source.ExpiredTimers(ctx)
	if err != nil {
		s.deps.Logger.Debug("Timer check skipped", "error", err)
		return
	}
	s.report(expired)

	if s.deps.StatusPath == "" {
		return
	}
	v, err := s.deps.Source.View(ctx)
	if err != nil {
		s.deps.Logger.Debug("Status refresh skipped", "error", err)
		return
	}
	if err := os.WriteFile(s.deps.StatusPath, []byte(StatusText(v, len(expired), time.Now())), 0o644); err != nil {
		s.deps.Logger.Error("Error writing status file", "path", s.deps.StatusPath, "error", err)
	}
}

// report calls OnExpired for timers not seen on the previous ticks. A mission
// restarted after a reset gets a new start time and is reported again.
func (s *Service) report(expired []coordinator.ExpiredTimer) {
	seen := make(map[string]bool, len(expired))
	for _, e := range expired {
		key := fmt.Sprintf("%s/%s@%d", e.OperatorID, e.Mission.ID, e.StartedAt.UnixMilli())
		seen[key] = true
		if s.reported[key] {
			continue
		}
		s.deps.Logger.Info("Mission timer expired", "operator", e.OperatorID, "mission", e.Mission.ID)
		if s.deps.OnExpired != nil {
			s.deps.OnExpired(e)
		}
	}
	s.reported = seen
}

// StatusText renders the status file.
func StatusText(v coordinator.View, expired int, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "updated:   %s\n", at.Format(time.RFC3339))
	fmt.Fprintf(&b, "link:      %s\n", v.Mode)
	fmt.Fprintf(&b, "unsynced:  %d\n", v.PendingWrites)
	fmt.Fprintf(&b, "operation: %s (active=%t)\n", v.Operation.Name, v.Operation.IsActive)
	fmt.Fprintf(&b, "missions:  %d\n", len(v.Operation.Missions))
	fmt.Fprintf(&b, "operators: %d\n", len(v.Leaderboard))
	fmt.Fprintf(&b, "timers up: %d\n", expired)
	return b.String()
}
