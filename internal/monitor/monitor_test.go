package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comandos-hq/fieldlink/internal/coordinator"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSource struct {
	mu      sync.Mutex
	expired []coordinator.ExpiredTimer
	err     error
}

func (f *fakeSource) set(expired ...coordinator.ExpiredTimer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired = expired
}

func (f *fakeSource) View(context.Context) (coordinator.View, error) {
	return coordinator.View{
		Mode:          coordinator.ModeRemote,
		Operation:     core.Operation{Name: "OPERAÇÃO TESTE", IsActive: true, Missions: []core.Mission{{ID: "m-01"}}},
		Leaderboard:   []core.Operator{{ID: "MERC"}},
		PendingWrites: 3,
	}, nil
}

func (f *fakeSource) ExpiredTimers(context.Context) ([]coordinator.ExpiredTimer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.expired, f.err
}

func timer(op, mission string, started time.Time) coordinator.ExpiredTimer {
	return coordinator.ExpiredTimer{OperatorID: op, Mission: core.Mission{ID: mission}, StartedAt: started}
}

func TestReportOncePerRun(t *testing.T) {
	var got []string
	s := NewService(Dependencies{
		Source: &fakeSource{},
		Logger: quiet,
		OnExpired: func(e coordinator.ExpiredTimer) {
			got = append(got, e.OperatorID+"/"+e.Mission.ID)
		},
	})
	t0 := time.Date(2026, 4, 19, 9, 0, 0, 0, time.UTC)

	s.report([]coordinator.ExpiredTimer{timer("MERC", "m-02", t0)})
	s.report([]coordinator.ExpiredTimer{timer("MERC", "m-02", t0), timer("FALCON", "m-02", t0)})
	assert.Equal(t, []string{"MERC/m-02", "FALCON/m-02"}, got)

	// gone (failed or completed), then started again later
	s.report(nil)
	s.report([]coordinator.ExpiredTimer{timer("MERC", "m-02", t0.Add(time.Hour))})
	assert.Equal(t, []string{"MERC/m-02", "FALCON/m-02", "MERC/m-02"}, got)
}

func TestStartStop(t *testing.T) {
	src := &fakeSource{}
	status := filepath.Join(t.TempDir(), "status.txt")
	var mu sync.Mutex
	var got []coordinator.ExpiredTimer
	s := NewService(Dependencies{
		Source:     src,
		Logger:     quiet,
		Interval:   5 * time.Millisecond,
		StatusPath: status,
		OnExpired: func(e coordinator.ExpiredTimer) {
			mu.Lock()
			got = append(got, e)
			mu.Unlock()
		},
	})
	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	assert.True(t, s.IsRunning())

	src.set(timer("MERC", "m-02", time.Now()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(status)
		return err == nil && len(data) > 0
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	assert.False(t, s.IsRunning())
	s.Stop()

	mu.Lock()
	assert.Len(t, got, 1, "the same run is reported once")
	mu.Unlock()
}

func TestStartRequiresSource(t *testing.T) {
	assert.Error(t, NewService(Dependencies{}).Start())
}

func TestSourceErrorsAreSkipped(t *testing.T) {
	called := false
	s := NewService(Dependencies{
		Source:    &fakeSource{err: errors.New("coordinator stopped")},
		Logger:    quiet,
		OnExpired: func(coordinator.ExpiredTimer) { called = true },
	})
	s.tick()
	assert.False(t, called)
}

func TestStatusText(t *testing.T) {
	v, _ := (&fakeSource{}).View(context.Background())
	at := time.Date(2026, 4, 19, 9, 0, 0, 0, time.UTC)
	text := StatusText(v, 2, at)
	assert.Contains(t, text, "updated:   2026-04-19T09:00:00Z\n")
	assert.Contains(t, text, "link:      REMOTE\n")
	assert.Contains(t, text, "unsynced:  3\n")
	assert.Contains(t, text, "operation: OPERAÇÃO TESTE (active=true)\n")
	assert.Contains(t, text, "operators: 1\n")
	assert.Contains(t, text, "timers up: 2\n")
}
