package telemetry

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comandos-hq/fieldlink/pkg/core"
)

var at = time.Unix(1776589200, 0)

func line(p *influxdb2_write.Point) string {
	return influxdb2_write.PointToLineProtocol(p, time.Second)
}

func falcon() core.Operator {
	return core.Operator{ID: "FALCON", Army: core.ArmyAliado, Score: 750, Rank: "SARGENTO"}
}

func TestMissionPoint(t *testing.T) {
	m := core.Mission{ID: "m-01", Points: 500}
	got := line(MissionPoint(falcon(), m, core.MissionCompleted, at))

	assert.Equal(t,
		"mission_transition,army=ALIADO,mission=m-01,operator=FALCON,status=COMPLETED points=500i,score=750i 1776589200\n",
		got)
}

func TestScorePoint(t *testing.T) {
	got := line(ScorePoint(falcon(), -50, at))
	assert.Contains(t, got, "score_change,army=ALIADO,operator=FALCON ")
	assert.Contains(t, got, "delta=-50i")
	assert.Contains(t, got, `rank="SARGENTO"`)
}

func TestPositionPoint(t *testing.T) {
	assert.Nil(t, PositionPoint(falcon(), at))

	op := falcon()
	lat, lng := -23.5, -46.25
	op.LastLat, op.LastLng = &lat, &lng
	got := line(PositionPoint(op, at))
	assert.Contains(t, got, "lat=-23.5,lng=-46.25")
}

func TestConnect_FallsBackToBackup(t *testing.T) {
	backup := filepath.Join(t.TempDir(), "telemetry.gz")
	m := NewManager(Config{URL: "http://127.0.0.1:1", Org: "fieldlink", BackupPath: backup}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.False(t, m.IsValid)

	m.MissionTransition(falcon(), core.Mission{ID: "m-02", Points: 250}, core.MissionInProgress, at)
	m.LinkMode("LOCAL", at)
	require.NoError(t, m.Close())

	f, err := os.Open(backup)
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "mission_transition,"))
	assert.True(t, strings.HasPrefix(lines[1], "link_mode,mode=LOCAL"))
}

func TestConnect_NoURL(t *testing.T) {
	assert.Error(t, NewManager(Config{}, zerolog.Nop()).Connect(context.Background()))
}

func TestNoop(t *testing.T) {
	var r Recorder = Noop{}
	r.MissionTransition(falcon(), core.Mission{}, core.MissionFailed, at)
	assert.NoError(t, r.Close())
}
