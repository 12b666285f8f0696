package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comandos-hq/fieldlink/pkg/core"
)

func TestRegister(t *testing.T) {
	r := New()

	op, err := r.Register("  falcon ", "DEV-AAAAAAAAA", core.ArmyAliado)
	require.NoError(t, err)

	assert.Equal(t, "FALCON", op.ID)
	assert.Equal(t, "FALCON", op.Callsign)
	assert.Equal(t, 0, op.Score)
	assert.Equal(t, "RECRUTA", op.Rank)
	assert.Equal(t, core.OperatorOnline, op.Status)
	assert.Empty(t, op.MissionsProgress)
	assert.Equal(t, 1, r.Len())
}

func TestRegister_Rejects(t *testing.T) {
	r := New()

	_, err := r.Register("   ", "DEV-A", core.ArmyAliado)
	assert.ErrorIs(t, err, ErrEmptyCallsign)

	_, err = r.Register("VIPER", "DEV-A", core.Army("PIRATA"))
	assert.ErrorIs(t, err, ErrInvalidArmy)

	assert.Equal(t, 0, r.Len())
}

func TestRegister_DuplicateDoesNotTouchFirst(t *testing.T) {
	r := New()
	first, err := r.Register("FALCON", "DEV-AAAAAAAAA", core.ArmyAliado)
	require.NoError(t, err)

	_, err = r.Register("falcon", "DEV-BBBBBBBBB", core.ArmyInvasor)
	require.ErrorIs(t, err, ErrDuplicateCallsign)

	assert.Equal(t, 1, r.Len())
	got, ok := r.Get("FALCON")
	require.True(t, ok)
	assert.Equal(t, first, got)
}

func TestAuthenticate(t *testing.T) {
	r := New()
	_, err := r.Register("FALCON", "DEV-A", core.ArmyAliado)
	require.NoError(t, err)
	_, err = r.SetStatus("FALCON", core.OperatorOffline)
	require.NoError(t, err)

	op, err := r.Authenticate("falcon", "DEV-A")
	require.NoError(t, err)
	assert.Equal(t, core.OperatorOnline, op.Status)

	_, err = r.Authenticate("FALCON", "DEV-B")
	assert.ErrorIs(t, err, ErrDeviceMismatch)

	_, err = r.Authenticate("GHOST", "DEV-A")
	assert.ErrorIs(t, err, ErrUnknownCallsign)
}

func TestAdjustScore(t *testing.T) {
	tests := []struct {
		name      string
		start     int
		delta     int
		wantScore int
		wantRank  string
	}{
		{"negative floors at zero", 30, -50, 0, "RECRUTA"},
		{"large negative", 900, -100000, 0, "RECRUTA"},
		{"positive promotes", 150, 60, 210, "SOLDADO"},
		{"demotion", 1000, -1, 999, "SUB-TENENTE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			_, err := r.Register("FALCON", "DEV-A", core.ArmyAliado)
			require.NoError(t, err)
			_, err = r.AdjustScore("FALCON", tt.start)
			require.NoError(t, err)

			op, err := r.AdjustScore("FALCON", tt.delta)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, op.Score)
			assert.Equal(t, tt.wantRank, op.Rank)
		})
	}
}

func TestAdjustScore_Unknown(t *testing.T) {
	_, err := New().AdjustScore("GHOST", 10)
	assert.ErrorIs(t, err, ErrUnknownCallsign)
}

func TestRemove_Idempotent(t *testing.T) {
	r := New()
	_, err := r.Register("FALCON", "DEV-A", core.ArmyAliado)
	require.NoError(t, err)

	r.Remove("FALCON")
	r.Remove("FALCON")

	_, ok := r.Get("FALCON")
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	r := New()
	for _, cs := range []string{"A", "B", "C"} {
		_, err := r.Register(cs, "DEV-"+cs, core.ArmyInvasor)
		require.NoError(t, err)
	}
	r.Reset()
	assert.Equal(t, 0, r.Len())
}

func TestSetStatus_Invalid(t *testing.T) {
	r := New()
	_, err := r.Register("FALCON", "DEV-A", core.ArmyAliado)
	require.NoError(t, err)

	_, err = r.SetStatus("FALCON", core.OperatorStatus("ZOMBIE"))
	assert.ErrorIs(t, err, ErrInvalidStatus)

	op, err := r.SetStatus("FALCON", core.OperatorKilled)
	require.NoError(t, err)
	assert.Equal(t, core.OperatorKilled, op.Status)
}

func TestReportPosition(t *testing.T) {
	r := New()
	_, err := r.Register("FALCON", "DEV-A", core.ArmyAliado)
	require.NoError(t, err)

	op, err := r.ReportPosition("FALCON", -23.55, -46.63)
	require.NoError(t, err)
	lat, lng, ok := op.Position()
	require.True(t, ok)
	assert.InDelta(t, -23.55, lat, 1e-9)
	assert.InDelta(t, -46.63, lng, 1e-9)
}

func TestUpdate(t *testing.T) {
	r := New()
	_, err := r.Register("FALCON", "DEV-A", core.ArmyAliado)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = r.Update("FALCON", func(op *core.Operator) error {
		op.Score = 999
		return boom
	})
	require.ErrorIs(t, err, boom)
	got, _ := r.Get("FALCON")
	assert.Equal(t, 0, got.Score, "failed update must not be stored")

	_, err = r.Update("FALCON", func(op *core.Operator) error {
		op.Score = 250
		return nil
	})
	require.NoError(t, err)
	got, _ = r.Get("FALCON")
	assert.Equal(t, 250, got.Score)
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := New()
	_, err := r.Register("FALCON", "DEV-A", core.ArmyAliado)
	require.NoError(t, err)

	op, _ := r.Get("FALCON")
	op.MissionsProgress["m-01"] = core.MissionProgress{Status: core.MissionCompleted}

	again, _ := r.Get("FALCON")
	assert.Empty(t, again.MissionsProgress)
}

func TestLeaderboard(t *testing.T) {
	r := New()
	scores := map[string]int{"BRAVO": 300, "ALPHA": 300, "CHARLIE": 900, "DELTA": 0}
	for cs, s := range scores {
		_, err := r.Register(cs, "DEV-"+cs, core.ArmyAliado)
		require.NoError(t, err)
		_, err = r.AdjustScore(cs, s)
		require.NoError(t, err)
	}

	var ids []string
	for _, op := range r.Leaderboard() {
		ids = append(ids, op.ID)
	}
	assert.Equal(t, []string{"CHARLIE", "ALPHA", "BRAVO", "DELTA"}, ids)
}

func TestReplace(t *testing.T) {
	r := New()
	_, err := r.Register("OLD", "DEV-A", core.ArmyAliado)
	require.NoError(t, err)

	r.Replace([]core.Operator{{ID: "NEW", Callsign: "NEW", Army: core.ArmyInvasor}})

	assert.Equal(t, []string{"NEW"}, r.IDs())
}
