// Package mirrortest holds the behaviour every mirror.Mirror must share.
package mirrortest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comandos-hq/fieldlink/internal/mirror"
	"github.com/comandos-hq/fieldlink/pkg/core"
)

// Factory opens a mirror rooted at dir. Opening the same dir twice must see
// the same data.
type Factory func(t *testing.T, dir string) mirror.Mirror

// SampleState is a populated state with every optional field set somewhere.
func SampleState() mirror.State {
	op := core.DefaultOperation(time.UnixMilli(1776589200000))
	op.Missions[1].TimerMinutes = 15

	lat, lng := -23.55, -46.63
	started := int64(1776589260000)
	return mirror.State{
		Operation: op,
		Ranking: []core.Operator{
			{
				ID: "FALCON", Callsign: "FALCON", Rank: "CABO", Score: 450,
				Status: core.OperatorOnline, DeviceID: "DEV-AAAAAAAAA", Army: core.ArmyAliado,
				LastLat: &lat, LastLng: &lng,
				MissionsProgress: map[string]core.MissionProgress{
					"m-01": {Status: core.MissionCompleted},
					"m-02": {Status: core.MissionInProgress, StartedAt: &started},
				},
			},
			{
				ID: "VIPER", Callsign: "VIPER", Rank: "RECRUTA",
				Status: core.OperatorKilled, DeviceID: "DEV-BBBBBBBBB", Army: core.ArmyInvasor,
			},
		},
	}
}

// Run exercises f against the mirror contract.
func Run(t *testing.T, f Factory) {
	t.Run("empty", func(t *testing.T) {
		m := f(t, t.TempDir())
		_, ok, err := m.Load()
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("round trip across reopen", func(t *testing.T) {
		dir := t.TempDir()
		want := SampleState()

		m := f(t, dir)
		require.NoError(t, m.Save(want))
		require.NoError(t, m.Close())

		again := f(t, dir)
		got, ok, err := again.Load()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, want, got)
	})

	t.Run("overwrite", func(t *testing.T) {
		m := f(t, t.TempDir())
		require.NoError(t, m.Save(SampleState()))

		next := SampleState()
		next.Ranking = next.Ranking[:1]
		next.Operation.IsActive = false
		require.NoError(t, m.Save(next))

		got, ok, err := m.Load()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, next, got)
	})

	t.Run("empty ranking", func(t *testing.T) {
		m := f(t, t.TempDir())
		st := SampleState()
		st.Ranking = nil
		require.NoError(t, m.Save(st))

		got, ok, err := m.Load()
		require.NoError(t, err)
		require.True(t, ok)
		assert.Empty(t, got.Ranking)
		assert.Equal(t, st.Operation, got.Operation)
	})

	t.Run("device id is stable", func(t *testing.T) {
		dir := t.TempDir()
		m := f(t, dir)

		id, err := mirror.DeviceID(m)
		require.NoError(t, err)
		assert.True(t, mirror.ValidDeviceID(id), id)
		require.NoError(t, m.Close())

		again, err := mirror.DeviceID(f(t, dir))
		require.NoError(t, err)
		assert.Equal(t, id, again)
	})
}
