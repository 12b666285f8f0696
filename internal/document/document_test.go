package document

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comandos-hq/fieldlink/pkg/core"
)

func TestClean_Recursive(t *testing.T) {
	in := map[string]any{
		"a": nil,
		"b": 1.0,
		"c": map[string]any{"d": nil, "e": "x", "f": []any{nil, map[string]any{"g": nil, "h": true}}},
	}

	got := Clean(in)

	want := map[string]any{
		"b": 1.0,
		"c": map[string]any{"e": "x", "f": []any{map[string]any{"h": true}}},
	}
	assert.Equal(t, want, got)
	assert.Equal(t, got, Clean(got))
}

func TestEncode_StripsUnset(t *testing.T) {
	type inner struct {
		Lat *float64 `json:"lat"`
		Tag string   `json:"tag"`
	}
	type rec struct {
		Name  string   `json:"name"`
		Maybe *int     `json:"maybe"`
		Items []*inner `json:"items"`
	}

	data, err := Encode(rec{Name: "x", Items: []*inner{nil, {Tag: "t"}}})
	require.NoError(t, err)

	assert.Equal(t, Data{
		"name":  "x",
		"items": []any{map[string]any{"tag": "t"}},
	}, data)
}

func TestEncode_NotObject(t *testing.T) {
	_, err := Encode([]int{1})
	assert.Error(t, err)
}

func TestOperation_RoundTrip(t *testing.T) {
	op := core.DefaultOperation(time.UnixMilli(1700000000000))

	data, err := Encode(op)
	require.NoError(t, err)
	got, err := DecodeOperation(core.OperationPath(), data)
	require.NoError(t, err)

	assert.Equal(t, op, got)
}

func TestDecodeOperation_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data Data
	}{
		{"nil", nil},
		{"wrong type", Data{"missions": "nope"}},
		{"bad status", Data{"missions": []any{map[string]any{"id": "m-1", "status": "DANCING"}}}},
		{"bad army", Data{"missions": []any{map[string]any{"id": "m-1", "armies": []any{"PIRATA"}}}}},
		{"duplicate id", Data{"missions": []any{map[string]any{"id": "m-1"}, map[string]any{"id": "m-1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOperation("operations/op-001", tt.data)
			var mre *MalformedRecordError
			require.True(t, errors.As(err, &mre))
			assert.Equal(t, "operations/op-001", mre.Path)
		})
	}
}

func TestDecodeOperator(t *testing.T) {
	lat := -23.5
	started := int64(1700000000000)
	op := core.Operator{
		ID: "FALCON", Callsign: "FALCON", Rank: "CABO", Score: 450,
		Status: core.OperatorOnline, DeviceID: "DEV-ABCDEFGHI", Army: core.ArmyInvasor,
		LastLat: &lat,
		MissionsProgress: map[string]core.MissionProgress{
			"m-01": {Status: core.MissionInProgress, StartedAt: &started},
		},
	}
	data, err := Encode(op)
	require.NoError(t, err)
	_, hasLng := data["lastLng"]
	assert.False(t, hasLng)

	got, err := DecodeOperator("ranking/FALCON", "FALCON", data)
	require.NoError(t, err)
	assert.Equal(t, op, got)
}

func TestDecodeOperator_IDFromPath(t *testing.T) {
	got, err := DecodeOperator("ranking/VIPER", "VIPER", Data{"army": "ALIADO", "score": 10.0})
	require.NoError(t, err)
	assert.Equal(t, "VIPER", got.ID)
	assert.Equal(t, "VIPER", got.Callsign)
}

func TestDecodeOperator_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data Data
	}{
		{"no army", Data{"id": "X"}},
		{"bad army", Data{"id": "X", "army": "PIRATA"}},
		{"negative score", Data{"id": "X", "army": "ALIADO", "score": -1.0}},
		{"score type", Data{"id": "X", "army": "ALIADO", "score": "lots"}},
		{"bad status", Data{"id": "X", "army": "ALIADO", "status": "AFK"}},
		{"bad progress", Data{"id": "X", "army": "ALIADO", "missionsProgress": map[string]any{"m-1": map[string]any{"status": "MAYBE"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeOperator("ranking/X", "X", tt.data)
			var mre *MalformedRecordError
			assert.ErrorAs(t, err, &mre)
		})
	}
}
