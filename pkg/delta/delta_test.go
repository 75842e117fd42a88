package delta_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/querydelta/pkg/delta"
	"github.com/ethpandaops/querydelta/pkg/querystats"
)

func TestNormalizeNumber(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want float64
	}{
		{name: "nil", in: nil, want: 0},
		{name: "empty list", in: []any{}, want: 0},
		{name: "singleton list", in: []any{7}, want: 7},
		{name: "typed singleton list", in: []float64{4.5, 9}, want: 4.5},
		{name: "nested list", in: []any{[]any{3}}, want: 3},
		{name: "float", in: 3.5, want: 3.5},
		{name: "int", in: 12, want: 12},
		{name: "int64", in: int64(-4), want: -4},
		{name: "uint64", in: uint64(8), want: 8},
		{name: "json number", in: json.Number("2.25"), want: 2.25},
		{name: "bad json number", in: json.Number("x"), want: 0},
		{name: "string", in: "x", want: 0},
		{name: "numeric string", in: "12", want: 0},
		{name: "bool", in: true, want: 0},
		{name: "map", in: map[string]any{"a": 1}, want: 0},
		{name: "list of strings", in: []any{"x"}, want: 0},
		{name: "array", in: [2]int{5, 6}, want: 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, delta.NormalizeNumber(tt.in))
		})
	}
}

func TestDiff_ExistingTable(t *testing.T) {
	previous := querystats.Aggregate{
		"invoices": {"execution_count": 100.0, "cpu_time_total": 50.0},
	}
	current := querystats.Aggregate{
		"invoices": {"execution_count": 140.0, "cpu_time_total": 45.0, "duration_total": 10.0},
	}

	got := delta.Diff(previous, current)

	require.Contains(t, got, "invoices")
	rec := got["invoices"]
	assert.False(t, rec.IsNewTable)
	assert.Equal(t, map[string]float64{
		"execution_count_delta": 40,
		"cpu_time_total_delta":  -5,
		"duration_total_delta":  10,
	}, rec.Values)
}

func TestDiff_NewTable(t *testing.T) {
	previous := querystats.Aggregate{
		"invoices": {"execution_count": 100.0},
	}
	current := querystats.Aggregate{
		"invoices": {"execution_count": 100.0},
		"payments": {"execution_count": 25.0, "exec_per_second": []any{1.5}},
	}

	got := delta.Diff(previous, current)

	require.Contains(t, got, "payments")
	assert.True(t, got["payments"].IsNewTable)
	assert.Equal(t, 25.0, got["payments"].Values["execution_count_delta"])
	assert.Equal(t, 1.5, got["payments"].Values["exec_per_second_delta"])

	assert.False(t, got["invoices"].IsNewTable)
	assert.Equal(t, 0.0, got["invoices"].Values["execution_count_delta"])
}

func TestDiff_DisappearedTableDropped(t *testing.T) {
	previous := querystats.Aggregate{
		"invoices": {"execution_count": 1.0},
		"legacy":   {"execution_count": 5.0},
	}
	current := querystats.Aggregate{
		"invoices": {"execution_count": 2.0},
	}

	got := delta.Diff(previous, current)

	assert.Equal(t, []string{"invoices"}, got.Tables())
}

func TestDiff_TolerantPreviousShapes(t *testing.T) {
	// Snapshots decoded from JSON hold float64, lists or nulls.
	var previous querystats.Aggregate
	require.NoError(t, json.Unmarshal([]byte(`{
		"invoices": {"execution_count": [90], "cpu_time_total": null, "queries": []}
	}`), &previous))

	current := querystats.Aggregate{
		"invoices": {"execution_count": 100.0, "cpu_time_total": 7.0, "duration_total": "bogus"},
	}

	got := delta.Diff(previous, current)

	assert.Equal(t, map[string]float64{
		"execution_count_delta": 10,
		"cpu_time_total_delta":  7,
		"duration_total_delta":  0,
	}, got["invoices"].Values)
}

func TestDiff_MatchesNormalizedDifference(t *testing.T) {
	previous := querystats.Aggregate{"t": {"m": int64(3), "n": []any{2.5}}}
	current := querystats.Aggregate{"t": {"m": 10.0, "n": 1.0}}

	got := delta.Diff(previous, current)

	for metric, v := range current["t"] {
		want := delta.NormalizeNumber(v) - delta.NormalizeNumber(previous["t"][metric])
		assert.Equal(t, want, got["t"].Values[metric+delta.Suffix], metric)
	}
}

func TestDetectNewTables(t *testing.T) {
	previous := querystats.Aggregate{"a": {}, "b": {}}
	current := querystats.Aggregate{"b": {}, "d": {}, "c": {}}

	assert.Equal(t, []string{"c", "d"}, delta.DetectNewTables(previous, current))
	assert.Nil(t, delta.DetectNewTables(current, current))
}

func TestDeltas_Tables(t *testing.T) {
	d := delta.Deltas{"zeta": {}, "alpha": {}, "mid": {}}

	assert.Equal(t, []string{"alpha", "mid", "zeta"}, d.Tables())
}
