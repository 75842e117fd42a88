package delta

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/ethpandaops/querydelta/pkg/querystats"
)

// Suffix is appended to a metric name to form its delta field name.
const Suffix = "_delta"

// Record holds the per-metric deltas of one table between two snapshots.
type Record struct {
	// Values is keyed by "{metric}_delta".
	Values     map[string]float64 `json:"values"`
	IsNewTable bool               `json:"is_new_table"`
}

// Deltas maps a table name to its delta record.
type Deltas map[string]Record

// Tables returns the table names of d in sorted order.
func (d Deltas) Tables() []string {
	tables := make([]string, 0, len(d))
	for t := range d {
		tables = append(tables, t)
	}

	sort.Strings(tables)

	return tables
}

// NormalizeNumber coerces a stored metric value to a number. nil, empty
// sequences and non-numeric values become 0; a non-empty sequence yields its
// first element.
func NormalizeNumber(v any) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}

		return f
	case []byte, string, bool:
		return 0
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		if rv.Len() == 0 {
			return 0
		}

		return NormalizeNumber(rv.Index(0).Interface())
	}

	return 0
}

// DetectNewTables returns the sorted tables present in current but absent
// from previous.
func DetectNewTables(previous, current querystats.Aggregate) []string {
	var tables []string

	for t := range current {
		if _, ok := previous[t]; !ok {
			tables = append(tables, t)
		}
	}

	sort.Strings(tables)

	return tables
}

// Diff computes per-table, per-metric deltas of current against previous.
// A table missing from previous is new and its deltas equal its current
// values. Tables only present in previous produce no record.
func Diff(previous, current querystats.Aggregate) Deltas {
	out := make(Deltas, len(current))

	for table, values := range current {
		prev, existed := previous[table]

		rec := Record{
			Values:     make(map[string]float64, len(values)),
			IsNewTable: !existed,
		}

		for metric, v := range values {
			cur := NormalizeNumber(v)
			if existed {
				cur -= NormalizeNumber(prev[metric])
			}

			rec.Values[metric+Suffix] = cur
		}

		out[table] = rec
	}

	return out
}
