package querystats

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// RawStatRow is one performance-counter sample for one statement as
// returned by the data source. Absent counters decode to zero.
type RawStatRow struct {
	QueryText          string  `mapstructure:"query_text" json:"query_text"`
	ExecutionCount     int64   `mapstructure:"execution_count" json:"execution_count"`
	CPUTimeTotal       int64   `mapstructure:"cpu_time_total" json:"cpu_time_total"`
	DurationTotal      int64   `mapstructure:"duration_total" json:"duration_total"`
	LogicalReadsTotal  int64   `mapstructure:"logical_reads_total" json:"logical_reads_total"`
	LogicalWritesTotal int64   `mapstructure:"logical_writes_total" json:"logical_writes_total"`
	PhysicalReadsTotal int64   `mapstructure:"physical_reads_total" json:"physical_reads_total"`
	ExecPerSecond      float64 `mapstructure:"exec_per_second" json:"exec_per_second,omitempty"`
	PlanReuseCount     int64   `mapstructure:"plan_reuse_count" json:"plan_reuse_count,omitempty"`
}

// SessionRow is one connected-client summary row.
type SessionRow struct {
	HostName           string `mapstructure:"host_name"`
	ClientNetAddress   string `mapstructure:"client_net_address"`
	ProgramName        string `mapstructure:"program_name"`
	RequestsRunningNow int64  `mapstructure:"requests_running_now"`
}

// DecodeRows converts loosely typed source rows into RawStatRows. Rows that
// cannot be decoded are skipped and reported in the returned error; the
// successfully decoded rows are always returned.
func DecodeRows(rows []map[string]any) ([]RawStatRow, error) {
	return decodeAll[RawStatRow](rows)
}

// DecodeSessions converts loosely typed source rows into SessionRows.
func DecodeSessions(rows []map[string]any) ([]SessionRow, error) {
	return decodeAll[SessionRow](rows)
}

func decodeAll[T any](rows []map[string]any) ([]T, error) {
	out := make([]T, 0, len(rows))

	var errs []error

	for i, row := range rows {
		var item T
		if err := Decode(row, &item); err != nil {
			errs = append(errs, fmt.Errorf("row %d: %w", i, err))

			continue
		}

		out = append(out, item)
	}

	return out, errors.Join(errs...)
}

// Decode decodes a single source row into out using tolerant numeric
// conversion: byte slices are read as text, numeric text is parsed and
// unparsable numeric text becomes zero.
func Decode(row map[string]any, out any) error {
	dec, err := newDecoder(out)
	if err != nil {
		return err
	}

	if err := dec.Decode(row); err != nil {
		return fmt.Errorf("decoding row: %w", err)
	}

	return nil
}

// DecodeScalars converts the columns of a single-row view into named
// numbers with the same tolerance as Decode. Columns that cannot be read as
// a number, such as timestamps, are skipped.
func DecodeScalars(row map[string]any) map[string]float64 {
	out := make(map[string]float64, len(row))

	for name, v := range row {
		var f float64

		dec, err := newDecoder(&f)
		if err != nil {
			continue
		}

		if err := dec.Decode(v); err != nil {
			continue
		}

		out[name] = f
	}

	return out
}

func newDecoder(out any) (*mapstructure.Decoder, error) {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(bytesToStringHook, numericTextHook),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return nil, fmt.Errorf("creating decoder: %w", err)
	}

	return dec, nil
}

func bytesToStringHook(from, to reflect.Type, data any) (any, error) {
	if b, ok := data.([]byte); ok && to.Kind() != reflect.Slice {
		return string(b), nil
	}

	return data, nil
}

func numericTextHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}

	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(reflect.ValueOf(data).String()), 64)
		if err != nil {
			return 0.0, nil
		}

		return f, nil
	default:
		return data, nil
	}
}
