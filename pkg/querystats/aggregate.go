package querystats

// Kind selects the accumulation shape of an aggregate.
type Kind string

const (
	KindHeavy    Kind = "heavy"
	KindFrequent Kind = "frequent"
)

// Metric names tracked per kind.
const (
	MetricExecutionCount     = "execution_count"
	MetricCPUTimeTotal       = "cpu_time_total"
	MetricDurationTotal      = "duration_total"
	MetricLogicalReadsTotal  = "logical_reads_total"
	MetricLogicalWritesTotal = "logical_writes_total"
	MetricPhysicalReadsTotal = "physical_reads_total"
	MetricTotalElapsedTime   = "total_elapsed_time"
	MetricExecPerSecond      = "exec_per_second"
)

// HeavyMetrics are the resource totals accumulated for heavy queries.
var HeavyMetrics = []string{
	MetricExecutionCount,
	MetricCPUTimeTotal,
	MetricLogicalReadsTotal,
	MetricLogicalWritesTotal,
	MetricPhysicalReadsTotal,
	MetricDurationTotal,
}

// FrequentMetrics are the execution-rate totals accumulated for frequent
// queries.
var FrequentMetrics = []string{
	MetricExecutionCount,
	MetricTotalElapsedTime,
	MetricExecPerSecond,
}

// Values maps a metric name to its accumulated value. Values are float64
// when produced by this package; decoded snapshots may hold other shapes.
type Values map[string]any

// Aggregate maps a table name to its accumulated metric values.
type Aggregate map[string]Values

// GroupHeavy sums the resource counters of rows per owning table.
func GroupHeavy(rows []NormalizedRow) Aggregate {
	return group(rows, HeavyMetrics, func(r *NormalizedRow) []float64 {
		return []float64{
			float64(r.ExecutionCount),
			float64(r.CPUTimeTotal),
			float64(r.LogicalReadsTotal),
			float64(r.LogicalWritesTotal),
			float64(r.PhysicalReadsTotal),
			float64(r.DurationTotal),
		}
	})
}

// GroupFrequent sums execution counts, elapsed time and execution rate of
// rows per owning table.
func GroupFrequent(rows []NormalizedRow) Aggregate {
	return group(rows, FrequentMetrics, func(r *NormalizedRow) []float64 {
		return []float64{
			float64(r.ExecutionCount),
			float64(r.DurationTotal),
			r.ExecPerSecond,
		}
	})
}

func group(
	rows []NormalizedRow,
	metrics []string,
	extract func(r *NormalizedRow) []float64,
) Aggregate {
	agg := make(Aggregate, len(rows))

	for i := range rows {
		row := &rows[i]

		values, ok := agg[row.MainTable]
		if !ok {
			values = make(Values, len(metrics))
			for _, m := range metrics {
				values[m] = 0.0
			}

			agg[row.MainTable] = values
		}

		for j, v := range extract(row) {
			values[metrics[j]] = values[metrics[j]].(float64) + v
		}
	}

	return agg
}

// Metrics returns the tracked metric names for kind.
func (k Kind) Metrics() []string {
	if k == KindFrequent {
		return FrequentMetrics
	}

	return HeavyMetrics
}
