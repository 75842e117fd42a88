package exposition

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"

	"github.com/ethpandaops/querydelta/pkg/delta"
	"github.com/ethpandaops/querydelta/pkg/querystats"
)

// Label names.
const (
	LabelTable      = "table"
	LabelIsNewTable = "is_new_table"
	LabelSnapshot   = "snapshot"
)

// Renderer converts aggregates and scalar readings to Prometheus text
// exposition format.
type Renderer struct {
	// SnapshotLabel adds a snapshot="<timestamp>" label to every series.
	// This makes each cycle queryable on its own at the cost of one new
	// series per cycle; without it the series set is bounded by the live
	// table set and history is kept by the store instead.
	SnapshotLabel bool

	// MaxQueryLength truncates query text used as a label value. Zero means
	// no truncation.
	MaxQueryLength int
}

// Scalar is one unlabelled gauge reading.
type Scalar struct {
	Name  string
	Help  string
	Value float64
}

// family is the per-render scratch structure: one shared descriptor per
// series name with the label sets attached to it.
type family struct {
	mf *dto.MetricFamily
}

type scratch map[string]*family

func (s scratch) get(name, help string) *family {
	f, ok := s[name]
	if !ok {
		f = &family{mf: &dto.MetricFamily{
			Name: proto.String(name),
			Help: proto.String(help),
			Type: dto.MetricType_GAUGE.Enum(),
		}}
		s[name] = f
	}

	return f
}

func (f *family) add(value float64, labels ...string) {
	m := &dto.Metric{Gauge: &dto.Gauge{Value: proto.Float64(value)}}

	for i := 0; i+1 < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{
			Name:  proto.String(labels[i]),
			Value: proto.String(labels[i+1]),
		})
	}

	f.mf.Metric = append(f.mf.Metric, m)
}

func (s scratch) write() (string, error) {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}

	sort.Strings(names)

	var sb strings.Builder

	for _, name := range names {
		if _, err := expfmt.MetricFamilyToText(&sb, s[name].mf); err != nil {
			return "", fmt.Errorf("encoding %s: %w", name, err)
		}
	}

	return sb.String(), nil
}

// RenderTables renders one gauge series per delta field, named
// db_{kind}_{metric}_delta and labelled with table and is_new_table.
func (r *Renderer) RenderTables(
	deltas delta.Deltas,
	kind querystats.Kind,
	snapshot string,
) (string, error) {
	s := make(scratch, len(kind.Metrics()))

	for _, table := range deltas.Tables() {
		rec := deltas[table]

		fields := make([]string, 0, len(rec.Values))
		for field := range rec.Values {
			fields = append(fields, field)
		}

		sort.Strings(fields)

		for _, field := range fields {
			name := SanitizeName(fmt.Sprintf("db_%s_%s", kind, field))
			labels := []string{
				LabelTable, table,
				LabelIsNewTable, FormatBool(rec.IsNewTable),
			}

			if r.SnapshotLabel {
				labels = append(labels, LabelSnapshot, snapshot)
			}

			s.get(name, fmt.Sprintf("Delta of %s metric %s per table", kind, field)).
				add(rec.Values[field], labels...)
		}
	}

	return s.write()
}

// RenderScalars renders each scalar as a single gauge without table
// grouping. Names are prefixed with prefix and sanitized.
func (r *Renderer) RenderScalars(
	prefix string,
	scalars []Scalar,
	snapshot string,
) (string, error) {
	registry := prometheus.NewRegistry()

	for _, sc := range scalars {
		opts := prometheus.GaugeOpts{
			Name: SanitizeName(prefix + sc.Name),
			Help: sc.Help,
		}

		if opts.Help == "" {
			opts.Help = sc.Name
		}

		if r.SnapshotLabel {
			opts.ConstLabels = prometheus.Labels{LabelSnapshot: snapshot}
		}

		g := prometheus.NewGauge(opts)
		if err := registry.Register(g); err != nil {
			return "", fmt.Errorf("registering %s: %w", opts.Name, err)
		}

		g.Set(sc.Value)
	}

	families, err := registry.Gather()
	if err != nil {
		return "", fmt.Errorf("gathering scalars: %w", err)
	}

	var sb strings.Builder

	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&sb, mf); err != nil {
			return "", fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}

	return sb.String(), nil
}

// topQueryMetrics are the counters exported per ranked statement.
var topQueryMetrics = []struct {
	name  string
	value func(r *querystats.NormalizedRow) float64
}{
	{"cpu_time_total", func(r *querystats.NormalizedRow) float64 { return float64(r.CPUTimeTotal) }},
	{"duration_total", func(r *querystats.NormalizedRow) float64 { return float64(r.DurationTotal) }},
	{"logical_reads_total", func(r *querystats.NormalizedRow) float64 { return float64(r.LogicalReadsTotal) }},
	{"logical_writes_total", func(r *querystats.NormalizedRow) float64 { return float64(r.LogicalWritesTotal) }},
	{"physical_reads_total", func(r *querystats.NormalizedRow) float64 { return float64(r.PhysicalReadsTotal) }},
	{"plan_reuse_count", func(r *querystats.NormalizedRow) float64 { return float64(r.PlanReuseCount) }},
}

// RenderTopQueries renders ranked statements (already ordered by the
// caller, rank 1 first) as db_top_query_{metric} series labelled with rank,
// table, statement type and the normalized query text.
func (r *Renderer) RenderTopQueries(
	rows []querystats.NormalizedRow,
	snapshot string,
) (string, error) {
	s := make(scratch, len(topQueryMetrics))

	for i := range rows {
		row := &rows[i]

		labels := []string{
			"rank", fmt.Sprintf("%d", i+1),
			LabelTable, row.MainTable,
			"statement", string(row.StatementType),
			"query", r.truncate(row.QueryNormalized),
		}

		if r.SnapshotLabel {
			labels = append(labels, LabelSnapshot, snapshot)
		}

		for _, m := range topQueryMetrics {
			s.get("db_top_query_"+m.name, "Top statement "+m.name).
				add(m.value(row), labels...)
		}
	}

	return s.write()
}

// RenderSessions renders connected-client rows as
// db_user_requests_running_now, ranked in the given order.
func (r *Renderer) RenderSessions(
	rows []querystats.SessionRow,
	snapshot string,
) (string, error) {
	s := make(scratch, 1)

	for i, row := range rows {
		labels := []string{
			"host_name", row.HostName,
			"client_net_address", row.ClientNetAddress,
			"program_name", row.ProgramName,
			"rank", fmt.Sprintf("%d", i+1),
		}

		if r.SnapshotLabel {
			labels = append(labels, LabelSnapshot, snapshot)
		}

		s.get("db_user_requests_running_now", "Requests running now per client").
			add(float64(row.RequestsRunningNow), labels...)
	}

	return s.write()
}

func (r *Renderer) truncate(q string) string {
	if r.MaxQueryLength <= 0 {
		return q
	}

	if runes := []rune(q); len(runes) > r.MaxQueryLength {
		return string(runes[:r.MaxQueryLength])
	}

	return q
}

// FormatBool renders a boolean label value as "True" or "False".
func FormatBool(b bool) string {
	if b {
		return "True"
	}

	return "False"
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_:]`)

// SanitizeName replaces characters that are not valid in a metric name.
func SanitizeName(name string) string {
	name = invalidNameChars.ReplaceAllString(name, "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}

	return name
}

// ContentType is the media type of the text exposition format.
const ContentType = "text/plain; version=0.0.4; charset=utf-8"
