package collector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/querydelta/pkg/config"
	"github.com/ethpandaops/querydelta/pkg/delta"
	"github.com/ethpandaops/querydelta/pkg/exposition"
	"github.com/ethpandaops/querydelta/pkg/querystats"
	"github.com/ethpandaops/querydelta/pkg/snapshot"
	"github.com/ethpandaops/querydelta/pkg/source"
	"github.com/ethpandaops/querydelta/pkg/sqlparse"
)

// Status is the outcome of one cycle.
type Status string

const (
	// StatusFirstSnapshotStored means no previous snapshot existed; the
	// current one was stored as the baseline and no deltas were exported.
	StatusFirstSnapshotStored Status = "FIRST SNAPSHOT STORED"

	// StatusDeltasExported means deltas were rendered and persisted.
	StatusDeltasExported Status = "DELTAS EXPORTED"
)

// Result describes a completed cycle.
type Result struct {
	Dataset  string
	Snapshot string
	Status   Status

	// Text is the rendered delta export, empty on a first cycle.
	Text string

	// ExportKey is the store key Text was written to.
	ExportKey string

	// NewTables lists the tables seen for the first time, per kind.
	NewTables map[querystats.Kind][]string
}

// Archiver copies a rendered export to long-term storage.
type Archiver interface {
	Archive(ctx context.Context, dataset, snapshot, text string) error
}

// Collector runs sampling cycles for one dataset. A Collector must not run
// two cycles concurrently.
type Collector struct {
	log      logrus.FieldLogger
	dataset  string
	src      source.Source
	store    *snapshot.Store
	resolver *sqlparse.Resolver
	renderer *exposition.Renderer
	loc      *time.Location
	export   config.ExportConfig
	archiver Archiver
	now      func() time.Time
}

// Option customizes a Collector.
type Option func(*Collector)

// WithArchiver uploads every delta export through a.
func WithArchiver(a Archiver) Option {
	return func(c *Collector) { c.archiver = a }
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithLocation sets the zone snapshot timestamps are rendered in.
func WithLocation(loc *time.Location) Option {
	return func(c *Collector) { c.loc = loc }
}

// NewCollector creates a collector for ds.
func NewCollector(
	log logrus.FieldLogger,
	ds *config.DatasetConfig,
	export config.ExportConfig,
	src source.Source,
	store *snapshot.Store,
	opts ...Option,
) *Collector {
	c := &Collector{
		log: log.WithFields(logrus.Fields{
			"component": "collector",
			"dataset":   ds.Name,
		}),
		dataset:  ds.Name,
		src:      src,
		store:    store,
		resolver: sqlparse.NewResolver(ds.KnownTables),
		renderer: &exposition.Renderer{
			SnapshotLabel:  export.SnapshotLabel,
			MaxQueryLength: export.MaxQueryLength,
		},
		loc:    time.UTC,
		export: export,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Dataset returns the dataset name.
func (c *Collector) Dataset() string {
	return c.dataset
}

// sample is the raw material of one cycle.
type sample struct {
	heavy    []querystats.NormalizedRow
	frequent []querystats.NormalizedRow
	running  []source.Row
	sessions []source.Row
	memory   []source.Row
}

// ProcessCycle samples the source, persists the scalar and ranked exports,
// and diffs the aggregates against the previous snapshot. Without a usable
// previous snapshot the current one is stored as the baseline and no deltas
// are exported. Store write failures abort the cycle.
func (c *Collector) ProcessCycle(ctx context.Context) (*Result, error) {
	start := c.now()
	ts := start.In(c.loc).Format(time.RFC3339)

	s := c.sample(ctx, ts)

	current := &snapshot.Snapshot{
		Heavy:    querystats.GroupHeavy(s.heavy),
		Frequent: querystats.GroupFrequent(s.frequent),
		Snapshot: ts,
	}

	if err := c.persistScalars(ctx, s, ts); err != nil {
		return nil, err
	}

	if err := c.persistRanked(ctx, s, ts); err != nil {
		return nil, err
	}

	previous, err := c.store.GetLastSnapshot(ctx, c.dataset)
	if err != nil {
		return nil, fmt.Errorf("loading previous snapshot: %w", err)
	}

	result := &Result{
		Dataset:  c.dataset,
		Snapshot: ts,
	}

	if previous == nil {
		if err := c.store.PutSnapshot(ctx, c.dataset, current); err != nil {
			return nil, fmt.Errorf("storing first snapshot: %w", err)
		}

		result.Status = StatusFirstSnapshotStored

		c.log.WithField("snapshot", ts).Info("First snapshot stored")

		return result, nil
	}

	result.NewTables = map[querystats.Kind][]string{
		querystats.KindHeavy:    delta.DetectNewTables(previous.Heavy, current.Heavy),
		querystats.KindFrequent: delta.DetectNewTables(previous.Frequent, current.Frequent),
	}

	heavyText, err := c.renderer.RenderTables(
		delta.Diff(previous.Heavy, current.Heavy), querystats.KindHeavy, ts)
	if err != nil {
		return nil, fmt.Errorf("rendering heavy deltas: %w", err)
	}

	frequentText, err := c.renderer.RenderTables(
		delta.Diff(previous.Frequent, current.Frequent), querystats.KindFrequent, ts)
	if err != nil {
		return nil, fmt.Errorf("rendering frequent deltas: %w", err)
	}

	result.Text = heavyText + frequentText

	key, err := c.store.PutExport(ctx, c.dataset, ts, result.Text)
	if err != nil {
		return nil, fmt.Errorf("storing export: %w", err)
	}

	result.ExportKey = key

	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, c.dataset, ts, result.Text); err != nil {
			c.log.WithError(err).Warn("Failed to archive export")
		}
	}

	if err := c.store.PutSnapshot(ctx, c.dataset, current); err != nil {
		return nil, fmt.Errorf("storing snapshot: %w", err)
	}

	result.Status = StatusDeltasExported

	c.log.WithFields(logrus.Fields{
		"snapshot":            ts,
		"heavy_tables":        len(current.Heavy),
		"frequent_tables":     len(current.Frequent),
		"new_heavy_tables":    len(result.NewTables[querystats.KindHeavy]),
		"new_frequent_tables": len(result.NewTables[querystats.KindFrequent]),
		"duration":            c.now().Sub(start).Round(time.Millisecond),
	}).Info("Deltas exported")

	return result, nil
}

// sample fetches and normalizes every view. Fetch failures are logged and
// treated as empty results.
func (c *Collector) sample(ctx context.Context, ts string) *sample {
	s := &sample{
		running:  c.fetch(ctx, "running", c.src.RunningRequests),
		sessions: c.fetch(ctx, "sessions", c.src.Sessions),
		memory:   c.fetch(ctx, "memory", c.src.MemoryUsage),
	}

	s.heavy = c.normalize(c.fetch(ctx, "heavy", c.src.HeaviestQueries), "heavy", ts)
	s.frequent = c.normalize(c.fetch(ctx, "frequent", c.src.FrequentQueries), "frequent", ts)

	return s
}

func (c *Collector) fetch(
	ctx context.Context,
	name string,
	fn func(context.Context) ([]source.Row, error),
) []source.Row {
	rows, err := fn(ctx)
	if err != nil {
		c.log.WithError(err).
			WithField("view", name).
			Warn("Source fetch failed, continuing with no rows")

		return nil
	}

	return rows
}

func (c *Collector) normalize(rows []source.Row, name, ts string) []querystats.NormalizedRow {
	raw, err := querystats.DecodeRows(rows)
	if err != nil {
		c.log.WithError(err).
			WithField("view", name).
			Warn("Skipped undecodable rows")
	}

	return querystats.Normalize(raw, ts, c.resolver)
}

// memoryPrefix names the memory gauges.
const memoryPrefix = "db_memory_"

// persistScalars writes the running-request count and memory gauges.
// Memory columns that sanitize to an already used series name are skipped.
func (c *Collector) persistScalars(ctx context.Context, s *sample, ts string) error {
	ttl := c.export.TTL.ScalarsDuration()

	var running []exposition.Scalar
	if len(s.running) > 0 {
		v := querystats.DecodeScalars(s.running[0])["queries_processing_now"]
		running = append(running, exposition.Scalar{
			Name:  "db_current_queries",
			Help:  "Statements executing now",
			Value: v,
		})
	}

	text, err := c.renderer.RenderScalars("", running, ts)
	if err != nil {
		return fmt.Errorf("rendering running requests: %w", err)
	}

	if err := c.store.PutText(ctx,
		snapshot.ScalarKey(c.dataset, snapshot.QueriesProcessing), text, ttl); err != nil {
		return fmt.Errorf("storing running requests: %w", err)
	}

	var memory []exposition.Scalar
	if len(s.memory) > 0 {
		values := querystats.DecodeScalars(s.memory[0])

		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}

		sort.Strings(names)

		seen := make(map[string]string, len(names))

		for _, name := range names {
			series := exposition.SanitizeName(memoryPrefix + name)
			if first, ok := seen[series]; ok {
				c.log.WithFields(logrus.Fields{
					"column": name,
					"kept":   first,
					"series": series,
				}).Warn("Skipped memory column with a duplicate series name")

				continue
			}

			seen[series] = name

			memory = append(memory, exposition.Scalar{
				Name:  name,
				Help:  "Memory metric " + name,
				Value: values[name],
			})
		}
	}

	text, err = c.renderer.RenderScalars(memoryPrefix, memory, ts)
	if err != nil {
		return fmt.Errorf("rendering memory usage: %w", err)
	}

	if err := c.store.PutText(ctx,
		snapshot.ScalarKey(c.dataset, snapshot.MemoryUsage), text, ttl); err != nil {
		return fmt.Errorf("storing memory usage: %w", err)
	}

	return nil
}

// persistRanked writes the top statements by CPU time and the connected
// client sessions.
func (c *Collector) persistRanked(ctx context.Context, s *sample, ts string) error {
	ttl := c.export.TTL.RankedDuration()

	top := TopByCPU(s.heavy, c.export.TopN)

	text, err := c.renderer.RenderTopQueries(top, ts)
	if err != nil {
		return fmt.Errorf("rendering top queries: %w", err)
	}

	if err := c.store.PutText(ctx,
		snapshot.ScalarKey(c.dataset, snapshot.TopQueries), text, ttl); err != nil {
		return fmt.Errorf("storing top queries: %w", err)
	}

	sessions, err := querystats.DecodeSessions(s.sessions)
	if err != nil {
		c.log.WithError(err).
			WithField("view", "sessions").
			Warn("Skipped undecodable rows")
	}

	text, err = c.renderer.RenderSessions(sessions, ts)
	if err != nil {
		return fmt.Errorf("rendering sessions: %w", err)
	}

	if err := c.store.PutText(ctx,
		snapshot.ScalarKey(c.dataset, snapshot.Users), text, ttl); err != nil {
		return fmt.Errorf("storing sessions: %w", err)
	}

	return nil
}

// TopByCPU returns up to n rows ordered by total CPU time, highest first.
// Ties keep source order.
func TopByCPU(rows []querystats.NormalizedRow, n int) []querystats.NormalizedRow {
	sorted := append([]querystats.NormalizedRow(nil), rows...)

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CPUTimeTotal > sorted[j].CPUTimeTotal
	})

	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}

	return sorted
}
