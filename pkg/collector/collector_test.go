package collector_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/querydelta/pkg/collector"
	"github.com/ethpandaops/querydelta/pkg/config"
	"github.com/ethpandaops/querydelta/pkg/kvstore"
	"github.com/ethpandaops/querydelta/pkg/querystats"
	"github.com/ethpandaops/querydelta/pkg/snapshot"
	"github.com/ethpandaops/querydelta/pkg/source"
)

// fakeSource serves canned rows. Frequent and heavy rows are swapped by
// the test between cycles.
type fakeSource struct {
	heavy    []source.Row
	frequent []source.Row
	running  []source.Row
	sessions []source.Row
	memory   []source.Row
	err      error
}

func (f *fakeSource) HeaviestQueries(context.Context) ([]source.Row, error) {
	return f.heavy, f.err
}

func (f *fakeSource) FrequentQueries(context.Context) ([]source.Row, error) {
	return f.frequent, f.err
}

func (f *fakeSource) RunningRequests(context.Context) ([]source.Row, error) {
	return f.running, f.err
}

func (f *fakeSource) Sessions(context.Context) ([]source.Row, error) {
	return f.sessions, f.err
}

func (f *fakeSource) MemoryUsage(context.Context) ([]source.Row, error) {
	return f.memory, f.err
}

func (f *fakeSource) Close() error { return nil }

type fakeArchiver struct {
	calls []string
	err   error
}

func (a *fakeArchiver) Archive(_ context.Context, dataset, snapshot, _ string) error {
	a.calls = append(a.calls, dataset+"/"+snapshot)

	return a.err
}

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func setupStore(t *testing.T) (kvstore.Store, *snapshot.Store) {
	t.Helper()

	kv := kvstore.NewSQLStore(quietLogger(), &config.StoreConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, kv.Start(context.Background()))

	t.Cleanup(func() { _ = kv.Stop() })

	return kv, snapshot.NewStore(quietLogger(), kv, config.RetentionLatest, time.Hour)
}

func statRow(query string, count, cpu int64) source.Row {
	return source.Row{
		"query_text":      query,
		"execution_count": count,
		"cpu_time_total":  cpu,
		"duration_total":  cpu * 2,
	}
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newCollector(
	t *testing.T,
	src source.Source,
	store *snapshot.Store,
	opts ...collector.Option,
) (*collector.Collector, *clock) {
	t.Helper()

	clk := &clock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}

	opts = append([]collector.Option{collector.WithClock(clk.now)}, opts...)

	c := collector.NewCollector(quietLogger(),
		&config.DatasetConfig{Name: "billing", KnownTables: []string{"ledger"}},
		config.ExportConfig{TopN: 2, MaxQueryLength: 200},
		src, store, opts...)

	return c, clk
}

func TestProcessCycle_FirstSnapshot(t *testing.T) {
	ctx := context.Background()
	kv, store := setupStore(t)

	src := &fakeSource{
		frequent: []source.Row{statRow("SELECT * FROM dbo.Invoices", 100, 10)},
		heavy:    []source.Row{statRow("SELECT * FROM dbo.Invoices", 100, 10)},
		running:  []source.Row{{"queries_processing_now": int64(3)}},
		memory: []source.Row{{
			"sqlserver_memory_used_mb": int64(2048),
			"vas_reserved_mb":          []byte("8192"),
			"sampled_at":               time.Now(),
		}},
	}

	c, _ := newCollector(t, src, store)

	res, err := c.ProcessCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, collector.StatusFirstSnapshotStored, res.Status)
	assert.Equal(t, "billing", res.Dataset)
	assert.Equal(t, "2026-03-01T10:00:00Z", res.Snapshot)
	assert.Empty(t, res.Text)

	_, err = kv.Get(ctx, snapshot.ExportKey("billing"))
	require.ErrorIs(t, err, kvstore.ErrNotFound, "no deltas on the first cycle")

	snap, err := store.GetLastSnapshot(ctx, "billing")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 100.0, snap.Frequent["invoices"][querystats.MetricExecutionCount])

	queries, err := kv.Get(ctx, snapshot.ScalarKey("billing", snapshot.QueriesProcessing))
	require.NoError(t, err)
	assert.Contains(t, queries, "db_current_queries 3\n")

	memory, err := kv.Get(ctx, snapshot.ScalarKey("billing", snapshot.MemoryUsage))
	require.NoError(t, err)
	assert.Contains(t, memory, "db_memory_sqlserver_memory_used_mb 2048\n")
	assert.Contains(t, memory, "db_memory_vas_reserved_mb 8192\n")
	assert.NotContains(t, memory, "sampled_at")
}

func TestProcessCycle_ExportsDeltas(t *testing.T) {
	ctx := context.Background()
	kv, store := setupStore(t)

	src := &fakeSource{
		frequent: []source.Row{statRow("SELECT * FROM dbo.Invoices", 100, 10)},
	}

	archiver := &fakeArchiver{}
	c, clk := newCollector(t, src, store, collector.WithArchiver(archiver))

	_, err := c.ProcessCycle(ctx)
	require.NoError(t, err)

	src.frequent = []source.Row{
		statRow("SELECT * FROM dbo.Invoices WHERE id = 1", 90, 10),
		statRow("select total from invoices", 50, 10),
		statRow("INSERT INTO payments (id) VALUES (1)", 25, 10),
	}
	clk.t = clk.t.Add(time.Minute)

	res, err := c.ProcessCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, collector.StatusDeltasExported, res.Status)
	assert.Equal(t, "metrics:billing", res.ExportKey)
	assert.Equal(t, []string{"payments"}, res.NewTables[querystats.KindFrequent])
	assert.Empty(t, res.NewTables[querystats.KindHeavy])

	assert.Contains(t, res.Text,
		`db_frequent_execution_count_delta{table="invoices",is_new_table="False"} 40`+"\n")
	assert.Contains(t, res.Text,
		`db_frequent_execution_count_delta{table="payments",is_new_table="True"} 25`+"\n")

	stored, err := kv.Get(ctx, snapshot.ExportKey("billing"))
	require.NoError(t, err)
	assert.Equal(t, res.Text, stored)

	assert.Equal(t, []string{"billing/2026-03-01T10:01:00Z"}, archiver.calls)

	snap, err := store.GetLastSnapshot(ctx, "billing")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "2026-03-01T10:01:00Z", snap.Snapshot)
	assert.Equal(t, 140.0, snap.Frequent["invoices"][querystats.MetricExecutionCount])
}

func TestProcessCycle_CorruptSnapshotRestartsBaseline(t *testing.T) {
	ctx := context.Background()
	kv, store := setupStore(t)

	require.NoError(t, kv.Set(ctx, snapshot.SnapshotKey("billing"), "{not json", 0))

	c, _ := newCollector(t, &fakeSource{}, store)

	res, err := c.ProcessCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, collector.StatusFirstSnapshotStored, res.Status)
}

func TestProcessCycle_SourceFailureYieldsEmptyExport(t *testing.T) {
	ctx := context.Background()
	_, store := setupStore(t)

	src := &fakeSource{err: errors.New("login failed")}
	c, clk := newCollector(t, src, store)

	_, err := c.ProcessCycle(ctx)
	require.NoError(t, err)

	clk.t = clk.t.Add(time.Minute)

	res, err := c.ProcessCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, collector.StatusDeltasExported, res.Status)
	assert.Empty(t, res.Text)
}

func TestProcessCycle_ArchiveFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	_, store := setupStore(t)

	archiver := &fakeArchiver{err: errors.New("bucket missing")}
	c, clk := newCollector(t, &fakeSource{}, store, collector.WithArchiver(archiver))

	_, err := c.ProcessCycle(ctx)
	require.NoError(t, err)

	clk.t = clk.t.Add(time.Minute)

	res, err := c.ProcessCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, collector.StatusDeltasExported, res.Status)
	assert.Len(t, archiver.calls, 1)
}

// brokenKV accepts reads but rejects writes.
type brokenKV struct{ kvstore.Store }

func (brokenKV) Get(context.Context, string) (string, error) {
	return "", kvstore.ErrNotFound
}

func (brokenKV) Set(context.Context, string, string, time.Duration) error {
	return errors.New("read-only replica")
}

func TestProcessCycle_StoreFailure(t *testing.T) {
	store := snapshot.NewStore(quietLogger(), brokenKV{}, config.RetentionLatest, time.Hour)
	c, _ := newCollector(t, &fakeSource{}, store)

	_, err := c.ProcessCycle(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only replica")
}

func TestProcessCycle_DuplicateMemorySeriesSkipped(t *testing.T) {
	ctx := context.Background()
	kv, store := setupStore(t)

	src := &fakeSource{
		frequent: []source.Row{statRow("SELECT * FROM dbo.Invoices", 100, 10)},
		memory: []source.Row{{
			"used mb": int64(1),
			"used_mb": int64(2),
			"free-mb": int64(3),
		}},
	}

	c, clk := newCollector(t, src, store)

	_, err := c.ProcessCycle(ctx)
	require.NoError(t, err)

	src.frequent = []source.Row{statRow("SELECT * FROM dbo.Invoices", 110, 10)}
	clk.t = clk.t.Add(time.Minute)

	res, err := c.ProcessCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, collector.StatusDeltasExported, res.Status)
	assert.Contains(t, res.Text,
		`db_frequent_execution_count_delta{table="invoices",is_new_table="False"} 10`+"\n")

	memory, err := kv.Get(ctx, snapshot.ScalarKey("billing", snapshot.MemoryUsage))
	require.NoError(t, err)
	assert.Contains(t, memory, "db_memory_used_mb 1\n", "first column in name order wins")
	assert.Contains(t, memory, "db_memory_free_mb 3\n")
}

func TestProcessCycle_Location(t *testing.T) {
	_, store := setupStore(t)

	loc := time.FixedZone("BRT", -3*60*60)
	c, _ := newCollector(t, &fakeSource{}, store, collector.WithLocation(loc))

	res, err := c.ProcessCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T07:00:00-03:00", res.Snapshot)
}

func TestTopByCPU(t *testing.T) {
	row := func(q string, cpu int64) querystats.NormalizedRow {
		return querystats.NormalizedRow{
			RawStatRow:      querystats.RawStatRow{CPUTimeTotal: cpu},
			QueryNormalized: q,
		}
	}

	rows := []querystats.NormalizedRow{row("a", 5), row("b", 50), row("c", 5), row("d", 20)}

	top := collector.TopByCPU(rows, 3)
	require.Len(t, top, 3)
	assert.Equal(t, "b", top[0].QueryNormalized)
	assert.Equal(t, "d", top[1].QueryNormalized)
	assert.Equal(t, "a", top[2].QueryNormalized, "ties keep source order")
	assert.Equal(t, "a", rows[0].QueryNormalized, "input is not reordered")

	assert.Len(t, collector.TopByCPU(rows, 0), 4)
}
