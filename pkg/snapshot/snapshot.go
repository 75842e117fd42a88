package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/querydelta/pkg/config"
	"github.com/ethpandaops/querydelta/pkg/kvstore"
	"github.com/ethpandaops/querydelta/pkg/querystats"
)

// Snapshot is the persisted aggregate state of one cycle.
type Snapshot struct {
	Heavy    querystats.Aggregate `json:"heavy"`
	Frequent querystats.Aggregate `json:"frequent"`
	Snapshot string               `json:"snapshot"`
}

// Key helpers. Every key is scoped by dataset.

// ExportKey is where the latest delta export of a dataset lives.
func ExportKey(dataset string) string { return "metrics:" + dataset }

// HistoryKey is where one timestamped delta export lives in history mode.
func HistoryKey(dataset, snapshot string) string {
	return "metrics:" + dataset + ":" + snapshot
}

// IndexKey is the ordered list of history keys of a dataset.
func IndexKey(dataset string) string { return "metrics:index:" + dataset }

// SnapshotKey is where the last aggregate snapshot of a dataset lives.
func SnapshotKey(dataset string) string { return dataset + "_snapshot_data" }

// ScalarKey is where a scalar or ranked export of a dataset lives.
func ScalarKey(dataset, name string) string {
	return "metrics:" + dataset + ":" + name
}

// Names of the auxiliary exports kept alongside the delta export.
const (
	QueriesProcessing = "queries_processing"
	MemoryUsage       = "memory_usage"
	TopQueries        = "top_queries"
	Users             = "users"
)

// AuxiliaryExports are served in this order after the delta export.
var AuxiliaryExports = []string{QueriesProcessing, MemoryUsage, TopQueries, Users}

// Store persists snapshots and rendered texts on a kvstore.Store.
type Store struct {
	log       logrus.FieldLogger
	kv        kvstore.Store
	retention string
	exportTTL time.Duration
}

// NewStore creates a snapshot store. retention is config.RetentionLatest or
// config.RetentionHistory.
func NewStore(
	log logrus.FieldLogger,
	kv kvstore.Store,
	retention string,
	exportTTL time.Duration,
) *Store {
	if retention == "" {
		retention = config.DefaultRetention
	}

	return &Store{
		log:       log.WithField("component", "snapshot"),
		kv:        kv,
		retention: retention,
		exportTTL: exportTTL,
	}
}

// Retention returns the active retention strategy.
func (s *Store) Retention() string {
	return s.retention
}

// GetLastSnapshot returns the previous snapshot of dataset, or nil when none
// is stored. A corrupt or partial value is reported as absent so the caller
// starts over as on a first cycle.
func (s *Store) GetLastSnapshot(ctx context.Context, dataset string) (*Snapshot, error) {
	raw, err := s.kv.Get(ctx, SnapshotKey(dataset))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("reading snapshot of %s: %w", dataset, err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		s.log.WithError(err).
			WithField("dataset", dataset).
			Warn("Discarding unreadable snapshot")

		return nil, nil
	}

	if snap.Heavy == nil || snap.Frequent == nil {
		s.log.WithField("dataset", dataset).
			Warn("Discarding partial snapshot")

		return nil, nil
	}

	return &snap, nil
}

// PutSnapshot stores snap as the latest snapshot of dataset. It never
// expires.
func (s *Store) PutSnapshot(ctx context.Context, dataset string, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	if err := s.kv.Set(ctx, SnapshotKey(dataset), string(raw), 0); err != nil {
		return fmt.Errorf("writing snapshot of %s: %w", dataset, err)
	}

	return nil
}

// PutText stores rendered text at key.
func (s *Store) PutText(ctx context.Context, key, text string, ttl time.Duration) error {
	if err := s.kv.Set(ctx, key, text, ttl); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}

	return nil
}

// AppendIndex appends key to the ordered index list at indexKey.
func (s *Store) AppendIndex(ctx context.Context, indexKey, key string) error {
	if err := s.kv.Append(ctx, indexKey, key); err != nil {
		return fmt.Errorf("appending to index %s: %w", indexKey, err)
	}

	return nil
}

// ListIndex returns the index list at indexKey in insertion order.
func (s *Store) ListIndex(ctx context.Context, indexKey string) ([]string, error) {
	keys, err := s.kv.List(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("reading index %s: %w", indexKey, err)
	}

	return keys, nil
}

// PutExport persists a delta export of dataset according to the retention
// strategy and returns the key it was written to.
func (s *Store) PutExport(ctx context.Context, dataset, snapshot, text string) (string, error) {
	if s.retention != config.RetentionHistory {
		key := ExportKey(dataset)

		return key, s.PutText(ctx, key, text, s.exportTTL)
	}

	key := HistoryKey(dataset, snapshot)

	if err := s.PutText(ctx, key, text, s.exportTTL); err != nil {
		return "", err
	}

	// Two cycles within the same second share a key; index it once.
	keys, err := s.ListIndex(ctx, IndexKey(dataset))
	if err != nil {
		return "", err
	}

	if len(keys) > 0 && keys[len(keys)-1] == key {
		return key, nil
	}

	if err := s.AppendIndex(ctx, IndexKey(dataset), key); err != nil {
		return "", err
	}

	return key, nil
}

// FetchText returns the exposition text of dataset for serving: the newest
// live delta export followed by the auxiliary exports. Read failures are
// logged and yield whatever text could be read.
func (s *Store) FetchText(ctx context.Context, dataset string) string {
	var sb strings.Builder

	sb.WriteString(s.latestExport(ctx, dataset))

	for _, name := range AuxiliaryExports {
		sb.WriteString(s.get(ctx, ScalarKey(dataset, name)))
	}

	return sb.String()
}

// History returns every live history record of dataset, oldest first, each
// key at most once. In latest mode it holds at most the one current export.
func (s *Store) History(ctx context.Context, dataset string) ([]string, error) {
	if s.retention != config.RetentionHistory {
		if text := s.get(ctx, ExportKey(dataset)); text != "" {
			return []string{text}, nil
		}

		return nil, nil
	}

	keys, err := s.ListIndex(ctx, IndexKey(dataset))
	if err != nil {
		return nil, err
	}

	records := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))

	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}

		seen[key] = struct{}{}

		// Expired entries stay in the index; skip them.
		if text := s.get(ctx, key); text != "" {
			records = append(records, text)
		}
	}

	return records, nil
}

func (s *Store) latestExport(ctx context.Context, dataset string) string {
	if s.retention != config.RetentionHistory {
		return s.get(ctx, ExportKey(dataset))
	}

	keys, err := s.ListIndex(ctx, IndexKey(dataset))
	if err != nil {
		s.log.WithError(err).
			WithField("dataset", dataset).
			Warn("Failed to read export index")

		return ""
	}

	for i := len(keys) - 1; i >= 0; i-- {
		if text := s.get(ctx, keys[i]); text != "" {
			return text
		}
	}

	return ""
}

// get reads key for serving, treating every failure as empty text.
func (s *Store) get(ctx context.Context, key string) string {
	v, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			s.log.WithError(err).
				WithField("key", key).
				Warn("Failed to read export")
		}

		return ""
	}

	return v
}
