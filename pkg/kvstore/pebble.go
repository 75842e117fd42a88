package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/querydelta/pkg/config"
)

// Key namespaces inside the pebble keyspace.
const (
	entryPrefix = "e\x00"
	listPrefix  = "l\x00"
	seqPrefix   = "s\x00"
)

// Compile-time interface check.
var _ Store = (*pebbleStore)(nil)

type pebbleStore struct {
	log logrus.FieldLogger
	cfg *config.PebbleConfig
	fs  vfs.FS
	db  *pebble.DB
	now func() time.Time

	// appendMu serializes list sequence allocation.
	appendMu sync.Mutex
}

// NewPebbleStore creates a Store backed by an embedded pebble database at
// cfg.Path. Values carry an 8-byte deadline prefix; expired values are
// hidden from reads and removed by Purge.
func NewPebbleStore(log logrus.FieldLogger, cfg *config.PebbleConfig) Store {
	return newPebbleStore(log, cfg, nil)
}

func newPebbleStore(
	log logrus.FieldLogger, cfg *config.PebbleConfig, fs vfs.FS,
) *pebbleStore {
	return &pebbleStore{
		log: log.WithField("component", "kvstore-pebble"),
		cfg: cfg,
		fs:  fs,
		now: time.Now,
	}
}

// Start opens the database.
func (s *pebbleStore) Start(_ context.Context) error {
	opts := &pebble.Options{}
	if s.fs != nil {
		opts.FS = s.fs
	}

	db, err := pebble.Open(s.cfg.Path, opts)
	if err != nil {
		return fmt.Errorf("opening pebble at %s: %w", s.cfg.Path, err)
	}

	s.db = db

	s.log.WithField("path", s.cfg.Path).Info("Pebble store opened")

	return nil
}

// Stop closes the database.
func (s *pebbleStore) Stop() error {
	if s.db == nil {
		return nil
	}

	return s.db.Close()
}

func (s *pebbleStore) Get(_ context.Context, key string) (string, error) {
	raw, closer, err := s.db.Get([]byte(entryPrefix + key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("getting %s: %w", key, err)
	}
	defer func() { _ = closer.Close() }()

	deadline, value, err := decodeEntry(raw)
	if err != nil {
		return "", fmt.Errorf("decoding %s: %w", key, err)
	}

	if expired(deadline, s.now()) {
		return "", ErrNotFound
	}

	return value, nil
}

func (s *pebbleStore) Set(
	_ context.Context, key, value string, ttl time.Duration,
) error {
	if err := s.db.Set(
		[]byte(entryPrefix+key),
		encodeEntry(expiry(s.now(), ttl), value),
		pebble.Sync,
	); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}

	return nil
}

// Append writes the item and the advanced sequence counter in one batch.
func (s *pebbleStore) Append(_ context.Context, key, value string) error {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	seqKey := []byte(seqPrefix + key)

	var seq uint64

	raw, closer, err := s.db.Get(seqKey)

	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return fmt.Errorf("reading sequence for %s: %w", key, err)
	default:
		if len(raw) == 8 {
			seq = binary.BigEndian.Uint64(raw)
		}

		_ = closer.Close()
	}

	seq++

	b := s.db.NewBatch()
	defer func() { _ = b.Close() }()

	if err := b.Set(listItemKey(key, seq), []byte(value), nil); err != nil {
		return fmt.Errorf("appending to %s: %w", key, err)
	}

	if err := b.Set(seqKey, binary.BigEndian.AppendUint64(nil, seq), nil); err != nil {
		return fmt.Errorf("advancing sequence for %s: %w", key, err)
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("appending to %s: %w", key, err)
	}

	return nil
}

func (s *pebbleStore) List(_ context.Context, key string) ([]string, error) {
	lower := []byte(listPrefix + key + "\x00")
	upper := []byte(listPrefix + key + "\x01")

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", key, err)
	}
	defer func() { _ = iter.Close() }()

	var items []string
	for iter.First(); iter.Valid(); iter.Next() {
		items = append(items, string(iter.Value()))
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("listing %s: %w", key, err)
	}

	return items, nil
}

// Purge deletes entries whose deadline has passed.
func (s *pebbleStore) Purge(_ context.Context) (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(entryPrefix),
		UpperBound: []byte("e\x01"),
	})
	if err != nil {
		return 0, fmt.Errorf("scanning entries: %w", err)
	}

	now := s.now()
	b := s.db.NewBatch()

	defer func() { _ = b.Close() }()

	var removed int64

	for iter.First(); iter.Valid(); iter.Next() {
		deadline, _, err := decodeEntry(iter.Value())
		if err != nil || !expired(deadline, now) {
			continue
		}

		if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			_ = iter.Close()

			return 0, fmt.Errorf("deleting expired entry: %w", err)
		}

		removed++
	}

	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("scanning entries: %w", err)
	}

	if removed == 0 {
		return 0, nil
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("purging expired entries: %w", err)
	}

	return removed, nil
}

func listItemKey(key string, seq uint64) []byte {
	k := make([]byte, 0, len(listPrefix)+len(key)+9)
	k = append(k, listPrefix...)
	k = append(k, key...)
	k = append(k, 0)

	return binary.BigEndian.AppendUint64(k, seq)
}

func encodeEntry(deadline int64, value string) []byte {
	buf := make([]byte, 8, 8+len(value))
	binary.BigEndian.PutUint64(buf, uint64(deadline))

	return append(buf, value...)
}

func decodeEntry(raw []byte) (int64, string, error) {
	if len(raw) < 8 {
		return 0, "", fmt.Errorf("entry too short: %d bytes", len(raw))
	}

	return int64(binary.BigEndian.Uint64(raw[:8])), string(raw[8:]), nil
}
