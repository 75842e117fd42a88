package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/querydelta/pkg/config"
)

// ErrNotFound is returned by Get when a key is absent or expired.
var ErrNotFound = errors.New("key not found")

// Store is a string key-value store with expiring values and append-only
// lists. Values are written whole; readers never observe partial writes.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// Get returns the value at key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key. A zero ttl means the value never expires.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Append adds value to the end of the list at key.
	Append(ctx context.Context, key, value string) error

	// List returns the list at key in insertion order. A missing list is
	// empty.
	List(ctx context.Context, key string) ([]string, error)

	// Purge removes expired values from backends without native expiry and
	// returns how many were removed.
	Purge(ctx context.Context) (int64, error)
}

// NewStore creates the Store for the configured driver. The store must be
// started before use.
func NewStore(log logrus.FieldLogger, cfg *config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "redis":
		return NewRedisStore(log, &cfg.Redis), nil
	case "sqlite", "postgres":
		return NewSQLStore(log, cfg), nil
	case "pebble":
		return NewPebbleStore(log, &cfg.Pebble), nil
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", cfg.Driver)
	}
}

// expiry converts a ttl to an absolute deadline in unix nanoseconds, zero
// meaning no expiry.
func expiry(now time.Time, ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}

	return now.Add(ttl).UnixNano()
}

func expired(deadline int64, now time.Time) bool {
	return deadline != 0 && deadline <= now.UnixNano()
}
