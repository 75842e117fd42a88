package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/querydelta/pkg/config"
)

// Compile-time interface check.
var _ Store = (*redisStore)(nil)

type redisStore struct {
	log    logrus.FieldLogger
	cfg    *config.RedisConfig
	client *redis.Client
}

// NewRedisStore creates a Store backed by Redis. Expiry is native.
func NewRedisStore(log logrus.FieldLogger, cfg *config.RedisConfig) Store {
	return &redisStore{
		log: log.WithField("component", "kvstore-redis"),
		cfg: cfg,
	}
}

// Start connects and verifies the server is reachable.
func (s *redisStore) Start(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{
		Addr:     s.cfg.Addr,
		Username: s.cfg.Username,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})

	if err := s.client.Ping(ctx).Err(); err != nil {
		_ = s.client.Close()
		s.client = nil

		return fmt.Errorf("pinging redis at %s: %w", s.cfg.Addr, err)
	}

	s.log.WithField("addr", s.cfg.Addr).Info("Redis store connected")

	return nil
}

// Stop closes the client.
func (s *redisStore) Stop() error {
	if s.client == nil {
		return nil
	}

	return s.client.Close()
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("getting %s: %w", key, err)
	}

	return v, nil
}

func (s *redisStore) Set(
	ctx context.Context, key, value string, ttl time.Duration,
) error {
	if ttl < 0 {
		ttl = 0
	}

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}

	return nil
}

func (s *redisStore) Append(ctx context.Context, key, value string) error {
	if err := s.client.RPush(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("appending to %s: %w", key, err)
	}

	return nil
}

func (s *redisStore) List(ctx context.Context, key string) ([]string, error) {
	items, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", key, err)
	}

	return items, nil
}

// Purge is a no-op; Redis expires keys itself.
func (s *redisStore) Purge(context.Context) (int64, error) {
	return 0, nil
}
