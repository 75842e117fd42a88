package kvstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/ethpandaops/querydelta/pkg/config"
)

// Compile-time interface check.
var _ Store = (*sqlStore)(nil)

type sqlStore struct {
	log logrus.FieldLogger
	cfg *config.StoreConfig
	db  *gorm.DB
	now func() time.Time
}

// NewSQLStore creates a Store backed by sqlite or postgres through gorm.
// Expired rows are hidden from reads and removed by Purge.
func NewSQLStore(log logrus.FieldLogger, cfg *config.StoreConfig) Store {
	return &sqlStore{
		log: log.WithField("component", "kvstore-sql"),
		cfg: cfg,
		now: time.Now,
	}
}

// Start opens the database connection and runs migrations.
func (s *sqlStore) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening store database: %w", err)
	}

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// A single connection keeps :memory: databases shared and avoids
		// SQLITE_BUSY between writers.
		sqlDB.SetMaxOpenConns(1)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&Entry{},
		&ListItem{},
	); err != nil {
		return fmt.Errorf("running store migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).
		Info("Store database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *sqlStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *sqlStore) Get(ctx context.Context, key string) (string, error) {
	var e Entry

	err := s.db.WithContext(ctx).
		Where("entry_key = ? AND (expires_at = 0 OR expires_at > ?)",
			key, s.now().UnixNano()).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}

	if err != nil {
		return "", fmt.Errorf("getting %s: %w", key, err)
	}

	return e.Value, nil
}

// Set upserts the entry keyed by key.
func (s *sqlStore) Set(
	ctx context.Context, key, value string, ttl time.Duration,
) error {
	e := &Entry{
		Key:       key,
		Value:     value,
		ExpiresAt: expiry(s.now(), ttl),
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "entry_key"}},
			DoUpdates: clause.AssignmentColumns(
				[]string{"value", "expires_at", "updated_at"},
			),
		}).
		Create(e).Error; err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}

	return nil
}

func (s *sqlStore) Append(ctx context.Context, key, value string) error {
	if err := s.db.WithContext(ctx).
		Create(&ListItem{ListKey: key, Value: value}).Error; err != nil {
		return fmt.Errorf("appending to %s: %w", key, err)
	}

	return nil
}

func (s *sqlStore) List(ctx context.Context, key string) ([]string, error) {
	var values []string
	if err := s.db.WithContext(ctx).
		Model(&ListItem{}).
		Where("list_key = ?", key).
		Order("id ASC").
		Pluck("value", &values).Error; err != nil {
		return nil, fmt.Errorf("listing %s: %w", key, err)
	}

	return values, nil
}

// Purge deletes entries whose deadline has passed.
func (s *sqlStore) Purge(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at > 0 AND expires_at <= ?", s.now().UnixNano()).
		Delete(&Entry{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging expired entries: %w", result.Error)
	}

	return result.RowsAffected, nil
}
