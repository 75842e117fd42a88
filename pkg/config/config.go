package config

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment variable override,
	// e.g. QUERYDELTA_GLOBAL_LOG_LEVEL.
	EnvPrefix = "QUERYDELTA"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultTimezone is the zone snapshot timestamps are rendered in.
	DefaultTimezone = "UTC"

	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":9399"

	// DefaultInterval is the default collection interval.
	DefaultInterval = "1m"

	// DefaultConcurrency is the number of datasets collected in parallel.
	DefaultConcurrency = 4

	// DefaultStoreDriver is the default key-value backend.
	DefaultStoreDriver = "redis"

	// DefaultRedisAddr is the default Redis address.
	DefaultRedisAddr = "localhost:6379"

	// DefaultRetention keeps only the latest export per dataset.
	DefaultRetention = RetentionLatest

	// DefaultPurgeInterval is how often expired entries are removed from
	// backends without native expiry.
	DefaultPurgeInterval = "15m"

	// DefaultExportTTL is how long a delta export is kept.
	DefaultExportTTL = "24h"

	// DefaultScalarsTTL is how long scalar exports are kept.
	DefaultScalarsTTL = "20m"

	// DefaultRankedTTL is how long ranked exports are kept.
	DefaultRankedTTL = "1h"

	// DefaultTopN is the number of ranked statements exported.
	DefaultTopN = 10

	// DefaultMaxQueryLength truncates query text used as a label value.
	DefaultMaxQueryLength = 200

	// DefaultSourceTop is the row limit applied to per-statement queries.
	DefaultSourceTop = 50

	// DefaultQueryTimeout bounds each source query.
	DefaultQueryTimeout = "30s"

	// DefaultArchivePrefix is the S3 key prefix for archived exports.
	DefaultArchivePrefix = "querydelta/exports"
)

// Retention strategies. Exactly one applies per deployment.
const (
	RetentionLatest  = "latest"
	RetentionHistory = "history"
)

// Config is the root configuration for querydelta.
type Config struct {
	Global    GlobalConfig    `yaml:"global" mapstructure:"global"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Export    ExportConfig    `yaml:"export" mapstructure:"export"`
	Archive   ArchiveConfig   `yaml:"archive,omitempty" mapstructure:"archive"`
	SelfStats SelfStatsConfig `yaml:"self_stats" mapstructure:"self_stats"`
	Datasets  []DatasetConfig `yaml:"datasets" mapstructure:"datasets"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// SchedulerConfig controls the collection loop.
type SchedulerConfig struct {
	Interval      string `yaml:"interval" mapstructure:"interval"`
	Concurrency   int    `yaml:"concurrency" mapstructure:"concurrency"`
	AlignToMinute bool   `yaml:"align_to_minute" mapstructure:"align_to_minute"`
}

// ExportConfig controls rendering and retention of exposition text.
type ExportConfig struct {
	SnapshotLabel  bool      `yaml:"snapshot_label" mapstructure:"snapshot_label"`
	TTL            TTLConfig `yaml:"ttl" mapstructure:"ttl"`
	TopN           int       `yaml:"top_n" mapstructure:"top_n"`
	MaxQueryLength int       `yaml:"max_query_length" mapstructure:"max_query_length"`
}

// TTLConfig holds expiry durations for each kind of persisted text.
type TTLConfig struct {
	Export  string `yaml:"export" mapstructure:"export"`
	Scalars string `yaml:"scalars" mapstructure:"scalars"`
	Ranked  string `yaml:"ranked" mapstructure:"ranked"`
}

// ArchiveConfig configures optional copies of each export to object storage.
type ArchiveConfig struct {
	S3 *S3ArchiveConfig `yaml:"s3,omitempty" mapstructure:"s3"`
}

// S3ArchiveConfig contains S3 settings for export archival.
type S3ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
}

// SelfStatsConfig toggles the exporter's own process gauges.
type SelfStatsConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// DatasetConfig identifies one monitored database.
type DatasetConfig struct {
	Name        string       `yaml:"name" mapstructure:"name"`
	KnownTables []string     `yaml:"known_tables,omitempty" mapstructure:"known_tables"`
	Source      SourceConfig `yaml:"source" mapstructure:"source"`
}

// SourceConfig describes how to reach a dataset's statistics views.
type SourceConfig struct {
	Driver       string            `yaml:"driver" mapstructure:"driver"`
	Host         string            `yaml:"host,omitempty" mapstructure:"host"`
	Port         int               `yaml:"port,omitempty" mapstructure:"port"`
	User         string            `yaml:"user,omitempty" mapstructure:"user"`
	Password     string            `yaml:"password,omitempty" mapstructure:"password"`
	Database     string            `yaml:"database,omitempty" mapstructure:"database"`
	DSN          string            `yaml:"dsn,omitempty" mapstructure:"dsn"`
	Params       map[string]string `yaml:"params,omitempty" mapstructure:"params"`
	Top          int               `yaml:"top" mapstructure:"top"`
	QueryTimeout string            `yaml:"query_timeout" mapstructure:"query_timeout"`
}

// Load reads one or more configuration files, merged in order, and applies
// environment overrides and defaults.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no config file given")
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, p := range paths {
		v.SetConfigFile(p)

		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", p, err)
		}
	}

	if err := bindEnvs(v, reflect.TypeOf(Config{}), ""); err != nil {
		return nil, fmt.Errorf("binding env overrides: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// bindEnvs registers every scalar leaf of t with viper so env overrides
// apply even when the key is absent from all config files.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) error {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)

		tag := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}

		switch ft.Kind() {
		case reflect.Struct:
			if err := bindEnvs(v, ft, key); err != nil {
				return err
			}
		case reflect.Map:
			// Maps and datasets are file-only.
		case reflect.Slice:
			if ft.Elem().Kind() == reflect.String {
				if err := v.BindEnv(key); err != nil {
					return err
				}
			}
		default:
			if err := v.BindEnv(key); err != nil {
				return err
			}
		}
	}

	return nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.Timezone == "" {
		c.Global.Timezone = DefaultTimezone
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Scheduler.Interval == "" {
		c.Scheduler.Interval = DefaultInterval
	}

	if c.Scheduler.Concurrency <= 0 {
		c.Scheduler.Concurrency = DefaultConcurrency
	}

	c.Store.applyDefaults()

	if c.Export.TTL.Export == "" {
		c.Export.TTL.Export = DefaultExportTTL
	}

	if c.Export.TTL.Scalars == "" {
		c.Export.TTL.Scalars = DefaultScalarsTTL
	}

	if c.Export.TTL.Ranked == "" {
		c.Export.TTL.Ranked = DefaultRankedTTL
	}

	if c.Export.TopN == 0 {
		c.Export.TopN = DefaultTopN
	}

	if c.Export.MaxQueryLength == 0 {
		c.Export.MaxQueryLength = DefaultMaxQueryLength
	}

	if c.Archive.S3 != nil && c.Archive.S3.Prefix == "" {
		c.Archive.S3.Prefix = DefaultArchivePrefix
	}

	for i := range c.Datasets {
		src := &c.Datasets[i].Source

		if src.Top <= 0 {
			src.Top = DefaultSourceTop
		}

		if src.QueryTimeout == "" {
			src.QueryTimeout = DefaultQueryTimeout
		}
	}
}

// datasetNameRe restricts dataset names to characters safe in store keys and
// URL paths.
var datasetNameRe = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// validSourceDrivers is the list of supported source dialects.
var validSourceDrivers = map[string]struct{}{
	"sqlserver": {},
	"mysql":     {},
	"postgres":  {},
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Global.Timezone); err != nil {
		return fmt.Errorf("global.timezone: %w", err)
	}

	if err := validateDuration("scheduler.interval", c.Scheduler.Interval); err != nil {
		return err
	}

	if err := c.Server.Validate(); err != nil {
		return err
	}

	if err := c.Store.Validate(); err != nil {
		return err
	}

	for name, d := range map[string]string{
		"export.ttl.export":  c.Export.TTL.Export,
		"export.ttl.scalars": c.Export.TTL.Scalars,
		"export.ttl.ranked":  c.Export.TTL.Ranked,
	} {
		if err := validateDuration(name, d); err != nil {
			return err
		}
	}

	if c.Archive.S3 != nil && c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive.s3.bucket is required when archive is enabled")
	}

	if len(c.Datasets) == 0 {
		return fmt.Errorf("at least one dataset must be configured")
	}

	seen := make(map[string]struct{}, len(c.Datasets))

	for i, ds := range c.Datasets {
		if ds.Name == "" {
			return fmt.Errorf("dataset %d: name is required", i)
		}

		if !datasetNameRe.MatchString(ds.Name) {
			return fmt.Errorf("dataset %q: name may only contain letters, digits, '_' and '-'", ds.Name)
		}

		if _, exists := seen[ds.Name]; exists {
			return fmt.Errorf("dataset %d: duplicate name %q", i, ds.Name)
		}

		seen[ds.Name] = struct{}{}

		if err := ds.Source.Validate(); err != nil {
			return fmt.Errorf("dataset %q: %w", ds.Name, err)
		}
	}

	return nil
}

// Validate checks a source definition.
func (s *SourceConfig) Validate() error {
	if _, ok := validSourceDrivers[s.Driver]; !ok {
		return fmt.Errorf("unknown source driver %q", s.Driver)
	}

	if s.DSN == "" && s.Host == "" {
		return fmt.Errorf("source host or dsn is required")
	}

	return validateDuration("source.query_timeout", s.QueryTimeout)
}

// Location returns the configured time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Global.Timezone)
	if err != nil {
		return time.UTC
	}

	return loc
}

// IntervalDuration returns the parsed collection interval.
func (s *SchedulerConfig) IntervalDuration() time.Duration {
	return mustDuration(s.Interval, DefaultInterval)
}

// ExportDuration returns the parsed export TTL.
func (t *TTLConfig) ExportDuration() time.Duration {
	return mustDuration(t.Export, DefaultExportTTL)
}

// ScalarsDuration returns the parsed scalar TTL.
func (t *TTLConfig) ScalarsDuration() time.Duration {
	return mustDuration(t.Scalars, DefaultScalarsTTL)
}

// RankedDuration returns the parsed ranked TTL.
func (t *TTLConfig) RankedDuration() time.Duration {
	return mustDuration(t.Ranked, DefaultRankedTTL)
}

// QueryTimeoutDuration returns the parsed per-query timeout.
func (s *SourceConfig) QueryTimeoutDuration() time.Duration {
	return mustDuration(s.QueryTimeout, DefaultQueryTimeout)
}

// Dataset returns the dataset with the given name, or nil.
func (c *Config) Dataset(name string) *DatasetConfig {
	for i := range c.Datasets {
		if c.Datasets[i].Name == name {
			return &c.Datasets[i]
		}
	}

	return nil
}

func validateDuration(name, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}

	return nil
}

// mustDuration parses value, falling back to def. Values are checked by
// Validate before use.
func mustDuration(value, def string) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}

	d, _ := time.ParseDuration(def)

	return d
}
