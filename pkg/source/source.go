package source

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/microsoft/go-mssqldb"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/querydelta/pkg/config"
)

// Row is one result row keyed by column name.
type Row = map[string]any

// Source reads raw statement statistics from a monitored database. Every
// method returns the rows of one statistics view; callers treat errors as
// "no rows".
type Source interface {
	HeaviestQueries(ctx context.Context) ([]Row, error)
	FrequentQueries(ctx context.Context) ([]Row, error)
	RunningRequests(ctx context.Context) ([]Row, error)
	Sessions(ctx context.Context) ([]Row, error)
	MemoryUsage(ctx context.Context) ([]Row, error)
	Close() error
}

// Compile-time interface check.
var _ Source = (*sqlSource)(nil)

type sqlSource struct {
	log      logrus.FieldLogger
	db       *sqlx.DB
	dialect  *dialect
	database string
	top      int
	timeout  time.Duration
}

// NewSQLSource opens a connection pool for cfg. The connection is
// established lazily on first query.
func NewSQLSource(log logrus.FieldLogger, cfg *config.SourceConfig) (Source, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported source driver: %s", cfg.Driver)
	}

	dsn, err := BuildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s source: %w", cfg.Driver, err)
	}

	db.SetMaxOpenConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return NewSQLSourceFromDB(log, db, cfg)
}

// NewSQLSourceFromDB wraps an existing pool. The pool's driver name selects
// the bind style.
func NewSQLSourceFromDB(
	log logrus.FieldLogger,
	db *sqlx.DB,
	cfg *config.SourceConfig,
) (Source, error) {
	d, ok := dialects[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported source driver: %s", cfg.Driver)
	}

	top := cfg.Top
	if top <= 0 {
		top = config.DefaultSourceTop
	}

	return &sqlSource{
		log: log.WithFields(logrus.Fields{
			"component": "source",
			"driver":    cfg.Driver,
		}),
		db:       db,
		dialect:  d,
		database: cfg.Database,
		top:      top,
		timeout:  cfg.QueryTimeoutDuration(),
	}, nil
}

func (s *sqlSource) HeaviestQueries(ctx context.Context) ([]Row, error) {
	return s.query(ctx, "heavy", s.dialect.heavy, s.dialect.statsArgs(s.database, s.top)...)
}

func (s *sqlSource) FrequentQueries(ctx context.Context) ([]Row, error) {
	return s.query(ctx, "frequent", s.dialect.frequent, s.dialect.statsArgs(s.database, s.top)...)
}

func (s *sqlSource) RunningRequests(ctx context.Context) ([]Row, error) {
	return s.query(ctx, "running", s.dialect.running, s.dbArgs()...)
}

func (s *sqlSource) Sessions(ctx context.Context) ([]Row, error) {
	return s.query(ctx, "sessions", s.dialect.sessions, s.dbArgs()...)
}

func (s *sqlSource) MemoryUsage(ctx context.Context) ([]Row, error) {
	return s.query(ctx, "memory", s.dialect.memory)
}

// Close closes the connection pool.
func (s *sqlSource) Close() error {
	return s.db.Close()
}

func (s *sqlSource) dbArgs() []any {
	if s.dialect.dbArgs == nil {
		return nil
	}

	return s.dialect.dbArgs(s.database)
}

// query runs q under the per-query timeout and scans every row into a map.
// Byte slices are converted to strings.
func (s *sqlSource) query(
	ctx context.Context, name, q string, args ...any,
) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()

	rows, err := s.db.QueryxContext(ctx, s.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("running %s query: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row

	for rows.Next() {
		row := make(Row, 8)
		if err := rows.MapScan(row); err != nil {
			return nil, fmt.Errorf("scanning %s row: %w", name, err)
		}

		for k, v := range row {
			if b, ok := v.([]byte); ok {
				row[k] = string(b)
			}
		}

		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading %s rows: %w", name, err)
	}

	s.log.WithFields(logrus.Fields{
		"query":    name,
		"rows":     len(out),
		"duration": time.Since(start).Round(time.Millisecond),
	}).Debug("Source query completed")

	return out, nil
}

// BuildDSN returns cfg.DSN if set, otherwise a driver-specific connection
// string assembled from the discrete fields.
func BuildDSN(cfg *config.SourceConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	d, ok := dialects[cfg.Driver]
	if !ok {
		return "", fmt.Errorf("unsupported source driver: %s", cfg.Driver)
	}

	port := cfg.Port
	if port == 0 {
		port = d.defaultPort
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	switch cfg.Driver {
	case "sqlserver":
		q := url.Values{}
		if cfg.Database != "" {
			q.Set("database", cfg.Database)
		}

		for k, v := range cfg.Params {
			q.Set(k, v)
		}

		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     addr,
			RawQuery: q.Encode(),
		}

		return u.String(), nil
	case "mysql":
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = addr
		mc.DBName = cfg.Database

		if len(cfg.Params) > 0 {
			mc.Params = make(map[string]string, len(cfg.Params))
			for k, v := range cfg.Params {
				mc.Params[k] = v
			}
		}

		return mc.FormatDSN(), nil
	default:
		parts := []string{
			"host=" + cfg.Host,
			"port=" + strconv.Itoa(port),
			"user=" + quoteLibPQ(cfg.User),
			"password=" + quoteLibPQ(cfg.Password),
			"dbname=" + quoteLibPQ(cfg.Database),
		}

		keys := make([]string, 0, len(cfg.Params))
		for k := range cfg.Params {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		for _, k := range keys {
			parts = append(parts, k+"="+quoteLibPQ(cfg.Params[k]))
		}

		return strings.Join(parts, " "), nil
	}
}

// quoteLibPQ quotes a keyword/value connection string value when needed.
func quoteLibPQ(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}

	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)

	return "'" + v + "'"
}
