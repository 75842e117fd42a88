package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/querydelta/pkg/config"
	"github.com/ethpandaops/querydelta/pkg/kvstore"
	"github.com/ethpandaops/querydelta/pkg/scheduler"
	"github.com/ethpandaops/querydelta/pkg/snapshot"
)

const (
	shutdownTimeout      = 10 * time.Second
	defaultPurgeInterval = 15 * time.Minute
)

// Server exposes the HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// TextSource supplies pre-rendered exposition text.
type TextSource interface {
	Text() string
}

// Options holds the server's collaborators. Scheduler and SelfStats are
// optional.
type Options struct {
	Store         *snapshot.Store
	KV            kvstore.Store
	Datasets      []string
	Scheduler     scheduler.Scheduler
	SelfStats     TextSource
	PurgeInterval time.Duration
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.ServerConfig
	opts       Options
	datasets   map[string]struct{}
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new metrics server.
func NewServer(log logrus.FieldLogger, cfg *config.ServerConfig, opts Options) Server {
	return newServer(log, cfg, opts)
}

func newServer(log logrus.FieldLogger, cfg *config.ServerConfig, opts Options) *server {
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = defaultPurgeInterval
	}

	datasets := make(map[string]struct{}, len(opts.Datasets))
	for _, ds := range opts.Datasets {
		datasets[ds] = struct{}{}
	}

	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		opts:     opts,
		datasets: datasets,
		done:     make(chan struct{}),
	}
}

// Start binds the listener, starts serving and launches the expired-key
// purge loop.
func (s *server) Start(ctx context.Context) error {
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Listen, err)
	}

	if s.opts.KV != nil {
		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			s.purgeLoop(ctx)
		}()
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Listen).
			Info("Metrics server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// purgeLoop removes expired keys from backends without native expiry.
func (s *server) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := s.opts.KV.Purge(ctx)
			if err != nil {
				s.log.WithError(err).Warn("Failed to purge expired keys")

				continue
			}

			if n > 0 {
				s.log.WithField("purged", n).Debug("Purged expired keys")
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("Metrics server stopped")

	return nil
}
