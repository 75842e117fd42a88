package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/querydelta/pkg/api"
	"github.com/ethpandaops/querydelta/pkg/scheduler"
	"github.com/ethpandaops/querydelta/pkg/selfstats"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collection loop and serve the metrics endpoint",
	Long: `Sample every configured dataset on the configured interval and serve
the stored exports over HTTP for Prometheus to scrape.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Set up context with signal handling.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	p, err := buildPipeline(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer p.close()

	schedOpts := scheduler.Options{
		Interval:      cfg.Scheduler.IntervalDuration(),
		Concurrency:   cfg.Scheduler.Concurrency,
		AlignToMinute: cfg.Scheduler.AlignToMinute,
	}

	apiOpts := api.Options{
		Store:         p.store,
		KV:            p.kv,
		Datasets:      p.datasets,
		PurgeInterval: cfg.Store.PurgeIntervalDuration(),
	}

	if cfg.SelfStats.Enabled {
		reader, err := selfstats.NewProcessReader()
		if err != nil {
			return fmt.Errorf("creating self stats reader: %w", err)
		}

		recorder := selfstats.NewRecorder(log, reader)
		schedOpts.Recorder = recorder
		apiOpts.SelfStats = recorder
	}

	sched := scheduler.NewScheduler(log, p.collectors, schedOpts)
	apiOpts.Scheduler = sched

	srv := api.NewServer(log, &cfg.Server, apiOpts)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting metrics server: %w", err)
	}

	// Start collecting after the server is listening so scrapes are answered
	// while the first, possibly slow, pass runs.
	if err := sched.Start(ctx); err != nil {
		_ = srv.Stop()

		return fmt.Errorf("starting scheduler: %w", err)
	}

	// Wait for shutdown signal.
	sig := <-sigCh
	log.WithField("signal", sig).Info("Shutting down")
	cancel()

	if err := sched.Stop(); err != nil {
		log.WithError(err).Warn("Scheduler stop error")
	}

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping metrics server: %w", err)
	}

	return nil
}
