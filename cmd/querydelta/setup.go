package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/querydelta/pkg/archive"
	"github.com/ethpandaops/querydelta/pkg/collector"
	"github.com/ethpandaops/querydelta/pkg/config"
	"github.com/ethpandaops/querydelta/pkg/kvstore"
	"github.com/ethpandaops/querydelta/pkg/scheduler"
	"github.com/ethpandaops/querydelta/pkg/snapshot"
	"github.com/ethpandaops/querydelta/pkg/source"
)

// loadConfig loads and validates the config files. The config's log level
// applies unless --log-level was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if len(cfgFiles) == 0 {
		return nil, fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFiles...)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if !cmd.Flags().Changed("log-level") {
		level, err := logrus.ParseLevel(cfg.Global.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, err)
		}

		log.SetLevel(level)
	}

	return cfg, nil
}

// pipeline is the wired collection stack shared by serve and collect.
type pipeline struct {
	kv         kvstore.Store
	store      *snapshot.Store
	sources    []source.Source
	collectors []scheduler.Cycler
	datasets   []string
}

// buildPipeline starts the key-value store and creates one source and
// collector per selected dataset. An empty selection means all datasets.
func buildPipeline(
	ctx context.Context,
	cfg *config.Config,
	only []string,
) (*pipeline, error) {
	selected, err := selectDatasets(cfg, only)
	if err != nil {
		return nil, err
	}

	kv, err := kvstore.NewStore(log, &cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}

	if err := kv.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	p := &pipeline{
		kv:    kv,
		store: snapshot.NewStore(log, kv, cfg.Store.Retention, cfg.Export.TTL.ExportDuration()),
	}

	var archiver archive.Archiver

	if cfg.Archive.S3 != nil && cfg.Archive.S3.Enabled {
		archiver = archive.NewS3Archiver(log, cfg.Archive.S3)

		if err := archiver.Preflight(ctx); err != nil {
			p.close()

			return nil, fmt.Errorf("archive preflight: %w", err)
		}

		log.WithField("bucket", cfg.Archive.S3.Bucket).Info("S3 export archival enabled")
	}

	for _, ds := range selected {
		src, err := source.NewSQLSource(log.WithField("dataset", ds.Name), &ds.Source)
		if err != nil {
			p.close()

			return nil, fmt.Errorf("dataset %s: %w", ds.Name, err)
		}

		opts := []collector.Option{collector.WithLocation(cfg.Location())}
		if archiver != nil {
			opts = append(opts, collector.WithArchiver(archiver))
		}

		p.sources = append(p.sources, src)
		p.datasets = append(p.datasets, ds.Name)
		p.collectors = append(p.collectors,
			collector.NewCollector(log, ds, cfg.Export, src, p.store, opts...))
	}

	return p, nil
}

func (p *pipeline) close() {
	for _, src := range p.sources {
		if err := src.Close(); err != nil {
			log.WithError(err).Warn("Failed to close source")
		}
	}

	if err := p.kv.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop store")
	}
}

func selectDatasets(cfg *config.Config, only []string) ([]*config.DatasetConfig, error) {
	if len(only) == 0 {
		out := make([]*config.DatasetConfig, 0, len(cfg.Datasets))
		for i := range cfg.Datasets {
			out = append(out, &cfg.Datasets[i])
		}

		return out, nil
	}

	out := make([]*config.DatasetConfig, 0, len(only))

	for _, name := range only {
		ds := cfg.Dataset(name)
		if ds == nil {
			return nil, fmt.Errorf("unknown dataset %q", name)
		}

		out = append(out, ds)
	}

	return out, nil
}
