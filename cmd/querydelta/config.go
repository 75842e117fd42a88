package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/querydelta/pkg/config"
)

const redacted = "<redacted>"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Load, merge and validate the config files and environment overrides
and print the result as YAML with secrets redacted.`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(redact(cfg))
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	_, err = cmd.OutOrStdout().Write(out)

	return err
}

// redact returns a copy of cfg with passwords and keys masked.
func redact(cfg *config.Config) *config.Config {
	c := *cfg

	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}

	mask(&c.Store.Redis.Password)
	mask(&c.Store.Postgres.Password)

	if c.Archive.S3 != nil {
		s3 := *c.Archive.S3
		mask(&s3.AccessKeyID)
		mask(&s3.SecretAccessKey)
		c.Archive.S3 = &s3
	}

	c.Server.BasicAuth.Users = append([]config.BasicAuthUser(nil), cfg.Server.BasicAuth.Users...)
	for i := range c.Server.BasicAuth.Users {
		mask(&c.Server.BasicAuth.Users[i].PasswordHash)
	}

	c.Datasets = append([]config.DatasetConfig(nil), cfg.Datasets...)
	for i := range c.Datasets {
		src := &c.Datasets[i].Source
		mask(&src.Password)

		if src.DSN != "" {
			src.DSN = redacted
		}
	}

	return &c
}
