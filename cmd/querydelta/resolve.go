package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/querydelta/pkg/sqlparse"
)

var resolveKnownTables []string

var resolveCmd = &cobra.Command{
	Use:   "resolve [sql...]",
	Short: "Show the table and statement type attributed to SQL text",
	Long: `Resolve each argument, or each line of stdin when no arguments are
given, exactly as the collector attributes statements to tables.`,
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)
	resolveCmd.Flags().StringSliceVar(&resolveKnownTables, "known-table", nil,
		"Fallback table names (comma-separated or repeated flag)")
}

func runResolve(cmd *cobra.Command, args []string) error {
	resolver := sqlparse.NewResolver(resolveKnownTables)
	out := cmd.OutOrStdout()

	emit := func(sql string) {
		fmt.Fprintf(out, "%s\t%s\t%s\n",
			resolver.Resolve(sql), resolver.Classify(sql), sqlparse.Clean(sql))
	}

	if len(args) > 0 {
		for _, sql := range args {
			emit(sql)
		}

		return nil
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			emit(line)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}

	return nil
}
