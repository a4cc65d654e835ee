package main

import (
	"encoding/json"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/agentworkforce/rebrander/internal/config"
	"github.com/agentworkforce/rebrander/internal/runstore"
)

func newRunsCmd(root *rootFlags) *cobra.Command {
	var (
		dsn   string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Print recent run reports as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configFile)
			if err != nil {
				return errors.Errorf("loading config: %w", err)
			}
			if cmd.Flags().Changed("run-store") {
				cfg.RunStoreDSN = dsn
			}
			reports, err := runstore.BuildFromDSN(cfg.RunStoreDSN)
			if err != nil {
				return errors.Errorf("initializing run store: %w", err)
			}
			defer reports.Close()

			listed, err := reports.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(map[string]any{"runs": listed})
		},
	}
	cmd.Flags().StringVar(&dsn, "run-store", "", "run report store DSN")
	cmd.Flags().IntVar(&limit, "limit", runstore.DefaultListLimit, "maximum number of reports")
	return cmd
}

// redactDSN hides credentials embedded in a store DSN before it is logged.
func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		return dsn
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "<invalid dsn>"
	}
	return parsed.Redacted()
}
