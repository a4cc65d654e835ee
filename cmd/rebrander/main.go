package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configFile string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		reportFailure(os.Stderr, err)
		os.Exit(1)
	}
}

func reportFailure(w io.Writer, err error) {
	logger := newLogger(w, false)
	logger.Error().Err(err).Msg("command failed")
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "rebrander",
		Short: "Bulk-replace text across every post of a Ghost site",
		Long: `rebrander serves a websocket API that finds every post of a Ghost site
containing a target string, rewrites it in place and streams progress back to
the caller.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", os.Getenv("REBRANDER_CONFIG"), "YAML config file path")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "human-readable console logs")

	cmd.AddCommand(
		newServeCmd(flags),
		newRunsCmd(flags),
	)
	return cmd
}

func newLogger(w io.Writer, pretty bool) zerolog.Logger {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Logger()
}
