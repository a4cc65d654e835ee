package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"

	"github.com/agentworkforce/rebrander/internal/config"
	"github.com/agentworkforce/rebrander/internal/httpapi"
	"github.com/agentworkforce/rebrander/internal/runstore"
	"github.com/agentworkforce/rebrander/internal/session"
)

const shutdownTimeout = 15 * time.Second

var runServer = serve

type serveFlags struct {
	addr           string
	runStoreDSN    string
	pageSize       int
	maxConcurrency int
	allowedOrigins []string
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := &serveFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the rebrander HTTP and websocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, root, flags)
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cmd, root, cfg)
		},
	}
	cmd.Flags().StringVar(&flags.addr, "addr", "", "listen address")
	cmd.Flags().StringVar(&flags.runStoreDSN, "run-store", "", "run report store DSN (memory://, file://, sqlite://, postgres://)")
	cmd.Flags().IntVar(&flags.pageSize, "page-size", 0, "posts requested per page while enumerating")
	cmd.Flags().IntVar(&flags.maxConcurrency, "max-concurrency", 0, "upper bound on per-session concurrency")
	cmd.Flags().StringSliceVar(&flags.allowedOrigins, "allowed-origin", nil, "extra origin pattern accepted on websocket upgrades (repeatable)")
	return cmd
}

// loadConfig layers command line flags over the file and environment config.
// Only flags set explicitly override.
func loadConfig(cmd *cobra.Command, root *rootFlags, flags *serveFlags) (config.Config, error) {
	cfg, err := config.Load(root.configFile)
	if err != nil {
		return config.Config{}, errors.Errorf("loading config: %w", err)
	}
	changed := func(name string) bool {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			f = cmd.InheritedFlags().Lookup(name)
		}
		return f != nil && f.Changed
	}
	if changed("log-level") {
		cfg.LogLevel = root.logLevel
	}
	if changed("addr") {
		cfg.Addr = flags.addr
	}
	if changed("run-store") {
		cfg.RunStoreDSN = flags.runStoreDSN
	}
	if changed("page-size") {
		cfg.PageSize = flags.pageSize
	}
	if changed("max-concurrency") {
		cfg.MaxConcurrency = flags.maxConcurrency
	}
	if changed("allowed-origin") {
		cfg.AllowedOrigins = flags.allowedOrigins
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(parent context.Context, cmd *cobra.Command, root *rootFlags, cfg config.Config) error {
	if err := config.ApplyLogLevel(cfg); err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), root.pretty)
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	reports, err := runstore.BuildFromDSN(cfg.RunStoreDSN)
	if err != nil {
		return errors.Errorf("initializing run store: %w", err)
	}
	defer reports.Close()

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	sessions := session.NewHandler(session.Options{
		PageSize:       cfg.PageSize,
		MaxConcurrency: cfg.MaxConcurrency,
		HTTPClient:     httpClient,
		Reports:        reports,
	})
	handler := httpapi.NewServerWithConfig(sessions, reports, httpapi.ServerConfig{
		AllowedOrigins:  cfg.AllowedOrigins,
		MaxMessageBytes: cfg.MaxMessageBytes,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		HTTPClient:      httpClient,
	})

	if root.configFile != "" {
		go watchConfig(ctx, root)
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("run_store", redactDSN(cfg.RunStoreDSN)).Msg("rebrander listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Errorf("shutting down: %w", err)
	}
	return nil
}

// watchConfig reapplies the log level whenever the config file changes. A
// level given on the command line wins over the file.
func watchConfig(ctx context.Context, root *rootFlags) {
	logger := zerolog.Ctx(ctx)
	err := config.Watch(ctx, root.configFile, func(cfg config.Config) {
		if root.logLevel != "" {
			return
		}
		if err := config.ApplyLogLevel(cfg); err != nil {
			logger.Warn().Err(err).Msg("ignoring reloaded log level")
		}
	})
	if err != nil {
		logger.Warn().Err(err).Msg("config watcher stopped")
	}
}
