package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes each config
// that loads and validates to onChange. It blocks until ctx is done.
//
// The parent directory is watched so that editors that replace the file on
// save are still picked up.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	if path == "" {
		return errors.Errorf("%w: watch requires a config path", ErrInvalidConfig)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Errorf("resolving config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return errors.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	logger := zerolog.Ctx(ctx)
	timer := time.NewTimer(reloadDebounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Str("path", abs).Msg("config watcher error")
		case <-timer.C:
			cfg, err := Load(abs)
			if err != nil {
				logger.Warn().Err(err).Str("path", abs).Msg("config reload failed, keeping previous settings")
				continue
			}
			logger.Info().Str("path", abs).Str("log_level", cfg.LogLevel).Msg("config reloaded")
			onChange(cfg)
		}
	}
}

// ApplyLogLevel sets the global zerolog level from cfg.
func ApplyLogLevel(cfg Config) error {
	level, err := cfg.Level()
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
