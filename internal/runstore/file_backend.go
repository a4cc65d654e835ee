package runstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gitlab.com/tozd/go/errors"
)

// JSONFileBackend stores every report in one JSON file, rewritten atomically
// on each save.
type JSONFileBackend struct {
	Path string

	mu sync.Mutex
}

type fileSnapshot struct {
	Reports []RunReport `json:"reports"`
}

func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

func (b *JSONFileBackend) Save(ctx context.Context, report RunReport) error {
	if report.ID == "" {
		return errors.Errorf("%w: report id is required", ErrInvalidInput)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, err := b.load()
	if err != nil {
		return err
	}
	replaced := false
	for i, existing := range snapshot.Reports {
		if existing.ID == report.ID {
			snapshot.Reports[i] = report
			replaced = true
			break
		}
	}
	if !replaced {
		snapshot.Reports = append(snapshot.Reports, report)
	}
	return b.write(snapshot)
}

func (b *JSONFileBackend) List(ctx context.Context, limit int) ([]RunReport, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snapshot, err := b.load()
	if err != nil {
		return nil, err
	}
	return newest(snapshot.Reports, limit), nil
}

func (b *JSONFileBackend) Close() error {
	return nil
}

func (b *JSONFileBackend) load() (fileSnapshot, error) {
	if b.Path == "" {
		return fileSnapshot{}, errors.Errorf("%w: file path is required", ErrInvalidInput)
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileSnapshot{}, nil
		}
		return fileSnapshot{}, errors.Errorf("reading run reports: %w", err)
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fileSnapshot{}, errors.Errorf("decoding run reports: %w", err)
	}
	return snapshot, nil
}

func (b *JSONFileBackend) write(snapshot fileSnapshot) error {
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Errorf("creating run report directory: %w", err)
		}
	}
	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Errorf("writing run reports: %w", err)
	}
	return os.Rename(tmp, b.Path)
}
