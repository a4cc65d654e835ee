// Package runstore keeps a history of finished rebrand runs.
package runstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"gitlab.com/tozd/go/errors"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
)

const DefaultListLimit = 50

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeFailed    Outcome = "failed"
)

type RunReport struct {
	ID            string    `json:"id"`
	Site          string    `json:"site"`
	Target        string    `json:"target"`
	Replacement   string    `json:"replacement"`
	Total         int       `json:"total"`
	Processed     int       `json:"processed"`
	Success       int       `json:"success"`
	Error         int       `json:"error"`
	Skipped       int       `json:"skipped"`
	FailedIDs     []string  `json:"failedIds"`
	Outcome       Outcome   `json:"outcome"`
	FailureCode   string    `json:"failureCode,omitempty"`
	FailureReason string    `json:"failureReason,omitempty"`
	StartedAt     time.Time `json:"startedAt"`
	FinishedAt    time.Time `json:"finishedAt"`
}

type Backend interface {
	Save(ctx context.Context, report RunReport) error
	// List returns up to limit reports, most recently finished first.
	List(ctx context.Context, limit int) ([]RunReport, error)
	Close() error
}

// MemoryBackend keeps at most Capacity reports, dropping the oldest.
type MemoryBackend struct {
	Capacity int

	mu      sync.Mutex
	reports []RunReport
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{Capacity: 1000}
}

func (b *MemoryBackend) Save(ctx context.Context, report RunReport) error {
	if report.ID == "" {
		return errors.Errorf("%w: report id is required", ErrInvalidInput)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	report.FailedIDs = append([]string{}, report.FailedIDs...)
	for i, existing := range b.reports {
		if existing.ID == report.ID {
			b.reports[i] = report
			return nil
		}
	}
	b.reports = append(b.reports, report)
	if b.Capacity > 0 && len(b.reports) > b.Capacity {
		sortNewestFirst(b.reports)
		b.reports = b.reports[:b.Capacity]
	}
	return nil
}

func (b *MemoryBackend) List(ctx context.Context, limit int) ([]RunReport, error) {
	b.mu.Lock()
	out := make([]RunReport, len(b.reports))
	copy(out, b.reports)
	b.mu.Unlock()
	return newest(out, limit), nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func newest(reports []RunReport, limit int) []RunReport {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	sortNewestFirst(reports)
	if len(reports) > limit {
		reports = reports[:limit]
	}
	return reports
}

func sortNewestFirst(reports []RunReport) {
	sort.SliceStable(reports, func(i, j int) bool {
		if !reports[i].FinishedAt.Equal(reports[j].FinishedAt) {
			return reports[i].FinishedAt.After(reports[j].FinishedAt)
		}
		return reports[i].ID > reports[j].ID
	})
}
