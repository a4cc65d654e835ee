package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"gitlab.com/tozd/go/errors"
	_ "modernc.org/sqlite"
)

const (
	runsTableName       = "rebrander_runs"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type dialect struct {
	driver      string
	placeholder func(n int) string
	maxConns    int
}

var (
	postgresDialect = dialect{
		driver:      "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	sqliteDialect = dialect{
		driver:      "sqlite",
		placeholder: func(int) string { return "?" },
		maxConns:    1,
	}
)

// SQLBackend stores reports in a single table. The same schema is used for
// Postgres and SQLite.
type SQLBackend struct {
	dsn       string
	tableName string
	dialect   dialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*SQLBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: runsTableName,
		dialect:   postgresDialect,
		openDB:    sql.Open,
	}, nil
}

// NewSQLiteBackend opens the database file at path, creating it if needed.
func NewSQLiteBackend(path string) (*SQLBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return &SQLBackend{
		dsn:       dsn,
		tableName: runsTableName,
		dialect:   sqliteDialect,
		openDB:    sql.Open,
	}, nil
}

func (b *SQLBackend) Save(ctx context.Context, report RunReport) error {
	if report.ID == "" {
		return errors.Errorf("%w: report id is required", ErrInvalidInput)
	}
	if err := b.ensureReady(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := b.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s (id, site, outcome, finished_at, report)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (id)
		DO UPDATE SET site = EXCLUDED.site, outcome = EXCLUDED.outcome,
			finished_at = EXCLUDED.finished_at, report = EXCLUDED.report`,
		quoteIdentifier(b.tableName), p(1), p(2), p(3), p(4), p(5))
	_, err = b.db.ExecContext(ctx, query, report.ID, report.Site, string(report.Outcome), report.FinishedAt.UnixNano(), string(payload))
	if err != nil {
		return errors.Errorf("saving run report: %w", err)
	}
	return nil
}

func (b *SQLBackend) List(ctx context.Context, limit int) ([]RunReport, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if err := b.ensureReady(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT report FROM %s ORDER BY finished_at DESC, id DESC LIMIT %s",
		quoteIdentifier(b.tableName), b.dialect.placeholder(1))
	rows, err := b.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, errors.Errorf("listing run reports: %w", err)
	}
	defer rows.Close()

	reports := []RunReport{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Errorf("scanning run report: %w", err)
		}
		var report RunReport
		if err := json.Unmarshal([]byte(payload), &report); err != nil {
			return nil, errors.Errorf("decoding run report: %w", err)
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Errorf("listing run reports: %w", err)
	}
	return reports, nil
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLBackend) ensureReady(ctx context.Context) error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driver, b.dsn)
		if err != nil {
			b.initErr = errors.Errorf("opening %s: %w", b.dialect.driver, err)
			return
		}
		if b.dialect.maxConns > 0 {
			db.SetMaxOpenConns(b.dialect.maxConns)
		}
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sqlOperationTimeout)
		defer cancel()

		table := quoteIdentifier(b.tableName)
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					site TEXT NOT NULL,
					outcome TEXT NOT NULL,
					finished_at BIGINT NOT NULL,
					report TEXT NOT NULL
				)`, table),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (finished_at)", quoteIdentifier(b.tableName+"_finished_at_idx"), table),
		}
		for _, statement := range statements {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				b.initErr = errors.Errorf("preparing %s schema: %w", b.dialect.driver, err)
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
