// Package tracking is the error-tracking sink: a local SQLite store of
// escalation reports keyed by correlation ID.
package tracking

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sipeed/clawgate/pkg/escalation"
	"github.com/sipeed/clawgate/pkg/events"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// ErrNotFound is returned by Get for an unknown correlation ID.
var ErrNotFound = errors.New("tracking: report not found")

// Record is a stored report.
type Record struct {
	CorrelationID string            `json:"correlation_id"`
	OccurredAt    time.Time         `json:"occurred_at"`
	Kind          events.Kind       `json:"kind"`
	Handler       string            `json:"handler,omitempty"`
	ScopeID       string            `json:"scope_id,omitempty"`
	Origin        events.Origin     `json:"origin"`
	Message       string            `json:"message"`
	Stack         string            `json:"stack,omitempty"`
	Environment   string            `json:"environment,omitempty"`
	Tags          map[string]string `json:"tags,omitempty"`
}

// Store implements escalation.Tracker on SQLite.
type Store struct {
	db *sql.DB
}

var _ escalation.Tracker = (*Store)(nil)

// Open creates or opens the database at path. Use ":memory:" for a private
// in-memory store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// single writer; also keeps ":memory:" on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Capture stores r. Capturing the same correlation ID twice keeps the first.
func (s *Store) Capture(ctx context.Context, r escalation.Report) error {
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("tracking: marshal tags: %w", err)
	}
	occurred := r.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO reports
			(correlation_id, occurred_at, kind, handler, scope_id, guild_id, channel_id,
			 message, stack, environment, tags)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.CorrelationID, occurred.UnixMilli(), string(r.Kind), r.Handler, r.ScopeID,
		r.Origin.GuildID, r.Origin.ChannelID, r.Message, r.Stack, r.Environment, string(tags),
	)
	if err != nil {
		return fmt.Errorf("tracking: insert report %s: %w", r.CorrelationID, err)
	}
	return nil
}

const selectColumns = `correlation_id, occurred_at, kind, handler, scope_id, guild_id,
	channel_id, message, stack, environment, tags`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var (
		rec      Record
		occurred int64
		kind     string
		tags     string
	)
	err := row.Scan(&rec.CorrelationID, &occurred, &kind, &rec.Handler, &rec.ScopeID,
		&rec.Origin.GuildID, &rec.Origin.ChannelID, &rec.Message, &rec.Stack,
		&rec.Environment, &tags)
	if err != nil {
		return Record{}, err
	}
	rec.OccurredAt = time.UnixMilli(occurred).UTC()
	rec.Kind = events.Kind(kind)
	if tags != "" && tags != "null" {
		if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
			return Record{}, fmt.Errorf("tracking: decode tags of %s: %w", rec.CorrelationID, err)
		}
	}
	return rec, nil
}

// Get looks up one report.
func (s *Store) Get(ctx context.Context, correlationID string) (Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM reports WHERE correlation_id = ?`, correlationID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, correlationID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("tracking: get %s: %w", correlationID, err)
	}
	return rec, nil
}

// Recent returns up to limit reports, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM reports ORDER BY occurred_at DESC, correlation_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("tracking: query recent: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("tracking: scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored reports.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&n); err != nil {
		return 0, fmt.Errorf("tracking: count: %w", err)
	}
	return n, nil
}
