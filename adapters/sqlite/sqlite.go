// Package sqlite provides an embedded SQLite implementation of the event store
// adapter, backed by the pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

const defaultLoadLimit = 1000

// migrationVersion is recorded in PRAGMA user_version once Migrate succeeds.
const migrationVersion = 1

var (
	_ adapters.EventStoreAdapter = (*SQLiteAdapter)(nil)
	_ adapters.SnapshotAdapter   = (*SQLiteAdapter)(nil)
	_ adapters.CheckpointAdapter = (*SQLiteAdapter)(nil)
	_ adapters.DeadLetterStore   = (*SQLiteAdapter)(nil)
	_ adapters.HealthChecker     = (*SQLiteAdapter)(nil)
	_ adapters.Migrator          = (*SQLiteAdapter)(nil)
)

// SQLiteAdapter stores events in a single SQLite database file.
//
// SQLite has one writer at a time; the adapter holds a single connection so
// appends serialize in process and the (stream_name, sequence_id) unique
// constraint backs the version check.
type SQLiteAdapter struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open opens (creating if needed) the database at path. Use ":memory:" for a
// throwaway database.
func Open(path string) (*SQLiteAdapter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("keel/sqlite: storage path is required")
	}

	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("keel/sqlite: failed to ping database: %w", err)
	}

	return &SQLiteAdapter{db: db}, nil
}

// Initialize creates the tables.
func (a *SQLiteAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate creates the tables if they do not exist.
func (a *SQLiteAdapter) Migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS streams (
			stream_name     TEXT PRIMARY KEY,
			category        TEXT NOT NULL,
			version         INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			global_position INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id        TEXT NOT NULL UNIQUE,
			stream_name     TEXT NOT NULL,
			category        TEXT NOT NULL,
			sequence_id     INTEGER NOT NULL,
			event_type      TEXT NOT NULL,
			schema_version  INTEGER NOT NULL DEFAULT 1,
			data            BLOB NOT NULL,
			headers         TEXT,
			checksum        TEXT NOT NULL,
			timestamp       INTEGER NOT NULL,
			UNIQUE(stream_name, sequence_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_category ON events(category, global_position)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			stream_name     TEXT PRIMARY KEY,
			version         INTEGER NOT NULL,
			state           BLOB NOT NULL,
			taken_at        INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			name            TEXT PRIMARY KEY,
			position        INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id              TEXT PRIMARY KEY,
			subscription    TEXT NOT NULL,
			consumer_group  TEXT NOT NULL,
			stream          TEXT NOT NULL,
			message_id      TEXT NOT NULL,
			event_id        TEXT NOT NULL DEFAULT '',
			event_type      TEXT NOT NULL DEFAULT '',
			payload         BLOB NOT NULL,
			retry_count     INTEGER NOT NULL,
			last_error      TEXT NOT NULL,
			failed_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_subscription ON dead_letters(subscription, failed_at)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, migrationVersion),
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keel/sqlite: migration failed: %w", err)
		}
	}
	return nil
}

// MigrationVersion returns the schema version recorded by Migrate.
func (a *SQLiteAdapter) MigrationVersion(ctx context.Context) (int, error) {
	var version int
	if err := a.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return 0, fmt.Errorf("keel/sqlite: failed to read migration version: %w", err)
	}
	return version, nil
}

// Append stores events to the stream with optimistic concurrency control.
func (a *SQLiteAdapter) Append(ctx context.Context, streamName string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamName == "" {
		return nil, adapters.ErrEmptyStreamName
	}
	if len(events) == 0 {
		return nil, adapters.ErrNoEvents
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	streamExists := true
	err = tx.QueryRowContext(ctx, `SELECT version FROM streams WHERE stream_name = ?`, streamName).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
	} else if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to get stream version: %w", err)
	}

	if err := adapters.CheckVersion(streamName, expectedVersion, current); err != nil {
		return nil, err
	}

	now := time.Now().UTC().UnixNano()
	category := adapters.ExtractCategory(streamName)
	if !streamExists {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO streams (stream_name, category, version, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)`, streamName, category, now, now)
		if err != nil {
			return nil, appendError(streamName, expectedVersion, current, "create stream", err)
		}
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		headers, err := json.Marshal(event.Headers)
		if err != nil {
			return nil, fmt.Errorf("keel/sqlite: failed to marshal headers: %w", err)
		}

		sequenceID := current + int64(i)
		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, stream_name, category, sequence_id, event_type, schema_version, data, headers, checksum, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			event.ID, streamName, category, sequenceID, event.Type, event.SchemaVersion,
			event.Data, string(headers), event.Checksum, event.Timestamp.UTC().UnixNano())
		if err != nil {
			return nil, appendError(streamName, expectedVersion, current, "insert event", err)
		}
		globalPosition, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("keel/sqlite: failed to read global position: %w", err)
		}

		stored[i] = adapters.StoredEvent{
			ID:             event.ID,
			StreamName:     streamName,
			Type:           event.Type,
			SchemaVersion:  event.SchemaVersion,
			Data:           event.Data,
			Headers:        adapters.CopyHeaders(event.Headers),
			Checksum:       event.Checksum,
			SequenceID:     sequenceID,
			GlobalPosition: uint64(globalPosition),
			Timestamp:      event.Timestamp,
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE streams SET version = ?, updated_at = ? WHERE stream_name = ?`,
		current+int64(len(events)), now, streamName)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, appendError(streamName, expectedVersion, current, "commit", err)
	}

	return stored, nil
}

func appendError(streamName string, expected, current int64, op string, err error) error {
	if isConstraintError(err) {
		return adapters.NewConcurrencyError(streamName, expected, current+1)
	}
	return fmt.Errorf("keel/sqlite: failed to %s: %w", op, err)
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	code := sqliteErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

const eventColumns = `event_id, stream_name, event_type, schema_version, data, headers, checksum, sequence_id, global_position, timestamp`

// Load retrieves events from a stream starting at fromSequence.
func (a *SQLiteAdapter) Load(ctx context.Context, streamName string, fromSequence int64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamName == "" {
		return nil, adapters.ErrEmptyStreamName
	}

	query := `SELECT ` + eventColumns + ` FROM events
		WHERE stream_name = ? AND sequence_id >= ?
		ORDER BY sequence_id`
	args := []interface{}{streamName, fromSequence}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadCategory loads events of every stream in a category after a global position.
func (a *SQLiteAdapter) LoadCategory(ctx context.Context, category string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE category = ? AND global_position > ?
		ORDER BY global_position ASC
		LIMIT ?`, category, int64(fromPosition), adapters.DefaultLimit(limit, defaultLoadLimit))
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to load category: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadFromPosition loads events across all streams after a global position.
func (a *SQLiteAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM events
		WHERE global_position > ?
		ORDER BY global_position ASC
		LIMIT ?`, int64(fromPosition), adapters.DefaultLimit(limit, defaultLoadLimit))
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var event adapters.StoredEvent
		var headers sql.NullString
		var position, timestamp int64

		err := rows.Scan(
			&event.ID,
			&event.StreamName,
			&event.Type,
			&event.SchemaVersion,
			&event.Data,
			&headers,
			&event.Checksum,
			&event.SequenceID,
			&position,
			&timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("keel/sqlite: failed to scan event: %w", err)
		}

		if headers.Valid && headers.String != "" {
			if err := json.Unmarshal([]byte(headers.String), &event.Headers); err != nil {
				return nil, fmt.Errorf("keel/sqlite: failed to unmarshal headers: %w", err)
			}
		}
		event.GlobalPosition = uint64(position)
		event.Timestamp = time.Unix(0, timestamp).UTC()

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keel/sqlite: error iterating events: %w", err)
	}
	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *SQLiteAdapter) GetStreamInfo(ctx context.Context, streamName string) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	var info adapters.StreamInfo
	var createdAt, updatedAt int64
	err := a.db.QueryRowContext(ctx, `
		SELECT stream_name, category, version, created_at, updated_at
		FROM streams WHERE stream_name = ?`, streamName).Scan(
		&info.StreamName,
		&info.Category,
		&info.Version,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamName)
	}
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to get stream info: %w", err)
	}

	info.CreatedAt = time.Unix(0, createdAt).UTC()
	info.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *SQLiteAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos sql.NullInt64
	if err := a.db.QueryRowContext(ctx, `SELECT MAX(global_position) FROM events`).Scan(&pos); err != nil {
		return 0, fmt.Errorf("keel/sqlite: failed to get last position: %w", err)
	}
	return uint64(pos.Int64), nil
}

// SaveSnapshot stores a snapshot, replacing any previous one for the stream.
func (a *SQLiteAdapter) SaveSnapshot(ctx context.Context, record adapters.SnapshotRecord) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if record.StreamName == "" {
		return adapters.ErrEmptyStreamName
	}

	takenAt := record.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO snapshots (stream_name, version, state, taken_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (stream_name) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			taken_at = excluded.taken_at`,
		record.StreamName, record.Version, record.State, takenAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("keel/sqlite: failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot retrieves the latest snapshot for the stream, or nil.
func (a *SQLiteAdapter) LoadSnapshot(ctx context.Context, streamName string) (*adapters.SnapshotRecord, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	var snapshot adapters.SnapshotRecord
	var takenAt int64
	err := a.db.QueryRowContext(ctx, `
		SELECT stream_name, version, state, taken_at
		FROM snapshots WHERE stream_name = ?`, streamName).Scan(
		&snapshot.StreamName,
		&snapshot.Version,
		&snapshot.State,
		&takenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to load snapshot: %w", err)
	}

	snapshot.TakenAt = time.Unix(0, takenAt).UTC()
	return &snapshot, nil
}

// DeleteSnapshot removes the snapshot for the given stream.
func (a *SQLiteAdapter) DeleteSnapshot(ctx context.Context, streamName string) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	if _, err := a.db.ExecContext(ctx, `DELETE FROM snapshots WHERE stream_name = ?`, streamName); err != nil {
		return fmt.Errorf("keel/sqlite: failed to delete snapshot: %w", err)
	}
	return nil
}

// GetCheckpoint returns the last processed position for a consumer.
func (a *SQLiteAdapter) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos int64
	err := a.db.QueryRowContext(ctx, `SELECT position FROM checkpoints WHERE name = ?`, name).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keel/sqlite: failed to get checkpoint: %w", err)
	}
	return uint64(pos), nil
}

// SetCheckpoint stores the position for a consumer. A lower position than
// the stored one leaves the checkpoint unchanged.
func (a *SQLiteAdapter) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO checkpoints (name, position) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET position = MAX(position, excluded.position)`,
		name, int64(position))
	if err != nil {
		return fmt.Errorf("keel/sqlite: failed to set checkpoint: %w", err)
	}
	return nil
}

const deadLetterColumns = `id, subscription, consumer_group, stream, message_id, event_id, event_type, payload, retry_count, last_error, failed_at`

// AddDeadLetter stores a dead letter, assigning an ID when it has none.
func (a *SQLiteAdapter) AddDeadLetter(ctx context.Context, letter *adapters.DeadLetter) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx, `INSERT INTO dead_letters (`+deadLetterColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		letter.ID, letter.Subscription, letter.ConsumerGroup, letter.Stream, letter.MessageID,
		letter.EventID, letter.EventType, letter.Payload, letter.RetryCount, letter.LastError,
		letter.FailedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("keel/sqlite: failed to add dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters oldest first.
func (a *SQLiteAdapter) ListDeadLetters(ctx context.Context, subscription string, limit int) ([]*adapters.DeadLetter, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	var args []interface{}
	if subscription != "" {
		query += " WHERE subscription = ?"
		args = append(args, subscription)
	}
	query += " ORDER BY failed_at ASC, rowid ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to list dead letters: %w", err)
	}
	defer rows.Close()

	letters := make([]*adapters.DeadLetter, 0)
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keel/sqlite: error iterating dead letters: %w", err)
	}
	return letters, nil
}

// GetDeadLetter returns a dead letter by ID.
func (a *SQLiteAdapter) GetDeadLetter(ctx context.Context, id string) (*adapters.DeadLetter, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	row := a.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	letter, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.ErrDeadLetterNotFound
	}
	return letter, err
}

// DeleteDeadLetter removes a dead letter.
func (a *SQLiteAdapter) DeleteDeadLetter(ctx context.Context, id string) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	res, err := a.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("keel/sqlite: failed to delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("keel/sqlite: failed to delete dead letter: %w", err)
	}
	if n == 0 {
		return adapters.ErrDeadLetterNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDeadLetter(s scanner) (*adapters.DeadLetter, error) {
	var letter adapters.DeadLetter
	var failedAt int64
	err := s.Scan(
		&letter.ID,
		&letter.Subscription,
		&letter.ConsumerGroup,
		&letter.Stream,
		&letter.MessageID,
		&letter.EventID,
		&letter.EventType,
		&letter.Payload,
		&letter.RetryCount,
		&letter.LastError,
		&failedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("keel/sqlite: failed to scan dead letter: %w", err)
	}
	letter.FailedAt = time.Unix(0, failedAt).UTC()
	return &letter, nil
}

// Ping checks database connectivity.
func (a *SQLiteAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close releases the database.
func (a *SQLiteAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}
