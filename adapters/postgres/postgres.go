// Package postgres provides a PostgreSQL implementation of the event store adapter.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

// DefaultSchema is the schema the adapter's tables live in.
const DefaultSchema = "keel"

// uniqueViolation is the PostgreSQL error code for a unique constraint failure.
const uniqueViolation = "23505"

// appendLockClass is the first key of the transaction-level advisory lock
// that orders appends. The second key is derived from the schema name.
const appendLockClass int32 = 0x6b65656c

// defaultLoadLimit bounds position scans when the caller passes no limit.
const defaultLoadLimit = 1000

// Ensure PostgresAdapter implements required interfaces.
var (
	_ adapters.EventStoreAdapter = (*PostgresAdapter)(nil)
	_ adapters.SnapshotAdapter   = (*PostgresAdapter)(nil)
	_ adapters.CheckpointAdapter = (*PostgresAdapter)(nil)
	_ adapters.DeadLetterStore   = (*PostgresAdapter)(nil)
	_ adapters.HealthChecker     = (*PostgresAdapter)(nil)
	_ adapters.Migrator          = (*PostgresAdapter)(nil)
)

// PostgresAdapter is a PostgreSQL implementation of EventStoreAdapter.
//
// Appends lock the stream row and rely on the (stream_name, sequence_id)
// unique constraint, so concurrent writers to one stream serialize and at
// most one of them wins a given expected version.
type PostgresAdapter struct {
	db     *sql.DB
	schema string
	closed atomic.Bool
}

// Option configures a PostgresAdapter.
type Option func(*PostgresAdapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *PostgresAdapter) {
		if schema != "" {
			a.schema = schema
		}
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *PostgresAdapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *PostgresAdapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter creates a new PostgreSQL event store adapter.
func NewAdapter(connStr string, opts ...Option) (*PostgresAdapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to open database: %w", err)
	}
	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates a new adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *PostgresAdapter {
	adapter := &PostgresAdapter{
		db:     db,
		schema: DefaultSchema,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// table returns the quoted, schema-qualified name of a table.
func (a *PostgresAdapter) table(name string) string {
	return pq.QuoteIdentifier(a.schema) + "." + pq.QuoteIdentifier(name)
}

// Initialize creates the required database schema and tables.
func (a *PostgresAdapter) Initialize(ctx context.Context) error {
	return a.Migrate(ctx)
}

// Migrate runs database migrations.
func (a *PostgresAdapter) Migrate(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pq.QuoteIdentifier(a.schema)),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_name     VARCHAR(500) PRIMARY KEY,
			category        VARCHAR(250) NOT NULL,
			version         BIGINT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, a.table("streams")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			global_position BIGSERIAL PRIMARY KEY,
			event_id        UUID NOT NULL UNIQUE,
			stream_name     VARCHAR(500) NOT NULL,
			category        VARCHAR(250) NOT NULL,
			sequence_id     BIGINT NOT NULL,
			event_type      VARCHAR(500) NOT NULL,
			schema_version  INTEGER NOT NULL DEFAULT 1,
			data            BYTEA NOT NULL,
			headers         JSONB,
			checksum        VARCHAR(64) NOT NULL,
			timestamp       TIMESTAMPTZ NOT NULL,
			UNIQUE(stream_name, sequence_id)
		)`, a.table("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(category, global_position)`,
			pq.QuoteIdentifier("idx_"+a.schema+"_events_category"), a.table("events")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(event_type)`,
			pq.QuoteIdentifier("idx_"+a.schema+"_events_type"), a.table("events")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			stream_name     VARCHAR(500) PRIMARY KEY,
			version         BIGINT NOT NULL,
			state           BYTEA NOT NULL,
			taken_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, a.table("snapshots")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			name            VARCHAR(500) PRIMARY KEY,
			position        BIGINT NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, a.table("checkpoints")),
		fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id              UUID PRIMARY KEY,
			subscription    VARCHAR(500) NOT NULL,
			consumer_group  VARCHAR(500) NOT NULL,
			stream          VARCHAR(500) NOT NULL,
			message_id      VARCHAR(500) NOT NULL,
			event_id        VARCHAR(500),
			event_type      VARCHAR(500),
			payload         BYTEA NOT NULL,
			retry_count     INTEGER NOT NULL,
			last_error      TEXT NOT NULL,
			failed_at       TIMESTAMPTZ NOT NULL
		)`, a.table("dead_letters")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(subscription, failed_at)`,
			pq.QuoteIdentifier("idx_"+a.schema+"_dead_letters_subscription"), a.table("dead_letters")),
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("keel/postgres: migration failed: %w", err)
		}
	}
	return nil
}

// MigrationVersion returns the current migration version.
func (a *PostgresAdapter) MigrationVersion(ctx context.Context) (int, error) {
	var exists bool
	err := a.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = 'dead_letters'
		)`, a.schema).Scan(&exists)
	if err != nil {
		return 0, err
	}

	if exists {
		return 1, nil
	}
	return 0, nil
}

// Append stores events to the specified stream with optimistic concurrency control.
func (a *PostgresAdapter) Append(ctx context.Context, streamName string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
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
		return nil, fmt.Errorf("keel/postgres: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int64
	streamExists := true
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT version FROM %s
		WHERE stream_name = $1
		FOR UPDATE`, a.table("streams")), streamName).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		streamExists = false
	} else if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to get stream version: %w", err)
	}

	if err := adapters.CheckVersion(streamName, expectedVersion, current); err != nil {
		return nil, err
	}

	category := adapters.ExtractCategory(streamName)
	if !streamExists {
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (stream_name, category, version)
			VALUES ($1, $2, 0)`, a.table("streams")), streamName, category)
		if err != nil {
			return nil, a.appendError(streamName, expectedVersion, current, "create stream", err)
		}
	}

	// Global positions come from a sequence when rows are inserted, but become
	// visible at commit. Holding this lock until commit makes appends commit
	// in position order, so a reader at position p never later sees a row
	// below p appear.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1, hashtext($2))`, appendLockClass, a.schema); err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to lock event log: %w", err)
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, event := range events {
		headers, err := json.Marshal(event.Headers)
		if err != nil {
			return nil, fmt.Errorf("keel/postgres: failed to marshal headers: %w", err)
		}

		sequenceID := current + int64(i)
		var globalPosition uint64
		err = tx.QueryRowContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (event_id, stream_name, category, sequence_id, event_type, schema_version, data, headers, checksum, timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING global_position`, a.table("events")),
			event.ID, streamName, category, sequenceID, event.Type, event.SchemaVersion,
			event.Data, headers, event.Checksum, event.Timestamp,
		).Scan(&globalPosition)
		if err != nil {
			return nil, a.appendError(streamName, expectedVersion, current, "insert event", err)
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
			GlobalPosition: globalPosition,
			Timestamp:      event.Timestamp,
		}
	}

	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET version = $1, updated_at = NOW()
		WHERE stream_name = $2`, a.table("streams")), current+int64(len(events)), streamName)
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to update stream version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, a.appendError(streamName, expectedVersion, current, "commit", err)
	}

	return stored, nil
}

// appendError maps a unique violation, which means another writer created
// the stream or claimed the sequence ids first, to a concurrency conflict.
func (a *PostgresAdapter) appendError(streamName string, expected, current int64, op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return adapters.NewConcurrencyError(streamName, expected, current+1)
	}
	return fmt.Errorf("keel/postgres: failed to %s: %w", op, err)
}

const eventColumns = `event_id, stream_name, event_type, schema_version, data, headers, checksum, sequence_id, global_position, timestamp`

// Load retrieves events from a stream starting at fromSequence.
func (a *PostgresAdapter) Load(ctx context.Context, streamName string, fromSequence int64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if streamName == "" {
		return nil, adapters.ErrEmptyStreamName
	}

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE stream_name = $1 AND sequence_id >= $2
		ORDER BY sequence_id`, eventColumns, a.table("events"))
	args := []interface{}{streamName, fromSequence}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadCategory loads events of every stream in a category after a global position.
func (a *PostgresAdapter) LoadCategory(ctx context.Context, category string, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE category = $1 AND global_position > $2
		ORDER BY global_position ASC
		LIMIT $3`, eventColumns, a.table("events")),
		category, fromPosition, adapters.DefaultLimit(limit, defaultLoadLimit))
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to load category: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// LoadFromPosition loads events across all streams after a global position.
func (a *PostgresAdapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	rows, err := a.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2`, eventColumns, a.table("events")),
		fromPosition, adapters.DefaultLimit(limit, defaultLoadLimit))
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var event adapters.StoredEvent
		var headers []byte

		err := rows.Scan(
			&event.ID,
			&event.StreamName,
			&event.Type,
			&event.SchemaVersion,
			&event.Data,
			&headers,
			&event.Checksum,
			&event.SequenceID,
			&event.GlobalPosition,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("keel/postgres: failed to scan event: %w", err)
		}

		if len(headers) > 0 {
			if err := json.Unmarshal(headers, &event.Headers); err != nil {
				return nil, fmt.Errorf("keel/postgres: failed to unmarshal headers: %w", err)
			}
		}
		event.Timestamp = event.Timestamp.UTC()

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keel/postgres: error iterating events: %w", err)
	}

	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *PostgresAdapter) GetStreamInfo(ctx context.Context, streamName string) (*adapters.StreamInfo, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_name, category, version, created_at, updated_at
		FROM %s
		WHERE stream_name = $1`, a.table("streams")), streamName).Scan(
		&info.StreamName,
		&info.Category,
		&info.Version,
		&info.CreatedAt,
		&info.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamName)
	}
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to get stream info: %w", err)
	}

	return &info, nil
}

// GetLastPosition returns the global position of the last stored event.
func (a *PostgresAdapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT MAX(global_position) FROM %s`, a.table("events"))).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("keel/postgres: failed to get last position: %w", err)
	}

	if pos.Valid {
		return uint64(pos.Int64), nil
	}
	return 0, nil
}

// Close releases the database connection.
func (a *PostgresAdapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.db.Close()
}

// SaveSnapshot stores a snapshot, replacing any previous one for the stream.
func (a *PostgresAdapter) SaveSnapshot(ctx context.Context, record adapters.SnapshotRecord) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if record.StreamName == "" {
		return adapters.ErrEmptyStreamName
	}

	takenAt := record.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (stream_name, version, state, taken_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_name) DO UPDATE SET
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			taken_at = EXCLUDED.taken_at`, a.table("snapshots")),
		record.StreamName, record.Version, record.State, takenAt)
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to save snapshot: %w", err)
	}

	return nil
}

// LoadSnapshot retrieves the latest snapshot for the stream, or nil.
func (a *PostgresAdapter) LoadSnapshot(ctx context.Context, streamName string) (*adapters.SnapshotRecord, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	var snapshot adapters.SnapshotRecord
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT stream_name, version, state, taken_at
		FROM %s
		WHERE stream_name = $1`, a.table("snapshots")), streamName).Scan(
		&snapshot.StreamName,
		&snapshot.Version,
		&snapshot.State,
		&snapshot.TakenAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to load snapshot: %w", err)
	}

	return &snapshot, nil
}

// DeleteSnapshot removes the snapshot for the given stream.
func (a *PostgresAdapter) DeleteSnapshot(ctx context.Context, streamName string) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE stream_name = $1`, a.table("snapshots")), streamName)
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to delete snapshot: %w", err)
	}

	return nil
}

// GetCheckpoint returns the last processed position for a consumer.
func (a *PostgresAdapter) GetCheckpoint(ctx context.Context, name string) (uint64, error) {
	if a.closed.Load() {
		return 0, adapters.ErrAdapterClosed
	}

	var pos sql.NullInt64
	err := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT position FROM %s
		WHERE name = $1`, a.table("checkpoints")), name).Scan(&pos)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("keel/postgres: failed to get checkpoint: %w", err)
	}

	if pos.Valid {
		return uint64(pos.Int64), nil
	}
	return 0, nil
}

// SetCheckpoint stores the position for a consumer. A lower position than
// the stored one leaves the checkpoint unchanged.
func (a *PostgresAdapter) SetCheckpoint(ctx context.Context, name string, position uint64) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s AS c (name, position)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET
			position = GREATEST(c.position, EXCLUDED.position),
			updated_at = NOW()`, a.table("checkpoints")), name, int64(position))
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to set checkpoint: %w", err)
	}

	return nil
}

// Ping checks database connectivity.
func (a *PostgresAdapter) Ping(ctx context.Context) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (a *PostgresAdapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *PostgresAdapter) Schema() string {
	return a.schema
}
