package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AshkanYarmoradi/go-keel/adapters"
)

const deadLetterColumns = `id, subscription, consumer_group, stream, message_id, event_id, event_type, payload, retry_count, last_error, failed_at`

// AddDeadLetter stores a dead letter, assigning an ID when it has none.
func (a *PostgresAdapter) AddDeadLetter(ctx context.Context, letter *adapters.DeadLetter) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}

	if letter.ID == "" {
		letter.ID = uuid.NewString()
	}
	if letter.FailedAt.IsZero() {
		letter.FailedAt = time.Now().UTC()
	}

	_, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`, a.table("dead_letters"), deadLetterColumns),
		letter.ID, letter.Subscription, letter.ConsumerGroup, letter.Stream, letter.MessageID,
		letter.EventID, letter.EventType, letter.Payload, letter.RetryCount, letter.LastError, letter.FailedAt)
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to add dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters returns dead letters oldest first.
func (a *PostgresAdapter) ListDeadLetters(ctx context.Context, subscription string, limit int) ([]*adapters.DeadLetter, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, deadLetterColumns, a.table("dead_letters"))
	var args []interface{}
	if subscription != "" {
		query += " WHERE subscription = $1"
		args = append(args, subscription)
	}
	query += " ORDER BY failed_at ASC, id ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, limit)
	}

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to list dead letters: %w", err)
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
		return nil, fmt.Errorf("keel/postgres: error iterating dead letters: %w", err)
	}
	return letters, nil
}

// GetDeadLetter returns a dead letter by ID.
func (a *PostgresAdapter) GetDeadLetter(ctx context.Context, id string) (*adapters.DeadLetter, error) {
	if a.closed.Load() {
		return nil, adapters.ErrAdapterClosed
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, adapters.ErrDeadLetterNotFound
	}

	row := a.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT %s FROM %s WHERE id = $1`, deadLetterColumns, a.table("dead_letters")), id)
	letter, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.ErrDeadLetterNotFound
	}
	return letter, err
}

// DeleteDeadLetter removes a dead letter.
func (a *PostgresAdapter) DeleteDeadLetter(ctx context.Context, id string) error {
	if a.closed.Load() {
		return adapters.ErrAdapterClosed
	}
	if _, err := uuid.Parse(id); err != nil {
		return adapters.ErrDeadLetterNotFound
	}

	res, err := a.db.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE id = $1`, a.table("dead_letters")), id)
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("keel/postgres: failed to delete dead letter: %w", err)
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
	var eventID, eventType sql.NullString
	err := s.Scan(
		&letter.ID,
		&letter.Subscription,
		&letter.ConsumerGroup,
		&letter.Stream,
		&letter.MessageID,
		&eventID,
		&eventType,
		&letter.Payload,
		&letter.RetryCount,
		&letter.LastError,
		&letter.FailedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("keel/postgres: failed to scan dead letter: %w", err)
	}
	letter.EventID = eventID.String
	letter.EventType = eventType.String
	letter.FailedAt = letter.FailedAt.UTC()
	return &letter, nil
}
