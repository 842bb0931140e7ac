package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresArchive is a PostgreSQL implementation of Archive.
type PostgresArchive struct {
	pool *pgxpool.Pool
}

// NewPostgresArchive creates a new PostgreSQL message archive.
func NewPostgresArchive(pool *pgxpool.Pool) *PostgresArchive {
	return &PostgresArchive{pool: pool}
}

const messageColumns = `
	id, device_id, direction, priority, payload_text, source_language, target_language,
	translated_text, downgraded, state, reason, attempt_count, attempts,
	created_at, updated_at, last_attempt_at, next_attempt_at`

// Save creates or replaces the message record.
func (a *PostgresArchive) Save(ctx context.Context, m *Message) error {
	attempts, err := json.Marshal(m.Attempts)
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			translated_text = EXCLUDED.translated_text,
			downgraded = EXCLUDED.downgraded,
			state = EXCLUDED.state,
			reason = EXCLUDED.reason,
			attempt_count = EXCLUDED.attempt_count,
			attempts = EXCLUDED.attempts,
			updated_at = EXCLUDED.updated_at,
			last_attempt_at = EXCLUDED.last_attempt_at,
			next_attempt_at = EXCLUDED.next_attempt_at
	`

	_, err = a.pool.Exec(ctx, query,
		m.ID,
		m.DeviceID,
		string(m.Direction),
		int(m.Priority),
		m.Payload.Text,
		m.Payload.SourceLanguage,
		m.Payload.TargetLanguage,
		m.TranslatedPayload,
		m.Downgraded,
		string(m.State),
		string(m.Reason),
		m.AttemptCount,
		attempts,
		m.CreatedAt,
		m.UpdatedAt,
		m.LastAttemptAt,
		m.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("save message %s: %w", m.ID, err)
	}
	return nil
}

// Get retrieves a message by ID.
func (a *PostgresArchive) Get(ctx context.Context, id string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`
	return scanMessage(a.pool.QueryRow(ctx, query, id))
}

// ListByStates returns messages in any of the given states, oldest first.
func (a *PostgresArchive) ListByStates(ctx context.Context, states []State, opts ListOptions) ([]*Message, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}

	query := `SELECT ` + messageColumns + `
		FROM messages
		WHERE state = ANY($1) AND ($2 = '' OR device_id = $2)
		ORDER BY created_at, id`
	args := []any{names, opts.DeviceID}
	if opts.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, opts.Limit)
	}

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var items []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return items, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		m         Message
		direction string
		priority  int
		state     string
		reason    string
		attempts  []byte
	)
	err := row.Scan(
		&m.ID,
		&m.DeviceID,
		&direction,
		&priority,
		&m.Payload.Text,
		&m.Payload.SourceLanguage,
		&m.Payload.TargetLanguage,
		&m.TranslatedPayload,
		&m.Downgraded,
		&state,
		&reason,
		&m.AttemptCount,
		&attempts,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.LastAttemptAt,
		&m.NextAttemptAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.Direction = Direction(direction)
	m.Priority = Priority(priority)
	m.State = State(state)
	m.Reason = Reason(reason)
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &m.Attempts); err != nil {
			return nil, fmt.Errorf("unmarshal attempts: %w", err)
		}
	}
	return &m, nil
}

var _ Archive = (*PostgresArchive)(nil)
