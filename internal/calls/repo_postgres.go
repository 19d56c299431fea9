package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by PostgresStore.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists calls in the calls table.
//
// Nullable text columns are read back as empty strings; writes turn empty strings into NULL.

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS calls (
  id               text PRIMARY KEY,
  client_id        text,
  phone_number     text NOT NULL,
  direction        text NOT NULL CHECK (direction IN ('incoming','outgoing')),
  status           text NOT NULL,
  duration         integer NOT NULL DEFAULT 0,
  recording_url    text,
  transcript       text,
  summary          text,
  sentiment        text CHECK (sentiment IN ('positive','neutral','negative')),
  confidence_score numeric(3,2),
  created_at       timestamptz NOT NULL,
  updated_at       timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS calls_created_at_idx ON calls (created_at DESC);
CREATE INDEX IF NOT EXISTS calls_status_idx ON calls (status);

CREATE TABLE IF NOT EXISTS call_events (
  id          text PRIMARY KEY,
  kind        text NOT NULL,
  call_id     text,
  session_id  text,
  actor_id    text,
  from_status text,
  to_status   text,
  reason      text,
  created_at  timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS call_events_call_id_idx ON call_events (call_id);
`

// EnsureSchema creates the calls and call_events tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const callColumns = `id, COALESCE(client_id, ''), phone_number, direction, status, duration, ` +
	`COALESCE(recording_url, ''), COALESCE(transcript, ''), COALESCE(summary, ''), COALESCE(sentiment, ''), ` +
	`confidence_score, created_at, updated_at`

func (s *PostgresStore) CreateCall(ctx context.Context, c Call) error {
	const q = `
INSERT INTO calls (
  id, client_id, phone_number, direction, status, duration,
  recording_url, transcript, summary, sentiment, confidence_score, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
`
	_, err := s.db.Exec(ctx, q,
		c.ID,
		nullableString(c.ClientID),
		c.PhoneNumber,
		string(c.Direction),
		string(c.Status),
		c.DurationSeconds,
		nullableString(c.RecordingURL),
		nullableString(c.Transcript),
		nullableString(c.Summary),
		nullableString(string(c.Sentiment)),
		c.ConfidenceScore,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetCall(ctx context.Context, id string) (Call, error) {
	q := `SELECT ` + callColumns + ` FROM calls WHERE id = $1`
	c, err := scanCall(s.db.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	return c, nil
}

func (s *PostgresStore) UpdateCall(ctx context.Context, id string, u CallUpdate) error {
	var (
		sets []string
		args []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.DurationSeconds != nil {
		add("duration", *u.DurationSeconds)
	}
	if u.RecordingURL != nil {
		add("recording_url", nullableString(*u.RecordingURL))
	}
	if u.Transcript != nil {
		add("transcript", nullableString(*u.Transcript))
	}
	if u.Summary != nil {
		add("summary", nullableString(*u.Summary))
	}
	if u.Sentiment != nil {
		add("sentiment", nullableString(string(*u.Sentiment)))
	}
	if u.ConfidenceScore != nil {
		add("confidence_score", *u.ConfidenceScore)
	}
	if !u.UpdatedAt.IsZero() {
		add("updated_at", u.UpdatedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	q := fmt.Sprintf("UPDATE calls SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := s.db.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) QueryCalls(ctx context.Context, f Filter, p Page) ([]Call, error) {
	p = p.Normalize()

	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Direction != "" {
		add("direction = $%d", string(f.Direction))
	}
	if f.PhoneNumber != "" {
		add("phone_number = $%d", f.PhoneNumber)
	}
	if f.ClientID != "" {
		add("client_id = $%d", f.ClientID)
	}
	if !f.From.IsZero() {
		add("created_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("created_at < $%d", f.To)
	}

	q := `SELECT ` + callColumns + ` FROM calls`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, p.Limit, p.Offset)
	q += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanCall(row pgx.Row) (Call, error) {
	var (
		c                            Call
		direction, status, sentiment string
		score                        *float64
	)
	if err := row.Scan(
		&c.ID,
		&c.ClientID,
		&c.PhoneNumber,
		&direction,
		&status,
		&c.DurationSeconds,
		&c.RecordingURL,
		&c.Transcript,
		&c.Summary,
		&sentiment,
		&score,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Call{}, err
	}
	c.Direction = Direction(direction)
	c.Status = Status(status)
	c.Sentiment = Sentiment(sentiment)
	c.ConfidenceScore = score
	return c, nil
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
