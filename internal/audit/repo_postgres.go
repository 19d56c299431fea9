package audit

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the subset of pgxpool.Pool the audit repository needs.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresRepo appends to the call_events table. The table is created by
// calls.PostgresStore.EnsureSchema.
type PostgresRepo struct {
	db Execer
}

func NewPostgresRepo(db Execer) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_events (id, kind, call_id, session_id, actor_id, from_status, to_status, reason, created_at)
VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)`
	if _, err := r.db.Exec(ctx, q,
		e.ID, string(e.Kind), e.CallID, e.SessionID, e.ActorID, e.FromStatus, e.ToStatus, e.Reason, e.CreatedAt,
	); err != nil {
		return fmt.Errorf("append call event %s: %w", e.ID, err)
	}
	return nil
}
