package calls

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

var callCols = []string{
	"id", "client_id", "phone_number", "direction", "status", "duration",
	"recording_url", "transcript", "summary", "sentiment", "confidence_score",
	"created_at", "updated_at",
}

func TestPostgresStore_CreateCall(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	c := Call{
		ID:          "c1",
		PhoneNumber: "+79990000001",
		Direction:   DirectionIncoming,
		Status:      StatusInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	mock.ExpectExec(`INSERT INTO calls`).
		WithArgs(
			"c1",
			pgxmock.AnyArg(),
			"+79990000001",
			"incoming",
			"initiated",
			0,
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			pgxmock.AnyArg(),
			now,
			now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := NewPostgresStore(mock).CreateCall(context.Background(), c); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_GetCall(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(pgxmock.PgxPoolIface)
		wantErr   error
		wantPhone string
	}{
		{
			name: "found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
				score := 0.75
				mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1`).
					WithArgs("c1").
					WillReturnRows(pgxmock.NewRows(callCols).AddRow(
						"c1", "client-1", "+15550001", "outgoing", "completed", 42,
						"", "", "short call", "neutral", &score, now, now,
					))
			},
			wantPhone: "+15550001",
		},
		{
			name: "missing",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .* FROM calls WHERE id = \$1`).
					WithArgs("c1").
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: ErrNotFound,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			if err != nil {
				t.Fatalf("failed to create pgx mock: %v", err)
			}
			defer mock.Close()
			tc.setupMock(mock)

			got, err := NewPostgresStore(mock).GetCall(context.Background(), "c1")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if tc.wantErr == nil {
				if got.PhoneNumber != tc.wantPhone || got.Status != StatusCompleted || got.DurationSeconds != 42 {
					t.Fatalf("unexpected call %+v", got)
				}
				if got.ConfidenceScore == nil || *got.ConfidenceScore != 0.75 {
					t.Fatalf("expected confidence score, got %v", got.ConfidenceScore)
				}
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Fatalf("unmet expectations: %v", err)
			}
		})
	}
}

func TestPostgresStore_UpdateCall(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	now := time.Date(2025, 5, 1, 10, 0, 42, 0, time.UTC)
	status := StatusCompleted
	dur := 42

	mock.ExpectExec(`UPDATE calls SET status = \$1, duration = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("completed", 42, now, "c1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE calls SET status = \$1, duration = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("completed", 42, now, "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s := NewPostgresStore(mock)
	u := CallUpdate{Status: &status, DurationSeconds: &dur, UpdatedAt: now}
	if err := s.UpdateCall(context.Background(), "c1", u); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.UpdateCall(context.Background(), "ghost", u); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for zero rows, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_QueryCalls(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .* FROM calls WHERE status = \$1 AND direction = \$2 ORDER BY created_at DESC, id LIMIT \$3 OFFSET \$4`).
		WithArgs("answered", "incoming", 10, 20).
		WillReturnRows(pgxmock.NewRows(callCols).
			AddRow("c1", "", "+1", "incoming", "answered", 0, "", "", "", "", nil, now, now).
			AddRow("c2", "", "+2", "incoming", "answered", 0, "", "", "", "", nil, now, now))

	out, err := NewPostgresStore(mock).QueryCalls(context.Background(),
		Filter{Status: StatusAnswered, Direction: DirectionIncoming},
		Page{Limit: 10, Offset: 20})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(out) != 2 || out[1].ID != "c2" || out[0].ConfidenceScore != nil {
		t.Fatalf("unexpected rows %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS calls`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := NewPostgresStore(mock).EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
