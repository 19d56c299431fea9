package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v4"

	"voice-gateway/internal/calls"
	"voice-gateway/internal/sessions"
	"voice-gateway/internal/signaling"
	"voice-gateway/internal/telephony"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestService_AppendRequiresKindAndSubject(t *testing.T) {
	svc := NewService(NewMemoryRepo(), 0, quiet())

	if err := svc.Append(context.Background(), Event{CallID: "c1"}); err == nil {
		t.Fatalf("expected error without kind")
	}
	if err := svc.Append(context.Background(), Event{Kind: KindCallCreated}); err == nil {
		t.Fatalf("expected error without call or session")
	}
}

func TestService_AppendFillsIdentity(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, 0, quiet())

	if err := svc.Append(context.Background(), Event{Kind: KindCallCreated, CallID: "c1"}); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].ID == "" || evs[0].CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamp, got %+v", evs[0])
	}
}

func TestService_RunDrainsObservedEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, 16, quiet())
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	call := calls.Call{ID: "c1", Status: calls.StatusCompleted}
	svc.ObserveCall(calls.Notification{Kind: calls.KindCreated, Call: call, To: calls.StatusInitiated, At: at})
	svc.ObserveCall(calls.Notification{Kind: calls.KindEnded, Call: call, From: calls.StatusAnswered, To: calls.StatusCompleted, Reason: "hangup", At: at})
	svc.ObserveSession(sessions.Event{Kind: sessions.EventEnded, Session: sessions.Session{ID: "s1", CallID: "c1", ActorID: "agent-1"}, Reason: "timeout", At: at})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 3 {
		t.Fatalf("expected 3 flushed events, got %d", len(evs))
	}
	ended := evs[1]
	if ended.Kind != KindCallEnded || ended.FromStatus != "answered" || ended.ToStatus != "completed" || ended.Reason != "hangup" {
		t.Fatalf("unexpected ended event %+v", ended)
	}
	if evs[2].Kind != KindSessionEnded || evs[2].ActorID != "agent-1" {
		t.Fatalf("unexpected session event %+v", evs[2])
	}
}

func TestService_RecordDropsWhenFull(t *testing.T) {
	svc := NewService(NewMemoryRepo(), 1, quiet())
	svc.Record(Event{Kind: KindCallCreated, CallID: "a"})
	svc.Record(Event{Kind: KindCallCreated, CallID: "b"})

	if svc.Dropped() != 1 {
		t.Fatalf("expected one dropped event, got %d", svc.Dropped())
	}
}

func TestService_RepositoryFailureIsLogged(t *testing.T) {
	repo := NewMemoryRepo()
	repo.Fail = true
	svc := NewService(repo, 4, quiet())
	svc.Record(Event{Kind: KindCallCreated, CallID: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("run must not fail on repository errors: %v", err)
	}
}

func TestPostgresRepo_Append(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("failed to create pgx mock: %v", err)
	}
	defer mock.Close()

	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO call_events`).
		WithArgs("e1", "call_ended", "c1", "", "", "answered", "completed", "hangup", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = NewPostgresRepo(mock).Append(context.Background(), Event{
		ID: "e1", Kind: KindCallEnded, CallID: "c1",
		FromStatus: "answered", ToStatus: "completed", Reason: "hangup", CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestService_RecordsTransportEvents(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo, 16, quiet())
	at := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

	leg := telephony.TransportHandle{Handle: "H1", CallID: "c1", UpdatedAt: at}
	svc.ObserveHandle(telephony.HandleEvent{Kind: telephony.HandleLinked, Handle: leg, Status: calls.StatusInitiated})
	svc.ObserveHandle(telephony.HandleEvent{Kind: telephony.HandleReleased, Handle: leg, Status: calls.StatusFailed, Reason: "api"})

	conn := signaling.Connection{ID: "S1", CallID: "c1", ActorID: "agent-1", SessionID: "s1"}
	svc.ObserveConnection(signaling.ConnectionEvent{Kind: signaling.ConnectionJoined, Connection: conn})
	svc.ObserveConnection(signaling.ConnectionEvent{Kind: signaling.ConnectionLeft, Connection: conn, Reason: "call_ended"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}

	evs := repo.Events()
	if len(evs) != 4 {
		t.Fatalf("expected 4 events, got %d", len(evs))
	}
	if evs[0].Kind != KindLegLinked || evs[0].Reason != "handle=H1" || !evs[0].CreatedAt.Equal(at) {
		t.Fatalf("unexpected linked event %+v", evs[0])
	}
	if evs[1].Kind != KindLegReleased || evs[1].ToStatus != "failed" || evs[1].Reason != "api" {
		t.Fatalf("unexpected released event %+v", evs[1])
	}
	if evs[3].Kind != KindSignalingLeft || evs[3].SessionID != "s1" || evs[3].Reason != "call_ended" {
		t.Fatalf("unexpected left event %+v", evs[3])
	}
	if evs[2].CreatedAt.IsZero() {
		t.Fatalf("connection events must be stamped")
	}
}
