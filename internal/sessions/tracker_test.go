package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"voice-gateway/internal/cache"
	"voice-gateway/internal/calls"
)

type fixture struct {
	reg     *calls.Registry
	cache   *cache.MemoryCache
	tracker *Tracker
	now     time.Time

	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.cache = cache.NewMemoryCache().WithClock(func() time.Time { return f.now })
	f.reg = calls.NewRegistry(calls.NewMemoryStore(), f.cache, calls.RegistryConfig{}, log)
	f.tracker = NewTracker(f.reg, f.cache, 30*time.Minute, log).WithClock(func() time.Time { return f.now })
	f.tracker.Subscribe(func(e Event) {
		f.mu.Lock()
		f.events = append(f.events, e)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) kinds() []EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventKind, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Kind)
	}
	return out
}

func TestTracker_CreateAgainstMissingCall(t *testing.T) {
	f := newFixture(t)
	setsBefore := f.cache.Sets()

	_, err := f.tracker.Create(context.Background(), "no-such-call", "agent-1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected error to match calls.ErrNotFound")
	}
	if f.cache.Sets() != setsBefore {
		t.Fatalf("expected no cache entry on failure")
	}
	if len(f.tracker.ListActive()) != 0 || len(f.kinds()) != 0 {
		t.Fatalf("expected no session state")
	}
}

func TestTracker_CreateTouchEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, err := f.reg.Create(ctx, calls.Draft{PhoneNumber: "+1", Direction: calls.DirectionIncoming})
	if err != nil {
		t.Fatalf("create call: %v", err)
	}
	s, err := f.tracker.Create(ctx, call.ID, "agent-1")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if !s.Active || s.CallID != call.ID || s.ActorID != "agent-1" {
		t.Fatalf("unexpected session %+v", s)
	}
	if f.cache.TTL(cache.SessionKey(s.ID)) != 30*time.Minute {
		t.Fatalf("expected session cached with ttl")
	}

	f.now = f.now.Add(5 * time.Minute)
	if err := f.tracker.Touch(ctx, s.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	got, err := f.tracker.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.LastActivityAt.Equal(f.now) {
		t.Fatalf("expected last activity refreshed, got %s", got.LastActivityAt)
	}
	entries := f.tracker.Entries()
	if len(entries) != 1 || !entries[0].LastSeen.Equal(f.now) {
		t.Fatalf("unexpected reaper entries %+v", entries)
	}

	if err := f.tracker.End(ctx, s.ID, "leave"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := f.tracker.Get(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ended session gone, got %v", err)
	}
	if _, err := f.cache.Get(ctx, cache.SessionKey(s.ID)); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("expected cache entry deleted")
	}

	kinds := f.kinds()
	if len(kinds) != 2 || kinds[0] != EventCreated || kinds[1] != EventEnded {
		t.Fatalf("unexpected events %v", kinds)
	}
	f.mu.Lock()
	ended := f.events[1]
	f.mu.Unlock()
	if ended.Session.Active || ended.Reason != "leave" {
		t.Fatalf("expected inactive session with reason, got %+v", ended)
	}
}

func TestTracker_UnknownIDsAreNoOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.tracker.Touch(ctx, "ghost"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := f.tracker.End(ctx, "ghost", "leave"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if f.cache.Sets() != 0 || len(f.kinds()) != 0 {
		t.Fatalf("expected no side effects")
	}
}

func TestTracker_EndTwiceEmitsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, _ := f.reg.Create(ctx, calls.Draft{PhoneNumber: "+1", Direction: calls.DirectionIncoming})
	s, _ := f.tracker.Create(ctx, call.ID, "")
	_ = f.tracker.End(ctx, s.ID, "timeout")
	_ = f.tracker.End(ctx, s.ID, "timeout")

	if kinds := f.kinds(); len(kinds) != 2 {
		t.Fatalf("expected created + one ended, got %v", kinds)
	}
}

func TestTracker_ClearDropsHotSetOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, _ := f.reg.Create(ctx, calls.Draft{PhoneNumber: "+1", Direction: calls.DirectionIncoming})
	s, _ := f.tracker.Create(ctx, call.ID, "")
	f.tracker.Clear()

	if len(f.tracker.ListActive()) != 0 {
		t.Fatalf("expected empty hot set")
	}
	// Still resolvable through the cache.
	if _, err := f.tracker.Get(ctx, s.ID); err != nil {
		t.Fatalf("expected cache hit, got %v", err)
	}
}

func TestTracker_TouchDoesNotReviveEndedSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	call, _ := f.reg.Create(ctx, calls.Draft{PhoneNumber: "+1", Direction: calls.DirectionIncoming})
	s, _ := f.tracker.Create(ctx, call.ID, "agent-1")

	f.cache.FailWrites = true
	if err := f.tracker.End(ctx, s.ID, "hangup"); err != nil {
		t.Fatalf("end: %v", err)
	}
	f.cache.FailWrites = false

	if err := f.tracker.Touch(ctx, s.ID); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if len(f.tracker.ListActive()) != 0 {
		t.Fatalf("ended session revived by touch")
	}
	if _, err := f.tracker.Get(ctx, s.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.cache.Get(ctx, cache.SessionKey(s.ID)); !errors.Is(err, cache.ErrMiss) {
		t.Fatalf("expected leftover entry cleaned up, got %v", err)
	}
	if kinds := f.kinds(); len(kinds) != 2 {
		t.Fatalf("expected created + one ended, got %v", kinds)
	}
}
