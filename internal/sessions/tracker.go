package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"voice-gateway/internal/cache"
	"voice-gateway/internal/calls"
	"voice-gateway/internal/reaper"
	"voice-gateway/pkg/utils"
)

// CallResolver is the read side of the call registry.
type CallResolver interface {
	Get(ctx context.Context, id string) (calls.Call, error)
}

// Tracker owns CallSession records.
//
// Staleness is not checked on reads; the reaper expires idle sessions.
// An ended session whose cache entry could not be removed is remembered so lookups never
// revive it from the cache.

type Tracker struct {
	calls CallResolver
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger

	locks *utils.KeyedMutex

	mu    sync.RWMutex
	hot   map[string]Session
	ended map[string]struct{}

	obsMu     sync.RWMutex
	observers []Observer

	clock func() time.Time
	newID func() string
}

func NewTracker(resolver CallResolver, c cache.Cache, ttl time.Duration, log *slog.Logger) *Tracker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		calls: resolver,
		cache: c,
		ttl:   ttl,
		log:   log.With("component", "session_tracker"),
		locks: utils.NewKeyedMutex(),
		hot:   make(map[string]Session),
		ended: make(map[string]struct{}),
		clock: time.Now,
		newID: uuid.NewString,
	}
}

func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Subscribe registers o for created and ended events.
func (t *Tracker) Subscribe(o Observer) {
	t.obsMu.Lock()
	t.observers = append(t.observers, o)
	t.obsMu.Unlock()
}

func (t *Tracker) Create(ctx context.Context, callID, actorID string) (Session, error) {
	if _, err := t.calls.Get(ctx, callID); err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			return Session{}, fmt.Errorf("%w: call %s", ErrNotFound, callID)
		}
		return Session{}, err
	}

	now := t.clock().UTC()
	s := Session{
		ID:             t.newID(),
		CallID:         callID,
		ActorID:        actorID,
		StartedAt:      now,
		LastActivityAt: now,
		Active:         true,
	}

	unlock := t.locks.Lock(s.ID)
	defer unlock()

	t.cachePut(ctx, s)
	t.publish(s)
	t.emit(Event{Kind: EventCreated, Session: s, At: now})
	return s, nil
}

// Touch refreshes the activity timestamp. Unknown ids are ignored.
func (t *Tracker) Touch(ctx context.Context, id string) error {
	unlock := t.locks.Lock(id)
	defer unlock()

	s, ok := t.lookup(ctx, id)
	if !ok || !s.Active {
		return nil
	}
	s.LastActivityAt = t.clock().UTC()
	t.cachePut(ctx, s)
	t.publish(s)
	return nil
}

// End deactivates the session and forgets it. Unknown ids are ignored.
func (t *Tracker) End(ctx context.Context, id, reason string) error {
	unlock := t.locks.Lock(id)
	defer unlock()

	s, ok := t.lookup(ctx, id)
	if !ok {
		return nil
	}
	s.Active = false

	forgotten := true
	if t.cache != nil {
		if err := t.cache.Delete(ctx, cache.SessionKey(id)); err != nil {
			t.log.Warn("cache delete failed", "session_id", id, "err", err)
			forgotten = false
		}
	}
	t.mu.Lock()
	delete(t.hot, id)
	if !forgotten {
		t.ended[id] = struct{}{}
	}
	t.mu.Unlock()

	t.emit(Event{Kind: EventEnded, Session: s, Reason: reason, At: t.clock().UTC()})
	return nil
}

func (t *Tracker) Get(ctx context.Context, id string) (Session, error) {
	s, ok := t.lookup(ctx, id)
	if !ok {
		return Session{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return s, nil
}

func (t *Tracker) ListActive() []Session {
	t.mu.RLock()
	out := make([]Session, 0, len(t.hot))
	for _, s := range t.hot {
		out = append(out, s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (t *Tracker) Name() string { return "sessions" }

func (t *Tracker) Entries() []reaper.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]reaper.Entry, 0, len(t.hot))
	for id, s := range t.hot {
		out = append(out, reaper.Entry{ID: id, LastSeen: s.LastActivityAt})
	}
	return out
}

func (t *Tracker) Expire(ctx context.Context, id, reason string) error {
	return t.End(ctx, id, reason)
}

// Clear drops the hot set. Ended-session markers survive so the cache cannot revive them.
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.hot = make(map[string]Session)
	t.mu.Unlock()
}

func (t *Tracker) lookup(ctx context.Context, id string) (Session, bool) {
	t.mu.RLock()
	s, ok := t.hot[id]
	_, ended := t.ended[id]
	t.mu.RUnlock()
	if ok {
		return s, true
	}
	if t.cache == nil {
		return Session{}, false
	}
	if ended {
		if err := t.cache.Delete(ctx, cache.SessionKey(id)); err == nil {
			t.mu.Lock()
			delete(t.ended, id)
			t.mu.Unlock()
		}
		return Session{}, false
	}

	b, err := t.cache.Get(ctx, cache.SessionKey(id))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			t.log.Warn("cache read failed", "session_id", id, "err", err)
		}
		return Session{}, false
	}
	if err := json.Unmarshal(b, &s); err != nil {
		t.log.Warn("cache entry undecodable", "session_id", id, "err", err)
		return Session{}, false
	}
	return s, true
}

func (t *Tracker) publish(s Session) {
	t.mu.Lock()
	t.hot[s.ID] = s
	t.mu.Unlock()
}

func (t *Tracker) cachePut(ctx context.Context, s Session) {
	if t.cache == nil {
		return
	}
	b, err := json.Marshal(s)
	if err != nil {
		t.log.Warn("cache encode failed", "session_id", s.ID, "err", err)
		return
	}
	if err := t.cache.Set(ctx, cache.SessionKey(s.ID), b, t.ttl); err != nil {
		t.log.Warn("cache write failed", "session_id", s.ID, "err", err)
	}
}

func (t *Tracker) emit(e Event) {
	t.obsMu.RLock()
	obs := append([]Observer(nil), t.observers...)
	t.obsMu.RUnlock()
	for _, o := range obs {
		o(e)
	}
}
