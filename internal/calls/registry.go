package calls

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
	"golang.org/x/sync/singleflight"

	"voice-gateway/internal/cache"
	"voice-gateway/pkg/utils"
)

// Registry is the single writer of call state.
//
// Reads go hot set -> cache -> store. Mutations resolve hot set -> store and never trust
// the cache. Writes go store first; the cache and the hot set are refreshed afterwards on a
// best-effort basis. A cache write that fails marks the id stale so readers skip the entry
// until a later write succeeds. All mutations for one call id are serialized, different ids
// proceed in parallel.
//
// Observers are invoked synchronously while the call's key lock is held, so they must not
// call back into Registry mutations for the same call.

type Registry struct {
	store       Store
	cache       cache.Cache
	callTTL     time.Duration
	terminalTTL time.Duration
	log         *slog.Logger

	locks *utils.KeyedMutex
	reads singleflight.Group

	mu  sync.RWMutex
	hot map[string]Call
	// stale holds ids whose cache entry may be older than the store.
	stale map[string]struct{}

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64

	clock func() time.Time
	newID func() string
}

type RegistryConfig struct {
	// CallTTL bounds how long a live call stays in the cache without being rewritten.
	CallTTL time.Duration
	// TerminalTTL applies to terminal calls read back from the store.
	TerminalTTL time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.CallTTL <= 0 {
		c.CallTTL = time.Hour
	}
	if c.TerminalTTL <= 0 {
		c.TerminalTTL = 5 * time.Minute
	}
	return c
}

func NewRegistry(store Store, c cache.Cache, cfg RegistryConfig, log *slog.Logger) *Registry {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		store:       store,
		cache:       c,
		callTTL:     cfg.CallTTL,
		terminalTTL: cfg.TerminalTTL,
		log:         log.With("component", "call_registry"),
		locks:       utils.NewKeyedMutex(),
		hot:         make(map[string]Call),
		stale:       make(map[string]struct{}),
		observers:   make(map[uint64]Observer),
		clock:       time.Now,
		newID:       uuid.NewString,
	}
}

// WithClock overrides the time source; intended for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

func (r *Registry) Create(ctx context.Context, d Draft) (Call, error) {
	if err := d.Validate(); err != nil {
		return Call{}, err
	}

	now := r.clock().UTC()
	c := Call{
		ID:          r.newID(),
		ClientID:    d.ClientID,
		PhoneNumber: d.PhoneNumber,
		Direction:   d.Direction,
		Status:      StatusInitiated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	unlock := r.locks.Lock(c.ID)
	defer unlock()

	if err := r.store.CreateCall(ctx, c); err != nil {
		return Call{}, &PersistenceError{Op: "create", ID: c.ID, Err: err}
	}
	r.cachePut(ctx, c)
	r.publish(c)

	r.notify(Notification{Kind: KindCreated, Call: c, To: c.Status, At: now})
	return c, nil
}

func (r *Registry) Get(ctx context.Context, id string) (Call, error) {
	if c, ok := r.hotGet(id); ok {
		return c, nil
	}
	if c, ok := r.cacheGet(ctx, id); ok {
		return c, nil
	}

	v, err, _ := r.reads.Do(id, func() (any, error) {
		// Under the key lock so a concurrent End cannot be undone by a stale re-publish.
		unlock := r.locks.Lock(id)
		defer unlock()
		return r.current(ctx, id, true)
	})
	if err != nil {
		return Call{}, err
	}
	return v.(Call), nil
}

// UpdateStatus applies a status transition.
//
// Terminal calls absorb the request: the current record is returned and nothing is written.
// A transition into a terminal status is handled like End without extra fields.
func (r *Registry) UpdateStatus(ctx context.Context, id string, to Status) (Call, error) {
	if !to.Valid() {
		return Call{}, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, to)
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	cur, err := r.current(ctx, id, false)
	if err != nil {
		return Call{}, err
	}
	if cur.Status.IsTerminal() {
		r.log.Info("status change on terminal call ignored",
			"call_id", id, "status", cur.Status, "requested", to)
		return cur, nil
	}
	if cur.Status == to {
		return cur, nil
	}
	if to.IsTerminal() {
		return r.endLocked(ctx, cur, EndFields{Status: to, Reason: "status_update"})
	}
	if !CanTransition(cur.Status, to) {
		r.log.Debug("unlisted status transition", "call_id", id, "from", cur.Status, "to", to)
	}

	now := r.clock().UTC()
	next := cur
	next.Status = to
	next.UpdatedAt = now

	if err := r.store.UpdateCall(ctx, id, CallUpdate{Status: &to, UpdatedAt: now}); err != nil {
		return Call{}, &PersistenceError{Op: "update_status", ID: id, Err: err}
	}
	r.cachePut(ctx, next)
	r.publish(next)

	r.notify(Notification{Kind: KindStatusChanged, Call: next, From: cur.Status, To: to, At: now})
	return next, nil
}

// End forces the call into a terminal status and merges the terminal fields.
//
// Ending an already-terminal call overwrites the terminal fields (last write wins) but does
// not emit a second ended notification.
func (r *Registry) End(ctx context.Context, id string, f EndFields) (Call, error) {
	if err := f.Validate(); err != nil {
		return Call{}, err
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	cur, err := r.current(ctx, id, false)
	if err != nil {
		return Call{}, err
	}
	return r.endLocked(ctx, cur, f)
}

func (r *Registry) endLocked(ctx context.Context, cur Call, f EndFields) (Call, error) {
	status := f.Status
	if !status.IsTerminal() {
		status = StatusCompleted
	}

	now := r.clock().UTC()
	next := cur
	next.Status = status
	next.UpdatedAt = now

	u := CallUpdate{Status: &status, UpdatedAt: now}
	if f.DurationSeconds != nil {
		next.DurationSeconds = *f.DurationSeconds
		u.DurationSeconds = f.DurationSeconds
	}
	if f.RecordingURL != nil {
		next.RecordingURL = *f.RecordingURL
		u.RecordingURL = f.RecordingURL
	}
	if f.Transcript != nil {
		next.Transcript = *f.Transcript
		u.Transcript = f.Transcript
	}
	if f.Summary != nil {
		next.Summary = *f.Summary
		u.Summary = f.Summary
	}
	if f.Sentiment != nil {
		next.Sentiment = *f.Sentiment
		u.Sentiment = f.Sentiment
	}
	if f.ConfidenceScore != nil {
		score := roundScore(*f.ConfidenceScore)
		next.ConfidenceScore = &score
		u.ConfidenceScore = &score
	}

	if err := r.store.UpdateCall(ctx, cur.ID, u); err != nil {
		return Call{}, &PersistenceError{Op: "end", ID: cur.ID, Err: err}
	}
	r.cacheDelete(ctx, cur.ID)
	r.unpublish(cur.ID)

	if cur.Status.IsTerminal() {
		r.log.Info("terminal call ended again; fields overwritten",
			"call_id", cur.ID, "status", cur.Status, "requested", status)
		return next, nil
	}
	r.notify(Notification{Kind: KindEnded, Call: next, From: cur.Status, To: status, Reason: f.Reason, At: now})
	return next, nil
}

// ListActive returns a snapshot of the hot set ordered by creation time.
func (r *Registry) ListActive() []Call {
	r.mu.RLock()
	out := make([]Call, 0, len(r.hot))
	for _, c := range r.hot {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (r *Registry) Query(ctx context.Context, f Filter, p Page) ([]Call, error) {
	out, err := r.store.QueryCalls(ctx, f, p)
	if err != nil {
		return nil, &PersistenceError{Op: "query", Err: err}
	}
	return out, nil
}

// ClearHotSet drops every in-process entry. Cache and store are untouched.
func (r *Registry) ClearHotSet() {
	r.mu.Lock()
	r.hot = make(map[string]Call)
	r.mu.Unlock()
}

// current resolves a call without taking the key lock; callers must hold it.
// The cache is skipped: a mutation must start from the store's view.
// When warm is set, a store hit is written back to the cache and, for live calls, the hot set.
func (r *Registry) current(ctx context.Context, id string, warm bool) (Call, error) {
	if c, ok := r.hotGet(id); ok {
		return c, nil
	}

	c, err := r.store.GetCall(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Call{}, ErrNotFound
		}
		return Call{}, &PersistenceError{Op: "get", ID: id, Err: err}
	}
	if warm {
		r.cachePut(ctx, c)
		if !c.Status.IsTerminal() {
			r.publish(c)
		}
	}
	return c, nil
}

func (r *Registry) hotGet(id string) (Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.hot[id]
	return c, ok
}

func (r *Registry) publish(c Call) {
	r.mu.Lock()
	r.hot[c.ID] = c
	r.mu.Unlock()
}

func (r *Registry) unpublish(id string) {
	r.mu.Lock()
	delete(r.hot, id)
	r.mu.Unlock()
}

func (r *Registry) cacheGet(ctx context.Context, id string) (Call, bool) {
	if r.cache == nil {
		return Call{}, false
	}
	if r.isStale(id) {
		if err := r.cache.Delete(ctx, cache.CallKey(id)); err == nil {
			r.markFresh(id)
		}
		return Call{}, false
	}
	b, err := r.cache.Get(ctx, cache.CallKey(id))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			r.log.Warn("cache read failed", "call_id", id, "err", err)
		}
		return Call{}, false
	}
	var c Call
	if err := json.Unmarshal(b, &c); err != nil {
		r.log.Warn("cache entry undecodable", "call_id", id, "err", err)
		return Call{}, false
	}
	return c, true
}

func (r *Registry) cachePut(ctx context.Context, c Call) {
	if r.cache == nil {
		return
	}
	b, err := json.Marshal(c)
	if err != nil {
		r.log.Warn("cache encode failed", "call_id", c.ID, "err", err)
		return
	}
	ttl := r.callTTL
	if c.Status.IsTerminal() {
		ttl = r.terminalTTL
	}
	if err := r.cache.Set(ctx, cache.CallKey(c.ID), b, ttl); err != nil {
		r.log.Warn("cache write failed", "call_id", c.ID, "err", err)
		r.markStale(c.ID)
		return
	}
	r.markFresh(c.ID)
}

func (r *Registry) cacheDelete(ctx context.Context, id string) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Delete(ctx, cache.CallKey(id)); err != nil {
		r.log.Warn("cache delete failed", "call_id", id, "err", err)
		r.markStale(id)
		return
	}
	r.markFresh(id)
}

func (r *Registry) isStale(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.stale[id]
	return ok
}

func (r *Registry) markStale(id string) {
	r.mu.Lock()
	r.stale[id] = struct{}{}
	r.mu.Unlock()
}

func (r *Registry) markFresh(id string) {
	r.mu.Lock()
	delete(r.stale, id)
	r.mu.Unlock()
}
