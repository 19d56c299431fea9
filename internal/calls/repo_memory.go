package calls

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store useful for tests and local runs.
// It is not intended for production use.

type MemoryStore struct {
	mu    sync.Mutex
	calls map[string]Call

	// Failure toggles for exercising persistence error paths.
	FailCreate bool
	FailGet    bool
	FailUpdate bool

	updates int
}

var errStoreDown = errors.New("store unavailable")

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{calls: make(map[string]Call)}
}

func (s *MemoryStore) CreateCall(ctx context.Context, c Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailCreate {
		return errStoreDown
	}
	if _, exists := s.calls[c.ID]; exists {
		return errors.New("duplicate call id")
	}
	s.calls[c.ID] = c
	return nil
}

func (s *MemoryStore) GetCall(ctx context.Context, id string) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailGet {
		return Call{}, errStoreDown
	}
	c, ok := s.calls[id]
	if !ok {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) UpdateCall(ctx context.Context, id string, u CallUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailUpdate {
		return errStoreDown
	}
	c, ok := s.calls[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != nil {
		c.Status = *u.Status
	}
	if u.DurationSeconds != nil {
		c.DurationSeconds = *u.DurationSeconds
	}
	if u.RecordingURL != nil {
		c.RecordingURL = *u.RecordingURL
	}
	if u.Transcript != nil {
		c.Transcript = *u.Transcript
	}
	if u.Summary != nil {
		c.Summary = *u.Summary
	}
	if u.Sentiment != nil {
		c.Sentiment = *u.Sentiment
	}
	if u.ConfidenceScore != nil {
		v := *u.ConfidenceScore
		c.ConfidenceScore = &v
	}
	if !u.UpdatedAt.IsZero() {
		c.UpdatedAt = u.UpdatedAt
	}
	s.calls[id] = c
	s.updates++
	return nil
}

func (s *MemoryStore) QueryCalls(ctx context.Context, f Filter, p Page) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailGet {
		return nil, errStoreDown
	}
	p = p.Normalize()

	out := make([]Call, 0, len(s.calls))
	for _, c := range s.calls {
		if matches(c, f) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if p.Offset >= len(out) {
		return []Call{}, nil
	}
	out = out[p.Offset:]
	if len(out) > p.Limit {
		out = out[:p.Limit]
	}
	return out, nil
}

// Updates counts successful UpdateCall writes.
func (s *MemoryStore) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

func matches(c Call, f Filter) bool {
	if f.Status != "" && c.Status != f.Status {
		return false
	}
	if f.Direction != "" && c.Direction != f.Direction {
		return false
	}
	if f.PhoneNumber != "" && c.PhoneNumber != f.PhoneNumber {
		return false
	}
	if f.ClientID != "" && c.ClientID != f.ClientID {
		return false
	}
	if !f.From.IsZero() && c.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !c.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
