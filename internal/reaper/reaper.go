package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Clearer is anything holding an in-process hot set that must be emptied at shutdown.
type Clearer interface {
	ClearHotSet()
}

// Reaper expires records whose last activity is older than their target's threshold.
//
// It never mutates state directly: expiry goes through each target's termination path,
// which takes the same per-key locks as live traffic.

type Reaper struct {
	interval time.Duration
	log      *slog.Logger
	clock    func() time.Time

	mu       sync.Mutex
	targets  []registration
	clearers []Clearer
}

type registration struct {
	target    Target
	threshold time.Duration
}

func New(interval time.Duration, log *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reaper{
		interval: interval,
		log:      log.With("component", "reaper"),
		clock:    time.Now,
	}
}

// Register adds t with its idle threshold. Targets are swept in registration order.
func (r *Reaper) Register(t Target, threshold time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, registration{target: t, threshold: threshold})
}

// ClearOnShutdown adds a hot set that Shutdown empties after the final sweep.
func (r *Reaper) ClearOnShutdown(c Clearer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearers = append(r.clearers, c)
}

// Run sweeps on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("reaper started", "interval", r.interval.String())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return nil
		case <-ticker.C:
			r.Sweep(ctx, r.clock())
		}
	}
}

// Sweep expires stale entries with reason timeout and reports how many were expired.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) int {
	expired := 0
	for _, reg := range r.snapshot() {
		for _, e := range reg.target.Entries() {
			if now.Sub(e.LastSeen) <= reg.threshold {
				continue
			}
			if err := reg.target.Expire(ctx, e.ID, ReasonTimeout); err != nil {
				r.log.Warn("expire failed",
					"target", reg.target.Name(), "id", e.ID, "reason", ReasonTimeout, "err", err)
				continue
			}
			expired++
		}
	}
	if expired > 0 {
		r.log.Info("reaped stale entries", "count", expired)
	}
	return expired
}

// Shutdown expires every entry regardless of age, then clears all in-process state.
// Failures are logged and never retried.
func (r *Reaper) Shutdown(ctx context.Context) {
	regs := r.snapshot()

	expired, failed := 0, 0
	for _, reg := range regs {
		for _, e := range reg.target.Entries() {
			if err := reg.target.Expire(ctx, e.ID, ReasonShutdown); err != nil {
				failed++
				r.log.Error("shutdown expire failed",
					"target", reg.target.Name(), "id", e.ID, "err", err)
				continue
			}
			expired++
		}
	}
	for _, reg := range regs {
		reg.target.Clear()
	}

	r.mu.Lock()
	clearers := append([]Clearer(nil), r.clearers...)
	r.mu.Unlock()
	for _, c := range clearers {
		c.ClearHotSet()
	}

	r.log.Info("shutdown sweep finished", "expired", expired, "failed", failed)
}

func (r *Reaper) snapshot() []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registration(nil), r.targets...)
}
