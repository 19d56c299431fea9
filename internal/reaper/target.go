package reaper

import (
	"context"
	"time"
)

// Entry is one live in-process record as seen by the reaper.
type Entry struct {
	ID       string
	LastSeen time.Time
}

// Target is a component holding live records the reaper may expire.
//
// Expire must go through the same termination path live traffic uses.
// Clear drops in-process state only.

type Target interface {
	Name() string
	Entries() []Entry
	Expire(ctx context.Context, id, reason string) error
	Clear()
}

const (
	ReasonTimeout  = "timeout"
	ReasonShutdown = "shutdown"
)
