package calls

import "context"

// Store is the durable persistence contract for calls.
//
// GetCall and UpdateCall return ErrNotFound for unknown ids.
// Rows are never deleted.

type Store interface {
	CreateCall(ctx context.Context, c Call) error
	GetCall(ctx context.Context, id string) (Call, error)
	UpdateCall(ctx context.Context, id string, u CallUpdate) error
	QueryCalls(ctx context.Context, f Filter, p Page) ([]Call, error)
}
