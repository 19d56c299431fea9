package httpapi

import (
	"fmt"

	"voice-gateway/internal/calls"
)

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{calls.ErrInvalidInput}, args...)...)
}

func invalidJSON(err error) error {
	return fmt.Errorf("%w: invalid json: %v", calls.ErrInvalidInput, err)
}
