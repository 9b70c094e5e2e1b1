package state

import (
	"context"
	"time"
)

// Store shares rate-limit marks between router instances.
type Store interface {
	// Marks the endpoint as rate limited for the given duration.
	Disable(ctx context.Context, endpointID string, duration time.Duration) error

	// Returns how long the endpoint stays rate limited. Zero if it is not.
	DisabledFor(ctx context.Context, endpointID string) (time.Duration, error)
}
