package port

import (
	"context"
	"time"
)

type CacheRepository interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency removes a key so a failed request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error

	// RegisterLoginFailure atomically counts a failed login inside window and returns the attempt count
	RegisterLoginFailure(ctx context.Context, subject string, window time.Duration) (int64, error)

	// LoginFailures returns the failed attempts currently counted for subject
	LoginFailures(ctx context.Context, subject string) (int64, error)

	ClearLoginFailures(ctx context.Context, subject string) error
}
