package port

import "context"

type IdempotencyRepository interface {
	// SetIdempotency claims a key, returns false if already claimed
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// ReleaseIdempotency drops a claim so a failed request can be retried
	ReleaseIdempotency(ctx context.Context, key string) error
}
