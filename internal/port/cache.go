package port

import "context"

// ResultCache stores serialized results keyed by idempotency key. A
// process-local map is enough for one instance; multi-instance deployments
// plug in a shared backend (Redis) behind the same interface.
type ResultCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}
