package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultStorePolicy covers transient persistence failures inside job
// processing (subscription lookups, cleanup writes). Queue-level job
// retries are handled by the queue itself, not here.
func DefaultStorePolicy(log *zap.Logger) Policy {
	return Policy{
		Name:     "store",
		Attempts: 3,
		Backoff:  ExpoJitter{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: 0.2},
		Retryable: func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		},
		OnAttempt: func(i int, err error) {
			if log != nil {
				log.Warn("store retry", zap.Int("attempt", i+1), zap.Error(err))
			}
		},
		OnExhaust: func(err error) {
			if log != nil && !errors.Is(err, context.Canceled) {
				log.Error("store retries exhausted", zap.Error(err))
			}
		},
	}
}
