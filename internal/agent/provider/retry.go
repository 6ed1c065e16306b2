package provider

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/hearthlabs/hearth/internal/agent/classify"
	"github.com/hearthlabs/hearth/internal/logging"
)

// withRetry runs fn up to three times with exponential backoff starting
// at two seconds. Only transient failures are retried; auth and
// bad-request errors surface immediately.
func withRetry(ctx context.Context, label string, fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.MaxDelay(30*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTransient),
		retry.OnRetry(func(n uint, err error) {
			logging.G(ctx).WithField("attempt", n+1).WithError(err).Warnf("%s retrying", label)
		}),
	)
}

func isTransient(err error) bool {
	switch classify.Classify(err) {
	case classify.KindRateLimited, classify.KindOverloaded,
		classify.KindNetwork, classify.KindTimeout, classify.KindEmptyResponse:
		return true
	default:
		return false
	}
}
