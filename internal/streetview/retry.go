package streetview

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retries_total",
		Help: "Total retry attempts by error class",
	}, []string{"error_class"})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_retry_exhausted_total",
		Help: "Total operations that exhausted their retry budget by error class",
	}, []string{"error_class"})
)

// Retry executes fn up to maxAttempts times, waiting `wait` between attempts.
// retryable classifies errors: a false return stops immediately (permanent
// failure), a true return burns one attempt. The wait between attempts also
// keeps retried remote calls under the same pacing as first attempts.
func Retry(ctx context.Context, maxAttempts int, wait time.Duration, retryable func(error) bool, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Debug().Int("attempt", attempt).Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err
		if !retryable(err) {
			return lastErr
		}
		if attempt >= maxAttempts {
			break
		}

		class := string(ClassOf(err))
		retriesTotal.WithLabelValues(class).Inc()
		log.Debug().
			Str("error_class", class).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Retrying after failure")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-time.After(wait):
		}
	}

	retryExhaustedTotal.WithLabelValues(string(ClassOf(lastErr))).Inc()
	return fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, maxAttempts, lastErr)
}
