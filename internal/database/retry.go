package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

const retryBaseDelay = 500 * time.Millisecond

// retry calls connect up to attempts times with exponential backoff.
// Containers often start before their database is reachable.
func retry(ctx context.Context, attempts int, log zerolog.Logger, connect func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = retryBaseDelay
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)
	try := 0
	return backoff.RetryNotify(func() error {
		try++
		return connect(ctx)
	}, b, func(err error, next time.Duration) {
		log.Warn().Err(err).Int("attempt", try).Dur("retry_in", next).Msg("Connect failed, retrying")
	})
}
