// Package retry holds startup retry helpers for external dependencies.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// MaxElapsed bounds how long a binary waits for a dependency before giving up.
var MaxElapsed = 2 * time.Minute

// Connect calls ping with exponential backoff until it succeeds, ctx is done or
// MaxElapsed has passed.
func Connect(ctx context.Context, logger *zap.Logger, name string, ping func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = MaxElapsed

	notify := func(err error, wait time.Duration) {
		logger.Warn("Dependency not ready, retrying",
			zap.String("dependency", name), zap.Duration("wait", wait), zap.Error(err))
	}

	err := backoff.RetryNotify(func() error {
		return ping(ctx)
	}, backoff.WithContext(bo, ctx), notify)
	if err != nil {
		return err
	}

	logger.Info("Dependency ready", zap.String("dependency", name))
	return nil
}
