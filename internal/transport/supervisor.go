package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hidsward/hidsward/internal/logging"
)

// RestartPolicy shapes the exponential backoff between listener restarts.
type RestartPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsed of zero retries forever.
	MaxElapsed time.Duration
}

func (p RestartPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return b
}

// Supervise runs l.Serve until ctx is done, restarting it with backoff when
// the endpoint fails. A listener that stayed up longer than MaxInterval
// restarts from the initial interval. It only returns an error once the
// policy gives up.
func Supervise(ctx context.Context, l *Listener, policy RestartPolicy, logger *slog.Logger) error {
	logger = logging.OrDiscard(logger)
	b := backoff.WithContext(policy.backOff(), ctx)
	resetAfter := policy.MaxInterval
	if resetAfter <= 0 {
		resetAfter = backoff.DefaultMaxInterval
	}

	for {
		started := time.Now()
		err := l.Serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			return nil
		}
		if time.Since(started) > resetAfter {
			b.Reset()
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("alert listener giving up: %w", err)
		}
		logger.Warn("alert listener unavailable, retrying", "socket", l.SocketPath(), "retry_in", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}
