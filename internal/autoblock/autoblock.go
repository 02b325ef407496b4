// Package autoblock blocks an address once it has produced threshold
// incidents inside a sliding window (fail2ban's maxretry/findtime/bantime).
package autoblock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/internal/store"
	"github.com/hidsward/hidsward/pkg/types"
)

// Blocker is the part of the block-state machine the policy drives.
type Blocker interface {
	Query(ctx context.Context, address string) (types.BlockStatus, error)
	RequestBlockIfUnblocked(ctx context.Context, address, reason string, duration time.Duration) (types.TransitionResult, error)
}

type Options struct {
	Threshold int
	Window    time.Duration
	// Duration <= 0 blocks permanently.
	Duration time.Duration
	Timeout  time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

type Policy struct {
	broker    *events.Broker
	incidents store.IncidentStore
	blocker   Blocker
	opts      Options
	logger    *slog.Logger
}

func New(broker *events.Broker, incidents store.IncidentStore, blocker Blocker, opts Options) *Policy {
	if opts.Threshold <= 0 {
		opts.Threshold = 5
	}
	if opts.Window <= 0 {
		opts.Window = 10 * time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Policy{
		broker:    broker,
		incidents: incidents,
		blocker:   blocker,
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger),
	}
}

// Run evaluates every alert event until ctx is done.
func (p *Policy) Run(ctx context.Context) error {
	ch := p.broker.Subscribe(types.EventAlert, 256)
	defer p.broker.Unsubscribe(types.EventAlert, ch)
	p.logger.Info("auto-block enabled", "threshold", p.opts.Threshold, "window", p.opts.Window, "duration", p.opts.Duration)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			evCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
			if _, err := p.Evaluate(evCtx, ev.Address, ev.Reason); err != nil {
				p.logger.Warn("auto-block evaluation failed", "address", ev.Address, "error", err)
			}
			cancel()
		}
	}
}

// Evaluate blocks address when it has reached the threshold and is not
// already blocked. It reports whether a block was requested. Existing blocks
// are never touched, so an operator's permanent block is not shortened.
func (p *Policy) Evaluate(ctx context.Context, address, lastReason string) (bool, error) {
	st, err := p.blocker.Query(ctx, address)
	if err != nil {
		return false, err
	}
	if st.State == types.StateBlocked || st.Whitelisted {
		return false, nil
	}

	incs, err := p.incidents.QueryIncidents(ctx, types.IncidentQuery{
		Address: address,
		Since:   p.opts.Now().Add(-p.opts.Window),
		Limit:   p.opts.Threshold,
	})
	if err != nil {
		return false, fmt.Errorf("count incidents: %w", err)
	}
	if len(incs) < p.opts.Threshold {
		return false, nil
	}

	reason := fmt.Sprintf("auto: %d incidents in %s", len(incs), p.opts.Window)
	if lastReason != "" {
		reason += ": " + lastReason
	}
	res, err := p.blocker.RequestBlockIfUnblocked(ctx, address, reason, p.opts.Duration)
	switch {
	case errors.Is(err, types.ErrWhitelistConflict), errors.Is(err, types.ErrProtectedAddress):
		p.logger.Info("auto-block skipped", "address", address, "error", err)
		return false, nil
	case err != nil:
		return false, err
	case res.Outcome == types.OutcomeAlreadyBlocked:
		return false, nil
	}
	p.logger.Info("address auto-blocked", "address", address, "incidents", len(incs), "duration", p.opts.Duration)
	return true, nil
}
