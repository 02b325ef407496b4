// Package blockstate owns the per-address block/unblock state machine. It is
// the only caller of the firewall effector and the only writer of block
// records.
package blockstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/internal/expiry"
	"github.com/hidsward/hidsward/internal/firewall"
	"github.com/hidsward/hidsward/internal/logging"
	"github.com/hidsward/hidsward/internal/metrics"
	"github.com/hidsward/hidsward/internal/store"
	"github.com/hidsward/hidsward/pkg/types"
)

const (
	defaultExpiryTimeout = 30 * time.Second
	defaultRetryDelay    = 30 * time.Second
)

type Options struct {
	Ledger    store.BlockLedger
	Whitelist store.WhitelistStore
	Effector  firewall.Effector

	// Broker receives state-change events. Optional.
	Broker  *events.Broker
	Metrics *metrics.Collector
	Logger  *slog.Logger

	// ExpiryTimeout bounds the effector call made when a timer fires.
	ExpiryTimeout time.Duration
	// RetryDelay is how long a failed expiry waits before trying again.
	RetryDelay time.Duration
	Now        func() time.Time
}

type Machine struct {
	ledger    store.BlockLedger
	whitelist store.WhitelistStore
	effector  firewall.Effector
	broker    *events.Broker
	metrics   *metrics.Collector
	logger    *slog.Logger
	sched     *expiry.Scheduler
	locks     *keyedMutex

	expiryTimeout time.Duration
	retryDelay    time.Duration
	now           func() time.Time
}

func New(opts Options) (*Machine, error) {
	if opts.Ledger == nil || opts.Whitelist == nil || opts.Effector == nil {
		return nil, errors.New("blockstate: ledger, whitelist and effector are required")
	}
	m := &Machine{
		ledger:        opts.Ledger,
		whitelist:     opts.Whitelist,
		effector:      opts.Effector,
		broker:        opts.Broker,
		metrics:       opts.Metrics,
		logger:        logging.OrDiscard(opts.Logger),
		locks:         newKeyedMutex(),
		expiryTimeout: opts.ExpiryTimeout,
		retryDelay:    opts.RetryDelay,
		now:           opts.Now,
	}
	if m.expiryTimeout <= 0 {
		m.expiryTimeout = defaultExpiryTimeout
	}
	if m.retryDelay <= 0 {
		m.retryDelay = defaultRetryDelay
	}
	if m.now == nil {
		m.now = time.Now
	}
	m.sched = expiry.New(m.onExpiry, m.logger)
	return m, nil
}

// RequestBlock blocks address. A duration <= 0 blocks permanently. Blocking
// an address that is already blocked replaces its reason and expiry.
func (m *Machine) RequestBlock(ctx context.Context, address, reason string, duration time.Duration) (types.TransitionResult, error) {
	return m.requestBlock(ctx, address, reason, duration, false)
}

// RequestBlockIfUnblocked is RequestBlock that leaves an existing block
// untouched. The check happens under the address lock, so a block placed
// concurrently by an operator is never refreshed by the caller.
func (m *Machine) RequestBlockIfUnblocked(ctx context.Context, address, reason string, duration time.Duration) (types.TransitionResult, error) {
	return m.requestBlock(ctx, address, reason, duration, true)
}

func (m *Machine) requestBlock(ctx context.Context, address, reason string, duration time.Duration, onlyNew bool) (types.TransitionResult, error) {
	if err := checkAddress(address); err != nil {
		return types.TransitionResult{}, err
	}
	unlock := m.locks.Lock(address)
	defer unlock()

	listed, err := m.whitelist.IsWhitelisted(ctx, address)
	if err != nil {
		return types.TransitionResult{}, fmt.Errorf("whitelist lookup %s: %w", address, err)
	}
	if listed {
		m.metrics.IncWhitelistConflict()
		m.logger.Info("block rejected, address is whitelisted", "address", address)
		return types.TransitionResult{}, fmt.Errorf("%w: %s", types.ErrWhitelistConflict, address)
	}

	existing, found, err := m.ledger.GetBlock(ctx, address)
	if err != nil {
		return types.TransitionResult{}, fmt.Errorf("ledger lookup %s: %w", address, err)
	}
	if found && onlyNew {
		return types.TransitionResult{
			Address: address,
			State:   types.StateBlocked,
			Outcome: types.OutcomeAlreadyBlocked,
			Record:  &existing,
		}, nil
	}

	now := m.now().UTC()
	rec := types.BlockRecord{Address: address, Reason: reason, CreatedAt: now}
	if found {
		rec.CreatedAt = existing.CreatedAt
	}
	if duration > 0 {
		exp := now.Add(duration)
		rec.ExpiresAt = &exp
	}

	added, err := m.effector.Apply(ctx, address, reason)
	if err != nil {
		m.metrics.IncEnforcementFailure()
		m.logger.Warn("firewall apply failed", "address", address, "backend", m.effector.Name(), "error", err)
		return types.TransitionResult{}, fmt.Errorf("%w: apply %s: %w", types.ErrEnforcementFailed, address, err)
	}
	switch {
	case !found && !added:
		m.logger.Info("firewall rule already present, adopting", "address", address)
	case found && added:
		m.logger.Warn("firewall rule was missing for blocked address, re-applied", "address", address)
	}

	// The rule is in place; recording it must not depend on the caller
	// staying around.
	rctx, cancel := m.recordContext(ctx)
	defer cancel()
	if err := m.ledger.PutBlock(rctx, rec); err != nil {
		if added {
			if _, rerr := m.effector.Remove(rctx, address); rerr != nil {
				m.logger.Error("rollback of firewall rule failed", "address", address, "error", rerr)
			}
		}
		return types.TransitionResult{}, fmt.Errorf("ledger write %s: %w", address, err)
	}
	if !found {
		if err := m.ledger.MarkIncidentsBlocked(rctx, address); err != nil {
			m.logger.Warn("mark incidents blocked failed", "address", address, "error", err)
		}
	}
	if rec.ExpiresAt != nil {
		m.sched.Schedule(address, *rec.ExpiresAt)
	} else {
		m.sched.Cancel(address)
	}

	outcome := types.OutcomeBlocked
	if found {
		outcome = types.OutcomeRefreshed
	}
	m.metrics.IncTransition(string(outcome))
	m.logger.Info("address blocked", "address", address, "reason", reason, "outcome", outcome, "expires_at", rec.ExpiresAt)
	m.publishState(address, types.StateBlocked, rec.ExpiresAt, reason, string(outcome))

	return types.TransitionResult{
		Address: address,
		State:   types.StateBlocked,
		Outcome: outcome,
		Changed: !found,
		Record:  &rec,
	}, nil
}

// RequestUnblock lifts a block. Unblocking an address that is not blocked
// succeeds without touching the firewall.
func (m *Machine) RequestUnblock(ctx context.Context, address string) (types.TransitionResult, error) {
	if err := types.ValidateIPv4(address); err != nil {
		return types.TransitionResult{}, err
	}
	unlock := m.locks.Lock(address)
	defer unlock()

	rec, found, err := m.ledger.GetBlock(ctx, address)
	if err != nil {
		return types.TransitionResult{}, fmt.Errorf("ledger lookup %s: %w", address, err)
	}
	if !found {
		m.metrics.IncTransition(string(types.OutcomeAlreadyUnblocked))
		return types.TransitionResult{
			Address: address,
			State:   types.StateUnblocked,
			Outcome: types.OutcomeAlreadyUnblocked,
		}, nil
	}
	if err := m.unblockLocked(ctx, rec, types.OutcomeUnblocked); err != nil {
		return types.TransitionResult{}, err
	}
	m.sched.Cancel(address)
	return types.TransitionResult{
		Address: address,
		State:   types.StateUnblocked,
		Outcome: types.OutcomeUnblocked,
		Changed: true,
	}, nil
}

// expiryFired unblocks address only if its record still carries expiresAt.
// Anything else means the timer lost a race with an unblock or a refresh.
func (m *Machine) expiryFired(ctx context.Context, address string, expiresAt time.Time) error {
	unlock := m.locks.Lock(address)
	defer unlock()

	rec, found, err := m.ledger.GetBlock(ctx, address)
	if err != nil {
		return fmt.Errorf("ledger lookup %s: %w", address, err)
	}
	if !found || rec.ExpiresAt == nil || !rec.ExpiresAt.Equal(expiresAt) {
		return fmt.Errorf("%w: %s at %s", types.ErrStaleExpiry, address, expiresAt.Format(time.RFC3339))
	}
	return m.unblockLocked(ctx, rec, types.OutcomeExpired)
}

func (m *Machine) onExpiry(address string, expiresAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), m.expiryTimeout)
	defer cancel()

	err := m.expiryFired(ctx, address, expiresAt)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrStaleExpiry):
		m.metrics.IncStaleExpiry()
		m.logger.Debug("stale expiry ignored", "address", address, "expires_at", expiresAt)
	default:
		m.logger.Warn("expiry unblock failed, will retry", "address", address, "retry_in", m.retryDelay, "error", err)
		m.sched.Retry(address, expiresAt, m.retryDelay)
	}
}

// unblockLocked removes the rule and then the record. The caller holds the
// address lock.
func (m *Machine) unblockLocked(ctx context.Context, rec types.BlockRecord, outcome types.Outcome) error {
	removed, err := m.effector.Remove(ctx, rec.Address)
	if err != nil {
		m.metrics.IncEnforcementFailure()
		m.logger.Warn("firewall remove failed", "address", rec.Address, "backend", m.effector.Name(), "error", err)
		return fmt.Errorf("%w: remove %s: %w", types.ErrEnforcementFailed, rec.Address, err)
	}
	switch removed {
	case firewall.AlreadyAbsent:
		m.logger.Info("firewall rule already absent", "address", rec.Address)
	case firewall.NotFoundOnDelete:
		m.logger.Info("firewall rule vanished before delete, treating as removed", "address", rec.Address)
	}
	rctx, cancel := m.recordContext(ctx)
	defer cancel()
	if _, err := m.ledger.DeleteBlock(rctx, rec.Address); err != nil {
		return fmt.Errorf("ledger delete %s: %w", rec.Address, err)
	}
	m.metrics.IncTransition(string(outcome))
	m.logger.Info("address unblocked", "address", rec.Address, "outcome", outcome, "firewall", removed)
	m.publishState(rec.Address, types.StateUnblocked, nil, rec.Reason, string(outcome))
	return nil
}

// recordContext outlives cancellation of ctx but stays bounded, for ledger
// writes that follow a firewall change which already happened.
func (m *Machine) recordContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.expiryTimeout)
}

// Query reports the current state of address.
func (m *Machine) Query(ctx context.Context, address string) (types.BlockStatus, error) {
	if err := types.ValidateIPv4(address); err != nil {
		return types.BlockStatus{}, err
	}
	st := types.BlockStatus{Address: address, State: types.StateUnblocked}
	rec, found, err := m.ledger.GetBlock(ctx, address)
	if err != nil {
		return st, fmt.Errorf("ledger lookup %s: %w", address, err)
	}
	if found {
		st.State = types.StateBlocked
		st.Record = &rec
	}
	st.Whitelisted, err = m.whitelist.IsWhitelisted(ctx, address)
	if err != nil {
		return st, fmt.Errorf("whitelist lookup %s: %w", address, err)
	}
	return st, nil
}

func (m *Machine) List(ctx context.Context) ([]types.BlockRecord, error) {
	return m.ledger.ListBlocks(ctx)
}

// AddWhitelist whitelists address. An existing block is left in place.
func (m *Machine) AddWhitelist(ctx context.Context, address, note string) (types.WhitelistResult, error) {
	if err := types.ValidateIPv4(address); err != nil {
		return types.WhitelistResult{}, err
	}
	unlock := m.locks.Lock(address)
	defer unlock()

	entry := types.WhitelistEntry{Address: address, AddedAt: m.now().UTC(), Note: note}
	added, err := m.whitelist.AddWhitelist(ctx, entry)
	if err != nil {
		return types.WhitelistResult{}, fmt.Errorf("whitelist add %s: %w", address, err)
	}
	_, blocked, err := m.ledger.GetBlock(ctx, address)
	if err != nil {
		return types.WhitelistResult{}, fmt.Errorf("ledger lookup %s: %w", address, err)
	}
	if blocked {
		m.logger.Info("whitelisted address remains blocked", "address", address)
	}
	if added {
		m.publishWhitelist(address, "added", note)
	}
	return types.WhitelistResult{Entry: entry, Added: added, StillBlocked: blocked}, nil
}

func (m *Machine) RemoveWhitelist(ctx context.Context, address string) (bool, error) {
	if err := types.ValidateIPv4(address); err != nil {
		return false, err
	}
	unlock := m.locks.Lock(address)
	defer unlock()

	removed, err := m.whitelist.RemoveWhitelist(ctx, address)
	if err != nil {
		return false, fmt.Errorf("whitelist remove %s: %w", address, err)
	}
	if removed {
		m.publishWhitelist(address, "removed", "")
	}
	return removed, nil
}

func (m *Machine) ListWhitelist(ctx context.Context) ([]types.WhitelistEntry, error) {
	return m.whitelist.ListWhitelist(ctx)
}

// Rehydrate re-applies firewall rules for every stored block and arms their
// expiry timers. Past-due blocks are lifted once each. It returns the number
// of records loaded.
func (m *Machine) Rehydrate(ctx context.Context) (int, error) {
	recs, err := m.ledger.ListBlocks(ctx)
	if err != nil {
		return 0, fmt.Errorf("rehydrate: %w", err)
	}
	now := m.now()
	for _, rec := range recs {
		if rec.ExpiresAt != nil && !rec.ExpiresAt.After(now) {
			continue
		}
		added, err := m.effector.Apply(ctx, rec.Address, rec.Reason)
		if err != nil {
			m.metrics.IncEnforcementFailure()
			m.logger.Warn("re-apply of stored block failed", "address", rec.Address, "error", err)
			continue
		}
		if added {
			m.logger.Info("re-applied stored block", "address", rec.Address)
		}
	}
	armed := m.sched.Rehydrate(recs)
	m.logger.Info("block ledger rehydrated", "blocks", len(recs), "timers", armed)
	return len(recs), nil
}

// Pending lists armed expiry timers.
func (m *Machine) Pending() []expiry.Pending { return m.sched.Pending() }

// Stop disarms all timers. Stored records keep their expiry for the next
// Rehydrate.
func (m *Machine) Stop() { m.sched.Stop() }

func (m *Machine) publishState(address string, state types.BlockState, expiresAt *time.Time, reason, cause string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(types.Event{
		Type:      types.EventBlockStateChange,
		Address:   address,
		Reason:    reason,
		NewState:  state,
		ExpiresAt: expiresAt,
		Cause:     cause,
	})
}

func (m *Machine) publishWhitelist(address, action, note string) {
	if m.broker == nil {
		return
	}
	ev := types.Event{
		Type:    types.EventWhitelistChange,
		Address: address,
		Cause:   action,
	}
	if note != "" {
		ev.Fields = map[string]any{"note": note}
	}
	m.broker.Publish(ev)
}

func checkAddress(address string) error {
	if err := types.ValidateIPv4(address); err != nil {
		return err
	}
	if types.IsProtected(address) {
		return fmt.Errorf("%w: %s", types.ErrProtectedAddress, address)
	}
	return nil
}
