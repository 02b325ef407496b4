package blockstate

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/internal/firewall"
	"github.com/hidsward/hidsward/internal/store/sqlite"
	"github.com/hidsward/hidsward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T, path string) *sqlite.Store {
	t.Helper()
	st, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newMachine(t *testing.T) (*Machine, *firewall.Memory, *sqlite.Store) {
	t.Helper()
	st := openStore(t, filepath.Join(t.TempDir(), "hidsward.db"))
	eff := firewall.NewMemory()
	m, err := New(Options{Ledger: st, Whitelist: st, Effector: eff, RetryDelay: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, eff, st
}

func TestRequestBlock_RepeatedGivesOneRuleOneRecord(t *testing.T) {
	m, eff, st := newMachine(t)
	ctx := context.Background()

	res, err := m.RequestBlock(ctx, "203.0.113.7", "ssh brute force", 0)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeBlocked, res.Outcome)
	assert.True(t, res.Changed)

	res, err = m.RequestBlock(ctx, "203.0.113.7", "port scan", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeRefreshed, res.Outcome)
	assert.False(t, res.Changed)

	_, adds, _, _ := eff.Stats()
	assert.Equal(t, 1, adds)
	recs, err := st.ListBlocks(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "port scan", recs[0].Reason)
	require.NotNil(t, recs[0].ExpiresAt)
	assert.Len(t, m.Pending(), 1)

	// Back to permanent cancels the timer.
	_, err = m.RequestBlock(ctx, "203.0.113.7", "port scan", 0)
	require.NoError(t, err)
	assert.Empty(t, m.Pending())
}

func TestRequestBlock_MarksIncidentsBlocked(t *testing.T) {
	m, _, st := newMachine(t)
	ctx := context.Background()
	_, err := st.AppendIncident(ctx, types.Incident{Address: "198.51.100.1", Reason: "x", ObservedAt: time.Now()})
	require.NoError(t, err)

	_, err = m.RequestBlock(ctx, "198.51.100.1", "x", 0)
	require.NoError(t, err)

	incs, err := st.QueryIncidents(ctx, types.IncidentQuery{Address: "198.51.100.1"})
	require.NoError(t, err)
	require.Len(t, incs, 1)
	assert.True(t, incs[0].Blocked)
}

func TestExpiry_RemovesExactlyOnce(t *testing.T) {
	m, eff, st := newMachine(t)
	ctx := context.Background()

	_, err := m.RequestBlock(ctx, "192.0.2.10", "ssh", 200*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(eff.Rules()) == 0 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	_, _, removes, deletes := eff.Stats()
	assert.Equal(t, 1, removes)
	assert.Equal(t, 1, deletes)
	_, found, err := st.GetBlock(ctx, "192.0.2.10")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExpiry_StaleAfterUnblock(t *testing.T) {
	m, eff, _ := newMachine(t)
	ctx := context.Background()

	res, err := m.RequestBlock(ctx, "192.0.2.11", "ssh", time.Hour)
	require.NoError(t, err)
	exp := *res.Record.ExpiresAt

	_, err = m.RequestUnblock(ctx, "192.0.2.11")
	require.NoError(t, err)
	err = m.expiryFired(ctx, "192.0.2.11", exp)
	assert.True(t, errors.Is(err, types.ErrStaleExpiry))

	// A refresh moves the expiry, so the old value is stale too.
	res, err = m.RequestBlock(ctx, "192.0.2.11", "ssh", time.Hour)
	require.NoError(t, err)
	_, err = m.RequestBlock(ctx, "192.0.2.11", "ssh", 2*time.Hour)
	require.NoError(t, err)
	err = m.expiryFired(ctx, "192.0.2.11", *res.Record.ExpiresAt)
	assert.True(t, errors.Is(err, types.ErrStaleExpiry))

	_, _, removes, _ := eff.Stats()
	assert.Equal(t, 1, removes)
}

func TestUnblockRacingExpiry_OneRemovePerBlock(t *testing.T) {
	m, eff, _ := newMachine(t)
	ctx := context.Background()
	const rounds = 15

	for i := 0; i < rounds; i++ {
		_, err := m.RequestBlock(ctx, "192.0.2.12", "ssh", 15*time.Millisecond)
		require.NoError(t, err)
		time.Sleep(15 * time.Millisecond)
		_, err = m.RequestUnblock(ctx, "192.0.2.12")
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)

	_, _, removes, deletes := eff.Stats()
	assert.Equal(t, rounds, removes)
	assert.Equal(t, rounds, deletes)
	assert.Empty(t, eff.Rules())
}

func TestRequestBlock_WhitelistedNeverTouchesFirewall(t *testing.T) {
	m, eff, _ := newMachine(t)
	ctx := context.Background()

	_, err := m.AddWhitelist(ctx, "10.0.0.5", "office")
	require.NoError(t, err)
	_, err = m.RequestBlock(ctx, "10.0.0.5", "ssh", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrWhitelistConflict))

	applies, _, _, _ := eff.Stats()
	assert.Zero(t, applies)
	st, err := m.Query(ctx, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, types.StateUnblocked, st.State)
	assert.True(t, st.Whitelisted)
}

func TestAddWhitelist_DoesNotUnblock(t *testing.T) {
	m, eff, _ := newMachine(t)
	ctx := context.Background()

	_, err := m.RequestBlock(ctx, "10.0.0.6", "ssh", 0)
	require.NoError(t, err)
	res, err := m.AddWhitelist(ctx, "10.0.0.6", "")
	require.NoError(t, err)
	assert.True(t, res.Added)
	assert.True(t, res.StillBlocked)
	assert.Len(t, eff.Rules(), 1)

	res, err = m.AddWhitelist(ctx, "10.0.0.6", "")
	require.NoError(t, err)
	assert.False(t, res.Added)

	removed, err := m.RemoveWhitelist(ctx, "10.0.0.6")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = m.RemoveWhitelist(ctx, "10.0.0.6")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRehydrate_PastDueUnblocksOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hidsward.db")
	ctx := context.Background()

	st := openStore(t, path)
	past := time.Now().Add(-time.Minute).UTC()
	future := time.Now().Add(time.Hour).UTC()
	require.NoError(t, st.PutBlock(ctx, types.BlockRecord{Address: "192.0.2.20", Reason: "old", CreatedAt: past, ExpiresAt: &past}))
	require.NoError(t, st.PutBlock(ctx, types.BlockRecord{Address: "192.0.2.21", Reason: "live", CreatedAt: past, ExpiresAt: &future}))
	require.NoError(t, st.PutBlock(ctx, types.BlockRecord{Address: "192.0.2.22", Reason: "perm", CreatedAt: past}))

	// Rules survived the restart for the past-due address only.
	eff := firewall.NewMemory()
	_, err := eff.Apply(ctx, "192.0.2.20", "old")
	require.NoError(t, err)

	m, err := New(Options{Ledger: st, Whitelist: st, Effector: eff})
	require.NoError(t, err)
	defer m.Stop()

	n, err := m.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Eventually(t, func() bool {
		_, found, _ := st.GetBlock(ctx, "192.0.2.20")
		return !found
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	_, _, removes, deletes := eff.Stats()
	assert.Equal(t, 1, removes)
	assert.Equal(t, 1, deletes)
	rules := eff.Rules()
	assert.Contains(t, rules, "192.0.2.21")
	assert.Contains(t, rules, "192.0.2.22")
	assert.NotContains(t, rules, "192.0.2.20")

	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "192.0.2.21", pending[0].Address)
}

func TestDistinctAddressesDoNotSerialize(t *testing.T) {
	m, eff, _ := newMachine(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	eff.SetHook(func(op, address string) {
		if op == "apply" && address == "192.0.2.30" {
			once.Do(func() { close(entered) })
			<-release
		}
	})

	slowDone := make(chan error, 1)
	go func() {
		_, err := m.RequestBlock(ctx, "192.0.2.30", "slow", 0)
		slowDone <- err
	}()
	<-entered

	fastDone := make(chan error, 1)
	go func() {
		_, err := m.RequestBlock(ctx, "192.0.2.31", "fast", 0)
		fastDone <- err
	}()
	select {
	case err := <-fastDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("block of a distinct address waited on another address")
	}

	close(release)
	require.NoError(t, <-slowDone)
	assert.Equal(t, 0, m.locks.size())
}

func TestEnforcementFailures(t *testing.T) {
	m, eff, st := newMachine(t)
	ctx := context.Background()

	eff.SetErrors(errors.New("iptables: permission denied"), nil)
	_, err := m.RequestBlock(ctx, "192.0.2.40", "ssh", 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrEnforcementFailed))
	_, found, err := st.GetBlock(ctx, "192.0.2.40")
	require.NoError(t, err)
	assert.False(t, found, "no record without a rule")

	eff.SetErrors(nil, nil)
	_, err = m.RequestBlock(ctx, "192.0.2.40", "ssh", 0)
	require.NoError(t, err)

	eff.SetErrors(nil, errors.New("xtables lock"))
	_, err = m.RequestUnblock(ctx, "192.0.2.40")
	assert.True(t, errors.Is(err, types.ErrEnforcementFailed))
	status, err := m.Query(ctx, "192.0.2.40")
	require.NoError(t, err)
	assert.Equal(t, types.StateBlocked, status.State)
}

func TestExpiryFailureRetries(t *testing.T) {
	m, eff, _ := newMachine(t)
	ctx := context.Background()

	_, err := m.RequestBlock(ctx, "192.0.2.41", "ssh", 10*time.Millisecond)
	require.NoError(t, err)
	eff.SetErrors(nil, errors.New("busy"))
	time.Sleep(25 * time.Millisecond)
	eff.SetErrors(nil, nil)

	require.Eventually(t, func() bool { return len(eff.Rules()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRequestUnblock_NotBlocked(t *testing.T) {
	m, eff, _ := newMachine(t)
	res, err := m.RequestUnblock(context.Background(), "192.0.2.50")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAlreadyUnblocked, res.Outcome)
	assert.False(t, res.Changed)
	_, _, removes, _ := eff.Stats()
	assert.Zero(t, removes)
}

func TestRejectsInvalidAndProtected(t *testing.T) {
	m, _, _ := newMachine(t)
	ctx := context.Background()

	_, err := m.RequestBlock(ctx, "1.2.3.04", "x", 0)
	assert.True(t, errors.Is(err, types.ErrInvalidAddress))
	_, err = m.RequestBlock(ctx, "127.0.0.1", "x", 0)
	assert.True(t, errors.Is(err, types.ErrProtectedAddress))
	_, err = m.RequestUnblock(ctx, "::1")
	assert.True(t, errors.Is(err, types.ErrInvalidAddress))
}

func TestPublishesStateChanges(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "hidsward.db"))
	broker := events.NewBroker(nil)
	ch := broker.Subscribe(types.EventBlockStateChange, 10)
	m, err := New(Options{Ledger: st, Whitelist: st, Effector: firewall.NewMemory(), Broker: broker})
	require.NoError(t, err)
	defer m.Stop()
	ctx := context.Background()

	_, err = m.RequestBlock(ctx, "192.0.2.60", "ssh", time.Hour)
	require.NoError(t, err)
	_, err = m.RequestUnblock(ctx, "192.0.2.60")
	require.NoError(t, err)

	ev := <-ch
	assert.Equal(t, types.StateBlocked, ev.NewState)
	assert.NotNil(t, ev.ExpiresAt)
	assert.NotEmpty(t, ev.ID)
	ev = <-ch
	assert.Equal(t, types.StateUnblocked, ev.NewState)
	assert.Equal(t, string(types.OutcomeUnblocked), ev.Cause)
}

// cancelAfterEffector cancels the caller's context as soon as the firewall
// call returns, like a control client that disconnects mid-request. It
// refuses to act on an already cancelled context, as exec-based backends do.
type cancelAfterEffector struct {
	*firewall.Memory
	cancel context.CancelFunc
}

func (e cancelAfterEffector) Apply(ctx context.Context, address, comment string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	added, err := e.Memory.Apply(ctx, address, comment)
	e.cancel()
	return added, err
}

func (e cancelAfterEffector) Remove(ctx context.Context, address string) (firewall.RemoveOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out, err := e.Memory.Remove(ctx, address)
	e.cancel()
	return out, err
}

func TestCallerCancelAfterFirewallChangeStillRecords(t *testing.T) {
	st := openStore(t, filepath.Join(t.TempDir(), "hidsward.db"))
	mem := firewall.NewMemory()
	eff := &cancelAfterEffector{Memory: mem}
	m, err := New(Options{Ledger: st, Whitelist: st, Effector: eff})
	require.NoError(t, err)
	t.Cleanup(m.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	eff.cancel = cancel
	_, err = m.RequestBlock(ctx, "203.0.113.9", "ssh", time.Hour)
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	_, found, err := st.GetBlock(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.True(t, found, "rule applied so the record must exist")
	assert.Contains(t, mem.Rules(), "203.0.113.9")

	ctx, cancel = context.WithCancel(context.Background())
	eff.cancel = cancel
	res, err := m.RequestUnblock(ctx, "203.0.113.9")
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeUnblocked, res.Outcome)

	_, found, err = st.GetBlock(context.Background(), "203.0.113.9")
	require.NoError(t, err)
	assert.False(t, found)
	assert.NotContains(t, mem.Rules(), "203.0.113.9")
}

func TestRequestBlockIfUnblocked_KeepsExistingBlock(t *testing.T) {
	m, eff, _ := newMachine(t)
	ctx := context.Background()

	_, err := m.RequestBlock(ctx, "203.0.113.10", "operator", 0)
	require.NoError(t, err)

	res, err := m.RequestBlockIfUnblocked(ctx, "203.0.113.10", "auto", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeAlreadyBlocked, res.Outcome)
	assert.False(t, res.Changed)
	require.NotNil(t, res.Record)
	assert.Nil(t, res.Record.ExpiresAt)
	assert.Equal(t, "operator", eff.Rules()["203.0.113.10"])
	assert.Empty(t, m.Pending())

	res, err = m.RequestBlockIfUnblocked(ctx, "203.0.113.11", "auto", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, types.OutcomeBlocked, res.Outcome)
}
