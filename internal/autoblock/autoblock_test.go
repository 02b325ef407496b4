package autoblock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hidsward/hidsward/internal/blockstate"
	"github.com/hidsward/hidsward/internal/events"
	"github.com/hidsward/hidsward/internal/firewall"
	"github.com/hidsward/hidsward/internal/store/sqlite"
	"github.com/hidsward/hidsward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*sqlite.Store, *blockstate.Machine, *firewall.Memory) {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "hidsward.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	eff := firewall.NewMemory()
	m, err := blockstate.New(blockstate.Options{Ledger: st, Whitelist: st, Effector: eff})
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return st, m, eff
}

func addIncidents(t *testing.T, st *sqlite.Store, addr string, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := st.AppendIncident(context.Background(), types.Incident{Address: addr, Reason: "ssh", ObservedAt: at})
		require.NoError(t, err)
	}
}

func TestEvaluate_Threshold(t *testing.T) {
	st, m, eff := setup(t)
	ctx := context.Background()
	p := New(events.NewBroker(nil), st, m, Options{Threshold: 3, Window: time.Minute, Duration: time.Hour})

	addIncidents(t, st, "203.0.113.1", 2, time.Now())
	addIncidents(t, st, "203.0.113.1", 5, time.Now().Add(-time.Hour)) // outside window
	blocked, err := p.Evaluate(ctx, "203.0.113.1", "ssh")
	require.NoError(t, err)
	assert.False(t, blocked)

	addIncidents(t, st, "203.0.113.1", 1, time.Now())
	blocked, err = p.Evaluate(ctx, "203.0.113.1", "ssh")
	require.NoError(t, err)
	assert.True(t, blocked)
	assert.Contains(t, eff.Rules()["203.0.113.1"], "auto: 3 incidents")

	status, err := m.Query(ctx, "203.0.113.1")
	require.NoError(t, err)
	require.NotNil(t, status.Record)
	require.NotNil(t, status.Record.ExpiresAt)
}

func TestEvaluate_LeavesExistingBlockAlone(t *testing.T) {
	st, m, _ := setup(t)
	ctx := context.Background()
	_, err := m.RequestBlock(ctx, "203.0.113.2", "operator", 0)
	require.NoError(t, err)
	addIncidents(t, st, "203.0.113.2", 10, time.Now())

	p := New(events.NewBroker(nil), st, m, Options{Threshold: 3, Window: time.Minute, Duration: time.Hour})
	blocked, err := p.Evaluate(ctx, "203.0.113.2", "ssh")
	require.NoError(t, err)
	assert.False(t, blocked)

	status, err := m.Query(ctx, "203.0.113.2")
	require.NoError(t, err)
	assert.Nil(t, status.Record.ExpiresAt, "permanent block must stay permanent")
	assert.Equal(t, "operator", status.Record.Reason)
}

func TestEvaluate_WhitelistedSkipped(t *testing.T) {
	st, m, eff := setup(t)
	ctx := context.Background()
	_, err := m.AddWhitelist(ctx, "10.0.0.1", "")
	require.NoError(t, err)
	addIncidents(t, st, "10.0.0.1", 10, time.Now())

	p := New(events.NewBroker(nil), st, m, Options{Threshold: 3, Window: time.Minute})
	blocked, err := p.Evaluate(ctx, "10.0.0.1", "ssh")
	require.NoError(t, err)
	assert.False(t, blocked)
	assert.Empty(t, eff.Rules())
}

func TestRun_BlocksFromAlertEvents(t *testing.T) {
	st, m, eff := setup(t)
	broker := events.NewBroker(nil)
	p := New(broker, st, m, Options{Threshold: 2, Window: time.Minute, Duration: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()
	require.Eventually(t, func() bool { return broker.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)

	addIncidents(t, st, "198.51.100.9", 2, time.Now())
	broker.Publish(types.Event{Type: types.EventAlert, Address: "198.51.100.9", Reason: "ssh"})

	require.Eventually(t, func() bool { return len(eff.Rules()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

// staleQuery reports every address as unblocked, as Query would if an
// operator block landed right after it returned.
type staleQuery struct{ *blockstate.Machine }

func (staleQuery) Query(_ context.Context, address string) (types.BlockStatus, error) {
	return types.BlockStatus{Address: address, State: types.StateUnblocked}, nil
}

func TestEvaluate_OperatorBlockInQueryWindowKept(t *testing.T) {
	st, m, _ := setup(t)
	ctx := context.Background()
	_, err := m.RequestBlock(ctx, "203.0.113.3", "operator", 0)
	require.NoError(t, err)
	addIncidents(t, st, "203.0.113.3", 5, time.Now())

	p := New(events.NewBroker(nil), st, staleQuery{m}, Options{Threshold: 3, Window: time.Minute, Duration: time.Hour})
	blocked, err := p.Evaluate(ctx, "203.0.113.3", "ssh")
	require.NoError(t, err)
	assert.False(t, blocked)

	status, err := m.Query(ctx, "203.0.113.3")
	require.NoError(t, err)
	require.NotNil(t, status.Record)
	assert.Nil(t, status.Record.ExpiresAt)
	assert.Equal(t, "operator", status.Record.Reason)
}
