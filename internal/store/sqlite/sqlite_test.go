package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hidsward/hidsward/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "hidsward.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestIncidents_AppendAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	id1, err := s.AppendIncident(ctx, types.Incident{Address: "1.2.3.4", Reason: "ssh brute force", ObservedAt: base})
	require.NoError(t, err)
	id2, err := s.AppendIncident(ctx, types.Incident{Address: "5.6.7.8", Reason: "port scan", ObservedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = s.AppendIncident(ctx, types.Incident{Address: "1.2.3.4", Reason: "port scan", ObservedAt: base.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	recent, err := s.QueryIncidents(ctx, types.IncidentQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "1.2.3.4", recent[0].Address)
	assert.Equal(t, "port scan", recent[0].Reason)
	assert.True(t, recent[0].ObservedAt.Equal(base.Add(2*time.Minute)))
	assert.Equal(t, id2, recent[1].ID)

	byAddr, err := s.QueryIncidents(ctx, types.IncidentQuery{Address: "1.2.3.4"})
	require.NoError(t, err)
	assert.Len(t, byAddr, 2)

	since, err := s.QueryIncidents(ctx, types.IncidentQuery{Address: "1.2.3.4", Since: base.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, since, 1)
}

func TestIncidents_MarkBlockedAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		_, err := s.AppendIncident(ctx, types.Incident{Address: "9.9.9.9", Reason: "ssh", ObservedAt: now})
		require.NoError(t, err)
	}
	_, err := s.AppendIncident(ctx, types.Incident{Address: "8.8.8.8", Reason: "web", ObservedAt: now})
	require.NoError(t, err)

	require.NoError(t, s.MarkIncidentsBlocked(ctx, "9.9.9.9"))

	incs, err := s.QueryIncidents(ctx, types.IncidentQuery{Address: "9.9.9.9"})
	require.NoError(t, err)
	for _, inc := range incs {
		assert.True(t, inc.Blocked)
	}
	other, err := s.QueryIncidents(ctx, types.IncidentQuery{Address: "8.8.8.8"})
	require.NoError(t, err)
	assert.False(t, other[0].Blocked)

	st, err := s.IncidentStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 4, st.Total)
	assert.EqualValues(t, 2, st.Addresses)
	assert.EqualValues(t, 3, st.Blocked)
	require.NotEmpty(t, st.ByReason)
	assert.Equal(t, types.ReasonCount{Reason: "ssh", Count: 3}, st.ByReason[0])
}

func TestBlocks_PutGetReplaceDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 0, 0, 0, 123, time.UTC)
	expires := created.Add(time.Hour)

	_, ok, err := s.GetBlock(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutBlock(ctx, types.BlockRecord{Address: "1.1.1.1", Reason: "scan", CreatedAt: created, ExpiresAt: &expires}))
	rec, ok, err := s.GetBlock(ctx, "1.1.1.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "scan", rec.Reason)
	require.NotNil(t, rec.ExpiresAt)
	assert.True(t, rec.ExpiresAt.Equal(expires), "expiry must round-trip at nanosecond precision")

	require.NoError(t, s.PutBlock(ctx, types.BlockRecord{Address: "1.1.1.1", Reason: "manual", CreatedAt: created}))
	rec, ok, err = s.GetBlock(ctx, "1.1.1.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "manual", rec.Reason)
	assert.Nil(t, rec.ExpiresAt)
	assert.True(t, rec.Permanent())

	all, err := s.ListBlocks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	deleted, err := s.DeleteBlock(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteBlock(ctx, "1.1.1.1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestWhitelist(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	added, err := s.AddWhitelist(ctx, types.WhitelistEntry{Address: "10.0.0.1", Note: "office"})
	require.NoError(t, err)
	assert.True(t, added)
	added, err = s.AddWhitelist(ctx, types.WhitelistEntry{Address: "10.0.0.1", Note: "other"})
	require.NoError(t, err)
	assert.False(t, added)

	ok, err := s.IsWhitelisted(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.IsWhitelisted(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := s.ListWhitelist(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "office", list[0].Note)

	removed, err := s.RemoveWhitelist(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.RemoveWhitelist(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "db.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutBlock(context.Background(), types.BlockRecord{Address: "2.2.2.2", Reason: "x", CreatedAt: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, ok, err := s.GetBlock(context.Background(), "2.2.2.2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open("")
	assert.Error(t, err)
}
