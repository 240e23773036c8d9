package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "nested", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	steps := []Entry{
		{Seq: 1, From: "Idle", To: "PermissionPending", At: base},
		{Seq: 2, From: "PermissionPending", To: "Starting", At: base.Add(time.Second)},
		{Seq: 3, From: "Starting", To: "Connected", At: base.Add(2 * time.Second)},
		{Seq: 4, From: "Connected", To: "Stopping", Reason: "stale session", At: base.Add(3 * time.Second)},
	}
	for _, e := range steps {
		require.NoError(t, s.Record(ctx, e))
	}

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, uint64(1), all[0].Seq)
	assert.Equal(t, "Connected", all[3].From)
	assert.Equal(t, "stale session", all[3].Reason)
	assert.True(t, all[3].At.Equal(base.Add(3*time.Second)))

	last, err := s.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, uint64(3), last[0].Seq)
	assert.Equal(t, uint64(4), last[1].Seq)
}

func TestListEmpty(t *testing.T) {
	s := openTestStore(t)

	entries, err := s.List(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(context.Background(), Entry{Seq: 7, From: "Idle", To: "Starting", At: time.Now()}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	entries, err := s.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(7), entries[0].Seq)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.Record(ctx, Entry{Seq: 1, From: "Idle", To: "Starting", At: now.Add(-48 * time.Hour)}))
	require.NoError(t, s.Record(ctx, Entry{Seq: 2, From: "Starting", To: "Connected", At: now}))

	n, err := s.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Seq)
}
