package sessions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/codexgw/internal/models"
	"github.com/nextlevelbuilder/codexgw/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "codexgw.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st)
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, "botA", 1)
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, "botA", 1)
	require.NoError(t, err)
	require.Equal(t, a.SessionID, b.SessionID, "expected stable session id")
}

func TestDistinctBotsGetDistinctSessions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	a, err := m.GetOrCreate(ctx, "botA", 1)
	require.NoError(t, err)
	b, err := m.GetOrCreate(ctx, "botB", 1)
	require.NoError(t, err)
	require.NotEqual(t, a.SessionID, b.SessionID, "expected distinct sessions for the same user across bots")
}

func TestQueueFIFO(t *testing.T) {
	m := newTestManager(t)
	m.EnqueuePrompt("botA", 1, "first")
	m.EnqueuePrompt("botA", 1, "second")

	require.Equal(t, 2, m.PeekQueueLen("botA", 1))
	got, ok := m.DequeuePrompt("botA", 1)
	require.True(t, ok)
	require.Equal(t, "first", got)
	got, ok = m.DequeuePrompt("botA", 1)
	require.True(t, ok)
	require.Equal(t, "second", got)
	_, ok = m.DequeuePrompt("botA", 1)
	require.False(t, ok, "expected empty queue to report false")
}

func TestSetChatIDSeedsEventLogCursorOnlyOnce(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.SetChatID(ctx, "botA", 1, 999)
	require.NoError(t, err)
	require.NotNil(t, s.EventLogLastTS, "expected event log cursor to be seeded on first chat id bind")
	seeded := *s.EventLogLastTS

	s2, err := m.SetChatID(ctx, "botA", 1, 1000)
	require.NoError(t, err)
	require.Equal(t, seeded, *s2.EventLogLastTS, "expected cursor to stay fixed once seeded")
}

func TestSetStatePersists(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	s, err := m.SetState(ctx, "botA", 1, models.SessionRunning)
	require.NoError(t, err)
	require.Equal(t, models.SessionRunning, s.State)
}

func TestGetWithoutCreateReturnsFalse(t *testing.T) {
	m := newTestManager(t)
	_, ok := m.Get("botA", 1)
	require.False(t, ok, "expected Get on unseen (bot,user) to report false")
}
