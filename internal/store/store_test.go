package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/codexgw/internal/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "codexgw.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesSchema(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.EnsureUser(ctx, 42))
	require.NoError(t, s.EnsureUser(ctx, 42), "expected EnsureUser to be idempotent")
}

func TestUpsertSessionAndRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sid := models.NewSessionID()
	row := SessionRow{
		SessionID:    sid,
		BotID:        "botA",
		UserID:       7,
		State:        models.SessionIdle,
		CreatedAt:    1.0,
		LastActivity: 1.0,
	}
	require.NoError(t, s.UpsertSession(ctx, row))

	require.NoError(t, s.UpdateSessionResumeID(ctx, sid, "resume-123"))
	require.NoError(t, s.UpdateSessionLastResult(ctx, sid, "final answer"))
	require.NoError(t, s.UpdateSessionChatID(ctx, sid, 555))

	result, ok, err := s.GetLastResultByUser(ctx, "botA", 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "final answer", result)

	chatID, ok, err := s.GetLastChatIDByUser(ctx, "botA", 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(555), chatID)
}

func TestUpsertSessionUniquePerBotUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sidA := models.NewSessionID()
	sidB := models.NewSessionID()

	require.NoError(t, s.UpsertSession(ctx, SessionRow{
		SessionID: sidA, BotID: "botA", UserID: 1, State: models.SessionIdle,
		CreatedAt: 1, LastActivity: 1,
	}))
	require.NoError(t, s.UpsertSession(ctx, SessionRow{
		SessionID: sidB, BotID: "botB", UserID: 1, State: models.SessionIdle,
		CreatedAt: 1, LastActivity: 1,
	}))

	require.NoError(t, s.UpdateSessionLastResult(ctx, sidA, "from bot A"))
	require.NoError(t, s.UpdateSessionLastResult(ctx, sidB, "from bot B"))

	resA, _, err := s.GetLastResultByUser(ctx, "botA", 1)
	require.NoError(t, err)
	resB, _, err := s.GetLastResultByUser(ctx, "botB", 1)
	require.NoError(t, err)
	require.Equal(t, "from bot A", resA)
	require.Equal(t, "from bot B", resB)
}

func TestEventLogCursorRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sid := models.NewSessionID()
	require.NoError(t, s.UpsertSession(ctx, SessionRow{
		SessionID: sid, BotID: "botA", UserID: 9, State: models.SessionIdle,
		CreatedAt: 1, LastActivity: 1,
	}))

	ts := 123.456
	require.NoError(t, s.UpdateSessionEventLogCursor(ctx, sid, &ts, "deadbeef"))

	gotTS, gotHash, err := s.GetEventLogCursorByUser(ctx, "botA", 9)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", gotHash)
	require.NotNil(t, gotTS)
	require.Equal(t, ts, *gotTS)
}

func TestAppendMessageAndRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sid := models.NewSessionID()
	require.NoError(t, s.UpsertSession(ctx, SessionRow{
		SessionID: sid, BotID: "botA", UserID: 3, State: models.SessionIdle,
		CreatedAt: 1, LastActivity: 1,
	}))
	require.NoError(t, s.AppendMessage(ctx, sid, "user", "hello"))

	rid := models.NewRunID()
	require.NoError(t, s.RecordRun(ctx, RunRow{
		RunID: rid, SessionID: sid, Status: models.RunRunning,
		Prompt: "hello", StartedAt: 1,
	}))
	require.NoError(t, s.FinalizeRun(ctx, rid, models.RunDone, 2, ""))
}
