package telegram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUserContextShouldSendDedupesWithinTTL(t *testing.T) {
	uc := newUserContext()
	require.True(t, uc.shouldSend("hello"), "expected first occurrence to send")
	require.False(t, uc.shouldSend("hello"), "expected repeated occurrence to be suppressed")
	require.True(t, uc.shouldSend("different"), "expected distinct content to send")
}

func TestUserContextShouldSendExpiresAfterTTL(t *testing.T) {
	uc := newUserContext()
	digest := "stale"
	uc.shouldSend(digest)
	uc.mu.Lock()
	for k := range uc.dedupe {
		uc.dedupe[k] = time.Now().Add(-dedupTTL - time.Second)
	}
	uc.mu.Unlock()
	require.True(t, uc.shouldSend(digest), "expected expired entry to be evicted and resend allowed")
}

func TestUserContextPruneEvictsOldestOverCapacity(t *testing.T) {
	uc := newUserContext()
	uc.mu.Lock()
	base := time.Now()
	for i := 0; i < dedupMaxEntries+10; i++ {
		uc.dedupe[string(rune('a'+i%26))+string(rune(i))] = base.Add(time.Duration(i) * time.Millisecond)
	}
	uc.pruneLocked()
	count := len(uc.dedupe)
	uc.mu.Unlock()
	require.Equal(t, dedupMaxEntries, count, "expected pruning to cap entries")
}

func TestUserContextChatIDRoundTrip(t *testing.T) {
	uc := newUserContext()
	_, ok := uc.getChatID()
	require.False(t, ok, "expected no chat id bound initially")
	uc.setChatID(42)
	id, ok := uc.getChatID()
	require.True(t, ok)
	require.Equal(t, int64(42), id)
}

func TestUserContextLastPromptRoundTrip(t *testing.T) {
	uc := newUserContext()
	require.Empty(t, uc.getLastPrompt(), "expected empty initial last prompt")
	uc.setLastPrompt("do it")
	require.Equal(t, "do it", uc.getLastPrompt())
}

func TestAllowedOrKnownUserIDsPrefersAllowList(t *testing.T) {
	c := &Channel{
		allowed: map[int64]struct{}{1: {}, 2: {}},
		userCtx: map[int64]*userContext{},
	}
	ids := c.allowedOrKnownUserIDs()
	require.Len(t, ids, 2)
}

func TestAllowedOrKnownUserIDsFallsBackToKnownUsers(t *testing.T) {
	c := &Channel{
		allowed: map[int64]struct{}{},
		userCtx: map[int64]*userContext{7: newUserContext()},
	}
	ids := c.allowedOrKnownUserIDs()
	require.Len(t, ids, 1)
	require.Equal(t, int64(7), ids[0])
}
