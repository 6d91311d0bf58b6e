package telegram

import (
	"context"
	"log/slog"
)

// pollExternalResultsLoop runs the background reconciliation tick (spec
// §4.H): for each known user with a bound chat id, poll for event-log
// messages written outside a live run and push any new ones through the
// chat, subject to the per-user send-dedup window.
//
// Grounded on hellcatjack/codex-session-gateway's _sync_jsonl_loop fallback
// path (the original prefers a job-queue timer and falls back to a
// self-driven sleep loop "if the transport lacks a timer facility" — telego
// has no job-queue equivalent, so this Channel always drives its own loop),
// gated by golang.org/x/time/rate rather than a bare time.Sleep so a
// misconfigured very-low interval cannot hammer the event log or chat API.
func (c *Channel) pollExternalResultsLoop(ctx context.Context) {
	if c.cfg.JSONLSyncIntervalSeconds <= 0 {
		return
	}
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.pollExternalResultsTick(ctx)
	}
}

func (c *Channel) pollExternalResultsTick(ctx context.Context) {
	userIDs := c.allowedOrKnownUserIDs()
	for _, userID := range userIDs {
		uc := c.userContextFor(userID)
		chatID, hasChatID := uc.getChatID()
		if !hasChatID {
			if id, ok, err := c.orch.GetLastChatID(ctx, userID); err == nil && ok {
				uc.setChatID(id)
				chatID, hasChatID = id, true
			}
		}
		if !hasChatID {
			continue
		}

		running, err := c.orch.IsRunning(ctx, userID)
		if err != nil {
			slog.Warn("jsonl sync status check failed", "bot", c.cfg.BotName, "user_id", userID, "error", err)
			continue
		}
		messages, err := c.orch.PollExternalResults(ctx, userID, !running)
		if err != nil {
			slog.Warn("jsonl sync failed", "bot", c.cfg.BotName, "user_id", userID, "error", err)
			continue
		}
		if len(messages) == 0 {
			continue
		}

		sender := newSender(c.bot, chatID, c.cfg.MessageChunkLimit)
		for _, message := range messages {
			if !uc.shouldSend(message) {
				slog.Info("jsonl sync dedup: skipping repeated result", "bot", c.cfg.BotName, "user_id", userID)
				continue
			}
			if err := sender.Send(ctx, message, true); err != nil {
				slog.Warn("jsonl sync delivery failed", "bot", c.cfg.BotName, "user_id", userID, "error", err)
			}
		}
	}
}

func (c *Channel) allowedOrKnownUserIDs() []int64 {
	if len(c.allowed) > 0 {
		out := make([]int64, 0, len(c.allowed))
		for id := range c.allowed {
			out = append(out, id)
		}
		return out
	}
	return c.knownUserIDs()
}
