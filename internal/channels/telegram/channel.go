// Package telegram implements a thin chat-side
// binding that registers command handlers, authorizes inbound users against
// a configured allow-list, and relays prompts to the Run Orchestrator.
//
// Grounded on vanducng-goclaw/internal/channels/telegram/channel.go for the
// telego.NewBot / UpdatesViaLongPolling lifecycle, the pollCancel/pollDone
// shutdown pattern, and the menu-command sync retry loop; and on
// hellcatjack/codex-session-gateway's adapters/telegram_adapter.py for the
// command set, authorization notices, per-user dedup window, and periodic
// JSONL sync tick this module uses in place of multi-platform chat and
// media-transcription features.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/codexgw/internal/config"
	"github.com/nextlevelbuilder/codexgw/internal/dedup"
	"github.com/nextlevelbuilder/codexgw/internal/orchestrator"
)

const telegramMessageLimit = 4096

const (
	dedupTTL        = 3600 * time.Second
	dedupMaxEntries = 256
)

// userContext is the Bot Adapter's per-user bookkeeping: the chat id of the
// last inbound message (re-bound on every authorized message), the last
// submitted prompt (for /retry), and a bounded send-dedup window.
type userContext struct {
	mu         sync.Mutex
	chatID     int64
	hasChatID  bool
	lastPrompt string
	dedupe     map[string]time.Time
}

func newUserContext() *userContext {
	return &userContext{dedupe: map[string]time.Time{}}
}

// shouldSend reports whether text has not been delivered to this user
// within the dedup TTL, recording it as seen if so.
func (u *userContext) shouldSend(text string) bool {
	digest := dedup.Hash(text)
	if digest == "" {
		return true
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pruneLocked()
	if _, seen := u.dedupe[digest]; seen {
		return false
	}
	u.dedupe[digest] = time.Now()
	return true
}

func (u *userContext) pruneLocked() {
	if len(u.dedupe) == 0 {
		return
	}
	now := time.Now()
	for k, ts := range u.dedupe {
		if now.Sub(ts) > dedupTTL {
			delete(u.dedupe, k)
		}
	}
	if len(u.dedupe) <= dedupMaxEntries {
		return
	}
	type entry struct {
		key string
		ts  time.Time
	}
	entries := make([]entry, 0, len(u.dedupe))
	for k, ts := range u.dedupe {
		entries = append(entries, entry{k, ts})
	}
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].ts.Before(entries[i].ts) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	for i := 0; i < len(entries)-dedupMaxEntries; i++ {
		delete(u.dedupe, entries[i].key)
	}
}

func (u *userContext) setChatID(chatID int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.chatID = chatID
	u.hasChatID = true
}

func (u *userContext) getChatID() (int64, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.chatID, u.hasChatID
}

func (u *userContext) setLastPrompt(p string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastPrompt = p
}

func (u *userContext) getLastPrompt() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastPrompt
}

// Channel is one Telegram Bot Adapter instance, bound to a single bot token
// and orchestrator. One Channel is spawned per configured bot by the
// Supervisor.
type Channel struct {
	bot     *telego.Bot
	cfg     config.Runtime
	orch    *orchestrator.Orchestrator
	allowed map[int64]struct{}

	userCtxMu sync.Mutex
	userCtx   map[int64]*userContext

	pollCancel context.CancelFunc
	pollDone   chan struct{}

	limiter *rate.Limiter
}

// New constructs a Channel for one bot configuration, wired to its own
// Orchestrator instance.
func New(cfg config.Runtime, orch *orchestrator.Orchestrator) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	allowed := make(map[int64]struct{}, len(cfg.AllowedUserIDs))
	for _, id := range cfg.AllowedUserIDs {
		allowed[id] = struct{}{}
	}

	interval := cfg.JSONLSyncIntervalSeconds
	if interval <= 0 {
		interval = 1
	}
	// Burst of 1 keeps the tick at most as fast as its configured interval
	// even if a caller drove the loop faster than intended.
	limiter := rate.NewLimiter(rate.Every(time.Duration(interval*float64(time.Second))), 1)

	return &Channel{
		bot:     bot,
		cfg:     cfg,
		orch:    orch,
		allowed: allowed,
		userCtx: map[int64]*userContext{},
		limiter: limiter,
	}, nil
}

func (c *Channel) userContextFor(userID int64) *userContext {
	c.userCtxMu.Lock()
	defer c.userCtxMu.Unlock()
	uc, ok := c.userCtx[userID]
	if !ok {
		uc = newUserContext()
		c.userCtx[userID] = uc
	}
	return uc
}

func (c *Channel) knownUserIDs() []int64 {
	c.userCtxMu.Lock()
	defer c.userCtxMu.Unlock()
	out := make([]int64, 0, len(c.userCtx))
	for id := range c.userCtx {
		out = append(out, id)
	}
	return out
}

// Start begins long polling for updates and launches the periodic
// poll_external_results tick.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting telegram bot adapter", "bot", c.cfg.BotName)

	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	slog.Info("telegram bot connected", "bot", c.cfg.BotName, "username", c.bot.Username())

	go c.syncMenuCommands(pollCtx)
	go c.pollExternalResultsLoop(pollCtx)

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram updates channel closed", "bot", c.cfg.BotName)
					return
				}
				if update.Message == nil {
					continue
				}
				go c.safeHandleMessage(pollCtx, update)
			}
		}
	}()

	return nil
}

// safeHandleMessage isolates one update's handling behind a recover so a
// panic while processing one user's message cannot take down the adapter's
// update loop.
func (c *Channel) safeHandleMessage(ctx context.Context, update telego.Update) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic handling telegram update", "bot", c.cfg.BotName, "recover", r)
		}
	}()
	c.handleMessage(ctx, update)
}

// Stop cancels the long polling context and waits for the update loop to
// exit.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping telegram bot adapter", "bot", c.cfg.BotName)
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram polling goroutine did not exit within timeout", "bot", c.cfg.BotName)
		}
	}
	return nil
}

func (c *Channel) syncMenuCommands(ctx context.Context) {
	commands := []telego.BotCommand{
		{Command: "help", Description: "查看帮助"},
		{Command: "whoami", Description: "查看用户 ID"},
		{Command: "session", Description: "查看当前会话绑定（只读）"},
		{Command: "stop", Description: "停止当前任务"},
		{Command: "status", Description: "查看状态"},
		{Command: "retry", Description: "重试上一次指令"},
		{Command: "new", Description: "提交新指令"},
		{Command: "lastresult", Description: "查看最近一次结果"},
	}
	for attempt := 1; attempt <= 3; attempt++ {
		if err := c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{Commands: commands}); err != nil {
			slog.Warn("failed to sync telegram menu commands", "bot", c.cfg.BotName, "error", err, "attempt", attempt)
			if attempt < 3 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(attempt) * 5 * time.Second):
				}
			}
			continue
		}
		slog.Info("telegram menu commands synced", "bot", c.cfg.BotName)
		return
	}
}

func tuChatID(chatID int64) telego.ChatID { return tu.ID(chatID) }
