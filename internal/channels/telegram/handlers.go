package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/codexgw/internal/commands"
)

const helpText = "可用命令：\n" +
	"/new <内容> 提交新指令\n" +
	"/session 查看当前会话绑定（只读）\n" +
	"/stop 停止当前任务\n" +
	"/status 查看状态\n" +
	"/retry 重试上一次指令\n" +
	"/lastresult 查看最近一次结果\n" +
	"/whoami 查看用户 ID\n" +
	"/help 查看帮助"

func (c *Channel) sendText(ctx context.Context, chatID int64, text string) error {
	_, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), text))
	return err
}

func (c *Channel) handleMessage(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if !c.authorize(ctx, userID, chatID) {
		return
	}

	text := msg.Text
	parsed, isCommand := commands.Parse(text)
	if !isCommand {
		c.handleNewPrompt(ctx, userID, chatID, text)
		return
	}

	switch parsed.Type {
	case commands.Help:
		c.handleHelp(ctx, chatID)
	case commands.Whoami:
		c.handleWhoami(ctx, userID, chatID)
	case commands.Session:
		c.handleSession(ctx, userID, chatID, parsed.Payload)
	case commands.Stop:
		c.handleStop(ctx, userID, chatID)
	case commands.Status:
		c.handleStatus(ctx, userID, chatID)
	case commands.Retry:
		c.handleRetry(ctx, userID, chatID)
	case commands.New:
		c.handleNewCommand(ctx, userID, chatID, parsed.Payload)
	case commands.LastResult:
		c.handleLastResult(ctx, userID, chatID)
	default:
		// Unreachable: Parse only returns isCommand=true for known types.
	}
}

// authorize enforces the configured allow-list, rebinds the user's chat id
// on every authorized message, and replies with a static refusal otherwise.
func (c *Channel) authorize(ctx context.Context, userID, chatID int64) bool {
	if len(c.allowed) == 0 {
		slog.Warn("telegram bot has no allowed users configured", "bot", c.cfg.BotName, "user_id", userID)
		_ = c.sendText(ctx, chatID, "未配置允许的用户列表，请联系管理员。")
		return false
	}
	if _, ok := c.allowed[userID]; !ok {
		slog.Warn("rejected unauthorized telegram user", "bot", c.cfg.BotName, "user_id", userID)
		_ = c.sendText(ctx, chatID, "无权限使用此机器人。")
		return false
	}
	uc := c.userContextFor(userID)
	uc.setChatID(chatID)
	if err := c.orch.SetChatID(ctx, userID, chatID); err != nil {
		slog.Warn("failed to persist chat id binding", "bot", c.cfg.BotName, "user_id", userID, "error", err)
	}
	return true
}

func (c *Channel) handleHelp(ctx context.Context, chatID int64) {
	_ = c.sendText(ctx, chatID, helpText)
}

func (c *Channel) handleWhoami(ctx context.Context, userID, chatID int64) {
	_ = c.sendText(ctx, chatID, fmt.Sprintf("user_id=%d, chat_id=%d", userID, chatID))
}

// handleSession mirrors the original's deliberately disabled rebinding
// feature: a bare /session reports read-only status; /session <id> is
// refused with a static notice rather than mutating the resume binding.
func (c *Channel) handleSession(ctx context.Context, userID, chatID int64, payload string) {
	if payload == "" {
		c.sendStatusTo(ctx, userID, chatID)
		return
	}
	_ = c.sendText(ctx, chatID, "会话绑定已禁用，当前仅支持查看状态。")
}

func (c *Channel) handleStop(ctx context.Context, userID, chatID int64) {
	if err := c.orch.CancelRun(ctx, userID, c.sendStatusFunc(chatID)); err != nil {
		slog.Error("cancel run failed", "bot", c.cfg.BotName, "user_id", userID, "error", err)
	}
}

func (c *Channel) handleStatus(ctx context.Context, userID, chatID int64) {
	c.sendStatusTo(ctx, userID, chatID)
}

func (c *Channel) sendStatusTo(ctx context.Context, userID, chatID int64) {
	if err := c.orch.Status(ctx, userID, c.sendStatusFunc(chatID)); err != nil {
		slog.Error("status query failed", "bot", c.cfg.BotName, "user_id", userID, "error", err)
	}
}

func (c *Channel) handleLastResult(ctx context.Context, userID, chatID int64) {
	sender := newSender(c.bot, chatID, c.cfg.MessageChunkLimit)
	err := c.orch.LastResult(ctx, userID, c.sendStatusFunc(chatID), func(ctx context.Context, text string, final bool) error {
		return sender.Send(ctx, text, final)
	})
	if err != nil {
		slog.Error("last result query failed", "bot", c.cfg.BotName, "user_id", userID, "error", err)
	}
}

func (c *Channel) handleRetry(ctx context.Context, userID, chatID int64) {
	uc := c.userContextFor(userID)
	lastPrompt := uc.getLastPrompt()
	sender := newSender(c.bot, chatID, c.cfg.MessageChunkLimit)
	err := c.orch.RetryLast(ctx, userID, lastPrompt, c.sendStatusFunc(chatID), c.sendStreamFunc(uc, sender))
	if err != nil {
		slog.Error("retry failed", "bot", c.cfg.BotName, "user_id", userID, "error", err)
	}
}

func (c *Channel) handleNewCommand(ctx context.Context, userID, chatID int64, payload string) {
	if payload == "" {
		_ = c.sendText(ctx, chatID, "请提供指令内容。")
		return
	}
	c.submitPrompt(ctx, userID, chatID, payload)
}

func (c *Channel) handleNewPrompt(ctx context.Context, userID, chatID int64, text string) {
	if text == "" {
		return
	}
	c.submitPrompt(ctx, userID, chatID, text)
}

func (c *Channel) submitPrompt(ctx context.Context, userID, chatID int64, prompt string) {
	slog.Info("received prompt", "bot", c.cfg.BotName, "user_id", userID)
	uc := c.userContextFor(userID)
	uc.setLastPrompt(prompt)
	sender := newSender(c.bot, chatID, c.cfg.MessageChunkLimit)
	err := c.orch.SubmitPrompt(ctx, userID, prompt, c.sendStatusFunc(chatID), c.sendStreamFunc(uc, sender))
	if err != nil {
		slog.Error("submit prompt failed", "bot", c.cfg.BotName, "user_id", userID, "error", err)
	}
}

func (c *Channel) sendStatusFunc(chatID int64) func(ctx context.Context, text string) error {
	return func(ctx context.Context, text string) error {
		return c.sendText(ctx, chatID, text)
	}
}

// sendStreamFunc accumulates every pushed chunk for one run and, once the
// final chunk lands, records the accumulated text's hash in the user's
// dedup window so the periodic poller will not re-deliver content the
// streaming path already pushed inline.
func (c *Channel) sendStreamFunc(uc *userContext, sender interface {
	Send(ctx context.Context, text string, final bool) error
}) func(ctx context.Context, text string, final bool) error {
	var buffer string
	return func(ctx context.Context, text string, final bool) error {
		if err := sender.Send(ctx, text, final); err != nil {
			return err
		}
		if text != "" {
			if buffer != "" {
				buffer = buffer + "\n" + text
			} else {
				buffer = text
			}
		}
		if final && buffer != "" {
			uc.shouldSend(buffer)
		}
		return nil
	}
}
