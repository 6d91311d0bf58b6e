package telegram

import (
	"context"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/codexgw/internal/chatsender"
)

// botTransport adapts telego's send/edit calls to chatsender.Transport,
// scoped to one chat. One instance is created per run so the Stream Broker's
// output lands in a single message that grows in place until it rolls over.
type botTransport struct {
	bot    *telego.Bot
	chatID int64
}

var _ chatsender.Transport = (*botTransport)(nil)

func (t *botTransport) Send(ctx context.Context, text string) (string, error) {
	msg, err := t.bot.SendMessage(ctx, tu.Message(tu.ID(t.chatID), text))
	if err != nil {
		return "", err
	}
	return strconv.Itoa(msg.MessageID), nil
}

func (t *botTransport) Edit(ctx context.Context, messageID, text string) error {
	id, err := strconv.Atoi(messageID)
	if err != nil {
		return err
	}
	_, err = t.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(t.chatID),
		MessageID: id,
		Text:      text,
	})
	return err
}

func newSender(bot *telego.Bot, chatID int64, chunkLimit int) *chatsender.Sender {
	limit := chunkLimit
	if limit <= 0 || limit > telegramMessageLimit {
		limit = telegramMessageLimit
	}
	return chatsender.New(&botTransport{bot: bot, chatID: chatID}, limit)
}
