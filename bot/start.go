package bot

import (
	"fmt"
	"strings"

	"filelink-bot/delivery"
	"filelink-bot/gate"
	"filelink-bot/link"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

const (
	loadingText       = "Loading..."
	welcomeText       = "Hello! Send me a shared link to get its files."
	authorizedText    = "You are Authorized 😎\n\nNow you can use me 😉"
	notAllowedText    = "You are not allowed to use me. Open a shared link instead."
	arrogantReplyText = "Who do you think you are? Only admins give me commands."
	notJoinedFooter   = "You are not yet joined our channel. First join and then press the refresh button 🤤"
	fileNotFoundText  = "File Not Found"
	invalidBatchText  = "Invalid Batch ID"
	failedText        = "Something went wrong, try again later."
)

// statusText renders the per-channel membership list shown to blocked users.
func statusText(v gate.Verdict) string {
	var b strings.Builder
	b.WriteString("Channel Status:\n\n")
	for i, ch := range v.Channels {
		mark := "❌ Not Joined"
		if ch.Joined {
			mark = "✅ Joined"
		}
		fmt.Fprintf(&b, "%d. %s - %s\n", i+1, channelLabel(i, ch), mark)
	}
	b.WriteString("\n")
	b.WriteString(notJoinedFooter)
	return b.String()
}

func channelLabel(i int, ch gate.ChannelStatus) string {
	if ch.Title != "" {
		return ch.Title
	}
	return fmt.Sprintf("Channel %d", i+1)
}

// joinKeyboard has a join button per unmet channel, two per row, numbered
// like statusText, then the refresh button carrying payload.
func joinKeyboard(v gate.Verdict, payload string) *telebot.ReplyMarkup {
	menu := &telebot.ReplyMarkup{}
	var rows []telebot.Row
	var row []telebot.Btn
	for i, ch := range v.Channels {
		if ch.Joined || ch.InviteLink == "" {
			continue
		}
		row = append(row, menu.URL(fmt.Sprintf("Join Channel %d", i+1), ch.InviteLink))
		if len(row) == 2 {
			rows = append(rows, menu.Row(row...))
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, menu.Row(row...))
	}
	rows = append(rows, menu.Row(menu.Data(btnRefresh.Text, btnRefresh.Unique, payload)))
	menu.Inline(rows...)
	return menu
}

// failureText maps a delivery error to the reply the user sees.
func failureText(kind link.Kind, payload string, err error) string {
	switch {
	case errors.Is(err, link.ErrUnknownToken):
		if kind == link.KindBatch || strings.HasPrefix(payload, link.PrefixBatch) {
			return invalidBatchText
		}
		return fileNotFoundText
	case errors.Is(err, delivery.ErrContentGone):
		return fileNotFoundText
	}
	return failedText
}

func (bot *Bot) handleStart(c telebot.Context) error {
	if c.Chat() == nil || c.Chat().Type != telebot.ChatPrivate {
		return nil
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	userID := c.Sender().ID
	if created, err := bot.Store.EnsureUser(ctx, userID); err != nil {
		return errors.Wrap(err, "ensure user")
	} else if created {
		bot.log.Info("new user", zap.Int64("user_id", userID))
	}

	payload := strings.TrimSpace(c.Message().Payload)
	loading, err := bot.B.Send(c.Chat(), loadingText)
	if err != nil {
		return err
	}

	res, err := bot.Pipeline.OpenLink(ctx, delivery.Request{
		UserID:           userID,
		ChatID:           c.Chat().ID,
		Payload:          payload,
		CommandMessageID: c.Message().ID,
	})
	return bot.render(c, loading, payload, res, err)
}

// render replaces the loading message with the outcome of OpenLink.
func (bot *Bot) render(c telebot.Context, status *telebot.Message, payload string, res delivery.Result, err error) error {
	if res.Verdict.Status == gate.Blocked {
		_, editErr := bot.B.Edit(status, statusText(res.Verdict), joinKeyboard(res.Verdict, payload))
		return editErr
	}

	if err != nil {
		bot.log.Info("open link failed",
			zap.Int64("user_id", c.Sender().ID),
			zap.String("payload", payload),
			zap.Error(err))
		_, editErr := bot.B.Edit(status, failureText(res.Kind, payload, err))
		return editErr
	}

	if payload == "" {
		_, editErr := bot.B.Edit(status, welcomeText)
		return editErr
	}
	return bot.B.Delete(status)
}

// handleRefresh re-runs the link the status message was rendered for.
func (bot *Bot) handleRefresh(c telebot.Context) error {
	cb := c.Callback()
	if cb == nil || cb.Message == nil {
		return nil
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	_ = c.Respond()
	status, err := bot.B.Edit(cb.Message, loadingText)
	if err != nil {
		return err
	}

	payload := strings.TrimSpace(cb.Data)
	res, err := bot.Pipeline.OpenLink(ctx, delivery.Request{
		UserID:    c.Sender().ID,
		ChatID:    cb.Message.Chat.ID,
		Payload:   payload,
		Transient: true,
	})
	if err != nil {
		bot.log.Info("open link failed",
			zap.Int64("user_id", c.Sender().ID),
			zap.String("payload", payload),
			zap.Error(err))
	}

	edit, markup, follow := refreshReply(res, payload, err)
	if markup != nil {
		_, err = bot.B.Edit(status, edit, markup)
	} else {
		_, err = bot.B.Edit(status, edit)
	}
	if err != nil || follow == "" {
		return err
	}
	return c.Send(follow)
}

// refreshReply decides what the status message becomes after a refresh and
// what, if anything, is sent after it. A zero verdict means the gate never
// answered, so the user is not told they are authorized.
func refreshReply(res delivery.Result, payload string, err error) (edit string, markup *telebot.ReplyMarkup, follow string) {
	switch {
	case res.Verdict.Status == gate.Blocked:
		return statusText(res.Verdict), joinKeyboard(res.Verdict, payload), ""
	case err != nil && res.Verdict.Status == 0:
		return failedText, nil, ""
	case err != nil:
		return authorizedText, nil, failureText(res.Kind, payload, err)
	}
	return authorizedText, nil, ""
}

func (bot *Bot) handleJoinRequest(c telebot.Context) error {
	req := c.ChatJoinRequest()
	if req == nil || req.Chat == nil || req.Sender == nil {
		return nil
	}
	ctx, cancel := bot.requestContext()
	defer cancel()
	return bot.Gate.RecordJoinRequest(ctx, req.Chat.ID, req.Sender.ID)
}
