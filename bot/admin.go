package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"filelink-bot/delivery"
	"filelink-bot/link"
	"filelink-bot/model"
	"filelink-bot/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

const (
	askFirstText      = "Forward the first message link from the channel.\n\nExample: https://t.me/MPlayLink/245"
	askLastText       = "Now send the last message link of the batch."
	invalidLinkText   = "Invalid Channel ID or Username"
	creatingBatchText = "Creating Batch..."
	noStorageText     = "Storage channel is not configured."
)

// shareKeyboard offers the link itself and a Telegram share dialog for it.
func shareKeyboard(openText, shareText, url string) *telebot.ReplyMarkup {
	menu := &telebot.ReplyMarkup{}
	menu.Inline(menu.Row(
		menu.URL(openText, url),
		menu.URL(shareText, "https://t.me/share/url?url="+url),
	))
	return menu
}

// parseUserID reads the single numeric argument of /ban, /user and friends.
func parseUserID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected exactly one user id")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid user id %q", args[0])
	}
	return id, nil
}

// parseDelay accepts a Go duration ("10m") or a bare number of seconds.
func parseDelay(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 {
			return 0, errors.New("delay must not be negative")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Errorf("invalid delay %q", s)
	}
	if d < 0 {
		return 0, errors.New("delay must not be negative")
	}
	return d, nil
}

// parseRequirement reads "/fsub add <key> <channel_id> <join|request> [title...]".
func parseRequirement(args []string) (*model.ChannelRequirement, error) {
	if len(args) < 3 {
		return nil, errors.New("usage: /fsub add <key> <channel_id> <join|request> [title]")
	}
	channelID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil || channelID >= 0 {
		return nil, errors.Errorf("invalid channel id %q", args[1])
	}
	method := model.JoinMethod(strings.ToLower(args[2]))
	if !method.Valid() {
		return nil, errors.Errorf("unknown join method %q", args[2])
	}
	return &model.ChannelRequirement{
		Key:       args[0],
		ChannelID: channelID,
		Method:    method,
		Title:     strings.Join(args[3:], " "),
		Enabled:   true,
	}, nil
}

// handleUpload stores an admin's media in the storage channel and replies
// with its link.
func (bot *Bot) handleUpload(c telebot.Context) error {
	if bot.storageChannel == 0 {
		return c.Reply(noStorageText)
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	msg := c.Message()
	src := transport.Message{
		ChatID:     msg.Chat.ID,
		Peer:       strconv.FormatInt(msg.Chat.ID, 10),
		ID:         msg.ID,
		Caption:    msg.Caption,
		HasContent: true,
	}
	stored, err := bot.Client.CopyMessage(ctx, src, bot.storageChannel, msg.Caption)
	if err != nil {
		return errors.Wrap(err, "copy upload to storage")
	}
	return bot.replySingleLink(ctx, c, model.Location{ChatID: bot.storageChannel, MessageID: stored.ID})
}

// handleGenLink builds a link for an existing channel post.
func (bot *Bot) handleGenLink(c telebot.Context) error {
	args := c.Args()
	if len(args) != 1 {
		return c.Reply("Usage: /genlink <post link>")
	}
	loc, err := link.ParseShareURL(args[0])
	if err != nil {
		return c.Reply(invalidLinkText)
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	msg, err := bot.Client.FetchMessage(ctx, loc)
	if err != nil {
		if errors.Is(err, transport.ErrMessageMissing) {
			return c.Reply(fileNotFoundText)
		}
		return errors.Wrap(err, "fetch post")
	}

	// Handles can be renamed; keep a numeric copy in the storage channel.
	if loc.Handle != "" {
		if bot.storageChannel == 0 {
			return c.Reply(noStorageText)
		}
		stored, err := bot.Client.CopyMessage(ctx, msg, bot.storageChannel, msg.Caption)
		if err != nil {
			return errors.Wrap(err, "copy post to storage")
		}
		loc = model.Location{ChatID: bot.storageChannel, MessageID: stored.ID}
	}
	return bot.replySingleLink(ctx, c, loc)
}

func (bot *Bot) replySingleLink(ctx context.Context, c telebot.Context, loc model.Location) error {
	token, err := bot.Codec.EncodeSingle(ctx, loc)
	if err != nil {
		return errors.Wrap(err, "encode file link")
	}
	url := link.ShareURL(bot.B.Me.Username, link.KindSingle, token)
	bot.log.Info("file link created",
		zap.Int64("admin_id", c.Sender().ID),
		zap.Int64("chat_id", loc.ChatID),
		zap.Int("message_id", loc.MessageID))

	text := fmt.Sprintf("Here is your link:\n\n`%s`", escapeMarkdownV2Code(url))
	return c.Reply(text, telebot.ModeMarkdownV2, shareKeyboard("Open File", "Share File", url))
}

func (bot *Bot) handleBatch(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateBatch_WaitFirst)
	return c.Reply(askFirstText)
}

func (bot *Bot) handleCancel(c telebot.Context) error {
	bot.setState(c.Sender().ID, StateNone)
	return c.Reply("Cancelled.")
}

func (bot *Bot) batchFirst(c telebot.Context) error {
	userID := c.Sender().ID
	text := strings.TrimSpace(c.Text())
	if _, err := link.ParseShareURL(text); err != nil {
		bot.setState(userID, StateNone)
		return c.Reply(invalidLinkText)
	}
	bot.setTempData(userID, "first", text)
	bot.setState(userID, StateBatch_WaitLast)
	return c.Reply(askLastText)
}

func (bot *Bot) batchLast(ctx context.Context, c telebot.Context) error {
	userID := c.Sender().ID
	first := bot.getTempData(userID, "first")
	bot.setState(userID, StateNone)

	locs, reason := batchLocations(first, c.Text())
	if reason != "" {
		return c.Reply(reason)
	}

	status, err := bot.B.Send(c.Chat(), creatingBatchText)
	if err != nil {
		return err
	}

	items, err := collectBatch(ctx, bot.Client, locs)
	switch {
	case errors.Is(err, link.ErrInvalidBatchSize):
		_, err := bot.B.Edit(status, fmt.Sprintf("That range holds more than %d files.", link.MaxBatchSize))
		return err
	case err != nil:
		_, _ = bot.B.Edit(status, failedText)
		return err
	case len(items) == 0:
		_, err := bot.B.Edit(status, "No files found in that range.")
		return err
	}

	token, err := bot.Codec.EncodeBatch(ctx, userID, items)
	if err != nil {
		_, _ = bot.B.Edit(status, failedText)
		return errors.Wrap(err, "encode batch")
	}
	url := link.ShareURL(bot.B.Me.Username, link.KindBatch, token)
	bot.log.Info("batch created", zap.Int64("admin_id", userID), zap.Int("items", len(items)))

	text := fmt.Sprintf("Batch Created Successfully\\!\n\n*Files:* %d\n*Link:* `%s`", len(items), escapeMarkdownV2Code(url))
	_, err = bot.B.Edit(status, text, telebot.ModeMarkdownV2, shareKeyboard("Open Batch", "Share Batch", url))
	return err
}

// maxBatchScan bounds how many posts a /batch range may span before
// service messages and deleted posts are filtered out.
const maxBatchScan = 200

// batchLocations expands the first and last post links of a /batch
// conversation into the message range between them. On failure it returns
// the reply explaining why.
func batchLocations(firstText, lastText string) ([]model.Location, string) {
	first, err := link.ParseShareURL(firstText)
	if err != nil {
		return nil, invalidLinkText
	}
	last, err := link.ParseShareURL(lastText)
	if err != nil {
		return nil, invalidLinkText
	}
	switch {
	case first.ChatID != last.ChatID || first.Handle != last.Handle:
		return nil, "Both messages must be from the same channel."
	case last.MessageID < first.MessageID:
		return nil, "The last message must come after the first one."
	}
	locs, err := link.ScanRange(first, last, maxBatchScan)
	if err != nil {
		return nil, fmt.Sprintf("A batch range can span at most %d messages.", maxBatchScan)
	}
	return locs, ""
}

type messageFetcher interface {
	FetchMessage(ctx context.Context, loc model.Location) (transport.Message, error)
}

// collectBatch keeps the posts in locs that still carry content. More than
// link.MaxBatchSize of them is ErrInvalidBatchSize.
func collectBatch(ctx context.Context, f messageFetcher, locs []model.Location) ([]model.Location, error) {
	var items []model.Location
	for _, loc := range locs {
		msg, err := f.FetchMessage(ctx, loc)
		if errors.Is(err, transport.ErrMessageMissing) || (err == nil && !msg.HasContent) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "fetch batch item")
		}
		items = append(items, loc)
		if len(items) > link.MaxBatchSize {
			return nil, errors.Wrapf(link.ErrInvalidBatchSize, "more than %d files", link.MaxBatchSize)
		}
	}
	return items, nil
}

func (bot *Bot) handleBan(c telebot.Context) error {
	return bot.setBanned(c, true)
}

func (bot *Bot) handleUnban(c telebot.Context) error {
	return bot.setBanned(c, false)
}

func (bot *Bot) setBanned(c telebot.Context, banned bool) error {
	id, err := parseUserID(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	if err := bot.Store.SetBanned(ctx, id, banned); err != nil {
		return errors.Wrap(err, "set banned")
	}
	bot.log.Info("ban flag changed",
		zap.Int64("admin_id", c.Sender().ID),
		zap.Int64("user_id", id),
		zap.Bool("banned", banned))
	if banned {
		return c.Reply(fmt.Sprintf("User %d banned.", id))
	}
	return c.Reply(fmt.Sprintf("User %d unbanned.", id))
}

func (bot *Bot) handleUser(c telebot.Context) error {
	id, err := parseUserID(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	u, err := bot.Store.GetUser(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return c.Reply("User not found.")
	}
	if err != nil {
		return errors.Wrap(err, "get user")
	}
	return c.Reply(userText(u), telebot.ModeMarkdownV2)
}

func userText(u *model.User) string {
	return fmt.Sprintf("*User Info*\n\n*ID:* `%d`\n*Files Received:* %d\n*Banned:* %s\n*Joined:* %s",
		u.ID, u.FilesReceived,
		escapeMarkdownV2(strconv.FormatBool(u.Banned)),
		escapeMarkdownV2(u.CreatedAt.UTC().Format("2006-01-02 15:04")))
}

func (bot *Bot) handleAddAdmin(c telebot.Context) error {
	id, err := parseUserID(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	added, err := bot.Store.AddAdmin(ctx, id)
	if err != nil {
		return errors.Wrap(err, "add admin")
	}
	if !added {
		return c.Reply(fmt.Sprintf("%d is already an admin.", id))
	}
	bot.log.Info("admin added", zap.Int64("admin_id", c.Sender().ID), zap.Int64("user_id", id))
	return c.Reply(fmt.Sprintf("%d is now an admin.", id))
}

func (bot *Bot) handleDelAdmin(c telebot.Context) error {
	id, err := parseUserID(c.Args())
	if err != nil {
		return c.Reply(err.Error())
	}
	if id == c.Sender().ID {
		return c.Reply("You cannot remove yourself.")
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	removed, err := bot.Store.RemoveAdmin(ctx, id)
	if err != nil {
		return errors.Wrap(err, "remove admin")
	}
	if !removed {
		return c.Reply(fmt.Sprintf("%d is not an admin.", id))
	}
	bot.log.Info("admin removed", zap.Int64("admin_id", c.Sender().ID), zap.Int64("user_id", id))
	return c.Reply(fmt.Sprintf("%d is no longer an admin.", id))
}

// handleSetTime changes a persisted delete delay: /settime <file|notice> <delay>.
func (bot *Bot) handleSetTime(c telebot.Context) error {
	args := c.Args()
	if len(args) != 2 {
		return c.Reply("Usage: /settime <file|notice> <delay>")
	}
	d, err := parseDelay(args[1])
	if err != nil {
		return c.Reply(err.Error())
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	switch args[0] {
	case "file":
		err = bot.Store.SetFileDeleteTime(ctx, d)
	case "notice":
		err = bot.Store.SetMessageDeleteTime(ctx, d)
	default:
		return c.Reply("Usage: /settime <file|notice> <delay>")
	}
	if err != nil {
		return errors.Wrap(err, "set delete time")
	}
	bot.log.Info("delete time changed", zap.String("which", args[0]), zap.Duration("delay", d))
	if d == 0 {
		return c.Reply(fmt.Sprintf("Auto delete for %s messages disabled.", args[0]))
	}
	return c.Reply(fmt.Sprintf("The %s messages are now deleted after %s.", args[0], delivery.HumanDuration(d)))
}

// handleForceSub manages channel requirements:
// /fsub list | add <key> <channel_id> <join|request> [title] | del <key> | on <key> | off <key>
func (bot *Bot) handleForceSub(c telebot.Context) error {
	args := c.Args()
	if len(args) == 0 {
		args = []string{"list"}
	}
	ctx, cancel := bot.requestContext()
	defer cancel()

	switch args[0] {
	case "list":
		reqs, err := bot.Store.Requirements(ctx)
		if err != nil {
			return errors.Wrap(err, "load requirements")
		}
		return c.Reply(requirementsText(reqs))
	case "add":
		r, err := parseRequirement(args[1:])
		if err != nil {
			return c.Reply(err.Error())
		}
		if err := bot.Store.PutRequirement(ctx, r); err != nil {
			return errors.Wrap(err, "put requirement")
		}
		return c.Reply(fmt.Sprintf("Requirement %s saved.", r.Key))
	case "del", "on", "off":
		if len(args) != 2 {
			return c.Reply(fmt.Sprintf("Usage: /fsub %s <key>", args[0]))
		}
		if args[0] == "del" {
			if err := bot.Store.RemoveRequirement(ctx, args[1]); err != nil {
				return errors.Wrap(err, "remove requirement")
			}
			return c.Reply(fmt.Sprintf("Requirement %s removed.", args[1]))
		}
		return bot.toggleRequirement(ctx, c, args[1], args[0] == "on")
	}
	return c.Reply("Usage: /fsub list|add|del|on|off")
}

func (bot *Bot) toggleRequirement(ctx context.Context, c telebot.Context, key string, enabled bool) error {
	reqs, err := bot.Store.Requirements(ctx)
	if err != nil {
		return errors.Wrap(err, "load requirements")
	}
	for _, r := range reqs {
		if r.Key != key {
			continue
		}
		r.Enabled = enabled
		if err := bot.Store.PutRequirement(ctx, &r); err != nil {
			return errors.Wrap(err, "put requirement")
		}
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		return c.Reply(fmt.Sprintf("Requirement %s %s.", key, state))
	}
	return c.Reply(fmt.Sprintf("No requirement named %s.", key))
}

func requirementsText(reqs []model.ChannelRequirement) string {
	if len(reqs) == 0 {
		return "No channel requirements."
	}
	var b strings.Builder
	b.WriteString("Channel requirements:\n\n")
	for i, r := range reqs {
		state := "off"
		if r.Enabled {
			state = "on"
		}
		fmt.Fprintf(&b, "%d. %s  %d  %s  [%s]", i+1, r.Key, r.ChannelID, r.Method, state)
		if r.Title != "" {
			fmt.Fprintf(&b, "  %s", r.Title)
		}
		b.WriteString("\n")
	}
	return b.String()
}
