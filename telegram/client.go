package telegram

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	"filelink-bot/model"
	"filelink-bot/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

// Client implements the transport capabilities on top of telebot. Every call
// goes through Bot.Raw so failures can be classified from the API response.
type Client struct {
	B *telebot.Bot

	// ScratchChat receives short-lived forwards used to read a source
	// message: caption, entities and whether it has content. Zero skips
	// reading and FetchMessage returns a bare reference.
	ScratchChat int64

	log *zap.Logger
}

func NewClient(b *telebot.Bot, scratchChat int64, log *zap.Logger) *Client {
	return &Client{
		B:           b,
		ScratchChat: scratchChat,
		log:         log.Named("telegram"),
	}
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

var retryAfterRe = regexp.MustCompile(`retry after (\d+)`)

func (c *Client) call(ctx context.Context, method string, params map[string]string, out interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := c.B.Raw(method, params)
	if err != nil {
		return classify(method, data, err)
	}
	var resp apiResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return errors.Wrapf(transport.ErrUnavailable, "%s: decode response: %v", method, err)
	}
	if !resp.OK {
		return classify(method, data, errors.New(resp.Description))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return errors.Wrapf(transport.ErrUnavailable, "%s: decode result: %v", method, err)
	}
	return nil
}

// classify maps a Bot API failure onto the transport taxonomy. The raw body
// is preferred; the error text is the fallback when telebot kept no body.
func classify(method string, data []byte, err error) error {
	code, desc, retry := 0, err.Error(), 0
	var resp apiResponse
	if len(data) > 0 && json.Unmarshal(data, &resp) == nil && !resp.OK {
		code, desc, retry = resp.ErrorCode, resp.Description, resp.Parameters.RetryAfter
	}
	lower := strings.ToLower(desc)

	if retry == 0 {
		if m := retryAfterRe.FindStringSubmatch(lower); m != nil {
			retry, _ = strconv.Atoi(m[1])
		}
	}
	if code == 429 || retry > 0 {
		return &transport.RateLimitError{RetryAfter: time.Duration(retry) * time.Second}
	}

	switch {
	case strings.Contains(lower, "user not found"),
		strings.Contains(lower, "participant_id_invalid"),
		strings.Contains(lower, "user_not_participant"):
		return errors.Wrap(transport.ErrNotParticipant, method)
	case strings.Contains(lower, "message to delete not found"),
		strings.Contains(lower, "message can't be deleted"),
		strings.Contains(lower, "message_delete_forbidden"):
		return errors.Wrap(transport.ErrForbidden, method)
	case strings.Contains(lower, "message to forward not found"),
		strings.Contains(lower, "message to copy not found"),
		strings.Contains(lower, "message can't be copied"),
		strings.Contains(lower, "message_id_invalid"):
		return errors.Wrap(transport.ErrMessageMissing, method)
	case code == 403 && method == "deleteMessage":
		return errors.Wrap(transport.ErrForbidden, method)
	}
	return errors.Wrapf(transport.ErrUnavailable, "%s: %s", method, desc)
}

// FetchMessage reads a source message. With a scratch chat configured the
// message is forwarded there and the forward is removed right after.
func (c *Client) FetchMessage(ctx context.Context, loc model.Location) (transport.Message, error) {
	ref := transport.Message{ChatID: loc.ChatID, Peer: loc.Peer(), ID: loc.MessageID, HasContent: true}
	if c.ScratchChat == 0 {
		return ref, nil
	}

	var raw json.RawMessage
	err := c.call(ctx, "forwardMessage", map[string]string{
		"chat_id":              strconv.FormatInt(c.ScratchChat, 10),
		"from_chat_id":         loc.Peer(),
		"message_id":           strconv.Itoa(loc.MessageID),
		"disable_notification": "true",
	}, &raw)
	if err != nil {
		return transport.Message{}, err
	}
	var fwd telebot.Message
	if err := json.Unmarshal(raw, &fwd); err != nil {
		return transport.Message{}, errors.Wrapf(transport.ErrUnavailable, "forwardMessage: decode message: %v", err)
	}
	var spans struct {
		CaptionEntities []apiEntity `json:"caption_entities"`
	}
	if err := json.Unmarshal(raw, &spans); err != nil {
		return transport.Message{}, errors.Wrapf(transport.ErrUnavailable, "forwardMessage: decode entities: %v", err)
	}

	if err := c.DeleteMessage(ctx, c.ScratchChat, fwd.ID); err != nil {
		c.log.Warn("scratch forward not removed", zap.Int("message_id", fwd.ID), zap.Error(err))
	}

	ref.Caption = fwd.Caption
	ref.Entities = fromAPIEntities(spans.CaptionEntities)
	ref.HasContent = fwd.Media() != nil || fwd.Text != ""
	return ref, nil
}

// CopyMessage copies msg into chatID. The caption is only overridden when it
// differs from the source; an override carries the source entities clipped
// to the new caption.
func (c *Client) CopyMessage(ctx context.Context, msg transport.Message, chatID int64, caption string) (transport.Message, error) {
	params := map[string]string{
		"chat_id":      strconv.FormatInt(chatID, 10),
		"from_chat_id": msg.Peer,
		"message_id":   strconv.Itoa(msg.ID),
	}
	if caption != msg.Caption {
		params["caption"] = caption
		if spans := clipEntities(msg.Entities, caption); len(spans) > 0 {
			data, err := json.Marshal(toAPIEntities(spans))
			if err != nil {
				return transport.Message{}, errors.Wrap(err, "encode caption entities")
			}
			params["caption_entities"] = string(data)
		}
	}

	var out struct {
		MessageID int `json:"message_id"`
	}
	if err := c.call(ctx, "copyMessage", params, &out); err != nil {
		return transport.Message{}, err
	}
	return transport.Message{ChatID: chatID, Peer: strconv.FormatInt(chatID, 10), ID: out.MessageID, Caption: caption, HasContent: true}, nil
}

func (c *Client) SendText(ctx context.Context, chatID int64, replyTo int, text string) (transport.Message, error) {
	params := map[string]string{
		"chat_id":                  strconv.FormatInt(chatID, 10),
		"text":                     text,
		"disable_web_page_preview": "true",
	}
	if replyTo != 0 {
		params["reply_to_message_id"] = strconv.Itoa(replyTo)
		params["allow_sending_without_reply"] = "true"
	}

	var out telebot.Message
	if err := c.call(ctx, "sendMessage", params, &out); err != nil {
		return transport.Message{}, err
	}
	return transport.Message{ChatID: chatID, Peer: strconv.FormatInt(chatID, 10), ID: out.ID, HasContent: true}, nil
}

func (c *Client) ChatMember(ctx context.Context, chatID, userID int64) error {
	var member struct {
		Status   string `json:"status"`
		IsMember bool   `json:"is_member"`
	}
	err := c.call(ctx, "getChatMember", map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
		"user_id": strconv.FormatInt(userID, 10),
	}, &member)
	if err != nil {
		return err
	}

	switch telebot.MemberStatus(member.Status) {
	case telebot.Left, telebot.Kicked:
		return errors.Wrap(transport.ErrNotParticipant, "getChatMember")
	case telebot.Restricted:
		if !member.IsMember {
			return errors.Wrap(transport.ErrNotParticipant, "getChatMember")
		}
	}
	return nil
}

func (c *Client) Chat(ctx context.Context, chatID int64) (transport.ChatInfo, error) {
	var chat telebot.Chat
	err := c.call(ctx, "getChat", map[string]string{"chat_id": strconv.FormatInt(chatID, 10)}, &chat)
	if err != nil {
		return transport.ChatInfo{}, err
	}
	return transport.ChatInfo{ID: chat.ID, Title: chat.Title, Handle: chat.Username}, nil
}

func (c *Client) CreateInviteLink(ctx context.Context, chatID int64, requiresApproval bool) (string, error) {
	var link struct {
		InviteLink string `json:"invite_link"`
	}
	err := c.call(ctx, "createChatInviteLink", map[string]string{
		"chat_id":              strconv.FormatInt(chatID, 10),
		"creates_join_request": strconv.FormatBool(requiresApproval),
	}, &link)
	if err != nil {
		return "", err
	}
	return link.InviteLink, nil
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return c.call(ctx, "deleteMessage", map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"message_id": strconv.Itoa(messageID),
	}, nil)
}

type apiUser struct {
	ID int64 `json:"id"`
}

type apiEntity struct {
	Type        string   `json:"type"`
	Offset      int      `json:"offset"`
	Length      int      `json:"length"`
	URL         string   `json:"url,omitempty"`
	User        *apiUser `json:"user,omitempty"`
	Language    string   `json:"language,omitempty"`
	CustomEmoji string   `json:"custom_emoji_id,omitempty"`
}

func fromAPIEntities(in []apiEntity) []transport.Entity {
	var out []transport.Entity
	for _, e := range in {
		te := transport.Entity{
			Type:        e.Type,
			Offset:      e.Offset,
			Length:      e.Length,
			URL:         e.URL,
			Language:    e.Language,
			CustomEmoji: e.CustomEmoji,
		}
		if e.User != nil {
			te.UserID = e.User.ID
		}
		out = append(out, te)
	}
	return out
}

func toAPIEntities(in []transport.Entity) []apiEntity {
	out := make([]apiEntity, 0, len(in))
	for _, e := range in {
		ae := apiEntity{
			Type:        e.Type,
			Offset:      e.Offset,
			Length:      e.Length,
			URL:         e.URL,
			Language:    e.Language,
			CustomEmoji: e.CustomEmoji,
		}
		if e.UserID != 0 {
			ae.User = &apiUser{ID: e.UserID}
		}
		out = append(out, ae)
	}
	return out
}

// clipEntities keeps the spans that start inside caption and shortens those
// running past its end.
func clipEntities(entities []transport.Entity, caption string) []transport.Entity {
	n := len(utf16.Encode([]rune(caption)))
	var out []transport.Entity
	for _, e := range entities {
		if e.Offset >= n || e.Length <= 0 {
			continue
		}
		if e.Offset+e.Length > n {
			e.Length = n - e.Offset
		}
		out = append(out, e)
	}
	return out
}
