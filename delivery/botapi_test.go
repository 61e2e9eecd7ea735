package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"filelink-bot/config"
	"filelink-bot/gate"
	"filelink-bot/link"
	"filelink-bot/model"
	"filelink-bot/schedule"
	"filelink-bot/store"
	"filelink-bot/telegram"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/telebot.v3"
)

// botAPI is a minimal Bot API server: forwardMessage answers with a fixed
// message, copyMessage and deleteMessage succeed.
type botAPI struct {
	mu      sync.Mutex
	forward string
	calls   map[string][]map[string]string
	nextID  int
}

func (a *botAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	params := map[string]string{}
	json.NewDecoder(r.Body).Decode(&params)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls[method] = append(a.calls[method], params)
	a.nextID++

	w.Header().Set("Content-Type", "application/json")
	switch method {
	case "forwardMessage":
		w.Write([]byte(a.forward))
	case "copyMessage", "sendMessage":
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ok":     true,
			"result": map[string]interface{}{"message_id": a.nextID, "date": 0, "chat": map[string]interface{}{"id": 1, "type": "private"}},
		})
	case "deleteMessage":
		w.Write([]byte(`{"ok":true,"result":true}`))
	default:
		w.Write([]byte(`{"ok":false,"error_code":404,"description":"Not Found"}`))
	}
}

func (a *botAPI) params(method string) []map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[method]
}

func forwardReply(t *testing.T, msg map[string]interface{}) string {
	t.Helper()
	msg["message_id"] = 500
	msg["date"] = 0
	msg["chat"] = map[string]interface{}{"id": -1001, "type": "channel"}
	data, err := json.Marshal(map[string]interface{}{"ok": true, "result": msg})
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// newBotAPIPipeline wires the pipeline to a real telegram.Client built from
// a config file that only names the storage channel.
func newBotAPIPipeline(t *testing.T, forward string) (*Pipeline, *link.Codec, *botAPI) {
	t.Helper()
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	configContent := "bot:\n  token: \"1:x\"\n  storage_channel: -1001\n"
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(configPath, true, nil)
	if err != nil {
		t.Fatal(err)
	}

	api := &botAPI{forward: forward, calls: map[string][]map[string]string{}}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	b, err := telebot.NewBot(telebot.Settings{URL: srv.URL, Token: cfg.Bot.Token, Offline: true})
	if err != nil {
		t.Fatal(err)
	}
	client := telegram.NewClient(b, cfg.Bot.ScratchChat, zap.NewNop())

	st, err := store.Open(filepath.Join(dir, "delivery.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	err = st.EnsureDefaults(context.Background(), store.Defaults{
		FileDeleteTime:    cfg.Delivery.FileDeleteTime,
		MessageDeleteTime: cfg.Delivery.MessageDeleteTime,
	})
	if err != nil {
		t.Fatal(err)
	}

	codec := link.NewCodec(st)
	g := gate.New(st, client, gate.Options{}, zap.NewNop())
	sched := schedule.New(st, client, schedule.Options{}, zap.NewNop())
	p := New(g, codec, client, st, sched, Options{
		ItemPause:    cfg.Delivery.ItemPause,
		CaptionLimit: cfg.Delivery.CaptionLimit,
	}, zap.NewNop())
	return p, codec, api
}

func TestOpenLinkTruncatesCaptionThroughBotAPI(t *testing.T) {
	forward := forwardReply(t, map[string]interface{}{
		"caption": strings.Repeat("é", 1500),
		"caption_entities": []map[string]interface{}{
			{"type": "bold", "offset": 0, "length": 5},
			{"type": "italic", "offset": 990, "length": 20},
			{"type": "underline", "offset": 1200, "length": 5},
		},
		"document": map[string]interface{}{"file_id": "f", "file_unique_id": "u"},
	})
	p, codec, api := newBotAPIPipeline(t, forward)
	ctx := context.Background()

	token, err := codec.EncodeSingle(ctx, model.Location{ChatID: -1001, MessageID: 7})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.OpenLink(ctx, request(link.PrefixSingle+token))
	if err != nil {
		t.Fatalf("OpenLink() error = %v", err)
	}
	if len(res.Delivered) != 1 {
		t.Fatalf("delivered = %v", res.Delivered)
	}

	fwd := api.params("forwardMessage")
	if len(fwd) != 1 || fwd[0]["chat_id"] != "-1001" {
		t.Errorf("source not read through the storage channel: %v", fwd)
	}
	copies := api.params("copyMessage")
	if len(copies) != 1 {
		t.Fatalf("copyMessage calls = %d", len(copies))
	}
	caption, ok := copies[0]["caption"]
	if !ok || utf8.RuneCountInString(caption) != 1000 {
		t.Errorf("caption sent = %v, %d runes, want 1000", ok, utf8.RuneCountInString(caption))
	}

	var entities []struct {
		Type   string `json:"type"`
		Offset int    `json:"offset"`
		Length int    `json:"length"`
	}
	if err := json.Unmarshal([]byte(copies[0]["caption_entities"]), &entities); err != nil {
		t.Fatalf("caption_entities = %q: %v", copies[0]["caption_entities"], err)
	}
	if len(entities) != 2 || entities[1].Type != "italic" || entities[1].Length != 10 {
		t.Errorf("caption_entities = %+v, want bold and italic clipped to 10", entities)
	}

	// No file delay is configured, so nothing announces a deletion.
	if sent := api.params("sendMessage"); len(sent) != 0 {
		t.Errorf("notice posted without a file delay: %v", sent)
	}
}

func TestOpenLinkServiceMessageThroughBotAPI(t *testing.T) {
	p, codec, api := newBotAPIPipeline(t, forwardReply(t, map[string]interface{}{}))
	ctx := context.Background()

	token, err := codec.EncodeSingle(ctx, model.Location{ChatID: -1001, MessageID: 8})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.OpenLink(ctx, request(link.PrefixSingle+token))
	if !errors.Is(err, ErrContentGone) {
		t.Errorf("OpenLink() error = %v, want ErrContentGone", err)
	}
	if copies := api.params("copyMessage"); len(copies) != 0 {
		t.Errorf("service message copied: %v", copies)
	}
}
