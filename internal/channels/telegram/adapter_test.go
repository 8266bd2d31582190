package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/channels/media"
	"github.com/haasonsaas/hermes/pkg/models"
)

// minimalWebP is a 1x1 lossless WEBP image, enough for DecodeConfig.
var minimalWebP = []byte("RIFF\x12\x00\x00\x00WEBPVP8L\x05\x00\x00\x00\x2f\x00\x00\x00\x00\x00")

type mockClient struct {
	mu       sync.Mutex
	baseURL  string
	sent     []*bot.SendMessageParams
	sendHook func(call int, p *bot.SendMessageParams) error
	answers  []string
	photos   []*bot.SendPhotoParams
	actions  []string
}

func (m *mockClient) SendMessage(ctx context.Context, p *bot.SendMessageParams) (*tgmodels.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := len(m.sent) + 1
	if m.sendHook != nil {
		if err := m.sendHook(call, p); err != nil {
			return nil, err
		}
	}
	m.sent = append(m.sent, p)
	return &tgmodels.Message{ID: 1000 + len(m.sent)}, nil
}

func (m *mockClient) SendPhoto(ctx context.Context, p *bot.SendPhotoParams) (*tgmodels.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos = append(m.photos, p)
	return &tgmodels.Message{ID: 2000}, nil
}

func (m *mockClient) SendVoice(ctx context.Context, p *bot.SendVoiceParams) (*tgmodels.Message, error) {
	return &tgmodels.Message{ID: 3000}, nil
}

func (m *mockClient) SendChatAction(ctx context.Context, p *bot.SendChatActionParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, string(p.Action))
	return true, nil
}

func (m *mockClient) AnswerCallbackQuery(ctx context.Context, p *bot.AnswerCallbackQueryParams) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, p.Text)
	return true, nil
}

func (m *mockClient) GetFile(ctx context.Context, p *bot.GetFileParams) (*tgmodels.File, error) {
	return &tgmodels.File{FileID: p.FileID, FilePath: "files/" + p.FileID}, nil
}

func (m *mockClient) GetChat(ctx context.Context, p *bot.GetChatParams) (*tgmodels.ChatFullInfo, error) {
	return &tgmodels.ChatFullInfo{Title: "Ops Room", Type: "supergroup", Description: "incidents"}, nil
}

func (m *mockClient) GetMe(ctx context.Context) (*tgmodels.User, error) {
	return &tgmodels.User{Username: "hermes_bot"}, nil
}

func (m *mockClient) FileDownloadLink(f *tgmodels.File) string {
	return m.baseURL + "/" + f.FilePath
}

func (m *mockClient) Start(ctx context.Context) {
	<-ctx.Done()
}

func (m *mockClient) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAdapter(t *testing.T, mutate func(*Config)) (*Adapter, *mockClient) {
	t.Helper()
	cache, err := media.NewCache(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("media cache: %v", err)
	}
	cfg := Config{Token: "test-token", Media: cache, Logger: testLogger()}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mock := &mockClient{}
	a.client = mock
	return a, mock
}

func drainEvent(t *testing.T, a *Adapter) *models.MessageEvent {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event enqueued")
		return nil
	}
}

func textUpdate(chatID int64, userID int64, text string) *tgmodels.Update {
	return &tgmodels.Update{
		Message: &tgmodels.Message{
			ID:   7,
			Date: 1700000000,
			Text: text,
			Chat: tgmodels.Chat{ID: chatID, Type: "private", FirstName: "Ada"},
			From: &tgmodels.User{ID: userID, Username: "ada"},
		},
	}
}

func TestConvertTextMessage(t *testing.T) {
	a, _ := testAdapter(t, nil)

	a.handleUpdate(context.Background(), nil, textUpdate(42, 9, "hello there"))

	ev := drainEvent(t, a)
	if ev.Text != "hello there" {
		t.Errorf("text = %q", ev.Text)
	}
	if ev.MessageType != models.TypeText {
		t.Errorf("type = %s", ev.MessageType)
	}
	if ev.Source.Platform != models.SourceTelegram || ev.Source.ChatID != "42" {
		t.Errorf("origin = %+v", ev.Source)
	}
	if ev.Source.UserID != "9" || ev.Source.UserName != "ada" {
		t.Errorf("user = %s/%s", ev.Source.UserID, ev.Source.UserName)
	}
	if ev.Source.ChatType != models.ChatDM {
		t.Errorf("chat type = %s", ev.Source.ChatType)
	}
	if key := ev.Source.ConversationKey(); key != "telegram:42" {
		t.Errorf("conversation key = %s", key)
	}
}

func TestConvertCommandStripsBotSuffix(t *testing.T) {
	a, _ := testAdapter(t, nil)

	a.handleUpdate(context.Background(), nil, textUpdate(42, 9, "/status@hermes_bot verbose"))

	ev := drainEvent(t, a)
	if ev.MessageType != models.TypeCommand {
		t.Fatalf("type = %s", ev.MessageType)
	}
	if ev.Text != "/status verbose" {
		t.Errorf("text = %q", ev.Text)
	}
}

func TestAllowlistDropsUnknownUsers(t *testing.T) {
	a, _ := testAdapter(t, func(c *Config) {
		c.AllowedUsers = []string{"@ada", "1234"}
	})

	a.handleUpdate(context.Background(), nil, textUpdate(42, 9, "hi"))
	if ev := maybeEvent(a); ev == nil {
		t.Fatal("ada should be allowed by username")
	}

	upd := textUpdate(42, 777, "hi")
	upd.Message.From.Username = "mallory"
	a.handleUpdate(context.Background(), nil, upd)
	if ev := maybeEvent(a); ev != nil {
		t.Fatal("mallory should be dropped")
	}
}

func maybeEvent(a *Adapter) *models.MessageEvent {
	select {
	case ev := <-a.Events():
		return ev
	default:
		return nil
	}
}

func TestPhotoDownloadedBeforeHandoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg-bytes"))
	}))
	defer srv.Close()

	a, mock := testAdapter(t, nil)
	mock.baseURL = srv.URL

	upd := textUpdate(42, 9, "")
	upd.Message.Text = ""
	upd.Message.Caption = "look at this"
	upd.Message.Photo = []tgmodels.PhotoSize{
		{FileID: "small", FileUniqueID: "u1"},
		{FileID: "large", FileUniqueID: "u2"},
	}
	a.handleUpdate(context.Background(), nil, upd)

	ev := drainEvent(t, a)
	if ev.MessageType != models.TypePhoto {
		t.Fatalf("type = %s", ev.MessageType)
	}
	if ev.Text != "look at this" {
		t.Errorf("caption lost: %q", ev.Text)
	}
	if len(ev.MediaURLs) != 1 {
		t.Fatalf("media urls = %v", ev.MediaURLs)
	}
	data, err := os.ReadFile(ev.MediaURLs[0])
	if err != nil {
		t.Fatalf("media path must be a completed local download: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("downloaded content mismatch: %q", data)
	}
	if !filepath.IsAbs(ev.MediaURLs[0]) {
		t.Errorf("expected local cache path, got %s", ev.MediaURLs[0])
	}
	if ev.MediaTypes[0] != "image" {
		t.Errorf("media type = %s", ev.MediaTypes[0])
	}
}

func TestAnimatedStickerBecomesPlaceholder(t *testing.T) {
	a, _ := testAdapter(t, nil)

	upd := textUpdate(42, 9, "")
	upd.Message.Text = ""
	upd.Message.Sticker = &tgmodels.Sticker{
		FileID:       "st-anim",
		FileUniqueID: "anim-1",
		Emoji:        "🎉",
		IsAnimated:   true,
	}
	a.handleUpdate(context.Background(), nil, upd)

	ev := drainEvent(t, a)
	if ev.MessageType != models.TypeSticker {
		t.Fatalf("type = %s", ev.MessageType)
	}
	if ev.Text != "[Sticker: 🎉]" {
		t.Errorf("placeholder = %q", ev.Text)
	}
	if len(ev.MediaURLs) != 0 {
		t.Errorf("animated stickers must not be downloaded, got %v", ev.MediaURLs)
	}
}

func TestStaticStickerDescribedOnceAndCached(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		w.Write(minimalWebP)
	}))
	defer srv.Close()

	descPath := filepath.Join(t.TempDir(), "stickers.json")
	descs, err := media.LoadDescriptions(descPath)
	if err != nil {
		t.Fatalf("descriptions: %v", err)
	}

	var describeCalls int
	a, mock := testAdapter(t, func(c *Config) {
		c.Descriptions = descs
		c.Describe = func(ctx context.Context, path string) (string, error) {
			describeCalls++
			return "a cartoon cat waving", nil
		}
	})
	mock.baseURL = srv.URL

	sticker := &tgmodels.Sticker{FileID: "st-cat", FileUniqueID: "cat-unique", Emoji: "😺"}
	for i := 0; i < 2; i++ {
		upd := textUpdate(42, 9, "")
		upd.Message.Text = ""
		upd.Message.Sticker = sticker
		a.handleUpdate(context.Background(), nil, upd)
	}

	first := drainEvent(t, a)
	second := drainEvent(t, a)

	want := "[Sticker: 😺] a cartoon cat waving"
	if first.Text != want || second.Text != want {
		t.Errorf("sticker texts = %q, %q", first.Text, second.Text)
	}
	if describeCalls != 1 {
		t.Errorf("describe should run once, ran %d times", describeCalls)
	}
	if len(first.MediaURLs) != 1 {
		t.Errorf("static sticker should attach its image, got %v", first.MediaURLs)
	}
}

func TestSendChunksWithPlainTextFallback(t *testing.T) {
	a, mock := testAdapter(t, nil)

	mock.sendHook = func(call int, p *bot.SendMessageParams) error {
		// Second chunk fails its markdown attempt once.
		if call == 2 && p.ParseMode != "" {
			return &mockParseError{}
		}
		return nil
	}

	content := strings.Repeat("long line of output\n", 300)
	res, err := a.Send(context.Background(), "42", content, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Success || res.MessageID == "" {
		t.Errorf("result = %+v", res)
	}

	if mock.sentCount() != 2 {
		t.Fatalf("expected 2 delivered chunks, got %d", mock.sentCount())
	}
	if mock.sent[0].ParseMode == "" {
		t.Error("first chunk should go out as markdown")
	}
	if mock.sent[1].ParseMode != "" {
		t.Error("second chunk should fall back to plain text")
	}
	for i, p := range mock.sent {
		if len(p.Text) > 4096 {
			t.Errorf("chunk %d exceeds telegram limit: %d", i, len(p.Text))
		}
	}
}

type mockParseError struct{}

func (*mockParseError) Error() string {
	return "Bad Request: can't parse entities"
}

func TestSendReplyParameters(t *testing.T) {
	a, mock := testAdapter(t, nil)

	_, err := a.Send(context.Background(), "42", "short reply", &models.SendOptions{ReplyTo: "31337"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if mock.sent[0].ReplyParameters == nil || mock.sent[0].ReplyParameters.MessageID != 31337 {
		t.Errorf("reply parameters = %+v", mock.sent[0].ReplyParameters)
	}
}

func TestPromptApprovalAndCallbackResolution(t *testing.T) {
	gate, err := approval.NewGate(filepath.Join(t.TempDir(), "approvals.yaml"), time.Minute, testLogger())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	a, mock := testAdapter(t, func(c *Config) {
		c.Approvals = gate
	})

	const key = "telegram:42"
	if _, err := gate.SubmitPending(key, "rm -rf ./build", "rm", "Remove build artifacts"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	req := &channels.ApprovalRequest{
		Key:         key,
		Command:     "rm -rf ./build",
		Description: "Remove build artifacts",
		TimeoutText: "Expires in 1m.",
	}
	if err := a.PromptApproval(context.Background(), "42", req); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if mock.sentCount() != 1 {
		t.Fatalf("expected one prompt message, got %d", mock.sentCount())
	}
	markup, ok := mock.sent[0].ReplyMarkup.(*tgmodels.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 1 || len(markup.InlineKeyboard[0]) != 3 {
		t.Fatalf("keyboard = %#v", mock.sent[0].ReplyMarkup)
	}

	update := &tgmodels.Update{
		CallbackQuery: &tgmodels.CallbackQuery{
			ID:   "cb1",
			From: tgmodels.User{ID: 9, Username: "ada"},
			Data: markup.InlineKeyboard[0][1].CallbackData,
		},
	}
	a.handleApprovalCallback(context.Background(), nil, update)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if d := gate.Await(ctx, key); d != approval.AllowSession {
		t.Errorf("decision = %s", d)
	}
	if len(mock.answers) != 1 || mock.answers[0] != "Approved." {
		t.Errorf("callback answers = %v", mock.answers)
	}
}

func TestParseApprovalCallback(t *testing.T) {
	tests := []struct {
		data string
		want approval.Decision
		key  string
		ok   bool
	}{
		{"appr|once|telegram:1", approval.AllowOnce, "telegram:1", true},
		{"appr|session|telegram:1:5", approval.AllowSession, "telegram:1:5", true},
		{"appr|deny|telegram:1", approval.Deny, "telegram:1", true},
		{"appr|bogus|telegram:1", "", "", false},
		{"other|once|telegram:1", "", "", false},
		{"appr|once|", "", "", false},
	}
	for _, tt := range tests {
		d, key, ok := parseApprovalCallback(tt.data)
		if d != tt.want || key != tt.key || ok != tt.ok {
			t.Errorf("parseApprovalCallback(%q) = (%s, %s, %v), want (%s, %s, %v)",
				tt.data, d, key, ok, tt.want, tt.key, tt.ok)
		}
	}
}

func TestChatInfo(t *testing.T) {
	a, _ := testAdapter(t, nil)

	info, err := a.ChatInfo(context.Background(), "42")
	if err != nil {
		t.Fatalf("chat info: %v", err)
	}
	if info.Name != "Ops Room" || info.Type != models.ChatGroup || info.Topic != "incidents" {
		t.Errorf("info = %+v", info)
	}
}
