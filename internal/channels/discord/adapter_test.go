package discord

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/channels/media"
	"github.com/haasonsaas/hermes/pkg/models"
)

type complexSend struct {
	channelID string
	data      *discordgo.MessageSend
}

type mockSession struct {
	mu           sync.Mutex
	openCalled   int
	openErr      error
	closeCalled  bool
	handlers     int
	sent         []string
	sentChannels []string
	complex      []complexSend
	typing       []string
	responses    []*discordgo.InteractionResponse
	commands     []*discordgo.ApplicationCommand
	channelFn    func(id string) (*discordgo.Channel, error)
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openCalled++
	return m.openErr
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers++
	return func() {}
}

func (m *mockSession) ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, content)
	m.sentChannels = append(m.sentChannels, channelID)
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID, Content: content}, nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complex = append(m.complex, complexSend{channelID: channelID, data: data})
	return &discordgo.Message{ID: "msg-complex", ChannelID: channelID, Content: data.Content}, nil
}

func (m *mockSession) ChannelTyping(channelID string, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, channelID)
	return nil
}

func (m *mockSession) Channel(channelID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	if m.channelFn != nil {
		return m.channelFn(channelID)
	}
	return &discordgo.Channel{ID: channelID, Name: "general", Type: discordgo.ChannelTypeGuildText}, nil
}

func (m *mockSession) ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = commands
	return commands, nil
}

func (m *mockSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAdapter(t *testing.T, mutate func(*Config)) (*Adapter, *mockSession) {
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
	mock := &mockSession{}
	a.session = mock
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
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

func maybeEvent(a *Adapter) *models.MessageEvent {
	select {
	case ev := <-a.Events():
		return ev
	default:
		return nil
	}
}

func guildMessage(content string) *discordgo.MessageCreate {
	return &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m1",
		ChannelID: "chan-1",
		GuildID:   "guild-1",
		Content:   content,
		Author:    &discordgo.User{ID: "u1", Username: "ada"},
		Timestamp: time.Now(),
	}}
}

func TestStartStop(t *testing.T) {
	a, mock := testAdapter(t, nil)

	if mock.openCalled != 1 {
		t.Errorf("open called %d times", mock.openCalled)
	}
	if mock.handlers != 4 {
		t.Errorf("expected 4 handlers, got %d", mock.handlers)
	}

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !mock.closeCalled {
		t.Error("session not closed")
	}
}

func TestStartRetriesWithBackoff(t *testing.T) {
	cache, err := media.NewCache(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("media cache: %v", err)
	}
	a, err := New(Config{
		Token:                "test-token",
		Media:                cache,
		MaxReconnectAttempts: 3,
		ReconnectBackoff:     time.Millisecond,
		Logger:               testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mock := &mockSession{openErr: errors.New("gateway closed")}
	a.session = mock

	startErr := a.Start(context.Background())
	if startErr == nil {
		t.Fatal("expected start failure")
	}
	var chErr *channels.Error
	if !errors.As(startErr, &chErr) || chErr.Code != channels.ErrCodeConnection {
		t.Errorf("error = %v", startErr)
	}
	if mock.openCalled != 3 {
		t.Errorf("open attempts = %d, want 3", mock.openCalled)
	}
}

func TestReadyRegistersSlashCommands(t *testing.T) {
	a, mock := testAdapter(t, nil)

	a.handleReady(nil, &discordgo.Ready{
		User:   &discordgo.User{ID: "BOT123", Username: "hermes"},
		Guilds: []*discordgo.Guild{{}},
	})

	if a.currentBotID() != "BOT123" {
		t.Errorf("bot id = %q", a.currentBotID())
	}
	if len(mock.commands) == 0 {
		t.Fatal("no commands registered")
	}
	names := make(map[string]bool)
	for _, c := range mock.commands {
		names[c.Name] = true
	}
	for _, want := range []string{"ask", "new", "reset", "model", "status", "stop"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}

func TestGuildMessagesNeedMention(t *testing.T) {
	a, _ := testAdapter(t, nil)
	a.setBotID("BOT123")

	a.handleMessageCreate(nil, guildMessage("just chatting"))
	if maybeEvent(a) != nil {
		t.Fatal("unmentioned guild message should be ignored")
	}

	m := guildMessage("<@BOT123> what changed today?")
	m.Mentions = []*discordgo.User{{ID: "BOT123"}}
	a.handleMessageCreate(nil, m)

	ev := drainEvent(t, a)
	if ev.Text != "what changed today?" {
		t.Errorf("mention not stripped: %q", ev.Text)
	}
	if ev.Source.ChatType != models.ChatChannel {
		t.Errorf("chat type = %s", ev.Source.ChatType)
	}
}

func TestFreeResponseChannelSkipsMention(t *testing.T) {
	a, _ := testAdapter(t, func(c *Config) {
		c.FreeResponseChannels = []string{"chan-1"}
	})
	a.setBotID("BOT123")

	a.handleMessageCreate(nil, guildMessage("no mention needed here"))
	if ev := maybeEvent(a); ev == nil || ev.Text != "no mention needed here" {
		t.Fatalf("free response channel should pass, got %+v", ev)
	}
}

func TestReplyToBotCountsAsMention(t *testing.T) {
	a, _ := testAdapter(t, nil)
	a.setBotID("BOT123")

	m := guildMessage("and then?")
	m.ReferencedMessage = &discordgo.Message{Author: &discordgo.User{ID: "BOT123"}}
	a.handleMessageCreate(nil, m)

	if maybeEvent(a) == nil {
		t.Fatal("reply to the bot should pass the gate")
	}
}

func TestDirectMessagesAlwaysPass(t *testing.T) {
	a, _ := testAdapter(t, nil)

	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m2",
		ChannelID: "dm-1",
		Content:   "hi",
		Author:    &discordgo.User{ID: "u1", Username: "ada"},
		Timestamp: time.Now(),
	}}
	a.handleMessageCreate(nil, m)

	ev := drainEvent(t, a)
	if ev.Source.ChatType != models.ChatDM {
		t.Errorf("chat type = %s", ev.Source.ChatType)
	}
}

func TestBotMessagesIgnored(t *testing.T) {
	a, _ := testAdapter(t, nil)

	m := guildMessage("beep boop")
	m.Author.Bot = true
	a.handleMessageCreate(nil, m)

	if maybeEvent(a) != nil {
		t.Fatal("bot messages must be dropped")
	}
}

func TestAttachmentDownloadedBeforeHandoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	a, _ := testAdapter(t, nil)

	m := &discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "m3",
		ChannelID: "dm-1",
		Author:    &discordgo.User{ID: "u1", Username: "ada"},
		Timestamp: time.Now(),
		Attachments: []*discordgo.MessageAttachment{{
			URL:         srv.URL + "/shot.png",
			Filename:    "shot.png",
			ContentType: "image/png",
		}},
	}}
	a.handleMessageCreate(nil, m)

	ev := drainEvent(t, a)
	if ev.MessageType != models.TypePhoto {
		t.Errorf("type = %s", ev.MessageType)
	}
	if len(ev.MediaURLs) != 1 || !filepath.IsAbs(ev.MediaURLs[0]) {
		t.Fatalf("media urls = %v", ev.MediaURLs)
	}
	data, err := os.ReadFile(ev.MediaURLs[0])
	if err != nil || string(data) != "png-bytes" {
		t.Errorf("cached attachment = %q, %v", data, err)
	}
}

func TestSendChunksLongMessages(t *testing.T) {
	a, mock := testAdapter(t, nil)

	content := strings.Repeat("a line of agent output\n", 200)
	res, err := a.Send(context.Background(), "chan-1", content, nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !res.Success {
		t.Error("send should succeed")
	}
	if len(mock.sent) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(mock.sent))
	}
	for i, c := range mock.sent {
		if len(c) > 2000 {
			t.Errorf("chunk %d exceeds discord limit: %d", i, len(c))
		}
	}
}

func TestSendReplyUsesReference(t *testing.T) {
	a, mock := testAdapter(t, nil)

	_, err := a.Send(context.Background(), "chan-1", "short", &models.SendOptions{ReplyTo: "orig-1"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(mock.complex) != 1 {
		t.Fatalf("expected one complex send, got %d", len(mock.complex))
	}
	ref := mock.complex[0].data.Reference
	if ref == nil || ref.MessageID != "orig-1" {
		t.Errorf("reference = %+v", ref)
	}
}

func TestSlashCommandBecomesCommandEvent(t *testing.T) {
	a, mock := testAdapter(t, nil)

	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        "int-1",
		Type:      discordgo.InteractionApplicationCommand,
		ChannelID: "chan-1",
		GuildID:   "guild-1",
		Member:    &discordgo.Member{User: &discordgo.User{ID: "u1", Username: "ada"}},
		Data: discordgo.ApplicationCommandInteractionData{
			Name: "model",
			Options: []*discordgo.ApplicationCommandInteractionDataOption{{
				Name:  "text",
				Type:  discordgo.ApplicationCommandOptionString,
				Value: "sonnet",
			}},
		},
	}}
	a.handleInteractionCreate(nil, i)

	ev := drainEvent(t, a)
	if ev.Text != "/model sonnet" {
		t.Errorf("text = %q", ev.Text)
	}
	if ev.MessageType != models.TypeCommand {
		t.Errorf("type = %s", ev.MessageType)
	}
	if len(mock.responses) != 1 || mock.responses[0].Data.Flags != discordgo.MessageFlagsEphemeral {
		t.Errorf("interaction should be acked ephemerally, got %+v", mock.responses)
	}
}

func TestPromptApprovalRendersButtons(t *testing.T) {
	a, mock := testAdapter(t, nil)

	req := &channels.ApprovalRequest{
		Key:         "discord:chan-1",
		Command:     "kubectl delete pod stuck-worker",
		RequesterID: "u1",
	}
	if err := a.PromptApproval(context.Background(), "chan-1", req); err != nil {
		t.Fatalf("prompt: %v", err)
	}
	if len(mock.complex) != 1 {
		t.Fatalf("expected one send, got %d", len(mock.complex))
	}
	row, ok := mock.complex[0].data.Components[0].(discordgo.ActionsRow)
	if !ok || len(row.Components) != 3 {
		t.Fatalf("components = %#v", mock.complex[0].data.Components)
	}
	btn := row.Components[1].(discordgo.Button)
	decision, requester, key, ok := parseApprovalCustomID(btn.CustomID)
	if !ok || decision != approval.AllowSession || requester != "u1" || key != "discord:chan-1" {
		t.Errorf("custom id %q parsed to (%s, %s, %s, %v)", btn.CustomID, decision, requester, key, ok)
	}
}

func TestApprovalButtonResolvesGate(t *testing.T) {
	gate, err := approval.NewGate(filepath.Join(t.TempDir(), "approvals.yaml"), time.Minute, testLogger())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	a, mock := testAdapter(t, func(c *Config) {
		c.Approvals = gate
	})

	const key = "discord:chan-1"
	if _, err := gate.SubmitPending(key, "rm -rf ./build", "rm", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:    discordgo.InteractionMessageComponent,
		Member:  &discordgo.Member{User: &discordgo.User{ID: "u1", Username: "ada"}},
		Message: &discordgo.Message{Content: "Approval needed"},
		Data:    discordgo.MessageComponentInteractionData{CustomID: "appr|once|u1|" + key},
	}}
	a.handleInteractionCreate(nil, i)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if d := gate.Await(ctx, key); d != approval.AllowOnce {
		t.Errorf("decision = %s", d)
	}
	if len(mock.responses) != 1 || mock.responses[0].Type != discordgo.InteractionResponseUpdateMessage {
		t.Fatalf("responses = %+v", mock.responses)
	}
	if !strings.Contains(mock.responses[0].Data.Content, "Approved once.") {
		t.Errorf("content = %q", mock.responses[0].Data.Content)
	}
	if len(mock.responses[0].Data.Components) != 0 {
		t.Error("buttons should be removed after resolution")
	}
}

func TestApprovalButtonRequesterOnly(t *testing.T) {
	gate, err := approval.NewGate(filepath.Join(t.TempDir(), "approvals.yaml"), time.Minute, testLogger())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	a, mock := testAdapter(t, func(c *Config) {
		c.Approvals = gate
	})

	const key = "discord:chan-1"
	if _, err := gate.SubmitPending(key, "rm -rf ./build", "rm", ""); err != nil {
		t.Fatalf("submit: %v", err)
	}

	i := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		Type:   discordgo.InteractionMessageComponent,
		Member: &discordgo.Member{User: &discordgo.User{ID: "intruder", Username: "mallory"}},
		Data:   discordgo.MessageComponentInteractionData{CustomID: "appr|once|u1|" + key},
	}}
	a.handleInteractionCreate(nil, i)

	if len(mock.responses) != 1 || !strings.Contains(mock.responses[0].Data.Content, "Only the person") {
		t.Fatalf("responses = %+v", mock.responses)
	}
	// The request must still be pending for the real requester.
	if !gate.Resolve(key, approval.Deny) {
		t.Error("approval should remain pending after a non-requester press")
	}
}

func TestParseApprovalCustomID(t *testing.T) {
	tests := []struct {
		data      string
		decision  approval.Decision
		requester string
		key       string
		ok        bool
	}{
		{"appr|once|u1|discord:1", approval.AllowOnce, "u1", "discord:1", true},
		{"appr|session||discord:1", approval.AllowSession, "", "discord:1", true},
		{"appr|deny|u1|discord:1:2", approval.Deny, "u1", "discord:1:2", true},
		{"appr|bogus|u1|discord:1", "", "", "", false},
		{"nope|once|u1|discord:1", "", "", "", false},
		{"appr|once|u1|", "", "", "", false},
	}
	for _, tt := range tests {
		d, r, k, ok := parseApprovalCustomID(tt.data)
		if d != tt.decision || r != tt.requester || k != tt.key || ok != tt.ok {
			t.Errorf("parseApprovalCustomID(%q) = (%s, %s, %s, %v)", tt.data, d, r, k, ok)
		}
	}
}

func TestChatInfoMapsChannelTypes(t *testing.T) {
	a, mock := testAdapter(t, nil)
	mock.channelFn = func(id string) (*discordgo.Channel, error) {
		return &discordgo.Channel{ID: id, Name: "support", Topic: "tickets", Type: discordgo.ChannelTypeGuildPublicThread}, nil
	}

	info, err := a.ChatInfo(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("chat info: %v", err)
	}
	if info.Name != "support" || info.Topic != "tickets" || info.Type != models.ChatThread {
		t.Errorf("info = %+v", info)
	}
}
