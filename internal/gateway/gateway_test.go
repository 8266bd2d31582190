package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/config"
	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/internal/tools"
	"github.com/haasonsaas/hermes/pkg/models"
)

// providerStep scripts one LLM response. A non-nil block makes Complete
// wait until the channel closes; started closes once Complete is entered.
type providerStep struct {
	text    string
	err     error
	block   chan struct{}
	started chan struct{}
}

type scriptedProvider struct {
	mu    sync.Mutex
	steps []providerStep
}

func (p *scriptedProvider) Complete(ctx context.Context, _ *agent.Request) (*agent.Assistant, error) {
	p.mu.Lock()
	var s providerStep
	if len(p.steps) > 0 {
		s = p.steps[0]
		p.steps = p.steps[1:]
	} else {
		s = providerStep{text: "ok"}
	}
	p.mu.Unlock()

	if s.started != nil {
		close(s.started)
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &agent.Assistant{
		Content:          s.text,
		FinishReason:     models.FinishStop,
		PromptTokens:     10,
		CompletionTokens: 5,
	}, nil
}

func (p *scriptedProvider) Name() string { return "scripted" }

// fakeAdapter records outbound sends and exposes them on a channel so
// tests can wait for asynchronous turns.
type fakeAdapter struct {
	platform models.Source
	events   chan *models.MessageEvent

	mu   sync.Mutex
	sent []string
	out  chan string
}

func newFakeAdapter(platform models.Source) *fakeAdapter {
	return &fakeAdapter{
		platform: platform,
		events:   make(chan *models.MessageEvent, 16),
		out:      make(chan string, 64),
	}
}

func (f *fakeAdapter) Start(context.Context) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error  { return nil }

func (f *fakeAdapter) Send(_ context.Context, chatID, content string, _ *models.SendOptions) (*models.SendResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, content)
	f.mu.Unlock()
	select {
	case f.out <- content:
	default:
	}
	return &models.SendResult{Success: true, MessageID: chatID + "-1"}, nil
}

func (f *fakeAdapter) SendTyping(context.Context, string) error { return nil }

func (f *fakeAdapter) SendImage(_ context.Context, chatID, _, _ string, _ *models.SendOptions) (*models.SendResult, error) {
	return &models.SendResult{Success: true}, nil
}

func (f *fakeAdapter) SendVoice(_ context.Context, chatID, _, _ string, _ *models.SendOptions) (*models.SendResult, error) {
	return &models.SendResult{Success: true}, nil
}

func (f *fakeAdapter) ChatInfo(_ context.Context, chatID string) (*channels.ChatInfo, error) {
	return &channels.ChatInfo{ID: chatID, Type: models.ChatDM}, nil
}

func (f *fakeAdapter) Events() <-chan *models.MessageEvent { return f.events }
func (f *fakeAdapter) Type() models.Source                 { return f.platform }

func (f *fakeAdapter) waitSend(t *testing.T) string {
	t.Helper()
	select {
	case msg := <-f.out:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("no message sent within 5s")
		return ""
	}
}

func testEvent(platform models.Source, chatID, userID, text string) *models.MessageEvent {
	return &models.MessageEvent{
		Text:        text,
		MessageType: models.TypeText,
		Source: models.Origin{
			Platform: platform,
			ChatID:   chatID,
			UserID:   userID,
			UserName: "casey",
		},
		Timestamp: time.Now().UTC(),
	}
}

type testRig struct {
	gw       *Gateway
	store    *sessions.Store
	provider *scriptedProvider
	cfg      *config.Config
}

func newTestRig(t *testing.T, steps []providerStep, adapters ...*fakeAdapter) *testRig {
	t.Helper()

	cfg, err := config.Load(t.TempDir())
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Agent.Model = "test-model"
	cfg.Tools.EnabledToolsets = []string{"test"}
	cfg.Personalities = map[string]string{"pirate": "Talk like a pirate."}

	store, err := sessions.Open(filepath.Join(t.TempDir(), "sessions.db"),
		sessions.WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	registry := tools.NewRegistry()
	err = registry.Register(tools.Entry{
		Name:        "echo",
		Toolset:     "test",
		Description: "echoes its input",
		Schema:      json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`),
		Handler: func(_ context.Context, args map[string]any, _ *tools.Invocation) (string, error) {
			return tools.JSON(map[string]any{"echo": args["text"]}), nil
		},
	})
	if err != nil {
		t.Fatalf("register echo: %v", err)
	}

	gate, err := approval.NewGate(filepath.Join(t.TempDir(), "approvals.json"),
		time.Second, logging.Discard())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}

	provider := &scriptedProvider{steps: steps}
	loop := agent.New(provider, registry, store, agent.WithLogger(logging.Discard()))

	reg := channels.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}

	gw, err := New(cfg, reg, store, loop, registry, gate, nil, nil,
		WithLogger(logging.Discard()))
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	return &testRig{gw: gw, store: store, provider: provider, cfg: cfg}
}

func TestTurnDeliversReply(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, []providerStep{{text: "hello from the agent"}}, tg)
	ctx := context.Background()

	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "hi there"))

	if got := tg.waitSend(t); got != "hello from the agent" {
		t.Fatalf("reply = %q", got)
	}

	filter := sessions.SessionFilter{Source: models.SourceTelegram}
	sess, err := rig.store.SearchSessions(ctx, filter)
	if err != nil {
		t.Fatalf("search sessions: %v", err)
	}
	if len(sess) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sess))
	}
	msgs, err := rig.store.GetMessages(ctx, sess[0].ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if len(msgs) < 2 {
		t.Fatalf("transcript has %d messages, want user + assistant", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[0].Content != "hi there" {
		t.Errorf("first message = %s %q", msgs[0].Role, msgs[0].Content)
	}
}

func TestQueueShedsAtWatermark(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	release := make(chan struct{})
	started := make(chan struct{})
	rig := newTestRig(t, []providerStep{
		{text: "first", block: release, started: started},
		{text: "second"},
	}, tg)
	rig.cfg.Gateway.QueueWatermark = 1
	ctx := context.Background()

	// First message occupies the worker.
	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "one"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first turn never started")
	}

	// Second fills the lane; third must shed with a busy reply.
	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "two"))
	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "three"))

	if got := tg.waitSend(t); !strings.Contains(got, "Busy") {
		t.Fatalf("expected busy reply, got %q", got)
	}

	close(release)
	if got := tg.waitSend(t); got != "first" {
		t.Fatalf("first reply = %q", got)
	}
	if got := tg.waitSend(t); got != "second" {
		t.Fatalf("second reply = %q", got)
	}
}

func TestSeparateConversationsRunIndependently(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	release := make(chan struct{})
	started := make(chan struct{})
	rig := newTestRig(t, []providerStep{
		{text: "slow", block: release, started: started},
		{text: "fast"},
	}, tg)
	ctx := context.Background()

	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "blockers"))
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("first turn never started")
	}
	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "99", "u2", "quick one"))

	// The other chat's turn completes while the first is still blocked.
	if got := tg.waitSend(t); got != "fast" {
		t.Fatalf("reply = %q, want fast", got)
	}
	close(release)
	if got := tg.waitSend(t); got != "slow" {
		t.Fatalf("reply = %q, want slow", got)
	}
}

func TestResetCommandEndsSession(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, []providerStep{{text: "hi"}}, tg)
	ctx := context.Background()

	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "hello"))
	tg.waitSend(t)

	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "/reset"))
	if got := tg.waitSend(t); !strings.Contains(got, "Session reset") {
		t.Fatalf("reset reply = %q", got)
	}

	sess, err := rig.store.SearchSessions(ctx, sessions.SessionFilter{Source: models.SourceTelegram})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(sess) != 1 {
		t.Fatalf("sessions = %d", len(sess))
	}
	got, err := rig.store.GetSession(ctx, sess[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Active() {
		t.Fatalf("session still active after /reset")
	}
	if got.EndReason != models.EndReasonReset {
		t.Errorf("end reason = %q, want %q", got.EndReason, models.EndReasonReset)
	}
}

func TestModelCommandOverridesPerSession(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, nil, tg)
	ctx := context.Background()

	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "/model"))
	if got := tg.waitSend(t); got != "Current model: test-model" {
		t.Fatalf("model reply = %q", got)
	}

	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "/model anthropic/claude-opus-4"))
	tg.waitSend(t)

	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "/model"))
	if got := tg.waitSend(t); got != "Current model: anthropic/claude-opus-4" {
		t.Fatalf("model reply = %q", got)
	}
}

func TestUnknownPersonalityRejected(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, nil, tg)

	rig.gw.handleEvent(context.Background(),
		testEvent(models.SourceTelegram, "42", "u1", "/personality robot"))
	if got := tg.waitSend(t); !strings.Contains(got, "not defined") {
		t.Fatalf("personality reply = %q", got)
	}
}

func TestUnknownCommand(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, nil, tg)

	rig.gw.handleEvent(context.Background(),
		testEvent(models.SourceTelegram, "42", "u1", "/frobnicate now"))
	got := tg.waitSend(t)
	if !strings.Contains(got, "unknown command /frobnicate") {
		t.Fatalf("reply = %q", got)
	}
}

func TestStopWithNothingRunning(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, nil, tg)

	rig.gw.handleEvent(context.Background(),
		testEvent(models.SourceTelegram, "42", "u1", "/stop"))
	if got := tg.waitSend(t); got != "Nothing is running." {
		t.Fatalf("reply = %q", got)
	}
}

func TestSetHomeThenSendTo(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, nil, tg)
	ctx := context.Background()

	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "/sethome"))
	if got := tg.waitSend(t); !strings.Contains(got, "home channel") {
		t.Fatalf("sethome reply = %q", got)
	}

	if _, err := rig.gw.SendTo(ctx, "telegram", "heads up"); err != nil {
		t.Fatalf("send to home: %v", err)
	}
	if got := tg.waitSend(t); got != "heads up" {
		t.Fatalf("delivered = %q", got)
	}
}

func TestSendToErrors(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, nil, tg)
	ctx := context.Background()

	if _, err := rig.gw.SendTo(ctx, "fax:12345", "hi"); !errors.Is(err, errBadTarget) {
		t.Fatalf("bad platform error = %v", err)
	}
	if _, err := rig.gw.SendTo(ctx, "telegram", "hi"); !errors.Is(err, errNoHome) {
		t.Fatalf("no home error = %v", err)
	}
	if _, err := rig.gw.SendTo(ctx, "discord:123", "hi"); !errors.Is(err, errNoAdapter) {
		t.Fatalf("no adapter error = %v", err)
	}
}

func TestSendToResolvesDirectoryName(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, nil, tg)
	rig.gw.directory = NewDirectory([]config.DirectoryEntry{
		{Platform: "telegram", Name: "standup", ChatID: "777"},
	})

	if _, err := rig.gw.SendTo(context.Background(), "telegram:standup", "morning"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := tg.waitSend(t); got != "morning" {
		t.Fatalf("delivered = %q", got)
	}
}

func TestMirrorCopiesToSiblingPlatform(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	dc := newFakeAdapter(models.SourceDiscord)
	rig := newTestRig(t, []providerStep{{text: "answer one"}, {text: "answer two"}}, tg, dc)
	ctx := context.Background()

	// Same user active on both platforms.
	rig.gw.handleEvent(ctx, testEvent(models.SourceDiscord, "d1", "u1", "hello from discord"))
	dc.waitSend(t)
	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "hello from telegram"))
	tg.waitSend(t)

	sess, err := rig.store.SearchSessions(ctx, sessions.SessionFilter{Source: models.SourceDiscord})
	if err != nil || len(sess) != 1 {
		t.Fatalf("discord sessions = %d (%v)", len(sess), err)
	}
	msgs, err := rig.store.GetMessages(ctx, sess[0].ID)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	var mirrored []models.Message
	for _, m := range msgs {
		if m.Mirror {
			mirrored = append(mirrored, m)
		}
	}
	if len(mirrored) != 1 {
		t.Fatalf("mirror rows = %d, want 1", len(mirrored))
	}
	if mirrored[0].Content != "answer two" {
		t.Errorf("mirror content = %q", mirrored[0].Content)
	}
	if mirrored[0].Role != models.RoleAssistant {
		t.Errorf("mirror role = %s", mirrored[0].Role)
	}
}

func TestMirrorSkipsDifferentUsers(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	dc := newFakeAdapter(models.SourceDiscord)
	rig := newTestRig(t, []providerStep{{text: "a"}, {text: "b"}}, tg, dc)
	ctx := context.Background()

	rig.gw.handleEvent(ctx, testEvent(models.SourceDiscord, "d1", "someone-else", "hi"))
	dc.waitSend(t)
	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "hi"))
	tg.waitSend(t)

	sess, _ := rig.store.SearchSessions(ctx, sessions.SessionFilter{Source: models.SourceDiscord})
	msgs, _ := rig.store.GetMessages(ctx, sess[0].ID)
	for _, m := range msgs {
		if m.Mirror {
			t.Fatalf("unexpected mirror row for a different user: %q", m.Content)
		}
	}
}

func TestClarifyAnswerShortCircuitsTurn(t *testing.T) {
	tg := newFakeAdapter(models.SourceTelegram)
	rig := newTestRig(t, nil, tg)
	ctx := context.Background()

	conv := rig.gw.conversation(models.Origin{Platform: models.SourceTelegram, ChatID: "42"})
	answer := conv.askClarify()

	rig.gw.handleEvent(ctx, testEvent(models.SourceTelegram, "42", "u1", "the second one"))

	select {
	case got := <-answer:
		if got != "the second one" {
			t.Fatalf("answer = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("clarify answer never arrived")
	}
}
