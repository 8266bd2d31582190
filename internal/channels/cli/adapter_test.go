package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startAdapter(t *testing.T, in io.Reader) (*Adapter, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	a := New(Config{In: in, Out: &out, Logger: testLogger()})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = a.Stop(context.Background()) })
	return a, &out
}

func drainEvent(t *testing.T, a *Adapter) *models.MessageEvent {
	t.Helper()
	select {
	case ev := <-a.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func TestLinesBecomeEvents(t *testing.T) {
	a, _ := startAdapter(t, strings.NewReader("hello there\n\n  /status  \n"))

	first := drainEvent(t, a)
	if first.Text != "hello there" || first.MessageType != models.TypeText {
		t.Errorf("first event = %+v", first)
	}
	if first.Source.Platform != models.SourceCLI || first.Source.ChatID != "cli" {
		t.Errorf("origin = %+v", first.Source)
	}
	if first.Source.ConversationKey() != "cli:cli" {
		t.Errorf("conversation key = %q", first.Source.ConversationKey())
	}

	// The blank line is skipped; the command arrives trimmed.
	second := drainEvent(t, a)
	if second.Text != "/status" || second.MessageType != models.TypeCommand {
		t.Errorf("second event = %+v", second)
	}
	if second.MessageID == first.MessageID {
		t.Error("message ids should be unique")
	}
}

func TestSendWritesToOutput(t *testing.T) {
	a, out := startAdapter(t, strings.NewReader(""))

	res, err := a.Send(context.Background(), "cli", "the answer is 42", nil)
	if err != nil || !res.Success {
		t.Fatalf("send: %v, %+v", err, res)
	}
	if got := out.String(); !strings.Contains(got, "the answer is 42") {
		t.Errorf("output = %q", got)
	}
	// Non-terminal output carries no prompt decoration.
	if strings.Contains(out.String(), "hermes>") {
		t.Errorf("pipe output should be undecorated: %q", out.String())
	}
}

func TestSendNeverChunks(t *testing.T) {
	a, out := startAdapter(t, strings.NewReader(""))

	long := strings.Repeat("x", 100_000)
	if _, err := a.Send(context.Background(), "cli", long, nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(out.String(), long) {
		t.Error("long content should pass through intact")
	}
}

func TestSendImagePrintsPath(t *testing.T) {
	a, out := startAdapter(t, strings.NewReader(""))

	if _, err := a.SendImage(context.Background(), "cli", "/tmp/graph.png", "the graph", nil); err != nil {
		t.Fatalf("send image: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "[image] /tmp/graph.png") || !strings.Contains(got, "the graph") {
		t.Errorf("output = %q", got)
	}
}

func TestChatInfo(t *testing.T) {
	a, _ := startAdapter(t, strings.NewReader(""))

	info, err := a.ChatInfo(context.Background(), "cli")
	if err != nil {
		t.Fatalf("chat info: %v", err)
	}
	if info.ID != "cli" || info.Type != models.ChatDM {
		t.Errorf("info = %+v", info)
	}
}

func TestStopEndsReadLoop(t *testing.T) {
	pr, pw := io.Pipe()
	a, _ := startAdapter(t, pr)

	go pw.Write([]byte("first\n"))
	drainEvent(t, a)

	if err := a.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	go func() {
		pw.Write([]byte("after stop\n"))
		pw.Close()
	}()

	select {
	case ev := <-a.Events():
		t.Fatalf("event emitted after stop: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
