// Package cli provides the local terminal surface. It reads lines from
// stdin and emits them as ordinary message events, so the gateway treats
// the terminal like any other chat platform.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"

	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Config holds CLI adapter settings.
type Config struct {
	// In defaults to stdin, Out to stdout. Tests swap in pipes.
	In  io.Reader
	Out io.Writer

	Logger *slog.Logger
}

// Adapter is the terminal channel adapter.
type Adapter struct {
	in     io.Reader
	out    io.Writer
	events chan *models.MessageEvent
	logger *slog.Logger

	// interactive is true when Out is a terminal, enabling prompts.
	interactive bool
	seq         atomic.Int64

	outMu  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds the adapter.
func New(cfg Config) *Adapter {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	interactive := false
	if f, ok := cfg.Out.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}

	return &Adapter{
		in:          cfg.In,
		out:         cfg.Out,
		events:      make(chan *models.MessageEvent, 100),
		logger:      cfg.Logger.With("adapter", "cli"),
		interactive: interactive,
	}
}

// Start begins reading lines from the input.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(context.Background())
	go a.readLoop()
	a.logger.Info("cli adapter started", "interactive", a.interactive)
	return nil
}

// Stop cancels the adapter. A read blocked on stdin cannot be
// interrupted; the loop exits after the next line or EOF.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.logger.Info("cli adapter stopped")
	return nil
}

func (a *Adapter) readLoop() {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	a.prompt()
	for scanner.Scan() {
		if a.ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			a.prompt()
			continue
		}

		ev := &models.MessageEvent{
			Text:        line,
			MessageType: models.TypeText,
			MessageID:   strconv.FormatInt(a.seq.Add(1), 10),
			Source:      models.CLIOrigin(),
			Timestamp:   time.Now(),
		}
		if strings.HasPrefix(line, "/") {
			ev.MessageType = models.TypeCommand
		}

		select {
		case a.events <- ev:
		case <-a.ctx.Done():
			return
		}
		a.prompt()
	}
	if err := scanner.Err(); err != nil {
		a.logger.Error("stdin read failed", "error", err)
		return
	}
	a.logger.Info("stdin closed")
}

func (a *Adapter) prompt() {
	if !a.interactive {
		return
	}
	a.outMu.Lock()
	fmt.Fprint(a.out, "you> ")
	a.outMu.Unlock()
}

// Send writes the reply to the output. The terminal has no length limit,
// so content is never chunked.
func (a *Adapter) Send(ctx context.Context, chatID, content string, opts *models.SendOptions) (*models.SendResult, error) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	if a.interactive {
		fmt.Fprintf(a.out, "\rhermes> %s\n", content)
	} else {
		fmt.Fprintln(a.out, content)
	}
	return &models.SendResult{Success: true, MessageID: strconv.FormatInt(a.seq.Add(1), 10)}, nil
}

// SendTyping is a no-op; the terminal shows output as soon as it exists.
func (a *Adapter) SendTyping(ctx context.Context, chatID string) error {
	return nil
}

// SendImage prints the image location since the terminal cannot render it.
func (a *Adapter) SendImage(ctx context.Context, chatID, source, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	line := "[image] " + source
	if caption != "" {
		line += " " + caption
	}
	return a.Send(ctx, chatID, line, opts)
}

// SendVoice prints the audio location.
func (a *Adapter) SendVoice(ctx context.Context, chatID, audioPath, caption string, opts *models.SendOptions) (*models.SendResult, error) {
	line := "[audio] " + audioPath
	if caption != "" {
		line += " " + caption
	}
	return a.Send(ctx, chatID, line, opts)
}

// ChatInfo describes the sole local conversation.
func (a *Adapter) ChatInfo(ctx context.Context, chatID string) (*channels.ChatInfo, error) {
	return &channels.ChatInfo{ID: "cli", Name: "local terminal", Type: models.ChatDM}, nil
}

// Events returns the inbound event stream.
func (a *Adapter) Events() <-chan *models.MessageEvent {
	return a.events
}

// Type identifies the platform.
func (a *Adapter) Type() models.Source {
	return models.SourceCLI
}
