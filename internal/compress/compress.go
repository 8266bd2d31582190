// Package compress folds the middle of long transcripts into a single
// summary message so the next model request fits its context window.
package compress

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/internal/observability"
	"github.com/haasonsaas/hermes/pkg/models"
)

// SummaryPrefix marks synthetic context messages produced by compression.
// Downstream code treats any system message starting with it as machine
// generated, so the prefix must stay stable across versions.
const SummaryPrefix = "[CONTEXT SUMMARY]:"

const (
	DefaultThreshold    = 0.85
	DefaultProtectFirst = 2
	DefaultProtectLast  = 2
)

// Summarizer digests a transcript window into a short free-text summary.
// The agent wires this to a cheap auxiliary model.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []models.Message) (string, error)
}

// Compressor decides when a transcript is too large for its model and
// rewrites it. Stateless apart from a run counter.
type Compressor struct {
	contextWindow int
	threshold     float64
	protectFirst  int
	protectLast   int
	summarizer    Summarizer
	todo          func() string
	logger        *slog.Logger
	metrics       *observability.Metrics
	runs          atomic.Int64
}

// Option configures a Compressor.
type Option func(*Compressor)

// WithThreshold overrides the compression trigger fraction.
func WithThreshold(f float64) Option {
	return func(c *Compressor) {
		if f > 0 {
			c.threshold = f
		}
	}
}

// WithProtect overrides how many leading and trailing messages are kept
// verbatim.
func WithProtect(first, last int) Option {
	return func(c *Compressor) {
		if first >= 0 {
			c.protectFirst = first
		}
		if last >= 0 {
			c.protectLast = last
		}
	}
}

// WithSummarizer enables model-backed summaries. Without one the middle
// window is replaced by a truncation notice.
func WithSummarizer(s Summarizer) Option {
	return func(c *Compressor) { c.summarizer = s }
}

// WithTodoSource supplies the rendered todo list emitted immediately
// after each summary; empty output means no todo message.
func WithTodoSource(render func() string) Option {
	return func(c *Compressor) { c.todo = render }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compressor) { c.logger = l }
}

// WithMetrics records compression runs by strategy.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Compressor) { c.metrics = m }
}

// New returns a Compressor for the given model context window, measured in
// tokens.
func New(contextWindow int, opts ...Option) *Compressor {
	c := &Compressor{
		contextWindow: contextWindow,
		threshold:     DefaultThreshold,
		protectFirst:  DefaultProtectFirst,
		protectLast:   DefaultProtectLast,
		logger:        logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ShouldCompress reports whether the next request would exceed the budget.
// promptTokens is the live count from the previous response; when it is
// zero or negative the size is estimated from the candidate messages.
func (c *Compressor) ShouldCompress(promptTokens int, msgs []models.Message) bool {
	if c.contextWindow <= 0 {
		return false
	}
	budget := int(c.threshold * float64(c.contextWindow))
	if promptTokens > 0 {
		return promptTokens > budget
	}
	return EstimateTokens(msgs) > budget
}

// EstimateTokens approximates prompt size as ceil(totalChars/4), counting
// message content and tool-call payloads.
func EstimateTokens(msgs []models.Message) int {
	var chars int
	for i := range msgs {
		chars += len(msgs[i].Content)
		for _, tc := range msgs[i].ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	return (chars + 3) / 4
}

// Compress keeps the protected head and tail verbatim and replaces the
// middle with a synthetic system summary, followed by the rendered todo
// list as its own system message when non-empty. The protected windows are
// widened first so no tool call/result pair is split: a kept call keeps its
// results and a kept result keeps its call. Failures fall back to a
// truncation notice; Compress never returns an error.
func (c *Compressor) Compress(ctx context.Context, msgs []models.Message) []models.Message {
	if len(msgs) <= c.protectFirst+c.protectLast {
		return msgs
	}
	start := widenHead(msgs, c.protectFirst)
	end := widenTail(msgs, start, len(msgs)-c.protectLast)
	if start >= end {
		return msgs
	}
	middle := msgs[start:end]

	content, strategy := c.summarize(ctx, middle)

	out := make([]models.Message, 0, len(msgs)-len(middle)+2)
	out = append(out, msgs[:start]...)
	out = append(out, models.Message{
		Role:      models.RoleSystem,
		Content:   content,
		Timestamp: middle[len(middle)-1].Timestamp,
	})
	if todo := c.renderTodo(); todo != "" {
		out = append(out, models.Message{
			Role:      models.RoleSystem,
			Content:   "Current todo list:\n" + todo,
			Timestamp: middle[len(middle)-1].Timestamp,
		})
	}
	out = append(out, msgs[end:]...)

	c.runs.Add(1)
	if c.metrics != nil {
		c.metrics.CompressionCounter.WithLabelValues(strategy).Inc()
	}
	c.logger.Info("compressed transcript",
		"dropped", len(middle), "kept", len(out), "strategy", strategy)
	return out
}

// Runs returns how many times this instance has compressed a transcript.
func (c *Compressor) Runs() int64 {
	return c.runs.Load()
}

func (c *Compressor) summarize(ctx context.Context, middle []models.Message) (string, string) {
	if c.summarizer != nil {
		text, err := c.summarizer.Summarize(ctx, middle)
		if err != nil {
			c.logger.Warn("summary model failed, truncating instead", "error", err)
		} else if text = strings.TrimSpace(text); text != "" {
			return SummaryPrefix + " " + text, "summary"
		}
	}
	stub := fmt.Sprintf("%s %d earlier messages were truncated to fit the context window.",
		SummaryPrefix, len(middle))
	return stub, "truncate"
}

func (c *Compressor) renderTodo() string {
	if c.todo == nil {
		return ""
	}
	return strings.TrimSpace(c.todo())
}

// widenHead moves the head boundary right past tool results answering calls
// that the head keeps.
func widenHead(msgs []models.Message, start int) int {
	if start > len(msgs) {
		start = len(msgs)
	}
	calls := make(map[string]bool)
	for i := 0; i < start; i++ {
		for _, tc := range msgs[i].ToolCalls {
			calls[tc.ID] = true
		}
	}
	for start < len(msgs) && msgs[start].Role == models.RoleTool && calls[msgs[start].ToolCallID] {
		start++
	}
	return start
}

// widenTail moves the tail boundary left until every tool result the tail
// keeps has its issuing call kept too. Dropping both halves of a pair is
// fine; keeping one is not.
func widenTail(msgs []models.Message, start, end int) int {
	if end < start {
		return start
	}
	for {
		moved := false
		seen := make(map[string]bool)
		for i := end; i < len(msgs); i++ {
			if len(msgs[i].ToolCalls) > 0 {
				for _, tc := range msgs[i].ToolCalls {
					seen[tc.ID] = true
				}
				continue
			}
			if msgs[i].Role != models.RoleTool || msgs[i].ToolCallID == "" || seen[msgs[i].ToolCallID] {
				continue
			}
			if j := callIndex(msgs, msgs[i].ToolCallID, start, end); j >= 0 {
				end = j
				moved = true
				break
			}
			// The call is already kept in the head, or the result is an
			// orphan; neither needs the boundary moved.
		}
		if !moved {
			return end
		}
	}
}

// callIndex finds the assistant message within [start, end) that issued the
// given tool call, or -1.
func callIndex(msgs []models.Message, callID string, start, end int) int {
	for i := start; i < end; i++ {
		for _, tc := range msgs[i].ToolCalls {
			if tc.ID == callID {
				return i
			}
		}
	}
	return -1
}
