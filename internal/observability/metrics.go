package observability

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects runtime counters and latency histograms for the agent.
//
// The metrics cover:
//   - Message flow per channel (telegram, discord, slack, whatsapp, cli)
//   - LLM request latency, status, and token usage per provider/model
//   - Tool execution counts and latencies
//   - Queue drops when a conversation lane exceeds its watermark
//   - Approval gate decisions per pattern
//   - Context compression outcomes and cron job runs
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel, direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// LLMRequestDuration measures LLM API call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts LLM requests by provider, model, and status.
	// Labels: provider, model, status (success|error|retry)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and type.
	// Labels: component (agent|channel|tool|session|cron), error_type
	ErrorCounter *prometheus.CounterVec

	// ActiveSessions is a gauge of sessions without an end timestamp.
	// Labels: channel
	ActiveSessions *prometheus.GaugeVec

	// QueueDrops counts messages dropped because a conversation lane
	// was already at its watermark.
	// Labels: channel
	QueueDrops *prometheus.CounterVec

	// ApprovalCounter counts approval gate outcomes.
	// Labels: pattern, decision (allowed|allowed_session|denied|timeout)
	ApprovalCounter *prometheus.CounterVec

	// CompressionCounter counts context compression runs.
	// Labels: strategy (summary|truncation)
	CompressionCounter *prometheus.CounterVec

	// CronRunCounter counts scheduled job executions.
	// Labels: status (ok|error|blocked)
	CronRunCounter *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on the default
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessageCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_messages_total",
				Help: "Total number of messages processed by channel and direction",
			},
			[]string{"channel", "direction"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hermes_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hermes_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "hermes_active_sessions",
				Help: "Current number of active sessions by channel",
			},
			[]string{"channel"},
		),

		QueueDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_queue_drops_total",
				Help: "Messages dropped because the conversation queue was full",
			},
			[]string{"channel"},
		),

		ApprovalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_approvals_total",
				Help: "Approval gate outcomes by pattern and decision",
			},
			[]string{"pattern", "decision"},
		),

		CompressionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_compressions_total",
				Help: "Context compression runs by strategy",
			},
			[]string{"strategy"},
		),

		CronRunCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hermes_cron_runs_total",
				Help: "Scheduled job executions by status",
			},
			[]string{"status"},
		),
	}
}

// MessageReceived increments the inbound message counter for a channel.
func (m *Metrics) MessageReceived(channel string) {
	m.MessageCounter.WithLabelValues(channel, "inbound").Inc()
}

// MessageSent increments the outbound message counter for a channel.
func (m *Metrics) MessageSent(channel string) {
	m.MessageCounter.WithLabelValues(channel, "outbound").Inc()
}

// RecordLLMRequest records latency, status, and token usage for one request.
func (m *Metrics) RecordLLMRequest(provider, model string, duration time.Duration, promptTokens, completionTokens int, err error) {
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation.
func (m *Metrics) RecordToolExecution(tool string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ToolExecutionCounter.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// Server exposes /metrics and /healthz on the given address.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer builds the metrics HTTP server. addr is host:port, e.g. ":9090".
func NewServer(addr string, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With("component", "metrics"),
	}
}

// Start serves until the listener fails or Shutdown is called.
// It blocks, so run it in a goroutine.
func (s *Server) Start() {
	s.logger.Info("metrics server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("metrics server failed", "error", err)
	}
}

// Shutdown drains the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
