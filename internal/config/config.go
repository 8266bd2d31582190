// Package config loads and validates the hermes configuration: the YAML or
// JSON5 file under the hermes home, the .env secrets next to it, and the
// environment variables with stable names that override both.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/haasonsaas/hermes/internal/logging"
)

// Config is the root configuration for the hermes daemon.
type Config struct {
	Agent         AgentConfig         `yaml:"agent"`
	LLM           LLMConfig           `yaml:"llm"`
	Compression   CompressionConfig   `yaml:"compression"`
	Terminal      TerminalConfig      `yaml:"terminal"`
	Tools         ToolsConfig         `yaml:"tools"`
	Session       SessionConfig       `yaml:"session"`
	Channels      ChannelsConfig      `yaml:"channels"`
	Gateway       GatewayConfig       `yaml:"gateway"`
	Cron          CronConfig          `yaml:"cron"`
	Hooks         HooksConfig         `yaml:"hooks"`
	Skills        SkillsConfig        `yaml:"skills"`
	Personalities map[string]string   `yaml:"personalities"`
	Logging       logging.Config      `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`

	paths Paths
}

// AgentConfig controls the conversation loop.
type AgentConfig struct {
	// Model is the default model identifier for new sessions.
	Model string `yaml:"model"`
	// Provider selects the completion backend: openrouter, openai, codex,
	// anthropic, bedrock, google. The codex provider switches the loop to
	// responses mode.
	Provider string `yaml:"provider"`
	// APIMode forces "chat" or "responses"; empty derives it from Provider.
	APIMode string `yaml:"api_mode"`
	// MaxIterations bounds tool-call rounds within one turn.
	MaxIterations int `yaml:"max_iterations"`
	// SystemPrompt is the base prompt when no personality is selected.
	SystemPrompt string `yaml:"system_prompt"`
	// Personality names the default entry in personalities.
	Personality string `yaml:"personality"`
	// ToolResultLimit caps a single tool result in bytes before midpoint
	// truncation.
	ToolResultLimit int `yaml:"tool_result_limit"`
	// Reasoning configures provider reasoning output.
	Reasoning ReasoningConfig `yaml:"reasoning"`
	// Routing carries OpenRouter provider-routing preferences.
	Routing RoutingConfig `yaml:"routing"`
}

// ReasoningConfig controls reasoning/thinking output where supported.
type ReasoningConfig struct {
	Enabled bool   `yaml:"enabled"`
	Effort  string `yaml:"effort"` // low, medium, high
}

// RoutingConfig mirrors OpenRouter's provider routing preferences; it is
// sent under extra_body.provider on chat-completions requests.
type RoutingConfig struct {
	Sort              string   `yaml:"sort"`
	Only              []string `yaml:"only"`
	Ignore            []string `yaml:"ignore"`
	Order             []string `yaml:"order"`
	RequireParameters bool     `yaml:"require_parameters"`
	DataCollection    string   `yaml:"data_collection"`
}

// LLMConfig holds provider credentials and the auxiliary model used for
// summarization.
type LLMConfig struct {
	OpenRouter ProviderCreds `yaml:"openrouter"`
	OpenAI     ProviderCreds `yaml:"openai"`
	Anthropic  ProviderCreds `yaml:"anthropic"`
	Google     ProviderCreds `yaml:"google"`
	Bedrock    BedrockCreds  `yaml:"bedrock"`

	// AuxModel is the cheap model used for context summaries and
	// session_search digests. Empty disables model-backed summarization.
	AuxModel string `yaml:"aux_model"`
}

// ProviderCreds is one provider's API key and optional base URL.
type ProviderCreds struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// BedrockCreds selects the AWS region for Bedrock; credentials come from
// the standard AWS chain.
type BedrockCreds struct {
	Region string `yaml:"region"`
}

// CompressionConfig tunes the context compressor.
type CompressionConfig struct {
	// Threshold is the fraction of the context window that triggers
	// compression.
	Threshold float64 `yaml:"threshold"`
	// ProtectFirst and ProtectLast are kept verbatim around the summary.
	ProtectFirst int `yaml:"protect_first"`
	ProtectLast  int `yaml:"protect_last"`
	// ContextWindow overrides the model's assumed window, in tokens.
	ContextWindow int `yaml:"context_window"`
}

// TerminalConfig selects and tunes the execution sandbox.
type TerminalConfig struct {
	// Backend is one of local, docker, singularity, ssh, cloud. The value
	// "modal" is accepted as an alias for cloud.
	Backend string `yaml:"backend"`
	// SandboxDir roots per-backend workspaces; default <home>/sandboxes.
	SandboxDir string `yaml:"sandbox_dir"`
	// ScratchDir is the working directory given to fresh sandboxes.
	ScratchDir string `yaml:"scratch_dir"`
	// SudoPassword, when set, rewrites "sudo …" to "sudo -S …" with the
	// password piped on stdin.
	SudoPassword string `yaml:"sudo_password"`
	// Timeout is the default command timeout.
	Timeout Duration `yaml:"timeout"`
	// Persist keeps a sandbox's writable state across sessions, keyed by
	// task id: the docker workspace dir, the singularity overlay, or the
	// cloud sandbox itself.
	Persist bool `yaml:"persist"`

	Docker      DockerConfig      `yaml:"docker"`
	Singularity SingularityConfig `yaml:"singularity"`
	SSH         SSHConfig         `yaml:"ssh"`
	Cloud       CloudConfig       `yaml:"cloud"`
}

// DockerConfig tunes the docker backend.
type DockerConfig struct {
	Image   string `yaml:"image"`
	Network string `yaml:"network"`
}

// SingularityConfig tunes the singularity/apptainer backend.
type SingularityConfig struct {
	Image          string `yaml:"image"`
	OverlayEnabled bool   `yaml:"overlay_enabled"`
}

// SSHConfig tunes the ssh backend.
type SSHConfig struct {
	Host    string `yaml:"host"`
	User    string `yaml:"user"`
	Port    int    `yaml:"port"`
	KeyPath string `yaml:"key_path"`
}

// CloudConfig tunes the hosted sandbox backend.
type CloudConfig struct {
	APIKey string `yaml:"api_key"`
	APIURL string `yaml:"api_url"`
	Target string `yaml:"target"`
	Image  string `yaml:"image"`
}

// ToolsConfig selects toolsets and tool-specific paths.
type ToolsConfig struct {
	// EnabledToolsets lists the toolset names exposed to the model.
	EnabledToolsets []string `yaml:"enabled_toolsets"`
	// Toolsets defines named groups; Includes compose other groups.
	Toolsets map[string]ToolsetDef `yaml:"toolsets"`
	// MemoryFile is the notes file behind memory_tool; default
	// <home>/memory.md.
	MemoryFile string `yaml:"memory_file"`
	// BrowserEnabled gates the chromedp screenshot tool.
	BrowserEnabled bool `yaml:"browser_enabled"`
}

// ToolsetDef is a named tool group, composable via includes.
type ToolsetDef struct {
	Tools    []string `yaml:"tools"`
	Includes []string `yaml:"includes"`
}

// SessionConfig tunes the session store.
type SessionConfig struct {
	// DBPath overrides <home>/state.db.
	DBPath string `yaml:"db_path"`
	// PruneDays is the default age for `hermes sessions prune`.
	PruneDays int `yaml:"prune_days"`
	// ExportJSONL mirrors transcripts as one JSONL file per session.
	ExportJSONL *bool `yaml:"export_jsonl"`
}

// ChannelsConfig configures the platform adapters.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Slack    SlackConfig    `yaml:"slack"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token        string   `yaml:"token"`
	AllowedUsers []string `yaml:"allowed_users"`
	HomeChannel  string   `yaml:"home_channel"`
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token                string   `yaml:"token"`
	AllowedUsers         []string `yaml:"allowed_users"`
	FreeResponseChannels []string `yaml:"free_response_channels"`
	RequireMention       *bool    `yaml:"require_mention"`
	GuildID              string   `yaml:"guild_id"`
}

// SlackConfig configures the Slack Socket Mode adapter.
type SlackConfig struct {
	BotToken     string   `yaml:"bot_token"`
	AppToken     string   `yaml:"app_token"`
	AllowedUsers []string `yaml:"allowed_users"`
}

// WhatsAppConfig configures the WhatsApp adapter.
type WhatsAppConfig struct {
	Enabled     bool   `yaml:"enabled"`
	SessionPath string `yaml:"session_path"`
}

// GatewayConfig tunes routing behavior.
type GatewayConfig struct {
	// QueueWatermark is the per-conversation inbound depth beyond which
	// messages are shed with a busy reply.
	QueueWatermark int `yaml:"queue_watermark"`
	// TypingInterval is the refresh cadence for typing indicators.
	TypingInterval Duration `yaml:"typing_interval"`
	// ApprovalTimeout bounds dangerous-command approval waits.
	ApprovalTimeout Duration `yaml:"approval_timeout"`
	// Mirror toggles cross-platform transcript mirroring.
	Mirror *bool `yaml:"mirror"`
	// Directory statically maps "platform:name" entries to chat IDs.
	Directory []DirectoryEntry `yaml:"directory"`
}

// DirectoryEntry declares one named channel for the directory resolver.
type DirectoryEntry struct {
	Platform string `yaml:"platform"`
	Name     string `yaml:"name"`
	ChatID   string `yaml:"chat_id"`
	Guild    string `yaml:"guild"`
}

// CronConfig tunes the scheduler.
type CronConfig struct {
	// Interval is the tick cadence.
	Interval Duration `yaml:"interval"`
	// JobsFile overrides <home>/cron/jobs.json.
	JobsFile string `yaml:"jobs_file"`
}

// HooksConfig configures hook discovery.
type HooksConfig struct {
	// Dir overrides <home>/hooks.
	Dir string `yaml:"dir"`
}

// SkillsConfig configures the skill tree.
type SkillsConfig struct {
	// Dir overrides <home>/skills.
	Dir string `yaml:"dir"`
}

// ObservabilityConfig gates metrics and tracing.
type ObservabilityConfig struct {
	// MetricsAddr serves Prometheus metrics when non-empty, e.g. ":9091".
	MetricsAddr string `yaml:"metrics_addr"`
	// OTLPEndpoint enables trace export when non-empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Paths returns the home-directory layout the config was loaded against.
func (c *Config) Paths() Paths {
	return c.paths
}

// Validate applies defaults and rejects invalid settings. It is called by
// Load; tests construct Config directly and call it themselves.
func (c *Config) Validate() error {
	if c.Agent.Model == "" {
		c.Agent.Model = os.Getenv("LLM_MODEL")
	}
	if c.Agent.Model == "" {
		c.Agent.Model = "anthropic/claude-sonnet-4.5"
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "openrouter"
	}
	switch c.Agent.APIMode {
	case "":
		if c.Agent.Provider == "codex" {
			c.Agent.APIMode = "responses"
		} else {
			c.Agent.APIMode = "chat"
		}
	case "chat", "responses":
	default:
		return fmt.Errorf("agent.api_mode must be chat or responses, got %q", c.Agent.APIMode)
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 60
	}
	if env := os.Getenv("HERMES_MAX_ITERATIONS"); env != "" {
		n, err := parsePositiveInt(env)
		if err != nil {
			return fmt.Errorf("HERMES_MAX_ITERATIONS: %w", err)
		}
		c.Agent.MaxIterations = n
	}
	if c.Agent.ToolResultLimit <= 0 {
		c.Agent.ToolResultLimit = 100 * 1024
	}
	if c.Agent.Reasoning.Effort == "" {
		c.Agent.Reasoning.Effort = "medium"
	}
	switch c.Agent.Reasoning.Effort {
	case "low", "medium", "high":
	default:
		return fmt.Errorf("agent.reasoning.effort must be low, medium or high, got %q", c.Agent.Reasoning.Effort)
	}

	if c.Compression.Threshold <= 0 || c.Compression.Threshold > 1 {
		if c.Compression.Threshold != 0 {
			return fmt.Errorf("compression.threshold must be in (0,1], got %v", c.Compression.Threshold)
		}
		c.Compression.Threshold = 0.85
	}
	if c.Compression.ProtectFirst <= 0 {
		c.Compression.ProtectFirst = 2
	}
	if c.Compression.ProtectLast <= 0 {
		c.Compression.ProtectLast = 2
	}
	if c.Compression.ContextWindow <= 0 {
		c.Compression.ContextWindow = 128000
	}

	if err := c.validateTerminal(); err != nil {
		return err
	}

	if c.Session.DBPath == "" {
		c.Session.DBPath = c.paths.DBPath
	}
	if c.Session.PruneDays <= 0 {
		c.Session.PruneDays = 30
	}

	if c.Gateway.QueueWatermark <= 0 {
		c.Gateway.QueueWatermark = 16
	}
	if c.Gateway.TypingInterval <= 0 {
		c.Gateway.TypingInterval = Duration(5 * time.Second)
	}
	if c.Gateway.ApprovalTimeout <= 0 {
		c.Gateway.ApprovalTimeout = Duration(5 * time.Minute)
	}

	if c.Cron.Interval <= 0 {
		c.Cron.Interval = Duration(time.Minute)
	}
	if c.Cron.JobsFile == "" {
		c.Cron.JobsFile = c.paths.CronFile
	}
	if c.Hooks.Dir == "" {
		c.Hooks.Dir = c.paths.HooksDir
	}
	if c.Skills.Dir == "" {
		c.Skills.Dir = c.paths.SkillsDir
	}
	if c.Tools.MemoryFile == "" {
		c.Tools.MemoryFile = c.paths.Root + string(os.PathSeparator) + "memory.md"
	}
	if len(c.Tools.EnabledToolsets) == 0 {
		c.Tools.EnabledToolsets = []string{"core"}
	}

	if c.Logging.Dir == "" {
		c.Logging.Dir = c.paths.LogsDir
	}

	c.applyChannelEnv()

	if c.Personalities == nil {
		c.Personalities = map[string]string{}
	}
	if c.Agent.Personality != "" {
		if _, ok := c.Personalities[c.Agent.Personality]; !ok {
			return fmt.Errorf("agent.personality %q not defined in personalities", c.Agent.Personality)
		}
	}
	return nil
}

func (c *Config) validateTerminal() error {
	if env := os.Getenv("TERMINAL_ENV"); env != "" {
		c.Terminal.Backend = env
	}
	switch c.Terminal.Backend {
	case "":
		c.Terminal.Backend = "local"
	case "modal":
		// Historic name for the hosted sandbox service.
		c.Terminal.Backend = "cloud"
	case "local", "docker", "singularity", "ssh", "cloud":
	default:
		return fmt.Errorf("terminal.backend %q not one of local, docker, singularity, ssh, cloud", c.Terminal.Backend)
	}

	if dir := os.Getenv("TERMINAL_SANDBOX_DIR"); dir != "" {
		c.Terminal.SandboxDir = dir
	}
	if c.Terminal.SandboxDir == "" {
		c.Terminal.SandboxDir = c.paths.SandboxesDir
	}
	if dir := os.Getenv("TERMINAL_SCRATCH_DIR"); dir != "" {
		c.Terminal.ScratchDir = dir
	}
	if pw := os.Getenv("SUDO_PASSWORD"); pw != "" {
		c.Terminal.SudoPassword = pw
	}
	if c.Terminal.Timeout <= 0 {
		c.Terminal.Timeout = Duration(2 * time.Minute)
	}

	if host := os.Getenv("TERMINAL_SSH_HOST"); host != "" {
		c.Terminal.SSH.Host = host
	}
	if user := os.Getenv("TERMINAL_SSH_USER"); user != "" {
		c.Terminal.SSH.User = user
	}
	if port := os.Getenv("TERMINAL_SSH_PORT"); port != "" {
		n, err := parsePositiveInt(port)
		if err != nil {
			return fmt.Errorf("TERMINAL_SSH_PORT: %w", err)
		}
		c.Terminal.SSH.Port = n
	}
	if key := os.Getenv("TERMINAL_SSH_KEY"); key != "" {
		c.Terminal.SSH.KeyPath = key
	}
	if c.Terminal.SSH.Port <= 0 {
		c.Terminal.SSH.Port = 22
	}
	if c.Terminal.Backend == "ssh" && c.Terminal.SSH.Host == "" {
		return fmt.Errorf("terminal.ssh.host is required for the ssh backend")
	}

	if key := os.Getenv("DAYTONA_API_KEY"); key != "" && c.Terminal.Cloud.APIKey == "" {
		c.Terminal.Cloud.APIKey = key
	}
	if c.Terminal.Backend == "cloud" && c.Terminal.Cloud.APIKey == "" {
		return fmt.Errorf("terminal.cloud.api_key is required for the cloud backend")
	}
	return nil
}

// applyChannelEnv fills channel settings from the stable environment names
// when the config file leaves them empty.
func (c *Config) applyChannelEnv() {
	tg := &c.Channels.Telegram
	if tg.Token == "" {
		tg.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if len(tg.AllowedUsers) == 0 {
		tg.AllowedUsers = splitList(os.Getenv("TELEGRAM_ALLOWED_USERS"))
	}
	if tg.HomeChannel == "" {
		tg.HomeChannel = os.Getenv("TELEGRAM_HOME_CHANNEL")
	}

	dc := &c.Channels.Discord
	if dc.Token == "" {
		dc.Token = os.Getenv("DISCORD_BOT_TOKEN")
	}
	if len(dc.AllowedUsers) == 0 {
		dc.AllowedUsers = splitList(os.Getenv("DISCORD_ALLOWED_USERS"))
	}
	if len(dc.FreeResponseChannels) == 0 {
		dc.FreeResponseChannels = splitList(os.Getenv("DISCORD_FREE_RESPONSE_CHANNELS"))
	}
	if dc.RequireMention == nil {
		if v := os.Getenv("DISCORD_REQUIRE_MENTION"); v != "" {
			b := v == "1" || strings.EqualFold(v, "true")
			dc.RequireMention = &b
		}
	}

	sl := &c.Channels.Slack
	if sl.BotToken == "" {
		sl.BotToken = os.Getenv("SLACK_BOT_TOKEN")
	}
	if sl.AppToken == "" {
		sl.AppToken = os.Getenv("SLACK_APP_TOKEN")
	}
	if len(sl.AllowedUsers) == 0 {
		sl.AllowedUsers = splitList(os.Getenv("SLACK_ALLOWED_USERS"))
	}

	wa := &c.Channels.WhatsApp
	if !wa.Enabled {
		if v := os.Getenv("WHATSAPP_ENABLED"); v == "1" || strings.EqualFold(v, "true") {
			wa.Enabled = true
		}
	}

	llm := &c.LLM
	if llm.OpenRouter.APIKey == "" {
		llm.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if llm.OpenAI.APIKey == "" {
		llm.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if llm.OpenAI.BaseURL == "" {
		llm.OpenAI.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if llm.Anthropic.APIKey == "" {
		llm.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if llm.Google.APIKey == "" {
		llm.Google.APIKey = os.Getenv("GEMINI_API_KEY")
	}
	if llm.Bedrock.Region == "" {
		llm.Bedrock.Region = os.Getenv("AWS_REGION")
	}
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a positive integer: %q", s)
		}
		n = n*10 + int(r-'0')
	}
	if n == 0 {
		return 0, fmt.Errorf("not a positive integer: %q", s)
	}
	return n, nil
}
