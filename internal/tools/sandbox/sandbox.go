// Package sandbox provides isolated execution backends for the terminal
// tool. Every backend runs a shell command and returns its merged output
// and exit code; the backend owns whatever container, instance, or
// connection it needs underneath.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Backend kinds accepted in configuration.
const (
	BackendLocal       = "local"
	BackendDocker      = "docker"
	BackendSingularity = "singularity"
	BackendSSH         = "ssh"
	BackendCloud       = "cloud"
)

// Exit codes reserved for runner-level outcomes. Anything else is the
// command's own exit status, surfaced untouched.
const (
	ExitTimeout     = 124
	ExitInterrupted = 130
)

// interruptedMarker is appended to partial output when a command is
// cancelled mid-flight.
const interruptedMarker = "[Command interrupted]"

// ExecRequest describes one command execution.
type ExecRequest struct {
	// Command is the shell command line.
	Command string
	// Dir is the working directory. Empty means the backend default.
	// A leading ~ resolves against the host home for the local backend.
	Dir string
	// Timeout bounds the run; zero means the configured default.
	Timeout time.Duration
	// Stdin is delivered to the command. Backends without native stdin
	// piping synthesize a heredoc.
	Stdin string
}

// ExecResult is the outcome of one execution. Output is merged
// stdout+stderr with carriage returns normalized.
type ExecResult struct {
	Output   string
	ExitCode int
}

// Backend executes commands inside one isolated environment pinned to a
// task id. Implementations must be safe for sequential reuse; the
// manager serializes calls per task.
type Backend interface {
	// Execute runs the command. Cancelling ctx interrupts the run and
	// yields exit code 130 with partial output; exceeding the timeout
	// yields 124. Errors are reserved for backend failures such as a
	// container that cannot start.
	Execute(ctx context.Context, req ExecRequest) (ExecResult, error)

	// Cleanup releases the environment. It is idempotent and safe to
	// call from a finalizer. Backends with persistence enabled record
	// their filesystem state in the snapshot store before releasing.
	Cleanup() error
}

// Config selects and tunes the backend set. It mirrors the terminal
// section of the main configuration.
type Config struct {
	Backend      string
	Root         string // state root, e.g. ~/.hermes/sandboxes
	ScratchDir   string // default working dir for the local backend
	SudoPassword string
	Timeout      time.Duration
	Persist      bool

	Docker struct {
		Image   string
		Network string
	}
	Singularity struct {
		Image          string
		OverlayEnabled bool
	}
	SSH struct {
		Host    string
		User    string
		Port    int
		KeyPath string
	}
	Cloud struct {
		APIKey string
		APIURL string
		Target string
		Image  string
	}
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 2 * time.Minute
}

// newBackend builds the configured backend for one task.
func newBackend(cfg Config, taskID string, snaps *SnapshotStore, logger *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "", BackendLocal:
		return NewLocal(cfg, taskID, logger), nil
	case BackendDocker:
		return NewDocker(cfg, taskID, snaps, logger), nil
	case BackendSingularity:
		return NewSingularity(cfg, taskID, snaps, logger), nil
	case BackendSSH:
		return NewSSH(cfg, taskID, logger)
	case BackendCloud:
		return NewCloud(cfg, taskID, snaps, logger)
	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Backend)
	}
}
