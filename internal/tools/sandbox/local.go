package sandbox

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
)

// Local runs commands directly on the host with a curated environment.
// It is the default backend and keeps no state beyond its scratch
// directory.
type Local struct {
	cfg     Config
	taskID  string
	scratch string
	logger  *slog.Logger
}

// NewLocal builds a host-process backend for one task.
func NewLocal(cfg Config, taskID string, logger *slog.Logger) *Local {
	scratch := expandHome(cfg.ScratchDir)
	if scratch == "" {
		scratch = filepath.Join(expandHome(cfg.Root), "local", taskID)
	}
	return &Local{
		cfg:     cfg,
		taskID:  taskID,
		scratch: scratch,
		logger:  logger.With("backend", "local", "task_id", taskID),
	}
}

func (l *Local) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	dir := expandHome(req.Dir)
	if dir == "" {
		dir = l.scratch
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ExecResult{}, err
	}

	command, stdin := rewriteSudo(req.Command, req.Stdin, l.cfg.SudoPassword)

	l.logger.Debug("executing command", "dir", dir)
	return runProcess(ctx, []string{"bash", "-c", command}, runOptions{
		dir:     dir,
		stdin:   stdin,
		timeout: effectiveTimeout(req, l.cfg),
		env:     curatedEnv(),
	})
}

// Cleanup is a no-op: local scratch space is cheap and useful to keep.
func (l *Local) Cleanup() error {
	return nil
}
