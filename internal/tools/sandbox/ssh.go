package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// SSH runs commands on a remote host over a multiplexed connection. The
// first execution establishes a control master; later commands reuse its
// socket and skip the handshake.
type SSH struct {
	cfg    Config
	taskID string
	target string
	socket string
	logger *slog.Logger

	mu      sync.Mutex
	ready   bool
	cleaned bool
}

// NewSSH builds a remote backend for one task.
func NewSSH(cfg Config, taskID string, logger *slog.Logger) (*SSH, error) {
	if cfg.SSH.Host == "" {
		return nil, errors.New("ssh backend requires a host")
	}
	target := cfg.SSH.Host
	if cfg.SSH.User != "" {
		target = cfg.SSH.User + "@" + cfg.SSH.Host
	}

	// Control sockets have a tight path length limit, so the name is a
	// short digest of target and task.
	sum := sha256.Sum256([]byte(target + "\x00" + taskID))
	sockDir := filepath.Join(expandHome(cfg.Root), "ssh")
	socket := filepath.Join(sockDir, "ctl-"+hex.EncodeToString(sum[:6])+".sock")

	return &SSH{
		cfg:    cfg,
		taskID: taskID,
		target: target,
		socket: socket,
		logger: logger.With("backend", "ssh", "task_id", taskID, "host", cfg.SSH.Host),
	}, nil
}

func (s *SSH) baseArgs() []string {
	args := []string{
		"ssh",
		"-o", "ControlPath=" + s.socket,
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
	}
	if s.cfg.SSH.Port > 0 && s.cfg.SSH.Port != 22 {
		args = append(args, "-p", strconv.Itoa(s.cfg.SSH.Port))
	}
	if s.cfg.SSH.KeyPath != "" {
		args = append(args, "-i", expandHome(s.cfg.SSH.KeyPath))
	}
	return args
}

// ensure opens the control master connection.
func (s *SSH) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return fmt.Errorf("sandbox for task %s already cleaned up", s.taskID)
	}
	if s.ready {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.socket), 0o700); err != nil {
		return err
	}

	args := append(s.baseArgs(),
		"-o", "ControlMaster=auto",
		"-o", "ControlPersist=10m",
		s.target, "true",
	)
	res, err := runProcess(ctx, args, runOptions{timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ssh connection to %s failed: %s", s.target, res.Output)
	}

	s.ready = true
	return nil
}

func (s *SSH) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if err := s.ensure(ctx); err != nil {
		return ExecResult{}, err
	}

	command, stdin := rewriteSudo(req.Command, req.Stdin, s.cfg.SudoPassword)
	if req.Dir != "" {
		command = "cd " + shellQuote(req.Dir) + " && " + command
	}

	args := append(s.baseArgs(), s.target, command)
	return runProcess(ctx, args, runOptions{
		stdin:   stdin,
		timeout: effectiveTimeout(req, s.cfg),
	})
}

// Cleanup tears down the control master and removes its socket.
func (s *SSH) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return nil
	}
	s.cleaned = true
	s.ready = false

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	args := append(s.baseArgs(), "-O", "exit", s.target)
	if res, err := runProcess(ctx, args, runOptions{timeout: 15 * time.Second}); err == nil && res.ExitCode != 0 {
		s.logger.Debug("control master exit", "output", res.Output)
	}
	_ = os.Remove(s.socket)
	return nil
}
