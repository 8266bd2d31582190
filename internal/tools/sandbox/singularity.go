package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Singularity boots one persistent instance per task with full host
// isolation. SIF images are built once per source reference and cached;
// an optional writable overlay directory carries state across sessions.
type Singularity struct {
	cfg        Config
	taskID     string
	instance   string
	overlayDir string
	snaps      *SnapshotStore
	logger     *slog.Logger

	mu      sync.Mutex
	ready   bool
	cleaned bool
}

// NewSingularity builds an instance backend for one task.
func NewSingularity(cfg Config, taskID string, snaps *SnapshotStore, logger *slog.Logger) *Singularity {
	name := sanitizeName(taskID)
	return &Singularity{
		cfg:        cfg,
		taskID:     taskID,
		instance:   "hermes-" + name,
		overlayDir: filepath.Join(expandHome(cfg.Root), "singularity", "overlays", name),
		snaps:      snaps,
		logger:     logger.With("backend", "singularity", "task_id", taskID),
	}
}

// resolveImage returns a local SIF path, pulling and caching remote
// references on first use.
func (s *Singularity) resolveImage(ctx context.Context) (string, error) {
	image := s.cfg.Singularity.Image
	if image == "" {
		image = "docker://" + defaultDockerImage
	}
	if strings.HasSuffix(image, ".sif") {
		if _, err := os.Stat(expandHome(image)); err == nil {
			return expandHome(image), nil
		}
	}

	ref := image
	if !strings.Contains(ref, "://") {
		ref = "docker://" + ref
	}

	sum := sha256.Sum256([]byte(ref))
	cacheDir := filepath.Join(expandHome(s.cfg.Root), "singularity", "images")
	sif := filepath.Join(cacheDir, hex.EncodeToString(sum[:8])+".sif")
	if _, err := os.Stat(sif); err == nil {
		return sif, nil
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", err
	}

	s.logger.Info("building SIF image", "ref", ref)
	res, err := runProcess(ctx, []string{"singularity", "pull", "--force", sif, ref},
		runOptions{timeout: 10 * time.Minute})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("singularity pull failed: %s", strings.TrimSpace(res.Output))
	}
	return sif, nil
}

func (s *Singularity) ensure(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return fmt.Errorf("sandbox for task %s already cleaned up", s.taskID)
	}
	if s.ready {
		return nil
	}

	sif, err := s.resolveImage(ctx)
	if err != nil {
		return err
	}

	args := []string{"singularity", "instance", "start", "--containall", "--no-home"}
	if s.cfg.Singularity.OverlayEnabled {
		if snap, ok := s.snaps.Get(s.taskID); ok && snap.Backend == BackendSingularity && snap.Path != "" {
			s.overlayDir = snap.Path
		}
		if err := os.MkdirAll(s.overlayDir, 0o755); err != nil {
			return fmt.Errorf("creating overlay: %w", err)
		}
		args = append(args, "--overlay", s.overlayDir)
	}
	args = append(args, sif, s.instance)

	res, err := runProcess(ctx, args, runOptions{timeout: 2 * time.Minute})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 && !strings.Contains(res.Output, "already exists") {
		return fmt.Errorf("singularity instance start failed: %s", strings.TrimSpace(res.Output))
	}

	s.ready = true
	return nil
}

func (s *Singularity) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if err := s.ensure(ctx); err != nil {
		return ExecResult{}, err
	}

	command, stdin := rewriteSudo(req.Command, req.Stdin, s.cfg.SudoPassword)
	// singularity exec has no stdin pipe worth trusting across runtimes,
	// so stdin rides in as a heredoc.
	if stdin != "" {
		command = wrapHeredoc(command, stdin)
	}

	argv := []string{"singularity", "exec"}
	if req.Dir != "" {
		argv = append(argv, "--pwd", req.Dir)
	}
	argv = append(argv, "instance://"+s.instance, "/bin/sh", "-c", command)

	return runProcess(ctx, argv, runOptions{
		timeout: effectiveTimeout(req, s.cfg),
	})
}

// Cleanup stops the instance and snapshots the overlay when persistence
// is on.
func (s *Singularity) Cleanup() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return nil
	}
	s.cleaned = true
	s.ready = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if res, err := runProcess(ctx, []string{"singularity", "instance", "stop", s.instance},
		runOptions{timeout: 30 * time.Second}); err == nil && res.ExitCode != 0 {
		s.logger.Debug("instance stop", "output", strings.TrimSpace(res.Output))
	}

	if !s.cfg.Singularity.OverlayEnabled {
		return nil
	}
	if s.cfg.Persist {
		return s.snaps.Put(Snapshot{TaskID: s.taskID, Backend: BackendSingularity, Path: s.overlayDir})
	}
	_ = s.snaps.Delete(s.taskID)
	return os.RemoveAll(s.overlayDir)
}
