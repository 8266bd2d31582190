package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultDockerImage = "ubuntu:24.04"

// Docker keeps one container per task alive and runs commands through
// docker exec. The container mounts a host-side workspace directory, so
// persistence means keeping that directory around.
type Docker struct {
	cfg       Config
	taskID    string
	container string
	hostDir   string
	snaps     *SnapshotStore
	logger    *slog.Logger

	mu      sync.Mutex
	ready   bool
	cleaned bool
}

// NewDocker builds a container backend for one task.
func NewDocker(cfg Config, taskID string, snaps *SnapshotStore, logger *slog.Logger) *Docker {
	return &Docker{
		cfg:       cfg,
		taskID:    taskID,
		container: "hermes-sbx-" + sanitizeName(taskID),
		hostDir:   filepath.Join(expandHome(cfg.Root), "docker", sanitizeName(taskID)),
		snaps:     snaps,
		logger:    logger.With("backend", "docker", "task_id", taskID),
	}
}

func (d *Docker) image() string {
	if d.cfg.Docker.Image != "" {
		return d.cfg.Docker.Image
	}
	return defaultDockerImage
}

// ensure starts or reuses the task container.
func (d *Docker) ensure(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cleaned {
		return fmt.Errorf("sandbox for task %s already cleaned up", d.taskID)
	}
	if d.ready {
		return nil
	}

	if snap, ok := d.snaps.Get(d.taskID); ok && snap.Backend == BackendDocker && snap.Path != "" {
		d.hostDir = snap.Path
	}
	if err := os.MkdirAll(d.hostDir, 0o755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	inspect, err := runProcess(ctx, []string{"docker", "inspect", "-f", "{{.State.Running}}", d.container},
		runOptions{timeout: 30 * time.Second})
	if err != nil {
		return err
	}

	switch {
	case inspect.ExitCode == 0 && strings.TrimSpace(inspect.Output) == "true":
		// already running

	case inspect.ExitCode == 0:
		res, err := runProcess(ctx, []string{"docker", "start", d.container},
			runOptions{timeout: time.Minute})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("docker start %s: %s", d.container, strings.TrimSpace(res.Output))
		}

	default:
		args := []string{"docker", "run", "-d", "--name", d.container}
		if d.cfg.Docker.Network != "" {
			args = append(args, "--network", d.cfg.Docker.Network)
		}
		args = append(args,
			"-v", d.hostDir+":/workspace",
			"-w", "/workspace",
			d.image(), "sleep", "infinity",
		)
		d.logger.Info("starting container", "image", d.image())
		res, err := runProcess(ctx, args, runOptions{timeout: 5 * time.Minute})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("docker run failed: %s", strings.TrimSpace(res.Output))
		}
	}

	d.ready = true
	return nil
}

func (d *Docker) Execute(ctx context.Context, req ExecRequest) (ExecResult, error) {
	if err := d.ensure(ctx); err != nil {
		return ExecResult{}, err
	}

	command, stdin := rewriteSudo(req.Command, req.Stdin, d.cfg.SudoPassword)

	dir := req.Dir
	switch {
	case dir == "":
		dir = "/workspace"
	case !path.IsAbs(dir):
		dir = path.Join("/workspace", dir)
	}

	argv := []string{"docker", "exec", "-i", "-w", dir, d.container, "/bin/sh", "-c", command}
	return runProcess(ctx, argv, runOptions{
		stdin:   stdin,
		timeout: effectiveTimeout(req, d.cfg),
	})
}

// Cleanup removes the container. In-container children die with it. The
// workspace directory is snapshotted when persistence is on, deleted
// otherwise.
func (d *Docker) Cleanup() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cleaned {
		return nil
	}
	d.cleaned = true
	d.ready = false

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if res, err := runProcess(ctx, []string{"docker", "rm", "-f", d.container},
		runOptions{timeout: 30 * time.Second}); err == nil && res.ExitCode != 0 {
		d.logger.Debug("container removal", "output", strings.TrimSpace(res.Output))
	}

	if d.cfg.Persist {
		return d.snaps.Put(Snapshot{TaskID: d.taskID, Backend: BackendDocker, Path: d.hostDir})
	}
	_ = d.snaps.Delete(d.taskID)
	return os.RemoveAll(d.hostDir)
}

// sanitizeName maps a task id onto the character set docker and
// singularity accept for names.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := b.String()
	if len(out) > 48 {
		out = out[:48]
	}
	if out == "" {
		out = "task"
	}
	return out
}
