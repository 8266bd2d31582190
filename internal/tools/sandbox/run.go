package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// maxRunOutput caps the bytes buffered from a single command. The tool
// layer applies its own display truncation; this cap only guards against
// runaway producers.
const maxRunOutput = 1 << 20

// capBuffer keeps the first limit bytes written and counts the rest.
type capBuffer struct {
	mu      sync.Mutex
	buf     strings.Builder
	limit   int
	dropped int64
}

func newCapBuffer(limit int) *capBuffer {
	return &capBuffer{limit: limit}
}

func (b *capBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room > 0 {
		if len(p) <= room {
			b.buf.Write(p)
		} else {
			b.buf.Write(p[:room])
			b.dropped += int64(len(p) - room)
		}
	} else {
		b.dropped += int64(len(p))
	}
	return len(p), nil
}

func (b *capBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped > 0 {
		return b.buf.String() + fmt.Sprintf("\n[output truncated, %d bytes dropped]", b.dropped)
	}
	return b.buf.String()
}

// runOptions configures one host-side process run.
type runOptions struct {
	dir     string
	stdin   string
	timeout time.Duration
	env     []string
}

// runProcess starts argv in its own process group and waits for exit,
// timeout, or cancellation. Timeout kills the group and returns 124;
// cancellation kills the group and returns 130 with the interrupted
// marker appended to whatever output was captured.
func runProcess(ctx context.Context, argv []string, opt runOptions) (ExecResult, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = opt.dir
	if opt.env != nil {
		cmd.Env = opt.env
	}
	if opt.stdin != "" {
		cmd.Stdin = strings.NewReader(opt.stdin)
	}
	buf := newCapBuffer(maxRunOutput)
	cmd.Stdout = buf
	cmd.Stderr = buf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return ExecResult{}, fmt.Errorf("starting %s: %w", argv[0], err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var timeoutCh <-chan time.Time
	if opt.timeout > 0 {
		timer := time.NewTimer(opt.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-waitCh:
		return ExecResult{
			Output:   normalizeOutput(buf.String()),
			ExitCode: exitStatus(err),
		}, nil

	case <-timeoutCh:
		killGroup(cmd)
		<-waitCh
		out := normalizeOutput(buf.String())
		return ExecResult{
			Output:   out + fmt.Sprintf("[Command timed out after %s]", opt.timeout),
			ExitCode: ExitTimeout,
		}, nil

	case <-ctx.Done():
		killGroup(cmd)
		<-waitCh
		out := normalizeOutput(buf.String())
		return ExecResult{
			Output:   out + interruptedMarker,
			ExitCode: ExitInterrupted,
		}, nil
	}
}

// killGroup kills the whole process group so pipelines and grandchildren
// die with the shell.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid := cmd.Process.Pid
	_ = syscall.Kill(-pgid, syscall.SIGKILL)
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
	}
	return 1
}

// normalizeOutput rewrites CRLF and bare CR to plain newlines so progress
// bars and Windows line endings read cleanly in a transcript.
func normalizeOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// rewriteSudo turns a leading "sudo " into "sudo -S " and prepends the
// password to stdin. Without a configured password the command runs
// unchanged.
func rewriteSudo(command, stdin, password string) (string, string) {
	if password == "" || !strings.HasPrefix(command, "sudo ") {
		return command, stdin
	}
	rest := strings.TrimPrefix(command, "sudo ")
	if !strings.HasPrefix(rest, "-S ") && rest != "-S" {
		command = "sudo -S " + rest
	}
	return command, password + "\n" + stdin
}

// wrapHeredoc feeds payload to command as a heredoc for backends that
// cannot pipe stdin natively. The marker is random and re-rolled until
// it does not occur in the payload.
func wrapHeredoc(command, payload string) string {
	marker := heredocMarker(payload)
	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	return command + " <<'" + marker + "'\n" + payload + marker
}

func heredocMarker(payload string) string {
	for {
		b := make([]byte, 6)
		if _, err := rand.Read(b); err != nil {
			return "HERMES_EOF_0000"
		}
		marker := "HERMES_EOF_" + hex.EncodeToString(b)
		if !strings.Contains(payload, marker) {
			return marker
		}
	}
}

// expandHome resolves a leading ~ against the host home directory.
func expandHome(dir string) string {
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return dir
		}
		if dir == "~" {
			return home
		}
		return home + dir[1:]
	}
	return dir
}

// curatedEnv forwards a safe subset of the host environment to sandboxed
// children. Credentials living in the daemon's environment stay out.
func curatedEnv() []string {
	keep := []string{
		"PATH", "HOME", "USER", "LOGNAME", "SHELL",
		"LANG", "LC_ALL", "TERM", "TMPDIR", "TZ",
	}
	env := make([]string, 0, len(keep))
	for _, k := range keep {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

// shellQuote single-quotes s for safe interpolation into a shell line.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// effectiveTimeout applies the default when the request carries none.
func effectiveTimeout(req ExecRequest, cfg Config) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return cfg.timeout()
}
