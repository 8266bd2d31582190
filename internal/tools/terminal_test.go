package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/internal/procs"
	"github.com/haasonsaas/hermes/internal/tools/sandbox"
)

func localSandbox(t *testing.T) *sandbox.Manager {
	t.Helper()
	cfg := sandbox.Config{
		Backend:    sandbox.BackendLocal,
		Root:       t.TempDir(),
		ScratchDir: t.TempDir(),
		Timeout:    10 * time.Second,
	}
	mgr, err := sandbox.NewManager(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.CleanupAll)
	return mgr
}

func testGate(t *testing.T, timeout time.Duration) *approval.Gate {
	t.Helper()
	g, err := approval.NewGate(filepath.Join(t.TempDir(), "approvals.yaml"), timeout, logging.Discard())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func TestBackgroundCommand(t *testing.T) {
	cases := []struct {
		in       string
		stripped string
		ok       bool
	}{
		{"sleep 5 &", "sleep 5", true},
		{"  python serve.py &  ", "python serve.py", true},
		{"make build && make test", "", false},
		{"echo hi", "", false},
		{"&", "", false},
	}
	for _, tc := range cases {
		stripped, ok := backgroundCommand(tc.in)
		if ok != tc.ok {
			t.Errorf("backgroundCommand(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if ok && stripped != tc.stripped {
			t.Errorf("backgroundCommand(%q) = %q, want %q", tc.in, stripped, tc.stripped)
		}
	}
}

func TestRunTerminalExecutes(t *testing.T) {
	inv := &Invocation{TaskID: "task-1", Sandbox: localSandbox(t), Logger: logging.Discard()}

	res, err := runTerminal(context.Background(), map[string]any{"command": "echo hello"}, inv)
	if err != nil {
		t.Fatalf("runTerminal: %v", err)
	}
	var out struct {
		Output   string `json:"output"`
		ExitCode int    `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(res), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", res, err)
	}
	if out.Output != "hello\n" || out.ExitCode != 0 {
		t.Errorf("result = %+v", out)
	}
}

func TestRunTerminalDeniesDangerousWithoutGate(t *testing.T) {
	inv := &Invocation{TaskID: "task-1", Sandbox: localSandbox(t), Logger: logging.Discard()}

	_, err := runTerminal(context.Background(), map[string]any{"command": "rm -r /tmp/whatever"}, inv)
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Errorf("err = %v, want denied", err)
	}
}

func TestRunTerminalApprovalFlow(t *testing.T) {
	gate := testGate(t, 5*time.Second)
	victim := filepath.Join(t.TempDir(), "scratch")
	prompted := 0

	inv := &Invocation{
		TaskID:  "task-1",
		ConvKey: "cli:tester",
		Sandbox: localSandbox(t),
		Gate:    gate,
		Logger:  logging.Discard(),
		OnApprovalPrompt: func(_ context.Context, p *approval.Pending) {
			prompted++
			if p.PatternKey != approval.PatternRMRecursive {
				t.Errorf("pattern = %q", p.PatternKey)
			}
			// The user answers from another goroutine, the way adapters do.
			go gate.Resolve("cli:tester", approval.AllowSession)
		},
	}

	command := "mkdir -p " + victim + " && rm -r " + victim
	res, err := runTerminal(context.Background(), map[string]any{"command": command}, inv)
	if err != nil {
		t.Fatalf("approved run: %v", err)
	}
	if !strings.Contains(res, `"exit_code":0`) {
		t.Errorf("result = %q", res)
	}
	if prompted != 1 {
		t.Fatalf("prompted %d times, want 1", prompted)
	}

	// The session approval covers the pattern: no second prompt.
	if _, err := runTerminal(context.Background(), map[string]any{"command": command}, inv); err != nil {
		t.Fatalf("pre-approved run: %v", err)
	}
	if prompted != 1 {
		t.Errorf("prompted %d times after session approval, want 1", prompted)
	}
}

func TestRunTerminalDetectsRewrittenSudoCommand(t *testing.T) {
	// With a sudo password configured the backends run "sudo -S ...";
	// detection and the approval prompt see that same form.
	cfg := sandbox.Config{
		Backend:      sandbox.BackendLocal,
		Root:         t.TempDir(),
		ScratchDir:   t.TempDir(),
		Timeout:      10 * time.Second,
		SudoPassword: "hunter2",
	}
	mgr, err := sandbox.NewManager(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(mgr.CleanupAll)

	gate := testGate(t, 5*time.Second)
	var promptedCommand string
	inv := &Invocation{
		TaskID:  "task-1",
		ConvKey: "cli:tester",
		Sandbox: mgr,
		Gate:    gate,
		Logger:  logging.Discard(),
		OnApprovalPrompt: func(_ context.Context, p *approval.Pending) {
			promptedCommand = p.Command
			go gate.Resolve("cli:tester", approval.Deny)
		},
	}

	_, err = runTerminal(context.Background(), map[string]any{"command": "sudo rm -r /tmp/whatever"}, inv)
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Fatalf("err = %v, want denied", err)
	}
	if promptedCommand != "sudo -S rm -r /tmp/whatever" {
		t.Errorf("prompted command = %q, want the rewritten form", promptedCommand)
	}
}

func TestRunTerminalApprovalDenied(t *testing.T) {
	gate := testGate(t, 5*time.Second)
	inv := &Invocation{
		TaskID:  "task-1",
		ConvKey: "cli:tester",
		Sandbox: localSandbox(t),
		Gate:    gate,
		Logger:  logging.Discard(),
		OnApprovalPrompt: func(_ context.Context, _ *approval.Pending) {
			go gate.Resolve("cli:tester", approval.Deny)
		},
	}

	_, err := runTerminal(context.Background(), map[string]any{"command": "rm -r /tmp/whatever"}, inv)
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Errorf("err = %v, want denied", err)
	}
	if gate.HasPending("cli:tester") {
		t.Error("pending slot not cleared after deny")
	}
}

func TestRunTerminalApprovalTimesOut(t *testing.T) {
	gate := testGate(t, 50*time.Millisecond)
	inv := &Invocation{
		TaskID:           "task-1",
		ConvKey:          "cli:tester",
		Sandbox:          localSandbox(t),
		Gate:             gate,
		Logger:           logging.Discard(),
		OnApprovalPrompt: func(_ context.Context, _ *approval.Pending) {},
	}

	_, err := runTerminal(context.Background(), map[string]any{"command": "rm -r /tmp/whatever"}, inv)
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Errorf("err = %v, want denied after timeout", err)
	}
}

func TestRunTerminalDenyListOnLocal(t *testing.T) {
	inv := &Invocation{TaskID: "task-1", Sandbox: localSandbox(t), Logger: logging.Discard()}

	_, err := runTerminal(context.Background(), map[string]any{"command": "echo secret >> ~/.netrc"}, inv)
	if err == nil || !strings.Contains(err.Error(), "denied") {
		t.Errorf("err = %v, want denied", err)
	}
}

func TestRunTerminalBackgroundLaunch(t *testing.T) {
	reg := procs.NewRegistry(procs.WithLogger(logging.Discard()))
	inv := &Invocation{
		TaskID:  "task-1",
		Sandbox: localSandbox(t),
		Procs:   reg,
		Logger:  logging.Discard(),
	}

	res, err := runTerminal(context.Background(), map[string]any{"command": "echo bg-marker &"}, inv)
	if err != nil {
		t.Fatalf("background launch: %v", err)
	}
	var out struct {
		ProcessID string `json:"process_id"`
		PID       int    `json:"pid"`
	}
	if err := json.Unmarshal([]byte(res), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", res, err)
	}
	if out.ProcessID == "" || out.PID <= 0 {
		t.Fatalf("result = %+v", out)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, ok := reg.Get(out.ProcessID)
		if ok && rec.Exited {
			if rec.ExitCode != 0 {
				t.Errorf("exit code = %d", rec.ExitCode)
			}
			if !strings.Contains(rec.Output, "bg-marker") {
				t.Errorf("output = %q", rec.Output)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("background process never exited")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunTerminalBackgroundNeedsProcsRegistry(t *testing.T) {
	inv := &Invocation{TaskID: "task-1", Sandbox: localSandbox(t), Logger: logging.Discard()}
	if _, err := runTerminal(context.Background(), map[string]any{"command": "sleep 1 &"}, inv); err == nil {
		t.Error("expected error without a process registry")
	}
}
