package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/tools/sandbox"
)

var terminalSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "command": {
      "type": "string",
      "description": "Shell command to run. End with ' &' to launch in the background and keep working."
    },
    "timeout": {
      "type": "integer",
      "description": "Seconds before the command is killed. Defaults to the configured limit.",
      "minimum": 1
    }
  },
  "required": ["command"]
}`)

func runTerminal(ctx context.Context, args map[string]any, inv *Invocation) (string, error) {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return "", Failf("invalid_arguments", "command is required")
	}
	if inv == nil || inv.Sandbox == nil {
		return "", Failf("unavailable", "no sandbox attached to this run")
	}

	// Detection runs on the command as the backend will execute it, so
	// the gate and the sandbox never disagree about what was approved.
	execForm := inv.Sandbox.ExecForm(command)
	if dangerous, patternKey, description := approval.Detect(execForm); dangerous {
		if err := awaitApproval(ctx, inv, execForm, patternKey, description); err != nil {
			return "", err
		}
	}

	local := inv.Sandbox.Kind() == sandbox.BackendLocal
	if local {
		if err := CheckCommand(command); err != nil {
			return "", err
		}
	}

	if stripped, ok := backgroundCommand(command); ok {
		if !local {
			return "", Failf("unsupported", "background launches need the local backend; run %q in the foreground or switch TERMINAL_ENV to local", stripped)
		}
		return launchBackground(inv, stripped)
	}

	timeout := time.Duration(0)
	if secs, ok := numberArg(args, "timeout"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	backend, err := inv.Sandbox.ForTask(inv.TaskID)
	if err != nil {
		return "", Failf("sandbox", "start backend: %v", err)
	}
	res, err := backend.Execute(ctx, sandbox.ExecRequest{Command: command, Timeout: timeout})
	if err != nil {
		return "", Failf("sandbox", "%v", err)
	}
	return JSON(map[string]any{"output": res.Output, "exit_code": res.ExitCode}), nil
}

// awaitApproval surfaces a dangerous command and blocks until the user
// decides or the gate times out. Session-level approvals for the same
// pattern skip the prompt entirely.
func awaitApproval(ctx context.Context, inv *Invocation, command, patternKey, description string) error {
	if inv.Gate == nil || inv.ConvKey == "" {
		return Failf("denied", "dangerous command blocked (%s); approvals need an interactive conversation", description)
	}
	if inv.Gate.IsApproved(inv.ConvKey, patternKey) {
		return nil
	}

	pending, err := inv.Gate.SubmitPending(inv.ConvKey, command, patternKey, description)
	if err != nil {
		return Failf("denied", "%v", err)
	}
	if inv.OnApprovalPrompt != nil {
		inv.OnApprovalPrompt(ctx, pending)
	} else {
		inv.logger().Warn("dangerous command pending with no prompt surface",
			"pattern", patternKey, "conv_key", inv.ConvKey)
	}

	switch inv.Gate.Await(ctx, inv.ConvKey) {
	case approval.AllowOnce, approval.AllowSession:
		return nil
	default:
		return Failf("denied", "command denied (%s)", description)
	}
}

// backgroundCommand reports whether the command asks for a background
// launch: a single trailing & that is not part of &&.
func backgroundCommand(command string) (string, bool) {
	trimmed := strings.TrimSpace(command)
	if !strings.HasSuffix(trimmed, "&") || strings.HasSuffix(trimmed, "&&") {
		return command, false
	}
	stripped := strings.TrimSpace(strings.TrimSuffix(trimmed, "&"))
	if stripped == "" {
		return command, false
	}
	return stripped, true
}

// launchBackground starts the command as a host process group, registers it,
// and streams its merged output into the registry until exit. The process
// outlives the turn; /stop and session reset kill it through the registry.
func launchBackground(inv *Invocation, command string) (string, error) {
	if inv.Procs == nil {
		return "", Failf("unavailable", "no process registry attached to this run")
	}

	cmd := exec.Command("bash", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", Failf("spawn", "pipe stdout: %v", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return "", Failf("spawn", "start %q: %v", command, err)
	}

	id := inv.Procs.Register(command, inv.TaskID, cmd.Process.Pid)
	logger := inv.logger()

	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			inv.Procs.AppendOutput(id, append(scanner.Bytes(), '\n'))
		}
		code := 0
		if err := cmd.Wait(); err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			} else {
				code = 1
			}
		}
		inv.Procs.MarkExited(id, code)
		logger.Debug("background process exited", "process_id", id, "exit_code", code)
	}()

	return JSON(map[string]any{
		"success":    true,
		"process_id": id,
		"pid":        cmd.Process.Pid,
		"note":       fmt.Sprintf("%q is running in the background", command),
	}), nil
}

func numberArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

func registerTerminal(r *Registry) {
	r.MustRegister(Entry{
		Name:        "terminal",
		Toolset:     "core",
		Description: "Run a shell command in the conversation's sandbox and return its merged output and exit code.",
		Schema:      terminalSchema,
		Handler:     runTerminal,
	})
}
