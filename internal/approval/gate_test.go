package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/hermes/internal/logging"
)

func newTestGate(t *testing.T, timeout time.Duration) *Gate {
	t.Helper()
	g, err := NewGate(filepath.Join(t.TempDir(), "approvals.yaml"), timeout, logging.Discard())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

func TestSubmitResolveAwait(t *testing.T) {
	g := newTestGate(t, time.Minute)

	p, err := g.SubmitPending("telegram:42", "rm -rf /tmp/x", PatternRMRecursive, "recursive file deletion")
	if err != nil {
		t.Fatalf("SubmitPending: %v", err)
	}
	if p.PatternKey != PatternRMRecursive {
		t.Errorf("pattern = %s", p.PatternKey)
	}
	if !g.HasPending("telegram:42") {
		t.Error("HasPending = false")
	}

	if !g.Resolve("telegram:42", AllowOnce) {
		t.Fatal("Resolve returned false with a pending slot")
	}
	if got := g.Await(context.Background(), "telegram:42"); got != AllowOnce {
		t.Errorf("Await = %s, want %s", got, AllowOnce)
	}
	if g.HasPending("telegram:42") {
		t.Error("slot must be popped after Await")
	}
	// allow-once leaves no session state behind
	if g.IsApproved("telegram:42", PatternRMRecursive) {
		t.Error("allow once must not approve the session")
	}
}

func TestSecondSubmitRejected(t *testing.T) {
	g := newTestGate(t, time.Minute)
	if _, err := g.SubmitPending("k", "cmd1", PatternSQLDrop, ""); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := g.SubmitPending("k", "cmd2", PatternSQLDrop, ""); !errors.Is(err, ErrPendingExists) {
		t.Errorf("second submit err = %v, want ErrPendingExists", err)
	}
}

func TestAwaitTimeoutDenies(t *testing.T) {
	g := newTestGate(t, 50*time.Millisecond)
	if _, err := g.SubmitPending("k", "rm -rf /", PatternDestructiveRM, ""); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if got := g.Await(context.Background(), "k"); got != Deny {
		t.Errorf("Await = %s, want deny on timeout", got)
	}
	if time.Since(start) > time.Second {
		t.Error("timeout did not fire promptly")
	}
	if g.HasPending("k") {
		t.Error("timed-out slot must be popped")
	}
	// a late user response finds nothing to resolve
	if g.Resolve("k", AllowOnce) {
		t.Error("Resolve after timeout must return false")
	}
}

func TestAwaitCancelDenies(t *testing.T) {
	g := newTestGate(t, time.Minute)
	if _, err := g.SubmitPending("k", "visudo", PatternSudoersMod, ""); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := g.Await(ctx, "k"); got != Deny {
		t.Errorf("Await = %s, want deny on cancel", got)
	}
}

func TestSessionApprovalKeyedByPattern(t *testing.T) {
	g := newTestGate(t, time.Minute)

	if _, err := g.SubmitPending("k", "rm -r a", PatternRMRecursive, ""); err != nil {
		t.Fatal(err)
	}
	g.Resolve("k", AllowSession)
	if got := g.Await(context.Background(), "k"); got != AllowSession {
		t.Fatalf("Await = %s", got)
	}

	// the whole pattern is approved, not just the literal command
	if !g.IsApproved("k", PatternRMRecursive) {
		t.Error("pattern not approved for session")
	}
	// other patterns and other conversations are not
	if g.IsApproved("k", PatternSQLDrop) {
		t.Error("unrelated pattern approved")
	}
	if g.IsApproved("other", PatternRMRecursive) {
		t.Error("approval leaked across conversations")
	}

	g.ClearSession("k")
	if g.IsApproved("k", PatternRMRecursive) {
		t.Error("approval survived ClearSession")
	}
}

func TestPopPending(t *testing.T) {
	g := newTestGate(t, time.Minute)
	if _, err := g.SubmitPending("k", "cmd", PatternSQLDrop, ""); err != nil {
		t.Fatal(err)
	}
	p, ok := g.PopPending("k")
	if !ok || p.Command != "cmd" {
		t.Fatalf("PopPending = %+v, %v", p, ok)
	}
	if _, ok := g.PopPending("k"); ok {
		t.Error("second pop must miss")
	}
}

func TestPermanentAllowlistPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approvals.yaml")

	g, err := NewGate(path, time.Minute, logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	if err := g.ApprovePermanent(PatternCurlPipeSh); err != nil {
		t.Fatalf("ApprovePermanent: %v", err)
	}

	reloaded, err := NewGate(path, time.Minute, logging.Discard())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.IsApproved("any-conversation", PatternCurlPipeSh) {
		t.Error("permanent approval lost across restart")
	}
	if reloaded.IsApproved("any-conversation", PatternRMRecursive) {
		t.Error("unapproved pattern allowed")
	}
}
