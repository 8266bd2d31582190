package tools

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestCheckWriteClosure(t *testing.T) {
	for _, path := range Protected() {
		if err := CheckWrite(path); err == nil {
			t.Errorf("CheckWrite(%q) = nil, want denied", path)
		}
	}
}

func TestCheckWriteAllowsNormalPaths(t *testing.T) {
	allowed := []string{
		"/tmp/scratch/notes.txt",
		"main.go",
		"./docs/readme.md",
		"~/projects/app/config.yaml",
		"/etc/hosts",
		"/var/log/app.log",
		"profile.png", // basename rule must not over-match
		"environment.md",
	}
	for _, path := range allowed {
		if err := CheckWrite(path); err != nil {
			t.Errorf("CheckWrite(%q) = %v, want nil", path, err)
		}
	}
}

func TestCheckWriteHomeExpansion(t *testing.T) {
	if err := CheckWrite("~/.bashrc"); err == nil {
		t.Error("CheckWrite(~/.bashrc) = nil, want denied")
	}
	if err := CheckWrite("~/.ssh/id_rsa"); err == nil {
		t.Error("CheckWrite(~/.ssh/id_rsa) = nil, want denied")
	}
}

func TestCheckCommandRedirects(t *testing.T) {
	denied := []string{
		"echo hacked > /etc/passwd",
		"echo key >> ~/.ssh/authorized_keys",
		"cat payload | tee /etc/sudoers",
		"cat payload | tee -a ~/.bashrc",
		"dd if=/dev/zero of=/etc/shadow",
		`echo x > "/etc/sudoers.d/99-evil"`,
	}
	for _, cmd := range denied {
		if err := CheckCommand(cmd); err == nil {
			t.Errorf("CheckCommand(%q) = nil, want denied", cmd)
		}
	}

	allowed := []string{
		"ls -la /etc",
		"echo hi > /tmp/out.txt",
		"cat /etc/passwd",    // reading is not writing
		"grep root < /etc/passwd > /tmp/roots",
		"make build 2>&1 | tee /tmp/build.log",
	}
	for _, cmd := range allowed {
		if err := CheckCommand(cmd); err != nil {
			t.Errorf("CheckCommand(%q) = %v, want nil", cmd, err)
		}
	}
}

// write_file must refuse deny-listed targets without touching the
// filesystem.
func TestWriteFileHonorsDenyList(t *testing.T) {
	res, err := runWriteFile(context.Background(), map[string]any{
		"path":    "/etc/passwd",
		"content": "owned",
	}, nil)
	if err == nil {
		t.Fatalf("runWriteFile(/etc/passwd) = %q, want error", res)
	}
	if !strings.Contains(err.Error(), "denied") {
		t.Errorf("error = %v, want denied kind", err)
	}

	if data, readErr := os.ReadFile("/etc/passwd"); readErr == nil {
		if strings.Contains(string(data), "owned") {
			t.Fatal("deny-listed write reached the filesystem")
		}
	}
}
