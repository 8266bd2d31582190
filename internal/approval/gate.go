package approval

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Decision is a user's answer to an approval prompt.
type Decision string

const (
	// AllowOnce authorizes this command only.
	AllowOnce Decision = "allow_once"
	// AllowSession authorizes the command's pattern for the rest of the
	// session.
	AllowSession Decision = "allow_session"
	// Deny refuses the command. Timeouts resolve as Deny.
	Deny Decision = "deny"
)

// ErrPendingExists is returned when a conversation already has an
// unresolved approval.
var ErrPendingExists = errors.New("approval already pending for this conversation")

// Pending is the unresolved approval slot for one conversation.
type Pending struct {
	Command     string
	PatternKey  string
	Description string
	CreatedAt   time.Time

	resolve chan Decision
}

// Prompt is the command text safe to show in a user prompt.
func (p *Pending) Prompt() string {
	return PromptCommand(p.Command)
}

// permanentFile is the on-disk shape of the permanent allowlist.
type permanentFile struct {
	AllowedPatterns []string `yaml:"allowed_patterns"`
}

// Gate holds approval state: at most one pending slot per conversation
// key, an in-memory set of per-session pattern approvals, and a
// persistent allowlist of patterns that never prompt.
type Gate struct {
	mu        sync.Mutex
	pending   map[string]*Pending
	session   map[string]map[string]bool
	permanent map[string]bool

	path    string
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewGate loads the permanent allowlist from path (missing file means an
// empty list) and returns a gate whose Await gives users timeout to
// answer before denying.
func NewGate(path string, timeout time.Duration, logger *slog.Logger) (*Gate, error) {
	g := &Gate{
		pending:   make(map[string]*Pending),
		session:   make(map[string]map[string]bool),
		permanent: make(map[string]bool),
		path:      path,
		timeout:   timeout,
		logger:    logger.With("component", "approval"),
		now:       time.Now,
	}
	if timeout <= 0 {
		g.timeout = 5 * time.Minute
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return g, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading approvals file: %w", err)
	}
	var pf permanentFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parsing approvals file %s: %w", path, err)
	}
	for _, p := range pf.AllowedPatterns {
		g.permanent[p] = true
	}
	return g, nil
}

// SubmitPending registers an approval slot for a conversation. Only one
// may exist at a time.
func (g *Gate) SubmitPending(convKey, command, patternKey, description string) (*Pending, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[convKey]; ok {
		return nil, ErrPendingExists
	}
	p := &Pending{
		Command:     command,
		PatternKey:  patternKey,
		Description: description,
		CreatedAt:   g.now(),
		resolve:     make(chan Decision, 1),
	}
	g.pending[convKey] = p
	return p, nil
}

// HasPending reports whether a conversation has an unresolved approval.
func (g *Gate) HasPending(convKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pending[convKey]
	return ok
}

// PopPending removes and returns the conversation's slot.
func (g *Gate) PopPending(convKey string) (*Pending, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.pending[convKey]
	delete(g.pending, convKey)
	return p, ok
}

// Resolve answers the conversation's pending approval. It returns false
// when nothing was pending, for example after a timeout already denied.
func (g *Gate) Resolve(convKey string, decision Decision) bool {
	g.mu.Lock()
	p, ok := g.pending[convKey]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case p.resolve <- decision:
		return true
	default:
		return false
	}
}

// Await blocks until the conversation's pending approval resolves, times
// out, or ctx is cancelled. Timeouts and cancellation deny. The slot is
// popped and session bookkeeping applied before returning.
func (g *Gate) Await(ctx context.Context, convKey string) Decision {
	g.mu.Lock()
	p, ok := g.pending[convKey]
	g.mu.Unlock()
	if !ok {
		return Deny
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var decision Decision
	select {
	case decision = <-p.resolve:
	case <-timer.C:
		decision = Deny
		g.logger.Info("approval timed out", "conversation", convKey, "pattern", p.PatternKey)
	case <-ctx.Done():
		decision = Deny
	}

	g.mu.Lock()
	delete(g.pending, convKey)
	if decision == AllowSession {
		if g.session[convKey] == nil {
			g.session[convKey] = make(map[string]bool)
		}
		g.session[convKey][p.PatternKey] = true
	}
	g.mu.Unlock()
	return decision
}

// ApproveSession records a pattern approval for the session.
func (g *Gate) ApproveSession(convKey, patternKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session[convKey] == nil {
		g.session[convKey] = make(map[string]bool)
	}
	g.session[convKey][patternKey] = true
}

// IsApproved reports whether a pattern is pre-approved for the
// conversation, either for this session or permanently.
func (g *Gate) IsApproved(convKey, patternKey string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permanent[patternKey] || g.session[convKey][patternKey]
}

// ClearSession drops all session approvals and any pending slot for the
// conversation. Called on reset and session end.
func (g *Gate) ClearSession(convKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.session, convKey)
	delete(g.pending, convKey)
}

// ApprovePermanent adds a pattern to the persistent allowlist.
func (g *Gate) ApprovePermanent(patternKey string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.permanent[patternKey] {
		return nil
	}
	g.permanent[patternKey] = true
	return g.saveLocked()
}

func (g *Gate) saveLocked() error {
	patterns := make([]string, 0, len(g.permanent))
	for p := range g.permanent {
		patterns = append(patterns, p)
	}
	sort.Strings(patterns)
	data, err := yaml.Marshal(permanentFile{AllowedPatterns: patterns})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return err
	}
	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, g.path)
}

// Timeout exposes the configured wait, so prompts can tell users how
// long they have.
func (g *Gate) Timeout() time.Duration {
	return g.timeout
}
