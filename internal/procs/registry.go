// Package procs tracks processes spawned by tools that requested a
// background launch: their liveness, exit codes, and a capped tail of
// their output.
package procs

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"
)

const (
	// DefaultBufferCap bounds each record's output buffer. Overflow
	// drops the oldest bytes and sets the truncated flag.
	DefaultBufferCap = 200 * 1024
	// DefaultTTL is how long exited records stay queryable.
	DefaultTTL = 15 * time.Minute
	// DefaultMaxRecords caps active plus exited records. Overflow evicts
	// oldest exited first, then oldest active.
	DefaultMaxRecords = 64
	// killGrace is the pause between SIGTERM and SIGKILL.
	killGrace = 3 * time.Second
)

// Record is a snapshot of one tracked process.
type Record struct {
	ID        string
	Command   string
	TaskID    string
	PID       int
	StartedAt time.Time
	Exited    bool
	ExitCode  int
	ExitedAt  time.Time
	Output    string
	Truncated bool
}

type entry struct {
	id        string
	command   string
	taskID    string
	pid       int
	startedAt time.Time
	exited    bool
	exitCode  int
	exitedAt  time.Time

	buf       []byte
	truncated bool

	// evicted entries keep their exit metadata but drop the buffer
	evicted bool
}

func (e *entry) snapshot() Record {
	return Record{
		ID:        e.id,
		Command:   e.command,
		TaskID:    e.taskID,
		PID:       e.pid,
		StartedAt: e.startedAt,
		Exited:    e.exited,
		ExitCode:  e.exitCode,
		ExitedAt:  e.exitedAt,
		Output:    string(e.buf),
		Truncated: e.truncated,
	}
}

// Registry tracks tool-spawned processes for one daemon. All methods are
// safe for concurrent use; the kill path never blocks the caller.
type Registry struct {
	mu      sync.Mutex
	seq     int
	entries map[string]*entry

	bufferCap  int
	ttl        time.Duration
	maxRecords int
	logger     *slog.Logger
	now        func() time.Time
	kill       func(pid int, sig syscall.Signal) error
}

// Option tunes a Registry.
type Option func(*Registry)

// WithBufferCap overrides the per-process output cap.
func WithBufferCap(n int) Option {
	return func(r *Registry) { r.bufferCap = n }
}

// WithTTL overrides how long exited records are kept.
func WithTTL(d time.Duration) Option {
	return func(r *Registry) { r.ttl = d }
}

// WithMaxRecords overrides the global record cap.
func WithMaxRecords(n int) Option {
	return func(r *Registry) { r.maxRecords = n }
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger.With("component", "procs") }
}

// withClock and withKill exist for tests.
func withClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func withKill(kill func(pid int, sig syscall.Signal) error) Option {
	return func(r *Registry) { r.kill = kill }
}

// NewRegistry builds an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:    make(map[string]*entry),
		bufferCap:  DefaultBufferCap,
		ttl:        DefaultTTL,
		maxRecords: DefaultMaxRecords,
		logger:     slog.Default(),
		now:        time.Now,
		kill:       syscall.Kill,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a newly spawned process and returns its id.
func (r *Registry) Register(command, taskID string, pid int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	r.seq++
	id := fmt.Sprintf("proc-%d", r.seq)
	r.entries[id] = &entry{
		id:        id,
		command:   command,
		taskID:    taskID,
		pid:       pid,
		startedAt: r.now(),
	}
	r.enforceCapLocked()
	return id
}

// MarkExited records a process exit. Unknown and evicted ids are ignored.
func (r *Registry) MarkExited(id string, exitCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.exited {
		return
	}
	e.exited = true
	e.exitCode = exitCode
	e.exitedAt = r.now()
}

// AppendOutput adds bytes to a record's buffer, dropping the oldest bytes
// past the cap.
func (r *Registry) AppendOutput(id string, b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.evicted {
		return
	}
	e.buf = append(e.buf, b...)
	if len(e.buf) > r.bufferCap {
		tail := make([]byte, r.bufferCap)
		copy(tail, e.buf[len(e.buf)-r.bufferCap:])
		e.buf = tail
		e.truncated = true
	}
}

// Get returns a snapshot of one record.
func (r *Registry) Get(id string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	e, ok := r.entries[id]
	if !ok {
		return Record{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots for a task, newest first. An empty taskID lists
// everything.
func (r *Registry) List(taskID string) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	out := make([]Record, 0, len(r.entries))
	for _, e := range r.entries {
		if taskID != "" && e.taskID != taskID {
			continue
		}
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// KillAll terminates every live process for a task: SIGTERM now, SIGKILL
// after a grace period. The escalation runs on its own goroutine so agent
// execution never waits on it.
func (r *Registry) KillAll(taskID string) {
	r.mu.Lock()
	var pids []int
	var ids []string
	for _, e := range r.entries {
		if e.taskID == taskID && !e.exited && !e.evicted && e.pid > 0 {
			pids = append(pids, e.pid)
			ids = append(ids, e.id)
		}
	}
	r.mu.Unlock()

	if len(pids) == 0 {
		return
	}
	for _, pid := range pids {
		_ = r.kill(pid, syscall.SIGTERM)
	}

	go func() {
		time.Sleep(killGrace)
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, id := range ids {
			e, ok := r.entries[id]
			if !ok || e.exited {
				continue
			}
			_ = r.kill(pids[i], syscall.SIGKILL)
		}
	}()
}

// Prune removes exited records older than the TTL and enforces the
// global cap. It also runs implicitly on every registry touch.
func (r *Registry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
}

func (r *Registry) pruneLocked() {
	cutoff := r.now().Add(-r.ttl)
	for id, e := range r.entries {
		if e.exited && e.exitedAt.Before(cutoff) {
			delete(r.entries, id)
		}
	}
	r.enforceCapLocked()
}

// enforceCapLocked evicts down to the cap: oldest exited first, then
// oldest active. Evicted entries drop their buffers but keep exit
// metadata until the TTL claims them.
func (r *Registry) enforceCapLocked() {
	live := 0
	for _, e := range r.entries {
		if !e.evicted {
			live++
		}
	}
	if live <= r.maxRecords {
		return
	}

	var exited, active []*entry
	for _, e := range r.entries {
		if e.evicted {
			continue
		}
		if e.exited {
			exited = append(exited, e)
		} else {
			active = append(active, e)
		}
	}
	byStart := func(s []*entry) {
		sort.Slice(s, func(i, j int) bool { return s[i].startedAt.Before(s[j].startedAt) })
	}
	byStart(exited)
	byStart(active)

	evict := func(e *entry) {
		if !e.exited && e.pid > 0 {
			_ = r.kill(e.pid, syscall.SIGKILL)
			e.exited = true
			e.exitCode = -1
			e.exitedAt = r.now()
		}
		e.buf = nil
		e.truncated = true
		e.evicted = true
		r.logger.Debug("evicted process record", "id", e.id, "command", e.command)
	}

	for _, e := range exited {
		if live <= r.maxRecords {
			return
		}
		evict(e)
		live--
	}
	for _, e := range active {
		if live <= r.maxRecords {
			return
		}
		evict(e)
		live--
	}
}
