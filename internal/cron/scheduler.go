package cron

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/hermes/internal/injection"
	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/internal/observability"
	"github.com/haasonsaas/hermes/pkg/models"
)

// Runner spawns one fresh isolated agent run for a due job and returns
// the agent's final text. The run starts with the job's prompt as the
// only user message and the operator's full tool permissions.
type Runner interface {
	RunJob(ctx context.Context, job *Job) (string, error)
}

// RunnerFunc adapts a function to a Runner.
type RunnerFunc func(ctx context.Context, job *Job) (string, error)

// RunJob executes the runner function.
func (f RunnerFunc) RunJob(ctx context.Context, job *Job) (string, error) {
	return f(ctx, job)
}

// Deliverer routes a job's output back to a channel. origin may be nil;
// the gateway then falls back to the platform home channel.
type Deliverer interface {
	DeliverJobOutput(ctx context.Context, origin *models.Origin, text string) error
}

// Scheduler evaluates due jobs on a wall-clock timer.
type Scheduler struct {
	store     *Store
	runner    Runner
	deliverer Deliverer
	interval  time.Duration
	outputLog string
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	tickMu sync.Mutex
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithInterval overrides the tick cadence.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithOutputLog sets the file that receives job output when no channel
// delivery succeeds.
func WithOutputLog(path string) Option {
	return func(s *Scheduler) { s.outputLog = path }
}

// withClock overrides the clock for tests.
func withClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler over the given store.
func New(store *Store, runner Runner, deliverer Deliverer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		runner:    runner,
		deliverer: deliverer,
		interval:  time.Minute,
		logger:    logging.Discard(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the tick loop. It returns immediately; Stop waits for the
// in-flight tick.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.store.Jobs()))
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Tick runs every enabled job whose next run time has arrived. Ticks
// never overlap: a tick that fires while the previous one is still
// running is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		s.logger.Warn("cron tick skipped, previous tick still running")
		return
	}
	defer s.tickMu.Unlock()

	now := s.now()
	for _, job := range s.store.Jobs() {
		if !job.Enabled || job.NextRunAt.IsZero() || job.NextRunAt.After(now) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.runDue(ctx, job, now)
	}
}

// RunNow executes one job immediately, outside its schedule. Used by the
// CLI `cron run` command; counters and next_run_at update as in a tick.
func (s *Scheduler) RunNow(ctx context.Context, id string) error {
	job, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("cron job %s not found", id)
	}
	s.runDue(ctx, job, s.now())
	return nil
}

func (s *Scheduler) runDue(ctx context.Context, job *Job, now time.Time) {
	log := s.logger.With("job", job.ID, "name", job.Name)

	if blocked, reason := injection.Blocked(job.Prompt); blocked {
		log.Warn("cron job blocked by injection scan", "reason", reason)
		s.countRun("blocked")
		s.update(job.ID, func(j *Job) {
			j.Enabled = false
			j.record(OutputRecord{Time: now, Status: "blocked", Blocked: reason})
		})
		return
	}

	output, err := s.runner.RunJob(ctx, job)
	status := "ok"
	if err != nil {
		status = "error"
		output = fmt.Sprintf("job failed: %v", err)
		log.Error("cron job run failed", "error", err)
	}
	s.countRun(status)

	if derr := s.deliver(ctx, job, output); derr != nil {
		log.Warn("cron output not delivered to any channel", "error", derr)
	}

	s.update(job.ID, func(j *Job) {
		j.Repeat.Completed++
		j.LastRunAt = now
		j.record(OutputRecord{Time: now, Status: status, Output: clipOutput(output)})
		if j.Repeat.Exhausted() {
			j.Enabled = false
			j.NextRunAt = time.Time{}
			return
		}
		next, ok := j.Schedule.Next(now)
		if !ok {
			// One-shot spent.
			j.Enabled = false
			j.NextRunAt = time.Time{}
			return
		}
		j.NextRunAt = next
	})
}

// deliver tries the job origin, then lets the deliverer fall back to the
// platform home channel; when both fail the output lands in the local
// output log.
func (s *Scheduler) deliver(ctx context.Context, job *Job, text string) error {
	if s.deliverer != nil {
		if err := s.deliverer.DeliverJobOutput(ctx, job.Origin, text); err == nil {
			return nil
		} else if werr := s.writeOutputLog(job, text); werr != nil {
			return fmt.Errorf("%w (output log: %v)", err, werr)
		} else {
			return err
		}
	}
	return s.writeOutputLog(job, text)
}

func (s *Scheduler) writeOutputLog(job *Job, text string) error {
	if s.outputLog == "" {
		return fmt.Errorf("no output log configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.outputLog), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(s.outputLog, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s [%s] %s\n%s\n\n", s.now().Format(time.RFC3339), job.ID, job.Name, text)
	return err
}

func (s *Scheduler) update(id string, fn func(*Job)) {
	if err := s.store.Update(id, fn); err != nil {
		s.logger.Error("cron job state not persisted", "job", id, "error", err)
	}
}

func (s *Scheduler) countRun(status string) {
	if s.metrics != nil {
		s.metrics.CronRunCounter.WithLabelValues(status).Inc()
	}
}

func clipOutput(s string) string {
	const max = 2000
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
