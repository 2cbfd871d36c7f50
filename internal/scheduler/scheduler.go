// Package scheduler runs hook history retention on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/agentscript/internal/logging"
	"github.com/rendis/agentscript/internal/metrics"
)

// Archiver deletes history older than a cutoff. Satisfied by
// store.HookHistory.
type Archiver interface {
	ArchiveExecutions(ctx context.Context, before time.Time, maxRetentionPriority int32) (int64, error)
}

// Policy is one retention job: every time Schedule fires, records older
// than MaxAge with priority at most MaxPriority are archived.
type Policy struct {
	Name        string
	Schedule    string // five-field cron expression
	MaxAge      time.Duration
	MaxPriority int32
}

type job struct {
	policy   Policy
	target   Archiver
	schedule cron.Schedule
	nextRun  time.Time
	lastRun  time.Time
	lastErr  error
	archived int64
}

// JobStatus is a snapshot of one job.
type JobStatus struct {
	Name     string
	NextRun  time.Time
	LastRun  time.Time
	LastErr  error
	Archived int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets how often due jobs are checked.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMetrics counts archived records.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// Scheduler checks its retention jobs on a ticker and runs those that are due.
type Scheduler struct {
	parser   cron.Parser
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	jobs   []*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler with no jobs.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: 60 * time.Second,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add registers a retention job against target.
func (s *Scheduler) Add(p Policy, target Archiver) error {
	if p.Name == "" {
		return fmt.Errorf("retention policy needs a name")
	}
	if p.MaxAge <= 0 {
		return fmt.Errorf("retention policy %q: max age must be positive", p.Name)
	}
	sched, err := s.parser.Parse(p.Schedule)
	if err != nil {
		return fmt.Errorf("parse cron expression %q: %w", p.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.policy.Name == p.Name {
			return fmt.Errorf("retention policy %q already registered", p.Name)
		}
	}
	s.jobs = append(s.jobs, &job{
		policy:   p,
		target:   target,
		schedule: sched,
		nextRun:  sched.Next(s.now().UTC()),
	})
	return nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("retention scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue runs every job whose next run is not after now and returns how
// many ran.
func (s *Scheduler) RunDue(ctx context.Context) int {
	now := s.now().UTC()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	ran := 0
	for _, j := range due {
		if !s.tryAcquire(j.policy.Name) {
			continue
		}
		s.runJob(ctx, j, now)
		s.releaseJob(j.policy.Name)
		ran++
	}
	return ran
}

// RunNow runs the named job immediately, regardless of its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) (int64, error) {
	s.mu.Lock()
	var target *job
	for _, j := range s.jobs {
		if j.policy.Name == name {
			target = j
		}
	}
	s.mu.Unlock()
	if target == nil {
		return 0, fmt.Errorf("retention policy %q not found", name)
	}
	if !s.tryAcquire(name) {
		return 0, fmt.Errorf("retention policy %q is already running", name)
	}
	defer s.releaseJob(name)
	return s.runJob(ctx, target, s.now().UTC())
}

func (s *Scheduler) runJob(ctx context.Context, j *job, now time.Time) (int64, error) {
	cutoff := now.Add(-j.policy.MaxAge)
	n, err := j.target.ArchiveExecutions(ctx, cutoff, j.policy.MaxPriority)
	if err != nil {
		s.logger.Error("retention job failed",
			slog.String("policy", j.policy.Name),
			slog.String(logging.ErrorKey, err.Error()))
	} else {
		s.metrics.HistoryArchived(n)
		s.logger.Info("retention job finished",
			slog.String("policy", j.policy.Name),
			slog.Int64("archived", n),
			slog.Time("cutoff", cutoff))
	}

	s.mu.Lock()
	j.lastRun = now
	j.lastErr = err
	if err == nil {
		j.archived += n
	}
	j.nextRun = j.schedule.Next(now)
	s.mu.Unlock()
	return n, err
}

// Jobs returns a snapshot of every job.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobStatus{
			Name:     j.policy.Name,
			NextRun:  j.nextRun,
			LastRun:  j.lastRun,
			LastErr:  j.lastErr,
			Archived: j.archived,
		})
	}
	return out
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// NextRun computes the next fire time of a cron expression after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop shuts the loop down and waits for it.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("retention scheduler stopped")
	return nil
}
