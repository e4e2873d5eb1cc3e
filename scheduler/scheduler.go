// Package scheduler runs schedule-triggered jobs on cron expressions or fixed
// intervals, with optional timezones and validity windows.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("scheduler: job not found")

// ExecutionStatus represents the result of a job execution.
type ExecutionStatus string

const (
	ExecStatusSuccess ExecutionStatus = "success"
	ExecStatusFailed  ExecutionStatus = "failed"
	ExecStatusSkipped ExecutionStatus = "skipped"
)

const defaultHistoryLimit = 100

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Spec describes when a job fires. Exactly one of Cron or Interval is used;
// Cron wins when both are set.
type Spec struct {
	Cron      string        `json:"cron,omitempty"`
	Interval  time.Duration `json:"interval,omitempty"`
	Timezone  string        `json:"timezone,omitempty"`
	StartDate *time.Time    `json:"startDate,omitempty"`
	EndDate   *time.Time    `json:"endDate,omitempty"`
}

// Expression returns the cron expression for s, with a CRON_TZ prefix when a
// timezone is set and intervals written as @every.
func (s Spec) Expression() (string, error) {
	var expr string
	switch {
	case s.Cron != "":
		expr = strings.TrimSpace(s.Cron)
	case s.Interval > 0:
		if s.Interval < time.Second {
			return "", fmt.Errorf("interval %s is below one second", s.Interval)
		}
		expr = "@every " + s.Interval.String()
	default:
		return "", errors.New("cron expression or interval is required")
	}
	if s.Timezone != "" && !strings.HasPrefix(expr, "TZ=") && !strings.HasPrefix(expr, "CRON_TZ=") {
		expr = "CRON_TZ=" + s.Timezone + " " + expr
	}
	return expr, nil
}

// InWindow reports whether t lies inside the optional validity window.
func (s Spec) InWindow(t time.Time) bool {
	if s.StartDate != nil && t.Before(*s.StartDate) {
		return false
	}
	if s.EndDate != nil && t.After(*s.EndDate) {
		return false
	}
	return true
}

// JobFunc is the work run on every tick.
type JobFunc func(ctx context.Context) error

// Job is a read-only view of a scheduled job.
type Job struct {
	ID         string     `json:"id"`
	Expression string     `json:"expression"`
	Spec       Spec       `json:"spec"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastRunAt  *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt  *time.Time `json:"nextRunAt,omitempty"`
}

// ExecutionRecord records the result of a single job execution.
type ExecutionRecord struct {
	ID        string          `json:"id"`
	JobID     string          `json:"jobId"`
	Status    ExecutionStatus `json:"status"`
	Manual    bool            `json:"manual,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	Duration  time.Duration   `json:"duration"`
	Error     string          `json:"error,omitempty"`
}

type job struct {
	id        string
	expr      string
	spec      Spec
	schedule  cron.Schedule
	fn        JobFunc
	entryID   cron.EntryID
	createdAt time.Time
	lastRunAt *time.Time
}

// CronScheduler manages scheduled jobs on top of a robfig/cron runner.
type CronScheduler struct {
	mu           sync.RWMutex
	cron         *cron.Cron
	jobs         map[string]*job
	history      map[string][]*ExecutionRecord
	historyLimit int
	logger       *slog.Logger
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a CronScheduler.
type Option func(*CronScheduler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *CronScheduler) { s.logger = l }
}

// WithClock overrides the time source used for windows and records.
func WithClock(now func() time.Time) Option {
	return func(s *CronScheduler) { s.now = now }
}

// WithHistoryLimit caps the records kept per job.
func WithHistoryLimit(n int) Option {
	return func(s *CronScheduler) { s.historyLimit = n }
}

// NewCronScheduler creates a stopped scheduler.
func NewCronScheduler(opts ...Option) *CronScheduler {
	s := &CronScheduler{
		jobs:         make(map[string]*job),
		history:      make(map[string][]*ExecutionRecord),
		historyLimit: defaultHistoryLimit,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	l := cronLogger{s.logger}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// ValidateCron checks a cron expression, including CRON_TZ prefixes and
// descriptors such as @hourly or @every 5m.
func ValidateCron(expr string) error {
	_, err := parser.Parse(expr)
	return err
}

// Schedule adds or replaces job id.
func (s *CronScheduler) Schedule(id string, spec Spec, fn JobFunc) error {
	if id == "" {
		return errors.New("scheduler: job id is required")
	}
	if fn == nil {
		return errors.New("scheduler: job func is required")
	}
	expr, err := spec.Expression()
	if err != nil {
		return fmt.Errorf("scheduler: job %s: %w", id, err)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return fmt.Errorf("scheduler: job %s: invalid cron expression: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.jobs[id]; ok {
		s.cron.Remove(prev.entryID)
	}
	j := &job{id: id, expr: expr, spec: spec, schedule: sched, fn: fn, createdAt: s.now()}
	j.entryID = s.cron.Schedule(sched, cron.FuncJob(func() { s.tick(id) }))
	s.jobs[id] = j
	s.logger.Info("Job scheduled", "job", id, "expression", expr)
	return nil
}

// Remove deletes job id and stops future ticks. History is kept.
func (s *CronScheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false
	}
	s.cron.Remove(j.entryID)
	delete(s.jobs, id)
	s.logger.Info("Job removed", "job", id)
	return true
}

// Start begins firing jobs.
func (s *CronScheduler) Start() {
	s.cron.Start()
	s.logger.Info("Scheduler started")
}

// Stop halts the runner and waits for running jobs until ctx is done.
func (s *CronScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Get returns job id.
func (s *CronScheduler) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return s.view(j), true
}

// List returns every job sorted by id.
func (s *CronScheduler) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, s.view(j))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *CronScheduler) view(j *job) Job {
	v := Job{ID: j.id, Expression: j.expr, Spec: j.spec, CreatedAt: j.createdAt}
	if j.lastRunAt != nil {
		t := *j.lastRunAt
		v.LastRunAt = &t
	}
	next := j.schedule.Next(s.now())
	if !next.IsZero() {
		v.NextRunAt = &next
	}
	return v
}

// History returns execution records for a job, newest first.
func (s *CronScheduler) History(id string) []*ExecutionRecord {
	s.mu.RLock()
	recs := slices.Clone(s.history[id])
	s.mu.RUnlock()
	slices.Reverse(recs)
	return recs
}

// NextRuns returns up to n upcoming fire times for spec.
func (s *CronScheduler) NextRuns(spec Spec, n int) ([]time.Time, error) {
	expr, err := spec.Expression()
	if err != nil {
		return nil, err
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, 0, n)
	from := s.now()
	if spec.StartDate != nil && from.Before(*spec.StartDate) {
		from = spec.StartDate.Add(-time.Nanosecond)
	}
	for len(times) < n {
		next := sched.Next(from)
		if next.IsZero() {
			break
		}
		if spec.EndDate != nil && next.After(*spec.EndDate) {
			break
		}
		if spec.InWindow(next) {
			times = append(times, next)
		}
		from = next
	}
	return times, nil
}

// ExecuteNow runs job id immediately, ignoring its schedule and window.
func (s *CronScheduler) ExecuteNow(ctx context.Context, id string) (*ExecutionRecord, error) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return s.execute(ctx, j, true), nil
}

// tick is the cron callback for job id.
func (s *CronScheduler) tick(id string) {
	s.mu.RLock()
	j, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if now := s.now(); !j.spec.InWindow(now) {
		s.record(j, &ExecutionRecord{
			ID:        uuid.NewString(),
			JobID:     id,
			Status:    ExecStatusSkipped,
			StartedAt: now,
			Error:     "outside validity window",
		})
		s.logger.Debug("Job tick outside validity window", "job", id)
		return
	}
	s.execute(s.ctx, j, false)
}

func (s *CronScheduler) execute(ctx context.Context, j *job, manual bool) *ExecutionRecord {
	start := s.now()
	err := j.fn(ctx)
	rec := &ExecutionRecord{
		ID:        uuid.NewString(),
		JobID:     j.id,
		Status:    ExecStatusSuccess,
		Manual:    manual,
		StartedAt: start,
		Duration:  s.now().Sub(start),
	}
	if err != nil {
		rec.Status = ExecStatusFailed
		rec.Error = err.Error()
		s.logger.Warn("Scheduled job failed", "job", j.id, "error", err)
	}

	s.mu.Lock()
	j.lastRunAt = &start
	s.mu.Unlock()
	s.record(j, rec)
	return rec
}

func (s *CronScheduler) record(j *job, rec *ExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := append(s.history[j.id], rec)
	if s.historyLimit > 0 && len(recs) > s.historyLimit {
		recs = slices.Clone(recs[len(recs)-s.historyLimit:])
	}
	s.history[j.id] = recs
}

// cronLogger routes robfig/cron logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
