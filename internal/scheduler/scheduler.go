package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lyallcooper/kuron-watch/internal/control"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Job actions understood by the scan server.
const (
	ActionScan         = "scan"
	ActionScanHardlink = "scan_hardlink"
	ActionScanReflink  = "scan_reflink"
)

// ErrInvalidSchedule is wrapped by every validation failure.
var ErrInvalidSchedule = errors.New("invalid schedule")

// JobCreator registers jobs on the scan server.
type JobCreator interface {
	CreateJob(ctx context.Context, req control.JobRequest) (*control.JobResponse, error)
}

// Notifier is told when a new job was scheduled.
type Notifier interface {
	NotifyScheduled()
}

// JobSpec describes a recurring scan job to create.
type JobSpec struct {
	Name           string   `json:"name"`
	Paths          []string `json:"paths"`
	CronExpression string   `json:"cron_expression"`
	Action         string   `json:"action"`
}

// Job is a job created through this scheduler.
type Job struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Paths          []string  `json:"paths"`
	CronExpression string    `json:"cron_expression"`
	Action         string    `json:"action"`
	NextRunAt      time.Time `json:"next_run_at"`
}

// Scheduler creates recurring jobs on the server and tracks when they are
// next due.
type Scheduler struct {
	creator  JobCreator
	notifier Notifier
	parser   cron.Parser
	logger   logrus.FieldLogger
	tracer   trace.Tracer
	now      func() time.Time
	tick     time.Duration
	allowed  func(path string) bool

	mu       sync.RWMutex
	jobs     map[int64]*Job
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTickInterval sets how often due jobs are checked.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithPathFilter rejects job paths for which allowed returns false.
func WithPathFilter(allowed func(path string) bool) Option {
	return func(s *Scheduler) { s.allowed = allowed }
}

// New creates a new scheduler
func New(creator JobCreator, notifier Notifier, opts ...Option) *Scheduler {
	discard := logrus.New()
	discard.SetOutput(io.Discard)

	s := &Scheduler{
		creator:  creator,
		notifier: notifier,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   discard,
		tracer:   noop.NewTracerProvider().Tracer(""),
		now:      time.Now,
		tick:     time.Minute,
		jobs:     make(map[int64]*Job),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithField("component", "scheduler")

	return s
}

// NextRun returns the first time after from that expr fires.
func (s *Scheduler) NextRun(expr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: cron expression %q: %v", ErrInvalidSchedule, expr, err)
	}
	return schedule.Next(from), nil
}

// Validate checks a job spec without creating anything.
func (s *Scheduler) Validate(spec JobSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if len(spec.Paths) == 0 {
		return fmt.Errorf("%w: at least one path is required", ErrInvalidSchedule)
	}
	for _, p := range spec.Paths {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidSchedule)
		}
		if s.allowed != nil && !s.allowed(p) {
			return fmt.Errorf("%w: path %q is not allowed", ErrInvalidSchedule, p)
		}
	}
	switch spec.Action {
	case ActionScan, ActionScanHardlink, ActionScanReflink:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidSchedule, spec.Action)
	}
	if _, err := s.parser.Parse(spec.CronExpression); err != nil {
		return fmt.Errorf("%w: cron expression %q: %v", ErrInvalidSchedule, spec.CronExpression, err)
	}
	return nil
}

// Schedule validates spec, creates the job on the server and notifies
// listeners. Remote failures are returned unchanged.
func (s *Scheduler) Schedule(ctx context.Context, spec JobSpec) (*Job, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.Scheduler.Schedule",
		trace.WithAttributes(
			attribute.String("job.name", spec.Name),
			attribute.String("job.cron", spec.CronExpression),
			attribute.String("job.action", spec.Action),
		),
	)
	defer span.End()

	if err := s.Validate(spec); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	resp, err := s.creator.CreateJob(ctx, control.JobRequest{
		Name:           spec.Name,
		Paths:          spec.Paths,
		CronExpression: spec.CronExpression,
		Action:         spec.Action,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.WithError(err).WithField("name", spec.Name).Warn("failed to create job")
		return nil, err
	}

	next, _ := s.NextRun(spec.CronExpression, s.now())
	job := &Job{
		ID:             resp.ID,
		Name:           spec.Name,
		Paths:          append([]string(nil), spec.Paths...),
		CronExpression: spec.CronExpression,
		Action:         spec.Action,
		NextRunAt:      next,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"name":     job.Name,
		"next_run": next,
	}).Info("scheduled job")

	if s.notifier != nil {
		s.notifier.NotifyScheduled()
	}

	out := *job
	return &out, nil
}

// Jobs returns the jobs created through this scheduler ordered by next run.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		c := *j
		c.Paths = append([]string(nil), j.Paths...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextRunAt.Equal(out[k].NextRunAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].NextRunAt.Before(out[k].NextRunAt)
	})
	return out
}

// Start starts the loop that keeps NextRunAt current for Jobs
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run()
}

// Stop stops the loop and waits for it to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.mu.RLock()
	stop := s.stopChan
	s.mu.RUnlock()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.checkJobs(s.now())
		}
	}
}

// checkJobs is bookkeeping only: it moves NextRunAt forward for every job
// whose run time has passed so Jobs reports the upcoming run, and returns
// how many were due. Nothing is started here. The server runs its own
// schedule and the scans arrive on the progress stream.
func (s *Scheduler) checkJobs(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := 0
	for _, job := range s.jobs {
		if now.Before(job.NextRunAt) {
			continue
		}
		due++

		next, err := s.NextRun(job.CronExpression, now)
		if err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Error("invalid cron expression")
			continue
		}
		job.NextRunAt = next

		s.logger.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"name":     job.Name,
			"next_run": next,
		}).Info("job due on server")
	}
	return due
}
