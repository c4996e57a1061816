// Package worker runs deferred workflow jobs when they become due.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	trigger "github.com/goliatone/go-trigger"
	rcron "github.com/robfig/cron/v3"
)

// Defaults applied by New.
const (
	DefaultSchedule    = "@every 5s"
	DefaultBatchSize   = 20
	DefaultMaxAttempts = 3
)

// Runner executes one claimed job. *trigger.JobRunner satisfies it.
type Runner interface {
	Run(ctx context.Context, job *trigger.ScheduledJob) error
}

// Report summarizes one polling pass.
type Report struct {
	Claimed   int
	Succeeded int
	Retried   int
	Failed    int
}

// Worker claims due jobs from a queue and runs them.
type Worker struct {
	queue  trigger.JobQueue
	runner Runner

	schedule    string
	location    *time.Location
	batchSize   int
	maxAttempts int
	jobTimeout  time.Duration
	retry       RetryStrategy
	clock       func() time.Time

	logger  trigger.Logger
	metrics trigger.MetricsRecorder

	mu     sync.Mutex
	cron   *rcron.Cron
	cancel context.CancelFunc
}

// Option configures a Worker.
type Option func(*Worker)

// WithSchedule sets the polling expression, e.g. "@every 10s" or "*/1 * * * *".
func WithSchedule(expr string) Option {
	return func(w *Worker) {
		if expr != "" {
			w.schedule = expr
		}
	}
}

func WithLocation(loc *time.Location) Option {
	return func(w *Worker) {
		w.location = loc
	}
}

// WithBatchSize caps the jobs claimed per pass.
func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithMaxAttempts marks a job failed once it has run n times.
func WithMaxAttempts(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithJobTimeout bounds a single job run.
func WithJobTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.jobTimeout = d
	}
}

func WithRetryStrategy(strategy RetryStrategy) Option {
	return func(w *Worker) {
		if strategy != nil {
			w.retry = strategy
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(w *Worker) {
		if clock != nil {
			w.clock = clock
		}
	}
}

func WithLogger(logger trigger.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithMetrics(m trigger.MetricsRecorder) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func New(queue trigger.JobQueue, runner Runner, opts ...Option) *Worker {
	w := &Worker{
		queue:       queue,
		runner:      runner,
		schedule:    DefaultSchedule,
		location:    time.Local,
		batchSize:   DefaultBatchSize,
		maxAttempts: DefaultMaxAttempts,
		retry:       NoDelayStrategy{},
		clock:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.logger == nil {
		w.logger = trigger.NewFmtLogger(nil)
	}
	if w.metrics == nil {
		w.metrics = nopMetrics{}
	}
	return w
}

// RunOnce claims the jobs due now and runs them sequentially.
func (w *Worker) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	if w.queue == nil || w.runner == nil {
		return report, errors.New("worker needs a job queue and a runner", errors.CategoryValidation).
			WithTextCode("WORKER_NOT_CONFIGURED")
	}
	jobs, err := w.queue.ClaimDue(ctx, w.clock().UTC(), w.batchSize)
	if err != nil {
		return report, errors.Wrap(err, errors.CategoryExternal, "cannot claim due jobs")
	}
	report.Claimed = len(jobs)
	for _, job := range jobs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		w.process(ctx, job, &report)
	}
	if report.Claimed > 0 {
		w.logger.Debug("worker pass claimed=%d succeeded=%d retried=%d failed=%d",
			report.Claimed, report.Succeeded, report.Retried, report.Failed)
	}
	return report, nil
}

func (w *Worker) process(ctx context.Context, job *trigger.ScheduledJob, report *Report) {
	logger := w.jobLogger(job)
	start := time.Now()
	err := w.runJob(ctx, job)
	w.metrics.RecordDuration(trigger.MetricJob, time.Since(start))

	if err == nil {
		w.metrics.RecordSuccess(trigger.MetricJob)
		if cerr := w.queue.Complete(ctx, job.ID); cerr != nil {
			logger.Error("cannot mark job %s finished: %v", job.ID, cerr)
		}
		logger.Info("job %s finished", job.ID)
		report.Succeeded++
		return
	}

	w.metrics.RecordError(trigger.MetricJob)
	decision := DecideRetry(w.retry, job.Attempts-1, err)
	if decision.ShouldRetry && job.Attempts < w.maxAttempts {
		retryAt := w.clock().UTC().Add(decision.Delay)
		if ferr := w.queue.Fail(ctx, job.ID, &retryAt, err.Error()); ferr != nil {
			logger.Error("cannot reschedule job %s: %v", job.ID, ferr)
		}
		logger.Warn("job %s failed on attempt %d, retrying at %s: %v",
			job.ID, job.Attempts, retryAt.Format(time.RFC3339), err)
		report.Retried++
		return
	}
	if ferr := w.queue.Fail(ctx, job.ID, nil, err.Error()); ferr != nil {
		logger.Error("cannot mark job %s failed: %v", job.ID, ferr)
	}
	logger.Error("job %s failed after %d attempt(s): %v", job.ID, job.Attempts, err)
	report.Failed++
}

func (w *Worker) runJob(ctx context.Context, job *trigger.ScheduledJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
			w.jobLogger(job).Debug("job %s panic stack:\n%s", job.ID, trigger.PanicStack())
		}
	}()
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}
	return w.runner.Run(ctx, job)
}

func (w *Worker) jobLogger(job *trigger.ScheduledJob) trigger.Logger {
	fields := map[string]any{"job_id": job.ID, "command": job.Command, "attempt": job.Attempts}
	if job.Workflow != "" {
		fields["workflow"] = job.Workflow
	}
	if fl, ok := w.logger.(trigger.FieldsLogger); ok {
		return fl.WithFields(fields)
	}
	return w.logger
}

// Start polls on the configured schedule until Stop is called or ctx ends.
// Passes never overlap.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cron != nil {
		return errors.New("worker already started", errors.CategoryConflict).WithTextCode("WORKER_RUNNING")
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := &cronLogger{logger: w.logger}
	c := rcron.New(
		rcron.WithLocation(w.location),
		rcron.WithLogger(logger),
		rcron.WithChain(rcron.Recover(logger), rcron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(w.schedule, func() {
		if _, err := w.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
			w.logger.Error("worker pass failed: %v", err)
		}
	}); err != nil {
		cancel()
		return errors.Wrap(err, errors.CategoryValidation, fmt.Sprintf("invalid worker schedule %q", w.schedule))
	}
	c.Start()
	w.cron = c
	w.cancel = cancel
	w.logger.Info("worker started with schedule %q", w.schedule)
	return nil
}

// Stop halts polling and waits for a running pass, or for ctx to end.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	c, cancel := w.cron, w.cancel
	w.cron, w.cancel = nil, nil
	w.mu.Unlock()
	if c == nil {
		return nil
	}
	done := c.Stop()
	defer cancel()
	select {
	case <-done.Done():
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts trigger.Logger to the robfig/cron logger.
type cronLogger struct {
	logger trigger.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: %s %v: %v", msg, keysAndValues, err)
}

type nopMetrics struct{}

func (nopMetrics) RecordDuration(string, time.Duration) {}
func (nopMetrics) RecordError(string)                   {}
func (nopMetrics) RecordSuccess(string)                 {}
