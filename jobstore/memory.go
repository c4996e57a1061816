package jobstore

import (
	"context"
	"sync"
	"time"

	trigger "github.com/goliatone/go-trigger"
)

// Memory is a thread-safe in-process job queue.
type Memory struct {
	mu   sync.RWMutex
	jobs map[string]*trigger.ScheduledJob
	now  func() time.Time
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithMemoryClock overrides time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{jobs: make(map[string]*trigger.ScheduledJob), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Memory) FindPending(_ context.Context, key trigger.ContentKey) ([]*trigger.ScheduledJob, error) {
	hash := key.Hash()
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*trigger.ScheduledJob
	for _, job := range m.jobs {
		if isPendingMatch(job, key, hash) {
			out = append(out, job.Clone())
		}
	}
	sortJobs(out)
	return out, nil
}

func (m *Memory) Create(_ context.Context, job *trigger.ScheduledJob) error {
	if err := validateNewJob(job); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return jobExists(job.ID)
	}
	m.jobs[job.ID] = prepareNewJob(job, m.now().UTC())
	return nil
}

// ReschedulePending moves the single pending job of key to executeAfter
// under the store lock. Several matches are returned untouched.
func (m *Memory) ReschedulePending(_ context.Context, key trigger.ContentKey, executeAfter time.Time) ([]*trigger.ScheduledJob, error) {
	hash := key.Hash()
	m.mu.Lock()
	defer m.mu.Unlock()
	var matches []*trigger.ScheduledJob
	for _, job := range m.jobs {
		if isPendingMatch(job, key, hash) {
			matches = append(matches, job)
		}
	}
	if len(matches) == 1 {
		matches[0].ExecuteAfter = executeAfter.UTC()
		matches[0].UpdatedAt = m.now().UTC()
	}
	out := make([]*trigger.ScheduledJob, 0, len(matches))
	for _, job := range matches {
		out = append(out, job.Clone())
	}
	sortJobs(out)
	return out, nil
}

func (m *Memory) Reschedule(_ context.Context, id string, executeAfter time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobNotFound(id)
	}
	if !job.State.NotStarted() {
		return jobStarted(job)
	}
	job.ExecuteAfter = executeAfter.UTC()
	job.UpdatedAt = m.now().UTC()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*trigger.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, jobNotFound(id)
	}
	return job.Clone(), nil
}

func (m *Memory) List(_ context.Context, filter trigger.JobFilter) ([]*trigger.ScheduledJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*trigger.ScheduledJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		if filter.Matches(job) {
			out = append(out, job.Clone())
		}
	}
	sortJobs(out)
	return applyLimit(out, filter.Limit), nil
}

func (m *Memory) ClaimDue(_ context.Context, now time.Time, limit int) ([]*trigger.ScheduledJob, error) {
	if limit <= 0 {
		limit = DefaultClaimLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	due := make([]*trigger.ScheduledJob, 0)
	for _, job := range m.jobs {
		if isDue(job, now) {
			due = append(due, job)
		}
	}
	sortJobs(due)
	due = applyLimit(due, limit)

	claimed := make([]*trigger.ScheduledJob, 0, len(due))
	for _, job := range due {
		markRunning(job, now.UTC())
		claimed = append(claimed, job.Clone())
	}
	return claimed, nil
}

func (m *Memory) Complete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobNotFound(id)
	}
	markCompleted(job, m.now().UTC())
	return nil
}

func (m *Memory) Fail(_ context.Context, id string, retryAt *time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return jobNotFound(id)
	}
	markFailed(job, retryAt, reason, m.now().UTC())
	return nil
}
