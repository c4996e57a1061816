// Package jobstore provides trigger.JobQueue implementations backed by
// memory, SQL databases (SQLite, PostgreSQL) and Redis.
package jobstore

import (
	"fmt"
	"sort"
	"strings"
	"time"

	trigger "github.com/goliatone/go-trigger"
)

// DefaultClaimLimit is used when ClaimDue is called with a non-positive limit.
const DefaultClaimLimit = 100

var (
	_ trigger.JobQueue = (*Memory)(nil)
	_ trigger.JobQueue = (*SQL)(nil)
	_ trigger.JobQueue = (*Redis)(nil)

	_ trigger.PendingRescheduler = (*Memory)(nil)
	_ trigger.PendingRescheduler = (*SQL)(nil)
	_ trigger.PendingRescheduler = (*Redis)(nil)
)

func validateNewJob(job *trigger.ScheduledJob) error {
	if job == nil {
		return trigger.NewError(trigger.ErrInvalidJob, "job is nil", nil, nil)
	}
	if strings.TrimSpace(job.ID) == "" {
		return trigger.NewError(trigger.ErrInvalidJob, "job id required", nil, nil)
	}
	if strings.TrimSpace(job.Command) == "" {
		return trigger.NewError(trigger.ErrInvalidJob, fmt.Sprintf("job %s has no command", job.ID), nil, nil)
	}
	return nil
}

// prepareNewJob fills defaults on a copy of job.
func prepareNewJob(job *trigger.ScheduledJob, now time.Time) *trigger.ScheduledJob {
	cp := job.Clone()
	if cp.State == "" {
		cp.State = trigger.JobStateNew
	}
	if cp.ContentHash == "" {
		cp.ContentHash = cp.Key().Hash()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = now
	}
	cp.ExecuteAfter = cp.ExecuteAfter.UTC()
	return cp
}

func jobNotFound(id string) error {
	return trigger.NewError(trigger.ErrJobNotFound, fmt.Sprintf("scheduled job %s not found", id), nil,
		map[string]any{"job_id": id})
}

func jobExists(id string) error {
	return trigger.NewError(trigger.ErrInvalidJob, fmt.Sprintf("scheduled job %s already exists", id), nil,
		map[string]any{"job_id": id})
}

func jobStarted(job *trigger.ScheduledJob) error {
	return trigger.NewError(trigger.ErrInvalidJob, fmt.Sprintf("scheduled job %s is %s and cannot be rescheduled", job.ID, job.State), nil,
		map[string]any{"job_id": job.ID, "state": string(job.State)})
}

func isPendingMatch(job *trigger.ScheduledJob, key trigger.ContentKey, hash string) bool {
	return job.Reschedulable && job.State.NotStarted() && job.ContentHash == hash && job.Key().Equal(key)
}

func isDue(job *trigger.ScheduledJob, now time.Time) bool {
	return job.State.NotStarted() && !job.ExecuteAfter.After(now)
}

// sortJobs orders by execution time, then creation time, then id.
func sortJobs(jobs []*trigger.ScheduledJob) {
	sort.SliceStable(jobs, func(i, j int) bool {
		a, b := jobs[i], jobs[j]
		if !a.ExecuteAfter.Equal(b.ExecuteAfter) {
			return a.ExecuteAfter.Before(b.ExecuteAfter)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func applyLimit(jobs []*trigger.ScheduledJob, limit int) []*trigger.ScheduledJob {
	if limit > 0 && len(jobs) > limit {
		return jobs[:limit]
	}
	return jobs
}

func markRunning(job *trigger.ScheduledJob, now time.Time) {
	job.State = trigger.JobStateRunning
	job.Attempts++
	job.UpdatedAt = now
}

func markCompleted(job *trigger.ScheduledJob, now time.Time) {
	job.State = trigger.JobStateFinished
	job.LastError = ""
	job.UpdatedAt = now
}

func markFailed(job *trigger.ScheduledJob, retryAt *time.Time, reason string, now time.Time) {
	job.LastError = strings.TrimSpace(reason)
	job.UpdatedAt = now
	if retryAt != nil {
		job.State = trigger.JobStatePending
		job.ExecuteAfter = retryAt.UTC()
		return
	}
	job.State = trigger.JobStateFailed
}
