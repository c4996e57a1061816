package trigger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// DeferredJobScheduler turns scheduled actions into persisted jobs.
type DeferredJobScheduler struct {
	store  JobStore
	clock  func() time.Time
	logger Logger
}

// SchedulerOption configures a DeferredJobScheduler.
type SchedulerOption func(*DeferredJobScheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger Logger) SchedulerOption {
	return func(s *DeferredJobScheduler) {
		s.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) SchedulerOption {
	return func(s *DeferredJobScheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func NewDeferredJobScheduler(store JobStore, opts ...SchedulerOption) *DeferredJobScheduler {
	s := &DeferredJobScheduler{store: store, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = normalizeLogger(s.logger)
	return s
}

// ScheduleAction schedules an action execution job for the subject of wc.
func (s *DeferredJobScheduler) ScheduleAction(ctx context.Context, wc *WorkflowContext, sa ScheduledAction) (*ScheduledJob, error) {
	key, err := ActionJobKey(sa.Name, sa.Arguments, wc.WorkflowName(), wc.SubjectClass(), wc.SubjectID())
	if err != nil {
		return nil, err
	}
	params, _ := json.Marshal(sa.Arguments)
	return s.schedule(ctx, wc, key, sa.Offset, sa.Reschedulable, fmt.Sprintf("action '%s' with parameters '%s'", sa.Name, params))
}

// ScheduleTransition schedules a transition trigger job for the subject of wc.
func (s *DeferredJobScheduler) ScheduleTransition(ctx context.Context, wc *WorkflowContext, transition string, offset Offset, reschedulable bool) (*ScheduledJob, error) {
	key := TransitionJobKey(transition, wc.WorkflowName(), wc.SubjectClass(), wc.SubjectID())
	return s.schedule(ctx, wc, key, offset, reschedulable, fmt.Sprintf("transition '%s'", transition))
}

func (s *DeferredJobScheduler) schedule(
	ctx context.Context,
	wc *WorkflowContext,
	key ContentKey,
	offset Offset,
	reschedulable bool,
	what string,
) (*ScheduledJob, error) {
	if s.store == nil {
		return nil, fmt.Errorf("job store not configured")
	}
	now := s.clock()
	executeAfter := offset.From(now)
	logger := withLoggerFields(s.logger, wc.LoggerContext())

	if reschedulable {
		found, err := s.reschedulePending(ctx, key, executeAfter)
		if err != nil {
			return nil, err
		}
		switch {
		case len(found) > 1:
			ids := make([]string, 0, len(found))
			for _, job := range found {
				ids = append(ids, job.ID)
			}
			args, _ := json.Marshal(key.Args)
			return nil, NewError(ErrNonUniqueReschedulableJob, fmt.Sprintf(
				"There are several scheduled jobs (id's: '%s') available for rescheduling found for command '%s' with args '%s'",
				strings.Join(ids, ", "), key.Command, args,
			), nil, map[string]any{"job_ids": ids, "command": key.Command})
		case len(found) == 1:
			logger.Info("Workflow successfully rescheduled %s", what)
			return found[0], nil
		}
	}

	job := &ScheduledJob{
		ID:            uuid.NewString(),
		Command:       key.Command,
		Args:          key.Args,
		State:         JobStateNew,
		ExecuteAfter:  executeAfter,
		Reschedulable: reschedulable,
		Workflow:      wc.WorkflowName(),
		ContentHash:   key.Hash(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}
	logger.Info("Workflow successfully scheduled %s", what)
	return job, nil
}

// reschedulePending returns the pending jobs of key, with the only match
// already moved to executeAfter. Stores implementing PendingRescheduler do
// both in one step.
func (s *DeferredJobScheduler) reschedulePending(ctx context.Context, key ContentKey, executeAfter time.Time) ([]*ScheduledJob, error) {
	if rs, ok := s.store.(PendingRescheduler); ok {
		return rs.ReschedulePending(ctx, key, executeAfter)
	}
	found, err := s.store.FindPending(ctx, key)
	if err != nil || len(found) != 1 {
		return found, err
	}
	job := found[0].Clone()
	if err := s.store.Reschedule(ctx, job.ID, executeAfter); err != nil {
		return nil, err
	}
	job.ExecuteAfter = executeAfter
	return []*ScheduledJob{job}, nil
}
