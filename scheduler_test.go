package trigger

import (
	"context"
	"strings"
	"testing"
	"time"
)

var schedulerNow = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

func newTestScheduler(store JobStore) *DeferredJobScheduler {
	return NewDeferredJobScheduler(store,
		WithSchedulerLogger(newRecordingLogger()),
		WithClock(func() time.Time { return schedulerNow }),
	)
}

func reminder(offset string, reschedulable bool) ScheduledAction {
	return ScheduledAction{
		Action:        Action{Name: "send_reminder", Arguments: []any{"ops@example.com", 3}},
		Offset:        MustParseOffset(offset),
		Reschedulable: reschedulable,
	}
}

func TestScheduleActionCreatesJob(t *testing.T) {
	store := newMemoryJobs()
	wc := mustContext(t, &fakeWorkflow{name: "orders"}, &order{ID: "o-1"})

	job, err := newTestScheduler(store).ScheduleAction(context.Background(), wc, reminder("PT1H", false))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if job.Command != CommandExecuteAction || job.State != JobStateNew {
		t.Fatalf("unexpected job %+v", job)
	}
	if !job.ExecuteAfter.Equal(schedulerNow.Add(time.Hour)) {
		t.Fatalf("expected execution in one hour, got %v", job.ExecuteAfter)
	}
	opts := JobOptions(job.Args)
	if opts["action"] != "send_reminder" || opts["arguments"] != `["ops@example.com",3]` {
		t.Fatalf("unexpected job options %v", opts)
	}
	if opts["workflow"] != "orders" || opts["subjectClass"] != "*trigger.order" || opts["subjectId"] != "o-1" {
		t.Fatalf("unexpected subject options %v", opts)
	}
	if job.ContentHash != job.Key().Hash() {
		t.Fatalf("expected content hash to match key")
	}
}

func TestScheduleNonReschedulableSkipsLookup(t *testing.T) {
	store := newMemoryJobs()
	scheduler := newTestScheduler(store)
	wc := mustContext(t, &fakeWorkflow{name: "orders"}, &order{ID: "o-1"})

	for i := 0; i < 2; i++ {
		if _, err := scheduler.ScheduleAction(context.Background(), wc, reminder("PT1H", false)); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	if store.findPending != 0 {
		t.Fatalf("expected no pending lookup, got %d", store.findPending)
	}
	if got := len(store.all()); got != 2 {
		t.Fatalf("expected two jobs, got %d", got)
	}
}

func TestScheduleReschedulableMovesExistingJob(t *testing.T) {
	store := newMemoryJobs()
	scheduler := newTestScheduler(store)
	wc := mustContext(t, &fakeWorkflow{name: "orders"}, &order{ID: "o-1"})

	first, err := scheduler.ScheduleAction(context.Background(), wc, reminder("PT1H", true))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	second, err := scheduler.ScheduleAction(context.Background(), wc, reminder("P1D", true))
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected the existing job to be reused")
	}
	jobs := store.all()
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	if want := schedulerNow.AddDate(0, 0, 1); !jobs[0].ExecuteAfter.Equal(want) {
		t.Fatalf("expected execution at %v, got %v", want, jobs[0].ExecuteAfter)
	}
}

func TestScheduleReadsClockOnce(t *testing.T) {
	tick := schedulerNow
	clock := func() time.Time {
		now := tick
		tick = tick.Add(time.Minute)
		return now
	}
	store := newMemoryJobs()
	scheduler := NewDeferredJobScheduler(store, WithSchedulerLogger(newRecordingLogger()), WithClock(clock))
	wc := mustContext(t, &fakeWorkflow{name: "orders"}, &order{ID: "o-1"})

	job, err := scheduler.ScheduleAction(context.Background(), wc, reminder("PT1H", false))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !job.CreatedAt.Equal(schedulerNow) || !job.UpdatedAt.Equal(schedulerNow) {
		t.Fatalf("expected timestamps at %v, got created %v updated %v", schedulerNow, job.CreatedAt, job.UpdatedAt)
	}
	if got := job.ExecuteAfter.Sub(job.CreatedAt); got != time.Hour {
		t.Fatalf("expected execution one hour after creation, got %v", got)
	}
}

// lockingJobs finds and reschedules under one lock.
type lockingJobs struct {
	*memoryJobs
	rescheduled int
}

func (l *lockingJobs) ReschedulePending(ctx context.Context, key ContentKey, at time.Time) ([]*ScheduledJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rescheduled++
	var found []*ScheduledJob
	for _, job := range l.jobs {
		if job.Reschedulable && job.State.NotStarted() && job.Key().Equal(key) {
			found = append(found, job)
		}
	}
	if len(found) == 1 {
		found[0].ExecuteAfter = at
		return []*ScheduledJob{found[0].Clone()}, nil
	}
	out := make([]*ScheduledJob, 0, len(found))
	for _, job := range found {
		out = append(out, job.Clone())
	}
	return out, nil
}

func TestScheduleUsesStoreRescheduling(t *testing.T) {
	store := &lockingJobs{memoryJobs: newMemoryJobs()}
	scheduler := newTestScheduler(store)
	wc := mustContext(t, &fakeWorkflow{name: "orders"}, &order{ID: "o-1"})

	first, err := scheduler.ScheduleAction(context.Background(), wc, reminder("PT1H", true))
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	second, err := scheduler.ScheduleAction(context.Background(), wc, reminder("P1D", true))
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if store.findPending != 0 || store.rescheduled != 2 {
		t.Fatalf("expected only combined lookups, got find=%d combined=%d", store.findPending, store.rescheduled)
	}
	if second.ID != first.ID || !second.ExecuteAfter.Equal(schedulerNow.Add(24*time.Hour)) {
		t.Fatalf("expected job %s moved by a day, got %+v", first.ID, second)
	}
	if got := len(store.all()); got != 1 {
		t.Fatalf("expected one job, got %d", got)
	}
}

func TestScheduleReschedulableIgnoresDifferentArguments(t *testing.T) {
	store := newMemoryJobs()
	scheduler := newTestScheduler(store)
	wc := mustContext(t, &fakeWorkflow{name: "orders"}, &order{ID: "o-1"})

	if _, err := scheduler.ScheduleAction(context.Background(), wc, reminder("PT1H", true)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	other := reminder("PT1H", true)
	other.Arguments = []any{"sales@example.com", 3}
	if _, err := scheduler.ScheduleAction(context.Background(), wc, other); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got := len(store.all()); got != 2 {
		t.Fatalf("expected two jobs, got %d", got)
	}
}

func TestScheduleRejectsSeveralReschedulableJobs(t *testing.T) {
	store := newMemoryJobs()
	wc := mustContext(t, &fakeWorkflow{name: "orders"}, &order{ID: "o-1"})
	key, err := ActionJobKey("send_reminder", []any{"ops@example.com", 3}, "orders", "*trigger.order", "o-1")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		_ = store.Create(context.Background(), &ScheduledJob{ID: id, Command: key.Command, Args: key.Args, State: JobStatePending, Reschedulable: true})
	}

	_, err = newTestScheduler(store).ScheduleAction(context.Background(), wc, reminder("PT1H", true))
	if ErrorCode(err) != ErrCodeNonUniqueReschedulableJob {
		t.Fatalf("expected %s, got %v", ErrCodeNonUniqueReschedulableJob, err)
	}
	if !strings.Contains(err.Error(), "'a, b'") {
		t.Fatalf("expected both job ids in message, got %v", err)
	}
	if got := len(store.all()); got != 2 {
		t.Fatalf("expected no new job, got %d", got)
	}
}

func TestScheduleTransitionJob(t *testing.T) {
	store := newMemoryJobs()
	wc := mustContext(t, &fakeWorkflow{name: "orders"}, &order{ID: "o-1"})

	job, err := newTestScheduler(store).ScheduleTransition(context.Background(), wc, "expire", MustParseOffset("PT30M"), false)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if job.Command != CommandTriggerTransition {
		t.Fatalf("expected transition command, got %s", job.Command)
	}
	if opts := JobOptions(job.Args); opts["transition"] != "expire" || opts["subjectId"] != "o-1" {
		t.Fatalf("unexpected options %v", opts)
	}
}

func TestContentKeyEquality(t *testing.T) {
	a := TransitionJobKey("expire", "orders", "Order", "1")
	b := TransitionJobKey("expire", "orders", "Order", "1")
	c := TransitionJobKey("expire", "orders", "Order", "2")
	if !a.Equal(b) || a.Hash() != b.Hash() {
		t.Fatalf("expected equal keys to share a hash")
	}
	if a.Equal(c) || a.Hash() == c.Hash() {
		t.Fatalf("expected different subjects to produce different keys")
	}
}
