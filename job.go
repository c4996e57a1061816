package trigger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/zeebo/xxh3"
)

// Commands carried by deferred jobs.
const (
	CommandExecuteAction     = "workflow:action:execute"
	CommandTriggerTransition = "workflow:transition:trigger"
)

// JobState is the lifecycle state of a deferred job.
type JobState string

const (
	JobStateNew      JobState = "new"
	JobStatePending  JobState = "pending"
	JobStateRunning  JobState = "running"
	JobStateFinished JobState = "finished"
	JobStateFailed   JobState = "failed"
	JobStateCanceled JobState = "canceled"
)

// NotStarted reports whether a job in this state may still be rescheduled.
func (s JobState) NotStarted() bool {
	return s == JobStateNew || s == JobStatePending
}

// ContentKey identifies the work a job performs regardless of its timing.
type ContentKey struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Equal compares command and arguments positionally.
func (k ContentKey) Equal(other ContentKey) bool {
	return k.Command == other.Command && slices.Equal(k.Args, other.Args)
}

// Hash is an index value for the key. Equal keys share a hash; equality must
// still be confirmed with Equal.
func (k ContentKey) Hash() string {
	raw, err := json.Marshal(k)
	if err != nil {
		raw = []byte(k.Command + "\x00" + strings.Join(k.Args, "\x00"))
	}
	return fmt.Sprintf("%016x", xxh3.Hash(raw))
}

func (k ContentKey) String() string {
	raw, _ := json.Marshal(k.Args)
	return fmt.Sprintf("%s %s", k.Command, raw)
}

// ScheduledJob is a persisted deferred unit of work.
type ScheduledJob struct {
	ID            string    `json:"id"`
	Command       string    `json:"command"`
	Args          []string  `json:"args"`
	State         JobState  `json:"state"`
	ExecuteAfter  time.Time `json:"execute_after"`
	Reschedulable bool      `json:"reschedulable"`
	Workflow      string    `json:"workflow,omitempty"`
	ContentHash   string    `json:"content_hash"`
	Attempts      int       `json:"attempts"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Key returns the job content key.
func (j *ScheduledJob) Key() ContentKey {
	return ContentKey{Command: j.Command, Args: slices.Clone(j.Args)}
}

// Clone returns a deep copy.
func (j *ScheduledJob) Clone() *ScheduledJob {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Args = slices.Clone(j.Args)
	return &cp
}

// JobFilter narrows List results. Zero values match everything.
type JobFilter struct {
	States  []JobState
	Command string
	Limit   int
}

// Matches applies the filter to one job.
func (f JobFilter) Matches(job *ScheduledJob) bool {
	if job == nil {
		return false
	}
	if f.Command != "" && job.Command != f.Command {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, job.State) {
		return false
	}
	return true
}

// JobQueue is the full store contract used by workers and tooling.
type JobQueue interface {
	JobStore
	Get(ctx context.Context, id string) (*ScheduledJob, error)
	List(ctx context.Context, filter JobFilter) ([]*ScheduledJob, error)
	// ClaimDue moves up to limit not-started jobs due at now into running.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*ScheduledJob, error)
	Complete(ctx context.Context, id string) error
	// Fail records reason. A non-nil retryAt puts the job back to pending.
	Fail(ctx context.Context, id string, retryAt *time.Time, reason string) error
}

// ActionJobKey builds the content key of an action execution job.
func ActionJobKey(action string, arguments []any, workflow, subjectClass, subjectID string) (ContentKey, error) {
	if arguments == nil {
		arguments = []any{}
	}
	encoded, err := json.Marshal(arguments)
	if err != nil {
		return ContentKey{}, NewError(ErrInvalidJob, fmt.Sprintf("cannot encode arguments of action %q", action), err, nil)
	}
	return ContentKey{
		Command: CommandExecuteAction,
		Args: []string{
			"--action=" + action,
			"--arguments=" + string(encoded),
			"--workflow=" + workflow,
			"--subjectClass=" + subjectClass,
			"--subjectId=" + subjectID,
		},
	}, nil
}

// TransitionJobKey builds the content key of a transition trigger job.
func TransitionJobKey(transition, workflow, subjectClass, subjectID string) ContentKey {
	return ContentKey{
		Command: CommandTriggerTransition,
		Args: []string{
			"--transition=" + transition,
			"--workflow=" + workflow,
			"--subjectClass=" + subjectClass,
			"--subjectId=" + subjectID,
		},
	}
}

// JobOptions returns the --name=value arguments of a job as a map.
func JobOptions(args []string) map[string]string {
	out := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !ok {
			continue
		}
		out[name] = value
	}
	return out
}
