package trigger

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ExecuteActionRequest re-enters an action that was scheduled earlier.
type ExecuteActionRequest struct {
	Action       string
	Arguments    string
	Workflow     string
	SubjectClass string
	SubjectID    string
}

// TriggerTransitionRequest re-enters a transition that was scheduled earlier.
type TriggerTransitionRequest struct {
	Transition   string
	Workflow     string
	SubjectClass string
	SubjectID    string
}

// JobRunner executes deferred jobs by loading the subject from the domain
// and running the encoded action or transition.
type JobRunner struct {
	engine   WorkflowEngine
	subjects SubjectIdentity
	invoker  *ActionInvoker
	applier  *TransitionApplier
	logger   Logger
}

// JobRunnerOption configures a JobRunner.
type JobRunnerOption func(*JobRunner)

// WithJobRunnerLogger sets the runner logger.
func WithJobRunnerLogger(logger Logger) JobRunnerOption {
	return func(r *JobRunner) {
		r.logger = logger
	}
}

func NewJobRunner(engine WorkflowEngine, subjects SubjectIdentity, invoker *ActionInvoker, applier *TransitionApplier, opts ...JobRunnerOption) *JobRunner {
	r := &JobRunner{engine: engine, subjects: subjects, invoker: invoker, applier: applier}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = normalizeLogger(r.logger)
	return r
}

// Run dispatches job to the handler of its command.
func (r *JobRunner) Run(ctx context.Context, job *ScheduledJob) error {
	if job == nil {
		return NewError(ErrInvalidJob, "job is nil", nil, nil)
	}
	opts := JobOptions(job.Args)
	switch job.Command {
	case CommandExecuteAction:
		return r.ExecuteAction(ctx, ExecuteActionRequest{
			Action:       opts["action"],
			Arguments:    opts["arguments"],
			Workflow:     opts["workflow"],
			SubjectClass: opts["subjectClass"],
			SubjectID:    opts["subjectId"],
		})
	case CommandTriggerTransition:
		return r.TriggerTransition(ctx, TriggerTransitionRequest{
			Transition:   opts["transition"],
			Workflow:     opts["workflow"],
			SubjectClass: opts["subjectClass"],
			SubjectID:    opts["subjectId"],
		})
	default:
		return NewError(ErrInvalidJob, fmt.Sprintf("unknown job command %q", job.Command), nil,
			map[string]any{"job_id": job.ID, "command": job.Command})
	}
}

// ExecuteAction runs a named action against a subject loaded by id.
func (r *JobRunner) ExecuteAction(ctx context.Context, req ExecuteActionRequest) error {
	if strings.TrimSpace(req.Action) == "" {
		return NewError(ErrInvalidJob, "action name is required", nil, nil)
	}
	var args []any
	if raw := strings.TrimSpace(req.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return NewError(ErrInvalidJob, fmt.Sprintf("arguments of action %q must be a JSON list", req.Action), err,
				map[string]any{"arguments": raw})
		}
	}
	wc, err := r.workflowContext(ctx, req.Workflow, req.SubjectClass, req.SubjectID)
	if err != nil {
		return err
	}
	withLoggerFields(r.logger, wc.LoggerContext()).Debug("Executing scheduled action %q", req.Action)
	_, err = r.invoker.Execute(ctx, wc, req.Action, args)
	return err
}

// TriggerTransition applies a transition to a subject loaded by id.
func (r *JobRunner) TriggerTransition(ctx context.Context, req TriggerTransitionRequest) error {
	if strings.TrimSpace(req.Transition) == "" {
		return NewError(ErrInvalidJob, "transition name is required", nil, nil)
	}
	wc, err := r.workflowContext(ctx, req.Workflow, req.SubjectClass, req.SubjectID)
	if err != nil {
		return err
	}
	return r.applier.Apply(ctx, wc, req.Transition)
}

func (r *JobRunner) workflowContext(ctx context.Context, workflow, subjectClass, subjectID string) (*WorkflowContext, error) {
	if workflow == "" || subjectClass == "" || subjectID == "" {
		return nil, NewError(ErrInvalidJob, "workflow, subject class and subject id are required", nil,
			map[string]any{"workflow": workflow, "class": subjectClass, "id": subjectID})
	}
	subject, err := r.subjects.FromDomain(ctx, subjectClass, subjectID)
	if err != nil {
		return nil, err
	}
	if !IsObject(subject) {
		return nil, NewError(ErrSubjectNotObject, fmt.Sprintf("subject %s#%s was not found", subjectClass, subjectID), nil,
			map[string]any{"class": subjectClass, "id": subjectID})
	}
	wf, err := r.engine.Workflow(ctx, subject, workflow)
	if err != nil {
		return nil, err
	}
	return NewWorkflowContext(wf, subject, subjectID), nil
}
