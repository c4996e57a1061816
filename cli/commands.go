package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	trigger "github.com/goliatone/go-trigger"
)

// ExecuteActionCmd re-enters a scheduled action. Its flags match the
// arguments stored on action jobs.
type ExecuteActionCmd struct {
	Action       string `required:"" help:"Action name."`
	Arguments    string `default:"[]" help:"JSON encoded positional arguments."`
	Workflow     string `required:"" help:"Workflow name."`
	SubjectClass string `name:"subjectClass" required:"" help:"Subject class."`
	SubjectID    string `name:"subjectId" required:"" help:"Subject identifier."`
}

func (c *ExecuteActionCmd) Run(ctx context.Context, app *App) error {
	if app.Runner == nil {
		return notConfigured("job runner")
	}
	if err := app.Runner.ExecuteAction(ctx, trigger.ExecuteActionRequest{
		Action:       c.Action,
		Arguments:    c.Arguments,
		Workflow:     c.Workflow,
		SubjectClass: c.SubjectClass,
		SubjectID:    c.SubjectID,
	}); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "action %s executed for %s %s\n", c.Action, c.SubjectClass, c.SubjectID)
	return nil
}

// TriggerTransitionCmd re-enters a scheduled transition.
type TriggerTransitionCmd struct {
	Transition   string `required:"" help:"Transition name."`
	Workflow     string `required:"" help:"Workflow name."`
	SubjectClass string `name:"subjectClass" required:"" help:"Subject class."`
	SubjectID    string `name:"subjectId" required:"" help:"Subject identifier."`
}

func (c *TriggerTransitionCmd) Run(ctx context.Context, app *App) error {
	if app.Runner == nil {
		return notConfigured("job runner")
	}
	if err := app.Runner.TriggerTransition(ctx, trigger.TriggerTransitionRequest{
		Transition:   c.Transition,
		Workflow:     c.Workflow,
		SubjectClass: c.SubjectClass,
		SubjectID:    c.SubjectID,
	}); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "transition %s applied to %s %s\n", c.Transition, c.SubjectClass, c.SubjectID)
	return nil
}

// WorkerCmd runs the job worker until interrupted.
type WorkerCmd struct {
	Once        bool          `help:"Run a single pass and exit."`
	StopTimeout time.Duration `name:"stop-timeout" default:"30s" help:"Time to wait for a running pass on shutdown."`
}

func (c *WorkerCmd) Run(ctx context.Context, app *App) error {
	if app.Worker == nil {
		return notConfigured("worker")
	}
	if c.Once {
		report, err := app.Worker.RunOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(app.Out, "claimed=%d succeeded=%d retried=%d failed=%d\n",
			report.Claimed, report.Succeeded, report.Retried, report.Failed)
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := app.Worker.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), c.StopTimeout)
	defer cancel()
	return app.Worker.Stop(stopCtx)
}

// JobsCmd groups job inspection commands.
type JobsCmd struct {
	List JobsListCmd `cmd:"" default:"withargs" help:"List scheduled jobs."`
	Show JobsShowCmd `cmd:"" help:"Show one job and the command line that re-runs it."`
}

type JobsListCmd struct {
	State   []string `help:"Filter by state (new, pending, running, finished, failed, canceled)."`
	Command string   `help:"Filter by command."`
	Limit   int      `default:"50" help:"Maximum number of jobs."`
}

func (c *JobsListCmd) Run(ctx context.Context, app *App) error {
	if app.Queue == nil {
		return notConfigured("job queue")
	}
	filter := trigger.JobFilter{Command: c.Command, Limit: c.Limit}
	for _, s := range c.State {
		filter.States = append(filter.States, trigger.JobState(strings.ToLower(strings.TrimSpace(s))))
	}
	jobs, err := app.Queue.List(ctx, filter)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*trigger.ScheduledJob{}
	}
	return writeJSON(app.Out, jobs)
}

type JobsShowCmd struct {
	ID string `arg:"" help:"Job id."`
}

func (c *JobsShowCmd) Run(ctx context.Context, app *App) error {
	if app.Queue == nil {
		return notConfigured("job queue")
	}
	job, err := app.Queue.Get(ctx, c.ID)
	if err != nil {
		return err
	}
	return writeJSON(app.Out, struct {
		*trigger.ScheduledJob
		CommandLine string `json:"command_line"`
	}{job, CommandLine(job)})
}

// CommandLine renders the workflowctl invocation that runs job.
func CommandLine(job *trigger.ScheduledJob) string {
	parts := []string{"workflowctl", job.Command}
	for _, arg := range job.Args {
		parts = append(parts, quoteArg(arg))
	}
	return strings.Join(parts, " ")
}

func quoteArg(arg string) string {
	if !strings.ContainsAny(arg, " \t\"'[]{}$") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

// DispatchCmd sends an event through the orchestrator.
type DispatchCmd struct {
	Event   string `arg:"" help:"Event name."`
	Payload string `default:"{}" help:"JSON event payload."`
}

func (c *DispatchCmd) Run(ctx context.Context, app *App) error {
	if app.Orchestrator == nil {
		return notConfigured("orchestrator")
	}
	decode := app.Events
	if decode == nil {
		decode = DecodeMap
	}
	event, err := decode(c.Event, []byte(c.Payload))
	if err != nil {
		return err
	}
	if err := app.Orchestrator.Dispatch(ctx, event, c.Event); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "event %s dispatched\n", c.Event)
	return nil
}

// DecodeMap decodes the payload into a map.
func DecodeMap(_ string, payload []byte) (any, error) {
	var out map[string]any
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, trigger.NewError(trigger.ErrMalformedArgument, fmt.Sprintf("invalid event payload: %v", err), err, nil)
	}
	return out, nil
}
