// Package cli exposes workflow triggers and deferred jobs as kong commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/goccy/go-json"
	"github.com/goliatone/go-errors"
	trigger "github.com/goliatone/go-trigger"
	"github.com/goliatone/go-trigger/worker"
)

// ErrCodeNotConfigured is returned when a command needs a service the app
// was built without.
const ErrCodeNotConfigured = "CLI_NOT_CONFIGURED"

// EventDecoder turns a dispatch payload into the event value expressions
// see as "event".
type EventDecoder func(eventName string, payload []byte) (any, error)

// App holds the services commands run against.
type App struct {
	Runner       *trigger.JobRunner
	Queue        trigger.JobQueue
	Worker       *worker.Worker
	Orchestrator *trigger.Orchestrator
	Events       EventDecoder
	Out          io.Writer
	// Close releases stores opened for the app.
	Close func() error
}

// Globals are flags shared by every command.
type Globals struct {
	Config   string `short:"c" type:"path" env:"WORKFLOWCTL_CONFIG" help:"Workflow configuration file."`
	Store    string `env:"WORKFLOWCTL_STORE" help:"Override the job store kind (memory, sqlite, postgres, redis)."`
	DSN      string `name:"dsn" env:"WORKFLOWCTL_DSN" help:"Override the job store DSN."`
	LogLevel string `name:"log-level" default:"info" enum:"trace,debug,info,warn,error" help:"Log level."`
	JSONLogs bool   `name:"json-logs" help:"Write logs as JSON."`
}

// CLI is the command tree.
type CLI struct {
	Globals

	ExecuteAction     ExecuteActionCmd     `cmd:"" name:"workflow:action:execute" help:"Execute an action for a subject loaded from the domain."`
	TriggerTransition TriggerTransitionCmd `cmd:"" name:"workflow:transition:trigger" help:"Apply a transition to a subject loaded from the domain."`
	Worker            WorkerCmd            `cmd:"" help:"Run due scheduled jobs."`
	Jobs              JobsCmd              `cmd:"" help:"Inspect scheduled jobs."`
	Dispatch          DispatchCmd          `cmd:"" help:"Dispatch an event to the configured triggers."`
}

// BuildFunc creates the App once flags are parsed.
type BuildFunc func(ctx context.Context, globals Globals) (*App, error)

// Run parses args and runs the selected command.
func Run(ctx context.Context, args []string, build BuildFunc, opts ...kong.Option) error {
	var cli CLI
	base := []kong.Option{
		kong.Name("workflowctl"),
		kong.Description("Workflow trigger and scheduled job tooling."),
		kong.UsageOnError(),
	}
	parser, err := kong.New(&cli, append(base, opts...)...)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	if build == nil {
		return notConfigured("app builder")
	}
	app, err := build(ctx, cli.Globals)
	if err != nil {
		return err
	}
	if app.Out == nil {
		app.Out = os.Stdout
	}
	if app.Close != nil {
		defer app.Close()
	}
	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(app)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func notConfigured(what string) error {
	return errors.New(fmt.Sprintf("%s is not configured", what), errors.CategoryValidation).WithTextCode(ErrCodeNotConfigured)
}
