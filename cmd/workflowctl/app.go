package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
	trigger "github.com/goliatone/go-trigger"
	"github.com/goliatone/go-trigger/cli"
	"github.com/goliatone/go-trigger/config"
	"github.com/goliatone/go-trigger/engine"
	"github.com/goliatone/go-trigger/expression"
	"github.com/goliatone/go-trigger/jobstore"
	"github.com/goliatone/go-trigger/metrics"
	"github.com/goliatone/go-trigger/worker"
	"go.opentelemetry.io/otel"
)

//go:embed workflowctl.yaml
var defaultConfig []byte

const tracerName = "github.com/goliatone/go-trigger/cmd/workflowctl"

// services is the locator backing service actions and the expression
// container.
type services map[string]any

func (s services) locate(id string) (any, error) {
	svc, ok := s[id]
	if !ok {
		return nil, trigger.NewError(trigger.ErrLocatorMissing, fmt.Sprintf("service %q is not registered", id), nil,
			map[string]any{"service": id})
	}
	return svc, nil
}

func newLogger(g cli.Globals, out io.Writer) trigger.Logger {
	if g.JSONLogs {
		return trigger.NewGLogger(glog.NewLogger(
			glog.WithWriter(out),
			glog.WithLoggerTypeJSON(),
			glog.WithLevel(g.LogLevel),
		))
	}
	return trigger.NewGLogger(glog.NewLogger(
		glog.WithWriter(out),
		glog.WithLevel(g.LogLevel),
	))
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.Parse(defaultConfig)
	}
	return config.LoadFile(path)
}

func build(ctx context.Context, g cli.Globals) (*cli.App, error) {
	logger := newLogger(g, os.Stderr)

	cfg, err := loadConfig(g.Config)
	if err != nil {
		return nil, err
	}
	sched := cfg.Scheduler
	if g.Store != "" {
		sched.Store = g.Store
	}
	if g.DSN != "" {
		sched.DSN = g.DSN
	}

	opened, err := jobstore.Open(ctx, jobstore.Options{
		Kind:      sched.Store,
		DSN:       sched.DSN,
		Table:     sched.Table,
		KeyPrefix: sched.KeyPrefix,
	})
	if err != nil {
		return nil, err
	}
	app, err := wire(cfg, sched, opened.Queue, seedDocuments(), logger)
	if err != nil {
		_ = opened.Close()
		return nil, err
	}
	app.Close = opened.Close
	return app, nil
}

func wire(cfg *config.Config, sched config.SchedulerConfig, queue trigger.JobQueue, docs *Documents, logger trigger.Logger) (*cli.App, error) {
	locator := services{
		"documents": docs,
		"notifier":  &Notifier{logger: logger},
	}

	recorder, err := metrics.New(nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryHandler, "cannot register metrics")
	}

	registry := trigger.NewActionRegistry()
	invoker := trigger.NewActionInvoker(registry, trigger.WithServiceLocator(locator.locate))
	eval, err := expression.New(
		expression.WithActions(invoker),
		expression.WithContainer(expression.NewContainer(locator.locate, cfg.Context)),
		expression.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	eng := engine.New(engine.WithLogger(logger))
	subjects := trigger.NewExpressionSubjectIdentity(eval)
	guards := trigger.NewGuardEvaluator(eval, eng, subjects, trigger.WithGuardLogger(logger))
	applier := trigger.NewTransitionApplier(trigger.WithApplierLogger(logger))
	if err := trigger.RegisterTransitionActions(registry, applier); err != nil {
		return nil, err
	}

	scheduler := trigger.NewDeferredJobScheduler(queue, trigger.WithSchedulerLogger(logger))
	orchestrator := trigger.NewOrchestrator(eval, eng, subjects, invoker, scheduler,
		trigger.WithOrchestratorLogger(logger),
		trigger.WithMetrics(recorder),
		trigger.WithTracer(otel.Tracer(tracerName)),
	)
	if err := config.Apply(cfg, config.Target{
		Engine:       eng,
		Actions:      registry,
		Subjects:     subjects,
		Guards:       guards,
		Orchestrator: orchestrator,
	}); err != nil {
		return nil, err
	}
	eng.SetGuards(guards)
	eng.SetDispatcher(orchestrator)

	runner := trigger.NewJobRunner(eng, subjects, invoker, applier, trigger.WithJobRunnerLogger(logger))
	return &cli.App{
		Runner:       runner,
		Queue:        queue,
		Worker:       worker.New(queue, runner, workerOptions(sched, logger, recorder)...),
		Orchestrator: orchestrator,
		Events:       documentEvents(docs),
	}, nil
}

func workerOptions(sched config.SchedulerConfig, logger trigger.Logger, recorder trigger.MetricsRecorder) []worker.Option {
	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithMetrics(recorder),
		worker.WithBatchSize(sched.BatchSize),
		worker.WithMaxAttempts(sched.MaxAttempts),
		worker.WithJobTimeout(sched.JobTimeout),
	}
	if sched.PollInterval != "" {
		opts = append(opts, worker.WithSchedule(sched.PollInterval))
	}
	if sched.Retry.Base > 0 {
		opts = append(opts, worker.WithRetryStrategy(worker.ExponentialBackoffStrategy{
			Base:   sched.Retry.Base,
			Factor: sched.Retry.Factor,
			Max:    sched.Retry.Max,
		}))
	}
	return opts
}

// documentEvents decodes document.* payloads of the form {"id": "...", "by": "..."}.
// Other events are dispatched as plain maps.
func documentEvents(docs *Documents) cli.EventDecoder {
	return func(name string, payload []byte) (any, error) {
		if name != "document.submitted" {
			return cli.DecodeMap(name, payload)
		}
		var p struct {
			ID string `json:"id"`
			By string `json:"by"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, trigger.NewError(trigger.ErrMalformedArgument, fmt.Sprintf("invalid %s payload: %v", name, err), err, nil)
		}
		doc, err := docs.Find(p.ID)
		if err != nil {
			return nil, err
		}
		return DocumentSubmitted{Document: doc, By: p.By}, nil
	}
}
