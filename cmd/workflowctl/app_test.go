package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/alecthomas/kong"
	trigger "github.com/goliatone/go-trigger"
	"github.com/goliatone/go-trigger/cli"
	"github.com/goliatone/go-trigger/jobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	app   *cli.App
	docs  *Documents
	queue *jobstore.Memory
	logs  *bytes.Buffer
	out   *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg, err := loadConfig("")
	require.NoError(t, err)

	h := &harness{
		docs:  seedDocuments(),
		queue: jobstore.NewMemory(),
		logs:  &bytes.Buffer{},
		out:   &bytes.Buffer{},
	}
	h.app, err = wire(cfg, cfg.Scheduler, h.queue, h.docs, trigger.NewFmtLogger(h.logs))
	require.NoError(t, err)
	h.app.Out = h.out
	return h
}

func (h *harness) run(args ...string) error {
	return cli.Run(context.Background(), args, func(context.Context, cli.Globals) (*cli.App, error) {
		return h.app, nil
	}, kong.Writers(h.out, h.out))
}

func (h *harness) doc(t *testing.T, id string) *Document {
	t.Helper()
	doc, err := h.docs.Find(id)
	require.NoError(t, err)
	return doc
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Contains(t, cfg.Workflows, "documents")
	assert.Equal(t, "memory", cfg.Scheduler.Store)
	assert.True(t, cfg.SchedulesActions())
}

func TestSubmittedDocumentIsMovedAndScheduled(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run("dispatch", "document.submitted", `--payload={"id":"doc-1","by":"editor"}`))

	assert.Equal(t, "review", h.doc(t, "doc-1").State)
	assert.Contains(t, h.logs.String(), "notify ops@example.com about documents:Document#doc-1: submitted for review")

	jobs, err := h.queue.List(context.Background(), trigger.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	opts := trigger.JobOptions(jobs[0].Args)
	assert.Equal(t, trigger.CommandExecuteAction, jobs[0].Command)
	assert.Equal(t, "apply_transitions", opts["action"])
	assert.Equal(t, `[["publish","archive"]]`, opts["arguments"])
	assert.True(t, jobs[0].Reschedulable)
}

func TestScheduledJobArchivesUnreviewedDocument(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.run("dispatch", "document.submitted", `--payload={"id":"doc-1"}`))

	jobs, err := h.queue.List(context.Background(), trigger.JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	require.NoError(t, h.app.Runner.Run(context.Background(), jobs[0]))
	assert.Equal(t, "archived", h.doc(t, "doc-1").State)
}

func TestReviewedDocumentCanBePublished(t *testing.T) {
	h := newHarness(t)
	common := []string{"--workflow=documents", "--subjectClass=Document", "--subjectId=doc-2"}

	err := h.run(append([]string{"workflow:transition:trigger", "--transition=publish"}, common...)...)
	require.NoError(t, err)
	assert.Equal(t, "review", h.doc(t, "doc-2").State, "publish is guarded until the document is reviewed")

	require.NoError(t, h.run(append([]string{"workflow:action:execute", "--action=mark_reviewed"}, common...)...))
	require.NoError(t, h.run(append([]string{"workflow:transition:trigger", "--transition=publish"}, common...)...))
	assert.Equal(t, "published", h.doc(t, "doc-2").State)
}

func TestUnknownDocumentIsRejected(t *testing.T) {
	h := newHarness(t)

	err := h.run("dispatch", "document.submitted", `--payload={"id":"doc-404"}`)
	assert.True(t, trigger.HasCode(err, trigger.ErrCodeSubjectNotSupported))

	err = h.run("workflow:transition:trigger", "--transition=submit",
		"--workflow=documents", "--subjectClass=Document", "--subjectId=doc-404")
	require.Error(t, err)
}

func TestBuildOpensMemoryStore(t *testing.T) {
	app, err := build(context.Background(), cli.Globals{LogLevel: "error", Store: jobstore.KindMemory})
	require.NoError(t, err)
	require.NotNil(t, app.Close)
	assert.NoError(t, app.Close())
	assert.Equal(t, []string{"document.submitted"}, app.Orchestrator.Events())
}

func TestServicesLocator(t *testing.T) {
	s := services{"documents": seedDocuments()}

	svc, err := s.locate("documents")
	require.NoError(t, err)
	assert.IsType(t, &Documents{}, svc)

	_, err = s.locate("mailer")
	assert.Equal(t, trigger.ErrCodeLocatorMissing, trigger.ErrorCode(err))
}
