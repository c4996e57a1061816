package expression

import (
	"context"
	"testing"

	trigger "github.com/goliatone/go-trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type invoice struct {
	ID     int
	Status string
}

func (i *invoice) GetID() int { return i.ID }

type invoiceEvent struct {
	Invoice *invoice
	Amount  float64
}

type staticWorkflow struct{ name string }

func (w staticWorkflow) Name() string                            { return w.name }
func (w staticWorkflow) Apply(context.Context, any, string) error { return nil }

func TestEvaluateWithVariables(t *testing.T) {
	eval, err := New()
	require.NoError(t, err)

	event := invoiceEvent{Invoice: &invoice{ID: 7, Status: "open"}, Amount: 120}

	subject, err := eval.Evaluate(context.Background(), "event.Invoice", map[string]any{"event": event})
	require.NoError(t, err)
	assert.Same(t, event.Invoice, subject)

	id, err := eval.Evaluate(context.Background(), "subject.GetID()", map[string]any{"subject": event.Invoice})
	require.NoError(t, err)
	assert.Equal(t, 7, id)

	blocked, err := eval.Evaluate(context.Background(), `event.Amount > 100 && event.Invoice.Status == "open"`, map[string]any{"event": event})
	require.NoError(t, err)
	assert.Equal(t, true, blocked)

	list, err := eval.Evaluate(context.Background(), `[event.Invoice.ID, "x"]`, map[string]any{"event": event})
	require.NoError(t, err)
	assert.Equal(t, []any{7, "x"}, list)
}

func TestEvaluateErrors(t *testing.T) {
	eval, err := New()
	require.NoError(t, err)

	_, err = eval.Evaluate(context.Background(), "event.(", nil)
	assert.Error(t, err)
	assert.Equal(t, "EXPRESSION_COMPILE", trigger.ErrorCode(err))

	_, err = eval.Evaluate(context.Background(), "   ", nil)
	assert.Equal(t, "EXPRESSION_EMPTY", trigger.ErrorCode(err))

	_, err = eval.Evaluate(context.Background(), "fail()", map[string]any{
		"fail": func() (any, error) { return nil, assert.AnError },
	})
	assert.Error(t, err)
}

func TestCompileCachesPrograms(t *testing.T) {
	eval, err := New(WithCacheSize(2))
	require.NoError(t, err)

	first, err := eval.Compile("1 + 1")
	require.NoError(t, err)
	second, err := eval.Compile(" 1 + 1 ")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestActionsAsFunctions(t *testing.T) {
	registry := trigger.NewActionRegistry()
	var seen []any
	require.NoError(t, registry.RegisterCallable("tag", trigger.ActionTypeWorkflow,
		func(wc *trigger.WorkflowContext, label string) string {
			seen = append(seen, wc.SubjectID(), label)
			return "tagged:" + label
		}))
	require.NoError(t, registry.RegisterCallable("double", trigger.ActionTypeRegular,
		func(v int) int { return v * 2 }))

	eval, err := New(WithActions(trigger.NewActionInvoker(registry)))
	require.NoError(t, err)
	wc := trigger.NewWorkflowContext(staticWorkflow{name: "invoices"}, &invoice{ID: 3}, "3")

	out, err := eval.Evaluate(context.Background(), `tag("urgent")`, map[string]any{VarWorkflowContext: wc})
	require.NoError(t, err)
	assert.Equal(t, "tagged:urgent", out)
	assert.Equal(t, []any{"3", "urgent"}, seen)

	doubled, err := eval.Evaluate(context.Background(), `double(21)`, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, doubled)

	_, err = eval.Evaluate(context.Background(), `tag("late")`, nil)
	assert.Error(t, err)

	assert.Contains(t, eval.Functions(), "tag")
}

func TestContainerVariable(t *testing.T) {
	store := map[string]*invoice{"3": {ID: 3, Status: "paid"}}
	locator := func(id string) (any, error) {
		if id == "invoice.repository" {
			return repository(store), nil
		}
		return nil, assert.AnError
	}
	container := NewContainer(locator, map[string]string{"invoices": "invoice.repository"})
	eval, err := New(WithContainer(container))
	require.NoError(t, err)

	out, err := eval.Evaluate(context.Background(), `container.Get("invoices").Find(subjectId)`, map[string]any{"subjectId": "3"})
	require.NoError(t, err)
	assert.Same(t, store["3"], out)

	_, err = container.Get("unknown")
	assert.Equal(t, trigger.ErrCodeLocatorMissing, trigger.ErrorCode(err))
	assert.True(t, container.Has("invoices"))
	assert.Equal(t, []string{"invoices"}, container.Aliases())
}

type repository map[string]*invoice

func (r repository) Find(id string) *invoice { return r[id] }
