package trigger

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/goliatone/go-logger/glog"
)

func TestGLoggerCarriesWorkflowFields(t *testing.T) {
	buf := &bytes.Buffer{}
	base := glog.NewLogger(
		glog.WithWriter(buf),
		glog.WithLoggerTypeJSON(),
		glog.WithLevel("trace"),
	)
	logger := NewGLogger(base)

	wf := &fakeWorkflow{name: "orders", apply: notAllowed("ship")}
	applier := NewTransitionApplier(WithApplierLogger(logger))
	if err := applier.Apply(context.Background(), mustContext(t, wf, &order{ID: "o-7"}), "ship"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	logged := buf.String()
	if strings.TrimSpace(logged) == "" {
		t.Fatalf("expected go-logger output")
	}
	if !strings.Contains(logged, "o-7") || !strings.Contains(logged, "orders") {
		t.Fatalf("expected workflow context fields in output, got %s", logged)
	}
}

func TestNilLoggerFallsBackToFmtLogger(t *testing.T) {
	if _, ok := NewGLogger(nil).(*FmtLogger); !ok {
		t.Fatalf("expected nil base to fall back to FmtLogger")
	}
	applier := NewTransitionApplier(WithApplierLogger(nil))
	if _, ok := applier.logger.(*FmtLogger); !ok {
		t.Fatalf("expected nil logger to normalize to FmtLogger")
	}
}

func TestFmtLoggerFormatsFields(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := NewFmtLogger(buf).WithFields(map[string]any{"workflow": "orders", "id": "o-1"})
	logCritical(logger, "transition %q failed", "ship")

	line := buf.String()
	for _, want := range []string{"ERROR", `transition "ship" failed`, "id=o-1", "severity=critical", "workflow=orders"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %q", want, line)
		}
	}
}
