package trigger

import "time"

// Metric names reported by the orchestrator and the worker.
const (
	MetricDispatch   = "dispatch"
	MetricWorkflow   = "workflow"
	MetricAction     = "action"
	MetricExpression = "expression"
	MetricSchedule   = "schedule"
	MetricJob        = "job"
)

// MetricsRecorder receives timing and outcome counters.
type MetricsRecorder interface {
	RecordDuration(name string, duration time.Duration)
	RecordError(name string)
	RecordSuccess(name string)
}

type nopMetrics struct{}

func (nopMetrics) RecordDuration(string, time.Duration) {}
func (nopMetrics) RecordError(string)                   {}
func (nopMetrics) RecordSuccess(string)                 {}

func normalizeMetrics(m MetricsRecorder) MetricsRecorder {
	if m == nil {
		return nopMetrics{}
	}
	return m
}

func recordOutcome(m MetricsRecorder, name string, err error) {
	if err != nil {
		m.RecordError(name)
		return
	}
	m.RecordSuccess(name)
}
