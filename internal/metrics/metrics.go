// Package metrics exposes Prometheus instrumentation for the message
// lifecycle: pipeline steps, outcome decisions and pull cycles. The
// Metrics value implements the observer interfaces of the pipeline
// executor and the retry engine.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
	"github.com/JoergVierling/eessi-as4.net/pkg/retry"
	"github.com/JoergVierling/eessi-as4.net/pkg/scheduler"
)

// Metrics holds the lifecycle counters.
type Metrics struct {
	steps     *prometheus.CounterVec
	pipelines *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	pulls     *prometheus.CounterVec
}

// New registers the counters with the given registerer; nil uses the
// default registry served by promhttp.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msh_pipeline_steps_total",
			Help: "Pipeline steps executed, by mode, step name and result.",
		}, []string{"mode", "step", "successful"}),
		pipelines: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msh_pipelines_total",
			Help: "Pipeline runs completed, by mode and result.",
		}, []string{"mode", "successful"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msh_retry_outcomes_total",
			Help: "Retry engine decisions, by activity, outcome class and decision.",
		}, []string{"activity", "class", "decision"}),
		pulls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "msh_pull_cycles_total",
			Help: "Pull exchanges performed, by job and outcome.",
		}, []string{"job", "outcome"}),
	}
	reg.MustRegister(m.steps, m.pipelines, m.outcomes, m.pulls)
	return m
}

// StepExecuted implements pipeline.Observer.
func (m *Metrics) StepExecuted(mode pipeline.Mode, step string, successful bool) {
	m.steps.WithLabelValues(string(mode), step, strconv.FormatBool(successful)).Inc()
}

// PipelineCompleted implements pipeline.Observer.
func (m *Metrics) PipelineCompleted(mode pipeline.Mode, successful bool) {
	m.pipelines.WithLabelValues(string(mode), strconv.FormatBool(successful)).Inc()
}

// OutcomeEvaluated implements retry.Observer.
func (m *Metrics) OutcomeEvaluated(activity entities.Activity, class retry.Class, decision retry.Decision) {
	m.outcomes.WithLabelValues(string(activity), class.String(), string(decision)).Inc()
}

// PullCycle records one pull exchange outcome.
func (m *Metrics) PullCycle(job string, outcome scheduler.Outcome) {
	m.pulls.WithLabelValues(job, outcome.String()).Inc()
}
