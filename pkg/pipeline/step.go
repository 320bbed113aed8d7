package pipeline

import "context"

// Step is one stage of a pipeline. A step receives the context, does its
// work, and returns a result that either continues, stops, or fails the
// pipeline. Steps must not mutate shared state outside the messaging
// context; domain failures are surfaced as typed errors in the result,
// never swallowed.
type Step interface {
	// Name identifies the step in logs and metrics.
	Name() string

	Execute(ctx context.Context, msgCtx *MessagingContext) Result
}

// Result is the outcome of one step execution.
type Result struct {
	// Successful is false when the step failed; Error carries the cause.
	Successful bool

	// CanProceed is false when the pipeline must stop after this step,
	// successful or not. A successful stop is a short-circuit (e.g. an
	// empty pull response needs no further processing).
	CanProceed bool

	Error error
}

// Continue reports a successful step whose pipeline should proceed.
func Continue() Result {
	return Result{Successful: true, CanProceed: true}
}

// StopPipeline reports a successful step that short-circuits the rest of
// the pipeline.
func StopPipeline() Result {
	return Result{Successful: true, CanProceed: false}
}

// Failed reports a failed step; the executor converts the error into an
// exception record.
func Failed(err error) Result {
	return Result{Successful: false, CanProceed: false, Error: err}
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, msgCtx *MessagingContext) Result
}

// Name implements Step.
func (s StepFunc) Name() string { return s.StepName }

// Execute implements Step.
func (s StepFunc) Execute(ctx context.Context, msgCtx *MessagingContext) Result {
	return s.Fn(ctx, msgCtx)
}
