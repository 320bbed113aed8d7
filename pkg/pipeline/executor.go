package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"
)

// ExceptionHandler turns a failed context into a persisted exception
// record and, for inbound protocol errors, an Error signal response.
// Implemented by the agents package.
type ExceptionHandler interface {
	HandleFailure(ctx context.Context, msgCtx *MessagingContext, cause error)
}

// Observer receives step-level execution facts; the metrics package
// implements it. A nil observer is valid.
type Observer interface {
	StepExecuted(mode Mode, step string, successful bool)
	PipelineCompleted(mode Mode, successful bool)
}

// Executor runs the fixed step list of one operation kind against a
// context. Execution is sequential and single-threaded per context.
type Executor struct {
	handler  ExceptionHandler
	observer Observer
	log      *logrus.Entry
}

// NewExecutor creates an executor. handler may be nil when failures need
// no exception records (tests); observer may be nil.
func NewExecutor(handler ExceptionHandler, observer Observer, log *logrus.Entry) *Executor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{handler: handler, observer: observer, log: log}
}

// Run executes the steps in order. The received stream, if any, is closed
// on every exit path. The returned context carries the terminal failure in
// Failure; Run itself only errors on context cancellation.
func (e *Executor) Run(ctx context.Context, steps []Step, msgCtx *MessagingContext) (*MessagingContext, error) {
	defer func() {
		if err := msgCtx.CloseReceivedStream(); err != nil {
			e.log.WithError(err).Warn("closing received stream")
		}
	}()

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return msgCtx, err
		}

		log := e.log.WithFields(logrus.Fields{
			"mode":       msgCtx.Mode,
			"step":       step.Name(),
			"message_id": msgCtx.MessageID(),
		})

		result := e.executeGuarded(ctx, step, msgCtx)
		if e.observer != nil {
			e.observer.StepExecuted(msgCtx.Mode, step.Name(), result.Successful)
		}

		if !result.Successful {
			log.WithError(result.Error).Warn("step failed")
			msgCtx.Failure = result.Error
			e.handleFailure(ctx, msgCtx, result.Error)
			if e.observer != nil {
				e.observer.PipelineCompleted(msgCtx.Mode, false)
			}
			return msgCtx, nil
		}

		if !result.CanProceed {
			log.Debug("pipeline short-circuited")
			break
		}
	}

	if e.observer != nil {
		e.observer.PipelineCompleted(msgCtx.Mode, true)
	}
	return msgCtx, nil
}

// executeGuarded shields the pipeline from panicking steps; a panic is a
// failed step, not a dead worker.
func (e *Executor) executeGuarded(ctx context.Context, step Step, msgCtx *MessagingContext) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithFields(logrus.Fields{
				"step":  step.Name(),
				"panic": r,
			}).Error("step panicked")
			result = Failed(panicError{value: r})
		}
	}()
	return step.Execute(ctx, msgCtx)
}

// handleFailure records the exception. Failures while recording are
// absorbed and logged; they must never crash the worker.
func (e *Executor) handleFailure(ctx context.Context, msgCtx *MessagingContext, cause error) {
	if e.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("panic", r).Error("exception handler panicked; failure absorbed")
		}
	}()
	e.handler.HandleFailure(ctx, msgCtx, cause)
}

type panicError struct{ value interface{} }

func (p panicError) Error() string { return "step panicked" }
