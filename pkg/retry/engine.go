package retry

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
)

// Class is the classification of an attempt outcome.
type Class int

const (
	// Success completes the activity.
	Success Class = iota
	// RetryableFail is worth another attempt when budget exists.
	RetryableFail
	// FatalFail dead-letters regardless of remaining budget.
	FatalFail
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case RetryableFail:
		return "retryable"
	case FatalFail:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify derives the outcome class from a typed failure. Transient
// errors are retryable; protocol and configuration errors, or anything
// unrecognized, are fatal.
func Classify(err error) Class {
	switch {
	case err == nil:
		return Success
	case faults.IsTransient(err):
		return RetryableFail
	default:
		return FatalFail
	}
}

// Decision reports what the engine did with an outcome.
type Decision string

const (
	DecisionIgnored      Decision = "ignored"
	DecisionCompleted    Decision = "completed"
	DecisionScheduled    Decision = "scheduled"
	DecisionDeadLettered Decision = "dead-lettered"
)

// Persister writes mutated records and retry rows back to the datastore.
type Persister interface {
	SaveRecord(ctx context.Context, rec entities.Record) error
	SaveRetry(ctx context.Context, row *entities.RetryReliability) error
}

// Observer counts engine decisions; implemented by the metrics package.
type Observer interface {
	OutcomeEvaluated(activity entities.Activity, class Class, decision Decision)
}

// Engine applies classified outcomes to lifecycle records.
type Engine struct {
	persister Persister
	observer  Observer
	log       *logrus.Entry
}

// NewEngine creates an engine. observer may be nil.
func NewEngine(persister Persister, observer Observer, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Engine{persister: persister, observer: observer, log: log}
}

// Evaluate applies one classified outcome to a record and its optional
// retry row, persisting the changes.
//
// Terminal records ignore the outcome entirely: a retry tick racing a
// late send response must not double-process. Without a retry row any
// failure is immediately fatal. A retryable failure with a row parks the
// record ToBeRetried; the attempt counter is incremented later, when the
// retry agent actually re-attempts.
func (e *Engine) Evaluate(ctx context.Context, rec entities.Record, row *entities.RetryReliability,
	activity entities.Activity, class Class) (Decision, error) {

	log := e.log.WithFields(logrus.Fields{
		"record":   rec.RecordID(),
		"activity": activity,
		"class":    class.String(),
	})

	decision, err := e.evaluate(ctx, rec, row, activity, class, log)
	if err == nil && e.observer != nil {
		e.observer.OutcomeEvaluated(activity, class, decision)
	}
	return decision, err
}

func (e *Engine) evaluate(ctx context.Context, rec entities.Record, row *entities.RetryReliability,
	activity entities.Activity, class Class, log *logrus.Entry) (Decision, error) {

	if rec.CurrentOperation().IsTerminal() {
		log.WithField("operation", rec.CurrentOperation()).
			Info("outcome for terminal record ignored")
		return DecisionIgnored, nil
	}

	switch {
	case class == Success:
		rec.Transition(activity.Completed(), successStatus(activity))
		if err := e.persister.SaveRecord(ctx, rec); err != nil {
			return DecisionIgnored, errors.Wrap(err, "saving completed record")
		}
		if row != nil && row.Status == entities.RetryPending {
			row.Complete()
			if err := e.persister.SaveRetry(ctx, row); err != nil {
				return DecisionIgnored, errors.Wrap(err, "completing retry row")
			}
		}
		return DecisionCompleted, nil

	case row == nil || class == FatalFail:
		// No retry budget, or a failure that must not be retried.
		rec.MarkDeadLettered()
		if err := e.persister.SaveRecord(ctx, rec); err != nil {
			return DecisionIgnored, errors.Wrap(err, "dead-lettering record")
		}
		if row != nil {
			row.Complete()
			if err := e.persister.SaveRetry(ctx, row); err != nil {
				return DecisionIgnored, errors.Wrap(err, "completing retry row")
			}
		}
		log.Info("record dead-lettered")
		return DecisionDeadLettered, nil

	default: // RetryableFail with a retry row
		rec.MarkToBeRetried()
		if err := e.persister.SaveRecord(ctx, rec); err != nil {
			return DecisionIgnored, errors.Wrap(err, "parking record for retry")
		}
		// Count stays untouched here; the agent increments it at the
		// moment of re-attempt.
		row.Status = entities.RetryPending
		if err := e.persister.SaveRetry(ctx, row); err != nil {
			return DecisionIgnored, errors.Wrap(err, "keeping retry row pending")
		}
		log.Warn("attempt failed, retry scheduled")
		return DecisionScheduled, nil
	}
}

func successStatus(activity entities.Activity) entities.Status {
	switch activity {
	case entities.ActivitySend, entities.ActivityPiggyBack:
		return entities.StatusSent
	case entities.ActivityDelivery:
		return entities.StatusDelivered
	case entities.ActivityNotification:
		return entities.StatusNotified
	default:
		return ""
	}
}
