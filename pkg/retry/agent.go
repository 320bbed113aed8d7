package retry

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
)

// DueSource hands out due pending retry rows. The datastore receiver
// claims rows transactionally so concurrent agents never share one.
type DueSource interface {
	DueRetries(ctx context.Context, limit int) ([]*entities.RetryReliability, error)
}

// RecordResolver loads the single record a retry row references.
type RecordResolver interface {
	ResolveRecord(ctx context.Context, ref entities.RetryRef) (entities.Record, error)
}

// MissingReceiptRecorder records the synthetic missing-receipt Error
// signal produced when a send retry chain exhausts, so the producer still
// learns of the final failure.
type MissingReceiptRecorder interface {
	RecordMissingReceipt(ctx context.Context, ref entities.RetryRef) error
}

// Agent is the background loop that re-evaluates due retry rows.
type Agent struct {
	source    DueSource
	resolver  RecordResolver
	persister Persister
	receipts  MissingReceiptRecorder

	pollInterval time.Duration
	batchSize    int
	now          func() time.Time
	log          *logrus.Entry
}

// AgentConfig configures the retry agent.
type AgentConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// NewAgent creates a retry agent. receipts may be nil when missing-receipt
// notification is not wired.
func NewAgent(source DueSource, resolver RecordResolver, persister Persister,
	receipts MissingReceiptRecorder, cfg AgentConfig, log *logrus.Entry) *Agent {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Agent{
		source:       source,
		resolver:     resolver,
		persister:    persister,
		receipts:     receipts,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		now:          time.Now,
		log:          log,
	}
}

// Run polls for due rows until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := a.Tick(ctx); err != nil && ctx.Err() == nil {
				a.log.WithError(err).Error("retry tick failed")
			}
		}
	}
}

// Tick processes one batch of due rows.
func (a *Agent) Tick(ctx context.Context) error {
	rows, err := a.source.DueRetries(ctx, a.batchSize)
	if err != nil {
		return errors.Wrap(err, "polling due retries")
	}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.handleDue(ctx, row); err != nil {
			a.log.WithError(err).WithField("retry_id", row.ID).
				Error("handling due retry row")
		}
	}
	return nil
}

// handleDue re-evaluates one due row: with budget remaining the record
// flips back to its pending operation and the attempt is counted; with
// the budget spent the record is dead-lettered and the row frozen.
func (a *Agent) handleDue(ctx context.Context, row *entities.RetryReliability) error {
	rec, err := a.resolver.ResolveRecord(ctx, row.Ref)
	if err != nil {
		return errors.Wrap(err, "resolving referenced record")
	}

	log := a.log.WithFields(logrus.Fields{
		"retry_id": row.ID,
		"record":   rec.RecordID(),
		"type":     row.Type,
		"count":    row.CurrentRetryCount,
		"max":      row.MaxRetryCount,
	})

	if rec.CurrentOperation().IsTerminal() {
		// A racing worker finished the record; freeze the row.
		row.Complete()
		return a.persister.SaveRetry(ctx, row)
	}

	if rec.CurrentOperation() != entities.OperationToBeRetried {
		// Only failed attempts park a record ToBeRetried. Anything else
		// (first attempt still queued or in flight) keeps its budget;
		// the row stays pending for a later tick.
		log.WithField("operation", rec.CurrentOperation()).
			Debug("record not parked for retry, row left untouched")
		return nil
	}

	if row.RetriesRemain() {
		row.RegisterAttempt(a.now())
		rec.Transition(ActivityFor(row.Type).Pending(), "")
		if err := a.persister.SaveRecord(ctx, rec); err != nil {
			return errors.Wrap(err, "re-queueing record")
		}
		if err := a.persister.SaveRetry(ctx, row); err != nil {
			return errors.Wrap(err, "counting retry attempt")
		}
		log.Warn("retry attempt scheduled")
		return nil
	}

	// Budget exhausted.
	row.Complete()
	rec.MarkDeadLettered()
	if err := a.persister.SaveRecord(ctx, rec); err != nil {
		return errors.Wrap(err, "dead-lettering exhausted record")
	}
	if err := a.persister.SaveRetry(ctx, row); err != nil {
		return errors.Wrap(err, "completing exhausted retry row")
	}
	log.Info("retry budget exhausted, record dead-lettered")

	if row.Type == entities.RetrySend && a.receipts != nil {
		if err := a.receipts.RecordMissingReceipt(ctx, row.Ref); err != nil {
			// Notification failure must not undo the dead-letter.
			log.WithError(err).Error("recording missing-receipt error signal")
		}
	}
	return nil
}

// ActivityFor maps a retry type to its activity.
func ActivityFor(t entities.RetryType) entities.Activity {
	switch t {
	case entities.RetrySend:
		return entities.ActivitySend
	case entities.RetryDelivery:
		return entities.ActivityDelivery
	case entities.RetryNotification:
		return entities.ActivityNotification
	case entities.RetryPiggyBack:
		return entities.ActivityPiggyBack
	default:
		return entities.ActivitySend
	}
}
