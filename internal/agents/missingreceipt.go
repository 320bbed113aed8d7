package agents

import (
	"context"

	"github.com/pkg/errors"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
)

// RecordMissingReceipt implements retry.MissingReceiptRecorder: when a
// send retry chain exhausts without an acknowledgement, the producer is
// told via a synthetic missing-receipt failure record.
func (r *Runtime) RecordMissingReceipt(ctx context.Context, ref entities.RetryRef) error {
	if ref.OutMessageID == "" {
		return errors.New("missing receipt only applies to outgoing messages")
	}
	out, err := r.Store.GetOutMessage(ctx, ref.OutMessageID)
	if err != nil {
		return errors.Wrap(err, "loading unacknowledged message")
	}
	p, err := r.sendingPModeFor(out)
	if err != nil {
		return err
	}

	cause := faults.Protocol(message.CodeMissingReceipt,
		"no receipt received for message "+out.EbmsMessageID)
	exc := &entities.OutException{
		ExceptionEntity: entities.NewExceptionFor(out.EbmsMessageID, cause,
			p.ErrorHandling.NotifyProducer),
	}
	exc.PModeID = out.PModeID
	exc.PMode = out.PMode
	if err := r.Store.InsertOutException(ctx, exc); err != nil {
		return errors.Wrap(err, "recording missing-receipt exception")
	}

	rel := p.ErrorHandling.Reliability
	if exc.Operation == entities.OperationToBeNotified && rel.IsEnabled {
		row, err := entities.NewRetryReliability(entities.RefToOutException(exc.ID),
			entities.RetryNotification, rel.RetryCount, rel.RetryInterval)
		if err == nil {
			err = r.Store.InsertRetry(ctx, row)
		}
		if err != nil {
			return errors.Wrap(err, "creating missing-receipt notification retry row")
		}
	}
	return nil
}
