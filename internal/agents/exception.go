package agents

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// exceptionRecorder turns pipeline failures into persisted exception
// records and, for inbound protocol violations, an ebMS Error signal on
// the open connection. Failures while recording are logged and absorbed;
// an exception during exception handling must never take the worker
// down.
type exceptionRecorder struct {
	runtime *Runtime
}

func (h *exceptionRecorder) HandleFailure(ctx context.Context, msgCtx *pipeline.MessagingContext, cause error) {
	log := h.runtime.Log.WithFields(logrus.Fields{
		"mode":       msgCtx.Mode,
		"message_id": msgCtx.MessageID(),
	})

	// Transient failures of background sends belong to the retry engine;
	// an exception record is only due once the budget is spent.
	if faults.IsTransient(cause) && msgCtx.Mode != pipeline.ModeReceive &&
		msgCtx.Mode != pipeline.ModeSubmit {
		log.WithError(cause).Debug("transient failure left to the retry engine")
		return
	}

	inbound := msgCtx.Mode == pipeline.ModeReceive || msgCtx.Mode == pipeline.ModeDeliver
	base := entities.NewExceptionFor(msgCtx.MessageID(), cause, h.notifyOnFailure(msgCtx, inbound))
	base.PModeID = h.pmodeID(msgCtx, inbound)
	if msgCtx.SendingPMode != nil {
		base.PMode = pmode.Snapshot(msgCtx.SendingPMode)
	}

	var ref entities.RetryRef
	var reliability pmode.RetryReliability
	var err error
	if inbound {
		exc := &entities.InException{ExceptionEntity: base}
		err = h.runtime.Store.InsertInException(ctx, exc)
		ref = entities.RefToInException(exc.ID)
		if msgCtx.ReceivingPMode != nil {
			reliability = msgCtx.ReceivingPMode.ExceptionHandling.Reliability
		}
	} else {
		exc := &entities.OutException{ExceptionEntity: base}
		err = h.runtime.Store.InsertOutException(ctx, exc)
		ref = entities.RefToOutException(exc.ID)
		if msgCtx.SendingPMode != nil {
			reliability = msgCtx.SendingPMode.ExceptionHandling.Reliability
		}
	}
	if err != nil {
		log.WithError(err).Error("persisting exception record; failure absorbed")
		return
	}

	if base.Operation == entities.OperationToBeNotified && reliability.IsEnabled {
		row, rerr := entities.NewRetryReliability(ref, entities.RetryNotification,
			reliability.RetryCount, reliability.RetryInterval)
		if rerr == nil {
			rerr = h.runtime.Store.InsertRetry(ctx, row)
		}
		if rerr != nil {
			log.WithError(rerr).Error("creating notification retry row; failure absorbed")
		}
	}

	// A protocol violation on receive answers with an Error signal; every
	// other failure class stays internal and the peer only sees the HTTP
	// status.
	if msgCtx.Mode == pipeline.ModeReceive {
		if pe, ok := faults.AsProtocol(cause); ok {
			signal, serr := message.NewError(message.GenerateMessageID(), msgCtx.MessageID(), pe.Line())
			if serr != nil {
				log.WithError(serr).Error("building error signal")
				return
			}
			msgCtx.Response = message.FromSignals(signal)
		}
	}
}

// notifyOnFailure reads the exception-notification switch of whichever
// PMode governs the context.
func (h *exceptionRecorder) notifyOnFailure(msgCtx *pipeline.MessagingContext, inbound bool) bool {
	if inbound {
		return msgCtx.ReceivingPMode != nil && msgCtx.ReceivingPMode.ExceptionHandling.NotifyProducer
	}
	return msgCtx.SendingPMode != nil && msgCtx.SendingPMode.ExceptionHandling.NotifyProducer
}

func (h *exceptionRecorder) pmodeID(msgCtx *pipeline.MessagingContext, inbound bool) string {
	if inbound {
		if msgCtx.ReceivingPMode != nil {
			return msgCtx.ReceivingPMode.ID
		}
		return ""
	}
	if msgCtx.SendingPMode != nil {
		return msgCtx.SendingPMode.ID
	}
	return ""
}
