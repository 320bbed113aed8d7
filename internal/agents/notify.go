package agents

import (
	"context"
	"encoding/xml"

	"github.com/JoergVierling/eessi-as4.net/internal/sender"
	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
	"github.com/JoergVierling/eessi-as4.net/pkg/retry"
)

// notifyDocument is the XML body uploaded to the producer when a message
// is acknowledged, refused or failed.
type notifyDocument struct {
	XMLName        xml.Name        `xml:"NotifyMessage"`
	MessageID      string          `xml:"MessageInfo>MessageId"`
	RefToMessageID string          `xml:"MessageInfo>RefToMessageId,omitempty"`
	Status         entities.Status `xml:"StatusInfo>Status"`
	Detail         string          `xml:"StatusInfo>Description,omitempty"`
}

const notifyContentType = "application/xml"

// HandleOutMessageToBeNotified tells the producer how a sent message
// fared: Ack after a receipt, Nack after an error signal.
func (r *Runtime) HandleOutMessageToBeNotified(ctx context.Context, row *entities.OutMessage) error {
	p, err := r.sendingPModeFor(row)

	var sendErr error
	if err != nil {
		sendErr = faults.Configuration("pmode", err.Error())
	} else {
		handling := notifyFor(p, row.Status)
		sendErr = r.uploadNotification(ctx, handling.Method, notifyDocument{
			MessageID:      row.EbmsMessageID,
			RefToMessageID: row.RefToMessageID,
			Status:         row.Status,
		})
	}

	retryRow, err := r.retryRowFor(ctx, entities.RefToOutMessage(row.ID))
	if err != nil {
		return err
	}
	_, err = r.engine.Evaluate(ctx, row, retryRow,
		entities.ActivityNotification, retry.Classify(sendErr))
	return err
}

// HandleInExceptionToBeNotified reports a receive-side failure to the
// consumer configured on the receiving PMode.
func (r *Runtime) HandleInExceptionToBeNotified(ctx context.Context, row *entities.InException) error {
	var sendErr error
	rpm, err := r.PModes.Receiving(row.PModeID)
	if err != nil {
		sendErr = faults.Configuration("pmode", err.Error())
	} else {
		sendErr = r.uploadNotification(ctx, rpm.ExceptionHandling.Method, notifyDocument{
			MessageID:      row.ID,
			RefToMessageID: row.EbmsRefToMessageID,
			Status:         entities.StatusException,
			Detail:         row.Exception,
		})
	}

	retryRow, err := r.retryRowFor(ctx, entities.RefToInException(row.ID))
	if err != nil {
		return err
	}
	_, err = r.engine.Evaluate(ctx, row, retryRow,
		entities.ActivityNotification, retry.Classify(sendErr))
	return err
}

// HandleOutExceptionToBeNotified reports a send-side failure to the
// producer.
func (r *Runtime) HandleOutExceptionToBeNotified(ctx context.Context, row *entities.OutException) error {
	var sendErr error
	p, err := r.exceptionSendingPMode(row)
	if err != nil {
		sendErr = faults.Configuration("pmode", err.Error())
	} else {
		sendErr = r.uploadNotification(ctx, p.ExceptionHandling.Method, notifyDocument{
			MessageID:      row.ID,
			RefToMessageID: row.EbmsRefToMessageID,
			Status:         entities.StatusException,
			Detail:         row.Exception,
		})
	}

	retryRow, err := r.retryRowFor(ctx, entities.RefToOutException(row.ID))
	if err != nil {
		return err
	}
	_, err = r.engine.Evaluate(ctx, row, retryRow,
		entities.ActivityNotification, retry.Classify(sendErr))
	return err
}

func (r *Runtime) exceptionSendingPMode(row *entities.OutException) (*pmode.SendingPMode, error) {
	if len(row.PMode) > 0 {
		return pmode.FromSnapshot(row.PMode)
	}
	return r.PModes.Sending(row.PModeID)
}

func (r *Runtime) uploadNotification(ctx context.Context, method pmode.Method, doc notifyDocument) error {
	content, err := xml.Marshal(doc)
	if err != nil {
		return err
	}
	return r.Senders.Send(ctx, method, sender.Payload{
		MessageID:   doc.MessageID,
		ContentType: notifyContentType,
		Content:     append([]byte(xml.Header), content...),
	})
}
