package agents

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/JoergVierling/eessi-as4.net/internal/storage"
	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/mime"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
	"github.com/JoergVierling/eessi-as4.net/pkg/security"
)

// OnReceived is the single inbound callback: every transport surface
// (HTTP listener, pull response handling) feeds received bytes through
// it. The returned context carries the package to answer with, if any,
// in Response.
func (r *Runtime) OnReceived(ctx context.Context, stream io.ReadCloser, contentType string) (*pipeline.MessagingContext, error) {
	msgCtx := pipeline.NewReceived(stream, contentType)
	return r.executor.Run(ctx, r.receiveSteps(), msgCtx)
}

func (r *Runtime) receiveSteps() []pipeline.Step {
	return []pipeline.Step{
		pipeline.StepFunc{StepName: "parse-received", Fn: r.parseReceivedStep},
		pipeline.StepFunc{StepName: "match-receiving-pmode", Fn: r.matchReceivingPModeStep},
		pipeline.StepFunc{StepName: "inbound-security", Fn: r.inboundSecurityStep},
		pipeline.StepFunc{StepName: "answer-pull-request", Fn: r.answerPullRequestStep},
		pipeline.StepFunc{StepName: "process-signals", Fn: r.processSignalsStep},
		pipeline.StepFunc{StepName: "decompress-payloads", Fn: r.decompressStep},
		pipeline.StepFunc{StepName: "persist-received", Fn: r.persistReceivedStep},
		pipeline.StepFunc{StepName: "create-receipt", Fn: r.createReceiptStep},
	}
}

func (r *Runtime) parseReceivedStep(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	msg, err := mime.Parse(msgCtx.ReceivedStream, msgCtx.ReceivedContentType)
	if cerr := msgCtx.CloseReceivedStream(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return pipeline.Failed(faults.ProtocolWrap(message.CodeInvalidHeader,
			"malformed wire message", err))
	}
	if msg.IsEmpty() {
		return pipeline.Failed(faults.Protocol(message.CodeInvalidHeader,
			"message carries no message units"))
	}
	msg.ContentType = msgCtx.ReceivedContentType
	msgCtx.WithAS4Message(msg)
	return pipeline.Continue()
}

func (r *Runtime) matchReceivingPModeStep(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	um := msgCtx.AS4Message.PrimaryUserMessage()
	if um == nil {
		// Signal-only packages are governed by the referenced message's
		// PMode, resolved per signal.
		return pipeline.Continue()
	}
	p, err := r.PModes.MatchReceiving(um.Collaboration.Service.Value, um.Collaboration.Action)
	if err != nil {
		return pipeline.Failed(faults.ProtocolWrap(message.CodeProcessingModeMismatch,
			"no receiving pmode matches", err))
	}
	msgCtx.ReceivingPMode = p
	return pipeline.Continue()
}

func (r *Runtime) inboundSecurityStep(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	msg := msgCtx.AS4Message
	proc, err := security.NewReceivedProcessor(securityEnvelope(msg), r.Signer, r.Encryptor)
	if err != nil {
		return pipeline.Failed(err)
	}
	if msgCtx.ReceivingPMode != nil {
		if err := proc.Enforce(msgCtx.ReceivingPMode.Expected); err != nil {
			return pipeline.Failed(err)
		}
	}
	if err := proc.Verify(); err != nil {
		return pipeline.Failed(err)
	}
	if err := proc.Decrypt(); err != nil {
		return pipeline.Failed(err)
	}
	applySecurityResult(msg, proc.Envelope())
	return pipeline.Continue()
}

// answerPullRequestStep drains the requested MPC. The pull exchange ends
// here: an empty channel answers with the EBMS:0006 warning, which is a
// successful short-circuit, not a failure.
func (r *Runtime) answerPullRequestStep(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	pr := msgCtx.AS4Message.FirstPullRequest()
	if pr == nil {
		return pipeline.Continue()
	}
	if !r.allowPull(pr.MPC) {
		return pipeline.Failed(faults.Protocol(message.CodeFailedAuthentication,
			"pull request not authorized for mpc "+pr.MPC))
	}

	row, err := r.Store.ClaimOutMessageForMPC(ctx, pr.MPC)
	if errors.Is(err, storage.ErrNotFound) {
		warning, werr := message.NewError(message.GenerateMessageID(), pr.MessageID(),
			message.EmptyPullWarning(pr.MPC))
		if werr != nil {
			return pipeline.Failed(werr)
		}
		msgCtx.Response = message.FromSignals(warning)
		return pipeline.StopPipeline()
	}
	if err != nil {
		return pipeline.Failed(faults.Transient("claiming pulled message", err))
	}

	body, err := r.Bodies.LoadMessageBody(ctx, row.BodyLocation)
	if err != nil {
		r.releaseOutMessages(row.ID)
		return pipeline.Failed(err)
	}
	pulled, err := mime.Parse(bytes.NewReader(body), row.ContentType)
	if err != nil {
		r.releaseOutMessages(row.ID)
		return pipeline.Failed(errors.Wrap(err, "restoring pulled message"))
	}

	row.Transition(entities.OperationSent, entities.StatusSent)
	if err := r.Store.UpdateOutMessage(ctx, row); err != nil {
		r.releaseOutMessages(row.ID)
		return pipeline.Failed(faults.Transient("recording pulled message as sent", err))
	}
	r.releaseOutMessages(row.ID)

	msgCtx.Response = pulled
	return pipeline.StopPipeline()
}

// processSignalsStep applies received receipts and errors to the
// referenced outgoing messages: a receipt acknowledges the send, an
// error refuses it, and both schedule producer notification per the
// message's own PMode.
func (r *Runtime) processSignalsStep(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	for _, s := range msgCtx.AS4Message.SignalMessages {
		switch sig := s.(type) {
		case *message.Receipt:
			if err := r.applySignal(ctx, sig.MessageID(), sig.RefToMessageID(), entities.StatusAck); err != nil {
				return pipeline.Failed(err)
			}
		case *message.Error:
			if sig.IsWarningForEmptyPull() {
				continue
			}
			if err := r.applySignal(ctx, sig.MessageID(), sig.RefToMessageID(), entities.StatusNack); err != nil {
				return pipeline.Failed(err)
			}
		}
	}
	return pipeline.Continue()
}

func (r *Runtime) applySignal(ctx context.Context, signalID, refID string, status entities.Status) error {
	log := r.Log.WithField("ref_to_message_id", refID)

	out, err := r.Store.GetOutMessageByEbmsID(ctx, refID)
	if errors.Is(err, storage.ErrNotFound) {
		log.WithField("status", status).Warn("signal references unknown message")
		return nil
	}
	if err != nil {
		return faults.Transient("loading acknowledged message", err)
	}

	p, err := r.sendingPModeFor(out)
	if err != nil {
		return err
	}
	next := entities.OperationNotApplicable
	if notifyFor(p, status).NotifyProducer {
		next = entities.OperationToBeNotified
	}
	if !out.Transition(next, status) {
		log.WithField("operation", out.Operation).Info("signal for terminal record ignored")
		return nil
	}
	if err := r.Store.UpdateOutMessage(ctx, out); err != nil {
		return faults.Transient("recording acknowledgement", err)
	}

	// The exchange is settled; freeze the send retry row.
	row, err := r.retryRowFor(ctx, entities.RefToOutMessage(out.ID))
	if err != nil {
		return err
	}
	if row != nil && row.Status == entities.RetryPending {
		row.Complete()
		if err := r.Store.UpdateRetry(ctx, row); err != nil {
			return faults.Transient("freezing send retry row", err)
		}
	}

	// Audit record of the signal itself.
	in := &entities.InMessage{MessageEntity: entities.MessageEntity{
		ID:             uuid.New().String(),
		EbmsMessageID:  signalID,
		RefToMessageID: refID,
		Operation:      entities.OperationNotApplicable,
		Status:         entities.StatusReceived,
		PModeID:        out.PModeID,
		InsertedAt:     time.Now(),
		ModifiedAt:     time.Now(),
	}}
	if err := r.Store.InsertInMessage(ctx, in); err != nil {
		return faults.Transient("recording received signal", err)
	}
	return nil
}

func notifyFor(p *pmode.SendingPMode, status entities.Status) pmode.NotifyHandling {
	if status == entities.StatusNack {
		return p.ErrorHandling
	}
	return p.ReceiptHandling
}

func (r *Runtime) decompressStep(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	if msgCtx.AS4Message.PrimaryUserMessage() == nil {
		return pipeline.Continue()
	}
	for _, att := range msgCtx.AS4Message.Attachments {
		if err := r.Compressor.DecompressAttachment(att); err != nil {
			return pipeline.Failed(err)
		}
	}
	return pipeline.Continue()
}

// persistReceivedStep stores the user message record. Test and duplicate
// messages are accepted and acknowledged but never handed to a consumer.
func (r *Runtime) persistReceivedStep(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	msg := msgCtx.AS4Message
	um := msg.PrimaryUserMessage()
	if um == nil {
		return pipeline.Continue()
	}
	rpm := msgCtx.ReceivingPMode

	exists, err := r.Store.ExistsInMessage(ctx, um.MessageID())
	if err != nil {
		return pipeline.Failed(faults.Transient("checking for duplicate", err))
	}
	um.IsDuplicate = exists

	body, contentType, err := mime.Serialize(msg)
	if err != nil {
		return pipeline.Failed(err)
	}
	location, err := r.Bodies.SaveMessageStream(ctx, bytes.NewReader(body))
	if err != nil {
		return pipeline.Failed(err)
	}

	op := entities.OperationNotApplicable
	switch {
	case um.IsTest() || um.IsDuplicate:
		// acknowledged only
	case rpm.IsForwarding():
		op = entities.OperationToBeForwarded
	case rpm.Deliver != nil && rpm.Deliver.IsEnabled:
		op = entities.OperationToBeDelivered
	}

	now := time.Now()
	in := &entities.InMessage{MessageEntity: entities.MessageEntity{
		ID:             uuid.New().String(),
		EbmsMessageID:  um.MessageID(),
		RefToMessageID: um.RefToMessageID(),
		ContentType:    contentType,
		MEP:            entities.MEPPush,
		MPC:            um.MPC,
		Operation:      op,
		Status:         entities.StatusReceived,
		Intermediary:   rpm.IsForwarding(),
		BodyLocation:   location,
		PModeID:        rpm.ID,
		IsDuplicate:    um.IsDuplicate,
		IsTest:         um.IsTest(),
		InsertedAt:     now,
		ModifiedAt:     now,
	}}
	if err := r.Store.InsertInMessage(ctx, in); err != nil {
		return pipeline.Failed(faults.Transient("persisting received message", err))
	}
	msgCtx.EntityID = in.ID
	msgCtx.EntityDirection = entities.DirectionIn

	if op == entities.OperationToBeDelivered && rpm.Deliver.Reliability.IsEnabled {
		row, err := entities.NewRetryReliability(entities.RefToInMessage(in.ID),
			entities.RetryDelivery, rpm.Deliver.Reliability.RetryCount, rpm.Deliver.Reliability.RetryInterval)
		if err == nil {
			err = r.Store.InsertRetry(ctx, row)
		}
		if err != nil {
			return pipeline.Failed(faults.Transient("creating delivery retry row", err))
		}
	}
	return pipeline.Continue()
}

// createReceiptStep acknowledges the received user message. With the
// response reply pattern the receipt travels back on the open
// connection; on a pull channel it is parked for piggybacking on the
// next PullRequest towards the sender.
func (r *Runtime) createReceiptStep(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	um := msgCtx.AS4Message.PrimaryUserMessage()
	if um == nil {
		return pipeline.Continue()
	}
	rpm := msgCtx.ReceivingPMode

	receipt, err := message.NewReceipt(message.GenerateMessageID(), um.MessageID())
	if err != nil {
		return pipeline.Failed(err)
	}

	if strings.EqualFold(rpm.ReplyHandling.ReplyPattern, "piggyback") {
		return r.parkForPiggyback(ctx, msgCtx, receipt, um.MPC)
	}

	msgCtx.Response = message.FromSignals(receipt)
	if err := r.recordSentSignal(ctx, receipt.MessageID(), receipt.RefToMessageID(), rpm.ID); err != nil {
		return pipeline.Failed(err)
	}
	return pipeline.Continue()
}

func (r *Runtime) parkForPiggyback(ctx context.Context, msgCtx *pipeline.MessagingContext,
	receipt *message.Receipt, mpc string) pipeline.Result {

	rpm := msgCtx.ReceivingPMode
	body, contentType, err := mime.Serialize(message.FromSignals(receipt))
	if err != nil {
		return pipeline.Failed(err)
	}
	location, err := r.Bodies.SaveMessageStream(ctx, bytes.NewReader(body))
	if err != nil {
		return pipeline.Failed(err)
	}

	now := time.Now()
	out := &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID:             uuid.New().String(),
		EbmsMessageID:  receipt.MessageID(),
		RefToMessageID: receipt.RefToMessageID(),
		ContentType:    contentType,
		MEP:            entities.MEPPull,
		MPC:            mpc,
		Operation:      entities.OperationToBePiggyBacked,
		Status:         entities.StatusCreated,
		BodyLocation:   location,
		PModeID:        rpm.ID,
		InsertedAt:     now,
		ModifiedAt:     now,
	}}
	if err := r.Store.InsertOutMessage(ctx, out); err != nil {
		return pipeline.Failed(faults.Transient("parking receipt for piggyback", err))
	}

	rel := rpm.ReplyHandling.PiggyBackReliability
	if rel.IsEnabled {
		row, err := entities.NewRetryReliability(entities.RefToOutMessage(out.ID),
			entities.RetryPiggyBack, rel.RetryCount, rel.RetryInterval)
		if err == nil {
			err = r.Store.InsertRetry(ctx, row)
		}
		if err != nil {
			return pipeline.Failed(faults.Transient("creating piggyback retry row", err))
		}
	}
	return pipeline.Continue()
}

// recordSentSignal keeps an audit row for a signal answered on the open
// connection.
func (r *Runtime) recordSentSignal(ctx context.Context, signalID, refID, pmodeID string) error {
	now := time.Now()
	out := &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID:             uuid.New().String(),
		EbmsMessageID:  signalID,
		RefToMessageID: refID,
		MEP:            entities.MEPPush,
		Operation:      entities.OperationSent,
		Status:         entities.StatusSent,
		PModeID:        pmodeID,
		InsertedAt:     now,
		ModifiedAt:     now,
	}}
	if err := r.Store.InsertOutMessage(ctx, out); err != nil {
		return faults.Transient("recording sent signal", err)
	}
	return nil
}

// releaseOutMessages is best-effort claim cleanup on a fresh context, so
// a cancelled exchange cannot strand the rows.
func (r *Runtime) releaseOutMessages(ids ...string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Store.ReleaseClaims(ctx, storage.KindOutMessage, ids); err != nil {
		r.Log.WithError(err).WithField("ids", ids).Warn("releasing out-message claims")
	}
}
