package agents

import (
	"bytes"
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/mime"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// Submit accepts a producer submission and turns it into a persisted
// outgoing message. Push messages are picked up by the send agent; pull
// messages wait on their MPC for the peer's PullRequest.
func (r *Runtime) Submit(ctx context.Context, submit *pipeline.SubmitMessage) (*pipeline.MessagingContext, error) {
	msgCtx := pipeline.New(pipeline.ModeSubmit)
	msgCtx.SubmitMessage = submit
	return r.executor.Run(ctx, r.submitSteps(), msgCtx)
}

func (r *Runtime) submitSteps() []pipeline.Step {
	return []pipeline.Step{
		pipeline.StepFunc{StepName: "validate-submit", Fn: r.validateSubmitStep},
		pipeline.StepFunc{StepName: "resolve-sending-pmode", Fn: r.resolveSendingPModeStep},
		pipeline.StepFunc{StepName: "build-user-message", Fn: r.buildUserMessageStep},
		pipeline.StepFunc{StepName: "compress-payloads", Fn: r.compressStep},
		pipeline.StepFunc{StepName: "persist-out-message", Fn: r.persistOutMessageStep},
	}
}

func (r *Runtime) validateSubmitStep(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	if msgCtx.SubmitMessage == nil {
		return pipeline.Failed(faults.Configuration("submit", "submit message is missing"))
	}
	if msgCtx.SubmitMessage.PModeID == "" {
		return pipeline.Failed(faults.Configuration("submit.pmodeId", "submit names no sending pmode"))
	}
	return pipeline.Continue()
}

func (r *Runtime) resolveSendingPModeStep(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	p, err := r.PModes.Sending(msgCtx.SubmitMessage.PModeID)
	if err != nil {
		return pipeline.Failed(faults.ProtocolWrap(message.CodeProcessingModeMismatch,
			"resolving sending pmode", err))
	}
	msgCtx.SendingPMode = p
	return pipeline.Continue()
}

// buildUserMessageStep stamps the ebMS header from the PMode packaging
// section and links the submitted payloads as message parts.
func (r *Runtime) buildUserMessageStep(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	submit := msgCtx.SubmitMessage
	p := msgCtx.SendingPMode

	um, err := message.NewUserMessage(message.GenerateMessageID())
	if err != nil {
		return pipeline.Failed(err)
	}
	if submit.RefToMessageID != "" {
		um.SetRefToMessageID(submit.RefToMessageID)
	}

	packaging := p.MessagePackaging
	if packaging.MPC != "" {
		um.MPC = packaging.MPC
	}
	um.Sender = toMessageParty(packaging.FromParty)
	um.Receiver = toMessageParty(packaging.ToParty)
	um.Collaboration = message.CollaborationInfo{
		AgreementRef: message.AgreementRef{
			Value:   packaging.Collaboration.AgreementRef,
			PModeID: p.ID,
		},
		Service: message.Service{
			Value: packaging.Collaboration.Service,
			Type:  packaging.Collaboration.ServiceType,
		},
		Action:         packaging.Collaboration.Action,
		ConversationID: submit.ConversationID,
	}
	um.Properties = submit.Properties

	for _, payload := range submit.Payloads {
		um.PayloadInfo = append(um.PayloadInfo, message.PartInfo{Href: "cid:" + payload.ContentID})
	}

	msgCtx.WithAS4Message(message.FromUserMessage(um, submit.Payloads...))
	return pipeline.Continue()
}

func toMessageParty(p pmode.Party) message.Party {
	out := message.Party{Role: p.Role}
	for _, id := range p.PartyIDs {
		out.PartyIDs = append(out.PartyIDs, message.PartyID{ID: id.ID, Type: id.Type})
	}
	return out
}

// compressStep gzips eligible payloads and mirrors the part properties
// into the user message header, per the AS4 compression profile.
func (r *Runtime) compressStep(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	if !msgCtx.SendingPMode.Compression {
		return pipeline.Continue()
	}
	msg := msgCtx.AS4Message
	um := msg.PrimaryUserMessage()
	for _, att := range msg.Attachments {
		if err := r.Compressor.CompressAttachment(att); err != nil {
			return pipeline.Failed(err)
		}
	}
	for i, part := range um.PayloadInfo {
		att := msg.AttachmentFor(part)
		if att == nil {
			continue
		}
		var props []message.Property
		for name, value := range att.Properties {
			props = append(props, message.Property{Name: name, Value: value})
		}
		um.PayloadInfo[i].Properties = props
	}
	return pipeline.Continue()
}

func (r *Runtime) persistOutMessageStep(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	msg := msgCtx.AS4Message
	p := msgCtx.SendingPMode
	um := msg.PrimaryUserMessage()

	body, contentType, err := mime.Serialize(msg)
	if err != nil {
		return pipeline.Failed(err)
	}
	location, err := r.Bodies.SaveMessageStream(ctx, bytes.NewReader(body))
	if err != nil {
		return pipeline.Failed(err)
	}

	mep := entities.MEPPush
	if p.MEPBinding == pmode.Pull {
		mep = entities.MEPPull
	}
	var url string
	if p.PushConfiguration != nil {
		url = p.PushConfiguration.URL
	}

	now := time.Now()
	out := &entities.OutMessage{
		MessageEntity: entities.MessageEntity{
			ID:             uuid.New().String(),
			EbmsMessageID:  um.MessageID(),
			RefToMessageID: um.RefToMessageID(),
			ContentType:    contentType,
			MEP:            mep,
			MPC:            um.MPC,
			Operation:      entities.OperationToBeSent,
			Status:         entities.StatusCreated,
			BodyLocation:   location,
			PModeID:        p.ID,
			PMode:          pmode.Snapshot(p),
			InsertedAt:     now,
			ModifiedAt:     now,
		},
		URL: url,
	}
	if err := r.Store.InsertOutMessage(ctx, out); err != nil {
		return pipeline.Failed(faults.Transient("persisting outgoing message", err))
	}
	msgCtx.EntityID = out.ID
	msgCtx.EntityDirection = entities.DirectionOut

	if p.Reliability.IsEnabled {
		row, err := entities.NewRetryReliability(entities.RefToOutMessage(out.ID),
			entities.RetrySend, p.Reliability.RetryCount, p.Reliability.RetryInterval)
		if err == nil {
			err = r.Store.InsertRetry(ctx, row)
		}
		if err != nil {
			return pipeline.Failed(faults.Transient("creating send retry row", err))
		}
	}
	return pipeline.Continue()
}
