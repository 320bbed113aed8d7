package agents

import (
	"bytes"
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/mime"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
	"github.com/JoergVierling/eessi-as4.net/pkg/retry"
	"github.com/JoergVierling/eessi-as4.net/pkg/security"
	"github.com/JoergVierling/eessi-as4.net/pkg/transport"
)

// HandleToBeSent pushes one claimed outgoing message to the peer and
// feeds the outcome into the retry engine. The peer's synchronous answer
// (receipt or error) goes back through the inbound callback.
func (r *Runtime) HandleToBeSent(ctx context.Context, row *entities.OutMessage) error {
	log := r.Log.WithFields(logrus.Fields{
		"component":       "send-agent",
		"ebms_message_id": row.EbmsMessageID,
	})

	var response *transport.Response
	msgCtx := pipeline.New(pipeline.ModeSend)
	msgCtx.EntityID = row.ID
	msgCtx.EntityDirection = entities.DirectionOut

	msgCtx, err := r.executor.Run(ctx, r.sendSteps(row, &response), msgCtx)
	if err != nil {
		return err
	}

	retryRow, err := r.retryRowFor(ctx, entities.RefToOutMessage(row.ID))
	if err != nil {
		return err
	}
	class := retry.Classify(msgCtx.Failure)
	if _, err := r.engine.Evaluate(ctx, row, retryRow, entities.ActivitySend, class); err != nil {
		return err
	}

	if class == retry.Success && response != nil && response.HasBody() {
		answer, err := r.OnReceived(ctx,
			io.NopCloser(bytes.NewReader(response.Body)), response.ContentType)
		if err != nil {
			return err
		}
		if answer.Failure != nil {
			log.WithError(answer.Failure).Warn("processing synchronous answer")
		}
	}
	return nil
}

func (r *Runtime) sendSteps(row *entities.OutMessage, response **transport.Response) []pipeline.Step {
	return []pipeline.Step{
		pipeline.StepFunc{StepName: "restore-sending-pmode", Fn: func(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
			p, err := r.sendingPModeFor(row)
			if err != nil {
				return pipeline.Failed(faults.Configuration("pmode", err.Error()))
			}
			msgCtx.SendingPMode = p
			return pipeline.Continue()
		}},
		pipeline.StepFunc{StepName: "load-message-body", Fn: func(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
			body, err := r.Bodies.LoadMessageBody(ctx, row.BodyLocation)
			if err != nil {
				return pipeline.Failed(err)
			}
			msg, err := mime.Parse(bytes.NewReader(body), row.ContentType)
			if err != nil {
				return pipeline.Failed(err)
			}
			msgCtx.WithAS4Message(msg)
			return pipeline.Continue()
		}},
		pipeline.StepFunc{StepName: "outbound-security", Fn: r.outboundSecurityStep},
		pipeline.StepFunc{StepName: "resolve-endpoint", Fn: func(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
			return r.resolveEndpoint(ctx, msgCtx, row)
		}},
		pipeline.StepFunc{StepName: "send-over-http", Fn: func(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
			resp, result := r.sendWire(ctx, msgCtx.AS4Message, row.URL)
			*response = resp
			return result
		}},
	}
}

// outboundSecurityStep signs and encrypts per the sending PMode. The
// secured envelope bytes replace the package's raw envelope; later
// serialization must not regenerate them.
func (r *Runtime) outboundSecurityStep(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
	policy := msgCtx.SendingPMode.Security
	if !policy.Signing.IsEnabled && !policy.Encryption.IsEnabled {
		return pipeline.Continue()
	}
	// An enabled policy without key material must not leave the node
	// silently sending unsecured messages.
	if policy.Signing.IsEnabled && r.Signer == nil {
		return pipeline.Failed(faults.Configuration("security.signing",
			"pmode enables signing but no signing strategy is configured"))
	}
	if policy.Encryption.IsEnabled && r.Encryptor == nil {
		return pipeline.Failed(faults.Configuration("security.encryption",
			"pmode enables encryption but no encryption strategy is configured"))
	}

	msg := msgCtx.AS4Message
	proc := security.NewProcessor(securityEnvelope(msg), r.Signer, r.Encryptor)
	if policy.Signing.IsEnabled {
		if err := proc.Sign(); err != nil {
			return pipeline.Failed(err)
		}
	}
	if policy.Encryption.IsEnabled {
		if err := proc.Encrypt(); err != nil {
			return pipeline.Failed(err)
		}
	}
	applySecurityResult(msg, proc.Envelope())
	return pipeline.Continue()
}

// resolveEndpoint fixes the peer URL on the record: configured push URL
// first, dynamic discovery when the PMode enables it. The resolved URL is
// persisted with the record so retries hit the same endpoint.
func (r *Runtime) resolveEndpoint(ctx context.Context, msgCtx *pipeline.MessagingContext, row *entities.OutMessage) pipeline.Result {
	if row.URL != "" {
		return pipeline.Continue()
	}
	p := msgCtx.SendingPMode
	if p.PushConfiguration != nil && p.PushConfiguration.URL != "" {
		row.URL = p.PushConfiguration.URL
		return pipeline.Continue()
	}
	if p.DynamicDiscovery != nil && p.DynamicDiscovery.IsEnabled {
		if r.Discovery == nil {
			return pipeline.Failed(faults.Configuration("dynamicDiscovery",
				"dynamic discovery enabled but no resolver wired"))
		}
		url, err := r.Discovery.Resolve(ctx, p.DynamicDiscovery.Domain)
		if err != nil {
			return pipeline.Failed(faults.Transient("resolving peer endpoint", err))
		}
		row.URL = url
		return pipeline.Continue()
	}
	return pipeline.Failed(faults.Configuration("pushConfiguration.url",
		"sending pmode "+p.ID+" has no peer URL"))
}

// sendWire serializes and posts the package. Any HTTP status outside
// acceptance counts as a transient failure; the retry budget decides
// what happens next.
func (r *Runtime) sendWire(ctx context.Context, msg *message.AS4Message, url string) (*transport.Response, pipeline.Result) {
	body, contentType, err := mime.SerializeRaw(msg.RawEnvelope, msg.Attachments)
	if err != nil {
		return nil, pipeline.Failed(err)
	}
	resp, err := r.Transport.Send(ctx, url, body, contentType)
	if err != nil {
		return nil, pipeline.Failed(err)
	}
	if !resp.Accepted() {
		return resp, pipeline.Failed(faults.Transient(
			"peer did not accept the message", nil))
	}
	return resp, pipeline.Continue()
}
