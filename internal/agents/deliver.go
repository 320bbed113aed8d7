package agents

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/internal/sender"
	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
	"github.com/JoergVierling/eessi-as4.net/pkg/retry"
)

// HandleToBeDelivered uploads one claimed received message to the local
// consumer via the PMode's deliver method and feeds the outcome into the
// retry engine.
func (r *Runtime) HandleToBeDelivered(ctx context.Context, row *entities.InMessage) error {
	log := r.Log.WithFields(logrus.Fields{
		"component":       "deliver-agent",
		"ebms_message_id": row.EbmsMessageID,
	})

	msgCtx := pipeline.New(pipeline.ModeDeliver)
	msgCtx.EntityID = row.ID
	msgCtx.EntityDirection = entities.DirectionIn

	msgCtx, err := r.executor.Run(ctx, r.deliverSteps(row), msgCtx)
	if err != nil {
		return err
	}

	retryRow, err := r.retryRowFor(ctx, entities.RefToInMessage(row.ID))
	if err != nil {
		return err
	}
	decision, err := r.engine.Evaluate(ctx, row, retryRow,
		entities.ActivityDelivery, retry.Classify(msgCtx.Failure))
	if err != nil {
		return err
	}
	if decision == retry.DecisionDeadLettered {
		log.Warn("message could not be delivered")
	}
	return nil
}

func (r *Runtime) deliverSteps(row *entities.InMessage) []pipeline.Step {
	return []pipeline.Step{
		pipeline.StepFunc{StepName: "resolve-deliver-method", Fn: func(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
			rpm, err := r.PModes.Receiving(row.PModeID)
			if err != nil {
				return pipeline.Failed(faults.Configuration("pmode", err.Error()))
			}
			if rpm.Deliver == nil || !rpm.Deliver.IsEnabled {
				return pipeline.Failed(faults.Configuration("deliver",
					"receiving pmode "+rpm.ID+" has no deliver configuration"))
			}
			msgCtx.ReceivingPMode = rpm
			return pipeline.Continue()
		}},
		pipeline.StepFunc{StepName: "load-deliver-body", Fn: func(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
			body, err := r.Bodies.LoadMessageBody(ctx, row.BodyLocation)
			if err != nil {
				return pipeline.Failed(err)
			}
			msgCtx.Deliver = &pipeline.DeliverEnvelope{
				MessageID:   row.EbmsMessageID,
				ContentType: row.ContentType,
				Content:     body,
			}
			return pipeline.Continue()
		}},
		pipeline.StepFunc{StepName: "upload-to-consumer", Fn: func(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
			err := r.Senders.Send(ctx, msgCtx.ReceivingPMode.Deliver.DeliverMethod, sender.Payload{
				MessageID:   msgCtx.Deliver.MessageID,
				ContentType: msgCtx.Deliver.ContentType,
				Content:     msgCtx.Deliver.Content,
			})
			if err != nil {
				return pipeline.Failed(err)
			}
			return pipeline.Continue()
		}},
	}
}
