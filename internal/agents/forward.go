package agents

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
	"github.com/JoergVierling/eessi-as4.net/pkg/retry"
)

// HandleToBeForwarded re-queues one received message as an outgoing one
// under the forwarding sending PMode. The body is shared between both
// records; this node is an intermediary, not the final recipient.
func (r *Runtime) HandleToBeForwarded(ctx context.Context, row *entities.InMessage) error {
	log := r.Log.WithFields(logrus.Fields{
		"component":       "forward-agent",
		"ebms_message_id": row.EbmsMessageID,
	})

	msgCtx := pipeline.New(pipeline.ModeForward)
	msgCtx.EntityID = row.ID
	msgCtx.EntityDirection = entities.DirectionIn

	msgCtx, err := r.executor.Run(ctx, r.forwardSteps(row), msgCtx)
	if err != nil {
		return err
	}
	if msgCtx.Failure != nil {
		_, err := r.engine.Evaluate(ctx, row, nil,
			entities.ActivityForward, retry.Classify(msgCtx.Failure))
		return err
	}

	if row.Transition(entities.OperationForwarded, "") {
		if err := r.Store.UpdateInMessage(ctx, row); err != nil {
			return err
		}
	}
	log.Info("message queued for forwarding")
	return nil
}

func (r *Runtime) forwardSteps(row *entities.InMessage) []pipeline.Step {
	return []pipeline.Step{
		pipeline.StepFunc{StepName: "resolve-forward-pmode", Fn: func(_ context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
			rpm, err := r.PModes.Receiving(row.PModeID)
			if err != nil {
				return pipeline.Failed(faults.Configuration("pmode", err.Error()))
			}
			if !rpm.IsForwarding() {
				return pipeline.Failed(faults.Configuration("forward",
					"receiving pmode "+rpm.ID+" has no forward configuration"))
			}
			sp, err := r.PModes.Sending(rpm.Forward.SendingPModeID)
			if err != nil {
				return pipeline.Failed(faults.Configuration("forward.sendingPMode", err.Error()))
			}
			msgCtx.ReceivingPMode = rpm
			msgCtx.SendingPMode = sp
			return pipeline.Continue()
		}},
		pipeline.StepFunc{StepName: "queue-forwarded-message", Fn: func(ctx context.Context, msgCtx *pipeline.MessagingContext) pipeline.Result {
			sp := msgCtx.SendingPMode
			mep := entities.MEPPush
			if sp.MEPBinding == pmode.Pull {
				mep = entities.MEPPull
			}
			var url string
			if sp.PushConfiguration != nil {
				url = sp.PushConfiguration.URL
			}

			now := time.Now()
			out := &entities.OutMessage{
				MessageEntity: entities.MessageEntity{
					ID:             uuid.New().String(),
					EbmsMessageID:  row.EbmsMessageID,
					RefToMessageID: row.RefToMessageID,
					ContentType:    row.ContentType,
					MEP:            mep,
					MPC:            row.MPC,
					Operation:      entities.OperationToBeSent,
					Status:         entities.StatusCreated,
					Intermediary:   true,
					BodyLocation:   row.BodyLocation,
					PModeID:        sp.ID,
					PMode:          pmode.Snapshot(sp),
					InsertedAt:     now,
					ModifiedAt:     now,
				},
				URL: url,
			}
			if err := r.Store.InsertOutMessage(ctx, out); err != nil {
				return pipeline.Failed(faults.Transient("queueing forwarded message", err))
			}

			if sp.Reliability.IsEnabled {
				retryRow, err := entities.NewRetryReliability(entities.RefToOutMessage(out.ID),
					entities.RetrySend, sp.Reliability.RetryCount, sp.Reliability.RetryInterval)
				if err == nil {
					err = r.Store.InsertRetry(ctx, retryRow)
				}
				if err != nil {
					return pipeline.Failed(faults.Transient("creating forward retry row", err))
				}
			}
			return pipeline.Continue()
		}},
	}
}
