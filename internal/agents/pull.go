package agents

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/mime"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
	"github.com/JoergVierling/eessi-as4.net/pkg/retry"
	"github.com/JoergVierling/eessi-as4.net/pkg/scheduler"
)

// Pull schedule bounds when the PMode leaves them unset.
const (
	defaultPullBase = 5 * time.Second
	defaultPullMax  = 5 * time.Minute
	// pullPiggybackLimit caps how many parked signals ride on one
	// PullRequest.
	pullPiggybackLimit = 8
)

// RegisterPullJobs registers one exponential-interval job per
// pull-binding sending PMode. A drained user message resets the
// interval; an empty channel backs off.
func (r *Runtime) RegisterPullJobs(s *scheduler.Scheduler) {
	for _, p := range r.PModes.SendingPull() {
		p := p
		cfg := p.PullConfiguration
		base, max := cfg.BaseInterval, cfg.MaxInterval
		if base <= 0 {
			base = r.PullBase
		}
		if base <= 0 {
			base = defaultPullBase
		}
		if max <= 0 {
			max = r.PullMax
		}
		if max <= 0 {
			max = defaultPullMax
		}
		name := "pull:" + p.ID
		req := scheduler.NewIntervalRequest(base, max, 0)
		s.Register(name, req, func(ctx context.Context) (scheduler.Outcome, error) {
			out, err := r.PullOnce(ctx, p)
			if err == nil && r.Pulls != nil {
				r.Pulls.PullCycle(name, out)
			}
			return out, err
		})
	}
}

// PullOnce sends one PullRequest for the PMode's MPC, carrying any
// parked piggyback signals, and routes the answer through the inbound
// callback.
func (r *Runtime) PullOnce(ctx context.Context, p *pmode.SendingPMode) (scheduler.Outcome, error) {
	cfg := p.PullConfiguration
	log := r.Log.WithFields(logrus.Fields{
		"component": "pull-agent",
		"pmode":     p.ID,
		"mpc":       cfg.MPC,
	})

	pr, err := message.NewPullRequest(message.GenerateMessageID(), cfg.MPC)
	if err != nil {
		return scheduler.OutcomeIncrease, err
	}
	msg := message.FromSignals(pr)

	piggybacked, err := r.attachPiggybackSignals(ctx, msg, pr.MPC)
	if err != nil {
		log.WithError(err).Warn("claiming piggyback signals")
	}

	body, contentType, err := mime.Serialize(msg)
	if err != nil {
		r.settlePiggyback(ctx, piggybacked, retry.RetryableFail)
		return scheduler.OutcomeIncrease, err
	}

	resp, err := r.Transport.Send(ctx, cfg.URL, body, contentType)
	if err != nil || !resp.Accepted() {
		// The signals never reached the peer; put them back on the
		// channel for the next request.
		r.settlePiggyback(ctx, piggybacked, retry.RetryableFail)
		return scheduler.OutcomeIncrease, err
	}
	r.settlePiggyback(ctx, piggybacked, retry.Success)

	if !resp.HasBody() {
		return scheduler.OutcomeIncrease, nil
	}
	answer, err := mime.Parse(bytes.NewReader(resp.Body), resp.ContentType)
	if err != nil {
		return scheduler.OutcomeIncrease, err
	}
	if errSig, ok := answer.PrimarySignal().(*message.Error); ok && errSig.IsWarningForEmptyPull() {
		log.Debug("pulled channel is empty")
		return scheduler.OutcomeIncrease, nil
	}

	result, err := r.OnReceived(ctx,
		io.NopCloser(bytes.NewReader(resp.Body)), resp.ContentType)
	if err != nil {
		return scheduler.OutcomeIncrease, err
	}
	if result.Failure != nil {
		return scheduler.OutcomeIncrease, result.Failure
	}
	// The channel produced a message; poll again soon.
	return scheduler.OutcomeReset, nil
}

// attachPiggybackSignals claims parked signal records for the MPC and
// merges their signal units into the outgoing package.
func (r *Runtime) attachPiggybackSignals(ctx context.Context, msg *message.AS4Message, mpc string) ([]*entities.OutMessage, error) {
	rows, err := r.Store.ClaimPiggybackSignals(ctx, mpc, pullPiggybackLimit)
	if err != nil {
		return nil, err
	}

	var attached []*entities.OutMessage
	for _, row := range rows {
		body, err := r.Bodies.LoadMessageBody(ctx, row.BodyLocation)
		if err != nil {
			r.releaseOutMessages(row.ID)
			continue
		}
		parked, err := mime.Parse(bytes.NewReader(body), row.ContentType)
		if err != nil {
			r.releaseOutMessages(row.ID)
			continue
		}
		for _, s := range parked.SignalMessages {
			msg.AddSignal(s)
		}
		attached = append(attached, row)
	}
	return attached, nil
}

// settlePiggyback feeds the piggyback outcome of each carried signal
// into the retry engine and releases the claims. On failure the engine
// parks the rows; the retry agent flips them back to ToBePiggyBacked
// while budget remains.
func (r *Runtime) settlePiggyback(ctx context.Context, rows []*entities.OutMessage, class retry.Class) {
	for _, row := range rows {
		retryRow, err := r.retryRowFor(ctx, entities.RefToOutMessage(row.ID))
		if err != nil {
			r.Log.WithError(err).WithField("id", row.ID).Warn("loading piggyback retry row")
		}
		if class != retry.Success && retryRow == nil {
			// No piggyback budget configured: the signal simply goes back
			// on the channel for the next request.
			row.Transition(entities.OperationToBePiggyBacked, "")
			if err := r.Store.UpdateOutMessage(ctx, row); err != nil {
				r.Log.WithError(err).WithField("id", row.ID).Warn("re-parking piggybacked signal")
			}
			r.releaseOutMessages(row.ID)
			continue
		}
		if _, err := r.engine.Evaluate(ctx, row, retryRow, entities.ActivityPiggyBack, class); err != nil {
			r.Log.WithError(err).WithField("id", row.ID).Warn("settling piggybacked signal")
		}
		r.releaseOutMessages(row.ID)
	}
}
