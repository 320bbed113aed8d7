/*
Package scheduler runs recurring pull work on self-adjusting intervals.

Each registered job carries an IntervalRequest: an empty exchange grows
the interval exponentially, a real exchange snaps it back to the base.
One timer serves all requests; it is re-armed every cycle to the
earliest pending run, so an idle scheduler sleeps instead of polling.
*/
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Job performs one pull cycle and reports whether anything real was
// exchanged. Errors are isolated per job; a failing job never stops the
// rest of its batch.
type Job func(ctx context.Context) (Outcome, error)

// minDelay keeps the timer from being armed with a zero or negative
// delay when a request is already overdue.
const minDelay = time.Millisecond

type registration struct {
	name    string
	request *IntervalRequest
	job     Job
}

// Scheduler owns a set of interval requests and fires their jobs.
type Scheduler struct {
	mu      sync.Mutex
	entries []*registration
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
	log *logrus.Entry
}

// New creates an empty scheduler.
func New(log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{now: time.Now, log: log}
}

// Register adds a job under the given interval request. Registration
// after Start is allowed; the new request joins the next cycle.
func (s *Scheduler) Register(name string, request *IntervalRequest, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	request.reschedule(s.now())
	s.entries = append(s.entries, &registration{name: name, request: request, job: job})
}

// Start launches the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run()
	s.log.WithField("requests", len(s.entries)).Info("pull scheduler started")
}

// Stop cancels the loop and waits for the in-flight batch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.log.Info("pull scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(minDelay)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.cycle()
		}
		timer.Reset(s.nextDelay())
	}
}

// cycle executes every due request concurrently and awaits the batch
// before intervals are adjusted and run times recomputed.
func (s *Scheduler) cycle() {
	now := s.now()

	s.mu.Lock()
	var due []*registration
	for _, e := range s.entries {
		if e.request.due(now) {
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}

	outcomes := make([]Outcome, len(due))
	var batch sync.WaitGroup
	for i, e := range due {
		batch.Add(1)
		go func(i int, e *registration) {
			defer batch.Done()
			outcomes[i] = s.execute(e)
		}(i, e)
	}
	batch.Wait()

	if s.ctx.Err() != nil {
		// Cancelled mid-batch; abandoned awaits are not failures and the
		// requests keep their state for a possible restart.
		return
	}

	s.mu.Lock()
	now = s.now()
	for i, e := range due {
		e.request.Apply(outcomes[i])
		e.request.reschedule(now)
	}
	s.mu.Unlock()
}

func (s *Scheduler) execute(e *registration) (out Outcome) {
	out = OutcomeIncrease
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{"request": e.name, "panic": r}).
				Error("pull job panicked")
		}
	}()

	outcome, err := e.job(s.ctx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.WithError(err).WithField("request", e.name).Warn("pull cycle failed")
		}
		// A failing channel backs off like an empty one.
		return OutcomeIncrease
	}
	return outcome
}

// nextDelay computes the sleep until the earliest pending request.
func (s *Scheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return time.Second
	}
	now := s.now()
	earliest := s.entries[0].request.nextRun
	for _, e := range s.entries[1:] {
		if e.request.nextRun.Before(earliest) {
			earliest = e.request.nextRun
		}
	}
	delay := earliest.Sub(now)
	if delay < minDelay {
		delay = minDelay
	}
	return delay
}
