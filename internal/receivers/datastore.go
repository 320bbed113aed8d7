// Package receivers hosts the polling workers that feed the pipeline:
// a datastore poller claiming rows per operation, a reaper for claims
// stranded by crashed workers, and a file poller for submit drops and
// configuration reloads.
package receivers

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/internal/storage"
	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
)

// Claimed is one row handed out by a claim; Run processes it.
type Claimed struct {
	ID  string
	Run func(ctx context.Context) error
}

// Target binds a poller to one record family and operation. The four
// constructors below enumerate the claimable kinds; there is no
// reflective dispatch.
type Target struct {
	Kind      storage.EntityKind
	Operation entities.Operation
	claim     func(ctx context.Context, s storage.Store, limit int) ([]Claimed, error)
}

// ForInMessages targets received message rows in the given operation.
func ForInMessages(op entities.Operation, handle func(context.Context, *entities.InMessage) error) Target {
	return Target{
		Kind:      storage.KindInMessage,
		Operation: op,
		claim: func(ctx context.Context, s storage.Store, limit int) ([]Claimed, error) {
			rows, err := s.ClaimInMessages(ctx, op, limit)
			if err != nil {
				return nil, err
			}
			claimed := make([]Claimed, len(rows))
			for i, row := range rows {
				row := row
				claimed[i] = Claimed{ID: row.ID, Run: func(ctx context.Context) error { return handle(ctx, row) }}
			}
			return claimed, nil
		},
	}
}

// ForOutMessages targets outgoing message rows in the given operation.
func ForOutMessages(op entities.Operation, handle func(context.Context, *entities.OutMessage) error) Target {
	return Target{
		Kind:      storage.KindOutMessage,
		Operation: op,
		claim: func(ctx context.Context, s storage.Store, limit int) ([]Claimed, error) {
			rows, err := s.ClaimOutMessages(ctx, op, limit)
			if err != nil {
				return nil, err
			}
			claimed := make([]Claimed, len(rows))
			for i, row := range rows {
				row := row
				claimed[i] = Claimed{ID: row.ID, Run: func(ctx context.Context) error { return handle(ctx, row) }}
			}
			return claimed, nil
		},
	}
}

// ForInExceptions targets inbound failure records in the given operation.
func ForInExceptions(op entities.Operation, handle func(context.Context, *entities.InException) error) Target {
	return Target{
		Kind:      storage.KindInException,
		Operation: op,
		claim: func(ctx context.Context, s storage.Store, limit int) ([]Claimed, error) {
			rows, err := s.ClaimInExceptions(ctx, op, limit)
			if err != nil {
				return nil, err
			}
			claimed := make([]Claimed, len(rows))
			for i, row := range rows {
				row := row
				claimed[i] = Claimed{ID: row.ID, Run: func(ctx context.Context) error { return handle(ctx, row) }}
			}
			return claimed, nil
		},
	}
}

// ForOutExceptions targets outbound failure records in the given operation.
func ForOutExceptions(op entities.Operation, handle func(context.Context, *entities.OutException) error) Target {
	return Target{
		Kind:      storage.KindOutException,
		Operation: op,
		claim: func(ctx context.Context, s storage.Store, limit int) ([]Claimed, error) {
			rows, err := s.ClaimOutExceptions(ctx, op, limit)
			if err != nil {
				return nil, err
			}
			claimed := make([]Claimed, len(rows))
			for i, row := range rows {
				row := row
				claimed[i] = Claimed{ID: row.ID, Run: func(ctx context.Context) error { return handle(ctx, row) }}
			}
			return claimed, nil
		},
	}
}

// PollerConfig tunes a datastore poller.
type PollerConfig struct {
	// PollInterval is the sleep between claim rounds. Default 3s.
	PollInterval time.Duration
	// BatchSize caps rows claimed per round. Default 20.
	BatchSize int
}

func (c *PollerConfig) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
}

// DatastorePoller claims rows of one target and runs each through its
// handler on an owned, tracked task. Handler errors go to the shared
// error channel; they are never silently lost.
type DatastorePoller struct {
	store  storage.Store
	target Target
	cfg    PollerConfig
	errs   chan<- error
	log    *logrus.Entry

	mu       sync.Mutex
	inflight map[string]struct{}
	tasks    sync.WaitGroup

	cancel context.CancelFunc
	done   chan struct{}
}

// NewDatastorePoller wires a poller. errs may be nil, in which case
// handler errors are only logged.
func NewDatastorePoller(store storage.Store, target Target, cfg PollerConfig, errs chan<- error, log *logrus.Entry) *DatastorePoller {
	cfg.setDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DatastorePoller{
		store:  store,
		target: target,
		cfg:    cfg,
		errs:   errs,
		log: log.WithFields(logrus.Fields{
			"component": "datastore-poller",
			"kind":      target.Kind,
			"operation": target.Operation,
		}),
		inflight: make(map[string]struct{}),
	}
}

// Start launches the poll loop. Calling Start twice is an error in the
// caller; the second loop would double-claim nothing but waste polls.
func (p *DatastorePoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop halts claiming, waits for in-flight tasks and releases rows that
// were claimed but never started.
func (p *DatastorePoller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.tasks.Wait()
}

func (p *DatastorePoller) run(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		p.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *DatastorePoller) poll(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	claimed, err := p.target.claim(ctx, p.store, p.cfg.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			p.log.WithError(err).Warn("claiming rows")
		}
		return
	}
	if len(claimed) > 0 {
		p.log.WithField("count", len(claimed)).Debug("claimed rows")
	}

	for i, row := range claimed {
		if ctx.Err() != nil {
			p.releaseUnstarted(claimed[i:])
			return
		}
		p.dispatch(ctx, row)
	}
}

// dispatch runs one row on a tracked task. The claim is released when
// the handler returns, success or failure; the handler has by then
// moved the row's operation forward or parked it for retry.
func (p *DatastorePoller) dispatch(ctx context.Context, row Claimed) {
	p.mu.Lock()
	p.inflight[row.ID] = struct{}{}
	p.mu.Unlock()

	p.tasks.Add(1)
	go func() {
		defer p.tasks.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, row.ID)
			p.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				p.log.WithFields(logrus.Fields{"id": row.ID, "panic": r}).Error("handler panicked")
			}
		}()

		err := row.Run(ctx)
		p.release([]string{row.ID})
		if err != nil {
			p.log.WithError(err).WithField("id", row.ID).Warn("handler failed")
			p.report(err)
		}
	}()
}

// releaseUnstarted returns rows the shutdown interrupted before their
// task began, so a restart can reclaim them.
func (p *DatastorePoller) releaseUnstarted(rows []Claimed) {
	ids := make([]string, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}
	p.release(ids)
}

// release is best-effort; a stranded claim is caught by the reaper.
func (p *DatastorePoller) release(ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.ReleaseClaims(ctx, p.target.Kind, ids); err != nil {
		p.log.WithError(err).WithField("ids", ids).Warn("releasing claims")
	}
}

func (p *DatastorePoller) report(err error) {
	if p.errs == nil {
		return
	}
	select {
	case p.errs <- err:
	default:
		p.log.Warn("error channel full; handler error dropped from channel")
	}
}
