// Package agents implements the message lifecycle workers: the step
// lists that carry a messaging context from submission or reception to a
// terminal operation, plus the handlers the datastore pollers and the
// pull scheduler invoke. All collaborators are passed in explicitly;
// the package holds no global state.
package agents

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/JoergVierling/eessi-as4.net/internal/bodystore"
	"github.com/JoergVierling/eessi-as4.net/internal/sender"
	"github.com/JoergVierling/eessi-as4.net/internal/storage"
	"github.com/JoergVierling/eessi-as4.net/pkg/compression"
	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
	"github.com/JoergVierling/eessi-as4.net/pkg/retry"
	"github.com/JoergVierling/eessi-as4.net/pkg/scheduler"
	"github.com/JoergVierling/eessi-as4.net/pkg/security"
	"github.com/JoergVierling/eessi-as4.net/pkg/transport"
)

// EndpointResolver finds the peer URL when the sending PMode carries
// none; implemented by internal/discovery.
type EndpointResolver interface {
	Resolve(ctx context.Context, domain string) (string, error)
}

// PullAuthorizer decides whether a received PullRequest may drain the
// MPC. A nil authorizer allows every channel.
type PullAuthorizer func(mpc string) bool

// PullObserver is told the outcome of every pull exchange; implemented
// by internal/metrics.
type PullObserver interface {
	PullCycle(job string, outcome scheduler.Outcome)
}

// Runtime bundles the collaborators every agent needs.
type Runtime struct {
	Store      storage.Store
	Bodies     bodystore.Store
	PModes     *pmode.Registry
	Senders    *sender.Registry
	Transport  *transport.Client
	Compressor *compression.Compressor

	// Signer and Encryptor are the node's security strategies; nil
	// disables the respective processing.
	Signer    security.SigningStrategy
	Encryptor security.EncryptionStrategy

	Discovery EndpointResolver
	Authorize PullAuthorizer

	// PullBase and PullMax bound the pull schedule for PModes that do
	// not set their own intervals; zero falls back to the built-ins.
	PullBase time.Duration
	PullMax  time.Duration

	Observer pipeline.Observer
	Pulls    PullObserver
	Log      *logrus.Entry

	engine   *retry.Engine
	executor *pipeline.Executor
}

// NewRuntime finishes the wiring: the retry engine persists through the
// store, the executor records failures as exception records.
func NewRuntime(rt Runtime) *Runtime {
	if rt.Log == nil {
		rt.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if rt.Compressor == nil {
		rt.Compressor = compression.NewCompressor()
	}
	persister := &recordPersister{store: rt.Store}
	retryObserver, _ := rt.Observer.(retry.Observer)
	rt.engine = retry.NewEngine(persister, retryObserver, rt.Log.WithField("component", "retry-engine"))

	r := &rt
	handler := &exceptionRecorder{runtime: r}
	r.executor = pipeline.NewExecutor(handler, rt.Observer, rt.Log.WithField("component", "pipeline"))
	return r
}

// Engine exposes the retry engine for the retry agent wiring.
func (r *Runtime) Engine() *retry.Engine { return r.engine }

// recordPersister adapts the store to the retry engine and agent. The
// dispatch is an enumerated type switch over the record families.
type recordPersister struct {
	store storage.Store
}

func (p *recordPersister) SaveRecord(ctx context.Context, rec entities.Record) error {
	switch e := rec.(type) {
	case *entities.InMessage:
		return p.store.UpdateInMessage(ctx, e)
	case *entities.OutMessage:
		return p.store.UpdateOutMessage(ctx, e)
	case *entities.InException:
		return p.store.UpdateInException(ctx, e)
	case *entities.OutException:
		return p.store.UpdateOutException(ctx, e)
	default:
		return errors.Errorf("unknown record type %T", rec)
	}
}

func (p *recordPersister) SaveRetry(ctx context.Context, row *entities.RetryReliability) error {
	return p.store.UpdateRetry(ctx, row)
}

// ResolveRecord implements retry.RecordResolver over the enumerated
// reference slots.
func (r *Runtime) ResolveRecord(ctx context.Context, ref entities.RetryRef) (entities.Record, error) {
	switch {
	case ref.InMessageID != "":
		return r.Store.GetInMessage(ctx, ref.InMessageID)
	case ref.OutMessageID != "":
		return r.Store.GetOutMessage(ctx, ref.OutMessageID)
	case ref.InExceptionID != "":
		return r.Store.GetInException(ctx, ref.InExceptionID)
	case ref.OutExceptionID != "":
		return r.Store.GetOutException(ctx, ref.OutExceptionID)
	default:
		return nil, entities.ErrAmbiguousRetryRef
	}
}

// Persister exposes the record persister for the retry agent wiring.
func (r *Runtime) Persister() retry.Persister {
	return &recordPersister{store: r.Store}
}

// sendingPModeFor restores the policy a record was accepted under,
// preferring the persisted snapshot over the live registry so later
// configuration edits do not change in-flight messages.
func (r *Runtime) sendingPModeFor(m *entities.OutMessage) (*pmode.SendingPMode, error) {
	if len(m.PMode) > 0 {
		return pmode.FromSnapshot(m.PMode)
	}
	return r.PModes.Sending(m.PModeID)
}

// retryRowFor loads the retry row referencing a record, or nil when the
// record has no reliability configured.
func (r *Runtime) retryRowFor(ctx context.Context, ref entities.RetryRef) (*entities.RetryReliability, error) {
	row, err := r.Store.GetRetryByRef(ctx, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return row, err
}

// allowPull applies the configured authorizer.
func (r *Runtime) allowPull(mpc string) bool {
	return r.Authorize == nil || r.Authorize(mpc)
}
