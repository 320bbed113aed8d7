// Package storage defines the datastore surface of the message service
// handler.
//
// The layer is organized into focused interfaces per record family
// (in/out messages, in/out exceptions, retry rows); Store combines them.
// The mongodb sub-package provides the production implementation; the
// in-memory implementation backs tests and single-node setups.
//
// All implementations must be safe for concurrent use. Claiming hands a
// batch of candidate rows to exactly one caller: a row is claimed and
// returned atomically, so two pollers never share a row. Claims are
// released on worker shutdown and reaped after a timeout so a crashed
// worker cannot strand rows forever.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// EntityKind enumerates the claimable record families. Receivers are
// configured with a kind and dispatch to the matching typed claim call;
// there is no reflective dispatch on entity types.
type EntityKind string

const (
	KindInMessage    EntityKind = "InMessage"
	KindOutMessage   EntityKind = "OutMessage"
	KindInException  EntityKind = "InException"
	KindOutException EntityKind = "OutException"
)

// Valid reports whether the kind names a claimable family.
func (k EntityKind) Valid() bool {
	switch k {
	case KindInMessage, KindOutMessage, KindInException, KindOutException:
		return true
	}
	return false
}

// InMessageStore persists received message records.
type InMessageStore interface {
	InsertInMessage(ctx context.Context, m *entities.InMessage) error
	GetInMessage(ctx context.Context, id string) (*entities.InMessage, error)
	UpdateInMessage(ctx context.Context, m *entities.InMessage) error

	// ExistsInMessage reports whether a record with this ebMS MessageId
	// was already received; backs duplicate detection.
	ExistsInMessage(ctx context.Context, ebmsMessageID string) (bool, error)

	// ClaimInMessages atomically claims up to limit unclaimed records in
	// the given operation and returns them.
	ClaimInMessages(ctx context.Context, op entities.Operation, limit int) ([]*entities.InMessage, error)
}

// OutMessageStore persists outgoing message records.
type OutMessageStore interface {
	InsertOutMessage(ctx context.Context, m *entities.OutMessage) error
	GetOutMessage(ctx context.Context, id string) (*entities.OutMessage, error)
	GetOutMessageByEbmsID(ctx context.Context, ebmsMessageID string) (*entities.OutMessage, error)
	UpdateOutMessage(ctx context.Context, m *entities.OutMessage) error

	// ClaimOutMessages atomically claims up to limit unclaimed records in
	// the given operation. ToBeSent rows on the pull channel are excluded;
	// they wait for a PullRequest and are claimed by ClaimOutMessageForMPC.
	ClaimOutMessages(ctx context.Context, op entities.Operation, limit int) ([]*entities.OutMessage, error)

	// ClaimOutMessageForMPC claims the oldest ToBeSent pull message on
	// the partition channel, or ErrNotFound when the channel is empty.
	ClaimOutMessageForMPC(ctx context.Context, mpc string) (*entities.OutMessage, error)

	// ClaimPiggybackSignals claims signal records parked ToBePiggyBacked
	// for the partition channel.
	ClaimPiggybackSignals(ctx context.Context, mpc string, limit int) ([]*entities.OutMessage, error)
}

// ExceptionStore persists failure records.
type ExceptionStore interface {
	InsertInException(ctx context.Context, e *entities.InException) error
	UpdateInException(ctx context.Context, e *entities.InException) error
	GetInException(ctx context.Context, id string) (*entities.InException, error)
	ClaimInExceptions(ctx context.Context, op entities.Operation, limit int) ([]*entities.InException, error)

	InsertOutException(ctx context.Context, e *entities.OutException) error
	UpdateOutException(ctx context.Context, e *entities.OutException) error
	GetOutException(ctx context.Context, id string) (*entities.OutException, error)
	ClaimOutExceptions(ctx context.Context, op entities.Operation, limit int) ([]*entities.OutException, error)
}

// RetryStore persists retry reliability rows.
type RetryStore interface {
	InsertRetry(ctx context.Context, r *entities.RetryReliability) error
	UpdateRetry(ctx context.Context, r *entities.RetryReliability) error
	GetRetryByRef(ctx context.Context, ref entities.RetryRef) (*entities.RetryReliability, error)

	// DueRetries returns pending rows past their interval.
	DueRetries(ctx context.Context, limit int) ([]*entities.RetryReliability, error)
}

// ClaimJanitor releases and reaps claims.
type ClaimJanitor interface {
	// ReleaseClaims unclaims the given records of a kind; called when a
	// worker stops with claimed-but-unprocessed rows.
	ReleaseClaims(ctx context.Context, kind EntityKind, ids []string) error

	// ReapExpiredClaims unclaims rows claimed longer than maxAge ago and
	// returns how many it released.
	ReapExpiredClaims(ctx context.Context, maxAge time.Duration) (int, error)
}

// Store combines the record stores.
type Store interface {
	InMessageStore
	OutMessageStore
	ExceptionStore
	RetryStore
	ClaimJanitor

	Close(ctx context.Context) error
	Ping(ctx context.Context) error
}
