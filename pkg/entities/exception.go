package entities

import (
	"time"

	"github.com/google/uuid"
)

// ExceptionEntity records a processing failure tied to an ebMS message id.
// InException covers failures on received messages, OutException failures
// on outgoing ones. Exceptions follow the same Operation state machine as
// messages: they are typically created ToBeNotified and end Notified or
// DeadLettered.
type ExceptionEntity struct {
	ID             string    `bson:"_id" json:"id"`
	EbmsRefToMessageID string `bson:"ebms_ref_to_message_id,omitempty" json:"ebmsRefToMessageId,omitempty"`
	Operation      Operation `bson:"operation" json:"operation"`
	Exception      string    `bson:"exception" json:"exception"`
	PModeID        string    `bson:"pmode_id,omitempty" json:"pmodeId,omitempty"`
	PMode          []byte    `bson:"pmode,omitempty" json:"-"`
	InsertedAt     time.Time `bson:"inserted_at" json:"insertedAt"`
	ModifiedAt     time.Time `bson:"modified_at" json:"modifiedAt"`

	Claimed   bool       `bson:"claimed" json:"-"`
	ClaimedAt *time.Time `bson:"claimed_at,omitempty" json:"-"`
}

// InException is a failure on the receive side.
type InException struct {
	ExceptionEntity `bson:",inline"`
}

// OutException is a failure on the send side.
type OutException struct {
	ExceptionEntity `bson:",inline"`
}

// NewExceptionFor builds the base exception record for a message id and a
// failure. notify decides whether the producer/consumer is told about it.
func NewExceptionFor(ebmsMessageID string, failure error, notify bool) ExceptionEntity {
	op := OperationNotApplicable
	if notify {
		op = OperationToBeNotified
	}
	now := time.Now()
	return ExceptionEntity{
		ID:                 uuid.New().String(),
		EbmsRefToMessageID: ebmsMessageID,
		Operation:          op,
		Exception:          failure.Error(),
		InsertedAt:         now,
		ModifiedAt:         now,
	}
}

// RecordID returns the datastore id of the record.
func (e *ExceptionEntity) RecordID() string { return e.ID }

// CurrentOperation returns the record's lifecycle position.
func (e *ExceptionEntity) CurrentOperation() Operation { return e.Operation }

// Transition applies a new operation, refusing terminal overwrites the
// same way MessageEntity does. Exceptions carry no separate status; the
// parameter keeps the Record shape and is ignored.
func (e *ExceptionEntity) Transition(op Operation, _ Status) bool {
	if e.Operation.IsTerminal() {
		return false
	}
	e.Operation = op
	e.ModifiedAt = time.Now()
	return true
}

// MarkDeadLettered moves the exception to the dead-letter end state.
func (e *ExceptionEntity) MarkDeadLettered() bool {
	return e.Transition(OperationDeadLettered, "")
}

// MarkToBeRetried parks the exception for the retry agent.
func (e *ExceptionEntity) MarkToBeRetried() bool {
	return e.Transition(OperationToBeRetried, "")
}

// Record is the lifecycle surface shared by message and exception
// records; the retry engine operates on it.
type Record interface {
	RecordID() string
	CurrentOperation() Operation
	Transition(op Operation, status Status) bool
	MarkDeadLettered() bool
	MarkToBeRetried() bool
}
