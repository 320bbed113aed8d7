package entities

import (
	"time"
)

// Status is the externally visible condition of a message record, next to
// its Operation. Operation says what the MSH still has to do; Status says
// how the message fared.
type Status string

const (
	StatusReceived  Status = "Received"
	StatusCreated   Status = "Created"
	StatusSent      Status = "Sent"
	StatusDelivered Status = "Delivered"
	StatusNotified  Status = "Notified"
	StatusAck       Status = "Ack"
	StatusNack      Status = "Nack"
	StatusException Status = "Exception"
)

// MEP is the message exchange pattern binding of a message record.
type MEP string

const (
	MEPPush MEP = "Push"
	MEPPull MEP = "Pull"
)

// Direction tells which table a message record lives in.
type Direction string

const (
	DirectionIn  Direction = "In"
	DirectionOut Direction = "Out"
)

// MessageEntity is the persisted projection of a message unit. Concrete
// records are InMessage and OutMessage; both are mutated only through the
// named transition methods.
type MessageEntity struct {
	ID             string    `bson:"_id" json:"id"`
	EbmsMessageID  string    `bson:"ebms_message_id" json:"ebmsMessageId"`
	RefToMessageID string    `bson:"ref_to_message_id,omitempty" json:"refToMessageId,omitempty"`
	ContentType    string    `bson:"content_type" json:"contentType"`
	MEP            MEP       `bson:"mep" json:"mep"`
	MPC            string    `bson:"mpc,omitempty" json:"mpc,omitempty"`
	Operation      Operation `bson:"operation" json:"operation"`
	Status         Status    `bson:"status" json:"status"`

	// Intermediary is true when this node only forwards the message.
	Intermediary bool `bson:"intermediary" json:"intermediary"`

	// BodyLocation is the token under which the message body store keeps
	// the serialized wire message.
	BodyLocation string `bson:"body_location,omitempty" json:"bodyLocation,omitempty"`

	// PModeID and PMode snapshot the processing mode the record was
	// accepted under, so later agents replay the same policy.
	PModeID string `bson:"pmode_id,omitempty" json:"pmodeId,omitempty"`
	PMode   []byte `bson:"pmode,omitempty" json:"-"`

	IsDuplicate bool `bson:"is_duplicate" json:"isDuplicate"`
	IsTest      bool `bson:"is_test" json:"isTest"`

	InsertedAt time.Time `bson:"inserted_at" json:"insertedAt"`
	ModifiedAt time.Time `bson:"modified_at" json:"modifiedAt"`

	// Claim bookkeeping for the datastore receiver.
	Claimed   bool       `bson:"claimed" json:"-"`
	ClaimedAt *time.Time `bson:"claimed_at,omitempty" json:"-"`
}

// InMessage is a received message record.
type InMessage struct {
	MessageEntity `bson:",inline"`
}

// OutMessage is an outgoing message record.
type OutMessage struct {
	MessageEntity `bson:",inline"`

	// URL the message is (to be) sent to; resolved from the PMode or via
	// dynamic discovery.
	URL string `bson:"url,omitempty" json:"url,omitempty"`
}

// RecordID returns the datastore id of the record.
func (e *MessageEntity) RecordID() string { return e.ID }

// CurrentOperation returns the record's lifecycle position.
func (e *MessageEntity) CurrentOperation() Operation { return e.Operation }

// Transition applies a new operation and status pair. It returns false,
// leaving the record untouched, when the record already reached a
// terminal operation. Callers log that anomaly; racing writers make it an
// expected occurrence, not an error.
func (e *MessageEntity) Transition(op Operation, status Status) bool {
	if e.Operation.IsTerminal() {
		return false
	}
	e.Operation = op
	if status != "" {
		e.Status = status
	}
	e.ModifiedAt = time.Now()
	return true
}

// MarkDeadLettered moves the record to the dead-letter end state with
// exception status.
func (e *MessageEntity) MarkDeadLettered() bool {
	return e.Transition(OperationDeadLettered, StatusException)
}

// MarkToBeRetried parks the record for the retry agent.
func (e *MessageEntity) MarkToBeRetried() bool {
	return e.Transition(OperationToBeRetried, "")
}

// Claim marks the record as handed out to a worker.
func (e *MessageEntity) Claim() {
	now := time.Now()
	e.Claimed = true
	e.ClaimedAt = &now
}

// ReleaseClaim returns the record to the pollable pool.
func (e *MessageEntity) ReleaseClaim() {
	e.Claimed = false
	e.ClaimedAt = nil
}
