package entities

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAmbiguousRetryRef is returned when a retry row does not reference
// exactly one entity.
var ErrAmbiguousRetryRef = errors.New("retry reliability must reference exactly one entity")

// RetryType tells which activity a retry row guards.
type RetryType string

const (
	RetrySend         RetryType = "Send"
	RetryDelivery     RetryType = "Delivery"
	RetryNotification RetryType = "Notification"
	RetryPiggyBack    RetryType = "PiggyBack"
)

// RetryStatus is the lifecycle of a retry row. A Completed row is
// immutable.
type RetryStatus string

const (
	RetryPending   RetryStatus = "Pending"
	RetryCompleted RetryStatus = "Completed"
)

// RetryRef points a retry row at exactly one referenced entity.
type RetryRef struct {
	InMessageID    string `bson:"in_message_id,omitempty" json:"inMessageId,omitempty"`
	OutMessageID   string `bson:"out_message_id,omitempty" json:"outMessageId,omitempty"`
	InExceptionID  string `bson:"in_exception_id,omitempty" json:"inExceptionId,omitempty"`
	OutExceptionID string `bson:"out_exception_id,omitempty" json:"outExceptionId,omitempty"`
}

// RefToInMessage references a received message record.
func RefToInMessage(id string) RetryRef { return RetryRef{InMessageID: id} }

// RefToOutMessage references an outgoing message record.
func RefToOutMessage(id string) RetryRef { return RetryRef{OutMessageID: id} }

// RefToInException references a receive-side exception record.
func RefToInException(id string) RetryRef { return RetryRef{InExceptionID: id} }

// RefToOutException references a send-side exception record.
func RefToOutException(id string) RetryRef { return RetryRef{OutExceptionID: id} }

func (r RetryRef) count() int {
	n := 0
	for _, id := range []string{r.InMessageID, r.OutMessageID, r.InExceptionID, r.OutExceptionID} {
		if id != "" {
			n++
		}
	}
	return n
}

// EntityID returns the single referenced entity id.
func (r RetryRef) EntityID() string {
	for _, id := range []string{r.InMessageID, r.OutMessageID, r.InExceptionID, r.OutExceptionID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// RetryReliability pairs one entity with its retry budget. Rows are
// created alongside the referencing entity when its PMode enables
// reliability for the activity, mutated only by the retry engine, and
// frozen once Completed.
type RetryReliability struct {
	ID  string   `bson:"_id" json:"id"`
	Ref RetryRef `bson:"ref,inline" json:"ref"`

	Type             RetryType     `bson:"type" json:"type"`
	CurrentRetryCount int          `bson:"current_retry_count" json:"currentRetryCount"`
	MaxRetryCount    int           `bson:"max_retry_count" json:"maxRetryCount"`
	RetryInterval    time.Duration `bson:"retry_interval" json:"retryInterval"`
	LastRetryTime    *time.Time    `bson:"last_retry_time,omitempty" json:"lastRetryTime,omitempty"`
	Status           RetryStatus   `bson:"status" json:"status"`

	InsertedAt time.Time `bson:"inserted_at" json:"insertedAt"`
	ModifiedAt time.Time `bson:"modified_at" json:"modifiedAt"`
}

// NewRetryReliability creates a Pending retry row. The reference must name
// exactly one entity.
func NewRetryReliability(ref RetryRef, typ RetryType, maxRetries int, interval time.Duration) (*RetryReliability, error) {
	if ref.count() != 1 {
		return nil, ErrAmbiguousRetryRef
	}
	now := time.Now()
	return &RetryReliability{
		ID:            uuid.New().String(),
		Ref:           ref,
		Type:          typ,
		MaxRetryCount: maxRetries,
		RetryInterval: interval,
		Status:        RetryPending,
		InsertedAt:    now,
		ModifiedAt:    now,
	}, nil
}

// RetriesRemain reports whether another attempt fits the budget.
func (r *RetryReliability) RetriesRemain() bool {
	return r.CurrentRetryCount < r.MaxRetryCount
}

// RegisterAttempt increments the retry counter and stamps the attempt
// time. Called by the retry agent at the moment a retry is re-attempted,
// not when the failure was observed.
func (r *RetryReliability) RegisterAttempt(now time.Time) {
	r.CurrentRetryCount++
	r.LastRetryTime = &now
	r.ModifiedAt = now
}

// Complete freezes the row. Further mutations are a programming error and
// are guarded by the storage layer refusing updates on Completed rows.
func (r *RetryReliability) Complete() {
	r.Status = RetryCompleted
	r.ModifiedAt = time.Now()
}

// Due reports whether the row is ready for a retry tick: still pending and
// past its retry interval since the last attempt (or never attempted).
func (r *RetryReliability) Due(now time.Time) bool {
	if r.Status != RetryPending {
		return false
	}
	if r.LastRetryTime == nil {
		return true
	}
	return now.Sub(*r.LastRetryTime) >= r.RetryInterval
}
