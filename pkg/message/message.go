package message

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEmptyMessageID is returned when a message unit is constructed
	// without an ebMS MessageId.
	ErrEmptyMessageID = errors.New("ebMS MessageId must not be empty")
	// ErrEmptyRefToMessageID is returned when an explicit RefToMessageId
	// is the empty string. Omitting the reference entirely is allowed.
	ErrEmptyRefToMessageID = errors.New("ebMS RefToMessageId must not be empty when set")
)

// MessageUnit is the common identity of every ebMS message: a mandatory
// MessageId, an optional RefToMessageId and a timestamp. It is embedded by
// UserMessage and by the signal message kinds.
type MessageUnit struct {
	messageID      string
	refToMessageID string
	Timestamp      time.Time
}

// NewMessageUnit creates a message unit with the given MessageId and the
// current time as timestamp.
func NewMessageUnit(messageID string) (MessageUnit, error) {
	if messageID == "" {
		return MessageUnit{}, ErrEmptyMessageID
	}
	return MessageUnit{messageID: messageID, Timestamp: time.Now()}, nil
}

// NewMessageUnitWithRef creates a message unit referencing another message.
// The reference must be non-empty; use NewMessageUnit when there is none.
func NewMessageUnitWithRef(messageID, refToMessageID string) (MessageUnit, error) {
	if refToMessageID == "" {
		return MessageUnit{}, ErrEmptyRefToMessageID
	}
	unit, err := NewMessageUnit(messageID)
	if err != nil {
		return MessageUnit{}, err
	}
	unit.refToMessageID = refToMessageID
	return unit, nil
}

// MessageID returns the immutable ebMS MessageId.
func (u MessageUnit) MessageID() string { return u.messageID }

// RefToMessageID returns the referenced MessageId, or "" when the unit
// references no other message.
func (u MessageUnit) RefToMessageID() string { return u.refToMessageID }

// SetRefToMessageID updates the reference after construction. The empty
// string clears it.
func (u *MessageUnit) SetRefToMessageID(ref string) { u.refToMessageID = ref }

// Equal reports whether two message units denote the same ebMS message.
// Equality is by MessageId only.
func (u MessageUnit) Equal(other MessageUnit) bool {
	return u.messageID != "" && u.messageID == other.messageID
}

// Party identifies a sending or receiving party.
type Party struct {
	Role     string
	PartyIDs []PartyID
}

// PartyID is a single party identifier with an optional type qualifier.
type PartyID struct {
	ID   string
	Type string
}

// CollaborationInfo carries the business context of a user message.
type CollaborationInfo struct {
	AgreementRef   AgreementRef
	Service        Service
	Action         string
	ConversationID string
}

// AgreementRef references the business agreement and the PMode that
// governs the exchange.
type AgreementRef struct {
	Value   string
	Type    string
	PModeID string
}

// Service identifies the business service, optionally typed.
type Service struct {
	Value string
	Type  string
}

// Property is a named message or part property.
type Property struct {
	Name  string
	Type  string
	Value string
}

// UserMessage is the business payload envelope of the protocol.
type UserMessage struct {
	MessageUnit

	Sender        Party
	Receiver      Party
	Collaboration CollaborationInfo
	MPC           string
	PayloadInfo   []PartInfo
	Properties    []Property

	// IsDuplicate is computed on receive, never transmitted.
	IsDuplicate bool
}

// PartInfo references one payload part of a user message.
type PartInfo struct {
	Href       string
	Properties []Property
}

// NewUserMessage creates a user message with the given MessageId on the
// default MPC.
func NewUserMessage(messageID string) (*UserMessage, error) {
	unit, err := NewMessageUnit(messageID)
	if err != nil {
		return nil, err
	}
	return &UserMessage{MessageUnit: unit, MPC: DefaultMPC}, nil
}

// IsTest reports whether the message uses the ebMS test service and action.
// Test messages are acknowledged but never delivered to consumers.
func (m *UserMessage) IsTest() bool {
	return m.Collaboration.Service.Value == TestService &&
		m.Collaboration.Action == TestAction
}

// PartProperty returns the named property of a payload part, or "".
func (p PartInfo) PartProperty(name string) string {
	for _, prop := range p.Properties {
		if prop.Name == name {
			return prop.Value
		}
	}
	return ""
}

// DefaultMPC is the default message partition channel defined by ebMS3.
const DefaultMPC = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"

// Test service constants per the ebMS3 core specification.
const (
	TestService = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/service"
	TestAction  = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/test"
)

// GenerateMessageID creates a unique ebMS MessageId of the form uuid@host.
func GenerateMessageID() string {
	host := "mshd"
	if addrs, err := net.InterfaceAddrs(); err == nil && len(addrs) > 0 {
		if ipnet, ok := addrs[0].(*net.IPNet); ok {
			host = ipnet.IP.String()
		}
	}
	return fmt.Sprintf("%s@%s", uuid.New().String(), host)
}
