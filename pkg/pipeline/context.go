package pipeline

import (
	"io"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// Mode tells which operation kind a context flows through; each mode has
// its own fixed step list.
type Mode string

const (
	ModeSubmit      Mode = "submit"
	ModeReceive     Mode = "receive"
	ModeSend        Mode = "send"
	ModeDeliver     Mode = "deliver"
	ModeNotify      Mode = "notify"
	ModeForward     Mode = "forward"
	ModePullRequest Mode = "pull"
)

// SubmitMessage is a producer submission before it becomes an AS4
// package.
type SubmitMessage struct {
	PModeID        string
	ConversationID string
	RefToMessageID string
	Properties     []message.Property
	Payloads       []*message.Attachment
}

// DeliverEnvelope is the serialized package handed to a consumer.
type DeliverEnvelope struct {
	MessageID   string
	ContentType string
	Content     []byte
}

// NotifyEnvelope tells a producer about a receipt, error or exception.
type NotifyEnvelope struct {
	MessageID      string
	RefToMessageID string
	Status         entities.Status
	Content        []byte
}

// MessagingContext carries one message through its step list. A context
// holds at most one of the message shapes; it is owned by a single
// goroutine for the whole pipeline run.
type MessagingContext struct {
	Mode Mode

	SubmitMessage *SubmitMessage
	AS4Message    *message.AS4Message
	Deliver       *DeliverEnvelope
	Notify        *NotifyEnvelope

	// ReceivedStream is the raw wire stream of a received message. The
	// context owns it and must close it on every exit path.
	ReceivedStream      io.ReadCloser
	ReceivedContentType string

	SendingPMode   *pmode.SendingPMode
	ReceivingPMode *pmode.ReceivingPMode

	// EntityID/EntityDirection link the context to its persisted record
	// once one exists.
	EntityID        string
	EntityDirection entities.Direction

	// Response is the package returned on the open HTTP connection for
	// receive/pull exchanges.
	Response *message.AS4Message

	// Failure is the terminal error captured by the executor when a step
	// failed; nil on success.
	Failure error
}

// New creates a context for the given mode.
func New(mode Mode) *MessagingContext {
	return &MessagingContext{Mode: mode}
}

// NewReceived creates a receive context owning the raw stream.
func NewReceived(stream io.ReadCloser, contentType string) *MessagingContext {
	return &MessagingContext{
		Mode:                ModeReceive,
		ReceivedStream:      stream,
		ReceivedContentType: contentType,
	}
}

// WithAS4Message attaches the package and returns the context.
func (c *MessagingContext) WithAS4Message(m *message.AS4Message) *MessagingContext {
	c.AS4Message = m
	return c
}

// CloseReceivedStream releases the raw stream, if any. Safe to call more
// than once.
func (c *MessagingContext) CloseReceivedStream() error {
	if c.ReceivedStream == nil {
		return nil
	}
	err := c.ReceivedStream.Close()
	c.ReceivedStream = nil
	return err
}

// MessageID returns the primary ebMS id of whatever shape the context
// carries.
func (c *MessagingContext) MessageID() string {
	switch {
	case c.AS4Message != nil:
		return c.AS4Message.PrimaryMessageID()
	case c.Deliver != nil:
		return c.Deliver.MessageID
	case c.Notify != nil:
		return c.Notify.MessageID
	default:
		return ""
	}
}
