package message

// AS4Message aggregates the message units and attachments that travel in
// one SOAP+MIME package. A package carries at most one user message plus
// any number of signal messages (a pull response piggybacks signals next
// to the pulled user message).
type AS4Message struct {
	UserMessages   []*UserMessage
	SignalMessages []SignalMessage
	Attachments    []*Attachment

	// ContentType of the received wire package, when deserialized.
	ContentType string

	// RawEnvelope holds the received envelope bytes verbatim; security
	// verification must see exactly what was on the wire.
	RawEnvelope []byte

	// SigningID is the wsu:Id material recorded while applying security,
	// so that verification can locate the signed parts.
	SigningID string
}

// NewAS4Message creates an empty message package.
func NewAS4Message() *AS4Message {
	return &AS4Message{}
}

// FromUserMessage creates a package around a single user message.
func FromUserMessage(um *UserMessage, attachments ...*Attachment) *AS4Message {
	return &AS4Message{
		UserMessages: []*UserMessage{um},
		Attachments:  attachments,
	}
}

// FromSignals creates a signals-only package (receipt/error responses and
// pull requests).
func FromSignals(signals ...SignalMessage) *AS4Message {
	return &AS4Message{SignalMessages: signals}
}

// PrimaryUserMessage returns the first user message, or nil.
func (m *AS4Message) PrimaryUserMessage() *UserMessage {
	if len(m.UserMessages) == 0 {
		return nil
	}
	return m.UserMessages[0]
}

// PrimarySignal returns the first signal message, or nil.
func (m *AS4Message) PrimarySignal() SignalMessage {
	if len(m.SignalMessages) == 0 {
		return nil
	}
	return m.SignalMessages[0]
}

// PrimaryMessageID returns the MessageId that identifies the package: the
// primary user message if present, otherwise the primary signal.
func (m *AS4Message) PrimaryMessageID() string {
	if um := m.PrimaryUserMessage(); um != nil {
		return um.MessageID()
	}
	if s := m.PrimarySignal(); s != nil {
		return s.MessageID()
	}
	return ""
}

// IsUserMessage reports whether the package carries a user message.
func (m *AS4Message) IsUserMessage() bool { return len(m.UserMessages) > 0 }

// IsSignalOnly reports whether the package carries only signal messages.
func (m *AS4Message) IsSignalOnly() bool {
	return len(m.UserMessages) == 0 && len(m.SignalMessages) > 0
}

// IsPullRequest reports whether the primary signal is a pull request.
func (m *AS4Message) IsPullRequest() bool {
	_, ok := m.PrimarySignal().(*PullRequest)
	return ok
}

// FirstPullRequest returns the pull request signal, or nil.
func (m *AS4Message) FirstPullRequest() *PullRequest {
	for _, s := range m.SignalMessages {
		if pr, ok := s.(*PullRequest); ok {
			return pr
		}
	}
	return nil
}

// AddSignal appends a signal message to the package.
func (m *AS4Message) AddSignal(s SignalMessage) {
	m.SignalMessages = append(m.SignalMessages, s)
}

// AddAttachment appends an attachment.
func (m *AS4Message) AddAttachment(a *Attachment) {
	m.Attachments = append(m.Attachments, a)
}

// AttachmentFor returns the attachment referenced by a PartInfo, or nil.
func (m *AS4Message) AttachmentFor(part PartInfo) *Attachment {
	for _, a := range m.Attachments {
		if a.Matches(part.Href) {
			return a
		}
	}
	return nil
}

// IsEmpty reports whether the package carries no message units at all.
// Empty packages short-circuit the pipeline with success.
func (m *AS4Message) IsEmpty() bool {
	return len(m.UserMessages) == 0 && len(m.SignalMessages) == 0
}
