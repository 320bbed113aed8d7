package message

// SignalMessage is implemented by the three ebMS3 signal kinds: Receipt,
// Error and PullRequest. Signals share message-unit identity with user
// messages.
type SignalMessage interface {
	MessageID() string
	RefToMessageID() string
	isSignal()
}

// Receipt acknowledges a received user message.
type Receipt struct {
	MessageUnit

	// NonRepudiation holds the serialized NonRepudiationInformation when
	// the PMode requests a non-repudiation receipt; nil for a plain ack.
	NonRepudiation []byte
}

func (Receipt) isSignal() {}

// NewReceipt creates a receipt referencing the acknowledged user message.
func NewReceipt(messageID, refToMessageID string) (*Receipt, error) {
	unit, err := NewMessageUnitWithRef(messageID, refToMessageID)
	if err != nil {
		return nil, err
	}
	return &Receipt{MessageUnit: unit}, nil
}

// Severity of an ebMS error line.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityFailure Severity = "failure"
)

// ErrorLine is one error entry inside an Error signal.
type ErrorLine struct {
	Code             ErrorCode
	Severity         Severity
	Category         string
	ShortDescription string
	Detail           string
}

// Error is the ebMS error signal. It may carry multiple error lines.
type Error struct {
	MessageUnit

	Lines []ErrorLine
}

func (Error) isSignal() {}

// NewError creates an error signal referencing the message in error.
// An empty refToMessageID is allowed for errors that could not be related
// to any message.
func NewError(messageID, refToMessageID string, lines ...ErrorLine) (*Error, error) {
	unit, err := NewMessageUnit(messageID)
	if err != nil {
		return nil, err
	}
	unit.SetRefToMessageID(refToMessageID)
	return &Error{MessageUnit: unit, Lines: lines}, nil
}

// IsWarningForEmptyPull reports whether this error only warns that the
// pulled message partition channel was empty (EBMS:0006). Such a signal is
// not a failure; the pull exchange simply yielded nothing.
func (e *Error) IsWarningForEmptyPull() bool {
	if len(e.Lines) == 0 {
		return false
	}
	for _, line := range e.Lines {
		if line.Code != CodeEmptyMessagePartition || line.Severity != SeverityWarning {
			return false
		}
	}
	return true
}

// PullRequest asks the peer for the next user message on an MPC.
type PullRequest struct {
	MessageUnit

	MPC string
}

func (PullRequest) isSignal() {}

// NewPullRequest creates a pull request for the given MPC. An empty MPC
// addresses the default channel.
func NewPullRequest(messageID, mpc string) (*PullRequest, error) {
	unit, err := NewMessageUnit(messageID)
	if err != nil {
		return nil, err
	}
	if mpc == "" {
		mpc = DefaultMPC
	}
	return &PullRequest{MessageUnit: unit, MPC: mpc}, nil
}
