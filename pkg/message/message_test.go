package message

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMessageUnit_Validation(t *testing.T) {
	_, err := NewMessageUnit("")
	assert.ErrorIs(t, err, ErrEmptyMessageID)

	_, err = NewMessageUnitWithRef("msg-1", "")
	assert.ErrorIs(t, err, ErrEmptyRefToMessageID)

	unit, err := NewMessageUnitWithRef("msg-1", "ref-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", unit.MessageID())
	assert.Equal(t, "ref-1", unit.RefToMessageID())
	assert.False(t, unit.Timestamp.IsZero())
}

func TestMessageUnit_EqualityByMessageID(t *testing.T) {
	a, err := NewMessageUnit("same-id")
	require.NoError(t, err)
	b, err := NewMessageUnitWithRef("same-id", "other-ref")
	require.NoError(t, err)
	c, err := NewMessageUnit("different-id")
	require.NoError(t, err)

	// Equality ignores everything but MessageId.
	b.Timestamp = time.Now().Add(time.Hour)
	assert.True(t, a.Equal(b))
	assert.True(t, b.Equal(a))
	assert.False(t, a.Equal(c))
	assert.False(t, MessageUnit{}.Equal(MessageUnit{}))
}

func TestUserMessage_IsTest(t *testing.T) {
	um, err := NewUserMessage("test-msg")
	require.NoError(t, err)
	assert.False(t, um.IsTest())

	um.Collaboration.Service.Value = TestService
	um.Collaboration.Action = TestAction
	assert.True(t, um.IsTest())
}

func TestUserMessage_DefaultMPC(t *testing.T) {
	um, err := NewUserMessage("msg-1")
	require.NoError(t, err)
	assert.Equal(t, DefaultMPC, um.MPC)
}

func TestGenerateMessageID(t *testing.T) {
	id1 := GenerateMessageID()
	id2 := GenerateMessageID()
	assert.NotEqual(t, id1, id2)
	assert.Contains(t, id1, "@")
}

func TestError_IsWarningForEmptyPull(t *testing.T) {
	warning, err := NewError("sig-1", "", EmptyPullWarning(DefaultMPC))
	require.NoError(t, err)
	assert.True(t, warning.IsWarningForEmptyPull())

	failure, err := NewError("sig-2", "ref", FailureLine(CodeOther, "Processing", "boom"))
	require.NoError(t, err)
	assert.False(t, failure.IsWarningForEmptyPull())

	mixed, err := NewError("sig-3", "", EmptyPullWarning(DefaultMPC), FailureLine(CodeOther, "Processing", "boom"))
	require.NoError(t, err)
	assert.False(t, mixed.IsWarningForEmptyPull())

	empty, err := NewError("sig-4", "")
	require.NoError(t, err)
	assert.False(t, empty.IsWarningForEmptyPull())
}

func TestAttachment_Matches(t *testing.T) {
	a := NewAttachment("payload-1", "application/xml", []byte("<doc/>"))
	assert.True(t, a.Matches("cid:payload-1"))
	assert.True(t, a.Matches("payload-1"))
	assert.False(t, a.Matches("cid:other"))
}

func TestAS4Message_Primary(t *testing.T) {
	um, err := NewUserMessage("user-1")
	require.NoError(t, err)
	msg := FromUserMessage(um, NewAttachment("p1", "text/plain", []byte("hello")))

	assert.True(t, msg.IsUserMessage())
	assert.False(t, msg.IsSignalOnly())
	assert.Equal(t, "user-1", msg.PrimaryMessageID())

	receipt, err := NewReceipt("sig-1", "user-1")
	require.NoError(t, err)
	signals := FromSignals(receipt)
	assert.True(t, signals.IsSignalOnly())
	assert.Equal(t, "sig-1", signals.PrimaryMessageID())
	assert.False(t, signals.IsPullRequest())

	pr, err := NewPullRequest("sig-2", "")
	require.NoError(t, err)
	pull := FromSignals(pr)
	assert.True(t, pull.IsPullRequest())
	assert.Equal(t, DefaultMPC, pull.FirstPullRequest().MPC)
}

func TestEnvelope_RoundTrip_UserMessage(t *testing.T) {
	um, err := NewUserMessage("user-1@host")
	require.NoError(t, err)
	um.MPC = "urn:test:mpc"
	um.Sender = Party{Role: "Sender", PartyIDs: []PartyID{{ID: "org-a", Type: "urn:type"}}}
	um.Receiver = Party{Role: "Receiver", PartyIDs: []PartyID{{ID: "org-b"}}}
	um.Collaboration = CollaborationInfo{
		AgreementRef:   AgreementRef{Value: "agreement-1", PModeID: "pmode-1"},
		Service:        Service{Value: "urn:service", Type: "tc1"},
		Action:         "Submit",
		ConversationID: "conv-1",
	}
	um.Properties = []Property{{Name: "originalSender", Value: "C1"}}
	um.PayloadInfo = []PartInfo{{
		Href:       "cid:payload-1",
		Properties: []Property{{Name: "MimeType", Value: "application/xml"}},
	}}

	data, err := FromUserMessage(um).Serialize()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), xmlDeclPrefix))

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	got := parsed.PrimaryUserMessage()
	require.NotNil(t, got)
	assert.Equal(t, "user-1@host", got.MessageID())
	assert.Equal(t, "urn:test:mpc", got.MPC)
	assert.Equal(t, "org-a", got.Sender.PartyIDs[0].ID)
	assert.Equal(t, "pmode-1", got.Collaboration.AgreementRef.PModeID)
	assert.Equal(t, "Submit", got.Collaboration.Action)
	assert.Equal(t, "conv-1", got.Collaboration.ConversationID)
	require.Len(t, got.PayloadInfo, 1)
	assert.Equal(t, "application/xml", got.PayloadInfo[0].PartProperty("MimeType"))
}

const xmlDeclPrefix = "<?xml"

func TestEnvelope_RoundTrip_Signals(t *testing.T) {
	receipt, err := NewReceipt("receipt-1", "user-1")
	require.NoError(t, err)
	errSig, err := NewError("error-1", "user-2", FailureLine(CodeInvalidHeader, "Content", "bad header"))
	require.NoError(t, err)
	pr, err := NewPullRequest("pull-1", "urn:mpc:custom")
	require.NoError(t, err)

	data, err := FromSignals(receipt, errSig, pr).Serialize()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	require.Len(t, parsed.SignalMessages, 3)

	gotReceipt, ok := parsed.SignalMessages[0].(*Receipt)
	require.True(t, ok)
	assert.Equal(t, "user-1", gotReceipt.RefToMessageID())

	gotError, ok := parsed.SignalMessages[1].(*Error)
	require.True(t, ok)
	require.Len(t, gotError.Lines, 1)
	assert.Equal(t, CodeInvalidHeader, gotError.Lines[0].Code)
	assert.Equal(t, "user-2", gotError.RefToMessageID())

	gotPull, ok := parsed.SignalMessages[2].(*PullRequest)
	require.True(t, ok)
	assert.Equal(t, "urn:mpc:custom", gotPull.MPC)
}

func TestParseEnvelope_Invalid(t *testing.T) {
	_, err := ParseEnvelope([]byte("not xml at all"))
	assert.Error(t, err)

	_, err = ParseEnvelope([]byte(`<?xml version="1.0"?><Envelope xmlns="http://www.w3.org/2003/05/soap-envelope"><Body/></Envelope>`))
	assert.Error(t, err)
}
