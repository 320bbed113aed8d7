package agents

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoergVierling/eessi-as4.net/internal/bodystore"
	"github.com/JoergVierling/eessi-as4.net/internal/sender"
	"github.com/JoergVierling/eessi-as4.net/internal/storage"
	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/mime"
	"github.com/JoergVierling/eessi-as4.net/pkg/pipeline"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
	"github.com/JoergVierling/eessi-as4.net/pkg/scheduler"
	"github.com/JoergVierling/eessi-as4.net/pkg/transport"
)

func testRuntime(t *testing.T) (*Runtime, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	bodies, err := bodystore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	registry := pmode.NewRegistry()
	require.NoError(t, registry.PutSending(&pmode.SendingPMode{
		ID:                "push-pmode",
		MEPBinding:        pmode.Push,
		PushConfiguration: &pmode.PushConfiguration{URL: "http://peer.example.org/msh"},
		Reliability: pmode.RetryReliability{
			IsEnabled: true, RetryCount: 3, RetryInterval: time.Minute,
		},
		ReceiptHandling: pmode.NotifyHandling{NotifyProducer: true},
		ErrorHandling:   pmode.NotifyHandling{NotifyProducer: true},
		MessagePackaging: pmode.MessagePackaging{
			FromParty: pmode.Party{Role: "Sender", PartyIDs: []pmode.PartyID{{ID: "org-a"}}},
			ToParty:   pmode.Party{Role: "Receiver", PartyIDs: []pmode.PartyID{{ID: "org-b"}}},
			Collaboration: pmode.CollaborationInfo{
				Service: "urn:example:service", Action: "urn:example:action",
			},
		},
	}))
	require.NoError(t, registry.PutReceiving(&pmode.ReceivingPMode{
		ID:      "receive-pmode",
		Service: "urn:example:service",
		Action:  "urn:example:action",
		Expected: pmode.ExpectedPolicy{
			Signing:    pmode.Allowed,
			Encryption: pmode.Allowed,
		},
		Deliver: &pmode.DeliverConfiguration{
			IsEnabled:     true,
			DeliverMethod: pmode.Method{Type: "FILE", Parameters: []pmode.Parameter{{Name: "location", Value: t.TempDir()}}},
			Reliability:   pmode.RetryReliability{IsEnabled: true, RetryCount: 2, RetryInterval: time.Minute},
		},
	}))

	rt := NewRuntime(Runtime{
		Store:     store,
		Bodies:    bodies,
		PModes:    registry,
		Senders:   sender.NewRegistry(sender.FileStrategy{}),
		Transport: transport.NewClient(nil),
	})
	return rt, store
}

func receivedUserMessage(t *testing.T) (io.ReadCloser, string) {
	t.Helper()
	um, err := message.NewUserMessage(message.GenerateMessageID())
	require.NoError(t, err)
	um.Collaboration.Service.Value = "urn:example:service"
	um.Collaboration.Action = "urn:example:action"
	body, contentType, err := mime.Serialize(message.FromUserMessage(um))
	require.NoError(t, err)
	return io.NopCloser(bytes.NewReader(body)), contentType
}

func TestSubmit_PersistsToBeSentWithRetryRow(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	msgCtx, err := rt.Submit(ctx, &pipeline.SubmitMessage{PModeID: "push-pmode"})
	require.NoError(t, err)
	require.NoError(t, msgCtx.Failure)
	require.NotEmpty(t, msgCtx.EntityID)

	out, err := store.GetOutMessage(ctx, msgCtx.EntityID)
	require.NoError(t, err)
	assert.Equal(t, entities.OperationToBeSent, out.Operation)
	assert.Equal(t, entities.StatusCreated, out.Status)
	assert.Equal(t, entities.MEPPush, out.MEP)
	assert.Equal(t, "http://peer.example.org/msh", out.URL)
	assert.NotEmpty(t, out.BodyLocation)

	row, err := store.GetRetryByRef(ctx, entities.RefToOutMessage(out.ID))
	require.NoError(t, err)
	assert.Equal(t, entities.RetrySend, row.Type)
	assert.Equal(t, 3, row.MaxRetryCount)
}

func TestSubmit_UnknownPModeFailsWithException(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	msgCtx, err := rt.Submit(ctx, &pipeline.SubmitMessage{PModeID: "no-such-pmode"})
	require.NoError(t, err)
	assert.Error(t, msgCtx.Failure)

	excs, err := store.ClaimOutExceptions(ctx, entities.OperationNotApplicable, 10)
	require.NoError(t, err)
	assert.Len(t, excs, 1)
}

func TestOnReceived_UserMessageIsAcknowledgedAndQueuedForDelivery(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	stream, contentType := receivedUserMessage(t)
	msgCtx, err := rt.OnReceived(ctx, stream, contentType)
	require.NoError(t, err)
	require.NoError(t, msgCtx.Failure)

	in, err := store.GetInMessage(ctx, msgCtx.EntityID)
	require.NoError(t, err)
	assert.Equal(t, entities.OperationToBeDelivered, in.Operation)
	assert.Equal(t, entities.StatusReceived, in.Status)

	row, err := store.GetRetryByRef(ctx, entities.RefToInMessage(in.ID))
	require.NoError(t, err)
	assert.Equal(t, entities.RetryDelivery, row.Type)

	require.NotNil(t, msgCtx.Response)
	receipt, ok := msgCtx.Response.PrimarySignal().(*message.Receipt)
	require.True(t, ok, "answer is a receipt")
	assert.Equal(t, in.EbmsMessageID, receipt.RefToMessageID())
}

func TestOnReceived_DuplicateIsAcknowledgedButNotDeliveredTwice(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	um, err := message.NewUserMessage(message.GenerateMessageID())
	require.NoError(t, err)
	um.Collaboration.Service.Value = "urn:example:service"
	um.Collaboration.Action = "urn:example:action"
	body, contentType, err := mime.Serialize(message.FromUserMessage(um))
	require.NoError(t, err)

	first, err := rt.OnReceived(ctx, io.NopCloser(bytes.NewReader(body)), contentType)
	require.NoError(t, err)
	require.NoError(t, first.Failure)

	second, err := rt.OnReceived(ctx, io.NopCloser(bytes.NewReader(body)), contentType)
	require.NoError(t, err)
	require.NoError(t, second.Failure)
	require.NotNil(t, second.Response, "duplicates are still acknowledged")

	dup, err := store.GetInMessage(ctx, second.EntityID)
	require.NoError(t, err)
	assert.True(t, dup.IsDuplicate)
	assert.Equal(t, entities.OperationNotApplicable, dup.Operation)
}

func TestOnReceived_TestMessageIsNotDelivered(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	um, err := message.NewUserMessage(message.GenerateMessageID())
	require.NoError(t, err)
	um.Collaboration.Service.Value = message.TestService
	um.Collaboration.Action = message.TestAction

	// A wildcard pmode is needed since the test service matches nothing.
	require.NoError(t, rt.PModes.PutReceiving(&pmode.ReceivingPMode{
		ID:       "wildcard",
		Expected: pmode.ExpectedPolicy{Signing: pmode.Allowed, Encryption: pmode.Allowed},
	}))

	body, contentType, err := mime.Serialize(message.FromUserMessage(um))
	require.NoError(t, err)
	msgCtx, err := rt.OnReceived(ctx, io.NopCloser(bytes.NewReader(body)), contentType)
	require.NoError(t, err)
	require.NoError(t, msgCtx.Failure)

	in, err := store.GetInMessage(ctx, msgCtx.EntityID)
	require.NoError(t, err)
	assert.True(t, in.IsTest)
	assert.Equal(t, entities.OperationNotApplicable, in.Operation)
	assert.NotNil(t, msgCtx.Response, "test messages are still acknowledged")
}

func TestOnReceived_EmptyPullAnswersWithWarning(t *testing.T) {
	rt, _ := testRuntime(t)
	ctx := context.Background()

	pr, err := message.NewPullRequest(message.GenerateMessageID(), "mpc-empty")
	require.NoError(t, err)
	body, contentType, err := mime.Serialize(message.FromSignals(pr))
	require.NoError(t, err)

	msgCtx, err := rt.OnReceived(ctx, io.NopCloser(bytes.NewReader(body)), contentType)
	require.NoError(t, err)
	require.NoError(t, msgCtx.Failure)

	require.NotNil(t, msgCtx.Response)
	warning, ok := msgCtx.Response.PrimarySignal().(*message.Error)
	require.True(t, ok)
	assert.True(t, warning.IsWarningForEmptyPull())
}

func TestOnReceived_PullRequestDrainsWaitingMessage(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	// Park a pull-channel message via submit on a pull pmode.
	require.NoError(t, rt.PModes.PutSending(&pmode.SendingPMode{
		ID:         "pull-pmode",
		MEPBinding: pmode.Pull,
		PullConfiguration: &pmode.PullConfiguration{
			MPC: "mpc-a",
			URL: "http://peer.example.org/msh",
		},
		MessagePackaging: pmode.MessagePackaging{MPC: "mpc-a"},
	}))
	submitted, err := rt.Submit(ctx, &pipeline.SubmitMessage{PModeID: "pull-pmode"})
	require.NoError(t, err)
	require.NoError(t, submitted.Failure)

	pr, err := message.NewPullRequest(message.GenerateMessageID(), "mpc-a")
	require.NoError(t, err)
	body, contentType, err := mime.Serialize(message.FromSignals(pr))
	require.NoError(t, err)

	msgCtx, err := rt.OnReceived(ctx, io.NopCloser(bytes.NewReader(body)), contentType)
	require.NoError(t, err)
	require.NoError(t, msgCtx.Failure)

	require.NotNil(t, msgCtx.Response)
	require.NotNil(t, msgCtx.Response.PrimaryUserMessage())

	out, err := store.GetOutMessage(ctx, submitted.EntityID)
	require.NoError(t, err)
	assert.Equal(t, entities.OperationSent, out.Operation)
	assert.Equal(t, entities.StatusSent, out.Status)
}

func TestPullOnce_RefusedPullReparksPiggybackedSignals(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := &pmode.SendingPMode{
		ID:         "pull-pmode",
		MEPBinding: pmode.Pull,
		PullConfiguration: &pmode.PullConfiguration{
			MPC: "mpc-b",
			URL: srv.URL,
		},
		MessagePackaging: pmode.MessagePackaging{MPC: "mpc-b"},
	}
	require.NoError(t, rt.PModes.PutSending(p))

	// A receipt parked on the channel, waiting to ride the next request.
	receipt, err := message.NewReceipt(message.GenerateMessageID(), "earlier@peer")
	require.NoError(t, err)
	body, contentType, err := mime.Serialize(message.FromSignals(receipt))
	require.NoError(t, err)
	location, err := rt.Bodies.SaveMessageStream(ctx, bytes.NewReader(body))
	require.NoError(t, err)

	now := time.Now()
	parked := &entities.OutMessage{MessageEntity: entities.MessageEntity{
		ID:            "parked-receipt",
		EbmsMessageID: receipt.MessageID(),
		ContentType:   contentType,
		MEP:           entities.MEPPull,
		MPC:           "mpc-b",
		Operation:     entities.OperationToBePiggyBacked,
		Status:        entities.StatusCreated,
		BodyLocation:  location,
		InsertedAt:    now,
		ModifiedAt:    now,
	}}
	require.NoError(t, store.InsertOutMessage(ctx, parked))

	outcome, _ := rt.PullOnce(ctx, p)
	assert.Equal(t, scheduler.OutcomeIncrease, outcome)

	// The signal never reached the peer: it must be poolable again for
	// the next request, with its claim released.
	reparked, err := store.GetOutMessage(ctx, parked.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OperationToBePiggyBacked, reparked.Operation)
	assert.False(t, reparked.Claimed)

	rows, err := store.ClaimPiggybackSignals(ctx, "mpc-b", 8)
	require.NoError(t, err)
	require.Len(t, rows, 1, "reparked signal is claimable for the next pull")
	assert.Equal(t, parked.ID, rows[0].ID)
}

func TestOnReceived_ReceiptAcknowledgesSentMessage(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	submitted, err := rt.Submit(ctx, &pipeline.SubmitMessage{PModeID: "push-pmode"})
	require.NoError(t, err)
	out, err := store.GetOutMessage(ctx, submitted.EntityID)
	require.NoError(t, err)

	receipt, err := message.NewReceipt(message.GenerateMessageID(), out.EbmsMessageID)
	require.NoError(t, err)
	body, contentType, err := mime.Serialize(message.FromSignals(receipt))
	require.NoError(t, err)

	msgCtx, err := rt.OnReceived(ctx, io.NopCloser(bytes.NewReader(body)), contentType)
	require.NoError(t, err)
	require.NoError(t, msgCtx.Failure)

	acked, err := store.GetOutMessage(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.StatusAck, acked.Status)
	assert.Equal(t, entities.OperationToBeNotified, acked.Operation)

	row, err := store.GetRetryByRef(ctx, entities.RefToOutMessage(out.ID))
	require.NoError(t, err)
	assert.Equal(t, entities.RetryCompleted, row.Status, "send retry row frozen on acknowledgement")
}

func TestHandleToBeSent_AcceptedPeerMarksSent(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	submitted, err := rt.Submit(ctx, &pipeline.SubmitMessage{PModeID: "push-pmode"})
	require.NoError(t, err)
	out, err := store.GetOutMessage(ctx, submitted.EntityID)
	require.NoError(t, err)
	out.URL = srv.URL

	require.NoError(t, rt.HandleToBeSent(ctx, out))

	sent, err := store.GetOutMessage(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OperationSent, sent.Operation)
	assert.Equal(t, entities.StatusSent, sent.Status)
}

func TestHandleToBeSent_RefusalParksForRetry(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	submitted, err := rt.Submit(ctx, &pipeline.SubmitMessage{PModeID: "push-pmode"})
	require.NoError(t, err)
	out, err := store.GetOutMessage(ctx, submitted.EntityID)
	require.NoError(t, err)
	out.URL = srv.URL

	require.NoError(t, rt.HandleToBeSent(ctx, out))

	parked, err := store.GetOutMessage(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OperationToBeRetried, parked.Operation)

	row, err := store.GetRetryByRef(ctx, entities.RefToOutMessage(out.ID))
	require.NoError(t, err)
	assert.Equal(t, entities.RetryPending, row.Status)
	assert.Zero(t, row.CurrentRetryCount, "attempts are counted at the retry tick")
}

func TestHandleToBeSent_SigningWithoutStrategyIsFatal(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	require.NoError(t, rt.PModes.PutSending(&pmode.SendingPMode{
		ID:                "signed-pmode",
		MEPBinding:        pmode.Push,
		PushConfiguration: &pmode.PushConfiguration{URL: "http://peer.example.org/msh"},
		Security: pmode.SecurityPolicy{
			Signing: pmode.Signing{IsEnabled: true},
		},
		MessagePackaging: pmode.MessagePackaging{
			FromParty: pmode.Party{Role: "Sender", PartyIDs: []pmode.PartyID{{ID: "org-a"}}},
			ToParty:   pmode.Party{Role: "Receiver", PartyIDs: []pmode.PartyID{{ID: "org-b"}}},
			Collaboration: pmode.CollaborationInfo{
				Service: "urn:example:service", Action: "urn:example:action",
			},
		},
	}))

	submitted, err := rt.Submit(ctx, &pipeline.SubmitMessage{PModeID: "signed-pmode"})
	require.NoError(t, err)
	out, err := store.GetOutMessage(ctx, submitted.EntityID)
	require.NoError(t, err)

	// No Signer configured on the runtime: the message must never go out
	// unsigned.
	require.NoError(t, rt.HandleToBeSent(ctx, out))

	dead, err := store.GetOutMessage(ctx, out.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OperationDeadLettered, dead.Operation)

	excs, err := store.ClaimOutExceptions(ctx, entities.OperationNotApplicable, 10)
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Contains(t, excs[0].Exception, "signing")
}

func TestHandleToBeDelivered_UploadsAndCompletes(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	stream, contentType := receivedUserMessage(t)
	received, err := rt.OnReceived(ctx, stream, contentType)
	require.NoError(t, err)
	require.NoError(t, received.Failure)

	in, err := store.GetInMessage(ctx, received.EntityID)
	require.NoError(t, err)
	require.NoError(t, rt.HandleToBeDelivered(ctx, in))

	delivered, err := store.GetInMessage(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OperationDelivered, delivered.Operation)
	assert.Equal(t, entities.StatusDelivered, delivered.Status)

	row, err := store.GetRetryByRef(ctx, entities.RefToInMessage(in.ID))
	require.NoError(t, err)
	assert.Equal(t, entities.RetryCompleted, row.Status)
}

func TestRecordMissingReceipt_CreatesNotifiableException(t *testing.T) {
	rt, store := testRuntime(t)
	ctx := context.Background()

	submitted, err := rt.Submit(ctx, &pipeline.SubmitMessage{PModeID: "push-pmode"})
	require.NoError(t, err)
	out, err := store.GetOutMessage(ctx, submitted.EntityID)
	require.NoError(t, err)

	require.NoError(t, rt.RecordMissingReceipt(ctx, entities.RefToOutMessage(out.ID)))

	excs, err := store.ClaimOutExceptions(ctx, entities.OperationToBeNotified, 10)
	require.NoError(t, err)
	require.Len(t, excs, 1)
	assert.Equal(t, out.EbmsMessageID, excs[0].EbmsRefToMessageID)
	assert.Contains(t, excs[0].Exception, "no receipt received")
}
