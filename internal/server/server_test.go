package server

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoergVierling/eessi-as4.net/internal/agents"
	"github.com/JoergVierling/eessi-as4.net/internal/bodystore"
	"github.com/JoergVierling/eessi-as4.net/internal/sender"
	"github.com/JoergVierling/eessi-as4.net/internal/storage"
	"github.com/JoergVierling/eessi-as4.net/pkg/message"
	"github.com/JoergVierling/eessi-as4.net/pkg/mime"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
	"github.com/JoergVierling/eessi-as4.net/pkg/transport"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewMemoryStore()
	bodies, err := bodystore.NewFileStore(t.TempDir())
	require.NoError(t, err)

	registry := pmode.NewRegistry()
	require.NoError(t, registry.PutReceiving(&pmode.ReceivingPMode{
		ID: "inbound",
		Expected: pmode.ExpectedPolicy{
			Signing:    pmode.Allowed,
			Encryption: pmode.Allowed,
		},
	}))

	rt := agents.NewRuntime(agents.Runtime{
		Store:     store,
		Bodies:    bodies,
		PModes:    registry,
		Senders:   sender.NewRegistry(sender.FileStrategy{}),
		Transport: transport.NewClient(nil),
	})
	return New(Config{Address: ":0"}, rt, store, nil)
}

func serializedUserMessage(t *testing.T) ([]byte, string) {
	t.Helper()
	um, err := message.NewUserMessage(message.GenerateMessageID())
	require.NoError(t, err)
	body, contentType, err := mime.Serialize(message.FromUserMessage(um))
	require.NoError(t, err)
	return body, contentType
}

func TestReceive_UserMessageAnsweredWithReceipt(t *testing.T) {
	srv := testServer(t)
	body, contentType := serializedUserMessage(t)

	req := httptest.NewRequest(http.MethodPost, "/msh", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, mime.IsAS4ContentType(rec.Header().Get("Content-Type")))

	answer, err := mime.Parse(rec.Body, rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	_, ok := answer.PrimarySignal().(*message.Receipt)
	assert.True(t, ok, "answer carries a receipt")
}

func TestReceive_EmptyPullAnsweredWithWarning(t *testing.T) {
	srv := testServer(t)
	pr, err := message.NewPullRequest(message.GenerateMessageID(), "mpc-x")
	require.NoError(t, err)
	body, contentType, err := mime.Serialize(message.FromSignals(pr))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/msh", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	answer, err := mime.Parse(rec.Body, rec.Header().Get("Content-Type"))
	require.NoError(t, err)
	warning, ok := answer.PrimarySignal().(*message.Error)
	require.True(t, ok)
	assert.True(t, warning.IsWarningForEmptyPull())
}

func TestReceive_RejectsForeignContentType(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/msh", strings.NewReader(`{"not":"soap"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestReceive_MalformedEnvelopeAnsweredWithErrorSignal(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodPost, "/msh", strings.NewReader("<not-an-envelope"))
	req.Header.Set("Content-Type", "application/soap+xml")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	if mime.IsAS4ContentType(rec.Header().Get("Content-Type")) {
		answer, err := mime.Parse(rec.Body, rec.Header().Get("Content-Type"))
		require.NoError(t, err)
		assert.NotNil(t, answer.PrimarySignal())
	}
}

func TestHealthAndReadiness(t *testing.T) {
	srv := testServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestShutdown_Idles(t *testing.T) {
	srv := testServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
}
