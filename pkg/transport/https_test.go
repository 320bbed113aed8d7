package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
)

func TestClient_SendReturnsPeerAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/soap+xml", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/soap+xml")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("<Envelope/>"))
	}))
	defer srv.Close()

	resp, err := NewClient(nil).Send(context.Background(), srv.URL, []byte("<msg/>"), "application/soap+xml")
	require.NoError(t, err)
	assert.True(t, resp.Accepted())
	assert.True(t, resp.HasBody())
	assert.Equal(t, []byte("<Envelope/>"), resp.Body)
}

func TestClient_RejectedStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resp, err := NewClient(nil).Send(context.Background(), srv.URL, nil, "application/soap+xml")
	require.NoError(t, err)
	assert.False(t, resp.Accepted())
}

func TestClient_NetworkFailureIsTransient(t *testing.T) {
	_, err := NewClient(nil).Send(context.Background(), "http://127.0.0.1:1", nil, "application/soap+xml")
	require.Error(t, err)
	assert.True(t, faults.IsTransient(err))
}

func TestResponse_Accepted(t *testing.T) {
	assert.True(t, (&Response{StatusCode: http.StatusOK}).Accepted())
	assert.True(t, (&Response{StatusCode: http.StatusAccepted}).Accepted())
	assert.False(t, (&Response{StatusCode: http.StatusBadRequest}).Accepted())
}
