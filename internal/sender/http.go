package sender

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// HTTPStrategy posts payloads to a consumer endpoint.
// Parameters: url (required).
type HTTPStrategy struct {
	client *http.Client
}

// NewHTTPStrategy builds the strategy; nil client gets a 30s-timeout
// default.
func NewHTTPStrategy(client *http.Client) *HTTPStrategy {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStrategy{client: client}
}

func (*HTTPStrategy) Name() string { return "HTTP" }

func (s *HTTPStrategy) Send(ctx context.Context, method pmode.Method, p Payload) error {
	url := method.Parameter("url")
	if url == "" {
		return faults.Configuration("method.url", "HTTP sender needs a url parameter")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(p.Content))
	if err != nil {
		return faults.Configuration("method.url", err.Error())
	}
	req.Header.Set("Content-Type", p.ContentType)
	req.Header.Set("X-Message-Id", p.MessageID)

	resp, err := s.client.Do(req)
	if err != nil {
		return faults.Transient("posting to consumer "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return faults.Transient("consumer "+url+" answered "+resp.Status, nil)
	}
	return nil
}
