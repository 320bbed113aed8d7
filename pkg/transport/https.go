// Package transport implements the outbound HTTPS leg of the MSH with a
// TLS 1.2/1.3 profile.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
)

// TLS cipher suites recommended for AS4 exchanges over TLS 1.2.
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// Config is the TLS and timeout profile of the outbound client.
type Config struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
}

// DefaultConfig returns the default client profile.
func DefaultConfig() *Config {
	return &Config{
		MinTLSVersion:   tls.VersionTLS12,
		MaxTLSVersion:   tls.VersionTLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Response is the raw HTTP answer of the peer MSH. Accepted tells
// whether the peer acknowledged the transfer (200 or 202).
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Accepted reports whether the peer took the message.
func (r *Response) Accepted() bool {
	return r.StatusCode == http.StatusOK || r.StatusCode == http.StatusAccepted
}

// HasBody reports whether the peer answered with a payload worth
// parsing (pull results, synchronous receipts).
func (r *Response) HasBody() bool { return len(r.Body) > 0 }

// Client sends serialized AS4 messages to peer MSH endpoints.
type Client struct {
	client *http.Client
}

// NewClient builds a client from the profile; nil takes the defaults.
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion:   cfg.MinTLSVersion,
					MaxVersion:   cfg.MaxTLSVersion,
					CipherSuites: cfg.CipherSuites,
					Certificates: cfg.Certificates,
					RootCAs:      cfg.RootCAs,
				},
				IdleConnTimeout:     cfg.IdleConnTimeout,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
			},
		},
	}
}

// Send posts the message to the endpoint. Network trouble surfaces as a
// transient failure; any HTTP answer, accepted or not, is returned for
// the caller to judge.
func (c *Client) Send(ctx context.Context, endpoint string, body []byte, contentType string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "eessi-as4/1.0")
	req.Header.Set("SOAPAction", "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, faults.Transient("posting to "+endpoint, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Transient("reading response from "+endpoint, err)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        responseBody,
	}, nil
}
