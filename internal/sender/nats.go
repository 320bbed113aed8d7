package sender

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// NATSStrategy publishes payloads on a NATS subject.
// Parameters: url (required), subject (required).
type NATSStrategy struct {
	mu   sync.Mutex
	conn *nats.Conn
	url  string
}

func NewNATSStrategy() *NATSStrategy { return &NATSStrategy{} }

func (*NATSStrategy) Name() string { return "NATS" }

func (s *NATSStrategy) Send(_ context.Context, method pmode.Method, p Payload) error {
	url := method.Parameter("url")
	if url == "" {
		return faults.Configuration("method.url", "NATS sender needs a url parameter")
	}
	subject := method.Parameter("subject")
	if subject == "" {
		return faults.Configuration("method.subject", "NATS sender needs a subject parameter")
	}

	conn, err := s.connFor(url)
	if err != nil {
		return err
	}

	msg := nats.NewMsg(subject)
	msg.Header.Set("Content-Type", p.ContentType)
	msg.Header.Set("Message-Id", p.MessageID)
	msg.Data = p.Content
	if err := conn.PublishMsg(msg); err != nil {
		return faults.Transient("publishing to "+subject, err)
	}
	return nil
}

func (s *NATSStrategy) connFor(url string) (*nats.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && s.url == url && s.conn.IsConnected() {
		return s.conn, nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	conn, err := nats.Connect(url, nats.Name("eessi-as4 notify"))
	if err != nil {
		return nil, faults.Transient("connecting to "+url, err)
	}
	s.conn, s.url = conn, url
	return conn, nil
}

// Close drains and releases the NATS connection.
func (s *NATSStrategy) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}
