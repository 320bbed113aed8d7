package sender

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// AMQPStrategy publishes payloads to a RabbitMQ broker.
// Parameters: url (required), exchange, routingKey (one of exchange or
// routingKey must be set; routingKey doubles as the queue name on the
// default exchange).
type AMQPStrategy struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	url     string
}

func NewAMQPStrategy() *AMQPStrategy { return &AMQPStrategy{} }

func (*AMQPStrategy) Name() string { return "AMQP" }

func (s *AMQPStrategy) Send(ctx context.Context, method pmode.Method, p Payload) error {
	url := method.Parameter("url")
	if url == "" {
		return faults.Configuration("method.url", "AMQP sender needs a url parameter")
	}
	exchange := method.Parameter("exchange")
	routingKey := method.Parameter("routingKey")
	if exchange == "" && routingKey == "" {
		return faults.Configuration("method.routingKey", "AMQP sender needs an exchange or routingKey parameter")
	}

	ch, err := s.channelFor(url)
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType: p.ContentType,
		MessageId:   p.MessageID,
		Body:        p.Content,
	})
	if err != nil {
		s.reset()
		return faults.Transient("publishing to "+url, err)
	}
	return nil
}

// channelFor keeps one connection per strategy; it is dialed on first
// use and replaced after a publish failure.
func (s *AMQPStrategy) channelFor(url string) (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel != nil && s.url == url && !s.conn.IsClosed() {
		return s.channel, nil
	}
	s.closeLocked()

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, faults.Transient("dialing "+url, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, faults.Transient("opening channel on "+url, err)
	}
	s.conn, s.channel, s.url = conn, ch, url
	return ch, nil
}

func (s *AMQPStrategy) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *AMQPStrategy) closeLocked() {
	if s.channel != nil {
		s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Close releases the broker connection.
func (s *AMQPStrategy) Close() error {
	s.reset()
	return nil
}
