// Package sender implements the deliver/notify upload strategies. A
// PMode method names a strategy by type string (FILE, HTTP, AMQP, NATS)
// plus parameters; the registry resolves the strategy and rejects
// unknown types when the configuration is loaded, not at send time.
package sender

import (
	"context"
	"sync"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// Payload is one deliver or notify body on its way to the consumer.
type Payload struct {
	MessageID   string
	ContentType string
	Content     []byte
}

// Strategy uploads payloads via one transport.
type Strategy interface {
	// Name is the method type string the strategy answers to.
	Name() string
	// Send uploads the payload per the method parameters.
	Send(ctx context.Context, method pmode.Method, p Payload) error
}

// Registry resolves method types to strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewRegistry registers the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	for _, s := range strategies {
		r.strategies[s.Name()] = s
	}
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Strategy resolves the method type.
func (r *Registry) Strategy(typ string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[typ]
	if !ok {
		return nil, faults.Configuration("method.type", "unknown sender strategy "+typ)
	}
	return s, nil
}

// Validate checks a configured method against the registry; called
// eagerly when PModes are loaded.
func (r *Registry) Validate(m pmode.Method) error {
	if m.Type == "" {
		return faults.Configuration("method.type", "sender method type is empty")
	}
	_, err := r.Strategy(m.Type)
	return err
}

// Send resolves and runs the strategy in one step.
func (r *Registry) Send(ctx context.Context, method pmode.Method, p Payload) error {
	s, err := r.Strategy(method.Type)
	if err != nil {
		return err
	}
	return s.Send(ctx, method, p)
}
