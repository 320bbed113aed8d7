package pmode

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Registry holds the loaded processing modes. It is safe for concurrent
// use; the file watcher swaps entries on hot reload.
type Registry struct {
	mu        sync.RWMutex
	sending   map[string]*SendingPMode
	receiving map[string]*ReceivingPMode
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sending:   make(map[string]*SendingPMode),
		receiving: make(map[string]*ReceivingPMode),
	}
}

// PutSending validates and stores a sending PMode.
func (r *Registry) PutSending(p *SendingPMode) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sending[p.ID] = p
	return nil
}

// PutReceiving validates and stores a receiving PMode.
func (r *Registry) PutReceiving(p *ReceivingPMode) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receiving[p.ID] = p
	return nil
}

// Sending returns the sending PMode with the given id.
func (r *Registry) Sending(id string) (*SendingPMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.sending[id]
	if !ok {
		return nil, fmt.Errorf("no sending pmode %q", id)
	}
	return p, nil
}

// Receiving returns the receiving PMode with the given id.
func (r *Registry) Receiving(id string) (*ReceivingPMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.receiving[id]
	if !ok {
		return nil, fmt.Errorf("no receiving pmode %q", id)
	}
	return p, nil
}

// MatchReceiving finds the receiving PMode for a received user message.
// An exact service+action match wins over a wildcard match.
func (r *Registry) MatchReceiving(service, action string) (*ReceivingPMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var wildcard *ReceivingPMode
	for _, p := range r.receiving {
		if p.Service == service && p.Action == action {
			return p, nil
		}
		if p.Service == "" && p.Action == "" && wildcard == nil {
			wildcard = p
		}
	}
	if wildcard != nil {
		return wildcard, nil
	}
	return nil, fmt.Errorf("no receiving pmode matches service %q action %q", service, action)
}

// SendingPull returns all pull-binding sending PModes; the pull scheduler
// registers one interval request per entry.
func (r *Registry) SendingPull() []*SendingPMode {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*SendingPMode
	for _, p := range r.sending {
		if p.MEPBinding == Pull {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot serializes a sending PMode for persistence alongside a message
// record.
func Snapshot(p *SendingPMode) []byte {
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return data
}

// FromSnapshot restores a persisted sending PMode snapshot.
func FromSnapshot(data []byte) (*SendingPMode, error) {
	var p SendingPMode
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding pmode snapshot: %w", err)
	}
	return &p, nil
}
