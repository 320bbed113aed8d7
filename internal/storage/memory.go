package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JoergVierling/eessi-as4.net/pkg/entities"
)

// MemoryStore is the in-memory Store used by tests and single-node
// setups. All operations are guarded by one mutex; claim operations are
// therefore atomic by construction.
type MemoryStore struct {
	mu sync.Mutex

	inMessages  map[string]*entities.InMessage
	outMessages map[string]*entities.OutMessage
	inExcs      map[string]*entities.InException
	outExcs     map[string]*entities.OutException
	retries     map[string]*entities.RetryReliability

	now func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		inMessages:  make(map[string]*entities.InMessage),
		outMessages: make(map[string]*entities.OutMessage),
		inExcs:      make(map[string]*entities.InException),
		outExcs:     make(map[string]*entities.OutException),
		retries:     make(map[string]*entities.RetryReliability),
		now:         time.Now,
	}
}

func (s *MemoryStore) InsertInMessage(_ context.Context, m *entities.InMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.inMessages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInMessage(_ context.Context, id string) (*entities.InMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.inMessages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) UpdateInMessage(_ context.Context, m *entities.InMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inMessages[m.ID]; !ok {
		return ErrNotFound
	}
	cp := *m
	s.inMessages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) ExistsInMessage(_ context.Context, ebmsMessageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.inMessages {
		if m.EbmsMessageID == ebmsMessageID {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) ClaimInMessages(_ context.Context, op entities.Operation, limit int) ([]*entities.InMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entities.InMessage
	for _, m := range s.sortedInMessages() {
		if len(out) == limit {
			break
		}
		if m.Operation == op && !m.Claimed {
			m.Claim()
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertOutMessage(_ context.Context, m *entities.OutMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.outMessages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOutMessage(_ context.Context, id string) (*entities.OutMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outMessages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetOutMessageByEbmsID(_ context.Context, ebmsMessageID string) (*entities.OutMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.outMessages {
		if m.EbmsMessageID == ebmsMessageID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateOutMessage(_ context.Context, m *entities.OutMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outMessages[m.ID]; !ok {
		return ErrNotFound
	}
	cp := *m
	s.outMessages[m.ID] = &cp
	return nil
}

func (s *MemoryStore) ClaimOutMessages(_ context.Context, op entities.Operation, limit int) ([]*entities.OutMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entities.OutMessage
	for _, m := range s.sortedOutMessages() {
		if len(out) == limit {
			break
		}
		if m.Operation == op && !m.Claimed {
			if op == entities.OperationToBeSent && m.MEP == entities.MEPPull {
				// Pull-channel rows wait for a PullRequest.
				continue
			}
			m.Claim()
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimOutMessageForMPC(_ context.Context, mpc string) (*entities.OutMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.sortedOutMessages() {
		if m.Operation == entities.OperationToBeSent && m.MEP == entities.MEPPull &&
			m.MPC == mpc && !m.Claimed {
			m.Claim()
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ClaimPiggybackSignals(_ context.Context, mpc string, limit int) ([]*entities.OutMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entities.OutMessage
	for _, m := range s.sortedOutMessages() {
		if len(out) == limit {
			break
		}
		if m.Operation == entities.OperationToBePiggyBacked && m.MPC == mpc && !m.Claimed {
			m.Claim()
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertInException(_ context.Context, e *entities.InException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.inExcs[e.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateInException(_ context.Context, e *entities.InException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inExcs[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	s.inExcs[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetInException(_ context.Context, id string) (*entities.InException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.inExcs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ClaimInExceptions(_ context.Context, op entities.Operation, limit int) ([]*entities.InException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entities.InException
	for _, e := range s.inExcs {
		if len(out) == limit {
			break
		}
		if e.Operation == op && !e.Claimed {
			now := s.now()
			e.Claimed = true
			e.ClaimedAt = &now
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertOutException(_ context.Context, e *entities.OutException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.outExcs[e.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateOutException(_ context.Context, e *entities.OutException) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.outExcs[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	s.outExcs[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetOutException(_ context.Context, id string) (*entities.OutException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.outExcs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) ClaimOutExceptions(_ context.Context, op entities.Operation, limit int) ([]*entities.OutException, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entities.OutException
	for _, e := range s.outExcs {
		if len(out) == limit {
			break
		}
		if e.Operation == op && !e.Claimed {
			now := s.now()
			e.Claimed = true
			e.ClaimedAt = &now
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertRetry(_ context.Context, r *entities.RetryReliability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.retries[r.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateRetry(_ context.Context, r *entities.RetryReliability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.retries[r.ID]
	if !ok {
		return ErrNotFound
	}
	if existing.Status == entities.RetryCompleted {
		// Completed rows are frozen.
		return nil
	}
	cp := *r
	s.retries[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetRetryByRef(_ context.Context, ref entities.RetryRef) (*entities.RetryReliability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.retries {
		if r.Ref == ref {
			cp := *r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) DueRetries(_ context.Context, limit int) ([]*entities.RetryReliability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*entities.RetryReliability
	for _, r := range s.retries {
		if len(out) == limit {
			break
		}
		if r.Due(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ReleaseClaims(_ context.Context, kind EntityKind, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		switch kind {
		case KindInMessage:
			if m, ok := s.inMessages[id]; ok {
				m.ReleaseClaim()
			}
		case KindOutMessage:
			if m, ok := s.outMessages[id]; ok {
				m.ReleaseClaim()
			}
		case KindInException:
			if e, ok := s.inExcs[id]; ok {
				e.Claimed = false
				e.ClaimedAt = nil
			}
		case KindOutException:
			if e, ok := s.outExcs[id]; ok {
				e.Claimed = false
				e.ClaimedAt = nil
			}
		}
	}
	return nil
}

func (s *MemoryStore) ReapExpiredClaims(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	released := 0
	for _, m := range s.inMessages {
		if m.Claimed && m.ClaimedAt != nil && m.ClaimedAt.Before(cutoff) {
			m.ReleaseClaim()
			released++
		}
	}
	for _, m := range s.outMessages {
		if m.Claimed && m.ClaimedAt != nil && m.ClaimedAt.Before(cutoff) {
			m.ReleaseClaim()
			released++
		}
	}
	for _, e := range s.inExcs {
		if e.Claimed && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Claimed = false
			e.ClaimedAt = nil
			released++
		}
	}
	for _, e := range s.outExcs {
		if e.Claimed && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Claimed = false
			e.ClaimedAt = nil
			released++
		}
	}
	return released, nil
}

func (s *MemoryStore) Close(context.Context) error { return nil }
func (s *MemoryStore) Ping(context.Context) error  { return nil }

// sortedInMessages returns records oldest-first so claim order is
// deterministic.
func (s *MemoryStore) sortedInMessages() []*entities.InMessage {
	out := make([]*entities.InMessage, 0, len(s.inMessages))
	for _, m := range s.inMessages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt.Before(out[j].InsertedAt) })
	return out
}

func (s *MemoryStore) sortedOutMessages() []*entities.OutMessage {
	out := make([]*entities.OutMessage, 0, len(s.outMessages))
	for _, m := range s.outMessages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InsertedAt.Before(out[j].InsertedAt) })
	return out
}
