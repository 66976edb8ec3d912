package request

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*TradeRequest
}

// NewMemoryStore creates an in-memory request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*TradeRequest)}
}

func (m *MemoryStore) Create(ctx context.Context, r *TradeRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(r), nil
}

// Claim performs the conditional match under the store mutex, mirroring
// the single-statement UPDATE the postgres store runs.
func (m *MemoryStore) Claim(ctx context.Context, id, counterpartyID string, now time.Time) (*TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if r.Status == StatusMatched {
		return nil, ErrAlreadyMatched
	}
	if r.Status != StatusOpen || !r.ExpiresAt.After(now) {
		return nil, ErrInvalidStatus
	}

	r.Status = StatusMatched
	r.MatchedUserID = counterpartyID
	return copyRequest(r), nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, id string, from, to Status) (*TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if r.Status != from {
		if r.Status == StatusMatched {
			return nil, ErrAlreadyMatched
		}
		return nil, ErrInvalidStatus
	}

	r.Status = to
	if to == StatusOpen {
		r.MatchedUserID = ""
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) HasOpenDuplicate(ctx context.Context, r *TradeRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.requests {
		if existing.ID == r.ID || existing.Status != StatusOpen {
			continue
		}
		if existing.UserID == r.UserID &&
			existing.Direction == r.Direction &&
			existing.CoinType == r.CoinType &&
			existing.Amount.Equal(r.Amount) &&
			existing.FiatAmount.Equal(r.FiatAmount) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListOpen(ctx context.Context, coinType string, limit int) ([]*TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var result []*TradeRequest
	for _, r := range m.requests {
		if !r.IsClaimable(now) {
			continue
		}
		if coinType != "" && r.CoinType != coinType {
			continue
		}
		result = append(result, copyRequest(r))
	}
	sortRequestsNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*TradeRequest
	for _, r := range m.requests {
		if r.UserID == userID {
			result = append(result, copyRequest(r))
		}
	}
	sortRequestsNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*TradeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*TradeRequest
	for _, r := range m.requests {
		if r.Status == StatusOpen && !r.ExpiresAt.After(before) {
			result = append(result, copyRequest(r))
		}
	}
	sortRequestsNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortRequestsNewestFirst(requests []*TradeRequest) {
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
}

// copyRequest returns a copy so callers can't mutate stored state.
func copyRequest(r *TradeRequest) *TradeRequest {
	c := *r
	return &c
}

var _ Store = (*MemoryStore)(nil)
