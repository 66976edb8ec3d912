package trade

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	trades    map[string]*Trade
	byRequest map[string]string // requestID -> tradeID
}

// NewMemoryStore creates an in-memory trade store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:    make(map[string]*Trade),
		byRequest: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades[trade.ID] = copyTrade(trade)
	if trade.RequestID != "" {
		m.byRequest[trade.RequestID] = trade.ID
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	trade, ok := m.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(trade), nil
}

func (m *MemoryStore) GetByRequest(ctx context.Context, requestID string) (*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byRequest[requestID]
	if !ok {
		return nil, ErrTradeNotFound
	}
	return copyTrade(m.trades[id]), nil
}

func (m *MemoryStore) Update(ctx context.Context, trade *Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[trade.ID]; !ok {
		return ErrTradeNotFound
	}
	m.trades[trade.ID] = copyTrade(trade)
	return nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if t.BuyerID == userID || t.SellerID == userID {
			result = append(result, copyTrade(t))
		}
	}
	sortTradesNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListActive(ctx context.Context, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if !t.IsTerminal() {
			result = append(result, copyTrade(t))
		}
	}
	sortTradesNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, paymentBefore, confirmBefore time.Time, limit int) ([]*Trade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Trade
	for _, t := range m.trades {
		if isOverdue(t, paymentBefore, confirmBefore) {
			result = append(result, copyTrade(t))
		}
	}
	sortTradesNewestFirst(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func isOverdue(t *Trade, paymentBefore, confirmBefore time.Time) bool {
	switch t.EscrowStatus {
	case StatusPending, StatusProofSubmitted:
		return t.CreatedAt.Before(paymentBefore)
	case StatusPaymentClaimed:
		return t.UpdatedAt.Before(confirmBefore)
	}
	return false
}

func sortTradesNewestFirst(trades []*Trade) {
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].CreatedAt.After(trades[j].CreatedAt)
	})
}

// copyTrade returns a deep copy so callers can't mutate stored state.
func copyTrade(t *Trade) *Trade {
	c := *t
	if t.Proof != nil {
		p := *t.Proof
		c.Proof = &p
	}
	if t.ResolvedAt != nil {
		r := *t.ResolvedAt
		c.ResolvedAt = &r
	}
	return &c
}

// MemoryEventStore is an in-memory EventStore.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]*Event // tradeID -> events in append order
}

// NewMemoryEventStore creates an in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]*Event)}
}

func (m *MemoryEventStore) Append(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *event
	m.events[event.TradeID] = append(m.events[event.TradeID], &c)
	return nil
}

func (m *MemoryEventStore) ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[tradeID]
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	result := make([]*Event, len(events))
	for i, e := range events {
		c := *e
		result[i] = &c
	}
	return result, nil
}

var (
	_ Store      = (*MemoryStore)(nil)
	_ EventStore = (*MemoryEventStore)(nil)
)
