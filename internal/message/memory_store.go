package message

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string][]*Message // tradeID -> messages
}

// NewMemoryStore creates an in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string][]*Message)}
}

func (m *MemoryStore) Create(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *msg
	m.messages[msg.TradeID] = append(m.messages[msg.TradeID], &c)
	return nil
}

func (m *MemoryStore) ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[tradeID]
	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		c := *msg
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:] // keep the most recent
	}
	return result, nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, tradeID, receiverID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	updated := 0
	for _, msg := range m.messages[tradeID] {
		if msg.ReceiverID == receiverID && !msg.Read {
			msg.Read = true
			updated++
		}
	}
	return updated, nil
}

func (m *MemoryStore) CountUnread(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ReceiverID == userID && !msg.Read {
				count++
			}
		}
	}
	return count, nil
}

var _ Store = (*MemoryStore)(nil)
