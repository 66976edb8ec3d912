package notify

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory notification store for tests and development.
type MemoryStore struct {
	mu            sync.RWMutex
	notifications map[string]*Notification
}

// NewMemoryStore creates a new in-memory notification store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notifications: make(map[string]*Notification)}
}

func (m *MemoryStore) Create(ctx context.Context, n *Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = copyNotification(n)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotificationNotFound
	}
	return copyNotification(n), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Notification
	for _, n := range m.notifications {
		if n.UserID != userID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		result = append(result, copyNotification(n))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) MarkRead(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return ErrNotificationNotFound
	}
	n.Read = true
	return nil
}

func (m *MemoryStore) MarkAllRead(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			n.Read = true
			updated++
		}
	}
	return updated, nil
}

func (m *MemoryStore) CountUnread(ctx context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && !n.Read {
			count++
		}
	}
	return count, nil
}

func copyNotification(n *Notification) *Notification {
	c := *n
	if n.Data != nil {
		c.Data = make(map[string]interface{}, len(n.Data))
		for k, v := range n.Data {
			c.Data[k] = v
		}
	}
	return &c
}

var _ Store = (*MemoryStore)(nil)
