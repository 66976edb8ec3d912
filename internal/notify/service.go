package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradehub-ng/tradehub/internal/idgen"
)

// Service implements notification storage and delivery.
type Service struct {
	store  Store
	logger *slog.Logger
	sinks  []Sink
}

// NewService creates a notification service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// WithSink adds a notification sink.
func (s *Service) WithSink(sink Sink) *Service {
	s.sinks = append(s.sinks, sink)
	return s
}

// Notify stores a notification and fans it out.
func (s *Service) Notify(ctx context.Context, userID string, typ Type, title, message string, data map[string]interface{}) (*Notification, error) {
	notification := &Notification{
		ID:        idgen.WithPrefix("ntf_"),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}
	if err := s.store.Create(ctx, notification); err != nil {
		return nil, fmt.Errorf("failed to store notification: %w", err)
	}
	for _, sink := range s.sinks {
		sink.NotificationCreated(notification)
	}
	return notification, nil
}

// ListByUser returns a user's inbox, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, unreadOnly, limit)
}

// MarkRead flags one notification as read. Only its owner may do so.
func (s *Service) MarkRead(ctx context.Context, id, userID string) error {
	notification, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if notification.UserID != userID {
		return ErrUnauthorized
	}
	return s.store.MarkRead(ctx, id)
}

// MarkAllRead flags the user's entire inbox as read.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return s.store.MarkAllRead(ctx, userID)
}

// UnreadCount returns the user's unread notification count.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnread(ctx, userID)
}
