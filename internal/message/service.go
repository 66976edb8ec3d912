package message

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tradehub-ng/tradehub/internal/idgen"
)

// MaxContentLength caps a single chat message.
const MaxContentLength = 2000

// Service implements trade chat.
type Service struct {
	store  Store
	trades TradeDirectory
	logger *slog.Logger
	sinks  []Sink
}

// NewService creates a message service.
func NewService(store Store, trades TradeDirectory, logger *slog.Logger) *Service {
	return &Service{store: store, trades: trades, logger: logger}
}

// WithSink adds a message sink.
func (s *Service) WithSink(sink Sink) *Service {
	s.sinks = append(s.sinks, sink)
	return s
}

// Send stores a message from senderID to the other trade party.
func (s *Service) Send(ctx context.Context, tradeID, senderID, content string, msgType Type, mediaURL string) (*Message, error) {
	if msgType == "" {
		msgType = TypeText
	}
	content = strings.TrimSpace(content)
	if content == "" && mediaURL == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > MaxContentLength {
		// Back up to a rune boundary so the cut never stores invalid UTF-8.
		cut := MaxContentLength
		for cut > 0 && !utf8.RuneStart(content[cut]) {
			cut--
		}
		content = content[:cut]
	}

	receiverID, err := s.trades.Counterparty(ctx, tradeID, senderID)
	if err != nil {
		return nil, mapDirectoryError(err)
	}

	message := &Message{
		ID:         idgen.WithPrefix("msg_"),
		TradeID:    tradeID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Type:       msgType,
		MediaURL:   mediaURL,
		CreatedAt:  time.Now(),
	}

	if err := s.store.Create(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	for _, sink := range s.sinks {
		sink.MessageSent(message)
	}
	return message, nil
}

// System injects a lifecycle notice into the trade thread, addressed to
// the given receiver. Used for escrow milestones.
func (s *Service) System(ctx context.Context, tradeID, receiverID, content string) (*Message, error) {
	message := &Message{
		ID:         idgen.WithPrefix("msg_"),
		TradeID:    tradeID,
		SenderID:   SystemSender,
		ReceiverID: receiverID,
		Content:    content,
		Type:       TypeSystem,
		CreatedAt:  time.Now(),
	}
	if err := s.store.Create(ctx, message); err != nil {
		return nil, fmt.Errorf("failed to store system message: %w", err)
	}
	for _, sink := range s.sinks {
		sink.MessageSent(message)
	}
	return message, nil
}

// ListByTrade returns the thread to one of its parties, oldest first.
func (s *Service) ListByTrade(ctx context.Context, tradeID, actorID string, limit int) ([]*Message, error) {
	if _, err := s.trades.Counterparty(ctx, tradeID, actorID); err != nil {
		return nil, mapDirectoryError(err)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListByTrade(ctx, tradeID, limit)
}

// MarkRead flags the actor's incoming messages in the trade as read.
func (s *Service) MarkRead(ctx context.Context, tradeID, actorID string) (int, error) {
	if _, err := s.trades.Counterparty(ctx, tradeID, actorID); err != nil {
		return 0, mapDirectoryError(err)
	}
	return s.store.MarkRead(ctx, tradeID, actorID)
}

// UnreadCount returns how many unread messages await the user across
// all trades.
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.CountUnread(ctx, userID)
}

// mapDirectoryError keeps this package's error taxonomy: any membership
// failure from the trade service reads as unauthorized here.
func mapDirectoryError(err error) error {
	return fmt.Errorf("%w: %v", ErrUnauthorized, err)
}
