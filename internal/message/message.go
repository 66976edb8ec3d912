// Package message implements trade-scoped chat between the two parties.
package message

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrUnauthorized    = errors.New("not a party to this trade")
	ErrEmptyMessage    = errors.New("message content is empty")
)

// Type classifies a chat message.
type Type string

const (
	TypeText   Type = "text"
	TypeImage  Type = "image"
	TypeSystem Type = "system" // lifecycle notices injected into the thread
)

// SystemSender is the sender ID used for system-injected thread notices.
const SystemSender = "system"

// Message is one chat entry between trade parties.
type Message struct {
	ID         string    `json:"id"`
	TradeID    string    `json:"tradeId"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Content    string    `json:"content"`
	Type       Type      `json:"messageType"`
	MediaURL   string    `json:"mediaUrl,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Store persists chat messages.
type Store interface {
	Create(ctx context.Context, message *Message) error
	ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Message, error)
	// MarkRead flags every message addressed to receiverID in the trade as
	// read. Returns the number of messages updated.
	MarkRead(ctx context.Context, tradeID, receiverID string) (int, error)
	CountUnread(ctx context.Context, userID string) (int, error)
}

// TradeDirectory resolves the counterparty of a trade member.
// Implemented by the trade service; a non-party gets an error.
type TradeDirectory interface {
	Counterparty(ctx context.Context, tradeID, userID string) (string, error)
}

// Sink receives stored messages for fan-out (realtime bus, notifications).
// Implementations must not block.
type Sink interface {
	MessageSent(message *Message)
}
