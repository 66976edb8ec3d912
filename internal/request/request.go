// Package request implements the open trade-request book and the matcher.
//
// A request advertises intent to buy or sell; any other user may claim it.
// Claiming is a single conditional update guarded by the open status, so
// under concurrent claims exactly one counterparty wins and the rest are
// told the request is already matched.
package request

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradehub-ng/tradehub/internal/trade"
)

var (
	ErrRequestNotFound  = errors.New("trade request not found")
	ErrAlreadyMatched   = errors.New("trade request already matched")
	ErrInvalidStatus    = errors.New("invalid request status for this operation")
	ErrUnauthorized     = errors.New("not authorized for this request operation")
	ErrSelfClaim        = errors.New("cannot claim your own trade request")
	ErrDuplicateRequest = errors.New("an identical open request already exists")
)

// Status represents the state of a trade request. Forward-only: open is
// the only non-terminal status.
type Status string

const (
	StatusOpen      Status = "open"      // Visible in the book, claimable
	StatusMatched   Status = "matched"   // Claimed; a trade now exists
	StatusCancelled Status = "cancelled" // Withdrawn by the requester
	StatusExpired   Status = "expired"   // TTL passed without a claim
)

// DefaultTTL is how long an open request stays claimable.
const DefaultTTL = 24 * time.Hour

// TradeRequest is an advertised intent to trade.
type TradeRequest struct {
	ID            string          `json:"id"`
	UserID        string          `json:"userId"`
	Direction     trade.Direction `json:"direction"`
	CoinType      string          `json:"coinType"`
	Amount        decimal.Decimal `json:"amount"`
	FiatAmount    decimal.Decimal `json:"fiatAmount"`
	Rate          decimal.Decimal `json:"rate"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Status        Status          `json:"status"`
	MatchedUserID string          `json:"matchedUserId,omitempty"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// IsClaimable reports whether the request can still be matched at t.
func (r *TradeRequest) IsClaimable(t time.Time) bool {
	return r.Status == StatusOpen && r.ExpiresAt.After(t)
}

// Store persists trade requests.
//
// Claim is the matcher's only write path: one conditional update guarded
// by the open status and the expiry, never read-then-write.
type Store interface {
	Create(ctx context.Context, request *TradeRequest) error
	Get(ctx context.Context, id string) (*TradeRequest, error)
	// Claim atomically matches an open, unexpired request to the given
	// counterparty. Loser outcomes: ErrAlreadyMatched when someone else
	// won, ErrInvalidStatus when the request was cancelled or expired,
	// ErrRequestNotFound when it never existed.
	Claim(ctx context.Context, id, counterpartyID string, now time.Time) (*TradeRequest, error)
	// SetStatus conditionally moves a request from one status to another.
	SetStatus(ctx context.Context, id string, from, to Status) (*TradeRequest, error)
	// HasOpenDuplicate reports whether the same user already has an open
	// request with identical terms.
	HasOpenDuplicate(ctx context.Context, request *TradeRequest) (bool, error)
	ListOpen(ctx context.Context, coinType string, limit int) ([]*TradeRequest, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*TradeRequest, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]*TradeRequest, error)
}

// TradeCreator opens the escrow trade for a freshly matched request.
// Implemented by the trade service; declared here so request doesn't
// depend on its concrete type.
type TradeCreator interface {
	CreateFromRequest(ctx context.Context, p trade.CreateParams) (*trade.Trade, error)
}
