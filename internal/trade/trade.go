// Package trade owns the escrow lifecycle of a matched trade.
//
// Flow:
//  1. A claimed trade request produces a Trade in pending
//  2. Payer uploads a payment proof → proof_submitted
//  3. Payer marks the fiat payment sent → payment_claimed
//  4. Payee confirms receipt → receipt_confirmed, then settled
//  5. Either party may dispute from any non-terminal state
//  6. Missed payment or confirmation windows auto-refund
package trade

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrTradeNotFound    = errors.New("trade not found")
	ErrInvalidStatus    = errors.New("invalid escrow status for this operation")
	ErrUnauthorized     = errors.New("not authorized for this trade operation")
	ErrProofRequired    = errors.New("a payment proof must be attached first")
	ErrAlreadyResolved  = errors.New("trade already resolved")
	ErrRejectedArtifact = errors.New("payment artifact rejected")
)

// Status is the escrow status of a trade. It only moves forward, except for
// the terminal exits disputed and refunded which are reachable from any
// non-terminal status.
type Status string

const (
	StatusPending          Status = "pending"           // Created at match time, awaiting proof
	StatusProofSubmitted   Status = "proof_submitted"   // Payer attached a payment proof
	StatusPaymentClaimed   Status = "payment_claimed"   // Payer claims the fiat payment was sent
	StatusReceiptConfirmed Status = "receipt_confirmed" // Payee confirmed receipt
	StatusSettled          Status = "settled"           // Asset released, trade complete
	StatusDisputed         Status = "disputed"          // Handed to out-of-band resolution
	StatusRefunded         Status = "refunded"          // Auto-refunded after a missed window
)

// Direction of the originating trade request, from the requester's side.
type Direction string

const (
	DirectionBuy  Direction = "buy"  // requester buys the asset, pays fiat
	DirectionSell Direction = "sell" // requester sells the asset, receives fiat
)

// Proof is the reference to an uploaded payment artifact. At most one is
// active per trade; re-upload replaces it without touching the status.
type Proof struct {
	URL        string    `json:"url"`
	MIMEType   string    `json:"mimeType"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Trade is a bound bilateral contract created when a request is claimed.
// The buyer pays fiat (payer role); the seller releases the asset and
// receives fiat (payee role).
type Trade struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"requestId"`
	BuyerID       string          `json:"buyerId"`
	SellerID      string          `json:"sellerId"`
	Direction     Direction       `json:"direction"`
	CoinType      string          `json:"coinType"`
	Amount        decimal.Decimal `json:"amount"`
	FiatAmount    decimal.Decimal `json:"fiatAmount"`
	Rate          decimal.Decimal `json:"rate"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	EscrowStatus  Status          `json:"escrowStatus"`
	Proof         *Proof          `json:"proof,omitempty"`
	DisputeReason string          `json:"disputeReason,omitempty"`
	DisputedBy    string          `json:"disputedBy,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	ResolvedAt    *time.Time      `json:"resolvedAt,omitempty"`
}

// PayerID is the party sending fiat funds.
func (t *Trade) PayerID() string { return t.BuyerID }

// PayeeID is the party releasing the asset once paid.
func (t *Trade) PayeeID() string { return t.SellerID }

// IsParty reports whether id is one of the two trade parties.
func (t *Trade) IsParty(id string) bool {
	return id != "" && (id == t.BuyerID || id == t.SellerID)
}

// Counterparty returns the other party's id, or "" if id is not a party.
func (t *Trade) Counterparty(id string) string {
	switch id {
	case t.BuyerID:
		return t.SellerID
	case t.SellerID:
		return t.BuyerID
	}
	return ""
}

// IsTerminal returns true if the trade is in a final state.
func (t *Trade) IsTerminal() bool {
	switch t.EscrowStatus {
	case StatusSettled, StatusDisputed, StatusRefunded:
		return true
	}
	return false
}

// Store persists trades.
type Store interface {
	Create(ctx context.Context, trade *Trade) error
	Get(ctx context.Context, id string) (*Trade, error)
	GetByRequest(ctx context.Context, requestID string) (*Trade, error)
	Update(ctx context.Context, trade *Trade) error
	ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error)
	ListActive(ctx context.Context, limit int) ([]*Trade, error)
	ListOverdue(ctx context.Context, paymentBefore, confirmBefore time.Time, limit int) ([]*Trade, error)
}
