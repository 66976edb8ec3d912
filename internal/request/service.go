package request

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tradehub-ng/tradehub/internal/idgen"
	"github.com/tradehub-ng/tradehub/internal/metrics"
	"github.com/tradehub-ng/tradehub/internal/trade"
	"github.com/tradehub-ng/tradehub/internal/traces"
)

// CreateRequest contains the parameters for posting a trade request.
type CreateRequest struct {
	Direction     string `json:"direction" binding:"required"`
	CoinType      string `json:"coinType" binding:"required"`
	Amount        string `json:"amount" binding:"required"`
	FiatAmount    string `json:"fiatAmount" binding:"required"`
	Rate          string `json:"rate" binding:"required"`
	PaymentMethod string `json:"paymentMethod"`
}

// Service implements the request book and the matcher.
type Service struct {
	store  Store
	trades TradeCreator
	ttl    time.Duration
	logger *slog.Logger
}

// NewService creates a request service.
func NewService(store Store, trades TradeCreator, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, trades: trades, ttl: ttl, logger: logger}
}

// Create posts a new open request. An identical open request by the same
// user is suppressed rather than listed twice.
func (s *Service) Create(ctx context.Context, requesterID string, req CreateRequest) (*TradeRequest, error) {
	ctx, span := traces.StartSpan(ctx, "request.create", traces.ActorID(requesterID))
	defer span.End()

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	fiatAmount, err := decimal.NewFromString(req.FiatAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid fiat amount: %w", err)
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		return nil, fmt.Errorf("invalid rate: %w", err)
	}

	now := time.Now()
	request := &TradeRequest{
		ID:            idgen.WithPrefix("req_"),
		UserID:        requesterID,
		Direction:     trade.Direction(req.Direction),
		CoinType:      req.CoinType,
		Amount:        amount,
		FiatAmount:    fiatAmount,
		Rate:          rate,
		PaymentMethod: req.PaymentMethod,
		Status:        StatusOpen,
		ExpiresAt:     now.Add(s.ttl),
		CreatedAt:     now,
	}

	dup, err := s.store.HasOpenDuplicate(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicates: %w", err)
	}
	if dup {
		return nil, ErrDuplicateRequest
	}

	if err := s.store.Create(ctx, request); err != nil {
		return nil, fmt.Errorf("failed to create trade request: %w", err)
	}

	metrics.RequestsCreatedTotal.Inc()
	s.logger.Info("trade request posted",
		"requestId", request.ID, "userId", requesterID,
		"direction", request.Direction, "coin", request.CoinType)
	return request, nil
}

// Claim matches an open request to a counterparty and opens the escrow
// trade. The conditional update in the store decides the winner; this
// method never reads then writes the status.
func (s *Service) Claim(ctx context.Context, id, counterpartyID string) (*trade.Trade, error) {
	ctx, span := traces.StartSpan(ctx, "request.claim",
		traces.RequestID(id), traces.ActorID(counterpartyID))
	defer span.End()

	// Self-claims never contend for the slot.
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.UserID == counterpartyID {
		return nil, ErrSelfClaim
	}

	request, err := s.store.Claim(ctx, id, counterpartyID, time.Now())
	if err != nil {
		if errors.Is(err, ErrAlreadyMatched) {
			metrics.ClaimConflictsTotal.Inc()
		}
		return nil, err
	}

	opened, err := s.trades.CreateFromRequest(ctx, trade.CreateParams{
		RequestID:      request.ID,
		RequesterID:    request.UserID,
		CounterpartyID: counterpartyID,
		Direction:      request.Direction,
		CoinType:       request.CoinType,
		Amount:         request.Amount,
		FiatAmount:     request.FiatAmount,
		Rate:           request.Rate,
		PaymentMethod:  request.PaymentMethod,
	})
	if err != nil {
		// Reopen the request so the claim slot isn't burned. If the revert
		// also fails the request is stuck in matched without a trade.
		if _, revertErr := s.store.SetStatus(ctx, request.ID, StatusMatched, StatusOpen); revertErr != nil {
			log.Printf("CRITICAL: request %s matched but trade creation and revert both failed: %v / %v",
				request.ID, err, revertErr)
		}
		return nil, fmt.Errorf("failed to open trade for matched request: %w", err)
	}

	metrics.RequestsMatchedTotal.Inc()
	s.logger.Info("trade request matched",
		"requestId", request.ID, "tradeId", opened.ID,
		"requester", request.UserID, "counterparty", counterpartyID)
	return opened, nil
}

// Cancel withdraws an open request. Only the requester may cancel, and
// only while the request is still open.
func (s *Service) Cancel(ctx context.Context, id, requesterID string) (*TradeRequest, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.UserID != requesterID {
		return nil, ErrUnauthorized
	}

	request, err := s.store.SetStatus(ctx, id, StatusOpen, StatusCancelled)
	if err != nil {
		return nil, err
	}

	s.logger.Info("trade request cancelled", "requestId", id, "userId", requesterID)
	return request, nil
}

// Get returns a single request. The open book is public, so no party
// check applies here.
func (s *Service) Get(ctx context.Context, id string) (*TradeRequest, error) {
	return s.store.Get(ctx, id)
}

// ListOpen returns claimable requests, optionally filtered by coin.
func (s *Service) ListOpen(ctx context.Context, coinType string, limit int) ([]*TradeRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListOpen(ctx, coinType, limit)
}

// ListByUser returns a user's own requests, newest first.
func (s *Service) ListByUser(ctx context.Context, userID string, limit int) ([]*TradeRequest, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByUser(ctx, userID, limit)
}

// ExpireOverdue marks open requests past their TTL as expired. Returns
// the number of requests swept.
func (s *Service) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	overdue, err := s.store.ListExpired(ctx, time.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired requests: %w", err)
	}

	expired := 0
	for _, r := range overdue {
		if _, err := s.store.SetStatus(ctx, r.ID, StatusOpen, StatusExpired); err != nil {
			// A claim or cancel won the race; nothing to do.
			if errors.Is(err, ErrInvalidStatus) || errors.Is(err, ErrAlreadyMatched) {
				continue
			}
			s.logger.Warn("failed to expire request", "requestId", r.ID, "error", err)
			continue
		}
		expired++
		metrics.RequestsExpiredTotal.Inc()
	}
	return expired, nil
}
