package request

import (
	"context"
	"database/sql"
	"time"

	"github.com/tradehub-ng/tradehub/internal/trade"
)

// PostgresStore persists trade requests in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed request store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, r *TradeRequest) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trade_requests (
			id, user_id, trade_type, coin_type, amount, naira_amount, rate,
			payment_method, status, matched_user_id, expires_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(30,10), $6::NUMERIC(20,2), $7::NUMERIC(20,2),
			$8, $9, $10, $11, $12
		)`,
		r.ID, r.UserID, string(r.Direction), r.CoinType, r.Amount, r.FiatAmount, r.Rate,
		nullString(r.PaymentMethod), string(r.Status), nullString(r.MatchedUserID),
		r.ExpiresAt, r.CreatedAt,
	)
	return err
}

const requestColumns = `id, user_id, trade_type, coin_type, amount, naira_amount, rate,
		       payment_method, status, matched_user_id, expires_at, created_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*TradeRequest, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM trade_requests WHERE id = $1`, id)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, ErrRequestNotFound
	}
	return r, err
}

// Claim is one guarded UPDATE: only an open, unexpired row matches. Zero
// rows means we lost; a re-read disambiguates why.
func (p *PostgresStore) Claim(ctx context.Context, id, counterpartyID string, now time.Time) (*TradeRequest, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE trade_requests
		SET status = 'matched', matched_user_id = $2
		WHERE id = $1 AND status = 'open' AND expires_at > $3
		RETURNING `+requestColumns,
		id, counterpartyID, now)

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, p.claimFailure(ctx, id)
	}
	return r, err
}

func (p *PostgresStore) claimFailure(ctx context.Context, id string) error {
	current, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Status == StatusMatched {
		return ErrAlreadyMatched
	}
	return ErrInvalidStatus
}

func (p *PostgresStore) SetStatus(ctx context.Context, id string, from, to Status) (*TradeRequest, error) {
	query := `
		UPDATE trade_requests
		SET status = $3
		WHERE id = $1 AND status = $2
		RETURNING ` + requestColumns
	if to == StatusOpen {
		query = `
		UPDATE trade_requests
		SET status = $3, matched_user_id = NULL
		WHERE id = $1 AND status = $2
		RETURNING ` + requestColumns
	}
	row := p.db.QueryRowContext(ctx, query, id, string(from), string(to))

	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, p.claimFailure(ctx, id)
	}
	return r, err
}

func (p *PostgresStore) HasOpenDuplicate(ctx context.Context, r *TradeRequest) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trade_requests
			WHERE user_id = $1 AND trade_type = $2 AND coin_type = $3
			  AND amount = $4::NUMERIC(30,10) AND naira_amount = $5::NUMERIC(20,2)
			  AND status = 'open' AND id <> $6
		)`,
		r.UserID, string(r.Direction), r.CoinType, r.Amount, r.FiatAmount, r.ID,
	).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) ListOpen(ctx context.Context, coinType string, limit int) ([]*TradeRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM trade_requests
		WHERE status = 'open' AND expires_at > NOW()`
	args := []interface{}{limit}
	if coinType != "" {
		query += ` AND coin_type = $2`
		args = append(args, coinType)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*TradeRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM trade_requests
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

func (p *PostgresStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]*TradeRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+requestColumns+`
		FROM trade_requests
		WHERE status = 'open' AND expires_at <= $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRequests(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(s scanner) (*TradeRequest, error) {
	r := &TradeRequest{}
	var (
		direction     string
		status        string
		paymentMethod sql.NullString
		matchedUserID sql.NullString
	)

	err := s.Scan(
		&r.ID, &r.UserID, &direction, &r.CoinType, &r.Amount, &r.FiatAmount, &r.Rate,
		&paymentMethod, &status, &matchedUserID, &r.ExpiresAt, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Direction = trade.Direction(direction)
	r.Status = Status(status)
	r.PaymentMethod = paymentMethod.String
	r.MatchedUserID = matchedUserID.String
	return r, nil
}

func scanRequests(rows *sql.Rows) ([]*TradeRequest, error) {
	var result []*TradeRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
