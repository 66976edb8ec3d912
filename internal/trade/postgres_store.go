package trade

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists trades in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed trade store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Trade) error {
	var proofURL, proofMIME sql.NullString
	var proofSize sql.NullInt64
	var proofAt sql.NullTime
	if t.Proof != nil {
		proofURL = nullString(t.Proof.URL)
		proofMIME = nullString(t.Proof.MIMEType)
		proofSize = sql.NullInt64{Int64: t.Proof.SizeBytes, Valid: true}
		proofAt = sql.NullTime{Time: t.Proof.UploadedAt, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trades (
			id, request_id, buyer_id, seller_id, trade_type, coin_type,
			amount, naira_amount, rate, payment_method, escrow_status,
			payment_proof_url, proof_mime_type, proof_size_bytes, proof_uploaded_at,
			dispute_reason, disputed_by, resolved_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::NUMERIC(30,10), $8::NUMERIC(20,2), $9::NUMERIC(20,2), $10, $11,
			$12, $13, $14, $15,
			$16, $17, $18, $19, $20
		)`,
		t.ID, t.RequestID, t.BuyerID, t.SellerID, string(t.Direction), t.CoinType,
		t.Amount, t.FiatAmount, t.Rate, nullString(t.PaymentMethod), string(t.EscrowStatus),
		proofURL, proofMIME, proofSize, proofAt,
		nullString(t.DisputeReason), nullString(t.DisputedBy), nullTime(t.ResolvedAt),
		t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const tradeColumns = `id, request_id, buyer_id, seller_id, trade_type, coin_type,
		       amount, naira_amount, rate, payment_method, escrow_status,
		       payment_proof_url, proof_mime_type, proof_size_bytes, proof_uploaded_at,
		       dispute_reason, disputed_by, resolved_at, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByRequest(ctx context.Context, requestID string) (*Trade, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tradeColumns+` FROM trades WHERE request_id = $1`, requestID)

	t, err := scanTrade(row)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	return t, err
}

func (p *PostgresStore) Update(ctx context.Context, t *Trade) error {
	var proofURL, proofMIME sql.NullString
	var proofSize sql.NullInt64
	var proofAt sql.NullTime
	if t.Proof != nil {
		proofURL = nullString(t.Proof.URL)
		proofMIME = nullString(t.Proof.MIMEType)
		proofSize = sql.NullInt64{Int64: t.Proof.SizeBytes, Valid: true}
		proofAt = sql.NullTime{Time: t.Proof.UploadedAt, Valid: true}
	}

	result, err := p.db.ExecContext(ctx, `
		UPDATE trades SET
			escrow_status = $1,
			payment_proof_url = $2, proof_mime_type = $3,
			proof_size_bytes = $4, proof_uploaded_at = $5,
			dispute_reason = $6, disputed_by = $7,
			resolved_at = $8, updated_at = $9
		WHERE id = $10`,
		string(t.EscrowStatus),
		proofURL, proofMIME, proofSize, proofAt,
		nullString(t.DisputeReason), nullString(t.DisputedBy),
		nullTime(t.ResolvedAt), t.UpdatedAt,
		t.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrTradeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListActive(ctx context.Context, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE escrow_status IN ('pending', 'proof_submitted', 'payment_claimed', 'receipt_confirmed')
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

func (p *PostgresStore) ListOverdue(ctx context.Context, paymentBefore, confirmBefore time.Time, limit int) ([]*Trade, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE (escrow_status IN ('pending', 'proof_submitted') AND created_at < $1)
		   OR (escrow_status = 'payment_claimed' AND updated_at < $2)
		LIMIT $3`, paymentBefore, confirmBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTrades(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTrade(s scanner) (*Trade, error) {
	t := &Trade{}
	var (
		direction     string
		status        string
		paymentMethod sql.NullString
		proofURL      sql.NullString
		proofMIME     sql.NullString
		proofSize     sql.NullInt64
		proofAt       sql.NullTime
		disputeRsn    sql.NullString
		disputedBy    sql.NullString
		resolvedAt    sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.RequestID, &t.BuyerID, &t.SellerID, &direction, &t.CoinType,
		&t.Amount, &t.FiatAmount, &t.Rate, &paymentMethod, &status,
		&proofURL, &proofMIME, &proofSize, &proofAt,
		&disputeRsn, &disputedBy, &resolvedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Direction = Direction(direction)
	t.EscrowStatus = Status(status)
	t.PaymentMethod = paymentMethod.String
	t.DisputeReason = disputeRsn.String
	t.DisputedBy = disputedBy.String
	if proofURL.Valid {
		t.Proof = &Proof{
			URL:       proofURL.String,
			MIMEType:  proofMIME.String,
			SizeBytes: proofSize.Int64,
		}
		if proofAt.Valid {
			t.Proof.UploadedAt = proofAt.Time
		}
	}
	if resolvedAt.Valid {
		t.ResolvedAt = &resolvedAt.Time
	}

	return t, nil
}

func scanTrades(rows *sql.Rows) ([]*Trade, error) {
	var result []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
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

// nullTime converts a nil *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// PostgresEventStore persists the trade transition audit trail.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgreSQL-backed event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (p *PostgresEventStore) Append(ctx context.Context, e *Event) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trade_events (
			id, trade_id, from_status, to_status, actor_id, cause, reason, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.TradeID, string(e.FromStatus), string(e.ToStatus),
		nullString(e.ActorID), string(e.Cause), nullString(e.Reason), e.OccurredAt,
	)
	return err
}

func (p *PostgresEventStore) ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, from_status, to_status, actor_id, cause, reason, occurred_at
		FROM trade_events
		WHERE trade_id = $1
		ORDER BY occurred_at ASC, id ASC
		LIMIT $2`, tradeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		e := &Event{}
		var from, to, cause string
		var actorID, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TradeID, &from, &to, &actorID, &cause, &reason, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.FromStatus = Status(from)
		e.ToStatus = Status(to)
		e.ActorID = actorID.String
		e.Cause = Cause(cause)
		e.Reason = reason.String
		result = append(result, e)
	}
	return result, rows.Err()
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ EventStore = (*PostgresEventStore)(nil)
)
