package message

import (
	"context"
	"database/sql"
)

// PostgresStore persists chat messages in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed message store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, m *Message) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, trade_id, sender_id, receiver_id, content,
			message_type, media_url, read, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.TradeID, m.SenderID, m.ReceiverID, m.Content,
		string(m.Type), nullString(m.MediaURL), m.Read, m.CreatedAt,
	)
	return err
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string, limit int) ([]*Message, error) {
	// Most recent window of the thread, returned oldest first.
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trade_id, sender_id, receiver_id, content,
		       message_type, media_url, read, created_at
		FROM (
			SELECT * FROM messages
			WHERE trade_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC`, tradeID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Message
	for rows.Next() {
		m := &Message{}
		var msgType string
		var mediaURL sql.NullString
		if err := rows.Scan(&m.ID, &m.TradeID, &m.SenderID, &m.ReceiverID, &m.Content,
			&msgType, &mediaURL, &m.Read, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Type = Type(msgType)
		m.MediaURL = mediaURL.String
		result = append(result, m)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, tradeID, receiverID string) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE trade_id = $1 AND receiver_id = $2 AND read = FALSE`,
		tradeID, receiverID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE receiver_id = $1 AND read = FALSE`, userID).Scan(&count)
	return count, err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

var _ Store = (*PostgresStore)(nil)
