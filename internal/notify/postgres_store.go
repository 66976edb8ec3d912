package notify

import (
	"context"
	"database/sql"
	"encoding/json"
)

// PostgresStore persists notifications in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed notification store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const notificationColumns = `id, user_id, type, title, message, data, read, created_at`

func (p *PostgresStore) Create(ctx context.Context, n *Notification) error {
	dataJSON, _ := json.Marshal(n.Data)
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message,
		dataJSON, n.Read, n.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Notification, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotificationNotFound
	}
	return n, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string, unreadOnly bool, limit int) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND read = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkRead(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

func (p *PostgresStore) MarkAllRead(ctx context.Context, userID string) (int, error) {
	result, err := p.db.ExecContext(ctx, `
		UPDATE notifications SET read = TRUE
		WHERE user_id = $1 AND read = FALSE`, userID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (p *PostgresStore) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications
		WHERE user_id = $1 AND read = FALSE`, userID).Scan(&count)
	return count, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(s scanner) (*Notification, error) {
	n := &Notification{}
	var typ string
	var dataJSON []byte
	if err := s.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message,
		&dataJSON, &n.Read, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.Type = Type(typ)
	if len(dataJSON) > 0 {
		_ = json.Unmarshal(dataJSON, &n.Data)
	}
	return n, nil
}

var _ Store = (*PostgresStore)(nil)
