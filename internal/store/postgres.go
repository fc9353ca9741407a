// internal/store/postgres.go
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"chatsync/internal/models"
	"chatsync/internal/utils"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type PostgresStore struct {
	DB *sqlx.DB
}

// NewPostgresStore creates a new PostgreSQL-backed message store
func NewPostgresStore(uri string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %v", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Ping the database to verify connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %v", err)
	}

	log.Println("Successfully connected to PostgreSQL!")

	return &PostgresStore{DB: db}, nil
}

func (p *PostgresStore) Close(ctx context.Context) error {
	log.Println("Closing PostgreSQL connection...")
	return p.DB.Close()
}

// InitializeTables creates the messages table if it doesn't exist
func (p *PostgresStore) InitializeTables(ctx context.Context) error {
	_, err := p.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id UUID PRIMARY KEY,
			conversation_id VARCHAR(80) NOT NULL,
			sender_id UUID NOT NULL,
			receiver_id UUID NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			status VARCHAR(10) NOT NULL DEFAULT 'sent',
			delivered_at TIMESTAMP WITH TIME ZONE,
			read_at TIMESTAMP WITH TIME ZONE
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create messages table: %v", err)
	}

	_, err = p.DB.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
		ON messages (conversation_id, created_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create conversation index: %v", err)
	}

	return nil
}

func (p *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	_, err := p.DB.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, created_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID,
		msg.Content, msg.CreatedAt, string(models.StatusSent),
	)
	if err != nil {
		return nil, utils.NewPersistenceFailedError("create message", err)
	}

	// Re-read so a racing duplicate insert still returns the stored row.
	var stored models.Message
	err = p.DB.GetContext(ctx, &stored, `
		SELECT id, conversation_id, sender_id, receiver_id, content, created_at, status, delivered_at, read_at
		FROM messages WHERE id = $1`, msg.ID)
	if err != nil {
		return nil, utils.NewPersistenceFailedError("read back message", err)
	}
	return &stored, nil
}

func (p *PostgresStore) ListConversation(ctx context.Context, userA, userB uuid.UUID) ([]*models.Message, error) {
	var messages []*models.Message
	err := p.DB.SelectContext(ctx, &messages, `
		SELECT id, conversation_id, sender_id, receiver_id, content, created_at, status, delivered_at, read_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC`,
		models.ConversationKey(userA, userB),
	)
	if err != nil {
		return nil, utils.NewPersistenceFailedError("list conversation", err)
	}
	return messages, nil
}

func (p *PostgresStore) MarkDelivered(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	_, err := p.DB.ExecContext(ctx, `
		UPDATE messages SET status = $1, delivered_at = $2
		WHERE id = $3 AND status = $4`,
		string(models.StatusDelivered), at, messageID, string(models.StatusSent),
	)
	if err != nil {
		return utils.NewPersistenceFailedError("mark delivered", err)
	}
	return nil
}

func (p *PostgresStore) MarkRead(ctx context.Context, messageID uuid.UUID, at time.Time) error {
	_, err := p.DB.ExecContext(ctx, `
		UPDATE messages SET status = $1, read_at = $2
		WHERE id = $3 AND status != $1`,
		string(models.StatusRead), at, messageID,
	)
	if err != nil {
		return utils.NewPersistenceFailedError("mark read", err)
	}
	return nil
}

func (p *PostgresStore) ListUserConversations(ctx context.Context, userID uuid.UUID) ([]*models.ConversationPreview, error) {
	rows, err := p.DB.QueryxContext(ctx, `
		SELECT DISTINCT ON (conversation_id)
			id, conversation_id, sender_id, receiver_id, content, created_at, status, delivered_at, read_at
		FROM messages
		WHERE sender_id = $1 OR receiver_id = $1
		ORDER BY conversation_id, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, utils.NewPersistenceFailedError("list user conversations", err)
	}
	defer rows.Close()

	var previews []*models.ConversationPreview
	for rows.Next() {
		var last models.Message
		if err := rows.StructScan(&last); err != nil {
			return nil, utils.NewPersistenceFailedError("scan message", err)
		}

		var unread int
		err = p.DB.GetContext(ctx, &unread, `
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = $1 AND receiver_id = $2 AND status != $3`,
			last.ConversationID, userID, string(models.StatusRead),
		)
		if err != nil && err != sql.ErrNoRows {
			return nil, utils.NewPersistenceFailedError("count unread", err)
		}

		previews = append(previews, &models.ConversationPreview{
			CounterpartID: last.Counterpart(userID),
			Last:          last,
			Unread:        unread,
		})
	}

	sortPreviews(previews)
	return previews, nil
}
