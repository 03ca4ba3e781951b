package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-pkgz/repeater/v2"
	"github.com/jmoiron/sqlx"

	"github.com/chatbuddy/chatbuddy/pkg/domain"
)

// ChatRepository handles chat and message database operations
type ChatRepository struct {
	db *sqlx.DB
}

// chatSQL represents a chat row for SQL operations
type chatSQL struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Title     string    `db:"title"`
	Provider  string    `db:"provider"`
	Model     string    `db:"model"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// messageSQL represents a message row for SQL operations
type messageSQL struct {
	ID        string    `db:"id"`
	ChatID    string    `db:"chat_id"`
	Role      string    `db:"role"`
	Content   string    `db:"content"`
	CreatedAt time.Time `db:"created_at"`
}

// NewChatRepository creates a new chat repository
func NewChatRepository(db *sqlx.DB) *ChatRepository {
	return &ChatRepository{db: db}
}

// CreateChat inserts a new chat
func (r *ChatRepository) CreateChat(ctx context.Context, chat *domain.Chat) error {
	now := time.Now().UTC()
	row := chatSQL{
		ID:        chat.ID,
		UserID:    chat.UserID,
		Title:     chat.Title,
		Provider:  chat.Provider,
		Model:     chat.Model,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO chats (id, user_id, title, provider, model, created_at, updated_at)
		VALUES (:id, :user_id, :title, :provider, :model, :created_at, :updated_at)
	`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("create chat: %w", err)
	}

	chat.CreatedAt, chat.UpdatedAt = now, now
	return nil
}

// GetChat retrieves a chat by ID
func (r *ChatRepository) GetChat(ctx context.Context, id string) (*domain.Chat, error) {
	var row chatSQL
	err := r.db.GetContext(ctx, &row, "SELECT * FROM chats WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("chat %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return r.toDomainChat(&row), nil
}

// ListChats retrieves a user's chats, most recently active first
func (r *ChatRepository) ListChats(ctx context.Context, userID string, limit, offset int) ([]domain.Chat, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []chatSQL
	err := r.db.SelectContext(ctx, &rows,
		"SELECT * FROM chats WHERE user_id = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}

	chats := make([]domain.Chat, len(rows))
	for i, row := range rows {
		chats[i] = *r.toDomainChat(&row)
	}
	return chats, nil
}

// AddMessage appends a message to a chat and bumps the chat's updated_at
func (r *ChatRepository) AddMessage(ctx context.Context, msg *domain.Message) error {
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	return retrier.Do(ctx, func() error {
		now := time.Now().UTC()
		row := messageSQL{
			ID:        msg.ID,
			ChatID:    msg.ChatID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			CreatedAt: now,
		}

		tx, err := r.db.BeginTxx(ctx, nil)
		if err != nil {
			return &criticalError{err: fmt.Errorf("begin add message: %w", err)}
		}
		defer tx.Rollback() //nolint:errcheck // no-op after commit

		query := `
			INSERT INTO messages (id, chat_id, role, content, created_at)
			VALUES (:id, :chat_id, :role, :content, :created_at)
		`
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("add message: %w", err)}
		}

		if _, err := tx.ExecContext(ctx, "UPDATE chats SET updated_at = ? WHERE id = ?", now, msg.ChatID); err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("touch chat: %w", err)}
		}

		if err := tx.Commit(); err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("commit message: %w", err)}
		}

		msg.CreatedAt = now
		return nil
	})
}

// ListMessages retrieves a chat's messages in chronological order
func (r *ChatRepository) ListMessages(ctx context.Context, chatID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 200
	}

	var rows []messageSQL
	err := r.db.SelectContext(ctx, &rows,
		"SELECT * FROM messages WHERE chat_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?",
		chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	msgs := make([]domain.Message, len(rows))
	for i, row := range rows {
		msgs[i] = domain.Message{
			ID:        row.ID,
			ChatID:    row.ChatID,
			Role:      domain.MessageRole(row.Role),
			Content:   row.Content,
			CreatedAt: row.CreatedAt,
		}
	}
	return msgs, nil
}

// DeleteChat removes a chat and its messages (cascade)
func (r *ChatRepository) DeleteChat(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	return nil
}

// PurgeOlderThan deletes a user's chats with no activity since cutoff,
// returning the number of chats removed. Used by the retention cleanup job.
func (r *ChatRepository) PurgeOlderThan(ctx context.Context, userID string, cutoff time.Time) (int64, error) {
	var purged int64
	retrier := repeater.NewBackoff(5, 50*time.Millisecond, repeater.WithMaxDelay(2*time.Second))

	err := retrier.Do(ctx, func() error {
		res, err := r.db.ExecContext(ctx,
			"DELETE FROM chats WHERE user_id = ? AND updated_at < ?", userID, cutoff)
		if err != nil {
			if isLockError(err) {
				return err // retry
			}
			return &criticalError{err: fmt.Errorf("purge chats: %w", err)}
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		var ce *criticalError
		if errors.As(err, &ce) {
			return 0, ce.err
		}
		return 0, err
	}
	return purged, nil
}

func (r *ChatRepository) toDomainChat(row *chatSQL) *domain.Chat {
	return &domain.Chat{
		ID:        row.ID,
		UserID:    row.UserID,
		Title:     row.Title,
		Provider:  row.Provider,
		Model:     row.Model,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
}
