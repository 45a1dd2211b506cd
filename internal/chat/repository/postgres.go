package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"chat-notify/internal/chat/domain"
)

// PostgresRepository implements Repository on a pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository returns a chat repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// GetByID returns the chat for id, or ErrChatNotFound.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.Chat, error) {
	var (
		c        domain.Chat
		chatType string
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, ws_id, name, chat_type::text, members, created_at FROM chats WHERE id = $1`, id,
	).Scan(&c.ID, &c.WorkspaceID, &c.Name, &chatType, &c.Members, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	if c.Type, err = domain.ParseChatType(chatType); err != nil {
		return nil, err
	}
	c.Members = lo.Uniq(c.Members)
	return &c, nil
}

// ChatMembers implements the listener's member lookup for message payloads without a hint.
func (r *PostgresRepository) ChatMembers(ctx context.Context, chatID int64) ([]int64, error) {
	var members []int64
	err := r.pool.QueryRow(ctx, `SELECT members FROM chats WHERE id = $1`, chatID).Scan(&members)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	if members == nil {
		members = []int64{}
	}
	return lo.Uniq(members), nil
}

// Create inserts the chat and sets its ID and CreatedAt from the database.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Chat) error {
	members := lo.Uniq(c.Members)
	if members == nil {
		members = []int64{}
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO chats (ws_id, name, chat_type, members) VALUES ($1, $2, $3::chat_type, $4) RETURNING id, created_at`,
		c.WorkspaceID, c.Name, chatTypeColumn(c.Type), members,
	).Scan(&c.ID, &c.CreatedAt)
}

// UpdateMembers replaces the member set. Returns ErrChatNotFound when no row matched.
func (r *PostgresRepository) UpdateMembers(ctx context.Context, chatID int64, members []int64) error {
	members = lo.Uniq(members)
	if members == nil {
		members = []int64{}
	}
	return r.execOne(ctx, `UPDATE chats SET members = $2 WHERE id = $1`, chatID, members)
}

// Rename sets or clears the chat name. Returns ErrChatNotFound when no row matched.
func (r *PostgresRepository) Rename(ctx context.Context, chatID int64, name *string) error {
	return r.execOne(ctx, `UPDATE chats SET name = $2 WHERE id = $1`, chatID, name)
}

// Delete removes the chat and, by cascade, its messages.
func (r *PostgresRepository) Delete(ctx context.Context, chatID int64) error {
	return r.execOne(ctx, `DELETE FROM chats WHERE id = $1`, chatID)
}

// CreateMessage inserts the message and sets its ID and CreatedAt from the database.
func (r *PostgresRepository) CreateMessage(ctx context.Context, m *domain.Message) error {
	files := m.Files
	if files == nil {
		files = []string{}
	}
	return r.pool.QueryRow(ctx,
		`INSERT INTO messages (chat_id, sender_id, content, files) VALUES ($1, $2, $3, $4) RETURNING id, created_at`,
		m.ChatID, m.SenderID, m.Content, files,
	).Scan(&m.ID, &m.CreatedAt)
}

func (r *PostgresRepository) execOne(ctx context.Context, sql string, args ...any) error {
	tag, err := r.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrChatNotFound
	}
	return nil
}

// chatTypeColumn maps the camelCase wire type to the snake_case enum label in the schema.
func chatTypeColumn(t domain.ChatType) string {
	var b strings.Builder
	for _, r := range string(t) {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
