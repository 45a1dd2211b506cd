package repository

import (
	"context"
	"errors"

	"chat-notify/internal/chat/domain"
)

// ErrChatNotFound is returned when no chat has the requested id.
var ErrChatNotFound = errors.New("chat not found")

// Repository defines persistence for chats and messages. Every write fires the change
// notification triggers installed by the migrations.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*domain.Chat, error)
	// ChatMembers returns the current member ids of a chat, or ErrChatNotFound.
	ChatMembers(ctx context.Context, chatID int64) ([]int64, error)
	Create(ctx context.Context, c *domain.Chat) error
	UpdateMembers(ctx context.Context, chatID int64, members []int64) error
	Rename(ctx context.Context, chatID int64, name *string) error
	Delete(ctx context.Context, chatID int64) error
	CreateMessage(ctx context.Context, m *domain.Message) error
}
