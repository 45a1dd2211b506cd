package repository

import (
	"context"

	"chat-notify/internal/user/domain"
)

// Repository defines persistence for workspaces and users.
type Repository interface {
	// EnsureWorkspace returns the id of the named workspace, creating it if needed.
	EnsureWorkspace(ctx context.Context, name string) (int64, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Upsert creates the user or refreshes username and password hash when the email exists.
	Upsert(ctx context.Context, u *domain.User) error
}
