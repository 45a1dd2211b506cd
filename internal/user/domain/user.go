package domain

import (
	"errors"
	"strings"
	"time"
)

// User is a workspace member who may open event streams.
type User struct {
	ID           int64
	WorkspaceID  int64
	Username     string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.WorkspaceID <= 0 {
		return errors.New("workspace is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return errors.New("username is required")
	}
	if !strings.Contains(u.Email, "@") {
		return errors.New("email is invalid")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	return nil
}
