package port

import (
	"context"
	"time"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
)

// Session is the minimal contract the handlers rely on for authorization.
type Session struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Role     Role   `json:"role"`
	Category string `json:"category,omitempty"` // stall scope for admins, empty means all
}

type SessionStore interface {
	CreateSession(ctx context.Context, s Session, ttl time.Duration) error

	// GetSession returns nil, nil when the session does not exist or has expired
	GetSession(ctx context.Context, id string) (*Session, error)

	DeleteSession(ctx context.Context, id string) error
}
