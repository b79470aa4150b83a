package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/rl1809/canteen-ledger/internal/core/domain"
	"github.com/rl1809/canteen-ledger/internal/port"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTooManyAttempts    = errors.New("too many failed login attempts")
	ErrUnauthenticated    = errors.New("authentication required")
)

// AdminAccount is a stall operator; an empty Category grants every stall.
type AdminAccount struct {
	Name         string
	Category     domain.Category
	PasswordHash string
}

type AuthConfig struct {
	SessionTTL  time.Duration
	MaxAttempts int
	Window      time.Duration
}

type AuthService struct {
	accounts map[string]AdminAccount
	sessions port.SessionStore
	cache    port.CacheRepository
	cfg      AuthConfig
	logger   *slog.Logger
}

func NewAuthService(accounts []AdminAccount, sessions port.SessionStore, cache port.CacheRepository, cfg AuthConfig, logger *slog.Logger) *AuthService {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 12 * time.Hour
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]AdminAccount, len(accounts))
	for _, a := range accounts {
		byName[a.Name] = a
	}
	return &AuthService{accounts: byName, sessions: sessions, cache: cache, cfg: cfg, logger: logger}
}

// Login checks the password and opens an admin session. Failures count against a per-name window.
func (s *AuthService) Login(ctx context.Context, name, password string) (*port.Session, error) {
	failures, err := s.cache.LoginFailures(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("login throttle: %w", err)
	}
	if failures >= int64(s.cfg.MaxAttempts) {
		return nil, ErrTooManyAttempts
	}

	account, ok := s.accounts[name]
	if !ok || bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		n, err := s.cache.RegisterLoginFailure(ctx, name, s.cfg.Window)
		if err != nil {
			s.logger.Error("register login failure", "subject", name, "err", err)
		}
		s.logger.Warn("admin login failed", "subject", name, "attempts", n)
		return nil, ErrInvalidCredentials
	}

	if err := s.cache.ClearLoginFailures(ctx, name); err != nil {
		s.logger.Error("clear login failures", "subject", name, "err", err)
	}
	session := port.Session{
		ID:       uuid.NewString(),
		Subject:  account.Name,
		Role:     port.RoleAdmin,
		Category: string(account.Category),
	}
	if err := s.sessions.CreateSession(ctx, session, s.cfg.SessionTTL); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.logger.Info("admin logged in", "subject", name, "category", account.Category)
	return &session, nil
}

func (s *AuthService) Authenticate(ctx context.Context, sessionID string) (*port.Session, error) {
	if sessionID == "" {
		return nil, ErrUnauthenticated
	}
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return nil, ErrUnauthenticated
	}
	return session, nil
}

func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	return s.sessions.DeleteSession(ctx, sessionID)
}
