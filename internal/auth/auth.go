// Package auth implements C11, Auth & Session: password verification,
// opaque session token issuance, and a periodic expiry sweep. Sessions are
// persisted through the Metadata Store (C1); this package owns only the
// password-hashing and token-issuance logic layered on top of it.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"

	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
	"github.com/openclass/nexusai-gateway/internal/logging"
	"github.com/openclass/nexusai-gateway/internal/store"
)

// Manager issues and verifies sessions against the Metadata Store.
type Manager struct {
	users    store.UserStore
	sessions store.SessionStore
	ttl      time.Duration
}

func NewManager(users store.UserStore, sessions store.SessionStore, ttl time.Duration) *Manager {
	return &Manager{users: users, sessions: sessions, ttl: ttl}
}

// Register creates a new User with a bcrypt-hashed password.
func (m *Manager) Register(ctx context.Context, username, password, displayName string, role domain.Role) (*domain.User, error) {
	if !role.Valid() {
		return nil, errs.New(errs.KindIntegrityFailure, "invalid role")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &domain.User{
		ID:           uuid.New().String(),
		Username:     username,
		Role:         role,
		DisplayName:  displayName,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := m.users.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

// Login verifies the password and issues a new opaque session token.
// On bad credentials it returns errs.KindUnauthorized without revealing
// whether the username or the password was wrong (§4.11).
func (m *Manager) Login(ctx context.Context, username, password string) (*domain.Session, error) {
	u, err := m.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, errs.New(errs.KindUnauthorized, "invalid username or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, errs.New(errs.KindUnauthorized, "invalid username or password")
	}

	token, err := newToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}

	now := time.Now()
	s := &domain.Session{
		Token:     token,
		UserID:    u.ID,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Verify returns the User owning token, rejecting expired or unknown
// tokens with errs.KindUnauthorized.
func (m *Manager) Verify(ctx context.Context, token string) (*domain.User, error) {
	s, err := m.sessions.GetSession(ctx, token)
	if err != nil {
		return nil, errs.New(errs.KindUnauthorized, "invalid session")
	}
	if !s.Valid(time.Now()) {
		return nil, errs.New(errs.KindUnauthorized, "session expired")
	}
	return m.users.GetUserByID(ctx, s.UserID)
}

// Logout invalidates every session owned by the user that issued token,
// not just token itself (coarse-grained by design, §4.11).
func (m *Manager) Logout(ctx context.Context, token string) error {
	s, err := m.sessions.GetSession(ctx, token)
	if err != nil {
		return errs.New(errs.KindUnauthorized, "invalid session")
	}
	return m.sessions.DeleteSessionsForUser(ctx, s.UserID)
}

// RunExpirySweep deletes expired sessions every interval until ctx is
// cancelled, mirroring the teacher's periodic cleanup-loop shape.
func (m *Manager) RunExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.sessions.SweepExpiredSessions(ctx, time.Now())
			if err != nil {
				logging.AuthLogger.Warn("session sweep failed", "error", err.Error())
				continue
			}
			if n > 0 {
				logging.AuthLogger.Info("swept expired sessions", "count", n)
			}
		}
	}
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
