package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/domain"
)

type fakeUserStore struct {
	byUsername map[string]*domain.User
	byID       map[string]*domain.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{byUsername: map[string]*domain.User{}, byID: map[string]*domain.User{}}
}

func (f *fakeUserStore) CreateUser(ctx context.Context, u *domain.User) error {
	f.byUsername[u.Username] = u
	f.byID[u.ID] = u
	return nil
}
func (f *fakeUserStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	u, ok := f.byUsername[username]
	if !ok {
		return nil, assert.AnError
	}
	return u, nil
}
func (f *fakeUserStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, assert.AnError
	}
	return u, nil
}
func (f *fakeUserStore) DeleteUser(ctx context.Context, id string) error {
	delete(f.byID, id)
	return nil
}

type fakeSessionStore struct {
	byToken map[string]*domain.Session
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{byToken: map[string]*domain.Session{}}
}

func (f *fakeSessionStore) CreateSession(ctx context.Context, s *domain.Session) error {
	f.byToken[s.Token] = s
	return nil
}
func (f *fakeSessionStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	s, ok := f.byToken[token]
	if !ok {
		return nil, assert.AnError
	}
	return s, nil
}
func (f *fakeSessionStore) DeleteSessionsForUser(ctx context.Context, userID string) error {
	for tok, s := range f.byToken {
		if s.UserID == userID {
			delete(f.byToken, tok)
		}
	}
	return nil
}
func (f *fakeSessionStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	n := 0
	for tok, s := range f.byToken {
		if !s.Valid(now) {
			delete(f.byToken, tok)
			n++
		}
	}
	return n, nil
}

func TestLoginRejectsUnknownUser(t *testing.T) {
	m := NewManager(newFakeUserStore(), newFakeSessionStore(), time.Hour)
	_, err := m.Login(context.Background(), "nobody", "password")
	require.Error(t, err)
}

func TestRegisterLoginVerifyRoundTrip(t *testing.T) {
	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	m := NewManager(users, sessions, time.Hour)

	_, err := m.Register(context.Background(), "ana", "s3cret!", "Ana", domain.RoleStudent)
	require.NoError(t, err)

	sess, err := m.Login(context.Background(), "ana", "s3cret!")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)

	u, err := m.Verify(context.Background(), sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "ana", u.Username)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	m := NewManager(users, sessions, time.Hour)

	_, err := m.Register(context.Background(), "ana", "s3cret!", "Ana", domain.RoleStudent)
	require.NoError(t, err)

	_, err = m.Login(context.Background(), "ana", "wrong")
	require.Error(t, err)
}

func TestVerifyRejectsExpiredSession(t *testing.T) {
	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	m := NewManager(users, sessions, -time.Hour)

	_, err := m.Register(context.Background(), "ana", "s3cret!", "Ana", domain.RoleStudent)
	require.NoError(t, err)

	sess, err := m.Login(context.Background(), "ana", "s3cret!")
	require.NoError(t, err)

	_, err = m.Verify(context.Background(), sess.Token)
	require.Error(t, err)
}

func TestLogoutRevokesAllSessionsForUser(t *testing.T) {
	users := newFakeUserStore()
	sessions := newFakeSessionStore()
	m := NewManager(users, sessions, time.Hour)

	_, err := m.Register(context.Background(), "ana", "s3cret!", "Ana", domain.RoleStudent)
	require.NoError(t, err)

	sess, err := m.Login(context.Background(), "ana", "s3cret!")
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background(), sess.Token))

	_, err = m.Verify(context.Background(), sess.Token)
	require.Error(t, err)
}
