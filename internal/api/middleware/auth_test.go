package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclass/nexusai-gateway/internal/auth"
	"github.com/openclass/nexusai-gateway/internal/domain"
)

type fakeUserStore struct{ users map[string]*domain.User }

func (f *fakeUserStore) CreateUser(ctx context.Context, u *domain.User) error {
	f.users[u.ID] = u
	return nil
}
func (f *fakeUserStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return nil, assert.AnError
}
func (f *fakeUserStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, assert.AnError
	}
	return u, nil
}
func (f *fakeUserStore) DeleteUser(ctx context.Context, id string) error {
	delete(f.users, id)
	return nil
}

type fakeSessionStore struct{ sessions map[string]*domain.Session }

func (f *fakeSessionStore) CreateSession(ctx context.Context, s *domain.Session) error {
	f.sessions[s.Token] = s
	return nil
}
func (f *fakeSessionStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	s, ok := f.sessions[token]
	if !ok {
		return nil, assert.AnError
	}
	return s, nil
}
func (f *fakeSessionStore) DeleteSessionsForUser(ctx context.Context, userID string) error {
	return nil
}
func (f *fakeSessionStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func TestRequireSessionRejectsMissingBearer(t *testing.T) {
	manager := auth.NewManager(&fakeUserStore{users: map[string]*domain.User{}}, &fakeSessionStore{sessions: map[string]*domain.Session{}}, time.Hour)

	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := RequireSession(manager)(next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}

func TestRequireSessionAttachesUser(t *testing.T) {
	user := &domain.User{ID: "u1", Username: "ada", Role: domain.RoleStudent}
	users := &fakeUserStore{users: map[string]*domain.User{"u1": user}}
	sessions := &fakeSessionStore{sessions: map[string]*domain.Session{
		"tok123": {Token: "tok123", UserID: "u1", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	manager := auth.NewManager(users, sessions, time.Hour)

	var gotUser *domain.User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = r.Context().Value(UserContextKey).(*domain.User)
	})
	handler := RequireSession(manager)(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer tok123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, gotUser)
	assert.Equal(t, "ada", gotUser.Username)
}

func TestRequireRoleRejectsWrongRole(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler := RequireRole(domain.RoleAdmin)(next)

	ctx := context.WithValue(context.Background(), UserContextKey, &domain.User{Role: domain.RoleStudent})
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}
