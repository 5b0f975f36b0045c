// Package store implements C1, the Metadata Store: a durable, transactional
// SQLite-backed store for users, sessions, subjects, books, VKP installation
// records, and chat history, with a bounded connection pool and a
// degraded-mode spill buffer for writes made while the store is unreachable.
package store

import (
	"context"
	"time"

	"github.com/openclass/nexusai-gateway/internal/domain"
)

// UserStore manages User records.
type UserStore interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUserByUsername(ctx context.Context, username string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
	DeleteUser(ctx context.Context, id string) error // cascades sessions + chat entries, not subjects/books
}

// SessionStore manages Session records.
type SessionStore interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, token string) (*domain.Session, error)
	DeleteSessionsForUser(ctx context.Context, userID string) error
	SweepExpiredSessions(ctx context.Context, now time.Time) (int, error)
}

// SubjectStore manages Subject and Book records.
type SubjectStore interface {
	UpsertSubject(ctx context.Context, s *domain.Subject) error
	GetSubjectByCode(ctx context.Context, code string, grade int) (*domain.Subject, error)
	UpsertBook(ctx context.Context, b *domain.Book) error
	ListBooksBySubject(ctx context.Context, subjectID string) ([]domain.Book, error)
}

// VKPRecordStore manages VKP Installation Records.
type VKPRecordStore interface {
	RecordInstall(ctx context.Context, rec *domain.VKPInstallation) error
	ActiveInstallation(ctx context.Context, subject string, grade int) (*domain.VKPInstallation, error)
	InstallationsInGrace(ctx context.Context, cutoff time.Time) ([]domain.VKPInstallation, error)
	DeactivatePrior(ctx context.Context, subject string, grade int, exceptVersion string) error
}

// ChatEntryStore manages append-only Chat Entry records.
type ChatEntryStore interface {
	AppendChatEntry(ctx context.Context, e *domain.ChatEntry) error
	ListChatEntriesForUser(ctx context.Context, userID string, limit int) ([]domain.ChatEntry, error)
	// ListChatEntriesSince supports C10's daily incremental snapshot: every
	// entry written at or after since, across all users.
	ListChatEntriesSince(ctx context.Context, since time.Time) ([]domain.ChatEntry, error)
}

// MetadataStore is the unified C1 contract. WithTransaction runs fn inside
// a single unit of work: any error rolls back every write fn made (§4.1).
type MetadataStore interface {
	UserStore
	SessionStore
	SubjectStore
	VKPRecordStore
	ChatEntryStore

	WithTransaction(ctx context.Context, fn func(tx MetadataStore) error) error
	Migrate(ctx context.Context) error
	Close() error

	// Degraded reports whether the store is currently operating in
	// read-degraded mode (§4.1, §7 ResourceUnavailable/Degraded).
	Degraded() bool
}
