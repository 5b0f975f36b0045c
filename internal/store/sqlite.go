package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openclass/nexusai-gateway/internal/domain"
	"github.com/openclass/nexusai-gateway/internal/errs"
	"github.com/openclass/nexusai-gateway/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	username TEXT UNIQUE NOT NULL,
	role TEXT NOT NULL,
	display_name TEXT NOT NULL,
	password_hash TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	token TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	issued_at TIMESTAMP NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(expires_at);

CREATE TABLE IF NOT EXISTS subjects (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL,
	name TEXT NOT NULL,
	grade INTEGER NOT NULL,
	UNIQUE(code, grade)
);

CREATE TABLE IF NOT EXISTS books (
	id TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL REFERENCES subjects(id),
	title TEXT NOT NULL,
	source_filename TEXT NOT NULL,
	vkp_version TEXT NOT NULL,
	chunk_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS vkp_installations (
	id TEXT PRIMARY KEY,
	subject TEXT NOT NULL,
	grade INTEGER NOT NULL,
	version TEXT NOT NULL,
	integrity_hash TEXT NOT NULL,
	installed_at TIMESTAMP NOT NULL,
	chunk_count INTEGER NOT NULL,
	active BOOLEAN NOT NULL DEFAULT 0,
	UNIQUE(subject, grade, version)
);
CREATE INDEX IF NOT EXISTS idx_vkp_active ON vkp_installations(subject, grade, active);

CREATE TABLE IF NOT EXISTS chat_entries (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id),
	subject_id TEXT,
	question TEXT NOT NULL,
	response TEXT NOT NULL,
	confidence REAL NOT NULL,
	partial BOOLEAN NOT NULL DEFAULT 0,
	timestamp TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_entries_user ON chat_entries(user_id);
`

// SQLiteStore is the concrete MetadataStore implementation (C1).
type SQLiteStore struct {
	db       *sql.DB
	path     string
	spill    *SpillBuffer
	degraded bool
}

// Open creates the connection pool and a SQLiteStore. The pool is bounded
// by maxOpenConns; a caller waiting on an exhausted pool blocks until its
// own context ends. connTimeout bounds only the startup ping, whose
// failure surfaces ResourceUnavailable (§4.1).
func Open(ctx context.Context, path string, maxOpenConns int, connTimeout time.Duration, spill *SpillBuffer) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errs.Wrap(errs.KindResourceUnavailable, "failed to open metadata store", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, connTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, errs.Wrap(errs.KindResourceUnavailable, "metadata store unreachable", err)
	}

	return &SQLiteStore{db: db, path: path, spill: spill}, nil
}

// DBPath returns the on-disk database file path, used by C10's snapshot
// manager to copy the file wholesale for a full backup.
func (s *SQLiteStore) DBPath() string {
	return s.path
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Degraded() bool {
	return s.degraded
}

// execer is satisfied by both *sql.DB and *sql.Tx, letting read/write
// helpers run either standalone or inside WithTransaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

func (s *SQLiteStore) conn() execer {
	return s.db
}

// txStore is a MetadataStore bound to a single *sql.Tx, handed to the
// caller's fn inside WithTransaction.
type txStore struct {
	tx *sql.Tx
}

func (t *txStore) conn() execer { return t.tx }

func (s *SQLiteStore) WithTransaction(ctx context.Context, fn func(tx MetadataStore) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.KindResourceUnavailable, "failed to begin transaction", err)
	}

	txs := &transactionalStore{txStore: txStore{tx: tx}}
	if err := fn(txs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *domain.User) error {
	return createUser(ctx, s.conn(), u)
}
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return getUserByUsername(ctx, s.conn(), username)
}
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return getUserByID(ctx, s.conn(), id)
}
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	return deleteUser(ctx, s.conn(), id)
}
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *domain.Session) error {
	return createSession(ctx, s.conn(), sess)
}
func (s *SQLiteStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	return getSession(ctx, s.conn(), token)
}
func (s *SQLiteStore) DeleteSessionsForUser(ctx context.Context, userID string) error {
	return deleteSessionsForUser(ctx, s.conn(), userID)
}
func (s *SQLiteStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return sweepExpiredSessions(ctx, s.conn(), now)
}
func (s *SQLiteStore) UpsertSubject(ctx context.Context, subj *domain.Subject) error {
	return upsertSubject(ctx, s.conn(), subj)
}
func (s *SQLiteStore) GetSubjectByCode(ctx context.Context, code string, grade int) (*domain.Subject, error) {
	return getSubjectByCode(ctx, s.conn(), code, grade)
}
func (s *SQLiteStore) UpsertBook(ctx context.Context, b *domain.Book) error {
	return upsertBook(ctx, s.conn(), b)
}
func (s *SQLiteStore) ListBooksBySubject(ctx context.Context, subjectID string) ([]domain.Book, error) {
	return listBooksBySubject(ctx, s.conn(), subjectID)
}
func (s *SQLiteStore) RecordInstall(ctx context.Context, rec *domain.VKPInstallation) error {
	return recordInstall(ctx, s.conn(), rec)
}
func (s *SQLiteStore) ActiveInstallation(ctx context.Context, subject string, grade int) (*domain.VKPInstallation, error) {
	return activeInstallation(ctx, s.conn(), subject, grade)
}
func (s *SQLiteStore) InstallationsInGrace(ctx context.Context, cutoff time.Time) ([]domain.VKPInstallation, error) {
	return installationsInGrace(ctx, s.conn(), cutoff)
}
func (s *SQLiteStore) DeactivatePrior(ctx context.Context, subject string, grade int, exceptVersion string) error {
	return deactivatePrior(ctx, s.conn(), subject, grade, exceptVersion)
}
func (s *SQLiteStore) AppendChatEntry(ctx context.Context, e *domain.ChatEntry) error {
	err := appendChatEntry(ctx, s.conn(), e)
	if err != nil && s.spill != nil && errors.Is(err, errSpillable) {
		s.degraded = true
		return s.spill.Append(ctx, e)
	}
	return err
}
func (s *SQLiteStore) ListChatEntriesForUser(ctx context.Context, userID string, limit int) ([]domain.ChatEntry, error) {
	return listChatEntriesForUser(ctx, s.conn(), userID, limit)
}
func (s *SQLiteStore) ListChatEntriesSince(ctx context.Context, since time.Time) ([]domain.ChatEntry, error) {
	return listChatEntriesSince(ctx, s.conn(), since)
}

// transactionalStore adapts txStore to the full MetadataStore interface;
// nesting transactions is not supported (WithTransaction on it returns an
// error), matching "single unit of work" (§4.1).
type transactionalStore struct {
	txStore
}

func (t *transactionalStore) WithTransaction(ctx context.Context, fn func(tx MetadataStore) error) error {
	return fmt.Errorf("nested transactions are not supported")
}
func (t *transactionalStore) Migrate(ctx context.Context) error { return nil }
func (t *transactionalStore) Close() error                     { return nil }
func (t *transactionalStore) Degraded() bool                    { return false }

func (t *transactionalStore) CreateUser(ctx context.Context, u *domain.User) error {
	return createUser(ctx, t.conn(), u)
}
func (t *transactionalStore) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return getUserByUsername(ctx, t.conn(), username)
}
func (t *transactionalStore) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return getUserByID(ctx, t.conn(), id)
}
func (t *transactionalStore) DeleteUser(ctx context.Context, id string) error {
	return deleteUser(ctx, t.conn(), id)
}
func (t *transactionalStore) CreateSession(ctx context.Context, s *domain.Session) error {
	return createSession(ctx, t.conn(), s)
}
func (t *transactionalStore) GetSession(ctx context.Context, token string) (*domain.Session, error) {
	return getSession(ctx, t.conn(), token)
}
func (t *transactionalStore) DeleteSessionsForUser(ctx context.Context, userID string) error {
	return deleteSessionsForUser(ctx, t.conn(), userID)
}
func (t *transactionalStore) SweepExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	return sweepExpiredSessions(ctx, t.conn(), now)
}
func (t *transactionalStore) UpsertSubject(ctx context.Context, subj *domain.Subject) error {
	return upsertSubject(ctx, t.conn(), subj)
}
func (t *transactionalStore) GetSubjectByCode(ctx context.Context, code string, grade int) (*domain.Subject, error) {
	return getSubjectByCode(ctx, t.conn(), code, grade)
}
func (t *transactionalStore) UpsertBook(ctx context.Context, b *domain.Book) error {
	return upsertBook(ctx, t.conn(), b)
}
func (t *transactionalStore) ListBooksBySubject(ctx context.Context, subjectID string) ([]domain.Book, error) {
	return listBooksBySubject(ctx, t.conn(), subjectID)
}
func (t *transactionalStore) RecordInstall(ctx context.Context, rec *domain.VKPInstallation) error {
	return recordInstall(ctx, t.conn(), rec)
}
func (t *transactionalStore) ActiveInstallation(ctx context.Context, subject string, grade int) (*domain.VKPInstallation, error) {
	return activeInstallation(ctx, t.conn(), subject, grade)
}
func (t *transactionalStore) InstallationsInGrace(ctx context.Context, cutoff time.Time) ([]domain.VKPInstallation, error) {
	return installationsInGrace(ctx, t.conn(), cutoff)
}
func (t *transactionalStore) DeactivatePrior(ctx context.Context, subject string, grade int, exceptVersion string) error {
	return deactivatePrior(ctx, t.conn(), subject, grade, exceptVersion)
}
func (t *transactionalStore) AppendChatEntry(ctx context.Context, e *domain.ChatEntry) error {
	return appendChatEntry(ctx, t.conn(), e)
}
func (t *transactionalStore) ListChatEntriesForUser(ctx context.Context, userID string, limit int) ([]domain.ChatEntry, error) {
	return listChatEntriesForUser(ctx, t.conn(), userID, limit)
}
func (t *transactionalStore) ListChatEntriesSince(ctx context.Context, since time.Time) ([]domain.ChatEntry, error) {
	return listChatEntriesSince(ctx, t.conn(), since)
}

var errSpillable = errors.New("metadata store unreachable: spillable")

func createUser(ctx context.Context, c execer, u *domain.User) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO users (id, username, role, display_name, password_hash, created_at) VALUES (?,?,?,?,?,?)`,
		u.ID, u.Username, string(u.Role), u.DisplayName, u.PasswordHash, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func getUserByUsername(ctx context.Context, c execer, username string) (*domain.User, error) {
	row := c.QueryRowContext(ctx,
		`SELECT id, username, role, display_name, password_hash, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func getUserByID(ctx context.Context, c execer, id string) (*domain.User, error) {
	row := c.QueryRowContext(ctx,
		`SELECT id, username, role, display_name, password_hash, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var role string
	if err := row.Scan(&u.ID, &u.Username, &role, &u.DisplayName, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindUnauthorized, "user not found")
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.Role = domain.Role(role)
	return &u, nil
}

// deleteUser cascades Sessions and Chat Entries but not Subjects or Books
// (§4.1). Callers should run this inside WithTransaction.
func deleteUser(ctx context.Context, c execer, id string) error {
	if _, err := c.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("delete sessions cascade: %w", err)
	}
	if _, err := c.ExecContext(ctx, `DELETE FROM chat_entries WHERE user_id = ?`, id); err != nil {
		return fmt.Errorf("delete chat entries cascade: %w", err)
	}
	if _, err := c.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}

func createSession(ctx context.Context, c execer, s *domain.Session) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO sessions (token, user_id, issued_at, expires_at) VALUES (?,?,?,?)`,
		s.Token, s.UserID, s.IssuedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func getSession(ctx context.Context, c execer, token string) (*domain.Session, error) {
	row := c.QueryRowContext(ctx,
		`SELECT token, user_id, issued_at, expires_at FROM sessions WHERE token = ?`, token)
	var s domain.Session
	if err := row.Scan(&s.Token, &s.UserID, &s.IssuedAt, &s.ExpiresAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindUnauthorized, "session not found")
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &s, nil
}

func deleteSessionsForUser(ctx context.Context, c execer, userID string) error {
	_, err := c.ExecContext(ctx, `DELETE FROM sessions WHERE user_id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete sessions for user: %w", err)
	}
	return nil
}

// sweepExpiredSessions removes sessions with expiry < now (§4.1: "at
// least every 5 minutes", the cadence lives in the caller's ticker).
func sweepExpiredSessions(ctx context.Context, c execer, now time.Time) (int, error) {
	res, err := c.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func upsertSubject(ctx context.Context, c execer, subj *domain.Subject) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO subjects (id, code, name, grade) VALUES (?,?,?,?)
		 ON CONFLICT(code, grade) DO UPDATE SET name = excluded.name`,
		subj.ID, subj.Code, subj.Name, subj.Grade)
	if err != nil {
		return fmt.Errorf("upsert subject: %w", err)
	}
	return nil
}

func getSubjectByCode(ctx context.Context, c execer, code string, grade int) (*domain.Subject, error) {
	row := c.QueryRowContext(ctx,
		`SELECT id, code, name, grade FROM subjects WHERE code = ? AND grade = ?`, code, grade)
	var s domain.Subject
	if err := row.Scan(&s.ID, &s.Code, &s.Name, &s.Grade); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan subject: %w", err)
	}
	return &s, nil
}

func upsertBook(ctx context.Context, c execer, b *domain.Book) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO books (id, subject_id, title, source_filename, vkp_version, chunk_count) VALUES (?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET vkp_version = excluded.vkp_version, chunk_count = excluded.chunk_count`,
		b.ID, b.SubjectID, b.Title, b.SourceFilename, b.VKPVersion, b.ChunkCount)
	if err != nil {
		return fmt.Errorf("upsert book: %w", err)
	}
	return nil
}

func listBooksBySubject(ctx context.Context, c execer, subjectID string) ([]domain.Book, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT id, subject_id, title, source_filename, vkp_version, chunk_count FROM books WHERE subject_id = ?`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var out []domain.Book
	for rows.Next() {
		var b domain.Book
		if err := rows.Scan(&b.ID, &b.SubjectID, &b.Title, &b.SourceFilename, &b.VKPVersion, &b.ChunkCount); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func recordInstall(ctx context.Context, c execer, rec *domain.VKPInstallation) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO vkp_installations (id, subject, grade, version, integrity_hash, installed_at, chunk_count, active)
		 VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Subject, rec.Grade, rec.Version, rec.IntegrityHash, rec.InstalledAt, rec.ChunkCount, rec.Active)
	if err != nil {
		return fmt.Errorf("record vkp install: %w", err)
	}
	return nil
}

func activeInstallation(ctx context.Context, c execer, subject string, grade int) (*domain.VKPInstallation, error) {
	row := c.QueryRowContext(ctx,
		`SELECT id, subject, grade, version, integrity_hash, installed_at, chunk_count, active
		 FROM vkp_installations WHERE subject = ? AND grade = ? AND active = 1`, subject, grade)
	var v domain.VKPInstallation
	if err := row.Scan(&v.ID, &v.Subject, &v.Grade, &v.Version, &v.IntegrityHash, &v.InstalledAt, &v.ChunkCount, &v.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan active installation: %w", err)
	}
	return &v, nil
}

func installationsInGrace(ctx context.Context, c execer, cutoff time.Time) ([]domain.VKPInstallation, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT id, subject, grade, version, integrity_hash, installed_at, chunk_count, active
		 FROM vkp_installations WHERE active = 0 AND installed_at >= ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list installations in grace: %w", err)
	}
	defer rows.Close()

	var out []domain.VKPInstallation
	for rows.Next() {
		var v domain.VKPInstallation
		if err := rows.Scan(&v.ID, &v.Subject, &v.Grade, &v.Version, &v.IntegrityHash, &v.InstalledAt, &v.ChunkCount, &v.Active); err != nil {
			return nil, fmt.Errorf("scan installation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func deactivatePrior(ctx context.Context, c execer, subject string, grade int, exceptVersion string) error {
	_, err := c.ExecContext(ctx,
		`UPDATE vkp_installations SET active = 0 WHERE subject = ? AND grade = ? AND version != ?`,
		subject, grade, exceptVersion)
	if err != nil {
		return fmt.Errorf("deactivate prior installations: %w", err)
	}
	_, err = c.ExecContext(ctx,
		`UPDATE vkp_installations SET active = 1 WHERE subject = ? AND grade = ? AND version = ?`,
		subject, grade, exceptVersion)
	if err != nil {
		return fmt.Errorf("activate installation: %w", err)
	}
	return nil
}

func appendChatEntry(ctx context.Context, c execer, e *domain.ChatEntry) error {
	_, err := c.ExecContext(ctx,
		`INSERT INTO chat_entries (id, user_id, subject_id, question, response, confidence, partial, timestamp)
		 VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.UserID, e.SubjectID, e.Question, e.Response, e.Confidence, e.Partial, e.Timestamp)
	if err != nil {
		logging.MetadataLogger.Warn("chat entry write failed, will spill", "error", err.Error())
		return fmt.Errorf("%w: %v", errSpillable, err)
	}
	return nil
}

func listChatEntriesForUser(ctx context.Context, c execer, userID string, limit int) ([]domain.ChatEntry, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT id, user_id, subject_id, question, response, confidence, partial, timestamp
		 FROM chat_entries WHERE user_id = ? ORDER BY timestamp DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat entries: %w", err)
	}
	defer rows.Close()

	var out []domain.ChatEntry
	for rows.Next() {
		var e domain.ChatEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.SubjectID, &e.Question, &e.Response, &e.Confidence, &e.Partial, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func listChatEntriesSince(ctx context.Context, c execer, since time.Time) ([]domain.ChatEntry, error) {
	rows, err := c.QueryContext(ctx,
		`SELECT id, user_id, subject_id, question, response, confidence, partial, timestamp
		 FROM chat_entries WHERE timestamp >= ? ORDER BY timestamp ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("list chat entries since: %w", err)
	}
	defer rows.Close()

	var out []domain.ChatEntry
	for rows.Next() {
		var e domain.ChatEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.SubjectID, &e.Question, &e.Response, &e.Confidence, &e.Partial, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan chat entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
