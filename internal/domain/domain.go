// Package domain defines the gateway's data model (§3): the field tuples
// and invariants persisted state and in-flight requests must satisfy.
// Persistence shape is the source of truth; these are just typed views
// over it.
package domain

import "time"

// Role is a User's access level.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return true
	}
	return false
}

// User is an identity with a role, unique username, and salted password hash.
type User struct {
	ID           string
	Username     string
	Role         Role
	DisplayName  string
	PasswordHash string
	CreatedAt    time.Time
}

// Session is an opaque, expiring token owned by a User.
type Session struct {
	Token     string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Valid reports whether the session has not expired as of now. Strictly
// less-than: a session with ExpiresAt == now is expired (§8 boundary).
func (s Session) Valid(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// Subject is a curriculum subject scoped to a grade, populated when a VKP
// declaring it is installed.
type Subject struct {
	ID      string
	Code    string
	Name    string
	Grade   int
}

// Book belongs to a Subject and tracks the VKP version it was installed by.
type Book struct {
	ID             string
	SubjectID      string
	Title          string
	SourceFilename string
	VKPVersion     string
	ChunkCount     int
}

// VKPInstallation records one installed (subject, grade, version) bundle.
type VKPInstallation struct {
	ID            string
	Subject       string
	Grade         int
	Version       string
	IntegrityHash string
	InstalledAt   time.Time
	ChunkCount    int
	Active        bool
}

// Chunk is a unit stored in the vector store: text plus its embedding,
// scoped to a VKP installation and a Book.
type Chunk struct {
	ID         string
	VKPID      string
	BookID     string
	Ordinal    int
	Text       string
	Embedding  []float32
	TokenCount int
}

// ChatEntry is an append-only record of one question/response pair.
type ChatEntry struct {
	ID         string
	UserID     string
	SubjectID  string // nullable: empty string means no subject filter
	Question   string
	Response   string
	Confidence float64
	Partial    bool
	Timestamp  time.Time
}

// RequestState is the lifecycle state of an InferenceRequest (§4.5).
type RequestState string

const (
	StateSubmitted RequestState = "submitted"
	StateQueued    RequestState = "queued"
	StateActive    RequestState = "active"
	StateStreaming RequestState = "streaming"
	StateDone      RequestState = "done"
	StateFailed    RequestState = "failed"
	StateCancelled RequestState = "cancelled"
	StateRejected  RequestState = "rejected"
)

// InferenceRequest is transient per-request state owned by the dispatcher
// (C5) while in flight.
type InferenceRequest struct {
	QueueID   string
	UserID    string
	Question  string
	SubjectID string // empty = no filter
	Priority  int    // reserved; ignored by the default admission path (§4.5)
	EnqueuedAt time.Time
	State     RequestState
}

// ErrorKind mirrors errs.Kind for fields that must stay decoupled from the
// errs package (e.g. persisted/telemetry records referencing "what kind
// of error occurred" without importing behavior).
type ErrorKind string

// UsageCounter is C9's privacy-scrubbed aggregate, bucketed per hour. Every
// field here is on the telemetry allow-list (§4.9) — no field may ever
// reference a user, a question, or a response.
type UsageCounter struct {
	BucketHour        time.Time
	TotalQueries      int64
	LatencyP50Ms      float64
	LatencyP90Ms      float64
	LatencyP99Ms      float64
	ErrorCountByKind  map[ErrorKind]int64
	ActiveModelVer    string
	StorageBytesUsed  int64
	PackageVersions   []string
}
