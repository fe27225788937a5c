package attendance

import (
	"context"
	"time"
)

// SessionStore persists issued sessions.
type SessionStore interface {
	// ReplaceActive atomically deactivates every active session for
	// (s.ClassID, s.Day) and inserts s as the only active one.
	ReplaceActive(ctx context.Context, s Session) error

	// FindActive returns the active session for classID whose token digest is
	// tokenHash and whose expiry is after now, or ErrSessionNotFound.
	FindActive(ctx context.Context, classID int64, tokenHash string, now time.Time) (Session, error)
}

// Ledger is the uniquely-constrained store of attendance marks.
type Ledger interface {
	// InsertMark inserts m unless a mark already exists for its
	// (class, student, day); that case is reported as Duplicate, not an error.
	InsertMark(ctx context.Context, m Mark) (InsertResult, error)

	// UpsertMark inserts m or overwrites status, marked_by and marked_at of the
	// existing row for the same (class, student, day).
	UpsertMark(ctx context.Context, m Mark) (Mark, error)

	ListDay(ctx context.Context, classID int64, day time.Time) ([]Mark, error)

	// CountSince counts marks for classID with marked_at strictly after since.
	CountSince(ctx context.Context, classID int64, since time.Time) (int, error)
}

// ClassDirectory answers ownership questions about classes.
type ClassDirectory interface {
	IsOwner(ctx context.Context, classID, teacherID int64) (bool, error)
}

// EnrollmentDirectory is read-only reference data about who attends a class.
type EnrollmentDirectory interface {
	IsEnrolled(ctx context.Context, classID, studentID int64) (bool, error)
	Roster(ctx context.Context, classID int64) ([]Student, error)
}

// Store is everything the Verifier needs from the durable layer.
type Store interface {
	SessionStore
	Ledger
	ClassDirectory
	EnrollmentDirectory

	Ping(ctx context.Context) error
	Close() error
}
