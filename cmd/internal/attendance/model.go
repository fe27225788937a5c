// Package attendance issues short-lived attendance sessions and redeems them
// into a ledger that holds at most one mark per class, student, and day.
package attendance

import (
	"fmt"
	"strings"
	"time"
)

// DayLayout is the wire and storage format of a calendar day.
const DayLayout = "2006-01-02"

type Status string

const (
	StatusPresent Status = "present"
	StatusAbsent  Status = "absent"
)

// ParseStatus accepts "present" or "absent" in any case.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPresent:
		return StatusPresent, nil
	case StatusAbsent:
		return StatusAbsent, nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrInvalidInput, s)
	}
}

type MarkedBy string

const (
	MarkedByQR     MarkedBy = "qr"
	MarkedByManual MarkedBy = "manual"
)

// Outcome is the business result of a redemption. Every value is an expected
// result, not a fault.
type Outcome string

const (
	OutcomeMarked           Outcome = "marked"
	OutcomeAlreadyMarked    Outcome = "already_marked"
	OutcomeInvalidOrExpired Outcome = "invalid_or_expired"
	OutcomeNotEnrolled      Outcome = "not_enrolled"
)

// Session is one issuance window for a class.
// Token is only populated on the value returned from Issue; storage keeps TokenHash.
type Session struct {
	ID        string
	ClassID   int64
	Token     string
	TokenHash string
	Day       time.Time
	CreatedAt time.Time
	ExpiresAt time.Time
	Active    bool
}

// ValidAt reports whether the session accepts redemptions at now.
// A session is never valid at or after ExpiresAt, whatever its Active flag says.
func (s Session) ValidAt(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// Mark is one ledger row.
type Mark struct {
	ClassID   int64
	StudentID int64
	Day       time.Time
	Status    Status
	MarkedBy  MarkedBy
	MarkedAt  time.Time
	SessionID string
}

// InsertResult tags a ledger insert. Duplicate is set when the storage
// uniqueness constraint on (class, student, day) rejected the row; Mark is
// then the attempted row, not the stored one.
type InsertResult struct {
	Mark      Mark
	Duplicate bool
}

// Student is a roster entry from the enrollment directory.
type Student struct {
	ID   int64
	Name string
}

// DayOf returns the calendar day of t in loc, as midnight UTC.
func DayOf(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDay parses a YYYY-MM-DD string into midnight UTC.
func ParseDay(s string) (time.Time, error) {
	d, err := time.Parse(DayLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", ErrInvalidInput, s)
	}
	return d, nil
}
