package attendance

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnauthorized means the caller does not own the class.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotEnrolled is returned by operations that require enrollment but are
	// not redemptions (redemptions report OutcomeNotEnrolled instead).
	ErrNotEnrolled = errors.New("student not enrolled")
	// ErrSessionNotFound is returned by SessionStore.FindActive when no active,
	// unexpired session matches.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageUnavailable wraps any unexpected failure of the durable layer.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrConstraintViolation is a storage constraint failure other than the
	// ledger's (class, student, day) uniqueness, e.g. an unknown class id.
	ErrConstraintViolation = errors.New("constraint violation")
)

// OpError is a typed operation error with a stable Op + Kind contract.
// Err, when set, is the underlying cause and is also reachable via errors.Is/As.
type OpError struct {
	Op   string
	Kind error
	Err  error
}

func (e OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// storageErr classifies a store error for op. Errors that already carry a
// package kind pass through; everything else becomes ErrStorageUnavailable.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrConstraintViolation, ErrInvalidInput, ErrSessionNotFound} {
		if errors.Is(err, kind) {
			return OpError{Op: op, Kind: kind, Err: err}
		}
	}
	return OpError{Op: op, Kind: ErrStorageUnavailable, Err: err}
}

// IsStorageUnavailable reports whether err is a storage fault.
func IsStorageUnavailable(err error) bool { return errors.Is(err, ErrStorageUnavailable) }
