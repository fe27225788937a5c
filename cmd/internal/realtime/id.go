package realtime

import (
	"time"

	"rollcall/cmd/ids"
)

// NewConnID returns a ULID used as the connection handle.
func NewConnID(now time.Time) string {
	if id, err := ids.NewULID(now); err == nil {
		return id
	}
	return NewRandomHex(13)
}

// NewEnvelopeID returns a ULID used as envelope id, so log lines sort by send time.
func NewEnvelopeID(now time.Time) string {
	if id, err := ids.NewULID(now); err == nil {
		return id
	}
	return NewRandomHex(10)
}
