// Package auth verifies bearer credentials and exposes the caller's identity
// to HTTP handlers and the signaling gateway.
package auth

import (
	"context"
	"strconv"
)

type Role string

const (
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
)

// Identity is a verified caller.
type Identity struct {
	UserID int64
	Role   Role
	Name   string
}

// Key renders the identity as the opaque string used by presence and signaling.
func (id Identity) Key() string { return strconv.FormatInt(id.UserID, 10) }

type contextKey string

const identityKey contextKey = "rollcall.identity"

// WithIdentity returns a child context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext returns the identity attached by Authenticate.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
