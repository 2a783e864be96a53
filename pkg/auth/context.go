// Package auth provides caller authentication and authorization utilities.
//
// Authentication itself happens in the platform gateway in front of the
// connector; this package extracts the caller the gateway attached to the
// request and gates handlers on the caller's permission grant set.
package auth

import (
	"context"

	"github.com/chatlink/connector/pkg/permissions"
)

// Caller is the authenticated identity attached to an inbound request.
type Caller struct {
	// Subject is the caller's stable identifier.
	Subject string

	// Permissions is the grant set issued to the caller. A nil set means
	// the caller is authenticated but holds no grants.
	Permissions *permissions.Set
}

// callerContextKey is the key used to store the Caller in the request context.
//
// Using an empty struct as the key prevents collisions with other context keys,
// as each empty struct type is distinct even if they have the same name in
// different packages.
type callerContextKey struct{}

// WithCaller stores a Caller in the context.
// If caller is nil, the original context is returned unchanged.
func WithCaller(ctx context.Context, caller *Caller) context.Context {
	if caller == nil {
		return ctx
	}
	return context.WithValue(ctx, callerContextKey{}, caller)
}

// CallerFromContext retrieves the Caller from the context.
// Returns the caller and true if present, nil and false otherwise.
func CallerFromContext(ctx context.Context) (*Caller, bool) {
	caller, ok := ctx.Value(callerContextKey{}).(*Caller)
	return caller, ok
}
