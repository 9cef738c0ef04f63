package auth

import (
	"context"
	"strings"
)

// Identity is the authenticated caller. Subject owns every prediction the
// caller submits and scopes the history they can read.
type Identity struct {
	Subject string
	Email   string
	Roles   []string
}

// OwnerID is the record owner for this caller, or "" when the subject is
// blank.
func (i Identity) OwnerID() string {
	return strings.TrimSpace(i.Subject)
}

// CanSubmit reports whether the caller may upload images for prediction.
func (i Identity) CanSubmit() bool {
	return HasAtLeast(i.Roles, RoleClinician)
}

// CanReadHistory reports whether the caller may list their own records.
func (i Identity) CanReadHistory() bool {
	return HasAtLeast(i.Roles, RoleViewer)
}

type ctxKeyIdentity struct{}

func ContextWithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, identity)
}

// OwnerFromContext returns the owner id of the authenticated caller.
func OwnerFromContext(ctx context.Context) (string, bool) {
	identity, ok := IdentityFromContext(ctx)
	if !ok || identity.OwnerID() == "" {
		return "", false
	}
	return identity.OwnerID(), true
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return v, ok
}
