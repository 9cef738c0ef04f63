package auth

import (
	"context"
	"fmt"
	"net/http"
)

// Authenticator resolves the caller of a request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

// StaticAuthenticator returns the same identity for every request.
type StaticAuthenticator struct {
	identity Identity
}

// NewDevAuthenticator trusts the configured dev subject and roles.
func NewDevAuthenticator(cfg Config) *StaticAuthenticator {
	return &StaticAuthenticator{
		identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		},
	}
}

// NewDisabledAuthenticator treats every caller as the anonymous admin.
func NewDisabledAuthenticator() *StaticAuthenticator {
	return &StaticAuthenticator{
		identity: Identity{Subject: AnonymousSubject, Roles: []string{RoleAdmin}},
	}
}

func (a *StaticAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

// NewAuthenticator builds the authenticator selected by cfg.Mode.
func NewAuthenticator(ctx context.Context, cfg Config) (Authenticator, error) {
	switch cfg.Mode {
	case ModeDev:
		return NewDevAuthenticator(cfg), nil
	case ModeDisabled:
		return NewDisabledAuthenticator(), nil
	case ModeOIDC:
		return NewOIDCService(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
}
