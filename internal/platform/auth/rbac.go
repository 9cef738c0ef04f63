package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

const (
	RoleViewer    = "viewer"
	RoleClinician = "clinician"
	RoleAdmin     = "admin"
)

var roleLevels = map[string]int{
	RoleViewer:    1,
	RoleClinician: 2,
	RoleAdmin:     3,
}

// HasAtLeast reports whether any of roles ranks at or above required on the
// viewer < clinician < admin ladder.
func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

// RequiredRoleForRequest lets viewers read history and clinicians submit images.
func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	default:
		return RoleClinician
	}
}

// MethodRoleAuthorizer applies RequiredRoleForRequest to every request.
func MethodRoleAuthorizer() AuthorizeFunc {
	return func(r *http.Request, identity Identity) error {
		switch RequiredRoleForRequest(r) {
		case RoleViewer:
			if identity.CanReadHistory() {
				return nil
			}
		default:
			if identity.CanSubmit() {
				return nil
			}
		}
		return ErrForbidden
	}
}
