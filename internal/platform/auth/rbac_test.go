package auth

import (
	"net/http"
	"testing"
)

func TestHasAtLeast(t *testing.T) {
	if !HasAtLeast([]string{"viewer"}, RoleViewer) {
		t.Fatalf("viewer should satisfy viewer")
	}
	if HasAtLeast([]string{"viewer"}, RoleClinician) {
		t.Fatalf("viewer should not satisfy clinician")
	}
	if !HasAtLeast([]string{"Clinician "}, RoleViewer) {
		t.Fatalf("clinician should satisfy viewer")
	}
	if !HasAtLeast([]string{"admin"}, RoleClinician) {
		t.Fatalf("admin should satisfy clinician")
	}
	if HasAtLeast([]string{"admin"}, "owner") {
		t.Fatalf("unknown required role should never be satisfied")
	}
}

func TestRequiredRoleForRequest(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.test/", nil)
	if got := RequiredRoleForRequest(req); got != RoleViewer {
		t.Fatalf("RequiredRoleForRequest(GET)=%q, want viewer", got)
	}
	req.Method = http.MethodPost
	if got := RequiredRoleForRequest(req); got != RoleClinician {
		t.Fatalf("RequiredRoleForRequest(POST)=%q, want clinician", got)
	}
}
