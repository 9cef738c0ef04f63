package requestid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNew_IsUUID(t *testing.T) {
	a, err := New()
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Fatalf("New()=%q is not a uuid: %v", a, err)
	}
	b, _ := New()
	if a == b {
		t.Fatalf("expected distinct ids")
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{" rid-123 ", "rid-123", true},
		{"demo-20260101T000000Z", "demo-20260101T000000Z", true},
		{"", "", false},
		{"bad id", "", false},
		{"x\ny", "", false},
		{strings.Repeat("a", 129), "", false},
	}
	for _, tc := range cases {
		got, ok := Sanitize(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Sanitize(%q)=(%q,%v), want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
