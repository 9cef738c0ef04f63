package requestid

import (
	"strings"

	"github.com/google/uuid"
)

const maxLen = 128

// New returns a random request identifier.
func New() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Sanitize trims a caller supplied id and rejects values that are too long or
// contain characters unsafe for log lines and headers.
func Sanitize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxLen {
		return "", false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == ':':
		default:
			return "", false
		}
	}
	return id, true
}
