package extract

// FirstObject returns the substring from the leftmost '{' to its matching
// '}', honoring JSON string literals and escapes. Text around the object is
// ignored. When a candidate '{' never closes, scanning resumes after it, up
// to maxCandidates attempts.
func FirstObject(s string) (string, bool) {
	attempts := 0
	for start := 0; start < len(s) && attempts < maxCandidates; start++ {
		if s[start] != '{' {
			continue
		}
		attempts++
		if end, ok := matchBrace(s, start); ok {
			return s[start : end+1], true
		}
	}
	return "", false
}

const maxCandidates = 64

func matchBrace(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
