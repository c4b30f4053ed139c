package helpers

import (
	"strings"
)

// BaseSubject strips reply and forward prefixes ("Re:", "Re[2]:", "Fwd:",
// "FW:", ...) and surrounding whitespace, repeatedly, keeping the case of
// what remains.
func BaseSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		next := removeForwardPrefix(removeReplyPrefix(s))
		if next == s {
			return s
		}
		s = next
	}
}

// ReplySubject is the subject of an automatic reply to a message with the
// given subject.
func ReplySubject(subject string) string {
	base := BaseSubject(HeaderText(subject))
	if base == "" {
		return "Automatic reply"
	}
	return "Auto: " + base
}

// removeReplyPrefix removes reply prefixes like "Re:", "RE:", "Re[2]:", etc.
func removeReplyPrefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 3 || !strings.EqualFold(s[:2], "re") {
		return s
	}
	if s[2] == ':' {
		return strings.TrimSpace(s[3:])
	}

	// "Re[N]:" or "Re(N):"
	if s[2] == '[' || s[2] == '(' {
		closeChar := byte(']')
		if s[2] == '(' {
			closeChar = ')'
		}
		closeIdx := strings.IndexByte(s[3:], closeChar)
		if closeIdx >= 0 {
			afterBracket := s[3+closeIdx+1:]
			if strings.HasPrefix(afterBracket, ":") {
				return strings.TrimSpace(afterBracket[1:])
			}
		}
	}
	return s
}

// removeForwardPrefix removes forward prefixes like "Fwd:", "FW:", "Forward:", etc.
func removeForwardPrefix(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"fwd:", "fw:", "forward:"} {
		if len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}
	return s
}
