package helpers

import "strings"

// SplitEmailAddress lowercases email and splits it at the last '@'. The
// domain is empty when there is none.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(strings.TrimSpace(email))
	i := strings.LastIndexByte(email, '@')
	if i < 0 {
		return email, ""
	}
	return email[:i], email[i+1:]
}

var systemLocalParts = []string{
	"mailer-daemon", "postmaster", "listserv", "majordomo", "noreply", "no-reply",
}

// IsSystemAddress reports whether email belongs to an automated sender:
// mailer daemons, list managers and owner or request aliases. Automatic
// replies must not go to such addresses.
func IsSystemAddress(email string) bool {
	local, _ := SplitEmailAddress(email)
	if local == "" {
		return false
	}
	for _, s := range systemLocalParts {
		if local == s {
			return true
		}
	}
	return strings.HasPrefix(local, "owner-") ||
		strings.HasSuffix(local, "-request") ||
		strings.HasSuffix(local, "-bounces") ||
		strings.HasSuffix(local, "-owner")
}
