package helpers

import (
	"strings"
	"unicode"

	"github.com/emersion/go-imap/v2"
)

// HeaderText makes a string taken from a message or a script safe to use
// as the value of a generated header field. Invalid UTF-8 and control
// characters are dropped; line breaks become spaces so that the value
// cannot start a new field.
func HeaderText(s string) string {
	s = strings.ToValidUTF8(s, "")
	if strings.IndexFunc(s, unicode.IsControl) < 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\r' || r == '\n' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

var systemFlags = []imap.Flag{
	imap.FlagSeen, imap.FlagAnswered, imap.FlagFlagged, imap.FlagDeleted, imap.FlagDraft,
}

// ParseFlags turns the items of a sieve flag list into IMAP flags. Items may
// hold several space separated flags. System flags get their canonical
// case and unknown ones are dropped, as are keywords that are not IMAP
// atoms and the NIL/NULL values some clients refuse. Duplicates, compared
// case-insensitively, keep their first position.
func ParseFlags(items []string) []imap.Flag {
	flags := make([]imap.Flag, 0, len(items))
	seen := make(map[string]bool)
	for _, item := range items {
		for _, word := range strings.Fields(item) {
			flag, ok := parseFlag(word)
			if !ok {
				continue
			}
			key := strings.ToLower(string(flag))
			if seen[key] {
				continue
			}
			seen[key] = true
			flags = append(flags, flag)
		}
	}
	return flags
}

func parseFlag(word string) (imap.Flag, bool) {
	if strings.HasPrefix(word, `\`) {
		for _, sf := range systemFlags {
			if strings.EqualFold(word, string(sf)) {
				return sf, true
			}
		}
		return "", false
	}
	if !isAtom(word) {
		return "", false
	}
	upper := strings.ToUpper(word)
	if strings.Contains(upper, "NIL") || strings.Contains(upper, "NULL") {
		return "", false
	}
	return imap.Flag(word), true
}

// isAtom reports whether s is a non-empty IMAP atom (RFC 3501 atom-specials
// excluded).
func isAtom(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r <= ' ' || r >= 0x7f || strings.ContainsRune(`(){%*"\]`, r) {
			return false
		}
	}
	return true
}
