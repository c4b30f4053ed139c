package helpers

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestHeaderText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Hello, World!", "Hello, World!"},
		{"unicode", "Grüße 👋", "Grüße 👋"},
		{"empty", "", ""},
		{"nul bytes", "\x00Hel\x00lo\x00", "Hello"},
		{"invalid utf-8", "Hello\xFFWorld", "HelloWorld"},
		{"folded line", "Out of\r\n office", "Out of   office"},
		{"header injection", "Away\nBcc: victim@example.org", "Away Bcc: victim@example.org"},
		{"tab", "a\tb", "a b"},
		{"other controls", "a\x07b\x1bc", "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HeaderText(tt.in))
		})
	}
}

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []imap.Flag
	}{
		{"nil input", nil, []imap.Flag{}},
		{"system flag case", []string{`\SEEN`, `\draft`}, []imap.Flag{imap.FlagSeen, imap.FlagDraft}},
		{"space separated", []string{`$Work \Flagged  $Label1`}, []imap.Flag{"$Work", imap.FlagFlagged, "$Label1"}},
		{"unknown system flag", []string{`\Recent \Bogus`}, []imap.Flag{}},
		{"atom specials", []string{`(x) a*b "q" a%b x] ok`}, []imap.Flag{"ok"}},
		{"non ascii keyword", []string{"Grüße $A"}, []imap.Flag{"$A"}},
		{"nil and null", []string{"NIL $nil null $NULL Keep"}, []imap.Flag{"Keep"}},
		{"duplicates", []string{`$A \Seen`, `$a \seen $B`}, []imap.Flag{"$A", imap.FlagSeen, "$B"}},
		{"whitespace only", []string{"", "   "}, []imap.Flag{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseFlags(tt.in))
		})
	}
}
