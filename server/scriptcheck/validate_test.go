package scriptcheck

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fileintoScript = `require "fileinto";
if header :contains "subject" "report" {
	fileinto "Reports";
}
`

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		enabled []string
		wantErr bool
	}{
		{"core only", `if size :over 100K { discard; stop; }`, nil, false},
		{"fileinto enabled", fileintoScript, []string{"fileinto"}, false},
		{"all enabled by default", fileintoScript, nil, false},
		{"vacation", `require "vacation"; vacation :days 3 "Away";`, []string{"vacation", "fileinto"}, false},
		{"syntax error", `if header :is "subject" "x" { keep;`, nil, true},
		{"unknown command", `frobnicate "x";`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.source, tt.enabled)
			if tt.wantErr {
				require.Error(t, err)
				var verr *ValidationError
				assert.ErrorAs(t, err, &verr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateScriptSize(t *testing.T) {
	big := "keep;\n" + strings.Repeat("# padding\n", 100)
	err := Options{MaxScriptSize: 64}.Validate(big)
	assert.ErrorIs(t, err, ErrScriptTooLarge)

	assert.NoError(t, Options{MaxScriptSize: -1}.Validate(big), "negative size disables the limit")
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities([]string{"fileinto", "reject", "Vacation", "fileinto"})
	assert.Equal(t, []string{
		"comparator-i;ascii-casemap",
		"comparator-i;ascii-numeric",
		"comparator-i;octet",
		"fileinto",
		"vacation",
	}, caps)

	all := Capabilities(nil)
	assert.Contains(t, all, "imap4flags")
	assert.Contains(t, all, "envelope")
	assert.Contains(t, all, "copy")
	assert.NotContains(t, all, "reject")
	assert.NotContains(t, all, "variables", "the runtime does not implement variables")
}

func TestUnverifiable(t *testing.T) {
	assert.Equal(t, []string{"body", "reject"}, Unverifiable([]string{"fileinto", "reject", "body"}))
	assert.Contains(t, Unverifiable(nil), "foreverypart")
}

func TestValidateExtensions(t *testing.T) {
	assert.NoError(t, ValidateExtensions(nil))
	assert.NoError(t, ValidateExtensions([]string{"fileinto", "ereject", "duplicate"}))
	err := ValidateExtensions([]string{"fileinto", "regex"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regex")
}
