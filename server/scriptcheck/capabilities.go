package scriptcheck

import (
	"fmt"
	"sort"
	"strings"

	"github.com/migadu/sievevm/sieve/extensions"
)

// GoSieveSupportedExtensions lists the extensions the go-sieve loader can
// validate. Core commands (require, if/elsif/else, stop, redirect, keep,
// discard) are always available.
//
// Based on: github.com/migadu/go-sieve@v0.0.0-20250924160026-17d8f94a0a43/interp/load.go
var GoSieveSupportedExtensions = []string{
	"fileinto",
	"envelope",
	"encoded-character",

	"comparator-i;octet",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
	"comparator-i;unicode-casemap",

	"imap4flags",
	"variables",
	"relational",
	"vacation",
	"copy",
	"regex",
}

// comparators of the runtime; they need no require in compiled programs
// but scripts may still name them.
var runtimeComparators = []string{
	"comparator-i;octet",
	"comparator-i;ascii-casemap",
	"comparator-i;ascii-numeric",
}

func supported() map[string]bool {
	m := make(map[string]bool, len(GoSieveSupportedExtensions))
	for _, ext := range GoSieveSupportedExtensions {
		m[ext] = true
	}
	return m
}

// ValidateExtensions checks that every name is known to the runtime.
func ValidateExtensions(names []string) error {
	known := make(map[string]bool)
	for _, ext := range extensions.Available() {
		known[ext] = true
	}
	var invalid []string
	for _, name := range names {
		if !known[strings.ToLower(strings.TrimSpace(name))] {
			invalid = append(invalid, name)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid SIEVE extensions: %s (supported: %s)",
			strings.Join(invalid, ", "),
			strings.Join(extensions.Available(), ", "))
	}
	return nil
}

// Capabilities returns the extensions to advertise to clients: those
// enabled in the runtime that scripts can be validated against, plus the
// comparators. An empty enabled list means every runtime extension.
func Capabilities(enabled []string) []string {
	if len(enabled) == 0 {
		enabled = extensions.Available()
	}
	checkable := supported()
	seen := make(map[string]bool)
	var caps []string
	for _, name := range enabled {
		name = strings.ToLower(strings.TrimSpace(name))
		if checkable[name] && !seen[name] {
			seen[name] = true
			caps = append(caps, name)
		}
	}
	caps = append(caps, runtimeComparators...)
	sort.Strings(caps)
	return caps
}

// Unverifiable lists enabled runtime extensions go-sieve cannot validate.
// Scripts requiring them are refused by Validate.
func Unverifiable(enabled []string) []string {
	if len(enabled) == 0 {
		enabled = extensions.Available()
	}
	checkable := supported()
	var out []string
	for _, name := range enabled {
		name = strings.ToLower(strings.TrimSpace(name))
		if !checkable[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
