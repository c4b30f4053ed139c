// Package match implements the comparators, match types and address parts
// shared by the tests of the core language and its extensions.
package match

import (
	"strings"
	"unicode/utf8"
)

// Core selector codes as they appear in programs.
const (
	ComparatorOctet        byte = 0
	ComparatorASCIICasemap byte = 1
	ComparatorASCIINumeric byte = 2

	MatchIs       byte = 0
	MatchContains byte = 1
	MatchMatches  byte = 2

	AddressAll       byte = 0
	AddressLocalpart byte = 1
	AddressDomain    byte = 2
)

// Comparator defines how two strings compare.
type Comparator struct {
	Name    string
	fold    bool
	numeric bool
}

var (
	Octet        = &Comparator{Name: "i;octet"}
	ASCIICasemap = &Comparator{Name: "i;ascii-casemap", fold: true}
	ASCIINumeric = &Comparator{Name: "i;ascii-numeric", numeric: true}
)

var comparators = map[byte]*Comparator{
	ComparatorOctet:        Octet,
	ComparatorASCIICasemap: ASCIICasemap,
	ComparatorASCIINumeric: ASCIINumeric,
}

// Equal compares a and b.
func (c *Comparator) Equal(a, b string) bool {
	switch {
	case c.numeric:
		return numericKey(a) == numericKey(b)
	case c.fold:
		return asciiLower(a) == asciiLower(b)
	}
	return a == b
}

// Contains reports whether sub occurs in s. The numeric comparator does not
// support substring matching and never matches.
func (c *Comparator) Contains(s, sub string) bool {
	switch {
	case c.numeric:
		return false
	case c.fold:
		return strings.Contains(asciiLower(s), asciiLower(sub))
	}
	return strings.Contains(s, sub)
}

// Matches reports whether s matches pattern, where '*' matches any sequence,
// '?' matches one character and '\' escapes the next character.
func (c *Comparator) Matches(s, pattern string) bool {
	if c.numeric {
		return false
	}
	if c.fold {
		s, pattern = asciiLower(s), asciiLower(pattern)
	}
	return wildcard(s, pattern)
}

// numericKey normalizes the leading digits of s. Strings that do not start
// with a digit compare equal to each other as positive infinity.
func numericKey(s string) string {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return "inf"
	}
	digits := strings.TrimLeft(s[:i], "0")
	if digits == "" {
		return "0"
	}
	return digits
}

// NumericLess orders strings the way i;ascii-numeric does.
func NumericLess(a, b string) bool {
	ka, kb := numericKey(a), numericKey(b)
	switch {
	case ka == kb:
		return false
	case ka == "inf":
		return false
	case kb == "inf":
		return true
	case len(ka) != len(kb):
		return len(ka) < len(kb)
	}
	return ka < kb
}

func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}

func wildcard(s, p string) bool {
	// star remembers where to resume after the last '*'.
	starP, starS := -1, 0
	i, j := 0, 0
	for i < len(s) {
		if j < len(p) {
			switch p[j] {
			case '*':
				starP, starS = j, i
				j++
				continue
			case '?':
				_, n := utf8.DecodeRuneInString(s[i:])
				i += n
				j++
				continue
			case '\\':
				if j+1 < len(p) && p[j+1] == s[i] {
					i++
					j += 2
					continue
				}
			default:
				if p[j] == s[i] {
					i++
					j++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		_, n := utf8.DecodeRuneInString(s[starS:])
		starS += n
		i, j = starS, starP+1
	}
	for j < len(p) && p[j] == '*' {
		j++
	}
	return j == len(p)
}

// MatchType defines how a value is matched against a key.
type MatchType struct {
	Name  string
	match func(c *Comparator, value, key string) bool
}

var (
	Is       = &MatchType{Name: "is", match: (*Comparator).Equal}
	Contains = &MatchType{Name: "contains", match: (*Comparator).Contains}
	Matches  = &MatchType{Name: "matches", match: (*Comparator).Matches}
)

var matchTypes = map[byte]*MatchType{
	MatchIs:       Is,
	MatchContains: Contains,
	MatchMatches:  Matches,
}

// AddressPart selects part of an address.
type AddressPart struct {
	Name    string
	extract func(addr string) (string, bool)
}

var (
	All       = &AddressPart{Name: "all", extract: func(a string) (string, bool) { return a, true }}
	Localpart = &AddressPart{Name: "localpart", extract: localpart}
	Domain    = &AddressPart{Name: "domain", extract: domain}
)

var addressParts = map[byte]*AddressPart{
	AddressAll:       All,
	AddressLocalpart: Localpart,
	AddressDomain:    Domain,
}

// Extract returns the selected part; ok is false when the address has no
// such part.
func (ap *AddressPart) Extract(addr string) (string, bool) {
	return ap.extract(addr)
}

func localpart(addr string) (string, bool) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return addr, true
	}
	return addr[:i], true
}

func domain(addr string) (string, bool) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return "", false
	}
	return addr[i+1:], true
}

// Matcher combines the selectors of one test.
type Matcher struct {
	Comparator  *Comparator
	MatchType   *MatchType
	AddressPart *AddressPart
}

// Default returns the matcher used when a test names no selectors.
func Default() Matcher {
	return Matcher{Comparator: ASCIICasemap, MatchType: Is, AddressPart: All}
}

// Match reports whether value matches any of keys.
func (m Matcher) Match(value string, keys []string) bool {
	for _, key := range keys {
		if m.MatchType.match(m.Comparator, value, key) {
			return true
		}
	}
	return false
}

// MatchAny reports whether any value matches any key.
func (m Matcher) MatchAny(values, keys []string) bool {
	for _, v := range values {
		if m.Match(v, keys) {
			return true
		}
	}
	return false
}

// MatchAddresses applies the address part to every address and matches what
// it extracts.
func (m Matcher) MatchAddresses(addrs, keys []string) bool {
	for _, a := range addrs {
		part, ok := m.AddressPart.Extract(a)
		if ok && m.Match(part, keys) {
			return true
		}
	}
	return false
}
