// Package extensions assembles the interpreter registry from the sieve
// configuration section.
package extensions

import (
	"fmt"
	"sort"
	"strings"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/sieve/core"
	"github.com/migadu/sievevm/sieve/ext/body"
	sievecopy "github.com/migadu/sievevm/sieve/ext/copy"
	"github.com/migadu/sievevm/sieve/ext/duplicate"
	"github.com/migadu/sievevm/sieve/ext/envelope"
	"github.com/migadu/sievevm/sieve/ext/fileinto"
	"github.com/migadu/sievevm/sieve/ext/foreverypart"
	"github.com/migadu/sievevm/sieve/ext/imap4flags"
	"github.com/migadu/sievevm/sieve/ext/mailbox"
	"github.com/migadu/sievevm/sieve/ext/reject"
	"github.com/migadu/sievevm/sieve/ext/vacation"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

type factory func(cfg *config.SieveConfig) (interp.ExtensionDef, error)

func static(ext interp.ExtensionDef) factory {
	return func(*config.SieveConfig) (interp.ExtensionDef, error) { return ext, nil }
}

var factories = map[string]factory{
	body.Name:          static(body.Extension),
	sievecopy.Name:     static(sievecopy.Extension),
	envelope.Name:      static(envelope.Extension),
	fileinto.Name:      static(fileinto.Extension),
	foreverypart.Name:  static(foreverypart.Extension),
	imap4flags.Name:    static(imap4flags.Extension),
	mailbox.Name:       static(mailbox.Extension),
	reject.Name:        static(reject.Extension),
	reject.ERejectName: static(reject.EReject),
	vacation.Name: func(cfg *config.SieveConfig) (interp.ExtensionDef, error) {
		minPeriod, defPeriod, maxPeriod, err := cfg.GetVacationPeriods()
		if err != nil {
			return nil, err
		}
		return vacation.New(vacation.Config{MinPeriod: minPeriod, DefaultPeriod: defPeriod, MaxPeriod: maxPeriod}), nil
	},
	duplicate.Name: func(cfg *config.SieveConfig) (interp.ExtensionDef, error) {
		defPeriod, maxPeriod, err := cfg.GetDuplicatePeriods()
		if err != nil {
			return nil, err
		}
		return duplicate.New(duplicate.Config{DefaultPeriod: defPeriod, MaxPeriod: maxPeriod}), nil
	},
}

// Available lists every extension this build supports, sorted.
func Available() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewRegistry builds the registry of the extensions enabled in cfg. An
// empty list enables all of them; unknown names are an error.
func NewRegistry(cfg config.SieveConfig) (*interp.Registry, error) {
	enabled := cfg.Extensions
	if len(enabled) == 0 {
		enabled = Available()
	}

	seen := make(map[string]bool, len(enabled))
	exts := make([]interp.ExtensionDef, 0, len(enabled))
	for _, name := range enabled {
		name = strings.ToLower(strings.TrimSpace(name))
		if seen[name] {
			continue
		}
		seen[name] = true
		f, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown sieve extension %q", name)
		}
		ext, err := f(&cfg)
		if err != nil {
			return nil, fmt.Errorf("extension %s: %w", name, err)
		}
		exts = append(exts, ext)
	}
	return interp.NewRegistry(core.Extension, exts...)
}

// Limits returns the result limits of cfg.
func Limits(cfg config.SieveConfig) result.Limits {
	return result.Limits{MaxActions: cfg.GetMaxActions(), MaxRedirects: cfg.GetMaxRedirects()}
}
