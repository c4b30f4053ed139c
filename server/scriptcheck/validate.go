// Package scriptcheck validates script source before it is compiled, the
// way a ManageSieve server checks PUTSCRIPT and CHECKSCRIPT uploads. The
// source is loaded with go-sieve against the extensions the runtime has
// enabled.
package scriptcheck

import (
	"errors"
	"fmt"
	"strings"

	"github.com/foxcpp/go-sieve"

	"github.com/migadu/sievevm/logger"
)

// DefaultMaxScriptSize bounds uploads when Options.MaxScriptSize is zero.
const DefaultMaxScriptSize = 16 * 1024

var ErrScriptTooLarge = errors.New("script too large")

// Options configure validation.
type Options struct {
	// Extensions enabled in the runtime. Empty means all of them.
	Extensions    []string
	MaxScriptSize int64
}

// ValidationError is returned for scripts go-sieve refuses.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("script validation failed: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Validate checks source against the default options with the given
// enabled extensions.
func Validate(source string, enabled []string) error {
	return Options{Extensions: enabled}.Validate(source)
}

// Validate checks source. Extensions that are enabled in the runtime but
// unknown to the validator cannot be required.
func (o Options) Validate(source string) error {
	maxSize := o.MaxScriptSize
	if maxSize == 0 {
		maxSize = DefaultMaxScriptSize
	}
	if maxSize > 0 && int64(len(source)) > maxSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum of %d", ErrScriptTooLarge, len(source), maxSize)
	}

	options := sieve.DefaultOptions()
	options.EnabledExtensions = Capabilities(o.Extensions)
	if _, err := sieve.Load(strings.NewReader(source), options); err != nil {
		logger.Debug("Sieve: script validation failed", "error", err)
		return &ValidationError{Err: err}
	}
	return nil
}
