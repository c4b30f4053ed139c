// Package errors reports fatal errors of the command line tools and turns
// them into process exit codes.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/sieve"
)

// Exit codes from sysexits.h, understood by MTAs invoking a delivery agent.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitUsage    = 64 // EX_USAGE
	ExitDataErr  = 65 // EX_DATAERR
	ExitNoInput  = 66 // EX_NOINPUT
	ExitSoftware = 70 // EX_SOFTWARE
	ExitTempFail = 75 // EX_TEMPFAIL
	ExitConfig   = 78 // EX_CONFIG
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{
		Operation: operation,
		Err:       err,
	}
}

// ExitCode maps the error of a delivery or tool run to an exit code.
// Temporary sieve failures ask the caller to retry.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch sieve.StatusOf(err) {
	case sieve.StatusTempFailure:
		return ExitTempFail
	case sieve.StatusBinaryCorrupt:
		return ExitDataErr
	}
	if stderrors.Is(err, os.ErrNotExist) {
		return ExitNoInput
	}
	return ExitFailure
}

type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return NewErrorHandlerTo(os.Stderr)
}

// NewErrorHandlerTo reports to w instead of stderr.
func NewErrorHandlerTo(w io.Writer) *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(w, "[ERROR] ", log.LstdFlags),
	}
}

func (eh *ErrorHandler) exit(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	gracefulErr := NewGracefulError(operation, err)
	eh.logger.Printf("FATAL: %v", gracefulErr)
	eh.exit(ExitCode(err))
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)
	eh.exit(ExitConfig)
}

func (eh *ErrorHandler) UsageError(format string, args ...any) {
	eh.logger.Printf("ERROR: "+format, args...)
	eh.exit(ExitUsage)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("Graceful shutdown initiated")
	default:
		logger.Warn("Unexpected shutdown")
	}
}
