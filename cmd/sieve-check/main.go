// Command sieve-check validates sieve script sources against the
// extensions enabled in the configuration, the checks a ManageSieve
// CHECKSCRIPT would run before a script is compiled and installed.
package main

import (
	goerrors "errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/pkg/errors"
	"github.com/migadu/sievevm/server/scriptcheck"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	errorHandler := errors.NewErrorHandlerTo(stderr)

	fs := flag.NewFlagSet("sieve-check", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := fs.Bool("version", false, "Show version information and exit")
	configPath := fs.String("config", "", "Path to TOML configuration file, for the enabled extensions")
	maxSize := fs.Int64("max-size", scriptcheck.DefaultMaxScriptSize, "Maximum script size in bytes, negative disables the limit")
	showCaps := fs.Bool("capabilities", false, "Print the extensions scripts may require and exit")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: sieve-check [flags] <script.sieve>...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errors.ExitOK
		}
		return errors.ExitUsage
	}
	if *showVersion {
		fmt.Fprintf(stdout, "sieve-check version %s (commit: %s, built at: %s)\n", version, commit, date)
		return errors.ExitOK
	}

	cfg := config.NewDefaultConfig()
	if *configPath != "" {
		if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
			errorHandler.ConfigError(*configPath, err)
			return errorHandler.WaitForExit()
		}
	}
	if err := scriptcheck.ValidateExtensions(cfg.Sieve.Extensions); err != nil {
		errorHandler.ValidationError("sieve.extensions", err)
		return errorHandler.WaitForExit()
	}

	if *showCaps {
		fmt.Fprintln(stdout, strings.Join(scriptcheck.Capabilities(cfg.Sieve.Extensions), " "))
		if missing := scriptcheck.Unverifiable(cfg.Sieve.Extensions); len(missing) > 0 {
			fmt.Fprintf(stdout, "not checkable: %s\n", strings.Join(missing, " "))
		}
		return errors.ExitOK
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.ExitUsage
	}

	opts := scriptcheck.Options{Extensions: cfg.Sieve.Extensions, MaxScriptSize: *maxSize}
	code := errors.ExitOK
	for _, path := range fs.Args() {
		source, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(stderr, "sieve-check: %v\n", err)
			code = errors.ExitCode(err)
			continue
		}
		if err := opts.Validate(string(source)); err != nil {
			fmt.Fprintf(stderr, "sieve-check: %s: %v\n", path, err)
			var verr *scriptcheck.ValidationError
			if goerrors.As(err, &verr) || goerrors.Is(err, scriptcheck.ErrScriptTooLarge) {
				code = errors.ExitDataErr
			} else {
				code = errors.ExitFailure
			}
			continue
		}
		fmt.Fprintf(stdout, "%s: ok\n", path)
	}
	return code
}
