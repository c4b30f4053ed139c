// Command sieve-dump disassembles compiled sieve programs.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/pkg/errors"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/extensions"
	"github.com/migadu/sievevm/sieve/interp"
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

	fs := flag.NewFlagSet("sieve-dump", flag.ContinueOnError)
	fs.SetOutput(stderr)
	showVersion := fs.Bool("version", false, "Show version information and exit")
	configPath := fs.String("config", "", "Path to TOML configuration file, for the enabled extensions")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: sieve-dump [flags] <program.svbc>...\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return errors.ExitOK
		}
		return errors.ExitUsage
	}
	if *showVersion {
		fmt.Fprintf(stdout, "sieve-dump version %s (commit: %s, built at: %s)\n", version, commit, date)
		return errors.ExitOK
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.ExitUsage
	}

	cfg := config.NewDefaultConfig()
	if *configPath != "" {
		if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
			errorHandler.ConfigError(*configPath, err)
			return errorHandler.WaitForExit()
		}
	}
	reg, err := extensions.NewRegistry(cfg.Sieve)
	if err != nil {
		errorHandler.ValidationError("sieve.extensions", err)
		return errorHandler.WaitForExit()
	}

	// Keep going after a bad file; the exit code reports the last failure.
	code := errors.ExitOK
	for i, path := range fs.Args() {
		if i > 0 {
			fmt.Fprintln(stdout)
		}
		prog, err := binary.LoadFile(path)
		if err == nil {
			err = interp.NewDumper(prog, reg).Dump(stdout)
		}
		if err != nil {
			fmt.Fprintf(stderr, "sieve-dump: %s: %v\n", path, err)
			code = errors.ExitCode(err)
		}
	}
	return code
}
