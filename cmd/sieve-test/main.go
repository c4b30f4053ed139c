// Command sieve-test runs compiled sieve programs against a message file.
//
// By default it only prints the actions the programs would perform. With
// -e the result is committed: messages are stored in the user's maildir and
// redirects and notices go through the configured relay.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/emersion/go-message/mail"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/errors"
	"github.com/migadu/sievevm/server/delivery"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/interp"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type options struct {
	configPath string
	from       string
	to         string
	user       string
	maildir    string
	execute    bool
	dump       bool
	trace      bool
	program    string
	message    string
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("sieve-test", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := &options{}
	showVersion := fs.Bool("version", false, "Show version information and exit")
	fs.StringVar(&opts.configPath, "config", "", "Path to TOML configuration file")
	fs.StringVar(&opts.from, "from", "", "Envelope sender, defaults to the From header")
	fs.StringVar(&opts.to, "to", "recipient@example.com", "Envelope recipient")
	fs.StringVar(&opts.user, "user", "", "Mailbox owner, defaults to -to")
	fs.StringVar(&opts.maildir, "maildir", "", "Maildir for -e, defaults to the user's home below storage.path")
	fs.BoolVar(&opts.execute, "e", false, "Commit the result instead of printing it")
	fs.BoolVar(&opts.dump, "d", false, "Disassemble the program before running it")
	fs.BoolVar(&opts.trace, "t", false, "Log at debug level")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "usage: sieve-test [flags] <program.svbc> <message.eml>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *showVersion {
		fmt.Fprintf(stderr, "sieve-test version %s (commit: %s, built at: %s)\n", version, commit, date)
		return nil, flag.ErrHelp
	}
	if fs.NArg() != 2 {
		fs.Usage()
		return nil, fmt.Errorf("expected a program and a message, got %d arguments", fs.NArg())
	}
	opts.program, opts.message = fs.Arg(0), fs.Arg(1)
	if opts.user == "" {
		opts.user = opts.to
	}
	return opts, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	errorHandler := errors.NewErrorHandlerTo(stderr)

	opts, err := parseFlags(args, stderr)
	if err == flag.ErrHelp {
		return errors.ExitOK
	}
	if err != nil {
		errorHandler.UsageError("%v", err)
		return errorHandler.WaitForExit()
	}

	cfg := config.NewDefaultConfig()
	if opts.configPath != "" {
		if err := config.LoadConfigFromFile(opts.configPath, &cfg); err != nil {
			errorHandler.ConfigError(opts.configPath, err)
			return errorHandler.WaitForExit()
		}
	}
	if opts.trace {
		cfg.Logging.Level = "debug"
	} else if opts.configPath == "" {
		cfg.Logging.Level = "warn"
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("configuration", err)
		return errorHandler.WaitForExit()
	}
	logger.InitializeWriter(stderr, cfg.Logging)

	if err := testMessage(ctx, &cfg, opts, stdout); err != nil {
		errorHandler.FatalError("sieve-test", err)
		return errorHandler.WaitForExit()
	}
	return errors.ExitOK
}

func testMessage(ctx context.Context, cfg *config.Config, opts *options, stdout io.Writer) error {
	prog, err := binary.LoadFile(opts.program)
	if err != nil {
		return err
	}
	raw, err := os.ReadFile(opts.message)
	if err != nil {
		return err
	}

	services, err := delivery.NewServices(cfg)
	if err != nil {
		return err
	}
	defer services.Close()

	if opts.dump {
		if err := interp.NewDumper(prog, services.Registry).Dump(stdout); err != nil {
			return err
		}
		fmt.Fprintln(stdout)
	}

	from := opts.from
	if from == "" {
		msg, err := sieve.ParseMessage(raw, sieve.Envelope{})
		if err != nil {
			return err
		}
		from = headerAddress(msg.Header.Get("From"))
	}
	recipient := delivery.RecipientInfo{
		User:     opts.user,
		Envelope: sieve.Envelope{From: from, To: opts.to, OrigTo: opts.to},
	}

	var store sieve.MailStore
	if opts.execute {
		dir := opts.maildir
		if dir == "" {
			home, err := cfg.Storage.UserHome(opts.user)
			if err != nil {
				return err
			}
			dir = filepath.Join(home, "Maildir")
		}
		store = delivery.NewMaildirStore(dir, cfg.Sieve.Hostname)
	}
	d, err := services.NewDeliveryContext(cfg, store)
	if err != nil {
		return err
	}

	if !opts.execute {
		res, err := d.DryRun(ctx, recipient, raw, prog)
		if err != nil {
			return err
		}
		printDryRun(stdout, res)
		return nil
	}

	res, err := d.DeliverMessage(ctx, recipient, raw, prog)
	if res != nil {
		printDelivery(stdout, res)
	}
	return err
}

func printDryRun(w io.Writer, res *delivery.DryRunResult) {
	fmt.Fprintln(w, "Performed actions:")
	if len(res.Actions) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, a := range res.Actions {
		fmt.Fprintf(w, "  * %s\n", a)
	}
	if res.Err != nil {
		fmt.Fprintf(w, "Script failed (%s): %v\n", sieve.StatusOf(res.Err), res.Err)
		fmt.Fprintln(w, "  the failure keep would store the message instead")
	}
	fmt.Fprintf(w, "Instructions: %d, CPU time: %s\n", res.Usage.Instructions, res.Usage.CPUTime)
}

func printDelivery(w io.Writer, res *delivery.DeliveryResult) {
	fmt.Fprintf(w, "Outcome: %s\n", res.Outcome)
	for _, a := range res.Actions {
		fmt.Fprintf(w, "  * %s\n", a)
	}
	if res.MailboxName != "" {
		fmt.Fprintf(w, "Stored in: %s\n", res.MailboxName)
	}
	if res.ErrorMessage != "" {
		fmt.Fprintf(w, "Error: %s\n", res.ErrorMessage)
	}
}

// headerAddress extracts the bare address from a From header value.
func headerAddress(value string) string {
	if value == "" {
		return ""
	}
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return ""
	}
	return addr.Address
}
