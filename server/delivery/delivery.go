// Package delivery provides the environment compiled sieve programs run in
// when a message is delivered: maildir storage, an SMTP relay for outbound
// messages, a persistent duplicate tracker, and the delivery flow that runs
// the administrator and user scripts against one result.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/core"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/multiscript"
	"github.com/migadu/sievevm/sieve/result"
)

// Outcome summarizes what happened to a delivered message.
type Outcome string

const (
	OutcomeStored       Outcome = "stored"        // filed by an explicit action
	OutcomeKept         Outcome = "kept"          // kept in the keep mailbox
	OutcomeRedirected   Outcome = "redirected"    // forwarded and not stored
	OutcomeRejected     Outcome = "rejected"      // refused with a notice to the sender
	OutcomeDiscarded    Outcome = "discarded"     // silently dropped
	OutcomeFallbackKept Outcome = "fallback_kept" // a script or action failed, kept in INBOX
	OutcomeTempFailure  Outcome = "tempfail"      // nothing committed, redeliver later
	OutcomeFailed       Outcome = "failed"        // even the fallback keep failed
)

// DeliveryContext holds everything needed to run the script chain for a
// delivery. It is safe for concurrent use; every delivery gets its own
// result and chain.
type DeliveryContext struct {
	Registry *interp.Registry
	Limits   result.Limits
	Options  multiscript.Options

	Store      sieve.MailStore
	Transport  sieve.Transport
	Duplicates sieve.DuplicateTracker

	Hostname    string
	Postmaster  string
	KeepMailbox string

	// Before and After run around the user's program; Discard runs once
	// more when the chain discarded the message.
	Before  []*binary.Program
	After   []*binary.Program
	Discard *binary.Program
}

// DeliveryResult contains the result of a delivery attempt.
type DeliveryResult struct {
	Success      bool
	Outcome      Outcome
	MailboxName  string // last mailbox written, if any
	Actions      []string
	Usage        interp.ResourceUsage
	ErrorMessage string
}

// RecipientInfo identifies the mailbox owner and the envelope of the
// message being delivered to them.
type RecipientInfo struct {
	User     string // mailbox owner address
	Envelope sieve.Envelope
}

// NewDeliveryContext wires the delivery flow from configuration. The
// before, after and discard programs are loaded from the paths in the
// sieve section.
func NewDeliveryContext(cfg *config.Config, reg *interp.Registry, store sieve.MailStore, transport sieve.Transport, duplicates sieve.DuplicateTracker) (*DeliveryContext, error) {
	cpu, err := cfg.Sieve.GetMaxCPUTime()
	if err != nil {
		return nil, err
	}
	d := &DeliveryContext{
		Registry: reg,
		Limits: result.Limits{
			MaxActions:   cfg.Sieve.GetMaxActions(),
			MaxRedirects: cfg.Sieve.GetMaxRedirects(),
		},
		Options: multiscript.Options{
			CPULimit:        cpu,
			Cumulative:      cfg.Sieve.CumulativeCPU,
			MaxLoopDepth:    cfg.Sieve.MaxLoopDepth,
			MaxStringLength: cfg.Sieve.GetMaxStringLength(),
		},
		Store:       store,
		Transport:   transport,
		Duplicates:  duplicates,
		Hostname:    cfg.Sieve.Hostname,
		Postmaster:  cfg.Sieve.Postmaster,
		KeepMailbox: cfg.Sieve.GetKeepMailbox(),
	}

	if d.Before, err = loadPrograms(cfg.Sieve.Before); err != nil {
		return nil, err
	}
	if d.After, err = loadPrograms(cfg.Sieve.After); err != nil {
		return nil, err
	}
	if cfg.Sieve.Discard != "" {
		if d.Discard, err = binary.LoadFile(cfg.Sieve.Discard); err != nil {
			return nil, fmt.Errorf("loading discard script: %w", err)
		}
	}
	return d, nil
}

func loadPrograms(paths []string) ([]*binary.Program, error) {
	progs := make([]*binary.Program, 0, len(paths))
	for _, path := range paths {
		prog, err := binary.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading script %s: %w", path, err)
		}
		progs = append(progs, prog)
	}
	return progs, nil
}

// WithStore returns a copy of d that saves into store. Front ends serving
// many users share one context and swap the store per recipient.
func (d *DeliveryContext) WithStore(store sieve.MailStore) *DeliveryContext {
	c := *d
	c.Store = store
	return &c
}

func (d *DeliveryContext) execEnv(user string) *sieve.ExecEnv {
	return &sieve.ExecEnv{
		Store:      d.Store,
		Transport:  d.Transport,
		Duplicates: d.Duplicates,
		User:       user,
		Postmaster: d.Postmaster,
		Hostname:   d.Hostname,
	}
}

// runChain parses raw and runs the whole script chain for recipient
// against a fresh result. Nothing is committed.
func (d *DeliveryContext) runChain(ctx context.Context, recipient RecipientInfo, raw []byte, userProgram *binary.Program) (*multiscript.Multiscript, *sieve.MessageData, error) {
	msg, err := sieve.ParseMessage(raw, recipient.Envelope)
	if err != nil {
		return nil, nil, err
	}

	r := result.New(d.execEnv(recipient.User), msg, d.Limits)
	core.SetupKeep(r, d.KeepMailbox)
	chain := multiscript.New(d.Registry, r, d.Options)

	for _, prog := range d.Before {
		if !chain.Run(ctx, prog, "before") {
			break
		}
	}
	if userProgram != nil && chain.Active() {
		chain.Run(ctx, userProgram, "user")
	}
	for _, prog := range d.After {
		if !chain.Active() || !chain.Run(ctx, prog, "after") {
			break
		}
	}
	if d.Discard != nil && chain.WillDiscard() {
		logger.Debug("Sieve: running discard script", "user", recipient.User, "script", d.Discard.Name)
		chain.RunDiscard(ctx, d.Discard)
	}
	return chain, msg, nil
}

// DeliverMessage runs the script chain for one recipient and commits the
// result. A nil userProgram delivers with the administrator scripts only.
// The returned error is non-nil whenever the delivery did not complete as
// the scripts asked; the result still tells whether the message is safe
// (fallback keep) or must be retried (temporary failure).
func (d *DeliveryContext) DeliverMessage(ctx context.Context, recipient RecipientInfo, raw []byte, userProgram *binary.Program) (*DeliveryResult, error) {
	start := time.Now()
	res := &DeliveryResult{}

	chain, msg, err := d.runChain(ctx, recipient, raw, userProgram)
	if err != nil {
		res.Outcome = OutcomeFailed
		res.ErrorMessage = fmt.Sprintf("Invalid RFC822 message: %v", err)
		metrics.SieveDeliveries.WithLabelValues(string(res.Outcome)).Inc()
		return res, err
	}
	r := chain.Result()

	res.Actions = r.Describe()
	err = chain.Finish(ctx)
	res.Usage = chain.Usage()
	status := r.Status()
	res.MailboxName = status.LastStorage
	res.Outcome = outcome(r, err)
	res.Success = res.Outcome != OutcomeTempFailure && res.Outcome != OutcomeFailed
	if err != nil {
		res.ErrorMessage = err.Error()
	}

	metrics.SieveDeliveries.WithLabelValues(string(res.Outcome)).Inc()
	logger.Info("Sieve: message delivered",
		"user", recipient.User,
		"message_id", msg.ID,
		"outcome", res.Outcome,
		"mailbox", res.MailboxName,
		"instructions", res.Usage.Instructions,
		"duration", time.Since(start))
	if err != nil {
		logger.Warn("Sieve: delivery did not complete cleanly",
			"user", recipient.User, "status", sieve.StatusOf(err).Label(), "error", err)
	}
	return res, err
}

// DryRunResult is what the chain would do with a message.
type DryRunResult struct {
	Actions []string
	Usage   interp.ResourceUsage
	Err     error // the script failure that would trigger the failure keep
}

// DryRun runs the chain like DeliverMessage but rolls the result back
// instead of committing it. Nothing is stored or sent.
func (d *DeliveryContext) DryRun(ctx context.Context, recipient RecipientInfo, raw []byte, userProgram *binary.Program) (*DryRunResult, error) {
	chain, _, err := d.runChain(ctx, recipient, raw, userProgram)
	if err != nil {
		return nil, err
	}
	r := chain.Result()
	res := &DryRunResult{
		Actions: r.Describe(),
		Usage:   chain.Usage(),
		Err:     chain.Err(),
	}
	r.Rollback(ctx)
	return res, nil
}

func outcome(r *result.Result, err error) Outcome {
	status := r.Status()
	if err != nil {
		switch {
		case status.ImplicitKeep == result.ImplicitKeepFailure:
			return OutcomeFallbackKept
		case sieve.StatusOf(err) == sieve.StatusTempFailure:
			return OutcomeTempFailure
		default:
			return OutcomeFailed
		}
	}

	var stored, kept, rejected bool
	for _, act := range r.Actions() {
		if !act.Executed {
			continue
		}
		switch act.Def.Name() {
		case "reject":
			rejected = true
		case "store":
			if act.Keep {
				kept = true
			} else {
				stored = true
			}
		}
	}
	switch {
	case rejected:
		return OutcomeRejected
	case stored:
		return OutcomeStored
	case kept || status.ImplicitKeep == result.ImplicitKeepDefault:
		return OutcomeKept
	case status.MessageForwarded:
		return OutcomeRedirected
	default:
		return OutcomeDiscarded
	}
}

// IsTemporaryFailure reports whether err asks the caller to redeliver.
func IsTemporaryFailure(err error) bool {
	return err != nil && sieve.StatusOf(err) == sieve.StatusTempFailure
}
