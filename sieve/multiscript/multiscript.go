// Package multiscript runs a chain of programs against one shared result,
// the way a delivery agent runs administrator scripts around the user's
// script, and commits the combined result exactly once.
package multiscript

import (
	"context"
	"time"

	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/core"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

// Options configure a chain.
type Options struct {
	// CPULimit bounds the CPU time of each script, or of the whole chain
	// when Cumulative is set. Zero means unlimited.
	CPULimit   time.Duration
	Cumulative bool

	MaxLoopDepth    int
	MaxStringLength int

	// Clock replaces the process CPU clock of the budgets.
	Clock func() time.Duration
}

// Multiscript is one chain execution. It is not safe for concurrent use.
type Multiscript struct {
	reg  *interp.Registry
	res  *result.Result
	opts Options

	budget *interp.CPUBudget // shared by all scripts when cumulative
	usage  interp.ResourceUsage

	active    bool
	discarded bool
	finished  bool
	err       error
}

// New starts a chain that collects its actions in res. The keep action of
// res must already be configured.
func New(reg *interp.Registry, res *result.Result, opts Options) *Multiscript {
	m := &Multiscript{reg: reg, res: res, opts: opts, active: true}
	if opts.Cumulative {
		m.budget = m.newBudget()
	}
	return m
}

func (m *Multiscript) newBudget() *interp.CPUBudget {
	b := interp.NewCPUBudget(m.opts.CPULimit)
	b.Clock = m.opts.Clock
	return b
}

// Result returns the shared result.
func (m *Multiscript) Result() *result.Result { return m.res }

// Active reports whether the next script of the chain should run.
func (m *Multiscript) Active() bool { return m.active }

// Usage reports the resources consumed by every script run so far.
func (m *Multiscript) Usage() interp.ResourceUsage { return m.usage }

// Err returns the error that ended the chain, if any.
func (m *Multiscript) Err() error { return m.err }

// Status summarizes the chain so far.
func (m *Multiscript) Status() sieve.Status { return sieve.StatusOf(m.err) }

// Run executes prog as the next script of the chain and reports whether
// the chain continues. It continues only while every script succeeded, none
// executed stop and the implicit keep is still pending. Source labels the
// script in metrics, e.g. "before" or "user".
func (m *Multiscript) Run(ctx context.Context, prog *binary.Program, source string) bool {
	if !m.active || m.finished {
		return false
	}
	stopped, err := m.execute(ctx, prog, source)
	switch {
	case err != nil:
		m.err = err
		m.active = false
	case stopped:
		logger.Debug("Sieve: script chain stopped", "script", prog.Name)
		m.active = false
	case !m.res.ImplicitKeepPending():
		logger.Debug("Sieve: implicit keep canceled, ending script chain", "script", prog.Name)
		m.active = false
	}
	return m.active
}

func (m *Multiscript) execute(ctx context.Context, prog *binary.Program, source string) (bool, error) {
	budget := m.budget
	if budget == nil {
		budget = m.newBudget()
	}
	before := budget.Used()

	ip, err := interp.New(prog, m.reg, interp.Options{
		Budget:          budget,
		MaxLoopDepth:    m.opts.MaxLoopDepth,
		MaxStringLength: m.opts.MaxStringLength,
		Source:          source,
	})
	if err != nil {
		logger.Warn("Sieve: failed to load script", "script", prog.Name, "error", err)
		return false, err
	}
	defer ip.Free()

	err = ip.Run(ctx, m.res)
	u := ip.Usage()
	m.usage.Instructions += u.Instructions
	m.usage.CPUTime += budget.Used() - before
	if err == nil && ip.State() == interp.StateInterrupted {
		err = sieve.Errorf(sieve.StatusFailure, "script %s was interrupted", prog.Name)
	}
	return ip.Stopped(), err
}

// WillDiscard reports whether the chain ended with the message being
// discarded: every script succeeded, the implicit keep was canceled and no
// pending action delivers the message.
func (m *Multiscript) WillDiscard() bool {
	return !m.active && !m.finished && !m.discarded && m.err == nil &&
		!m.res.ImplicitKeepPending() && !m.res.TriesDelivery()
}

// RunDiscard runs the discard script for a message the chain discarded. It
// sees the same result with keep meaning discard, so the message is only
// delivered when the script files or redirects it itself. The implicit keep
// stays deferred when the result is committed.
func (m *Multiscript) RunDiscard(ctx context.Context, prog *binary.Program) {
	if !m.WillDiscard() {
		return
	}
	m.discarded = true

	def, kctx := m.res.KeepAction(), m.res.KeepContext()
	m.res.SetKeepAction(core.Discard, nil)
	defer m.res.SetKeepAction(def, kctx)

	if _, err := m.execute(ctx, prog, "discard"); err != nil {
		m.err = err
	}
}

// Finish commits the result, or aborts it with the failure keep when a
// script failed. It may be called once.
func (m *Multiscript) Finish(ctx context.Context) error {
	if m.finished {
		return sieve.Errorf(sieve.StatusFailure, "script chain already finished")
	}
	m.finished = true
	m.active = false
	if m.err != nil {
		return m.res.Abort(ctx, m.err)
	}
	var flags result.ExecFlags
	if m.discarded {
		flags |= result.ExecFlagDeferKeep
	}
	return m.res.Commit(ctx, flags)
}
