// Package interp executes compiled programs. An Interpreter walks one
// program instruction by instruction, dispatching each to the operation of
// the core language or of an extension, and feeds the actions the program
// requests into a result.Result.
package interp

import (
	"context"
	"time"

	"github.com/emersion/go-message"

	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/result"
)

// State is the lifecycle state of an interpreter.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateInterrupted
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateInterrupted:
		return "interrupted"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// DefaultMaxLoopDepth bounds loop nesting.
const DefaultMaxLoopDepth = 4

// Options configure an interpreter.
type Options struct {
	// Budget limits CPU time; nil means unlimited.
	Budget Budget
	// MaxLoopDepth defaults to DefaultMaxLoopDepth.
	MaxLoopDepth int
	// MaxStringLength caps catenated strings; defaults to
	// binary.DefaultMaxStringLength.
	MaxStringLength int
	// Source labels metrics, e.g. "before", "user", "after".
	Source string
}

// Interpreter executes one program once. It is not safe for concurrent use;
// create one interpreter per execution.
type Interpreter struct {
	prog *binary.Program
	reg  *Registry
	r    *binary.Reader
	opts Options

	exts     []ExtensionDef // by program extension index
	loaded   []ExtensionDef // every extension that got InterpreterLoad
	contexts map[ExtensionDef]any
	started  map[ExtensionDef]bool

	state     State
	pc        int
	loops     []*Loop
	test      bool
	stopped   bool
	interrupt bool
	usage     ResourceUsage
	renv      *RunEnv
	err       error
}

// New binds prog to the extensions of reg and loads them. Extensions the
// registry does not know make the program unusable.
func New(prog *binary.Program, reg *Registry, opts Options) (*Interpreter, error) {
	if opts.MaxLoopDepth <= 0 {
		opts.MaxLoopDepth = DefaultMaxLoopDepth
	}
	ip := &Interpreter{
		prog:     prog,
		reg:      reg,
		r:        prog.Reader(),
		opts:     opts,
		contexts: make(map[ExtensionDef]any),
		started:  make(map[ExtensionDef]bool),
	}
	if opts.MaxStringLength > 0 {
		ip.r.MaxStringLength = opts.MaxStringLength
	}

	toLoad := []ExtensionDef{reg.Core()}
	seen := map[ExtensionDef]bool{reg.Core(): true}
	for _, ext := range reg.preloaded() {
		if !seen[ext] {
			seen[ext] = true
			toLoad = append(toLoad, ext)
		}
	}
	for _, name := range prog.Extensions {
		ext, ok := reg.Lookup(name)
		if !ok {
			return nil, sieve.Errorf(sieve.StatusBinaryCorrupt, "program %s requires unknown extension %q", prog.Name, name)
		}
		ip.exts = append(ip.exts, ext)
		if !seen[ext] {
			seen[ext] = true
			toLoad = append(toLoad, ext)
		}
	}

	for _, ext := range toLoad {
		if err := ext.InterpreterLoad(ip); err != nil {
			ip.Free()
			return nil, sieve.Wrap(sieve.StatusFailure, err)
		}
		ip.loaded = append(ip.loaded, ext)
	}
	return ip, nil
}

// Free notifies every loaded extension that the interpreter is gone.
func (ip *Interpreter) Free() {
	for i := len(ip.loaded) - 1; i >= 0; i-- {
		ip.loaded[i].InterpreterFree(ip)
	}
	ip.loaded = nil
	ip.loops = nil
	ip.contexts = map[ExtensionDef]any{}
}

func (ip *Interpreter) Program() *binary.Program { return ip.prog }
func (ip *Interpreter) Registry() *Registry { return ip.reg }
func (ip *Interpreter) State() State { return ip.state }
func (ip *Interpreter) PC() int { return ip.pc }

// Stopped reports whether the program executed a stop.
func (ip *Interpreter) Stopped() bool { return ip.stopped }

// Usage reports the resources consumed so far.
func (ip *Interpreter) Usage() ResourceUsage { return ip.usage }

// SetExtensionContext stores per-interpreter state for ext.
func (ip *Interpreter) SetExtensionContext(ext ExtensionDef, v any) {
	ip.contexts[ext] = v
}

func (ip *Interpreter) ExtensionContext(ext ExtensionDef) any {
	return ip.contexts[ext]
}

// Extension resolves a program extension index; CoreRef yields the core.
func (ip *Interpreter) Extension(ref int) (ExtensionDef, bool) {
	if ref == binary.CoreRef {
		return ip.reg.Core(), true
	}
	if ref < 0 || ref >= len(ip.exts) {
		return nil, false
	}
	return ip.exts[ref], true
}

// Interrupt asks a running interpreter to pause before its next instruction.
// Run then returns nil with the interpreter in StateInterrupted.
func (ip *Interpreter) Interrupt() {
	ip.interrupt = true
}

// Run executes the program against res. It returns nil when the program
// ran to its end, stopped, or was interrupted.
func (ip *Interpreter) Run(ctx context.Context, res *result.Result) error {
	if ip.state != StateCreated {
		return sieve.Errorf(sieve.StatusFailure, "interpreter already %s", ip.state)
	}
	ip.renv = &RunEnv{
		ctx:    ctx,
		ip:     ip,
		Result: res,
		Msg:    res.Message(),
		Env:    res.Env(),
	}
	ip.state = StateRunning
	for _, ext := range ip.loaded {
		if ext.Deferred() {
			continue
		}
		if err := ip.startExtension(ext); err != nil {
			return ip.finish(sieve.Wrap(sieve.StatusFailure, err))
		}
	}
	return ip.loop()
}

// Continue resumes an interrupted interpreter.
func (ip *Interpreter) Continue(ctx context.Context) error {
	if ip.state != StateInterrupted {
		return sieve.Errorf(sieve.StatusFailure, "interpreter is %s, not interrupted", ip.state)
	}
	ip.renv.ctx = ctx
	ip.state = StateRunning
	return ip.loop()
}

func (ip *Interpreter) startExtension(ext ExtensionDef) error {
	if ip.started[ext] {
		return nil
	}
	ip.started[ext] = true
	return ext.RunStart(ip.renv)
}

func (ip *Interpreter) loop() error {
	started := time.Now()
	if ip.opts.Budget != nil {
		ip.opts.Budget.Begin()
	}
	size := ip.r.Size()
	var err error
	for ip.state == StateRunning {
		if ip.interrupt {
			ip.interrupt = false
			ip.state = StateInterrupted
			break
		}
		if ip.stopped || (ip.pc >= size && len(ip.loops) == 0) {
			ip.state = StateFinished
			break
		}
		if ip.opts.Budget != nil && ip.opts.Budget.Exceeded() {
			metrics.SieveResourceLimitHits.Inc()
			err = sieve.Errorf(sieve.StatusResourceLimit, "execution exceeded CPU time limit at %s", ip.location(ip.pc))
			break
		}
		if top := ip.topLoop(); top != nil && ip.pc >= top.End {
			err = corruptAt(ip.pc, "crossed loop boundary")
			break
		}
		if err = ip.step(); err != nil {
			break
		}
	}
	if ip.opts.Budget != nil {
		ip.opts.Budget.End()
		ip.usage.CPUTime = ip.opts.Budget.Used()
	}
	if ip.state == StateInterrupted && err == nil {
		return nil
	}
	metrics.SieveExecutionDuration.WithLabelValues(ip.source()).Observe(time.Since(started).Seconds())
	return ip.finish(err)
}

func (ip *Interpreter) finish(err error) error {
	ip.state = StateFinished
	ip.err = err
	status := sieve.StatusOf(err)
	metrics.SieveExecutions.WithLabelValues(ip.source(), status.Label()).Inc()
	metrics.SieveInstructions.Observe(float64(ip.usage.Instructions))
	log := logger.ForScript(ip.prog.Name)
	if err != nil {
		log.Warn("Sieve: script execution failed", "pc", ip.pc, "status", status.String(), "error", err)
	} else {
		log.Debug("Sieve: script execution finished", "instructions", ip.usage.Instructions, "stopped", ip.stopped)
	}
	return err
}

func (ip *Interpreter) source() string {
	if ip.opts.Source == "" {
		return "user"
	}
	return ip.opts.Source
}

// Err returns the error the execution finished with.
func (ip *Interpreter) Err() error { return ip.err }

// step decodes and executes one instruction.
func (ip *Interpreter) step() error {
	start := ip.pc
	pc := ip.pc
	ext, op, err := ip.decode(&pc)
	if err != nil {
		return err
	}
	if ext != ip.reg.Core() && ext.Deferred() {
		if err := ip.startExtension(ext); err != nil {
			return sieve.Wrap(sieve.StatusFailure, err)
		}
	}
	ip.renv.instr = start
	ip.usage.Instructions++
	if err := op.Execute(ip.renv, &pc); err != nil {
		return err
	}
	if pc < 0 || pc > ip.r.Size() {
		return corruptAt(start, "%s left program counter out of range", op.Mnemonic())
	}
	ip.pc = pc
	return nil
}

// decode reads the opcode at pc and resolves its operation.
func (ip *Interpreter) decode(pc *int) (ExtensionDef, Operation, error) {
	return decodeOp(ip.r, pc, ip.reg.Core(), ip.exts)
}

func decodeOp(r *binary.Reader, pc *int, core ExtensionDef, exts []ExtensionDef) (ExtensionDef, Operation, error) {
	start := *pc
	b, err := r.Byte(pc)
	if err != nil {
		return nil, nil, err
	}
	op := binary.Opcode(b)
	if op < binary.ExtensionBase {
		operation := core.Operation(b)
		if operation == nil {
			return nil, nil, corruptAt(start, "unknown opcode %s", op)
		}
		return core, operation, nil
	}
	idx := int(op - binary.ExtensionBase)
	if idx >= len(exts) {
		return nil, nil, corruptAt(start, "opcode refers to extension %d not in program", idx)
	}
	ext := exts[idx]
	code, err := r.Byte(pc)
	if err != nil {
		return nil, nil, err
	}
	operation := ext.Operation(code)
	if operation == nil {
		return nil, nil, corruptAt(start, "unknown %s operation %d", ext.Name(), code)
	}
	return ext, operation, nil
}

func (ip *Interpreter) location(pc int) sieve.Location {
	return sieve.Location{Script: ip.prog.Name, Line: ip.prog.Lines.Line(pc)}
}

func corruptAt(pc int, format string, args ...any) error {
	return binary.Corrupt(pc, format, args...)
}

// RunEnv is what operations see while they execute.
type RunEnv struct {
	ctx   context.Context
	ip    *Interpreter
	instr int

	Result *result.Result
	Msg    *sieve.MessageData
	Env    *sieve.ExecEnv
}

func (renv *RunEnv) Context() context.Context { return renv.ctx }
func (renv *RunEnv) Interp() *Interpreter { return renv.ip }
func (renv *RunEnv) Reader() *binary.Reader { return renv.ip.r }
func (renv *RunEnv) Program() *binary.Program { return renv.ip.prog }

// InstrStart is the position of the opcode of the executing instruction.
func (renv *RunEnv) InstrStart() int { return renv.instr }

// Location is the source location of the executing instruction.
func (renv *RunEnv) Location() sieve.Location {
	return renv.ip.location(renv.instr)
}

// SetTestResult sets the register consulted by conditional jumps.
func (renv *RunEnv) SetTestResult(v bool) { renv.ip.test = v }
func (renv *RunEnv) TestResult() bool { return renv.ip.test }

// Stop ends the script after the current instruction.
func (renv *RunEnv) Stop() { renv.ip.stopped = true }

// ExtensionContext returns the per-interpreter state of ext.
func (renv *RunEnv) ExtensionContext(ext ExtensionDef) any {
	return renv.ip.contexts[ext]
}

// Corrupt reports a malformed instruction at the executing instruction.
func (renv *RunEnv) Corrupt(format string, args ...any) error {
	return corruptAt(renv.instr, format, args...)
}

// PartScope is implemented by loop contexts that narrow header tests to one
// MIME part.
type PartScope interface {
	PartHeader() message.Header
}

// Header returns the header tests look at: that of the innermost part being
// iterated, or the message header.
func (renv *RunEnv) Header() message.Header {
	for i := len(renv.ip.loops) - 1; i >= 0; i-- {
		if ps, ok := renv.ip.loops[i].Context.(PartScope); ok {
			return ps.PartHeader()
		}
	}
	return renv.Msg.Header
}

// ReadOptionals consumes an optional operand block. Side effects are
// decoded through their extension; every other code is passed to fn, which
// must consume the operand that follows it and return false for codes it
// does not know.
func (renv *RunEnv) ReadOptionals(pc *int, fn func(code byte) (bool, error)) ([]*result.SideEffect, error) {
	var effects []*result.SideEffect
	for {
		at := *pc
		opt, err := renv.ip.r.Optional(pc)
		if err != nil {
			return nil, err
		}
		switch opt.Kind {
		case binary.OptionalEnd:
			return effects, nil
		case binary.OptionalSideEffect:
			se, err := renv.sideEffect(opt.SideEffect)
			if err != nil {
				return nil, err
			}
			effects = append(effects, se)
		default:
			if fn == nil {
				return nil, corruptAt(at, "unexpected optional operand %d", opt.Code)
			}
			ok, err := fn(opt.Code)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, corruptAt(at, "unknown optional operand %d", opt.Code)
			}
		}
	}
}

func (renv *RunEnv) sideEffect(op binary.Operand) (*result.SideEffect, error) {
	ext, ok := renv.ip.Extension(op.Ext)
	if !ok {
		return nil, corruptAt(op.Offset, "side effect refers to unknown extension %d", op.Ext)
	}
	sp, ok := ext.(SideEffectProvider)
	if !ok {
		return nil, corruptAt(op.Offset, "extension %s defines no side effects", ext.Name())
	}
	if err := renv.ip.startExtension(ext); err != nil {
		return nil, sieve.Wrap(sieve.StatusFailure, err)
	}
	se, err := sp.SideEffect(renv, op.Code, op.Payload)
	if err != nil {
		return nil, err
	}
	if se == nil {
		return nil, corruptAt(op.Offset, "unknown %s side effect %d", ext.Name(), op.Code)
	}
	return se, nil
}
