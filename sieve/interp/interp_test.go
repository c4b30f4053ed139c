package interp_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/core"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
	"github.com/migadu/sievevm/testutils"
)

const (
	opLoopStart byte = iota
	opLoopNext
	opBreak
	opCount
	opMark
	opPause
)

// loopExt is a test extension exposing the interpreter's loop and control
// primitives as instructions.
type loopExt struct {
	interp.ExtensionBase
	name     string
	deferred bool
	limit    int // COUNT sets the test result once the count reaches limit

	loads, starts, frees int
}

type loopState struct {
	count int
	marks []int
}

func (x *loopExt) Name() string { return x.name }
func (x *loopExt) Deferred() bool { return x.deferred }

func (x *loopExt) InterpreterLoad(ip *interp.Interpreter) error {
	x.loads++
	ip.SetExtensionContext(x, &loopState{})
	return nil
}

func (x *loopExt) RunStart(renv *interp.RunEnv) error {
	x.starts++
	return nil
}

func (x *loopExt) InterpreterFree(ip *interp.Interpreter) { x.frees++ }

func (x *loopExt) Operation(code byte) interp.Operation {
	offset := []interp.Field{interp.FieldOffset}
	switch code {
	case opLoopStart:
		return loopStartOp{interp.Instr{Name: "LOOP-START", Fields: offset}, x}
	case opLoopNext:
		return loopNextOp{interp.Instr{Name: "LOOP-NEXT", Fields: offset}, x}
	case opBreak:
		return breakOp{interp.Instr{Name: "BREAK"}, x}
	case opCount:
		return countOp{interp.Instr{Name: "COUNT"}, x}
	case opMark:
		return markOp{interp.Instr{Name: "MARK"}, x}
	case opPause:
		return pauseOp{interp.Instr{Name: "PAUSE"}, x}
	}
	return nil
}

func state(renv *interp.RunEnv, x *loopExt) *loopState {
	return renv.ExtensionContext(x).(*loopState)
}

type loopStartOp struct {
	interp.Instr
	ext *loopExt
}

func (op loopStartOp) Execute(renv *interp.RunEnv, pc *int) error {
	_, err := renv.LoopStart(pc, op.ext, nil)
	return err
}

type loopNextOp struct {
	interp.Instr
	ext *loopExt
}

func (op loopNextOp) Execute(renv *interp.RunEnv, pc *int) error {
	l, err := renv.ReadLoopBegin(pc, op.ext)
	if err != nil {
		return err
	}
	return renv.LoopNext(pc, l)
}

type breakOp struct {
	interp.Instr
	ext *loopExt
}

func (op breakOp) Execute(renv *interp.RunEnv, pc *int) error {
	l := renv.LoopTop(op.ext)
	if l == nil {
		return renv.Corrupt("break outside loop")
	}
	return renv.LoopBreak(pc, l)
}

type countOp struct {
	interp.Instr
	ext *loopExt
}

func (op countOp) Execute(renv *interp.RunEnv, pc *int) error {
	st := state(renv, op.ext)
	st.count++
	renv.SetTestResult(st.count >= op.ext.limit)
	return nil
}

type markOp struct {
	interp.Instr
	ext *loopExt
}

func (op markOp) Execute(renv *interp.RunEnv, pc *int) error {
	st := state(renv, op.ext)
	st.marks = append(st.marks, renv.InstrStart())
	return nil
}

type pauseOp struct {
	interp.Instr
	ext *loopExt
}

func (op pauseOp) Execute(renv *interp.RunEnv, pc *int) error {
	renv.Interp().Interrupt()
	return nil
}

type harness struct {
	env *testutils.Env
	ext *loopExt
	reg *interp.Registry
	res *result.Result
	ip  *interp.Interpreter
}

func newHarness(t *testing.T, ext *loopExt) *harness {
	t.Helper()
	if ext == nil {
		ext = &loopExt{name: "testloop", limit: 3}
	}
	reg, err := interp.NewRegistry(core.Extension, ext)
	require.NoError(t, err)
	env := testutils.NewEnv()
	res := result.New(env.Exec, testutils.Message(t, testutils.SimpleMessage), result.DefaultLimits)
	core.SetupKeep(res, "INBOX")
	return &harness{env: env, ext: ext, reg: reg, res: res}
}

func (h *harness) load(t *testing.T, e *binary.Emitter, opts interp.Options) {
	t.Helper()
	prog, err := e.Program("test")
	require.NoError(t, err)
	h.ip, err = interp.New(prog, h.reg, opts)
	require.NoError(t, err)
	t.Cleanup(h.ip.Free)
}

func (h *harness) run(t *testing.T, e *binary.Emitter) error {
	t.Helper()
	h.load(t, e, interp.Options{})
	return h.ip.Run(context.Background(), h.res)
}

func (h *harness) state() *loopState {
	return h.ip.ExtensionContext(h.ext).(*loopState)
}

func TestScenarioKeep(t *testing.T) {
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	e.Op(binary.OpKeep).OptionalEnd()
	require.NoError(t, h.run(t, e))
	require.NoError(t, h.res.Commit(context.Background(), 0))

	acts := h.res.Actions()
	require.Len(t, acts, 1)
	assert.True(t, acts[0].Executed)
	assert.True(t, acts[0].Keep)
	assert.Equal(t, result.ImplicitKeepNone, h.res.Status().ImplicitKeep, "no separate implicit keep")
	assert.Len(t, h.env.Mailboxes.Messages("INBOX"), 1)
}

func TestScenarioDiscard(t *testing.T) {
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	e.Op(binary.OpDiscard)
	require.NoError(t, h.run(t, e))
	require.NoError(t, h.res.Commit(context.Background(), 0))

	st := h.res.Status()
	assert.True(t, st.SignificantActionExecuted)
	assert.False(t, st.TriedDefaultSave)
	assert.Equal(t, result.ImplicitKeepNone, st.ImplicitKeep)
	assert.Zero(t, h.env.Mailboxes.Total())
}

func TestScenarioLoop(t *testing.T) {
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	x := e.Extension("testloop")

	end := e.NewLabel()
	begin := e.NewLabel()
	skip := e.NewLabel()
	e.ExtOp(x, opLoopStart).Offset(end)
	e.Mark(begin)
	e.ExtOp(x, opCount)
	e.Jump(binary.OpJumpFalse, skip)
	e.ExtOp(x, opBreak)
	e.Mark(skip)
	e.ExtOp(x, opLoopNext).Offset(begin)
	e.Mark(end)
	loopEnd := e.Pos()
	e.ExtOp(x, opMark)

	require.NoError(t, h.run(t, e))
	assert.Equal(t, interp.StateFinished, h.ip.State())
	assert.Equal(t, 3, h.state().count, "body runs exactly three times")
	assert.Equal(t, []int{loopEnd}, h.state().marks, "execution continues at the loop end")
}

func TestLoopExitOnNaturalEnd(t *testing.T) {
	// The loop body runs past its end without a closing instruction.
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	x := e.Extension("testloop")
	end := e.NewLabel()
	e.ExtOp(x, opLoopStart).Offset(end)
	e.ExtOp(x, opCount)
	e.Mark(end)
	e.ExtOp(x, opMark)

	err := h.run(t, e)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sieve.ErrBinaryCorrupt))
	assert.Contains(t, err.Error(), "crossed loop boundary")
}

func TestLoopDepthLimit(t *testing.T) {
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	x := e.Extension("testloop")
	outer, inner := e.NewLabel(), e.NewLabel()
	outerBegin, innerBegin := e.NewLabel(), e.NewLabel()
	e.ExtOp(x, opLoopStart).Offset(outer)
	e.Mark(outerBegin)
	e.ExtOp(x, opLoopStart).Offset(inner)
	e.Mark(innerBegin)
	e.ExtOp(x, opLoopNext).Offset(innerBegin)
	e.Mark(inner)
	e.ExtOp(x, opLoopNext).Offset(outerBegin)
	e.Mark(outer)

	h.load(t, e, interp.Options{MaxLoopDepth: 1})
	err := h.ip.Run(context.Background(), h.res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sieve.ErrBinaryCorrupt))
	assert.Contains(t, err.Error(), "nesting")
}

func TestJumps(t *testing.T) {
	t.Run("forward jump skips instructions", func(t *testing.T) {
		h := newHarness(t, nil)
		e := binary.NewEmitter()
		x := e.Extension("testloop")
		over := e.NewLabel()
		jumpAt := e.Pos()
		e.Jump(binary.OpJump, over)
		e.Op(binary.OpDiscard)
		e.Mark(over)
		target := e.Pos()
		e.ExtOp(x, opMark)
		require.NoError(t, h.run(t, e))
		assert.Empty(t, h.res.Actions())
		assert.Equal(t, []int{target}, h.state().marks)
		assert.Equal(t, 5+1, target-jumpAt, "offset is relative to the opcode")
	})

	t.Run("conditional jumps consult the test register", func(t *testing.T) {
		h := newHarness(t, nil)
		e := binary.NewEmitter()
		l1, l2 := e.NewLabel(), e.NewLabel()
		e.Op(binary.OpTrue)
		e.Jump(binary.OpJumpFalse, l1)
		e.Op(binary.OpDiscard) // runs
		e.Mark(l1)
		e.Op(binary.OpFalse)
		e.Jump(binary.OpJumpTrue, l2)
		e.Op(binary.OpRedirect).OptionalEnd().String("a@example.net") // runs
		e.Mark(l2)
		require.NoError(t, h.run(t, e))
		assert.Len(t, h.res.Actions(), 2)
	})

	corrupt := []struct {
		name   string
		offset []byte
	}{
		{"past end", []byte{0, 0, 0, 100}},
		{"exactly end", []byte{0, 0, 0, 5}},
		{"before start", []byte{0xff, 0xff, 0xff, 0xf0}},
	}
	for _, tt := range corrupt {
		t.Run("target "+tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			e := binary.NewEmitter()
			e.Op(binary.OpJump)
			for _, b := range tt.offset {
				e.Byte(b)
			}
			err := h.run(t, e)
			require.Error(t, err)
			assert.True(t, errors.Is(err, sieve.ErrBinaryCorrupt))
			assert.Equal(t, sieve.StatusBinaryCorrupt, sieve.StatusOf(err))
		})
	}

	t.Run("jump out of loop without break", func(t *testing.T) {
		h := newHarness(t, nil)
		e := binary.NewEmitter()
		x := e.Extension("testloop")
		end, begin, out := e.NewLabel(), e.NewLabel(), e.NewLabel()
		e.ExtOp(x, opLoopStart).Offset(end)
		e.Mark(begin)
		e.Jump(binary.OpJump, out)
		e.ExtOp(x, opLoopNext).Offset(begin)
		e.Mark(end)
		e.Op(binary.OpNop)
		e.Mark(out)
		e.Op(binary.OpNop)
		err := h.run(t, e)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sieve.ErrBinaryCorrupt))
		assert.Contains(t, err.Error(), "loop boundary")
	})

	t.Run("truncated offset", func(t *testing.T) {
		h := newHarness(t, nil)
		e := binary.NewEmitter()
		e.Op(binary.OpJump).Byte(0)
		err := h.run(t, e)
		assert.True(t, errors.Is(err, sieve.ErrBinaryCorrupt))
	})
}

func TestScenarioResourceLimit(t *testing.T) {
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	e.Op(binary.OpRedirect).OptionalEnd().String("friend@example.net")
	top := e.NewLabel()
	e.Mark(top)
	e.Jump(binary.OpJump, top)

	var ticks time.Duration
	budget := interp.NewCPUBudget(50 * time.Millisecond)
	budget.Clock = func() time.Duration {
		ticks += time.Millisecond
		return ticks
	}
	hits := testutil.ToFloat64(metrics.SieveResourceLimitHits)

	h.load(t, e, interp.Options{Budget: budget})
	err := h.ip.Run(context.Background(), h.res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sieve.ErrResourceLimit))
	assert.True(t, sieve.StatusOf(err).Fatal())
	assert.Equal(t, hits+1, testutil.ToFloat64(metrics.SieveResourceLimitHits))
	assert.Greater(t, h.ip.Usage().Instructions, 1)
	assert.Greater(t, h.ip.Usage().CPUTime, 50*time.Millisecond)

	require.ErrorIs(t, h.res.Abort(context.Background(), err), sieve.ErrResourceLimit)
	for _, act := range h.res.Actions() {
		assert.False(t, act.Executed)
	}
	assert.Empty(t, h.env.Outbox.Sent())
}

func TestInterruptAndContinue(t *testing.T) {
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	x := e.Extension("testloop")
	e.Op(binary.OpDiscard)
	e.ExtOp(x, opPause)
	e.Op(binary.OpRedirect).OptionalEnd().String("friend@example.net")

	require.NoError(t, h.run(t, e))
	assert.Equal(t, interp.StateInterrupted, h.ip.State())
	assert.Len(t, h.res.Actions(), 1)

	require.Error(t, h.ip.Run(context.Background(), h.res), "run twice")
	require.NoError(t, h.ip.Continue(context.Background()))
	assert.Equal(t, interp.StateFinished, h.ip.State())
	assert.Len(t, h.res.Actions(), 2)
	assert.Error(t, h.ip.Continue(context.Background()))
}

func TestStopEndsExecution(t *testing.T) {
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	e.Op(binary.OpStop)
	e.Op(binary.OpDiscard)
	require.NoError(t, h.run(t, e))
	assert.True(t, h.ip.Stopped())
	assert.Empty(t, h.res.Actions())
}

func TestExtensionHooks(t *testing.T) {
	t.Run("eager extension starts with the run", func(t *testing.T) {
		h := newHarness(t, nil)
		e := binary.NewEmitter()
		e.Extension("testloop")
		e.Op(binary.OpNop)
		require.NoError(t, h.run(t, e))
		assert.Equal(t, 1, h.ext.loads)
		assert.Equal(t, 1, h.ext.starts)
		h.ip.Free()
		assert.Equal(t, 1, h.ext.frees)
	})

	t.Run("deferred extension starts on first use", func(t *testing.T) {
		h := newHarness(t, &loopExt{name: "testloop", deferred: true})
		e := binary.NewEmitter()
		x := e.Extension("testloop")
		e.Op(binary.OpNop)
		h.load(t, e, interp.Options{})
		require.NoError(t, h.ip.Run(context.Background(), h.res))
		assert.Equal(t, 0, h.ext.starts)

		h2 := newHarness(t, &loopExt{name: "testloop", deferred: true})
		e2 := binary.NewEmitter()
		x = e2.Extension("testloop")
		e2.ExtOp(x, opMark)
		e2.ExtOp(x, opMark)
		require.NoError(t, h2.run(t, e2))
		assert.Equal(t, 1, h2.ext.starts)
		assert.Len(t, h2.state().marks, 2)
	})

	t.Run("unreferenced extension is not loaded", func(t *testing.T) {
		h := newHarness(t, nil)
		require.NoError(t, h.run(t, binary.NewEmitter()))
		assert.Zero(t, h.ext.loads)
	})

	t.Run("unknown extension", func(t *testing.T) {
		h := newHarness(t, nil)
		e := binary.NewEmitter()
		e.Extension("nonexistent")
		prog, err := e.Program("test")
		require.NoError(t, err)
		_, err = interp.New(prog, h.reg, interp.Options{})
		assert.True(t, errors.Is(err, sieve.ErrBinaryCorrupt))
	})

	t.Run("unknown extension operation", func(t *testing.T) {
		h := newHarness(t, nil)
		e := binary.NewEmitter()
		x := e.Extension("testloop")
		e.ExtOp(x, 99)
		err := h.run(t, e)
		assert.True(t, errors.Is(err, sieve.ErrBinaryCorrupt))
	})
}

func TestRegistry(t *testing.T) {
	_, err := interp.NewRegistry(core.Extension, &loopExt{name: "a"}, &loopExt{name: "a"})
	assert.Error(t, err)
	_, err = interp.NewRegistry(core.Extension, &loopExt{})
	assert.Error(t, err)

	reg, err := interp.NewRegistry(core.Extension, &loopExt{name: "b"}, &loopExt{name: "a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, reg.Names())
	_, ok := reg.Lookup("b")
	assert.True(t, ok)
}

func TestActionLocation(t *testing.T) {
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	e.Line(7)
	e.Op(binary.OpDiscard)
	require.NoError(t, h.run(t, e))
	require.Len(t, h.res.Actions(), 1)
	assert.Equal(t, "test:7", h.res.Actions()[0].Location.String())
}

func TestDumpExtensionOperations(t *testing.T) {
	h := newHarness(t, nil)
	e := binary.NewEmitter()
	x := e.Extension("testloop")
	end, begin := e.NewLabel(), e.NewLabel()
	e.ExtOp(x, opLoopStart).Offset(end)
	e.Mark(begin)
	e.ExtOp(x, opLoopNext).Offset(begin)
	e.Mark(end)
	prog, err := e.Program("dump")
	require.NoError(t, err)

	var buf strings.Builder
	require.NoError(t, interp.NewDumper(prog, h.reg).Dump(&buf))
	out := buf.String()
	assert.Contains(t, out, "0: testloop")
	assert.Contains(t, out, "LOOP-START +12(->0000000c)")
	assert.Contains(t, out, "LOOP-NEXT +0(->00000006)")
}
