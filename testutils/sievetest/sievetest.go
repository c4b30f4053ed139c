// Package sievetest runs hand-assembled programs against the mock
// environment of testutils. It is kept apart from testutils so that the
// core language can be imported here without creating import cycles.
package sievetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/core"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
	"github.com/migadu/sievevm/testutils"
)

// Outcome is what a run produced.
type Outcome struct {
	Result    *result.Result
	RunErr    error
	CommitErr error
}

// Runner holds the settings of a run. The zero value runs with the core
// language only, default limits and keeps into INBOX.
type Runner struct {
	Exts   []interp.ExtensionDef
	Keep   string
	Limits *result.Limits
	Opts   interp.Options
}

// Registry builds the registry for r's extensions.
func (r Runner) Registry(t testing.TB) *interp.Registry {
	t.Helper()
	reg, err := interp.NewRegistry(core.Extension, r.Exts...)
	require.NoError(t, err)
	return reg
}

// NewResult creates a result for msg with the keep configured.
func (r Runner) NewResult(env *testutils.Env, msg *sieve.MessageData) *result.Result {
	limits := result.DefaultLimits
	if r.Limits != nil {
		limits = *r.Limits
	}
	res := result.New(env.Exec, msg, limits)
	core.SetupKeep(res, r.Keep)
	return res
}

// Run assembles e, executes it and commits the result, or aborts it when
// the run failed.
func (r Runner) Run(t testing.TB, e *binary.Emitter, env *testutils.Env, msg *sieve.MessageData) Outcome {
	t.Helper()
	prog, err := e.Program("test")
	require.NoError(t, err)
	ip, err := interp.New(prog, r.Registry(t), r.Opts)
	require.NoError(t, err)
	defer ip.Free()

	ctx := context.Background()
	o := Outcome{Result: r.NewResult(env, msg)}
	o.RunErr = ip.Run(ctx, o.Result)
	if o.RunErr != nil {
		o.CommitErr = o.Result.Abort(ctx, o.RunErr)
	} else {
		o.CommitErr = o.Result.Commit(ctx, 0)
	}
	return o
}

// Run executes e with the given extensions registered.
func Run(t testing.TB, e *binary.Emitter, env *testutils.Env, msg *sieve.MessageData, exts ...interp.ExtensionDef) Outcome {
	t.Helper()
	return Runner{Exts: exts}.Run(t, e, env, msg)
}

// IfThen emits "if <test> { then }".
func IfThen(e *binary.Emitter, test func(), then func()) {
	skip := e.NewLabel()
	test()
	e.Jump(binary.OpJumpFalse, skip)
	then()
	e.Mark(skip)
}

// IfElse emits "if <test> { then } else { otherwise }".
func IfElse(e *binary.Emitter, test func(), then func(), otherwise func()) {
	elseLabel := e.NewLabel()
	end := e.NewLabel()
	test()
	e.Jump(binary.OpJumpFalse, elseLabel)
	then()
	e.Jump(binary.OpJump, end)
	e.Mark(elseLabel)
	otherwise()
	e.Mark(end)
}

// StringListPayload encodes items as a string-list operand, the payload
// format of side effects that take a list.
func StringListPayload(items ...string) []byte {
	return binary.NewEmitter().StringList(items...).Bytes()
}
