package core

import (
	"github.com/emersion/go-message/mail"

	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

type nopOp struct{ interp.Instr }

func (nopOp) Execute(renv *interp.RunEnv, pc *int) error { return nil }

type jumpOp struct{ interp.Instr }

func (jumpOp) Execute(renv *interp.RunEnv, pc *int) error {
	return renv.ProgramJump(pc, true, false)
}

type jumpTrueOp struct{ interp.Instr }

func (jumpTrueOp) Execute(renv *interp.RunEnv, pc *int) error {
	return renv.ProgramJump(pc, renv.TestResult(), false)
}

type jumpFalseOp struct{ interp.Instr }

func (jumpFalseOp) Execute(renv *interp.RunEnv, pc *int) error {
	return renv.ProgramJump(pc, !renv.TestResult(), false)
}

type stopOp struct{ interp.Instr }

func (stopOp) Execute(renv *interp.RunEnv, pc *int) error {
	renv.Stop()
	return nil
}

type keepOp struct{ interp.Instr }

func (keepOp) Execute(renv *interp.RunEnv, pc *int) error {
	effects, err := renv.ReadOptionals(pc, nil)
	if err != nil {
		return err
	}
	return renv.Result.AddKeep(effects, renv.Location())
}

type discardOp struct{ interp.Instr }

func (discardOp) Execute(renv *interp.RunEnv, pc *int) error {
	return renv.Result.AddAction(result.ActionRequest{
		Def:      Discard,
		Location: renv.Location(),
	})
}

type redirectOp struct{ interp.Instr }

func (redirectOp) Execute(renv *interp.RunEnv, pc *int) error {
	effects, err := renv.ReadOptionals(pc, nil)
	if err != nil {
		return err
	}
	addr, err := renv.Reader().String(pc)
	if err != nil {
		return err
	}
	norm, err := NormalizeAddress(addr)
	if err != nil {
		return sieve.Errorf(sieve.StatusFailure, "%s: specified redirect address %q is invalid: %v", renv.Location(), addr, err)
	}
	return renv.Result.AddAction(result.ActionRequest{
		Def:           Redirect,
		Context:       &RedirectContext{Address: norm},
		SideEffects:   effects,
		Location:      renv.Location(),
		InstanceLimit: renv.Result.Limits().MaxRedirects,
		PreserveMail:  true,
	})
}

// NormalizeAddress parses a single address, with or without a display name,
// and returns its bare form.
func NormalizeAddress(s string) (string, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return a.Address, nil
}
