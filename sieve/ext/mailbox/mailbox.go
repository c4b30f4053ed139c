// Package mailbox implements the mailbox extension (RFC 5490): the :create
// side effect of fileinto and the mailboxexists test.
package mailbox

import (
	"context"

	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/core"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

const Name = "mailbox"

const (
	// OpMailboxExists: mailbox-list.
	OpMailboxExists byte = 0

	// SideEffectCreate is :create. It takes no payload.
	SideEffectCreate byte = 0
)

type extension struct {
	interp.ExtensionBase
}

var Extension interp.ExtensionDef = &extension{}

func (*extension) Name() string { return Name }

func (*extension) Operation(code byte) interp.Operation {
	if code == OpMailboxExists {
		return existsOp{interp.Instr{Name: "MAILBOXEXISTS", Fields: []interp.Field{interp.FieldOperand}}}
	}
	return nil
}

func (*extension) SideEffect(renv *interp.RunEnv, code byte, payload []byte) (*result.SideEffect, error) {
	if code != SideEffectCreate {
		return nil, nil
	}
	if len(payload) != 0 {
		return nil, renv.Corrupt(":create takes no parameters")
	}
	return &result.SideEffect{Def: Create}, nil
}

type existsOp struct{ interp.Instr }

func (existsOp) Execute(renv *interp.RunEnv, pc *int) error {
	names, err := renv.Reader().StringList(pc)
	if err != nil {
		return err
	}
	store := renv.Env.Store
	if store == nil {
		renv.SetTestResult(false)
		return nil
	}
	all := true
	err = names.Each(func(name string) (bool, error) {
		ok, err := store.MailboxExists(renv.Context(), name)
		if err != nil {
			return false, sieve.WithDefault(sieve.StatusTempFailure, err)
		}
		if !ok {
			all = false
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	renv.SetTestResult(all)
	return nil
}

// Create is the :create definition. It makes the store action create a
// missing mailbox instead of failing.
var Create result.SideEffectDef = createSideEffect{}

type createSideEffect struct{ result.SideEffectBase }

func (createSideEffect) Name() string { return "create" }

func (createSideEffect) Precedence() int { return 100 }

func (createSideEffect) PreExecute(ctx context.Context, aenv *result.ActionEnv, act *result.Action, se *result.SideEffect) error {
	if tr := core.Transaction(act); tr != nil {
		tr.Create = true
	}
	return nil
}
