// Package copy implements the :copy side effect (RFC 3894). A fileinto or
// redirect tagged with it does not cancel the implicit keep.
package copy

import (
	"context"

	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

const Name = "copy"

// SideEffectCopy is the side effect code of :copy. It takes no payload.
const SideEffectCopy byte = 0

type extension struct {
	interp.ExtensionBase
}

var Extension interp.ExtensionDef = &extension{}

func (*extension) Name() string { return Name }

func (*extension) SideEffect(renv *interp.RunEnv, code byte, payload []byte) (*result.SideEffect, error) {
	if code != SideEffectCopy {
		return nil, nil
	}
	if len(payload) != 0 {
		return nil, renv.Corrupt(":copy takes no parameters")
	}
	return &result.SideEffect{Def: SideEffect}, nil
}

// SideEffect is the :copy definition.
var SideEffect result.SideEffectDef = copySideEffect{}

type copySideEffect struct{ result.SideEffectBase }

func (copySideEffect) Name() string { return "copy" }

func (copySideEffect) PreservesKeep() bool { return true }

func (copySideEffect) PostCommit(ctx context.Context, aenv *result.ActionEnv, act *result.Action, se *result.SideEffect, keep *bool) error {
	*keep = true
	return nil
}
