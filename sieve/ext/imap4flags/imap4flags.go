// Package imap4flags implements the imap4flags extension (RFC 5232). Scripts
// manipulate an internal flag variable with setflag, addflag and removeflag;
// the variable's value is attached to every store action, including the
// implicit keep, unless the action names its own :flags.
package imap4flags

import (
	"context"
	"strings"

	"github.com/migadu/sievevm/helpers"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/core"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/match"
	"github.com/migadu/sievevm/sieve/result"
)

const Name = "imap4flags"

const (
	OpSetFlag    byte = 0 // flag-list
	OpAddFlag    byte = 1 // flag-list
	OpRemoveFlag byte = 2 // flag-list
	OpHasFlag    byte = 3 // optional block, key-list

	// SideEffectFlags is :flags; the payload is an encoded string-list.
	SideEffectFlags byte = 0
)

type extension struct {
	interp.ExtensionBase
}

var Extension interp.ExtensionDef = &extension{}

func (*extension) Name() string { return Name }

var operations = map[byte]interp.Operation{
	OpSetFlag:    flagOp{interp.Instr{Name: "SETFLAG", Fields: []interp.Field{interp.FieldOperand}}, (*Flags).Set},
	OpAddFlag:    flagOp{interp.Instr{Name: "ADDFLAG", Fields: []interp.Field{interp.FieldOperand}}, (*Flags).Add},
	OpRemoveFlag: flagOp{interp.Instr{Name: "REMOVEFLAG", Fields: []interp.Field{interp.FieldOperand}}, (*Flags).Remove},
	OpHasFlag:    hasFlagOp{interp.Instr{Name: "HASFLAG", Fields: []interp.Field{interp.FieldOptionals, interp.FieldOperand}}},
}

func (*extension) Operation(code byte) interp.Operation {
	return operations[code]
}

// InterpreterLoad creates the internal variable.
func (ext *extension) InterpreterLoad(ip *interp.Interpreter) error {
	ip.SetExtensionContext(ext, &Flags{})
	return nil
}

// RunStart attaches the internal variable to every store action.
func (ext *extension) RunStart(renv *interp.RunEnv) error {
	renv.Result.AddImplicitSideEffect(core.Store, SideEffect, internal(renv))
	return nil
}

func (ext *extension) SideEffect(renv *interp.RunEnv, code byte, payload []byte) (*result.SideEffect, error) {
	if code != SideEffectFlags {
		return nil, nil
	}
	r := binary.NewReader(payload)
	pc := 0
	list, err := r.StringList(&pc)
	if err != nil {
		return nil, renv.Corrupt(":flags parameter: %v", err)
	}
	items, err := list.Strings()
	if err != nil {
		return nil, renv.Corrupt(":flags parameter: %v", err)
	}
	var f Flags
	f.Set(items)
	return &result.SideEffect{Def: SideEffect, Context: f.Snapshot()}, nil
}

// internal returns the internal variable of the running interpreter.
func internal(renv *interp.RunEnv) *Flags {
	f, _ := renv.ExtensionContext(Extension).(*Flags)
	if f == nil {
		f = &Flags{}
		renv.Interp().SetExtensionContext(Extension, f)
	}
	return f
}

// Flags is a normalized set of IMAP flags in insertion order.
type Flags struct {
	list []string
}

// Values returns a copy of the flags.
func (f *Flags) Values() []string {
	return append([]string(nil), f.list...)
}

// Snapshot implements result.Snapshotter.
func (f *Flags) Snapshot() any {
	return &Flags{list: f.Values()}
}

func (f *Flags) Set(items []string) {
	f.list = f.list[:0]
	f.Add(items)
}

func (f *Flags) Add(items []string) {
	for _, flag := range Normalize(items) {
		if !f.has(flag) {
			f.list = append(f.list, flag)
		}
	}
}

func (f *Flags) Remove(items []string) {
	for _, flag := range Normalize(items) {
		for i, cur := range f.list {
			if strings.EqualFold(cur, flag) {
				f.list = append(f.list[:i], f.list[i+1:]...)
				break
			}
		}
	}
}

func (f *Flags) has(flag string) bool {
	for _, cur := range f.list {
		if strings.EqualFold(cur, flag) {
			return true
		}
	}
	return false
}

// Normalize splits space separated flag strings, canonicalizes the case of
// system flags and drops unknown system flags and values IMAP clients
// reject.
func Normalize(items []string) []string {
	flags := helpers.ParseFlags(items)
	out := make([]string, 0, len(flags))
	for _, fl := range flags {
		out = append(out, string(fl))
	}
	return out
}

type flagOp struct {
	interp.Instr
	apply func(f *Flags, items []string)
}

func (op flagOp) Execute(renv *interp.RunEnv, pc *int) error {
	list, err := renv.Reader().StringList(pc)
	if err != nil {
		return err
	}
	items, err := list.Strings()
	if err != nil {
		return err
	}
	op.apply(internal(renv), items)
	return nil
}

type hasFlagOp struct{ interp.Instr }

func (hasFlagOp) Execute(renv *interp.RunEnv, pc *int) error {
	m, effects, err := match.ReadOptionals(renv, pc, nil)
	if err != nil {
		return err
	}
	if len(effects) > 0 {
		return renv.Corrupt("side effect on a test")
	}
	list, err := renv.Reader().StringList(pc)
	if err != nil {
		return err
	}
	keys, err := list.Strings()
	if err != nil {
		return err
	}
	renv.SetTestResult(m.MatchAny(internal(renv).Values(), keys))
	return nil
}

// SideEffect is the flags definition, used both for :flags and for the
// implicit attachment of the internal variable.
var SideEffect result.SideEffectDef = flagsSideEffect{}

type flagsSideEffect struct{ result.SideEffectBase }

func (flagsSideEffect) Name() string { return "flags" }

func (flagsSideEffect) Precedence() int { return 200 }

// Merge unions the flags of two registrations on one action.
func (flagsSideEffect) Merge(act *result.Action, old, new any) any {
	merged := &Flags{}
	if f, ok := old.(*Flags); ok {
		merged.Add(f.list)
	}
	if f, ok := new.(*Flags); ok {
		merged.Add(f.list)
	}
	return merged
}

func (flagsSideEffect) PreExecute(ctx context.Context, aenv *result.ActionEnv, act *result.Action, se *result.SideEffect) error {
	tr := core.Transaction(act)
	f, ok := se.Context.(*Flags)
	if tr == nil || !ok {
		return nil
	}
	tr.Flags = f.Values()
	return nil
}
