// Package core implements the base Sieve language: control flow, the keep,
// discard and redirect actions, and the tests every script may use. It is
// installed as the core extension of an interp.Registry and handles every
// opcode below binary.ExtensionBase.
package core

import (
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

// Name is the extension name of the core language.
const Name = "core"

type extension struct {
	interp.ExtensionBase
}

// Extension is the core language. Use it as the first argument of
// interp.NewRegistry.
var Extension interp.ExtensionDef = &extension{}

func (*extension) Name() string { return Name }

func (*extension) Operation(code byte) interp.Operation {
	op, ok := operations[binary.Opcode(code)]
	if !ok {
		return nil
	}
	return op
}

var operations = map[binary.Opcode]interp.Operation{
	binary.OpNop:       nopOp{interp.Instr{Name: "NOP"}},
	binary.OpJump:      jumpOp{interp.Instr{Name: "JMP", Fields: offsetLayout}},
	binary.OpJumpTrue:  jumpTrueOp{interp.Instr{Name: "JMPTRUE", Fields: offsetLayout}},
	binary.OpJumpFalse: jumpFalseOp{interp.Instr{Name: "JMPFALSE", Fields: offsetLayout}},
	binary.OpStop:      stopOp{interp.Instr{Name: "STOP"}},
	binary.OpKeep:      keepOp{interp.Instr{Name: "KEEP", Fields: optionalsLayout}},
	binary.OpDiscard:   discardOp{interp.Instr{Name: "DISCARD"}},
	binary.OpRedirect:  redirectOp{interp.Instr{Name: "REDIRECT", Fields: []interp.Field{interp.FieldOptionals, interp.FieldOperand}}},

	binary.OpTrue:      trueOp{interp.Instr{Name: "TRUE"}},
	binary.OpFalse:     falseOp{interp.Instr{Name: "FALSE"}},
	binary.OpAddress:   addressOp{interp.Instr{Name: "ADDRESS", Fields: matchLayout}},
	binary.OpHeader:    headerOp{interp.Instr{Name: "HEADER", Fields: matchLayout}},
	binary.OpExists:    existsOp{interp.Instr{Name: "EXISTS", Fields: []interp.Field{interp.FieldOperand}}},
	binary.OpSizeOver:  sizeOp{interp.Instr{Name: "SIZE-OVER", Fields: []interp.Field{interp.FieldOperand}}, true},
	binary.OpSizeUnder: sizeOp{interp.Instr{Name: "SIZE-UNDER", Fields: []interp.Field{interp.FieldOperand}}, false},
}

var (
	offsetLayout    = []interp.Field{interp.FieldOffset}
	optionalsLayout = []interp.Field{interp.FieldOptionals}
	// optional block, then the names and the keys
	matchLayout = []interp.Field{interp.FieldOptionals, interp.FieldOperand, interp.FieldOperand}
)

// SetupKeep configures res to keep messages in mailbox, for both the
// implicit and the failure keep. An empty mailbox means INBOX.
func SetupKeep(res *result.Result, mailbox string) {
	if mailbox == "" {
		mailbox = "INBOX"
	}
	res.SetKeepAction(Store, &StoreContext{Mailbox: mailbox})
	res.SetFailureKeepAction(Store, &StoreContext{Mailbox: "INBOX"})
}
