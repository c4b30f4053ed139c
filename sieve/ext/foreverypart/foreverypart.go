// Package foreverypart implements the foreverypart loop of the mime
// extension (RFC 5703). The loop body runs once per MIME part, depth-first;
// header tests inside it look at the header of the current part.
package foreverypart

import (
	"github.com/emersion/go-message"

	"github.com/migadu/sievevm/helpers"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/interp"
)

const Name = "foreverypart"

const (
	OpForEveryPart byte = 0 // name or omitted, loop end offset
	OpEnd          byte = 1 // loop begin offset
	OpBreak        byte = 2 // name or omitted
)

type extension struct {
	interp.ExtensionBase
}

var Extension interp.ExtensionDef = &extension{}

func (*extension) Name() string { return Name }

var operations = map[byte]interp.Operation{
	OpForEveryPart: startOp{interp.Instr{Name: "FOREVERYPART", Fields: []interp.Field{interp.FieldOperand, interp.FieldOffset}}},
	OpEnd:          endOp{interp.Instr{Name: "FOREVERYPART-END", Fields: []interp.Field{interp.FieldOffset}}},
	OpBreak:        breakOp{interp.Instr{Name: "BREAK", Fields: []interp.Field{interp.FieldOperand}}},
}

func (*extension) Operation(code byte) interp.Operation {
	return operations[code]
}

// state caches the MIME tree of the message for one interpreter.
type state struct {
	root *helpers.Part
}

func (ext *extension) InterpreterLoad(ip *interp.Interpreter) error {
	ip.SetExtensionContext(ext, &state{})
	return nil
}

// Parts returns the MIME tree of the message being filtered, parsing it on
// first use.
func Parts(renv *interp.RunEnv) (*helpers.Part, error) {
	st, ok := renv.ExtensionContext(Extension).(*state)
	if !ok {
		st = &state{}
		renv.Interp().SetExtensionContext(Extension, st)
	}
	if st.root == nil {
		root, err := helpers.ParseParts(renv.Msg.Raw)
		if err != nil {
			return nil, sieve.Errorf(sieve.StatusFailure, "%s: failed to parse message structure: %w", renv.Location(), err)
		}
		st.root = root
	}
	return st.root, nil
}

// loop is the context of one active foreverypart loop.
type loop struct {
	name  string
	parts []*helpers.Part
	idx   int
}

func (l *loop) current() *helpers.Part { return l.parts[l.idx] }

// PartHeader implements interp.PartScope.
func (l *loop) PartHeader() message.Header { return l.current().Header }

// CurrentPart returns the part the innermost foreverypart loop is at, or nil
// outside of any loop.
func CurrentPart(renv *interp.RunEnv) *helpers.Part {
	if l := renv.LoopTop(Extension); l != nil {
		if ctx, ok := l.Context.(*loop); ok {
			return ctx.current()
		}
	}
	return nil
}

func readName(renv *interp.RunEnv, pc *int) (string, error) {
	op, err := renv.Reader().Operand(pc)
	if err != nil {
		return "", err
	}
	if op.Omitted() {
		return "", nil
	}
	if op.Tag != binary.TagString {
		return "", renv.Corrupt("expected loop name, found %s", op.Tag)
	}
	return op.Str, nil
}

type startOp struct{ interp.Instr }

func (startOp) Execute(renv *interp.RunEnv, pc *int) error {
	name, err := readName(renv, pc)
	if err != nil {
		return err
	}
	var parts []*helpers.Part
	if outer := CurrentPart(renv); outer != nil {
		parts = outer.Descendants()
	} else {
		root, err := Parts(renv)
		if err != nil {
			return err
		}
		parts = append([]*helpers.Part{root}, root.Descendants()...)
	}
	l, err := renv.LoopStart(pc, Extension, &loop{name: name, parts: parts})
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return renv.LoopExit(pc, l)
	}
	return nil
}

type endOp struct{ interp.Instr }

func (endOp) Execute(renv *interp.RunEnv, pc *int) error {
	l, err := renv.ReadLoopBegin(pc, Extension)
	if err != nil {
		return err
	}
	ctx, ok := l.Context.(*loop)
	if !ok {
		return renv.Corrupt("loop frame has no foreverypart state")
	}
	ctx.idx++
	if ctx.idx < len(ctx.parts) {
		return renv.LoopNext(pc, l)
	}
	return renv.LoopExit(pc, l)
}

type breakOp struct{ interp.Instr }

func (breakOp) Execute(renv *interp.RunEnv, pc *int) error {
	name, err := readName(renv, pc)
	if err != nil {
		return err
	}
	loops := renv.Loops()
	for i := len(loops) - 1; i >= 0; i-- {
		ctx, ok := loops[i].Context.(*loop)
		if !ok || loops[i].Ext != Extension {
			continue
		}
		if name == "" || ctx.name == name {
			return renv.LoopBreak(pc, loops[i])
		}
	}
	if name != "" {
		return renv.Corrupt("break :name %q outside of a loop with that name", name)
	}
	return renv.Corrupt("break outside of a foreverypart loop")
}
