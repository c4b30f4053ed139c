package binary

import (
	encbin "encoding/binary"
	"fmt"
)

// Emitter builds a program instruction by instruction. It is what a script
// compiler drives, and what tests use to assemble programs by hand.
type Emitter struct {
	code    []byte
	exts    []string
	extIdx  map[string]int
	lines   LineTable
	line    int
	instr   int // start of the instruction being emitted
	labels  []*Label
	lastErr error
}

// Label is a jump target. References made before the label is marked are
// patched when it is.
type Label struct {
	resolved bool
	target   int
	refs     []labelRef
}

type labelRef struct {
	instr int // opcode position the offset is relative to
	at    int // position of the int32 placeholder
}

func NewEmitter() *Emitter {
	return &Emitter{
		code:   make([]byte, 0, 64),
		extIdx: make(map[string]int),
	}
}

// Extension adds name to the program's extension table, if needed, and
// returns its index.
func (e *Emitter) Extension(name string) int {
	if i, ok := e.extIdx[name]; ok {
		return i
	}
	if len(e.exts) >= MaxExtensions {
		e.fail(fmt.Errorf("too many extensions"))
		return 0
	}
	e.exts = append(e.exts, name)
	e.extIdx[name] = len(e.exts) - 1
	return len(e.exts) - 1
}

// Pos is the current code position.
func (e *Emitter) Pos() int {
	return len(e.code)
}

// Bytes returns the code emitted so far. Side effect payloads are built
// with a separate emitter and taken from here.
func (e *Emitter) Bytes() []byte {
	return append([]byte(nil), e.code...)
}

// Line sets the source line recorded for the following instructions.
func (e *Emitter) Line(line int) {
	e.line = line
}

func (e *Emitter) startInstr() {
	e.instr = len(e.code)
	if e.line > 0 && (len(e.lines) == 0 || e.lines[len(e.lines)-1].Line != e.line) {
		e.lines = append(e.lines, LineEntry{Offset: e.instr, Line: e.line})
	}
}

// Op starts a core instruction.
func (e *Emitter) Op(op Opcode) *Emitter {
	if op >= ExtensionBase {
		e.fail(fmt.Errorf("opcode 0x%02x is not a core operation", byte(op)))
	}
	e.startInstr()
	e.code = append(e.code, byte(op))
	return e
}

// ExtOp starts an extension instruction.
func (e *Emitter) ExtOp(ext int, code byte) *Emitter {
	e.startInstr()
	e.code = append(e.code, byte(ExtensionBase)+byte(ext), code)
	return e
}

// Byte appends a raw byte.
func (e *Emitter) Byte(b byte) *Emitter {
	e.code = append(e.code, b)
	return e
}

func (e *Emitter) Number(n uint64) *Emitter {
	e.code = append(e.code, byte(TagNumber))
	e.code = encbin.AppendUvarint(e.code, n)
	return e
}

func (e *Emitter) String(s string) *Emitter {
	e.code = append(e.code, byte(TagString))
	e.code = appendString(e.code, s)
	return e
}

// Omitted marks an absent positional operand.
func (e *Emitter) Omitted() *Emitter {
	e.code = append(e.code, byte(TagOmitted))
	return e
}

func (e *Emitter) StringList(items ...string) *Emitter {
	return e.list(TagStringList, items)
}

// Catenated emits a string assembled from parts at run time.
func (e *Emitter) Catenated(parts ...string) *Emitter {
	return e.list(TagCatenated, parts)
}

func (e *Emitter) list(tag Tag, items []string) *Emitter {
	var body []byte
	for _, s := range items {
		body = append(body, byte(TagString))
		body = appendString(body, s)
	}
	e.code = append(e.code, byte(tag))
	e.code = encbin.AppendUvarint(e.code, uint64(len(items)))
	e.code = encbin.BigEndian.AppendUint32(e.code, uint32(len(body)))
	e.code = append(e.code, body...)
	return e
}

func (e *Emitter) selector(tag Tag, ext int, code byte) *Emitter {
	e.code = append(e.code, byte(tag))
	e.code = encbin.AppendUvarint(e.code, uint64(ext+1))
	e.code = append(e.code, code)
	return e
}

// Comparator emits a comparator selector; ext is CoreRef for core ones.
func (e *Emitter) Comparator(ext int, code byte) *Emitter {
	return e.selector(TagComparator, ext, code)
}

func (e *Emitter) MatchType(ext int, code byte) *Emitter {
	return e.selector(TagMatchType, ext, code)
}

func (e *Emitter) AddressPart(ext int, code byte) *Emitter {
	return e.selector(TagAddressPart, ext, code)
}

// ExtOperand emits an opaque extension operand.
func (e *Emitter) ExtOperand(ext int, code byte, payload []byte) *Emitter {
	e.code = append(e.code, byte(TagExtension))
	return e.extBody(ext, code, payload)
}

func (e *Emitter) extBody(ext int, code byte, payload []byte) *Emitter {
	e.code = encbin.AppendUvarint(e.code, uint64(ext+1))
	e.code = append(e.code, code)
	e.code = encbin.AppendUvarint(e.code, uint64(len(payload)))
	e.code = append(e.code, payload...)
	return e
}

// OptionalCode starts an optional operand; the operand itself follows.
func (e *Emitter) OptionalCode(code byte) *Emitter {
	e.code = append(e.code, code)
	return e
}

// OptionalEnd terminates an optional operand block.
func (e *Emitter) OptionalEnd() *Emitter {
	e.code = append(e.code, OptEnd)
	return e
}

// SideEffect emits a side effect entry inside an optional block.
func (e *Emitter) SideEffect(ext int, code byte, payload []byte) *Emitter {
	e.code = append(e.code, OptSideEffect)
	return e.extBody(ext, code, payload)
}

func (e *Emitter) NewLabel() *Label {
	l := &Label{}
	e.labels = append(e.labels, l)
	return l
}

// Mark resolves label to the current position.
func (e *Emitter) Mark(l *Label) {
	if l.resolved {
		e.fail(fmt.Errorf("label marked twice"))
		return
	}
	l.resolved = true
	l.target = len(e.code)
	for _, ref := range l.refs {
		encbin.BigEndian.PutUint32(e.code[ref.at:], uint32(int32(l.target-ref.instr)))
	}
	l.refs = nil
}

// Offset emits an int32 offset to l relative to the current instruction.
func (e *Emitter) Offset(l *Label) *Emitter {
	if l.resolved {
		e.code = encbin.BigEndian.AppendUint32(e.code, uint32(int32(l.target-e.instr)))
		return e
	}
	l.refs = append(l.refs, labelRef{instr: e.instr, at: len(e.code)})
	e.code = append(e.code, 0, 0, 0, 0)
	return e
}

// Jump emits a complete jump instruction to l.
func (e *Emitter) Jump(op Opcode, l *Label) *Emitter {
	switch op {
	case OpJump, OpJumpTrue, OpJumpFalse:
	default:
		e.fail(fmt.Errorf("%s is not a jump", op))
	}
	return e.Op(op).Offset(l)
}

func (e *Emitter) fail(err error) {
	if e.lastErr == nil {
		e.lastErr = err
	}
}

// Program finishes the build. A label that resolves to the very end of the
// code gets a trailing NOP so every jump target lies inside the program.
func (e *Emitter) Program(name string) (*Program, error) {
	if e.lastErr != nil {
		return nil, e.lastErr
	}
	end := false
	for _, l := range e.labels {
		if !l.resolved {
			return nil, fmt.Errorf("unresolved label")
		}
		if l.target == len(e.code) {
			end = true
		}
	}
	if end || len(e.code) == 0 {
		e.startInstr()
		e.code = append(e.code, byte(OpNop))
	}
	code := make([]byte, len(e.code))
	copy(code, e.code)
	exts := append([]string(nil), e.exts...)
	lines := append(LineTable(nil), e.lines...)
	return NewProgram(name, code, exts, lines), nil
}
