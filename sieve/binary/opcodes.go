// Package binary defines the compiled program format: the file layout, the
// operand and operation encoding, a reader used by the interpreter and an
// emitter used by compilers and tests.
package binary

import "fmt"

// Opcode is the first byte of every instruction. Values below ExtensionBase
// are core operations; values from ExtensionBase up select an entry of the
// program's extension table and are followed by a one byte local code.
type Opcode byte

// Core operations.
const (
	OpNop       Opcode = 0x00 // no operation
	OpJump      Opcode = 0x01 // jump (int32 offset)
	OpJumpTrue  Opcode = 0x02 // jump if last test was true (int32 offset)
	OpJumpFalse Opcode = 0x03 // jump if last test was false (int32 offset)
	OpStop      Opcode = 0x04 // end script execution
	OpKeep      Opcode = 0x05 // optional block
	OpDiscard   Opcode = 0x06 // discard
	OpRedirect  Opcode = 0x07 // optional block, address
)

// Core tests. Each sets the test result register.
const (
	OpTrue      Opcode = 0x10
	OpFalse     Opcode = 0x11
	OpAddress   Opcode = 0x12 // optional block, header-list, key-list
	OpHeader    Opcode = 0x13 // optional block, header-list, key-list
	OpExists    Opcode = 0x14 // header-list
	OpSizeOver  Opcode = 0x15 // number
	OpSizeUnder Opcode = 0x16 // number
)

// ExtensionBase is the first opcode value that refers to an extension.
const ExtensionBase Opcode = 0x40

// MaxExtensions is the number of extensions a single program may reference.
const MaxExtensions = 256 - int(ExtensionBase)

var coreMnemonics = map[Opcode]string{
	OpNop:       "NOP",
	OpJump:      "JMP",
	OpJumpTrue:  "JMPTRUE",
	OpJumpFalse: "JMPFALSE",
	OpStop:      "STOP",
	OpKeep:      "KEEP",
	OpDiscard:   "DISCARD",
	OpRedirect:  "REDIRECT",
	OpTrue:      "TRUE",
	OpFalse:     "FALSE",
	OpAddress:   "ADDRESS",
	OpHeader:    "HEADER",
	OpExists:    "EXISTS",
	OpSizeOver:  "SIZE-OVER",
	OpSizeUnder: "SIZE-UNDER",
}

func (op Opcode) String() string {
	if op >= ExtensionBase {
		return fmt.Sprintf("EXT[%d]", int(op-ExtensionBase))
	}
	if name, ok := coreMnemonics[op]; ok {
		return name
	}
	return fmt.Sprintf("OP(0x%02x)", byte(op))
}

// Tag identifies the kind of an operand.
type Tag byte

const (
	TagOmitted     Tag = 0x00
	TagNumber      Tag = 0x01
	TagString      Tag = 0x02
	TagStringList  Tag = 0x03
	TagCatenated   Tag = 0x04
	TagComparator  Tag = 0x05
	TagMatchType   Tag = 0x06
	TagAddressPart Tag = 0x07
	TagExtension   Tag = 0x10
)

func (t Tag) String() string {
	switch t {
	case TagOmitted:
		return "omitted"
	case TagNumber:
		return "number"
	case TagString:
		return "string"
	case TagStringList:
		return "string-list"
	case TagCatenated:
		return "catenated-string"
	case TagComparator:
		return "comparator"
	case TagMatchType:
		return "match-type"
	case TagAddressPart:
		return "address-part"
	case TagExtension:
		return "extension"
	default:
		return fmt.Sprintf("tag(0x%02x)", byte(t))
	}
}

// Optional operand codes. OptEnd terminates a block, OptSideEffect is handled
// by the runtime itself, the selector codes are shared by every test and
// everything from OptExtensionBase up belongs to the operation's extension.
const (
	OptEnd           byte = 0x00
	OptSideEffect    byte = 0x01
	OptComparator    byte = 0x02
	OptMatchType     byte = 0x03
	OptAddressPart   byte = 0x04
	OptExtensionBase byte = 0x08
)
