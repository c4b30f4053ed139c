package binary

import (
	encbin "encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Operand is one decoded operand. Which fields are meaningful depends on Tag.
type Operand struct {
	Tag    Tag
	Offset int // position of the tag byte

	Number uint64
	Str    string
	List   *StringList // string-list and catenated-string

	// Selectors and extension operands.
	Ext     int // CoreRef or index into the program's extension table
	Code    byte
	Payload []byte
}

// Omitted reports whether the operand is the placeholder for an absent value.
func (o Operand) Omitted() bool {
	return o.Tag == TagOmitted
}

// Value returns the string value of a string or catenated-string operand.
func (o Operand) Value() (string, error) {
	switch o.Tag {
	case TagString:
		return o.Str, nil
	case TagCatenated:
		return o.List.join()
	}
	return "", corruptf(o.Offset, "expected string operand, found %s", o.Tag)
}

// Format renders the operand for disassembly.
func (o Operand) Format() string {
	switch o.Tag {
	case TagOmitted:
		return "-"
	case TagNumber:
		return strconv.FormatUint(o.Number, 10)
	case TagString:
		return strconv.Quote(o.Str)
	case TagStringList, TagCatenated:
		items, err := o.List.Strings()
		if err != nil {
			return "<" + err.Error() + ">"
		}
		quoted := make([]string, len(items))
		for i, s := range items {
			quoted[i] = strconv.Quote(s)
		}
		if o.Tag == TagCatenated {
			return "cat(" + strings.Join(quoted, " ") + ")"
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	case TagComparator, TagMatchType, TagAddressPart:
		return fmt.Sprintf("%s(%s:%d)", o.Tag, extRefString(o.Ext), o.Code)
	case TagExtension:
		return fmt.Sprintf("ext(%s:%d, %d bytes)", extRefString(o.Ext), o.Code, len(o.Payload))
	}
	return o.Tag.String()
}

func extRefString(ref int) string {
	if ref == CoreRef {
		return "core"
	}
	return strconv.Itoa(ref)
}

func appendString(b []byte, s string) []byte {
	b = encbin.AppendUvarint(b, uint64(len(s)))
	return append(b, s...)
}
