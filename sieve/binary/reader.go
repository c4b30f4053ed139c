package binary

import (
	encbin "encoding/binary"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultMaxStringLength caps the value of a catenated string.
const DefaultMaxStringLength = 64 * 1024

// CoreRef is the extension reference of core selectors and operands.
const CoreRef = -1

// Reader decodes values from an instruction stream. All methods take the
// read position by pointer and only advance it when decoding succeeds.
type Reader struct {
	code []byte

	// MaxStringLength bounds catenated strings; longer values are truncated.
	MaxStringLength int
}

func NewReader(code []byte) *Reader {
	return &Reader{code: code, MaxStringLength: DefaultMaxStringLength}
}

// Size is the length of the underlying stream.
func (r *Reader) Size() int {
	return len(r.code)
}

func (r *Reader) Byte(pc *int) (byte, error) {
	if *pc < 0 || *pc >= len(r.code) {
		return 0, corruptf(*pc, "read past end of program")
	}
	b := r.code[*pc]
	*pc++
	return b, nil
}

func (r *Reader) Uvarint(pc *int) (uint64, error) {
	if *pc < 0 || *pc >= len(r.code) {
		return 0, corruptf(*pc, "read past end of program")
	}
	v, n := encbin.Uvarint(r.code[*pc:])
	if n <= 0 {
		return 0, corruptf(*pc, "malformed integer")
	}
	*pc += n
	return v, nil
}

func (r *Reader) Uint32(pc *int) (uint32, error) {
	if *pc < 0 || *pc+4 > len(r.code) {
		return 0, corruptf(*pc, "read past end of program")
	}
	v := encbin.BigEndian.Uint32(r.code[*pc:])
	*pc += 4
	return v, nil
}

// Offset reads a signed jump offset.
func (r *Reader) Offset(pc *int) (int, error) {
	v, err := r.Uint32(pc)
	if err != nil {
		return 0, err
	}
	return int(int32(v)), nil
}

// RawBytes reads a length-prefixed byte string without copying.
func (r *Reader) RawBytes(pc *int) ([]byte, error) {
	p := *pc
	n, err := r.Uvarint(&p)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.code)-p) {
		return nil, corruptf(*pc, "string of %d bytes runs past end of program", n)
	}
	b := r.code[p : p+int(n)]
	*pc = p + int(n)
	return b, nil
}

func (r *Reader) RawString(pc *int) (string, error) {
	b, err := r.RawBytes(pc)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ExtensionRef reads an extension reference: CoreRef or an index into the
// program's extension table.
func (r *Reader) ExtensionRef(pc *int) (int, error) {
	v, err := r.Uvarint(pc)
	if err != nil {
		return 0, err
	}
	if v > uint64(MaxExtensions) {
		return 0, corruptf(*pc, "invalid extension reference %d", v)
	}
	return int(v) - 1, nil
}

// Operand decodes one tagged operand.
func (r *Reader) Operand(pc *int) (Operand, error) {
	p := *pc
	b, err := r.Byte(&p)
	if err != nil {
		return Operand{}, err
	}
	op := Operand{Tag: Tag(b), Offset: *pc}
	switch op.Tag {
	case TagOmitted:
	case TagNumber:
		if op.Number, err = r.Uvarint(&p); err != nil {
			return Operand{}, err
		}
	case TagString:
		if op.Str, err = r.RawString(&p); err != nil {
			return Operand{}, err
		}
	case TagStringList, TagCatenated:
		if op.List, err = r.listBody(&p, op.Tag == TagCatenated); err != nil {
			return Operand{}, err
		}
	case TagComparator, TagMatchType, TagAddressPart:
		if op.Ext, err = r.ExtensionRef(&p); err != nil {
			return Operand{}, err
		}
		if op.Code, err = r.Byte(&p); err != nil {
			return Operand{}, err
		}
	case TagExtension:
		if err = r.extensionBody(&p, &op); err != nil {
			return Operand{}, err
		}
	default:
		return Operand{}, corruptf(*pc, "unknown operand tag 0x%02x", b)
	}
	*pc = p
	return op, nil
}

func (r *Reader) extensionBody(pc *int, op *Operand) error {
	var err error
	if op.Ext, err = r.ExtensionRef(pc); err != nil {
		return err
	}
	if op.Code, err = r.Byte(pc); err != nil {
		return err
	}
	op.Payload, err = r.RawBytes(pc)
	return err
}

// listBody reads a list header and skips over the items. The items are
// decoded on demand through the returned list.
func (r *Reader) listBody(pc *int, catenated bool) (*StringList, error) {
	start := *pc
	p := *pc
	count, err := r.Uvarint(&p)
	if err != nil {
		return nil, err
	}
	length, err := r.Uint32(&p)
	if err != nil {
		return nil, err
	}
	end := p + int(length)
	if end > len(r.code) || end < p {
		return nil, corruptf(start, "list body runs past end of program")
	}
	if count > uint64(length) {
		return nil, corruptf(start, "list claims %d items in %d bytes", count, length)
	}
	*pc = end
	return &StringList{r: r, start: p, end: end, count: int(count), catenated: catenated}, nil
}

// Number reads a number operand.
func (r *Reader) Number(pc *int) (uint64, error) {
	p := *pc
	op, err := r.Operand(&p)
	if err != nil {
		return 0, err
	}
	if op.Tag != TagNumber {
		return 0, corruptf(*pc, "expected number operand, found %s", op.Tag)
	}
	*pc = p
	return op.Number, nil
}

// String reads a string or catenated-string operand.
func (r *Reader) String(pc *int) (string, error) {
	p := *pc
	op, err := r.Operand(&p)
	if err != nil {
		return "", err
	}
	s, err := op.Value()
	if err != nil {
		return "", err
	}
	*pc = p
	return s, nil
}

// StringList reads a string-list operand. A single string operand is
// accepted as a one element list.
func (r *Reader) StringList(pc *int) (*StringList, error) {
	p := *pc
	op, err := r.Operand(&p)
	if err != nil {
		return nil, err
	}
	switch op.Tag {
	case TagStringList:
		*pc = p
		return op.List, nil
	case TagString, TagCatenated:
		s, err := op.Value()
		if err != nil {
			return nil, err
		}
		*pc = p
		return SingleString(s), nil
	}
	return nil, corruptf(*pc, "expected string-list operand, found %s", op.Tag)
}

// Skip moves past one operand without interpreting it.
func (r *Reader) Skip(pc *int) error {
	_, err := r.Operand(pc)
	return err
}

// OptionalKind classifies an entry of an optional operand block.
type OptionalKind int

const (
	OptionalEnd OptionalKind = iota
	OptionalSideEffect
	OptionalExtension
)

// Optional is one entry of an optional operand block.
type Optional struct {
	Kind OptionalKind
	Code byte

	// SideEffect is set for OptionalSideEffect entries. Its Ext, Code and
	// Payload identify the side effect and its parameters.
	SideEffect Operand
}

// Optional reads the next optional operand code. For OptionalExtension the
// caller reads the operand that follows; for OptionalSideEffect the side
// effect operand is consumed here.
func (r *Reader) Optional(pc *int) (Optional, error) {
	p := *pc
	code, err := r.Byte(&p)
	if err != nil {
		return Optional{}, err
	}
	switch {
	case code == OptEnd:
		*pc = p
		return Optional{Kind: OptionalEnd}, nil
	case code == OptSideEffect:
		opt := Optional{Kind: OptionalSideEffect, Code: code}
		opt.SideEffect = Operand{Tag: TagExtension, Offset: p}
		if err := r.extensionBody(&p, &opt.SideEffect); err != nil {
			return Optional{}, err
		}
		*pc = p
		return opt, nil
	default:
		*pc = p
		return Optional{Kind: OptionalExtension, Code: code}, nil
	}
}

// StringList is a lazily decoded list of strings. The list's byte extent is
// known up front, so it can be skipped without touching its items.
type StringList struct {
	r         *Reader
	start     int
	end       int
	count     int
	catenated bool
	single    *string
}

// SingleString wraps one string as a list.
func SingleString(s string) *StringList {
	return &StringList{count: 1, single: &s}
}

// Len is the number of items.
func (l *StringList) Len() int {
	return l.count
}

// End is the position right after the list in the stream.
func (l *StringList) End() int {
	return l.end
}

// Each calls fn with every item until fn returns false or an error.
func (l *StringList) Each(fn func(string) (bool, error)) error {
	if l.single != nil {
		_, err := fn(*l.single)
		return err
	}
	p := l.start
	for i := 0; i < l.count; i++ {
		op, err := l.r.Operand(&p)
		if err != nil {
			return err
		}
		var s string
		if l.catenated && op.Tag == TagNumber {
			s = strconv.FormatUint(op.Number, 10)
		} else if s, err = op.Value(); err != nil {
			return err
		}
		if p > l.end {
			return corruptf(op.Offset, "list item runs past end of list")
		}
		more, err := fn(s)
		if err != nil || !more {
			return err
		}
	}
	if p != l.end {
		return corruptf(p, "list length does not match its items")
	}
	return nil
}

// Strings decodes every item.
func (l *StringList) Strings() ([]string, error) {
	items := make([]string, 0, l.count)
	err := l.Each(func(s string) (bool, error) {
		items = append(items, s)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// join concatenates the parts of a catenated string, truncated to the
// reader's MaxStringLength on a rune boundary.
func (l *StringList) join() (string, error) {
	limit := l.r.MaxStringLength
	var sb strings.Builder
	err := l.Each(func(s string) (bool, error) {
		if limit > 0 && sb.Len()+len(s) > limit {
			cut := limit - sb.Len()
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
			sb.WriteString(s[:cut])
			return false, nil
		}
		sb.WriteString(s)
		return true, nil
	})
	return sb.String(), err
}
