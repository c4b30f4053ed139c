package binary

import (
	"bytes"
	encbin "encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/migadu/sievevm/sieve"
)

// Magic identifies a compiled program file.
var Magic = [4]byte{'S', 'V', 'B', 'C'}

// FormatVersion is bumped whenever the encoding changes incompatibly.
const FormatVersion uint16 = 1

// debugBlockID marks the debug line table in the file header.
const debugBlockID byte = 0xDB

// LineEntry maps the instruction starting at Offset to a source line.
type LineEntry struct {
	Offset int
	Line   int
}

// LineTable maps code offsets to source lines. Entries are sorted by offset.
type LineTable []LineEntry

// Line returns the source line of the instruction at offset, or 0 if unknown.
func (t LineTable) Line(offset int) int {
	i := sort.Search(len(t), func(i int) bool { return t[i].Offset > offset })
	if i == 0 {
		return 0
	}
	return t[i-1].Line
}

// Program is a compiled script. It is immutable once built and may be shared
// by any number of concurrent executions.
type Program struct {
	Name       string
	Extensions []string
	Lines      LineTable
	code       []byte
}

// NewProgram wraps already encoded code.
func NewProgram(name string, code []byte, extensions []string, lines LineTable) *Program {
	return &Program{
		Name:       name,
		Extensions: extensions,
		Lines:      lines,
		code:       code,
	}
}

// Size is the code size in bytes.
func (p *Program) Size() int {
	return len(p.code)
}

// Code returns the instruction stream. Callers must not modify it.
func (p *Program) Code() []byte {
	return p.code
}

// Reader returns a reader over the instruction stream.
func (p *Program) Reader() *Reader {
	return NewReader(p.code)
}

// MarshalBinary encodes the program in the file format.
func (p *Program) MarshalBinary() ([]byte, error) {
	if len(p.Extensions) > MaxExtensions {
		return nil, fmt.Errorf("program references %d extensions, at most %d allowed", len(p.Extensions), MaxExtensions)
	}
	var buf bytes.Buffer
	buf.Write(Magic[:])
	buf.Write(encbin.BigEndian.AppendUint16(nil, FormatVersion))

	buf.Write(encbin.AppendUvarint(nil, uint64(len(p.Extensions))))
	for _, name := range p.Extensions {
		buf.Write(appendString(nil, name))
	}

	buf.WriteByte(debugBlockID)
	buf.Write(encbin.AppendUvarint(nil, uint64(len(p.Lines))))
	for _, e := range p.Lines {
		buf.Write(encbin.AppendUvarint(nil, uint64(e.Offset)))
		buf.Write(encbin.AppendUvarint(nil, uint64(e.Line)))
	}

	buf.Write(encbin.AppendUvarint(nil, uint64(len(p.code))))
	buf.Write(p.code)
	return buf.Bytes(), nil
}

// SaveFile writes the program to path.
func (p *Program) SaveFile(path string) error {
	data, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadFile reads a compiled program from path. The program is named after
// the file.
func LoadFile(path string) (*Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	p.Name = path
	return p, nil
}

// Load reads a compiled program from r.
func Load(r io.Reader) (*Program, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Unmarshal decodes a program from its file format. Header damage is
// reported as sieve.ErrBinaryCorrupt.
func Unmarshal(data []byte) (*Program, error) {
	r := NewReader(data)
	pc := 0

	if len(data) < len(Magic)+2 || !bytes.Equal(data[:len(Magic)], Magic[:]) {
		return nil, corruptf(0, "not a compiled sieve program")
	}
	pc += len(Magic)
	version := encbin.BigEndian.Uint16(data[pc:])
	if version != FormatVersion {
		return nil, corruptf(pc, "unsupported format version %d", version)
	}
	pc += 2

	count, err := r.Uvarint(&pc)
	if err != nil {
		return nil, err
	}
	if count > uint64(MaxExtensions) {
		return nil, corruptf(pc, "extension table too large (%d entries)", count)
	}
	exts := make([]string, 0, count)
	seen := make(map[string]bool, count)
	for i := uint64(0); i < count; i++ {
		name, err := r.RawString(&pc)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, corruptf(pc, "extension %q listed twice", name)
		}
		seen[name] = true
		exts = append(exts, name)
	}

	id, err := r.Byte(&pc)
	if err != nil {
		return nil, err
	}
	if id != debugBlockID {
		return nil, corruptf(pc-1, "missing debug block")
	}
	n, err := r.Uvarint(&pc)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(data)) {
		return nil, corruptf(pc, "debug block too large")
	}
	lines := make(LineTable, 0, n)
	for i := uint64(0); i < n; i++ {
		off, err := r.Uvarint(&pc)
		if err != nil {
			return nil, err
		}
		line, err := r.Uvarint(&pc)
		if err != nil {
			return nil, err
		}
		lines = append(lines, LineEntry{Offset: int(off), Line: int(line)})
	}

	size, err := r.Uvarint(&pc)
	if err != nil {
		return nil, err
	}
	if size != uint64(len(data)-pc) {
		return nil, corruptf(pc, "code size %d does not match remaining %d bytes", size, len(data)-pc)
	}
	code := make([]byte, size)
	copy(code, data[pc:])

	return NewProgram("", code, exts, lines), nil
}

func corruptf(pc int, format string, args ...any) error {
	return sieve.Errorf(sieve.StatusBinaryCorrupt, "@%08x: "+format, append([]any{pc}, args...)...)
}

// Corrupt reports malformed code at pc.
func Corrupt(pc int, format string, args ...any) error {
	return corruptf(pc, format, args...)
}
