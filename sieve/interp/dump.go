package interp

import (
	"fmt"
	"io"
	"strings"

	"github.com/migadu/sievevm/sieve/binary"
)

// Field is one element of an instruction layout, used for disassembly.
type Field int

const (
	FieldOperand Field = iota
	FieldOffset
	FieldOptionals
)

// Instr gives an operation its mnemonic and a layout-driven Dump. Operations
// embed it and only implement Execute.
type Instr struct {
	Name   string
	Fields []Field
}

func (in Instr) Mnemonic() string { return in.Name }

func (in Instr) Dump(d *Dumper, pc *int) error {
	for _, f := range in.Fields {
		var err error
		switch f {
		case FieldOperand:
			err = d.Operand(pc)
		case FieldOffset:
			err = d.Offset(pc)
		case FieldOptionals:
			err = d.Optionals(pc)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Dumper disassembles a program into a human readable listing.
type Dumper struct {
	prog  *binary.Program
	reg   *Registry
	r     *binary.Reader
	exts  []ExtensionDef
	instr int
	parts []string
}

func NewDumper(prog *binary.Program, reg *Registry) *Dumper {
	return &Dumper{prog: prog, reg: reg, r: prog.Reader()}
}

// Dump writes the listing to w. Decoding stops at the first corrupt
// instruction, which is reported after the part that could be listed.
func (d *Dumper) Dump(w io.Writer) error {
	fmt.Fprintf(w, "program %q: %d bytes\n", d.prog.Name, d.prog.Size())
	fmt.Fprintf(w, "extensions:\n")
	d.exts = d.exts[:0]
	for i, name := range d.prog.Extensions {
		ext, ok := d.reg.Lookup(name)
		if !ok {
			fmt.Fprintf(w, "  %2d: %s (unknown)\n", i, name)
			return corruptAt(0, "unknown extension %q", name)
		}
		d.exts = append(d.exts, ext)
		fmt.Fprintf(w, "  %2d: %s\n", i, name)
	}
	fmt.Fprintf(w, "code:\n")

	line := 0
	pc := 0
	for pc < d.r.Size() {
		d.instr = pc
		_, op, err := decodeOp(d.r, &pc, d.reg.Core(), d.exts)
		if err != nil {
			return err
		}
		d.parts = d.parts[:0]
		if err := op.Dump(d, &pc); err != nil {
			return err
		}
		lineCol := "     "
		if l := d.prog.Lines.Line(d.instr); l != line {
			line = l
			lineCol = fmt.Sprintf("%4d:", l)
		}
		fmt.Fprintf(w, "%08x %s %s", d.instr, lineCol, op.Mnemonic())
		if len(d.parts) > 0 {
			fmt.Fprintf(w, " %s", strings.Join(d.parts, " "))
		}
		fmt.Fprintln(w)
	}
	return nil
}

// Reader exposes the program reader for operations with custom layouts.
func (d *Dumper) Reader() *binary.Reader { return d.r }

// Printf adds text to the current line.
func (d *Dumper) Printf(format string, args ...any) {
	d.parts = append(d.parts, fmt.Sprintf(format, args...))
}

// Operand decodes and prints one operand.
func (d *Dumper) Operand(pc *int) error {
	op, err := d.r.Operand(pc)
	if err != nil {
		return err
	}
	d.parts = append(d.parts, op.Format())
	return nil
}

// Offset prints a jump offset and its resolved target.
func (d *Dumper) Offset(pc *int) error {
	off, err := d.r.Offset(pc)
	if err != nil {
		return err
	}
	d.Printf("%+d(->%08x)", off, d.instr+off)
	return nil
}

// Optionals prints an optional operand block.
func (d *Dumper) Optionals(pc *int) error {
	for {
		opt, err := d.r.Optional(pc)
		if err != nil {
			return err
		}
		switch opt.Kind {
		case binary.OptionalEnd:
			return nil
		case binary.OptionalSideEffect:
			d.Printf("{side-effect %s}", d.sideEffectName(opt.SideEffect))
		default:
			op, err := d.r.Operand(pc)
			if err != nil {
				return err
			}
			d.Printf("{%d: %s}", opt.Code, op.Format())
		}
	}
}

func (d *Dumper) sideEffectName(op binary.Operand) string {
	name := "core"
	if op.Ext >= 0 && op.Ext < len(d.exts) {
		name = d.exts[op.Ext].Name()
	}
	return fmt.Sprintf("%s:%d", name, op.Code)
}
