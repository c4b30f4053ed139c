package binary

import (
	"bytes"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/sieve"
)

func TestOperandRoundTrip(t *testing.T) {
	e := NewEmitter()
	ext := e.Extension("vacation")
	e.Op(OpHeader).
		Number(300).
		String("Subject").
		StringList("a", "bb", "").
		Catenated("foo", "bar").
		Comparator(CoreRef, 1).
		MatchType(ext, 2).
		AddressPart(CoreRef, 0).
		ExtOperand(ext, 7, []byte{1, 2, 3}).
		Omitted()
	prog, err := e.Program("test")
	require.NoError(t, err)

	r := prog.Reader()
	pc := 1

	n, err := r.Number(&pc)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), n)

	s, err := r.String(&pc)
	require.NoError(t, err)
	assert.Equal(t, "Subject", s)

	list, err := r.StringList(&pc)
	require.NoError(t, err)
	assert.Equal(t, 3, list.Len())
	items, err := list.Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "bb", ""}, items)

	s, err = r.String(&pc)
	require.NoError(t, err)
	assert.Equal(t, "foobar", s)

	op, err := r.Operand(&pc)
	require.NoError(t, err)
	assert.Equal(t, TagComparator, op.Tag)
	assert.Equal(t, CoreRef, op.Ext)
	assert.Equal(t, byte(1), op.Code)

	op, err = r.Operand(&pc)
	require.NoError(t, err)
	assert.Equal(t, TagMatchType, op.Tag)
	assert.Equal(t, ext, op.Ext)

	op, err = r.Operand(&pc)
	require.NoError(t, err)
	assert.Equal(t, TagAddressPart, op.Tag)

	op, err = r.Operand(&pc)
	require.NoError(t, err)
	assert.Equal(t, TagExtension, op.Tag)
	assert.Equal(t, byte(7), op.Code)
	assert.Equal(t, []byte{1, 2, 3}, op.Payload)

	op, err = r.Operand(&pc)
	require.NoError(t, err)
	assert.True(t, op.Omitted())
	assert.Equal(t, r.Size(), pc)
}

func TestSkipStringListWithoutDecoding(t *testing.T) {
	e := NewEmitter()
	e.Op(OpExists).StringList("one", "two", "three")
	e.Op(OpStop)
	prog, err := e.Program("")
	require.NoError(t, err)

	pc := 1
	require.NoError(t, prog.Reader().Skip(&pc))
	assert.Equal(t, OpStop, Opcode(prog.Code()[pc]))
}

func TestSingleStringAsList(t *testing.T) {
	e := NewEmitter()
	e.Op(OpExists).String("From")
	prog, err := e.Program("")
	require.NoError(t, err)

	pc := 1
	list, err := prog.Reader().StringList(&pc)
	require.NoError(t, err)
	items, err := list.Strings()
	require.NoError(t, err)
	assert.Equal(t, []string{"From"}, items)
}

func TestCatenatedTruncation(t *testing.T) {
	tests := []struct {
		name  string
		parts []string
		limit int
		want  string
	}{
		{"ascii", []string{strings.Repeat("a", 10), strings.Repeat("b", 10)}, 15, strings.Repeat("a", 10) + strings.Repeat("b", 5)},
		{"within limit", []string{"ab", "cd"}, 15, "abcd"},
		{"multibyte at cut", []string{strings.Repeat("a", 9), "ééé"}, 12, strings.Repeat("a", 9) + "é"},
		{"multibyte first part", []string{"日本語", "x"}, 5, "日"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEmitter()
			e.Op(OpKeep).Catenated(tt.parts...)
			prog, err := e.Program("")
			require.NoError(t, err)

			r := prog.Reader()
			r.MaxStringLength = tt.limit
			pc := 1
			s, err := r.String(&pc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s)
			assert.True(t, utf8.ValidString(s))
		})
	}
}

func TestOptionalBlock(t *testing.T) {
	e := NewEmitter()
	ext := e.Extension("imap4flags")
	e.Op(OpKeep).
		SideEffect(ext, 0, []byte("x")).
		OptionalCode(OptComparator).Comparator(CoreRef, 0).
		OptionalCode(OptExtensionBase).Number(5).
		OptionalEnd()
	prog, err := e.Program("")
	require.NoError(t, err)

	r := prog.Reader()
	pc := 1

	opt, err := r.Optional(&pc)
	require.NoError(t, err)
	assert.Equal(t, OptionalSideEffect, opt.Kind)
	assert.Equal(t, ext, opt.SideEffect.Ext)
	assert.Equal(t, []byte("x"), opt.SideEffect.Payload)

	opt, err = r.Optional(&pc)
	require.NoError(t, err)
	assert.Equal(t, OptionalExtension, opt.Kind)
	assert.Equal(t, OptComparator, opt.Code)
	require.NoError(t, r.Skip(&pc))

	opt, err = r.Optional(&pc)
	require.NoError(t, err)
	assert.Equal(t, OptExtensionBase, opt.Code)
	n, err := r.Number(&pc)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	opt, err = r.Optional(&pc)
	require.NoError(t, err)
	assert.Equal(t, OptionalEnd, opt.Kind)
}

func TestJumpOffsetsAreRelativeToOpcode(t *testing.T) {
	e := NewEmitter()
	end := e.NewLabel()
	top := e.NewLabel()
	e.Mark(top)
	e.Op(OpTrue)
	e.Jump(OpJumpTrue, end)
	e.Jump(OpJump, top)
	e.Mark(end)
	prog, err := e.Program("")
	require.NoError(t, err)

	r := prog.Reader()
	// TRUE(1) JMPTRUE(5) JMP(5) NOP
	assert.Equal(t, 12, prog.Size())
	assert.Equal(t, OpNop, Opcode(prog.Code()[11]))

	pc := 2
	off, err := r.Offset(&pc)
	require.NoError(t, err)
	assert.Equal(t, 10, off)

	pc = 7
	off, err = r.Offset(&pc)
	require.NoError(t, err)
	assert.Equal(t, -6, off)
}

func TestEmitterErrors(t *testing.T) {
	e := NewEmitter()
	e.Jump(OpJump, e.NewLabel())
	_, err := e.Program("")
	assert.Error(t, err)

	e = NewEmitter()
	e.Jump(OpKeep, e.NewLabel())
	_, err = e.Program("")
	assert.Error(t, err)
}

func TestProgramFileRoundTrip(t *testing.T) {
	e := NewEmitter()
	ext := e.Extension("fileinto")
	e.Line(3)
	e.ExtOp(ext, 0).String("Spam").OptionalEnd()
	e.Line(4)
	e.Op(OpStop)
	prog, err := e.Program("round")
	require.NoError(t, err)

	data, err := prog.MarshalBinary()
	require.NoError(t, err)

	loaded, err := Load(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, prog.Code(), loaded.Code())
	assert.Equal(t, []string{"fileinto"}, loaded.Extensions)
	assert.Equal(t, 3, loaded.Lines.Line(0))
	assert.Equal(t, 4, loaded.Lines.Line(prog.Size()-1))
}

func TestCorruptPrograms(t *testing.T) {
	e := NewEmitter()
	e.Op(OpStop)
	prog, err := e.Program("")
	require.NoError(t, err)
	good, err := prog.MarshalBinary()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"bad magic", append([]byte("XXXX"), good[4:]...)},
		{"bad version", append(append([]byte{}, good[:4]...), append([]byte{0, 9}, good[6:]...)...)},
		{"truncated", good[:len(good)-1]},
		{"trailing garbage", append(append([]byte{}, good...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, sieve.ErrBinaryCorrupt)
		})
	}
}

func TestCorruptOperands(t *testing.T) {
	tests := []struct {
		name string
		code []byte
	}{
		{"unknown tag", []byte{0x7f}},
		{"string past end", []byte{byte(TagString), 10, 'a'}},
		{"list past end", []byte{byte(TagStringList), 1, 0, 0, 0, 9, byte(TagString)}},
		{"truncated number", []byte{byte(TagNumber), 0x80}},
		{"empty", []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := 0
			_, err := NewReader(tt.code).Operand(&pc)
			require.Error(t, err)
			assert.ErrorIs(t, err, sieve.ErrBinaryCorrupt)
			assert.Equal(t, 0, pc)
		})
	}
}

func TestListLengthMismatch(t *testing.T) {
	// count says two items but the body only holds one
	code := []byte{byte(TagStringList), 2, 0, 0, 0, 3, byte(TagString), 1, 'a'}
	pc := 0
	list, err := NewReader(code).StringList(&pc)
	require.NoError(t, err)
	_, err = list.Strings()
	assert.ErrorIs(t, err, sieve.ErrBinaryCorrupt)
}
