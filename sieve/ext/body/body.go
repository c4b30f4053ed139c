// Package body implements the body test (RFC 5173).
package body

import (
	"github.com/migadu/sievevm/helpers"
	"github.com/migadu/sievevm/sieve/ext/foreverypart"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/match"
)

const Name = "body"

// OpBody: optional block, key-list.
const OpBody byte = 0

// Optional operand codes of body. The transforms are mutually exclusive;
// the last one given wins.
const (
	OptRaw     byte = 8  // omitted
	OptContent byte = 9  // string-list of content types
	OptText    byte = 10 // omitted
)

// Transform selects what the keys are matched against.
type Transform int

const (
	TransformText Transform = iota
	TransformRaw
	TransformContent
)

type extension struct {
	interp.ExtensionBase
}

var Extension interp.ExtensionDef = &extension{}

func (*extension) Name() string { return Name }

func (*extension) Operation(code byte) interp.Operation {
	if code == OpBody {
		return bodyOp{interp.Instr{Name: "BODY", Fields: []interp.Field{interp.FieldOptionals, interp.FieldOperand}}}
	}
	return nil
}

type bodyOp struct{ interp.Instr }

func (bodyOp) Execute(renv *interp.RunEnv, pc *int) error {
	r := renv.Reader()
	transform := TransformText
	var types []string
	m, effects, err := match.ReadOptionals(renv, pc, func(code byte) (bool, error) {
		switch code {
		case OptRaw:
			transform = TransformRaw
			return true, r.Skip(pc)
		case OptText:
			transform = TransformText
			return true, r.Skip(pc)
		case OptContent:
			transform = TransformContent
			list, err := r.StringList(pc)
			if err != nil {
				return false, err
			}
			types, err = list.Strings()
			return err == nil, err
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if len(effects) > 0 {
		return renv.Corrupt("side effect on a test")
	}
	list, err := r.StringList(pc)
	if err != nil {
		return err
	}
	keys, err := list.Strings()
	if err != nil {
		return err
	}

	values, err := Values(renv, transform, types)
	if err != nil {
		return err
	}
	renv.SetTestResult(m.MatchAny(values, keys))
	return nil
}

// Values extracts the body content a body test matches against. Inside a
// foreverypart loop only the current part is considered.
func Values(renv *interp.RunEnv, transform Transform, types []string) ([]string, error) {
	part := foreverypart.CurrentPart(renv)
	if transform == TransformRaw && part == nil {
		return []string{string(renv.Msg.Body())}, nil
	}
	if part == nil {
		root, err := foreverypart.Parts(renv)
		if err != nil {
			return nil, err
		}
		part = root
	}

	var values []string
	for _, leaf := range part.Leaves() {
		switch transform {
		case TransformRaw:
			values = append(values, string(leaf.Body))
		case TransformContent:
			if matchesAny(leaf, types) {
				values = append(values, string(leaf.Body))
			}
		default:
			if text, ok := leaf.Text(); ok {
				values = append(values, text)
			}
		}
	}
	return values, nil
}

func matchesAny(p *helpers.Part, types []string) bool {
	for _, ct := range types {
		if p.MatchesContentType(ct) {
			return true
		}
	}
	return false
}
