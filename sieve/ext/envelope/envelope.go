// Package envelope implements the envelope test (RFC 5228), which matches
// the SMTP envelope rather than message headers.
package envelope

import (
	"strings"

	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/match"
)

const Name = "envelope"

// OpEnvelope: optional block, envelope-part list, key-list.
const OpEnvelope byte = 0

type extension struct {
	interp.ExtensionBase
}

var Extension interp.ExtensionDef = &extension{}

func (*extension) Name() string { return Name }

func (*extension) Operation(code byte) interp.Operation {
	if code == OpEnvelope {
		return envelopeOp{interp.Instr{Name: "ENVELOPE", Fields: []interp.Field{interp.FieldOptionals, interp.FieldOperand, interp.FieldOperand}}}
	}
	return nil
}

// Part returns the addresses of an envelope part. Unknown parts and parts
// the embedding did not provide yield nothing; "from" yields the empty
// string for the null sender.
func Part(env sieve.Envelope, part string) []string {
	switch strings.ToLower(part) {
	case "from":
		return []string{env.From}
	case "to":
		if env.To == "" {
			return nil
		}
		return []string{env.To}
	case "orig_to":
		if env.OrigTo == "" {
			return nil
		}
		return []string{env.OrigTo}
	case "auth":
		if env.Auth == "" {
			return nil
		}
		return []string{env.Auth}
	}
	return nil
}

type envelopeOp struct{ interp.Instr }

func (envelopeOp) Execute(renv *interp.RunEnv, pc *int) error {
	m, effects, err := match.ReadOptionals(renv, pc, nil)
	if err != nil {
		return err
	}
	if len(effects) > 0 {
		return renv.Corrupt("side effect on a test")
	}
	r := renv.Reader()
	parts, err := r.StringList(pc)
	if err != nil {
		return err
	}
	keyList, err := r.StringList(pc)
	if err != nil {
		return err
	}
	keys, err := keyList.Strings()
	if err != nil {
		return err
	}

	matched := false
	err = parts.Each(func(part string) (bool, error) {
		for _, addr := range Part(renv.Msg.Envelope, part) {
			// The null sender only has an :all part.
			if addr == "" {
				if m.AddressPart == match.All && m.Match("", keys) {
					matched = true
				}
				continue
			}
			if m.MatchAddresses([]string{addr}, keys) {
				matched = true
			}
		}
		return !matched, nil
	})
	if err != nil {
		return err
	}
	renv.SetTestResult(matched)
	return nil
}
