package core

import (
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/match"
)

type trueOp struct{ interp.Instr }

func (trueOp) Execute(renv *interp.RunEnv, pc *int) error {
	renv.SetTestResult(true)
	return nil
}

type falseOp struct{ interp.Instr }

func (falseOp) Execute(renv *interp.RunEnv, pc *int) error {
	renv.SetTestResult(false)
	return nil
}

// readMatch reads the common layout of matching tests: optional block,
// header names, key list.
func readMatch(renv *interp.RunEnv, pc *int) (match.Matcher, []string, []string, error) {
	m, effects, err := match.ReadOptionals(renv, pc, nil)
	if err != nil {
		return m, nil, nil, err
	}
	if len(effects) > 0 {
		return m, nil, nil, renv.Corrupt("side effect on a test")
	}
	r := renv.Reader()
	names, err := r.StringList(pc)
	if err != nil {
		return m, nil, nil, err
	}
	keys, err := r.StringList(pc)
	if err != nil {
		return m, nil, nil, err
	}
	nameList, err := names.Strings()
	if err != nil {
		return m, nil, nil, err
	}
	keyList, err := keys.Strings()
	if err != nil {
		return m, nil, nil, err
	}
	return m, nameList, keyList, nil
}

type headerOp struct{ interp.Instr }

func (headerOp) Execute(renv *interp.RunEnv, pc *int) error {
	m, names, keys, err := readMatch(renv, pc)
	if err != nil {
		return err
	}
	h := renv.Header()
	matched := false
	for _, name := range names {
		if m.MatchAny(sieve.HeaderValues(h, name), keys) {
			matched = true
			break
		}
	}
	renv.SetTestResult(matched)
	return nil
}

type addressOp struct{ interp.Instr }

func (addressOp) Execute(renv *interp.RunEnv, pc *int) error {
	m, names, keys, err := readMatch(renv, pc)
	if err != nil {
		return err
	}
	h := renv.Header()
	matched := false
	for _, name := range names {
		for _, v := range sieve.HeaderValues(h, name) {
			if m.MatchAddresses(match.ParseAddresses(v), keys) {
				matched = true
				break
			}
		}
		if matched {
			break
		}
	}
	renv.SetTestResult(matched)
	return nil
}

type existsOp struct{ interp.Instr }

func (existsOp) Execute(renv *interp.RunEnv, pc *int) error {
	names, err := renv.Reader().StringList(pc)
	if err != nil {
		return err
	}
	h := renv.Header()
	all := true
	err = names.Each(func(name string) (bool, error) {
		if !h.Has(name) {
			all = false
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	renv.SetTestResult(all)
	return nil
}

type sizeOp struct {
	interp.Instr
	over bool
}

func (op sizeOp) Execute(renv *interp.RunEnv, pc *int) error {
	limit, err := renv.Reader().Number(pc)
	if err != nil {
		return err
	}
	size := uint64(renv.Msg.Size())
	if op.over {
		renv.SetTestResult(size > limit)
	} else {
		renv.SetTestResult(size < limit)
	}
	return nil
}
