package match

import (
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/migadu/sievevm/sieve/binary"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

// ReadOptionals reads the optional block of a test. The shared selector
// codes are decoded into the returned matcher; other codes go to extra,
// which may be nil.
func ReadOptionals(renv *interp.RunEnv, pc *int, extra func(code byte) (bool, error)) (Matcher, []*result.SideEffect, error) {
	m := Default()
	r := renv.Reader()
	effects, err := renv.ReadOptionals(pc, func(code byte) (bool, error) {
		switch code {
		case binary.OptComparator:
			op, err := readSelector(r, pc, binary.TagComparator)
			if err != nil {
				return false, err
			}
			c, ok := comparators[op.Code]
			if !ok {
				return false, renv.Corrupt("unknown comparator %d", op.Code)
			}
			m.Comparator = c
		case binary.OptMatchType:
			op, err := readSelector(r, pc, binary.TagMatchType)
			if err != nil {
				return false, err
			}
			mt, ok := matchTypes[op.Code]
			if !ok {
				return false, renv.Corrupt("unknown match type %d", op.Code)
			}
			m.MatchType = mt
		case binary.OptAddressPart:
			op, err := readSelector(r, pc, binary.TagAddressPart)
			if err != nil {
				return false, err
			}
			ap, ok := addressParts[op.Code]
			if !ok {
				return false, renv.Corrupt("unknown address part %d", op.Code)
			}
			m.AddressPart = ap
		default:
			if extra == nil {
				return false, nil
			}
			return extra(code)
		}
		return true, nil
	})
	return m, effects, err
}

func readSelector(r *binary.Reader, pc *int, tag binary.Tag) (binary.Operand, error) {
	at := *pc
	op, err := r.Operand(pc)
	if err != nil {
		return op, err
	}
	if op.Tag != tag {
		return op, binary.Corrupt(at, "expected %s operand, found %s", tag, op.Tag)
	}
	if op.Ext != binary.CoreRef {
		return op, binary.Corrupt(at, "unsupported %s from extension %d", tag, op.Ext)
	}
	return op, nil
}

// ParseAddresses extracts the addresses of a header value. Values that do
// not parse as an address list are split on commas and used as is.
func ParseAddresses(value string) []string {
	list, err := mail.ParseAddressList(value)
	if err == nil {
		addrs := make([]string, 0, len(list))
		for _, a := range list {
			addrs = append(addrs, a.Address)
		}
		return addrs
	}
	var addrs []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if i := strings.LastIndexByte(part, '<'); i >= 0 {
			part = strings.TrimSuffix(part[i+1:], ">")
		}
		if part != "" {
			addrs = append(addrs, part)
		}
	}
	return addrs
}
