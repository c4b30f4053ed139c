// Package fileinto implements the fileinto extension (RFC 5228): storing
// the message into a named mailbox instead of the default one.
package fileinto

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/core"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

const Name = "fileinto"

// OpFileinto: optional block, mailbox.
const OpFileinto byte = 0

type extension struct {
	interp.ExtensionBase
}

var Extension interp.ExtensionDef = &extension{}

func (*extension) Name() string { return Name }

func (*extension) Operation(code byte) interp.Operation {
	if code == OpFileinto {
		return fileintoOp{interp.Instr{Name: "FILEINTO", Fields: []interp.Field{interp.FieldOptionals, interp.FieldOperand}}}
	}
	return nil
}

type fileintoOp struct{ interp.Instr }

func (fileintoOp) Execute(renv *interp.RunEnv, pc *int) error {
	effects, err := renv.ReadOptionals(pc, nil)
	if err != nil {
		return err
	}
	mailbox, err := renv.Reader().String(pc)
	if err != nil {
		return err
	}
	if err := checkMailboxName(mailbox); err != nil {
		return sieve.Errorf(sieve.StatusFailure, "%s: invalid folder name %q: %v", renv.Location(), mailbox, err)
	}
	return renv.Result.AddAction(result.ActionRequest{
		Ext:         Name,
		Def:         core.Store,
		Context:     &core.StoreContext{Mailbox: mailbox},
		SideEffects: effects,
		Location:    renv.Location(),
	})
}

func checkMailboxName(mailbox string) error {
	switch {
	case mailbox == "":
		return errors.New("name is empty")
	case !utf8.ValidString(mailbox):
		return errors.New("name is not valid UTF-8")
	case strings.ContainsAny(mailbox, "\x00\r\n"):
		return errors.New("name contains control characters")
	}
	return nil
}
