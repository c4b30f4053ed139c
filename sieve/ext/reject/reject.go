// Package reject implements the reject and ereject extensions (RFC 5429).
// Both refuse the message with a reason and send a notice back to the
// envelope sender; they cannot be combined with any action that delivers or
// responds to the message.
package reject

import (
	"context"
	"fmt"

	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/ext/internal/compose"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

const (
	Name        = "reject"
	ERejectName = "ereject"
)

// OpReject: reason. Both extensions use the same code.
const OpReject byte = 0

type extension struct {
	interp.ExtensionBase
	name     string
	extended bool
}

var (
	Extension interp.ExtensionDef = &extension{name: Name}
	EReject   interp.ExtensionDef = &extension{name: ERejectName, extended: true}
)

func (ext *extension) Name() string { return ext.name }

func (ext *extension) Operation(code byte) interp.Operation {
	if code != OpReject {
		return nil
	}
	mnemonic := "REJECT"
	if ext.extended {
		mnemonic = "EREJECT"
	}
	return rejectOp{interp.Instr{Name: mnemonic, Fields: []interp.Field{interp.FieldOperand}}, ext}
}

type rejectOp struct {
	interp.Instr
	ext *extension
}

func (op rejectOp) Execute(renv *interp.RunEnv, pc *int) error {
	reason, err := renv.Reader().String(pc)
	if err != nil {
		return err
	}
	return renv.Result.AddAction(result.ActionRequest{
		Ext:      op.ext.name,
		Def:      Action,
		Context:  &Context{Reason: reason, Extended: op.ext.extended},
		Location: renv.Location(),
	})
}

// Context is the context of a reject action.
type Context struct {
	Reason   string
	Extended bool
}

// Action is the reject definition, shared by reject and ereject.
var Action result.ActionDef = rejectAction{}

type rejectAction struct{ result.ActionBase }

func (rejectAction) Name() string { return "reject" }

func (rejectAction) Flags() result.ActionFlags {
	return result.FlagSendsResponse | result.FlagCancelsKeep
}

func (rejectAction) CheckDuplicate(act, other *result.Action) (bool, error) {
	return false, fmt.Errorf("%s: duplicate reject/ereject action not allowed (previously triggered one was here: %s)",
		act.Location, other.Location)
}

func (rejectAction) CheckConflict(act, other *result.Action) error {
	flags := other.Def.Flags()
	if other.Def == Action || !(flags.Has(result.FlagTriesDeliver) || flags.Has(result.FlagSendsResponse)) {
		return nil
	}
	return fmt.Errorf("%s: reject/ereject action conflicts with other action: the %s action (%s) tries to deliver or respond to the message",
		act.Location, other.Def.Name(), other.Location)
}

func (rejectAction) Describe(act *result.Action) string {
	return fmt.Sprintf("reject message with reason: %s", reason(act))
}

func reason(act *result.Action) string {
	if c, ok := act.Context.(*Context); ok {
		return c.Reason
	}
	return ""
}

func (rejectAction) Execute(ctx context.Context, aenv *result.ActionEnv, act *result.Action) error {
	if aenv.Msg.Envelope.From == "" {
		return nil
	}
	if aenv.Env == nil || aenv.Env.Transport == nil {
		return sieve.Errorf(sieve.StatusFailure, "reject: no outbound transport")
	}
	return nil
}

func (rejectAction) Commit(ctx context.Context, aenv *result.ActionEnv, act *result.Action, keep *bool) error {
	msg := aenv.Msg
	sender := msg.Envelope.From
	aenv.Status.SignificantActionExecuted = true
	if sender == "" {
		logger.Info("Sieve: not sending rejection notice to null sender", "message_id", msg.ID)
		return nil
	}

	notice, err := Notice(aenv.Env, msg, reason(act))
	if err != nil {
		return sieve.Errorf(sieve.StatusFailure, "failed to compose rejection notice: %w", err)
	}
	if err := aenv.Env.Transport.Send(ctx, "", []string{sender}, notice); err != nil {
		return sieve.WithDefault(sieve.StatusTempFailure, fmt.Errorf("failed to send rejection notice to %s: %w", sender, err))
	}
	logger.Info("Sieve: rejected message", "to", sender, "message_id", msg.ID)
	return nil
}

// Notice composes the disposition notification sent for a rejected message.
func Notice(env *sieve.ExecEnv, msg *sieve.MessageData, reason string) ([]byte, error) {
	subject := "Rejected: " + msg.Header.Get("Subject")
	h := compose.Header(env, "Mail Delivery Subsystem <"+env.PostmasterAddress()+">", msg.Envelope.From, subject)
	h.Set("Auto-Submitted", "auto-replied (rejected)")
	h.Set("Precedence", "bulk")
	compose.InReplyTo(&h, msg)

	recipient := env.User
	if recipient == "" {
		recipient = msg.Envelope.To
	}
	explanation := fmt.Sprintf("Your message to <%s> was automatically rejected:\r\n%s\r\n", recipient, reason)
	fields := [][2]string{
		{"Reporting-UA", env.Hostname + "; sievevm"},
		{"Final-Recipient", "rfc822; " + recipient},
	}
	if msg.ID != "" {
		fields = append(fields, [2]string{"Original-Message-ID", msg.ID})
	}
	fields = append(fields, [2]string{"Disposition", "automatic-action/MDN-sent-automatically; deleted"})
	return compose.Report(h, explanation, fields, msg)
}
