package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/sievevm/consts"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/result"
)

// Action definitions of the core language. The store definition is also
// used by fileinto and for the implicit keep.
var (
	Store    result.ActionDef = storeAction{}
	Discard  result.ActionDef = discardAction{}
	Redirect result.ActionDef = redirectAction{}
)

// StoreContext is the context of a store action.
type StoreContext struct {
	Mailbox string
}

// StoreTransaction is the state of a store action between Start and
// Commit. Side effects adjust it from their PreExecute hooks.
type StoreTransaction struct {
	Mailbox string
	Flags   []string
	Create  bool

	tx sieve.StoreTx
}

// SameMailbox compares mailbox names; INBOX is case-insensitive.
func SameMailbox(a, b string) bool {
	if strings.EqualFold(a, "INBOX") {
		return strings.EqualFold(b, "INBOX")
	}
	return a == b
}

type storeAction struct{ result.ActionBase }

func (storeAction) Name() string { return "store" }

func (storeAction) Flags() result.ActionFlags {
	return result.FlagTriesDeliver | result.FlagStore | result.FlagCancelsKeep
}

func (storeAction) CheckDuplicate(act, other *result.Action) (bool, error) {
	return SameMailbox(storeMailbox(act), storeMailbox(other)), nil
}

func (storeAction) Describe(act *result.Action) string {
	if act.Keep {
		return "keep"
	}
	return fmt.Sprintf("store message in folder: %s", storeMailbox(act))
}

func storeMailbox(act *result.Action) string {
	if sc, ok := act.Context.(*StoreContext); ok && sc.Mailbox != "" {
		return sc.Mailbox
	}
	return "INBOX"
}

// Transaction returns the transaction of a started store action.
func Transaction(act *result.Action) *StoreTransaction {
	tr, _ := act.Tr.(*StoreTransaction)
	return tr
}

func (storeAction) Start(ctx context.Context, aenv *result.ActionEnv, act *result.Action) error {
	act.Tr = &StoreTransaction{Mailbox: storeMailbox(act)}
	return nil
}

func (storeAction) Execute(ctx context.Context, aenv *result.ActionEnv, act *result.Action) error {
	tr := Transaction(act)
	if aenv.Env == nil || aenv.Env.Store == nil {
		return sieve.Errorf(sieve.StatusFailure, "no mail store available to save into %s", tr.Mailbox)
	}
	tx, err := aenv.Env.Store.Open(ctx, tr.Mailbox, tr.Create)
	if err != nil {
		return storeError(tr.Mailbox, err)
	}
	tr.tx = tx
	raw := aenv.Msg.Raw
	if act.Mail != nil {
		raw = act.Mail.Raw
	}
	if err := tx.Save(ctx, raw, tr.Flags); err != nil {
		return storeError(tr.Mailbox, err)
	}
	return nil
}

// storeError classifies a mail store failure. Missing mailboxes and
// permission problems are permanent; everything else may go away on retry.
func storeError(mailbox string, err error) error {
	if errors.Is(err, consts.ErrMailboxNotFound) || errors.Is(err, consts.ErrNotPermitted) {
		return sieve.Errorf(sieve.StatusFailure, "failed to store into mailbox %q: %w", mailbox, err)
	}
	return sieve.WithDefault(sieve.StatusTempFailure, fmt.Errorf("failed to store into mailbox %q: %w", mailbox, err))
}

func (storeAction) Commit(ctx context.Context, aenv *result.ActionEnv, act *result.Action, keep *bool) error {
	tr := Transaction(act)
	if err := tr.tx.Commit(ctx); err != nil {
		return storeError(tr.Mailbox, err)
	}
	tr.tx = nil
	aenv.Status.MessageSaved = true
	aenv.Status.LastStorage = tr.Mailbox
	aenv.Status.SignificantActionExecuted = true
	logger.Info("Sieve: stored message", "mailbox", tr.Mailbox, "message_id", aenv.Msg.ID, "flags", tr.Flags)
	return nil
}

func (storeAction) Rollback(ctx context.Context, aenv *result.ActionEnv, act *result.Action, success bool) error {
	tr := Transaction(act)
	if tr == nil {
		return nil
	}
	if !success {
		aenv.Status.StoreFailed = true
	}
	if tr.tx == nil {
		return nil
	}
	tx := tr.tx
	tr.tx = nil
	return tx.Rollback(ctx)
}

type discardAction struct{ result.ActionBase }

func (discardAction) Name() string { return "discard" }

func (discardAction) Flags() result.ActionFlags { return result.FlagCancelsKeep }

func (discardAction) CheckDuplicate(act, other *result.Action) (bool, error) { return true, nil }

func (discardAction) Describe(act *result.Action) string { return "discard" }

func (discardAction) Commit(ctx context.Context, aenv *result.ActionEnv, act *result.Action, keep *bool) error {
	aenv.Status.SignificantActionExecuted = true
	logger.Info("Sieve: marked message to be discarded if not explicitly delivered", "message_id", aenv.Msg.ID)
	return nil
}

// RedirectContext is the context of a redirect action.
type RedirectContext struct {
	Address string
}

// RedirectedHeader marks messages a script redirected, so that a script
// redirecting back to its own user does not loop.
const RedirectedHeader = "X-Sieve-Redirected-From"

type redirectAction struct{ result.ActionBase }

func (redirectAction) Name() string { return "redirect" }

func (redirectAction) Flags() result.ActionFlags {
	return result.FlagTriesDeliver | result.FlagCancelsKeep
}

func (redirectAction) CheckDuplicate(act, other *result.Action) (bool, error) {
	return strings.EqualFold(redirectAddress(act), redirectAddress(other)), nil
}

func (redirectAction) Describe(act *result.Action) string {
	return fmt.Sprintf("redirect message to: %s", redirectAddress(act))
}

func redirectAddress(act *result.Action) string {
	if rc, ok := act.Context.(*RedirectContext); ok {
		return rc.Address
	}
	return ""
}

func (redirectAction) Execute(ctx context.Context, aenv *result.ActionEnv, act *result.Action) error {
	if aenv.Env == nil || aenv.Env.Transport == nil {
		return sieve.Errorf(sieve.StatusFailure, "redirect to %s: no outbound transport", redirectAddress(act))
	}
	return nil
}

func (redirectAction) Commit(ctx context.Context, aenv *result.ActionEnv, act *result.Action, keep *bool) error {
	to := redirectAddress(act)
	msg := aenv.Msg
	if act.Mail != nil {
		msg = act.Mail
	}
	for _, v := range msg.Header.Values(RedirectedHeader) {
		if aenv.Env.User != "" && strings.EqualFold(strings.TrimSpace(v), aenv.Env.User) && aenv.Env.IsUser(to) {
			logger.Info("Sieve: discarded duplicate forward", "to", to, "message_id", msg.ID)
			aenv.Status.SignificantActionExecuted = true
			return nil
		}
	}

	var buf bytes.Buffer
	if aenv.Env.User != "" {
		fmt.Fprintf(&buf, "%s: %s\r\n", RedirectedHeader, aenv.Env.User)
	}
	buf.Write(msg.Raw)

	if err := aenv.Env.Transport.Send(ctx, msg.Envelope.From, []string{to}, buf.Bytes()); err != nil {
		return sieve.WithDefault(sieve.StatusTempFailure, fmt.Errorf("failed to redirect message to %s: %w", to, err))
	}
	aenv.Status.MessageForwarded = true
	aenv.Status.SignificantActionExecuted = true
	logger.Info("Sieve: forwarded message", "to", to, "message_id", msg.ID)
	return nil
}
