// Package vacation implements the vacation (RFC 5230) and vacation-seconds
// (RFC 6131) extensions: automatic replies, sent at most once per sender
// and period.
package vacation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/migadu/sievevm/helpers"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/ext/internal/compose"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/match"
	"github.com/migadu/sievevm/sieve/result"
)

const Name = "vacation"

// OpVacation: optional block, reason.
const OpVacation byte = 0

// Optional operand codes of vacation.
const (
	OptDays      byte = 8  // number
	OptSubject   byte = 9  // string
	OptFrom      byte = 10 // string
	OptAddresses byte = 11 // string-list
	OptMime      byte = 12 // omitted
	OptHandle    byte = 13 // string
	OptSeconds   byte = 14 // number
)

// Config bounds the response period a script may ask for.
type Config struct {
	MinPeriod     time.Duration
	DefaultPeriod time.Duration
	MaxPeriod     time.Duration
}

// DefaultConfig matches the configuration defaults.
func DefaultConfig() Config {
	return Config{
		MinPeriod:     24 * time.Hour,
		DefaultPeriod: 7 * 24 * time.Hour,
		MaxPeriod:     90 * 24 * time.Hour,
	}
}

type extension struct {
	interp.ExtensionBase
	cfg Config
}

// Extension uses DefaultConfig.
var Extension = New(DefaultConfig())

// New creates the extension with the given period bounds.
func New(cfg Config) interp.ExtensionDef {
	if cfg.MaxPeriod > 0 && cfg.MaxPeriod < cfg.MinPeriod {
		cfg.MaxPeriod = cfg.MinPeriod
	}
	return &extension{cfg: cfg}
}

func (*extension) Name() string { return Name }

// Deferred: RunStart only runs once a vacation command executes.
func (*extension) Deferred() bool { return true }

func (ext *extension) Operation(code byte) interp.Operation {
	if code == OpVacation {
		return vacationOp{interp.Instr{Name: "VACATION", Fields: []interp.Field{interp.FieldOptionals, interp.FieldOperand}}, ext}
	}
	return nil
}

// runState holds the recipient addresses of the message being filtered.
type runState struct {
	recipients []string
}

func (ext *extension) RunStart(renv *interp.RunEnv) error {
	st := &runState{}
	for _, a := range []string{renv.Env.User, renv.Msg.Envelope.To, renv.Msg.Envelope.OrigTo} {
		if a != "" {
			st.recipients = append(st.recipients, strings.ToLower(a))
		}
	}
	renv.Interp().SetExtensionContext(ext, st)
	return nil
}

// Context is the context of a vacation action.
type Context struct {
	Reason    string
	Subject   string
	From      string
	Addresses []string
	Mime      bool
	Handle    string
	Period    time.Duration

	// Recipients are the addresses the user receives mail at.
	Recipients []string
}

type vacationOp struct {
	interp.Instr
	ext *extension
}

func (op vacationOp) Execute(renv *interp.RunEnv, pc *int) error {
	r := renv.Reader()
	vc := &Context{}
	period := op.ext.cfg.DefaultPeriod
	explicitHandle := false
	effects, err := renv.ReadOptionals(pc, func(code byte) (bool, error) {
		var err error
		switch code {
		case OptDays, OptSeconds:
			var n uint64
			if n, err = r.Number(pc); err != nil {
				return false, err
			}
			unit := time.Second
			if code == OptDays {
				unit = 24 * time.Hour
			}
			period = time.Duration(n) * unit
		case OptSubject:
			vc.Subject, err = r.String(pc)
		case OptFrom:
			vc.From, err = r.String(pc)
		case OptAddresses:
			list, lerr := r.StringList(pc)
			if lerr != nil {
				return false, lerr
			}
			vc.Addresses, err = list.Strings()
		case OptMime:
			vc.Mime = true
			err = r.Skip(pc)
		case OptHandle:
			vc.Handle, err = r.String(pc)
			explicitHandle = true
		default:
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return err
	}
	if vc.Reason, err = r.String(pc); err != nil {
		return err
	}

	if vc.From != "" {
		if _, err := mail.ParseAddress(vc.From); err != nil {
			return sieve.Errorf(sieve.StatusFailure, "%s: specified :from address %q is invalid for vacation action: %v", renv.Location(), vc.From, err)
		}
	}
	vc.Period = op.ext.clamp(period)
	if !explicitHandle {
		vc.Handle = strings.Join([]string{vc.Subject, vc.From, strconv.FormatBool(vc.Mime), vc.Reason}, "\x00")
	}
	if st, ok := renv.ExtensionContext(op.ext).(*runState); ok {
		vc.Recipients = st.recipients
	}
	return renv.Result.AddAction(result.ActionRequest{
		Ext:         Name,
		Def:         Action,
		Context:     vc,
		SideEffects: effects,
		Location:    renv.Location(),
	})
}

func (ext *extension) clamp(d time.Duration) time.Duration {
	if d < ext.cfg.MinPeriod {
		return ext.cfg.MinPeriod
	}
	if ext.cfg.MaxPeriod > 0 && d > ext.cfg.MaxPeriod {
		return ext.cfg.MaxPeriod
	}
	return d
}

// Action is the vacation definition.
var Action result.ActionDef = vacationAction{}

type vacationAction struct{ result.ActionBase }

func (vacationAction) Name() string { return "vacation" }

func (vacationAction) Flags() result.ActionFlags { return result.FlagSendsResponse }

// CheckDuplicate makes the first vacation of a result the only one.
func (vacationAction) CheckDuplicate(act, other *result.Action) (bool, error) {
	return true, nil
}

func (vacationAction) Describe(act *result.Action) string {
	vc, _ := act.Context.(*Context)
	if vc == nil {
		return "send vacation message"
	}
	return fmt.Sprintf("send vacation message (period %s): %s", vc.Period, firstLine(vc.Reason))
}

func firstLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return s[:i] + "..."
	}
	return s
}

var listHeaders = []string{"List-Id", "List-Owner", "List-Unsubscribe", "List-Post", "List-Help", "List-Subscribe"}

var recipientHeaders = []string{"To", "Cc", "Bcc", "Resent-To", "Resent-Cc"}

// skipReason tells why no reply is sent, or returns "" when one is due.
func skipReason(msg *sieve.MessageData, vc *Context) string {
	sender := msg.Envelope.From
	if sender == "" {
		return "null sender"
	}
	own := append(append([]string(nil), vc.Recipients...), vc.Addresses...)
	for _, a := range own {
		if strings.EqualFold(a, sender) {
			return "sender is the user"
		}
	}
	if helpers.IsSystemAddress(sender) {
		return "sender is a system address"
	}
	if v := strings.ToLower(strings.TrimSpace(msg.Header.Get("Auto-Submitted"))); v != "" && v != "no" {
		return "message was auto-submitted"
	}
	for _, h := range listHeaders {
		if msg.Header.Has(h) {
			return "message is from a mailing list"
		}
	}
	switch strings.ToLower(strings.TrimSpace(msg.Header.Get("Precedence"))) {
	case "bulk", "list", "junk":
		return "message is bulk mail"
	}
	for _, h := range recipientHeaders {
		for _, v := range sieve.HeaderValues(msg.Header, h) {
			for _, a := range match.ParseAddresses(v) {
				for _, o := range own {
					if strings.EqualFold(a, o) {
						return ""
					}
				}
			}
		}
	}
	return "user is not a recipient of the message"
}

// TrackingKey identifies replies to sender under handle for user.
func TrackingKey(user, sender, handle string) []byte {
	return helpers.HashKey("vacation", strings.ToLower(user), strings.ToLower(sender), handle)
}

func (vacationAction) Commit(ctx context.Context, aenv *result.ActionEnv, act *result.Action, keep *bool) error {
	vc := act.Context.(*Context)
	env, msg := aenv.Env, aenv.Msg
	sender := msg.Envelope.From

	if reason := skipReason(msg, vc); reason != "" {
		logger.Info("Sieve: vacation response not sent", "reason", reason, "sender", sender, "message_id", msg.ID)
		return nil
	}
	key := TrackingKey(env.User, sender, vc.Handle)
	if env.Duplicates != nil {
		seen, err := env.Duplicates.Check(ctx, key)
		if err != nil {
			logger.Warn("Sieve: vacation tracking lookup failed", "sender", sender, "error", err)
		} else if seen {
			logger.Info("Sieve: vacation response not sent", "reason", "already responded in period", "sender", sender, "message_id", msg.ID)
			return nil
		}
	}
	if env.Transport == nil {
		logger.Warn("Sieve: vacation response not sent", "reason", "no outbound transport", "sender", sender)
		return nil
	}

	reply, err := Reply(env, msg, vc)
	if err != nil {
		logger.Warn("Sieve: failed to compose vacation response", "error", err)
		return nil
	}
	// Send failures are logged only: the message itself is handled by the
	// other actions and must not end up in the failure keep because of this.
	if err := env.Transport.Send(ctx, "", []string{sender}, reply); err != nil {
		logger.Warn("Sieve: failed to send vacation response", "to", sender, "error", err)
		return nil
	}
	if env.Duplicates != nil {
		if err := env.Duplicates.Mark(ctx, key, env.Time().Add(vc.Period)); err != nil {
			logger.Warn("Sieve: failed to record vacation response", "to", sender, "error", err)
		}
	}
	logger.Info("Sieve: sent vacation response", "to", sender, "message_id", msg.ID)
	return nil
}

// Reply composes the vacation response to msg.
func Reply(env *sieve.ExecEnv, msg *sieve.MessageData, vc *Context) ([]byte, error) {
	from := vc.From
	if from == "" {
		from = env.User
		if from == "" && len(vc.Recipients) > 0 {
			from = vc.Recipients[0]
		}
	}
	subject := vc.Subject
	if subject == "" {
		orig := sieve.HeaderValues(msg.Header, "Subject")
		s := ""
		if len(orig) > 0 {
			s = orig[0]
		}
		subject = helpers.ReplySubject(s)
	}
	h := compose.Header(env, from, msg.Envelope.From, helpers.HeaderText(subject))
	h.Set("Auto-Submitted", "auto-replied (vacation)")
	h.Set("X-Auto-Response-Suppress", "All")
	h.Set("Precedence", "bulk")
	compose.InReplyTo(&h, msg)
	if vc.Mime {
		return compose.Raw(h, vc.Reason)
	}
	return compose.Text(h, vc.Reason)
}
