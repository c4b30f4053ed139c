// Package duplicate implements the duplicate test (RFC 7352). The test is
// true when a message with the same unique id was seen before within the
// tracking period; the id is recorded when the result commits.
package duplicate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/migadu/sievevm/helpers"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/interp"
	"github.com/migadu/sievevm/sieve/result"
)

const Name = "duplicate"

// OpDuplicate: optional block.
const OpDuplicate byte = 0

// Optional operand codes of duplicate.
const (
	OptHandle   byte = 8  // string
	OptHeader   byte = 9  // string
	OptUniqueID byte = 10 // string
	OptSeconds  byte = 11 // number
	OptLast     byte = 12 // omitted
)

// Config bounds the tracking period.
type Config struct {
	DefaultPeriod time.Duration
	MaxPeriod     time.Duration
}

func DefaultConfig() Config {
	return Config{DefaultPeriod: 12 * time.Hour, MaxPeriod: 7 * 24 * time.Hour}
}

type extension struct {
	interp.ExtensionBase
	cfg Config
}

var Extension = New(DefaultConfig())

func New(cfg Config) interp.ExtensionDef {
	return &extension{cfg: cfg}
}

func (*extension) Name() string { return Name }

func (ext *extension) Operation(code byte) interp.Operation {
	if code == OpDuplicate {
		return duplicateOp{interp.Instr{Name: "DUPLICATE", Fields: []interp.Field{interp.FieldOptionals}}, ext}
	}
	return nil
}

// InterpreterLoad sets up the per-run cache of test outcomes; a message is
// only tested against the tracker once per id within one execution.
func (ext *extension) InterpreterLoad(ip *interp.Interpreter) error {
	ip.SetExtensionContext(ext, map[string]bool{})
	return nil
}

type duplicateOp struct {
	interp.Instr
	ext *extension
}

func (op duplicateOp) Execute(renv *interp.RunEnv, pc *int) error {
	r := renv.Reader()
	var handle, header, uniqueID string
	hasUniqueID, last := false, false
	period := op.ext.cfg.DefaultPeriod
	effects, err := renv.ReadOptionals(pc, func(code byte) (bool, error) {
		var err error
		switch code {
		case OptHandle:
			handle, err = r.String(pc)
		case OptHeader:
			header, err = r.String(pc)
		case OptUniqueID:
			uniqueID, err = r.String(pc)
			hasUniqueID = true
		case OptSeconds:
			var n uint64
			n, err = r.Number(pc)
			period = time.Duration(n) * time.Second
		case OptLast:
			last = true
			err = r.Skip(pc)
		default:
			return false, nil
		}
		return err == nil, err
	})
	if err != nil {
		return err
	}
	if len(effects) > 0 {
		return renv.Corrupt("side effect on a test")
	}
	if op.ext.cfg.MaxPeriod > 0 && period > op.ext.cfg.MaxPeriod {
		period = op.ext.cfg.MaxPeriod
	}

	value := uniqueID
	if !hasUniqueID {
		if header == "" {
			header = "Message-ID"
		}
		values := sieve.HeaderValues(renv.Msg.Header, header)
		if len(values) == 0 || values[0] == "" {
			renv.SetTestResult(false)
			return nil
		}
		value = values[0]
	}

	key := Key(renv.Env.User, handle, value)
	cache, _ := renv.ExtensionContext(op.ext).(map[string]bool)
	dup, cached := cache[string(key)]
	if !cached {
		dup = check(renv.Context(), renv.Env, key)
		if cache != nil {
			cache[string(key)] = dup
		}
	}
	renv.SetTestResult(dup)

	if renv.Env.Duplicates == nil || (dup && !last) {
		return nil
	}
	return renv.Result.AddAction(result.ActionRequest{
		Ext:      Name,
		Def:      Mark,
		Context:  &MarkContext{Key: key, Period: period},
		Location: renv.Location(),
	})
}

// Key identifies a tracked id of user under handle.
func Key(user, handle, value string) []byte {
	return helpers.HashKey("duplicate", strings.ToLower(user), handle, value)
}

func check(ctx context.Context, env *sieve.ExecEnv, key []byte) bool {
	if env.Duplicates == nil {
		return false
	}
	dup, err := env.Duplicates.Check(ctx, key)
	switch {
	case err != nil:
		metrics.DuplicateChecks.WithLabelValues("error").Inc()
		logger.Warn("Sieve: duplicate tracker lookup failed", "error", err)
		return false
	case dup:
		metrics.DuplicateChecks.WithLabelValues("duplicate").Inc()
	default:
		metrics.DuplicateChecks.WithLabelValues("new").Inc()
	}
	return dup
}

// MarkContext is the context of a mark action.
type MarkContext struct {
	Key    []byte
	Period time.Duration
}

// Mark records an id in the tracker when the result commits. It neither
// delivers the message nor affects the implicit keep.
var Mark result.ActionDef = markAction{}

type markAction struct{ result.ActionBase }

func (markAction) Name() string { return "duplicate_mark" }

func (markAction) CheckDuplicate(act, other *result.Action) (bool, error) {
	a, b := act.Context.(*MarkContext), other.Context.(*MarkContext)
	if string(a.Key) != string(b.Key) {
		return false, nil
	}
	if a.Period > b.Period {
		b.Period = a.Period
	}
	return true, nil
}

func (markAction) Describe(act *result.Action) string {
	mc := act.Context.(*MarkContext)
	return fmt.Sprintf("track duplicate id %x for %s", mc.Key[:6], mc.Period)
}

func (markAction) Commit(ctx context.Context, aenv *result.ActionEnv, act *result.Action, keep *bool) error {
	mc := act.Context.(*MarkContext)
	if aenv.Env.Duplicates == nil {
		return nil
	}
	if err := aenv.Env.Duplicates.Mark(ctx, mc.Key, aenv.Env.Time().Add(mc.Period)); err != nil {
		logger.Warn("Sieve: failed to record duplicate id", "error", err)
	}
	return nil
}
