// Package result accumulates the actions a script run produces and commits
// them as one transaction, falling back to the implicit keep.
package result

import (
	"fmt"

	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/sieve"
)

// Limits bound what a script may ask for.
type Limits struct {
	MaxActions   int // 0 means unlimited
	MaxRedirects int
}

// DefaultLimits match the configuration defaults.
var DefaultLimits = Limits{MaxActions: 32, MaxRedirects: 4}

// ActionRequest is the input of AddAction.
type ActionRequest struct {
	Ext         string
	Def         ActionDef
	SideEffects []*SideEffect
	Context     any
	Location    sieve.Location

	// InstanceLimit caps how many actions of Def may be pending; 0 means
	// unlimited.
	InstanceLimit int
	// PreserveMail attaches the message as it is now to the action.
	PreserveMail bool
	Keep         bool
}

type implicitSideEffect struct {
	def     ActionDef
	se      SideEffectDef
	context any
}

type keepAction struct {
	def     ActionDef
	context any
}

// Result is the set of pending actions of one execution, or of a chain of
// script executions sharing it. It is not safe for concurrent use.
type Result struct {
	env    *sieve.ExecEnv
	msg    *sieve.MessageData
	limits Limits

	actions  []*Action
	implicit []implicitSideEffect

	keep        keepAction
	failureKeep keepAction
	status      ExecStatus
	committed   bool
}

// New creates an empty result for msg. The keep action must be configured
// with SetKeepAction before Commit or AddKeep is used.
func New(env *sieve.ExecEnv, msg *sieve.MessageData, limits Limits) *Result {
	if env == nil {
		env = &sieve.ExecEnv{}
	}
	return &Result{env: env, msg: msg, limits: limits}
}

func (r *Result) Env() *sieve.ExecEnv { return r.env }
func (r *Result) Message() *sieve.MessageData { return r.msg }
func (r *Result) Limits() Limits { return r.limits }
func (r *Result) Status() ExecStatus { return r.status }
func (r *Result) Actions() []*Action { return r.actions }
func (r *Result) Committed() bool { return r.committed }

// SetKeepAction configures the action used for keep and the implicit keep.
// It also becomes the failure keep unless SetFailureKeepAction was called.
func (r *Result) SetKeepAction(def ActionDef, context any) {
	r.keep = keepAction{def: def, context: context}
	if r.failureKeep.def == nil {
		r.failureKeep = r.keep
	}
}

// SetFailureKeepAction configures the action used when the regular actions
// failed permanently.
func (r *Result) SetFailureKeepAction(def ActionDef, context any) {
	r.failureKeep = keepAction{def: def, context: context}
}

// KeepAction returns the configured keep definition.
func (r *Result) KeepAction() ActionDef {
	return r.keep.def
}

// KeepContext returns the context of the configured keep.
func (r *Result) KeepContext() any {
	return r.keep.context
}

// AddImplicitSideEffect attaches se to every action of def added from now on
// and to the implicit keep when def is the keep action.
func (r *Result) AddImplicitSideEffect(def ActionDef, se SideEffectDef, context any) {
	for i := range r.implicit {
		if r.implicit[i].def == def && r.implicit[i].se == se {
			r.implicit[i].context = context
			return
		}
	}
	r.implicit = append(r.implicit, implicitSideEffect{def: def, se: se, context: context})
}

// AddKeep adds an explicit keep.
func (r *Result) AddKeep(sideEffects []*SideEffect, loc sieve.Location) error {
	if r.keep.def == nil {
		return sieve.Errorf(sieve.StatusFailure, "no keep action configured")
	}
	return r.AddAction(ActionRequest{
		Def:         r.keep.def,
		Context:     r.keep.context,
		SideEffects: sideEffects,
		Location:    loc,
		Keep:        true,
	})
}

// AddAction registers an action. A keep merges into a pending keep and a
// duplicate merges into the pending action it duplicates; a conflict or an
// exceeded limit fails the request without changing the result.
func (r *Result) AddAction(req ActionRequest) error {
	if r.committed {
		return sieve.Errorf(sieve.StatusFailure, "result already committed")
	}
	act := &Action{
		Ext:      req.Ext,
		Def:      req.Def,
		Context:  req.Context,
		Location: req.Location,
		Keep:     req.Keep,
	}
	for _, se := range req.SideEffects {
		act.addSideEffect(&SideEffect{Def: se.Def, Context: se.Context})
	}

	if req.Keep {
		for _, other := range r.actions {
			if other.Keep && !other.Executed {
				other.mergeSideEffects(act.SideEffects)
				other.Context = act.Context
				other.Location = act.Location
				return nil
			}
		}
	}

	instances := 0
	for _, other := range r.actions {
		if other.Executed || other.Def != act.Def {
			continue
		}
		dup, err := act.Def.CheckDuplicate(act, other)
		if err != nil {
			return sieve.Wrap(sieve.StatusFailure, err)
		}
		if dup {
			other.mergeSideEffects(act.SideEffects)
			if act.Keep {
				other.Keep = true
			}
			return nil
		}
		instances++
	}

	for _, other := range r.actions {
		if other.Executed {
			continue
		}
		if err := act.Def.CheckConflict(act, other); err != nil {
			return sieve.Wrap(sieve.StatusFailure, err)
		}
		if err := other.Def.CheckConflict(other, act); err != nil {
			return sieve.Wrap(sieve.StatusFailure, err)
		}
	}

	if r.limits.MaxActions > 0 && r.pending() >= r.limits.MaxActions {
		return sieve.Errorf(sieve.StatusFailure, "total number of actions exceeds policy limit (%d > %d)",
			r.pending()+1, r.limits.MaxActions)
	}
	if req.InstanceLimit > 0 && instances >= req.InstanceLimit {
		return sieve.Errorf(sieve.StatusFailure, "number of %s actions exceeds policy limit (%d > %d)",
			act.Def.Name(), instances+1, req.InstanceLimit)
	}

	r.attachImplicit(act)
	if req.PreserveMail {
		act.Mail = r.msg
	}
	r.actions = append(r.actions, act)
	logger.Debug("Sieve: action added", "action", act.Def.Name(), "location", act.Location.String())
	return nil
}

func (r *Result) attachImplicit(act *Action) {
	for _, imp := range r.implicit {
		if imp.def != act.Def || act.SideEffect(imp.se) != nil {
			continue
		}
		ctx := imp.context
		if s, ok := ctx.(Snapshotter); ok {
			ctx = s.Snapshot()
		}
		act.addSideEffect(&SideEffect{Def: imp.se, Context: ctx})
	}
}

func (r *Result) pending() int {
	n := 0
	for _, a := range r.actions {
		if !a.Executed {
			n++
		}
	}
	return n
}

// ImplicitKeepPending reports whether, going by the pending actions, the
// implicit keep would still apply after commit.
func (r *Result) ImplicitKeepPending() bool {
	for _, a := range r.actions {
		if a.Def.Flags().Has(FlagCancelsKeep) && !a.preservesKeep() {
			return false
		}
	}
	return true
}

// TriesDelivery reports whether any action delivers the message somewhere.
func (r *Result) TriesDelivery() bool {
	for _, a := range r.actions {
		if a.Def.Flags().Has(FlagTriesDeliver) {
			return true
		}
	}
	return false
}

// ExecutedDelivery reports whether a delivering action was committed.
func (r *Result) ExecutedDelivery() bool {
	for _, a := range r.actions {
		if a.Executed && a.Def.Flags().Has(FlagTriesDeliver) {
			return true
		}
	}
	return false
}

// Describe lists the pending actions and the implicit keep for dry runs.
func (r *Result) Describe() []string {
	lines := make([]string, 0, len(r.actions)+1)
	for _, a := range r.actions {
		line := a.String()
		for _, se := range a.SideEffects {
			line += fmt.Sprintf(" +%s", se.Def.Name())
		}
		if a.Location.Script != "" {
			line += " (" + a.Location.String() + ")"
		}
		lines = append(lines, line)
	}
	if r.ImplicitKeepPending() {
		lines = append(lines, "implicit keep")
	}
	return lines
}
