package result

import (
	"context"
	"sort"

	"github.com/migadu/sievevm/sieve"
)

// ActionFlags describe what an action does to the message.
type ActionFlags uint

const (
	// FlagTriesDeliver marks actions that deliver the message somewhere
	// (store, redirect).
	FlagTriesDeliver ActionFlags = 1 << iota
	// FlagSendsResponse marks actions that send a message back to the
	// sender (reject, vacation).
	FlagSendsResponse
	// FlagStore marks mail storage actions. They are committed in the first
	// pass, before every other action.
	FlagStore
	// FlagCancelsKeep marks actions whose successful commit cancels the
	// implicit keep.
	FlagCancelsKeep
)

func (f ActionFlags) Has(flag ActionFlags) bool {
	return f&flag != 0
}

// ActionEnv is handed to every action and side effect hook.
type ActionEnv struct {
	Env    *sieve.ExecEnv
	Msg    *sieve.MessageData
	Status *ExecStatus
	Flags  ExecFlags
}

// ActionDef is the behavior of one kind of action. Definitions are stateless
// values shared by every execution; per-action state lives in Action.Context
// and Action.Tr. Embed ActionBase to get no-op defaults.
type ActionDef interface {
	Name() string
	Flags() ActionFlags

	// CheckDuplicate reports whether other, an already pending action of the
	// same definition, makes act redundant. An error vetoes act.
	CheckDuplicate(act, other *Action) (bool, error)
	// CheckConflict vetoes act when it cannot coexist with other. It is
	// consulted in both directions for every pending action.
	CheckConflict(act, other *Action) error

	// Describe renders the action for dry runs and logs.
	Describe(act *Action) string

	Start(ctx context.Context, aenv *ActionEnv, act *Action) error
	Execute(ctx context.Context, aenv *ActionEnv, act *Action) error
	Commit(ctx context.Context, aenv *ActionEnv, act *Action, keep *bool) error
	// Rollback undoes a started action. success tells whether execute
	// completed before the rollback was decided.
	Rollback(ctx context.Context, aenv *ActionEnv, act *Action, success bool) error
	// Finish runs once for every action when the result is done with it.
	Finish(ctx context.Context, aenv *ActionEnv, act *Action, status sieve.Status)
}

// ActionBase provides no-op hooks.
type ActionBase struct{}

func (ActionBase) Flags() ActionFlags { return 0 }
func (ActionBase) CheckDuplicate(act, other *Action) (bool, error) { return false, nil }
func (ActionBase) CheckConflict(act, other *Action) error { return nil }
func (ActionBase) Describe(act *Action) string { return act.Def.Name() }

func (ActionBase) Start(ctx context.Context, aenv *ActionEnv, act *Action) error { return nil }
func (ActionBase) Execute(ctx context.Context, aenv *ActionEnv, act *Action) error { return nil }
func (ActionBase) Commit(ctx context.Context, aenv *ActionEnv, act *Action, keep *bool) error {
	return nil
}
func (ActionBase) Rollback(ctx context.Context, aenv *ActionEnv, act *Action, success bool) error {
	return nil
}
func (ActionBase) Finish(ctx context.Context, aenv *ActionEnv, act *Action, status sieve.Status) {}

// SideEffectDef modifies the execution of the action it is attached to.
// Embed SideEffectBase to get no-op defaults.
type SideEffectDef interface {
	Name() string
	// Precedence orders side effects on an action, lowest first.
	Precedence() int
	// Merge combines two registrations of this side effect on one action and
	// returns the resulting context.
	Merge(act *Action, old, new any) any

	PreExecute(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect) error
	PostExecute(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect) error
	PostCommit(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect, keep *bool) error
	Rollback(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect, success bool)
}

// KeepPreserver is implemented by side effects that restore the implicit
// keep after their action commits.
type KeepPreserver interface {
	PreservesKeep() bool
}

// Snapshotter is implemented by implicit side effect contexts that change
// while the script runs. The value attached to an action is the snapshot
// taken when the action is added.
type Snapshotter interface {
	Snapshot() any
}

type SideEffectBase struct{}

func (SideEffectBase) Precedence() int { return 0 }
func (SideEffectBase) Merge(act *Action, old, new any) any { return new }
func (SideEffectBase) PreExecute(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect) error {
	return nil
}
func (SideEffectBase) PostExecute(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect) error {
	return nil
}
func (SideEffectBase) PostCommit(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect, keep *bool) error {
	return nil
}
func (SideEffectBase) Rollback(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect, success bool) {
}

// SideEffect is one side effect attached to an action.
type SideEffect struct {
	Def     SideEffectDef
	Context any
}

// Action is a pending action owned by a Result.
type Action struct {
	Ext         string // owning extension, empty for core
	Def         ActionDef
	Context     any
	SideEffects []*SideEffect
	Location    sieve.Location
	Keep        bool
	Executed    bool
	Mail        *sieve.MessageData

	// Tr holds the transaction state between Start and Commit/Rollback.
	Tr any
}

func (a *Action) String() string {
	return a.Def.Describe(a)
}

// SideEffect returns the side effect of the given definition, if attached.
func (a *Action) SideEffect(def SideEffectDef) *SideEffect {
	for _, se := range a.SideEffects {
		if se.Def == def {
			return se
		}
	}
	return nil
}

// addSideEffect attaches se, merging it with a side effect of the same kind
// already attached. The list stays sorted by precedence.
func (a *Action) addSideEffect(se *SideEffect) {
	if old := a.SideEffect(se.Def); old != nil {
		old.Context = se.Def.Merge(a, old.Context, se.Context)
		return
	}
	a.SideEffects = append(a.SideEffects, se)
	sort.SliceStable(a.SideEffects, func(i, j int) bool {
		return a.SideEffects[i].Def.Precedence() < a.SideEffects[j].Def.Precedence()
	})
}

func (a *Action) mergeSideEffects(list []*SideEffect) {
	for _, se := range list {
		a.addSideEffect(&SideEffect{Def: se.Def, Context: se.Context})
	}
}

// preservesKeep reports whether a side effect restores the implicit keep.
func (a *Action) preservesKeep() bool {
	for _, se := range a.SideEffects {
		if kp, ok := se.Def.(KeepPreserver); ok && kp.PreservesKeep() {
			return true
		}
	}
	return false
}
