package result

import (
	"context"
	"errors"

	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/sieve"
)

func (r *Result) actionEnv(flags ExecFlags) *ActionEnv {
	return &ActionEnv{Env: r.env, Msg: r.msg, Status: &r.status, Flags: flags}
}

// Commit executes every pending action. Storage actions go first. The first
// failing action is rolled back and stops the commit; actions committed
// before it stay committed. Afterwards the implicit keep runs if no action
// canceled it, or the failure keep if an action failed permanently. A
// temporary failure is returned as is, without any keep, so the message can
// be redelivered.
func (r *Result) Commit(ctx context.Context, flags ExecFlags) error {
	if r.committed {
		return sieve.Errorf(sieve.StatusFailure, "result already committed")
	}
	r.committed = true
	aenv := r.actionEnv(flags)

	keep := true
	var failed error
	done := make(map[*Action]sieve.Status, len(r.actions))

	for _, storePass := range []bool{true, false} {
		for _, act := range r.actions {
			if failed != nil {
				break
			}
			if act.Executed || act.Def.Flags().Has(FlagStore) != storePass {
				continue
			}
			if err := r.runAction(ctx, aenv, act, &keep); err != nil {
				failed = err
				done[act] = sieve.StatusOf(err)
				break
			}
			done[act] = sieve.StatusOk
		}
	}

	status := sieve.StatusOf(failed)
	if !flags.Has(ExecFlagNoFinish) {
		for _, act := range r.actions {
			st, ok := done[act]
			if !ok {
				if act.Executed {
					continue
				}
				st = status
			}
			act.Def.Finish(ctx, aenv, act, st)
		}
	}

	switch {
	case status == sieve.StatusTempFailure:
		logger.Warn("Sieve: temporary failure while committing actions", "error", failed)
		return failed
	case failed != nil:
		logger.Warn("Sieve: action failed, falling back to keep", "error", failed)
		if err := r.runKeep(ctx, aenv, r.failureKeep, false); err != nil {
			return sieve.Wrap(sieve.StatusKeepFailed, errors.Join(failed, err))
		}
		r.status.ImplicitKeep = ImplicitKeepFailure
		metrics.SieveImplicitKeeps.WithLabelValues(string(ImplicitKeepFailure)).Inc()
		return failed
	case keep && !flags.Has(ExecFlagDeferKeep):
		if err := r.runKeep(ctx, aenv, r.keep, true); err != nil {
			return sieve.Wrap(sieve.StatusKeepFailed, err)
		}
		r.status.ImplicitKeep = ImplicitKeepDefault
		metrics.SieveImplicitKeeps.WithLabelValues(string(ImplicitKeepDefault)).Inc()
	}
	return nil
}

// ExecuteKeep runs only the implicit keep, ignoring pending actions. It is
// used when a script could not be run at all.
func (r *Result) ExecuteKeep(ctx context.Context) error {
	if r.committed {
		return sieve.Errorf(sieve.StatusFailure, "result already committed")
	}
	r.committed = true
	if err := r.runKeep(ctx, r.actionEnv(0), r.keep, true); err != nil {
		return sieve.Wrap(sieve.StatusKeepFailed, err)
	}
	r.status.ImplicitKeep = ImplicitKeepDefault
	metrics.SieveImplicitKeeps.WithLabelValues(string(ImplicitKeepDefault)).Inc()
	return nil
}

// Rollback abandons every pending action without committing any of them.
func (r *Result) Rollback(ctx context.Context) {
	aenv := r.actionEnv(0)
	for _, act := range r.actions {
		if act.Executed {
			continue
		}
		r.rollbackAction(ctx, aenv, act, false)
		act.Def.Finish(ctx, aenv, act, sieve.StatusFailure)
	}
	r.committed = true
}

// Abort rolls the result back after the script run failed with cause. For
// temporary failures nothing else happens; otherwise the failure keep makes
// sure the message is not lost.
func (r *Result) Abort(ctx context.Context, cause error) error {
	if r.committed {
		return cause
	}
	r.Rollback(ctx)
	if sieve.StatusOf(cause) == sieve.StatusTempFailure {
		return cause
	}
	if err := r.runKeep(ctx, r.actionEnv(0), r.failureKeep, false); err != nil {
		return sieve.Wrap(sieve.StatusKeepFailed, errors.Join(cause, err))
	}
	r.status.ImplicitKeep = ImplicitKeepFailure
	metrics.SieveImplicitKeeps.WithLabelValues(string(ImplicitKeepFailure)).Inc()
	return cause
}

func (r *Result) runKeep(ctx context.Context, aenv *ActionEnv, k keepAction, implicit bool) error {
	if k.def == nil {
		return sieve.Errorf(sieve.StatusFailure, "no keep action configured")
	}
	act := &Action{Def: k.def, Context: k.context, Keep: true}
	if implicit {
		r.attachImplicit(act)
	}
	r.status.TriedDefaultSave = true
	keep := true
	err := r.runAction(ctx, aenv, act, &keep)
	if !aenv.Flags.Has(ExecFlagNoFinish) {
		act.Def.Finish(ctx, aenv, act, sieve.StatusOf(err))
	}
	return err
}

// runAction drives one action through its lifecycle. On failure the action
// is rolled back before returning.
func (r *Result) runAction(ctx context.Context, aenv *ActionEnv, act *Action, keep *bool) error {
	name := act.Def.Name()
	executed := false

	err := func() error {
		if err := act.Def.Start(ctx, aenv, act); err != nil {
			return err
		}
		for _, se := range act.SideEffects {
			if err := se.Def.PreExecute(ctx, aenv, act, se); err != nil {
				return err
			}
		}
		if err := act.Def.Execute(ctx, aenv, act); err != nil {
			return err
		}
		for _, se := range act.SideEffects {
			if err := se.Def.PostExecute(ctx, aenv, act, se); err != nil {
				return err
			}
		}
		executed = true
		if err := act.Def.Commit(ctx, aenv, act, keep); err != nil {
			return err
		}
		return nil
	}()
	if err != nil {
		r.rollbackAction(ctx, aenv, act, executed)
		metrics.SieveActions.WithLabelValues(name, sieve.StatusOf(err).Label()).Inc()
		logger.Warn("Sieve: action failed", "action", act.String(), "location", act.Location.String(), "error", err)
		return err
	}

	act.Executed = true
	if act.Def.Flags().Has(FlagCancelsKeep) {
		*keep = false
	}
	for _, se := range act.SideEffects {
		// The action is committed at this point; a failing post-commit hook
		// cannot undo it.
		if err := se.Def.PostCommit(ctx, aenv, act, se, keep); err != nil {
			logger.Warn("Sieve: side effect failed after commit", "action", name, "side_effect", se.Def.Name(), "error", err)
		}
	}
	metrics.SieveActions.WithLabelValues(name, sieve.StatusOk.Label()).Inc()
	logger.Info("Sieve: action executed", "action", act.String(), "location", act.Location.String())
	return nil
}

func (r *Result) rollbackAction(ctx context.Context, aenv *ActionEnv, act *Action, success bool) {
	for i := len(act.SideEffects) - 1; i >= 0; i-- {
		se := act.SideEffects[i]
		se.Def.Rollback(ctx, aenv, act, se, success)
	}
	if err := act.Def.Rollback(ctx, aenv, act, success); err != nil {
		logger.Warn("Sieve: action rollback failed", "action", act.Def.Name(), "error", err)
	}
}
