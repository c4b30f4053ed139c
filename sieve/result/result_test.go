package result

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/sieve"
)

type recorder struct {
	events []string
}

func (r *recorder) add(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

type testAction struct {
	ActionBase
	name     string
	flags    ActionFlags
	rec      *recorder
	failAt   string
	failErr  error
	conflict ActionFlags // conflicts with actions carrying any of these flags
}

func (a *testAction) Name() string { return a.name }
func (a *testAction) Flags() ActionFlags { return a.flags }

func (a *testAction) CheckDuplicate(act, other *Action) (bool, error) {
	return act.Context == other.Context, nil
}

func (a *testAction) CheckConflict(act, other *Action) error {
	if other.Def.Flags()&a.conflict != 0 {
		return fmt.Errorf("%s conflicts with %s", a.name, other.Def.Name())
	}
	return nil
}

func (a *testAction) Describe(act *Action) string {
	return fmt.Sprintf("%s %v", a.name, act.Context)
}

func (a *testAction) hook(stage string, act *Action) error {
	a.rec.add("%s:%s:%v", stage, a.name, act.Context)
	if a.failAt == stage {
		return a.failErr
	}
	return nil
}

func (a *testAction) Start(ctx context.Context, aenv *ActionEnv, act *Action) error {
	return a.hook("start", act)
}

func (a *testAction) Execute(ctx context.Context, aenv *ActionEnv, act *Action) error {
	return a.hook("execute", act)
}

func (a *testAction) Commit(ctx context.Context, aenv *ActionEnv, act *Action, keep *bool) error {
	if err := a.hook("commit", act); err != nil {
		return err
	}
	if a.flags.Has(FlagStore) {
		aenv.Status.MessageSaved = true
		aenv.Status.LastStorage = fmt.Sprint(act.Context)
	}
	return nil
}

func (a *testAction) Rollback(ctx context.Context, aenv *ActionEnv, act *Action, success bool) error {
	a.rec.add("rollback:%s:%v", a.name, act.Context)
	return nil
}

func (a *testAction) Finish(ctx context.Context, aenv *ActionEnv, act *Action, status sieve.Status) {
	a.rec.add("finish:%s:%v:%s", a.name, act.Context, status.Label())
}

type testSideEffect struct {
	SideEffectBase
	name       string
	precedence int
	preserve   bool
	rec        *recorder
}

func (s *testSideEffect) Name() string { return s.name }
func (s *testSideEffect) Precedence() int { return s.precedence }
func (s *testSideEffect) PreservesKeep() bool { return s.preserve }

// Merge unions string slices.
func (s *testSideEffect) Merge(act *Action, old, new any) any {
	set := map[string]bool{}
	for _, v := range old.([]string) {
		set[v] = true
	}
	for _, v := range new.([]string) {
		set[v] = true
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s *testSideEffect) PreExecute(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect) error {
	if s.rec != nil {
		s.rec.add("pre:%s", s.name)
	}
	return nil
}

func (s *testSideEffect) PostCommit(ctx context.Context, aenv *ActionEnv, act *Action, se *SideEffect, keep *bool) error {
	if s.preserve {
		*keep = true
	}
	return nil
}

type fixture struct {
	rec      *recorder
	store    *testAction
	redirect *testAction
	reject   *testAction
	discard  *testAction
	res      *Result
}

func newFixture(limits Limits) *fixture {
	rec := &recorder{}
	f := &fixture{
		rec:      rec,
		store:    &testAction{name: "store", flags: FlagStore | FlagTriesDeliver | FlagCancelsKeep, rec: rec},
		redirect: &testAction{name: "redirect", flags: FlagTriesDeliver | FlagCancelsKeep, rec: rec},
		reject: &testAction{name: "reject", flags: FlagSendsResponse | FlagCancelsKeep, rec: rec,
			conflict: FlagTriesDeliver | FlagSendsResponse},
		discard: &testAction{name: "discard", flags: FlagCancelsKeep, rec: rec},
	}
	f.res = New(&sieve.ExecEnv{}, &sieve.MessageData{}, limits)
	f.res.SetKeepAction(f.store, "INBOX")
	return f
}

func TestDuplicateMergeUnionsSideEffects(t *testing.T) {
	f := newFixture(DefaultLimits)
	flags := &testSideEffect{name: "flags", precedence: 200}

	for _, set := range [][]string{{"\\Seen"}, {"\\Flagged"}, {"\\Seen", "$Work"}} {
		err := f.res.AddAction(ActionRequest{
			Def:         f.store,
			Context:     "Work",
			SideEffects: []*SideEffect{{Def: flags, Context: set}},
		})
		require.NoError(t, err)
	}

	require.Len(t, f.res.Actions(), 1)
	se := f.res.Actions()[0].SideEffect(flags)
	require.NotNil(t, se)
	assert.Equal(t, []string{"$Work", "\\Flagged", "\\Seen"}, se.Context)
}

func TestKeepMergesIntoDuplicateStore(t *testing.T) {
	f := newFixture(DefaultLimits)
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.store, Context: "INBOX"}))
	require.NoError(t, f.res.AddKeep(nil, sieve.Location{Script: "s", Line: 2}))
	require.NoError(t, f.res.AddKeep(nil, sieve.Location{Script: "s", Line: 3}))

	require.Len(t, f.res.Actions(), 1)
	act := f.res.Actions()[0]
	assert.True(t, act.Keep)
	assert.Equal(t, 3, act.Location.Line)
}

func TestConflictVetoBothOrders(t *testing.T) {
	f := newFixture(DefaultLimits)
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.redirect, Context: "a@example.com"}))
	err := f.res.AddAction(ActionRequest{Def: f.reject, Context: "no"})
	require.Error(t, err)
	assert.Equal(t, sieve.StatusFailure, sieve.StatusOf(err))
	assert.Len(t, f.res.Actions(), 1)

	f = newFixture(DefaultLimits)
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.reject, Context: "no"}))
	err = f.res.AddAction(ActionRequest{Def: f.redirect, Context: "a@example.com"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sieve.ErrFailure))
	assert.Len(t, f.res.Actions(), 1)
}

func TestPolicyLimits(t *testing.T) {
	f := newFixture(Limits{MaxActions: 2})
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.store, Context: "a"}))
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.store, Context: "b"}))
	err := f.res.AddAction(ActionRequest{Def: f.store, Context: "c"})
	assert.ErrorIs(t, err, sieve.ErrFailure)

	// duplicates do not count against the limit
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.store, Context: "a"}))

	f = newFixture(DefaultLimits)
	for _, to := range []string{"a", "b"} {
		require.NoError(t, f.res.AddAction(ActionRequest{Def: f.redirect, Context: to, InstanceLimit: 2}))
	}
	err = f.res.AddAction(ActionRequest{Def: f.redirect, Context: "c", InstanceLimit: 2})
	assert.ErrorIs(t, err, sieve.ErrFailure)
}

func TestSideEffectsSortedByPrecedence(t *testing.T) {
	f := newFixture(DefaultLimits)
	flags := &testSideEffect{name: "flags", precedence: 200, rec: f.rec}
	create := &testSideEffect{name: "create", precedence: 100, rec: f.rec}
	require.NoError(t, f.res.AddAction(ActionRequest{
		Def:     f.store,
		Context: "Lists",
		SideEffects: []*SideEffect{
			{Def: flags, Context: []string{"x"}},
			{Def: create, Context: []string{}},
		},
	}))
	act := f.res.Actions()[0]
	require.Len(t, act.SideEffects, 2)
	assert.Equal(t, "create", act.SideEffects[0].Def.Name())

	require.NoError(t, f.res.Commit(context.Background(), 0))
	assert.Equal(t, []string{
		"start:store:Lists", "pre:create", "pre:flags", "execute:store:Lists", "commit:store:Lists",
		"finish:store:Lists:ok",
	}, f.rec.events)
}

func TestCommitStoresFirst(t *testing.T) {
	f := newFixture(DefaultLimits)
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.redirect, Context: "a@example.com"}))
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.store, Context: "Work"}))
	require.NoError(t, f.res.Commit(context.Background(), ExecFlagNoFinish))

	assert.Equal(t, []string{
		"start:store:Work", "execute:store:Work", "commit:store:Work",
		"start:redirect:a@example.com", "execute:redirect:a@example.com", "commit:redirect:a@example.com",
	}, f.rec.events)
	st := f.res.Status()
	assert.True(t, st.MessageSaved)
	assert.Equal(t, "Work", st.LastStorage)
	assert.Equal(t, ImplicitKeepNone, st.ImplicitKeep)
}

func TestImplicitKeep(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *fixture)
		wantKeep bool
	}{
		{"no actions", func(f *fixture) {}, true},
		{"discard", func(f *fixture) {
			require.NoError(t, f.res.AddAction(ActionRequest{Def: f.discard}))
		}, false},
		{"copy preserves keep", func(f *fixture) {
			cp := &testSideEffect{name: "copy", preserve: true}
			require.NoError(t, f.res.AddAction(ActionRequest{
				Def: f.redirect, Context: "a@example.com",
				SideEffects: []*SideEffect{{Def: cp, Context: []string{}}},
			}))
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(DefaultLimits)
			tt.setup(f)
			assert.Equal(t, tt.wantKeep, f.res.ImplicitKeepPending())
			require.NoError(t, f.res.Commit(context.Background(), ExecFlagNoFinish))
			if tt.wantKeep {
				assert.Equal(t, ImplicitKeepDefault, f.res.Status().ImplicitKeep)
				assert.Contains(t, f.rec.events, "commit:store:INBOX")
			} else {
				assert.Equal(t, ImplicitKeepNone, f.res.Status().ImplicitKeep)
				assert.NotContains(t, f.rec.events, "commit:store:INBOX")
			}
		})
	}
}

func TestExplicitKeepIsNotRepeated(t *testing.T) {
	f := newFixture(DefaultLimits)
	require.NoError(t, f.res.AddKeep(nil, sieve.Location{}))
	require.NoError(t, f.res.Commit(context.Background(), ExecFlagNoFinish))

	commits := 0
	for _, e := range f.rec.events {
		if e == "commit:store:INBOX" {
			commits++
		}
	}
	assert.Equal(t, 1, commits)
	assert.True(t, f.res.Actions()[0].Executed)
	assert.Equal(t, ImplicitKeepNone, f.res.Status().ImplicitKeep)
}

func TestDeferKeep(t *testing.T) {
	f := newFixture(DefaultLimits)
	require.NoError(t, f.res.Commit(context.Background(), ExecFlagDeferKeep))
	assert.Empty(t, f.rec.events)
}

func TestPermanentFailureFallsBackToKeep(t *testing.T) {
	f := newFixture(DefaultLimits)
	f.redirect.failAt = "commit"
	f.redirect.failErr = sieve.Errorf(sieve.StatusFailure, "relay refused")
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.store, Context: "Work"}))
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.redirect, Context: "a@example.com"}))
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.discard, Context: "x"}))

	err := f.res.Commit(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, sieve.StatusFailure, sieve.StatusOf(err))

	assert.Contains(t, f.rec.events, "commit:store:Work")
	assert.NotContains(t, f.rec.events, "rollback:store:Work")
	assert.Contains(t, f.rec.events, "rollback:redirect:a@example.com")
	assert.NotContains(t, f.rec.events, "start:discard:x")
	assert.Contains(t, f.rec.events, "finish:discard:x:failure")
	assert.Contains(t, f.rec.events, "finish:redirect:a@example.com:failure")
	assert.Contains(t, f.rec.events, "commit:store:INBOX")
	assert.Equal(t, ImplicitKeepFailure, f.res.Status().ImplicitKeep)
}

func TestTemporaryFailureSkipsKeep(t *testing.T) {
	f := newFixture(DefaultLimits)
	f.redirect.failAt = "execute"
	f.redirect.failErr = sieve.Errorf(sieve.StatusTempFailure, "try later")
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.redirect, Context: "a@example.com"}))

	err := f.res.Commit(context.Background(), ExecFlagNoFinish)
	assert.ErrorIs(t, err, sieve.ErrTempFailure)
	assert.NotContains(t, f.rec.events, "commit:store:INBOX")
	assert.Equal(t, ImplicitKeepNone, f.res.Status().ImplicitKeep)
}

func TestKeepFailure(t *testing.T) {
	f := newFixture(DefaultLimits)
	f.store.failAt = "commit"
	f.store.failErr = errors.New("disk full")
	err := f.res.Commit(context.Background(), 0)
	assert.ErrorIs(t, err, sieve.ErrKeepFailed)
}

func TestCommitOnlyOnce(t *testing.T) {
	f := newFixture(DefaultLimits)
	require.NoError(t, f.res.Commit(context.Background(), 0))
	assert.Error(t, f.res.Commit(context.Background(), 0))
	assert.Error(t, f.res.AddAction(ActionRequest{Def: f.discard}))
}

type flagVar struct{ flags []string }

func (v *flagVar) Snapshot() any { return append([]string(nil), v.flags...) }

func TestImplicitSideEffectSnapshot(t *testing.T) {
	f := newFixture(DefaultLimits)
	flags := &testSideEffect{name: "flags", precedence: 200}
	v := &flagVar{flags: []string{"\\Seen"}}
	f.res.AddImplicitSideEffect(f.store, flags, v)

	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.store, Context: "Work"}))
	v.flags = append(v.flags, "\\Flagged")
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.store, Context: "Other"}))

	// explicit side effects take the place of the implicit one
	require.NoError(t, f.res.AddAction(ActionRequest{
		Def: f.store, Context: "Third",
		SideEffects: []*SideEffect{{Def: flags, Context: []string{"$x"}}},
	}))

	acts := f.res.Actions()
	require.Len(t, acts, 3)
	assert.Equal(t, []string{"\\Seen"}, acts[0].SideEffect(flags).Context)
	assert.Equal(t, []string{"\\Seen", "\\Flagged"}, acts[1].SideEffect(flags).Context)
	assert.Equal(t, []string{"$x"}, acts[2].SideEffect(flags).Context)
}

func TestRollbackAndAbort(t *testing.T) {
	f := newFixture(DefaultLimits)
	require.NoError(t, f.res.AddAction(ActionRequest{Def: f.redirect, Context: "a@example.com"}))
	cause := sieve.Errorf(sieve.StatusResourceLimit, "cpu time exceeded")

	err := f.res.Abort(context.Background(), cause)
	assert.ErrorIs(t, err, sieve.ErrResourceLimit)
	assert.Contains(t, f.rec.events, "rollback:redirect:a@example.com")
	assert.NotContains(t, f.rec.events, "commit:redirect:a@example.com")
	assert.Contains(t, f.rec.events, "commit:store:INBOX")
	assert.Equal(t, ImplicitKeepFailure, f.res.Status().ImplicitKeep)

	f = newFixture(DefaultLimits)
	err = f.res.Abort(context.Background(), sieve.Errorf(sieve.StatusTempFailure, "later"))
	assert.ErrorIs(t, err, sieve.ErrTempFailure)
	assert.NotContains(t, f.rec.events, "commit:store:INBOX")
}

func TestDescribe(t *testing.T) {
	f := newFixture(DefaultLimits)
	require.NoError(t, f.res.AddAction(ActionRequest{
		Def: f.redirect, Context: "a@example.com",
		Location: sieve.Location{Script: "user.svbc", Line: 7},
	}))
	assert.Equal(t, []string{"redirect a@example.com (user.svbc:7)"}, f.res.Describe())
	assert.True(t, f.res.TriesDelivery())
	assert.False(t, f.res.ExecutedDelivery())
}
