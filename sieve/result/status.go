package result

// ExecFlags modify how a result is committed.
type ExecFlags uint

const (
	// ExecFlagDeferKeep suppresses the implicit keep. Used when another
	// script decides the fate of an implicitly kept message.
	ExecFlagDeferKeep ExecFlags = 1 << iota
	// ExecFlagNoFinish skips the finish hooks.
	ExecFlagNoFinish
)

// ImplicitKeepKind tells which implicit keep, if any, was executed.
type ImplicitKeepKind string

const (
	ImplicitKeepNone    ImplicitKeepKind = ""
	ImplicitKeepDefault ImplicitKeepKind = "default"
	ImplicitKeepFailure ImplicitKeepKind = "failure"
)

// ExecStatus collects what a commit did to the message. Action hooks update
// it as they commit.
type ExecStatus struct {
	MessageSaved              bool
	MessageForwarded          bool
	TriedDefaultSave          bool
	SignificantActionExecuted bool
	StoreFailed               bool
	LastStorage               string
	ImplicitKeep              ImplicitKeepKind
}

func (f ExecFlags) Has(flag ExecFlags) bool {
	return f&flag != 0
}
