package interp

import (
	"fmt"
	"sort"

	"github.com/migadu/sievevm/sieve/result"
)

// Operation is the handler of one instruction. Execute is called with pc
// positioned right after the opcode (and local code, for extension
// operations) and must leave it after the instruction's operands, unless it
// transfers control.
type Operation interface {
	Mnemonic() string
	Execute(renv *RunEnv, pc *int) error
	Dump(d *Dumper, pc *int) error
}

// ExtensionDef is a language extension: a set of operations plus lifecycle
// hooks. Definitions are shared by every interpreter and must not hold
// per-execution state; they keep it in the interpreter through
// SetExtensionContext. Embed ExtensionBase for no-op defaults.
type ExtensionDef interface {
	Name() string
	// Operation returns the operation for a local code, or nil.
	Operation(code byte) Operation

	// Deferred extensions get RunStart only when one of their operations
	// is first executed.
	Deferred() bool
	// Preloaded extensions are loaded into every interpreter, whether the
	// program references them or not.
	Preloaded() bool

	InterpreterLoad(ip *Interpreter) error
	RunStart(renv *RunEnv) error
	InterpreterFree(ip *Interpreter)
}

// SideEffectProvider is implemented by extensions that define side effects
// which may appear in optional operand blocks.
type SideEffectProvider interface {
	SideEffect(renv *RunEnv, code byte, payload []byte) (*result.SideEffect, error)
}

type ExtensionBase struct{}

func (ExtensionBase) Operation(code byte) Operation { return nil }
func (ExtensionBase) Deferred() bool { return false }
func (ExtensionBase) Preloaded() bool { return false }
func (ExtensionBase) InterpreterLoad(ip *Interpreter) error { return nil }
func (ExtensionBase) RunStart(renv *RunEnv) error { return nil }
func (ExtensionBase) InterpreterFree(ip *Interpreter) {}

// Registry is the immutable set of extensions known to the process. Build it
// once at startup and share it between interpreters.
type Registry struct {
	core  ExtensionDef
	byKey map[string]ExtensionDef
	names []string
}

// NewRegistry builds a registry. The core extension handles opcodes below
// binary.ExtensionBase.
func NewRegistry(core ExtensionDef, exts ...ExtensionDef) (*Registry, error) {
	if core == nil {
		return nil, fmt.Errorf("core extension is required")
	}
	r := &Registry{core: core, byKey: make(map[string]ExtensionDef, len(exts))}
	for _, ext := range exts {
		name := ext.Name()
		if name == "" {
			return nil, fmt.Errorf("extension without a name")
		}
		if _, dup := r.byKey[name]; dup {
			return nil, fmt.Errorf("extension %q registered twice", name)
		}
		r.byKey[name] = ext
		r.names = append(r.names, name)
	}
	sort.Strings(r.names)
	return r, nil
}

func (r *Registry) Core() ExtensionDef {
	return r.core
}

func (r *Registry) Lookup(name string) (ExtensionDef, bool) {
	ext, ok := r.byKey[name]
	return ext, ok
}

// Names lists the registered extensions in sorted order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

func (r *Registry) preloaded() []ExtensionDef {
	var exts []ExtensionDef
	for _, name := range r.names {
		if ext := r.byKey[name]; ext.Preloaded() {
			exts = append(exts, ext)
		}
	}
	return exts
}
