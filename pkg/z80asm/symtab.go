package z80asm

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUndefinedSymbol wraps every "not found" Lookup error so the pass
// driver can tell a genuinely unresolved forward reference (keep
// iterating) apart from a real evaluation error (stop and report).
var ErrUndefinedSymbol = errors.New("undefined symbol")

// SymbolTable implements the three-scope resolution order of §4.9:
// enclosing PROC locals, the dot-scope of the current global label, then
// the global table. Dot-labels (".loop") live in a per-global-label
// child scope and are reachable fully qualified as "Global.loop".
type SymbolTable struct {
	global          *Scope
	scopeStack      []*Scope // active PROC nesting, innermost last
	dotScopes       map[string]*Scope
	lastGlobalLabel string
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{
		global:    newScope(ScopeGlobal, "", nil),
		dotScopes: make(map[string]*Scope),
	}
}

func (st *SymbolTable) dotScopeFor(label string) *Scope {
	s, ok := st.dotScopes[label]
	if !ok {
		s = newScope(ScopeDot, label, st.global)
		st.dotScopes[label] = s
	}
	return s
}

// PushProc enters a PROC body; names defined until the matching PopProc
// are local to it.
func (st *SymbolTable) PushProc(name string) {
	var parent *Scope = st.global
	if len(st.scopeStack) > 0 {
		parent = st.scopeStack[len(st.scopeStack)-1]
	}
	st.scopeStack = append(st.scopeStack, newScope(ScopeProc, name, parent))
}

// PopProc leaves the innermost PROC, returning its name so callers can
// check it against the matching ENDP argument per §4.7.
func (st *SymbolTable) PopProc() (string, error) {
	if len(st.scopeStack) == 0 {
		return "", fmt.Errorf("ENDP without matching PROC")
	}
	top := st.scopeStack[len(st.scopeStack)-1]
	st.scopeStack = st.scopeStack[:len(st.scopeStack)-1]
	return top.Name, nil
}

func (st *SymbolTable) currentProc() *Scope {
	if len(st.scopeStack) == 0 {
		return nil
	}
	return st.scopeStack[len(st.scopeStack)-1]
}

// SetCurrentGlobalLabel records the most recently defined non-dot label,
// which is what an unqualified dot-label attaches to.
func (st *SymbolTable) SetCurrentGlobalLabel(name string) { st.lastGlobalLabel = name }

// Define binds name to val in the appropriate scope for kind. EQU
// symbols may be defined exactly once; redefining one with a different
// value is a Semantic error. SET/DEFL symbols, and labels across passes
// (forward-reference convergence), may always be reassigned.
func (st *SymbolTable) Define(name string, kind SymbolKind, val Value, pass int) (*Symbol, error) {
	scope, key, err := st.targetScope(name, kind)
	if err != nil {
		return nil, err
	}
	if existing, ok := scope.Symbols[key]; ok {
		if existing.Kind == SymEqu && kind == SymEqu {
			if !valuesEqual(existing.Value, val) {
				return nil, fmt.Errorf("redefinition of EQU symbol %q", name)
			}
			existing.DefinedOn = pass
			return existing, nil
		}
		if (existing.Kind == SymLabel || existing.Kind == SymLocalLabel) && (kind == SymLabel || kind == SymLocalLabel) {
			if existing.DefinedOn == pass && !valuesEqual(existing.Value, val) {
				return nil, fmt.Errorf("duplicate label %q", name)
			}
			existing.Value = val
			existing.DefinedOn = pass
			existing.Kind = kind
			return existing, nil
		}
		existing.Value = val
		existing.Kind = kind
		existing.DefinedOn = pass
		return existing, nil
	}
	sym := &Symbol{Name: name, Kind: kind, Value: val, Scope: scope, DefinedOn: pass}
	scope.Symbols[key] = sym
	return sym, nil
}

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case VInt:
		return a.I == b.I
	case VFloat:
		return a.F == b.F
	default:
		return a.S == b.S
	}
}

func (st *SymbolTable) targetScope(name string, kind SymbolKind) (*Scope, string, error) {
	if strings.HasPrefix(name, ".") {
		if st.lastGlobalLabel == "" {
			return nil, "", fmt.Errorf("dot-label %q with no preceding global label", name)
		}
		return st.dotScopeFor(st.lastGlobalLabel), strings.TrimPrefix(name, "."), nil
	}
	if proc := st.currentProc(); proc != nil {
		return proc, name, nil
	}
	return st.global, name, nil
}

// Lookup resolves name per §4.9: a leading-dot name resolves against the
// dot-scope of the current global label; a "Scope.name" form bypasses
// search entirely; anything else walks enclosing PROC scopes, then the
// current dot-scope, then global.
func (st *SymbolTable) Lookup(name string) (*Symbol, error) {
	if name == "" {
		return nil, fmt.Errorf("empty symbol name")
	}
	if strings.HasPrefix(name, ".") {
		key := strings.TrimPrefix(name, ".")
		if st.lastGlobalLabel == "" {
			return nil, fmt.Errorf("%w: %q", ErrUndefinedSymbol, name)
		}
		if sym, ok := st.dotScopeFor(st.lastGlobalLabel).Symbols[key]; ok {
			return sym, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrUndefinedSymbol, name)
	}
	if idx := strings.Index(name, "."); idx > 0 {
		scopeName, rest := name[:idx], name[idx+1:]
		if dot, ok := st.dotScopes[scopeName]; ok {
			if sym, ok := dot.Symbols[rest]; ok {
				return sym, nil
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrUndefinedSymbol, name)
	}
	for i := len(st.scopeStack) - 1; i >= 0; i-- {
		if sym, ok := st.scopeStack[i].Symbols[name]; ok {
			return sym, nil
		}
	}
	if st.lastGlobalLabel != "" {
		if sym, ok := st.dotScopeFor(st.lastGlobalLabel).Symbols[name]; ok {
			return sym, nil
		}
	}
	if sym, ok := st.global.Symbols[name]; ok {
		return sym, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUndefinedSymbol, name)
}

// All returns the global and dot-scope symbols, keyed by their
// fully-qualified names, for the symbol-table-by-name output §6 requires.
// PROC-local symbols are not included.
func (st *SymbolTable) All() map[string]*Symbol {
	out := make(map[string]*Symbol)
	for name, sym := range st.global.Symbols {
		out[name] = sym
	}
	for label, scope := range st.dotScopes {
		for name, sym := range scope.Symbols {
			out[label+"."+name] = sym
		}
	}
	return out
}
