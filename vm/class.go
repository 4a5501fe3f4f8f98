package vm

import (
	"fmt"
	"strings"
	"sync"

	"github.com/vela-lang/vela/pkg/ast"
	"github.com/vela-lang/vela/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Class: hierarchy, field layout, linearization, member resolution
// ---------------------------------------------------------------------------

// NativeFunc is a host-implemented function or method body. Builtins run on
// the calling task like any compiled body and may themselves suspend.
type NativeFunc func(t *Task, recv Value, args []Value) (Value, *RaisedError)

// Method is one callable member: either a compiled body or a native one.
type Method struct {
	Name   string
	Vis    ast.Visibility
	Arity  int
	Fn     *bytecode.CmdFunction
	Native NativeFunc
	Owner  *Class // set when the declaring class is defined
}

// Field declares storage owned by exactly one class. Same-named fields on
// different ancestors never merge; each declaring class keeps its own slot.
type Field struct {
	Name    string
	Vis     ast.Visibility
	Mutable bool
	Init    ast.Expr // optional default, evaluated during construction
}

// Class is a named type with ordered direct ancestors, declared fields and
// methods, and a linearization precomputed when the class is defined.
// After Registry.Define succeeds the class is sealed: its linearization and
// layout never change, and late member addition is rejected.
type Class struct {
	Name      string
	Ancestors []*Class
	Fields    []Field
	Ctor      *Method
	// HeaderArgs holds per-direct-ancestor constructor argument expressions
	// from the class header, evaluated in the constructor's scope.
	HeaderArgs [][]ast.Expr

	methods map[string]*Method

	lin     []*Class
	offsets map[*Class]int // field segment offset per linearized ancestor
	size    int            // total instance slots across all segments
	sealed  bool
}

// NewClass creates an unsealed class. Define it in a Registry before use.
func NewClass(name string, ancestors ...*Class) *Class {
	return &Class{
		Name:      name,
		Ancestors: ancestors,
		methods:   make(map[string]*Method),
	}
}

// AddField declares field storage on an unsealed class.
func (c *Class) AddField(f Field) error {
	if c.sealed {
		return fmt.Errorf("class %s is sealed: cannot add field %q", c.Name, f.Name)
	}
	c.Fields = append(c.Fields, f)
	return nil
}

// AddMethod declares a method on an unsealed class.
func (c *Class) AddMethod(m *Method) error {
	if c.sealed {
		return fmt.Errorf("class %s is sealed: cannot add method %q", c.Name, m.Name)
	}
	m.Owner = c
	c.methods[m.Name] = m
	return nil
}

// SetCtor declares the constructor on an unsealed class.
func (c *Class) SetCtor(m *Method) error {
	if c.sealed {
		return fmt.Errorf("class %s is sealed: cannot set constructor", c.Name)
	}
	m.Owner = c
	c.Ctor = m
	return nil
}

// Linearization returns the precomputed C3 order: the class itself first,
// then every ancestor, each before none of its own ancestors.
func (c *Class) Linearization() []*Class {
	out := make([]*Class, len(c.lin))
	copy(out, c.lin)
	return out
}

// HasAncestor reports whether a appears in c's linearization (including c
// itself).
func (c *Class) HasAncestor(a *Class) bool {
	for _, x := range c.lin {
		if x == a {
			return true
		}
	}
	return false
}

// StorageSize returns the number of instance slots across all segments.
func (c *Class) StorageSize() int { return c.size }

// SegmentOffset returns the slot offset of declaring's field segment within
// instances whose exact class is c, and whether declaring is linearized
// into c.
func (c *Class) SegmentOffset(declaring *Class) (int, bool) {
	off, ok := c.offsets[declaring]
	return off, ok
}

// fieldIndex returns the index of name within c's own declared fields, -1 if
// absent.
func (c *Class) fieldIndex(name string) int {
	for i, f := range c.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// ---------------------------------------------------------------------------
// C3 linearization
// ---------------------------------------------------------------------------

// LinearizationError reports that no consistent method resolution order
// exists. It is detected when the class is defined, never at first use.
type LinearizationError struct {
	Class string
	Cause string
}

func (e *LinearizationError) Error() string {
	return fmt.Sprintf("class %s has no consistent linearization: %s", e.Class, e.Cause)
}

// linearize computes the C3 merge of c followed by each direct ancestor's
// linearization and the list of direct ancestors themselves, in declaration
// order. Ancestors must already be linearized (the registry defines classes
// leaf-last).
func linearize(c *Class) ([]*Class, error) {
	seqs := make([][]*Class, 0, len(c.Ancestors)+2)
	seqs = append(seqs, []*Class{c})
	for _, a := range c.Ancestors {
		seqs = append(seqs, append([]*Class(nil), a.lin...))
	}
	if len(c.Ancestors) > 0 {
		seqs = append(seqs, append([]*Class(nil), c.Ancestors...))
	}

	var out []*Class
	for {
		// Drop exhausted sequences.
		live := seqs[:0]
		for _, s := range seqs {
			if len(s) > 0 {
				live = append(live, s)
			}
		}
		seqs = live
		if len(seqs) == 0 {
			return out, nil
		}

		// Pick the first head that appears in no sequence tail.
		var next *Class
		for _, s := range seqs {
			head := s[0]
			if inAnyTail(seqs, head) {
				continue
			}
			next = head
			break
		}
		if next == nil {
			return nil, &LinearizationError{
				Class: c.Name,
				Cause: "conflicting ancestor orders: " + describeHeads(seqs),
			}
		}

		out = append(out, next)
		for i, s := range seqs {
			if s[0] == next {
				seqs[i] = s[1:]
			}
		}
	}
}

func inAnyTail(seqs [][]*Class, c *Class) bool {
	for _, s := range seqs {
		for _, x := range s[1:] {
			if x == c {
				return true
			}
		}
	}
	return false
}

func describeHeads(seqs [][]*Class) string {
	names := make([]string, 0, len(seqs))
	for _, s := range seqs {
		names = append(names, s[0].Name)
	}
	return strings.Join(names, ", ")
}

// ---------------------------------------------------------------------------
// Member resolution
// ---------------------------------------------------------------------------

// visibleFrom reports whether a member declared on declaring with visibility
// vis may be accessed from code whose static context is accessCtx. The check
// uses the static context of the accessing code, never the dynamic receiver
// type; casts and qualification do not widen visibility.
func visibleFrom(vis ast.Visibility, declaring, accessCtx *Class) bool {
	switch vis {
	case ast.Private:
		return accessCtx == declaring
	case ast.Protected:
		return accessCtx != nil && accessCtx.HasAncestor(declaring)
	default:
		return true
	}
}

// ResolveMember walks resolveClass's linearization for a method called name.
// If startAt is non-nil (qualified dispatch, this@Base), the walk begins at
// that ancestor's position in the order, so the qualifier's own declaration
// is found first. fullClass is the receiver's exact class, used for
// diagnostics and the cast/qualify hint; for plain dispatch it equals
// resolveClass.
func ResolveMember(resolveClass, fullClass *Class, name string, startAt, accessCtx *Class) (*Class, *Method, *RaisedError) {
	lin := resolveClass.lin
	start := 0
	if startAt != nil {
		idx := -1
		for i, a := range lin {
			if a == startAt {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, nil, newInvalidQualifier(fullClass, startAt.Name)
		}
		start = idx
	}

	for _, a := range lin[start:] {
		if m, ok := a.methods[name]; ok && visibleFrom(m.Vis, a, accessCtx) {
			return a, m, nil
		}
	}

	return nil, nil, newMissingMember(fullClass, name, memberHint(fullClass, lin[start:], name))
}

// memberHint finds a class declaring name on the receiver's full
// linearization that the failed walk did not reach (or could not see), so
// the error can suggest qualified dispatch or a cast.
func memberHint(fullClass *Class, walked []*Class, name string) *Class {
	for _, a := range fullClass.lin {
		if _, ok := a.methods[name]; !ok {
			if a.fieldIndex(name) < 0 {
				continue
			}
		}
		reached := false
		for _, w := range walked {
			if w == a {
				reached = true
				break
			}
		}
		if !reached {
			return a
		}
	}
	return nil
}

// fieldRef locates storage for a field read/write.
type fieldRef struct {
	declaring *Class
	slot      int // absolute slot within the instance
}

// resolveField binds an unqualified field access: the first declaring class
// in resolveClass's linearization that owns storage for name wins.
func resolveField(resolveClass, fullClass *Class, name string, accessCtx *Class) (fieldRef, *RaisedError) {
	for _, a := range resolveClass.lin {
		idx := a.fieldIndex(name)
		if idx < 0 {
			continue
		}
		if !visibleFrom(a.Fields[idx].Vis, a, accessCtx) {
			continue
		}
		off, ok := fullClass.offsets[a]
		if !ok {
			continue
		}
		return fieldRef{declaring: a, slot: off + idx}, nil
	}
	return fieldRef{}, newMissingMember(fullClass, name, memberHint(fullClass, resolveClass.lin, name))
}

// resolveFieldQualified binds storage on qualifier directly, bypassing the
// linearization search.
func resolveFieldQualified(fullClass *Class, qualifier *Class, name string, accessCtx *Class) (fieldRef, *RaisedError) {
	off, ok := fullClass.offsets[qualifier]
	if !ok {
		return fieldRef{}, newInvalidQualifier(fullClass, qualifier.Name)
	}
	idx := qualifier.fieldIndex(name)
	if idx < 0 || !visibleFrom(qualifier.Fields[idx].Vis, qualifier, accessCtx) {
		return fieldRef{}, newMissingMember(fullClass, name, nil)
	}
	return fieldRef{declaring: qualifier, slot: off + idx}, nil
}

// ---------------------------------------------------------------------------
// Registry: process-wide class table with explicit init
// ---------------------------------------------------------------------------

// ClassRegistry manages defined classes by name. Defining a class computes
// its linearization and field layout and seals it; there is no implicit
// mutation afterwards. It is safe for concurrent lookup.
type ClassRegistry struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// NewClassRegistry creates an empty registry.
func NewClassRegistry() *ClassRegistry {
	return &ClassRegistry{classes: make(map[string]*Class)}
}

// Define linearizes, lays out, and seals c, then registers it. Ancestors
// must already be defined. Conflicting ancestor orders fail here, at class
// definition time, with a LinearizationError.
func (r *ClassRegistry) Define(c *Class) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classes[c.Name]; exists {
		return fmt.Errorf("class %s is already defined", c.Name)
	}
	for _, a := range c.Ancestors {
		if !a.sealed {
			return fmt.Errorf("class %s: ancestor %s is not defined", c.Name, a.Name)
		}
	}

	lin, err := linearize(c)
	if err != nil {
		return err
	}
	c.lin = lin

	// Field segments: one per linearized ancestor that declares storage.
	c.offsets = make(map[*Class]int, len(lin))
	off := 0
	for _, a := range lin {
		c.offsets[a] = off
		off += len(a.Fields)
	}
	c.size = off

	c.sealed = true
	r.classes[c.Name] = c
	return nil
}

// Lookup finds a class by name, or nil.
func (r *ClassRegistry) Lookup(name string) *Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classes[name]
}

// Has reports whether name is defined.
func (r *ClassRegistry) Has(name string) bool {
	return r.Lookup(name) != nil
}

// All returns every defined class.
func (r *ClassRegistry) All() []*Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Class, 0, len(r.classes))
	for _, c := range r.classes {
		out = append(out, c)
	}
	return out
}
