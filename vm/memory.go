package vm

import (
	"fmt"
	"sort"
)

// ---------------------------------------------------------------------------
// Memory: the default object model
// ---------------------------------------------------------------------------
//
// Memory holds the bootstrap class hierarchy, the symbol table and the
// global bindings. Immediates (nil, booleans, SmallIntegers, Floats,
// Characters) are Go values; everything else is a pointer type.

// Memory is the default ObjectModel.
type Memory struct {
	Symbols *SymbolTable

	classes     map[string]*Class
	metaclasses map[*Class]*Class
	globals     map[string]*Object

	specialSelectors [32]*Symbol

	// Well-known classes
	ObjectClass           *Class
	UndefinedObjectClass  *Class
	BooleanClass          *Class
	TrueClass             *Class
	FalseClass            *Class
	MagnitudeClass        *Class
	NumberClass           *Class
	SmallIntegerClass     *Class
	FloatClass            *Class
	CharacterClass        *Class
	StringClass           *Class
	SymbolClass           *Class
	ArrayClass            *Class
	AssociationClass      *Class
	MessageClass          *Class
	BlockClosureClass     *Class
	FullBlockClosureClass *Class
	ContextClass          *Class
	CompiledMethodClass   *Class
	CompiledBlockClass    *Class
	ClassClass            *Class
}

// NewMemory creates a memory holding the bootstrap classes.
func NewMemory() *Memory {
	m := &Memory{
		Symbols:     NewSymbolTable(),
		classes:     make(map[string]*Class),
		metaclasses: make(map[*Class]*Class),
		globals:     make(map[string]*Object),
	}
	m.bootstrap()
	return m
}

func (m *Memory) bootstrap() {
	m.ObjectClass = m.DefineClass("Object", nil, 0)
	m.UndefinedObjectClass = m.DefineClass("UndefinedObject", m.ObjectClass, 0)
	m.BooleanClass = m.DefineClass("Boolean", m.ObjectClass, 0)
	m.TrueClass = m.DefineClass("True", m.BooleanClass, 0)
	m.FalseClass = m.DefineClass("False", m.BooleanClass, 0)
	m.MagnitudeClass = m.DefineClass("Magnitude", m.ObjectClass, 0)
	m.NumberClass = m.DefineClass("Number", m.MagnitudeClass, 0)
	m.SmallIntegerClass = m.DefineClass("SmallInteger", m.NumberClass, 0)
	m.FloatClass = m.DefineClass("Float", m.NumberClass, 0)
	m.CharacterClass = m.DefineClass("Character", m.MagnitudeClass, 0)
	m.StringClass = m.DefineClass("String", m.ObjectClass, 0)
	m.SymbolClass = m.DefineClass("Symbol", m.StringClass, 0)
	m.ArrayClass = m.DefineClass("Array", m.ObjectClass, 0)
	m.AssociationClass = m.DefineClass("Association", m.MagnitudeClass, 2)
	m.MessageClass = m.DefineClass("Message", m.ObjectClass, 3)
	m.BlockClosureClass = m.DefineClass("BlockClosure", m.ObjectClass, 3)
	m.FullBlockClosureClass = m.DefineClass("FullBlockClosure", m.BlockClosureClass, 1)
	m.ContextClass = m.DefineClass("Context", m.ObjectClass, TempFrameStart)
	m.CompiledMethodClass = m.DefineClass("CompiledMethod", m.ObjectClass, 0)
	m.CompiledBlockClass = m.DefineClass("CompiledBlock", m.ObjectClass, 0)
	m.ClassClass = m.DefineClass("Class", m.ObjectClass, 3)
	m.metaclasses[m.ObjectClass].Superclass = m.ClassClass

	for i, name := range SpecialSelectorNames {
		m.specialSelectors[i] = m.Symbols.Intern(name)
	}
}

// DefineClass creates (or returns the existing) class name with its
// metaclass and a global binding.
func (m *Memory) DefineClass(name string, superclass *Class, instVars int) *Class {
	if c, ok := m.classes[name]; ok {
		return c
	}
	c := NewClass(name, superclass, instVars)
	metaSuper := m.ClassClass
	if superclass != nil {
		if ms, ok := m.metaclasses[superclass]; ok {
			metaSuper = ms
		}
	}
	m.classes[name] = c
	m.metaclasses[c] = NewClass(name+" class", metaSuper, 0)
	m.SetGlobal(name, c)
	return c
}

// ClassNamed returns the class called name, or nil.
func (m *Memory) ClassNamed(name string) *Class { return m.classes[name] }

// Metaclass returns the class-side class of c.
func (m *Memory) Metaclass(c *Class) *Class { return m.metaclasses[c] }

// ClassNames returns all class names, sorted.
func (m *Memory) ClassNames() []string {
	names := make([]string, 0, len(m.classes))
	for name := range m.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// Globals
// ---------------------------------------------------------------------------

// Binding returns the association for global name, creating it bound to
// nil if missing. Literal variables hold these associations.
func (m *Memory) Binding(name string) *Object {
	if b, ok := m.globals[name]; ok {
		return b
	}
	b := NewObject(m.AssociationClass, 2)
	b.Slots[0] = m.Symbols.Intern(name)
	m.globals[name] = b
	return b
}

// Global returns the value bound to name.
func (m *Memory) Global(name string) (Value, bool) {
	b, ok := m.globals[name]
	if !ok {
		return nil, false
	}
	return b.Slots[1], true
}

// SetGlobal binds name to v.
func (m *Memory) SetGlobal(name string, v Value) {
	m.Binding(name).Slots[1] = v
}

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// InstallMethod adds code to class under selector. The caller is
// responsible for flushing lookup caches.
func (m *Memory) InstallMethod(class *Class, selector *Symbol, code *CodeUnit) {
	class.AddMethod(selector, code)
}

// ---------------------------------------------------------------------------
// ObjectModel
// ---------------------------------------------------------------------------

// ClassOf implements ObjectModel.
func (m *Memory) ClassOf(v Value) *Class {
	switch x := v.(type) {
	case NilObject, nil:
		return m.UndefinedObjectClass
	case bool:
		if x {
			return m.TrueClass
		}
		return m.FalseClass
	case int64:
		return m.SmallIntegerClass
	case float64:
		return m.FloatClass
	case Character:
		return m.CharacterClass
	case string:
		return m.StringClass
	case *Symbol:
		return m.SymbolClass
	case *Object:
		if x.class != nil {
			return x.class
		}
	case *Class:
		if meta, ok := m.metaclasses[x]; ok {
			return meta
		}
		return m.ClassClass
	case *CodeUnit:
		if x.kind == KindBlock {
			return m.CompiledBlockClass
		}
		return m.CompiledMethodClass
	case *Context:
		return m.ContextClass
	case *BlockClosure:
		if x.IsFull() {
			return m.FullBlockClosureClass
		}
		return m.BlockClosureClass
	}
	return m.ObjectClass
}

// LookupMethod implements ObjectModel.
func (m *Memory) LookupMethod(class *Class, selector *Symbol) *CodeUnit {
	if class == nil {
		return nil
	}
	return class.LookupMethod(selector)
}

// Intern implements ObjectModel.
func (m *Memory) Intern(name string) *Symbol { return m.Symbols.Intern(name) }

// SpecialSelector implements ObjectModel.
func (m *Memory) SpecialSelector(index int) (*Symbol, int) {
	if index < 0 || index >= len(m.specialSelectors) {
		internalErrorf(nil, -1, "special selector index %d out of range", index)
	}
	return m.specialSelectors[index], SpecialSelectorArgs[index]
}

// NewArray implements ObjectModel.
func (m *Memory) NewArray(elements []Value) Value {
	slots := make([]Value, len(elements))
	for i, e := range elements {
		if e == nil {
			e = Nil
		}
		slots[i] = e
	}
	return &Object{class: m.ArrayClass, Slots: slots, hash: nextIdentityHash()}
}

// ArrayElements implements ObjectModel.
func (m *Memory) ArrayElements(v Value) ([]Value, bool) {
	o, ok := v.(*Object)
	if !ok || o.class == nil || !o.class.InheritsFrom(m.ArrayClass) {
		return nil, false
	}
	return o.Slots, true
}

// NewMessage implements ObjectModel.
func (m *Memory) NewMessage(selector *Symbol, args []Value) Value {
	msg := NewObject(m.MessageClass, 3)
	msg.Slots[0] = selector
	msg.Slots[1] = m.NewArray(args)
	return msg
}

// InstVarAt implements ObjectModel.
func (m *Memory) InstVarAt(receiver Value, index int) (Value, bool) {
	switch x := receiver.(type) {
	case *Object:
		if index >= 0 && index < len(x.Slots) {
			return x.Slots[index], true
		}
	case *Context:
		if index >= 0 && index < x.Size() {
			return x.At(index), true
		}
	}
	return nil, false
}

// InstVarAtPut implements ObjectModel.
func (m *Memory) InstVarAtPut(receiver Value, index int, v Value) bool {
	switch x := receiver.(type) {
	case *Object:
		if index >= 0 && index < len(x.Slots) {
			x.Slots[index] = v
			return true
		}
	case *Context:
		if index >= 0 && index < x.Size() {
			x.AtPut(index, v)
			return true
		}
	}
	return false
}

// BindingValue implements ObjectModel.
func (m *Memory) BindingValue(binding Value) (Value, bool) {
	if o, ok := binding.(*Object); ok && len(o.Slots) >= 2 {
		return o.Slots[1], true
	}
	return nil, false
}

// SetBindingValue implements ObjectModel.
func (m *Memory) SetBindingValue(binding Value, v Value) bool {
	if o, ok := binding.(*Object); ok && len(o.Slots) >= 2 {
		o.Slots[1] = v
		return true
	}
	return false
}

func (m *Memory) String() string {
	return fmt.Sprintf("Memory(%d classes, %d symbols)", len(m.classes), m.Symbols.Len())
}
