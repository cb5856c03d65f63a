package vm

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Value is any object reference the engine can hold in a slot.
//
// SmallIntegers are int64, Floats are float64, booleans are Go bools and
// characters are Character. Everything else is a pointer type owned by the
// object model (*Object, *Class, *Symbol, *CodeUnit, *Context, *BlockClosure).
type Value any

// NilObject is the type of the single nil value.
type NilObject struct{}

func (NilObject) String() string { return "nil" }

// Nil is the guest nil object.
var Nil Value = NilObject{}

// Character is an immediate character value.
type Character rune

// SmallInteger bounds for 64-bit Spur images.
const (
	MaxSmallInteger int64 = 1<<60 - 1
	MinSmallInteger int64 = -1 << 60
)

// IsSmallInteger reports whether n fits the immediate integer range.
func IsSmallInteger(n int64) bool {
	return n >= MinSmallInteger && n <= MaxSmallInteger
}

// ---------------------------------------------------------------------------
// Identity hashes
// ---------------------------------------------------------------------------

// identityHashMask keeps hashes in the 22 bits Squeak reserves for them.
const identityHashMask = 1<<22 - 1

var hashCounter uint32

// nextIdentityHash spreads a monotonically increasing counter over the hash
// space with Knuth's multiplicative constant.
func nextIdentityHash() uint32 {
	n := atomic.AddUint32(&hashCounter, 1)
	return (n * 2654435761) >> 10 & identityHashMask
}

// ---------------------------------------------------------------------------
// Symbols
// ---------------------------------------------------------------------------

// Symbol is an interned selector or name.
type Symbol struct {
	Name string
	hash uint32
}

// IdentityHash returns the symbol's identity hash.
func (s *Symbol) IdentityHash() uint32 { return s.hash }

// NumArgs returns the number of arguments a message with this selector takes.
func (s *Symbol) NumArgs() int {
	if s.Name == "" {
		return 0
	}
	if n := strings.Count(s.Name, ":"); n > 0 {
		return n
	}
	c := s.Name[0]
	if c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' {
		return 0
	}
	return 1
}

func (s *Symbol) String() string { return "#" + s.Name }

// SymbolTable interns symbols. It is not safe for concurrent use.
type SymbolTable struct {
	symbols map[string]*Symbol
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{symbols: make(map[string]*Symbol)}
}

// Intern returns the unique symbol for name.
func (t *SymbolTable) Intern(name string) *Symbol {
	if s, ok := t.symbols[name]; ok {
		return s
	}
	s := &Symbol{Name: name, hash: nextIdentityHash()}
	t.symbols[name] = s
	return s
}

// Lookup returns the symbol for name without creating it.
func (t *SymbolTable) Lookup(name string) (*Symbol, bool) {
	s, ok := t.symbols[name]
	return s, ok
}

// Len returns the number of interned symbols.
func (t *SymbolTable) Len() int { return len(t.symbols) }

// ---------------------------------------------------------------------------
// Classes
// ---------------------------------------------------------------------------

// Class is a guest class: a name, a superclass and a method dictionary.
type Class struct {
	Name       string
	Superclass *Class
	InstSize   int
	Methods    map[*Symbol]*CodeUnit
	hash       uint32
}

// NewClass creates a class with an empty method dictionary. Named instance
// variables are inherited from the superclass plus instVars.
func NewClass(name string, superclass *Class, instVars int) *Class {
	size := instVars
	if superclass != nil {
		size += superclass.InstSize
	}
	return &Class{
		Name:       name,
		Superclass: superclass,
		InstSize:   size,
		Methods:    make(map[*Symbol]*CodeUnit),
		hash:       nextIdentityHash(),
	}
}

// IdentityHash returns the class's identity hash.
func (c *Class) IdentityHash() uint32 { return c.hash }

// AddMethod installs code under selector.
func (c *Class) AddMethod(selector *Symbol, code *CodeUnit) {
	c.Methods[selector] = code
}

// RemoveMethod removes the method for selector and returns it.
func (c *Class) RemoveMethod(selector *Symbol) *CodeUnit {
	code := c.Methods[selector]
	delete(c.Methods, selector)
	return code
}

// LookupMethod walks the superclass chain for selector.
func (c *Class) LookupMethod(selector *Symbol) *CodeUnit {
	for cls := c; cls != nil; cls = cls.Superclass {
		if code, ok := cls.Methods[selector]; ok {
			return code
		}
	}
	return nil
}

// InheritsFrom reports whether c is other or a subclass of it.
func (c *Class) InheritsFrom(other *Class) bool {
	for cls := c; cls != nil; cls = cls.Superclass {
		if cls == other {
			return true
		}
	}
	return false
}

func (c *Class) String() string { return c.Name }

// ---------------------------------------------------------------------------
// Pointer objects
// ---------------------------------------------------------------------------

// Object is a pointers object: named instance variables followed by
// indexable slots. Arrays, associations and messages are Objects.
type Object struct {
	class *Class
	Slots []Value
	hash  uint32
}

// NewObject allocates an instance of class with size slots set to nil.
func NewObject(class *Class, size int) *Object {
	slots := make([]Value, size)
	for i := range slots {
		slots[i] = Nil
	}
	return &Object{class: class, Slots: slots, hash: nextIdentityHash()}
}

// Class returns the object's class.
func (o *Object) Class() *Class { return o.class }

// IdentityHash returns the object's identity hash.
func (o *Object) IdentityHash() uint32 { return o.hash }

// Size returns the number of slots.
func (o *Object) Size() int { return len(o.Slots) }

// ---------------------------------------------------------------------------
// Printing
// ---------------------------------------------------------------------------

// PrintString renders v the way a workspace print-it would.
func PrintString(v Value) string {
	switch x := v.(type) {
	case nil:
		return "<null>"
	case NilObject:
		return "nil"
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case Character:
		return "$" + string(rune(x))
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case *Symbol:
		return x.String()
	case *Class:
		return x.Name
	case *Object:
		if x.class != nil && x.class.Name == "Array" {
			parts := make([]string, len(x.Slots))
			for i, e := range x.Slots {
				parts[i] = PrintString(e)
			}
			return "#(" + strings.Join(parts, " ") + ")"
		}
		if x.class == nil {
			return "an Object"
		}
		return article(x.class.Name) + " " + x.class.Name
	case *CodeUnit:
		return x.String()
	case *Context:
		return x.String()
	case *BlockClosure:
		return "a BlockClosure"
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func article(name string) string {
	if name != "" && strings.ContainsRune("AEIOU", rune(name[0])) {
		return "an"
	}
	return "a"
}
