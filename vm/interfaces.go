package vm

// ---------------------------------------------------------------------------
// Collaborator interfaces
// ---------------------------------------------------------------------------

// ObjectModel provides identity, class-of and allocation for the engine.
// Memory is the default implementation.
type ObjectModel interface {
	// ClassOf returns the class of any value the engine may hold.
	ClassOf(v Value) *Class

	// LookupMethod performs the slow class-hierarchy lookup. It returns nil
	// when no class in the chain implements selector.
	LookupMethod(class *Class, selector *Symbol) *CodeUnit

	// Intern returns the unique symbol for name.
	Intern(name string) *Symbol

	// SpecialSelector returns the selector and argument count for one of
	// the 32 special-send bytecodes.
	SpecialSelector(index int) (*Symbol, int)

	// NewArray allocates an Array holding elements.
	NewArray(elements []Value) Value

	// ArrayElements returns the live element slice of an Array, used for
	// remote temp vectors and valueWithArguments:.
	ArrayElements(v Value) ([]Value, bool)

	// NewMessage allocates the Message passed to doesNotUnderstand:.
	NewMessage(selector *Symbol, args []Value) Value

	// InstVarAt and InstVarAtPut access named instance variables.
	InstVarAt(receiver Value, index int) (Value, bool)
	InstVarAtPut(receiver Value, index int, v Value) bool

	// BindingValue and SetBindingValue access the value of a literal
	// variable (an association held in a CodeUnit's literals).
	BindingValue(binding Value) (Value, bool)
	SetBindingValue(binding Value, v Value) bool
}

// Primitive produces a result or fails with a *PrimitiveFailed (or any
// error, which is treated as a failure).
type Primitive func(i *Interpreter, receiver Value, args []Value) (Value, error)

// PrimitiveLibrary maps primitive indices to implementations. Lookup returns
// nil for indices the library does not implement.
type PrimitiveLibrary interface {
	Lookup(index int) Primitive
}

// PrimitiveTable is a PrimitiveLibrary backed by a map.
type PrimitiveTable map[int]Primitive

// Lookup implements PrimitiveLibrary.
func (t PrimitiveTable) Lookup(index int) Primitive { return t[index] }

// Scheduler decides which activation runs after a process switch. Returning
// a nil context stops the driver.
type Scheduler interface {
	Switch(suspended *Context) (*Context, error)
}

// Loader supplies CodeUnits built from header/literal/bytecode triples and
// installs them into the object memory.
type Loader interface {
	Load(mem *Memory) ([]*CodeUnit, error)
}

// SingleProcessScheduler resumes the interrupted activation immediately.
// It counts switches so callers can observe preemption.
type SingleProcessScheduler struct {
	Switches int
}

// Switch implements Scheduler.
func (s *SingleProcessScheduler) Switch(suspended *Context) (*Context, error) {
	s.Switches++
	return suspended, nil
}
