package vm

// ---------------------------------------------------------------------------
// Entry: the executable form of a CodeUnit
// ---------------------------------------------------------------------------

// Entry is the memoized call target of a CodeUnit. Instructions are decoded
// on first visit. An Entry is dropped (and marked invalid) whenever its
// CodeUnit is mutated.
type Entry struct {
	code  *CodeUnit
	insts []*Instruction
	valid bool

	primitive      Primitive
	primitiveBound bool

	// site caches closures invoked by the engine's closure primitives.
	site *ClosureSite
}

func newEntry(code *CodeUnit) *Entry {
	return &Entry{
		code:  code,
		insts: make([]*Instruction, len(code.bytes)),
		valid: true,
	}
}

// Code returns the CodeUnit the entry executes.
func (e *Entry) Code() *CodeUnit { return e.code }

// IsValid reports whether the entry still matches its CodeUnit.
func (e *Entry) IsValid() bool { return e.valid }

// instructionAt returns the decoded instruction at pc, decoding it on first
// use. A backward jump is scanned once: when nothing between its target and
// itself can activate code, the jump gets an interrupt checkpoint.
func (e *Entry) instructionAt(pc int) *Instruction {
	if pc < 0 || pc >= len(e.insts) {
		internalErrorf(e.code, pc, "pc outside bytecode [0, %d)", len(e.insts))
	}
	if in := e.insts[pc]; in != nil {
		return in
	}
	in := e.code.decoder.Decode(e.code, pc)
	e.insts[pc] = in
	// Sends answered by a primitive never poll, so every back-edge does.
	in.Checkpoint = in.IsBackwardJump()
	return in
}

// lookupPrimitive binds the library primitive once per entry.
func (e *Entry) lookupPrimitive(lib PrimitiveLibrary) Primitive {
	if !e.primitiveBound {
		if lib != nil {
			e.primitive = lib.Lookup(e.code.PrimitiveIndex())
		}
		e.primitiveBound = true
	}
	return e.primitive
}

func (e *Entry) closureSite(limit int) *ClosureSite {
	if e.site == nil {
		e.site = NewClosureSite(limit)
	}
	return e.site
}
