package loader

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/psvensson/trufflesqueak/vm"
)

func newVM(t *testing.T) *vm.VM {
	t.Helper()
	v, err := vm.NewVM(vm.DefaultOptions())
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	return v
}

// counterProgram builds a small program in a fresh memory and records it:
// Counter>>answer (40 + 2), Counter>>literals (an Array literal),
// Counter>>pair (a full closure) and Counter class>>make.
func counterProgram(t *testing.T) *File {
	t.Helper()
	src := newVM(t)
	mem := src.Memory
	counter := mem.DefineClass("Counter", mem.ObjectClass, 1)
	binding := mem.Binding("Counter")

	answer := vm.NewCodeUnitBuilder(vm.V3PlusClosures).
		PushLiteral(int64(40)).PushConstant(int64(2)).SpecialSend(vm.SpecialPlus).ReturnTop().
		InClass(mem.Intern("answer"), binding).
		MustBuild()

	array := mem.NewArray([]vm.Value{int64(1), 2.5, vm.Character('x'), "str", mem.Intern("sym"), vm.Nil, true, false})
	literals := vm.NewCodeUnitBuilder(vm.V3PlusClosures).
		PushLiteral(array).ReturnTop().
		InClass(mem.Intern("literals"), binding).
		MustBuild()

	block, err := vm.NewCodeUnitBuilder(vm.SistaV1).Temps(2).
		PushTemp(1).PushSelf().PushNewArray(2, true).BlockReturnTop().
		BuildBlock(nil)
	if err != nil {
		t.Fatalf("BuildBlock: %v", err)
	}
	pair := vm.NewCodeUnitBuilder(vm.SistaV1).
		PushConstant(int64(1)).PushConstant(int64(2)).
		PushFullClosure(block, 2, false, false).
		SpecialSend(vm.SpecialValue).ReturnTop().
		InClass(mem.Intern("pair"), binding).
		MustBuild()
	if err := block.SetLiteralAt(block.NumLiterals(), pair); err != nil {
		t.Fatalf("SetLiteralAt: %v", err)
	}

	maker := vm.NewCodeUnitBuilder(vm.V3PlusClosures).
		PushLiteral(counter).ReturnTop().
		InClass(mem.Intern("make"), binding).
		MustBuild()

	f := NewFile()
	f.AddClass("Counter", "", 1)
	for _, m := range []struct {
		selector string
		meta     bool
		code     *vm.CodeUnit
	}{
		{"answer", false, answer},
		{"literals", false, literals},
		{"pair", false, pair},
		{"make", true, maker},
	} {
		if err := f.AddMethod("Counter", m.meta, m.selector, m.code); err != nil {
			t.Fatalf("AddMethod(%s): %v", m.selector, err)
		}
	}
	return f
}

func TestRoundTripThroughFile(t *testing.T) {
	f := counterProgram(t)
	if len(f.Units) != 5 {
		t.Fatalf("units = %d, want 5 (4 methods and 1 block)", len(f.Units))
	}

	path := filepath.Join(t.TempDir(), "counter.cbor")
	if err := WriteFile(path, f); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	read, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	v := newVM(t)
	units, err := v.Load(read)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(units) != 5 {
		t.Errorf("Load returned %d units, want 5", len(units))
	}

	counter := v.Memory.ClassNamed("Counter")
	if counter == nil {
		t.Fatal("Counter was not defined")
	}
	if counter.InstSize != 1 {
		t.Errorf("Counter InstSize = %d, want 1", counter.InstSize)
	}
	obj := vm.NewObject(counter, counter.InstSize)

	if got, err := v.Send(obj, "answer"); err != nil || got != int64(42) {
		t.Errorf("answer = %v, %v; want 42", got, err)
	}

	got, err := v.Send(obj, "literals")
	if err != nil {
		t.Fatalf("literals: %v", err)
	}
	if s := vm.PrintString(got); s != "#(1 2.5 $x 'str' #sym nil true false)" {
		t.Errorf("literals = %s", s)
	}

	got, err = v.Send(obj, "pair")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	elements, ok := v.Memory.ArrayElements(got)
	if !ok || len(elements) != 2 || elements[0] != int64(2) || elements[1] != obj {
		t.Errorf("pair = %s, want {2. a Counter}", vm.PrintString(got))
	}

	if got, err := v.Send(counter, "make"); err != nil || got != counter {
		t.Errorf("Counter make = %v, %v; want Counter", got, err)
	}

	method := counter.Methods[v.Memory.Intern("pair")]
	if method == nil {
		t.Fatal("pair was not installed")
	}
	if method.String() != "Counter>>pair" {
		t.Errorf("method name = %q, want Counter>>pair", method.String())
	}
	for _, u := range units {
		if u.IsCompiledBlock() && u.Method() != method {
			t.Errorf("block outer method = %v, want Counter>>pair", u.Method())
		}
	}
}

func TestCanonicalEncoding(t *testing.T) {
	a, err := Marshal(counterProgram(t))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	b, err := Marshal(counterProgram(t))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("identical programs encoded to different bytes")
	}

	var buf bytes.Buffer
	if err := Write(&buf, counterProgram(t)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), a) {
		t.Error("Write and Marshal disagree")
	}
	f, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if f.Version != FormatVersion {
		t.Errorf("Version = %d, want %d", f.Version, FormatVersion)
	}
}

func TestUnsupportedVersion(t *testing.T) {
	data, err := Marshal(&File{Version: FormatVersion + 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if _, err := Unmarshal(data); err == nil {
		t.Error("expected an error for a future version")
	}
}

func TestUnknownLiteralKind(t *testing.T) {
	f := NewFile()
	f.Units = []UnitRecord{{
		Header:   vm.Header{NumLiterals: 1, SignFlag: true}.Word(),
		Literals: []Literal{{Kind: "pointer"}},
		Bytecode: []byte{120},
	}}
	_, err := Install(f, vm.NewMemory())
	if !errors.Is(err, ErrUnknownLiteral) {
		t.Errorf("Install error = %v, want ErrUnknownLiteral", err)
	}
}

func TestUnencodableLiteral(t *testing.T) {
	v := newVM(t)
	obj := vm.NewObject(v.Memory.ObjectClass, 0)
	code := vm.NewCodeUnitBuilder(vm.V3PlusClosures).PushLiteral(obj).ReturnTop().MustBuild()

	err := NewFile().AddMethod("Object", false, "odd", code)
	if !errors.Is(err, ErrUnknownLiteral) {
		t.Errorf("AddMethod error = %v, want ErrUnknownLiteral", err)
	}
}

func TestInstallErrors(t *testing.T) {
	header := vm.Header{SignFlag: true}.Word()
	tests := []struct {
		name string
		file *File
	}{
		{"unknown superclass", &File{Version: FormatVersion, Classes: []ClassRecord{{Name: "A", Superclass: "Missing"}}}},
		{"unknown class", &File{Version: FormatVersion, Units: []UnitRecord{{Class: "Missing", Selector: "x", Header: header, Bytecode: []byte{120}}}}},
		{"missing selector", &File{Version: FormatVersion, Units: []UnitRecord{{Class: "Object", Header: header, Bytecode: []byte{120}}}}},
		{"unit out of range", &File{Version: FormatVersion, Units: []UnitRecord{{
			Header:   vm.Header{NumLiterals: 1, SignFlag: true}.Word(),
			Literals: []Literal{{Kind: KindUnit, Int: 3}},
			Bytecode: []byte{120},
		}}}},
		{"integer out of range", &File{Version: FormatVersion, Units: []UnitRecord{{
			Header:   vm.Header{NumLiterals: 1, SignFlag: true}.Word(),
			Literals: []Literal{{Kind: KindInt, Int: vm.MaxSmallInteger + 1}},
			Bytecode: []byte{120},
		}}}},
		{"literal count mismatch", &File{Version: FormatVersion, Units: []UnitRecord{{
			Header:   vm.Header{NumLiterals: 2, SignFlag: true}.Word(),
			Bytecode: []byte{120},
		}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Install(tt.file, vm.NewMemory()); err == nil {
				t.Error("expected an install error")
			}
		})
	}
}
