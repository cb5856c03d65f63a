package loader

import (
	"fmt"

	"github.com/psvensson/trufflesqueak/vm"
)

// AddClass appends a class definition.
func (f *File) AddClass(name, superclass string, instVars int) {
	f.Classes = append(f.Classes, ClassRecord{Name: name, Superclass: superclass, InstVars: instVars})
}

// AddMethod records code as the method className>>selector, together with
// every compiled block reachable from its literals. Units already in the
// file are shared.
func (f *File) AddMethod(className string, meta bool, selector string, code *vm.CodeUnit) error {
	index, err := f.addUnit(code)
	if err != nil {
		return fmt.Errorf("%s>>%s: %w", className, selector, err)
	}
	rec := &f.Units[index]
	rec.Class = className
	rec.Meta = meta
	rec.Selector = selector
	return nil
}

func (f *File) addUnit(code *vm.CodeUnit) (int, error) {
	if code.IsShadowBlock() {
		return 0, fmt.Errorf("%w: shadow block %s", ErrUnknownLiteral, code)
	}
	if f.units == nil {
		f.units = make(map[*vm.CodeUnit]int)
	}
	if index, ok := f.units[code]; ok {
		return index, nil
	}

	index := len(f.Units)
	f.units[code] = index
	f.Units = append(f.Units, UnitRecord{
		Block:    code.IsCompiledBlock(),
		Header:   code.HeaderWord(),
		Bytecode: append([]byte(nil), code.Bytes()...),
	})

	lits := make([]Literal, code.NumLiterals())
	for i, v := range code.Literals() {
		lit, err := f.encodeLiteral(v)
		if err != nil {
			return 0, fmt.Errorf("literal %d: %w", i, err)
		}
		lits[i] = lit
	}
	f.Units[index].Literals = lits
	return index, nil
}

func (f *File) encodeLiteral(v vm.Value) (Literal, error) {
	switch x := v.(type) {
	case nil, vm.NilObject:
		return Literal{Kind: KindNil}, nil
	case bool:
		if x {
			return Literal{Kind: KindTrue}, nil
		}
		return Literal{Kind: KindFalse}, nil
	case int64:
		return Literal{Kind: KindInt, Int: x}, nil
	case float64:
		return Literal{Kind: KindFloat, Float: x}, nil
	case vm.Character:
		return Literal{Kind: KindChar, Int: int64(x)}, nil
	case string:
		return Literal{Kind: KindString, Text: x}, nil
	case *vm.Symbol:
		return Literal{Kind: KindSymbol, Text: x.Name}, nil
	case *vm.Class:
		return Literal{Kind: KindClass, Text: x.Name}, nil
	case *vm.CodeUnit:
		index, err := f.addUnit(x)
		if err != nil {
			return Literal{}, err
		}
		return Literal{Kind: KindUnit, Int: int64(index)}, nil
	case *vm.Object:
		cls := x.Class()
		switch {
		case cls != nil && cls.Name == "Association" && len(x.Slots) == 2:
			if key, ok := x.Slots[0].(*vm.Symbol); ok {
				return Literal{Kind: KindGlobal, Text: key.Name}, nil
			}
		case cls != nil && cls.Name == "Array":
			elements := make([]Literal, len(x.Slots))
			for i, e := range x.Slots {
				if _, ok := e.(*vm.CodeUnit); ok {
					return Literal{}, fmt.Errorf("%w: CodeUnit inside an array", ErrUnknownLiteral)
				}
				lit, err := f.encodeLiteral(e)
				if err != nil {
					return Literal{}, err
				}
				elements[i] = lit
			}
			return Literal{Kind: KindArray, Elements: elements}, nil
		}
	}
	return Literal{}, fmt.Errorf("%w: %s", ErrUnknownLiteral, vm.PrintString(v))
}
