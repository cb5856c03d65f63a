package loader

import (
	"fmt"

	"github.com/psvensson/trufflesqueak/vm"
)

// Load implements vm.Loader.
func (f *File) Load(mem *vm.Memory) ([]*vm.CodeUnit, error) {
	return Install(f, mem)
}

// Install defines the file's classes in mem, builds every unit and
// installs the methods. Unit literals are resolved after all units exist,
// so methods and their compiled blocks may refer to each other. It returns
// the units in file order.
func Install(f *File, mem *vm.Memory) ([]*vm.CodeUnit, error) {
	for _, rec := range f.Classes {
		super := mem.ObjectClass
		if rec.Superclass != "" {
			super = mem.ClassNamed(rec.Superclass)
			if super == nil {
				return nil, fmt.Errorf("class %s: unknown superclass %s", rec.Name, rec.Superclass)
			}
		}
		mem.DefineClass(rec.Name, super, rec.InstVars)
	}

	units := make([]*vm.CodeUnit, len(f.Units))
	for i, rec := range f.Units {
		lits := make([]vm.Value, len(rec.Literals))
		for j, lit := range rec.Literals {
			v, err := decodeLiteral(lit, mem, len(f.Units))
			if err != nil {
				return nil, fmt.Errorf("unit %d literal %d: %w", i, j, err)
			}
			lits[j] = v
		}
		var code *vm.CodeUnit
		var err error
		if rec.Block {
			code, err = vm.NewCompiledBlock(rec.Header, lits, rec.Bytecode)
		} else {
			code, err = vm.NewCodeUnit(rec.Header, lits, rec.Bytecode)
		}
		if err != nil {
			return nil, fmt.Errorf("unit %d: %w", i, err)
		}
		units[i] = code
	}

	for i, rec := range f.Units {
		for j, lit := range rec.Literals {
			if lit.Kind != KindUnit {
				continue
			}
			if err := units[i].SetLiteralAt(1+j, units[lit.Int]); err != nil {
				return nil, fmt.Errorf("unit %d literal %d: %w", i, j, err)
			}
		}
	}

	for i, rec := range f.Units {
		if rec.Class == "" {
			continue
		}
		class := mem.ClassNamed(rec.Class)
		if class == nil {
			return nil, fmt.Errorf("unit %d: unknown class %s", i, rec.Class)
		}
		if rec.Meta {
			class = mem.Metaclass(class)
		}
		if rec.Selector == "" {
			return nil, fmt.Errorf("unit %d: method of %s has no selector", i, rec.Class)
		}
		mem.InstallMethod(class, mem.Intern(rec.Selector), units[i])
	}

	log.Infof("installed %d classes, %d units", len(f.Classes), len(units))
	return units, nil
}

func decodeLiteral(lit Literal, mem *vm.Memory, numUnits int) (vm.Value, error) {
	switch lit.Kind {
	case KindInt:
		if !vm.IsSmallInteger(lit.Int) {
			return nil, fmt.Errorf("integer %d out of SmallInteger range", lit.Int)
		}
		return lit.Int, nil
	case KindFloat:
		return lit.Float, nil
	case KindChar:
		return vm.Character(rune(lit.Int)), nil
	case KindSymbol:
		return mem.Intern(lit.Text), nil
	case KindString:
		return lit.Text, nil
	case KindNil:
		return vm.Nil, nil
	case KindTrue:
		return true, nil
	case KindFalse:
		return false, nil
	case KindGlobal:
		return mem.Binding(lit.Text), nil
	case KindClass:
		class := mem.ClassNamed(lit.Text)
		if class == nil {
			return nil, fmt.Errorf("unknown class %s", lit.Text)
		}
		return class, nil
	case KindUnit:
		if lit.Int < 0 || lit.Int >= int64(numUnits) {
			return nil, fmt.Errorf("unit reference %d out of range [0, %d)", lit.Int, numUnits)
		}
		// Patched once every unit is built.
		return vm.Nil, nil
	case KindArray:
		elements := make([]vm.Value, len(lit.Elements))
		for i, e := range lit.Elements {
			if e.Kind == KindUnit {
				return nil, fmt.Errorf("%w: unit reference inside an array", ErrUnknownLiteral)
			}
			v, err := decodeLiteral(e, mem, numUnits)
			if err != nil {
				return nil, err
			}
			elements[i] = v
		}
		return mem.NewArray(elements), nil
	}
	return nil, fmt.Errorf("%w: kind %q", ErrUnknownLiteral, lit.Kind)
}
