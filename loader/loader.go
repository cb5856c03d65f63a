// Package loader reads and writes code files: CBOR documents holding the
// class definitions and CodeUnit header/literal/bytecode triples of a
// program, and installs them into a vm.Memory.
package loader

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/tliron/commonlog"

	"github.com/psvensson/trufflesqueak/vm"
)

// FormatVersion is the code file version written by this package.
const FormatVersion = 1

// ErrUnknownLiteral is returned for literals that have no code file
// representation, in either direction.
var ErrUnknownLiteral = errors.New("unknown literal")

var log = commonlog.GetLogger("trufflesqueak.loader")

// cborEncMode uses canonical mode so identical programs encode to
// identical bytes.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("loader: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// File is a code file.
type File struct {
	Version int           `cbor:"1,keyasint"`
	Classes []ClassRecord `cbor:"2,keyasint,omitempty"`
	Units   []UnitRecord  `cbor:"3,keyasint,omitempty"`

	// units maps CodeUnits added with AddMethod to their index in Units.
	units map[*vm.CodeUnit]int
}

// ClassRecord defines a class. An empty Superclass means Object.
type ClassRecord struct {
	Name       string `cbor:"1,keyasint"`
	Superclass string `cbor:"2,keyasint,omitempty"`
	InstVars   int    `cbor:"3,keyasint,omitempty"`
}

// UnitRecord is one CodeUnit. Methods name their class and selector;
// compiled blocks leave both empty and are reached through unit literals.
type UnitRecord struct {
	Class    string    `cbor:"1,keyasint,omitempty"`
	Meta     bool      `cbor:"2,keyasint,omitempty"` // installed on the class side
	Selector string    `cbor:"3,keyasint,omitempty"`
	Block    bool      `cbor:"4,keyasint,omitempty"`
	Header   int64     `cbor:"5,keyasint"`
	Literals []Literal `cbor:"6,keyasint,omitempty"`
	Bytecode []byte    `cbor:"7,keyasint"`
}

// LiteralKind tags a Literal.
type LiteralKind string

const (
	KindInt    LiteralKind = "int"
	KindFloat  LiteralKind = "float"
	KindChar   LiteralKind = "char"
	KindSymbol LiteralKind = "symbol"
	KindString LiteralKind = "string"
	KindNil    LiteralKind = "nil"
	KindTrue   LiteralKind = "true"
	KindFalse  LiteralKind = "false"
	KindGlobal LiteralKind = "global" // association bound in the globals
	KindClass  LiteralKind = "class"
	KindUnit   LiteralKind = "unit" // index into File.Units
	KindArray  LiteralKind = "array"
)

// Literal is a typed literal. Only the field matching Kind is set.
type Literal struct {
	Kind     LiteralKind `cbor:"1,keyasint"`
	Int      int64       `cbor:"2,keyasint,omitempty"` // int, char, unit
	Float    float64     `cbor:"3,keyasint,omitempty"`
	Text     string      `cbor:"4,keyasint,omitempty"` // symbol, string, global, class
	Elements []Literal   `cbor:"5,keyasint,omitempty"`
}

// NewFile returns an empty file at the current version.
func NewFile() *File {
	return &File{Version: FormatVersion}
}

// Marshal serializes f to CBOR bytes.
func Marshal(f *File) ([]byte, error) {
	return cborEncMode.Marshal(f)
}

// Unmarshal deserializes a code file from CBOR bytes.
func Unmarshal(data []byte) (*File, error) {
	var f File
	if err := cbor.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("loader: unmarshal code file: %w", err)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("loader: unsupported code file version %d", f.Version)
	}
	return &f, nil
}

// Read decodes a code file from r.
func Read(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("loader: read code file: %w", err)
	}
	return Unmarshal(data)
}

// Write encodes f to w.
func Write(w io.Writer, f *File) error {
	data, err := Marshal(f)
	if err != nil {
		return fmt.Errorf("loader: marshal code file: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// ReadFile reads the code file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	f, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	log.Debugf("read %s: %d classes, %d units", path, len(f.Classes), len(f.Units))
	return f, nil
}

// WriteFile writes f to path.
func WriteFile(path string, f *File) error {
	data, err := Marshal(f)
	if err != nil {
		return fmt.Errorf("loader: marshal code file: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
