package vm

// ---------------------------------------------------------------------------
// CompiledCode header word
// ---------------------------------------------------------------------------
//
//	bits 0-14   number of literals
//	bit  15     reserved (Sista "jit without counters")
//	bit  16     has primitive
//	bit  17     needs large frame
//	bits 18-23  number of temporaries
//	bits 24-27  number of arguments
//	bits 28-29  access modifier (unused)
//	sign bit    instruction set: >= 0 V3PlusClosures, < 0 SistaV1

const (
	headerNumLiteralsMask = 0x7FFF
	headerHasPrimitive    = 0x10000
	headerLargeFrame      = 0x20000
	headerNumTempsShift   = 18
	headerNumTempsMask    = 0x3F
	headerNumArgsShift    = 24
	headerNumArgsMask     = 0x0F
)

// Header holds the decoded fields of a CodeUnit header word.
type Header struct {
	NumArgs         int
	NumTemps        int
	NumLiterals     int
	HasPrimitive    bool
	NeedsLargeFrame bool
	SignFlag        bool
}

// DecodeHeader extracts the header fields from word.
func DecodeHeader(word int64) Header {
	return Header{
		NumLiterals:     int(word & headerNumLiteralsMask),
		HasPrimitive:    word&headerHasPrimitive != 0,
		NeedsLargeFrame: word&headerLargeFrame != 0,
		NumTemps:        int(word>>headerNumTempsShift) & headerNumTempsMask,
		NumArgs:         int(word>>headerNumArgsShift) & headerNumArgsMask,
		SignFlag:        word >= 0,
	}
}

// MakeHeader builds a header word. A cleared signFlag sets bit 31, and the
// result is sign-extended from 32 bits like an image-resident header.
func MakeHeader(signFlag bool, numArgs, numTemps, numLiterals int, hasPrimitive, needsLargeFrame bool) int64 {
	var w uint32
	if !signFlag {
		w |= 1 << 31
	}
	w |= uint32(numArgs&headerNumArgsMask) << headerNumArgsShift
	w |= uint32(numTemps&headerNumTempsMask) << headerNumTempsShift
	w |= uint32(numLiterals & headerNumLiteralsMask)
	if needsLargeFrame {
		w |= headerLargeFrame
	}
	if hasPrimitive {
		w |= headerHasPrimitive
	}
	return int64(int32(w))
}

// Word re-encodes h.
func (h Header) Word() int64 {
	return MakeHeader(h.SignFlag, h.NumArgs, h.NumTemps, h.NumLiterals, h.HasPrimitive, h.NeedsLargeFrame)
}
