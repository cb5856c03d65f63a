// Package vm implements the trufflesqueak bytecode execution engine.
//
// This package contains:
//   - CodeUnit: compiled methods and blocks (header, literals, bytecode)
//   - Decoders for the V3PlusClosures and SistaV1 instruction sets
//   - The global method lookup cache
//   - Live frames and reified contexts (activations)
//   - The return-signal protocol for local and non-local returns
//   - Closure invocation with per-call-site inline caches
//   - The bytecode dispatch loop and interrupt checkpoints
package vm
