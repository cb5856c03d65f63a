package manifest

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schemaSrc constrains every key of trufflesqueak.toml.
const schemaSrc = `
engine: close({
	method_cache_size:         int & >=256 & <=65536
	method_cache_reprobes:     int & >=1 & <=8
	closure_inline_cache_size: int & >=1 & <=16
	max_frame_depth:           int & >=16 & <=1000000
})
interrupts: close({
	disabled:    bool
	interval_ms: int & >=1 & <=1000
})
logging: close({
	verbosity: int & >=-4 & <=4
	file:      string
})
stats: close({
	database:     string
	record_loops: bool
})
`

// Validate checks the config against the schema. Every failure matches
// ErrInvalidConfig.
func (c *Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString("close({" + schemaSrc + "})")
	if err := schema.Err(); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	value := ctx.Encode(c)
	if err := value.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	// Set-associative lookup needs a power-of-two table.
	if n := c.Engine.MethodCacheSize; n&(n-1) != 0 {
		return fmt.Errorf("%w: engine.method_cache_size %d is not a power of two", ErrInvalidConfig, n)
	}
	return nil
}
