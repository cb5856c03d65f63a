package vm

import "fmt"

// ---------------------------------------------------------------------------
// Global method lookup cache
// ---------------------------------------------------------------------------
//
// An open-addressed table keyed by (class, selector). The first probe is
// hash(class) XOR hash(selector); each reprobe adds hash(selector). On a miss
// a rotating index picks which of the probed slots is reused, so a few hot
// colliding selectors do not keep evicting each other.

const (
	// DefaultMethodCacheSize is the number of cache slots (2 << 12).
	DefaultMethodCacheSize = 2 << 12

	// DefaultMethodCacheReprobes is the number of slots probed per lookup.
	DefaultMethodCacheReprobes = 4
)

// MethodCacheEntry maps (Class, Selector) to the resolved CodeUnit. A fresh
// entry returned on a miss has a nil Result for the caller to fill in.
type MethodCacheEntry struct {
	Class    *Class
	Selector *Symbol
	Result   *CodeUnit
}

func (e *MethodCacheEntry) reuseFor(class *Class, selector *Symbol) *MethodCacheEntry {
	e.Class = class
	e.Selector = selector
	e.Result = nil
	return e
}

func (e *MethodCacheEntry) free() {
	*e = MethodCacheEntry{}
}

// MethodCache is the global lookup cache. It is owned by one VM and used
// only from its interpreter goroutine.
type MethodCache struct {
	entries   []MethodCacheEntry
	mask      uint32
	reprobes  int
	randomish int

	// Statistics
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
}

// NewMethodCache creates a cache with size slots (a power of two) probing
// reprobes slots per lookup.
func NewMethodCache(size, reprobes int) (*MethodCache, error) {
	if size <= 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("method cache size %d is not a power of two", size)
	}
	if reprobes <= 0 || reprobes > size {
		return nil, fmt.Errorf("method cache reprobes %d out of range [1, %d]", reprobes, size)
	}
	return &MethodCache{
		entries:  make([]MethodCacheEntry, size),
		mask:     uint32(size - 1),
		reprobes: reprobes,
	}, nil
}

// Size returns the number of slots.
func (c *MethodCache) Size() int { return len(c.entries) }

// Find returns the entry for (class, selector). On a miss, one of the
// probed slots is reused and returned with a nil Result.
func (c *MethodCache) Find(class *Class, selector *Symbol) *MethodCacheEntry {
	c.randomish = (c.randomish + 1) % c.reprobes
	selectorHash := selector.IdentityHash()
	firstProbe := (class.IdentityHash() ^ selectorHash) & c.mask
	probe := firstProbe
	for i := 0; i < c.reprobes; i++ {
		e := &c.entries[probe]
		if e.Class == class && e.Selector == selector {
			c.Hits++
			return e
		}
		if i == c.randomish {
			firstProbe = probe
		}
		probe = (probe + selectorHash) & c.mask
	}
	c.Misses++
	victim := &c.entries[firstProbe]
	if victim.Class != nil {
		c.Evictions++
	}
	return victim.reuseFor(class, selector)
}

// Flush clears every entry.
func (c *MethodCache) Flush() {
	for i := range c.entries {
		c.entries[i].free()
	}
	c.Flushes++
}

// FlushSelector clears every entry for selector.
func (c *MethodCache) FlushSelector(selector *Symbol) {
	for i := range c.entries {
		if c.entries[i].Selector == selector {
			c.entries[i].free()
		}
	}
	c.Flushes++
}

// FlushMethod clears every entry resolving to code.
func (c *MethodCache) FlushMethod(code *CodeUnit) {
	for i := range c.entries {
		if c.entries[i].Result == code {
			c.entries[i].free()
		}
	}
	c.Flushes++
}

// FlushAfterBecome clears the whole cache: an identity swap may affect any
// class, selector or method.
func (c *MethodCache) FlushAfterBecome() {
	c.Flush()
}

// Occupied returns the number of slots holding a resolved method.
func (c *MethodCache) Occupied() int {
	n := 0
	for i := range c.entries {
		if c.entries[i].Result != nil {
			n++
		}
	}
	return n
}

// HitRate returns the cache hit rate as a percentage (0-100).
func (c *MethodCache) HitRate() float64 {
	total := c.Hits + c.Misses
	if total == 0 {
		return 0
	}
	return float64(c.Hits) * 100 / float64(total)
}

// MethodCacheStats is a snapshot of the cache counters.
type MethodCacheStats struct {
	Size      int
	Occupied  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
	HitRate   float64
}

// Stats returns a snapshot of the cache counters.
func (c *MethodCache) Stats() MethodCacheStats {
	return MethodCacheStats{
		Size:      len(c.entries),
		Occupied:  c.Occupied(),
		Hits:      c.Hits,
		Misses:    c.Misses,
		Evictions: c.Evictions,
		Flushes:   c.Flushes,
		HitRate:   c.HitRate(),
	}
}
