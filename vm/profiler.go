package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts activations and loop back-edges per CodeUnit. Blocks are
// profiled separately from their methods: a shadow block or CompiledBlock
// has its own profile.

// CodeProfile holds profiling data for a single CodeUnit.
type CodeProfile struct {
	Invocations    uint64 // Atomic counter for activations
	LoopIterations uint64 // Atomic counter for backward jumps taken
	IsHot          bool   // True once Invocations reached the threshold
}

// Profiler manages profiling for all code run by one VM.
type Profiler struct {
	profiles sync.Map // *CodeUnit -> *CodeProfile

	// HotThreshold is the invocation count at which code becomes hot.
	HotThreshold uint64

	// OnHot is called once when code becomes hot.
	OnHot func(code *CodeUnit, profile *CodeProfile)

	hotCount uint64
}

// NewProfiler creates a new profiler with the default threshold.
func NewProfiler() *Profiler {
	return &Profiler{HotThreshold: 100}
}

func (p *Profiler) profile(code *CodeUnit) *CodeProfile {
	val, _ := p.profiles.LoadOrStore(code, &CodeProfile{})
	return val.(*CodeProfile)
}

// RecordInvocation increments the activation count for code.
// Returns true if this invocation caused the code to become hot.
func (p *Profiler) RecordInvocation(code *CodeUnit) bool {
	if p == nil || code == nil {
		return false
	}
	profile := p.profile(code)
	count := atomic.AddUint64(&profile.Invocations, 1)
	if !profile.IsHot && count >= p.HotThreshold {
		profile.IsHot = true
		atomic.AddUint64(&p.hotCount, 1)
		if p.OnHot != nil {
			p.OnHot(code, profile)
		}
		return true
	}
	return false
}

// RecordLoopIteration counts one backward jump taken in code.
func (p *Profiler) RecordLoopIteration(code *CodeUnit) {
	if p == nil || code == nil {
		return
	}
	atomic.AddUint64(&p.profile(code).LoopIterations, 1)
}

// GetProfile returns the profile for code, or nil if not tracked.
func (p *Profiler) GetProfile(code *CodeUnit) *CodeProfile {
	if val, ok := p.profiles.Load(code); ok {
		return val.(*CodeProfile)
	}
	return nil
}

// IsHot returns true if code has exceeded the hot threshold.
func (p *Profiler) IsHot(code *CodeUnit) bool {
	profile := p.GetProfile(code)
	return profile != nil && profile.IsHot
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	TotalUnits       int    // Number of CodeUnits profiled
	HotUnits         int    // Number of hot CodeUnits
	Blocks           int    // Number of block units profiled
	TotalInvocations uint64 // Sum of all activations
	LoopIterations   uint64 // Sum of all backward jumps
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(key, value interface{}) bool {
		code := key.(*CodeUnit)
		profile := value.(*CodeProfile)
		stats.TotalUnits++
		if code.kind != KindMethod {
			stats.Blocks++
		}
		stats.TotalInvocations += atomic.LoadUint64(&profile.Invocations)
		stats.LoopIterations += atomic.LoadUint64(&profile.LoopIterations)
		if profile.IsHot {
			stats.HotUnits++
		}
		return true
	})
	return stats
}

// ProfileEntry is one row of a profiler snapshot.
type ProfileEntry struct {
	Code           *CodeUnit
	Name           string
	Block          bool
	Invocations    uint64
	LoopIterations uint64
}

// Snapshot returns every profile, most invoked first. Ties are broken by
// loop iterations and then by name so the order is stable.
func (p *Profiler) Snapshot() []ProfileEntry {
	var all []ProfileEntry
	p.profiles.Range(func(key, value interface{}) bool {
		code := key.(*CodeUnit)
		profile := value.(*CodeProfile)
		all = append(all, ProfileEntry{
			Code:           code,
			Name:           code.String(),
			Block:          code.kind != KindMethod,
			Invocations:    atomic.LoadUint64(&profile.Invocations),
			LoopIterations: atomic.LoadUint64(&profile.LoopIterations),
		})
		return true
	})
	sort.Slice(all, func(a, b int) bool {
		if all[a].Invocations != all[b].Invocations {
			return all[a].Invocations > all[b].Invocations
		}
		if all[a].LoopIterations != all[b].LoopIterations {
			return all[a].LoopIterations > all[b].LoopIterations
		}
		return all[a].Name < all[b].Name
	})
	return all
}

// TopUnits returns the N most frequently invoked CodeUnits.
func (p *Profiler) TopUnits(n int) []*CodeUnit {
	snap := p.Snapshot()
	result := make([]*CodeUnit, 0, n)
	for i := 0; i < n && i < len(snap); i++ {
		result = append(result, snap[i].Code)
	}
	return result
}

// HotUnits returns all CodeUnits that have exceeded the hot threshold.
func (p *Profiler) HotUnits() []*CodeUnit {
	var hot []*CodeUnit
	p.profiles.Range(func(key, value interface{}) bool {
		if value.(*CodeProfile).IsHot {
			hot = append(hot, key.(*CodeUnit))
		}
		return true
	})
	return hot
}

// Reset clears all profiling data.
func (p *Profiler) Reset() {
	p.profiles = sync.Map{}
	atomic.StoreUint64(&p.hotCount, 0)
}
