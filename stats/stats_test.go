package stats

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/psvensson/trufflesqueak/vm"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordCapturedRun(t *testing.T) {
	opts := vm.DefaultOptions()
	opts.Profile = true
	v, err := vm.NewVM(opts)
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	sel := v.Memory.Intern("answer")
	code := vm.NewCodeUnitBuilder(vm.V3PlusClosures).
		PushConstant(int64(1)).ReturnTop().
		InClass(sel, v.Memory.Binding("Object")).
		MustBuild()
	v.InstallMethod(v.Memory.ObjectClass, sel, code)

	started := time.Now()
	for i := 0; i < 3; i++ {
		if got, err := v.Send(vm.Nil, "answer"); err != nil || got != int64(1) {
			t.Fatalf("answer = %v, %v; want 1", got, err)
		}
	}

	snap := Capture(v, started)
	if snap.VMID != v.ID {
		t.Errorf("VMID = %q, want %q", snap.VMID, v.ID)
	}

	s := openMemory(t)
	id, err := s.Record(snap)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	run, err := s.Run(id)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.VMID != v.ID {
		t.Errorf("run VMID = %q, want %q", run.VMID, v.ID)
	}
	if !run.StartedAt.Equal(time.Unix(0, started.UnixNano())) {
		t.Errorf("StartedAt = %v, want %v", run.StartedAt, started)
	}
	if run.CacheHits != snap.Cache.Hits || run.CacheMisses != snap.Cache.Misses {
		t.Errorf("cache = %d/%d, want %d/%d", run.CacheHits, run.CacheMisses, snap.Cache.Hits, snap.Cache.Misses)
	}
	if run.HitRate() != snap.Cache.HitRate {
		t.Errorf("HitRate() = %v, want the cache's %v", run.HitRate(), snap.Cache.HitRate)
	}

	units, err := s.TopUnits(id, 10)
	if err != nil {
		t.Fatalf("TopUnits: %v", err)
	}
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}
	if units[0].Name != "Object>>answer" || units[0].Invocations != 3 || units[0].Block {
		t.Errorf("unit = %+v, want Object>>answer invoked 3 times", units[0])
	}
}

func TestCaptureWithoutProfiler(t *testing.T) {
	v, err := vm.NewVM(vm.DefaultOptions())
	if err != nil {
		t.Fatalf("NewVM: %v", err)
	}
	if snap := Capture(v, time.Now()); len(snap.Units) != 0 {
		t.Errorf("units = %d, want 0 without a profiler", len(snap.Units))
	}
}

func TestTopUnitsOrder(t *testing.T) {
	s := openMemory(t)
	id, err := s.Record(Snapshot{
		StartedAt: time.Now(),
		VMID:      "vm",
		Cache:     vm.MethodCacheStats{Hits: 3, Misses: 1},
		Units: []vm.ProfileEntry{
			{Name: "Object>>b", Invocations: 5},
			{Name: "Object>>a", Invocations: 5},
			{Name: "[] in Object>>a", Block: true, Invocations: 5, LoopIterations: 9},
			{Name: "Object>>c", Invocations: 1},
		},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	units, err := s.TopUnits(id, 3)
	if err != nil {
		t.Fatalf("TopUnits: %v", err)
	}
	want := []string{"[] in Object>>a", "Object>>a", "Object>>b"}
	if len(units) != len(want) {
		t.Fatalf("units = %d, want %d", len(units), len(want))
	}
	for i, name := range want {
		if units[i].Name != name {
			t.Errorf("units[%d] = %q, want %q", i, units[i].Name, name)
		}
	}
	if !units[0].Block || units[0].LoopIterations != 9 {
		t.Errorf("block unit = %+v, want a block with 9 loop iterations", units[0])
	}

	run, err := s.Run(id)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if run.HitRate() != 75 {
		t.Errorf("HitRate() = %v, want 75", run.HitRate())
	}
}

func TestRecordLoopsDisabled(t *testing.T) {
	s := openMemory(t)
	s.RecordLoops = false
	id, err := s.Record(Snapshot{
		StartedAt: time.Now(),
		Units:     []vm.ProfileEntry{{Name: "Object>>loop", Invocations: 1, LoopIterations: 100}},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	units, err := s.TopUnits(id, 1)
	if err != nil {
		t.Fatalf("TopUnits: %v", err)
	}
	if len(units) != 1 || units[0].LoopIterations != 0 {
		t.Errorf("units = %+v, want loop iterations recorded as 0", units)
	}
}

func TestRunsNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	base := time.Unix(1700000000, 0)
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := s.Record(Snapshot{StartedAt: base.Add(time.Duration(i) * time.Minute), VMID: "vm"})
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		ids = append(ids, id)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	runs, err := s.Runs()
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d, want 3", len(runs))
	}
	for i, r := range runs {
		if want := ids[2-i]; r.ID != want {
			t.Errorf("runs[%d] = %s, want %s", i, r.ID, want)
		}
	}
}

func TestRunNotFound(t *testing.T) {
	s := openMemory(t)
	if _, err := s.Run("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Run error = %v, want ErrRunNotFound", err)
	}
	if r := (Run{}); r.HitRate() != 0 {
		t.Errorf("empty HitRate() = %v, want 0", r.HitRate())
	}
}
