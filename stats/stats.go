// Package stats persists profiler snapshots into SQLite so runs can be
// compared: per-CodeUnit invocation and loop counts plus the method cache
// hit rate.
package stats

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/psvensson/trufflesqueak/vm"
)

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

var log = commonlog.GetLogger("trufflesqueak.stats")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	started_at   INTEGER NOT NULL,
	vm_id        TEXT NOT NULL,
	cache_hits   INTEGER NOT NULL,
	cache_misses INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS code_units (
	run_id          TEXT NOT NULL REFERENCES runs(id),
	name            TEXT NOT NULL,
	block           INTEGER NOT NULL,
	invocations     INTEGER NOT NULL,
	loop_iterations INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS code_units_run ON code_units(run_id);
`

// Run is one recorded execution.
type Run struct {
	ID          string
	StartedAt   time.Time
	VMID        string
	CacheHits   uint64
	CacheMisses uint64
}

// HitRate returns the method cache hit rate of the run as a percentage
// (0-100), the unit vm.MethodCache.HitRate uses.
func (r Run) HitRate() float64 {
	total := r.CacheHits + r.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(r.CacheHits) * 100 / float64(total)
}

// UnitStat is the recorded profile of one CodeUnit.
type UnitStat struct {
	Name           string
	Block          bool
	Invocations    uint64
	LoopIterations uint64
}

// Snapshot is the state captured from a VM at the end of a run.
type Snapshot struct {
	StartedAt time.Time
	VMID      string
	Cache     vm.MethodCacheStats
	Units     []vm.ProfileEntry
}

// Capture snapshots v's method cache counters and profiler. A VM created
// without profiling yields no units.
func Capture(v *vm.VM, startedAt time.Time) Snapshot {
	snap := Snapshot{
		StartedAt: startedAt,
		VMID:      v.ID,
		Cache:     v.Cache.Stats(),
	}
	if v.Profiler != nil {
		snap.Units = v.Profiler.Snapshot()
	}
	return snap
}

// Store is a run statistics database.
type Store struct {
	// RecordLoops stores back-jump counts; when false they are recorded
	// as zero.
	RecordLoops bool

	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database at path. ":memory:" gives
// a private in-memory database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and
	// serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	log.Debugf("opened stats database %s", path)
	return &Store{RecordLoops: true, db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores snap as a new run and returns its ID.
func (s *Store) Record(snap Snapshot) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New().String()
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		"INSERT INTO runs (id, started_at, vm_id, cache_hits, cache_misses) VALUES (?, ?, ?, ?, ?)",
		id, snap.StartedAt.UnixNano(), snap.VMID, int64(snap.Cache.Hits), int64(snap.Cache.Misses),
	)
	if err != nil {
		return "", fmt.Errorf("inserting run: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO code_units (run_id, name, block, invocations, loop_iterations) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return "", fmt.Errorf("preparing unit insert: %w", err)
	}
	defer stmt.Close()
	for _, u := range snap.Units {
		loops := u.LoopIterations
		if !s.RecordLoops {
			loops = 0
		}
		if _, err := stmt.Exec(id, u.Name, u.Block, int64(u.Invocations), int64(loops)); err != nil {
			return "", fmt.Errorf("inserting unit %s: %w", u.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing run: %w", err)
	}
	log.Infof("recorded run %s (%d units)", id, len(snap.Units))
	return id, nil
}

// Runs returns every run, newest first.
func (s *Store) Runs() ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query("SELECT id, started_at, vm_id, cache_hits, cache_misses FROM runs ORDER BY started_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, hits, misses int64
		if err := rows.Scan(&r.ID, &started, &r.VMID, &hits, &misses); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt = time.Unix(0, started)
		r.CacheHits = uint64(hits)
		r.CacheMisses = uint64(misses)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns the run with id.
func (s *Store) Run(id string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Run{ID: id}
	var started, hits, misses int64
	err := s.db.QueryRow("SELECT started_at, vm_id, cache_hits, cache_misses FROM runs WHERE id = ?", id).
		Scan(&started, &r.VMID, &hits, &misses)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrRunNotFound
		}
		return Run{}, fmt.Errorf("querying run %s: %w", id, err)
	}
	r.StartedAt = time.Unix(0, started)
	r.CacheHits = uint64(hits)
	r.CacheMisses = uint64(misses)
	return r, nil
}

// TopUnits returns the n most invoked units of a run. Ties are broken by
// loop iterations, then name.
func (s *Store) TopUnits(runID string, n int) ([]UnitStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT name, block, invocations, loop_iterations FROM code_units
		WHERE run_id = ?
		ORDER BY invocations DESC, loop_iterations DESC, name
		LIMIT ?`,
		runID, n,
	)
	if err != nil {
		return nil, fmt.Errorf("querying units: %w", err)
	}
	defer rows.Close()

	var units []UnitStat
	for rows.Next() {
		var u UnitStat
		var invocations, loops int64
		if err := rows.Scan(&u.Name, &u.Block, &invocations, &loops); err != nil {
			return nil, fmt.Errorf("scanning unit: %w", err)
		}
		u.Invocations = uint64(invocations)
		u.LoopIterations = uint64(loops)
		units = append(units, u)
	}
	return units, rows.Err()
}
