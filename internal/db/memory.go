package db

import (
	"fmt"
	"sync"
)

// MemoryEngine is a deterministic, in-process fake of Engine used by
// tests that need to drive many simulated nodes in one process without
// real SQLite files. It honors the same begin/prepare/commit/rollback
// and commit-log semantics as the real engine.
type MemoryEngine struct {
	mu sync.Mutex // the Engine's own state guard, distinct from the commit lock below

	commitMu sync.Mutex // Lock/Unlock: the global commit lock

	log []CommitRecord

	openSQL     []byte
	prepared    bool
	pendingHash string

	// FailCommitOnce, when true, makes the next Commit return
	// ErrBusySnapshot exactly once; used to simulate snapshot conflicts
	// in tests.
	FailCommitOnce bool
}

// NewMemoryEngine returns an empty engine at commit count 0.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{}
}

func (e *MemoryEngine) Lock()   { e.commitMu.Lock() }
func (e *MemoryEngine) Unlock() { e.commitMu.Unlock() }

func (e *MemoryEngine) Begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openSQL != nil {
		return fmt.Errorf("db: transaction already open")
	}
	e.openSQL = []byte{}
	e.prepared = false
	return nil
}

func (e *MemoryEngine) WriteUnmodified(sql []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openSQL == nil {
		return fmt.Errorf("db: no open transaction")
	}
	e.openSQL = append(e.openSQL, sql...)
	return nil
}

func (e *MemoryEngine) Prepare() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openSQL == nil {
		return fmt.Errorf("db: no open transaction")
	}
	prevHash := ""
	if len(e.log) > 0 {
		prevHash = e.log[len(e.log)-1].Hash
	}
	e.pendingHash = rollingHash(prevHash, e.openSQL)
	e.prepared = true
	return nil
}

func (e *MemoryEngine) UncommittedHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pendingHash
}

func (e *MemoryEngine) Commit() (int64, string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.prepared {
		return 0, "", fmt.Errorf("db: commit without prepare")
	}
	if e.FailCommitOnce {
		e.FailCommitOnce = false
		return 0, "", ErrBusySnapshot
	}
	id := int64(len(e.log) + 1)
	rec := CommitRecord{ID: id, Hash: e.pendingHash, SQL: e.openSQL}
	e.log = append(e.log, rec)
	e.openSQL = nil
	e.prepared = false
	e.pendingHash = ""
	return rec.ID, rec.Hash, nil
}

func (e *MemoryEngine) Rollback() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.openSQL = nil
	e.prepared = false
	e.pendingHash = ""
	return nil
}

func (e *MemoryEngine) HasOpenTransaction() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.openSQL != nil
}

func (e *MemoryEngine) CommittedCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(len(e.log))
}

func (e *MemoryEngine) CommittedHash() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.log) == 0 {
		return ""
	}
	return e.log[len(e.log)-1].Hash
}

func (e *MemoryEngine) HashAt(count int64) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if count <= 0 || count > int64(len(e.log)) {
		return "", false
	}
	return e.log[count-1].Hash, true
}

func (e *MemoryEngine) CommitLog(from, to int64) ([]CommitRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if to > int64(len(e.log)) {
		return nil, fmt.Errorf("db: requested commit %d beyond committed count %d", to, len(e.log))
	}
	if from >= to {
		return nil, nil
	}
	out := make([]CommitRecord, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, e.log[i])
	}
	return out, nil
}

// ApplyExternal lets a test seed commits directly, bypassing
// begin/prepare/commit, to set up a peer's starting history.
func (e *MemoryEngine) ApplyExternal(sql []byte) (CommitRecord, error) {
	if err := e.Begin(); err != nil {
		return CommitRecord{}, err
	}
	if err := e.WriteUnmodified(sql); err != nil {
		return CommitRecord{}, err
	}
	if err := e.Prepare(); err != nil {
		return CommitRecord{}, err
	}
	id, hash, err := e.Commit()
	if err != nil {
		return CommitRecord{}, err
	}
	return CommitRecord{ID: id, Hash: hash, SQL: sql}, nil
}
