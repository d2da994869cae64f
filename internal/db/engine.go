// Package db defines the interface this node requires from the SQL
// engine: begin/prepare/commit/rollback of a single pending write, the
// committed commit-count and hash, a log of recent committed
// transactions with their hashes, and the process-wide commit lock.
// The protocol logic in internal/node, internal/twopc, internal/
// replication and internal/syncengine depends only on this interface,
// never on a concrete engine.
package db

import (
	"errors"
	"sync"
)

// ErrBusySnapshot is returned by Commit when the engine detects a
// write-write conflict against another in-flight snapshot.
var ErrBusySnapshot = errors.New("db: commit conflict (busy snapshot)")

// ErrCheckpointRequired is returned by any operation that needs the
// caller to roll back and retry exactly once after a checkpoint.
var ErrCheckpointRequired = errors.New("db: checkpoint required, retry")

// CommitRecord describes one committed transaction: its monotonic id,
// the rolling hash at that id, and the SQL text that produced it.
type CommitRecord struct {
	ID   int64
	Hash string
	SQL  []byte
}

// Engine is the SQL engine contract. A single Engine instance
// represents one node's local database; it is not shared across nodes.
// Lock/Unlock implement the global commit lock (acquired for the whole
// COMMITTING phase on the leader, and across each replication worker's
// own commit on a follower).
type Engine interface {
	sync.Locker

	// Begin starts the single pending write transaction. Only one may
	// be open at a time.
	Begin() error
	// WriteUnmodified applies raw SQL text to the open transaction
	// without rewriting it, used both for the leader's own writes and
	// for replaying a leader's or synchronize peer's SQL verbatim.
	WriteUnmodified(sql []byte) error
	// Prepare readies the open transaction for commit and computes its
	// uncommitted hash.
	Prepare() error
	// UncommittedHash returns the hash a Prepare'd-but-not-yet-committed
	// transaction would have if committed.
	UncommittedHash() string
	// Commit commits the prepared transaction, returning the new
	// commit count and hash. Returns ErrBusySnapshot on conflict.
	Commit() (count int64, hash string, err error)
	// Rollback discards the open transaction, prepared or not. It is a
	// no-op if nothing is open.
	Rollback() error
	// HasOpenTransaction reports whether Begin has been called without
	// a matching Commit/Rollback.
	HasOpenTransaction() bool

	// CommittedCount is the most recently committed transaction id.
	CommittedCount() int64
	// CommittedHash is the hash at CommittedCount.
	CommittedHash() string
	// HashAt returns the hash recorded at a given commit id.
	HashAt(count int64) (string, bool)

	// CommitLog returns committed records with id in (from, to], in
	// ascending order. Used both by the synchronize engine to build a
	// catch-up response and by the 2PC coordinator to flush any
	// not-yet-broadcast commits before starting a new one.
	CommitLog(from, to int64) ([]CommitRecord, error)
}
