// Package twopc implements the leader-side two-phase commit
// coordinator: the commitState machine driving BEGIN → vote
// collection → COMMIT/ROLLBACK, and the unsent-transactions flush used
// both ahead of a new commit and on leaving leadership.
package twopc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"sqlcluster/internal/config"
	"sqlcluster/internal/db"
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/wire"
)

// CommitState is the leader's per-transaction progress.
type CommitState int

const (
	Uninitialized CommitState = iota
	Waiting
	Committing
	Success
	Failed
)

func (s CommitState) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case Waiting:
		return "WAITING"
	case Committing:
		return "COMMITTING"
	case Success:
		return "SUCCESS"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Coordinator holds the leader's single in-flight transaction. Exactly
// one Coordinator exists per node; it is only meaningful while that
// node believes itself to be LEADING.
type Coordinator struct {
	mu sync.Mutex

	state              CommitState
	consistency        config.Consistency
	pendingSQL         []byte
	lastSentTxnID      int64
	unsentTransactions atomic.Bool
}

// New creates a coordinator with no transaction in flight and
// lastSentTxnID seeded from the engine's committed count, matching the
// LEADING entry effect in 4.2 ("reset lastSentTransactionID to
// committed count").
func New(committedCount int64) *Coordinator {
	return &Coordinator{state: Uninitialized, lastSentTxnID: committedCount}
}

func (c *Coordinator) State() CommitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) LastSentTransactionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSentTxnID
}

// ResetOnLead reseeds lastSentTxnID when entering LEADING.
func (c *Coordinator) ResetOnLead(committedCount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Uninitialized
	c.lastSentTxnID = committedCount
	c.pendingSQL = nil
}

// MarkUnsent flags that the engine holds committed transactions beyond
// lastSentTxnID. The node sets it after a synchronize catch-up applies
// commits; subscription catch-up and follower replication do not set it.
func (c *Coordinator) MarkUnsent() {
	c.unsentTransactions.Store(true)
}

// RequestCommit queues sql for the next tick's "start queued commit"
// step. Fails if a transaction is already in flight.
func (c *Coordinator) RequestCommit(sql []byte, level config.Consistency) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Uninitialized && c.state != Success && c.state != Failed {
		return fmt.Errorf("twopc: commit already in flight (state=%s)", c.state)
	}
	c.state = Waiting
	c.consistency = level
	c.pendingSQL = sql
	return nil
}

// BeginStart transitions WAITING->COMMITTING and returns the queued
// SQL, called by the node's LEADING tick once it has taken the commit
// lock and flushed unsent transactions.
func (c *Coordinator) BeginStart() (sql []byte, level config.Consistency, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Waiting {
		return nil, "", false
	}
	c.state = Committing
	return c.pendingSQL, c.consistency, true
}

// PendingSQL returns the SQL of the in-flight COMMITTING transaction,
// used to replay its BEGIN_TRANSACTION to a peer that SUBSCRIBEs
// mid-commit (4.3).
func (c *Coordinator) PendingSQL() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Committing {
		return nil, false
	}
	return c.pendingSQL, true
}

// Finish records the terminal outcome of the in-flight transaction.
func (c *Coordinator) Finish(success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if success {
		c.state = Success
	} else {
		c.state = Failed
	}
	c.pendingSQL = nil
}

// AdvanceLastSent bumps lastSentTxnID, which must only move forward
// (4.2 invariant: monotonic within a LEADING epoch).
func (c *Coordinator) AdvanceLastSent(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id > c.lastSentTxnID {
		c.lastSentTxnID = id
	}
}

// Tally counts APPROVE/DENY/unresponsive among subscribed full peers
// for the in-flight transaction.
type Tally struct {
	Approved    int
	Denied      int
	FullPeers   int
	AllResponded bool
}

// ConsistentEnough implements the per-level rule from 4.2 step 1.
func (t Tally) ConsistentEnough(level config.Consistency) bool {
	switch level {
	case config.Async:
		return true
	case config.One:
		return t.FullPeers == 0 || t.Approved >= 1
	case config.Quorum:
		return t.Approved*2 >= t.FullPeers
	default:
		return false
	}
}

// TallyVotes inspects every subscribed full peer's transactionResponse.
func TallyVotes(peers *peerset.Registry) Tally {
	var t Tally
	responded := 0
	peers.Range(func(p *peerset.Peer) bool {
		if !p.FullPeer() || !p.Subscribed() {
			return true
		}
		t.FullPeers++
		switch p.TransactionResponse() {
		case peerset.Approve:
			t.Approved++
			responded++
		case peerset.Deny:
			t.Denied++
			responded++
		}
		return true
	})
	t.AllResponded = responded == t.FullPeers
	return t
}

// BuildBeginTransaction constructs the BEGIN_TRANSACTION frame for a
// new commit per 4.2 step 2's header set.
func BuildBeginTransaction(id string, newCount int64, newHash string, sendTimeUS int64, sql []byte) *wire.Message {
	return wire.New(wire.BeginTransaction).
		Set(wire.HeaderID, id).
		SetInt(wire.HeaderNewCount, newCount).
		Set(wire.HeaderNewHash, newHash).
		SetInt(wire.HeaderLeaderSendTime, sendTimeUS).
		SetBody(sql)
}

// TransactionID returns the wire id for a given count at the requested
// consistency level: a plain decimal for ONE/QUORUM, ASYNC_<n> for
// ASYNC (4.5: "leader ignores votes on async ids").
func TransactionID(count int64, level config.Consistency) string {
	if level == config.Async {
		return fmt.Sprintf("ASYNC_%d", count)
	}
	return fmt.Sprintf("%d", count)
}

// SendOutstandingTransactions broadcasts BEGIN+COMMIT for every
// committed-but-unsent transaction to subscribed peers, advancing
// lastSentTxnID, per 4.5. It only reads the DB (via CommitLog) and does
// not take the engine's commit lock itself: startQueuedCommit calls it
// with the lock held, while driveCommit and onLeaveLeadership call it
// after releasing the lock.
func (c *Coordinator) SendOutstandingTransactions(engine db.Engine, peers *peerset.Registry, broadcast func(msg *wire.Message, sendTo func(peerID int) bool)) error {
	c.mu.Lock()
	from := c.lastSentTxnID
	c.mu.Unlock()

	to := engine.CommittedCount()
	if to <= from {
		c.unsentTransactions.Store(false)
		return nil
	}
	records, err := engine.CommitLog(from, to)
	if err != nil {
		return fmt.Errorf("twopc: flush unsent: %w", err)
	}

	toSubscribed := func(peerID int) bool {
		p, ok := peers.Get(peerID)
		return ok && p.Subscribed()
	}
	for _, rec := range records {
		id := fmt.Sprintf("ASYNC_%d", rec.ID)
		begin := wire.New(wire.BeginTransaction).
			Set(wire.HeaderID, id).
			SetInt(wire.HeaderNewCount, rec.ID).
			Set(wire.HeaderNewHash, rec.Hash).
			SetBody(rec.SQL)
		broadcast(begin, toSubscribed)

		commit := wire.New(wire.CommitTransaction).
			Set(wire.HeaderID, id).
			SetInt(wire.HeaderCommitCount, rec.ID).
			Set(wire.HeaderHash, rec.Hash)
		broadcast(commit, toSubscribed)

		c.AdvanceLastSent(rec.ID)
	}
	c.unsentTransactions.Store(false)
	return nil
}

// UnsentPending reports whether SendOutstandingTransactions has work
// to do.
func (c *Coordinator) UnsentPending() bool {
	return c.unsentTransactions.Load()
}
