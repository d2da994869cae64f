// Package replication implements the follower-side parallel
// replication workers: one detached worker per incoming
// BEGIN_TRANSACTION, coordinating through a condition variable and two
// hash sets rather than a direct channel handoff, because a worker may
// need to wait on either of two independent events (its commit-count
// precondition, or its hash appearing in a commit/rollback set).
package replication

import (
	"errors"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipset"

	"sqlcluster/internal/db"
	"sqlcluster/internal/logger"
	"sqlcluster/internal/wire"
)

// LeaderSender delivers a vote frame to the believed lead peer.
type LeaderSender func(msg *wire.Message) error

// Coordinator owns the shared condition variable and hash sets that
// every replication worker on a follower coordinates through.
type Coordinator struct {
	engine db.Engine
	log    *logger.Logger

	ownPriority      func() int
	sendToLead       LeaderSender
	disconnectLeader func()

	mu   sync.Mutex // guards workerCount/shouldExit and doubles as the cond's lock
	cond *sync.Cond

	workerCount int
	shouldExit  bool

	hashesToCommit   *skipset.StringSet
	hashesToRollback *skipset.StringSet
}

// New creates a coordinator bound to engine. ownPriority reports this
// node's effective priority; workers vote only while it is above 0.
// sendToLead delivers APPROVE/DENY_TRANSACTION to the current lead
// peer; workers call it directly rather than going through node.Node
// to avoid a package cycle. disconnectLeader drops the connection to
// the lead peer, called on an unrecoverable divergence (4's "hash
// mismatch during own commit" fatal case).
func New(engine db.Engine, log *logger.Logger, ownPriority func() int, sendToLead LeaderSender, disconnectLeader func()) *Coordinator {
	c := &Coordinator{
		engine:           engine,
		log:              log,
		ownPriority:      ownPriority,
		sendToLead:       sendToLead,
		disconnectLeader: disconnectLeader,
		hashesToCommit:   skipset.NewString(),
		hashesToRollback: skipset.NewString(),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// ActiveWorkers reports the number of live replication workers.
func (c *Coordinator) ActiveWorkers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerCount
}

// HandleBeginTransaction spawns a detached worker for msg, per 4.6.
func (c *Coordinator) HandleBeginTransaction(msg *wire.Message) {
	c.mu.Lock()
	c.workerCount++
	c.mu.Unlock()
	go c.runWorker(msg)
}

// HandleCommitTransaction records msg's hash as committable and wakes
// every waiting worker so the one it belongs to can proceed.
func (c *Coordinator) HandleCommitTransaction(msg *wire.Message) {
	hash := msg.Get(wire.HeaderHash)
	c.hashesToCommit.Add(hash)
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// HandleRollbackTransaction records msg's hash as needing rollback.
func (c *Coordinator) HandleRollbackTransaction(msg *wire.Message) {
	hash := msg.Get(wire.HeaderNewHash)
	c.hashesToRollback.Add(hash)
	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Drain sets workersShouldExit, wakes every worker, and spin-sleeps in
// 10ms increments until all workers have exited, per 4.2's FOLLOWING
// exit / 5's cancellation rule. Any open DB transaction the workers
// were holding is rolled back by the worker itself before it exits.
func (c *Coordinator) Drain() {
	c.mu.Lock()
	c.shouldExit = true
	c.cond.Broadcast()
	c.mu.Unlock()

	for {
		c.mu.Lock()
		n := c.workerCount
		c.mu.Unlock()
		if n == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	c.mu.Lock()
	c.shouldExit = false
	c.mu.Unlock()
}

func (c *Coordinator) runWorker(begin *wire.Message) {
	defer func() {
		c.mu.Lock()
		c.workerCount--
		c.mu.Unlock()
	}()

	newCount, ok := begin.GetInt(wire.HeaderNewCount)
	if !ok {
		c.log.Warn("replication: BEGIN_TRANSACTION missing NewCount, dropping")
		return
	}
	newHash := begin.Get(wire.HeaderNewHash)
	id := begin.Get(wire.HeaderID)

	c.mu.Lock()
	for c.engine.CommittedCount()+1 != newCount {
		if c.shouldExit {
			c.mu.Unlock()
			return
		}
		c.cond.Wait()
	}
	c.mu.Unlock()

	success := c.applyBegin(newHash, begin.Body)
	if c.ownPriority() > 0 && !isAsync(id) {
		c.voteOnBegin(success, id, newCount, newHash)
	}

	c.awaitOutcome(newCount, newHash, success)
}

// applyBegin runs begin/write/prepare under the commit lock, retrying
// once on a checkpoint requirement, per 4.6 step 2.
func (c *Coordinator) applyBegin(newHash string, body []byte) bool {
	c.engine.Lock()
	defer c.engine.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if err := c.engine.Begin(); err != nil {
			c.log.Error("replication: begin failed", "error", err)
			return false
		}
		if err := c.engine.WriteUnmodified(body); err != nil {
			c.engine.Rollback()
			if errors.Is(err, db.ErrCheckpointRequired) && attempt == 0 {
				continue
			}
			c.log.Error("replication: write failed", "error", err)
			return false
		}
		if err := c.engine.Prepare(); err != nil {
			if errors.Is(err, db.ErrCheckpointRequired) && attempt == 0 {
				c.engine.Rollback()
				continue
			}
			c.engine.Rollback()
			c.log.Error("replication: prepare failed", "error", err)
			return false
		}
		if c.engine.UncommittedHash() != newHash {
			c.engine.Rollback()
			c.log.Error("replication: hash mismatch on begin, denying", "want", newHash, "got", c.engine.UncommittedHash())
			c.disconnectLeader()
			return false
		}
		return true
	}
	return false
}

func (c *Coordinator) voteOnBegin(approve bool, id string, newCount int64, newHash string) {
	method := wire.ApproveTransaction
	if !approve {
		method = wire.DenyTransaction
	}
	vote := wire.New(method).Set(wire.HeaderID, id).SetInt(wire.HeaderNewCount, newCount).Set(wire.HeaderNewHash, newHash)
	if err := c.sendToLead(vote); err != nil {
		c.log.Debug("replication: vote send failed", "error", err)
	}
}

// awaitOutcome re-enters the wait and polls the hash sets until this
// worker's transaction is resolved, per 4.6 step 4.
func (c *Coordinator) awaitOutcome(newCount int64, newHash string, prepared bool) {
	c.mu.Lock()
	for !c.hashesToCommit.Contains(newHash) && !c.hashesToRollback.Contains(newHash) {
		if c.shouldExit {
			c.mu.Unlock()
			if prepared {
				c.engine.Lock()
				c.engine.Rollback()
				c.engine.Unlock()
			}
			return
		}
		c.cond.Wait()
	}
	c.mu.Unlock()

	if c.hashesToCommit.Contains(newHash) {
		c.handleCommit(newCount, newHash, prepared)
		c.hashesToCommit.Remove(newHash)
	} else {
		c.handleRollback(prepared)
		c.hashesToRollback.Remove(newHash)
	}

	c.mu.Lock()
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *Coordinator) handleCommit(newCount int64, newHash string, prepared bool) {
	if !prepared {
		return
	}
	c.engine.Lock()
	defer c.engine.Unlock()
	if c.engine.CommittedCount()+1 != newCount {
		c.log.Error("replication: commit-count assertion violated", "want", newCount, "have", c.engine.CommittedCount())
		return
	}
	_, hash, err := c.engine.Commit()
	if err != nil {
		c.log.Error("replication: commit failed after votes resolved", "error", err)
		return
	}
	if hash != newHash {
		c.log.Error("replication: committed hash mismatch", "want", newHash, "got", hash)
	}
}

func (c *Coordinator) handleRollback(prepared bool) {
	if !prepared {
		return
	}
	c.engine.Lock()
	defer c.engine.Unlock()
	_ = c.engine.Rollback()
}

func isAsync(id string) bool {
	return len(id) >= 6 && id[:6] == "ASYNC_"
}
