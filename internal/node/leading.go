package node

import (
	"errors"
	"time"

	"sqlcluster/internal/command"
	"sqlcluster/internal/db"
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/twopc"
	"sqlcluster/internal/wire"
)

// updateLeadingOrStandingDown implements 4.2's LEADING/STANDINGDOWN
// tick: drive 2PC, start a queued commit, and (LEADING-only) check
// whether we should stand down, or (STANDINGDOWN-only) whether
// standing down has completed.
func (n *Node) updateLeadingOrStandingDown() bool {
	if n.driveCommit() {
		return true
	}
	if n.startQueuedCommit() {
		return true
	}
	if n.GetState() == Leading {
		if n.checkStanddown() {
			return true
		}
	} else if n.checkStanddownComplete() {
		return true
	}
	return false
}

// driveCommit implements 4.2 step 1.
func (n *Node) driveCommit() bool {
	if n.commit.State() != twopc.Committing {
		return false
	}
	tally := twopc.TallyVotes(n.peers)
	consistent := tally.ConsistentEnough(n.lastRequestedLevel)

	if tally.Denied > 0 || (tally.AllResponded && !consistent) {
		n.failCommit("vote denied or not consistent enough")
		return true
	}
	if !consistent {
		return false // wait for more votes
	}

	n.engine.Lock()
	count, hash, err := n.engine.Commit()
	n.engine.Unlock()
	if err != nil {
		if errors.Is(err, db.ErrBusySnapshot) {
			n.failCommit("commit conflict: " + err.Error())
			return true
		}
		n.failCommit(err.Error())
		return true
	}

	n.broadcastRaw(wire.New(wire.CommitTransaction).
		SetInt(wire.HeaderCommitCount, count).
		Set(wire.HeaderHash, hash),
		subscribedFilter(n.peers))
	n.commit.AdvanceLastSent(count)
	n.commit.Finish(true)
	n.completeCommand(command.Result{Success: true, CommitCount: count, Hash: hash})
	if err := n.commit.SendOutstandingTransactions(n.engine, n.peers, n.broadcastRaw); err != nil {
		n.log.Error("node: flush unsent after commit", "error", err)
	}
	return true
}

func (n *Node) failCommit(reason string) {
	n.log.Warn("node: commit failed", "reason", reason)
	n.engine.Lock()
	uncommittedHash := n.engine.UncommittedHash()
	n.engine.Rollback()
	n.engine.Unlock()
	n.broadcastRaw(wire.New(wire.RollbackTransaction).Set(wire.HeaderNewHash, uncommittedHash), subscribedFilter(n.peers))
	n.commit.Finish(false)
	n.completeCommand(command.Result{Success: false, Error: reason})
}

// startQueuedCommit implements 4.2 step 2.
func (n *Node) startQueuedCommit() bool {
	sql, level, ok := n.commit.BeginStart()
	if !ok {
		return false
	}
	n.lastRequestedLevel = level

	n.engine.Lock()
	if err := n.commit.SendOutstandingTransactions(n.engine, n.peers, n.broadcastRaw); err != nil {
		n.log.Error("node: flush unsent before commit", "error", err)
	}
	if err := n.engine.Begin(); err != nil {
		n.engine.Unlock()
		n.log.Error("node: begin failed starting queued commit", "error", err)
		n.commit.Finish(false)
		n.completeCommand(command.Result{Success: false, Error: err.Error()})
		return true
	}
	if err := n.engine.WriteUnmodified(sql); err != nil {
		n.engine.Rollback()
		n.engine.Unlock()
		n.log.Error("node: write failed starting queued commit", "error", err)
		n.commit.Finish(false)
		n.completeCommand(command.Result{Success: false, Error: err.Error()})
		return true
	}
	if err := n.engine.Prepare(); err != nil {
		// fatal per 4.2: prepare failing mid-commit leaves the node in
		// a state it cannot safely recover from automatically.
		n.engine.Unlock()
		panic("node: db prepare failed: " + err.Error())
	}
	newCount := n.engine.CommittedCount() + 1
	newHash := n.engine.UncommittedHash()
	n.engine.Unlock()

	id := twopc.TransactionID(n.commit.LastSentTransactionID()+1, level)
	n.peers.Range(func(p *peerset.Peer) bool {
		p.SetTransactionResponse(peerset.Unset)
		return true
	})

	begin := twopc.BuildBeginTransaction(id, newCount, newHash, time.Now().UnixMicro(), sql)
	n.broadcastRaw(begin, subscribedFilter(n.peers))
	return true
}

func subscribedFilter(peers *peerset.Registry) func(peerID int) bool {
	return func(peerID int) bool {
		p, ok := peers.Get(peerID)
		return ok && p.Subscribed()
	}
}

// checkStanddown implements 4.2 step 3.
func (n *Node) checkStanddown() bool {
	if n.commit.State() == twopc.Committing {
		return false
	}
	if n.shutdownCtl.Armed() {
		n.setEffectivePriority(1)
		n.transitionTo(StandingDown)
		return true
	}

	reason := ""
	n.peers.Range(func(p *peerset.Peer) bool {
		if !p.FullPeer() || !p.LoggedIn() {
			return true
		}
		switch ParseState(p.State()) {
		case Leading:
			reason = "another peer is LEADING"
			return false
		case Waiting:
			if p.Priority > n.effectivePriority() {
				reason = "higher-priority peer is WAITING"
				return false
			}
			if p.CommitCount() > n.engine.CommittedCount() {
				reason = "fresher peer is WAITING"
				return false
			}
		}
		return true
	})
	if reason == "" {
		return false
	}
	n.log.Warn("node: standing down", "reason", reason)
	n.transitionTo(StandingDown)
	return true
}

// checkStanddownComplete implements 4.2 step 4.
func (n *Node) checkStanddownComplete() bool {
	if n.server.CanStandDown() && n.commit.State() != twopc.Committing {
		n.transitionTo(Searching)
		return true
	}
	if n.timedOut() {
		n.log.Warn("node: standdown timer expired, forcing search")
		n.transitionTo(Searching)
		return true
	}
	return false
}

func (n *Node) setEffectivePriority(p int) {
	n.stateMu.Lock()
	n.priority = p
	n.stateMu.Unlock()
}
