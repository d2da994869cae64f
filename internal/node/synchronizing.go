package node

import (
	"time"

	"sqlcluster/internal/syncengine"
	"sqlcluster/internal/wire"
)

// updateSynchronizing implements 4.2's SYNCHRONIZING tick: everything
// happens on SYNCHRONIZE_RESPONSE (handlers.go); here we only watch
// the timeout.
func (n *Node) updateSynchronizing() bool {
	if !n.timedOut() {
		return false
	}
	if sp := n.getSyncPeer(); sp != nil {
		n.transport.Reconnect(sp.ID)
	}
	n.transitionTo(Searching)
	return true
}

// applySynchronizeResponse implements 4.3's SYNCHRONIZE_RESPONSE
// handling: apply every nested COMMIT frame, then decide whether we're
// caught up, have overtaken the sync peer, or need another round.
func (n *Node) applySynchronizeResponse(msg *wire.Message) {
	if msg.Has(wire.HeaderReason) {
		n.log.Warn("node: synchronize rejected", "reason", msg.Get(wire.HeaderReason))
		if sp := n.getSyncPeer(); sp != nil {
			n.transport.Reconnect(sp.ID)
		}
		n.transitionTo(Searching)
		return
	}

	applied, err := syncengine.ApplyResponse(n.engine, msg)
	if err != nil {
		n.log.Error("node: apply synchronize response", "error", err)
		if sp := n.getSyncPeer(); sp != nil {
			n.transport.Reconnect(sp.ID)
		}
		n.transitionTo(Searching)
		return
	}
	if applied > 0 {
		// Commits just applied came from our sync peer, not a 2PC
		// broadcast; flag them as unsent. While the flag is set,
		// handleSynchronize caps its responses at lastSentTransactionID.
		// Entering LEADING resets lastSentTransactionID to our committed
		// count, so these commits are not re-broadcast then.
		n.commit.MarkUnsent()
	}

	sp := n.getSyncPeer()
	if sp == nil {
		n.transitionTo(Searching)
		return
	}

	ownCount := n.engine.CommittedCount()
	switch {
	case ownCount == sp.CommitCount():
		n.transitionTo(Waiting)
	case ownCount > sp.CommitCount():
		n.transport.Reconnect(sp.ID)
		n.transitionTo(Searching)
	default:
		n.pickSyncPeer()
		next := n.getSyncPeer()
		if next == nil {
			n.transitionTo(Waiting)
			return
		}
		n.sendSynchronize(next)
		n.setStateTimeout(n.jitter(30*time.Second, 5*time.Second))
	}
}
