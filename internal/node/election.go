package node

import (
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/wire"
)

// freshest returns the logged-in full peer with the largest commit
// count, or nil if no full peer is logged in.
func (n *Node) freshest() *peerset.Peer {
	var best *peerset.Peer
	n.peers.Range(func(p *peerset.Peer) bool {
		if !p.FullPeer() || !p.LoggedIn() {
			return true
		}
		if best == nil || p.CommitCount() > best.CommitCount() {
			best = p
		}
		return true
	})
	return best
}

// currentLeader returns a logged-in full peer in {STANDINGUP, LEADING,
// STANDINGDOWN}, or nil. Multiple such peers is tolerated (4.2 notes
// it as "suspicious"); the first encountered wins.
func (n *Node) currentLeader() *peerset.Peer {
	var leader *peerset.Peer
	n.peers.Range(func(p *peerset.Peer) bool {
		if p.FullPeer() && p.LoggedIn() && isLeaderlike(ParseState(p.State())) {
			leader = p
			return false
		}
		return true
	})
	return leader
}

// updateSearching implements 4.2's SEARCHING tick.
func (n *Node) updateSearching() bool {
	if n.peers.Len() == 0 {
		n.transitionTo(Leading)
		return true
	}

	loggedIn := n.peers.CountFullLoggedIn()
	full := n.peers.CountFull()
	if loggedIn*2 < full && !n.timedOut() {
		return false
	}

	if loggedIn == 0 {
		n.transitionTo(Waiting)
		return true
	}

	fresh := n.freshest()
	ownCount := n.engine.CommittedCount()
	switch {
	case fresh == nil, fresh.CommitCount() <= ownCount:
		n.transitionTo(Waiting)
	default:
		n.pickSyncPeer()
		sp := n.getSyncPeer()
		if sp == nil {
			n.transitionTo(Waiting)
			return true
		}
		n.sendSynchronize(sp)
		n.transitionTo(Synchronizing)
	}
	return true
}

func (n *Node) sendSynchronize(p *peerset.Peer) {
	msg := wire.New(wire.Synchronize)
	if err := n.stamped(func() error { return n.transport.Send(p.ID, msg) }, msg); err != nil {
		n.log.Debug("node: synchronize send failed", "peer", p.ID, "error", err)
	}
}

// updateWaiting implements 4.2's WAITING tick.
func (n *Node) updateWaiting() bool {
	if n.peers.CountFullLoggedIn() == 0 {
		n.transitionTo(Searching)
		return true
	}

	leader := n.currentLeader()
	if leader != nil && leader.State() == Leading.String() && leader.Priority > n.effectivePriority() {
		n.setLeadPeer(leader)
		n.sendSubscribe(leader)
		n.transitionTo(Subscribing)
		return true
	}

	fresh := n.freshest()
	if fresh != nil && fresh.CommitCount() > n.engine.CommittedCount() {
		n.transitionTo(Searching)
		return true
	}

	if leader == nil && n.peers.CountFullLoggedIn()*2 >= n.peers.CountFull() &&
		n.effectivePriority() > 0 && n.hasHighestPriority() {
		n.transitionTo(StandingUp)
		return true
	}
	return false
}

func (n *Node) hasHighestPriority() bool {
	own := n.effectivePriority()
	higher := false
	n.peers.Range(func(p *peerset.Peer) bool {
		if p.FullPeer() && p.LoggedIn() && p.Priority >= own {
			higher = true
			return false
		}
		return true
	})
	return !higher
}

func (n *Node) sendSubscribe(p *peerset.Peer) {
	msg := wire.New(wire.Subscribe)
	if err := n.stamped(func() error { return n.transport.Send(p.ID, msg) }, msg); err != nil {
		n.log.Debug("node: subscribe send failed", "peer", p.ID, "error", err)
	}
}

// updateStandingUp implements 4.2's STANDINGUP tick.
func (n *Node) updateStandingUp() bool {
	if n.shutdownCtl.Armed() {
		n.transitionTo(Searching)
		return true
	}
	if n.timedOut() {
		n.reconnectAll()
		n.transitionTo(Searching)
		return true
	}

	anyDeny := false
	allApproved := true
	n.peers.Range(func(p *peerset.Peer) bool {
		if !p.FullPeer() || !p.LoggedIn() {
			return true
		}
		switch p.StandupResponse() {
		case peerset.Deny:
			anyDeny = true
			return false
		case peerset.Unset:
			allApproved = false
		}
		return true
	})
	if anyDeny {
		n.transitionTo(Searching)
		return true
	}
	if allApproved && n.peers.CountFullLoggedIn()*2 >= n.peers.CountFull() {
		n.transitionTo(Leading)
		return true
	}
	return false
}

func (n *Node) reconnectAll() {
	n.peers.Range(func(p *peerset.Peer) bool {
		n.transport.Reconnect(p.ID)
		return true
	})
}

// pickSyncPeer implements 4.9: among logged-in peers with a higher
// commit count than ours, pick minimum positive latency, breaking
// ties by greatest commit count; unmeasured latency (0) loses.
func (n *Node) pickSyncPeer() {
	ownCount := n.engine.CommittedCount()
	var best *peerset.Peer
	n.peers.Range(func(p *peerset.Peer) bool {
		if !p.LoggedIn() || p.CommitCount() <= ownCount {
			return true
		}
		if best == nil || betterSyncCandidate(p, best) {
			best = p
		}
		return true
	})
	prev := n.getSyncPeer()
	if best != nil && (prev == nil || prev.ID != best.ID) {
		n.log.Info("node: sync peer selected", "peer", best.ID, "commitCount", best.CommitCount())
	}
	n.setSyncPeer(best)
}

// betterSyncCandidate reports whether candidate beats current per
// 4.9: lower positive latency wins; unmeasured (0) latency is worst;
// ties break on greater commit count.
func betterSyncCandidate(candidate, current *peerset.Peer) bool {
	cl, bl := candidate.Latency(), current.Latency()
	if cl == 0 && bl != 0 {
		return false
	}
	if bl == 0 && cl != 0 {
		return true
	}
	if cl != bl {
		return cl < bl
	}
	return candidate.CommitCount() > current.CommitCount()
}
