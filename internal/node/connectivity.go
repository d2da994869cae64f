package node

import "sqlcluster/internal/peerset"

// checkPeerConnectivity implements 4.2's "on disconnect" handling as a
// tick-time check rather than an event callback: a peer we believed
// was logged in whose transport connection has actually dropped is
// declared logged out immediately, instead of waiting on a STATE
// message the dead peer will never send.
func (n *Node) checkPeerConnectivity() {
	n.peers.Range(func(p *peerset.Peer) bool {
		if p.LoggedIn() && !n.transport.Connected(p.ID) {
			n.handlePeerDisconnected(p)
		}
		return true
	})
}

// handlePeerDisconnected applies the fallout from losing contact with
// p: losing our lead or sync peer outright forces SEARCHING, and
// losing quorum while LEADING/STANDINGUP/STANDINGDOWN does too.
func (n *Node) handlePeerDisconnected(p *peerset.Peer) {
	p.SetLoggedIn(false)
	p.SetSubscribed(false)
	p.SetStandupResponse(peerset.Unset)
	p.SetTransactionResponse(peerset.Unset)

	if lp := n.LeadPeer(); lp != nil && lp.ID == p.ID {
		n.log.Warn("node: lost lead peer, searching", "peer", p.ID)
		n.requeueEscalationsAndRollback()
		n.setLeadPeer(nil)
		n.transitionTo(Searching)
		return
	}
	if sp := n.getSyncPeer(); sp != nil && sp.ID == p.ID {
		n.log.Warn("node: lost sync peer, searching", "peer", p.ID)
		n.setSyncPeer(nil)
		n.transitionTo(Searching)
		return
	}

	switch n.GetState() {
	case Leading, StandingUp, StandingDown:
		if p.FullPeer() && n.peers.CountFull() > 0 && n.peers.CountFullLoggedIn()*2 < n.peers.CountFull() {
			n.log.Warn("node: lost quorum, searching", "peer", p.ID)
			n.transitionTo(Searching)
		}
	}
}
