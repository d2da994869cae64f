package node

// updateSubscribing implements 4.2's SUBSCRIBING tick: everything
// happens on SUBSCRIPTION_APPROVED (handlers.go); here we only watch
// the timeout.
func (n *Node) updateSubscribing() bool {
	if !n.timedOut() {
		return false
	}
	if lp := n.LeadPeer(); lp != nil {
		n.transport.Reconnect(lp.ID)
	}
	n.transitionTo(Searching)
	return true
}

// updateFollowing implements 4.2's FOLLOWING tick.
func (n *Node) updateFollowing() bool {
	lp := n.LeadPeer()
	if lp != nil {
		switch ParseState(lp.State()) {
		case Leading, StandingDown:
			// leader still healthy
		default:
			n.log.Warn("node: lead peer left leadership, falling back to search", "peer", lp.ID)
			n.requeueEscalationsAndRollback()
			n.transitionTo(Searching)
			return true
		}
	}

	if n.shutdownCtl.Armed() && !n.engine.HasOpenTransaction() &&
		n.repl.ActiveWorkers() == 0 && n.escalations.Len() == 0 {
		n.transitionTo(Searching)
		return true
	}
	return false
}

func (n *Node) requeueEscalationsAndRollback() {
	for _, cmd := range n.escalations.RequeueAll() {
		n.server.AcceptCommand(cmd, true)
	}
	if n.engine.HasOpenTransaction() {
		n.engine.Lock()
		_ = n.engine.Rollback()
		n.engine.Unlock()
	}
}

