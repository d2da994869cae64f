package node

import (
	"fmt"
	"strconv"

	"sqlcluster/internal/command"
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/syncengine"
	"sqlcluster/internal/wire"
)

// Dispatch routes one inbound frame from peerID, per 4.3. It is
// registered as the transport's Handler and runs on whatever goroutine
// the transport's read loop uses for that peer. It holds fsmMu for the
// whole call, so it never runs concurrently with Update or another
// Dispatch; handlers still take stateMu/leadPeerMu for the fields that
// other goroutines (replication workers, the admin server) read.
func (n *Node) Dispatch(peerID int, msg *wire.Message) {
	n.fsmMu.Lock()
	defer n.fsmMu.Unlock()

	p, ok := n.peers.Get(peerID)
	if !ok {
		n.log.Warn("node: message from unconfigured peer", "peerID", peerID, "method", msg.Method)
		return
	}
	cc, hasCount := msg.GetInt(wire.HeaderCommitCount)
	if !hasCount || !msg.Has(wire.HeaderHash) {
		n.log.Warn("node: protocol violation, missing CommitCount/Hash", "peer", p.ID, "method", msg.Method)
		n.transport.Reconnect(p.ID)
		return
	}
	p.SetCommit(cc, msg.Get(wire.HeaderHash))

	if !p.LoggedIn() && msg.Method != wire.Login {
		n.log.Warn("node: message before login, dropping", "peer", p.ID, "method", msg.Method)
		return
	}

	switch msg.Method {
	case wire.Login:
		n.handleLogin(p, msg)
	case wire.State:
		n.handleState(p, msg)
	case wire.StandupResponse:
		n.handleStandupResponse(p, msg)
	case wire.Synchronize:
		n.handleSynchronize(p, msg)
	case wire.SynchronizeResponse:
		n.handleSynchronizeResponse(p, msg)
	case wire.Subscribe:
		n.handleSubscribe(p, msg)
	case wire.SubscriptionApproved:
		n.handleSubscriptionApproved(p, msg)
	case wire.BeginTransaction:
		n.repl.HandleBeginTransaction(msg)
	case wire.CommitTransaction:
		n.repl.HandleCommitTransaction(msg)
	case wire.RollbackTransaction:
		n.repl.HandleRollbackTransaction(msg)
	case wire.ApproveTransaction:
		n.handleVote(p, peerset.Approve, msg)
	case wire.DenyTransaction:
		n.handleVote(p, peerset.Deny, msg)
	case wire.Escalate:
		n.handleEscalate(p, msg)
	case wire.EscalateCancel:
		n.handleEscalateCancel(msg)
	case wire.EscalateResponse:
		n.handleEscalateResponse(msg)
	case wire.EscalateAborted:
		n.handleEscalateAborted(msg)
	case wire.CrashCommand:
		n.handleCrashCommand(p, msg)
	case wire.BroadcastCommand:
		n.handleBroadcastCommand(p, msg)
	default:
		n.log.Warn("node: unknown method", "method", msg.Method, "peerID", peerID)
	}
}

// handleLogin validates and records a peer's LOGIN, per 4.3. A
// rejected login is logged and dropped without a reply, and the
// transport will keep retrying the connection on its own schedule,
// except for a priority collision between two full peers, which is an
// unrecoverable configuration error and terminates the process.
func (n *Node) handleLogin(p *peerset.Peer, msg *wire.Message) {
	if p.LoggedIn() {
		n.log.Warn("node: duplicate LOGIN", "peer", p.ID)
		return
	}
	priority, _ := msg.GetInt(wire.HeaderPriority)
	permafollower := msg.Get(wire.HeaderPermafollower) == "true"
	if p.Permafollower != permafollower {
		n.log.Warn("node: LOGIN permafollower mismatch", "peer", p.ID, "configured", p.Permafollower, "claimed", permafollower)
		return
	}
	if p.Permafollower && priority > 0 {
		n.log.Warn("node: LOGIN priority>0 from permafollower", "peer", p.ID)
		return
	}
	// It's an error for two non-permafollower peers to share a
	// priority; our own effective priority of -1 (not yet WAITING) or
	// 0 never collides with anyone.
	own := n.effectivePriority()
	if !p.Permafollower && priority > 0 && own > 0 && priority == int64(own) {
		panic(fmt.Sprintf("node: peer %s logged in with priority %d colliding with our own", p.Name, priority))
	}

	p.Priority = int(priority)
	p.SetVersion(msg.Get(wire.HeaderVersion))
	p.SetState(msg.Get(wire.HeaderState))
	p.SetLoggedIn(true)
	n.server.OnNodeLogin(p.ID)

	reply := wire.New(wire.Login).
		SetInt(wire.HeaderPriority, int64(n.effectivePriority())).
		Set(wire.HeaderPermafollower, boolString(n.Permafollower)).
		Set(wire.HeaderVersion, n.Version).
		Set(wire.HeaderState, n.GetState().String())
	if err := n.transport.Send(p.ID, reply); err != nil {
		n.log.Debug("node: login reply failed", "peer", p.ID, "error", err)
	}
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// handleState applies a STATE update and its 4.3 side effects.
func (n *Node) handleState(p *peerset.Peer, msg *wire.Message) {
	from := ParseState(p.State())
	to := ParseState(msg.Get(wire.HeaderState))
	if !legal(from, to) {
		n.log.Warn("node: peer reported illegal transition", "peer", p.ID, "from", from, "to", to)
	}
	p.SetState(msg.Get(wire.HeaderState))
	if prio, ok := msg.GetInt(wire.HeaderPriority); ok {
		p.Priority = int(prio)
	}
	if scc, ok := msg.GetInt(wire.HeaderStateChangeCnt); ok {
		p.SetStateChangeCount(scc)
	}

	if to == Searching {
		p.SetTransactionResponse(peerset.Unset)
		p.SetSubscribed(false)
	}
	if to == StandingUp {
		n.respondToStandup(p, msg)
	}
	if from == StandingDown && to != StandingDown && n.engine.HasOpenTransaction() {
		n.log.Warn("node: lead peer left standingdown with open local transaction", "peer", p.ID)
		n.engine.Lock()
		n.engine.Rollback()
		n.engine.Unlock()
	}
}

// respondToStandup implements 4.3's STANDUP_RESPONSE decision for a
// peer that just entered STANDINGUP.
func (n *Node) respondToStandup(p *peerset.Peer, msg *wire.Message) {
	scc, _ := msg.GetInt(wire.HeaderStateChangeCnt)
	approve := true
	if p.Permafollower {
		approve = false
	}
	own := n.GetState()
	if approve && isLeaderlike(own) {
		if n.effectivePriority() >= p.Priority {
			approve = false
		} else {
			switch own {
			case StandingUp:
				n.transitionTo(Searching)
			case Leading:
				n.transitionTo(StandingDown)
			}
		}
	}
	if approve {
		n.peers.Range(func(other *peerset.Peer) bool {
			if other.ID != p.ID && isLeaderlike(ParseState(other.State())) {
				approve = false
				return false
			}
			return true
		})
	}
	resp := wire.New(wire.StandupResponse).SetInt(wire.HeaderStateChangeCnt, scc)
	if approve {
		resp.Set(wire.HeaderResponse, "APPROVE")
	} else {
		resp.Set(wire.HeaderResponse, "DENY")
	}
	if err := n.transport.Send(p.ID, resp); err != nil {
		n.log.Debug("node: standup response send failed", "peer", p.ID, "error", err)
	}
}

func (n *Node) handleStandupResponse(p *peerset.Peer, msg *wire.Message) {
	if n.GetState() != StandingUp {
		return
	}
	scc, _ := msg.GetInt(wire.HeaderStateChangeCnt)
	n.stateMu.RLock()
	ours := n.stateChangeCount
	n.stateMu.RUnlock()
	if scc != ours {
		return // stale response from a previous STANDINGUP attempt
	}
	switch msg.Get(wire.HeaderResponse) {
	case "APPROVE":
		p.SetStandupResponse(peerset.Approve)
	default:
		p.SetStandupResponse(peerset.Deny)
	}
}

// handleVote applies an APPROVE/DENY_TRANSACTION, accepting only votes
// that match the transaction we actually have outstanding; anything
// else is a stale vote from an earlier round (4.3).
func (n *Node) handleVote(p *peerset.Peer, v peerset.VoteResponse, msg *wire.Message) {
	if n.GetState() != Leading && n.GetState() != StandingDown {
		return
	}
	id := msg.Get(wire.HeaderID)
	if len(id) >= 6 && id[:6] == "ASYNC_" {
		return // leader ignores votes on async ids, 4.5
	}
	wantID := n.commit.LastSentTransactionID() + 1
	newHash := msg.Get(wire.HeaderNewHash)
	if id != strconv.FormatInt(wantID, 10) || newHash != n.engine.UncommittedHash() {
		n.log.Debug("node: stale vote discarded", "peer", p.ID, "id", id, "want", wantID)
		return
	}
	p.SetTransactionResponse(v)
}

// handleSynchronize answers a SYNCHRONIZE request. While FOLLOWING,
// the actual build-and-send runs off the fsm-owning goroutine so a
// slow disk read doesn't stall our own sync loop (4.3); we already
// hold fsmMu here, so the deferred work only needs the commit lock.
func (n *Node) handleSynchronize(p *peerset.Peer, msg *wire.Message) {
	peerCount, _ := msg.GetInt(wire.HeaderCommitCount)
	peerHash := msg.Get(wire.HeaderHash)

	respond := func() {
		target := n.engine.CommittedCount()
		if n.commit.UnsentPending() {
			target = n.commit.LastSentTransactionID()
		}
		n.engine.Lock()
		resp, err := syncengine.BuildResponse(wire.SynchronizeResponse, n.engine, peerCount, peerHash, target, false)
		n.engine.Unlock()
		if err != nil {
			n.log.Debug("node: synchronize request rejected", "peer", p.ID, "error", err)
			resp = wire.New(wire.SynchronizeResponse).Set(wire.HeaderReason, err.Error())
		}
		if err := n.stamped(func() error { return n.transport.Send(p.ID, resp) }, resp); err != nil {
			n.log.Debug("node: synchronize response send failed", "peer", p.ID, "error", err)
		}
	}

	if n.GetState() == Following {
		go respond()
		return
	}
	respond()
}

func (n *Node) handleSynchronizeResponse(p *peerset.Peer, msg *wire.Message) {
	if n.GetState() != Synchronizing {
		return
	}
	sp := n.getSyncPeer()
	if sp == nil || sp.ID != p.ID {
		return
	}
	n.applySynchronizeResponse(msg)
}

func (n *Node) handleSubscribe(p *peerset.Peer, msg *wire.Message) {
	if n.GetState() != Leading {
		return
	}
	peerCount, _ := msg.GetInt(wire.HeaderCommitCount)
	peerHash := msg.Get(wire.HeaderHash)

	n.engine.Lock()
	resp, err := syncengine.BuildResponse(wire.SubscriptionApproved, n.engine, peerCount, peerHash, n.engine.CommittedCount(), true)
	n.engine.Unlock()
	if err != nil {
		n.log.Warn("node: subscribe rejected", "peer", p.ID, "error", err)
		resp = wire.New(wire.SubscriptionApproved).Set(wire.HeaderReason, err.Error())
		n.transport.Send(p.ID, resp)
		return
	}
	p.SetSubscribed(true)
	p.SetTransactionResponse(peerset.Unset)
	if err := n.transport.Send(p.ID, resp); err != nil {
		n.log.Debug("node: subscription approved send failed", "peer", p.ID, "error", err)
		return
	}

	if sql, ok := n.commit.PendingSQL(); ok {
		begin := wire.New(wire.BeginTransaction).
			Set(wire.HeaderID, strconv.FormatInt(n.commit.LastSentTransactionID()+1, 10)).
			SetInt(wire.HeaderNewCount, n.engine.CommittedCount()+1).
			Set(wire.HeaderNewHash, n.engine.UncommittedHash()).
			SetBody(sql)
		if err := n.transport.Send(p.ID, begin); err != nil {
			n.log.Debug("node: in-flight begin replay failed", "peer", p.ID, "error", err)
		}
	}
}

func (n *Node) handleSubscriptionApproved(p *peerset.Peer, msg *wire.Message) {
	if n.GetState() != Subscribing {
		return
	}
	lp := n.LeadPeer()
	if lp == nil || lp.ID != p.ID {
		return
	}
	if msg.Has(wire.HeaderReason) {
		n.log.Warn("node: subscription denied", "peer", p.ID, "reason", msg.Get(wire.HeaderReason))
		n.transitionTo(Searching)
		return
	}
	if _, err := syncengine.ApplyResponse(n.engine, msg); err != nil {
		n.log.Error("node: apply subscription response", "error", err)
		n.transitionTo(Searching)
		return
	}
	n.setLeadPeer(p)
	n.transitionTo(Following)
}

func (n *Node) handleEscalate(p *peerset.Peer, msg *wire.Message) {
	if n.GetState() != Leading {
		abort := wire.New(wire.EscalateAborted).Set(wire.HeaderID, msg.Get(wire.HeaderID))
		n.transport.Send(p.ID, abort)
		return
	}
	cmd := command.New(msg.Get(wire.HeaderID), msg.Body, n.DefaultLevel)
	cmd.InitiatingPeerID = p.ID
	n.server.AcceptCommand(cmd, true)
}

func (n *Node) handleEscalateCancel(msg *wire.Message) {
	n.server.CancelCommand(msg.Get(wire.HeaderID))
}

func (n *Node) handleEscalateResponse(msg *wire.Message) {
	cmd, ok := n.escalations.HandleResponse(msg.Get(wire.HeaderID))
	if !ok {
		return
	}
	r := command.Result{}
	if msg.Get(wire.HeaderResponse) == "SUCCESS" {
		r.Success = true
		r.CommitCount, _ = msg.GetInt(wire.HeaderCommitCount)
		r.Hash = msg.Get(wire.HeaderHash)
	} else {
		r.Error = msg.Get(wire.HeaderReason)
	}
	n.sendResponse(cmd, r)
}

// handleEscalateAborted handles ESCALATE_ABORTED: the peer we escalated
// to says it isn't LEADING, so our leadPeer belief is stale. The command
// is dropped from escalation tracking and handed back to the server with
// AcceptCommand(cmd, true); it is not re-sent to any peer from here.
// internal/admin's AcceptCommand starts it with StartCommit, which fails
// on a node that is not LEADING and completes the command with that
// error, so the command is not retried on another leader.
func (n *Node) handleEscalateAborted(msg *wire.Message) {
	id := msg.Get(wire.HeaderID)
	cmd, ok := n.escalations.HandleAborted(id)
	if !ok {
		return
	}
	n.escalations.Remove(id)
	n.server.AcceptCommand(cmd, true)
}

// handleCrashCommand and handleBroadcastCommand both just forward the
// opaque body to the server (4.3); these are operator/test-harness
// commands, not part of the replication protocol, so the node has no
// opinion on their payload beyond delivering it.
func (n *Node) handleCrashCommand(p *peerset.Peer, msg *wire.Message) {
	n.forwardOpaqueCommand(wire.CrashCommand, p, msg)
}

func (n *Node) handleBroadcastCommand(p *peerset.Peer, msg *wire.Message) {
	n.forwardOpaqueCommand(wire.BroadcastCommand, p, msg)
}

func (n *Node) forwardOpaqueCommand(kind string, p *peerset.Peer, msg *wire.Message) {
	cmd := command.New(kind+":"+msg.Get(wire.HeaderID), msg.Body, n.DefaultLevel)
	cmd.InitiatingPeerID = p.ID
	cmd.Forget = true
	n.server.AcceptCommand(cmd, true)
}
