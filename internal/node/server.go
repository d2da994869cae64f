package node

import (
	"fmt"
	"time"

	"sqlcluster/internal/command"
	"sqlcluster/internal/twopc"
	"sqlcluster/internal/wire"
)

// StartCommit is called by the command server to hand the node a new
// local write. If this node is not LEADING, the caller should escalate
// instead; StartCommit returns an error in that case without touching
// any state.
func (n *Node) StartCommit(cmd *command.Command) error {
	if n.GetState() != Leading {
		return fmt.Errorf("node: not leading, cannot accept commit directly")
	}
	n.pendingMu.Lock()
	if n.pendingCommand != nil {
		n.pendingMu.Unlock()
		return fmt.Errorf("node: a commit is already in flight")
	}
	n.pendingCommand = cmd
	n.pendingMu.Unlock()

	if err := n.commit.RequestCommit(cmd.SQL, cmd.Consistency); err != nil {
		n.pendingMu.Lock()
		n.pendingCommand = nil
		n.pendingMu.Unlock()
		return err
	}
	return nil
}

// EscalateCommand forwards cmd to the believed lead peer, per 4.7. The
// caller (command server) must not also call StartCommit for the same
// command.
func (n *Node) EscalateCommand(cmd *command.Command) error {
	lp := n.LeadPeer()
	if lp == nil {
		return fmt.Errorf("node: no known lead peer to escalate to")
	}
	if n.LeaderState() == StandingDown {
		return fmt.Errorf("node: lead peer is standing down, refusing escalation")
	}
	cmd.InitiatingPeerID = 0 // local to the escalating node; set remotely on receipt
	return n.escalations.Escalate(senderFunc(n.transport.Send), lp.ID, cmd, cmd.Forget)
}

type senderFunc func(peerID int, msg *wire.Message) error

func (f senderFunc) Send(peerID int, msg *wire.Message) error { return f(peerID, msg) }

// CancelEscalation best-effort notifies the lead peer that cmd should
// be abandoned.
func (n *Node) CancelEscalation(id string) {
	n.escalations.Cancel(senderFunc(n.transport.Send), id)
}

// completeCommand finishes the currently pending leader-side command
// with r, handing it back to the server and, if it was escalated from
// a follower, relaying the result with ESCALATE_RESPONSE.
func (n *Node) completeCommand(r command.Result) {
	n.pendingMu.Lock()
	cmd := n.pendingCommand
	n.pendingCommand = nil
	n.pendingMu.Unlock()
	if cmd == nil {
		return
	}
	n.sendResponse(cmd, r)
}

// sendResponse is the single place a command's outcome is delivered,
// whether it originated locally or arrived via ESCALATE: complete its
// channel, hand it to the server, and if it crossed the wire to get
// here, relay the result back to whoever escalated it.
func (n *Node) sendResponse(cmd *command.Command, r command.Result) {
	cmd.Complete(r)
	n.server.AcceptCommand(cmd, false)
	if cmd.InitiatingPeerID == 0 {
		return
	}
	resp := wire.New(wire.EscalateResponse).Set(wire.HeaderID, cmd.ID)
	if r.Success {
		resp.Set(wire.HeaderResponse, "SUCCESS")
		resp.SetInt(wire.HeaderCommitCount, r.CommitCount)
		resp.Set(wire.HeaderHash, r.Hash)
	} else {
		resp.Set(wire.HeaderResponse, "FAILURE")
		resp.Set(wire.HeaderReason, r.Error)
	}
	if err := n.transport.Send(cmd.InitiatingPeerID, resp); err != nil {
		n.log.Debug("node: escalate response send failed", "error", err)
	}
}

// BeginShutdown arms graceful shutdown with the given drain deadline.
func (n *Node) BeginShutdown(d time.Duration) {
	n.shutdownCtl.Begin(d)
}

// ShutdownComplete reports whether it is now safe to exit the process,
// per 4.8: once declared complete (naturally drained, or forced by
// checkShutdownTimeout on deadline expiry) it stays true even after
// the controller is cleared.
func (n *Node) ShutdownComplete() bool {
	if n.shutdownDone.Load() {
		return true
	}
	if !n.shutdownCtl.Armed() {
		return false
	}
	if !n.drained() {
		return false
	}
	n.shutdownDone.Store(true)
	return true
}

// drained implements 4.8's predicate: state <= WAITING, no uncommitted
// DB transaction, no in-progress commit, no active replication
// workers, no outstanding escalations, and no server-side objection.
func (n *Node) drained() bool {
	if n.GetState() > Waiting {
		return false
	}
	if n.engine.HasOpenTransaction() {
		return false
	}
	if n.commit.State() == twopc.Committing {
		return false
	}
	if n.repl.ActiveWorkers() > 0 {
		return false
	}
	if n.escalations.Len() > 0 {
		return false
	}
	return n.server.CanStandDown()
}

// checkShutdownTimeout implements 4.8's timeout path: abandon every
// outstanding escalation with a synthesized failure, force SEARCHING,
// and declare shutdown complete for good.
func (n *Node) checkShutdownTimeout() {
	if n.shutdownDone.Load() || !n.shutdownCtl.Armed() || !n.shutdownCtl.Expired() {
		return
	}
	for _, cmd := range n.escalations.AbandonAll() {
		cmd.Complete(command.Result{Success: false, Error: "shutdown timeout", Abandoned: true})
		n.server.AcceptCommand(cmd, false)
	}
	n.transitionTo(Searching)
	n.shutdownCtl.Clear()
	n.shutdownDone.Store(true)
}
