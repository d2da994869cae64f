// Package node implements the state machine driver and top-level
// driver: the nine-state FSM, its timers and transitions, and the
// periodic update() tick that coordinates the command, replication,
// escalation, and shutdown components.
package node

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"sqlcluster/internal/command"
	"sqlcluster/internal/config"
	"sqlcluster/internal/db"
	"sqlcluster/internal/escalation"
	"sqlcluster/internal/logger"
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/replication"
	"sqlcluster/internal/shutdown"
	"sqlcluster/internal/transport"
	"sqlcluster/internal/twopc"
	"sqlcluster/internal/wire"
)

// Node is one cluster member: its own FSM state plus handles to every
// collaborator the protocol needs (transport, engine, peers, commit
// coordinator, replication, escalation, shutdown).
type Node struct {
	ID               int
	Name             string
	OriginalPriority int
	Permafollower    bool
	Version          string
	DefaultLevel     config.Consistency

	transport transport.Transport
	engine    db.Engine
	peers     *peerset.Registry
	log       *logger.Logger
	server    command.Server

	repl        *replication.Coordinator
	commit      *twopc.Coordinator
	escalations *escalation.Manager
	shutdownCtl *shutdown.Controller

	// fsmMu serializes Dispatch and Update so the FSM, despite being
	// invoked from per-connection goroutines and the driver's own tick
	// goroutine, is only ever touched by one logical "sync thread" at a
	// time, per 5's threading model.
	fsmMu sync.Mutex

	rngMu sync.Mutex
	rng   *rand.Rand

	stateMu            sync.RWMutex
	state              State
	priority           int // effective; -1 until first WAITING
	leaderVersion      string
	stateChangeCount   int64
	stateTimeout       time.Time
	syncPeer           *peerset.Peer
	ready              bool // true once the first Update() tick has run
	lastRequestedLevel config.Consistency

	leadPeerMu sync.RWMutex
	leadPeer   *peerset.Peer

	pendingMu      sync.Mutex
	pendingCommand *command.Command

	shutdownDone atomic.Bool
}

// Deps bundles every external collaborator a Node needs, assembled by
// cmd/node's main from a parsed config.Config.
type Deps struct {
	Transport transport.Transport
	Engine    db.Engine
	Peers     *peerset.Registry
	Log       *logger.Logger
	Server    command.Server
}

// New builds a Node in its initial SEARCHING-bound state. cfg.Node
// supplies this node's own identity; d.Peers must already be populated
// with every configured peer.
func New(cfg *config.Config, d Deps) *Node {
	n := &Node{
		ID:               0,
		Name:             cfg.Node.Name,
		OriginalPriority: cfg.Node.Priority,
		Permafollower:    cfg.Node.Permafollower,
		Version:          cfg.Node.Version,
		DefaultLevel:     cfg.Consistency,
		transport:        d.Transport,
		engine:           d.Engine,
		peers:            d.Peers,
		log:              d.Log,
		server:           d.Server,
		shutdownCtl:      shutdown.New(),
		escalations:      escalation.New(),
		commit:           twopc.New(d.Engine.CommittedCount()),
		state:            Searching,
		priority:         -1,
		rng:              rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	n.repl = replication.New(d.Engine, d.Log, n.effectivePriority, n.sendToLeader, n.disconnectFromLeader)
	n.transport.SetHandler(n.Dispatch)
	return n
}

func (n *Node) effectivePriority() int {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.priority
}

func (n *Node) sendToLeader(msg *wire.Message) error {
	n.leadPeerMu.RLock()
	lp := n.leadPeer
	n.leadPeerMu.RUnlock()
	if lp == nil {
		return fmt.Errorf("node: no lead peer to send to")
	}
	return n.stamped(func() error { return n.transport.Send(lp.ID, msg) }, msg)
}

// disconnectFromLeader drops the connection to the believed lead peer,
// used by internal/replication on an unrecoverable divergence with it.
func (n *Node) disconnectFromLeader() {
	if lp := n.LeadPeer(); lp != nil {
		n.transport.Reconnect(lp.ID)
	}
}

// stamped stamps msg with our own commit position before handing it to
// send, matching the wire contract that every outbound message carries
// the sender's CommitCount and Hash.
func (n *Node) stamped(send func() error, msg *wire.Message) error {
	msg.Stamp(n.engine.CommittedCount(), n.engine.CommittedHash())
	msg.Set(wire.HeaderNodeName, n.Name)
	return send()
}

func (n *Node) broadcastRaw(msg *wire.Message, filter func(peerID int) bool) {
	msg.Stamp(n.engine.CommittedCount(), n.engine.CommittedHash())
	msg.Set(wire.HeaderNodeName, n.Name)
	n.transport.Broadcast(msg, filter)
}

func (n *Node) jitter(base time.Duration, maxJitter time.Duration) time.Duration {
	n.rngMu.Lock()
	defer n.rngMu.Unlock()
	return base + time.Duration(n.rng.Int63n(int64(maxJitter)))
}

// GetState returns the current FSM state.
func (n *Node) GetState() State {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.state
}

func (n *Node) setSyncPeer(p *peerset.Peer) {
	n.stateMu.Lock()
	n.syncPeer = p
	n.stateMu.Unlock()
}

func (n *Node) getSyncPeer() *peerset.Peer {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.syncPeer
}

func (n *Node) setLeadPeer(p *peerset.Peer) {
	n.leadPeerMu.Lock()
	n.leadPeer = p
	n.leadPeerMu.Unlock()
}

// LeadPeer returns the peer this node currently believes leads the
// cluster, or nil (set only while SUBSCRIBING/FOLLOWING).
func (n *Node) LeadPeer() *peerset.Peer {
	n.leadPeerMu.RLock()
	defer n.leadPeerMu.RUnlock()
	return n.leadPeer
}

// LeaderState reports the FSM state of the peer this node believes is
// leading, or Unknown if none is known.
func (n *Node) LeaderState() State {
	lp := n.LeadPeer()
	if lp == nil {
		return Unknown
	}
	return ParseState(lp.State())
}

// transitionTo validates and applies a state change, running entry
// effects and broadcasting our new STATE to every peer. Illegal
// transitions are rejected with a warning and leave state unchanged.
func (n *Node) transitionTo(to State) bool {
	n.stateMu.Lock()
	from := n.state
	if !legal(from, to) {
		n.stateMu.Unlock()
		n.log.Warn("node: rejected illegal transition", "from", from, "to", to)
		return false
	}
	n.state = to
	n.stateChangeCount++
	scc := n.stateChangeCount
	n.stateMu.Unlock()

	n.enter(from, to)

	if from != to {
		n.log.Info("node: state transition", "from", from, "to", to)
	}
	stateMsg := wire.New(wire.State).
		Set(wire.HeaderState, to.String()).
		SetInt(wire.HeaderPriority, int64(n.effectivePriority())).
		SetInt(wire.HeaderStateChangeCnt, scc)
	n.broadcastRaw(stateMsg, nil)
	return true
}

// enter applies the per-state entry effects from 4.2.
func (n *Node) enter(from, to State) {
	switch to {
	case StandingUp:
		n.setStateTimeout(n.jitter(5*time.Second, 5*time.Second))
		n.peers.Range(func(p *peerset.Peer) bool {
			p.SetStandupResponse(peerset.Unset)
			return true
		})
	case Searching, Subscribing:
		n.setStateTimeout(n.jitter(5*time.Minute, 5*time.Second))
	case Synchronizing:
		n.setStateTimeout(n.jitter(30*time.Second, 5*time.Second))
	case Leading:
		n.onEnterLeading()
	case StandingDown:
		n.setStateTimeout(30 * time.Second)
	case Waiting:
		n.stateMu.Lock()
		if n.priority == -1 {
			n.priority = n.OriginalPriority
		}
		n.stateMu.Unlock()
	}

	if to == Searching && (from == Leading || from == StandingDown) {
		n.onLeaveLeadership()
	}
	if from == Following && to != Following {
		n.repl.Drain()
	}
	if to != Synchronizing {
		n.setSyncPeer(nil)
	}
	if to != Subscribing && to != Following {
		n.setLeadPeer(nil)
	}
}

func (n *Node) onEnterLeading() {
	n.stateMu.Lock()
	n.leaderVersion = n.Version
	n.stateMu.Unlock()

	n.engine.Lock()
	n.commit.ResetOnLead(n.engine.CommittedCount())
	n.engine.Unlock()
}

// onLeaveLeadership fails any in-progress commit and flushes already-
// committed transactions one last time, per 4.2's SEARCHING-from-
// LEADING/STANDINGDOWN entry effect.
func (n *Node) onLeaveLeadership() {
	if n.commit.State() == twopc.Committing {
		n.engine.Lock()
		n.engine.Rollback()
		n.engine.Unlock()
		n.commit.Finish(false)
		n.completeCommand(command.Result{Success: false, Error: "leadership lost mid-commit"})
	}
	n.stateMu.Lock()
	n.leaderVersion = ""
	n.stateMu.Unlock()
	_ = n.commit.SendOutstandingTransactions(n.engine, n.peers, n.broadcastRaw)
}

func (n *Node) setStateTimeout(d time.Duration) {
	n.stateMu.Lock()
	n.stateTimeout = time.Now().Add(d)
	n.stateMu.Unlock()
}

func (n *Node) timedOut() bool {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return !n.stateTimeout.IsZero() && time.Now().After(n.stateTimeout)
}

// Update runs one tick of the top-level driver: dispatch to the
// current state's handler. Returning true means the caller should call
// Update again immediately without waiting for I/O or a timer.
func (n *Node) Update() bool {
	n.fsmMu.Lock()
	defer n.fsmMu.Unlock()

	n.stateMu.Lock()
	n.ready = true
	n.stateMu.Unlock()

	n.checkShutdownTimeout()
	n.checkPeerConnectivity()

	switch n.GetState() {
	case Searching:
		return n.updateSearching()
	case Synchronizing:
		return n.updateSynchronizing()
	case Waiting:
		return n.updateWaiting()
	case StandingUp:
		return n.updateStandingUp()
	case Leading, StandingDown:
		return n.updateLeadingOrStandingDown()
	case Subscribing:
		return n.updateSubscribing()
	case Following:
		return n.updateFollowing()
	default:
		return false
	}
}

// Ready reports whether the node has completed at least one Update()
// tick, used by the admin surface's /v1/healthz.
func (n *Node) Ready() bool {
	n.stateMu.RLock()
	defer n.stateMu.RUnlock()
	return n.ready
}

// Broadcast exposes the node's outbound broadcast for the admin layer
// (e.g. forwarding CRASH_COMMAND/BROADCAST_COMMAND).
func (n *Node) Broadcast(msg *wire.Message, filter func(peerID int) bool) {
	n.broadcastRaw(msg, filter)
}

// Peers exposes the peer registry for read-only inspection, used by
// the admin status snapshot.
func (n *Node) Peers() *peerset.Registry {
	return n.peers
}

// CommitCount returns this node's own committed transaction count.
func (n *Node) CommitCount() int64 {
	return n.engine.CommittedCount()
}
