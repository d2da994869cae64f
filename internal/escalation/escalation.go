// Package escalation implements the follower-side forwarding path:
// wrap a command in an ESCALATE frame, send it to the believed
// leader, and track it until a response, an abort, or a requeue.
package escalation

import (
	"fmt"
	"sync"
	"time"

	"sqlcluster/internal/command"
	"sqlcluster/internal/wire"
)

// Sender is the minimal transport handle escalation needs: deliver one
// frame to the lead peer.
type Sender interface {
	Send(peerID int, msg *wire.Message) error
}

// Manager owns the escalated-command map. One owner at a time per
// command: either here, or handed back to the server.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*command.Command
	leadOf  map[string]int // command id -> peer id it was sent to
}

// New creates an empty manager.
func New() *Manager {
	return &Manager{
		pending: make(map[string]*command.Command),
		leadOf:  make(map[string]int),
	}
}

// Len reports the number of outstanding escalations.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Escalate sends cmd to leadPeerID as an ESCALATE frame and, unless
// forget is set, records it for later ESCALATE_RESPONSE/ABORTED
// matching. leaderStandingDown must be checked by the caller before
// invoking this (refuse and hand back per 4.7) since that decision
// depends on peer state the manager does not own.
func (m *Manager) Escalate(sender Sender, leadPeerID int, cmd *command.Command, forget bool) error {
	cmd.EscalationTimeUS = time.Now().UnixMicro()
	frame := wire.New(wire.Escalate).Set(wire.HeaderID, cmd.ID).SetBody(cmd.SQL)
	if err := sender.Send(leadPeerID, frame); err != nil {
		return fmt.Errorf("escalation: send to peer %d: %w", leadPeerID, err)
	}
	if forget {
		return nil
	}
	m.mu.Lock()
	m.pending[cmd.ID] = cmd
	m.leadOf[cmd.ID] = leadPeerID
	m.mu.Unlock()
	return nil
}

// Cancel best-effort notifies the lead peer and drops local tracking.
func (m *Manager) Cancel(sender Sender, id string) {
	m.mu.Lock()
	leadPeerID, ok := m.leadOf[id]
	delete(m.pending, id)
	delete(m.leadOf, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = sender.Send(leadPeerID, wire.New(wire.EscalateCancel).Set(wire.HeaderID, id))
}

// HandleResponse matches an ESCALATE_RESPONSE to its command, removes
// it from tracking, and returns it (with the result still unset; the
// caller parses msg's body into a command.Result and completes it).
func (m *Manager) HandleResponse(id string) (*command.Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
		delete(m.leadOf, id)
	}
	return cmd, ok
}

// HandleAborted matches an ESCALATE_ABORTED to its command and returns
// it; it is NOT removed from the map by this call. The caller removes it
// with Remove once it has decided what to do with it (internal/node
// hands it back to the server as new work).
func (m *Manager) HandleAborted(id string) (*command.Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.pending[id]
	return cmd, ok
}

// Remove drops id from tracking without notifying anyone, used once a
// retry attempt has been dispatched (or abandoned) for a command
// HandleAborted returned.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	delete(m.leadOf, id)
}

// RequeueAll clears the map and returns every command it held, for
// the caller to hand back to command.Server.AcceptCommand(cmd, true) as
// new work.
func (m *Manager) RequeueAll() []*command.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*command.Command, 0, len(m.pending))
	for _, cmd := range m.pending {
		out = append(out, cmd)
	}
	m.pending = make(map[string]*command.Command)
	m.leadOf = make(map[string]int)
	return out
}

// AbandonAll clears the map and returns every command it held, for
// the caller to complete with a synthesized abandonment result
// (graceful-shutdown timeout, 4.8/7).
func (m *Manager) AbandonAll() []*command.Command {
	return m.RequeueAll()
}
