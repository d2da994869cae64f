package transport

import (
	"fmt"
	"sync"

	"sqlcluster/internal/wire"
)

// Mock is an in-process Transport that delivers frames directly to
// peer handlers without touching the network, grounded in the mock
// raft client pattern used to drive multi-node scenario tests without
// real sockets. A cluster of Mocks sharing a hub can simulate an
// entire cluster's message flow inside one test process.
type Mock struct {
	id  int
	hub *MockHub

	mu      sync.RWMutex
	handler Handler
	up      map[int]bool
}

// NewMock creates a transport for node id, registered against hub.
func NewMock(id int, hub *MockHub) *Mock {
	m := &Mock{id: id, hub: hub, up: map[int]bool{}}
	hub.register(id, m)
	return m
}

func (m *Mock) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

func (m *Mock) Start() error { return nil }

func (m *Mock) deliver(fromID int, msg *wire.Message) {
	m.mu.RLock()
	h := m.handler
	m.mu.RUnlock()
	if h != nil {
		h(fromID, msg)
	}
}

func (m *Mock) Send(peerID int, msg *wire.Message) error {
	if !m.Connected(peerID) {
		return fmt.Errorf("transport: peer %d not connected", peerID)
	}
	return m.hub.send(m.id, peerID, msg)
}

func (m *Mock) Broadcast(msg *wire.Message, sendTo func(peerID int) bool) {
	for _, id := range m.hub.peerIDs(m.id) {
		if sendTo != nil && !sendTo(id) {
			continue
		}
		_ = m.Send(id, msg)
	}
}

func (m *Mock) Connected(peerID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if up, ok := m.up[peerID]; ok {
		return up
	}
	return true
}

func (m *Mock) Reconnect(peerID int) {
	m.mu.Lock()
	m.up[peerID] = true
	m.mu.Unlock()
}

func (m *Mock) Close() error {
	m.hub.unregister(m.id)
	return nil
}

// SetLinkUp lets a test simulate a partition between two nodes in
// either direction.
func (m *Mock) SetLinkUp(peerID int, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up[peerID] = up
}

// MockHub wires a set of Mock transports together so Send on one
// delivers synchronously to another's handler.
type MockHub struct {
	mu      sync.RWMutex
	members map[int]*Mock
}

// NewMockHub creates an empty hub; nodes join it via NewMock.
func NewMockHub() *MockHub {
	return &MockHub{members: map[int]*Mock{}}
}

func (h *MockHub) register(id int, m *Mock) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.members[id] = m
}

func (h *MockHub) unregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.members, id)
}

func (h *MockHub) peerIDs(excluding int) []int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]int, 0, len(h.members))
	for id := range h.members {
		if id != excluding {
			ids = append(ids, id)
		}
	}
	return ids
}

func (h *MockHub) send(fromID, toID int, msg *wire.Message) error {
	h.mu.RLock()
	dst, ok := h.members[toID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: mock peer %d not registered", toID)
	}
	dst.deliver(fromID, msg)
	return nil
}
