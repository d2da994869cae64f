package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"sqlcluster/internal/config"
	"sqlcluster/internal/wire"
)

const (
	dialRetryInterval = 2 * time.Second
	maxFrameBytes     = 64 << 20
)

// peerConn is one outbound/inbound connection slot for a configured peer.
type peerConn struct {
	id   int
	addr string

	mu        sync.Mutex
	conn      net.Conn
	latencyUS int64

	writeMu sync.Mutex // serializes frame writes on conn, separate from mu to avoid blocking state reads during a slow write
}

// TCP is the production Transport: one persistent reconnecting
// connection per configured peer, frames delimited by a 4-byte
// big-endian length prefix.
type TCP struct {
	listen string
	log    *slog.Logger

	handler Handler

	mu      sync.RWMutex
	peers   map[int]*peerConn
	byName  map[string]int

	listener net.Listener
	closing  chan struct{}
}

// NewTCP builds a transport that listens on listenAddr and, once
// started, dials each peer (keyed by id) registered via AddPeer before
// Start.
func NewTCP(listenAddr string, log *slog.Logger) *TCP {
	return &TCP{
		listen:  listenAddr,
		log:     log,
		peers:   map[int]*peerConn{},
		byName:  map[string]int{},
		closing: make(chan struct{}),
	}
}

// AddPeer registers a peer to dial. Must be called before Start. name
// must match the NodeName header the peer stamps on its own LOGIN, so
// an inbound connection it initiates can be matched back to this id.
func (t *TCP) AddPeer(id int, name string, addr config.PeerAddress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = &peerConn{id: id, addr: addr.Host}
	t.byName[name] = id
}

func (t *TCP) SetHandler(h Handler) { t.handler = h }

func (t *TCP) Start() error {
	ln, err := net.Listen("tcp", t.listen)
	if err != nil {
		return fmt.Errorf("transport: listen %s: %w", t.listen, err)
	}
	t.listener = ln

	go t.acceptLoop()

	t.mu.RLock()
	peers := make([]*peerConn, 0, len(t.peers))
	for _, pc := range t.peers {
		peers = append(peers, pc)
	}
	t.mu.RUnlock()
	for _, pc := range peers {
		go t.dialLoop(pc)
	}
	return nil
}

func (t *TCP) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.closing:
				return
			default:
				t.log.Warn("transport: accept failed", "error", err)
				continue
			}
		}
		go t.acceptConn(conn)
	}
}

// acceptConn handles one inbound connection whose peer identity is
// unknown until its first frame arrives: an ephemeral source port
// never matches the peer's configured listen port, so the transport
// cannot index it by address. The node stamps NodeName on the frames
// it sends through its stamped and broadcastRaw helpers (internal/node),
// so the first frame's NodeName header resolves it against the peers
// added via AddPeer. Once
// resolved the connection is adopted as that peer's conn, so Send can
// reuse this same socket instead of waiting for the outbound dialLoop.
func (t *TCP) acceptConn(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	frame, err := readFrame(reader)
	if err != nil {
		if err != io.EOF {
			t.log.Debug("transport: inbound read failed before identification", "error", err)
		}
		return
	}
	msg, err := wire.Decode(frame)
	if err != nil {
		t.log.Warn("transport: malformed inbound frame before identification", "error", err)
		return
	}

	name := msg.Get(wire.HeaderNodeName)
	t.mu.RLock()
	id, known := t.byName[name]
	pc := t.peers[id]
	t.mu.RUnlock()
	if !known {
		t.log.Warn("transport: inbound connection from unrecognized peer", "name", name)
		return
	}

	pc.mu.Lock()
	if pc.conn != nil {
		pc.conn.Close()
	}
	pc.conn = conn
	pc.mu.Unlock()

	if t.handler != nil {
		t.handler(id, msg)
	}
	t.readFrames(conn, reader, id)

	pc.mu.Lock()
	if pc.conn == conn {
		pc.conn = nil
	}
	pc.mu.Unlock()
}

func (t *TCP) dialLoop(pc *peerConn) {
	for {
		select {
		case <-t.closing:
			return
		default:
		}
		start := time.Now()
		conn, err := net.DialTimeout("tcp", pc.addr, dialRetryInterval)
		if err != nil {
			t.log.Debug("transport: dial failed", "peer", pc.id, "addr", pc.addr, "error", err)
			time.Sleep(dialRetryInterval)
			continue
		}
		pc.mu.Lock()
		pc.conn = conn
		pc.latencyUS = time.Since(start).Microseconds()
		pc.mu.Unlock()

		t.readLoop(conn, pc.id)

		pc.mu.Lock()
		if pc.conn == conn {
			pc.conn = nil
		}
		pc.mu.Unlock()
		time.Sleep(dialRetryInterval)
	}
}

func (t *TCP) readLoop(conn net.Conn, peerID int) {
	defer conn.Close()
	t.readFrames(conn, bufio.NewReader(conn), peerID)
}

// readFrames consumes frames off reader until it fails, dispatching
// each to the handler under peerID. Shared by the outbound dialLoop
// (peer identity known up front) and acceptConn (peer identity
// resolved from the first frame before this is called).
func (t *TCP) readFrames(conn net.Conn, reader *bufio.Reader, peerID int) {
	for {
		frame, err := readFrame(reader)
		if err != nil {
			if err != io.EOF {
				t.log.Debug("transport: read failed", "peer", peerID, "error", err)
			}
			return
		}
		msg, err := wire.Decode(frame)
		if err != nil {
			t.log.Warn("transport: malformed frame, resetting connection", "peer", peerID, "error", err)
			return
		}
		if t.handler != nil {
			t.handler(peerID, msg)
		}
	}
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("transport: frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func (t *TCP) Send(peerID int, msg *wire.Message) error {
	t.mu.RLock()
	pc, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: unknown peer %d", peerID)
	}
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: peer %d not connected", peerID)
	}
	start := time.Now()
	pc.writeMu.Lock()
	err := writeFrame(conn, msg.Encode())
	pc.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("transport: send to %d: %w", peerID, err)
	}
	pc.mu.Lock()
	pc.latencyUS = time.Since(start).Microseconds()
	pc.mu.Unlock()
	return nil
}

func (t *TCP) Broadcast(msg *wire.Message, sendTo func(peerID int) bool) {
	t.mu.RLock()
	ids := make([]int, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	for _, id := range ids {
		if sendTo != nil && !sendTo(id) {
			continue
		}
		if err := t.Send(id, msg); err != nil {
			t.log.Debug("transport: broadcast send failed", "peer", id, "error", err)
		}
	}
}

func (t *TCP) Connected(peerID int) bool {
	t.mu.RLock()
	pc, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.conn != nil
}

// LatencyMicros returns how long the most recent dial or frame write to
// a peer took, in microseconds, or 0 if unmeasured.
func (t *TCP) LatencyMicros(peerID int) int64 {
	t.mu.RLock()
	pc, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return 0
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.latencyUS
}

func (t *TCP) Reconnect(peerID int) {
	t.mu.RLock()
	pc, ok := t.peers[peerID]
	t.mu.RUnlock()
	if !ok {
		return
	}
	pc.mu.Lock()
	if pc.conn != nil {
		pc.conn.Close()
		pc.conn = nil
	}
	pc.mu.Unlock()
}

func (t *TCP) Close() error {
	close(t.closing)
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, pc := range t.peers {
		pc.mu.Lock()
		if pc.conn != nil {
			pc.conn.Close()
		}
		pc.mu.Unlock()
	}
	return nil
}
