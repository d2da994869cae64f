// Package peerset holds the peer registry: each configured peer's
// named attributes and its transport handle. Exactly one owner, the
// node's sync thread, mutates peers; replication workers only read
// leader/sync-peer lookups, which is why the registry is backed by a
// lock-free concurrent map rather than a mutex-guarded one.
package peerset

import (
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"sqlcluster/internal/config"
)

// VoteResponse is a standup/transaction response slot's value.
type VoteResponse int

const (
	Unset VoteResponse = iota
	Approve
	Deny
)

// Peer is one configured cluster member, identified by name and id.
// Field access is guarded by mu; Registry only ever hands out *Peer
// values, never copies, so every reader sees live state.
type Peer struct {
	ID            int
	Name          string
	Host          string
	Priority      int // 0 = permafollower, configured not negotiated
	Permafollower bool

	mu                   sync.RWMutex
	state                string // mirrors node.State as observed on this peer; string to avoid an import cycle
	commitCount          int64
	hash                 string
	loggedIn             bool
	subscribed           bool
	standupResponse      VoteResponse
	transactionResponse  VoteResponse
	latencyMicros        int64
	version              string
	stateChangeCount     int64

	conn PeerConn
}

// PeerConn is the minimal send/receive handle a Peer holds into the
// transport layer; internal/transport provides the concrete type.
type PeerConn interface {
	Send(methodAndFrame []byte) error
	Connected() bool
	Close() error
}

// New builds a Peer in its initial, logged-out state.
func New(id int, addr config.PeerAddress) *Peer {
	return &Peer{
		ID:            id,
		Name:          addr.Name,
		Host:          addr.Host,
		Permafollower: addr.Permafollower,
	}
}

func (p *Peer) FullPeer() bool { return !p.Permafollower }

func (p *Peer) SetConn(c PeerConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn = c
}

func (p *Peer) Conn() PeerConn {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn
}

func (p *Peer) State() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *Peer) SetState(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

func (p *Peer) CommitCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.commitCount
}

func (p *Peer) Hash() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.hash
}

// SetCommit updates the peer's last-known commit position, the
// authoritative source being the most recently received message.
func (p *Peer) SetCommit(count int64, hash string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commitCount = count
	p.hash = hash
}

func (p *Peer) LoggedIn() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.loggedIn
}

func (p *Peer) SetLoggedIn(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedIn = v
}

func (p *Peer) Subscribed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subscribed
}

func (p *Peer) SetSubscribed(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribed = v
}

func (p *Peer) StandupResponse() VoteResponse {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.standupResponse
}

func (p *Peer) SetStandupResponse(v VoteResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.standupResponse = v
}

func (p *Peer) TransactionResponse() VoteResponse {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.transactionResponse
}

func (p *Peer) SetTransactionResponse(v VoteResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transactionResponse = v
}

func (p *Peer) Latency() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return time.Duration(p.latencyMicros) * time.Microsecond
}

func (p *Peer) SetLatency(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latencyMicros = d.Microseconds()
}

func (p *Peer) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

func (p *Peer) SetVersion(v string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.version = v
}

func (p *Peer) StateChangeCount() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stateChangeCount
}

func (p *Peer) SetStateChangeCount(v int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stateChangeCount = v
}

// Registry owns every configured peer for process life.
type Registry struct {
	byID *skipmap.Int64Map[*Peer]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: skipmap.NewInt64[*Peer]()}
}

// Add registers a peer under its id. Peers are created once at
// startup and never removed (no dynamic membership).
func (r *Registry) Add(p *Peer) {
	r.byID.Store(int64(p.ID), p)
}

// Get looks up a peer by id.
func (r *Registry) Get(id int) (*Peer, bool) {
	return r.byID.Load(int64(id))
}

// Range calls fn for every peer, in ascending id order, stopping early
// if fn returns false.
func (r *Registry) Range(fn func(p *Peer) bool) {
	r.byID.Range(func(_ int64, p *Peer) bool {
		return fn(p)
	})
}

// Len returns the number of configured peers.
func (r *Registry) Len() int {
	return r.byID.Len()
}

// All materializes every peer into a slice, ordered by id.
func (r *Registry) All() []*Peer {
	out := make([]*Peer, 0, r.byID.Len())
	r.Range(func(p *Peer) bool {
		out = append(out, p)
		return true
	})
	return out
}

// CountFullLoggedIn returns the number of non-permafollower peers that
// are currently logged in.
func (r *Registry) CountFullLoggedIn() int {
	n := 0
	r.Range(func(p *Peer) bool {
		if p.FullPeer() && p.LoggedIn() {
			n++
		}
		return true
	})
	return n
}

// CountFull returns the number of configured non-permafollower peers.
func (r *Registry) CountFull() int {
	n := 0
	r.Range(func(p *Peer) bool {
		if p.FullPeer() {
			n++
		}
		return true
	})
	return n
}
