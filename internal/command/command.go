// Package command holds the unit of client work that flows through the
// node: a write submitted locally or forwarded ("escalated") from a
// follower to the leader. The command server (internal/admin) is the
// external owner; the node only ever holds a command while it is
// in-flight.
package command

import (
	"time"

	"sqlcluster/internal/config"
)

// Command is one client-submitted write, opaque SQL text plus the
// bookkeeping needed to route its result back to the caller.
type Command struct {
	ID               string
	SQL              []byte
	Consistency      config.Consistency
	InitiatingPeerID int // 0 if submitted locally, not escalated
	Forget           bool
	CreatedAt        time.Time
	EscalationTimeUS int64

	result chan Result
}

// New creates a command with its response channel ready to receive
// exactly one Result.
func New(id string, sql []byte, level config.Consistency) *Command {
	return &Command{
		ID:          id,
		SQL:         sql,
		Consistency: level,
		CreatedAt:   time.Now(),
		result:      make(chan Result, 1),
	}
}

// Result is the terminal outcome of a command.
type Result struct {
	Success     bool
	Error       string
	CommitCount int64
	Hash        string
	Abandoned   bool
}

// Complete delivers the result to whoever is waiting on Wait. The result
// channel holds a single value, so call it at most once per command; a
// second call blocks until the first result has been taken by Wait.
func (c *Command) Complete(r Result) {
	c.result <- r
}

// Wait blocks until Complete is called or done fires.
func (c *Command) Wait(done <-chan struct{}) (Result, bool) {
	select {
	case r := <-c.result:
		return r, true
	case <-done:
		return Result{}, false
	}
}

// Server is what internal/node requires from its external owner: a
// place to hand new or completed commands, and two other callbacks
// that gate the FSM (new peer logins, and whether a graceful standdown
// may proceed).
type Server interface {
	// AcceptCommand is called once a command is ready to execute (it is
	// new work for this node) and again when it completes.
	AcceptCommand(cmd *Command, isNew bool)
	// CancelCommand best-effort cancels a command still in flight.
	CancelCommand(id string)
	// OnNodeLogin is called when a peer completes LOGIN.
	OnNodeLogin(peerID int)
	// CanStandDown reports whether the server has no objection to this
	// node relinquishing leadership right now.
	CanStandDown() bool
}
