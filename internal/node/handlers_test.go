package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sqlcluster/internal/db"
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/transport"
	"sqlcluster/internal/wire"
)

func stampedMsg(method string, cc int64, hash string) *wire.Message {
	return wire.New(method).SetInt(wire.HeaderCommitCount, cc).Set(wire.HeaderHash, hash)
}

func TestDispatchDropsMessageFromUnconfiguredPeer(t *testing.T) {
	hub := transport.NewMockHub()
	n, srv, _ := testNode(1, 5, hub)
	n.Dispatch(999, stampedMsg(wire.Login, 0, ""))
	require.Empty(t, srv.logins)
}

func TestDispatchReconnectsOnMissingCommitHeaders(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	transport.NewMock(100, hub)
	p, _ := n.peers.Get(100)
	p.SetLoggedIn(true)
	n.transport.(*transport.Mock).SetLinkUp(100, false)

	n.Dispatch(100, wire.New(wire.State).Set(wire.HeaderState, "SEARCHING"))
	require.Equal(t, "", p.State(), "malformed frame must be dropped before any handler runs")
	require.True(t, n.transport.Connected(100), "malformed frame must trigger a reconnect")
}

func TestDispatchDropsNonLoginBeforeLogin(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	msg := stampedMsg(wire.State, 0, "")
	msg.Set(wire.HeaderState, "SEARCHING")
	n.Dispatch(100, msg)
	p, _ := n.peers.Get(100)
	require.Equal(t, "", p.State())
}

func TestHandleLoginRecordsPeerAndReplies(t *testing.T) {
	hub := transport.NewMockHub()
	n, srv, _ := testNode(1, 5, hub, 3)
	transport.NewMock(100, hub)

	login := stampedMsg(wire.Login, 0, "").
		SetInt(wire.HeaderPriority, 3).
		Set(wire.HeaderPermafollower, "false").
		Set(wire.HeaderVersion, "v1").
		Set(wire.HeaderState, "SEARCHING")
	n.Dispatch(100, login)

	p, _ := n.peers.Get(100)
	require.True(t, p.LoggedIn())
	require.Equal(t, 3, p.Priority)
	require.Equal(t, "v1", p.Version())
	require.Contains(t, srv.logins, 100)
}

func TestHandleLoginPanicsOnDuplicatePriority(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	n.setEffectivePriority(3)

	login := stampedMsg(wire.Login, 0, "").
		SetInt(wire.HeaderPriority, 3).
		Set(wire.HeaderPermafollower, "false").
		Set(wire.HeaderState, "SEARCHING")
	require.Panics(t, func() { n.Dispatch(100, login) })
}

func TestHandleLoginAllowsSamePriorityBeforeFirstWaiting(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	// effective priority is still -1 (never reached WAITING), so a
	// peer reporting any priority, including 0, cannot collide with it.
	require.Equal(t, -1, n.effectivePriority())

	login := stampedMsg(wire.Login, 0, "").
		SetInt(wire.HeaderPriority, 5).
		Set(wire.HeaderPermafollower, "false").
		Set(wire.HeaderState, "SEARCHING")
	require.NotPanics(t, func() { n.Dispatch(100, login) })

	p, _ := n.peers.Get(100)
	require.True(t, p.LoggedIn())
}

func TestHandleLoginRejectsPermafollowerMismatch(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 0)

	login := stampedMsg(wire.Login, 0, "").
		SetInt(wire.HeaderPriority, 0).
		Set(wire.HeaderPermafollower, "false").
		Set(wire.HeaderState, "SEARCHING")
	n.Dispatch(100, login)

	p, _ := n.peers.Get(100)
	require.False(t, p.LoggedIn())
}

func loggedInPeer(t *testing.T, n *Node, id int) *peerset.Peer {
	t.Helper()
	p, ok := n.peers.Get(id)
	require.True(t, ok)
	p.SetLoggedIn(true)
	return p
}

func TestHandleStateTracksTransitionAndResetsOnSearch(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	p := loggedInPeer(t, n, 100)
	p.SetState(Waiting.String())
	p.SetSubscribed(true)

	msg := stampedMsg(wire.State, 0, "").Set(wire.HeaderState, "SEARCHING")
	n.handleState(p, msg)

	require.Equal(t, "SEARCHING", p.State())
	require.False(t, p.Subscribed())
}

func TestRespondToStandupDeniesPermafollowerCandidate(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 9)
	peerTransport := transport.NewMock(100, hub)
	var received *wire.Message
	peerTransport.SetHandler(func(_ int, msg *wire.Message) { received = msg })
	p := loggedInPeer(t, n, 100)
	p.Permafollower = true

	msg := stampedMsg(wire.State, 0, "").SetInt(wire.HeaderStateChangeCnt, 1)
	n.respondToStandup(p, msg)
	require.NotNil(t, received)
	require.Equal(t, "DENY", received.Get(wire.HeaderResponse))
}

func TestRespondToStandupDeniesWhenWeOutrankCandidateWhileLeading(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 9, hub, 3)
	peerTransport := transport.NewMock(100, hub)
	var received *wire.Message
	peerTransport.SetHandler(func(_ int, msg *wire.Message) { received = msg })
	n.transitionTo(Waiting)
	n.transitionTo(StandingUp)
	n.transitionTo(Leading)
	p := loggedInPeer(t, n, 100)
	p.Priority = 3

	msg := stampedMsg(wire.State, 0, "").SetInt(wire.HeaderStateChangeCnt, 1)
	n.respondToStandup(p, msg)
	require.NotNil(t, received)
	require.Equal(t, "DENY", received.Get(wire.HeaderResponse))
	require.Equal(t, Leading, n.GetState())
}

func TestRespondToStandupApprovesAndStepsDownForHigherPriorityCandidate(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 3, hub, 9)
	peerTransport := transport.NewMock(100, hub)
	var received *wire.Message
	peerTransport.SetHandler(func(_ int, msg *wire.Message) { received = msg })
	n.transitionTo(Waiting)
	n.transitionTo(StandingUp)
	n.transitionTo(Leading)
	p := loggedInPeer(t, n, 100)
	p.Priority = 9

	msg := stampedMsg(wire.State, 0, "").SetInt(wire.HeaderStateChangeCnt, 1)
	n.respondToStandup(p, msg)
	require.NotNil(t, received)
	require.Equal(t, "APPROVE", received.Get(wire.HeaderResponse))
	require.Equal(t, StandingDown, n.GetState())
}

func TestHandleStandupResponseIgnoresStaleStateChangeCount(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 9, hub, 3)
	n.transitionTo(Waiting)
	n.transitionTo(StandingUp)
	p := loggedInPeer(t, n, 100)

	msg := stampedMsg(wire.StandupResponse, 0, "").SetInt(wire.HeaderStateChangeCnt, 0).Set(wire.HeaderResponse, "APPROVE")
	n.handleStandupResponse(p, msg)
	require.Equal(t, peerset.Unset, p.StandupResponse())
}

func TestHandleStandupResponseAcceptsCurrentRound(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 9, hub, 3)
	n.transitionTo(Waiting)
	n.transitionTo(StandingUp)
	p := loggedInPeer(t, n, 100)

	n.stateMu.RLock()
	scc := n.stateChangeCount
	n.stateMu.RUnlock()

	msg := stampedMsg(wire.StandupResponse, 0, "").SetInt(wire.HeaderStateChangeCnt, scc).Set(wire.HeaderResponse, "APPROVE")
	n.handleStandupResponse(p, msg)
	require.Equal(t, peerset.Approve, p.StandupResponse())
}

func TestHandleVoteDiscardsStaleID(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 9, hub, 3)
	n.transitionTo(Waiting)
	n.transitionTo(StandingUp)
	n.transitionTo(Leading)
	p := loggedInPeer(t, n, 100)

	msg := stampedMsg(wire.ApproveTransaction, 0, "").Set(wire.HeaderID, "999")
	n.handleVote(p, peerset.Approve, msg)
	require.Equal(t, peerset.Unset, p.TransactionResponse())
}

func TestHandleVoteIgnoresAsyncIDs(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 9, hub, 3)
	n.transitionTo(Waiting)
	n.transitionTo(StandingUp)
	n.transitionTo(Leading)
	p := loggedInPeer(t, n, 100)

	msg := stampedMsg(wire.ApproveTransaction, 0, "").Set(wire.HeaderID, "ASYNC_1")
	n.handleVote(p, peerset.Approve, msg)
	require.Equal(t, peerset.Unset, p.TransactionResponse())
}

func TestHandleSubscribeApprovesAndMarksSubscribed(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, engine := testNode(1, 9, hub, 3)
	_, err := engine.ApplyExternal([]byte("seed"))
	require.NoError(t, err)
	transport.NewMock(100, hub)
	n.transitionTo(Waiting)
	n.transitionTo(StandingUp)
	n.transitionTo(Leading)
	p := loggedInPeer(t, n, 100)

	msg := stampedMsg(wire.Subscribe, 0, "")
	n.handleSubscribe(p, msg)
	require.True(t, p.Subscribed())
}

func TestHandleSubscriptionApprovedTransitionsToFollowing(t *testing.T) {
	hub := transport.NewMockHub()
	leaderEngine := db.NewMemoryEngine()
	rec, err := leaderEngine.ApplyExternal([]byte("seed"))
	require.NoError(t, err)

	n, _, _ := testNode(1, 0, hub, 5)
	transport.NewMock(100, hub)
	n.transitionTo(Waiting)
	n.transitionTo(Subscribing)
	lp := loggedInPeer(t, n, 100)
	n.setSyncPeer(lp)
	n.setLeadPeer(lp)

	resp := stampedMsg(wire.SubscriptionApproved, rec.ID, rec.Hash).SetInt(wire.HeaderNumCommits, 1)
	resp.Body = wire.AppendSubFrame(nil, wire.NewSubFrame(rec.ID, rec.Hash, rec.SQL))
	n.handleSubscriptionApproved(lp, resp)

	require.Equal(t, Following, n.GetState())
}

func TestHandleEscalateAbortsWhenNotLeading(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	peerTransport := transport.NewMock(100, hub)
	var received *wire.Message
	peerTransport.SetHandler(func(_ int, msg *wire.Message) { received = msg })
	p := loggedInPeer(t, n, 100)

	msg := stampedMsg(wire.Escalate, 0, "").Set(wire.HeaderID, "c1").SetBody([]byte("INSERT"))
	n.handleEscalate(p, msg)
	require.NotNil(t, received)
	require.Equal(t, wire.EscalateAborted, received.Method)
	require.Equal(t, 0, len(n.escalations.RequeueAll()))
}

func TestHandleEscalateAcceptsWhenLeading(t *testing.T) {
	hub := transport.NewMockHub()
	n, srv, _ := testNode(1, 9, hub, 3)
	n.transitionTo(Waiting)
	n.transitionTo(StandingUp)
	n.transitionTo(Leading)
	p := loggedInPeer(t, n, 100)

	msg := stampedMsg(wire.Escalate, 0, "").Set(wire.HeaderID, "c1").SetBody([]byte("INSERT"))
	n.handleEscalate(p, msg)
	require.Len(t, srv.newWork, 1)
	require.Equal(t, 100, srv.newWork[0].InitiatingPeerID)
}

func TestHandleEscalateAbortedHandsBackToServer(t *testing.T) {
	hub := transport.NewMockHub()
	n, srv, _ := testNode(1, 5, hub, 3)
	transport.NewMock(100, hub)
	cmd := newTestCommand("c1")
	require.NoError(t, n.escalations.Escalate(senderFunc(n.transport.Send), 100, cmd, false))

	n.handleEscalateAborted(stampedMsg(wire.EscalateAborted, 0, "").Set(wire.HeaderID, "c1"))
	require.Equal(t, 0, n.escalations.Len())
	require.Contains(t, srv.newWork, cmd)
}

func TestHandleEscalateResponseCompletesCommand(t *testing.T) {
	hub := transport.NewMockHub()
	n, srv, _ := testNode(1, 5, hub, 3)
	transport.NewMock(100, hub)
	cmd := newTestCommand("c1")
	require.NoError(t, n.escalations.Escalate(senderFunc(n.transport.Send), 100, cmd, false))

	resp := stampedMsg(wire.EscalateResponse, 0, "").
		Set(wire.HeaderID, "c1").
		Set(wire.HeaderResponse, "SUCCESS").
		SetInt(wire.HeaderCommitCount, 7).
		Set(wire.HeaderHash, "h")
	n.handleEscalateResponse(resp)

	r, ok := cmd.Wait(nil)
	require.True(t, ok)
	require.True(t, r.Success)
	require.Equal(t, int64(7), r.CommitCount)
	require.Len(t, srv.accepted, 1)
}

func TestForwardOpaqueCommandMarksForgetAndForwards(t *testing.T) {
	hub := transport.NewMockHub()
	n, srv, _ := testNode(1, 5, hub, 3)
	p := loggedInPeer(t, n, 100)

	msg := stampedMsg(wire.CrashCommand, 0, "").Set(wire.HeaderID, "op1").SetBody([]byte("payload"))
	n.handleCrashCommand(p, msg)

	require.Len(t, srv.newWork, 1)
	require.True(t, srv.newWork[0].Forget)
	require.Equal(t, 100, srv.newWork[0].InitiatingPeerID)
}
