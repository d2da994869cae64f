package node

import (
	"testing"

	"github.com/stretchr/testify/require"

	"sqlcluster/internal/transport"
)

func TestCheckPeerConnectivityLogsOutDisconnectedPeer(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	transport.NewMock(100, hub)
	p, _ := n.peers.Get(100)
	p.SetLoggedIn(true)

	n.transport.(*transport.Mock).SetLinkUp(100, false)
	n.checkPeerConnectivity()

	require.False(t, p.LoggedIn())
}

func TestUpdateLeadingLosesQuorumOnDisconnect(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, p := leadingNode(t, hub)
	p.SetLoggedIn(true)

	n.transport.(*transport.Mock).SetLinkUp(p.ID, false)
	n.Update()

	require.Equal(t, Searching, n.GetState())
	require.False(t, p.LoggedIn())
}

func TestUpdateLeadingKeepsQuorumWhenMajorityStillConnected(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 9, hub, 3, 3)
	transport.NewMock(100, hub)
	transport.NewMock(101, hub)
	n.transitionTo(Waiting)
	n.transitionTo(StandingUp)
	n.transitionTo(Leading)

	a, _ := n.peers.Get(100)
	b, _ := n.peers.Get(101)
	a.SetLoggedIn(true)
	b.SetLoggedIn(true)

	n.transport.(*transport.Mock).SetLinkUp(100, false)
	n.Update()

	require.Equal(t, Leading, n.GetState())
	require.False(t, a.LoggedIn())
	require.True(t, b.LoggedIn())
}

func TestUpdateFollowingLosesLeaderOnRealDisconnect(t *testing.T) {
	hub := transport.NewMockHub()
	n, srv := followingNode(t, hub)
	lp := n.LeadPeer()
	lp.SetLoggedIn(true)
	cmd := newTestCommand("esc1")
	require.NoError(t, n.escalations.Escalate(senderFunc(n.transport.Send), lp.ID, cmd, false))

	n.transport.(*transport.Mock).SetLinkUp(lp.ID, false)
	n.Update()

	require.Equal(t, Searching, n.GetState())
	require.Nil(t, n.LeadPeer())
	require.Contains(t, srv.newWork, cmd)
}

func TestUpdateSynchronizingLosesSyncPeerOnRealDisconnect(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	transport.NewMock(100, hub)
	sp := mustPeer(t, n, 100)
	sp.SetLoggedIn(true)
	n.transitionTo(Synchronizing)
	n.setSyncPeer(sp)

	n.transport.(*transport.Mock).SetLinkUp(100, false)
	n.Update()

	require.Equal(t, Searching, n.GetState())
	require.Nil(t, n.getSyncPeer())
}
