package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sqlcluster/internal/db"
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/syncengine"
	"sqlcluster/internal/transport"
	"sqlcluster/internal/wire"
)

func TestUpdateSynchronizingTimesOutToSearching(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	transport.NewMock(100, hub)
	n.transitionTo(Waiting)
	n.transitionTo(Synchronizing)
	n.setSyncPeer(mustPeer(t, n, 100))
	n.setStateTimeout(-time.Second)

	require.True(t, n.updateSynchronizing())
	require.Equal(t, Searching, n.GetState())
}

func TestApplySynchronizeResponseRejectedGoesSearching(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	n.transitionTo(Waiting)
	n.transitionTo(Synchronizing)

	resp := wire.New(wire.SynchronizeResponse).Set(wire.HeaderReason, "peer ahead")
	n.applySynchronizeResponse(resp)
	require.Equal(t, Searching, n.GetState())
}

func TestApplySynchronizeResponseCatchesUpToWaiting(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, engine := testNode(1, 5, hub, 3)
	n.transitionTo(Waiting)
	n.transitionTo(Synchronizing)
	n.setSyncPeer(mustPeer(t, n, 100))

	peerEngine := db.NewMemoryEngine()
	rec, err := peerEngine.ApplyExternal([]byte("stmt"))
	require.NoError(t, err)
	sp := mustPeer(t, n, 100)
	sp.SetCommit(rec.ID, rec.Hash)

	resp, err := syncengine.BuildResponse(wire.SynchronizeResponse, peerEngine, 0, "", peerEngine.CommittedCount(), false)
	require.NoError(t, err)

	n.applySynchronizeResponse(resp)
	require.Equal(t, Waiting, n.GetState())
	require.Equal(t, int64(1), engine.CommittedCount())
}

func TestApplySynchronizeResponseOvertakenGoesSearching(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, engine := testNode(1, 5, hub, 3)
	_, err := engine.ApplyExternal([]byte("seed"))
	require.NoError(t, err)
	transport.NewMock(100, hub)
	n.transitionTo(Waiting)
	n.transitionTo(Synchronizing)
	sp := mustPeer(t, n, 100)
	sp.SetCommit(0, "")
	n.setSyncPeer(sp)

	resp := wire.New(wire.SynchronizeResponse).SetInt(wire.HeaderNumCommits, 0)
	n.applySynchronizeResponse(resp)
	require.Equal(t, Searching, n.GetState())
}

func TestApplySynchronizeResponseMarksCommitsUnsent(t *testing.T) {
	hub := transport.NewMockHub()
	n, _, _ := testNode(1, 5, hub, 3)
	n.transitionTo(Waiting)
	n.transitionTo(Synchronizing)
	n.setSyncPeer(mustPeer(t, n, 100))

	peerEngine := db.NewMemoryEngine()
	rec, err := peerEngine.ApplyExternal([]byte("stmt"))
	require.NoError(t, err)
	sp := mustPeer(t, n, 100)
	sp.SetCommit(rec.ID, rec.Hash)

	resp, err := syncengine.BuildResponse(wire.SynchronizeResponse, peerEngine, 0, "", peerEngine.CommittedCount(), false)
	require.NoError(t, err)

	require.False(t, n.commit.UnsentPending())
	n.applySynchronizeResponse(resp)
	require.True(t, n.commit.UnsentPending())
}

func mustPeer(t *testing.T, n *Node, id int) *peerset.Peer {
	t.Helper()
	p, ok := n.peers.Get(id)
	require.True(t, ok)
	return p
}
