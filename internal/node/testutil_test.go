package node

import (
	"io"
	"log/slog"

	"sqlcluster/internal/command"
	"sqlcluster/internal/config"
	"sqlcluster/internal/db"
	"sqlcluster/internal/logger"
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/transport"
)

func testLogger() *logger.Logger {
	l := &logger.Logger{}
	l.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return l
}

// fakeServer is a command.Server stub recording every call a test
// needs to assert on.
type fakeServer struct {
	accepted    []*command.Command
	newWork     []*command.Command
	canceled    []string
	logins      []int
	standDownOK bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{standDownOK: true}
}

func (s *fakeServer) AcceptCommand(cmd *command.Command, isNew bool) {
	s.accepted = append(s.accepted, cmd)
	if isNew {
		s.newWork = append(s.newWork, cmd)
	}
}

func (s *fakeServer) CancelCommand(id string) { s.canceled = append(s.canceled, id) }
func (s *fakeServer) OnNodeLogin(peerID int)  { s.logins = append(s.logins, peerID) }
func (s *fakeServer) CanStandDown() bool      { return s.standDownOK }

// testNode builds a Node with a MemoryEngine, a Mock transport joined
// to hub under id, and one peer per entry of peerPriorities (ids 100,
// 101, ...) registered but not logged in. A 0 entry makes that peer a
// permafollower; other entries only make it a full peer (Peer.Priority
// is left unset). A node priority of 0 means permafollower.
func testNode(id int, priority int, hub *transport.MockHub, peerPriorities ...int) (*Node, *fakeServer, *db.MemoryEngine) {
	engine := db.NewMemoryEngine()
	peers := peerset.NewRegistry()
	for i, p := range peerPriorities {
		peerID := 100 + i
		pf := p == 0
		peers.Add(peerset.New(peerID, config.PeerAddress{Name: "peer", Host: "h", Permafollower: pf}))
	}

	srv := newFakeServer()
	cfg := &config.Config{
		Node: config.NodeConfig{
			Name:          "node",
			Priority:      priority,
			Permafollower: priority == 0,
			Version:       "test",
		},
		Consistency: config.Quorum,
	}
	n := New(cfg, Deps{
		Transport: transport.NewMock(id, hub),
		Engine:    engine,
		Peers:     peers,
		Log:       testLogger(),
		Server:    srv,
	})
	n.ID = id
	return n, srv, engine
}

func newTestCommand(id string) *command.Command {
	return command.New(id, []byte("INSERT 1"), config.Quorum)
}
