package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sqlcluster/internal/command"
	"sqlcluster/internal/config"
	"sqlcluster/internal/db"
	"sqlcluster/internal/logger"
	"sqlcluster/internal/node"
	"sqlcluster/internal/peerset"
	"sqlcluster/internal/transport"
)

func testLogger() *logger.Logger {
	l := &logger.Logger{}
	l.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return l
}

// leadingServer builds an admin.Server wired to a Node that has already
// won an uncontested election (no peers), leaving it LEADING.
func leadingServer(t *testing.T) (*Server, *node.Node) {
	t.Helper()
	hub := transport.NewMockHub()
	tr := transport.NewMock(1, hub)
	peers := peerset.NewRegistry()
	engine := db.NewMemoryEngine()

	srv := New(testLogger(), ":0")
	cfg := &config.Config{
		Node: config.NodeConfig{Name: "node-a", Priority: 5, Version: "test"},
		Consistency: config.Quorum,
	}
	n := node.New(cfg, node.Deps{
		Transport: tr,
		Engine:    engine,
		Peers:     peers,
		Log:       testLogger(),
		Server:    srv,
	})
	srv.SetNode(n)
	require.True(t, n.Update())
	require.Equal(t, node.Leading, n.GetState())
	return srv, n
}

func TestHandleSubmitCommitsLocallyWhenLeading(t *testing.T) {
	srv, n := leadingServer(t)

	// StartCommit only queues the write; tick the node the way cmd/node's
	// tick loop does so the queued commit is driven to completion.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				n.Update()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	req := httptest.NewRequest(http.MethodPost, "/v1/commands", strings.NewReader("INSERT 1"))
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"success":true`)
	require.Equal(t, int64(1), n.CommitCount())
}

func TestHandleSubmitRejectsEmptyBody(t *testing.T) {
	srv, _ := leadingServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/commands", strings.NewReader(""))
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleSubmitRejectsUnknownConsistency(t *testing.T) {
	srv, _ := leadingServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/commands?consistency=BOGUS", strings.NewReader("INSERT 1"))
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStatusReportsStateAndPeers(t *testing.T) {
	hub := transport.NewMockHub()
	tr := transport.NewMock(1, hub)
	peers := peerset.NewRegistry()
	peers.Add(peerset.New(100, config.PeerAddress{Name: "node-b", Host: "h"}))
	engine := db.NewMemoryEngine()

	srv := New(testLogger(), ":0")
	cfg := &config.Config{Node: config.NodeConfig{Name: "node-a", Priority: 5, Version: "test"}, Consistency: config.Quorum}
	n := node.New(cfg, node.Deps{Transport: tr, Engine: engine, Peers: peers, Log: testLogger(), Server: srv})
	srv.SetNode(n)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"name":"node-a"`)
	require.Contains(t, w.Body.String(), `"id":100`)
}

func TestHandleHealthzNotReadyBeforeFirstUpdate(t *testing.T) {
	hub := transport.NewMockHub()
	tr := transport.NewMock(1, hub)
	srv := New(testLogger(), ":0")
	cfg := &config.Config{Node: config.NodeConfig{Name: "node-a", Priority: 5, Version: "test"}, Consistency: config.Quorum}
	n := node.New(cfg, node.Deps{Transport: tr, Engine: db.NewMemoryEngine(), Peers: peerset.NewRegistry(), Log: testLogger(), Server: srv})
	srv.SetNode(n)

	req := httptest.NewRequest(http.MethodGet, "/v1/healthz", nil)
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	n.Update()
	w = httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandleShutdownArmsController(t *testing.T) {
	srv, n := leadingServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/shutdown", strings.NewReader(`{"timeoutMs": 5000}`))
	w := httptest.NewRecorder()
	srv.router().ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)
	require.False(t, n.ShutdownComplete())
}

func TestCanStandDownFalseWhileRequestInFlight(t *testing.T) {
	srv, _ := leadingServer(t)
	cmd := command.New("held", []byte("x"), config.Quorum)
	srv.track(cmd)
	require.False(t, srv.CanStandDown())
	srv.untrack(cmd.ID)
	require.True(t, srv.CanStandDown())
}
