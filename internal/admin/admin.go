// Package admin implements the command server: the HTTP surface
// nodes use as their external command source. It owns command ids,
// blocks an HTTP request
// until its command completes, and answers the node's
// command.Server callbacks (new/completed work, node logins, and
// whether it has any local objection to a graceful standdown).
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"sqlcluster/internal/command"
	"sqlcluster/internal/config"
	"sqlcluster/internal/logger"
	"sqlcluster/internal/node"
	"sqlcluster/internal/peerset"
)

// Server is the concrete command.Server the node is built with: a chi
// HTTP API plus the bookkeeping needed to satisfy AcceptCommand/
// CancelCommand/OnNodeLogin/CanStandDown.
type Server struct {
	node *node.Node
	log  *logger.Logger
	addr string

	httpServer *http.Server

	mu       sync.Mutex
	inflight map[string]*command.Command // locally submitted, not yet completed
}

// New builds an admin server rooted at addr (cfg.Node.Admin). Call
// SetNode once the node is constructed (the node needs this server as
// a dependency, so the two are wired together after both exist).
func New(log *logger.Logger, addr string) *Server {
	return &Server{
		log:      log,
		addr:     addr,
		inflight: make(map[string]*command.Command),
	}
}

// SetNode completes the wiring once node.New has been called with this
// server as its Deps.Server.
func (s *Server) SetNode(n *node.Node) {
	s.node = n
}

// Start builds the router and begins serving in the background.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin: listen %s: %w", s.addr, err)
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin: server failed", "error", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/commands", s.handleSubmit)
	r.Delete("/v1/commands/{id}", s.handleCancel)
	r.Get("/v1/status", s.handleStatus)
	r.Post("/v1/shutdown", s.handleShutdown)
	r.Get("/v1/healthz", s.handleHealthz)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// commandResponse mirrors command.Result over the wire.
type commandResponse struct {
	Success     bool   `json:"success"`
	CommitCount int64  `json:"commitCount,omitempty"`
	Hash        string `json:"hash,omitempty"`
	Error       string `json:"error,omitempty"`
	Abandoned   bool   `json:"abandoned,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	level := s.node.DefaultLevel
	if q := r.URL.Query().Get("consistency"); q != "" {
		level, err = config.ParseConsistency(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	cmd := command.New(uuid.NewString(), body, level)
	s.track(cmd)
	defer s.untrack(cmd.ID)

	if err := s.submit(cmd); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	result, ok := cmd.Wait(r.Context().Done())
	if !ok {
		writeError(w, http.StatusGatewayTimeout, "command canceled or context expired")
		return
	}
	writeJSON(w, http.StatusOK, commandResponse{
		Success:     result.Success,
		CommitCount: result.CommitCount,
		Hash:        result.Hash,
		Error:       result.Error,
		Abandoned:   result.Abandoned,
	})
}

// submit routes cmd to StartCommit if we believe we're leading, or
// EscalateCommand otherwise, per 4.7's forwarding design.
func (s *Server) submit(cmd *command.Command) error {
	if s.node.GetState() == node.Leading {
		return s.node.StartCommit(cmd)
	}
	return s.node.EscalateCommand(cmd)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.node.CancelEscalation(id)
	s.untrack(id)
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// peerSnapshot is the admin-facing view of one configured peer.
type peerSnapshot struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	State       string `json:"state"`
	LoggedIn    bool   `json:"loggedIn"`
	CommitCount int64  `json:"commitCount"`
	Priority    int    `json:"priority"`
}

type statusResponse struct {
	Name        string         `json:"name"`
	State       string         `json:"state"`
	CommitCount int64          `json:"commitCount"`
	LeaderState string         `json:"leaderState,omitempty"`
	Peers       []peerSnapshot `json:"peers"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Name:        s.node.Name,
		State:       s.node.GetState().String(),
		CommitCount: s.node.CommitCount(),
	}
	if lp := s.node.LeadPeer(); lp != nil {
		resp.LeaderState = s.node.LeaderState().String()
	}
	s.node.Peers().Range(func(p *peerset.Peer) bool {
		resp.Peers = append(resp.Peers, peerSnapshot{
			ID:          p.ID,
			Name:        p.Name,
			State:       p.State(),
			LoggedIn:    p.LoggedIn(),
			CommitCount: p.CommitCount(),
			Priority:    p.Priority,
		})
		return true
	})
	writeJSON(w, http.StatusOK, resp)
}

type shutdownRequest struct {
	TimeoutMs int64 `json:"timeoutMs"`
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	var req shutdownRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.TimeoutMs <= 0 {
		req.TimeoutMs = 30_000
	}
	s.node.BeginShutdown(time.Duration(req.TimeoutMs) * time.Millisecond)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutdown armed"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.node.Ready() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) track(cmd *command.Command) {
	s.mu.Lock()
	s.inflight[cmd.ID] = cmd
	s.mu.Unlock()
}

func (s *Server) untrack(id string) {
	s.mu.Lock()
	delete(s.inflight, id)
	s.mu.Unlock()
}

// AcceptCommand implements command.Server: new work that is not
// Forget-flagged (escalated from a follower, or handed back by the node)
// is started with StartCommit on its own goroutine and completed with
// the error if StartCommit refuses it; Forget-flagged operator commands
// (CRASH/BROADCAST_COMMAND) are only logged. Completions are a no-op
// here since the HTTP handler that owns cmd is already blocked on
// cmd.Wait.
func (s *Server) AcceptCommand(cmd *command.Command, isNew bool) {
	if !isNew {
		return
	}
	if cmd.Forget {
		s.log.Info("admin: operator command delivered", "id", cmd.ID)
		return
	}
	go func() {
		if err := s.node.StartCommit(cmd); err != nil {
			cmd.Complete(command.Result{Success: false, Error: err.Error()})
		}
	}()
}

// CancelCommand drops local tracking of id. The underlying commit, if
// already in flight, is not forcibly aborted (matching escalation's
// own best-effort Cancel semantics).
func (s *Server) CancelCommand(id string) {
	s.untrack(id)
}

// OnNodeLogin logs a peer completing LOGIN; the admin layer has no
// other use for it.
func (s *Server) OnNodeLogin(peerID int) {
	s.log.Info("admin: peer logged in", "peer", peerID)
}

// CanStandDown reports true only when no HTTP-submitted command is still
// waiting on a result, since losing leadership mid-request would
// otherwise strand it without a response.
func (s *Server) CanStandDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight) == 0
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("admin: read body: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("admin: empty command body")
	}
	return body, nil
}
