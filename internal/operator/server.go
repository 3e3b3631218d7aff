// Package operator — server.go
//
// Unix domain socket server for governance middleware operator overrides.
//
// Protocol: newline-delimited JSON over a Unix domain socket.
// Socket path: /run/govspine/operator.sock (configurable).
// Permissions: 0600, owned by root. Only root can connect.
//
// Commands (JSON request → JSON response):
//
//	{"cmd":"status","island_id":"..."}
//	  → Returns the island's current state, breaker/rollback bookkeeping,
//	    and chain tip.
//	  → Response: {"ok":true,"island_id":"...","state":"CLOSED","tip":"...","consecutive_rollbacks":4,"breaker_tripped":true}
//	    (a zero consecutive_rollbacks and a false breaker_tripped are
//	    omitted from the response)
//
//	{"cmd":"list"}
//	  → Returns every island currently held in memory.
//	  → Response: {"ok":true,"islands":[{"island_id":"...","state":"ACTIVE",...},...]}
//
//	{"cmd":"close","island_id":"..."}
//	  → Seals the island by operator request (same as a caller-requested
//	    close; the reason recorded on the ISLAND_END record is
//	    "caller_requested").
//	  → Response: {"ok":true,"island_id":"..."}
//
//	{"cmd":"verify","island_id":"..."}
//	  → Recomputes the island's hash chain from scratch.
//	  → Response: {"ok":true,"island_id":"...","valid":true}
//	    (for a broken chain "valid" is false and is omitted from the response)
//
// Security:
//   - Socket is created with 0600 permissions; only root can connect.
//   - Each connection is handled in a separate goroutine.
//   - Max concurrent connections: 4 (operator use only, not high-throughput).
//   - Max request size: 4096 bytes (prevents memory exhaustion).
//   - Connection timeout: 10s read, 10s write.
package operator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/govspine/govspine/internal/ledger"
)

const (
	maxConcurrentConns = 4
	maxRequestBytes    = 4096
	connTimeout        = 10 * time.Second
)

// IslandStatus is a snapshot of one island's lifecycle state.
type IslandStatus struct {
	IslandID             string `json:"island_id"`
	State                string `json:"state"`
	Tip                  string `json:"tip"`
	ConsecutiveRollbacks int    `json:"consecutive_rollbacks"`
	BreakerTripped       bool   `json:"breaker_tripped"`
}

// Spine is the surface the operator socket drives. Implemented by
// *spine.Spine; named narrowly here so the operator package does not
// import spine directly (avoiding an import cycle risk if spine ever
// wants to surface operator-initiated events back through itself).
type Spine interface {
	CloseIsland(islandID string) error
	VerifyChain(islandID string) (bool, error)
	Tip(islandID string) (string, error)
}

// IslandLister is satisfied by *ledger.Ledger; kept separate from Spine
// since listing reaches past the Spine into ledger-held Meta directly.
type IslandLister interface {
	ListIslands() []ledger.Meta
}

// Request is the JSON structure for operator commands.
type Request struct {
	Cmd      string `json:"cmd"` // status | list | close | verify
	IslandID string `json:"island_id,omitempty"`
}

// Response is the JSON structure for operator command responses.
type Response struct {
	OK                   bool           `json:"ok"`
	Error                string         `json:"error,omitempty"`
	IslandID             string         `json:"island_id,omitempty"`
	State                string         `json:"state,omitempty"`
	Tip                  string         `json:"tip,omitempty"`
	ConsecutiveRollbacks int            `json:"consecutive_rollbacks,omitempty"`
	BreakerTripped       bool           `json:"breaker_tripped,omitempty"`
	Valid                bool           `json:"valid,omitempty"`
	Islands              []IslandStatus `json:"islands,omitempty"`
}

// Server is the operator Unix domain socket server.
type Server struct {
	socketPath string
	spine      Spine
	islands    IslandLister
	log        *zap.Logger
	sem        chan struct{} // Semaphore: max concurrent connections.
}

// NewServer creates an operator Server.
func NewServer(socketPath string, sp Spine, islands IslandLister, log *zap.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		spine:      sp,
		islands:    islands,
		log:        log,
		sem:        make(chan struct{}, maxConcurrentConns),
	}
}

// ListenAndServe starts the operator socket server.
// Removes any stale socket file before binding.
// Blocks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("operator: remove stale socket %q: %w", s.socketPath, err)
	}

	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("operator: mkdir %q: %w", dir, err)
	}

	lis, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.socketPath, err)
	}
	defer lis.Close()

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		return fmt.Errorf("operator: chmod %q: %w", s.socketPath, err)
	}

	s.log.Info("operator socket listening", zap.String("path", s.socketPath))

	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("operator: accept error", zap.Error(err))
				continue
			}
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn("operator: max connections reached, rejecting")
			_ = conn.Close()
			continue
		}

		go func(c net.Conn) {
			defer func() { <-s.sem }()
			defer c.Close()
			s.handleConn(c)
		}(conn)
	}
}

// handleConn reads one JSON request, executes the command, writes one
// JSON response.
func (s *Server) handleConn(conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil && err != io.EOF {
		s.log.Warn("operator: read error", zap.Error(err))
		return
	}

	var req Request
	if err := json.Unmarshal(buf[:n], &req); err != nil {
		s.writeResponse(conn, Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Cmd {
	case "status":
		return s.cmdStatus(req)
	case "list":
		return s.cmdList()
	case "close":
		return s.cmdClose(req)
	case "verify":
		return s.cmdVerify(req)
	default:
		return Response{OK: false, Error: fmt.Sprintf("unknown command %q", req.Cmd)}
	}
}

func (s *Server) cmdStatus(req Request) Response {
	if req.IslandID == "" {
		return Response{OK: false, Error: "island_id required for status"}
	}
	for _, m := range s.islands.ListIslands() {
		if m.IslandID != req.IslandID {
			continue
		}
		return Response{
			OK:                   true,
			IslandID:             m.IslandID,
			State:                string(m.State),
			Tip:                  m.IslandHash,
			ConsecutiveRollbacks: m.ConsecutiveRollbacks,
			BreakerTripped:       m.BreakerTripped,
		}
	}
	return Response{OK: false, Error: fmt.Sprintf("island %s not tracked", req.IslandID)}
}

func (s *Server) cmdList() Response {
	metas := s.islands.ListIslands()
	out := make([]IslandStatus, 0, len(metas))
	for _, m := range metas {
		out = append(out, IslandStatus{
			IslandID:             m.IslandID,
			State:                string(m.State),
			Tip:                  m.IslandHash,
			ConsecutiveRollbacks: m.ConsecutiveRollbacks,
			BreakerTripped:       m.BreakerTripped,
		})
	}
	return Response{OK: true, Islands: out}
}

func (s *Server) cmdClose(req Request) Response {
	if req.IslandID == "" {
		return Response{OK: false, Error: "island_id required for close"}
	}
	if err := s.spine.CloseIsland(req.IslandID); err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	s.log.Info("operator: island closed", zap.String("island_id", req.IslandID))
	return Response{OK: true, IslandID: req.IslandID}
}

func (s *Server) cmdVerify(req Request) Response {
	if req.IslandID == "" {
		return Response{OK: false, Error: "island_id required for verify"}
	}
	ok, err := s.spine.VerifyChain(req.IslandID)
	if err != nil {
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, IslandID: req.IslandID, Valid: ok}
}

func (s *Server) writeResponse(conn net.Conn, resp Response) {
	data, _ := json.Marshal(resp)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
