// Package rpc implements the headers daemon's small JSON-over-HTTP
// control surface: the read-only chain queries and invalidate_block/
// set_skip_pow_checks mutators, over plain net/http rather than a
// JSON-RPC framework (grounded on node/main.go's dispatch-by-action
// style, adapted from CLI subcommands to HTTP handlers, and on
// Klingon-tech-klingnet/internal/rpc/server.go's http.Server-plus-
// zerolog-logger shape for the server lifecycle itself).
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"rubin.dev/node/internal/chainstate"
	"rubin.dev/node/internal/log"
	"rubin.dev/node/internal/uint256"
)

// maxBodySize bounds POST bodies the way Klingnet's RPC server does,
// so a misbehaving caller can't hold a handler open indefinitely.
const maxBodySize = 1 << 16

// Server is the headers daemon's HTTP control surface.
type Server struct {
	chain  *chainstate.Manager
	server *http.Server
	ln     net.Listener
}

// New constructs a server bound to addr, wrapping chain.
func New(addr string, chain *chainstate.Manager) *Server {
	s := &Server{chain: chain}
	mux := http.NewServeMux()
	mux.HandleFunc("/tip", s.handleTip)
	mux.HandleFunc("/blockcount", s.handleBlockCount)
	mux.HandleFunc("/block", s.handleBlock)
	mux.HandleFunc("/onactivechain", s.handleOnActiveChain)
	mux.HandleFunc("/locator", s.handleLocator)
	mux.HandleFunc("/orphancount", s.handleOrphanCount)
	mux.HandleFunc("/invalidateblock", s.handleInvalidateBlock)
	mux.HandleFunc("/skippowchecks", s.handleSkipPowChecks)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins serving in the background, returning once the listener
// is bound (so callers know the port is live before proceeding), and
// reports any accept-loop error to errc asynchronously.
func (s *Server) Start() (errc <-chan error, err error) {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return nil, err
	}
	s.ln = ln
	ch := make(chan error, 1)
	go func() {
		err := s.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		ch <- err
	}()
	return ch, nil
}

// Addr returns the server's bound address, valid after Start succeeds.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.server.Addr
	}
	return s.ln.Addr().String()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type blockView struct {
	Hash      string `json:"hash"`
	Height    int64  `json:"height"`
	Chainwork string `json:"chainwork"`
	Time      uint32 `json:"time"`
	Bits      uint32 `json:"bits"`
	OnActive  bool   `json:"on_active_chain"`
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.RPC.Error().Err(err).Msg("encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	writeJSON(w, map[string]string{"error": msg})
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	tip := s.chain.Tip()
	if tip == nil {
		writeError(w, http.StatusServiceUnavailable, "chain not initialized")
		return
	}
	writeJSON(w, blockViewOf(tip, true))
}

func (s *Server) handleBlockCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"block_count": s.chain.BlockCount()})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	heightStr := r.URL.Query().Get("height")
	if heightStr == "" {
		writeError(w, http.StatusBadRequest, "missing height parameter")
		return
	}
	height, err := strconv.ParseInt(heightStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid height")
		return
	}
	node, ok := s.chain.BlockAtHeight(height)
	if !ok {
		writeError(w, http.StatusNotFound, "no block at that height")
		return
	}
	writeJSON(w, blockViewOf(node, true))
}

func (s *Server) handleOnActiveChain(w http.ResponseWriter, r *http.Request) {
	hashHex := r.URL.Query().Get("hash")
	hash, err := uint256.HashFromHex(hashHex)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hash")
		return
	}
	writeJSON(w, map[string]bool{"on_active_chain": s.chain.IsOnActiveChain(hash)})
}

func (s *Server) handleLocator(w http.ResponseWriter, r *http.Request) {
	locator := s.chain.Locator()
	out := make([]string, len(locator))
	for i, h := range locator {
		out[i] = h.String()
	}
	writeJSON(w, map[string][]string{"locator": out})
}

func (s *Server) handleOrphanCount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]int{"orphan_count": s.chain.OrphanCount()})
}

type invalidateBlockRequest struct {
	Hash string `json:"hash"`
}

func (s *Server) handleInvalidateBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req invalidateBlockRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hash, err := uint256.HashFromHex(req.Hash)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid hash")
		return
	}
	if err := s.chain.InvalidateBlock(hash); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.chain.ActivateBestChain(time.Now().Unix()); err != nil {
		log.RPC.Warn().Err(err).Msg("activate_best_chain after invalidate")
	}
	writeJSON(w, map[string]bool{"ok": true})
}

type skipPowChecksRequest struct {
	Skip bool `json:"skip"`
}

func (s *Server) handleSkipPowChecks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	var req skipPowChecksRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.chain.SetSkipPowChecks(req.Skip)
	writeJSON(w, map[string]bool{"ok": true})
}

func blockViewOf(n interface {
	Hash() uint256.Hash
	Height() int64
	Chainwork() uint256.ArithUint256
	Time() uint32
	Bits() uint32
}, onActive bool) blockView {
	return blockView{
		Hash:      n.Hash().String(),
		Height:    n.Height(),
		Chainwork: n.Chainwork().Big().Text(16),
		Time:      n.Time(),
		Bits:      n.Bits(),
		OnActive:  onActive,
	}
}
