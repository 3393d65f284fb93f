// Package server exposes the read-only governance query API over a
// loopback HTTP listener. No mutating endpoints exist.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/conclave-sec/conclave/internal/audit"
	"github.com/conclave-sec/conclave/internal/core"
	"github.com/conclave-sec/conclave/internal/council"
)

// Version is the reported API version.
const Version = "0.1.0"

// Server serves the query API for one Core.
type Server struct {
	core       *core.Core
	httpServer *http.Server
	ln         net.Listener
	logger     *slog.Logger
}

// New creates a Server around the core.
func New(c *core.Core, logger *slog.Logger) *Server {
	return &Server{core: c, logger: logger}
}

// Listen binds the listener without serving, so callers learn the bound
// address before requests flow.
func (s *Server) Listen(bind string, port int) error {
	ln, actualPort, err := listenAutoPort(bind, port, s.logger)
	if err != nil {
		return fmt.Errorf("binding query api port: %w", err)
	}
	s.ln = ln

	s.httpServer = &http.Server{
		Handler:        otelhttp.NewHandler(s.routes(), "conclave.api"),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	s.logger.Info("query api listening", "addr", ln.Addr().String(), "port", actualPort)
	return nil
}

// Serve blocks until Shutdown. Listen must have succeeded first.
func (s *Server) Serve() error {
	if err := s.httpServer.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start binds the listener and serves until Shutdown. It blocks.
func (s *Server) Start(bind string, port int) error {
	if err := s.Listen(bind, port); err != nil {
		return err
	}
	return s.Serve()
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /api/audit/verify", s.handleVerify)
	mux.HandleFunc("GET /api/audit/security", s.handleSecurityEvents)
	mux.HandleFunc("GET /api/votes", s.handleVotes)
	mux.HandleFunc("GET /api/votes/{id}", s.handleVote)
	mux.HandleFunc("GET /api/rules", s.handleRules)
	mux.HandleFunc("GET /api/gates", s.handleGates)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.core.Metrics, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	events, err := s.core.Audit.Query(audit.QueryOpts{
		Action: r.URL.Query().Get("action"),
		Actor:  r.URL.Query().Get("actor"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	total, err := s.core.Audit.Count()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"total": total, "events": events})
}

func (s *Server) handleVerify(w http.ResponseWriter, _ *http.Request) {
	res, err := s.core.Audit.Verify()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleSecurityEvents(w http.ResponseWriter, _ *http.Request) {
	events, err := s.core.Audit.SecurityEvents()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"events": events})
}

func (s *Server) handleVotes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"votes": s.core.Council.AllVotes()})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	v, err := s.core.Council.GetVote(r.PathValue("id"))
	if errors.Is(err, council.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, v)
}

func (s *Server) handleRules(w http.ResponseWriter, _ *http.Request) {
	type ruleInfo struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	rules := s.core.Arbiter.Rules()
	out := make([]ruleInfo, len(rules))
	for i, r := range rules {
		out[i] = ruleInfo{Name: r.Name, Description: r.Description}
	}
	writeJSON(w, map[string]any{"rules": out})
}

func (s *Server) handleGates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"gates": s.core.Overseer.Gates()})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok", "version": Version})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

// listenAutoPort tries the configured port; if busy, scans up to 10 higher ports.
func listenAutoPort(bind string, port int, logger *slog.Logger) (net.Listener, int, error) {
	addr := fmt.Sprintf("%s:%d", bind, port)
	ln, err := net.Listen("tcp", addr)
	if err == nil {
		actual := ln.Addr().(*net.TCPAddr).Port
		return ln, actual, nil
	}

	if !isAddrInUse(err) {
		return nil, 0, err
	}

	logger.Warn("query api port in use, searching for available port", "port", port)
	for offset := 1; offset <= 10; offset++ {
		tryPort := port + offset
		addr = fmt.Sprintf("%s:%d", bind, tryPort)
		ln, err = net.Listen("tcp", addr)
		if err == nil {
			logger.Info("using alternative query api port", "original", port, "actual", tryPort)
			return ln, tryPort, nil
		}
	}
	return nil, 0, fmt.Errorf("port %d and next 10 ports are all in use", port)
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.EADDRINUSE)
	}
	return false
}
