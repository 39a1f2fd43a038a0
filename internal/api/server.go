// Package api implements the HTTP surface of the agent service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fluidtools/agent/internal/agent"
	"github.com/fluidtools/agent/internal/buildinfo"
	"github.com/fluidtools/agent/internal/orchestrator"
)

// maxBodyBytes caps request bodies; collection uploads are the largest
// legitimate payload.
const maxBodyBytes = 4 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	orch    *orchestrator.Orchestrator
	hub     *Hub
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server. The hub may be nil when event
// streaming is disabled.
func NewServer(address string, port int, orch *orchestrator.Orchestrator, hub *Hub, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		orch:    orch,
		hub:     hub,
		logger:  logger,
	}
}

// Handler builds the route table. Split from Start so tests can drive
// the full surface without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Conversation endpoints
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("POST /v1/approval", s.handleApproval)
	mux.HandleFunc("GET /v1/pending", s.handlePending)
	mux.HandleFunc("GET /v1/session", s.handleSession)
	mux.HandleFunc("DELETE /v1/thread", s.handleClearThread)

	// Setup endpoints
	mux.HandleFunc("POST /v1/tools", s.handleToolUpload)
	mux.HandleFunc("POST /v1/initialize", s.handleInitialize)

	// Inspection endpoints
	mux.HandleFunc("GET /v1/threads/{id}", s.handleThreadGet)
	mux.HandleFunc("GET /v1/tools/stats", s.handleToolStats)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	if s.hub != nil {
		mux.HandleFunc("GET /v1/threads/{id}/events", s.hub.handleSubscribe)
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // turns can outlive any sane write timeout
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.CloseAll()
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	writeJSON(w, map[string]any{
		"error": map[string]string{"message": message},
	}, s.logger)
}

// bearerToken extracts the caller's credential from the Authorization
// header. An absent or malformed header yields the empty (anonymous)
// credential.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// QueryRequest is the body of POST /v1/query.
type QueryRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.errorResponse(w, http.StatusBadRequest, "query is required")
		return
	}

	res, err := s.orch.Query(r.Context(), bearerToken(r), req.Query)
	if err != nil {
		var mie *agent.ModelInvocationError
		if errors.As(err, &mie) {
			s.logger.Error("model invocation failed", "error", err)
			s.errorResponse(w, http.StatusBadGateway, "model invocation failed")
			return
		}
		s.logger.Error("query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	var decisions []orchestrator.Decision
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&decisions); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(decisions) == 0 {
		s.errorResponse(w, http.StatusBadRequest, "no decisions provided")
		return
	}

	res, err := s.orch.Decide(r.Context(), bearerToken(r), decisions)
	if err != nil {
		var cnf *agent.ConfirmationNotFoundError
		switch {
		case errors.As(err, &cnf):
			s.errorResponse(w, http.StatusNotFound, err.Error())
		case isClientError(err):
			s.errorResponse(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("approval failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "approval failed")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

// isClientError covers session-state mismatches the caller can fix.
func isClientError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no active session") ||
		strings.Contains(msg, "no pending confirmations") ||
		strings.Contains(msg, "not awaiting confirmation")
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := s.orch.Pending(bearerToken(r))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"pending": pending}, s.logger)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.orch.Session(bearerToken(r)), s.logger)
}

func (s *Server) handleClearThread(w http.ResponseWriter, r *http.Request) {
	threadID, ok := s.orch.ClearThread(bearerToken(r))
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "no active session")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"cleared": true, "thread_id": threadID}, s.logger)
}

func (s *Server) handleToolUpload(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "unable to read request body")
		return
	}

	count, err := s.orch.LoadCollection(r.Context(), data)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"tools": count}, s.logger)
}

// InitializeRequest is the body of POST /v1/initialize.
type InitializeRequest struct {
	SystemInstructions string            `json:"systemInstructions"`
	EnvVariables       map[string]string `json:"envVariables"`
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	s.orch.Initialize(req.SystemInstructions, req.EnvVariables)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"initialized": true}, s.logger)
}

func (s *Server) handleThreadGet(w http.ResponseWriter, r *http.Request) {
	archive := s.orch.Archive()
	if archive == nil {
		s.errorResponse(w, http.StatusNotFound, "archiving is disabled")
		return
	}

	id := r.PathValue("id")
	messages := archive.Messages(id)
	if len(messages) == 0 {
		s.errorResponse(w, http.StatusNotFound, "thread not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"thread_id": id,
		"messages":  messages,
	}, s.logger)
}

func (s *Server) handleToolStats(w http.ResponseWriter, r *http.Request) {
	archive := s.orch.Archive()
	if archive == nil {
		s.errorResponse(w, http.StatusNotFound, "archiving is disabled")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, archive.ToolCallStats(), s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"name":    "fluidagent",
		"version": buildinfo.Version,
		"status":  "ok",
		"tools":   s.orch.ToolCount(),
	}
	if archive := s.orch.Archive(); archive != nil {
		payload["archive"] = archive.Stats()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, payload, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
