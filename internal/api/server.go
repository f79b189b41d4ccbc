// Package api implements the HTTP control surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/nugget/planwright/internal/buildinfo"
	"github.com/nugget/planwright/internal/events"
	"github.com/nugget/planwright/internal/fault"
	"github.com/nugget/planwright/internal/loop"
	"github.com/nugget/planwright/internal/orchestrator"
	"github.com/nugget/planwright/internal/session"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Runtime is the control surface the server exposes.
type Runtime interface {
	CreateSession(userID string) (session.Session, error)
	CloseSession(id string) error
	Sessions(userID string) []session.Session
	DeleteUserMemory(ctx context.Context, userID string) (int, error)
	Submit(ctx context.Context, sessionID, kind string, payload json.RawMessage) (orchestrator.SubmitResult, error)
	RunStatus(ctx context.Context, runID string) (loop.Run, error)
	Runs(ctx context.Context, sessionID string) ([]loop.Run, error)
	Health(ctx context.Context) orchestrator.Health
}

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
	rt      Runtime
	bus     *events.Bus
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server. A nil bus disables the event
// stream.
func NewServer(address string, port int, rt Runtime, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		rt:      rt,
		bus:     bus,
		logger:  logger,
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Sessions
	mux.HandleFunc("POST /v1/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /v1/sessions", s.handleSessionList)
	mux.HandleFunc("DELETE /v1/sessions/{id}", s.handleSessionClose)
	mux.HandleFunc("POST /v1/sessions/{id}/submit", s.handleSubmit)
	mux.HandleFunc("GET /v1/sessions/{id}/runs", s.handleSessionRuns)

	// Loop runs
	mux.HandleFunc("GET /v1/runs/{id}", s.handleRunStatus)

	// Memory
	mux.HandleFunc("DELETE /v1/users/{user}/memory", s.handleMemoryDelete)

	// Health and push
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         net.JoinHostPort(s.address, strconv.Itoa(s.port)),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
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

// decodeBody reads a JSON request body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("request body: %w: %w", fault.ErrInvalid, err)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(k fault.Kind) int {
	switch k {
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindTransient, fault.KindCanceled:
		return http.StatusServiceUnavailable
	case fault.KindInvalid:
		return http.StatusBadRequest
	case fault.KindFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse writes err as a JSON error body with a status derived
// from its kind.
func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "kind", kind, "status", code, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message":   err.Error(),
			"kind":      string(kind),
			"code":      code,
			"retryable": fault.RetryLater(err),
		},
	}, s.logger)
}

func (s *Server) respond(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, v, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{
		"name":    "planwright",
		"version": buildinfo.Version,
		"status":  "ok",
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, buildinfo.Info())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respond(w, http.StatusOK, s.rt.Health(r.Context()))
}

// CreateSessionRequest is the body of POST /v1/sessions.
type CreateSessionRequest struct {
	UserID string `json:"user_id"`
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if req.UserID == "" {
		s.errorResponse(w, fmt.Errorf("create session: %w: user_id is required", fault.ErrInvalid))
		return
	}
	sess, err := s.rt.CreateSession(req.UserID)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.respond(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionList(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user_id")
	if user == "" {
		s.errorResponse(w, fmt.Errorf("list sessions: %w: user_id is required", fault.ErrInvalid))
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"sessions": s.rt.Sessions(user)})
}

func (s *Server) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CloseSession(r.PathValue("id")); err != nil {
		s.errorResponse(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMemoryDelete(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user")
	n, err := s.rt.DeleteUserMemory(r.Context(), user)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"user_id": user, "keys_deleted": n})
}

// SubmitRequest is the body of POST /v1/sessions/{id}/submit.
type SubmitRequest struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		s.errorResponse(w, err)
		return
	}
	if req.Kind == "" {
		s.errorResponse(w, fmt.Errorf("submit: %w: kind is required", fault.ErrInvalid))
		return
	}
	res, err := s.rt.Submit(r.Context(), r.PathValue("id"), req.Kind, req.Payload)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	code := http.StatusOK
	if res.RunID != "" {
		code = http.StatusAccepted
	}
	s.respond(w, code, res)
}

func (s *Server) handleSessionRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.rt.Runs(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.rt.RunStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.respond(w, http.StatusOK, run)
}
