// Package server provides the HTTP handlers and routing for the agent façade.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"mcp-agent/internal/backend"
	"mcp-agent/internal/errorsx"
	"mcp-agent/internal/logging"
	"mcp-agent/internal/router"
)

// Config contains server configuration values such as port, auth token and cache TTL.
type Config struct {
	Port           string
	Token          string
	RequestTimeout time.Duration
	CatalogTTL     time.Duration
}

// Service runs the catalog, execute and query flows.
type Service interface {
	Tools(ctx context.Context) ([]backend.ToolDescriptor, error)
	Execute(ctx context.Context, name string, params map[string]string) (backend.StreamEvent, error)
	Query(ctx context.Context, query string) (backend.StreamEvent, error)
}

// StreamMonitor reports the correlator's stream state and in-flight calls.
type StreamMonitor interface {
	Pending() int
	Connected() bool
}

const catalogKey = "tools"

// maxBodyBytes caps /execute and /query request bodies.
const maxBodyBytes = 1 << 20

// Server contains the configured router, catalog cache and service for the façade.
type Server struct {
	cfg     Config
	router  *chi.Mux
	cache   *Cache[[]backend.ToolDescriptor]
	svc     Service
	monitor StreamMonitor
	log     *slog.Logger
}

// New constructs a Server with middleware and routes configured. monitor may be nil.
func New(cfg Config, svc Service, monitor StreamMonitor, log *slog.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Minute
	}
	s := &Server{
		cfg:     cfg,
		router:  chi.NewRouter(),
		cache:   NewCache[[]backend.ToolDescriptor](),
		svc:     svc,
		monitor: monitor,
		log:     logging.NewComponentLogger(log, "server"),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(cfg.RequestTimeout))

	s.router.Get("/", s.handleRoot)
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(s.auth)
		r.Get("/tools", s.handleListTools)
		r.Post("/execute", s.handleExecute)
		r.Post("/query", s.handleQuery)
	})

	return s
}

// Router exposes the root HTTP handler for the server.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.Token {
			writeJSON(w, http.StatusUnauthorized, errorBody("unauthorized", "missing or invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "MCP agent is running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	pending, stream := 0, "unknown"
	if s.monitor != nil {
		pending = s.monitor.Pending()
		stream = "disconnected"
		if s.monitor.Connected() {
			stream = "connected"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "pending": pending, "stream": stream})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	tools, ok := s.cache.Get(catalogKey)
	if !ok {
		var err error
		tools, err = s.svc.Tools(r.Context())
		if err != nil {
			s.writeError(w, err)
			return
		}
		if s.cfg.CatalogTTL > 0 {
			s.cache.Set(catalogKey, tools, s.cfg.CatalogTTL)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(tools), "tools": tools})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	params, err := router.CoerceParams(req.Params)
	if err != nil {
		s.writeError(w, errorsx.New(errorsx.ReasonInvalidParams, "params must be scalar values"))
		return
	}
	ev, err := s.svc.Execute(r.Context(), req.ToolName, params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ev, err := s.svc.Query(r.Context(), req.UserQuery)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// writeError maps err's reason to a status. "No match" outcomes are not errors to the client.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	reason := errorsx.Reason(err)
	switch reason {
	case errorsx.ReasonNoMatchingTool, errorsx.ReasonMalformedModelOutput:
		writeJSON(w, http.StatusOK, map[string]string{"message": NoMatchMessage})
		return
	}
	status := errorsx.HTTPStatus(reason)
	if errors.Is(err, context.Canceled) {
		// client went away; the status is never seen
		status = 499
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request_failed", "reason", reason, "error", err)
	} else {
		s.log.Warn("request_rejected", "reason", reason, "error", err)
	}
	writeJSON(w, status, errorBody(string(reason), err.Error()))
}

// decodeBody reads a JSON body of at most maxBodyBytes.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errorsx.New(errorsx.ReasonInvalidParams, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return errorsx.New(errorsx.ReasonInvalidParams, "invalid json")
	}
	return nil
}

func errorBody(code, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Code: code, Message: message}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
