// Package httpsurface exposes the command registry as the HTTP REST API
// (spec §6.2), routed with gorilla/mux as the teacher's internal/server
// does, with auth/CORS/security-header/rate-limit middleware adapted from
// internal/server/middleware.go and internal/handlers.
package httpsurface

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/command"
	"github.com/taskforge/engine/internal/eventbus"
	"github.com/taskforge/engine/internal/metrics"
	"github.com/taskforge/engine/internal/sessionsvc"
	"github.com/taskforge/engine/internal/storage"
)

// Server wires the command registry onto an HTTP mux.
type Server struct {
	registry    *command.Registry
	sessions    *sessionsvc.Service
	version     string
	storageName string
	limiters    *ipRateLimiters
	onShutdown  func()
	events      *eventbus.Bus
	metrics     *metrics.Collector
	backend     storage.Backend
}

// SetShutdownCallback registers the function invoked by POST /api/shutdown,
// used by `taskforge --stop` to request a graceful exit (spec §0).
func (s *Server) SetShutdownCallback(fn func()) {
	s.onShutdown = fn
}

// SetBackend wires the storage backend GET /health probes. Left nil, the
// route reports healthy unconditionally.
func (s *Server) SetBackend(backend storage.Backend) {
	s.backend = backend
}

// SetEventBus wires the optional task/lease lifecycle feed served at
// GET /api/ws/events. Left nil, that route answers 503.
func (s *Server) SetEventBus(bus *eventbus.Bus) {
	s.events = bus
}

// SetMetrics wires the Prometheus collector served at GET /metrics. Left
// nil, that route answers 503.
func (s *Server) SetMetrics(c *metrics.Collector) {
	s.metrics = c
}

func New(registry *command.Registry, sessions *sessionsvc.Service, version, storageName string) *Server {
	return &Server{
		registry:    registry,
		sessions:    sessions,
		version:     version,
		storageName: storageName,
		limiters:    newIPRateLimiters(rate.Limit(10), 20),
	}
}

// Router builds the full gorilla/mux router with middleware applied.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login", s.invoke("session_login", nil)).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.authenticated(s.handleLogout)).Methods(http.MethodPost)
	api.HandleFunc("/auth/session", s.authenticated(s.handleGetSession)).Methods(http.MethodGet)
	api.HandleFunc("/auth/session", s.authenticated(s.handleUpdateSession)).Methods(http.MethodPut)

	api.HandleFunc("/projects", s.authenticated(s.invoke("project_list", nil))).Methods(http.MethodGet)
	api.HandleFunc("/projects", s.authenticated(s.invoke("project_create", nil))).Methods(http.MethodPost)
	api.HandleFunc("/projects/import", s.authenticated(s.invoke("project_import", nil))).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}", s.authenticated(s.invoke("project_get", pathArgs{"id": "projectId"}))).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}", s.authenticated(s.invoke("project_update", pathArgs{"id": "projectId"}))).Methods(http.MethodPut)
	api.HandleFunc("/projects/{id}", s.authenticated(s.invoke("project_delete", pathArgs{"id": "projectId"}))).Methods(http.MethodDelete)
	api.HandleFunc("/projects/{id}/stats", s.authenticated(s.invoke("project_status", pathArgs{"id": "projectId"}))).Methods(http.MethodGet)

	api.HandleFunc("/projects/{id}/tasks", s.authenticated(s.invoke("task_list", pathArgs{"id": "projectId"}))).Methods(http.MethodGet)
	api.HandleFunc("/projects/{id}/tasks", s.authenticated(s.invoke("task_create", pathArgs{"id": "projectId"}))).Methods(http.MethodPost)
	api.HandleFunc("/projects/{id}/next-task", s.authenticated(s.invoke("task_claim", pathArgs{"id": "projectId"}))).Methods(http.MethodPost)

	api.HandleFunc("/tasks/{id}/complete", s.authenticated(s.invokeTask("task_complete"))).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/fail", s.authenticated(s.invokeTask("task_fail"))).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/extend-lease", s.authenticated(s.invokeTask("task_extend_lease"))).Methods(http.MethodPost)
	api.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	api.HandleFunc("/ws/events", s.authenticated(s.handleEventsWebSocket)).Methods(http.MethodGet)

	var handler http.Handler = router
	handler = s.securityHeaders(handler)
	handler = s.correlationID(handler)
	handler = s.cors(handler)
	handler = s.rateLimit(handler)
	return handler
}

type pathArgs map[string]string // mux var name -> command arg name

type sessionCtxKey struct{}

func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, apperr.New(apperr.Unauthorized, "missing bearer token"))
			return
		}
		resolved, err := s.sessions.Validate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		if resolved == nil {
			writeError(w, apperr.New(apperr.Unauthorized, "invalid or expired session"))
			return
		}
		ctx := context.WithValue(r.Context(), sessionCtxKey{}, resolved)
		next.ServeHTTP(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func resolvedSession(r *http.Request) *sessionsvc.Resolved {
	v, _ := r.Context().Value(sessionCtxKey{}).(*sessionsvc.Resolved)
	return v
}

// invoke dispatches to a registry command, merging the JSON body and any
// named path parameters into the argument bag.
func (s *Server) invoke(cmdName string, params pathArgs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args, err := s.buildArgs(r, params)
		if err != nil {
			writeError(w, err)
			return
		}
		s.dispatch(w, r, cmdName, args)
	}
}

// invokeTask handles the /tasks/{id}/... routes, which address a task
// without an enclosing project id in the path; projectId comes from the body
// or, when the body omits it, from the caller's session.
func (s *Server) invokeTask(cmdName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		args, err := s.buildArgs(r, pathArgs{"id": "taskId"})
		if err != nil {
			writeError(w, err)
			return
		}
		s.dispatch(w, r, cmdName, args)
	}
}

func (s *Server) buildArgs(r *http.Request, params pathArgs) (command.Args, error) {
	args := command.Args{}
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, apperr.Wrap(apperr.Validation, "failed to read request body", err)
		}
		if len(body) > 0 {
			var decoded map[string]any
			if err := json.Unmarshal(body, &decoded); err != nil {
				return nil, apperr.Wrap(apperr.Validation, "invalid JSON body", err)
			}
			for k, v := range decoded {
				args[k] = v
			}
		}
	}
	for muxVar, argName := range params {
		args[argName] = mux.Vars(r)[muxVar]
	}
	if q := r.URL.Query(); len(q) > 0 {
		if v := q.Get("status"); v != "" {
			args["status"] = v
		}
		if v := q.Get("limit"); v != "" {
			args["limit"] = v
		}
		if v := q.Get("offset"); v != "" {
			args["offset"] = v
		}
		if v := q.Get("includeClosed"); v != "" {
			args["includeClosed"] = v
		}
	}
	return args, nil
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, cmdName string, args command.Args) {
	cmd, ok := s.registry.ByName(cmdName)
	if !ok {
		writeError(w, apperr.New(apperr.Internal, "command not wired: "+cmdName))
		return
	}
	resolved := resolvedSession(r)
	agentName := ""
	if resolved != nil {
		agentName = resolved.Session.AgentName
		if _, present := args["agentName"]; !present {
			args["agentName"] = agentName
		}
		if _, present := args["projectId"]; !present {
			args["projectId"] = resolved.Session.ProjectID
		}
	}
	if err := cmd.Validate(args); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid arguments", err))
		return
	}
	cc := &command.Context{Ctx: r.Context(), AgentName: agentName}
	result, err := cmd.Handler(cc, args)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	resolved := resolvedSession(r)
	if resolved == nil {
		writeError(w, apperr.New(apperr.Unauthorized, "no active session"))
		return
	}
	if err := s.sessions.Destroy(r.Context(), resolved.Session.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	resolved := resolvedSession(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"session": resolved.Session,
		"project": resolved.Project,
	})
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	resolved := resolvedSession(r)
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "invalid JSON body", err))
		return
	}
	updated, err := s.sessions.UpdateData(r.Context(), resolved.Session.ID, body.Data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": updated})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	if s.onShutdown != nil {
		go s.onShutdown()
	}
}

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWebSocket streams task/lease lifecycle transitions for the
// caller's project (spec §6.2 "GET /api/ws/events"). It never carries task
// output, only state-transition notices; clients fetch the Result payload
// via task_get once they see a task_completed/task_failed event.
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, apperr.New(apperr.BackendUnavailable, "event feed is not enabled"))
		return
	}
	resolved := resolvedSession(r)
	if resolved == nil {
		writeError(w, apperr.New(apperr.Unauthorized, "no active session"))
		return
	}
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(resolved.Session.ProjectID, nil)
	defer s.events.Unsubscribe(resolved.Session.ProjectID, ch)

	if pending, err := s.events.GetPending(resolved.Session.ProjectID, nil); err == nil {
		for _, ev := range pending {
			if conn.WriteJSON(ev) != nil {
				return
			}
			_ = s.events.MarkDelivered(ev.ID)
		}
	}

	for ev := range ch {
		if conn.WriteJSON(ev) != nil {
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	message := ""
	if s.backend != nil {
		healthy, msg := s.backend.HealthCheck(r.Context())
		message = msg
		if !healthy {
			status = "unhealthy"
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"message":   message,
		"version":   s.version,
		"storage":   s.storageName,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, apperr.New(apperr.BackendUnavailable, "metrics collector is not enabled"))
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := statusForKind(apperr.KindOf(err))
	writeJSON(w, status, map[string]any{
		"success":   false,
		"error":     err.Error(),
		"timestamp": time.Now().UTC(),
	})
}

func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.Validation:
		return http.StatusBadRequest
	case apperr.Unauthorized:
		return http.StatusUnauthorized
	case apperr.NotFound:
		return http.StatusNotFound
	case apperr.Conflict, apperr.Closed, apperr.NotAssigned, apperr.Expired:
		return http.StatusConflict
	case apperr.BackendUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) correlationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Correlation-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Correlation-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeadersWriter wraps http.ResponseWriter to strip version-exposing
// headers before the first write, matching the teacher's
// headerRemovalWriter.
type securityHeadersWriter struct {
	http.ResponseWriter
	written bool
}

func (w *securityHeadersWriter) apply() {
	if w.written {
		return
	}
	w.written = true
	h := w.ResponseWriter.Header()
	h.Del("Server")
	h.Set("Server", "taskforge")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
}

func (w *securityHeadersWriter) WriteHeader(status int) {
	w.apply()
	w.ResponseWriter.WriteHeader(status)
}

func (w *securityHeadersWriter) Write(b []byte) (int, error) {
	w.apply()
	return w.ResponseWriter.Write(b)
}

// Hijack lets the wrapped writer satisfy http.Hijacker so gorilla/websocket's
// Upgrade (which type-asserts the ResponseWriter it's given) still works
// through this middleware; Hijack is not promoted from the embedded
// http.ResponseWriter interface on its own.
func (w *securityHeadersWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

func (s *Server) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapper := &securityHeadersWriter{ResponseWriter: w}
		next.ServeHTTP(wrapper, r)
		wrapper.apply()
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiters.allow(ip) {
			writeError(w, apperr.New(apperr.BackendUnavailable, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
