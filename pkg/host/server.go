package host

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/openonion/connectonion/pkg/agent"
	"github.com/openonion/connectonion/pkg/identity"
	"github.com/openonion/connectonion/pkg/protocol"
	"github.com/openonion/connectonion/pkg/session"
	"github.com/openonion/connectonion/pkg/trust"
)

// Options configures the host server.
type Options struct {
	Name      string // agent name shown in /info and /health
	Version   string
	Addr      string // listen address, e.g. ":8000"
	TrustName string // policy spec shown in /info ("open", path, ...)
	LogPath   string // file served by GET /admin/logs
	APIKey    string // bearer token gating /admin/*
	Tools     []string
}

// Server is the host's HTTP + WebSocket front end.
type Server struct {
	opts     Options
	identity *identity.Identity
	gate     *Gate
	engine   *trust.Engine
	invoker  *agent.Invoker
	sessions session.Store
	logger   *slog.Logger

	started time.Time
	ready   atomic.Bool
	httpSrv *http.Server
}

// NewServer wires the host front end together.
func NewServer(opts Options, id *identity.Identity, gate *Gate, engine *trust.Engine, invoker *agent.Invoker, sessions session.Store, logger *slog.Logger) *Server {
	if opts.Name == "" {
		opts.Name = "agent-" + identity.Short(id.Address)
	}
	return &Server{
		opts:     opts,
		identity: id,
		gate:     gate,
		engine:   engine,
		invoker:  invoker,
		sessions: sessions,
		logger:   logger,
		started:  time.Now(),
	}
}

// SetReady flips the readiness state reported by /ready.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.wrap(s.handleHealth))
	mux.HandleFunc("/ready", s.wrap(s.handleReady))
	mux.HandleFunc("/info", s.wrap(s.handleInfo))
	mux.HandleFunc("/sessions", s.wrap(s.handleSessions))
	mux.HandleFunc("/sessions/", s.wrap(s.handleSession))
	mux.HandleFunc("/input", s.wrap(s.handleInput))
	mux.HandleFunc("/admin/logs", s.wrap(s.handleAdminLogs))
	mux.HandleFunc("/admin/sessions", s.wrap(s.handleAdminSessions))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/", s.wrap(s.handleNotFound))
	return mux
}

// Serve runs the HTTP server until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	s.logger.Info("host server starting", "addr", s.opts.Addr, "address", identity.Short(s.identity.Address))

	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// ------------------------------------------------------------------
// Plumbing
// ------------------------------------------------------------------

// wrap applies CORS headers and answers preflight for every route.
func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "authorization, content-type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, StatusFor(err), map[string]string{"error": err.Error()})
}

// ------------------------------------------------------------------
// Handlers
// ------------------------------------------------------------------

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	if s.rejectWSUpgrade(w, r) {
		return
	}
	writeJSON(w, http.StatusNotFound, map[string]string{"error": CatNotFound})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agent":  s.opts.Name,
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}
	info := map[string]any{
		"name":    s.opts.Name,
		"address": s.identity.Address,
		"tools":   s.opts.Tools,
		"trust":   s.opts.TrustName,
		"version": s.opts.Version,
	}
	if policy := s.engine.Policy(); policy.HasOnboarding() {
		info["onboard"] = policy.OnboardMethods()
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}
	records, err := s.sessions.List(r.Context())
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		writeError(w, fmt.Errorf("%s: %v", CatInternal, err))
		return
	}
	if records == nil {
		records = []*session.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": records})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		s.handleNotFound(w, r)
		return
	}
	rec, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		s.logger.Error("get session failed", "session_id", id, "error", err)
		writeError(w, fmt.Errorf("%s: %v", CatInternal, err))
		return
	}
	if rec == nil {
		s.handleNotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.handleNotFound(w, r)
		return
	}

	var msg map[string]any
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeError(w, &Error{Category: CatBadRequest, Message: "malformed JSON"})
		return
	}

	env := protocol.ParseEnvelope(msg)
	auth, err := s.gate.Authenticate(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}

	sessionID, _ := env.Payload["session_id"].(string)
	sessionState := extractSessionState(env.Payload)

	// The agent outlives the request context if the client goes away; the
	// result is recoverable through GET /sessions/{id}.
	res, err := s.invoker.Invoke(context.WithoutCancel(r.Context()), auth.Prompt, sessionID, sessionState, nil)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":  res.SessionID,
		"status":      session.StatusDone,
		"result":      res.Result,
		"duration_ms": res.DurationMS,
		"session":     json.RawMessage(orNull(res.Session)),
	})
}

func (s *Server) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, unauthorized("admin token required"))
		return
	}
	data, err := os.ReadFile(s.opts.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			data = nil
		} else {
			writeError(w, fmt.Errorf("%s: %v", CatInternal, err))
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleAdminSessions(w http.ResponseWriter, r *http.Request) {
	if !s.adminAuthorized(r) {
		writeError(w, unauthorized("admin token required"))
		return
	}
	records, err := s.sessions.List(r.Context())
	if err != nil {
		writeError(w, fmt.Errorf("%s: %v", CatInternal, err))
		return
	}

	var running, done int
	var totalDuration int64
	for _, rec := range records {
		switch rec.Status {
		case session.StatusRunning:
			running++
		case session.StatusDone:
			done++
			totalDuration += rec.DurationMS
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":             len(records),
		"running":           running,
		"done":              done,
		"total_duration_ms": totalDuration,
		"sessions":          records,
	})
}

func (s *Server) adminAuthorized(r *http.Request) bool {
	if s.opts.APIKey == "" {
		return false
	}
	return r.Header.Get("Authorization") == "Bearer "+s.opts.APIKey
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------


func extractSessionState(payload map[string]any) json.RawMessage {
	state, ok := payload["session"]
	if !ok || state == nil {
		return nil
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil
	}
	return raw
}

func orNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
