package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lighthouse/bridge/internal/auth"
	"github.com/lighthouse/bridge/internal/core"
	"github.com/lighthouse/bridge/internal/eventlog"
	"github.com/lighthouse/bridge/internal/speedlayer"
)

// ============================================================================
// HTTP SURFACE
// ============================================================================

// Server is the HTTP+WebSocket front of the bridge.
type Server struct {
	bridge         *Bridge
	router         *mux.Router
	httpServer     *http.Server
	streamer       *Streamer
	allowedOrigins map[string]bool
}

// NewServer wires the endpoint table onto a router. Start runs it.
func NewServer(b *Bridge) *Server {
	origins := make(map[string]bool, len(b.cfg.CORS.AllowedOrigins))
	for _, o := range b.cfg.CORS.AllowedOrigins {
		origins[o] = true
	}
	s := &Server{
		bridge:         b,
		router:         mux.NewRouter(),
		allowedOrigins: origins,
	}
	s.streamer = NewStreamer(b, origins)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.corsMiddleware)

	r.HandleFunc("/session/create", s.handleSessionCreate).Methods("POST")
	r.HandleFunc("/session/validate", s.handleSessionValidate).Methods("POST")
	r.HandleFunc("/session/end", s.handleSessionEnd).Methods("POST")
	r.HandleFunc("/validate", s.handleValidate).Methods("POST")
	r.HandleFunc("/event/store", s.handleEventStore).Methods("POST")
	r.HandleFunc("/event/query", s.handleEventQuery).Methods("GET")
	r.HandleFunc("/expert/register", s.handleExpertRegister).Methods("POST")
	r.HandleFunc("/expert/delegate", s.handleExpertDelegate).Methods("POST")
	r.HandleFunc("/elicitation/respond", s.handleElicitationRespond).Methods("POST")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/stream", s.streamer.Handle).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.bridge.cfg.Server.BindAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- s.httpServer.ListenAndServe() }()
	slog.Info("bridge listening", "addr", s.httpServer.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

// corsMiddleware is deny-all: only explicitly configured origins get CORS
// headers, and preflights from anywhere else are refused.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Client-Fingerprint")
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if origin != "" && !s.allowedOrigins[origin] {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearer extracts the Authorization bearer value.
func bearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", core.Authf(core.CodeMissingToken, "no authorization header")
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", core.Authf(core.CodeMissingToken, "malformed authorization header")
	}
	return parts[1], nil
}

// session authenticates a request carrying a session id plus the client
// fingerprint header.
func (s *Server) session(r *http.Request) (*auth.Session, error) {
	id, err := bearer(r)
	if err != nil {
		return nil, err
	}
	sess, err := s.bridge.sessions.Validate(id, r.Header.Get("X-Client-Fingerprint"))
	if err != nil {
		return nil, coerceSessionErr(err)
	}
	return sess, nil
}

// coerceSessionErr keeps "no such session" indistinguishable from any
// other credential failure.
func coerceSessionErr(err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return core.Authf(core.CodeSessionExpired, "unknown session")
	}
	return err
}

// ============================================================================
// ERROR MAPPING — single table, sanitized reasons
// ============================================================================

func httpStatus(err error) (int, string) {
	var e *core.Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError, "internal_error"
	}
	switch e.Kind {
	case core.KindValidation:
		return http.StatusBadRequest, "validation_error"
	case core.KindAuth:
		// Uniform: never reveal which auth check failed.
		return http.StatusUnauthorized, "unauthorized"
	case core.KindAuthz:
		return http.StatusForbidden, "forbidden"
	case core.KindRateLimited:
		return http.StatusTooManyRequests, "rate_limited"
	case core.KindOverloaded:
		return http.StatusServiceUnavailable, "overloaded"
	case core.KindStorage:
		return http.StatusServiceUnavailable, "storage_error"
	case core.KindNotFound:
		return http.StatusNotFound, "not_found"
	case core.KindConflict:
		return http.StatusConflict, "conflict"
	case core.KindCancelled:
		return http.StatusRequestTimeout, "cancelled"
	case core.KindCircuitOpen, core.KindTierFailure, core.KindFailClosed:
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := httpStatus(err)
	body := map[string]interface{}{"error": code}
	switch code {
	case "unauthorized":
		// No detail at all.
	case "rate_limited", "overloaded":
		retry := core.RetryAfterSeconds(err)
		if code == "overloaded" {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		body["retry_after"] = retry
	default:
		var e *core.Error
		if errors.As(err, &e) && e.Reason != "" {
			body["reason"] = e.Reason
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 2<<20))
	if err := dec.Decode(v); err != nil {
		return core.Validationf("malformed request body: %v", err)
	}
	return nil
}

// ============================================================================
// SESSION ENDPOINTS
// ============================================================================

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	token, err := bearer(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Fingerprint == "" {
		req.Fingerprint = r.Header.Get("X-Client-Fingerprint")
	}
	sess, err := s.bridge.sessions.Create(token, req.Fingerprint)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionValidate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	id, err := bearer(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.bridge.sessions.End(id); err != nil {
		s.writeError(w, coerceSessionErr(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

// ============================================================================
// VALIDATION ENDPOINT
// ============================================================================

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	identity := auth.Identity{AgentID: sess.AgentID, Role: sess.Role}
	if err := s.bridge.authorizer.AllowRate(identity, "validate"); err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		Command            speedlayer.Command `json:"command"`
		ContextFingerprint string             `json:"context_fingerprint"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.bridge.authorizer.Authorize(identity, auth.PermCommandValid, req.Command.Kind); err != nil {
		s.writeError(w, err)
		return
	}

	dec, err := s.bridge.dispatcher.Validate(r.Context(), &speedlayer.Request{
		Command:            req.Command,
		Identity:           identity,
		ContextFingerprint: req.ContextFingerprint,
	})
	if err != nil {
		if errors.Is(err, core.ErrValidation) {
			s.writeError(w, err)
			return
		}
		// Any internal failure renders as deny, never as allow.
		dec = &speedlayer.Decision{
			Verdict:    speedlayer.VerdictDeny,
			Reason:     speedlayer.ReasonFailClosed,
			SourceTier: speedlayer.TierExperts,
			Confidence: 1.0,
		}
	}
	writeJSON(w, http.StatusOK, dec)
}

// ============================================================================
// EVENT ENDPOINTS
// ============================================================================

func (s *Server) handleEventStore(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	identity := auth.Identity{AgentID: sess.AgentID, Role: sess.Role}
	if err := s.bridge.authorizer.Authorize(identity, auth.PermEventsWrite, ""); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.bridge.authorizer.AllowRate(identity, "event_store"); err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		Type        string                 `json:"event_type"`
		AggregateID string                 `json:"aggregate_id"`
		Payload     map[string]interface{} `json:"payload"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	seq, err := s.bridge.store.Append(&eventlog.Event{
		Type:        eventlog.EventType(req.Type),
		AggregateID: req.AggregateID,
		ActorID:     sess.AgentID,
		Payload:     req.Payload,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": seq})
}

func (s *Server) handleEventQuery(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	identity := auth.Identity{AgentID: sess.AgentID, Role: sess.Role}
	if err := s.bridge.authorizer.Authorize(identity, auth.PermEventsRead, ""); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.bridge.authorizer.AllowRate(identity, "event_query"); err != nil {
		s.writeError(w, err)
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	events, err := s.bridge.store.Query(*filter).Collect()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func parseFilter(r *http.Request) (*eventlog.Filter, error) {
	q := r.URL.Query()
	f := &eventlog.Filter{
		AggregateID: q.Get("aggregate_id"),
		ActorID:     q.Get("actor_id"),
		Reverse:     q.Get("reverse") == "true",
	}
	if types := q.Get("types"); types != "" {
		for _, t := range strings.Split(types, ",") {
			et := eventlog.EventType(strings.TrimSpace(t))
			if !et.Valid() {
				return nil, core.Validationf("unknown event type %q", t)
			}
			f.Types = append(f.Types, et)
		}
	}
	parseSeq := func(name string) (*uint64, error) {
		v := q.Get(name)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, core.Validationf("%s must be an unsigned integer", name)
		}
		return &n, nil
	}
	var err error
	if f.SeqLo, err = parseSeq("sequence_lo"); err != nil {
		return nil, err
	}
	if f.SeqHi, err = parseSeq("sequence_hi"); err != nil {
		return nil, err
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, core.Validationf("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

// ============================================================================
// EXPERT ENDPOINTS
// ============================================================================

// handleExpertRegister is the two-phase challenge flow: a request without
// a nonce gets a fresh challenge; a request with nonce+answer completes
// registration.
func (s *Server) handleExpertRegister(w http.ResponseWriter, r *http.Request) {
	token, err := bearer(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	identity, err := s.bridge.authority.Verify(token)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		Capabilities []string `json:"capabilities"`
		Nonce        string   `json:"nonce"`
		Answer       string   `json:"answer"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	if req.Nonce == "" {
		ch, err := s.bridge.registry.BeginRegistration(identity.AgentID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ch)
		return
	}

	expertToken, err := s.bridge.registry.Register(identity.AgentID, req.Capabilities, req.Nonce, req.Answer)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"expert_token": expertToken})
}

func (s *Server) handleExpertDelegate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.session(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	identity := auth.Identity{AgentID: sess.AgentID, Role: sess.Role}
	if err := s.bridge.authorizer.Authorize(identity, auth.PermExpertCoord, ""); err != nil {
		s.writeError(w, err)
		return
	}

	var req struct {
		To     string `json:"to_agent"`
		Schema string `json:"schema"`
		Prompt string `json:"prompt"`
		TTLMs  int64  `json:"ttl_ms"`
		Wait   bool   `json:"wait"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	el, err := s.bridge.bus.Create(sess.AgentID, req.To, req.Schema, req.Prompt,
		time.Duration(req.TTLMs)*time.Millisecond)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !req.Wait {
		writeJSON(w, http.StatusOK, el)
		return
	}
	outcome, err := s.bridge.bus.Await(r.Context(), el.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"elicitation_id": el.ID,
		"state":          outcome.State,
		"response":       outcome.Response,
	})
}

func (s *Server) handleElicitationRespond(w http.ResponseWriter, r *http.Request) {
	token, err := bearer(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var req struct {
		ElicitationID string                 `json:"elicitation_id"`
		Payload       map[string]interface{} `json:"payload"`
		Signature     string                 `json:"signature"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	outcome, err := s.bridge.bus.Respond(req.ElicitationID, token, req.Payload, req.Signature)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// ============================================================================
// STATUS
// ============================================================================

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.bridge.Status()
	status["stream"] = s.streamer.Stats()
	code := http.StatusOK
	if s.bridge.Degraded() {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
