package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/listmirror/internal/firehose"
	"github.com/agentworkforce/listmirror/internal/lists"
	"github.com/agentworkforce/listmirror/internal/listsync"
	"github.com/agentworkforce/listmirror/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const scopeListsWrite = "lists:write"

// StreamStatus reports the label stream connection.
type StreamStatus interface {
	State() firehose.State
	Attempt() int
}

// InFlightCounter reports work that has been accepted but not finished.
type InFlightCounter interface {
	InFlight() int
}

// MembershipMutator applies manual list changes.
type MembershipMutator interface {
	Add(ctx context.Context, label, subject string) (listsync.Outcome, error)
	Remove(ctx context.Context, label, subject string) (listsync.Outcome, error)
}

type ServerConfig struct {
	// JWTSecret signs operator tokens. Membership routes are disabled when empty.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	MutationTimeout time.Duration
}

type Server struct {
	cfg         ServerConfig
	stream      StreamStatus
	handler     InFlightCounter
	registry    *lists.Registry
	mutator     MembershipMutator
	metrics     *metrics.Metrics
	logger      *zap.Logger
	startedAt   time.Time
	rateLimiter *rateLimiter
}

type ServerOptions struct {
	Stream   StreamStatus
	Handler  InFlightCounter
	Registry *lists.Registry
	Mutator  MembershipMutator
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

type StatusResponse struct {
	Status            string   `json:"status"`
	Stream            string   `json:"stream"`
	ReconnectAttempt  int      `json:"reconnectAttempt"`
	InFlightEvents    int      `json:"inFlightEvents"`
	InFlightMutations int      `json:"inFlightMutations"`
	Lists             []string `json:"lists"`
	UptimeSeconds     int64    `json:"uptimeSeconds"`
}

type MembershipResponse struct {
	Label   string `json:"label"`
	DID     string `json:"did"`
	Outcome string `json:"outcome"`
}

func NewServer(opts ServerOptions, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = time.Minute
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:         cfg,
		stream:      opts.Stream,
		handler:     opts.Handler,
		registry:    opts.Registry,
		mutator:     opts.Mutator,
		metrics:     opts.Metrics,
		logger:      logger,
		startedAt:   time.Now(),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		s.metrics.Handler().ServeHTTP(w, r)
		return
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w)
		return
	}

	// /v1/lists/{label}/members[/{did}]
	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "lists" || parts[3] != "members" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	label, err := url.PathUnescape(parts[2])
	if err != nil || label == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid label", getCorrelationID(r))
		return
	}
	var route, subject string
	switch {
	case len(parts) == 4 && r.Method == http.MethodPost:
		route = "add"
	case len(parts) == 5 && r.Method == http.MethodDelete:
		route = "remove"
		subject, err = url.PathUnescape(parts[4])
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid did", getCorrelationID(r))
			return
		}
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	if s.cfg.JWTSecret == "" || s.mutator == nil {
		writeError(w, http.StatusServiceUnavailable, "admin_disabled", "membership routes are not enabled", getCorrelationID(r))
		return
	}
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scopeListsWrite, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	if route == "add" {
		var body struct {
			DID string `json:"did"`
		}
		if !s.decodeJSONBody(w, r, correlationID, &body) {
			return
		}
		subject = body.DID
	}
	s.handleMembership(w, r, route, label, strings.TrimSpace(subject), claims.Subject, correlationID)
}

func (s *Server) handleStatus(w http.ResponseWriter) {
	resp := StatusResponse{
		Status:        "ok",
		Stream:        firehose.StateDisconnected.String(),
		Lists:         s.registry.Labels(),
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if resp.Lists == nil {
		resp.Lists = []string{}
	}
	if s.stream != nil {
		state := s.stream.State()
		resp.Stream = state.String()
		resp.ReconnectAttempt = s.stream.Attempt()
		if state != firehose.StateConnected {
			resp.Status = "degraded"
		}
	}
	if s.handler != nil {
		resp.InFlightEvents = s.handler.InFlight()
	}
	if counter, ok := s.mutator.(interface{ Limiter() *listsync.Limiter }); ok && counter.Limiter() != nil {
		resp.InFlightMutations = counter.Limiter().InFlight()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request, route, label, subject, operator, correlationID string) {
	if !strings.HasPrefix(subject, "did:") {
		writeError(w, http.StatusBadRequest, "bad_request", "did must start with did:", correlationID)
		return
	}
	if _, ok := s.registry.Lookup(label); !ok {
		writeError(w, http.StatusNotFound, "unknown_label", "no list configured for label "+label, correlationID)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.MutationTimeout)
	defer cancel()

	log := s.logger.With(zap.String("operator", operator), zap.String("correlation_id", correlationID))
	var (
		outcome listsync.Outcome
		err     error
	)
	if route == "add" {
		outcome, err = s.mutator.Add(ctx, label, subject)
	} else {
		outcome, err = s.mutator.Remove(ctx, label, subject)
	}
	if err != nil {
		log.Error("manual membership change failed", zap.String("op", route), zap.String("label", label), zap.String("did", subject), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_error", "repository call failed", correlationID)
		return
	}
	log.Info("manual membership change applied", zap.String("op", route), zap.String("label", label), zap.String("did", subject), zap.Stringer("outcome", outcome))
	status := http.StatusOK
	if outcome == listsync.OutcomeAdded {
		status = http.StatusCreated
	}
	writeJSON(w, status, MembershipResponse{Label: label, DID: subject, Outcome: outcome.String()})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
