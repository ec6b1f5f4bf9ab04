package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/agentworkforce/peertransit/internal/deadletter"
	"github.com/agentworkforce/peertransit/internal/keys"
	"github.com/agentworkforce/peertransit/internal/notify"
	"github.com/agentworkforce/peertransit/internal/peerauth"
	"github.com/agentworkforce/peertransit/internal/transit"
)

type EnvelopeAcceptor interface {
	Accept(ctx context.Context, env transit.Envelope) (transit.InboxItem, error)
}

type Distributor interface {
	Distribute(ctx context.Context, file transit.FileRef, opts transit.TransitOptions) ([]string, error)
}

type OutboxQueries interface {
	Status(ctx context.Context, driveID string) (transit.Status, error)
	GetRecipientsWithPendingWork(ctx context.Context) ([]string, error)
	RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}

type OutboxRunner interface {
	ProcessOutbox(ctx context.Context, box string, batchSize int) (transit.OutboxRunSummary, error)
}

type InboxQueries interface {
	GetStatus(ctx context.Context, driveID string) (transit.Status, error)
	RecoverAbandoned(ctx context.Context, olderThan time.Duration) (int, error)
}

type InboxRunner interface {
	ProcessInbox(ctx context.Context, drive string, batchSize int) (transit.Status, error)
}

type InboxTrigger interface {
	Trigger(drive string)
}

type PeerLookup interface {
	Lookup(identity string) (keys.Peer, bool)
}

// Services are the pipeline parts the API fronts. Nil members disable the
// routes that need them.
type Services struct {
	Receiver        EnvelopeAcceptor
	Distributor     Distributor
	Outbox          OutboxQueries
	OutboxProcessor OutboxRunner
	Inbox           InboxQueries
	InboxProcessor  InboxRunner
	InboxTrigger    InboxTrigger
	DeadLetters     deadletter.Lister
	Hub             *notify.Hub
}

type ServerConfig struct {
	Identity         string
	AdminSecret      string
	Peers            PeerLookup
	SignatureMaxSkew time.Duration
	RateLimitMax     int
	RateLimitWindow  time.Duration
	MaxBodyBytes     int64
	BatchSize        int
	LeaseTimeout     time.Duration
	Logger           logrus.FieldLogger
	Now              func() time.Time
}

type Server struct {
	svc         Services
	cfg         ServerConfig
	router      chi.Router
	rateLimiter *rateLimiter
	replayMu    sync.Mutex
	replaySeen  map[string]time.Time
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

func NewServer(svc Services, cfg ServerConfig) *Server {
	if cfg.SignatureMaxSkew <= 0 {
		cfg.SignatureMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = transit.DefaultLeaseTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		svc:         svc,
		cfg:         cfg,
		rateLimiter: limiter,
		replaySeen:  map[string]time.Time{},
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "identity": s.cfg.Identity})
	})
	r.Post("/api/peer/v1/inbox", s.handlePeerInbox)

	r.With(s.requireScope(peerauth.ScopeWrite)).Post("/v1/outbox/distribute", s.handleDistribute)
	r.With(s.requireScope(peerauth.ScopeProcess)).Post("/v1/outbox/process", s.handleProcessOutbox)
	r.With(s.requireScope(peerauth.ScopeRead)).Get("/v1/outbox/status/{drive}", s.handleOutboxStatus)
	r.With(s.requireScope(peerauth.ScopeRead)).Get("/v1/outbox/recipients", s.handleRecipients)
	r.With(s.requireScope(peerauth.ScopeProcess)).Post("/v1/inbox/{drive}/process", s.handleProcessInbox)
	r.With(s.requireScope(peerauth.ScopeRead)).Get("/v1/inbox/{drive}/status", s.handleInboxStatus)
	r.With(s.requireScope(peerauth.ScopeAdmin)).Post("/v1/admin/recover", s.handleRecover)
	r.With(s.requireScope(peerauth.ScopeAdmin)).Get("/v1/admin/dead-letters", s.handleDeadLetters)
	if s.svc.Hub != nil {
		stream := notify.StreamHandler(s.svc.Hub, notify.StreamOptions{Logger: s.cfg.Logger})
		r.With(s.requireScope(peerauth.ScopeRead)).Get("/v1/notifications/ws", stream.ServeHTTP)
	}
	return r
}

// requireScope checks an admin bearer token. transit:admin satisfies every scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			correlationID := getCorrelationID(r)
			if s.cfg.AdminSecret == "" {
				writeError(w, http.StatusServiceUnavailable, "admin_disabled", "admin api has no secret configured", correlationID)
				return
			}
			header := r.Header.Get("Authorization")
			if header == "" {
				if token := r.URL.Query().Get("access_token"); token != "" {
					header = "Bearer " + token
				}
			}
			claims, authErr := peerauth.Authorize(header, s.cfg.AdminSecret, "", "", s.cfg.Now().UTC())
			if authErr != nil {
				writeError(w, authErr.Status, authErr.Code, authErr.Message, correlationID)
				return
			}
			if !hasAnyScope(claims.Scopes, scope, peerauth.ScopeAdmin) {
				writeError(w, http.StatusForbidden, "forbidden", "missing required scope: "+scope, correlationID)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasAnyScope(scopes map[string]struct{}, required ...string) bool {
	for _, scope := range required {
		if _, ok := scopes[scope]; ok {
			return true
		}
	}
	return false
}

type distributeRequest struct {
	File    transit.FileRef        `json:"file"`
	Options transit.TransitOptions `json:"options"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.svc.Distributor == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "distribution is not configured", correlationID)
		return
	}
	var req distributeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	ids, err := s.svc.Distributor.Distribute(r.Context(), req.File, req.Options)
	if err != nil {
		writeTransitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"itemIds": ids, "correlationId": correlationID})
}

type processRequest struct {
	Box       string `json:"box"`
	BatchSize int    `json:"batchSize"`
}

func (s *Server) handleProcessOutbox(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.svc.OutboxProcessor == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "outbox processing is not configured", correlationID)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var req processRequest
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
	}
	if req.BatchSize <= 0 {
		req.BatchSize = s.cfg.BatchSize
	}
	summary, err := s.svc.OutboxProcessor.ProcessOutbox(r.Context(), strings.TrimSpace(req.Box), req.BatchSize)
	if err != nil {
		writeTransitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleOutboxStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	status, err := s.svc.Outbox.Status(r.Context(), chi.URLParam(r, "drive"))
	if err != nil {
		writeTransitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRecipients(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	recipients, err := s.svc.Outbox.GetRecipientsWithPendingWork(r.Context())
	if err != nil {
		writeTransitError(w, err, correlationID)
		return
	}
	if recipients == nil {
		recipients = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recipients": recipients})
}

func (s *Server) handleProcessInbox(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.svc.InboxProcessor == nil {
		writeError(w, http.StatusNotImplemented, "not_implemented", "inbox processing is not configured", correlationID)
		return
	}
	batchSize, err := parseOptionalBoundedInt(r.URL.Query().Get("batchSize"), s.cfg.BatchSize, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid batchSize", correlationID)
		return
	}
	status, err := s.svc.InboxProcessor.ProcessInbox(r.Context(), chi.URLParam(r, "drive"), batchSize)
	if err != nil {
		writeTransitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleInboxStatus(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	status, err := s.svc.Inbox.GetStatus(r.Context(), chi.URLParam(r, "drive"))
	if err != nil {
		writeTransitError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	olderThan := s.cfg.LeaseTimeout
	if raw := strings.TrimSpace(r.URL.Query().Get("olderThan")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid olderThan", correlationID)
			return
		}
		olderThan = parsed
	}
	recovered := map[string]int{}
	if s.svc.Outbox != nil {
		n, err := s.svc.Outbox.RecoverAbandoned(r.Context(), olderThan)
		if err != nil {
			writeTransitError(w, err, correlationID)
			return
		}
		recovered["outbox"] = n
	}
	if s.svc.Inbox != nil {
		n, err := s.svc.Inbox.RecoverAbandoned(r.Context(), olderThan)
		if err != nil {
			writeTransitError(w, err, correlationID)
			return
		}
		recovered["inbox"] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{"recovered": recovered, "olderThan": olderThan.String()})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	entries := []deadletter.Entry{}
	if s.svc.DeadLetters != nil {
		recent, err := s.svc.DeadLetters.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
			return
		}
		entries = append(entries, recent...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func writeTransitError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, transit.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, transit.ErrFileNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, transit.ErrDistributionNotAllowed):
		writeError(w, http.StatusConflict, "distribution_not_allowed", err.Error(), correlationID)
	case errors.Is(err, transit.ErrRecipientUnknown):
		writeError(w, http.StatusUnprocessableEntity, "recipient_unknown", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
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

func writeRateLimited(w http.ResponseWriter, window time.Duration, correlationID string) {
	retryAfter := int(math.Ceil(window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

// markReplaySeen records a signed request and reports false when the same
// signature was already seen inside the skew window.
func (s *Server) markReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(s.cfg.SignatureMaxSkew)
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, err
	}
	if parsed < min || parsed > max {
		return 0, errors.New("out of range")
	}
	return parsed, nil
}
