// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amurg-ai/entitle/hub/auth"
	"github.com/amurg-ai/entitle/hub/billing"
	"github.com/amurg-ai/entitle/hub/config"
	"github.com/amurg-ai/entitle/hub/metrics"
	"github.com/amurg-ai/entitle/hub/store"
)

// EventVerifier authenticates raw webhook deliveries.
type EventVerifier interface {
	Verify(payload []byte, sigHeader string) (*billing.Event, error)
}

// EventApplier applies verified events and customer links.
type EventApplier interface {
	Apply(ctx context.Context, ev *billing.Event) (billing.Outcome, error)
	Link(ctx context.Context, userID, customerID string) (*store.Entitlement, error)
}

// CreditLedger spends and reports credits.
type CreditLedger interface {
	Spend(ctx context.Context, userID string, amount int) (billing.Balance, error)
	Balance(ctx context.Context, userID string) (billing.Balance, error)
}

// PlanCatalog lists the configured tiers.
type PlanCatalog interface {
	Free() billing.Tier
	Tiers() []billing.Plan
}

// ServerOptions carries the billing components the API drives.
type ServerOptions struct {
	Verifier   EventVerifier
	Reconciler EventApplier
	Ledger     CreditLedger
	Catalog    PlanCatalog
}

// retryAfterSeconds is sent with 503 responses.
const retryAfterSeconds = 5

// Server is the HTTP API server.
type Server struct {
	store          store.Store
	authProvider   auth.Provider
	verifier       EventVerifier
	reconciler     EventApplier
	ledger         CreditLedger
	catalog        PlanCatalog
	logger         *slog.Logger
	mux            *chi.Mux
	startTime      time.Time
	maxBodyBytes   int64
	webhookTimeout time.Duration
	rl             *rateLimiter
}

// NewServer creates a new API server.
func NewServer(s store.Store, ap auth.Provider, cfg *config.Config, opts ServerOptions, logger *slog.Logger) *Server {
	maxBody := cfg.Server.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	srv := &Server{
		store:          s,
		authProvider:   ap,
		verifier:       opts.Verifier,
		reconciler:     opts.Reconciler,
		ledger:         opts.Ledger,
		catalog:        opts.Catalog,
		logger:         logger.With("component", "api"),
		startTime:      time.Now(),
		maxBodyBytes:   maxBody,
		webhookTimeout: cfg.Billing.WebhookTimeout.Duration,
		rl:             newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health and metrics (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	mux.Post("/api/billing/webhook", srv.handleWebhook) // public, signature-verified
	mux.Get("/api/billing/plans", srv.handleGetPlans)

	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/me/entitlement", srv.handleGetMyEntitlement)

		r.Group(func(r chi.Router) {
			r.Use(requireService)
			r.Post("/api/credits/spend", srv.handleSpend)
			r.Get("/api/entitlements/{userID}", srv.handleGetEntitlement)
			r.Post("/api/billing/link", srv.handleLink)
		})
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// RunBackgroundTasks evicts idle rate-limit buckets until ctx is cancelled.
func (s *Server) RunBackgroundTasks(ctx context.Context) {
	s.rl.run(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unverified"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "failed to read body")
		return
	}

	ev, err := s.verifier.Verify(payload, r.Header.Get(billing.SignatureHeader))
	if err != nil {
		status = http.StatusBadRequest
		s.logger.Warn("webhook verification failed", "remote_addr", r.RemoteAddr, "error", err)
		writeError(w, status, "invalid webhook")
		return
	}
	eventType = string(ev.Type)

	ctx := r.Context()
	if s.webhookTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.webhookTimeout)
		defer cancel()
	}

	if _, err := s.reconciler.Apply(ctx, ev); err != nil {
		status = webhookErrorStatus(err)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		writeError(w, status, "webhook processing failed")
		return
	}

	writeJSON(w, status, map[string]bool{"received": true})
}

// webhookErrorStatus maps a processing error to a status the provider will
// retry. Configuration drift is a 500 so it surfaces in provider dashboards;
// everything else is transient.
func webhookErrorStatus(err error) int {
	switch {
	case errors.Is(err, billing.ErrUnknownTier),
		errors.Is(err, billing.ErrUnknownCustomer),
		errors.Is(err, billing.ErrCustomerMismatch):
		return http.StatusInternalServerError
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleGetPlans(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"free":  s.catalog.Free(),
		"plans": s.catalog.Tiers(),
	})
}

type spendRequest struct {
	UserID string `json:"user_id"`
	Amount int    `json:"amount"`
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	var req spendRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	bal, err := s.ledger.Spend(r.Context(), req.UserID, req.Amount)
	var insufficient *billing.InsufficientCreditsError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, bal)
	case errors.As(err, &insufficient):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":     "insufficient credits",
			"requested": insufficient.Requested,
			"remaining": insufficient.Remaining,
		})
	case errors.Is(err, billing.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.writeUnavailable(w, "spend failed", err)
	}
}

func (s *Server) handleGetEntitlement(w http.ResponseWriter, r *http.Request) {
	s.writeBalance(w, r, chi.URLParam(r, "userID"))
}

func (s *Server) handleGetMyEntitlement(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	s.writeBalance(w, r, identity.UserID)
}

func (s *Server) writeBalance(w http.ResponseWriter, r *http.Request, userID string) {
	bal, err := s.ledger.Balance(r.Context(), userID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, bal)
	case errors.Is(err, billing.ErrInvalidAmount):
		writeError(w, http.StatusBadRequest, "user id is required")
	default:
		s.writeUnavailable(w, "balance lookup failed", err)
	}
}

type linkRequest struct {
	UserID     string `json:"user_id"`
	CustomerID string `json:"customer_id"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := decodeJSON(w, r, s.maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	e, err := s.reconciler.Link(r.Context(), req.UserID, req.CustomerID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, e)
	case errors.Is(err, billing.ErrInvalidLink):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrCustomerMismatch):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeUnavailable(w, "link failed", err)
	}
}

func (s *Server) writeUnavailable(w http.ResponseWriter, msg string, err error) {
	s.logger.Warn(msg, "error", err)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	writeError(w, http.StatusServiceUnavailable, msg)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
