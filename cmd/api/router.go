package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/serviplace/membership-engine/internal/types"
)

const maxWebhookBodyBytes = 64 * 1024

// setupRouter configures all routes and returns the HTTP handler.
func setupRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	registerWebhookRoutes(mux, deps)
	registerEligibilityRoutes(mux, deps)
	registerUtilityRoutes(mux, deps)

	return mux
}

// registerWebhookRoutes wires the inbound payment-event surface. Signature
// verification happens in the decoder before any event reaches the
// reconciler.
func registerWebhookRoutes(mux *http.ServeMux, deps *Dependencies) {
	var limiter *rate.Limiter
	if deps.Config.Server.RateLimitPerSecond > 0 && deps.Config.Server.RateLimitBurst > 0 {
		limiter = rate.NewLimiter(
			rate.Limit(float64(deps.Config.Server.RateLimitPerSecond)),
			deps.Config.Server.RateLimitBurst,
		)
	}

	mux.HandleFunc("POST /webhooks/stripe", func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow() {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		evt, err := deps.WebhookDecoder.Decode(body, r.Header.Get("Stripe-Signature"))
		if err != nil {
			deps.Logger.Warn("rejected webhook payload", slog.Any("error", err))
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if evt == nil {
			// Event type the engine does not consume; acknowledge and drop.
			w.WriteHeader(http.StatusOK)
			return
		}

		outcome, err := deps.Reconciler.Apply(r.Context(), evt)
		if err != nil {
			// Transient failure: have the provider redeliver.
			deps.Logger.Error("failed to reconcile webhook event", slog.String("eventID", evt.ID), slog.Any("error", err))
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusOK, outcome)
	})
	deps.Logger.Info("registered webhook ingress", "path", "/webhooks/stripe")
}

// registerEligibilityRoutes exposes the quota/eligibility query surface to
// the job-booking collaborator.
func registerEligibilityRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("GET /v1/subscribers/{id}/eligibility", func(w http.ResponseWriter, r *http.Request) {
		subscriberID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid subscriber id"})
			return
		}

		result, err := deps.MembershipService.CanCreateServiceRequest(r.Context(), subscriberID)
		if err != nil {
			deps.Logger.Error("eligibility check failed", slog.String("subscriberID", subscriberID.String()), slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("POST /v1/subscribers/{id}/service-requests", func(w http.ResponseWriter, r *http.Request) {
		subscriberID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid subscriber id"})
			return
		}
		isEmergency := r.URL.Query().Get("emergency") == "true"

		m, err := deps.MembershipService.ConsumeServiceRequest(r.Context(), subscriberID, isEmergency)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, m)
		case errors.Is(err, types.ErrQuotaExceeded):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "quota exceeded"})
		case errors.Is(err, types.ErrNoMembership):
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no membership"})
		default:
			deps.Logger.Error("quota consumption failed", slog.String("subscriberID", subscriberID.String()), slog.Any("error", err))
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		}
	})

	deps.Logger.Info("registered eligibility routes")
}

// registerUtilityRoutes registers health check, metrics, and other utility routes
func registerUtilityRoutes(mux *http.ServeMux, deps *Dependencies) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unhealthy"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	deps.Logger.Info("registered health check", "path", "/health")

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	deps.Logger.Info("registered readiness check", "path", "/ready")

	if deps.Config.Observability.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		deps.Logger.Info("registered metrics endpoint", "path", "/metrics")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
