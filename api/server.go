/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. hlog:       Request-scoped zerolog logger + access log
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/quotations/*              Approval workflow
  /api/consumables/*             Inventory ledger
  /api/consumable-transactions   Stock postings
  /api/receivables/*             Receivables
  /api/payments/*                Payments
  /api/audit                     Audit trail
  /api/scenarios/*               Demo scenarios
  /health                        Liveness + store ping
  /metrics                       Prometheus exposition

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// NewRouter creates a new router with all routes configured. gatherer may be
// nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, log zerolog.Logger, origins []string, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(hlog.NewHandler(log))
	r.Use(requestIDLogger)
	r.Use(hlog.RemoteAddrHandler("remote"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("Request")
	}))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.Health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/quotations", func(r chi.Router) {
			r.Post("/", h.CreateQuotation)
			r.Get("/{id}", h.GetQuotation)
			r.Put("/{id}", h.EditQuotation)
			r.Delete("/{id}", h.DeleteQuotation)
			r.Patch("/{id}", h.ApplyAction)
			r.Put("/{id}/client-response", h.SetClientResponse)
		})

		r.Route("/consumables", func(r chi.Router) {
			r.Post("/", h.CreateConsumable)
			r.Get("/{id}", h.GetConsumable)
			r.Get("/{id}/transactions", h.ListConsumableTransactions)
			r.Get("/{id}/verify", h.VerifyConsumable)
		})
		r.Post("/consumable-transactions", h.PostConsumableTransaction)

		r.Route("/receivables", func(r chi.Router) {
			r.Post("/", h.CreateReceivable)
			r.Get("/{id}", h.GetReceivable)
			r.Get("/{id}/payments", h.ListPayments)
			r.Get("/{id}/verify", h.VerifyReceivable)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.PostPayment)
			r.Get("/{id}", h.GetPayment)
			r.Delete("/{id}", h.DeletePayment)
		})

		r.Get("/audit", h.ListAudit)
		r.Post("/audit/verify", h.RunIntegrityAudit)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
			r.Post("/reset", h.ResetDatabase)
		})
	})

	return r
}

// requestIDLogger tags the request logger with chi's request id.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := middleware.GetReqID(r.Context()); id != "" {
			zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
				return c.Str("request_id", id)
			})
		}
		next.ServeHTTP(w, r)
	})
}

// Pinger is implemented by stores backed by a database connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports liveness and, when the store supports it, database reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Health check failed")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"success":false,"message":"store unreachable","kind":"storage"}`))
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
