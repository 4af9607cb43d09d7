/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address for audit entries
  3. Logger:     Structured request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend
  6. Metrics:    Prometheus request counters and latency

ROUTE GROUPS:
  /api/users/*          Registration, graph reads, purchases, withdrawals
  /api/packages/*       Package catalog
  /api/admin/*          Tree surgery, withdrawal review, audit, integrity
  /api/scenarios/*      Demo scenarios
  /metrics              Prometheus exposition
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. Admin routes only require an actor header
  so that the audit log can name who acted.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/warp/referral-engine/metrics"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", actorHeader},
		AllowCredentials: true,
	}))
	r.Use(metrics.Middleware)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.Register)
			r.Get("/{id}", h.GetUser)
			r.Get("/{id}/ancestors", h.GetAncestors)
			r.Get("/{id}/tree", h.GetTree)
			r.Get("/{id}/stats", h.GetStats)
			r.Get("/{id}/commissions", h.GetCommissions)
			r.Get("/{id}/balance-history", h.GetBalanceHistory)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Get("/{id}/withdrawals", h.GetUserWithdrawals)
			r.Post("/{id}/purchases", h.Purchase)
			r.Post("/{id}/withdrawals", h.RequestWithdrawal)
		})

		r.Route("/packages", func(r chi.Router) {
			r.Get("/", h.ListPackages)
			r.Post("/", h.CreatePackage)
			r.Get("/{id}", h.GetPackage)
			r.Put("/{id}", h.UpdatePackage)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(requireActor)
			r.Delete("/users/{id}", h.DeleteUser)
			r.Post("/users/{id}/transfer", h.TransferUser)
			r.Post("/users/{id}/package", h.AssignPackage)
			r.Get("/withdrawals", h.ListWithdrawals)
			r.Post("/withdrawals/{id}/approve", h.ApproveWithdrawal)
			r.Post("/withdrawals/{id}/reject", h.RejectWithdrawal)
			r.Post("/withdrawals/{id}/complete", h.CompleteWithdrawal)
			r.Get("/audit", h.ListAudit)
			r.Get("/integrity", h.CheckIntegrity)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request with the chi request id.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"remote":     r.RemoteAddr,
			}).Info("request")
		})
	}
}
