/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the bursary frontend

ROUTE GROUPS:
  /api/students/*   Student registry
  /api/invoices/*   Invoices, their payments, audit and reconcile
  /api/payments/*   Payment lookup and confirmation
  /api/audits       Ledger-wide consistency sweep
  /api/activity     Activity log
  /api/reports/*    Collection reports
  /api/scenarios/*  Demo data loaders

SECURITY NOTE:
  No authentication middleware. The X-Actor-ID header is trusted as-is
  and only attributes actions; it authorizes nothing.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// DefaultAllowedOrigins are the local frontend dev servers.
var DefaultAllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
// A nil allowedOrigins uses DefaultAllowedOrigins.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	if allowedOrigins == nil {
		allowedOrigins = DefaultAllowedOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/students", func(r chi.Router) {
			r.Get("/", h.ListStudents)
			r.Post("/", h.CreateStudent)
			r.Get("/{id}", h.GetStudent)
		})

		r.Route("/invoices", func(r chi.Router) {
			r.Get("/", h.ListInvoices)
			r.Post("/", h.GenerateInvoice)
			r.Get("/{id}", h.GetInvoice)
			r.Get("/{id}/payments", h.ListInvoicePayments)
			r.Post("/{id}/payments", h.RecordPayment)
			r.Get("/{id}/audit", h.AuditInvoice)
			r.Post("/{id}/reconcile", h.ReconcileInvoice)
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/confirm", h.ConfirmPayment)
		})

		r.Get("/audits", h.ListFlaggedInvoices)
		r.Get("/activity", h.ListActivity)
		r.Get("/reports/collection", h.CollectionReport)

		r.Get("/scenarios", h.ListScenarios)
		r.Post("/scenarios/load", h.LoadScenario)
	})

	return r
}
