package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouteOptions struct {
	CORSOrigins    []string
	RateLimitRPM   int
	RequestTimeout time.Duration
	// MetricsHandler is mounted at /metrics when set.
	MetricsHandler http.Handler
}

func (h *Handler) Routes(m *Middleware, opts RouteOptions) *chi.Mux {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(m.RequestID)
	r.Use(m.RequestLogger)
	r.Use(m.Recoverer)
	r.Use(m.SecurityHeaders)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(m.CORS(opts.CORSOrigins))
	r.Use(m.RateLimit(opts.RateLimitRPM))

	// Health endpoints
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	if opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", opts.MetricsHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		// Request/response routes
		r.Group(func(r chi.Router) {
			r.Use(m.Compress)
			r.Use(m.Timeout(opts.RequestTimeout))

			r.Get("/apy", h.GetAPY)
			r.Get("/apy/tiers", h.GetTiers)
			r.Get("/accrual/projection", h.GetProjection)

			r.Group(func(r chi.Router) {
				r.Use(m.Auth)

				r.Get("/wallet", h.GetWallet)
				r.Post("/wallet/connect", h.ConnectWallet)
				r.Get("/allowance", h.GetAllowance)

				r.Route("/deposits", func(r chi.Router) {
					r.Post("/", h.SubmitDeposit)
					r.Get("/onchain", h.GetOnchainDeposits)
					r.Get("/{id}", h.GetDeposit)
					r.Post("/{id}/continue", h.ContinueDeposit)
				})

				r.Post("/withdrawals", h.Withdraw)
				r.Get("/liquidity", h.ListLiquidity)

				r.Route("/reconciliation", func(r chi.Router) {
					r.Get("/", h.ListReconciliation)
					r.Post("/{ref}/retry", h.RetryReconciliation)
				})
			})
		})

		// Live updates
		if h.svc.SSE != nil {
			r.Get("/stream", h.HandleSSE)
		}
		if h.svc.WSHub != nil {
			r.Get("/ws", h.HandleWebSocket)
		}
	})

	return r
}
