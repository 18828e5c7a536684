package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/baharkarakas/fxcard-wallet/internal/api/handlers"
	"github.com/baharkarakas/fxcard-wallet/internal/metrics"
	"github.com/baharkarakas/fxcard-wallet/internal/middleware"
)

type RouterDeps struct {
	RateRPS   int
	Auth      *middleware.AuthMiddleware
	Payments  *handlers.PaymentHandler
	Wallet    *handlers.WalletHandler
	Webhooks  *handlers.WebhookHandler
	Observers *handlers.ObserverHandler
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recover, middleware.HTTPMetrics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "Idempotent-Replayed", "Retry-After"},
	}))

	// health & metrics
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// gateway callbacks are authenticated by signature, not bearer token
		r.Post("/webhooks/gateway", d.Webhooks.Gateway)

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.Auth, middleware.RateLimit(d.RateRPS))

			r.Get("/quote", d.Payments.Quote)
			r.Post("/payments", d.Payments.Create)

			r.Get("/wallet", d.Wallet.Current)
			r.Post("/deposits", d.Wallet.Deposit)
			r.Post("/withdrawals", d.Wallet.Withdraw)
			r.Get("/transactions", d.Wallet.ListTransactions)
			r.Get("/transactions/{id}", d.Wallet.GetTransaction)

			r.Get("/ws", d.Observers.Connect)
		})
	})

	return r
}
