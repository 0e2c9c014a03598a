package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/atmx/energy-ledger/internal/metrics"
)

type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	Limiter        *RateLimiter // nil disables rate limiting
}

// NewRouter mounts the service, the WebSocket hub, health and metrics.
func NewRouter(svc *Service, hub *WSHub, log *zap.Logger, opts RouterOptions) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"energy-ledger"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Event stream; long-lived, so outside the request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(opts.RequestTimeout))
			if opts.Limiter != nil {
				r.Use(opts.Limiter.Middleware(log))
			}

			// Listings and settlement.
			r.Post("/listings", svc.CreateListing)
			r.Get("/listings/active", svc.ActiveListings)
			r.Get("/listings/{id}", svc.GetListing)
			r.Delete("/listings/{id}", svc.CancelListing)
			r.Post("/listings/{id}/purchase", svc.Purchase)

			r.Get("/trades/{id}", svc.GetTrade)
			r.Get("/refunds/{tradeID}", svc.GetRefund)
			r.Post("/refunds/{tradeID}/retry", svc.RetryRefund)

			// Accounts.
			r.Get("/accounts/{id}/listings", svc.ListingsBySeller)
			r.Get("/accounts/{id}/trades", svc.TradesByParty)
			r.Get("/accounts/{id}/balance", svc.Balance)
			r.Post("/withdraw", svc.Withdraw)

			// Platform administration.
			r.Get("/platform/stats", svc.Stats)
			r.Get("/platform/fee", svc.GetFee)
			r.Put("/platform/fee", svc.SetFee)
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", IdentityHeader},
	})
	return c.Handler(r)
}

// requestLogger logs one line per request through zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
