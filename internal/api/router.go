// Package api is the HTTP surface: storefront checkout, order management and
// the payment gateway webhook.
package api

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/safar/go-shop-payments/internal/config"
	"github.com/safar/go-shop-payments/internal/order"
	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/safar/go-shop-payments/internal/reconcile"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Deps struct {
	DB         *sql.DB
	Orders     *order.Service
	Reconciler *reconcile.Reconciler
	Registry   *payment.Registry
	Logger     *zap.Logger
	Auth       config.AuthConfig
	RateLimit  config.RateLimitConfig
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func NewRouter(d Deps) http.Handler {
	h := &handler{
		db:         d.DB,
		orders:     d.Orders,
		reconciler: d.Reconciler,
		registry:   d.Registry,
		logger:     d.Logger.Named("api"),
	}
	auth := &authenticator{secret: []byte(d.Auth.JWTSecret)}
	limiter := newUserRateLimiter(rate.Limit(d.RateLimit.RequestsPerSecond), d.RateLimit.Burst)
	metrics := newHTTPMetrics(d.Registerer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.instrument)

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/payments/webhook/{method}", h.webhook)

		r.Group(func(r chi.Router) {
			r.Use(auth.middleware)
			r.Use(limiter.middleware)

			r.Get("/me", h.me)

			r.Get("/products/{productID}", h.getProduct)
			r.With(requireAdmin).Post("/products", h.createProduct)

			r.Get("/cart", h.getCart)
			r.Post("/cart/items", h.addCartItem)

			r.Post("/orders", h.createOrder)
			r.Get("/orders", h.listOrders)
			r.Get("/orders/{orderID}", h.getOrder)
			r.Post("/orders/{orderID}/cancel", h.cancelOrder)
			r.Put("/orders/{orderID}/payment-method", h.switchPaymentMethod)
			r.With(requireAdmin).Put("/orders/{orderID}/status", h.updateStatus)

			r.Post("/payments/qr", h.generateQR)
			r.Post("/payments/{orderID}/sync", h.syncPayment)
		})
	})

	return r
}
