package order

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	ordersCreated   *prometheus.CounterVec
	ordersCancelled prometheus.Counter
	qrFailures      *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ordersCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orders_created_total",
				Help: "Orders committed at checkout",
			},
			[]string{"payment_method"},
		),
		ordersCancelled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "orders_cancelled_total",
				Help: "Orders cancelled by their owner or an administrator",
			},
		),
		qrFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "order_qr_generation_failures_total",
				Help: "QR codes that could not be generated for a committed order",
			},
			[]string{"payment_method"},
		),
	}
}
