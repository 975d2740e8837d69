// Package reconcile applies payment gateway notifications to orders.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/safar/go-shop-payments/internal/database"
	"github.com/safar/go-shop-payments/internal/models"
	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/safar/go-shop-payments/internal/store"
	"go.uber.org/zap"
)

type Outcome string

const (
	OutcomePaid      Outcome = "paid"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSettled   Outcome = "already_settled"
	OutcomeRejected  Outcome = "rejected"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeError     Outcome = "error"
)

const (
	syncLookback = time.Hour
	syncLimit    = 100
)

// Result is what the webhook endpoint reports back to the gateway.
type Result struct {
	Success       bool                      `json:"success"`
	Message       string                    `json:"message"`
	TransactionID string                    `json:"transactionId,omitempty"`
	OrderID       string                    `json:"orderId,omitempty"`
	Status        payment.TransactionStatus `json:"status,omitempty"`
	Error         string                    `json:"error,omitempty"`
	Outcome       Outcome                   `json:"-"`
}

type Reconciler struct {
	db            *sql.DB
	registry      *payment.Registry
	logger        *zap.Logger
	txOpts        database.TxOptions
	notifications *prometheus.CounterVec
	syncs         *prometheus.CounterVec
}

func New(db *sql.DB, registry *payment.Registry, logger *zap.Logger, reg prometheus.Registerer) *Reconciler {
	factory := promauto.With(reg)
	return &Reconciler{
		db:       db,
		registry: registry,
		logger:   logger.Named("reconcile"),
		txOpts:   database.DefaultTxOptions(),
		notifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_webhook_notifications_total",
				Help: "Payment notifications received, by outcome",
			},
			[]string{"method", "outcome"},
		),
		syncs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "payment_sync_requests_total",
				Help: "Manual payment checks against the gateway transaction history, by outcome",
			},
			[]string{"method", "outcome"},
		),
	}
}

// HandleNotification verifies and parses a raw notification, then applies it
// to the referenced order under that order's row lock. Replays of an applied
// transaction and notifications for orders that have already settled are
// successful no-ops.
func (r *Reconciler) HandleNotification(ctx context.Context, method models.PaymentMethod, body []byte, signature string) Result {
	result := r.handle(ctx, method, body, signature)
	r.notifications.WithLabelValues(string(method), string(result.Outcome)).Inc()
	return result
}

func (r *Reconciler) handle(ctx context.Context, method models.PaymentMethod, body []byte, signature string) Result {
	logger := r.logger.With(zap.String("method", string(method)))

	provider, err := r.registry.Get(method)
	if err != nil {
		logger.Error("notification for unsupported payment method", zap.Error(err))
		return rejected("unsupported payment method", err)
	}

	if !provider.VerifyWebhook(body, signature) {
		logger.Error("notification signature verification failed",
			zap.Bool("signature_present", signature != ""),
			zap.Int("body_size", len(body)))
		return rejected("invalid signature", errors.New("signature verification failed"))
	}

	tx, err := provider.ParseTransaction(body)
	if err != nil {
		logger.Error("cannot parse notification", zap.Error(err), zap.ByteString("body", body))
		return rejected("cannot parse transaction", err)
	}

	return r.apply(ctx, logger, tx)
}

// SyncOrder looks for a successful payment for orderID in the gateway's
// transaction history and applies it. It covers notifications that never
// arrived.
func (r *Reconciler) SyncOrder(ctx context.Context, method models.PaymentMethod, orderID string) Result {
	result := r.sync(ctx, method, orderID)
	r.syncs.WithLabelValues(string(method), string(result.Outcome)).Inc()
	return result
}

func (r *Reconciler) sync(ctx context.Context, method models.PaymentMethod, orderID string) Result {
	logger := r.logger.With(zap.String("method", string(method)), zap.String("order_id", orderID))

	provider, err := r.registry.Get(method)
	if err != nil {
		return rejected("unsupported payment method", err)
	}
	lister, ok := provider.(payment.TransactionLister)
	if !ok {
		return rejected("payment method cannot be checked", payment.ErrListingNotSupported)
	}

	order, err := store.GetOrder(ctx, r.db, orderID)
	if err != nil {
		if errors.Is(err, database.ErrOrderNotFound) {
			return rejected("order not found", err)
		}
		logger.Error("load order for sync", zap.Error(err))
		return failure()
	}
	if order.PaymentStatus != models.PaymentStatusPending {
		return Result{
			Success: true,
			Message: "order already settled",
			OrderID: order.ID,
			Outcome: OutcomeSettled,
		}
	}

	bodies, err := lister.ListTransactions(ctx, payment.TransactionQuery{
		Since: order.CreatedAt.Add(-syncLookback),
		Limit: syncLimit,
	})
	if err != nil {
		logger.Warn("list gateway transactions", zap.Error(err))
		result := failure()
		result.OrderID = orderID
		return result
	}

	for _, body := range bodies {
		tx, err := provider.ParseTransaction(body)
		if err != nil {
			logger.Debug("skip unparseable gateway transaction", zap.Error(err))
			continue
		}
		if tx.OrderID != order.ID || tx.Status != payment.TransactionSuccess {
			continue
		}
		return r.apply(ctx, logger, tx)
	}

	return Result{
		Success: false,
		Message: "no payment found for order",
		OrderID: order.ID,
		Outcome: OutcomeUnmatched,
	}
}

func (r *Reconciler) apply(ctx context.Context, logger *zap.Logger, tx *payment.TransactionResult) Result {
	logger = logger.With(
		zap.String("order_id", tx.OrderID),
		zap.String("transaction_id", tx.TransactionID),
		zap.String("transaction_status", string(tx.Status)))

	result := Result{
		TransactionID: tx.TransactionID,
		OrderID:       tx.OrderID,
		Status:        tx.Status,
	}

	err := database.WithRetry(ctx, r.db, r.txOpts, func(sqlTx *sql.Tx) error {
		order, err := store.GetOrderForUpdate(ctx, sqlTx, tx.OrderID)
		if err != nil {
			return err
		}

		if order.TransactionID != nil && *order.TransactionID == tx.TransactionID {
			result.Outcome = OutcomeDuplicate
			return nil
		}
		if order.PaymentStatus != models.PaymentStatusPending {
			result.Outcome = OutcomeSettled
			logger.Warn("notification for settled order",
				zap.String("payment_status", string(order.PaymentStatus)),
				zap.String("status", string(order.Status)))
			return nil
		}

		order.TransactionID = &tx.TransactionID

		if tx.Status == payment.TransactionSuccess {
			if !tx.Amount.Equal(order.TotalAmount) {
				logger.Warn("paid amount differs from order total",
					zap.String("amount", tx.Amount.String()),
					zap.String("total", order.TotalAmount.String()))
			}
			order.PaymentStatus = models.PaymentStatusPaid
			if order.Status == models.OrderStatusPending {
				order.Status = models.OrderStatusProcessing
			}
			result.Outcome = OutcomePaid
			return store.UpdateOrderStates(ctx, sqlTx, order)
		}

		if _, err := store.RestoreOrderStock(ctx, sqlTx, logger, order.ID); err != nil {
			return err
		}

		order.PaymentStatus = models.PaymentStatusFailed
		order.Status = models.OrderStatusCancelled
		result.Outcome = OutcomeFailed
		return store.UpdateOrderStates(ctx, sqlTx, order)
	})

	switch {
	case errors.Is(err, database.ErrOrderNotFound):
		logger.Error("notification references unknown order")
		result.Message = "order not found"
		result.Error = err.Error()
		result.Outcome = OutcomeRejected
		return result
	case err != nil:
		logger.Error("apply payment notification", zap.Error(err))
		result.Message = "internal error"
		result.Error = "internal error"
		result.Outcome = OutcomeError
		return result
	}

	result.Success = true
	switch result.Outcome {
	case OutcomeDuplicate:
		logger.Warn("duplicate notification ignored")
		result.Message = "transaction already processed"
	case OutcomeSettled:
		result.Message = "order already settled"
	case OutcomePaid:
		logger.Info("order paid")
		result.Message = "payment confirmed"
	case OutcomeFailed:
		logger.Info("payment failed, order cancelled")
		result.Message = "payment failed, order cancelled"
	}
	return result
}

func rejected(message string, err error) Result {
	return Result{
		Success: false,
		Message: message,
		Error:   err.Error(),
		Outcome: OutcomeRejected,
	}
}

func failure() Result {
	return Result{
		Success: false,
		Message: "internal error",
		Error:   "internal error",
		Outcome: OutcomeError,
	}
}
