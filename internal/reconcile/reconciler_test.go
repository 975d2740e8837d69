package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/safar/go-shop-payments/internal/models"
	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/safar/go-shop-payments/internal/payment/paymenttest"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const testOrderID = "df2019b9-d47c-40de-95f1-fa8cfe16f138"

var (
	orderCols = []string{"id", "user_id", "total_amount", "shipping_address", "note", "status", "payment_status",
		"payment_method", "transaction_id", "created_at", "updated_at", "version"}
	itemCols = []string{"id", "order_id", "product_id", "quantity", "unit_price", "subtotal", "created_at"}
	body     = []byte(`{"id":92704}`)
)

func newTestReconciler(t *testing.T, provider payment.Provider) (*Reconciler, sqlmock.Sqlmock) {
	t.Helper()

	db, sqlMock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	registry := payment.NewRegistry()
	registry.Register(models.PaymentMethodSepay, provider)

	return New(db, registry, zaptest.NewLogger(t), prometheus.NewRegistry()), sqlMock
}

func orderRow(status models.OrderStatus, paymentStatus models.PaymentStatus, transactionID any) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(orderCols).AddRow(
		testOrderID, int64(1), "200000.00", "1 Main St", "", string(status), string(paymentStatus),
		"SEPAY", transactionID, now, now, 1)
}

func parsed(status payment.TransactionStatus) *payment.TransactionResult {
	return &payment.TransactionResult{
		TransactionID: "92704",
		OrderID:       testOrderID,
		Amount:        decimal.NewFromInt(200000),
		Status:        status,
	}
}

func count(r *Reconciler, outcome Outcome) float64 {
	return promtest.ToFloat64(r.notifications.WithLabelValues("SEPAY", string(outcome)))
}

func TestHandleNotificationPaid(t *testing.T) {
	provider := &paymenttest.MockProvider{}
	provider.On("VerifyWebhook", body, "sig").Return(true)
	provider.On("ParseTransaction", body).Return(parsed(payment.TransactionSuccess), nil)

	r, sqlMock := newTestReconciler(t, provider)
	now := time.Now()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FROM orders WHERE id = \$1 FOR UPDATE`).
		WithArgs(testOrderID).
		WillReturnRows(orderRow(models.OrderStatusPending, models.PaymentStatusPending, nil))
	sqlMock.ExpectQuery("UPDATE orders").
		WithArgs("PROCESSING", "PAID", "92704", testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at", "version"}).AddRow(now, 2))
	sqlMock.ExpectCommit()

	result := r.HandleNotification(context.Background(), models.PaymentMethodSepay, body, "sig")

	assert.True(t, result.Success)
	assert.Equal(t, OutcomePaid, result.Outcome)
	assert.Equal(t, "92704", result.TransactionID)
	assert.Equal(t, testOrderID, result.OrderID)
	assert.Equal(t, payment.TransactionSuccess, result.Status)
	assert.Equal(t, 1.0, count(r, OutcomePaid))
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestHandleNotificationFailedRestoresStock(t *testing.T) {
	provider := &paymenttest.MockProvider{}
	provider.On("VerifyWebhook", body, "").Return(true)
	provider.On("ParseTransaction", body).Return(parsed(payment.TransactionFailed), nil)

	r, sqlMock := newTestReconciler(t, provider)
	now := time.Now()

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(orderRow(models.OrderStatusPending, models.PaymentStatusPending, nil))
	sqlMock.ExpectQuery("FROM order_items").
		WithArgs(testOrderID).
		WillReturnRows(sqlmock.NewRows(itemCols).
			AddRow(1, testOrderID, 10, 2, "100000.00", "200000.00", now).
			AddRow(2, testOrderID, 11, 1, "50000.00", "50000.00", now))
	sqlMock.ExpectExec("UPDATE products").
		WithArgs(2, int64(10)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectExec("UPDATE products").
		WithArgs(1, int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	sqlMock.ExpectQuery("UPDATE orders").
		WithArgs("CANCELLED", "FAILED", "92704", testOrderID).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at", "version"}).AddRow(now, 2))
	sqlMock.ExpectCommit()

	result := r.HandleNotification(context.Background(), models.PaymentMethodSepay, body, "")

	assert.True(t, result.Success)
	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Equal(t, payment.TransactionFailed, result.Status)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestHandleNotificationDuplicate(t *testing.T) {
	provider := &paymenttest.MockProvider{}
	provider.On("VerifyWebhook", body, "").Return(true)
	provider.On("ParseTransaction", body).Return(parsed(payment.TransactionSuccess), nil)

	r, sqlMock := newTestReconciler(t, provider)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(orderRow(models.OrderStatusProcessing, models.PaymentStatusPaid, "92704"))
	sqlMock.ExpectCommit()

	result := r.HandleNotification(context.Background(), models.PaymentMethodSepay, body, "")

	assert.True(t, result.Success)
	assert.Equal(t, OutcomeDuplicate, result.Outcome)
	assert.Equal(t, 1.0, count(r, OutcomeDuplicate))
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestHandleNotificationAlreadySettled(t *testing.T) {
	provider := &paymenttest.MockProvider{}
	provider.On("VerifyWebhook", body, "").Return(true)
	provider.On("ParseTransaction", body).Return(parsed(payment.TransactionSuccess), nil)

	r, sqlMock := newTestReconciler(t, provider)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(orderRow(models.OrderStatusCancelled, models.PaymentStatusCancelled, nil))
	sqlMock.ExpectCommit()

	result := r.HandleNotification(context.Background(), models.PaymentMethodSepay, body, "")

	assert.True(t, result.Success)
	assert.Equal(t, OutcomeSettled, result.Outcome)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestHandleNotificationRejects(t *testing.T) {
	t.Run("bad signature", func(t *testing.T) {
		provider := &paymenttest.MockProvider{}
		provider.On("VerifyWebhook", body, "forged").Return(false)

		r, sqlMock := newTestReconciler(t, provider)

		result := r.HandleNotification(context.Background(), models.PaymentMethodSepay, body, "forged")

		assert.False(t, result.Success)
		assert.Equal(t, OutcomeRejected, result.Outcome)
		provider.AssertNotCalled(t, "ParseTransaction", mock.Anything)
		assert.Equal(t, 1.0, count(r, OutcomeRejected))
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("unparseable", func(t *testing.T) {
		provider := &paymenttest.MockProvider{}
		provider.On("VerifyWebhook", body, "").Return(true)
		provider.On("ParseTransaction", body).
			Return(nil, &payment.ParseError{Reason: payment.ErrInvalidOrderReference})

		r, sqlMock := newTestReconciler(t, provider)

		result := r.HandleNotification(context.Background(), models.PaymentMethodSepay, body, "")

		assert.False(t, result.Success)
		assert.Equal(t, OutcomeRejected, result.Outcome)
		assert.Contains(t, result.Error, "invalid order reference")
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("unsupported method", func(t *testing.T) {
		r, _ := newTestReconciler(t, &paymenttest.MockProvider{})

		result := r.HandleNotification(context.Background(), models.PaymentMethodCOD, body, "")

		assert.False(t, result.Success)
		assert.Equal(t, OutcomeRejected, result.Outcome)
	})

	t.Run("unknown order", func(t *testing.T) {
		provider := &paymenttest.MockProvider{}
		provider.On("VerifyWebhook", body, "").Return(true)
		provider.On("ParseTransaction", body).Return(parsed(payment.TransactionSuccess), nil)

		r, sqlMock := newTestReconciler(t, provider)

		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(`FOR UPDATE`).WillReturnRows(sqlmock.NewRows(orderCols))
		sqlMock.ExpectRollback()

		result := r.HandleNotification(context.Background(), models.PaymentMethodSepay, body, "")

		assert.False(t, result.Success)
		assert.Equal(t, OutcomeRejected, result.Outcome)
		assert.Equal(t, "order not found", result.Message)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})
}

func TestHandleNotificationDatabaseError(t *testing.T) {
	provider := &paymenttest.MockProvider{}
	provider.On("VerifyWebhook", body, "").Return(true)
	provider.On("ParseTransaction", body).Return(parsed(payment.TransactionSuccess), nil)

	r, sqlMock := newTestReconciler(t, provider)

	sqlMock.ExpectBegin()
	sqlMock.ExpectQuery(`FOR UPDATE`).WillReturnError(errors.New("connection reset"))
	sqlMock.ExpectRollback()

	result := r.HandleNotification(context.Background(), models.PaymentMethodSepay, body, "")

	assert.False(t, result.Success)
	assert.Equal(t, OutcomeError, result.Outcome)
	assert.Equal(t, "internal error", result.Error)
	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestSyncOrder(t *testing.T) {
	other := []byte(`{"id":1}`)
	match := []byte(`{"id":2}`)

	t.Run("applies matching transaction", func(t *testing.T) {
		provider := &paymenttest.MockListingProvider{}
		provider.On("ListTransactions", mock.Anything, mock.Anything).Return([][]byte{other, match}, nil)
		provider.On("ParseTransaction", other).Return(&payment.TransactionResult{
			TransactionID: "1", OrderID: "650e8400-e29b-41d4-a716-446655440003", Status: payment.TransactionSuccess,
		}, nil)
		provider.On("ParseTransaction", match).Return(parsed(payment.TransactionSuccess), nil)

		r, sqlMock := newTestReconciler(t, provider)
		now := time.Now()

		sqlMock.ExpectQuery(`FROM orders WHERE id = \$1$`).
			WithArgs(testOrderID).
			WillReturnRows(orderRow(models.OrderStatusPending, models.PaymentStatusPending, nil))
		sqlMock.ExpectQuery("FROM order_items").
			WillReturnRows(sqlmock.NewRows(itemCols))
		sqlMock.ExpectBegin()
		sqlMock.ExpectQuery(`FOR UPDATE`).
			WillReturnRows(orderRow(models.OrderStatusPending, models.PaymentStatusPending, nil))
		sqlMock.ExpectQuery("UPDATE orders").
			WithArgs("PROCESSING", "PAID", "92704", testOrderID).
			WillReturnRows(sqlmock.NewRows([]string{"updated_at", "version"}).AddRow(now, 2))
		sqlMock.ExpectCommit()

		result := r.SyncOrder(context.Background(), models.PaymentMethodSepay, testOrderID)

		assert.True(t, result.Success)
		assert.Equal(t, OutcomePaid, result.Outcome)
		assert.Equal(t, 1.0, promtest.ToFloat64(r.syncs.WithLabelValues("SEPAY", "paid")))
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("no payment yet", func(t *testing.T) {
		provider := &paymenttest.MockListingProvider{}
		provider.On("ListTransactions", mock.Anything, mock.Anything).Return([][]byte{other}, nil)
		provider.On("ParseTransaction", other).Return(nil, &payment.ParseError{Reason: payment.ErrInvalidOrderReference})

		r, sqlMock := newTestReconciler(t, provider)

		sqlMock.ExpectQuery(`FROM orders WHERE id = \$1$`).
			WillReturnRows(orderRow(models.OrderStatusPending, models.PaymentStatusPending, nil))
		sqlMock.ExpectQuery("FROM order_items").
			WillReturnRows(sqlmock.NewRows(itemCols))

		result := r.SyncOrder(context.Background(), models.PaymentMethodSepay, testOrderID)

		assert.False(t, result.Success)
		assert.Equal(t, OutcomeUnmatched, result.Outcome)
		assert.NoError(t, sqlMock.ExpectationsWereMet())
	})

	t.Run("provider cannot list", func(t *testing.T) {
		r, _ := newTestReconciler(t, &paymenttest.MockProvider{})

		result := r.SyncOrder(context.Background(), models.PaymentMethodSepay, testOrderID)

		assert.False(t, result.Success)
		assert.Equal(t, OutcomeRejected, result.Outcome)
		assert.Contains(t, result.Error, "cannot list")
	})

	t.Run("gateway down", func(t *testing.T) {
		provider := &paymenttest.MockListingProvider{}
		provider.On("ListTransactions", mock.Anything, mock.Anything).Return(nil, payment.ErrGatewayUnavailable)

		r, sqlMock := newTestReconciler(t, provider)

		sqlMock.ExpectQuery(`FROM orders WHERE id = \$1$`).
			WillReturnRows(orderRow(models.OrderStatusPending, models.PaymentStatusPending, nil))
		sqlMock.ExpectQuery("FROM order_items").
			WillReturnRows(sqlmock.NewRows(itemCols))

		result := r.SyncOrder(context.Background(), models.PaymentMethodSepay, testOrderID)

		assert.False(t, result.Success)
		assert.Equal(t, OutcomeError, result.Outcome)
	})
}
