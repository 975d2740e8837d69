package reconcile_test

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/safar/go-shop-payments/internal/config"
	"github.com/safar/go-shop-payments/internal/models"
	"github.com/safar/go-shop-payments/internal/order"
	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/safar/go-shop-payments/internal/payment/sepay"
	"github.com/safar/go-shop-payments/internal/reconcile"
	"github.com/safar/go-shop-payments/internal/store"
	"github.com/safar/go-shop-payments/internal/testutil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap/zaptest"
)

const webhookSecret = "integration-secret"

type fixture struct {
	db         *sql.DB
	orders     *order.Service
	reconciler *reconcile.Reconciler
	userID     int64
	productID  int64
}

func setup(t *testing.T, stock int) *fixture {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	registry := payment.NewRegistry()
	registry.Register(models.PaymentMethodSepay, sepay.New(config.SepayConfig{
		AccountNumber: "0123456789",
		BankCode:      "MBBank",
		WebhookSecret: webhookSecret,
		QRBaseURL:     "https://qr.sepay.vn/img",
		QRExpiry:      15 * time.Minute,
		Timeout:       5 * time.Second,
	}, logger))

	reg := prometheus.NewRegistry()

	user, err := store.CreateUser(ctx, db, "payer@example.com", "Payer")
	if err != nil {
		t.Fatalf("Create user: %v", err)
	}
	product, err := store.CreateProduct(ctx, db, "PAY-001", "Rice Cooker", "", decimal.NewFromInt(100000), stock)
	if err != nil {
		t.Fatalf("Create product: %v", err)
	}

	return &fixture{
		db:         db,
		orders:     order.NewService(db, registry, logger, order.NewMetrics(reg)),
		reconciler: reconcile.New(db, registry, logger, reg),
		userID:     user.ID,
		productID:  product.ID,
	}
}

func (f *fixture) checkout(t *testing.T, qty int) *order.CreateOrderResult {
	t.Helper()
	ctx := context.Background()

	if err := store.AddCartItem(ctx, f.db, f.userID, f.productID, qty); err != nil {
		t.Fatalf("Add cart item: %v", err)
	}
	result, err := f.orders.CreateOrder(ctx, order.CreateOrderInput{
		UserID:          f.userID,
		ShippingAddress: "7 Hai Ba Trung, Hanoi",
		PaymentMethod:   models.PaymentMethodSepay,
	})
	if err != nil {
		t.Fatalf("Create order: %v", err)
	}
	return result
}

func (f *fixture) stock(t *testing.T) int {
	t.Helper()
	product, err := store.GetProduct(context.Background(), f.db, f.productID)
	if err != nil {
		t.Fatalf("Get product: %v", err)
	}
	return product.StockQuantity
}

func (f *fixture) loadOrder(t *testing.T, id string) *models.Order {
	t.Helper()
	o, err := store.GetOrder(context.Background(), f.db, id)
	if err != nil {
		t.Fatalf("Get order: %v", err)
	}
	return o
}

func signedWebhook(t *testing.T, txID, transferType string, amount int64, narration string) ([]byte, string) {
	t.Helper()
	body := []byte(fmt.Sprintf(`{
		"id": %q,
		"gateway": "MBBank",
		"transactionDate": "2026-03-01 10:02:11",
		"accountNumber": "0123456789",
		"code": null,
		"content": %q,
		"transferType": %q,
		"transferAmount": %d,
		"accumulated": 19077000,
		"subAccount": null,
		"referenceCode": "MBVCB.3278907687",
		"description": ""
	}`, txID, narration, transferType, amount))

	signature, err := sepay.SignBody(webhookSecret, body)
	if err != nil {
		t.Fatalf("Sign body: %v", err)
	}
	return body, signature
}

func TestCheckoutAndPaymentHappyPath(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	created := f.checkout(t, 2)
	if !created.Order.TotalAmount.Equal(decimal.NewFromInt(200000)) {
		t.Fatalf("Expected total 200000, got %s", created.Order.TotalAmount)
	}
	if created.QRCode == nil {
		t.Fatalf("Expected a QR code for SEPAY checkout")
	}
	if created.QRCode.Content != sepay.Narration(created.Order.ID) {
		t.Errorf("Expected narration %s, got %s", sepay.Narration(created.Order.ID), created.QRCode.Content)
	}
	if got := f.stock(t); got != 8 {
		t.Errorf("Expected stock 8, got %d", got)
	}

	body, signature := signedWebhook(t, "92704", "in", 200000, "CK "+created.QRCode.Content+" FT26060")
	result := f.reconciler.HandleNotification(ctx, models.PaymentMethodSepay, body, signature)
	if !result.Success || result.Outcome != reconcile.OutcomePaid {
		t.Fatalf("Expected paid outcome, got %+v", result)
	}

	paid := f.loadOrder(t, created.Order.ID)
	if paid.Status != models.OrderStatusProcessing || paid.PaymentStatus != models.PaymentStatusPaid {
		t.Errorf("Expected PROCESSING/PAID, got %s/%s", paid.Status, paid.PaymentStatus)
	}
	if paid.TransactionID == nil || *paid.TransactionID != "92704" {
		t.Errorf("Expected transaction id 92704, got %v", paid.TransactionID)
	}
	if got := f.stock(t); got != 8 {
		t.Errorf("Expected stock to stay 8 after payment, got %d", got)
	}
}

func TestFailedPaymentRestoresStock(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	created := f.checkout(t, 3)
	if got := f.stock(t); got != 7 {
		t.Fatalf("Expected stock 7, got %d", got)
	}

	body, signature := signedWebhook(t, "92705", "out", 300000, sepay.Narration(created.Order.ID))
	result := f.reconciler.HandleNotification(ctx, models.PaymentMethodSepay, body, signature)
	if !result.Success || result.Outcome != reconcile.OutcomeFailed {
		t.Fatalf("Expected failed outcome, got %+v", result)
	}

	failed := f.loadOrder(t, created.Order.ID)
	if failed.Status != models.OrderStatusCancelled || failed.PaymentStatus != models.PaymentStatusFailed {
		t.Errorf("Expected CANCELLED/FAILED, got %s/%s", failed.Status, failed.PaymentStatus)
	}
	if got := f.stock(t); got != 10 {
		t.Errorf("Expected stock 10 after failed payment, got %d", got)
	}

	// A late success for the same order must not resurrect it.
	late, lateSig := signedWebhook(t, "92706", "in", 300000, sepay.Narration(created.Order.ID))
	result = f.reconciler.HandleNotification(ctx, models.PaymentMethodSepay, late, lateSig)
	if !result.Success || result.Outcome != reconcile.OutcomeSettled {
		t.Errorf("Expected already settled outcome, got %+v", result)
	}
	if got := f.stock(t); got != 10 {
		t.Errorf("Expected stock to stay 10, got %d", got)
	}
}

func TestConcurrentDuplicateWebhooks(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	created := f.checkout(t, 1)
	body, signature := signedWebhook(t, "92800", "out", 100000, sepay.Narration(created.Order.ID))

	const deliveries = 5
	var wg sync.WaitGroup
	outcomes := make(chan reconcile.Result, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes <- f.reconciler.HandleNotification(ctx, models.PaymentMethodSepay, body, signature)
		}()
	}
	wg.Wait()
	close(outcomes)

	applied, duplicates := 0, 0
	for result := range outcomes {
		if !result.Success {
			t.Errorf("Expected every delivery to succeed, got %+v", result)
		}
		switch result.Outcome {
		case reconcile.OutcomeFailed:
			applied++
		case reconcile.OutcomeDuplicate:
			duplicates++
		default:
			t.Errorf("Unexpected outcome %s", result.Outcome)
		}
	}

	if applied != 1 || duplicates != deliveries-1 {
		t.Errorf("Expected 1 applied and %d duplicates, got %d and %d", deliveries-1, applied, duplicates)
	}
	// Restoring stock more than once would push it above the starting level.
	if got := f.stock(t); got != 10 {
		t.Errorf("Expected stock 10, got %d", got)
	}
}

func TestForgedWebhookIsIgnored(t *testing.T) {
	f := setup(t, 10)
	ctx := context.Background()

	created := f.checkout(t, 1)
	body, _ := signedWebhook(t, "92900", "in", 100000, sepay.Narration(created.Order.ID))

	result := f.reconciler.HandleNotification(ctx, models.PaymentMethodSepay, body, "deadbeef")
	if result.Success || result.Outcome != reconcile.OutcomeRejected {
		t.Fatalf("Expected rejected outcome, got %+v", result)
	}

	o := f.loadOrder(t, created.Order.ID)
	if o.PaymentStatus != models.PaymentStatusPending || o.TransactionID != nil {
		t.Errorf("Expected order untouched, got %s with %v", o.PaymentStatus, o.TransactionID)
	}
}
