// Package order turns carts into orders and manages an order's lifecycle up
// to the point where payment reconciliation takes over.
package order

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/safar/go-shop-payments/internal/database"
	"github.com/safar/go-shop-payments/internal/models"
	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/safar/go-shop-payments/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxShippingAddressLen = 500
	defaultPageSize       = 20
	maxPageSize           = 100
	maxExpireMinutes      = 24 * 60
	qrTimeout             = 10 * time.Second
)

// Actor is the authenticated caller an operation runs on behalf of.
type Actor struct {
	UserID int64
	Admin  bool
}

func (a Actor) owns(order *models.Order) bool {
	return a.Admin || order.UserID == a.UserID
}

type CreateOrderInput struct {
	UserID          int64
	ShippingAddress string
	PaymentMethod   models.PaymentMethod
	Note            string
}

type CreateOrderResult struct {
	Order  *models.Order           `json:"order"`
	QRCode *payment.QRCodeResponse `json:"qrCode,omitempty"`
}

type QRInput struct {
	OrderID       string
	PaymentMethod models.PaymentMethod
	BankAccount   *payment.BankAccount
	ExpireMinutes int
}

type Service struct {
	db       *sql.DB
	registry *payment.Registry
	logger   *zap.Logger
	metrics  *Metrics
	txOpts   database.TxOptions
	newID    func() string
}

func NewService(db *sql.DB, registry *payment.Registry, logger *zap.Logger, metrics *Metrics) *Service {
	return &Service{
		db:       db,
		registry: registry,
		logger:   logger.Named("order"),
		metrics:  metrics,
		txOpts:   database.DefaultTxOptions(),
		newID:    func() string { return uuid.NewString() },
	}
}

// CreateOrder converts the user's cart into a PENDING order. Validation,
// order and item inserts, stock reservation and cart clearing share one
// transaction. A QR code is requested only after commit; failing to get one
// leaves the order in place.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	address := strings.TrimSpace(in.ShippingAddress)
	if address == "" || utf8.RuneCountInString(address) > maxShippingAddressLen {
		return nil, ErrInvalidShippingAddress
	}
	if !in.PaymentMethod.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, in.PaymentMethod)
	}

	orderID := s.newID()
	var order *models.Order

	err := database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		cart, err := store.LockCartItems(ctx, tx, in.UserID)
		if err != nil {
			return err
		}
		if len(cart) == 0 {
			return ErrEmptyCart
		}

		ids := make([]int64, len(cart))
		for i, line := range cart {
			ids[i] = line.ProductID
		}
		products, err := store.LockProducts(ctx, tx, ids)
		if err != nil {
			return err
		}

		items, total, err := buildItems(cart, products)
		if err != nil {
			return err
		}

		order = &models.Order{
			ID:              orderID,
			UserID:          in.UserID,
			TotalAmount:     total,
			ShippingAddress: address,
			Note:            strings.TrimSpace(in.Note),
			Status:          models.OrderStatusPending,
			PaymentStatus:   models.PaymentStatusPending,
			PaymentMethod:   in.PaymentMethod,
			Items:           items,
		}
		if err := store.InsertOrder(ctx, tx, order); err != nil {
			return err
		}

		for _, item := range order.Items {
			if err := store.ReserveStock(ctx, tx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}

		return store.ClearCart(ctx, tx, in.UserID)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ordersCreated.WithLabelValues(string(order.PaymentMethod)).Inc()
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.TotalAmount.String()),
		zap.String("payment_method", string(order.PaymentMethod)),
		zap.Int("items", len(order.Items)))

	return &CreateOrderResult{Order: order, QRCode: s.tryQR(ctx, order)}, nil
}

// buildItems validates every cart line, in product id order, before anything
// is written. Per line the checks run quantity, existence, stock, price.
func buildItems(cart []store.CartItem, products map[int64]*models.Product) ([]models.OrderItem, decimal.Decimal, error) {
	items := make([]models.OrderItem, 0, len(cart))
	total := decimal.Zero

	for _, line := range cart {
		if line.Quantity <= 0 {
			return nil, decimal.Zero, fmt.Errorf("%w: product %d quantity %d", ErrInvalidQuantity, line.ProductID, line.Quantity)
		}
		product, ok := products[line.ProductID]
		if !ok {
			return nil, decimal.Zero, fmt.Errorf("%w: product %d", ErrProductUnavailable, line.ProductID)
		}
		if product.StockQuantity < line.Quantity {
			return nil, decimal.Zero, &database.InsufficientStockError{
				ProductID: product.ID,
				Requested: line.Quantity,
				Available: product.StockQuantity,
			}
		}
		if product.Price.IsNegative() {
			return nil, decimal.Zero, fmt.Errorf("%w: product %d", ErrInvalidPrice, product.ID)
		}

		subtotal := product.Price.Mul(decimal.NewFromInt(int64(line.Quantity)))
		items = append(items, models.OrderItem{
			ProductID: product.ID,
			Quantity:  line.Quantity,
			UnitPrice: product.Price,
			Subtotal:  subtotal,
		})
		total = total.Add(subtotal)
	}

	return items, total, nil
}

func (s *Service) tryQR(ctx context.Context, order *models.Order) *payment.QRCodeResponse {
	if !order.PaymentMethod.RequiresQR() {
		return nil
	}

	qr, err := s.requestQR(ctx, order, nil, 0)
	if err != nil {
		s.metrics.qrFailures.WithLabelValues(string(order.PaymentMethod)).Inc()
		s.logger.Warn("order committed without QR code",
			zap.String("order_id", order.ID),
			zap.String("payment_method", string(order.PaymentMethod)),
			zap.Error(err))
		return nil
	}
	return qr
}

func (s *Service) requestQR(ctx context.Context, order *models.Order, account *payment.BankAccount, expireMinutes int) (*payment.QRCodeResponse, error) {
	provider, err := s.registry.Get(order.PaymentMethod)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, qrTimeout)
	defer cancel()

	return provider.GenerateQR(ctx, payment.QRRequest{
		OrderID:       order.ID,
		Amount:        order.TotalAmount,
		Description:   fmt.Sprintf("Payment for order %s", order.ID),
		BankAccount:   account,
		ExpireMinutes: expireMinutes,
	})
}

// CancelOrder cancels an order whose payment has not settled and returns its
// stock, all under the order's row lock.
func (s *Service) CancelOrder(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	orderID, err := normalizeOrderID(orderID)
	if err != nil {
		return nil, err
	}

	var order *models.Order

	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		locked, err := store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !actor.owns(locked) {
			return ErrForbidden
		}
		if !locked.Cancellable() {
			return fmt.Errorf("%w: status %s, payment %s", ErrOrderNotCancellable, locked.Status, locked.PaymentStatus)
		}

		items, err := store.RestoreOrderStock(ctx, tx, s.logger, locked.ID)
		if err != nil {
			return err
		}

		locked.Status = models.OrderStatusCancelled
		locked.PaymentStatus = models.PaymentStatusCancelled
		if err := store.UpdateOrderStates(ctx, tx, locked); err != nil {
			return err
		}

		locked.Items = items
		order = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ordersCancelled.Inc()
	s.logger.Info("order cancelled",
		zap.String("order_id", order.ID),
		zap.Int64("actor", actor.UserID),
		zap.Bool("admin", actor.Admin))

	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, actor Actor, orderID string) (*models.Order, error) {
	orderID, err := normalizeOrderID(orderID)
	if err != nil {
		return nil, err
	}

	order, err := store.GetOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.owns(order) {
		return nil, ErrForbidden
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, userID int64, cursor string, limit int) (*store.CursorPage, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if _, err := store.DecodeCursor(cursor); err != nil {
		return nil, ErrInvalidCursor
	}
	return store.ListOrdersCursor(ctx, s.db, userID, cursor, limit)
}

// UpdateStatus moves an order along the fulfilment path. Cancelling goes
// through CancelOrder so stock is restored. Orders paid through a QR gateway
// only leave PENDING via payment reconciliation; cash on delivery orders are
// marked paid when delivered.
func (s *Service) UpdateStatus(ctx context.Context, orderID string, next models.OrderStatus) (*models.Order, error) {
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	if next == models.OrderStatusCancelled {
		return s.CancelOrder(ctx, Actor{Admin: true}, orderID)
	}
	orderID, err := normalizeOrderID(orderID)
	if err != nil {
		return nil, err
	}

	var order *models.Order

	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		locked, err := store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !locked.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, locked.Status, next)
		}
		if locked.PaymentMethod.RequiresQR() && locked.PaymentStatus != models.PaymentStatusPaid {
			return fmt.Errorf("%w: %s order is not paid", ErrInvalidTransition, locked.PaymentMethod)
		}

		locked.Status = next
		if next == models.OrderStatusDelivered && locked.PaymentStatus == models.PaymentStatusPending {
			locked.PaymentStatus = models.PaymentStatusPaid
		}
		if err := store.UpdateOrderStates(ctx, tx, locked); err != nil {
			return err
		}

		order = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("order status updated",
		zap.String("order_id", order.ID),
		zap.String("status", string(order.Status)),
		zap.String("payment_status", string(order.PaymentStatus)))

	return order, nil
}

// SwitchPaymentMethod changes how an unpaid order will be paid and, when the
// new method uses QR codes, issues a fresh one.
func (s *Service) SwitchPaymentMethod(ctx context.Context, actor Actor, orderID string, method models.PaymentMethod) (*CreateOrderResult, error) {
	if !method.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, method)
	}
	orderID, err := normalizeOrderID(orderID)
	if err != nil {
		return nil, err
	}

	var order *models.Order

	err = database.WithRetry(ctx, s.db, s.txOpts, func(tx *sql.Tx) error {
		locked, err := store.GetOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !actor.owns(locked) {
			return ErrForbidden
		}
		if !locked.AwaitingPayment() {
			return ErrOrderNotPayable
		}

		if locked.PaymentMethod != method {
			locked.PaymentMethod = method
			if err := store.UpdatePaymentMethod(ctx, tx, locked); err != nil {
				return err
			}
		}

		order = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment method switched",
		zap.String("order_id", order.ID),
		zap.String("payment_method", string(method)))

	return &CreateOrderResult{Order: order, QRCode: s.tryQR(ctx, order)}, nil
}

// GenerateQR issues a payment QR for an order awaiting payment. The amount is
// always the stored order total. Provider configuration errors are returned
// to the caller.
func (s *Service) GenerateQR(ctx context.Context, actor Actor, in QRInput) (*payment.QRCodeResponse, error) {
	if in.ExpireMinutes < 0 || in.ExpireMinutes > maxExpireMinutes {
		return nil, ErrInvalidExpiry
	}

	orderID, err := normalizeOrderID(in.OrderID)
	if err != nil {
		return nil, err
	}

	order, err := store.GetOrder(ctx, s.db, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.owns(order) {
		return nil, ErrForbidden
	}
	if !order.AwaitingPayment() {
		return nil, ErrOrderNotPayable
	}

	method := in.PaymentMethod
	if method == "" {
		method = order.PaymentMethod
	}
	if !method.RequiresQR() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPaymentMethod, method)
	}
	if method != order.PaymentMethod {
		return nil, fmt.Errorf("%w: order uses %s", ErrPaymentMethodMismatch, order.PaymentMethod)
	}

	qr, err := s.requestQR(ctx, order, in.BankAccount, in.ExpireMinutes)
	if err != nil {
		return nil, err
	}
	return qr, nil
}

// normalizeOrderID rejects ids that are not UUIDs before they reach the
// orders.id column and returns the canonical lowercase form.
func normalizeOrderID(id string) (string, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidOrderID, id)
	}
	return parsed.String(), nil
}
