package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/safar/go-shop-payments/internal/database"
	"github.com/safar/go-shop-payments/internal/models"
	"go.uber.org/zap"
)

// ReserveStock decrements a product's available quantity by qty, but only if
// at least qty units are available. It must run inside the transaction that
// writes the order the reservation belongs to.
func ReserveStock(ctx context.Context, tx *sql.Tx, productID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("reserve stock: quantity must be positive, got %d", qty)
	}

	var remaining int
	err := tx.QueryRowContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity - $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2
		   AND stock_quantity >= $1
		 RETURNING stock_quantity`,
		qty, productID).Scan(&remaining)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reserve stock: %w", err)
	}

	var available int
	err = tx.QueryRowContext(ctx,
		`SELECT stock_quantity FROM products WHERE id = $1`,
		productID).Scan(&available)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return database.ErrProductNotFound
		}
		return fmt.Errorf("read stock: %w", err)
	}

	return &database.InsufficientStockError{
		ProductID: productID,
		Requested: qty,
		Available: available,
	}
}

// RestoreStock gives qty units back to a product. It is the compensating
// action for ReserveStock and never fails on quantity grounds.
func RestoreStock(ctx context.Context, tx *sql.Tx, productID int64, qty int) error {
	if qty <= 0 {
		return fmt.Errorf("restore stock: quantity must be positive, got %d", qty)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE products
		 SET stock_quantity = stock_quantity + $1,
		     updated_at = NOW(),
		     version = version + 1
		 WHERE id = $2`,
		qty, productID)
	if err != nil {
		return fmt.Errorf("restore stock: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return database.ErrProductNotFound
	}

	return nil
}

// RestoreOrderStock returns the stock held by every item of an order and
// returns the items. A product that no longer exists is logged and skipped;
// the order still has to change state.
func RestoreOrderStock(ctx context.Context, tx *sql.Tx, logger *zap.Logger, orderID string) ([]models.OrderItem, error) {
	items, err := GetOrderItems(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		err := RestoreStock(ctx, tx, item.ProductID, item.Quantity)
		if errors.Is(err, database.ErrProductNotFound) {
			logger.Error("cannot restore stock for missing product",
				zap.String("order_id", orderID),
				zap.Int64("product_id", item.ProductID),
				zap.Int("quantity", item.Quantity))
			continue
		}
		if err != nil {
			return nil, err
		}
	}

	return items, nil
}
