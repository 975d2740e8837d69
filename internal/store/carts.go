package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/go-shop-payments/internal/models"
)

type CartItem struct {
	ProductID int64
	Quantity  int
}

func AddCartItem(ctx context.Context, db DBTX, userID, productID int64, quantity int) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO cart_items (user_id, product_id, quantity, created_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (user_id, product_id)
		 DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity`,
		userID, productID, quantity)
	if err != nil {
		return fmt.Errorf("add cart item: %w", err)
	}
	return nil
}

// LockCartItems returns the user's cart lines ordered by product id, holding
// row locks on them so a concurrent checkout of the same cart waits.
func LockCartItems(ctx context.Context, tx *sql.Tx, userID int64) ([]CartItem, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT product_id, quantity
		 FROM cart_items
		 WHERE user_id = $1
		 ORDER BY product_id
		 FOR UPDATE`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("lock cart items: %w", err)
	}
	defer rows.Close()

	var items []CartItem
	for rows.Next() {
		var item CartItem
		if err := rows.Scan(&item.ProductID, &item.Quantity); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

// ListCartLines returns the user's cart with current product data. Lines whose
// product has been deleted come back with a nil Product.
func ListCartLines(ctx context.Context, db DBTX, userID int64) ([]models.CartLine, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT c.product_id, c.quantity,
		        p.id, p.sku, p.name, p.description, p.price, p.stock_quantity, p.created_at, p.updated_at, p.version
		 FROM cart_items c
		 LEFT JOIN products p ON p.id = c.product_id
		 WHERE c.user_id = $1
		 ORDER BY c.product_id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list cart: %w", err)
	}
	defer rows.Close()

	lines := []models.CartLine{}
	for rows.Next() {
		var (
			line    models.CartLine
			id      sql.NullInt64
			sku     sql.NullString
			name    sql.NullString
			desc    sql.NullString
			price   sql.NullString
			stock   sql.NullInt64
			created sql.NullTime
			updated sql.NullTime
			version sql.NullInt64
		)
		err := rows.Scan(&line.ProductID, &line.Quantity,
			&id, &sku, &name, &desc, &price, &stock, &created, &updated, &version)
		if err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		if id.Valid {
			product := &models.Product{
				ID:            id.Int64,
				SKU:           sku.String,
				Name:          name.String,
				Description:   desc.String,
				StockQuantity: int(stock.Int64),
				CreatedAt:     created.Time,
				UpdatedAt:     updated.Time,
				Version:       int(version.Int64),
			}
			if err := product.Price.Scan(price.String); err != nil {
				return nil, fmt.Errorf("scan cart line price: %w", err)
			}
			line.Product = product
		}
		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

func CountCartItems(ctx context.Context, db DBTX, userID int64) (int, error) {
	var count int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM cart_items WHERE user_id = $1`,
		userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count cart items: %w", err)
	}
	return count, nil
}

func ClearCart(ctx context.Context, tx *sql.Tx, userID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}
