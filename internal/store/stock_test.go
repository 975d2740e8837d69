package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/safar/go-shop-payments/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func beginMockTx(t *testing.T) (*sql.Tx, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectBegin()
	tx, err := db.Begin()
	require.NoError(t, err)

	return tx, mock
}

func TestReserveStock(t *testing.T) {
	ctx := context.Background()

	t.Run("decrements when enough stock", func(t *testing.T) {
		tx, mock := beginMockTx(t)
		mock.ExpectQuery("UPDATE products").
			WithArgs(2, int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}).AddRow(8))

		require.NoError(t, ReserveStock(ctx, tx, 10, 2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports available quantity when short", func(t *testing.T) {
		tx, mock := beginMockTx(t)
		mock.ExpectQuery("UPDATE products").
			WithArgs(5, int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}))
		mock.ExpectQuery("SELECT stock_quantity FROM products").
			WithArgs(int64(10)).
			WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}).AddRow(3))

		err := ReserveStock(ctx, tx, 10, 5)

		var stockErr *database.InsufficientStockError
		require.True(t, errors.As(err, &stockErr))
		assert.Equal(t, 3, stockErr.Available)
		assert.Equal(t, 5, stockErr.Requested)
		assert.ErrorIs(t, err, database.ErrInsufficientStock)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing product", func(t *testing.T) {
		tx, mock := beginMockTx(t)
		mock.ExpectQuery("UPDATE products").
			WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}))
		mock.ExpectQuery("SELECT stock_quantity FROM products").
			WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}))

		err := ReserveStock(ctx, tx, 99, 1)
		assert.ErrorIs(t, err, database.ErrProductNotFound)
	})

	t.Run("rejects non-positive quantity without touching the row", func(t *testing.T) {
		tx, mock := beginMockTx(t)

		assert.Error(t, ReserveStock(ctx, tx, 10, 0))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRestoreStock(t *testing.T) {
	ctx := context.Background()

	t.Run("increments", func(t *testing.T) {
		tx, mock := beginMockTx(t)
		mock.ExpectExec("UPDATE products").
			WithArgs(2, int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, RestoreStock(ctx, tx, 10, 2))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing product", func(t *testing.T) {
		tx, mock := beginMockTx(t)
		mock.ExpectExec("UPDATE products").
			WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, RestoreStock(ctx, tx, 10, 2), database.ErrProductNotFound)
	})
}

func TestRestoreOrderStock(t *testing.T) {
	ctx := context.Background()
	const orderID = "df2019b9-d47c-40de-95f1-fa8cfe16f138"
	itemCols := []string{"id", "order_id", "product_id", "quantity", "unit_price", "subtotal", "created_at"}

	t.Run("restores every item and skips missing products", func(t *testing.T) {
		tx, mock := beginMockTx(t)
		now := time.Now()
		mock.ExpectQuery("FROM order_items").
			WithArgs(orderID).
			WillReturnRows(sqlmock.NewRows(itemCols).
				AddRow(1, orderID, 10, 2, "100000.00", "200000.00", now).
				AddRow(2, orderID, 11, 1, "50000.00", "50000.00", now).
				AddRow(3, orderID, 12, 4, "10000.00", "40000.00", now))
		mock.ExpectExec("UPDATE products").
			WithArgs(2, int64(10)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("UPDATE products").
			WithArgs(1, int64(11)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("UPDATE products").
			WithArgs(4, int64(12)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		items, err := RestoreOrderStock(ctx, tx, zaptest.NewLogger(t), orderID)

		require.NoError(t, err)
		assert.Len(t, items, 3)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stops on a database error", func(t *testing.T) {
		tx, mock := beginMockTx(t)
		mock.ExpectQuery("FROM order_items").
			WithArgs(orderID).
			WillReturnRows(sqlmock.NewRows(itemCols).
				AddRow(1, orderID, 10, 2, "100000.00", "200000.00", time.Now()))
		mock.ExpectExec("UPDATE products").
			WillReturnError(errors.New("connection reset"))

		_, err := RestoreOrderStock(ctx, tx, zaptest.NewLogger(t), orderID)

		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
