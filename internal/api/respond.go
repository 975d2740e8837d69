package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/safar/go-shop-payments/internal/database"
	"github.com/safar/go-shop-payments/internal/order"
	"github.com/safar/go-shop-payments/internal/payment"
	"go.uber.org/zap"
)

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps domain errors to HTTP responses. Anything
// unrecognised is logged and reported as an opaque 500.
func (h *handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var configErr *payment.ConfigError

	switch {
	case errors.As(err, &configErr):
		h.logger.Error("payment provider misconfigured", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "Payment method is temporarily unavailable")

	case errors.Is(err, payment.ErrGatewayUnavailable):
		respondError(w, http.StatusBadGateway, "Payment gateway unavailable")

	case errors.Is(err, order.ErrInvalidShippingAddress),
		errors.Is(err, order.ErrUnsupportedPaymentMethod),
		errors.Is(err, order.ErrEmptyCart),
		errors.Is(err, order.ErrInvalidQuantity),
		errors.Is(err, order.ErrInvalidExpiry),
		errors.Is(err, order.ErrInvalidCursor),
		errors.Is(err, order.ErrInvalidOrderID),
		errors.Is(err, payment.ErrNotSupported),
		errors.Is(err, payment.ErrInvalidAmount),
		errors.Is(err, payment.ErrMissingOrderID):
		respondError(w, http.StatusBadRequest, err.Error())

	case errors.Is(err, order.ErrForbidden):
		respondError(w, http.StatusForbidden, err.Error())

	case errors.Is(err, database.ErrOrderNotFound),
		errors.Is(err, database.ErrProductNotFound),
		errors.Is(err, database.ErrUserNotFound):
		respondError(w, http.StatusNotFound, err.Error())

	case errors.Is(err, database.ErrInsufficientStock),
		errors.Is(err, order.ErrProductUnavailable),
		errors.Is(err, order.ErrInvalidPrice),
		errors.Is(err, order.ErrOrderNotCancellable),
		errors.Is(err, order.ErrOrderNotPayable),
		errors.Is(err, order.ErrPaymentMethodMismatch),
		errors.Is(err, order.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())

	default:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal server error")
	}
}
