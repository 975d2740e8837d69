package api

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/safar/go-shop-payments/internal/models"
	"github.com/safar/go-shop-payments/internal/order"
	"github.com/safar/go-shop-payments/internal/payment"
	"github.com/safar/go-shop-payments/internal/reconcile"
	"github.com/safar/go-shop-payments/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxWebhookBody         = 64 << 10
	defaultSignatureHeader = "X-Webhook-Signature"
)

type handler struct {
	db         *sql.DB
	orders     *order.Service
	reconciler *reconcile.Reconciler
	registry   *payment.Registry
	logger     *zap.Logger
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// webhook acknowledges every well-formed notification with 200 so the
// gateway does not retry; the reconciliation outcome is in the body, logs and
// metrics.
func (h *handler) webhook(w http.ResponseWriter, r *http.Request) {
	method := models.PaymentMethod(strings.ToUpper(chi.URLParam(r, "method")))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil || len(body) > maxWebhookBody {
		respondError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}
	if !json.Valid(body) {
		respondError(w, http.StatusBadRequest, "Request body must be JSON")
		return
	}

	header := defaultSignatureHeader
	if provider, err := h.registry.Get(method); err == nil {
		if p, ok := provider.(payment.SignatureHeaderProvider); ok {
			header = p.SignatureHeader()
		}
	}

	result := h.reconciler.HandleNotification(r.Context(), method, body, r.Header.Get(header))
	respondJSON(w, http.StatusOK, result)
}

func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	user, err := store.GetUser(r.Context(), h.db, actorFrom(r.Context()).UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, user)
}

func (h *handler) createProduct(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SKU         string          `json:"sku"`
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Price       decimal.Decimal `json:"price"`
		Stock       int             `json:"stock"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SKU == "" || req.Name == "" || req.Price.IsNegative() || req.Stock < 0 {
		respondError(w, http.StatusBadRequest, "sku and name are required; price and stock must not be negative")
		return
	}

	product, err := store.CreateProduct(r.Context(), h.db, req.SKU, req.Name, req.Description, req.Price, req.Stock)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, product)
}

func (h *handler) getProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid product ID")
		return
	}

	product, err := store.GetProduct(r.Context(), h.db, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, product)
}

func (h *handler) getCart(w http.ResponseWriter, r *http.Request) {
	lines, err := store.ListCartLines(r.Context(), h.db, actorFrom(r.Context()).UserID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": lines})
}

func (h *handler) addCartItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProductID int64 `json:"productId"`
		Quantity  int   `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Quantity <= 0 {
		respondError(w, http.StatusBadRequest, "Quantity must be positive")
		return
	}

	ctx := r.Context()
	if _, err := store.GetProduct(ctx, h.db, req.ProductID); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if err := store.AddCartItem(ctx, h.db, actorFrom(ctx).UserID, req.ProductID, req.Quantity); err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ShippingAddress string               `json:"shippingAddress"`
		PaymentMethod   models.PaymentMethod `json:"paymentMethod"`
		Note            string               `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.orders.CreateOrder(r.Context(), order.CreateOrderInput{
		UserID:          actorFrom(r.Context()).UserID,
		ShippingAddress: req.ShippingAddress,
		PaymentMethod:   req.PaymentMethod,
		Note:            req.Note,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	page, err := h.orders.ListOrders(r.Context(), actorFrom(r.Context()).UserID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, page)
}

func (h *handler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.GetOrder(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.orders.CancelOrder(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *handler) switchPaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PaymentMethod models.PaymentMethod `json:"paymentMethod"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.orders.SwitchPaymentMethod(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "orderID"), req.PaymentMethod)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.OrderStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	o, err := h.orders.UpdateStatus(r.Context(), chi.URLParam(r, "orderID"), req.Status)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *handler) generateQR(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrderID       string               `json:"orderId"`
		PaymentMethod models.PaymentMethod `json:"paymentMethod"`
		BankAccount   *payment.BankAccount `json:"bankAccount"`
		ExpireMinutes int                  `json:"expireMinutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.OrderID == "" {
		respondError(w, http.StatusBadRequest, payment.ErrMissingOrderID.Error())
		return
	}

	qr, err := h.orders.GenerateQR(r.Context(), actorFrom(r.Context()), order.QRInput{
		OrderID:       req.OrderID,
		PaymentMethod: req.PaymentMethod,
		BankAccount:   req.BankAccount,
		ExpireMinutes: req.ExpireMinutes,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, qr)
}

// syncPayment asks the gateway whether an order has been paid, for when the
// customer has transferred but no notification arrived.
func (h *handler) syncPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	o, err := h.orders.GetOrder(ctx, actorFrom(ctx), chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, h.reconciler.SyncOrder(ctx, o.PaymentMethod, o.ID))
}
