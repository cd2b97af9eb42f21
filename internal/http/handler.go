package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
	"cryptocheckout/internal/chain"
	"cryptocheckout/internal/models"
	"cryptocheckout/internal/payments"
	"cryptocheckout/internal/services"
	"cryptocheckout/internal/valuation"
)

type Handler struct {
	Orders   *services.OrderService
	Payments *payments.Processor
}

func NewHandler(orders *services.OrderService, processor *payments.Processor) *Handler {
	return &Handler{Orders: orders, Payments: processor}
}

type orderItemRequest struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type createOrderRequest struct {
	Items    []orderItemRequest `json:"items"`
	Shipping string             `json:"shipping"`
	Asset    string             `json:"asset"`
}

type orderItemResponse struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
}

type orderResponse struct {
	OrderID         string              `json:"orderId"`
	Status          string              `json:"status"`
	Asset           string              `json:"asset"`
	Items           []orderItemResponse `json:"items"`
	Subtotal        string              `json:"subtotal"`
	Shipping        string              `json:"shipping"`
	OriginalPrice   string              `json:"originalPrice"`
	DiscountPercent int64               `json:"discountPercent"`
	DiscountBasis   json.RawMessage     `json:"discountBasis"`
	Total           string              `json:"total"`
	PaidAt          string              `json:"paidAt,omitempty"`
	PaymentID       string              `json:"paymentId,omitempty"`
	CreatedAt       string              `json:"createdAt"`
}

type paymentResponse struct {
	PaymentID     string `json:"paymentId"`
	OrderID       string `json:"orderId"`
	Status        string `json:"status"`
	Asset         string `json:"asset"`
	AmountCrypto  string `json:"amountCrypto"`
	NetworkFee    string `json:"networkFee"`
	TotalAmount   string `json:"totalAmount"`
	Address       string `json:"address"`
	ReferenceHash string `json:"referenceHash,omitempty"`
	Confirmations int64  `json:"confirmations"`
	Reason        string `json:"reason,omitempty"`
	CreatedAt     string `json:"createdAt"`
	ExpiresAt     string `json:"expiresAt"`
	ConfirmedAt   string `json:"confirmedAt,omitempty"`
	CompletedAt   string `json:"completedAt,omitempty"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	items := make([]services.NewOrderItem, 0, len(req.Items))
	for _, item := range req.Items {
		price, err := decimal.NewFromString(item.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid unit price")
			return
		}
		items = append(items, services.NewOrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: price,
		})
	}

	shipping := decimal.Zero
	if req.Shipping != "" {
		var err error
		if shipping, err = decimal.NewFromString(req.Shipping); err != nil {
			writeError(w, http.StatusBadRequest, "invalid shipping")
			return
		}
	}

	userID := r.Header.Get("X-User-Id")
	order, err := h.Orders.CreateOrder(r.Context(), userID, items, shipping, req.Asset, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	if err := h.Orders.Cancel(r.Context(), orderID); err != nil {
		h.writeOrderError(w, err)
		return
	}
	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeOrderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type createPaymentRequest struct {
	OrderID string `json:"order_id"`
}

func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.OrderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	payment, err := h.Payments.CreatePayment(r.Context(), req.OrderID, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentResponse(payment))
}

func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	if paymentID == "" {
		writeError(w, http.StatusBadRequest, "missing payment id")
		return
	}
	payment, err := h.Payments.GetPayment(r.Context(), paymentID)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

type submitReferenceRequest struct {
	ReferenceHash string `json:"reference_hash"`
}

func (h *Handler) SubmitReference(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	if paymentID == "" {
		writeError(w, http.StatusBadRequest, "missing payment id")
		return
	}
	var req submitReferenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.ReferenceHash == "" {
		writeError(w, http.StatusBadRequest, "missing reference hash")
		return
	}
	payment, err := h.Payments.SubmitReference(r.Context(), paymentID, req.ReferenceHash)
	if err != nil {
		h.writePaymentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(payment))
}

func (h *Handler) writeOrderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrMissingUserID):
		writeError(w, http.StatusUnauthorized, "missing user id")
	case errors.Is(err, services.ErrInvalidItems):
		writeError(w, http.StatusBadRequest, "invalid order items")
	case errors.Is(err, asset.ErrUnsupported):
		writeError(w, http.StatusBadRequest, "unsupported asset")
	case errors.Is(err, valuation.ErrUpstreamUnavailable):
		writeError(w, http.StatusServiceUnavailable, "valuation unavailable")
	case errors.Is(err, services.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid order transition")
	default:
		writeError(w, http.StatusInternalServerError, "order request failed")
	}
}

func (h *Handler) writePaymentError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, payments.ErrOrderNotPending):
		writeError(w, http.StatusConflict, "order is not pending")
	case errors.Is(err, payments.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, "payment not found")
	case errors.Is(err, payments.ErrPaymentExpired):
		writeError(w, http.StatusGone, "payment expired")
	case errors.Is(err, payments.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid payment state")
	case errors.Is(err, chain.ErrXPubNotConfigured):
		writeError(w, http.StatusPreconditionFailed, "wallet xpub not configured")
	default:
		writeError(w, http.StatusInternalServerError, "payment request failed")
	}
}

func toOrderResponse(order *models.Order) orderResponse {
	resp := orderResponse{
		OrderID:         order.OrderID,
		Status:          string(order.Status),
		Asset:           order.Asset.String(),
		Subtotal:        order.Subtotal.String(),
		Shipping:        order.Shipping.String(),
		OriginalPrice:   order.OriginalPrice.String(),
		DiscountPercent: order.DiscountPercent,
		DiscountBasis:   json.RawMessage(order.DiscountBasis),
		Total:           order.Total.String(),
		CreatedAt:       order.CreatedAt.Format(time.RFC3339),
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice.String(),
		})
	}
	if order.PaidAt != nil {
		resp.PaidAt = order.PaidAt.Format(time.RFC3339)
	}
	if order.PaymentID != nil {
		resp.PaymentID = *order.PaymentID
	}
	return resp
}

func toPaymentResponse(p *models.Payment) paymentResponse {
	resp := paymentResponse{
		PaymentID:     p.PaymentID,
		OrderID:       p.OrderID,
		Status:        string(p.Status),
		Asset:         p.Asset.String(),
		AmountCrypto:  p.AmountCrypto.String(),
		NetworkFee:    p.NetworkFee.String(),
		TotalAmount:   p.TotalAmount.String(),
		Address:       p.Address,
		Confirmations: p.Confirmations,
		Reason:        string(p.Reason),
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
		ExpiresAt:     p.ExpiresAt.Format(time.RFC3339),
	}
	if p.ReferenceHash != nil {
		resp.ReferenceHash = *p.ReferenceHash
	}
	if p.ConfirmedAt != nil {
		resp.ConfirmedAt = p.ConfirmedAt.Format(time.RFC3339)
	}
	if p.CompletedAt != nil {
		resp.CompletedAt = p.CompletedAt.Format(time.RFC3339)
	}
	return resp
}
