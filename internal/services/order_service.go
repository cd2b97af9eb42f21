package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
	"cryptocheckout/internal/discount"
	"cryptocheckout/internal/metrics"
	"cryptocheckout/internal/models"
	"cryptocheckout/internal/store"
	"cryptocheckout/internal/valuation"
)

var (
	ErrMissingUserID     = errors.New("missing user id")
	ErrInvalidItems      = errors.New("invalid order items")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
)

// OrderStore is the slice of the repository OrderService writes through. All
// status transitions go through its guarded updates.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID, key string) (*models.Order, error)
	UpdateOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus) (bool, error)
	MarkOrderPaid(ctx context.Context, orderID, paymentID string, paidAt time.Time) (bool, error)
}

// Valuations yields the current fair-value reading for an asset.
type Valuations interface {
	Get(ctx context.Context, a asset.Asset) (valuation.Result, error)
}

// OrderPaidEvent is handed to the fulfillment boundary when an order is paid.
type OrderPaidEvent struct {
	OrderID string    `json:"order_id"`
	PaidAt  time.Time `json:"paid_at"`
	Total   string    `json:"total"`
	Asset   string    `json:"asset"`
}

type PaidPublisher interface {
	PublishOrderPaid(ctx context.Context, ev OrderPaidEvent) error
}

type OrderService struct {
	Store      OrderStore
	Valuations Valuations
	Publisher  PaidPublisher // optional
	Now        func() time.Time
}

func (s *OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

type NewOrderItem struct {
	ProductID string
	Name      string
	Quantity  int64
	UnitPrice decimal.Decimal
}

// CreateOrder prices the cart against the current valuation and persists the
// order with a frozen discount basis. Re-running checkout creates a new
// order; a priced order is never re-priced. A non-empty idempotencyKey makes
// the call replay-safe: a retry with the same key returns the order the first
// attempt created instead of creating another one.
func (s *OrderService) CreateOrder(ctx context.Context, userID string, items []NewOrderItem, shipping decimal.Decimal, assetSymbol, idempotencyKey string) (*models.Order, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}
	if len(items) == 0 {
		return nil, ErrInvalidItems
	}
	if idempotencyKey != "" {
		existing, err := s.Store.GetOrderByIdempotencyKey(ctx, userID, idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if shipping.Sign() < 0 {
		return nil, ErrInvalidItems
	}

	a, err := asset.Parse(assetSymbol)
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	orderItems := make([]models.OrderItem, 0, len(items))
	for _, item := range items {
		if item.ProductID == "" || item.Quantity <= 0 || item.UnitPrice.Sign() <= 0 {
			return nil, ErrInvalidItems
		}
		line := item.UnitPrice.Mul(decimal.NewFromInt(item.Quantity))
		subtotal = subtotal.Add(line)
		orderItems = append(orderItems, models.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}

	val, err := s.Valuations.Get(ctx, a)
	if err != nil {
		return nil, err
	}
	pct := discount.For(val)

	basisJSON, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}

	original := subtotal.Add(shipping)
	total := original.Mul(decimal.NewFromInt(100 - pct)).Div(decimal.NewFromInt(100))

	now := s.now()
	order := &models.Order{
		OrderID:         uuid.NewString(),
		UserID:          userID,
		Asset:           a,
		Items:           orderItems,
		Shipping:        shipping,
		Subtotal:        subtotal,
		OriginalPrice:   original,
		DiscountPercent: pct,
		DiscountBasis:   string(basisJSON),
		Total:           total,
		Status:          models.OrderPending,
		IdempotencyKey:  idempotencyKey,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.Store.CreateOrder(ctx, order); err != nil {
		// A concurrent retry with the same key won the insert; hand back its
		// order.
		if idempotencyKey != "" && errors.Is(err, store.ErrDuplicate) {
			return s.Store.GetOrderByIdempotencyKey(ctx, userID, idempotencyKey)
		}
		return nil, err
	}
	metrics.OrdersCreated.Inc()
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := s.Store.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return order, nil
}

// MarkPaid transitions pending -> paid. The store guard ensures at most one
// payment ever completes an order; a repeat call for the winning payment is a
// no-op.
func (s *OrderService) MarkPaid(ctx context.Context, orderID, paymentID string) error {
	paidAt := s.now()
	updated, err := s.Store.MarkOrderPaid(ctx, orderID, paymentID, paidAt)
	if err != nil {
		return err
	}
	if !updated {
		order, err := s.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == models.OrderPaid && order.PaymentID != nil && *order.PaymentID == paymentID {
			return nil
		}
		return ErrInvalidTransition
	}

	metrics.OrdersPaid.Inc()
	s.publishPaid(ctx, orderID, paidAt)
	return nil
}

// AnnouncePaid records the side effects of an order transition that already
// happened in the store, metrics and the fulfillment event. The verifier uses
// it after its transactional completion; the transition itself is not redone
// here.
func (s *OrderService) AnnouncePaid(ctx context.Context, orderID, paymentID string) error {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != models.OrderPaid || order.PaymentID == nil || *order.PaymentID != paymentID {
		return ErrInvalidTransition
	}
	paidAt := s.now()
	if order.PaidAt != nil {
		paidAt = *order.PaidAt
	}
	metrics.OrdersPaid.Inc()
	s.publishPaid(ctx, orderID, paidAt)
	return nil
}

func (s *OrderService) publishPaid(ctx context.Context, orderID string, paidAt time.Time) {
	if s.Publisher == nil {
		return
	}
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		log.Printf("publish order-paid lookup failed order=%s: %v", orderID, err)
		return
	}
	ev := OrderPaidEvent{
		OrderID: orderID,
		PaidAt:  paidAt,
		Total:   order.Total.String(),
		Asset:   order.Asset.String(),
	}
	if err := s.Publisher.PublishOrderPaid(ctx, ev); err != nil {
		log.Printf("publish order-paid failed order=%s: %v", orderID, err)
	}
}

// Cancel is only valid while the order is pending.
func (s *OrderService) Cancel(ctx context.Context, orderID string) error {
	updated, err := s.Store.UpdateOrderStatus(ctx, orderID, models.OrderPending, models.OrderCancelled)
	if err != nil {
		return err
	}
	if updated {
		return nil
	}
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == models.OrderCancelled {
		return nil
	}
	return ErrInvalidTransition
}
