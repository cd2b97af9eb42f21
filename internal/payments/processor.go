package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
	"cryptocheckout/internal/metrics"
	"cryptocheckout/internal/models"
	"cryptocheckout/internal/services"
	"cryptocheckout/internal/store"
	"cryptocheckout/internal/valuation"
)

var (
	ErrOrderNotPending = errors.New("order is not pending")
	ErrPaymentNotFound = errors.New("payment not found")
	ErrPaymentExpired  = errors.New("payment expired")
	ErrInvalidState    = errors.New("invalid payment state")
)

// PaymentStore is the repository slice the processor writes through.
type PaymentStore interface {
	CreatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, paymentID string) (*models.Payment, error)
	GetPaymentByIdempotencyKey(ctx context.Context, orderID, key string) (*models.Payment, error)
	NextAddressIndex(ctx context.Context) (int64, error)
	SetPaymentReference(ctx context.Context, paymentID, referenceHash string, now time.Time) (bool, error)
}

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
}

type AddressDeriver interface {
	Derive(a asset.Asset, index int64) (string, error)
}

type Processor struct {
	Store       PaymentStore
	Orders      OrderReader
	Deriver     AddressDeriver
	Window      time.Duration
	NetworkFees map[asset.Asset]decimal.Decimal
	Now         func() time.Time
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().UTC()
}

func (p *Processor) window() time.Duration {
	if p.Window <= 0 {
		return 15 * time.Minute
	}
	return p.Window
}

// CreatePayment allocates a fresh receiving address and quotes the crypto
// amount from the order's frozen discount basis, not a live re-fetch, so the
// quote cannot drift mid-checkout. A non-empty idempotencyKey makes the call
// replay-safe for the order: a retry with the same key returns the payment the
// first attempt created.
func (p *Processor) CreatePayment(ctx context.Context, orderID, idempotencyKey string) (*models.Payment, error) {
	order, err := p.Orders.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, services.ErrOrderNotFound
		}
		return nil, err
	}
	if idempotencyKey != "" {
		existing, err := p.Store.GetPaymentByIdempotencyKey(ctx, orderID, idempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	if order.Status != models.OrderPending {
		return nil, ErrOrderNotPending
	}

	var basis valuation.Result
	if err := json.Unmarshal([]byte(order.DiscountBasis), &basis); err != nil {
		return nil, fmt.Errorf("order %s discount basis: %w", orderID, err)
	}
	if basis.MarketPrice.Sign() <= 0 {
		return nil, fmt.Errorf("order %s discount basis has no market price", orderID)
	}

	info := order.Asset.Info()
	amountCrypto := order.Total.Div(basis.MarketPrice).RoundUp(info.Decimals)
	fee := p.NetworkFees[order.Asset]

	idx, err := p.Store.NextAddressIndex(ctx)
	if err != nil {
		return nil, err
	}
	addr, err := p.Deriver.Derive(order.Asset, idx)
	if err != nil {
		return nil, err
	}

	now := p.now()
	payment := &models.Payment{
		PaymentID:      uuid.NewString(),
		OrderID:        order.OrderID,
		Asset:          order.Asset,
		AmountCrypto:   amountCrypto,
		NetworkFee:     fee,
		TotalAmount:    amountCrypto.Add(fee),
		Address:        addr,
		AddressIndex:   idx,
		Status:         models.PaymentPending,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		ExpiresAt:      now.Add(p.window()),
		UpdatedAt:      now,
	}

	if err := p.Store.CreatePayment(ctx, payment); err != nil {
		// A concurrent retry with the same key won the insert.
		if idempotencyKey != "" && errors.Is(err, store.ErrDuplicate) {
			return p.Store.GetPaymentByIdempotencyKey(ctx, orderID, idempotencyKey)
		}
		return nil, err
	}
	metrics.PaymentsCreated.Inc()
	return payment, nil
}

func (p *Processor) GetPayment(ctx context.Context, paymentID string) (*models.Payment, error) {
	payment, err := p.Store.GetPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return payment, nil
}

// SubmitReference attaches the claimed transaction hash and moves the payment
// to processing. Re-submitting the same reference while already processing is
// a no-op; two concurrent submissions race on the store guard and exactly one
// performs the transition.
func (p *Processor) SubmitReference(ctx context.Context, paymentID, referenceHash string) (*models.Payment, error) {
	if referenceHash == "" {
		return nil, ErrInvalidState
	}
	payment, err := p.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case models.PaymentPending:
		now := p.now()
		if !now.Before(payment.ExpiresAt) {
			return nil, ErrPaymentExpired
		}
		updated, err := p.Store.SetPaymentReference(ctx, paymentID, referenceHash, now)
		if err != nil {
			return nil, err
		}
		if !updated {
			// Lost the race; fall through to re-read what won.
		}
		payment, err = p.GetPayment(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if payment.Status == models.PaymentProcessing && payment.ReferenceHash != nil && *payment.ReferenceHash == referenceHash {
			return payment, nil
		}
		if payment.Status == models.PaymentExpired {
			return nil, ErrPaymentExpired
		}
		return nil, ErrInvalidState
	case models.PaymentProcessing:
		if payment.ReferenceHash != nil && *payment.ReferenceHash == referenceHash {
			return payment, nil
		}
		return nil, ErrInvalidState
	case models.PaymentExpired:
		return nil, ErrPaymentExpired
	default:
		return nil, ErrInvalidState
	}
}
