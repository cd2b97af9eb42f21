package verify

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"cryptocheckout/internal/chain"
	"cryptocheckout/internal/metrics"
	"cryptocheckout/internal/models"
	"cryptocheckout/internal/store"
)

// OverpaymentPolicy decides what happens when the observed amount exceeds the
// quoted total. The product call is still open, so it is configuration.
type OverpaymentPolicy string

const (
	OverpaymentComplete OverpaymentPolicy = "complete"
	OverpaymentReview   OverpaymentPolicy = "review"
)

// Store is the repository slice the verifier drives transitions through.
type Store interface {
	UpdatePaymentConfirmations(ctx context.Context, paymentID string, confirmations int64) error
	CompletePayment(ctx context.Context, paymentID, orderID string, confirmations int64, now time.Time) (bool, error)
	FailPayment(ctx context.Context, paymentID string, reason models.FailureReason) (bool, error)
	FlagPaymentReason(ctx context.Context, paymentID string, reason models.FailureReason) error
}

type OrderMarker interface {
	AnnouncePaid(ctx context.Context, orderID, paymentID string) error
}

// Result reports what the chain source observed for a payment.
type Result struct {
	Confirmations   int64
	AmountObserved  decimal.Decimal
	AddressObserved string
}

type Verifier struct {
	Chain        chain.Client
	Store        Store
	Orders       OrderMarker
	ToleranceBps int64
	Overpayment  OverpaymentPolicy
	MaxRetries   uint64
	Now          func() time.Time
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

func (v *Verifier) maxRetries() uint64 {
	if v.MaxRetries == 0 {
		return 4
	}
	return v.MaxRetries
}

// Verify checks the payment's claimed transaction against the chain source
// and drives the resulting transition. A transient lookup failure or a
// not-yet-visible transaction leaves the payment untouched; the reaper owns
// eventual expiry.
func (v *Verifier) Verify(ctx context.Context, p *models.Payment) (*Result, error) {
	if p.Status != models.PaymentProcessing || p.ReferenceHash == nil {
		return nil, nil
	}

	tx, err := v.lookup(ctx, *p.ReferenceHash)
	if err != nil {
		if errors.Is(err, chain.ErrTxNotFound) {
			log.Printf("verify payment=%s tx=%s not found yet", p.PaymentID, *p.ReferenceHash)
			return nil, nil
		}
		return nil, err
	}

	res := &Result{
		Confirmations:   tx.Confirmations,
		AmountObserved:  tx.Amount,
		AddressObserved: tx.Address,
	}

	if tx.Address != p.Address {
		v.fail(ctx, p, models.ReasonAddressMismatch)
		return res, nil
	}

	required := p.TotalAmount.Mul(decimal.NewFromInt(10000 - v.ToleranceBps)).Div(decimal.NewFromInt(10000))
	if tx.Amount.LessThan(required) {
		// Reported, non-retriable: an underpaid transaction is never
		// silently completed.
		v.fail(ctx, p, models.ReasonAmountInsufficient)
		return res, nil
	}

	if tx.Amount.GreaterThan(p.TotalAmount) && v.Overpayment == OverpaymentReview {
		if err := v.Store.FlagPaymentReason(ctx, p.PaymentID, models.ReasonOverpaidReview); err != nil {
			return res, err
		}
		log.Printf("payment %s flagged for overpayment review amount=%s quoted=%s", p.PaymentID, tx.Amount, p.TotalAmount)
		return res, nil
	}

	requiredConfs := p.Asset.Info().RequiredConfirmations
	if tx.Confirmations < requiredConfs {
		if err := v.Store.UpdatePaymentConfirmations(ctx, p.PaymentID, tx.Confirmations); err != nil {
			return res, err
		}
		return res, nil
	}

	completed, err := v.Store.CompletePayment(ctx, p.PaymentID, p.OrderID, tx.Confirmations, v.now())
	if err != nil {
		if errors.Is(err, store.ErrOrderConflict) {
			// The order was cancelled, or another payment already paid it.
			v.fail(ctx, p, models.ReasonOrderNotPayable)
			return res, nil
		}
		return res, err
	}
	if !completed {
		// Another verification attempt or the reaper got there first.
		return res, nil
	}
	metrics.PaymentsCompleted.Inc()
	log.Printf("payment %s completed tx=%s confirmations=%d", p.PaymentID, tx.Hash, tx.Confirmations)

	if err := v.Orders.AnnouncePaid(ctx, p.OrderID, p.PaymentID); err != nil {
		return res, err
	}
	return res, nil
}

func (v *Verifier) fail(ctx context.Context, p *models.Payment, reason models.FailureReason) {
	updated, err := v.Store.FailPayment(ctx, p.PaymentID, reason)
	if err != nil {
		log.Printf("fail payment %s (%s): %v", p.PaymentID, reason, err)
		return
	}
	if updated {
		metrics.PaymentsFailed.WithLabelValues(string(reason)).Inc()
		log.Printf("payment %s failed: %s", p.PaymentID, reason)
	}
}

// lookup retries transient chain-source errors with exponential backoff; a
// definitive not-found is returned immediately.
func (v *Verifier) lookup(ctx context.Context, referenceHash string) (*chain.TxInfo, error) {
	var tx *chain.TxInfo
	op := func() error {
		t, err := v.Chain.Lookup(ctx, referenceHash)
		if err != nil {
			if errors.Is(err, chain.ErrTxNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		tx = t
		return nil
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), v.maxRetries()), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return tx, nil
}
