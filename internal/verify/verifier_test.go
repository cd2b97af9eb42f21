package verify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
	"cryptocheckout/internal/chain"
	"cryptocheckout/internal/models"
	"cryptocheckout/internal/store"
)

type scriptedChain struct {
	mu    sync.Mutex
	calls int
	txs   []*chain.TxInfo
	errs  []error
}

func (c *scriptedChain) Lookup(ctx context.Context, referenceHash string) (*chain.TxInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.calls
	c.calls++
	if i >= len(c.txs) {
		i = len(c.txs) - 1
	}
	return c.txs[i], c.errs[i]
}

type fakeVerifyStore struct {
	confirmations map[string]int64
	completed     map[string]bool
	orderWinner   map[string]string
	cancelled     map[string]bool
	failed        map[string]models.FailureReason
	flagged       map[string]models.FailureReason
}

func newFakeVerifyStore() *fakeVerifyStore {
	return &fakeVerifyStore{
		confirmations: make(map[string]int64),
		completed:     make(map[string]bool),
		orderWinner:   make(map[string]string),
		cancelled:     make(map[string]bool),
		failed:        make(map[string]models.FailureReason),
		flagged:       make(map[string]models.FailureReason),
	}
}

func (f *fakeVerifyStore) UpdatePaymentConfirmations(ctx context.Context, paymentID string, confirmations int64) error {
	if confirmations > f.confirmations[paymentID] {
		f.confirmations[paymentID] = confirmations
	}
	return nil
}

// CompletePayment mirrors the transactional store guard: the order accepts at
// most one winning payment, and a lost order guard leaves the payment
// uncompleted.
func (f *fakeVerifyStore) CompletePayment(ctx context.Context, paymentID, orderID string, confirmations int64, now time.Time) (bool, error) {
	if f.completed[paymentID] {
		return false, nil
	}
	if f.cancelled[orderID] {
		return false, store.ErrOrderConflict
	}
	if winner, ok := f.orderWinner[orderID]; ok && winner != paymentID {
		return false, store.ErrOrderConflict
	}
	f.completed[paymentID] = true
	f.orderWinner[orderID] = paymentID
	return true, nil
}

func (f *fakeVerifyStore) FailPayment(ctx context.Context, paymentID string, reason models.FailureReason) (bool, error) {
	if _, ok := f.failed[paymentID]; ok {
		return false, nil
	}
	f.failed[paymentID] = reason
	return true, nil
}

func (f *fakeVerifyStore) FlagPaymentReason(ctx context.Context, paymentID string, reason models.FailureReason) error {
	f.flagged[paymentID] = reason
	return nil
}

type fakeMarker struct {
	paid map[string]string
}

func (f *fakeMarker) AnnouncePaid(ctx context.Context, orderID, paymentID string) error {
	if f.paid == nil {
		f.paid = make(map[string]string)
	}
	f.paid[orderID] = paymentID
	return nil
}

func processingPayment() *models.Payment {
	ref := "txhash-1"
	return &models.Payment{
		PaymentID:     "pay-1",
		OrderID:       "order-1",
		Asset:         asset.BTC,
		AmountCrypto:  decimal.RequireFromString("0.0018"),
		NetworkFee:    decimal.RequireFromString("0.0001"),
		TotalAmount:   decimal.RequireFromString("0.0019"),
		Address:       "bc1qtestaddr",
		ReferenceHash: &ref,
		Status:        models.PaymentProcessing,
	}
}

func exactTx(p *models.Payment, confs int64) *chain.TxInfo {
	return &chain.TxInfo{
		Hash:          *p.ReferenceHash,
		Address:       p.Address,
		Amount:        p.TotalAmount,
		Confirmations: confs,
	}
}

func newVerifier(c chain.Client, st Store, m OrderMarker) *Verifier {
	return &Verifier{Chain: c, Store: st, Orders: m, MaxRetries: 1}
}

func TestVerifyCompletesAtRequiredConfirmations(t *testing.T) {
	p := processingPayment()
	st := newFakeVerifyStore()
	marker := &fakeMarker{}
	src := &scriptedChain{txs: []*chain.TxInfo{exactTx(p, 2)}, errs: []error{nil}}
	v := newVerifier(src, st, marker)

	res, err := v.Verify(context.Background(), p)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res == nil || res.Confirmations != 2 {
		t.Fatalf("result: %+v", res)
	}
	if !st.completed[p.PaymentID] {
		t.Error("payment not completed")
	}
	if marker.paid[p.OrderID] != p.PaymentID {
		t.Errorf("order not marked paid: %+v", marker.paid)
	}
}

func TestVerifySecondPaymentForPaidOrderFails(t *testing.T) {
	a := processingPayment()
	b := processingPayment()
	b.PaymentID = "pay-2"
	refB := "txhash-2"
	b.ReferenceHash = &refB

	st := newFakeVerifyStore()
	marker := &fakeMarker{}
	src := &scriptedChain{
		txs:  []*chain.TxInfo{exactTx(a, 2), exactTx(b, 2)},
		errs: []error{nil, nil},
	}
	v := newVerifier(src, st, marker)

	if _, err := v.Verify(context.Background(), a); err != nil {
		t.Fatalf("verify a: %v", err)
	}
	if _, err := v.Verify(context.Background(), b); err != nil {
		t.Fatalf("verify b: %v", err)
	}

	if !st.completed[a.PaymentID] {
		t.Error("first payment not completed")
	}
	if st.completed[b.PaymentID] {
		t.Error("second payment completed for an already paid order")
	}
	if st.failed[b.PaymentID] != models.ReasonOrderNotPayable {
		t.Errorf("reason: got %q, want order_not_payable", st.failed[b.PaymentID])
	}
	if marker.paid[a.OrderID] != a.PaymentID {
		t.Errorf("order paid by %q, want %q", marker.paid[a.OrderID], a.PaymentID)
	}
}

func TestVerifyCancelledOrderNeverCompletes(t *testing.T) {
	p := processingPayment()
	st := newFakeVerifyStore()
	st.cancelled[p.OrderID] = true
	marker := &fakeMarker{}
	src := &scriptedChain{txs: []*chain.TxInfo{exactTx(p, 2)}, errs: []error{nil}}
	v := newVerifier(src, st, marker)

	if _, err := v.Verify(context.Background(), p); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if st.completed[p.PaymentID] {
		t.Error("payment completed for a cancelled order")
	}
	if st.failed[p.PaymentID] != models.ReasonOrderNotPayable {
		t.Errorf("reason: got %q, want order_not_payable", st.failed[p.PaymentID])
	}
	if len(marker.paid) != 0 {
		t.Errorf("cancelled order announced paid: %+v", marker.paid)
	}
}

func TestVerifyHoldsBelowRequiredConfirmations(t *testing.T) {
	p := processingPayment()
	st := newFakeVerifyStore()
	src := &scriptedChain{txs: []*chain.TxInfo{exactTx(p, 1)}, errs: []error{nil}}
	v := newVerifier(src, st, &fakeMarker{})

	if _, err := v.Verify(context.Background(), p); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if st.completed[p.PaymentID] {
		t.Error("payment must not complete at 1 of 2 confirmations")
	}
	if st.confirmations[p.PaymentID] != 1 {
		t.Errorf("confirmations: got %d, want 1", st.confirmations[p.PaymentID])
	}
}

func TestVerifyFailsOnAmountInsufficient(t *testing.T) {
	p := processingPayment()
	tx := exactTx(p, 2)
	tx.Amount = decimal.RequireFromString("0.0018") // quoted total is 0.0019
	st := newFakeVerifyStore()
	src := &scriptedChain{txs: []*chain.TxInfo{tx}, errs: []error{nil}}
	v := newVerifier(src, st, &fakeMarker{})

	if _, err := v.Verify(context.Background(), p); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if st.failed[p.PaymentID] != models.ReasonAmountInsufficient {
		t.Errorf("reason: got %s, want amount_insufficient", st.failed[p.PaymentID])
	}
	if st.completed[p.PaymentID] {
		t.Error("underpaid payment completed")
	}
}

func TestVerifyToleranceAcceptsNearMiss(t *testing.T) {
	p := processingPayment()
	tx := exactTx(p, 2)
	// 0.25% short of the quote, within a 50 bps tolerance.
	tx.Amount = p.TotalAmount.Mul(decimal.RequireFromString("0.9975"))
	st := newFakeVerifyStore()
	src := &scriptedChain{txs: []*chain.TxInfo{tx}, errs: []error{nil}}
	v := newVerifier(src, st, &fakeMarker{})
	v.ToleranceBps = 50

	if _, err := v.Verify(context.Background(), p); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !st.completed[p.PaymentID] {
		t.Error("payment within tolerance must complete")
	}
}

func TestVerifyFailsOnAddressMismatch(t *testing.T) {
	p := processingPayment()
	tx := exactTx(p, 2)
	tx.Address = "bc1qsomeoneelse"
	st := newFakeVerifyStore()
	src := &scriptedChain{txs: []*chain.TxInfo{tx}, errs: []error{nil}}
	v := newVerifier(src, st, &fakeMarker{})

	if _, err := v.Verify(context.Background(), p); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if st.failed[p.PaymentID] != models.ReasonAddressMismatch {
		t.Errorf("reason: got %s, want address_mismatch", st.failed[p.PaymentID])
	}
}

func TestVerifyOverpaymentPolicies(t *testing.T) {
	overpaid := func(p *models.Payment) *chain.TxInfo {
		tx := exactTx(p, 2)
		tx.Amount = p.TotalAmount.Mul(decimal.NewFromInt(2))
		return tx
	}

	t.Run("complete policy completes", func(t *testing.T) {
		p := processingPayment()
		st := newFakeVerifyStore()
		src := &scriptedChain{txs: []*chain.TxInfo{overpaid(p)}, errs: []error{nil}}
		v := newVerifier(src, st, &fakeMarker{})
		v.Overpayment = OverpaymentComplete

		if _, err := v.Verify(context.Background(), p); err != nil {
			t.Fatalf("verify: %v", err)
		}
		if !st.completed[p.PaymentID] {
			t.Error("overpaid payment should complete under the complete policy")
		}
	})

	t.Run("review policy flags and holds", func(t *testing.T) {
		p := processingPayment()
		st := newFakeVerifyStore()
		src := &scriptedChain{txs: []*chain.TxInfo{overpaid(p)}, errs: []error{nil}}
		v := newVerifier(src, st, &fakeMarker{})
		v.Overpayment = OverpaymentReview

		if _, err := v.Verify(context.Background(), p); err != nil {
			t.Fatalf("verify: %v", err)
		}
		if st.completed[p.PaymentID] {
			t.Error("flagged payment must stay processing")
		}
		if st.flagged[p.PaymentID] != models.ReasonOverpaidReview {
			t.Errorf("flag: got %s, want overpaid_review", st.flagged[p.PaymentID])
		}
	})
}

func TestVerifyTxNotFoundLeavesPaymentUntouched(t *testing.T) {
	p := processingPayment()
	st := newFakeVerifyStore()
	src := &scriptedChain{txs: []*chain.TxInfo{nil}, errs: []error{chain.ErrTxNotFound}}
	v := newVerifier(src, st, &fakeMarker{})

	res, err := v.Verify(context.Background(), p)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res != nil {
		t.Errorf("expected no result, got %+v", res)
	}
	if len(st.failed) != 0 || len(st.completed) != 0 {
		t.Error("not-found must not transition the payment")
	}
	if src.calls != 1 {
		t.Errorf("not-found is definitive, expected 1 lookup, got %d", src.calls)
	}
}

func TestVerifyRetriesTransientLookupFailure(t *testing.T) {
	p := processingPayment()
	st := newFakeVerifyStore()
	src := &scriptedChain{
		txs:  []*chain.TxInfo{nil, exactTx(p, 2)},
		errs: []error{chain.ErrUnavailable, nil},
	}
	v := newVerifier(src, st, &fakeMarker{})

	if _, err := v.Verify(context.Background(), p); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if src.calls != 2 {
		t.Errorf("expected a retry after the transient failure, got %d calls", src.calls)
	}
	if !st.completed[p.PaymentID] {
		t.Error("payment not completed after retry")
	}
}

func TestVerifySkipsNonProcessingPayments(t *testing.T) {
	p := processingPayment()
	p.Status = models.PaymentPending
	src := &scriptedChain{txs: []*chain.TxInfo{exactTx(p, 2)}, errs: []error{nil}}
	v := newVerifier(src, newFakeVerifyStore(), &fakeMarker{})

	res, err := v.Verify(context.Background(), p)
	if err != nil || res != nil {
		t.Fatalf("expected a silent no-op, got res=%+v err=%v", res, err)
	}
	if src.calls != 0 {
		t.Errorf("pending payment must not hit the chain source, got %d calls", src.calls)
	}
}

func TestVerifyLookupExhaustsRetries(t *testing.T) {
	p := processingPayment()
	st := newFakeVerifyStore()
	src := &scriptedChain{txs: []*chain.TxInfo{nil}, errs: []error{chain.ErrUnavailable}}
	v := newVerifier(src, st, &fakeMarker{})

	_, err := v.Verify(context.Background(), p)
	if !errors.Is(err, chain.ErrUnavailable) {
		t.Fatalf("got %v, want ErrUnavailable", err)
	}
	if len(st.failed) != 0 {
		t.Error("a lookup failure must not fail the payment")
	}
}
