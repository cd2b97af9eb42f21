package worker

import (
	"context"
	"log"
	"time"

	"cryptocheckout/internal/metrics"
	"cryptocheckout/internal/models"
	"cryptocheckout/internal/verify"
)

// Store is the repository slice the background worker sweeps through.
type Store interface {
	ExpirePendingPayments(ctx context.Context, now time.Time) (int64, error)
	FailExpiredProcessing(ctx context.Context, now time.Time) (int64, error)
	ListProcessingPayments(ctx context.Context, limit int) ([]*models.Payment, error)
	GetOpenPaymentByAddress(ctx context.Context, address string) (*models.Payment, error)
}

type PaymentVerifier interface {
	Verify(ctx context.Context, p *models.Payment) (*verify.Result, error)
}

type ReferenceSubmitter interface {
	SubmitReference(ctx context.Context, paymentID, referenceHash string) (*models.Payment, error)
}

// Worker runs the expiry reaper sweep and the verification poll on a fixed
// interval, plus the optional websocket push listener.
type Worker struct {
	Store       Store
	Verifier    PaymentVerifier
	Submitter   ReferenceSubmitter
	Interval    time.Duration
	VerifyBatch int
	WSEndpoint  string
	Now         func() time.Time
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *Worker) Run(ctx context.Context) {
	go w.RunWS(ctx)

	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.TickOnce(ctx); err != nil {
			log.Printf("worker tick error: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) TickOnce(ctx context.Context) error {
	if err := w.SweepOnce(ctx); err != nil {
		return err
	}
	return w.VerifyOnce(ctx)
}

// SweepOnce expires pending payments past their deadline and fails processing
// ones. This is the only path that transitions purely on elapsed time, and
// re-running it against already-terminal payments is a no-op.
func (w *Worker) SweepOnce(ctx context.Context) error {
	now := w.now()

	expired, err := w.Store.ExpirePendingPayments(ctx, now)
	if err != nil {
		return err
	}
	if expired > 0 {
		metrics.PaymentsExpired.Add(float64(expired))
		log.Printf("reaper expired %d pending payments", expired)
	}

	failed, err := w.Store.FailExpiredProcessing(ctx, now)
	if err != nil {
		return err
	}
	if failed > 0 {
		metrics.PaymentsFailed.WithLabelValues(string(models.ReasonExpiredWhileProcessing)).Add(float64(failed))
		log.Printf("reaper failed %d processing payments past deadline", failed)
	}
	return nil
}

func (w *Worker) VerifyOnce(ctx context.Context) error {
	batch := w.VerifyBatch
	if batch <= 0 {
		batch = 50
	}
	payments, err := w.Store.ListProcessingPayments(ctx, batch)
	if err != nil {
		return err
	}
	for _, p := range payments {
		verifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if _, err := w.Verifier.Verify(verifyCtx, p); err != nil {
			log.Printf("verify payment %s failed: %v", p.PaymentID, err)
		}
		cancel()
	}
	return nil
}
