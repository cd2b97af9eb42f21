package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"cryptocheckout/internal/chain"
	"cryptocheckout/internal/models"
	"cryptocheckout/internal/payments"
	"cryptocheckout/internal/store"
)

// RunWS listens to the chain push feed and re-verifies the matching payment
// as soon as a transfer lands. Polling remains the source of truth; a dropped
// feed only costs latency.
func (w *Worker) RunWS(ctx context.Context) {
	if w.WSEndpoint == "" {
		log.Printf("ws disabled: ws_endpoint is empty")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := chain.NewWSClient(w.WSEndpoint)
		if err := client.Connect(ctx); err != nil {
			log.Printf("ws connect failed: %v", err)
			time.Sleep(3 * time.Second)
			continue
		}
		log.Printf("ws connected %s", w.WSEndpoint)

		if err := client.Subscribe(ctx, "event='transfer'"); err != nil {
			log.Printf("ws subscribe failed: %v", err)
			client.Close()
			time.Sleep(3 * time.Second)
			continue
		}

		for {
			msg, err := client.Read(ctx)
			if err != nil {
				log.Printf("ws read failed: %v", err)
				client.Close()
				break
			}

			transfer, ok, err := chain.ParseTransfer(msg)
			if err != nil {
				log.Printf("ws parse failed: %v", err)
				continue
			}
			if !ok {
				continue
			}
			w.handleTransfer(ctx, transfer)
		}

		time.Sleep(2 * time.Second)
	}
}

func (w *Worker) handleTransfer(ctx context.Context, t *chain.Transfer) {
	payment, err := w.Store.GetOpenPaymentByAddress(ctx, t.Address)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return
		}
		log.Printf("ws get payment failed: %v", err)
		return
	}

	// A pending payment whose address just received funds gets the observed
	// hash attached, then goes through the same verification path.
	if payment.Status == models.PaymentPending && w.Submitter != nil {
		paymentID := payment.PaymentID
		payment, err = w.Submitter.SubmitReference(ctx, paymentID, t.TxHash)
		if err != nil {
			if !errors.Is(err, payments.ErrPaymentExpired) {
				log.Printf("ws submit reference failed payment=%s: %v", paymentID, err)
			}
			return
		}
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := w.Verifier.Verify(verifyCtx, payment); err != nil {
		log.Printf("ws verify payment %s failed: %v", payment.PaymentID, err)
	}
}
