package main

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
	"cryptocheckout/internal/chain"
	"cryptocheckout/internal/config"
	"cryptocheckout/internal/db"
	"cryptocheckout/internal/fulfill"
	"cryptocheckout/internal/payments"
	"cryptocheckout/internal/services"
	"cryptocheckout/internal/store"
	"cryptocheckout/internal/verify"
	"cryptocheckout/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)

	rpc, err := chain.NewMultiRPCClient(
		cfg.Chain.RPCEndpoints,
		cfg.Chain.FailoverThreshold,
		time.Duration(cfg.Chain.TimeoutSeconds)*time.Second,
	)
	if err != nil {
		log.Fatalf("chain client: %v", err)
	}

	orderSvc := &services.OrderService{Store: st}
	if len(cfg.Fulfillment.Brokers) > 0 && cfg.Fulfillment.Topic != "" {
		producer := fulfill.NewProducer(cfg.Fulfillment.Brokers, cfg.Fulfillment.Topic)
		defer producer.Close()
		orderSvc.Publisher = producer
	}

	verifier := &verify.Verifier{
		Chain:        rpc,
		Store:        st,
		Orders:       orderSvc,
		ToleranceBps: cfg.Payments.ToleranceBps,
		Overpayment:  verify.OverpaymentPolicy(cfg.Payments.OverpaymentPolicy),
	}

	processor := &payments.Processor{
		Store:       st,
		Orders:      st,
		Deriver:     chain.AddressDeriver{XPub: cfg.Wallet.XPub},
		Window:      time.Duration(cfg.Payments.WindowMinutes) * time.Minute,
		NetworkFees: parseNetworkFees(cfg.Payments.NetworkFees),
	}

	w := &worker.Worker{
		Store:       st,
		Verifier:    verifier,
		Submitter:   processor,
		Interval:    time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		VerifyBatch: cfg.Worker.VerifyBatch,
		WSEndpoint:  cfg.Chain.WSEndpoint,
	}

	log.Printf("worker started (interval=%ds)", cfg.Worker.IntervalSeconds)
	w.Run(ctx)
}

func parseNetworkFees(raw map[string]string) map[asset.Asset]decimal.Decimal {
	fees := make(map[asset.Asset]decimal.Decimal, len(raw))
	for symbol, v := range raw {
		a, err := asset.Parse(symbol)
		if err != nil {
			log.Printf("skipping network fee for unsupported asset %q", symbol)
			continue
		}
		fee, err := decimal.NewFromString(v)
		if err != nil || fee.Sign() < 0 {
			log.Printf("skipping invalid network fee for %s: %q", symbol, v)
			continue
		}
		fees[a] = fee
	}
	return fees
}
