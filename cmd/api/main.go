package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
	"cryptocheckout/internal/chain"
	"cryptocheckout/internal/config"
	"cryptocheckout/internal/db"
	"cryptocheckout/internal/fulfill"
	internalhttp "cryptocheckout/internal/http"
	"cryptocheckout/internal/payments"
	"cryptocheckout/internal/services"
	"cryptocheckout/internal/store"
	"cryptocheckout/internal/valuation"
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

	provider, err := valuation.NewMultiProvider(
		cfg.Valuation.Endpoints,
		cfg.Valuation.FailoverThreshold,
		time.Duration(cfg.Valuation.TimeoutSeconds)*time.Second,
	)
	if err != nil {
		log.Fatalf("valuation provider: %v", err)
	}
	cache := valuation.NewCache(
		provider,
		time.Duration(cfg.Valuation.TTLMinutes)*time.Minute,
		time.Duration(cfg.Valuation.StaleMinutes)*time.Minute,
	)

	orderSvc := &services.OrderService{
		Store:      st,
		Valuations: cache,
	}
	if len(cfg.Fulfillment.Brokers) > 0 && cfg.Fulfillment.Topic != "" {
		producer := fulfill.NewProducer(cfg.Fulfillment.Brokers, cfg.Fulfillment.Topic)
		defer producer.Close()
		orderSvc.Publisher = producer
	}

	processor := &payments.Processor{
		Store:       st,
		Orders:      st,
		Deriver:     chain.AddressDeriver{XPub: cfg.Wallet.XPub},
		Window:      time.Duration(cfg.Payments.WindowMinutes) * time.Minute,
		NetworkFees: parseNetworkFees(cfg.Payments.NetworkFees),
	}

	h := internalhttp.NewHandler(orderSvc, processor)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
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
