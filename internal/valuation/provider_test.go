package valuation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"cryptocheckout/internal/asset"
)

func TestHTTPProviderFetch(t *testing.T) {
	t.Run("decodes a valuation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/valuations/BTC" {
				t.Errorf("unexpected path %s", r.URL.Path)
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"market_price":"50000","fair_value":"82500","computed_at":"2026-08-29T10:00:00Z"}`))
		}))
		defer srv.Close()

		p := NewHTTPProvider(srv.URL, time.Second)
		res, err := p.Fetch(context.Background(), asset.BTC)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if res.Status != Undervalued {
			t.Errorf("expected undervalued, got %s", res.Status)
		}
		if res.ValuationPercent < 0.6499 || res.ValuationPercent > 0.6501 {
			t.Errorf("valuation percent: got %v, want 0.65", res.ValuationPercent)
		}
	})

	t.Run("404 means unsupported asset", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		p := NewHTTPProvider(srv.URL, time.Second)
		if _, err := p.Fetch(context.Background(), asset.BTC); !errors.Is(err, asset.ErrUnsupported) {
			t.Errorf("expected unsupported asset, got %v", err)
		}
	})

	t.Run("5xx is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		p := NewHTTPProvider(srv.URL, time.Second)
		if _, err := p.Fetch(context.Background(), asset.BTC); !errors.Is(err, ErrUpstreamUnavailable) {
			t.Errorf("expected upstream unavailable, got %v", err)
		}
	})
}

func TestMultiProviderFailsOver(t *testing.T) {
	var primaryCalls, secondaryCalls atomic.Int64

	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer primary.Close()

	secondary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondaryCalls.Add(1)
		_, _ = w.Write([]byte(`{"market_price":"100","fair_value":"120","computed_at":"2026-08-29T10:00:00Z"}`))
	}))
	defer secondary.Close()

	m, err := NewMultiProvider([]string{primary.URL, secondary.URL}, 3, time.Second)
	if err != nil {
		t.Fatalf("new multi provider: %v", err)
	}

	res, err := m.Fetch(context.Background(), asset.ATOM)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.Status != Undervalued {
		t.Errorf("expected undervalued, got %s", res.Status)
	}
	if primaryCalls.Load() != 1 || secondaryCalls.Load() != 1 {
		t.Errorf("expected one call each, got primary=%d secondary=%d", primaryCalls.Load(), secondaryCalls.Load())
	}
}
