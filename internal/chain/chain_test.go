package chain

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func txServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestRPCClientLookup(t *testing.T) {
	ts := txServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/txs/abc123" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hash":"abc123","to_address":"bc1qdest","amount":"0.0019","confirmations":3}`))
	})
	client := NewRPCClient(ts.URL, time.Second)

	tx, err := client.Lookup(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if tx.Hash != "abc123" || tx.Address != "bc1qdest" || tx.Confirmations != 3 {
		t.Errorf("tx: %+v", tx)
	}
	if !tx.Amount.Equal(decimal.RequireFromString("0.0019")) {
		t.Errorf("amount: got %s", tx.Amount)
	}
}

func TestRPCClientLookupNotFound(t *testing.T) {
	ts := txServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	client := NewRPCClient(ts.URL, time.Second)

	_, err := client.Lookup(context.Background(), "missing")
	if !errors.Is(err, ErrTxNotFound) {
		t.Errorf("got %v, want ErrTxNotFound", err)
	}
}

func TestRPCClientLookupServerError(t *testing.T) {
	ts := txServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "node syncing", http.StatusBadGateway)
	})
	client := NewRPCClient(ts.URL, time.Second)

	_, err := client.Lookup(context.Background(), "abc123")
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestRPCClientLookupNegativeConfirmationsClamped(t *testing.T) {
	ts := txServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hash":"abc123","to_address":"bc1qdest","amount":"1","confirmations":-2}`))
	})
	client := NewRPCClient(ts.URL, time.Second)

	tx, err := client.Lookup(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if tx.Confirmations != 0 {
		t.Errorf("confirmations: got %d, want 0", tx.Confirmations)
	}
}

func TestMultiRPCClientFailsOver(t *testing.T) {
	var primaryCalls, secondaryCalls atomic.Int64
	primary := txServer(t, func(w http.ResponseWriter, r *http.Request) {
		primaryCalls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	})
	secondary := txServer(t, func(w http.ResponseWriter, r *http.Request) {
		secondaryCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hash":"abc123","to_address":"bc1qdest","amount":"1","confirmations":2}`))
	})

	multi, err := NewMultiRPCClient([]string{primary.URL, secondary.URL}, 3, time.Second)
	if err != nil {
		t.Fatalf("new multi client: %v", err)
	}

	tx, err := multi.Lookup(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if tx.Confirmations != 2 {
		t.Errorf("tx: %+v", tx)
	}
	if primaryCalls.Load() != 1 || secondaryCalls.Load() != 1 {
		t.Errorf("calls: primary=%d secondary=%d", primaryCalls.Load(), secondaryCalls.Load())
	}
}

func TestMultiRPCClientNotFoundIsDefinitive(t *testing.T) {
	var secondaryCalls atomic.Int64
	primary := txServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	secondary := txServer(t, func(w http.ResponseWriter, r *http.Request) {
		secondaryCalls.Add(1)
	})

	multi, err := NewMultiRPCClient([]string{primary.URL, secondary.URL}, 3, time.Second)
	if err != nil {
		t.Fatalf("new multi client: %v", err)
	}

	if _, err := multi.Lookup(context.Background(), "missing"); !errors.Is(err, ErrTxNotFound) {
		t.Fatalf("got %v, want ErrTxNotFound", err)
	}
	if secondaryCalls.Load() != 0 {
		t.Errorf("not-found must not fail over, secondary saw %d calls", secondaryCalls.Load())
	}
}

func TestNewMultiRPCClientDedupes(t *testing.T) {
	multi, err := NewMultiRPCClient([]string{"http://a/", "http://a", " ", "http://b"}, 3, time.Second)
	if err != nil {
		t.Fatalf("new multi client: %v", err)
	}
	if len(multi.clients) != 2 {
		t.Errorf("clients: got %d, want 2", len(multi.clients))
	}

	if _, err := NewMultiRPCClient(nil, 3, time.Second); err == nil {
		t.Error("expected error for empty endpoint list")
	}
}

func TestParseTransfer(t *testing.T) {
	t.Run("transfer frame", func(t *testing.T) {
		msg := []byte(`{"result":{"data":{"type":"chain/transfer","value":{"tx_hash":"abc123","to_address":"bc1qdest","amount":"0.0019","confirmations":1}}}}`)
		tr, ok, err := ParseTransfer(msg)
		if err != nil {
			t.Fatalf("parse: %v", err)
		}
		if !ok {
			t.Fatal("expected a transfer")
		}
		if tr.TxHash != "ABC123" {
			t.Errorf("hash not normalized: %s", tr.TxHash)
		}
		if tr.Address != "bc1qdest" || tr.Confirmations != 1 {
			t.Errorf("transfer: %+v", tr)
		}
		if !tr.Amount.Equal(decimal.RequireFromString("0.0019")) {
			t.Errorf("amount: %s", tr.Amount)
		}
	})

	t.Run("subscription ack", func(t *testing.T) {
		tr, ok, err := ParseTransfer([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
		if err != nil || ok || tr != nil {
			t.Errorf("ack frame: tr=%+v ok=%v err=%v", tr, ok, err)
		}
	})

	t.Run("non-transfer event", func(t *testing.T) {
		msg := []byte(`{"result":{"data":{"type":"chain/new_block","value":{}}}}`)
		_, ok, err := ParseTransfer(msg)
		if err != nil || ok {
			t.Errorf("ok=%v err=%v", ok, err)
		}
	})

	t.Run("feed error frame", func(t *testing.T) {
		_, _, err := ParseTransfer([]byte(`{"error":{"code":-32000,"message":"subscription limit"}}`))
		if err == nil {
			t.Error("expected error")
		}
	})

	t.Run("malformed json", func(t *testing.T) {
		if _, _, err := ParseTransfer([]byte(`{nope`)); err == nil {
			t.Error("expected error")
		}
	})
}
