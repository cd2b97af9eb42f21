package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type RPCClient struct {
	baseURL string
	client  *http.Client
}

func NewRPCClient(baseURL string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type txResponse struct {
	Hash          string `json:"hash"`
	ToAddress     string `json:"to_address"`
	Amount        string `json:"amount"`
	Confirmations int64  `json:"confirmations"`
}

func (c *RPCClient) Lookup(ctx context.Context, referenceHash string) (*TxInfo, error) {
	endpoint := c.baseURL + "/v1/txs/" + url.PathEscape(referenceHash)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, referenceHash)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return nil, fmt.Errorf("%w: http status %d: %s", ErrUnavailable, resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("%w: http status %d", ErrUnavailable, resp.StatusCode)
	}

	var tr txResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	amount, err := decimal.NewFromString(tr.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: bad amount %q", ErrUnavailable, tr.Amount)
	}
	if tr.Confirmations < 0 {
		tr.Confirmations = 0
	}
	return &TxInfo{
		Hash:          tr.Hash,
		Address:       tr.ToAddress,
		Amount:        amount,
		Confirmations: tr.Confirmations,
	}, nil
}
