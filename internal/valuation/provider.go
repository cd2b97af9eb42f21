package valuation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"cryptocheckout/internal/asset"
)

// HTTPProvider talks to a single valuation service endpoint.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
}

func NewHTTPProvider(baseURL string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

type valuationResponse struct {
	MarketPrice string `json:"market_price"`
	FairValue   string `json:"fair_value"`
	ComputedAt  string `json:"computed_at"`
}

func (p *HTTPProvider) Fetch(ctx context.Context, a asset.Asset) (Result, error) {
	endpoint := p.baseURL + "/v1/valuations/" + a.String()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, fmt.Errorf("%w: %s", asset.ErrUnsupported, a)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return Result{}, fmt.Errorf("%w: http status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, msg)
		}
		return Result{}, fmt.Errorf("%w: http status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}

	var vr valuationResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Result{}, fmt.Errorf("%w: decode: %v", ErrUpstreamUnavailable, err)
	}

	market, err := decimal.NewFromString(vr.MarketPrice)
	if err != nil {
		return Result{}, fmt.Errorf("%w: bad market_price %q", ErrUpstreamUnavailable, vr.MarketPrice)
	}
	fair, err := decimal.NewFromString(vr.FairValue)
	if err != nil {
		return Result{}, fmt.Errorf("%w: bad fair_value %q", ErrUpstreamUnavailable, vr.FairValue)
	}
	computedAt, _ := time.Parse(time.RFC3339, vr.ComputedAt)

	return newResult(a, market, fair, computedAt)
}
