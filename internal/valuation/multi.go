package valuation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"cryptocheckout/internal/asset"
)

// MultiProvider fronts several valuation endpoints and rotates away from a
// source after repeated failures. Aggregation across sources is a provider
// concern; callers only see one Fetch.
type MultiProvider struct {
	providers     []*HTTPProvider
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiProvider(endpoints []string, failThreshold int, timeout time.Duration) (*MultiProvider, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("valuation endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	providers := make([]*HTTPProvider, 0, len(list))
	for _, ep := range list {
		providers = append(providers, NewHTTPProvider(ep, timeout))
	}
	return &MultiProvider{
		providers:     providers,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiProvider) Fetch(ctx context.Context, a asset.Asset) (Result, error) {
	var lastErr error
	for attempts := 0; attempts < len(m.providers); attempts++ {
		provider, idx := m.current()
		out, err := provider.Fetch(ctx, a)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		if errors.Is(err, asset.ErrUnsupported) {
			// Definitive answer, not a source failure.
			return Result{}, err
		}
		lastErr = err
		if m.noteFailure(idx) || len(m.providers) > 1 {
			m.rotate()
		}
	}
	return Result{}, lastErr
}

func (m *MultiProvider) current() (*HTTPProvider, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.providers[m.index], m.index
}

func (m *MultiProvider) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiProvider) noteFailure(idx int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
	return m.failCount >= m.failThreshold
}

func (m *MultiProvider) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.providers)
	m.failCount = 0
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			continue
		}
		ep = strings.TrimRight(ep, "/")
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
