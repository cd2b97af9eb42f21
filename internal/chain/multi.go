package chain

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MultiRPCClient rotates across chain-data endpoints after repeated failures
// on the active one. A definitive not-found from a healthy endpoint is
// returned as-is; only transport failures trigger failover.
type MultiRPCClient struct {
	clients       []*RPCClient
	index         int
	failCount     int
	failThreshold int
	mu            sync.Mutex
}

func NewMultiRPCClient(endpoints []string, failThreshold int, timeout time.Duration) (*MultiRPCClient, error) {
	list := dedupeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, errors.New("rpc endpoints is empty")
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewRPCClient(ep, timeout))
	}
	return &MultiRPCClient{
		clients:       clients,
		failThreshold: failThreshold,
	}, nil
}

func (m *MultiRPCClient) Lookup(ctx context.Context, referenceHash string) (*TxInfo, error) {
	var lastErr error
	for attempts := 0; attempts < len(m.clients); attempts++ {
		client, idx := m.current()
		out, err := client.Lookup(ctx, referenceHash)
		if err == nil {
			m.resetFailures(idx)
			return out, nil
		}
		if errors.Is(err, ErrTxNotFound) {
			m.resetFailures(idx)
			return nil, err
		}
		lastErr = err
		if m.noteFailure(idx) || len(m.clients) > 1 {
			m.rotate()
		}
	}
	return nil, lastErr
}

func (m *MultiRPCClient) current() (*RPCClient, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.index], m.index
}

func (m *MultiRPCClient) resetFailures(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount = 0
	}
}

func (m *MultiRPCClient) noteFailure(idx int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == idx {
		m.failCount++
	}
	return m.failCount >= m.failThreshold
}

func (m *MultiRPCClient) rotate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.index = (m.index + 1) % len(m.clients)
	m.failCount = 0
}

func dedupeEndpoints(endpoints []string) []string {
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
