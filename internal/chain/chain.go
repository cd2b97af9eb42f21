// Package chain is the boundary to the blockchain data source: transaction
// lookup by reference hash, a push feed of incoming transfers, and receiving
// address derivation.
package chain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrTxNotFound is a definitive answer from the source, not a transient
// failure: the referenced transaction does not exist (yet).
var ErrTxNotFound = errors.New("transaction not found")

// ErrUnavailable wraps transport-level failures; callers may retry.
var ErrUnavailable = errors.New("chain source unavailable")

// TxInfo is the observed on-chain state for a transaction.
type TxInfo struct {
	Hash          string
	Address       string
	Amount        decimal.Decimal
	Confirmations int64
}

// Client looks transactions up by hash.
type Client interface {
	Lookup(ctx context.Context, referenceHash string) (*TxInfo, error)
}
