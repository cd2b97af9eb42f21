package chain

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"golang.org/x/crypto/ripemd160"

	"cryptocheckout/internal/asset"
)

// AddressDeriver turns a watch-only extended public key into per-payment
// receiving addresses. Each payment gets its own child index, so an address
// is never reused across attempts.
type AddressDeriver struct {
	XPub string
}

var ErrXPubNotConfigured = errors.New("wallet xpub not configured")

// Derive expects XPub at the account external branch and derives child index i
// encoded with the asset's bech32 prefix. A watch-only key can only derive
// non-hardened children, so the index must be below HardenedKeyStart.
func (d AddressDeriver) Derive(a asset.Asset, index int64) (string, error) {
	if d.XPub == "" {
		return "", ErrXPubNotConfigured
	}
	if index < 0 || index >= int64(hdkeychain.HardenedKeyStart) {
		return "", fmt.Errorf("address index %d outside derivable range", index)
	}
	prefix := a.Info().Bech32Prefix
	if prefix == "" {
		return "", asset.ErrUnsupported
	}

	key, err := hdkeychain.NewKeyFromString(d.XPub)
	if err != nil {
		return "", err
	}
	child, err := key.Derive(uint32(index))
	if err != nil {
		return "", err
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", err
	}

	compressed := pubKey.SerializeCompressed()
	hash := sha256.Sum256(compressed)
	rip := ripemd160.New()
	_, _ = rip.Write(hash[:])
	addr := rip.Sum(nil)

	converted, err := bech32.ConvertBits(addr, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, converted)
}
