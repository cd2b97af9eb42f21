package asset

import "fmt"

// Asset is the closed set of cryptocurrencies the checkout accepts.
type Asset string

const (
	BTC  Asset = "BTC"
	LTC  Asset = "LTC"
	ATOM Asset = "ATOM"
)

var ErrUnsupported = fmt.Errorf("unsupported asset")

type Info struct {
	Decimals              int32
	RequiredConfirmations int64
	Bech32Prefix          string
}

func Parse(s string) (Asset, error) {
	switch Asset(s) {
	case BTC, LTC, ATOM:
		return Asset(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
}

func (a Asset) Info() Info {
	switch a {
	case BTC:
		return Info{Decimals: 8, RequiredConfirmations: 2, Bech32Prefix: "bc"}
	case LTC:
		return Info{Decimals: 8, RequiredConfirmations: 6, Bech32Prefix: "ltc"}
	case ATOM:
		return Info{Decimals: 6, RequiredConfirmations: 1, Bech32Prefix: "cosmos"}
	}
	return Info{}
}

func (a Asset) String() string { return string(a) }

// All lists supported assets in stable order.
func All() []Asset {
	return []Asset{BTC, LTC, ATOM}
}
