// Package asset defines the predictable assets and the fixed-point scaling
// used for their prices and for native stake amounts.
package asset

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// Asset is the tag a prediction targets. It is an index, never a secret.
type Asset uint8

const (
	ETH Asset = 0
	BTC Asset = 1
)

// PriceDecimals is the fixed-point scale of posted prices and guessed
// thresholds: 1 USD == 10^8 units.
const PriceDecimals int32 = 8

// StakeDecimals is the scale of native stake amounts (wei per ether).
const StakeDecimals int32 = 18

var (
	ErrInvalidAsset   = errors.New("asset: invalid asset")
	ErrInvalidAmount  = errors.New("asset: invalid amount")
	ErrAmountOverflow = errors.New("asset: amount exceeds 256 bits")
)

var symbols = map[Asset]string{
	ETH: "ETH",
	BTC: "BTC",
}

// scaledRegex matches plain non-negative decimal numbers: 123, 123.45.
var scaledRegex = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// All lists the supported assets in index order.
func All() []Asset {
	return []Asset{ETH, BTC}
}

// Valid reports whether a is a known asset.
func (a Asset) Valid() bool {
	_, ok := symbols[a]
	return ok
}

func (a Asset) String() string {
	if s, ok := symbols[a]; ok {
		return s
	}
	return "Asset(" + strconv.Itoa(int(a)) + ")"
}

// Parse accepts a symbol (case-insensitive) or the numeric index.
// Examples: "eth", "BTC", "0", "1".
func Parse(s string) (Asset, error) {
	s = strings.TrimSpace(s)
	for a, sym := range symbols {
		if strings.EqualFold(s, sym) {
			return a, nil
		}
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAsset, s)
	}
	return FromIndex(uint8(n))
}

// FromIndex converts a wire index into an Asset.
func FromIndex(i uint8) (Asset, error) {
	a := Asset(i)
	if !a.Valid() {
		return 0, fmt.Errorf("%w: index %d", ErrInvalidAsset, i)
	}
	return a, nil
}

func (a Asset) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: index %d", ErrInvalidAsset, uint8(a))
	}
	return []byte(symbols[a]), nil
}

func (a *Asset) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseScaled converts a human decimal ("1234.5") into its fixed-point
// integer at the given scale. Extra fractional digits beyond the scale are
// truncated.
func ParseScaled(s string, decimals int32) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if !scaledRegex.MatchString(s) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	scaled := d.Shift(decimals).Truncate(0)
	v, overflow := uint256.FromBig(scaled.BigInt())
	if overflow {
		return nil, fmt.Errorf("%w: %q", ErrAmountOverflow, s)
	}
	return v, nil
}

// ParseUnits parses an already-scaled base-10 integer ("100000000").
func ParseUnits(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		if errors.Is(err, uint256.ErrBig256Range) {
			return nil, fmt.Errorf("%w: %q", ErrAmountOverflow, s)
		}
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// FormatScaled renders a fixed-point integer as a decimal at the given scale.
func FormatScaled(v uint64, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -decimals)
}
