// Package model defines the core domain types shared across the prophecy
// engine. Prices are clear integers scaled by asset.PriceDecimals; anything
// a participant keeps secret is held as a ciphertext handle.
package model

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/prophecy-engine/internal/asset"
	"github.com/atmx/prophecy-engine/internal/fhe"
)

// Direction values a participant encrypts alongside their threshold.
const (
	DirectionAbove uint8 = 1 // the posted price will end above the threshold
	DirectionBelow uint8 = 2 // the posted price will end below the threshold
)

// PricePoint is the posted closing price pair for one day.
// UpdatedAt == 0 means not yet posted; once set the record never changes.
type PricePoint struct {
	EthPrice  uint64 `json:"eth_price"`
	BtcPrice  uint64 `json:"btc_price"`
	UpdatedAt uint64 `json:"updated_at"` // unix seconds
}

// Posted reports whether the day has been locked by a price post.
func (p PricePoint) Posted() bool {
	return p.UpdatedAt > 0
}

// PriceOf returns the clear price for a.
func (p PricePoint) PriceOf(a asset.Asset) uint64 {
	if a == asset.BTC {
		return p.BtcPrice
	}
	return p.EthPrice
}

// Prediction is one participant's sealed call on one asset for one day.
type Prediction struct {
	EncPrice     fhe.Uint64 `json:"enc_price"`
	EncDirection fhe.Uint8  `json:"enc_direction"`
	EncOutcome   fhe.Bool   `json:"enc_outcome"` // zero until resolved
	Stake        uint64     `json:"stake"`       // wei
	Day          uint64     `json:"day"`
	Exists       bool       `json:"exists"`
	Resolved     bool       `json:"resolved"`
}

// PredictionKey identifies a prediction. At most one exists per key.
type PredictionKey struct {
	User  common.Address `json:"user"`
	Asset asset.Asset    `json:"asset"`
	Day   uint64         `json:"day"`
}
