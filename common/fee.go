package common

import (
	"math/big"
)

// FeeSpeed selects how quickly a tx is expected to be rolled up
type FeeSpeed int

const (
	// FeeSpeedNextRollup pays the tx own share of the next rollup
	FeeSpeedNextRollup FeeSpeed = iota
	// FeeSpeedInstant pays for every empty slot, so the rollup is published
	// right away
	FeeSpeedInstant
)

func (s FeeSpeed) String() string {
	switch s {
	case FeeSpeedNextRollup:
		return "nextRollup"
	case FeeSpeedInstant:
		return "instant"
	default:
		return "unknown"
	}
}

// AssetValue is an amount of an asset
type AssetValue struct {
	AssetID AssetID  `json:"assetId"`
	Value   *big.Int `json:"value"`
}

// FeeQuote is the fee of a tx kind for one speed
type FeeQuote struct {
	Speed FeeSpeed   `json:"speed"`
	Fee   AssetValue `json:"fee"`
}
