package common

import (
	"encoding/binary"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Asset is a token that can be deposited into the rollup and used to pay fees
type Asset struct {
	AssetID AssetID `toml:"AssetID" json:"id"`
	// Address of the token contract, zero for the native asset
	EthAddr  ethCommon.Address `toml:"EthAddr" json:"ethereumAddress"`
	Symbol   string            `toml:"Symbol" json:"symbol"`
	Decimals uint64            `toml:"Decimals" json:"decimals"`
	// WithdrawGas is the extra gas a withdrawal of this asset costs on the
	// ledger compared to the native asset
	WithdrawGas uint64 `toml:"WithdrawGas" json:"withdrawGas"`
	// FeePaying marks the assets accepted to pay fees
	FeePaying bool `toml:"FeePaying" json:"feePaying"`
	// PriceOracle is the address of the on chain price oracle of the asset
	// (asset price in wei). Zero means the fixed Price is used.
	PriceOracle ethCommon.Address `toml:"PriceOracle" json:"priceOracle"`
	// Price is the fixed price of one whole unit of the asset in wei
	Price string `toml:"Price" json:"price"`
}

// AssetID is the unique identifier of an asset, as set in the smart contract
type AssetID uint32

// NativeAssetID is the id of the ledger native asset
const NativeAssetID AssetID = 0

// Bytes returns a byte array of length 4 representing the AssetID
func (a AssetID) Bytes() []byte {
	var assetIDBytes [4]byte
	binary.BigEndian.PutUint32(assetIDBytes[:], uint32(a))
	return assetIDBytes[:]
}
