package feeresolver

import (
	"context"
	"fmt"
	"math/big"

	"tokamak-rollup-sequencer/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

type ethGasPricer interface {
	EthSuggestGasPrice(ctx context.Context) (*big.Int, error)
}

type ethPriceOracle interface {
	EthPriceOracle(ctx context.Context, oracle ethCommon.Address) (*big.Int, error)
}

// NodeGasPriceFeed reads the gas price suggested by the ethereum node
type NodeGasPriceFeed struct {
	client ethGasPricer
}

// NewNodeGasPriceFeed creates a NodeGasPriceFeed
func NewNodeGasPriceFeed(client ethGasPricer) *NodeGasPriceFeed {
	return &NodeGasPriceFeed{client: client}
}

// GasPrice implements GasPriceFeed
func (f *NodeGasPriceFeed) GasPrice(ctx context.Context) (*big.Int, error) {
	gasPrice, err := f.client.EthSuggestGasPrice(ctx)
	return gasPrice, common.Wrap(err)
}

// AssetPrices is the AssetPriceFeed of the configured assets: the native
// asset is worth 1 ether, assets with a price oracle are read from the
// ledger and the rest use their fixed price
type AssetPrices struct {
	oracle ethPriceOracle
	assets map[common.AssetID]assetPrice
}

type assetPrice struct {
	oracle ethCommon.Address
	fixed  *big.Int
}

var oneEther = big.NewInt(1e18)

// NewAssetPrices creates the AssetPrices feed. oracle may be nil when no
// asset has a price oracle.
func NewAssetPrices(assets []common.Asset, oracle ethPriceOracle) (*AssetPrices, error) {
	f := &AssetPrices{
		oracle: oracle,
		assets: make(map[common.AssetID]assetPrice, len(assets)),
	}
	for _, asset := range assets {
		var p assetPrice
		switch {
		case asset.AssetID == common.NativeAssetID:
			p.fixed = oneEther
		case asset.PriceOracle != (ethCommon.Address{}):
			if oracle == nil {
				return nil, common.Wrap(fmt.Errorf("asset %v has a price oracle but no client", asset.AssetID))
			}
			p.oracle = asset.PriceOracle
		default:
			fixed, ok := new(big.Int).SetString(asset.Price, 10)
			if !ok || fixed.Sign() <= 0 {
				return nil, common.Wrap(fmt.Errorf("asset %v: invalid price %q", asset.AssetID, asset.Price))
			}
			p.fixed = fixed
		}
		f.assets[asset.AssetID] = p
	}
	return f, nil
}

// AssetPrice implements AssetPriceFeed
func (f *AssetPrices) AssetPrice(ctx context.Context, assetID common.AssetID) (*big.Int, error) {
	p, ok := f.assets[assetID]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("unknown asset %v", assetID))
	}
	if p.fixed != nil {
		return new(big.Int).Set(p.fixed), nil
	}
	price, err := f.oracle.EthPriceOracle(ctx, p.oracle)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if price.Sign() <= 0 {
		return nil, common.Wrap(fmt.Errorf("asset %v: oracle price %v", assetID, price))
	}
	return price, nil
}
