/*
Package feeresolver computes the fees of the rollup txs.

The gas of a tx is its share of the proof verification (the verification gas
divided by the rollup capacity), an adjustment for the kinds that can't fill a
whole rollup without hitting the gas or call data ceiling of the publish
transaction, and the ledger gas used by the tx itself. Gas is priced with the
gas price feed and converted into the fee asset with the asset price feed.
*/
package feeresolver

import (
	"errors"
	"fmt"
	"math/big"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/config"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// ErrNoPrice is used when a fee is requested before the prices are known
var ErrNoPrice = errors.New("price not available")

// Prices are the price queries used to compute fees
type Prices interface {
	GasPrice() *big.Int
	MinGasPrice() *big.Int
	AssetPrice(assetID common.AssetID) *big.Int
	MaxAssetPrice(assetID common.AssetID) *big.Int
}

// FeeResolver computes the gas and fees of txs
type FeeResolver struct {
	rollup      config.RollupConfig
	fees        config.FeesConfig
	prices      Prices
	assets      map[common.AssetID]common.Asset
	bridges     map[ethCommon.Hash]config.BridgeConfig
	baseGas     uint64
	adjustments [common.NumTxKinds]uint64
}

// NewFeeResolver creates a FeeResolver
func NewFeeResolver(rollupCfg *config.RollupConfig, feesCfg *config.FeesConfig,
	prices Prices) (*FeeResolver, error) {
	if rollupCfg.Capacity <= 0 {
		return nil, common.Wrap(fmt.Errorf("invalid rollup capacity %v", rollupCfg.Capacity))
	}
	r := &FeeResolver{
		rollup:  *rollupCfg,
		fees:    *feesCfg,
		prices:  prices,
		assets:  make(map[common.AssetID]common.Asset, len(feesCfg.Assets)),
		bridges: make(map[ethCommon.Hash]config.BridgeConfig, len(rollupCfg.Bridges)),
		baseGas: common.DivCeil(rollupCfg.VerificationGas, uint64(rollupCfg.Capacity)),
	}
	for _, asset := range feesCfg.Assets {
		r.assets[asset.AssetID] = asset
	}
	for _, bridge := range rollupCfg.Bridges {
		if bridge.NumTxs <= 0 {
			return nil, common.Wrap(fmt.Errorf("bridge %v: invalid NumTxs %v",
				bridge.BridgeCallData, bridge.NumTxs))
		}
		r.bridges[bridge.BridgeCallData] = bridge
	}
	for _, kind := range common.TxKinds() {
		r.adjustments[kind] = r.adjustment(kind)
	}
	return r, nil
}

// adjustment is the extra gas a tx kind pays when a rollup full of that kind
// would not fit the gas or call data ceilings, so that the txs that do fit
// still pay the whole verification
func (r *FeeResolver) adjustment(kind common.TxKind) uint64 {
	capacity := uint64(r.rollup.Capacity)
	maxFit := capacity
	if callData := r.rollup.TxCallData.Get(kind); callData > 0 {
		maxFit = min(maxFit, r.rollup.CallDataLimit/callData)
	}
	if txGas := r.rollup.TxGas.Get(kind); txGas > 0 {
		var available uint64
		if r.rollup.GasLimit > r.rollup.VerificationGas {
			available = r.rollup.GasLimit - r.rollup.VerificationGas
		}
		maxFit = min(maxFit, available/txGas)
	}
	maxFit = max(maxFit, 1)
	if maxFit >= capacity {
		return 0
	}
	adjusted := common.DivCeil(r.rollup.VerificationGas, maxFit)
	if adjusted <= r.baseGas {
		return 0
	}
	return adjusted - r.baseGas
}

// BaseGas is the share of the verification gas paid by every slot
func (r *FeeResolver) BaseGas() uint64 {
	return r.baseGas
}

// Capacity is the number of tx slots of a rollup
func (r *FeeResolver) Capacity() int {
	return r.rollup.Capacity
}

// Adjustment is the extra verification gas paid by a tx kind
func (r *FeeResolver) Adjustment(kind common.TxKind) uint64 {
	if !kind.Valid() {
		return 0
	}
	return r.adjustments[kind]
}

// TxGas is the ledger gas used by a tx of the given kind and asset, without
// its share of the verification
func (r *FeeResolver) TxGas(assetID common.AssetID, kind common.TxKind) uint64 {
	gas := r.rollup.TxGas.Get(kind)
	if kind.IsWithdrawal() {
		gas += r.assets[assetID].WithdrawGas
	}
	return gas
}

// TxCallData is the call data bytes used by a tx kind
func (r *FeeResolver) TxCallData(kind common.TxKind) uint64 {
	return r.rollup.TxCallData.Get(kind)
}

// Bridge returns the configuration of a bridge call
func (r *FeeResolver) Bridge(bridge ethCommon.Hash) (config.BridgeConfig, bool) {
	cfg, ok := r.bridges[bridge]
	return cfg, ok
}

// Bridges returns the configuration of every bridge call
func (r *FeeResolver) Bridges() []config.BridgeConfig {
	return r.rollup.Bridges
}

// BridgeGas is the share of a bridge call fixed gas paid by each of its txs
func (r *FeeResolver) BridgeGas(bridge ethCommon.Hash) (uint64, error) {
	cfg, ok := r.bridges[bridge]
	if !ok {
		return 0, common.Wrap(fmt.Errorf("%w: %v", common.ErrUnknownBridge, bridge))
	}
	return common.DivCeil(cfg.Gas, uint64(cfg.NumTxs)), nil
}

// GasFor is the gas paid by a tx of the given kind and fee asset
func (r *FeeResolver) GasFor(assetID common.AssetID, kind common.TxKind) uint64 {
	return r.baseGas + r.Adjustment(kind) + r.TxGas(assetID, kind)
}

// GasForTx is the gas paid by a tx, including its share of a bridge call
func (r *FeeResolver) GasForTx(tx *common.PendingTx) (uint64, error) {
	gas := r.GasFor(tx.FeeAssetID, tx.Kind)
	if tx.IsBridgeTx() {
		bridgeGas, err := r.BridgeGas(tx.BridgeCallData)
		if err != nil {
			return 0, common.Wrap(err)
		}
		gas += bridgeGas
	}
	return gas, nil
}

// IsFeePayingAsset returns true if the asset can be used to pay fees
func (r *FeeResolver) IsFeePayingAsset(assetID common.AssetID) bool {
	asset, ok := r.assets[assetID]
	return ok && asset.FeePaying
}

func (r *FeeResolver) feeAsset(assetID common.AssetID) (common.Asset, error) {
	asset, ok := r.assets[assetID]
	if !ok || !asset.FeePaying {
		return common.Asset{}, common.Wrap(fmt.Errorf("%w: asset %v does not pay fees",
			common.ErrInvalidTx, assetID))
	}
	return asset, nil
}

// MinFee is the lowest fee accepted for a tx kind. It uses the lowest gas
// price and highest asset price of the price window, so a quoted fee stays
// valid while prices move within the window.
func (r *FeeResolver) MinFee(assetID common.AssetID, kind common.TxKind) (*big.Int, error) {
	return r.minFee(assetID, kind, r.GasFor(assetID, kind))
}

// MinTxFee is the lowest fee accepted for a tx, including its share of a
// bridge call
func (r *FeeResolver) MinTxFee(tx *common.PendingTx) (*big.Int, error) {
	gas, err := r.GasForTx(tx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return r.minFee(tx.FeeAssetID, tx.Kind, gas)
}

func (r *FeeResolver) minFee(assetID common.AssetID, kind common.TxKind, gas uint64) (*big.Int, error) {
	asset, err := r.feeAsset(assetID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if r.fees.ExitOnly && kind.IsDeposit() {
		return big.NewInt(0), nil
	}
	fee, err := r.gasToFee(asset, gas, r.prices.MinGasPrice(), r.prices.MaxAssetPrice(assetID))
	return fee, common.Wrap(err)
}

// FeeQuote returns the fee of a tx kind for every speed at the current
// prices
func (r *FeeResolver) FeeQuote(assetID common.AssetID, kind common.TxKind) ([]common.FeeQuote, error) {
	gas := r.GasFor(assetID, kind)
	return r.quote(assetID, kind, gas, gas+r.baseGas*uint64(r.rollup.Capacity-1))
}

// BridgeFeeQuote returns the fee of a defi deposit into a bridge call for
// every speed. The instant speed pays the whole bridge call.
func (r *FeeResolver) BridgeFeeQuote(assetID common.AssetID, bridge ethCommon.Hash) ([]common.FeeQuote, error) {
	cfg, ok := r.bridges[bridge]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("%w: %v", common.ErrUnknownBridge, bridge))
	}
	gas := r.GasFor(assetID, common.TxKindDefiDeposit)
	share := common.DivCeil(cfg.Gas, uint64(cfg.NumTxs))
	return r.quote(assetID, common.TxKindDefiDeposit, gas+share,
		gas+cfg.Gas+r.baseGas*uint64(r.rollup.Capacity-1))
}

func (r *FeeResolver) quote(assetID common.AssetID, kind common.TxKind,
	nextRollupGas, instantGas uint64) ([]common.FeeQuote, error) {
	asset, err := r.feeAsset(assetID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	gasPrice := r.prices.GasPrice()
	assetPrice := r.prices.AssetPrice(assetID)
	quotes := make([]common.FeeQuote, 0, 2) //nolint:gomnd
	for _, q := range []struct {
		speed common.FeeSpeed
		gas   uint64
	}{{common.FeeSpeedNextRollup, nextRollupGas}, {common.FeeSpeedInstant, instantGas}} {
		fee := big.NewInt(0)
		if !(r.fees.ExitOnly && kind.IsDeposit()) {
			fee, err = r.gasToFee(asset, q.gas, gasPrice, assetPrice)
			if err != nil {
				return nil, common.Wrap(err)
			}
		}
		quotes = append(quotes, common.FeeQuote{
			Speed: q.speed,
			Fee:   common.AssetValue{AssetID: assetID, Value: fee},
		})
	}
	return quotes, nil
}

// GasPaidForByFee converts a fee back into gas at the current prices
func (r *FeeResolver) GasPaidForByFee(assetID common.AssetID, fee *big.Int) (uint64, error) {
	asset, err := r.feeAsset(assetID)
	if err != nil {
		return 0, common.Wrap(err)
	}
	if fee == nil || fee.Sign() <= 0 {
		return 0, nil
	}
	gasPrice, assetPrice, err := r.checkPrices(r.prices.GasPrice(), r.prices.AssetPrice(assetID))
	if err != nil {
		return 0, common.Wrap(err)
	}
	// gas = fee * assetPrice / (10^decimals * gasPrice)
	num := new(big.Int).Mul(fee, assetPrice)
	den := new(big.Int).Mul(pow10(asset.Decimals), r.effectiveGasPrice(gasPrice))
	gas := num.Quo(num, den)
	if !gas.IsUint64() {
		return 0, common.Wrap(fmt.Errorf("%w: gas paid by fee %v", common.ErrNumOverflow, fee))
	}
	return gas.Uint64(), nil
}

// ExcessGas is the gas paid by the fee of a tx above the gas it uses
func (r *FeeResolver) ExcessGas(tx *common.PendingTx) (uint64, error) {
	gas, err := r.GasForTx(tx)
	if err != nil {
		return 0, common.Wrap(err)
	}
	paid, err := r.GasPaidForByFee(tx.FeeAssetID, tx.Fee)
	if err != nil {
		return 0, common.Wrap(err)
	}
	if paid <= gas {
		return 0, nil
	}
	return paid - gas, nil
}

func (r *FeeResolver) checkPrices(gasPrice, assetPrice *big.Int) (*big.Int, *big.Int, error) {
	if gasPrice == nil || gasPrice.Sign() <= 0 {
		return nil, nil, common.Wrap(fmt.Errorf("%w: gas price", ErrNoPrice))
	}
	if assetPrice == nil || assetPrice.Sign() <= 0 {
		return nil, nil, common.Wrap(fmt.Errorf("%w: asset price", ErrNoPrice))
	}
	return gasPrice, assetPrice, nil
}

// effectiveGasPrice applies the multiplier and the cap to a gas price
func (r *FeeResolver) effectiveGasPrice(gasPrice *big.Int) *big.Int {
	price := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(r.fees.GasPriceMultiplierPct))
	price.Quo(price, big.NewInt(100)) //nolint:gomnd
	if r.fees.MaxGasPrice != nil && r.fees.MaxGasPrice.Sign() > 0 && price.Cmp(r.fees.MaxGasPrice) > 0 {
		price.Set(r.fees.MaxGasPrice)
	}
	return price
}

func (r *FeeResolver) gasToFee(asset common.Asset, gas uint64, gasPrice, assetPrice *big.Int) (*big.Int, error) {
	gasPrice, assetPrice, err := r.checkPrices(gasPrice, assetPrice)
	if err != nil {
		return nil, common.Wrap(err)
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(gas), r.effectiveGasPrice(gasPrice))
	num := wei.Mul(wei, pow10(asset.Decimals))
	return roundUpSignificant(divCeil(num, assetPrice), r.fees.SignificantFigures), nil
}

func pow10(n uint64) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), new(big.Int).SetUint64(n), nil) //nolint:gomnd
}

func divCeil(a, b *big.Int) *big.Int {
	q, m := new(big.Int).QuoRem(a, b, new(big.Int))
	if m.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// roundUpSignificant rounds v up to sf significant figures
func roundUpSignificant(v *big.Int, sf int) *big.Int {
	digits := len(v.String())
	if sf <= 0 || v.Sign() <= 0 || digits <= sf {
		return v
	}
	factor := pow10(uint64(digits - sf))
	q := divCeil(v, factor)
	return q.Mul(q, factor)
}
