package txselector

import (
	"math/big"
	"time"

	"tokamak-rollup-sequencer/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// BridgeProfile is the funding of one bridge call in a rollup
type BridgeProfile struct {
	BridgeCallData ethCommon.Hash
	NumTxs         int
	// GasAccrued is the share of the fixed gas plus the excess gas paid by
	// the txs of the call
	GasAccrued *big.Int
	// Gas is the fixed gas of the call
	Gas uint64
}

// RollupProfile summarizes the resources and funding of a set of txs
type RollupProfile struct {
	// GasBalance is the gas paid by the txs above what the rollup costs.
	// Negative when the rollup is not self funding.
	GasBalance    *big.Int
	GasTotal      uint64
	CallDataTotal uint64
	NumTxs        int
	EmptySlots    int
	Bridges       map[ethCommon.Hash]*BridgeProfile
	EarliestTx    time.Time
	LatestTx      time.Time
}

// ProfileRollup computes the profile of a candidate rollup. It doesn't
// modify the txs.
func ProfileRollup(txs []common.PendingTx, costs Costs) RollupProfile {
	baseGas := costs.BaseGas()
	capacity := costs.Capacity()
	p := RollupProfile{
		NumTxs:     len(txs),
		EmptySlots: max(capacity-len(txs), 0),
		Bridges:    make(map[ethCommon.Hash]*BridgeProfile),
		GasTotal:   baseGas * uint64(capacity),
	}
	balance := new(big.Int)
	for i := range txs {
		tx := &txs[i]
		if i == 0 || tx.Created.Before(p.EarliestTx) {
			p.EarliestTx = tx.Created
		}
		if i == 0 || tx.Created.After(p.LatestTx) {
			p.LatestTx = tx.Created
		}
		p.GasTotal += costs.TxGas(tx.FeeAssetID, tx.Kind)
		p.CallDataTotal += costs.TxCallData(tx.Kind)
		balance.Add(balance, new(big.Int).SetUint64(costs.Adjustment(tx.Kind)))

		if !tx.IsBridgeTx() {
			balance.Add(balance, new(big.Int).SetUint64(tx.ExcessGas))
			continue
		}
		bp, ok := p.Bridges[tx.BridgeCallData]
		if !ok {
			bp = &BridgeProfile{BridgeCallData: tx.BridgeCallData, GasAccrued: new(big.Int)}
			if cfg, ok := costs.Bridge(tx.BridgeCallData); ok {
				bp.Gas = cfg.Gas
			}
			p.Bridges[tx.BridgeCallData] = bp
			p.GasTotal += bp.Gas
		}
		bp.NumTxs++
		bp.GasAccrued.Add(bp.GasAccrued, new(big.Int).SetUint64(tx.ExcessGas))
		if cfg, ok := costs.Bridge(tx.BridgeCallData); ok {
			share := common.DivCeil(cfg.Gas, uint64(cfg.NumTxs))
			bp.GasAccrued.Add(bp.GasAccrued, new(big.Int).SetUint64(share))
		}
	}
	for _, bp := range p.Bridges {
		balance.Add(balance, bp.GasAccrued)
		balance.Sub(balance, new(big.Int).SetUint64(bp.Gas))
	}
	emptyGas := new(big.Int).SetUint64(baseGas)
	emptyGas.Mul(emptyGas, big.NewInt(int64(p.EmptySlots)))
	p.GasBalance = balance.Sub(balance, emptyGas)
	return p
}
