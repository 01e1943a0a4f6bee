package txselector

import (
	"sort"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/config"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Costs are the gas and call data figures used to select txs
type Costs interface {
	Capacity() int
	BaseGas() uint64
	Adjustment(kind common.TxKind) uint64
	TxGas(assetID common.AssetID, kind common.TxKind) uint64
	TxCallData(kind common.TxKind) uint64
	Bridge(bridge ethCommon.Hash) (config.BridgeConfig, bool)
}

// BridgeTxQueue holds the txs waiting for one bridge call, highest excess
// gas first.  A queue lives for one rollup, and the rollup makes at most one
// call to each bridge.
type BridgeTxQueue struct {
	cfg    config.BridgeConfig
	share  uint64
	costs  Costs
	txs    []common.PendingTx
	called bool
}

// NewBridgeTxQueue creates an empty queue for a bridge call
func NewBridgeTxQueue(cfg config.BridgeConfig, costs Costs) *BridgeTxQueue {
	return &BridgeTxQueue{
		cfg:   cfg,
		share: common.DivCeil(cfg.Gas, uint64(cfg.NumTxs)),
		costs: costs,
	}
}

// Add queues a tx. Ties in excess gas keep the insertion order.
func (q *BridgeTxQueue) Add(tx common.PendingTx) {
	i := sort.Search(len(q.txs), func(i int) bool {
		return q.txs[i].ExcessGas < tx.ExcessGas
	})
	q.txs = append(q.txs, common.PendingTx{})
	copy(q.txs[i+1:], q.txs[i:])
	q.txs[i] = tx
}

// Len is the number of queued txs
func (q *BridgeTxQueue) Len() int {
	return len(q.txs)
}

// oldest returns the creation time of the oldest queued tx
func (q *BridgeTxQueue) oldest() time.Time {
	var oldest time.Time
	for i := range q.txs {
		if i == 0 || q.txs[i].Created.Before(oldest) {
			oldest = q.txs[i].Created
		}
	}
	return oldest
}

func (q *BridgeTxQueue) usage(n int) *usage {
	u := &usage{
		slots:  n,
		gas:    q.cfg.Gas,
		bridge: &q.cfg.BridgeCallData,
	}
	for i := range q.txs[:n] {
		tx := &q.txs[i]
		u.gas += q.costs.TxGas(tx.FeeAssetID, tx.Kind)
		u.callData += q.costs.TxCallData(tx.Kind)
		u.addAsset(tx.FeeAssetID)
	}
	return u
}

// Select takes from the queue the txs of one bridge call that fit in the
// budget. A call is selected whole or not at all: the first NumTxs txs by
// priority must fund its fixed gas and fit the budget together with it.
// When flush is set, fewer txs are enough as long as they fund the call.
// Once the oldest tx waited MaxQueueAge the call is published even when
// underfunded. The budget is reduced by the selected call.  After a call is
// selected the remaining txs wait for the next rollup.
func (q *BridgeTxQueue) Select(budget *ResourceBudget, flush bool, now time.Time) []common.PendingTx {
	if q.called || len(q.txs) == 0 {
		return nil
	}
	aged := q.cfg.MaxQueueAge.Duration > 0 && now.Sub(q.oldest()) >= q.cfg.MaxQueueAge.Duration
	forced := flush || aged
	n := min(len(q.txs), q.cfg.NumTxs)
	for k := n; k >= 1; k-- {
		if !forced && k < q.cfg.NumTxs {
			break
		}
		if !aged && q.contribution(k) < q.cfg.Gas {
			// fewer txs contribute less
			break
		}
		u := q.usage(k)
		if !budget.fits(u) {
			continue
		}
		budget.consume(u)
		q.called = true
		selected := make([]common.PendingTx, k)
		copy(selected, q.txs[:k])
		q.txs = q.txs[k:]
		return selected
	}
	return nil
}

// contribution is the gas the first n txs pay towards the fixed gas of the
// call
func (q *BridgeTxQueue) contribution(n int) uint64 {
	var gas uint64
	for i := range q.txs[:n] {
		gas = common.SatAdd(gas, common.SatAdd(q.share, q.txs[i].ExcessGas))
	}
	return gas
}
