/*
Package txselector is responsible to choose the transactions from the pool that will be rolled up in the next batch.
The main goal is to fill the rollup while always respecting the constrains of the ledger.

Rollup constrains (from config.RollupConfig):
- Capacity: maximum amount of transactions that fit in a rollup
- GasLimit: the verification of the proof plus the ledger gas of every selected tx and bridge call must fit
- CallDataLimit: the call data bytes of the selected txs must fit
- MaxFeeAssets: maximum amount of distinct fee paying assets
- MaxBridgeCalls: maximum amount of distinct bridge calls. Each bridge is called at most once per rollup.

Transaction constrains:
- Chained txs: a tx whose backward link points to the output note of another pending tx can only be
selected after that tx, in the same rollup. Otherwise it waits for a later rollup.
- Bridge txs: defi deposits are grouped by bridge call in a BridgeTxQueue and a call is only selected
once its txs pay for its fixed gas, see BridgeTxQueue.Select. The txs of a bridge beyond its NumTxs
wait for the next rollup.

Current implementation:
1. Take the pending transactions oldest first
2. Queue the bridge txs by bridge call, offering the call to the rollup after each addition
3. Select every other tx that fits the remaining budget
4. When the selection is flushed, offer every bridge call again with the flush flag so that funded calls
that didn't reach their tx count are included
*/
package txselector

import (
	"math/big"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/config"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// TxSelector implements all the functionalities to select the txs for the next
// rollup
type TxSelector struct {
	cfg   config.RollupConfig
	costs Costs
}

// NewTxSelector returns a *TxSelector
func NewTxSelector(cfg *config.RollupConfig, costs Costs) *TxSelector {
	return &TxSelector{
		cfg:   *cfg,
		costs: costs,
	}
}

// selection is the state of one call to GetRollupSelection
type selection struct {
	budget       *ResourceBudget
	txs          []common.PendingTx
	pendingNotes map[ethCommon.Hash]struct{}
	rolledNotes  map[ethCommon.Hash]struct{}
}

func (s *selection) linkResolved(tx *common.PendingTx) bool {
	if tx.BackwardLink == common.EmptyHash {
		return true
	}
	if _, ok := s.pendingNotes[tx.BackwardLink]; !ok {
		// links to a settled note
		return true
	}
	_, ok := s.rolledNotes[tx.BackwardLink]
	return ok
}

func (s *selection) add(txs ...common.PendingTx) {
	for i := range txs {
		s.rolledNotes[txs[i].NoteCommitment1] = struct{}{}
		s.rolledNotes[txs[i].NoteCommitment2] = struct{}{}
	}
	s.txs = append(s.txs, txs...)
}

// GetRollupSelection returns the txs of the next rollup, in rollup order,
// and the profile of the selection. pending must be sorted oldest first.
func (txsel *TxSelector) GetRollupSelection(pending []common.PendingTx, flush bool,
	now time.Time) ([]common.PendingTx, RollupProfile) {
	metric.TxSelection.Inc()
	s := &selection{
		budget:       NewResourceBudget(&txsel.cfg),
		pendingNotes: make(map[ethCommon.Hash]struct{}, 2*len(pending)), //nolint:gomnd
		rolledNotes:  make(map[ethCommon.Hash]struct{}),
	}
	for i := range pending {
		for _, note := range []ethCommon.Hash{pending[i].NoteCommitment1, pending[i].NoteCommitment2} {
			if note != common.EmptyHash {
				s.pendingNotes[note] = struct{}{}
			}
		}
	}

	queues := make(map[ethCommon.Hash]*BridgeTxQueue)
	var queueOrder []ethCommon.Hash
	for i := range pending {
		if s.budget.Slots == 0 {
			break
		}
		tx := pending[i]
		if !s.linkResolved(&tx) {
			log.Debugw("TxSelector: tx not selected", "tx", tx.TxID, "reason", ErrUnresolvedLinkType)
			continue
		}
		if tx.IsBridgeTx() {
			q, ok := queues[tx.BridgeCallData]
			if !ok {
				cfg, ok := txsel.costs.Bridge(tx.BridgeCallData)
				if !ok {
					log.Debugw("TxSelector: tx not selected", "tx", tx.TxID, "reason", ErrUnknownBridgeType)
					continue
				}
				q = NewBridgeTxQueue(cfg, txsel.costs)
				queues[tx.BridgeCallData] = q
				queueOrder = append(queueOrder, tx.BridgeCallData)
			}
			q.Add(tx)
			s.add(q.Select(s.budget, false, now)...)
			continue
		}
		u := &usage{
			slots:    1,
			gas:      txsel.costs.TxGas(tx.FeeAssetID, tx.Kind),
			callData: txsel.costs.TxCallData(tx.Kind),
			assets:   []common.AssetID{tx.FeeAssetID},
		}
		if !s.budget.fits(u) {
			log.Debugw("TxSelector: tx not selected", "tx", tx.TxID, "reason", ErrBudgetExhaustedType)
			continue
		}
		s.budget.consume(u)
		s.add(tx)
	}
	// calls that didn't fill up are taken when flushing or when too old
	for _, bridge := range queueOrder {
		s.add(queues[bridge].Select(s.budget, flush, now)...)
	}

	profile := ProfileRollup(s.txs, txsel.costs)
	metric.SelectedTxs.Set(float64(len(s.txs)))
	balance, _ := new(big.Float).SetInt(profile.GasBalance).Float64()
	metric.GasBalance.Set(balance)
	return s.txs, profile
}
