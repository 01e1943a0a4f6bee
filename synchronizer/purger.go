package synchronizer

import (
	"context"
	"fmt"
	"math/big"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/eth"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// PurgeCause is the reason a pending tx is deleted from the store
type PurgeCause string

const (
	// PurgeCauseNullifier marks txs spending a nullifier already settled
	PurgeCauseNullifier PurgeCause = "nullifier"
	// PurgeCauseChained marks txs linked to the output of a purged tx
	PurgeCauseChained PurgeCause = "chained"
	// PurgeCauseDeposit marks deposits above the pending deposit of their
	// owner
	PurgeCauseDeposit PurgeCause = "deposit"
)

type depositKey struct {
	assetID common.AssetID
	owner   ethCommon.Address
}

// Purger manages cleanup of the pending txs invalidated by the settled state.
// The Synchronizer runs it after every persisted block that settles rollups,
// while the Aggregator is interrupted.
type Purger struct {
	db             rollupdb.DB
	ethClient      eth.ClientInterface
	lastPurgeBlock int64
}

// NewPurger creates a Purger
func NewPurger(db rollupdb.DB, ethClient eth.ClientInterface) *Purger {
	return &Purger{
		db:        db,
		ethClient: ethClient,
	}
}

// purgeSet accumulates the txs to delete
type purgeSet struct {
	causes map[common.TxID]PurgeCause
	notes  map[ethCommon.Hash]struct{}
}

func (s *purgeSet) add(tx *common.PendingTx, cause PurgeCause) {
	if _, ok := s.causes[tx.TxID]; ok {
		return
	}
	s.causes[tx.TxID] = cause
	for _, note := range []ethCommon.Hash{tx.NoteCommitment1, tx.NoteCommitment2} {
		if note != common.EmptyHash {
			s.notes[note] = struct{}{}
		}
	}
}

func (s *purgeSet) has(tx *common.PendingTx) bool {
	_, ok := s.causes[tx.TxID]
	return ok
}

// Purge deletes the pending txs that can no longer be rolled up: txs whose
// nullifiers are settled, deposits that exceed the pending deposit of their
// owner and, transitively, txs linked to the output of a deleted tx.
// Returns the number of deleted txs by cause.
func (p *Purger) Purge(ctx context.Context, blockNum int64) (map[PurgeCause]int, error) {
	pending, err := p.db.GetPendingTxs()
	if err != nil {
		return nil, common.Wrap(err)
	}
	if len(pending) == 0 {
		p.lastPurgeBlock = blockNum
		return map[PurgeCause]int{}, nil
	}
	set := &purgeSet{
		causes: make(map[common.TxID]PurgeCause),
		notes:  make(map[ethCommon.Hash]struct{}),
	}

	settledList, err := p.db.GetSettledNullifiers()
	if err != nil {
		return nil, common.Wrap(err)
	}
	settled := make(map[ethCommon.Hash]struct{}, len(settledList))
	for _, n := range settledList {
		settled[n] = struct{}{}
	}
	for i := range pending {
		for _, n := range pending[i].Nullifiers() {
			if _, ok := settled[n]; ok {
				set.add(&pending[i], PurgeCauseNullifier)
				break
			}
		}
	}

	if err := p.purgeDeposits(ctx, pending, set); err != nil {
		return nil, common.Wrap(err)
	}

	// a chained tx is purged with its parent, until no more links resolve
	// to a purged note
	for changed := true; changed; {
		changed = false
		for i := range pending {
			tx := &pending[i]
			if set.has(tx) || tx.BackwardLink == common.EmptyHash {
				continue
			}
			if _, ok := set.notes[tx.BackwardLink]; ok {
				set.add(tx, PurgeCauseChained)
				changed = true
			}
		}
	}

	counts := make(map[PurgeCause]int)
	if len(set.causes) == 0 {
		p.lastPurgeBlock = blockNum
		return counts, nil
	}
	txIDs := make([]common.TxID, 0, len(set.causes))
	for i := range pending {
		if cause, ok := set.causes[pending[i].TxID]; ok {
			txIDs = append(txIDs, pending[i].TxID)
			counts[cause]++
			log.Debugw("Purger: purging tx", "tx", pending[i].TxID, "cause", cause)
		}
	}
	if err := p.db.DeleteTxsByID(txIDs); err != nil {
		return nil, common.Wrap(err)
	}
	for cause, n := range counts {
		metric.PurgedTxs.WithLabelValues(string(cause)).Add(float64(n))
		log.Infow("Purger: txs purged", "cause", cause, "txs", n, "block", blockNum)
	}
	p.lastPurgeBlock = blockNum
	return counts, nil
}

// purgeDeposits checks the deposits against the pending deposits of the
// rollup contract.  Deposits already inside an unsettled rollup are served
// first, then the pending ones oldest first.
func (p *Purger) purgeDeposits(ctx context.Context, pending []common.PendingTx, set *purgeSet) error {
	unsettled, err := p.db.GetUnsettledTxs()
	if err != nil {
		return common.Wrap(err)
	}
	used := make(map[depositKey]*big.Int)
	available := make(map[depositKey]*big.Int)
	load := func(key depositKey) (*big.Int, error) {
		if v, ok := available[key]; ok {
			return v, nil
		}
		v, err := p.ethClient.RollupPendingDeposit(ctx, key.assetID, key.owner)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("RollupPendingDeposit: %w", err))
		}
		available[key] = v
		used[key] = big.NewInt(0)
		return v, nil
	}
	for i := range unsettled {
		tx := &unsettled[i]
		if tx.Kind != common.TxKindDeposit || tx.IsPending() {
			continue
		}
		key := depositKey{assetID: tx.PublicAssetID, owner: tx.PublicOwner}
		if _, err := load(key); err != nil {
			return err
		}
		used[key].Add(used[key], tx.PublicValue)
	}
	for i := range pending {
		tx := &pending[i]
		if tx.Kind != common.TxKindDeposit || set.has(tx) {
			continue
		}
		key := depositKey{assetID: tx.PublicAssetID, owner: tx.PublicOwner}
		limit, err := load(key)
		if err != nil {
			return err
		}
		total := new(big.Int).Add(used[key], tx.PublicValue)
		if total.Cmp(limit) > 0 {
			set.add(tx, PurgeCauseDeposit)
			continue
		}
		used[key] = total
	}
	return nil
}
