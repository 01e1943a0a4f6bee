/*
Package rollupdb is the tx store of the sequencer: pending txs received by
the node, the rollups built from them and the ledger blocks already
synchronized.

The capability interface DB has two backends:
- SQLDB: PostgreSQL, through sqlx and meddler.
- LevelDB: embedded key value store, also usable in memory.

Neither backend serializes its mutations. The node never uses them directly,
it composes them:
- SyncDB: mutation gate. Every mutation runs alone and in call order, reads
run concurrently with each other.
- CachedDB: keeps derived views (pending count, unsettled txs and
nullifiers, settled rollups and nullifiers) rebuilt after every write.

	db := NewCachedDB(NewSyncDB(NewLevelDB(...)))
*/
package rollupdb

import (
	"sort"

	"tokamak-rollup-sequencer/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// DB is the tx store
type DB interface {
	// AddTx stores a pending tx. Fails with common.ErrNullifierExists when
	// one of its nullifiers is already settled or claimed by a live tx.
	AddTx(tx *common.PendingTx) error
	// AddTxs stores several pending txs at once, all or none
	AddTxs(txs []common.PendingTx) error
	GetTx(txID common.TxID) (*common.PendingTx, error)
	// GetPendingTxs returns the txs not yet in any rollup, oldest first
	GetPendingTxs() ([]common.PendingTx, error)
	GetPendingTxCount() (int, error)
	// GetUnsettledTxs returns the pending txs and the txs of rollups not
	// yet confirmed by the ledger
	GetUnsettledTxs() ([]common.PendingTx, error)
	GetUnsettledNullifiers() ([]ethCommon.Hash, error)
	GetSettledNullifiers() ([]ethCommon.Hash, error)
	// NullifiersExist checks both the settled and the unsettled nullifiers.
	// Empty nullifiers are ignored.
	NullifiersExist(n1, n2 ethCommon.Hash) (bool, error)
	DeleteTxsByID(txIDs []common.TxID) error
	DeletePendingTxs() error

	// AddRollup stores a rollup whose proof has been created and links its
	// txs to it
	AddRollup(rollup *common.RollupBatch) error
	GetRollup(batchNum common.BatchNum) (*common.RollupBatch, error)
	GetUnsettledRollups() ([]common.RollupBatch, error)
	// GetSettledRollups returns the settled rollups with BatchNum >= from,
	// in order
	GetSettledRollups(from common.BatchNum) ([]common.RollupBatch, error)
	GetLastSettledRollup() (*common.RollupBatch, error)
	SetRollupEthTxHash(batchNum common.BatchNum, ethTxHash ethCommon.Hash) error
	// ConfirmMined settles a rollup built by this node and its txs
	ConfirmMined(batch *common.ConfirmedBatch) error
	// AddSettledRollup stores a rollup built by another publisher. Any
	// unsettled rollup with the same number is deleted and its txs go back
	// to pending. The entries are stored as settled txs.
	AddSettledRollup(batch *common.ConfirmedBatch) error
	// DeleteRollup deletes an unsettled rollup, its txs go back to pending
	DeleteRollup(batchNum common.BatchNum) error
	DeleteUnsettledRollups() error

	AddBlock(block *common.Block) error
	GetLastBlock() (*common.Block, error)
	GetBlock(blockNum int64) (*common.Block, error)
	// Reorg deletes every block after lastValidBlock. Rollups settled in
	// those blocks are deleted: imported ones with their txs, own ones
	// returning their txs to pending.
	Reorg(lastValidBlock int64) error

	// Erase deletes everything
	Erase() error
	Close() error
}

// sortPending sorts txs oldest first, ties by id
func sortPending(txs []common.PendingTx) {
	sort.SliceStable(txs, func(i, j int) bool {
		if !txs[i].Created.Equal(txs[j].Created) {
			return txs[i].Created.Before(txs[j].Created)
		}
		return string(txs[i].TxID[:]) < string(txs[j].TxID[:])
	})
}

// settledTxsFromBatch builds the settled txs of an imported rollup
func settledTxsFromBatch(batch *common.ConfirmedBatch) ([]common.PendingTx, error) {
	txs := make([]common.PendingTx, 0, len(batch.Entries))
	batchNum := batch.BatchNum
	for i := range batch.Entries {
		entry := batch.Entries[i]
		if entry.IsPadding() {
			continue
		}
		encoded, err := entry.Encode()
		if err != nil {
			return nil, common.Wrap(err)
		}
		tx, err := common.NewPendingTx(encoded, batch.Timestamp)
		if err != nil {
			return nil, common.Wrap(err)
		}
		tx.BatchNum = &batchNum
		tx.Settled = true
		txs = append(txs, *tx)
	}
	return txs, nil
}

// rollupFromBatch builds the settled rollup record of an imported rollup
func rollupFromBatch(batch *common.ConfirmedBatch, txs []common.PendingTx) (*common.RollupBatch, error) {
	proof := common.RollupProofData{
		BatchNum:       batch.BatchNum,
		RollupSize:     batch.RollupSize,
		DataStartIndex: batch.DataStartIndex,
		RootsBefore:    batch.RootsBefore,
		RootsAfter:     batch.RootsAfter,
		InnerProofs:    batch.Entries,
	}
	proofData, err := proof.Encode()
	if err != nil {
		return nil, common.Wrap(err)
	}
	txIDs := make([]common.TxID, len(txs))
	for i := range txs {
		txIDs[i] = txs[i].TxID
	}
	ethTxHash := batch.EthTxHash
	mined := batch.Timestamp
	ethBlockNum := batch.EthBlockNum
	rollup := &common.RollupBatch{
		BatchNum:       batch.BatchNum,
		RollupSize:     batch.RollupSize,
		DataStartIndex: batch.DataStartIndex,
		ProofData:      proofData,
		TxIDs:          txIDs,
		Created:        batch.Timestamp,
		EthTxHash:      &ethTxHash,
		GasUsed:        batch.GasUsed,
		GasPrice:       common.CopyBigInt(batch.GasPrice),
		Mined:          &mined,
		EthBlockNum:    &ethBlockNum,
		Imported:       true,
	}
	rollup.SetRoots(batch.RootsBefore, batch.RootsAfter)
	return rollup, nil
}
