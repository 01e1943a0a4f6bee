package rollupdb

import (
	"context"
	"fmt"
	"sync/atomic"

	"tokamak-rollup-sequencer/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/semaphore"
)

// maxReaders is the number of reads that can run at the same time
const maxReaders = 64

// SyncDB serializes the mutations of a DB. A mutation waits for every
// ongoing read to finish and runs alone; mutations run in call order.
// Reads run concurrently with each other but never with a mutation.
type SyncDB struct {
	db     DB
	gate   *semaphore.Weighted
	closed int32
	// ctx is cancelled by Close to release the callers waiting on the gate
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSyncDB wraps db with a mutation gate
func NewSyncDB(db DB) *SyncDB {
	ctx, cancel := context.WithCancel(context.Background())
	return &SyncDB{
		db:     db,
		gate:   semaphore.NewWeighted(maxReaders),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *SyncDB) lock(weight int64) (func(), error) {
	if atomic.LoadInt32(&s.closed) == 1 {
		return nil, common.Wrap(common.ErrStoreClosed)
	}
	// FIFO: a waiting mutation blocks every later read
	if err := s.gate.Acquire(s.ctx, weight); err != nil {
		if atomic.LoadInt32(&s.closed) == 1 {
			return nil, common.Wrap(common.ErrStoreClosed)
		}
		return nil, common.Wrap(err)
	}
	// Close may have started while waiting
	if atomic.LoadInt32(&s.closed) == 1 {
		s.gate.Release(weight)
		return nil, common.Wrap(common.ErrStoreClosed)
	}
	return func() { s.gate.Release(weight) }, nil
}

func (s *SyncDB) write(fn func() error) error {
	release, err := s.lock(maxReaders)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

func (s *SyncDB) read(fn func() error) error {
	release, err := s.lock(1)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// AddTx checks the nullifiers of tx and stores it. The check and the insert
// happen under the same lock, so two txs sharing a nullifier can never be
// both admitted.
func (s *SyncDB) AddTx(tx *common.PendingTx) error {
	return s.write(func() error {
		exists, err := s.db.NullifiersExist(tx.Nullifier1, tx.Nullifier2)
		if err != nil {
			return err
		}
		if exists {
			return common.Wrap(fmt.Errorf("%w: tx %v", common.ErrNullifierExists, tx.TxID))
		}
		return s.db.AddTx(tx)
	})
}

// AddTxs stores several txs, all or none
func (s *SyncDB) AddTxs(txs []common.PendingTx) error {
	return s.write(func() error { return s.db.AddTxs(txs) })
}

// GetTx returns a tx by id
func (s *SyncDB) GetTx(txID common.TxID) (tx *common.PendingTx, err error) {
	err = s.read(func() error {
		tx, err = s.db.GetTx(txID)
		return err
	})
	return tx, err
}

// GetPendingTxs returns the pending txs, oldest first
func (s *SyncDB) GetPendingTxs() (txs []common.PendingTx, err error) {
	err = s.read(func() error {
		txs, err = s.db.GetPendingTxs()
		return err
	})
	return txs, err
}

// GetPendingTxCount returns the number of pending txs
func (s *SyncDB) GetPendingTxCount() (count int, err error) {
	err = s.read(func() error {
		count, err = s.db.GetPendingTxCount()
		return err
	})
	return count, err
}

// GetUnsettledTxs returns the txs not settled yet
func (s *SyncDB) GetUnsettledTxs() (txs []common.PendingTx, err error) {
	err = s.read(func() error {
		txs, err = s.db.GetUnsettledTxs()
		return err
	})
	return txs, err
}

// GetUnsettledNullifiers returns the nullifiers of the unsettled txs
func (s *SyncDB) GetUnsettledNullifiers() (nullifiers []ethCommon.Hash, err error) {
	err = s.read(func() error {
		nullifiers, err = s.db.GetUnsettledNullifiers()
		return err
	})
	return nullifiers, err
}

// GetSettledNullifiers returns the nullifiers of the settled txs
func (s *SyncDB) GetSettledNullifiers() (nullifiers []ethCommon.Hash, err error) {
	err = s.read(func() error {
		nullifiers, err = s.db.GetSettledNullifiers()
		return err
	})
	return nullifiers, err
}

// NullifiersExist returns true if any of the nullifiers is already stored
func (s *SyncDB) NullifiersExist(n1, n2 ethCommon.Hash) (exists bool, err error) {
	err = s.read(func() error {
		exists, err = s.db.NullifiersExist(n1, n2)
		return err
	})
	return exists, err
}

// DeleteTxsByID deletes txs
func (s *SyncDB) DeleteTxsByID(txIDs []common.TxID) error {
	return s.write(func() error { return s.db.DeleteTxsByID(txIDs) })
}

// DeletePendingTxs deletes all the pending txs
func (s *SyncDB) DeletePendingTxs() error {
	return s.write(s.db.DeletePendingTxs)
}

// AddRollup stores a rollup and links its txs
func (s *SyncDB) AddRollup(rollup *common.RollupBatch) error {
	return s.write(func() error { return s.db.AddRollup(rollup) })
}

// GetRollup returns a rollup by number
func (s *SyncDB) GetRollup(batchNum common.BatchNum) (rollup *common.RollupBatch, err error) {
	err = s.read(func() error {
		rollup, err = s.db.GetRollup(batchNum)
		return err
	})
	return rollup, err
}

// GetUnsettledRollups returns the rollups not yet settled
func (s *SyncDB) GetUnsettledRollups() (rollups []common.RollupBatch, err error) {
	err = s.read(func() error {
		rollups, err = s.db.GetUnsettledRollups()
		return err
	})
	return rollups, err
}

// GetSettledRollups returns the settled rollups from a batch number
func (s *SyncDB) GetSettledRollups(from common.BatchNum) (rollups []common.RollupBatch, err error) {
	err = s.read(func() error {
		rollups, err = s.db.GetSettledRollups(from)
		return err
	})
	return rollups, err
}

// GetLastSettledRollup returns the settled rollup with the highest number
func (s *SyncDB) GetLastSettledRollup() (rollup *common.RollupBatch, err error) {
	err = s.read(func() error {
		rollup, err = s.db.GetLastSettledRollup()
		return err
	})
	return rollup, err
}

// SetRollupEthTxHash records the publish tx of a rollup
func (s *SyncDB) SetRollupEthTxHash(batchNum common.BatchNum, ethTxHash ethCommon.Hash) error {
	return s.write(func() error { return s.db.SetRollupEthTxHash(batchNum, ethTxHash) })
}

// ConfirmMined settles a rollup built by this node
func (s *SyncDB) ConfirmMined(batch *common.ConfirmedBatch) error {
	return s.write(func() error { return s.db.ConfirmMined(batch) })
}

// AddSettledRollup stores a rollup built by another publisher
func (s *SyncDB) AddSettledRollup(batch *common.ConfirmedBatch) error {
	return s.write(func() error { return s.db.AddSettledRollup(batch) })
}

// DeleteRollup deletes an unsettled rollup
func (s *SyncDB) DeleteRollup(batchNum common.BatchNum) error {
	return s.write(func() error { return s.db.DeleteRollup(batchNum) })
}

// DeleteUnsettledRollups deletes every unsettled rollup
func (s *SyncDB) DeleteUnsettledRollups() error {
	return s.write(s.db.DeleteUnsettledRollups)
}

// AddBlock stores a synchronized block
func (s *SyncDB) AddBlock(block *common.Block) error {
	return s.write(func() error { return s.db.AddBlock(block) })
}

// GetLastBlock returns the block with the highest number
func (s *SyncDB) GetLastBlock() (block *common.Block, err error) {
	err = s.read(func() error {
		block, err = s.db.GetLastBlock()
		return err
	})
	return block, err
}

// GetBlock returns a block by number
func (s *SyncDB) GetBlock(blockNum int64) (block *common.Block, err error) {
	err = s.read(func() error {
		block, err = s.db.GetBlock(blockNum)
		return err
	})
	return block, err
}

// Reorg deletes every block after lastValidBlock
func (s *SyncDB) Reorg(lastValidBlock int64) error {
	return s.write(func() error { return s.db.Reorg(lastValidBlock) })
}

// Erase deletes everything
func (s *SyncDB) Erase() error {
	return s.write(s.db.Erase)
}

// Close waits for the ongoing operations and closes the underlying DB.
// The calls waiting on the gate and the later ones fail with
// common.ErrStoreClosed without reaching the underlying DB.
func (s *SyncDB) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return common.Wrap(common.ErrStoreClosed)
	}
	s.cancel()
	if err := s.gate.Acquire(context.Background(), maxReaders); err != nil {
		return common.Wrap(err)
	}
	defer s.gate.Release(maxReaders)
	return s.db.Close()
}
