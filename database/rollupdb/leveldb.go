package rollupdb

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/log"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	prefixTx        = []byte("t")
	prefixNullifier = []byte("n")
	prefixRollup    = []byte("r")
	prefixBlock     = []byte("b")
)

func txKey(txID common.TxID) []byte {
	return append(append([]byte{}, prefixTx...), txID[:]...)
}

func nullifierKey(nullifier ethCommon.Hash, txID common.TxID) []byte {
	k := append(append([]byte{}, prefixNullifier...), nullifier[:]...)
	return append(k, txID[:]...)
}

func nullifierPrefix(nullifier ethCommon.Hash) []byte {
	return append(append([]byte{}, prefixNullifier...), nullifier[:]...)
}

func rollupKey(batchNum common.BatchNum) []byte {
	return append(append([]byte{}, prefixRollup...), batchNum.Bytes()...)
}

func blockKey(blockNum int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(blockNum))
	return append(append([]byte{}, prefixBlock...), b[:]...)
}

// LevelDB is the embedded backend of the tx store. Mutations must be
// serialized by the caller (see SyncDB).
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB opens the store at path. An empty path keeps the store in
// memory.
func NewLevelDB(path string) (*LevelDB, error) {
	var db *leveldb.DB
	var err error
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("leveldb open %q: %w", path, err))
	}
	return &LevelDB{db: db}, nil
}

// Close closes the underlying leveldb
func (l *LevelDB) Close() error {
	return common.Wrap(l.db.Close())
}

func (l *LevelDB) get(key []byte, v interface{}, errNotFound error) error {
	b, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return common.Wrap(errNotFound)
	} else if err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(json.Unmarshal(b, v))
}

func putJSON(batch *leveldb.Batch, key []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return common.Wrap(err)
	}
	batch.Put(key, b)
	return nil
}

func (l *LevelDB) forEach(prefix []byte, fn func(key, value []byte) error) error {
	iter := l.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return common.Wrap(iter.Error())
}

func (l *LevelDB) allTxs() ([]common.PendingTx, error) {
	txs := []common.PendingTx{}
	err := l.forEach(prefixTx, func(_, value []byte) error {
		var tx common.PendingTx
		if err := json.Unmarshal(value, &tx); err != nil {
			return common.Wrap(err)
		}
		txs = append(txs, tx)
		return nil
	})
	return txs, err
}

func (l *LevelDB) nullifierExists(nullifier ethCommon.Hash) (bool, error) {
	if nullifier == common.EmptyHash {
		return false, nil
	}
	iter := l.db.NewIterator(util.BytesPrefix(nullifierPrefix(nullifier)), nil)
	defer iter.Release()
	exists := iter.Next()
	return exists, common.Wrap(iter.Error())
}

func putTx(batch *leveldb.Batch, tx *common.PendingTx) error {
	if err := putJSON(batch, txKey(tx.TxID), tx); err != nil {
		return common.Wrap(err)
	}
	for _, n := range tx.Nullifiers() {
		batch.Put(nullifierKey(n, tx.TxID), nil)
	}
	return nil
}

func deleteTx(batch *leveldb.Batch, tx *common.PendingTx) {
	batch.Delete(txKey(tx.TxID))
	for _, n := range tx.Nullifiers() {
		batch.Delete(nullifierKey(n, tx.TxID))
	}
}

// AddTx stores a pending tx
func (l *LevelDB) AddTx(tx *common.PendingTx) error {
	return common.Wrap(l.AddTxs([]common.PendingTx{*tx}))
}

// AddTxs stores pending txs, all or none
func (l *LevelDB) AddTxs(txs []common.PendingTx) error {
	batch := new(leveldb.Batch)
	claimed := make(map[ethCommon.Hash]bool)
	for i := range txs {
		tx := &txs[i]
		if has, err := l.db.Has(txKey(tx.TxID), nil); err != nil {
			return common.Wrap(err)
		} else if has {
			return common.Wrap(fmt.Errorf("%w: %v", common.ErrTxExists, tx.TxID))
		}
		for _, n := range tx.Nullifiers() {
			exists, err := l.nullifierExists(n)
			if err != nil {
				return common.Wrap(err)
			}
			if exists || claimed[n] {
				return common.Wrap(fmt.Errorf("%w: %v", common.ErrNullifierExists, n))
			}
			claimed[n] = true
		}
		if err := putTx(batch, tx); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// GetTx returns a tx by id
func (l *LevelDB) GetTx(txID common.TxID) (*common.PendingTx, error) {
	var tx common.PendingTx
	if err := l.get(txKey(txID), &tx, common.ErrTxNotFound); err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetPendingTxs returns the pending txs, oldest first
func (l *LevelDB) GetPendingTxs() ([]common.PendingTx, error) {
	txs, err := l.allTxs()
	if err != nil {
		return nil, err
	}
	pending := []common.PendingTx{}
	for i := range txs {
		if txs[i].IsPending() {
			pending = append(pending, txs[i])
		}
	}
	sortPending(pending)
	return pending, nil
}

// GetPendingTxCount returns the number of pending txs
func (l *LevelDB) GetPendingTxCount() (int, error) {
	pending, err := l.GetPendingTxs()
	return len(pending), err
}

// GetUnsettledTxs returns the txs not settled yet, oldest first
func (l *LevelDB) GetUnsettledTxs() ([]common.PendingTx, error) {
	txs, err := l.allTxs()
	if err != nil {
		return nil, err
	}
	unsettled := []common.PendingTx{}
	for i := range txs {
		if !txs[i].Settled {
			unsettled = append(unsettled, txs[i])
		}
	}
	sortPending(unsettled)
	return unsettled, nil
}

func (l *LevelDB) nullifiers(settled bool) ([]ethCommon.Hash, error) {
	txs, err := l.allTxs()
	if err != nil {
		return nil, err
	}
	sortPending(txs)
	nullifiers := []ethCommon.Hash{}
	for i := range txs {
		if txs[i].Settled == settled {
			nullifiers = append(nullifiers, txs[i].Nullifiers()...)
		}
	}
	return nullifiers, nil
}

// GetUnsettledNullifiers returns the nullifiers of the unsettled txs
func (l *LevelDB) GetUnsettledNullifiers() ([]ethCommon.Hash, error) {
	return l.nullifiers(false)
}

// GetSettledNullifiers returns the nullifiers of the settled txs
func (l *LevelDB) GetSettledNullifiers() ([]ethCommon.Hash, error) {
	return l.nullifiers(true)
}

// NullifiersExist returns true if any of the nullifiers is already stored
func (l *LevelDB) NullifiersExist(n1, n2 ethCommon.Hash) (bool, error) {
	for _, n := range []ethCommon.Hash{n1, n2} {
		exists, err := l.nullifierExists(n)
		if err != nil || exists {
			return exists, err
		}
	}
	return false, nil
}

// DeleteTxsByID deletes txs. Unknown ids are ignored.
func (l *LevelDB) DeleteTxsByID(txIDs []common.TxID) error {
	batch := new(leveldb.Batch)
	for _, txID := range txIDs {
		tx, err := l.GetTx(txID)
		if common.IsErr(err, common.ErrTxNotFound) {
			continue
		} else if err != nil {
			return err
		}
		deleteTx(batch, tx)
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// DeletePendingTxs deletes all the pending txs
func (l *LevelDB) DeletePendingTxs() error {
	pending, err := l.GetPendingTxs()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for i := range pending {
		deleteTx(batch, &pending[i])
	}
	return common.Wrap(l.db.Write(batch, nil))
}

func (l *LevelDB) allRollups() ([]common.RollupBatch, error) {
	rollups := []common.RollupBatch{}
	err := l.forEach(prefixRollup, func(_, value []byte) error {
		var rollup common.RollupBatch
		if err := json.Unmarshal(value, &rollup); err != nil {
			return common.Wrap(err)
		}
		rollups = append(rollups, rollup)
		return nil
	})
	return rollups, err
}

// AddRollup stores a rollup with its proof and links its txs to it
func (l *LevelDB) AddRollup(rollup *common.RollupBatch) error {
	if has, err := l.db.Has(rollupKey(rollup.BatchNum), nil); err != nil {
		return common.Wrap(err)
	} else if has {
		return common.Wrap(fmt.Errorf("rollup %d already stored", rollup.BatchNum))
	}
	batch := new(leveldb.Batch)
	if err := putJSON(batch, rollupKey(rollup.BatchNum), rollup); err != nil {
		return err
	}
	batchNum := rollup.BatchNum
	for _, txID := range rollup.TxIDs {
		tx, err := l.GetTx(txID)
		if err != nil {
			return err
		}
		tx.BatchNum = &batchNum
		if err := putJSON(batch, txKey(txID), tx); err != nil {
			return err
		}
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// GetRollup returns a rollup by number
func (l *LevelDB) GetRollup(batchNum common.BatchNum) (*common.RollupBatch, error) {
	var rollup common.RollupBatch
	if err := l.get(rollupKey(batchNum), &rollup, common.ErrRollupNotFound); err != nil {
		return nil, err
	}
	return &rollup, nil
}

// GetUnsettledRollups returns the rollups not yet settled, in order
func (l *LevelDB) GetUnsettledRollups() ([]common.RollupBatch, error) {
	rollups, err := l.allRollups()
	if err != nil {
		return nil, err
	}
	unsettled := []common.RollupBatch{}
	for i := range rollups {
		if !rollups[i].Settled() {
			unsettled = append(unsettled, rollups[i])
		}
	}
	return unsettled, nil
}

// GetSettledRollups returns the settled rollups from a batch number, in order
func (l *LevelDB) GetSettledRollups(from common.BatchNum) ([]common.RollupBatch, error) {
	rollups, err := l.allRollups()
	if err != nil {
		return nil, err
	}
	settled := []common.RollupBatch{}
	for i := range rollups {
		if rollups[i].Settled() && rollups[i].BatchNum >= from {
			settled = append(settled, rollups[i])
		}
	}
	return settled, nil
}

// GetLastSettledRollup returns the settled rollup with the highest number
func (l *LevelDB) GetLastSettledRollup() (*common.RollupBatch, error) {
	settled, err := l.GetSettledRollups(0)
	if err != nil {
		return nil, err
	}
	if len(settled) == 0 {
		return nil, common.Wrap(common.ErrRollupNotFound)
	}
	return &settled[len(settled)-1], nil
}

// SetRollupEthTxHash records the publish tx of a rollup
func (l *LevelDB) SetRollupEthTxHash(batchNum common.BatchNum, ethTxHash ethCommon.Hash) error {
	rollup, err := l.GetRollup(batchNum)
	if err != nil {
		return err
	}
	rollup.EthTxHash = &ethTxHash
	batch := new(leveldb.Batch)
	if err := putJSON(batch, rollupKey(batchNum), rollup); err != nil {
		return err
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// ConfirmMined settles a rollup built by this node and its txs
func (l *LevelDB) ConfirmMined(confirmed *common.ConfirmedBatch) error {
	rollup, err := l.GetRollup(confirmed.BatchNum)
	if err != nil {
		return err
	}
	ethTxHash := confirmed.EthTxHash
	mined := confirmed.Timestamp
	ethBlockNum := confirmed.EthBlockNum
	rollup.EthTxHash = &ethTxHash
	rollup.GasUsed = confirmed.GasUsed
	rollup.GasPrice = common.CopyBigInt(confirmed.GasPrice)
	rollup.Mined = &mined
	rollup.EthBlockNum = &ethBlockNum
	batch := new(leveldb.Batch)
	if err := putJSON(batch, rollupKey(rollup.BatchNum), rollup); err != nil {
		return err
	}
	for _, txID := range rollup.TxIDs {
		tx, err := l.GetTx(txID)
		if err != nil {
			return err
		}
		tx.Settled = true
		if err := putJSON(batch, txKey(txID), tx); err != nil {
			return err
		}
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// unlinkRollup deletes a rollup record and returns its txs to pending
func (l *LevelDB) unlinkRollup(batch *leveldb.Batch, rollup *common.RollupBatch) error {
	batch.Delete(rollupKey(rollup.BatchNum))
	for _, txID := range rollup.TxIDs {
		tx, err := l.GetTx(txID)
		if common.IsErr(err, common.ErrTxNotFound) {
			continue
		} else if err != nil {
			return err
		}
		if rollup.Imported {
			deleteTx(batch, tx)
			continue
		}
		tx.BatchNum = nil
		tx.Settled = false
		if err := putJSON(batch, txKey(txID), tx); err != nil {
			return err
		}
	}
	return nil
}

// AddSettledRollup stores a rollup built by another publisher
func (l *LevelDB) AddSettledRollup(confirmed *common.ConfirmedBatch) error {
	batch := new(leveldb.Batch)
	existing, err := l.GetRollup(confirmed.BatchNum)
	if err == nil {
		if existing.Settled() {
			return common.Wrap(fmt.Errorf("rollup %d already settled", confirmed.BatchNum))
		}
		if err := l.unlinkRollup(batch, existing); err != nil {
			return err
		}
	} else if !common.IsErr(err, common.ErrRollupNotFound) {
		return err
	}
	txs, err := settledTxsFromBatch(confirmed)
	if err != nil {
		return err
	}
	rollup, err := rollupFromBatch(confirmed, txs)
	if err != nil {
		return err
	}
	if err := putJSON(batch, rollupKey(rollup.BatchNum), rollup); err != nil {
		return err
	}
	for i := range txs {
		if err := putTx(batch, &txs[i]); err != nil {
			return err
		}
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// DeleteRollup deletes an unsettled rollup and returns its txs to pending
func (l *LevelDB) DeleteRollup(batchNum common.BatchNum) error {
	rollup, err := l.GetRollup(batchNum)
	if err != nil {
		return err
	}
	if rollup.Settled() {
		return common.Wrap(fmt.Errorf("rollup %d is settled", batchNum))
	}
	batch := new(leveldb.Batch)
	if err := l.unlinkRollup(batch, rollup); err != nil {
		return err
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// DeleteUnsettledRollups deletes every unsettled rollup
func (l *LevelDB) DeleteUnsettledRollups() error {
	rollups, err := l.GetUnsettledRollups()
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for i := range rollups {
		if err := l.unlinkRollup(batch, &rollups[i]); err != nil {
			return err
		}
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// AddBlock stores a synchronized block
func (l *LevelDB) AddBlock(block *common.Block) error {
	batch := new(leveldb.Batch)
	if err := putJSON(batch, blockKey(block.Num), block); err != nil {
		return err
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// GetBlock returns a block by number
func (l *LevelDB) GetBlock(blockNum int64) (*common.Block, error) {
	var block common.Block
	if err := l.get(blockKey(blockNum), &block, common.ErrBlockNotFound); err != nil {
		return nil, err
	}
	return &block, nil
}

// GetLastBlock returns the block with the highest number
func (l *LevelDB) GetLastBlock() (*common.Block, error) {
	iter := l.db.NewIterator(util.BytesPrefix(prefixBlock), nil)
	defer iter.Release()
	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, common.Wrap(err)
		}
		return nil, common.Wrap(common.ErrBlockNotFound)
	}
	var block common.Block
	if err := json.Unmarshal(iter.Value(), &block); err != nil {
		return nil, common.Wrap(err)
	}
	return &block, nil
}

// Reorg deletes every block after lastValidBlock and the rollups settled in
// them
func (l *LevelDB) Reorg(lastValidBlock int64) error {
	batch := new(leveldb.Batch)
	err := l.forEach(prefixBlock, func(key, value []byte) error {
		blockNum := int64(binary.BigEndian.Uint64(key[len(prefixBlock):]))
		if blockNum > lastValidBlock {
			batch.Delete(append([]byte{}, key...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	rollups, err := l.allRollups()
	if err != nil {
		return err
	}
	for i := range rollups {
		if rollups[i].EthBlockNum != nil && *rollups[i].EthBlockNum > lastValidBlock {
			log.Debugw("Reorg: deleting rollup", "batchNum", rollups[i].BatchNum,
				"ethBlockNum", *rollups[i].EthBlockNum)
			if err := l.unlinkRollup(batch, &rollups[i]); err != nil {
				return err
			}
		}
	}
	return common.Wrap(l.db.Write(batch, nil))
}

// Erase deletes everything
func (l *LevelDB) Erase() error {
	batch := new(leveldb.Batch)
	iter := l.db.NewIterator(nil, nil)
	for iter.Next() {
		batch.Delete(append([]byte{}, iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(l.db.Write(batch, nil))
}
