package rollupdb

import (
	"database/sql"
	"fmt"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/russross/meddler"
)

// SQLDB is the PostgreSQL backend of the tx store. Mutations must be
// serialized by the caller (see SyncDB).
type SQLDB struct {
	dbRead  *sqlx.DB
	dbWrite *sqlx.DB
	maxTxs  int // limit of pending txs that are accepted
	connCon *database.TxConnectionController
}

// NewSQLDB creates a SQLDB. maxTxs limits the number of pending txs, zero
// means no limit. connCon limits the concurrent read connections, nil
// means no limit.
func NewSQLDB(dbRead, dbWrite *sqlx.DB, maxTxs int, connCon *database.TxConnectionController) *SQLDB {
	return &SQLDB{
		dbRead:  dbRead,
		dbWrite: dbWrite,
		maxTxs:  maxTxs,
		connCon: connCon,
	}
}

// DB returns a pointer to the write db. This method should be used only for
// internal testing purposes.
func (s *SQLDB) DB() *sqlx.DB {
	return s.dbWrite
}

// Close closes the connections
func (s *SQLDB) Close() error {
	if s.dbRead != s.dbWrite {
		if err := s.dbRead.Close(); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(s.dbWrite.Close())
}

func (s *SQLDB) acquire() (func(), error) {
	if s.connCon == nil {
		return func() {}, nil
	}
	cancel, err := s.connCon.Acquire()
	if err != nil {
		cancel()
		return nil, common.Wrap(err)
	}
	return func() {
		s.connCon.Release()
		cancel()
	}, nil
}

const selectTx = `SELECT id, tx_kind, proof_data, nullifier_1, nullifier_2, note_commitment_1,
note_commitment_2, backward_link, public_value, public_owner, public_asset_id, fee_asset_id,
fee, bridge_call_data, excess_gas, created, batch_num, settled FROM tx `

// AddTx stores a pending tx
func (s *SQLDB) AddTx(tx *common.PendingTx) error {
	return common.Wrap(s.AddTxs([]common.PendingTx{*tx}))
}

// AddTxs inserts pending txs, all or none. Fails with common.ErrPoolFull when
// there are already maxTxs pending txs.
func (s *SQLDB) AddTxs(txs []common.PendingTx) (err error) {
	if len(txs) == 0 {
		return nil
	}
	txn, err := s.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	claimed := make(map[ethCommon.Hash]bool)
	for i := range txs {
		for _, n := range txs[i].Nullifiers() {
			if claimed[n] {
				return common.Wrap(fmt.Errorf("%w: %v", common.ErrNullifierExists, n))
			}
			claimed[n] = true
		}
		exists, err := nullifiersExist(txn, txs[i].Nullifier1, txs[i].Nullifier2)
		if err != nil {
			return common.Wrap(err)
		}
		if exists {
			return common.Wrap(fmt.Errorf("%w: tx %v", common.ErrNullifierExists, txs[i].TxID))
		}
	}
	if s.maxTxs > 0 {
		var count int
		if err := txn.Get(&count,
			"SELECT COUNT(*) FROM tx WHERE batch_num IS NULL AND NOT settled;"); err != nil {
			return common.Wrap(err)
		}
		if count+len(txs) > s.maxTxs {
			return common.Wrap(common.ErrPoolFull)
		}
	}
	if err := database.BulkInsert(
		txn,
		`INSERT INTO tx (id, tx_kind, proof_data, nullifier_1, nullifier_2, note_commitment_1,
		note_commitment_2, backward_link, public_value, public_owner, public_asset_id,
		fee_asset_id, fee, bridge_call_data, excess_gas, created, batch_num, settled) VALUES %s;`,
		txs,
	); err != nil {
		if pqErr, ok := common.Unwrap(err).(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return common.Wrap(fmt.Errorf("%w: %v", common.ErrTxExists, pqErr.Detail))
		}
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

func nullifiersExist(db sqlx.Queryer, n1, n2 ethCommon.Hash) (bool, error) {
	nullifiers := []interface{}{}
	for _, n := range []ethCommon.Hash{n1, n2} {
		if n != common.EmptyHash {
			nullifiers = append(nullifiers, n)
		}
	}
	if len(nullifiers) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(
		`SELECT EXISTS(SELECT 1 FROM tx WHERE nullifier_1 IN (?) OR nullifier_2 IN (?));`,
		nullifiers, nullifiers,
	)
	if err != nil {
		return false, common.Wrap(err)
	}
	var exists bool
	if err := sqlx.Get(db, &exists, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return false, common.Wrap(err)
	}
	return exists, nil
}

// GetTx returns a tx by id
func (s *SQLDB) GetTx(txID common.TxID) (*common.PendingTx, error) {
	tx := new(common.PendingTx)
	err := meddler.QueryRow(s.dbRead, tx, selectTx+"WHERE id = $1;", txID)
	if err == sql.ErrNoRows {
		return nil, common.Wrap(common.ErrTxNotFound)
	}
	return tx, common.Wrap(err)
}

func (s *SQLDB) queryTxs(where string, args ...interface{}) ([]common.PendingTx, error) {
	release, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	var txs []*common.PendingTx
	if err := meddler.QueryAll(
		s.dbRead, &txs,
		selectTx+where+" ORDER BY created, id;", args...,
	); err != nil {
		return nil, common.Wrap(err)
	}
	return database.SlicePtrsToSlice(txs).([]common.PendingTx), nil
}

// GetPendingTxs returns the pending txs, oldest first
func (s *SQLDB) GetPendingTxs() ([]common.PendingTx, error) {
	return s.queryTxs("WHERE batch_num IS NULL AND NOT settled")
}

// GetPendingTxCount returns the number of pending txs
func (s *SQLDB) GetPendingTxCount() (int, error) {
	var count int
	err := s.dbRead.Get(&count, "SELECT COUNT(*) FROM tx WHERE batch_num IS NULL AND NOT settled;")
	return count, common.Wrap(err)
}

// GetUnsettledTxs returns the txs not settled yet, oldest first
func (s *SQLDB) GetUnsettledTxs() ([]common.PendingTx, error) {
	return s.queryTxs("WHERE NOT settled")
}

func (s *SQLDB) nullifiers(settled bool) ([]ethCommon.Hash, error) {
	txs, err := s.queryTxs("WHERE settled = $1", settled)
	if err != nil {
		return nil, err
	}
	nullifiers := []ethCommon.Hash{}
	for i := range txs {
		nullifiers = append(nullifiers, txs[i].Nullifiers()...)
	}
	return nullifiers, nil
}

// GetUnsettledNullifiers returns the nullifiers of the unsettled txs
func (s *SQLDB) GetUnsettledNullifiers() ([]ethCommon.Hash, error) {
	return s.nullifiers(false)
}

// GetSettledNullifiers returns the nullifiers of the settled txs
func (s *SQLDB) GetSettledNullifiers() ([]ethCommon.Hash, error) {
	return s.nullifiers(true)
}

// NullifiersExist returns true if any of the nullifiers is already stored
func (s *SQLDB) NullifiersExist(n1, n2 ethCommon.Hash) (bool, error) {
	return nullifiersExist(s.dbRead, n1, n2)
}

// DeleteTxsByID deletes txs. Unknown ids are ignored.
func (s *SQLDB) DeleteTxsByID(txIDs []common.TxID) error {
	if len(txIDs) == 0 {
		return nil
	}
	query, args, err := sqlx.In("DELETE FROM tx WHERE id IN (?);", txIDs)
	if err != nil {
		return common.Wrap(err)
	}
	_, err = s.dbWrite.Exec(s.dbWrite.Rebind(query), args...)
	return common.Wrap(err)
}

// DeletePendingTxs deletes all the pending txs
func (s *SQLDB) DeletePendingTxs() error {
	_, err := s.dbWrite.Exec("DELETE FROM tx WHERE batch_num IS NULL AND NOT settled;")
	return common.Wrap(err)
}

// AddRollup stores a rollup with its proof and links its txs to it
func (s *SQLDB) AddRollup(rollup *common.RollupBatch) (err error) {
	txn, err := s.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if err := meddler.Insert(txn, "rollup", rollup); err != nil {
		return common.Wrap(err)
	}
	if len(rollup.TxIDs) > 0 {
		query, args, err := sqlx.In("UPDATE tx SET batch_num = ? WHERE id IN (?);",
			rollup.BatchNum, rollup.TxIDs)
		if err != nil {
			return common.Wrap(err)
		}
		res, err := txn.Exec(txn.Rebind(query), args...)
		if err != nil {
			return common.Wrap(err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return common.Wrap(err)
		} else if int(n) != len(rollup.TxIDs) {
			return common.Wrap(fmt.Errorf("%w: rollup %d links %d txs, found %d",
				common.ErrTxNotFound, rollup.BatchNum, len(rollup.TxIDs), n))
		}
	}
	return common.Wrap(txn.Commit())
}

const selectRollup = `SELECT batch_num, rollup_size, data_start_index, old_data_root, new_data_root,
old_null_root, new_null_root, old_root_root, new_root_root, proof_data, tx_ids, created,
eth_tx_hash, gas_used, gas_price, mined, eth_block_num, imported FROM rollup `

// GetRollup returns a rollup by number
func (s *SQLDB) GetRollup(batchNum common.BatchNum) (*common.RollupBatch, error) {
	return getRollup(s.dbRead, batchNum)
}

func getRollup(db meddler.DB, batchNum common.BatchNum) (*common.RollupBatch, error) {
	rollup := new(common.RollupBatch)
	err := meddler.QueryRow(db, rollup, selectRollup+"WHERE batch_num = $1;", batchNum)
	if err == sql.ErrNoRows {
		return nil, common.Wrap(common.ErrRollupNotFound)
	}
	return rollup, common.Wrap(err)
}

func (s *SQLDB) queryRollups(where string, args ...interface{}) ([]common.RollupBatch, error) {
	var rollups []*common.RollupBatch
	if err := meddler.QueryAll(
		s.dbRead, &rollups,
		selectRollup+where+" ORDER BY batch_num;", args...,
	); err != nil {
		return nil, common.Wrap(err)
	}
	return database.SlicePtrsToSlice(rollups).([]common.RollupBatch), nil
}

// GetUnsettledRollups returns the rollups not yet settled, in order
func (s *SQLDB) GetUnsettledRollups() ([]common.RollupBatch, error) {
	return s.queryRollups("WHERE mined IS NULL")
}

// GetSettledRollups returns the settled rollups from a batch number, in order
func (s *SQLDB) GetSettledRollups(from common.BatchNum) ([]common.RollupBatch, error) {
	return s.queryRollups("WHERE mined IS NOT NULL AND batch_num >= $1", from)
}

// GetLastSettledRollup returns the settled rollup with the highest number
func (s *SQLDB) GetLastSettledRollup() (*common.RollupBatch, error) {
	rollup := new(common.RollupBatch)
	err := meddler.QueryRow(s.dbRead, rollup,
		selectRollup+"WHERE mined IS NOT NULL ORDER BY batch_num DESC LIMIT 1;")
	if err == sql.ErrNoRows {
		return nil, common.Wrap(common.ErrRollupNotFound)
	}
	return rollup, common.Wrap(err)
}

// SetRollupEthTxHash records the publish tx of a rollup
func (s *SQLDB) SetRollupEthTxHash(batchNum common.BatchNum, ethTxHash ethCommon.Hash) error {
	res, err := s.dbWrite.Exec("UPDATE rollup SET eth_tx_hash = $1 WHERE batch_num = $2;",
		ethTxHash, batchNum)
	if err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(checkAffected(res, common.ErrRollupNotFound))
}

func checkAffected(res sql.Result, errNotFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return common.Wrap(err)
	}
	if n == 0 {
		return common.Wrap(errNotFound)
	}
	return nil
}

// ConfirmMined settles a rollup built by this node and its txs
func (s *SQLDB) ConfirmMined(confirmed *common.ConfirmedBatch) (err error) {
	txn, err := s.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	var gasPrice interface{}
	if confirmed.GasPrice != nil {
		gasPrice = confirmed.GasPrice.String()
	}
	res, err := txn.Exec(
		`UPDATE rollup SET eth_tx_hash = $1, gas_used = $2, gas_price = $3, mined = $4,
		eth_block_num = $5 WHERE batch_num = $6;`,
		confirmed.EthTxHash, confirmed.GasUsed, gasPrice, confirmed.Timestamp.UTC(),
		confirmed.EthBlockNum, confirmed.BatchNum,
	)
	if err != nil {
		return common.Wrap(err)
	}
	if err := checkAffected(res, common.ErrRollupNotFound); err != nil {
		return err
	}
	if _, err := txn.Exec("UPDATE tx SET settled = TRUE WHERE batch_num = $1;",
		confirmed.BatchNum); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

// unlinkRollups deletes the rollups matching where. Txs of imported rollups
// are deleted, the others go back to pending.
func unlinkRollups(txn *sqlx.Tx, where string, args ...interface{}) error {
	if _, err := txn.Exec(
		`DELETE FROM tx WHERE batch_num IN (SELECT batch_num FROM rollup `+where+` AND imported);`,
		args...,
	); err != nil {
		return common.Wrap(err)
	}
	if _, err := txn.Exec(
		`UPDATE tx SET batch_num = NULL, settled = FALSE
		WHERE batch_num IN (SELECT batch_num FROM rollup `+where+`);`,
		args...,
	); err != nil {
		return common.Wrap(err)
	}
	_, err := txn.Exec("DELETE FROM rollup "+where+";", args...)
	return common.Wrap(err)
}

// AddSettledRollup stores a rollup built by another publisher
func (s *SQLDB) AddSettledRollup(confirmed *common.ConfirmedBatch) (err error) {
	txs, err := settledTxsFromBatch(confirmed)
	if err != nil {
		return err
	}
	rollup, err := rollupFromBatch(confirmed, txs)
	if err != nil {
		return err
	}
	txn, err := s.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if err := unlinkRollups(txn, "WHERE batch_num = $1 AND mined IS NULL", confirmed.BatchNum); err != nil {
		return err
	}
	if err := meddler.Insert(txn, "rollup", rollup); err != nil {
		return common.Wrap(err)
	}
	if len(txs) > 0 {
		if err := database.BulkInsert(
			txn,
			`INSERT INTO tx (id, tx_kind, proof_data, nullifier_1, nullifier_2, note_commitment_1,
			note_commitment_2, backward_link, public_value, public_owner, public_asset_id,
			fee_asset_id, fee, bridge_call_data, excess_gas, created, batch_num, settled) VALUES %s;`,
			txs,
		); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(txn.Commit())
}

// DeleteRollup deletes an unsettled rollup and returns its txs to pending
func (s *SQLDB) DeleteRollup(batchNum common.BatchNum) (err error) {
	txn, err := s.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	rollup, err := getRollup(txn, batchNum)
	if err != nil {
		return err
	}
	if rollup.Settled() {
		return common.Wrap(fmt.Errorf("rollup %d is settled", batchNum))
	}
	if err := unlinkRollups(txn, "WHERE batch_num = $1", batchNum); err != nil {
		return err
	}
	return common.Wrap(txn.Commit())
}

// DeleteUnsettledRollups deletes every unsettled rollup
func (s *SQLDB) DeleteUnsettledRollups() (err error) {
	txn, err := s.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if err := unlinkRollups(txn, "WHERE mined IS NULL"); err != nil {
		return err
	}
	return common.Wrap(txn.Commit())
}

// AddBlock stores a synchronized block
func (s *SQLDB) AddBlock(block *common.Block) error {
	return common.Wrap(meddler.Insert(s.dbWrite, "block", block))
}

// GetBlock returns a block by number
func (s *SQLDB) GetBlock(blockNum int64) (*common.Block, error) {
	block := &common.Block{}
	err := meddler.QueryRow(
		s.dbRead, block, `SELECT * FROM block WHERE eth_block_num = $1;`, blockNum,
	)
	if err == sql.ErrNoRows {
		return nil, common.Wrap(common.ErrBlockNotFound)
	}
	return block, common.Wrap(err)
}

// GetLastBlock returns the block with the highest number
func (s *SQLDB) GetLastBlock() (*common.Block, error) {
	block := &common.Block{}
	err := meddler.QueryRow(
		s.dbRead, block, "SELECT * FROM block ORDER BY eth_block_num DESC LIMIT 1;",
	)
	if err == sql.ErrNoRows {
		return nil, common.Wrap(common.ErrBlockNotFound)
	}
	return block, common.Wrap(err)
}

// Reorg deletes every block after lastValidBlock and the rollups settled in
// them
func (s *SQLDB) Reorg(lastValidBlock int64) (err error) {
	txn, err := s.dbWrite.Beginx()
	if err != nil {
		return common.Wrap(err)
	}
	defer func() {
		if err != nil {
			database.Rollback(txn)
		}
	}()
	if err := unlinkRollups(txn, "WHERE eth_block_num > $1", lastValidBlock); err != nil {
		return err
	}
	if _, err := txn.Exec("DELETE FROM block WHERE eth_block_num > $1;", lastValidBlock); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(txn.Commit())
}

// Erase deletes everything
func (s *SQLDB) Erase() error {
	_, err := s.dbWrite.Exec("DELETE FROM tx; DELETE FROM rollup; DELETE FROM block;")
	return common.Wrap(err)
}
