package rollupdb

import (
	"math/big"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2023, time.March, 1, 12, 0, 0, 0, time.UTC)

func txIDs(txs []common.PendingTx) []common.TxID {
	ids := make([]common.TxID, len(txs))
	for i := range txs {
		ids[i] = txs[i].TxID
	}
	return ids
}

func roots(seed int64) common.Roots {
	return common.Roots{
		DataRoot: big.NewInt(seed + 1),
		NullRoot: big.NewInt(seed + 2),
		RootRoot: big.NewInt(seed + 3),
	}
}

func genRollup(batchNum common.BatchNum, txs []common.PendingTx) *common.RollupBatch {
	rollup := &common.RollupBatch{
		BatchNum:       batchNum,
		RollupSize:     4,
		DataStartIndex: common.DataStartIndex(batchNum, 4),
		ProofData:      []byte{1, 2, 3},
		TxIDs:          txIDs(txs),
		Created:        t0,
	}
	rollup.SetRoots(roots(int64(batchNum)-1), roots(int64(batchNum)))
	return rollup
}

func genConfirmed(batchNum common.BatchNum, entries []common.InnerProofData, blockNum int64) *common.ConfirmedBatch {
	return &common.ConfirmedBatch{
		BatchNum:       batchNum,
		RollupSize:     4,
		DataStartIndex: common.DataStartIndex(batchNum, 4),
		RootsBefore:    roots(int64(batchNum) - 1),
		RootsAfter:     roots(int64(batchNum)),
		Entries:        entries,
		EthTxHash:      ethCommon.BigToHash(big.NewInt(int64(batchNum))),
		EthBlockNum:    blockNum,
		GasUsed:        300000,
		GasPrice:       big.NewInt(1e9),
		Timestamp:      t0.Add(time.Hour),
	}
}

func testTxs(t *testing.T, db DB) {
	require.NoError(t, db.Erase())
	txs := test.GenPendingTxs(3, common.TxKindTransfer, 0, t0)
	// Insert out of order, read oldest first
	require.NoError(t, db.AddTx(&txs[2]))
	require.NoError(t, db.AddTxs(txs[:2]))

	pending, err := db.GetPendingTxs()
	require.NoError(t, err)
	assert.Equal(t, txIDs(txs), txIDs(pending))
	count, err := db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	tx, err := db.GetTx(txs[1].TxID)
	require.NoError(t, err)
	assert.Equal(t, txs[1].Nullifier1, tx.Nullifier1)
	assert.Equal(t, txs[1].ProofData, tx.ProofData)
	assert.True(t, tx.IsPending())

	_, err = db.GetTx(common.TxID{})
	assert.True(t, common.IsErr(err, common.ErrTxNotFound))

	// Duplicated nullifier
	dup := test.GenPendingTx(test.GenInner(common.TxKindTransfer, 100), t0)
	dup.Nullifier2 = txs[0].Nullifier1
	err = db.AddTx(&dup)
	assert.True(t, common.IsErr(err, common.ErrNullifierExists))

	exists, err := db.NullifiersExist(common.EmptyHash, txs[2].Nullifier2)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = db.NullifiersExist(common.EmptyHash, common.EmptyHash)
	require.NoError(t, err)
	assert.False(t, exists)

	nullifiers, err := db.GetUnsettledNullifiers()
	require.NoError(t, err)
	assert.Len(t, nullifiers, 6)

	require.NoError(t, db.DeleteTxsByID([]common.TxID{txs[0].TxID, {}}))
	count, err = db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	exists, err = db.NullifiersExist(txs[0].Nullifier1, common.EmptyHash)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.DeletePendingTxs())
	count, err = db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func testAddTxsAllOrNone(t *testing.T, db DB) {
	require.NoError(t, db.Erase())
	txs := test.GenPendingTxs(3, common.TxKindTransfer, 0, t0)
	txs[2].Nullifier1 = txs[0].Nullifier2
	err := db.AddTxs(txs)
	assert.True(t, common.IsErr(err, common.ErrNullifierExists))
	count, err := db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func testRollupLifecycle(t *testing.T, db DB) {
	require.NoError(t, db.Erase())
	txs := test.GenPendingTxs(4, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTxs(txs))

	rollup := genRollup(1, txs[:2])
	require.NoError(t, db.AddRollup(rollup))
	pending, err := db.GetPendingTxs()
	require.NoError(t, err)
	assert.Equal(t, txIDs(txs[2:]), txIDs(pending))
	unsettled, err := db.GetUnsettledTxs()
	require.NoError(t, err)
	assert.Equal(t, txIDs(txs), txIDs(unsettled))
	unsettledRollups, err := db.GetUnsettledRollups()
	require.NoError(t, err)
	require.Len(t, unsettledRollups, 1)
	assert.True(t, unsettledRollups[0].RootsAfter().Equal(roots(1)))

	ethTxHash := ethCommon.HexToHash("0xabcd")
	require.NoError(t, db.SetRollupEthTxHash(1, ethTxHash))
	dbRollup, err := db.GetRollup(1)
	require.NoError(t, err)
	assert.Equal(t, ethTxHash, *dbRollup.EthTxHash)
	assert.False(t, dbRollup.Settled())

	// A failed proof returns the txs to pending
	require.NoError(t, db.DeleteRollup(1))
	count, err := db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	_, err = db.GetRollup(1)
	assert.True(t, common.IsErr(err, common.ErrRollupNotFound))

	require.NoError(t, db.AddRollup(genRollup(1, txs[:2])))
	confirmed := genConfirmed(1, nil, 10)
	require.NoError(t, db.ConfirmMined(confirmed))
	dbRollup, err = db.GetRollup(1)
	require.NoError(t, err)
	require.True(t, dbRollup.Settled())
	assert.Equal(t, int64(10), *dbRollup.EthBlockNum)
	assert.Equal(t, uint64(300000), dbRollup.GasUsed)
	assert.Equal(t, big.NewInt(1e9).String(), dbRollup.GasPrice.String())
	last, err := db.GetLastSettledRollup()
	require.NoError(t, err)
	assert.Equal(t, common.BatchNum(1), last.BatchNum)

	settled, err := db.GetSettledNullifiers()
	require.NoError(t, err)
	assert.ElementsMatch(t, append(txs[0].Nullifiers(), txs[1].Nullifiers()...), settled)
	unsettled, err = db.GetUnsettledTxs()
	require.NoError(t, err)
	assert.Equal(t, txIDs(txs[2:]), txIDs(unsettled))

	// Settled rollups are not deleted
	assert.Error(t, db.DeleteRollup(1))

	// Leftovers of an in flight attempt
	require.NoError(t, db.AddRollup(genRollup(2, txs[2:3])))
	require.NoError(t, db.DeleteUnsettledRollups())
	unsettledRollups, err = db.GetUnsettledRollups()
	require.NoError(t, err)
	assert.Len(t, unsettledRollups, 0)
	count, err = db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	settledRollups, err := db.GetSettledRollups(1)
	require.NoError(t, err)
	assert.Len(t, settledRollups, 1)
	settledRollups, err = db.GetSettledRollups(2)
	require.NoError(t, err)
	assert.Len(t, settledRollups, 0)
}

func testAddSettledRollup(t *testing.T, db DB) {
	require.NoError(t, db.Erase())
	txs := test.GenPendingTxs(3, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTxs(txs))
	// Our attempt at batch 1 loses against another publisher
	require.NoError(t, db.AddRollup(genRollup(1, txs[:1])))

	entries := []common.InnerProofData{
		test.GenInner(common.TxKindTransfer, 50),
		{}, // padding
	}
	require.NoError(t, db.AddSettledRollup(genConfirmed(1, entries, 7)))

	rollup, err := db.GetRollup(1)
	require.NoError(t, err)
	assert.True(t, rollup.Settled())
	assert.True(t, rollup.Imported)
	assert.Len(t, rollup.TxIDs, 1)

	pending, err := db.GetPendingTxs()
	require.NoError(t, err)
	assert.Equal(t, txIDs(txs), txIDs(pending))

	settled, err := db.GetSettledNullifiers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []ethCommon.Hash{test.Nullifier(100), test.Nullifier(101)}, settled)
	exists, err := db.NullifiersExist(test.Nullifier(101), common.EmptyHash)
	require.NoError(t, err)
	assert.True(t, exists)
}

func testBlocksAndReorg(t *testing.T, db DB) {
	require.NoError(t, db.Erase())
	_, err := db.GetLastBlock()
	assert.True(t, common.IsErr(err, common.ErrBlockNotFound))
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, db.AddBlock(&common.Block{
			Num:       i,
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Hash:      ethCommon.BigToHash(big.NewInt(i)),
		}))
	}
	last, err := db.GetLastBlock()
	require.NoError(t, err)
	assert.Equal(t, int64(4), last.Num)
	block, err := db.GetBlock(2)
	require.NoError(t, err)
	assert.Equal(t, ethCommon.BigToHash(big.NewInt(2)), block.Hash)

	txs := test.GenPendingTxs(2, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTxs(txs))
	// Own batch 1 mined in block 2, foreign batch 2 mined in block 4
	require.NoError(t, db.AddRollup(genRollup(1, txs)))
	require.NoError(t, db.ConfirmMined(genConfirmed(1, nil, 2)))
	foreign := []common.InnerProofData{test.GenInner(common.TxKindTransfer, 9)}
	require.NoError(t, db.AddSettledRollup(genConfirmed(2, foreign, 4)))

	require.NoError(t, db.Reorg(3))
	last, err = db.GetLastBlock()
	require.NoError(t, err)
	assert.Equal(t, int64(3), last.Num)
	_, err = db.GetRollup(2)
	assert.True(t, common.IsErr(err, common.ErrRollupNotFound))
	exists, err := db.NullifiersExist(test.Nullifier(18), common.EmptyHash)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, db.Reorg(1))
	_, err = db.GetRollup(1)
	assert.True(t, common.IsErr(err, common.ErrRollupNotFound))
	pending, err := db.GetPendingTxs()
	require.NoError(t, err)
	assert.Equal(t, txIDs(txs), txIDs(pending))
}

func testDB(t *testing.T, db DB) {
	t.Run("Txs", func(t *testing.T) { testTxs(t, db) })
	t.Run("AddTxsAllOrNone", func(t *testing.T) { testAddTxsAllOrNone(t, db) })
	t.Run("RollupLifecycle", func(t *testing.T) { testRollupLifecycle(t, db) })
	t.Run("AddSettledRollup", func(t *testing.T) { testAddSettledRollup(t, db) })
	t.Run("BlocksAndReorg", func(t *testing.T) { testBlocksAndReorg(t, db) })
}
