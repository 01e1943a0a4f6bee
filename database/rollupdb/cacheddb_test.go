package rollupdb

import (
	"fmt"
	"testing"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCachedDB(t *testing.T) *CachedDB {
	db, err := NewCachedDB(NewSyncDB(newTestLevelDB(t)))
	require.NoError(t, err)
	return db
}

func TestCachedDB(t *testing.T) {
	testDB(t, newTestCachedDB(t))
}

func TestCachedDBViews(t *testing.T) {
	db := newTestCachedDB(t)
	txs := test.GenPendingTxs(3, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTxs(txs))
	count, err := db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, db.AddRollup(genRollup(1, txs[:1])))
	count, err = db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	unsettled, err := db.GetUnsettledTxs()
	require.NoError(t, err)
	assert.Len(t, unsettled, 3)

	require.NoError(t, db.ConfirmMined(genConfirmed(1, nil, 5)))
	rollups, err := db.GetSettledRollups(0)
	require.NoError(t, err)
	require.Len(t, rollups, 1)
	settled, err := db.GetSettledNullifiers()
	require.NoError(t, err)
	assert.ElementsMatch(t, txs[0].Nullifiers(), settled)
	unsettledNullifiers, err := db.GetUnsettledNullifiers()
	require.NoError(t, err)
	assert.ElementsMatch(t, append(txs[1].Nullifiers(), txs[2].Nullifiers()...), unsettledNullifiers)

	// Both sets are checked
	exists, err := db.NullifiersExist(common.EmptyHash, txs[0].Nullifier2)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = db.NullifiersExist(txs[2].Nullifier1, common.EmptyHash)
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = db.NullifiersExist(test.Nullifier(1000), common.EmptyHash)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCachedDBReturnsCopies(t *testing.T) {
	db := newTestCachedDB(t)
	txs := test.GenPendingTxs(2, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTxs(txs))
	unsettled, err := db.GetUnsettledTxs()
	require.NoError(t, err)
	unsettled[0] = unsettled[1]
	again, err := db.GetUnsettledTxs()
	require.NoError(t, err)
	assert.Equal(t, txIDs(txs), txIDs(again))
}

// partialWriteDB stores the txs and then reports a failure
type partialWriteDB struct {
	DB
}

func (p *partialWriteDB) AddTxs(txs []common.PendingTx) error {
	if err := p.DB.AddTxs(txs); err != nil {
		return err
	}
	return common.Wrap(fmt.Errorf("connection lost after commit"))
}

func TestCachedDBRefreshesAfterFailedWrite(t *testing.T) {
	db, err := NewCachedDB(&partialWriteDB{DB: newTestLevelDB(t)})
	require.NoError(t, err)
	txs := test.GenPendingTxs(2, common.TxKindTransfer, 0, t0)
	assert.Error(t, db.AddTxs(txs))
	count, err := db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
