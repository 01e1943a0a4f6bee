package rollupdb

import (
	"testing"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLevelDB(t *testing.T) *LevelDB {
	db, err := NewLevelDB("")
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, db.Close()) })
	return db
}

func TestLevelDB(t *testing.T) {
	testDB(t, newTestLevelDB(t))
}

func TestLevelDBPersistence(t *testing.T) {
	dir := t.TempDir()
	db, err := NewLevelDB(dir)
	require.NoError(t, err)
	txs := test.GenPendingTxs(2, common.TxKindDefiDeposit, 0, t0)
	require.NoError(t, db.AddTxs(txs))
	require.NoError(t, db.Close())

	db, err = NewLevelDB(dir)
	require.NoError(t, err)
	defer func() { assert.NoError(t, db.Close()) }()
	pending, err := db.GetPendingTxs()
	require.NoError(t, err)
	assert.Equal(t, txIDs(txs), txIDs(pending))
	assert.Equal(t, common.TxKindDefiDeposit, pending[0].Kind)
	assert.Equal(t, txs[0].Created, pending[0].Created)
	exists, err := db.NullifiersExist(txs[1].Nullifier2, common.EmptyHash)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLevelDBAddTxExists(t *testing.T) {
	db := newTestLevelDB(t)
	txs := test.GenPendingTxs(1, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTx(&txs[0]))
	err := db.AddTx(&txs[0])
	assert.True(t, common.IsErr(err, common.ErrTxExists))
}
