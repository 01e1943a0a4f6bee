package rollupdb

import (
	"os"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database"
	"tokamak-rollup-sequencer/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSQLDB connects to the test PostgreSQL database and wipes it. The
// test is skipped when POSTGRES_PASS is not set.
func newTestSQLDB(t *testing.T, maxTxs int) *SQLDB {
	pass := os.Getenv("POSTGRES_PASS")
	if pass == "" {
		t.Skip("POSTGRES_PASS not set")
	}
	db, err := database.InitTestSQLDB(pass)
	require.NoError(t, err)
	test.WipeDB(db)
	connCon := database.NewTxConnectionController(4, time.Second)
	sqlDB := NewSQLDB(db, db, maxTxs, connCon)
	t.Cleanup(func() { assert.NoError(t, sqlDB.Close()) })
	return sqlDB
}

func TestSQLDB(t *testing.T) {
	testDB(t, newTestSQLDB(t, 0))
}

func TestSQLDBPoolFull(t *testing.T) {
	db := newTestSQLDB(t, 2)
	txs := test.GenPendingTxs(3, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTxs(txs[:2]))
	err := db.AddTx(&txs[2])
	assert.Equal(t, common.ErrPoolFull, common.Unwrap(err))
}

func TestSQLDBAddTxExists(t *testing.T) {
	db := newTestSQLDB(t, 0)
	txs := test.GenPendingTxs(1, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTx(&txs[0]))
	// Same proof, so same id, but no nullifiers to collide on
	tx := txs[0]
	tx.Nullifier1 = common.EmptyHash
	tx.Nullifier2 = common.EmptyHash
	err := db.AddTx(&tx)
	assert.True(t, common.IsErr(err, common.ErrTxExists))
}
