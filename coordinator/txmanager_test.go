package coordinator

import (
	"context"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) rollupdb.DB {
	db, err := rollupdb.NewLevelDB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestClient() *test.Client {
	return test.NewClient(true, test.NewStepTimer(t0, 15*time.Second), &forger,
		test.NewClientSetupExample())
}

func TestTxManagerStale(t *testing.T) {
	ctx := context.Background()
	client := newTestClient()
	db := newTestDB(t)
	cfg := newTestConfig()
	cfg.ReceiptTimeout = time.Minute
	txManager, err := NewTxManager(ctx, &cfg, client, db)
	require.NoError(t, err)
	assert.Equal(t, forger, txManager.account.Address)

	now := t0.Add(time.Hour)
	rollup := &common.RollupBatch{BatchNum: 1, Created: now}
	stale, err := txManager.Stale(ctx, rollup, now)
	require.NoError(t, err)
	assert.True(t, stale, "rollup without ethereum tx")

	unknown := ethCommon.HexToHash("0x1234")
	rollup.EthTxHash = &unknown
	stale, err = txManager.Stale(ctx, rollup, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, stale, "no receipt yet")
	stale, err = txManager.Stale(ctx, rollup, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, stale, "no receipt after the timeout")

	// a mined rollup is never stale
	proof := testProof(t, 1)
	proofData, err := proof.Encode()
	require.NoError(t, err)
	tx, err := client.RollupPublish(ctx, proofData)
	require.NoError(t, err)
	client.CtlMineBlock()
	hash := tx.Hash()
	rollup.EthTxHash = &hash
	stale, err = txManager.Stale(ctx, rollup, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, stale)
}

func TestTxManagerPublish(t *testing.T) {
	ctx := context.Background()
	client := newTestClient()
	db := newTestDB(t)
	cfg := newTestConfig()
	cfg.EthClientAttempts = 2
	cfg.EthClientAttemptsDelay = time.Millisecond
	txManager, err := NewTxManager(ctx, &cfg, client, db)
	require.NoError(t, err)

	proof := testProof(t, 1)
	proofData, err := proof.Encode()
	require.NoError(t, err)
	rollup := &common.RollupBatch{BatchNum: 1, RollupSize: rollupSize, ProofData: proofData,
		Created: t0}
	require.NoError(t, db.AddRollup(rollup))
	batchInfo := &BatchInfo{BatchNum: 1, Rollup: rollup,
		Debug: Debug{StartTimestamp: time.Now()}}

	client.CtlFailNextPublish(assert.AnError)
	require.NoError(t, txManager.Publish(ctx, batchInfo))
	require.NotNil(t, batchInfo.EthTx)
	assert.Equal(t, StatusSent, batchInfo.Debug.Status)

	stored, err := db.GetRollup(1)
	require.NoError(t, err)
	require.NotNil(t, stored.EthTxHash)
	assert.Equal(t, batchInfo.EthTx.Hash(), *stored.EthTxHash)

	// a cancelled context gives up
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	client.CtlFailNextPublish(assert.AnError)
	err = txManager.Publish(cancelCtx, &BatchInfo{BatchNum: 2, Rollup: rollup})
	assert.True(t, common.IsErrDone(err))
}

func testProof(t *testing.T, batchNum common.BatchNum) *common.RollupProofData {
	t.Helper()
	return &common.RollupProofData{
		BatchNum:       batchNum,
		RollupSize:     rollupSize,
		DataStartIndex: common.DataStartIndex(batchNum, rollupSize),
		InnerProofs:    []common.InnerProofData{},
	}
}
