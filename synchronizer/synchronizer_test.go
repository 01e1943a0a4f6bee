package synchronizer

import (
	"context"
	"sync"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/database/statedb"
	"tokamak-rollup-sequencer/test"
	"tokamak-rollup-sequencer/txprocessor"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)

const rollupSize = 4

type testAggregator struct {
	mu         sync.Mutex
	interrupts int
	restarts   int
	last       *Stats
	onRestart  func()
}

func (a *testAggregator) Interrupt(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupts++
}

func (a *testAggregator) Restart(ctx context.Context, stats *Stats) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.restarts++
	a.last = stats
	if a.onRestart != nil {
		a.onRestart()
	}
	return nil
}

func newTestClient(t *testing.T) *test.Client {
	addr := ethCommon.HexToAddress("0x6BB84Cc84D4A34467aD12a2039A312f7029e2071")
	return test.NewClient(true, test.NewStepTimer(t0, 15*time.Second), &addr,
		test.NewClientSetupExample())
}

func newTestDB(t *testing.T) rollupdb.DB {
	ldb, err := rollupdb.NewLevelDB("")
	require.NoError(t, err)
	db, err := rollupdb.NewCachedDB(rollupdb.NewSyncDB(ldb))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestStateDB(t *testing.T) *statedb.StateDB {
	sdb, err := statedb.NewStateDB(statedb.Config{Path: t.TempDir(), Keep: 128,
		Type: statedb.TypeSynchronizer})
	require.NoError(t, err)
	t.Cleanup(sdb.Close)
	return sdb
}

func newTestSynchronizer(t *testing.T, client *test.Client, db rollupdb.DB,
	agg Aggregator) *Synchronizer {
	s := NewSynchronizer(client, db, newTestStateDB(t), agg, Config{
		StatsUpdateBlockNumDiffThreshold: 100,
		StatsUpdateFrequencyDivider:      100,
	})
	require.NoError(t, s.Init(context.Background()))
	return s
}

// publisher builds rollups on its own copy of the world state
type publisher struct {
	t        *testing.T
	stateDB  *statedb.StateDB
	batchNum common.BatchNum
}

func newPublisher(t *testing.T) *publisher {
	return &publisher{t: t, stateDB: newTestStateDB(t)}
}

func (p *publisher) rollup(seeds ...int) *common.RollupProofData {
	p.batchNum++
	entries := make([]common.InnerProofData, len(seeds))
	for i, seed := range seeds {
		entries[i] = test.GenInner(common.TxKindTransfer, seed)
	}
	dataStartIndex := common.DataStartIndex(p.batchNum, rollupSize)
	tp := txprocessor.NewTxProcessor(p.stateDB, txprocessor.Config{RollupSize: rollupSize})
	out, err := tp.ProcessRollup(p.batchNum, dataStartIndex, entries)
	require.NoError(p.t, err)
	require.NoError(p.t, p.stateDB.Commit())
	return &common.RollupProofData{
		BatchNum:       p.batchNum,
		RollupSize:     rollupSize,
		DataStartIndex: dataStartIndex,
		RootsBefore:    out.RootsBefore,
		RootsAfter:     out.RootsAfter,
		InnerProofs:    entries,
	}
}

// storeRollup stores proof as a rollup built by this node from txs
func storeRollup(t *testing.T, db rollupdb.DB, proof *common.RollupProofData,
	txs []common.PendingTx) *common.RollupBatch {
	proofData, err := proof.Encode()
	require.NoError(t, err)
	txIDs := make([]common.TxID, len(txs))
	for i := range txs {
		txIDs[i] = txs[i].TxID
	}
	rollup := &common.RollupBatch{
		BatchNum:       proof.BatchNum,
		RollupSize:     proof.RollupSize,
		DataStartIndex: proof.DataStartIndex,
		ProofData:      proofData,
		TxIDs:          txIDs,
		Created:        t0,
	}
	rollup.SetRoots(proof.RootsBefore, proof.RootsAfter)
	require.NoError(t, db.AddRollup(rollup))
	return rollup
}

func syncAll(t *testing.T, s *Synchronizer) {
	for {
		blockData, discarded, err := s.Sync(context.Background(), nil)
		require.NoError(t, err)
		require.Nil(t, discarded)
		if blockData == nil {
			return
		}
	}
}

func TestSyncImportedRollups(t *testing.T) {
	client := newTestClient(t)
	db := newTestDB(t)
	agg := &testAggregator{}
	s := newTestSynchronizer(t, client, db, agg)

	syncAll(t, s)
	stats := s.Stats()
	assert.True(t, stats.Synced())
	assert.Equal(t, int64(1), stats.Sync.LastBlock.Num)
	assert.Equal(t, common.BatchNum(0), stats.Sync.LastBatch)
	// blocks without rollups don't interrupt the aggregator
	assert.Equal(t, 0, agg.interrupts)

	pub := newPublisher(t)
	p1 := pub.rollup(0, 1)
	client.CtlAddBatch(p1)
	client.CtlMineBlock()
	p2 := pub.rollup(2)
	client.CtlAddBatch(p2)
	client.CtlMineBlock()

	syncAll(t, s)
	stats = s.Stats()
	assert.True(t, stats.Synced())
	assert.Equal(t, int64(3), stats.Sync.LastBlock.Num)
	assert.Equal(t, common.BatchNum(2), stats.Sync.LastBatch)
	assert.Equal(t, common.BatchNum(2), stats.Eth.LastBatchNum)
	assert.Equal(t, common.BatchNum(2), s.StateDB().CurrentBatch())
	assert.True(t, s.StateDB().Roots().Equal(p2.RootsAfter))

	rollups, err := db.GetSettledRollups(1)
	require.NoError(t, err)
	require.Len(t, rollups, 2)
	for i := range rollups {
		assert.True(t, rollups[i].Imported)
		assert.True(t, rollups[i].Settled())
	}
	assert.Equal(t, int64(2), *rollups[0].EthBlockNum)
	nullifiers, err := db.GetSettledNullifiers()
	require.NoError(t, err)
	assert.Contains(t, nullifiers, test.Nullifier(0))
	assert.Contains(t, nullifiers, test.Nullifier(5))

	assert.Equal(t, 2, agg.interrupts)
	assert.Equal(t, 2, agg.restarts)
	assert.Equal(t, common.BatchNum(2), agg.last.Sync.LastBatch)
}

func TestSyncOwnRollup(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	db := newTestDB(t)
	s := newTestSynchronizer(t, client, db, &testAggregator{})
	syncAll(t, s)

	txs := test.GenPendingTxs(2, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTxs(txs))
	proof := newPublisher(t).rollup(0, 1)
	rollup := storeRollup(t, db, proof, txs)
	tx, err := client.RollupPublish(ctx, rollup.ProofData)
	require.NoError(t, err)
	require.NoError(t, db.SetRollupEthTxHash(rollup.BatchNum, tx.Hash()))
	client.CtlMineBlock()

	syncAll(t, s)
	stored, err := db.GetRollup(1)
	require.NoError(t, err)
	assert.False(t, stored.Imported)
	assert.True(t, stored.Settled())
	assert.Equal(t, tx.Hash(), *stored.EthTxHash)
	for i := range txs {
		stx, err := db.GetTx(txs[i].TxID)
		require.NoError(t, err)
		assert.True(t, stx.Settled)
	}
	count, err := db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.True(t, s.StateDB().Roots().Equal(proof.RootsAfter))
}

func TestSyncSupersededRollup(t *testing.T) {
	client := newTestClient(t)
	db := newTestDB(t)
	s := newTestSynchronizer(t, client, db, &testAggregator{})
	syncAll(t, s)

	// our rollup 1 is still unsettled when a competitor settles rollup 1
	txs := test.GenPendingTxs(2, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTxs(txs))
	storeRollup(t, db, newPublisher(t).rollup(0, 1), txs)
	competitor := newPublisher(t).rollup(5)
	client.CtlAddBatch(competitor)
	client.CtlMineBlock()

	syncAll(t, s)
	stored, err := db.GetRollup(1)
	require.NoError(t, err)
	assert.True(t, stored.Imported)
	assert.True(t, stored.RootsAfter().Equal(competitor.RootsAfter))
	pending, err := db.GetPendingTxs()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	unsettled, err := db.GetUnsettledRollups()
	require.NoError(t, err)
	assert.Len(t, unsettled, 0)
	assert.True(t, s.StateDB().Roots().Equal(competitor.RootsAfter))
}

func TestSyncDivergence(t *testing.T) {
	client := newTestClient(t)
	db := newTestDB(t)
	s := newTestSynchronizer(t, client, db, &testAggregator{})
	syncAll(t, s)

	proof := newPublisher(t).rollup(0)
	proof.RootsAfter = newPublisher(t).rollup(1).RootsAfter
	client.CtlAddBatch(proof)
	client.CtlMineBlock()

	_, _, err := s.Sync(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, common.IsErr(err, common.ErrStateDivergence))
	// nothing persisted
	assert.Equal(t, common.BatchNum(0), s.StateDB().CurrentBatch())
	_, err = db.GetRollup(1)
	assert.True(t, common.IsErr(err, common.ErrRollupNotFound))
	assert.Equal(t, int64(1), s.Stats().Sync.LastBlock.Num)
}

func TestSyncReorg(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	db := newTestDB(t)
	agg := &testAggregator{}
	s := newTestSynchronizer(t, client, db, agg)
	syncAll(t, s)

	client.CtlAddBatch(newPublisher(t).rollup(0))
	client.CtlMineBlock()
	syncAll(t, s)
	assert.Equal(t, common.BatchNum(1), s.Stats().Sync.LastBatch)

	// block 2 is replaced by a block without rollups
	client.CtlRollback()
	client.CtlMineBlock()
	client.CtlMineBlock()

	blockData, discarded, err := s.Sync(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, blockData)
	require.NotNil(t, discarded)
	assert.Equal(t, int64(1), *discarded)
	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Sync.LastBlock.Num)
	assert.Equal(t, common.BatchNum(0), stats.Sync.LastBatch)
	assert.Equal(t, common.BatchNum(0), s.StateDB().CurrentBatch())
	_, err = db.GetLastSettledRollup()
	assert.True(t, common.IsErr(err, common.ErrRollupNotFound))
	assert.Equal(t, 2, agg.interrupts)
	assert.Equal(t, 2, agg.restarts)

	syncAll(t, s)
	assert.Equal(t, int64(3), s.Stats().Sync.LastBlock.Num)
}

func TestInitDeletesUnsettledRollups(t *testing.T) {
	client := newTestClient(t)
	db := newTestDB(t)
	txs := test.GenPendingTxs(2, common.TxKindTransfer, 0, t0)
	require.NoError(t, db.AddTxs(txs))
	storeRollup(t, db, newPublisher(t).rollup(0, 1), txs)

	newTestSynchronizer(t, client, db, nil)
	unsettled, err := db.GetUnsettledRollups()
	require.NoError(t, err)
	assert.Len(t, unsettled, 0)
	count, err := db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestApplyBatchTwice(t *testing.T) {
	client := newTestClient(t)
	s := newTestSynchronizer(t, client, newTestDB(t), nil)
	batch := common.NewConfirmedBatch(newPublisher(t).rollup(0, 1))

	require.NoError(t, s.applyBatch(batch))
	roots := s.StateDB().Roots()
	require.NoError(t, s.StateDB().Reset(0))
	require.NoError(t, s.applyBatch(batch))
	assert.True(t, roots.Equal(s.StateDB().Roots()))
	assert.True(t, roots.Equal(batch.RootsAfter))

	// the same batch on top of itself
	err := s.applyBatch(batch)
	assert.True(t, common.IsErr(err, common.ErrStateDivergence))
	assert.Equal(t, common.BatchNum(1), s.StateDB().CurrentBatch())
}

func TestResetStateReplaysStoredRollups(t *testing.T) {
	client := newTestClient(t)
	s := newTestSynchronizer(t, client, newTestDB(t), nil)
	pub := newPublisher(t)
	client.CtlAddBatch(pub.rollup(0))
	client.CtlMineBlock()
	p2 := pub.rollup(1, 2)
	client.CtlAddBatch(p2)
	client.CtlMineBlock()
	syncAll(t, s)

	// checkpoint 2 is lost
	require.NoError(t, s.StateDB().Reset(1))
	require.NoError(t, s.resetIntermediateState())
	assert.Equal(t, common.BatchNum(2), s.StateDB().CurrentBatch())
	assert.True(t, s.StateDB().Roots().Equal(p2.RootsAfter))
	assert.Equal(t, common.BatchNum(2), s.Stats().Sync.LastBatch)
}

func TestSyncPurgesWhileCatchingUp(t *testing.T) {
	client := newTestClient(t)
	db := newTestDB(t)
	agg := &testAggregator{}
	s := newTestSynchronizer(t, client, db, agg)
	syncAll(t, s)
	pendingAtRestart := -1
	agg.onRestart = func() {
		count, err := db.GetPendingTxCount()
		require.NoError(t, err)
		pendingAtRestart = count
	}

	txs := test.GenPendingTxs(3, common.TxKindTransfer, 1, t0)
	require.NoError(t, db.AddTxs(txs))
	// our rollup 1 is still waiting for its confirmation
	ownTxs := test.GenPendingTxs(2, common.TxKindTransfer, 10, t0)
	require.NoError(t, db.AddTxs(ownTxs))
	storeRollup(t, db, newPublisher(t).rollup(10, 11), ownTxs)

	// another sequencer settles rollup 1 spending the nullifiers of txs[0],
	// and the ledger moves on
	client.CtlAddBatch(newPublisher(t).rollup(1, 20))
	client.CtlMineBlock()
	client.CtlMineBlock()

	blockData, discarded, err := s.Sync(context.Background(), nil)
	require.NoError(t, err)
	require.Nil(t, discarded)
	require.NotNil(t, blockData)
	require.Len(t, blockData.Rollup.Batches, 1)
	assert.False(t, s.Stats().Synced())

	settledList, err := db.GetSettledNullifiers()
	require.NoError(t, err)
	settled := make(map[ethCommon.Hash]struct{}, len(settledList))
	for _, n := range settledList {
		settled[n] = struct{}{}
	}
	pending, err := db.GetPendingTxs()
	require.NoError(t, err)
	for i := range pending {
		for _, n := range pending[i].Nullifiers() {
			_, ok := settled[n]
			assert.False(t, ok, "pending tx %v spends a settled nullifier", pending[i].TxID)
		}
	}
	expected := []common.TxID{txs[1].TxID, txs[2].TxID, ownTxs[0].TxID, ownTxs[1].TxID}
	assert.ElementsMatch(t, expected, idsOf(pending))
	// purged before the aggregator is restarted
	assert.Equal(t, 1, agg.interrupts)
	assert.Equal(t, 1, agg.restarts)
	assert.Equal(t, len(expected), pendingAtRestart)
}
