package synchronizer

import (
	"context"
	"math/big"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idsOf(txs []common.PendingTx) []common.TxID {
	ids := make([]common.TxID, len(txs))
	for i := range txs {
		ids[i] = txs[i].TxID
	}
	return ids
}

func pendingTxIDs(t *testing.T, db rollupdb.DB) []common.TxID {
	pending, err := db.GetPendingTxs()
	require.NoError(t, err)
	return idsOf(pending)
}

func TestPurgeSettledNullifiers(t *testing.T) {
	db := newTestDB(t)
	purger := NewPurger(db, newTestClient(t))

	txs := test.GenPendingTxs(3, common.TxKindTransfer, 1, t0)
	// spends the second note of txs[0]
	chained := test.GenInner(common.TxKindTransfer, 10)
	chained.BackwardLink = txs[0].NoteCommitment2
	txs = append(txs, test.GenPendingTx(chained, t0.Add(time.Minute)))
	// spends the output of the chained tx
	chained2 := test.GenInner(common.TxKindTransfer, 11)
	chained2.BackwardLink = txs[3].NoteCommitment1
	txs = append(txs, test.GenPendingTx(chained2, t0.Add(2*time.Minute)))
	require.NoError(t, db.AddTxs(txs))

	counts, err := purger.Purge(context.Background(), 2)
	require.NoError(t, err)
	assert.Empty(t, counts)

	// another publisher settles a tx spending the nullifiers of txs[0]
	other := test.GenInner(common.TxKindTransfer, 1)
	other.NoteCommitment1 = test.NoteCommitment(1000)
	require.NoError(t, db.AddSettledRollup(&common.ConfirmedBatch{
		BatchNum:       1,
		RollupSize:     rollupSize,
		DataStartIndex: common.DataStartIndex(1, rollupSize),
		Entries:        []common.InnerProofData{other},
		EthBlockNum:    3,
		Timestamp:      t0,
	}))

	counts, err = purger.Purge(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, map[PurgeCause]int{PurgeCauseNullifier: 1, PurgeCauseChained: 2}, counts)
	assert.ElementsMatch(t, idsOf(txs[1:3]), pendingTxIDs(t, db))
	assert.Equal(t, int64(3), purger.lastPurgeBlock)
}

func TestPurgeDeposits(t *testing.T) {
	db := newTestDB(t)
	client := newTestClient(t)
	purger := NewPurger(db, client)
	owner := ethCommon.HexToAddress("0xd1")

	deposits := make([]common.PendingTx, 3)
	for i := range deposits {
		inner := test.GenInner(common.TxKindDeposit, i+1)
		inner.PublicOwner = owner
		deposits[i] = test.GenPendingTx(inner, t0.Add(time.Duration(i)*time.Second))
	}
	require.NoError(t, db.AddTxs(deposits))
	// the first deposit is already part of an unsettled rollup
	require.NoError(t, db.AddRollup(&common.RollupBatch{
		BatchNum:   1,
		RollupSize: rollupSize,
		ProofData:  []byte{1},
		TxIDs:      []common.TxID{deposits[0].TxID},
		Created:    t0,
	}))

	client.CtlDeposit(0, owner, big.NewInt(2500))
	client.CtlMineBlock()

	// 2500 covers the deposit in the rollup and one more
	counts, err := purger.Purge(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, map[PurgeCause]int{PurgeCauseDeposit: 1}, counts)
	assert.Equal(t, []common.TxID{deposits[1].TxID}, pendingTxIDs(t, db))
}

func TestPurgeNoPendingTxs(t *testing.T) {
	purger := NewPurger(newTestDB(t), newTestClient(t))
	counts, err := purger.Purge(context.Background(), 7)
	require.NoError(t, err)
	assert.Empty(t, counts)
	assert.Equal(t, int64(7), purger.lastPurgeBlock)
}
