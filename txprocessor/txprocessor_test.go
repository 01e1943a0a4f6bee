package txprocessor

import (
	"math/big"
	"testing"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/statedb"
	"tokamak-rollup-sequencer/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTxProcessor(t *testing.T) *TxProcessor {
	sdb, err := statedb.NewStateDB(statedb.Config{Path: t.TempDir(), Keep: 128,
		Type: statedb.TypeSynchronizer})
	require.NoError(t, err)
	t.Cleanup(sdb.Close)
	return NewTxProcessor(sdb, Config{RollupSize: 4})
}

func entries(seeds ...int) []common.InnerProofData {
	e := make([]common.InnerProofData, len(seeds))
	for i, seed := range seeds {
		e[i] = test.GenInner(common.TxKindTransfer, seed)
	}
	return e
}

func TestProcessRollup(t *testing.T) {
	tp := newTestTxProcessor(t)
	sdb := tp.StateDB()
	rollup := append(entries(0, 1), common.InnerProofData{})
	out, err := tp.ProcessRollup(1, 0, rollup)
	require.NoError(t, err)
	assert.Equal(t, 2, out.NumTxs)
	assert.False(t, out.RootsBefore.Equal(out.RootsAfter))
	assert.True(t, out.RootsAfter.Equal(sdb.Roots()))

	// Notes at 2i and 2i+1
	v, err := sdb.Get(statedb.DataTree, big.NewInt(3))
	require.NoError(t, err)
	assert.Equal(t, rollup[1].NoteCommitment2[:], v)
	// Padding slot left empty
	_, err = sdb.Get(statedb.DataTree, big.NewInt(4))
	assert.Error(t, err)
	// Nullifiers spent
	_, err = sdb.Get(statedb.NullTree, new(big.Int).SetBytes(rollup[0].Nullifier1[:]))
	require.NoError(t, err)
	// Data root recorded at the batch number
	v, err = sdb.Get(statedb.RootTree, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, 0, new(big.Int).SetBytes(v).Cmp(out.RootsAfter.DataRoot))
}

func TestProcessRollupDoubleSpend(t *testing.T) {
	tp := newTestTxProcessor(t)
	_, err := tp.ProcessRollup(1, 0, entries(0))
	require.NoError(t, err)
	require.NoError(t, tp.StateDB().Commit())

	again := entries(5)
	again[0].Nullifier2 = test.Nullifier(0)
	_, err = tp.ProcessRollup(2, common.DataStartIndex(2, 4), again)
	assert.True(t, common.IsErr(err, common.ErrNullifierExists))
}

func TestProcessRollupTooManyEntries(t *testing.T) {
	tp := newTestTxProcessor(t)
	_, err := tp.ProcessRollup(1, 0, entries(0, 1, 2, 3, 4))
	assert.Error(t, err)
}

func TestReplayIdempotent(t *testing.T) {
	tp := newTestTxProcessor(t)
	sdb := tp.StateDB()
	first, err := tp.ProcessRollup(1, 0, entries(0, 1))
	require.NoError(t, err)
	require.NoError(t, sdb.Rollback())

	second, err := tp.ProcessRollup(1, 0, entries(0, 1))
	require.NoError(t, err)
	assert.True(t, first.RootsAfter.Equal(second.RootsAfter))
	assert.True(t, first.RootsBefore.Equal(second.RootsBefore))
}
