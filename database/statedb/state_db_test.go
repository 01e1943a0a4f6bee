package statedb

import (
	"math/big"
	"testing"

	"tokamak-rollup-sequencer/common"

	"github.com/iden3/go-iden3-crypto/constants"
	"github.com/iden3/go-merkletree/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStateDB(t *testing.T, typ TypeStateDB) *StateDB {
	sdb, err := NewStateDB(Config{Path: t.TempDir(), Keep: 128, Type: typ})
	require.NoError(t, err)
	t.Cleanup(sdb.Close)
	return sdb
}

func TestGetPut(t *testing.T) {
	sdb := newTestStateDB(t, TypeSynchronizer)
	emptyRoots := sdb.Roots()

	_, err := sdb.Get(DataTree, big.NewInt(0))
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))

	_, err = sdb.Put(DataTree, big.NewInt(0), []byte("note0"))
	require.NoError(t, err)
	_, err = sdb.Put(DataTree, big.NewInt(1), []byte("note1"))
	require.NoError(t, err)
	v, err := sdb.Get(DataTree, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("note1"), v)
	assert.NotEqual(t, emptyRoots.DataRoot, sdb.Root(DataTree))
	// Other trees untouched
	assert.Equal(t, 0, emptyRoots.NullRoot.Cmp(sdb.Root(NullTree)))
	assert.Equal(t, 0, emptyRoots.RootRoot.Cmp(sdb.Root(RootTree)))

	// Overwrite updates the leaf
	dataRoot := sdb.Root(DataTree)
	_, err = sdb.Put(DataTree, big.NewInt(1), []byte("note1 bis"))
	require.NoError(t, err)
	assert.NotEqual(t, dataRoot, sdb.Root(DataTree))

	_, err = sdb.Put(Tree(7), big.NewInt(1), []byte{1})
	assert.True(t, common.IsErr(err, ErrInvalidTree))
}

func TestBigIndex(t *testing.T) {
	sdb := newTestStateDB(t, TypeSynchronizer)
	// A nullifier is a 256 bits value, reduced to the field
	nullifier := new(big.Int).Add(constants.Q, big.NewInt(5))
	_, err := sdb.Put(NullTree, nullifier, []byte{1})
	require.NoError(t, err)
	v, err := sdb.Get(NullTree, big.NewInt(5))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, v)

	_, err = sdb.MTGetProof(NullTree, big.NewInt(5))
	require.NoError(t, err)
}

func TestRootsDeterministic(t *testing.T) {
	a := newTestStateDB(t, TypeSynchronizer)
	b := newTestStateDB(t, TypeSynchronizer)
	for i := int64(0); i < 4; i++ {
		_, err := a.Put(DataTree, big.NewInt(i), []byte{byte(i)})
		require.NoError(t, err)
	}
	// Insertion order does not matter
	for i := int64(3); i >= 0; i-- {
		_, err := b.Put(DataTree, big.NewInt(i), []byte{byte(i)})
		require.NoError(t, err)
	}
	assert.True(t, a.Roots().Equal(b.Roots()))
}

func TestCommitRollback(t *testing.T) {
	sdb := newTestStateDB(t, TypeSynchronizer)
	assert.Equal(t, common.BatchNum(0), sdb.CurrentBatch())

	_, err := sdb.Put(DataTree, big.NewInt(0), []byte("a"))
	require.NoError(t, err)
	require.NoError(t, sdb.Commit())
	assert.Equal(t, common.BatchNum(1), sdb.CurrentBatch())
	roots1 := sdb.Roots()

	lastRoots, err := sdb.LastRoots()
	require.NoError(t, err)
	assert.True(t, roots1.Equal(lastRoots))

	_, err = sdb.Put(DataTree, big.NewInt(1), []byte("b"))
	require.NoError(t, err)
	_, err = sdb.Put(NullTree, big.NewInt(9), []byte{1})
	require.NoError(t, err)
	assert.False(t, roots1.Equal(sdb.Roots()))
	// Uncommitted writes are not visible in the last checkpoint
	lastRoots, err = sdb.LastRoots()
	require.NoError(t, err)
	assert.True(t, roots1.Equal(lastRoots))

	require.NoError(t, sdb.Rollback())
	assert.True(t, roots1.Equal(sdb.Roots()))
	_, err = sdb.Get(DataTree, big.NewInt(1))
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))

	require.NoError(t, sdb.Reset(0))
	assert.Equal(t, common.BatchNum(0), sdb.CurrentBatch())
	_, err = sdb.Get(DataTree, big.NewInt(0))
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
	exists, err := sdb.CheckpointExists(1)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReopen(t *testing.T) {
	dir := t.TempDir()
	sdb, err := NewStateDB(Config{Path: dir, Keep: 128, Type: TypeSynchronizer})
	require.NoError(t, err)
	_, err = sdb.Put(RootTree, big.NewInt(1), []byte("root"))
	require.NoError(t, err)
	require.NoError(t, sdb.Commit())
	roots := sdb.Roots()
	sdb.Close()

	sdb, err = NewStateDB(Config{Path: dir, Keep: 128, Type: TypeSynchronizer})
	require.NoError(t, err)
	defer sdb.Close()
	assert.Equal(t, common.BatchNum(1), sdb.CurrentBatch())
	assert.True(t, roots.Equal(sdb.Roots()))
}

func TestLocalStateDB(t *testing.T) {
	sdb := newTestStateDB(t, TypeSynchronizer)
	_, err := sdb.Put(DataTree, big.NewInt(0), []byte("a"))
	require.NoError(t, err)
	require.NoError(t, sdb.Commit())

	ldb, err := NewLocalStateDB(Config{Path: t.TempDir(), Keep: 128, Type: TypeBatchBuilder}, sdb)
	require.NoError(t, err)
	defer ldb.Close()
	require.NoError(t, ldb.Reset(1, true))
	assert.True(t, sdb.Roots().Equal(ldb.Roots()))

	// Writes on the local copy do not reach the synchronizer state
	_, err = ldb.Put(DataTree, big.NewInt(1), []byte("b"))
	require.NoError(t, err)
	assert.False(t, sdb.Roots().Equal(ldb.Roots()))
	_, err = sdb.Get(DataTree, big.NewInt(1))
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))

	require.NoError(t, ldb.Reset(0, true))
	_, err = ldb.Get(DataTree, big.NewInt(0))
	assert.Equal(t, db.ErrNotFound, common.Unwrap(err))
}
