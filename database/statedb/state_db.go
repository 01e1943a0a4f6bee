package statedb

import (
	"fmt"
	"math/big"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/kvdb"
	"tokamak-rollup-sequencer/log"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/constants"
	"github.com/iden3/go-merkletree"
	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	// TypeSynchronizer defines a StateDB used by the Synchronizer, that
	// replays the confirmed rollups
	TypeSynchronizer = "synchronizer"
	// TypeBatchBuilder defines a StateDB used by the BatchBuilder, that
	// applies the candidate rollup to compute its roots
	TypeBatchBuilder = "batchbuilder"
)

// TypeStateDB determines the type of StateDB
type TypeStateDB string

// Tree identifies one of the merkle trees of the world state
type Tree int

const (
	// DataTree holds the note commitments, two leaves per inner tx
	DataTree Tree = iota
	// NullTree holds the spent nullifiers
	NullTree
	// RootTree holds every data root by batch number
	RootTree
	numTrees
)

func (t Tree) String() string {
	switch t {
	case DataTree:
		return "data"
	case NullTree:
		return "null"
	case RootTree:
		return "root"
	default:
		return fmt.Sprintf("tree(%d)", int(t))
	}
}

var (
	// ErrInvalidTree is used when the Tree is not one of the world state
	// trees
	ErrInvalidTree = fmt.Errorf("invalid tree")

	// prefixKeyMT are the key prefixes of the merkle trees in the db
	prefixKeyMT = [numTrees][]byte{[]byte("md:"), []byte("mn:"), []byte("mr:")}
	// prefixKeyLeaf are the key prefixes of the raw leaf bytes in the db
	prefixKeyLeaf = [numTrees][]byte{[]byte("ld:"), []byte("ln:"), []byte("lr:")}
	// treeLevels are the number of levels of each tree
	treeLevels = [numTrees]int{common.RollupConstDataTreeLevels, common.RollupConstNullTreeLevels, common.RollupConstRootTreeLevels}
)

// Config of the StateDB
type Config struct {
	// Path where the checkpoints will be stored
	Path string
	// Keep is the number of old checkpoints to keep.  If 0, all
	// checkpoints are kept.
	Keep int
	// NoLast skips having an opened DB with a checkpoint to the last
	// batchNum for thread-safe reads.
	NoLast bool
	// Type of StateDB
	Type TypeStateDB
}

// StateDB is the world state: the data, nullifier and root trees over a
// checkpointed key value store. Writes go to the current state, Commit
// checkpoints it and Rollback discards everything since the last
// checkpoint.
type StateDB struct {
	cfg   Config
	db    *kvdb.KVDB
	trees [numTrees]*merkletree.MerkleTree
}

// NewStateDB opens the StateDB at cfg.Path, at its last checkpoint
func NewStateDB(cfg Config) (*StateDB, error) {
	kv, err := kvdb.NewKVDB(kvdb.Config{Path: cfg.Path, Keep: cfg.Keep, NoLast: cfg.NoLast})
	if err != nil {
		return nil, common.Wrap(err)
	}
	s := &StateDB{
		cfg: cfg,
		db:  kv,
	}
	if err := s.openTrees(); err != nil {
		return nil, common.Wrap(err)
	}
	return s, nil
}

// openTrees opens the merkle trees over the current s.db
func (s *StateDB) openTrees() error {
	for t := Tree(0); t < numTrees; t++ {
		mt, err := merkletree.NewMerkleTree(s.db.StorageWithPrefix(prefixKeyMT[t]), treeLevels[t])
		if err != nil {
			return common.Wrap(err)
		}
		s.trees[t] = mt
	}
	return nil
}

// Type returns the StateDB configured Type
func (s *StateDB) Type() TypeStateDB {
	return s.cfg.Type
}

// Close closes the StateDB.
func (s *StateDB) Close() {
	s.db.Close()
}

func checkTree(tree Tree) error {
	if tree < 0 || tree >= numTrees {
		return common.Wrap(fmt.Errorf("%w: %v", ErrInvalidTree, tree))
	}
	return nil
}

// leafKey returns the merkle tree key of index, reduced to the field
func leafKey(index *big.Int) *big.Int {
	return new(big.Int).Mod(index, constants.Q)
}

// LeafValue returns the merkle tree leaf of value: its keccak hash reduced
// to the field
func LeafValue(value []byte) *big.Int {
	return new(big.Int).Mod(new(big.Int).SetBytes(crypto.Keccak256(value)), constants.Q)
}

func leafDBKey(tree Tree, key *big.Int) []byte {
	var b [32]byte
	key.FillBytes(b[:])
	return append(append([]byte{}, prefixKeyLeaf[tree]...), b[:]...)
}

// Get returns the bytes stored at index of tree. Fails with
// db.ErrNotFound when nothing was stored there.
func (s *StateDB) Get(tree Tree, index *big.Int) ([]byte, error) {
	if err := checkTree(tree); err != nil {
		return nil, err
	}
	return getLeaf(s.db.DB(), tree, index)
}

func getLeaf(sto db.Storage, tree Tree, index *big.Int) ([]byte, error) {
	value, err := sto.Get(leafDBKey(tree, leafKey(index)))
	if err != nil {
		return nil, common.Wrap(err)
	}
	return value, nil
}

// Put stores value at index of tree and updates the tree with the hash of
// value as leaf, returning the processor proof of the change.
func (s *StateDB) Put(tree Tree, index *big.Int, value []byte) (*merkletree.CircomProcessorProof, error) {
	if err := checkTree(tree); err != nil {
		return nil, err
	}
	key := leafKey(index)
	dbKey := leafDBKey(tree, key)
	tx, err := s.db.DB().NewTx()
	if err != nil {
		return nil, common.Wrap(err)
	}
	_, err = tx.Get(dbKey)
	exists := true
	if common.Unwrap(err) == db.ErrNotFound {
		exists = false
	} else if err != nil {
		return nil, common.Wrap(err)
	}
	if err := tx.Put(dbKey, value); err != nil {
		return nil, common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, common.Wrap(err)
	}

	leaf := LeafValue(value)
	if exists {
		proof, err := s.trees[tree].Update(key, leaf)
		return proof, common.Wrap(err)
	}
	proof, err := s.trees[tree].AddAndGetCircomProof(key, leaf)
	return proof, common.Wrap(err)
}

// Root returns the root of tree
func (s *StateDB) Root(tree Tree) *big.Int {
	if checkTree(tree) != nil {
		return nil
	}
	return s.trees[tree].Root().BigInt()
}

// Roots returns the roots of the three trees
func (s *StateDB) Roots() common.Roots {
	return common.Roots{
		DataRoot: s.Root(DataTree),
		NullRoot: s.Root(NullTree),
		RootRoot: s.Root(RootTree),
	}
}

// MTGetProof returns the CircomVerifierProof of index in tree
func (s *StateDB) MTGetProof(tree Tree, index *big.Int) (*merkletree.CircomVerifierProof, error) {
	if err := checkTree(tree); err != nil {
		return nil, err
	}
	mt := s.trees[tree]
	p, err := mt.GenerateSCVerifierProof(leafKey(index), mt.Root())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return p, nil
}

// Commit checkpoints the current state as the next batch
func (s *StateDB) Commit() error {
	log.Debugw("Making StateDB checkpoint", "batch", s.CurrentBatch()+1, "type", s.cfg.Type)
	return common.Wrap(s.db.MakeCheckpoint())
}

// Rollback discards every write since the last checkpoint
func (s *StateDB) Rollback() error {
	return s.Reset(s.CurrentBatch())
}

// Reset resets the StateDB to the checkpoint at the given batchNum.
// Checkpoints after batchNum are deleted.
func (s *StateDB) Reset(batchNum common.BatchNum) error {
	log.Debugw("Making StateDB Reset", "batch", batchNum, "type", s.cfg.Type)
	if err := s.db.Reset(batchNum); err != nil {
		return common.Wrap(err)
	}
	return s.openTrees()
}

// CurrentBatch returns the batch of the last checkpoint
func (s *StateDB) CurrentBatch() common.BatchNum {
	return s.db.CurrentBatch
}

// CheckpointExists returns true if the checkpoint exists
func (s *StateDB) CheckpointExists(batchNum common.BatchNum) (bool, error) {
	return s.db.CheckpointExists(batchNum)
}

// Last is a read only view of the last checkpoint of a StateDB
type Last struct {
	db db.Storage
}

// Get returns the bytes stored at index of tree in the last checkpoint
func (l *Last) Get(tree Tree, index *big.Int) ([]byte, error) {
	if err := checkTree(tree); err != nil {
		return nil, err
	}
	return getLeaf(l.db, tree, index)
}

// Roots returns the roots of the trees in the last checkpoint
func (l *Last) Roots() (common.Roots, error) {
	var roots [numTrees]*big.Int
	for t := Tree(0); t < numTrees; t++ {
		mt, err := merkletree.NewMerkleTree(l.db.WithPrefix(prefixKeyMT[t]), treeLevels[t])
		if err != nil {
			return common.Roots{}, common.Wrap(err)
		}
		roots[t] = mt.Root().BigInt()
	}
	return common.Roots{DataRoot: roots[DataTree], NullRoot: roots[NullTree], RootRoot: roots[RootTree]}, nil
}

// LastRead is a thread-safe method to query the last checkpoint of the
// StateDB via the Last type methods
func (s *StateDB) LastRead(fn func(sdbLast *Last) error) error {
	return s.db.LastRead(
		func(db *pebble.Storage) error {
			return fn(&Last{
				db: db,
			})
		},
	)
}

// LastRoots is a thread-safe method to get the roots of the last
// checkpoint of the StateDB
func (s *StateDB) LastRoots() (common.Roots, error) {
	var roots common.Roots
	err := s.LastRead(func(sdb *Last) error {
		var err error
		roots, err = sdb.Roots()
		return err
	})
	return roots, common.Wrap(err)
}

// LocalStateDB is a StateDB that can copy the state of the synchronizer
// StateDB. It is used by the batch builder to apply candidate rollups
// without touching the synchronized state.
type LocalStateDB struct {
	*StateDB
	synchronizerStateDB *StateDB
}

// NewLocalStateDB returns a new LocalStateDB connected to the given
// synchronizerDB.  Checkpoints older than the value defined by `keep` will be
// deleted.
func NewLocalStateDB(cfg Config, synchronizerDB *StateDB) (*LocalStateDB, error) {
	cfg.NoLast = true
	s, err := NewStateDB(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &LocalStateDB{
		s,
		synchronizerDB,
	}, nil
}

// Reset performs a reset in the LocalStateDB. If fromSynchronizer is true, it
// gets the state from LocalStateDB.synchronizerStateDB for the given batchNum.
// If fromSynchronizer is false, get the state from LocalStateDB checkpoints.
func (l *LocalStateDB) Reset(batchNum common.BatchNum, fromSynchronizer bool) error {
	if fromSynchronizer {
		log.Debugw("Making StateDB ResetFromSynchronizer", "batch", batchNum, "type", l.cfg.Type)
		if err := l.db.ResetFromSynchronizer(batchNum, l.synchronizerStateDB.db); err != nil {
			return common.Wrap(err)
		}
		return l.openTrees()
	}
	return l.StateDB.Reset(batchNum)
}
