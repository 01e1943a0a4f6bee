/*
Package txprocessor applies the inner txs of a rollup to the world state.

It's a package used by 2 other different packages, and its behaviour is the
same for both, only the caller differs:

  - Synchronizer: replays every confirmed rollup on the synchronizer
    StateDB, checking the resulting roots against the ones published in
    the ledger.
  - BatchBuilder: applies a candidate rollup on a LocalStateDB copy to
    compute the roots the proof will commit to.

For each non padding inner tx at slot i of a rollup:
  - the note commitments are inserted in the data tree at
    DataStartIndex+2i and DataStartIndex+2i+1
  - each nullifier is inserted in the null tree, indexed by itself. A
    nullifier already present is a double spend.

Once all the txs are processed, the new data root is inserted in the root
tree at the batch number.
*/
package txprocessor

import (
	"fmt"
	"math/big"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/statedb"
	"tokamak-rollup-sequencer/log"

	"github.com/iden3/go-merkletree/db"
)

// nullifierLeaf is the value stored in the null tree for a spent nullifier
var nullifierLeaf = []byte{1}

// TxProcessor represents the TxProcessor object
type TxProcessor struct {
	state  *statedb.StateDB
	config Config
}

// Config contains the TxProcessor configuration parameters
type Config struct {
	// RollupSize is the number of slots of a rollup
	RollupSize int
}

// ProcessTxOutput contains the output of the ProcessRollup method
type ProcessTxOutput struct {
	RootsBefore common.Roots
	RootsAfter  common.Roots
	// NumTxs is the number of non padding txs applied
	NumTxs int
}

// NewTxProcessor returns a new TxProcessor with the given *StateDB & Config
func NewTxProcessor(state *statedb.StateDB, config Config) *TxProcessor {
	return &TxProcessor{
		state:  state,
		config: config,
	}
}

// StateDB returns a pointer to the StateDB of the TxProcessor
func (tp *TxProcessor) StateDB() *statedb.StateDB {
	return tp.state
}

// ProcessRollup applies the entries of rollup batchNum, whose first data
// tree index is dataStartIndex. The writes are not committed: the caller
// decides whether to Commit or Rollback the StateDB.
func (tp *TxProcessor) ProcessRollup(batchNum common.BatchNum, dataStartIndex uint64,
	entries []common.InnerProofData) (*ProcessTxOutput, error) {
	if tp.config.RollupSize > 0 && len(entries) > tp.config.RollupSize {
		return nil, common.Wrap(fmt.Errorf("%d entries exceed the rollup size %d",
			len(entries), tp.config.RollupSize))
	}
	out := &ProcessTxOutput{
		RootsBefore: tp.state.Roots(),
	}
	for i := range entries {
		entry := &entries[i]
		if entry.IsPadding() {
			continue
		}
		if err := tp.processEntry(dataStartIndex+2*uint64(i), entry); err != nil {
			return nil, common.Wrap(fmt.Errorf("batch %d slot %d: %w", batchNum, i, err))
		}
		out.NumTxs++
	}
	dataRoot := tp.state.Root(statedb.DataTree)
	var rootBytes [32]byte
	dataRoot.FillBytes(rootBytes[:])
	if _, err := tp.state.Put(statedb.RootTree, batchNum.BigInt(), rootBytes[:]); err != nil {
		return nil, common.Wrap(err)
	}
	out.RootsAfter = tp.state.Roots()
	log.Debugw("TxProcessor: rollup processed", "batch", batchNum, "txs", out.NumTxs,
		"type", tp.state.Type(), "roots", out.RootsAfter.String())
	return out, nil
}

func (tp *TxProcessor) processEntry(dataIndex uint64, entry *common.InnerProofData) error {
	notes := [2][32]byte{entry.NoteCommitment1, entry.NoteCommitment2}
	for j, note := range notes {
		if note == common.EmptyHash {
			continue
		}
		index := new(big.Int).SetUint64(dataIndex + uint64(j))
		if _, err := tp.state.Put(statedb.DataTree, index, note[:]); err != nil {
			return common.Wrap(err)
		}
	}
	for _, nullifier := range [2][32]byte{entry.Nullifier1, entry.Nullifier2} {
		if nullifier == common.EmptyHash {
			continue
		}
		index := new(big.Int).SetBytes(nullifier[:])
		_, err := tp.state.Get(statedb.NullTree, index)
		if err == nil {
			return common.Wrap(fmt.Errorf("%w: %x already spent",
				common.ErrNullifierExists, nullifier))
		} else if common.Unwrap(err) != db.ErrNotFound {
			return common.Wrap(err)
		}
		if _, err := tp.state.Put(statedb.NullTree, index, nullifierLeaf); err != nil {
			return common.Wrap(err)
		}
	}
	return nil
}
