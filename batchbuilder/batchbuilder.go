package batchbuilder

import (
	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/statedb"
	"tokamak-rollup-sequencer/txprocessor"
)

// BatchBuilder implements the batch builder type, which contains the
// functionalities
type BatchBuilder struct {
	localStateDB *statedb.LocalStateDB
	rollupSize   int
}

// ConfigBatch contains the batch configuration
type ConfigBatch struct {
	TxProcessorConfig txprocessor.Config
}

// NewBatchBuilder constructs a new BatchBuilder, and executes the bb.Reset
// method
func NewBatchBuilder(dbpath string, synchronizerStateDB *statedb.StateDB, batchNum common.BatchNum,
	keep, rollupSize int) (*BatchBuilder, error) {
	localStateDB, err := statedb.NewLocalStateDB(
		statedb.Config{
			Path: dbpath,
			Keep: keep,
			Type: statedb.TypeBatchBuilder,
		},
		synchronizerStateDB)
	if err != nil {
		return nil, common.Wrap(err)
	}

	bb := BatchBuilder{
		localStateDB: localStateDB,
		rollupSize:   rollupSize,
	}

	err = bb.Reset(batchNum, true)
	return &bb, common.Wrap(err)
}

// Reset tells the BatchBuilder to reset it's internal state to the required
// `batchNum`.  If `fromSynchronizer` is true, the BatchBuilder must take a
// copy of the rollup state from the Synchronizer at that `batchNum`, otherwise
// it can just roll back the internal copy.
func (bb *BatchBuilder) Reset(batchNum common.BatchNum, fromSynchronizer bool) error {
	return common.Wrap(bb.localStateDB.Reset(batchNum, fromSynchronizer))
}

// BuildBatch applies the txs on the local copy of the world state as rollup
// batchNum and returns the proof request with the resulting roots. The local
// state must be at batchNum-1. On error the local state is rolled back.
func (bb *BatchBuilder) BuildBatch(configBatch *ConfigBatch, batchNum common.BatchNum,
	txs []common.PendingTx) (*common.ZKInputs, *common.RollupProofData, error) {
	entries := make([]common.InnerProofData, len(txs))
	for i := range txs {
		entries[i] = txs[i].InnerProofData()
	}
	tp := txprocessor.NewTxProcessor(bb.localStateDB.StateDB, configBatch.TxProcessorConfig)
	dataStartIndex := common.DataStartIndex(batchNum, bb.rollupSize)
	out, err := tp.ProcessRollup(batchNum, dataStartIndex, entries)
	if err != nil {
		if rerr := bb.localStateDB.Rollback(); rerr != nil {
			return nil, nil, common.Wrap(rerr)
		}
		return nil, nil, common.Wrap(err)
	}
	proof := &common.RollupProofData{
		BatchNum:       batchNum,
		RollupSize:     bb.rollupSize,
		DataStartIndex: dataStartIndex,
		RootsBefore:    out.RootsBefore,
		RootsAfter:     out.RootsAfter,
		InnerProofs:    entries,
	}
	zki, err := common.NewZKInputs(proof, txs)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	if err := bb.localStateDB.Commit(); err != nil {
		return nil, nil, common.Wrap(err)
	}
	return zki, proof, nil
}

// LocalStateDB returns the underlying LocalStateDB
func (bb *BatchBuilder) LocalStateDB() *statedb.LocalStateDB {
	return bb.localStateDB
}
