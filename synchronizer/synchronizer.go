/*
Package synchronizer keeps the local world state and the tx store in line
with the rollups confirmed by the ledger.

Blocks are synchronized one at a time.  For every rollup confirmed in a block
the synchronizer checks whether it is the rollup this node published (same
roots after the batch): if so the stored rollup and its txs are settled,
otherwise the rollup is imported as settled and any local rollup with the
same number is dropped, returning its txs to pending.  In both cases the
entries are applied on the world state and the resulting roots must match the
confirmed ones.

Once a block with rollups is persisted, the Purger deletes the pending txs
that the new settled state invalidates: txs spending a settled nullifier,
deposits above the pending deposit of their owner and the txs chained to
them.  This happens for every such block, whether the node is synced or not
and whether or not a rollup of this node is waiting for confirmation.

Before persisting a block with rollups (or a reorg) the Aggregator is
interrupted, and once the block is persisted and purged it is restarted with
the new stats.
*/
package synchronizer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/database/statedb"
	"tokamak-rollup-sequencer/eth"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/metric"
	"tokamak-rollup-sequencer/txprocessor"

	"github.com/ethereum/go-ethereum"
)

// Aggregator builds rollups on top of the synchronized state.  It is
// interrupted while the synchronizer persists a block with rollups and
// restarted afterwards.
type Aggregator interface {
	// Interrupt stops any rollup in progress and returns once it has
	// stopped
	Interrupt(ctx context.Context)
	// Restart starts building rollups on top of the state in stats
	Restart(ctx context.Context, stats *Stats) error
}

// Stats of the synchronizer
type Stats struct {
	Eth struct {
		UpdateBlockNumDiffThreshold uint16
		UpdateFrequencyDivider      uint16
		FirstBlockNum               int64
		LastBlock                   common.Block
		LastBatchNum                common.BatchNum
	}
	Sync struct {
		Updated   time.Time
		LastBlock common.Block
		LastBatch common.BatchNum
		// LastBatchTime is the time of the block that settled LastBatch
		LastBatchTime time.Time
	}
}

// Synced returns true if the Synchronizer is up to date with the last ethereum block
func (s *Stats) Synced() bool {
	return s.Eth.LastBlock.Num == s.Sync.LastBlock.Num
}

// StatsHolder stores stats and that allows reading and writing them
// concurrently
type StatsHolder struct {
	Stats
	rw sync.RWMutex
}

// NewStatsHolder creates a new StatsHolder
func NewStatsHolder(firstBlockNum int64, updateBlockNumDiffThreshold uint16, updateFrequencyDivider uint16) *StatsHolder {
	stats := Stats{}
	stats.Eth.UpdateBlockNumDiffThreshold = updateBlockNumDiffThreshold
	stats.Eth.UpdateFrequencyDivider = updateFrequencyDivider
	stats.Eth.FirstBlockNum = firstBlockNum
	return &StatsHolder{Stats: stats}
}

// UpdateSync updates the synchronizer stats.  lastBatchTime is only used
// when lastBatch is not nil.
func (s *StatsHolder) UpdateSync(lastBlock *common.Block, lastBatch *common.BatchNum,
	lastBatchTime time.Time) {
	now := time.Now()
	s.rw.Lock()
	s.Sync.LastBlock = *lastBlock
	if lastBatch != nil {
		s.Sync.LastBatch = *lastBatch
		s.Sync.LastBatchTime = lastBatchTime
	}
	s.Sync.Updated = now
	s.rw.Unlock()
}

// CopyStats returns a copy of the inner Stats
func (s *StatsHolder) CopyStats() *Stats {
	s.rw.RLock()
	sCopy := s.Stats
	s.rw.RUnlock()
	return &sCopy
}

// UpdateEth updates the ethereum stats
func (s *StatsHolder) UpdateEth(ctx context.Context, ethClient eth.ClientInterface) error {
	lastBlock, err := ethClient.EthBlockByNumber(ctx, -1)
	if err != nil {
		return common.Wrap(fmt.Errorf("EthBlockByNumber: %w", err))
	}
	lastBatchNum, err := ethClient.RollupLastBatch(ctx)
	if err != nil {
		return common.Wrap(fmt.Errorf("RollupLastBatch: %w", err))
	}
	s.rw.Lock()
	s.Eth.LastBlock = *lastBlock
	s.Eth.LastBatchNum = lastBatchNum
	s.rw.Unlock()
	return nil
}

func (s *StatsHolder) blocksPerc() float64 {
	syncLastBlockNum := s.Sync.LastBlock.Num
	if s.Sync.LastBlock.Num == 0 {
		syncLastBlockNum = s.Eth.FirstBlockNum - 1
	}
	return float64(syncLastBlockNum-(s.Eth.FirstBlockNum-1)) * 100.0 /
		float64(s.Eth.LastBlock.Num-(s.Eth.FirstBlockNum-1))
}

func (s *StatsHolder) batchesPerc(batchNum common.BatchNum) float64 {
	if s.Eth.LastBatchNum == 0 {
		return 100.0
	}
	return float64(batchNum) * 100.0 /
		float64(s.Eth.LastBatchNum)
}

// Config is the Synchronizer configuration
type Config struct {
	StatsUpdateBlockNumDiffThreshold uint16
	StatsUpdateFrequencyDivider      uint16
	// StartBlockNum is the first block synchronized
	StartBlockNum int64
}

// Synchronizer implements the Synchronizer type
type Synchronizer struct {
	EthClient        eth.ClientInterface
	db               rollupdb.DB
	stateDB          *statedb.StateDB
	aggregator       Aggregator
	cfg              Config
	startBlockNum    int64
	stats            *StatsHolder
	resetStateFailed bool
	purger           *Purger
	// purgeFailed is set when the purge after a persisted block failed, so
	// that it is retried on the next Sync
	purgeFailed bool
}

// NewSynchronizer creates a new Synchronizer.  aggregator may be nil when
// the node doesn't build rollups.  Init must be called before Sync.
func NewSynchronizer(
	ethClient eth.ClientInterface,
	db rollupdb.DB,
	stateDB *statedb.StateDB,
	aggregator Aggregator,
	cfg Config,
) *Synchronizer {
	stats := NewStatsHolder(cfg.StartBlockNum, cfg.StatsUpdateBlockNumDiffThreshold,
		cfg.StatsUpdateFrequencyDivider)
	return &Synchronizer{
		EthClient:     ethClient,
		db:            db,
		stateDB:       stateDB,
		aggregator:    aggregator,
		cfg:           cfg,
		startBlockNum: cfg.StartBlockNum,
		stats:         stats,
		purger:        NewPurger(db, ethClient),
	}
}

// SetAggregator sets the Aggregator driven by the Synchronizer
func (s *Synchronizer) SetAggregator(aggregator Aggregator) {
	s.aggregator = aggregator
}

// StateDB returns the inner StateDB
func (s *Synchronizer) StateDB() *statedb.StateDB {
	return s.stateDB
}

// Stats returns a copy of the Synchronizer Stats.  It is safe to call Stats()
// during a Sync call
func (s *Synchronizer) Stats() *Stats {
	return s.stats.CopyStats()
}

// Init prepares the Synchronizer after a start: the rollups left unconfirmed
// by a previous run are deleted and the world state is reset to the last
// settled rollup of the last synchronized block.  The blocks after it are
// synchronized by the following Sync calls.
func (s *Synchronizer) Init(ctx context.Context) error {
	// Update stats parameters so that they have valid values before the
	// first Sync call
	if err := s.stats.UpdateEth(ctx, s.EthClient); err != nil {
		return common.Wrap(err)
	}
	rollups, err := s.db.GetUnsettledRollups()
	if err != nil {
		return common.Wrap(err)
	}
	if len(rollups) > 0 {
		log.Infow("Sync init: deleting unsettled rollups", "rollups", len(rollups),
			"firstBatch", rollups[0].BatchNum)
		if err := s.db.DeleteUnsettledRollups(); err != nil {
			return common.Wrap(err)
		}
	}

	lastBlock := &common.Block{}
	lastSavedBlock, err := s.db.GetLastBlock()
	if common.IsErr(err, common.ErrBlockNotFound) {
		// make sure that the stateDB is clean
		if err := s.stateDB.Reset(0); err != nil {
			return common.Wrap(err)
		}
	} else if err != nil {
		return common.Wrap(err)
	} else {
		lastBlock = lastSavedBlock
	}

	if err := s.resetState(lastBlock); err != nil {
		s.resetStateFailed = true
		return common.Wrap(err)
	}
	s.resetStateFailed = false

	// the aggregator is not running yet
	if _, err := s.purger.Purge(ctx, lastBlock.Num); err != nil {
		return common.Wrap(err)
	}

	log.Infow("Sync init block",
		"syncLastBlock", s.stats.Sync.LastBlock.Num,
		"ethFirstBlockNum", s.stats.Eth.FirstBlockNum,
		"ethLastBlock", s.stats.Eth.LastBlock.Num,
	)
	log.Infow("Sync init batch",
		"syncLastBatch", s.stats.Sync.LastBatch,
		"ethLastBatch", s.stats.Eth.LastBatchNum,
	)
	return nil
}

func (s *Synchronizer) resetIntermediateState() error {
	lastBlock, err := s.db.GetLastBlock()
	if common.IsErr(err, common.ErrBlockNotFound) {
		lastBlock = &common.Block{}
	} else if err != nil {
		return common.Wrap(fmt.Errorf("db.GetLastBlock: %w", err))
	}
	if err := s.resetState(lastBlock); err != nil {
		s.resetStateFailed = true
		return common.Wrap(fmt.Errorf("resetState at block %v: %w", lastBlock.Num, err))
	}
	s.resetStateFailed = false
	return nil
}

// resetState sets the world state at the last settled rollup.  When its
// checkpoint is missing, the state is rebuilt from the newest checkpoint
// available by replaying the settled rollups stored in the tx store.
func (s *Synchronizer) resetState(block *common.Block) error {
	var batchNum common.BatchNum
	var batchTime time.Time
	last, err := s.db.GetLastSettledRollup()
	if common.IsErr(err, common.ErrRollupNotFound) {
		// nothing settled yet
	} else if err != nil {
		return common.Wrap(fmt.Errorf("db.GetLastSettledRollup: %w", err))
	} else {
		batchNum = last.BatchNum
		batchTime = *last.Mined
	}

	from := batchNum
	for from > 0 {
		exists, err := s.stateDB.CheckpointExists(from)
		if err != nil {
			return common.Wrap(err)
		}
		if exists {
			break
		}
		from--
	}
	if err := s.stateDB.Reset(from); err != nil {
		return common.Wrap(fmt.Errorf("stateDB.Reset: %w", err))
	}
	if from < batchNum {
		log.Warnw("Sync: rebuilding world state", "fromBatch", from, "toBatch", batchNum)
		rollups, err := s.db.GetSettledRollups(from + 1)
		if err != nil {
			return common.Wrap(err)
		}
		for i := range rollups {
			if rollups[i].BatchNum > batchNum {
				break
			}
			proof, err := common.DecodeRollupProofData(rollups[i].ProofData)
			if err != nil {
				return common.Wrap(err)
			}
			if err := s.applyBatch(common.NewConfirmedBatch(proof)); err != nil {
				return common.Wrap(err)
			}
		}
	}

	s.stats.UpdateSync(block, &batchNum, batchTime)
	return nil
}

// Sync attempts to synchronize an ethereum block starting from lastSavedBlock.
// If lastSavedBlock is nil, the lastSavedBlock value is obtained from de DB.
// If a block is synced, it will be returned and also stored in the DB.  If a
// reorg is detected, the number of discarded blocks will be returned and no
// synchronization will be made.
func (s *Synchronizer) Sync(ctx context.Context,
	lastSavedBlock *common.Block) (blockData *common.BlockData, discarded *int64, err error) {
	if s.resetStateFailed {
		if err := s.resetIntermediateState(); err != nil {
			return nil, nil, common.Wrap(err)
		}
	}

	var nextBlockNum int64 // next block number to sync
	if lastSavedBlock == nil {
		// Get lastSavedBlock from the DB
		lastSavedBlock, err = s.db.GetLastBlock()
		if err != nil && !common.IsErr(err, common.ErrBlockNotFound) {
			return nil, nil, common.Wrap(err)
		}
		// If we don't have any stored block, we must do a full sync
		// starting from the startBlockNum
		if common.IsErr(err, common.ErrBlockNotFound) {
			nextBlockNum = s.startBlockNum
			lastSavedBlock = nil
		}
	}
	if lastSavedBlock != nil {
		nextBlockNum = lastSavedBlock.Num + 1
		if lastSavedBlock.Num < s.startBlockNum {
			return nil, nil, common.Wrap(
				fmt.Errorf("lastSavedBlock (%v) < startBlockNum (%v)",
					lastSavedBlock.Num, s.startBlockNum))
		}
	}

	ethBlock, err := s.EthClient.EthBlockByNumber(ctx, nextBlockNum)
	if common.Unwrap(err) == ethereum.NotFound {
		return nil, nil, nil
	} else if err != nil {
		return nil, nil, common.Wrap(fmt.Errorf("EthBlockByNumber: %w", err))
	}
	log.Debugf("ethBlock: num: %v, parent: %v, hash: %v",
		ethBlock.Num, ethBlock.ParentHash.String(), ethBlock.Hash.String())

	// While having more blocks to sync than UpdateBlockNumDiffThreshold, UpdateEth will be called once in
	// UpdateFrequencyDivider blocks
	if nextBlockNum+int64(s.stats.Eth.UpdateBlockNumDiffThreshold) >= s.stats.Eth.LastBlock.Num ||
		s.stats.Eth.UpdateFrequencyDivider == 0 ||
		nextBlockNum%int64(s.stats.Eth.UpdateFrequencyDivider) == 0 {
		if err := s.stats.UpdateEth(ctx, s.EthClient); err != nil {
			return nil, nil, common.Wrap(err)
		}
	}

	log.Debugw("Syncing...",
		"block", nextBlockNum,
		"ethLastBlock", s.stats.Eth.LastBlock.Num,
	)

	// Check that the obtained ethBlock.ParentHash == prevEthBlock.Hash; if not, reorg!
	if lastSavedBlock != nil {
		if lastSavedBlock.Hash != ethBlock.ParentHash {
			// Reorg detected
			log.Debugw("Reorg Detected",
				"blockNum", ethBlock.Num,
				"block.parent(got)", ethBlock.ParentHash, "parent.hash(exp)", lastSavedBlock.Hash)
			lastDBBlockNum, err := s.reorg(ctx, lastSavedBlock)
			if err != nil {
				return nil, nil, common.Wrap(err)
			}
			discarded := lastSavedBlock.Num - lastDBBlockNum
			metric.Reorgs.Inc()
			return nil, &discarded, nil
		}
	}

	// Get data from the rollup contract
	rollupData, err := s.rollupSync(ctx, ethBlock)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}

	needsPurge := len(rollupData.Batches) > 0 || s.purgeFailed
	if needsPurge {
		s.interruptAggregator(ctx)
		defer s.restartAggregator(ctx)
	}

	defer func() {
		// If there was an error during sync, reset to the last block
		// in the DB because the block is written last in the Sync
		// method and is the source of consistency.  This allows
		// resetting the stateDB in the case a batch was processed but
		// the block was not stored due to an error.
		if err != nil {
			if err2 := s.resetIntermediateState(); err2 != nil {
				log.Errorw("sync revert", "err", err2)
			}
		}
	}()

	for i := range rollupData.Batches {
		if err = s.reconcile(&rollupData.Batches[i]); err != nil {
			return nil, nil, common.Wrap(err)
		}
	}

	if err = s.db.AddBlock(ethBlock); err != nil {
		return nil, nil, common.Wrap(err)
	}
	if needsPurge {
		s.purge(ctx, ethBlock.Num)
	}

	blockData = &common.BlockData{
		Block:  *ethBlock,
		Rollup: *rollupData,
	}

	batchesLen := len(rollupData.Batches)
	if batchesLen == 0 {
		s.stats.UpdateSync(ethBlock, nil, time.Time{})
	} else {
		lastBatch := rollupData.Batches[batchesLen-1].BatchNum
		s.stats.UpdateSync(ethBlock, &lastBatch, ethBlock.Timestamp)
	}

	for i := range rollupData.Batches {
		batchNum := rollupData.Batches[i].BatchNum
		metric.LastBatchNum.Set(float64(batchNum))
		log.Debugw("Synced batch",
			"syncLastBatch", batchNum,
			"syncBatchesPerc", s.stats.batchesPerc(batchNum),
			"ethLastBatch", s.stats.Eth.LastBatchNum,
		)
	}
	metric.LastBlockNum.Set(float64(s.stats.Sync.LastBlock.Num))
	metric.EthLastBlockNum.Set(float64(s.stats.Eth.LastBlock.Num))

	log.Debugw("Synced block",
		"syncLastBlockNum", s.stats.Sync.LastBlock.Num,
		"syncBlocksPerc", s.stats.blocksPerc(),
		"ethLastBlockNum", s.stats.Eth.LastBlock.Num,
	)

	return blockData, nil, nil
}

// purge runs the Purger after a persisted block.  The block is already
// stored, so a failure doesn't fail the Sync: the purge is retried with the
// next block.
func (s *Synchronizer) purge(ctx context.Context, blockNum int64) {
	if _, err := s.purger.Purge(ctx, blockNum); err != nil {
		log.Errorw("Sync: purging pending txs", "block", blockNum, "err", err)
		s.purgeFailed = true
		return
	}
	s.purgeFailed = false
}

func (s *Synchronizer) interruptAggregator(ctx context.Context) {
	if s.aggregator == nil {
		return
	}
	s.aggregator.Interrupt(ctx)
}

// restartAggregator is always paired with interruptAggregator, also when the
// block could not be persisted
func (s *Synchronizer) restartAggregator(ctx context.Context) {
	if s.aggregator == nil {
		return
	}
	if err := s.aggregator.Restart(ctx, s.stats.CopyStats()); err != nil {
		log.Errorw("Aggregator.Restart", "err", err)
	}
}

// rollupSync gets the confirmed rollups of a block
func (s *Synchronizer) rollupSync(ctx context.Context, ethBlock *common.Block) (*common.RollupData, error) {
	rollupData := common.NewRollupData()
	events, err := s.EthClient.RollupEventsByBlock(ctx, ethBlock.Num, &ethBlock.Hash)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("RollupEventsByBlock: %w", err))
	}
	// No events in this block
	if events == nil {
		return &rollupData, nil
	}
	for i := range events.Deposit {
		deposit := &events.Deposit[i]
		log.Debugw("Sync: deposit", "block", ethBlock.Num, "asset", deposit.AssetID,
			"depositor", deposit.Depositor.Hex(), "value", deposit.Value)
	}
	for i := range events.RollupProcessed {
		evt := &events.RollupProcessed[i]
		if evt.ProofData == nil {
			return nil, common.Wrap(fmt.Errorf("rollup %d in block %d without proof data",
				evt.BatchNum, ethBlock.Num))
		}
		batch := common.NewConfirmedBatch(evt.ProofData)
		batch.EthTxHash = evt.EthTxHash
		batch.EthBlockNum = ethBlock.Num
		batch.GasUsed = evt.GasUsed
		batch.GasPrice = common.CopyBigInt(evt.GasPrice)
		batch.Timestamp = ethBlock.Timestamp
		rollupData.Batches = append(rollupData.Batches, *batch)
	}
	return &rollupData, nil
}

// applyBatch applies the entries of a confirmed rollup on the world state
// and checkpoints it.  The roots after the entries must match the confirmed
// roots.
func (s *Synchronizer) applyBatch(batch *common.ConfirmedBatch) error {
	if current := s.stateDB.CurrentBatch(); batch.BatchNum != current+1 {
		return common.Wrap(fmt.Errorf("%w: confirmed batch %d, world state at batch %d",
			common.ErrStateDivergence, batch.BatchNum, current))
	}
	tp := txprocessor.NewTxProcessor(s.stateDB, txprocessor.Config{RollupSize: batch.RollupSize})
	out, err := tp.ProcessRollup(batch.BatchNum, batch.DataStartIndex, batch.Entries)
	if err != nil {
		if rerr := s.stateDB.Rollback(); rerr != nil {
			log.Errorw("stateDB.Rollback", "err", rerr)
		}
		return common.Wrap(fmt.Errorf("%w: batch %d: %v", common.ErrStateDivergence,
			batch.BatchNum, err))
	}
	if !out.RootsAfter.Equal(batch.RootsAfter) {
		if rerr := s.stateDB.Rollback(); rerr != nil {
			log.Errorw("stateDB.Rollback", "err", rerr)
		}
		return common.Wrap(fmt.Errorf("%w: batch %d roots %v, confirmed %v",
			common.ErrStateDivergence, batch.BatchNum, out.RootsAfter.String(),
			batch.RootsAfter.String()))
	}
	return common.Wrap(s.stateDB.Commit())
}

// reconcile settles a confirmed rollup in the tx store and applies it on the
// world state
func (s *Synchronizer) reconcile(batch *common.ConfirmedBatch) error {
	own := false
	rollup, err := s.db.GetRollup(batch.BatchNum)
	if common.IsErr(err, common.ErrRollupNotFound) {
		// not built by us
	} else if err != nil {
		return common.Wrap(err)
	} else if rollup.Settled() {
		return common.Wrap(fmt.Errorf("rollup %d already settled", batch.BatchNum))
	} else {
		own = rollup.RootsAfter().Equal(batch.RootsAfter)
	}

	if err := s.applyBatch(batch); err != nil {
		return common.Wrap(err)
	}
	if own {
		log.Infow("Sync: own rollup confirmed", "batch", batch.BatchNum,
			"block", batch.EthBlockNum, "tx", batch.EthTxHash.Hex())
		return common.Wrap(s.db.ConfirmMined(batch))
	}
	if rollup != nil {
		log.Infow("Sync: own rollup superseded", "batch", batch.BatchNum,
			"block", batch.EthBlockNum)
	}
	metric.Replays.Inc()
	return common.Wrap(s.db.AddSettledRollup(batch))
}

// reorg manages a reorg, updating the DB and the world state as needed.
// Keeps checking previous blocks from the DB against the blockchain until a
// block hash match is found.  All future blocks in the DB and corresponding
// batches in the world state are discarded.  Returns the last valid blockNum
// from the DB.
func (s *Synchronizer) reorg(ctx context.Context, uncleBlock *common.Block) (int64, error) {
	blockNum := uncleBlock.Num

	var block *common.Block
	for blockNum >= s.startBlockNum {
		ethBlock, err := s.EthClient.EthBlockByNumber(ctx, blockNum)
		if err != nil {
			return 0, common.Wrap(fmt.Errorf("ethClient.EthBlockByNumber: %w", err))
		}

		block, err = s.db.GetBlock(blockNum)
		if err != nil {
			return 0, common.Wrap(fmt.Errorf("db.GetBlock: %w", err))
		}
		if block.Hash == ethBlock.Hash {
			log.Debugf("Found valid block: %v", blockNum)
			break
		}
		blockNum--
	}
	if blockNum < s.startBlockNum {
		// every synchronized block was discarded
		block = &common.Block{Num: s.startBlockNum - 1}
	}
	total := uncleBlock.Num - block.Num
	log.Debugw("Discarding blocks", "total", total, "from", uncleBlock.Num, "to", block.Num+1)

	s.interruptAggregator(ctx)
	defer s.restartAggregator(ctx)

	// Set the DB and the world state to the correct state
	if err := s.db.Reorg(block.Num); err != nil {
		return 0, common.Wrap(err)
	}

	if err := s.resetState(block); err != nil {
		s.resetStateFailed = true
		return 0, common.Wrap(err)
	}
	s.resetStateFailed = false

	return block.Num, nil
}
