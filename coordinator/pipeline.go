package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"tokamak-rollup-sequencer/batchbuilder"
	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/coordinator/prover"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/metric"
	"tokamak-rollup-sequencer/synchronizer"
	"tokamak-rollup-sequencer/txselector"
)

var errNoTxsSelected = fmt.Errorf("no txs selected")

// PipelineState is the stage of the rollup a Pipeline is working on
type PipelineState int

const (
	// StateIdle is the state before the pipeline starts
	StateIdle PipelineState = iota
	// StateCollecting waits for enough pending txs or a flush
	StateCollecting
	// StateAssembling selects the txs and builds the rollup
	StateAssembling
	// StateProving waits for the proof of the rollup
	StateProving
	// StatePublished means the rollup was sent to the rollup contract
	StatePublished
	// StateAborted means the pipeline was interrupted
	StateAborted
)

var pipelineStateNames = [...]string{"idle", "collecting", "assembling", "proving", "published",
	"aborted"}

func (s PipelineState) String() string {
	if s < 0 || int(s) >= len(pipelineStateNames) {
		return "unknown"
	}
	return pipelineStateNames[s]
}

// Done returns true for the states in which the pipeline has finished
func (s PipelineState) Done() bool {
	return s == StatePublished || s == StateAborted
}

// Pipeline builds, proves and publishes the next rollup on top of the
// synchronized state.  A pipeline publishes at most one rollup: the next one
// is started by the Coordinator once the synchronizer has confirmed it.
type Pipeline struct {
	num int
	cfg Config

	// state
	state    PipelineState
	batchNum common.BatchNum
	started  bool
	rw       sync.RWMutex

	coord        *Coordinator
	txManager    *TxManager
	db           rollupdb.DB
	txSelector   *txselector.TxSelector
	batchBuilder *batchbuilder.BatchBuilder
	proversPool  *ProversPool

	stats synchronizer.Stats

	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPipeline creates a new Pipeline
func NewPipeline(cfg Config,
	num int, // Pipeline sequential number
	db rollupdb.DB,
	txSelector *txselector.TxSelector,
	batchBuilder *batchbuilder.BatchBuilder,
	txManager *TxManager,
	proversPool *ProversPool,
	coord *Coordinator,
) *Pipeline {
	return &Pipeline{
		num:          num,
		cfg:          cfg,
		db:           db,
		txSelector:   txSelector,
		batchBuilder: batchBuilder,
		proversPool:  proversPool,
		txManager:    txManager,
		coord:        coord,
	}
}

// State returns the current state of the pipeline
func (p *Pipeline) State() PipelineState {
	p.rw.RLock()
	defer p.rw.RUnlock()
	return p.state
}

func (p *Pipeline) setState(state PipelineState) {
	p.rw.Lock()
	p.state = state
	p.rw.Unlock()
	metric.PipelineState.Set(float64(state))
	log.Debugw("Pipeline: state", "pipeline", p.num, "batch", p.batchNum, "state", state)
}

// reset the local state to the last synchronized batch.  The synchronized
// batch may not be the one we built, so the local state is always copied
// from the synchronizer.
func (p *Pipeline) reset(stats *synchronizer.Stats) error {
	p.stats = *stats
	p.batchNum = stats.Sync.LastBatch + 1
	return common.Wrap(p.batchBuilder.Reset(stats.Sync.LastBatch, true))
}

// Start the pipeline on top of the synchronized state in stats
func (p *Pipeline) Start(stats *synchronizer.Stats) error {
	if p.started {
		return common.Wrap(fmt.Errorf("pipeline %d already started", p.num))
	}
	if err := p.reset(stats); err != nil {
		return common.Wrap(err)
	}
	p.started = true
	log.Infow("Starting Pipeline", "pipeline", p.num, "batch", p.batchNum)
	p.ctx, p.cancel = context.WithCancel(context.Background())

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(p.ctx)
	}()
	return nil
}

// Stop the pipeline and wait until it has finished, or until ctx is done
func (p *Pipeline) Stop(ctx context.Context) {
	if !p.started {
		return
	}
	p.started = false
	log.Infow("Stopping Pipeline...", "pipeline", p.num)
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warnw("Pipeline.Stop: timeout waiting for the pipeline", "pipeline", p.num)
	}
}

func (p *Pipeline) run(ctx context.Context) {
	for {
		flush, err := p.collect(ctx)
		if ctx.Err() != nil {
			p.setState(StateAborted)
			return
		} else if err != nil {
			log.Errorw("Pipeline.collect", "err", err)
			if !p.wait(ctx, p.cfg.ForgeRetryInterval) {
				p.setState(StateAborted)
				return
			}
			continue
		}

		batchInfo, err := p.forgeBatch(flush)
		if ctx.Err() != nil {
			p.setState(StateAborted)
			return
		} else if common.Unwrap(err) == errNoTxsSelected {
			if !p.wait(ctx, p.cfg.PollInterval) {
				p.setState(StateAborted)
				return
			}
			continue
		} else if err != nil {
			log.Errorw("Pipeline.forgeBatch", "err", err, "batch", p.batchNum)
			if !p.wait(ctx, p.cfg.ForgeRetryInterval) {
				p.setState(StateAborted)
				return
			}
			continue
		}

		err = p.proveAndPublish(ctx, batchInfo)
		if p.cfg.DebugBatchPath != "" {
			if err := batchInfo.DebugStore(p.cfg.DebugBatchPath); err != nil {
				log.Warnw("BatchInfo.DebugStore", "err", err)
			}
		}
		if err == nil {
			p.setState(StatePublished)
			p.coord.setLastPublished(batchInfo.Debug.SendTimestamp)
			return
		}
		// the local state goes back to the synchronized batch
		if rerr := p.batchBuilder.Reset(p.batchNum-1, true); rerr != nil {
			log.Errorw("BatchBuilder.Reset", "err", rerr)
		}
		if ctx.Err() != nil {
			p.setState(StateAborted)
			return
		}
		log.Errorw("Pipeline.proveAndPublish", "err", err, "batch", p.batchNum)
		if !p.wait(ctx, p.cfg.ForgeRetryInterval) {
			p.setState(StateAborted)
			return
		}
	}
}

// wait returns false if ctx is done before d elapses
func (p *Pipeline) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// collect waits until a rollup should be assembled: the pending txs fill a
// rollup, the publish interval since the last published rollup has elapsed,
// or a flush was requested.  Returns whether the rollup must be flushed.
func (p *Pipeline) collect(ctx context.Context) (bool, error) {
	p.setState(StateCollecting)
	capacity := p.cfg.TxProcessorConfig.RollupSize
	timer := time.NewTimer(zeroDuration)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false, common.Wrap(common.ErrDone)
		case <-timer.C:
		}
		count, err := p.db.GetPendingTxCount()
		if err != nil {
			return false, common.Wrap(err)
		}
		metric.PendingTxs.Set(float64(count))
		flushRequested := p.coord.flush.Load()
		if flushRequested && count <= capacity {
			// everything pending fits in this rollup
			p.coord.flush.Store(false)
		}
		if count > 0 {
			deadline := p.coord.lastPublished().Add(p.cfg.PublishInterval)
			expired := p.cfg.PublishInterval > 0 && !p.coord.timeNow().Before(deadline)
			switch {
			case flushRequested || expired:
				log.Debugw("Pipeline: flushing rollup", "pending", count, "expired", expired)
				return true, nil
			case count >= capacity:
				return false, nil
			}
		}
		timer.Reset(p.cfg.PollInterval)
	}
}

// forgeBatch selects the txs of the rollup and applies them on the local
// state
func (p *Pipeline) forgeBatch(flush bool) (*BatchInfo, error) {
	p.setState(StateAssembling)
	now := p.coord.timeNow()
	pending, err := p.db.GetPendingTxs()
	if err != nil {
		return nil, common.Wrap(err)
	}
	txs, profile := p.txSelector.GetRollupSelection(pending, flush, now)
	if len(txs) == 0 {
		log.Debugw("Pipeline: no txs selected", "pending", len(pending), "flush", flush)
		return nil, common.Wrap(errNoTxsSelected)
	}
	batchInfo := &BatchInfo{
		PipelineNum: p.num,
		BatchNum:    p.batchNum,
		Txs:         txs,
		Profile:     profile,
		Debug: Debug{
			StartTimestamp: now,
			StartBlockNum:  p.stats.Eth.LastBlock.Num + 1,
			Status:         StatusPending,
			Flush:          flush,
			PendingTxs:     len(pending),
		},
	}
	configBatch := &batchbuilder.ConfigBatch{
		TxProcessorConfig: p.cfg.TxProcessorConfig,
	}
	zkInputs, proofData, err := p.batchBuilder.BuildBatch(configBatch, p.batchNum, txs)
	if err != nil {
		batchInfo.Debug.Status = StatusFailed
		return nil, common.Wrap(err)
	}
	batchInfo.ZKInputs = zkInputs
	batchInfo.ProofData = proofData
	batchInfo.Debug.Status = StatusForged
	log.Infow("Pipeline: rollup assembled", "pipeline", p.num, "batch", p.batchNum,
		"txs", len(txs), "pending", len(pending), "flush", flush,
		"gasBalance", profile.GasBalance)
	return batchInfo, nil
}

// proveAndPublish gets the proof of the rollup, stores it and publishes it.
// Nothing is stored if the proof fails.
func (p *Pipeline) proveAndPublish(ctx context.Context, batchInfo *BatchInfo) error {
	p.setState(StateProving)
	serverProof, err := p.proversPool.Get(ctx)
	if err != nil {
		return common.Wrap(err)
	}
	defer p.proversPool.Add(context.Background(), serverProof)
	batchInfo.ServerProof = serverProof
	batchInfo.ProofStart = time.Now()

	if err := p.getProof(ctx, batchInfo); err != nil {
		batchInfo.Debug.Status = StatusFailed
		return common.Wrap(err)
	}
	metric.MeasureDuration(metric.WaitServerProof, batchInfo.ProofStart,
		batchInfo.BatchNum.BigInt().String(), strconv.Itoa(batchInfo.PipelineNum))
	batchInfo.Debug.ProofDuration = time.Since(batchInfo.ProofStart).Seconds()
	batchInfo.Debug.Status = StatusProof

	publicData, err := batchInfo.ProofData.Encode()
	if err != nil {
		return common.Wrap(err)
	}
	rollup := &common.RollupBatch{
		BatchNum:       batchInfo.BatchNum,
		RollupSize:     batchInfo.ProofData.RollupSize,
		DataStartIndex: batchInfo.ProofData.DataStartIndex,
		ProofData:      append(publicData, batchInfo.Proof.Bytes()...),
		TxIDs:          batchInfo.TxIDs(),
		Created:        p.coord.timeNow(),
	}
	rollup.SetRoots(batchInfo.ProofData.RootsBefore, batchInfo.ProofData.RootsAfter)
	if err := p.db.AddRollup(rollup); err != nil {
		return common.Wrap(err)
	}
	batchInfo.Rollup = rollup
	if err := p.txManager.Publish(ctx, batchInfo); err != nil {
		// the txs of the rollup go back to pending
		if derr := p.db.DeleteRollup(batchInfo.BatchNum); derr != nil {
			log.Errorw("DB.DeleteRollup", "err", derr, "batch", batchInfo.BatchNum)
		}
		batchInfo.Debug.Status = StatusFailed
		return common.Wrap(err)
	}
	return nil
}

// getProof sends the zkInputs to the prover and waits for the proof.  The
// proof is attempted cfg.ProofRetries times.
func (p *Pipeline) getProof(ctx context.Context, batchInfo *BatchInfo) error {
	serverProof := batchInfo.ServerProof
	var err error
	for attempt := 0; attempt < max(p.cfg.ProofRetries, 1); attempt++ {
		var proof *prover.Proof
		proof, batchInfo.PublicInputs, err = p.requestProof(ctx, serverProof, batchInfo.ZKInputs)
		if ctx.Err() != nil {
			// the rollup is obsolete, free the prover
			cancelCtx, cancel := context.WithTimeout(context.Background(), stopCtxTimeout)
			if err := serverProof.Cancel(cancelCtx); err != nil {
				log.Warnw("prover.Cancel", "err", err, "batch", batchInfo.BatchNum)
			}
			cancel()
			return common.Wrap(common.ErrDone)
		}
		if err == nil {
			batchInfo.Proof = proof
			return nil
		}
		log.Warnw("Pipeline: proof failed", "err", err, "batch", batchInfo.BatchNum,
			"attempt", attempt)
	}
	return common.Wrap(fmt.Errorf("proof of batch %d failed: %w", batchInfo.BatchNum, err))
}

func (p *Pipeline) requestProof(ctx context.Context, serverProof prover.Client,
	zkInputs *common.ZKInputs) (*prover.Proof, []*big.Int, error) {
	if err := serverProof.WaitReady(ctx); err != nil {
		return nil, nil, common.Wrap(err)
	}
	if err := serverProof.CalculateProof(ctx, zkInputs); err != nil {
		return nil, nil, common.Wrap(err)
	}
	proof, pubInputs, err := serverProof.GetProof(ctx)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	return proof, pubInputs, nil
}
