/*
Package coordinator handles all the logic related to aggregating pending txs
into rollups, proving them and publishing them to the rollup contract.

A rollup is built by a Pipeline, which goes through the states Collecting,
Assembling, Proving and finally Published, or Aborted when it is interrupted.
While Collecting, the pipeline polls the tx store until the pending txs fill
a rollup, the publish interval since the last published rollup elapses, or a
flush is requested.  It then selects the txs with the TxSelector, applies
them on a local copy of the world state with the BatchBuilder and asks an
idle prover from the ProversPool for the proof.  Nothing is stored until the
proof succeeds: then the rollup is stored and the TxManager publishes it.

Only one rollup is in flight.  The next pipeline starts when the synchronizer
has confirmed the published rollup, or when the TxManager reports that the
published rollup went stale.

The synchronizer drives the Coordinator through Interrupt and Restart: before
persisting a block that confirms rollups (or a reorg) it interrupts the
running pipeline, and afterwards it restarts the Coordinator with the new
stats, which starts a new pipeline from Idle.  The pending txs invalidated by
the settled state are already purged by the synchronizer at that point.  The
node also sends a MsgSyncBlock after every synced block, used to start the
first pipeline once the node is synced and to give up stale published
rollups.
*/
package coordinator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"tokamak-rollup-sequencer/batchbuilder"
	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/coordinator/prover"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/eth"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/synchronizer"
	"tokamak-rollup-sequencer/txprocessor"
	"tokamak-rollup-sequencer/txselector"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

const (
	queueLen         = 16
	longWaitDuration = 999 * time.Hour
	zeroDuration     = 0 * time.Second
	stopCtxTimeout   = 200 * time.Millisecond
)

// Config contains the Coordinator configuration
type Config struct {
	// ForgerAddress is the address under which this coordinator publishes
	ForgerAddress ethCommon.Address
	// PollInterval is the waiting interval between checks of the pending
	// txs while collecting
	PollInterval time.Duration
	// PublishInterval is the maximum time since the last published rollup
	// after which a non full rollup is published.  If set to 0s, rollups
	// are only published when full or flushed.
	PublishInterval time.Duration
	// ForgeRetryInterval is the waiting interval between attempts to build
	// a rollup after an error
	ForgeRetryInterval time.Duration
	// SyncRetryInterval is the waiting interval between calls to the main
	// handler of a synced block after an error
	SyncRetryInterval time.Duration
	// ProofRetries is the number of attempts to get the proof of a rollup
	// before giving it up
	ProofRetries int
	// EthClientAttempts is the number of attempts to do an eth client RPC
	// call before giving up
	EthClientAttempts int
	// EthClientAttemptsDelay is delay between attempts do do an eth client
	// RPC call
	EthClientAttemptsDelay time.Duration
	// ReceiptTimeout is the time after which a published rollup without
	// receipt is given up.  If set to 0s it is never given up.
	ReceiptTimeout time.Duration
	// DebugBatchPath if set, specifies the path where batchInfo is stored
	// in JSON after every rollup attempt
	DebugBatchPath string
	// TxProcessorConfig.RollupSize is the capacity of a rollup
	TxProcessorConfig txprocessor.Config
}

// Coordinator implements the Coordinator type
type Coordinator struct {
	// State
	pipelineNum int // Pipeline sequential number.  The first pipeline is 1
	stats       synchronizer.Stats
	started     bool
	// paused is set between Interrupt and Restart
	paused bool
	// flush is set by Flush and cleared once the pending txs fit in a rollup
	flush atomic.Bool

	publishedMu       sync.RWMutex
	lastPublishedTime time.Time
	// timeNow is the clock of the deadlines
	timeNow func() time.Time

	cfg Config

	db           rollupdb.DB
	txSelector   *txselector.TxSelector
	batchBuilder *batchbuilder.BatchBuilder
	proversPool  *ProversPool

	msgCh  chan interface{}
	ctx    context.Context
	wg     sync.WaitGroup
	cancel context.CancelFunc

	// mu protects the pipeline, paused and stats, so that Interrupt,
	// Restart and the handling of sync messages happen exclusively
	mu       sync.Mutex
	pipeline *Pipeline

	txManager *TxManager
}

// MsgSyncBlock indicates an update to the Synchronizer stats
type MsgSyncBlock struct {
	Stats synchronizer.Stats
}

// MsgSyncReorg indicates a reorg
type MsgSyncReorg struct {
	Stats synchronizer.Stats
}

// NewCoordinator creates a new Coordinator
func NewCoordinator(cfg Config,
	db rollupdb.DB,
	txSelector *txselector.TxSelector,
	batchBuilder *batchbuilder.BatchBuilder,
	serverProofs []prover.Client,
	ethClient eth.ClientInterface,
) (*Coordinator, error) {
	if len(serverProofs) == 0 {
		return nil, common.Wrap(fmt.Errorf("no provers"))
	}
	if cfg.DebugBatchPath != "" {
		// nolint reason: 0744 allows rwx to owner and r to group and others
		//nolint:gosec
		if err := os.MkdirAll(cfg.DebugBatchPath, 0744); err != nil {
			return nil, common.Wrap(err)
		}
	}
	proversPool := NewProversPool(len(serverProofs))
	for _, serverProof := range serverProofs {
		proversPool.Add(context.Background(), serverProof)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := Coordinator{
		pipelineNum:       0,
		lastPublishedTime: time.Now(),
		timeNow:           time.Now,

		cfg: cfg,

		db:           db,
		txSelector:   txSelector,
		batchBuilder: batchBuilder,
		proversPool:  proversPool,

		msgCh: make(chan interface{}, queueLen),
		ctx:   ctx,
		// wg
		cancel: cancel,
	}
	ctxTimeout, ctxTimeoutCancel := context.WithTimeout(ctx, 1*time.Second)
	defer ctxTimeoutCancel()
	txManager, err := NewTxManager(ctxTimeout, &cfg, ethClient, db)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if txManager.account.Address != cfg.ForgerAddress {
		log.Warnw("Coordinator: eth client account differs from the forger address",
			"account", txManager.account.Address.Hex(), "forger", cfg.ForgerAddress.Hex())
	}
	c.txManager = txManager
	// Set Eth LastBlockNum to -1 in stats so that stats.Synced() is
	// guaranteed to return false before it's updated with a real stats
	c.stats.Eth.LastBlock.Num = -1
	return &c, nil
}

func (c *Coordinator) newPipeline() *Pipeline {
	c.pipelineNum++
	return NewPipeline(c.cfg, c.pipelineNum, c.db, c.txSelector, c.batchBuilder,
		c.txManager, c.proversPool, c)
}

// SendMsg is a thread safe method to pass a message to the Coordinator
func (c *Coordinator) SendMsg(ctx context.Context, msg interface{}) {
	select {
	case c.msgCh <- msg:
	case <-ctx.Done():
	}
}

// Flush requests the pending txs to be published without waiting for a full
// rollup or the publish interval.  The request holds until the pending txs
// fit in a single rollup.
func (c *Coordinator) Flush() {
	log.Infow("Coordinator: flush requested")
	c.flush.Store(true)
}

// State returns the state of the current pipeline
func (c *Coordinator) State() PipelineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pipeline == nil {
		return StateIdle
	}
	return c.pipeline.State()
}

func (c *Coordinator) lastPublished() time.Time {
	c.publishedMu.RLock()
	defer c.publishedMu.RUnlock()
	return c.lastPublishedTime
}

func (c *Coordinator) setLastPublished(t time.Time) {
	c.publishedMu.Lock()
	defer c.publishedMu.Unlock()
	if t.After(c.lastPublishedTime) {
		c.lastPublishedTime = t
	}
}

// Interrupt aborts the running pipeline and waits until it has stopped.  The
// Coordinator doesn't start a new pipeline until Restart is called.
func (c *Coordinator) Interrupt(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	c.stopPipeline(ctx)
}

// Restart updates the Coordinator with the stats of the last persisted block
// and, if the node is synced, starts a new pipeline.
func (c *Coordinator) Restart(ctx context.Context, stats *synchronizer.Stats) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.stats = *stats
	c.stopPipeline(ctx)
	return c.startPipeline(ctx)
}

// stopPipeline must be called with mu held
func (c *Coordinator) stopPipeline(ctx context.Context) {
	if c.pipeline == nil {
		return
	}
	c.pipeline.Stop(ctx)
	if state := c.pipeline.State(); state != StatePublished {
		log.Infow("Coordinator: pipeline interrupted", "pipeline", c.pipeline.num, "state", state)
	}
	c.pipeline = nil
}

// startPipeline starts a new pipeline unless a published rollup is still
// waiting for its confirmation.  Must be called with mu held and no running
// pipeline.
func (c *Coordinator) startPipeline(ctx context.Context) error {
	if !c.stats.Synced() {
		return nil
	}
	rollups, err := c.db.GetUnsettledRollups()
	if err != nil {
		return common.Wrap(err)
	}
	for i := range rollups {
		stale, err := c.txManager.Stale(ctx, &rollups[i], c.timeNow())
		if err != nil {
			return common.Wrap(err)
		}
		if !stale {
			log.Debugw("Coordinator: waiting for the confirmation of a published rollup",
				"batch", rollups[i].BatchNum)
			return nil
		}
		log.Warnw("Coordinator: giving up published rollup", "batch", rollups[i].BatchNum)
		if err := c.db.DeleteRollup(rollups[i].BatchNum); err != nil {
			return common.Wrap(err)
		}
	}
	c.pipeline = c.newPipeline()
	if err := c.pipeline.Start(&c.stats); err != nil {
		c.pipeline = nil
		return common.Wrap(err)
	}
	return nil
}

// syncStats starts a pipeline when none is running
func (c *Coordinator) syncStats(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return nil
	}
	if c.pipeline != nil {
		if !c.pipeline.State().Done() {
			return nil
		}
		c.stopPipeline(ctx)
	}
	return c.startPipeline(ctx)
}

func (c *Coordinator) handleMsg(ctx context.Context, msg interface{}) error {
	switch msg := msg.(type) {
	case MsgSyncBlock:
		c.setStats(&msg.Stats, false)
		if err := c.syncStats(ctx); err != nil {
			return common.Wrap(fmt.Errorf("failed to handle MsgSyncBlock: %w", err))
		}
	case MsgSyncReorg:
		c.setStats(&msg.Stats, true)
		if err := c.syncStats(ctx); err != nil {
			return common.Wrap(fmt.Errorf("failed to handle MsgSyncReorg: %w", err))
		}
	default:
		log.Fatalw("Coordinator: unexpected msg", "type", fmt.Sprintf("%T", msg))
	}
	return nil
}

// setStats ignores stats older than the current ones unless reorg is set
func (c *Coordinator) setStats(stats *synchronizer.Stats, reorg bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reorg || stats.Sync.LastBlock.Num >= c.stats.Sync.LastBlock.Num {
		c.stats = *stats
	}
}

// Start the coordinator
func (c *Coordinator) Start() {
	if c.started {
		log.Fatal("Coordinator already started")
	}
	c.started = true

	c.wg.Add(1)
	go func() {
		timer := time.NewTimer(longWaitDuration)
		for {
			select {
			case <-c.ctx.Done():
				log.Info("Coordinator done")
				c.wg.Done()
				return
			case msg := <-c.msgCh:
				if err := c.handleMsg(c.ctx, msg); c.ctx.Err() != nil {
					continue
				} else if err != nil {
					log.Errorw("Coordinator.handleMsg", "err", err)
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(c.cfg.SyncRetryInterval)
					continue
				}
			case <-timer.C:
				timer.Reset(longWaitDuration)
				if err := c.syncStats(c.ctx); c.ctx.Err() != nil {
					continue
				} else if err != nil {
					log.Errorw("Coordinator.syncStats", "err", err)
					if !timer.Stop() {
						<-timer.C
					}
					timer.Reset(c.cfg.SyncRetryInterval)
					continue
				}
			}
		}
	}()
}

// Stop the coordinator
func (c *Coordinator) Stop() {
	if !c.started {
		log.Fatal("Coordinator already stopped")
	}
	c.started = false
	log.Infow("Stopping Coordinator...")
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), stopCtxTimeout)
	defer cancel()
	c.stopPipeline(ctx)
}
