/*
Package node does the initialization of all the required objects to run the
sequencer: the tx store, the synchronizer, the coordinator and the tx
receiver.

The Node contains several goroutines that run in the background or that
periodically perform tasks.  One of this goroutines periodically calls the
`Synchronizer.Sync` function, allowing the synchronization of one block at a
time.  After every call to `Synchronizer.Sync`, the Node sends a message to the
Coordinator to notify it about the new synced block (and associated state) or
reorg (and resetted state) in case one happens.
*/
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tokamak-rollup-sequencer/batchbuilder"
	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/config"
	"tokamak-rollup-sequencer/coordinator"
	"tokamak-rollup-sequencer/coordinator/prover"
	dbUtils "tokamak-rollup-sequencer/database"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/database/statedb"
	"tokamak-rollup-sequencer/eth"
	"tokamak-rollup-sequencer/etherscan"
	"tokamak-rollup-sequencer/feeresolver"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/synchronizer"
	"tokamak-rollup-sequencer/test/debugapi"
	"tokamak-rollup-sequencer/txprocessor"
	"tokamak-rollup-sequencer/txreceiver"
	"tokamak-rollup-sequencer/txselector"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jmoiron/sqlx"
	"github.com/russross/meddler"
)

const (
	storeBackendPostgres  = "postgres"
	gasPriceFeedEtherscan = "etherscan"
)

// Node is the sequencer node
type Node struct {
	debugAPI *debugapi.DebugAPI

	// Coordinator
	coord        *coordinator.Coordinator
	batchBuilder *batchbuilder.BatchBuilder
	prices       *feeresolver.PriceTracker
	receiver     *txreceiver.Receiver

	// Synchronizer
	sync *synchronizer.Synchronizer

	// General
	cfg *config.Node
	db  rollupdb.DB
	ctx context.Context
	wg  sync.WaitGroup
	// cancel stops the goroutines of the node
	cancel context.CancelFunc
}

// Check if a directory exists and is empty
func isDirectoryEmpty(path string) (bool, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil // Directory doesn't exist, treat as empty
		}
		return false, err
	}
	return len(dirEntries) == 0, nil
}

// openKeystore opens the keystore, creating an account if it is empty, and
// unlocks the forger account
func openKeystore(cfg *config.Node) (*keystore.KeyStore, *accounts.Account, error) {
	scryptN := keystore.StandardScryptN
	scryptP := keystore.StandardScryptP
	if cfg.Coordinator.Debug.LightScrypt {
		scryptN = keystore.LightScryptN
		scryptP = keystore.LightScryptP
	}
	keystorePath := cfg.Coordinator.EthClient.Keystore.Path
	password := cfg.Coordinator.EthClient.Keystore.Password
	isEmpty, err := isDirectoryEmpty(keystorePath)
	if err != nil {
		return nil, nil, common.Wrap(err)
	}
	keyStore := keystore.NewKeyStore(keystorePath, scryptN, scryptP)
	if isEmpty {
		account, err := keyStore.NewAccount(password)
		if err != nil {
			return nil, nil, common.Wrap(err)
		}
		log.Infof("New account created: %s", account.Address.Hex())
	} else {
		log.Infof("Keystore already initialized, skipping account creation.")
	}

	forgerAccount := &accounts.Account{Address: cfg.Coordinator.ForgerAddress}
	if !keyStore.HasAddress(forgerAccount.Address) {
		return nil, nil, common.Wrap(fmt.Errorf(
			"forger address %v not found in the keystore %v",
			forgerAccount.Address.Hex(), keystorePath))
	}
	if err := keyStore.Unlock(*forgerAccount, password); err != nil {
		return nil, nil, common.Wrap(err)
	}
	log.Infow("Forger ethereum account unlocked in the keystore",
		"address", forgerAccount.Address.Hex())
	return keyStore, forgerAccount, nil
}

// openStore opens the tx store backend selected in the configuration,
// behind the mutation gate and the cache
func openStore(cfg *config.Node) (rollupdb.DB, error) {
	var backend rollupdb.DB
	if cfg.Store.Backend == storeBackendPostgres {
		dbWrite, err := dbUtils.InitSQLDB(
			cfg.PostgreSQL.PortWrite,
			cfg.PostgreSQL.HostWrite,
			cfg.PostgreSQL.UserWrite,
			cfg.PostgreSQL.PasswordWrite,
			cfg.PostgreSQL.NameWrite,
		)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("dbUtils.InitSQLDB: %w", err))
		}
		var dbRead *sqlx.DB
		if cfg.PostgreSQL.HostRead == "" {
			dbRead = dbWrite
		} else if cfg.PostgreSQL.HostRead == cfg.PostgreSQL.HostWrite {
			return nil, common.Wrap(fmt.Errorf(
				"PostgreSQL.HostRead and PostgreSQL.HostWrite must be different",
			))
		} else {
			dbRead, err = dbUtils.ConnectSQLDB(
				cfg.PostgreSQL.PortRead,
				cfg.PostgreSQL.HostRead,
				cfg.PostgreSQL.UserRead,
				cfg.PostgreSQL.PasswordRead,
				cfg.PostgreSQL.NameRead,
			)
			if err != nil {
				return nil, common.Wrap(fmt.Errorf("dbUtils.ConnectSQLDB: %w", err))
			}
		}
		connCon := dbUtils.NewTxConnectionController(
			cfg.Store.MaxSQLConnections,
			cfg.Store.SQLConnectionTimeout.Duration,
		)
		backend = rollupdb.NewSQLDB(dbRead, dbWrite, cfg.Coordinator.MaxPendingTxs, connCon)
	} else {
		levelDB, err := rollupdb.NewLevelDB(cfg.Store.Path)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("rollupdb.NewLevelDB: %w", err))
		}
		backend = levelDB
	}
	cachedDB, err := rollupdb.NewCachedDB(rollupdb.NewSyncDB(backend))
	if err != nil {
		_ = backend.Close()
		return nil, common.Wrap(fmt.Errorf("rollupdb.NewCachedDB: %w", err))
	}
	return cachedDB, nil
}

// newPriceTracker creates the price feeds of the fee resolver
func newPriceTracker(cfg *config.Node, client *eth.Client) (*feeresolver.PriceTracker, error) {
	var gasFeed feeresolver.GasPriceFeed
	if cfg.Fees.GasPriceFeed == gasPriceFeedEtherscan {
		service, err := etherscan.NewEtherscanService(cfg.Fees.Etherscan.URL,
			cfg.Fees.Etherscan.APIKey)
		if err != nil {
			return nil, common.Wrap(err)
		}
		gasFeed = service
	} else {
		gasFeed = feeresolver.NewNodeGasPriceFeed(client)
	}
	assetFeed, err := feeresolver.NewAssetPrices(cfg.Fees.Assets, client)
	if err != nil {
		return nil, common.Wrap(err)
	}
	assetIDs := make([]common.AssetID, len(cfg.Fees.Assets))
	for i, asset := range cfg.Fees.Assets {
		assetIDs[i] = asset.AssetID
	}
	return feeresolver.NewPriceTracker(gasFeed, assetFeed, assetIDs,
		cfg.Fees.PriceWindow.Duration, cfg.Fees.PriceUpdateInterval.Duration), nil
}

func newProvers(cfg *config.Node) []prover.Client {
	if cfg.Coordinator.Debug.MockProver {
		log.Warnw("Using the mock prover, the proofs are not valid",
			"delay", cfg.Coordinator.Debug.MockProverDelay.Duration)
		return []prover.Client{prover.NewMockClient(cfg.Coordinator.Debug.MockProverDelay.Duration)}
	}
	return []prover.Client{prover.NewProofServerClient(cfg.Coordinator.ProofServer.URL,
		cfg.Coordinator.ProofServer.PollInterval.Duration)}
}

// NewNode creates a Node
func NewNode(cfg *config.Node) (*Node, error) {
	meddler.Debug = cfg.Debug.MeddlerLogs

	ethClient, err := ethclient.Dial(cfg.Web3.URL)
	if err != nil {
		return nil, common.Wrap(err)
	}
	keyStore, forgerAccount, err := openKeystore(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	client, err := eth.NewClient(ethClient, forgerAccount, keyStore, &eth.ClientConfig{
		Ethereum: eth.EthereumConfig{
			CallGasLimit: cfg.Coordinator.EthClient.CallGasLimit,
		},
		Rollup: eth.RollupConfig{
			Address: cfg.SmartContracts.Rollup,
		},
	})
	if err != nil {
		return nil, common.Wrap(err)
	}
	chainID, err := client.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	log.Infow("Connected to ethereum node", "chainID", chainID, "url", cfg.Web3.URL)

	db, err := openStore(cfg)
	if err != nil {
		return nil, common.Wrap(err)
	}
	stateDB, err := statedb.NewStateDB(statedb.Config{
		Path: cfg.StateDB.Path,
		Keep: cfg.StateDB.Keep,
		Type: statedb.TypeSynchronizer,
	})
	if err != nil {
		return nil, common.Wrap(err)
	}

	sync := synchronizer.NewSynchronizer(client, db, stateDB, nil, synchronizer.Config{
		StatsUpdateBlockNumDiffThreshold: cfg.Synchronizer.StatsUpdateBlockNumDiffThreshold,
		StatsUpdateFrequencyDivider:      cfg.Synchronizer.StatsUpdateFrequencyDivider,
		StartBlockNum:                    cfg.Synchronizer.StartBlockNum,
	})
	initCtx, initCancel := context.WithTimeout(context.Background(), time.Minute)
	defer initCancel()
	if err := sync.Init(initCtx); err != nil {
		return nil, common.Wrap(err)
	}

	batchBuilder, err := batchbuilder.NewBatchBuilder(
		filepath.Join(cfg.StateDB.Path, "batchbuilder"),
		stateDB,
		0,
		cfg.StateDB.Keep,
		cfg.Rollup.Capacity,
	)
	if err != nil {
		return nil, common.Wrap(err)
	}

	prices, err := newPriceTracker(cfg, client)
	if err != nil {
		return nil, common.Wrap(err)
	}
	fees, err := feeresolver.NewFeeResolver(&cfg.Rollup, &cfg.Fees, prices)
	if err != nil {
		return nil, common.Wrap(err)
	}
	txSelector := txselector.NewTxSelector(&cfg.Rollup, fees)

	coord, err := coordinator.NewCoordinator(
		coordinator.Config{
			ForgerAddress:          cfg.Coordinator.ForgerAddress,
			PollInterval:           cfg.Coordinator.PollInterval.Duration,
			PublishInterval:        cfg.Rollup.PublishInterval.Duration,
			ForgeRetryInterval:     cfg.Coordinator.ForgeRetryInterval.Duration,
			SyncRetryInterval:      cfg.Coordinator.SyncRetryInterval.Duration,
			ProofRetries:           cfg.Coordinator.ProofRetries,
			EthClientAttempts:      cfg.Coordinator.EthClient.Attempts,
			EthClientAttemptsDelay: cfg.Coordinator.EthClient.AttemptsDelay.Duration,
			ReceiptTimeout:         cfg.Coordinator.EthClient.ReceiptTimeout.Duration,
			DebugBatchPath:         cfg.Coordinator.Debug.BatchPath,
			TxProcessorConfig: txprocessor.Config{
				RollupSize: cfg.Rollup.Capacity,
			},
		},
		db,
		txSelector,
		batchBuilder,
		newProvers(cfg),
		client,
	)
	if err != nil {
		return nil, common.Wrap(err)
	}
	sync.SetAggregator(coord)

	receiver := txreceiver.NewReceiver(txreceiver.Config{
		MaxPendingTxs: cfg.Coordinator.MaxPendingTxs,
	}, db, fees, client)

	var debugAPI *debugapi.DebugAPI
	if cfg.Debug.APIAddress != "" {
		debugAPI = debugapi.NewDebugAPI(cfg.Debug.APIAddress, stateDB, sync, coord, receiver)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		debugAPI:     debugAPI,
		coord:        coord,
		batchBuilder: batchBuilder,
		prices:       prices,
		receiver:     receiver,
		sync:         sync,
		cfg:          cfg,
		db:           db,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Receiver returns the tx receiver of the node
func (n *Node) Receiver() *txreceiver.Receiver {
	return n.receiver
}

func (n *Node) handleNewBlock(ctx context.Context, stats *synchronizer.Stats) {
	n.coord.SendMsg(ctx, coordinator.MsgSyncBlock{
		Stats: *stats,
	})
}

func (n *Node) handleReorg(ctx context.Context, stats *synchronizer.Stats) {
	n.coord.SendMsg(ctx, coordinator.MsgSyncReorg{
		Stats: *stats,
	})
}

func (n *Node) syncLoopFn(ctx context.Context, lastBlock *common.Block) (*common.Block,
	time.Duration, error) {
	blockData, discarded, err := n.sync.Sync(ctx, lastBlock)
	stats := n.sync.Stats()
	if err != nil {
		// case: error
		return nil, n.cfg.Synchronizer.SyncLoopInterval.Duration, common.Wrap(err)
	} else if discarded != nil {
		// case: reorg
		log.Infow("Synchronizer.Sync reorg", "discarded", *discarded)
		n.handleReorg(ctx, stats)
		return nil, time.Duration(0), nil
	} else if blockData != nil {
		// case: new block
		n.handleNewBlock(ctx, stats)
		return &blockData.Block, time.Duration(0), nil
	} else {
		// case: no block
		return lastBlock, n.cfg.Synchronizer.SyncLoopInterval.Duration, nil
	}
}

// StartSynchronizer starts the synchronizer
func (n *Node) StartSynchronizer() {
	log.Info("Starting Synchronizer...")

	// Trigger a manual call to handleNewBlock with the loaded state of the
	// synchronizer in order to quickly activate the Coordinator and avoid
	// waiting for the next block
	n.handleNewBlock(n.ctx, n.sync.Stats())

	n.wg.Add(1)
	go func() {
		var err error
		var lastBlock *common.Block
		waitDuration := time.Duration(0)
		for {
			select {
			case <-n.ctx.Done():
				log.Info("Synchronizer done")
				n.wg.Done()
				return
			case <-time.After(waitDuration):
				if lastBlock, waitDuration, err = n.syncLoopFn(n.ctx,
					lastBlock); err != nil {
					if n.ctx.Err() != nil {
						continue
					}
					if errors.Is(err, eth.ErrBlockHashMismatchEvent) {
						log.Warnw("Synchronizer.Sync", "err", err)
					} else {
						log.Errorw("Synchronizer.Sync", "err", err)
					}
				}
			}
		}
	}()
}

// Start the sequencer node
func (n *Node) Start() {
	log.Info("Starting node...")
	if err := n.prices.Start(n.ctx); err != nil {
		log.Fatalw("PriceTracker.Start", "err", err)
	}
	if n.debugAPI != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.debugAPI.Run(n.ctx); err != nil {
				log.Fatalw("DebugAPI.Run", "err", err)
			}
		}()
	}
	n.coord.Start()
	n.StartSynchronizer()
}

// Stop the node
func (n *Node) Stop() {
	log.Infow("Stopping node...")
	n.cancel()
	n.wg.Wait()
	n.prices.Stop()
	log.Info("Stopping Coordinator...")
	n.coord.Stop()

	// Close kv DBs
	n.sync.StateDB().Close()
	n.batchBuilder.LocalStateDB().Close()
	if err := n.db.Close(); err != nil {
		log.Errorw("rollupdb.Close", "err", err)
	}
}
