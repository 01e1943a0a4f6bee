package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/eth"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/metric"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/core/types"
)

// TxManager handles everything related to ethereum transactions: it sends
// the processRollup call of a proved rollup and later tells whether a
// published rollup that the ledger has not confirmed yet should be given up.
// The confirmation itself comes from the synchronizer.
type TxManager struct {
	cfg       Config
	ethClient eth.ClientInterface
	db        rollupdb.DB
	chainID   *big.Int
	account   accounts.Account
	// accNonce is the account nonce in the last mined block when the
	// TxManager was created
	accNonce uint64
}

// NewTxManager creates a new TxManager
func NewTxManager(ctx context.Context, cfg *Config, ethClient eth.ClientInterface,
	db rollupdb.DB) (*TxManager, error) {
	chainID, err := ethClient.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	address, err := ethClient.EthAddress()
	if err != nil {
		return nil, common.Wrap(err)
	}
	accNonce, err := ethClient.EthNonceAt(ctx, *address, nil)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("failed to get nonce: %w", err))
	}
	log.Infow("TxManager started", "nonce", accNonce, "address", address.Hex(), "chainID", chainID)
	return &TxManager{
		cfg:       *cfg,
		ethClient: ethClient,
		db:        db,
		account: accounts.Account{
			Address: *address,
		},
		chainID:  chainID,
		accNonce: accNonce,
	}, nil
}

// Publish sends the rollup of batchInfo to the rollup contract and stores
// the ethereum tx hash.  The call is attempted cfg.EthClientAttempts times.
func (t *TxManager) Publish(ctx context.Context, batchInfo *BatchInfo) error {
	var tx *types.Transaction
	var err error
	attempts := max(t.cfg.EthClientAttempts, 1)
	for attempt := 0; attempt < attempts; attempt++ {
		tx, err = t.ethClient.RollupPublish(ctx, batchInfo.Rollup.ProofData)
		if err == nil {
			break
		} else if ctx.Err() != nil {
			return common.Wrap(common.ErrDone)
		}
		log.Warnw("TxManager: RollupPublish", "err", err, "batch", batchInfo.BatchNum,
			"attempt", attempt)
		select {
		case <-ctx.Done():
			return common.Wrap(common.ErrDone)
		case <-time.After(t.cfg.EthClientAttemptsDelay):
		}
	}
	if err != nil {
		return common.Wrap(fmt.Errorf("reached max attempts for RollupPublish: %w", err))
	}
	batchInfo.EthTx = tx
	batchInfo.Debug.Status = StatusSent
	batchInfo.Debug.SendTimestamp = time.Now()
	batchInfo.Debug.StartToSendDelay = batchInfo.Debug.SendTimestamp.Sub(
		batchInfo.Debug.StartTimestamp).Seconds()
	if err := t.db.SetRollupEthTxHash(batchInfo.BatchNum, tx.Hash()); err != nil {
		return common.Wrap(err)
	}
	metric.PublishedBatches.Inc()
	log.Infow("TxManager: rollup published", "batch", batchInfo.BatchNum,
		"tx", tx.Hash().Hex(), "nonce", tx.Nonce(), "gasPrice", tx.GasPrice())
	return nil
}

// Stale returns true when a published rollup will not be confirmed: its
// ethereum tx failed, or no receipt arrived within cfg.ReceiptTimeout since
// the rollup was stored.  A rollup without ethereum tx is always stale.
func (t *TxManager) Stale(ctx context.Context, rollup *common.RollupBatch, now time.Time) (bool, error) {
	if rollup.EthTxHash == nil {
		return true, nil
	}
	receipt, err := t.ethClient.EthTransactionReceipt(ctx, *rollup.EthTxHash)
	if common.Unwrap(err) == ethereum.NotFound || (err == nil && receipt == nil) {
		if t.cfg.ReceiptTimeout > 0 && now.Sub(rollup.Created) > t.cfg.ReceiptTimeout {
			log.Warnw("TxManager: no receipt for published rollup", "batch", rollup.BatchNum,
				"tx", rollup.EthTxHash.Hex(), "since", rollup.Created)
			return true, nil
		}
		return false, nil
	} else if err != nil {
		return false, common.Wrap(err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		log.Warnw("TxManager: published rollup failed", "batch", rollup.BatchNum,
			"tx", rollup.EthTxHash.Hex(), "block", receipt.BlockNumber)
		return true, nil
	}
	return false, nil
}
