/*
Package txreceiver admits new txs into the tx store.

A tx arrives as the encoded public inputs of its proof.  Before it is stored
as pending, the Receiver checks that it is well formed, that its fee covers
the gas it uses at the current prices, that a deposit doesn't exceed what its
owner has locked in the rollup contract, and that the store has room for it.
The nullifier uniqueness check is done by the store, atomically with the
insertion.
*/
package txreceiver

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/feeresolver"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Reasons of the rejected txs metric
const (
	reasonInvalid   = "invalid"
	reasonFee       = "fee"
	reasonDeposit   = "deposit"
	reasonBridge    = "bridge"
	reasonNullifier = "nullifier"
	reasonDuplicate = "duplicate"
	reasonFull      = "full"
	reasonOther     = "other"
)

// Config of the Receiver
type Config struct {
	// MaxPendingTxs is the maximum number of pending txs in the store.  Zero
	// means no limit.
	MaxPendingTxs int
}

type depositReader interface {
	RollupPendingDeposit(ctx context.Context, assetID common.AssetID,
		owner ethCommon.Address) (*big.Int, error)
}

// Receiver validates and stores new txs
type Receiver struct {
	cfg       Config
	db        rollupdb.DB
	fees      *feeresolver.FeeResolver
	ethClient depositReader
	timeNow   func() time.Time
	// depositMu serializes the deposit ceiling check with the insertion
	depositMu sync.Mutex
}

// NewReceiver creates a Receiver
func NewReceiver(cfg Config, db rollupdb.DB, fees *feeresolver.FeeResolver,
	ethClient depositReader) *Receiver {
	return &Receiver{
		cfg:       cfg,
		db:        db,
		fees:      fees,
		ethClient: ethClient,
		timeNow:   time.Now,
	}
}

// Receive validates the tx encoded in proofData and stores it as pending.
// The stored tx is returned.
func (r *Receiver) Receive(ctx context.Context, proofData []byte) (*common.PendingTx, error) {
	tx, err := r.receive(ctx, proofData)
	if err != nil {
		reason := rejectReason(err)
		metric.RejectedTxs.WithLabelValues(reason).Inc()
		log.Debugw("TxReceiver: tx rejected", "reason", reason, "err", err)
		return nil, err
	}
	log.Debugw("TxReceiver: tx accepted", "tx", tx.TxID, "kind", tx.Kind,
		"excessGas", tx.ExcessGas)
	return tx, nil
}

func (r *Receiver) receive(ctx context.Context, proofData []byte) (*common.PendingTx, error) {
	tx, err := common.NewPendingTx(proofData, r.timeNow().UTC())
	if err != nil {
		return nil, common.Wrap(err)
	}
	if err := r.validate(tx); err != nil {
		return nil, common.Wrap(err)
	}

	minFee, err := r.fees.MinTxFee(tx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if tx.Fee == nil || tx.Fee.Cmp(minFee) < 0 {
		return nil, common.Wrap(fmt.Errorf("%w: %v < %v", common.ErrFeeTooLow, tx.Fee, minFee))
	}
	if tx.ExcessGas, err = r.fees.ExcessGas(tx); err != nil {
		return nil, common.Wrap(err)
	}

	if r.cfg.MaxPendingTxs > 0 {
		count, err := r.db.GetPendingTxCount()
		if err != nil {
			return nil, common.Wrap(err)
		}
		if count >= r.cfg.MaxPendingTxs {
			return nil, common.Wrap(common.ErrPoolFull)
		}
	}

	if tx.Kind == common.TxKindDeposit {
		r.depositMu.Lock()
		defer r.depositMu.Unlock()
		if err := r.checkDeposit(ctx, tx); err != nil {
			return nil, common.Wrap(err)
		}
	}
	if err := r.db.AddTx(tx); err != nil {
		return nil, common.Wrap(err)
	}
	return tx, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", common.ErrInvalidTx, fmt.Sprintf(format, args...))
}

// validate checks the structure of the tx
func (r *Receiver) validate(tx *common.PendingTx) error {
	if !tx.Kind.Valid() {
		return invalid("kind %v", tx.Kind)
	}
	if len(tx.Nullifiers()) == 0 {
		return invalid("no nullifiers")
	}
	if tx.Nullifier1 == tx.Nullifier2 {
		return invalid("repeated nullifier %v", tx.Nullifier1.Hex())
	}
	if !r.fees.IsFeePayingAsset(tx.FeeAssetID) {
		return invalid("asset %v does not pay fees", tx.FeeAssetID)
	}

	public := tx.Kind == common.TxKindDeposit || tx.Kind.IsWithdrawal()
	hasValue := tx.PublicValue != nil && tx.PublicValue.Sign() > 0
	switch {
	case public && (!hasValue || tx.PublicOwner == (ethCommon.Address{})):
		return invalid("%v without public value or owner", tx.Kind)
	case !public && hasValue:
		return invalid("public value in a %v", tx.Kind)
	}

	if tx.Kind == common.TxKindDefiDeposit {
		if _, ok := r.fees.Bridge(tx.BridgeCallData); !ok {
			return fmt.Errorf("%w: %v", common.ErrUnknownBridge, tx.BridgeCallData.Hex())
		}
	} else if tx.IsBridgeTx() {
		return invalid("bridge call data in a %v", tx.Kind)
	}
	return nil
}

// checkDeposit checks that the deposits of the owner waiting to be settled,
// plus tx, don't exceed the pending deposit in the rollup contract.  Must be
// called with depositMu held.
func (r *Receiver) checkDeposit(ctx context.Context, tx *common.PendingTx) error {
	pending, err := r.ethClient.RollupPendingDeposit(ctx, tx.PublicAssetID, tx.PublicOwner)
	if err != nil {
		return common.Wrap(fmt.Errorf("RollupPendingDeposit: %w", err))
	}
	unsettled, err := r.db.GetUnsettledTxs()
	if err != nil {
		return common.Wrap(err)
	}
	total := new(big.Int).Set(tx.PublicValue)
	for i := range unsettled {
		u := &unsettled[i]
		if u.Kind == common.TxKindDeposit && u.PublicAssetID == tx.PublicAssetID &&
			u.PublicOwner == tx.PublicOwner {
			total.Add(total, u.PublicValue)
		}
	}
	if total.Cmp(pending) > 0 {
		return fmt.Errorf("%w: %v > %v", common.ErrDepositExceeded, total, pending)
	}
	return nil
}

func rejectReason(err error) string {
	switch {
	case common.IsErr(err, common.ErrInvalidTx):
		return reasonInvalid
	case common.IsErr(err, common.ErrFeeTooLow):
		return reasonFee
	case common.IsErr(err, common.ErrDepositExceeded):
		return reasonDeposit
	case common.IsErr(err, common.ErrUnknownBridge):
		return reasonBridge
	case common.IsErr(err, common.ErrNullifierExists):
		return reasonNullifier
	case common.IsErr(err, common.ErrTxExists):
		return reasonDuplicate
	case common.IsErr(err, common.ErrPoolFull):
		return reasonFull
	default:
		return reasonOther
	}
}
