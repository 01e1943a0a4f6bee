package txreceiver

import (
	"context"
	"math/big"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/config"
	"tokamak-rollup-sequencer/database/rollupdb"
	"tokamak-rollup-sequencer/feeresolver"
	"tokamak-rollup-sequencer/test"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)

var bridge = ethCommon.HexToHash("0xa1")

type fixedPrices struct{}

func (fixedPrices) GasPrice() *big.Int                    { return big.NewInt(10_000_000_000) }
func (fixedPrices) MinGasPrice() *big.Int                 { return big.NewInt(10_000_000_000) }
func (fixedPrices) AssetPrice(common.AssetID) *big.Int    { return big.NewInt(1e18) }
func (fixedPrices) MaxAssetPrice(common.AssetID) *big.Int { return big.NewInt(1e18) }

type testReceiver struct {
	*Receiver
	client *test.Client
	fees   *feeresolver.FeeResolver
}

func newTestReceiver(t *testing.T, cfg Config) *testReceiver {
	rollupCfg := config.RollupConfig{
		Capacity:        4,
		GasLimit:        1_100_000,
		CallDataLimit:   10_000,
		VerificationGas: 100_000,
		MaxFeeAssets:    2,
		MaxBridgeCalls:  2,
		TxGas: config.PerKind{
			Deposit:          10_000,
			WithdrawToWallet: 10_000,
		},
		TxCallData: config.PerKind{
			Deposit:          100,
			Transfer:         100,
			WithdrawToWallet: 100,
			WithdrawHighGas:  100,
			Account:          100,
			DefiDeposit:      100,
			DefiClaim:        100,
		},
		Bridges: []config.BridgeConfig{{BridgeCallData: bridge, NumTxs: 2, Gas: 100_000}},
	}
	feesCfg := config.FeesConfig{
		GasPriceMultiplierPct: 100,
		SignificantFigures:    2,
		Assets: []common.Asset{
			{AssetID: 0, Decimals: 18, FeePaying: true},
			{AssetID: 1, Decimals: 18},
		},
	}
	fees, err := feeresolver.NewFeeResolver(&rollupCfg, &feesCfg, fixedPrices{})
	require.NoError(t, err)

	db, err := rollupdb.NewLevelDB("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	addr := ethCommon.HexToAddress("0x6BB84Cc84D4A34467aD12a2039A312f7029e2071")
	client := test.NewClient(true, test.NewStepTimer(t0, 15*time.Second), &addr,
		test.NewClientSetupExample())
	r := NewReceiver(cfg, db, fees, client)
	r.timeNow = func() time.Time { return t0 }
	return &testReceiver{Receiver: r, client: client, fees: fees}
}

// payload encodes inner paying the minimum fee plus extra
func (r *testReceiver) payload(t *testing.T, inner common.InnerProofData, extra int64) []byte {
	tx := test.GenPendingTx(inner, t0)
	minFee, err := r.fees.MinTxFee(&tx)
	require.NoError(t, err)
	inner.TxFee = new(big.Int).Add(minFee, big.NewInt(extra))
	proofData, err := inner.Encode()
	require.NoError(t, err)
	return proofData
}

func TestReceiveTransfer(t *testing.T) {
	r := newTestReceiver(t, Config{})
	ctx := context.Background()
	inner := test.GenInner(common.TxKindTransfer, 1)
	tx, err := r.Receive(ctx, r.payload(t, inner, 0))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), tx.ExcessGas)
	assert.Equal(t, t0, tx.Created)

	stored, err := r.db.GetTx(tx.TxID)
	require.NoError(t, err)
	assert.True(t, stored.IsPending())

	// same tx again
	_, err = r.Receive(ctx, r.payload(t, inner, 0))
	assert.True(t, common.IsErr(err, common.ErrTxExists) ||
		common.IsErr(err, common.ErrNullifierExists), "%v", err)

	// a different tx spending the same nullifiers
	inner.NoteCommitment1 = test.NoteCommitment(1000)
	_, err = r.Receive(ctx, r.payload(t, inner, 0))
	assert.True(t, common.IsErr(err, common.ErrNullifierExists), "%v", err)
}

func TestReceiveExcessGas(t *testing.T) {
	r := newTestReceiver(t, Config{})
	// 10 gwei per gas
	tx, err := r.Receive(context.Background(),
		r.payload(t, test.GenInner(common.TxKindTransfer, 1), 10_000*10_000_000_000))
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), tx.ExcessGas)
}

func TestReceiveFeeTooLow(t *testing.T) {
	r := newTestReceiver(t, Config{})
	_, err := r.Receive(context.Background(),
		r.payload(t, test.GenInner(common.TxKindTransfer, 1), -1))
	assert.True(t, common.IsErr(err, common.ErrFeeTooLow), "%v", err)
	count, err := r.db.GetPendingTxCount()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestReceiveInvalid(t *testing.T) {
	r := newTestReceiver(t, Config{})
	ctx := context.Background()

	noNullifiers := test.GenInner(common.TxKindTransfer, 1)
	noNullifiers.Nullifier1 = common.EmptyHash
	noNullifiers.Nullifier2 = common.EmptyHash

	repeated := test.GenInner(common.TxKindTransfer, 2)
	repeated.Nullifier2 = repeated.Nullifier1

	noOwner := test.GenInner(common.TxKindWithdrawToWallet, 3)
	noOwner.PublicOwner = ethCommon.Address{}

	publicTransfer := test.GenInner(common.TxKindTransfer, 4)
	publicTransfer.PublicValue = big.NewInt(5)

	bridgeTransfer := test.GenInner(common.TxKindTransfer, 5)
	bridgeTransfer.BridgeCallData = bridge

	for name, inner := range map[string]common.InnerProofData{
		"no nullifiers":   noNullifiers,
		"repeated":        repeated,
		"no owner":        noOwner,
		"public transfer": publicTransfer,
		"bridge transfer": bridgeTransfer,
	} {
		_, err := r.Receive(ctx, r.payload(t, inner, 0))
		assert.True(t, common.IsErr(err, common.ErrInvalidTx), "%v: %v", name, err)
	}

	_, err := r.Receive(ctx, []byte{1, 2, 3})
	assert.True(t, common.IsErr(err, common.ErrInvalidTx), "%v", err)

	// asset 1 doesn't pay fees
	feeAsset := test.GenInner(common.TxKindTransfer, 6)
	feeAsset.TxFeeAssetID = 1
	proofData, err := feeAsset.Encode()
	require.NoError(t, err)
	_, err = r.Receive(ctx, proofData)
	assert.True(t, common.IsErr(err, common.ErrInvalidTx), "%v", err)
}

func TestReceiveBridgeTx(t *testing.T) {
	r := newTestReceiver(t, Config{})
	ctx := context.Background()

	inner := test.GenInner(common.TxKindDefiDeposit, 1)
	inner.BridgeCallData = bridge
	_, err := r.Receive(ctx, r.payload(t, inner, 0))
	require.NoError(t, err)

	unknown := test.GenInner(common.TxKindDefiDeposit, 2)
	unknown.BridgeCallData = ethCommon.HexToHash("0xdead")
	proofData, err := unknown.Encode()
	require.NoError(t, err)
	_, err = r.Receive(ctx, proofData)
	assert.True(t, common.IsErr(err, common.ErrUnknownBridge), "%v", err)
}

func TestReceiveDepositCeiling(t *testing.T) {
	r := newTestReceiver(t, Config{})
	ctx := context.Background()
	owner := ethCommon.HexToAddress("0xd1")
	deposit := func(seed int) []byte {
		inner := test.GenInner(common.TxKindDeposit, seed)
		inner.PublicOwner = owner
		return r.payload(t, inner, 0)
	}

	// nothing locked yet
	_, err := r.Receive(ctx, deposit(1))
	assert.True(t, common.IsErr(err, common.ErrDepositExceeded), "%v", err)

	r.client.CtlDeposit(0, owner, big.NewInt(1500))
	r.client.CtlMineBlock()
	_, err = r.Receive(ctx, deposit(1))
	require.NoError(t, err)
	// the first deposit already takes 1000 of the 1500
	_, err = r.Receive(ctx, deposit(2))
	assert.True(t, common.IsErr(err, common.ErrDepositExceeded), "%v", err)

	r.client.CtlDeposit(0, owner, big.NewInt(500))
	r.client.CtlMineBlock()
	_, err = r.Receive(ctx, deposit(2))
	require.NoError(t, err)
}

func TestReceivePoolFull(t *testing.T) {
	r := newTestReceiver(t, Config{MaxPendingTxs: 2})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := r.Receive(ctx, r.payload(t, test.GenInner(common.TxKindTransfer, i+1), 0))
		require.NoError(t, err)
	}
	_, err := r.Receive(ctx, r.payload(t, test.GenInner(common.TxKindTransfer, 3), 0))
	assert.True(t, common.IsErr(err, common.ErrPoolFull), "%v", err)
}

func TestRejectReason(t *testing.T) {
	assert.Equal(t, reasonFee, rejectReason(common.Wrap(common.ErrFeeTooLow)))
	assert.Equal(t, reasonFull, rejectReason(common.Wrap(common.ErrPoolFull)))
	assert.Equal(t, reasonOther, rejectReason(assert.AnError))
}
