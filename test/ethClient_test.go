package test

import (
	"context"
	"math/big"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"

	"github.com/ethereum/go-ethereum"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2023, 3, 1, 12, 0, 0, 0, time.UTC)

func roots(v int64) common.Roots {
	return common.Roots{DataRoot: big.NewInt(v), NullRoot: big.NewInt(v + 1), RootRoot: big.NewInt(v + 2)}
}

func newTestClient() *Client {
	addr := ethCommon.HexToAddress("0xE39fEc6224708f0772D2A74fd3f9055A90E0A9f2")
	return NewClient(true, NewStepTimer(t0, 15*time.Second), &addr, NewClientSetupExample())
}

func TestClientPublish(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	lastBlock, err := c.EthLastBlock()
	require.NoError(t, err)
	assert.Equal(t, int64(1), lastBlock)

	owner := GenInner(common.TxKindDeposit, 0).PublicOwner
	c.CtlDeposit(0, owner, big.NewInt(1500))
	c.CtlMineBlock()
	deposit, err := c.RollupPendingDeposit(ctx, 0, owner)
	require.NoError(t, err)
	assert.Equal(t, "1500", deposit.String())

	proof := &common.RollupProofData{BatchNum: 1, RollupSize: 4, RootsBefore: roots(0), RootsAfter: roots(10),
		InnerProofs: []common.InnerProofData{GenInner(common.TxKindDeposit, 0)}}
	proofData, err := proof.Encode()
	require.NoError(t, err)
	tx, err := c.RollupPublish(ctx, proofData)
	require.NoError(t, err)

	// not mined yet
	_, err = c.EthTransactionReceipt(ctx, tx.Hash())
	assert.Equal(t, ethereum.NotFound, err)
	c.CtlMineBlock()
	receipt, err := c.EthTransactionReceipt(ctx, tx.Hash())
	require.NoError(t, err)
	assert.Equal(t, int64(3), receipt.BlockNumber.Int64())

	lastBatch, err := c.RollupLastBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, common.BatchNum(1), lastBatch)
	deposit, err = c.RollupPendingDeposit(ctx, 0, owner)
	require.NoError(t, err)
	assert.Equal(t, "500", deposit.String())

	events, err := c.RollupEventsByBlock(ctx, 3, nil)
	require.NoError(t, err)
	require.Len(t, events.RollupProcessed, 1)
	processed := events.RollupProcessed[0]
	assert.Equal(t, tx.Hash(), processed.EthTxHash)
	assert.Equal(t, mockGasUsed(proofData), processed.GasUsed)
	assert.True(t, processed.ProofData.RootsAfter.Equal(roots(10)))
}

func TestClientPublishRejected(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	c.CtlAddBatch(&common.RollupProofData{BatchNum: 1, RootsBefore: roots(0), RootsAfter: roots(10)})
	c.CtlMineBlock()

	encode := func(p *common.RollupProofData) []byte {
		b, err := p.Encode()
		require.NoError(t, err)
		return b
	}
	// same batch number
	_, err := c.RollupPublish(ctx, encode(&common.RollupProofData{BatchNum: 1, RootsBefore: roots(0),
		RootsAfter: roots(20)}))
	assert.ErrorIs(t, common.Unwrap(err), errRollupIDMismatch)
	// stale roots
	_, err = c.RollupPublish(ctx, encode(&common.RollupProofData{BatchNum: 2, RootsBefore: roots(0),
		RootsAfter: roots(20)}))
	assert.ErrorIs(t, common.Unwrap(err), errRootsMismatch)
	// deposit without funds
	_, err = c.RollupPublish(ctx, encode(&common.RollupProofData{BatchNum: 2, RootsBefore: roots(10),
		RootsAfter: roots(20), InnerProofs: []common.InnerProofData{GenInner(common.TxKindDeposit, 3)}}))
	assert.ErrorIs(t, common.Unwrap(err), errInsufficientDeposit)

	c.CtlMineBlock()
	assert.Equal(t, common.BatchNum(1), c.CtlLastBatch())
}

func TestClientRollback(t *testing.T) {
	ctx := context.Background()
	c := newTestClient()
	c.CtlAddBatch(&common.RollupProofData{BatchNum: 1, RootsBefore: roots(0), RootsAfter: roots(10)})
	c.CtlMineBlock()
	reorged := c.CtlLastBlock()
	assert.Equal(t, common.BatchNum(1), c.CtlLastBatch())

	c.CtlRollback()
	c.CtlMineBlock()
	block := c.CtlLastBlock()
	assert.Equal(t, reorged.Num, block.Num)
	assert.NotEqual(t, reorged.Hash, block.Hash)
	assert.Equal(t, common.BatchNum(0), c.CtlLastBatch())
	events, err := c.RollupEventsByBlock(ctx, block.Num, &block.Hash)
	require.NoError(t, err)
	assert.Len(t, events.RollupProcessed, 0)
	_, err = c.RollupEventsByBlock(ctx, block.Num, &reorged.Hash)
	assert.Error(t, err)
}
