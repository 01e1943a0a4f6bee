package eth

import (
	"math/big"
	"strings"
	"testing"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/eth/contracts/tokamak"

	"github.com/ethereum/go-ethereum/accounts/abi"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessRollupArgs(t *testing.T) {
	contractAbi, err := abi.JSON(strings.NewReader(tokamak.TokamakABI))
	require.NoError(t, err)
	c := &RollupClient{contractAbi: contractAbi}

	proof := &common.RollupProofData{
		BatchNum:       3,
		RollupSize:     4,
		DataStartIndex: common.DataStartIndex(3, 4),
		RootsBefore:    common.Roots{DataRoot: big.NewInt(1), NullRoot: big.NewInt(2), RootRoot: big.NewInt(3)},
		RootsAfter:     common.Roots{DataRoot: big.NewInt(4), NullRoot: big.NewInt(5), RootRoot: big.NewInt(6)},
		InnerProofs: []common.InnerProofData{{
			Kind:            common.TxKindTransfer,
			NoteCommitment1: ethCommon.BigToHash(big.NewInt(10)),
			Nullifier1:      ethCommon.BigToHash(big.NewInt(11)),
			PublicValue:     big.NewInt(0),
			TxFee:           big.NewInt(7),
		}},
	}
	encoded, err := proof.Encode()
	require.NoError(t, err)
	input, err := contractAbi.Pack("processRollup", encoded, []byte{})
	require.NoError(t, err)

	decoded, err := c.processRollupArgs(input)
	require.NoError(t, err)
	assert.Equal(t, proof.BatchNum, decoded.BatchNum)
	assert.True(t, decoded.RootsAfter.Equal(proof.RootsAfter))
	require.Len(t, decoded.InnerProofs, 1)
	assert.Equal(t, proof.InnerProofs[0].Nullifier1, decoded.InnerProofs[0].Nullifier1)
	assert.Equal(t, "7", decoded.InnerProofs[0].TxFee.String())

	// any other method is rejected
	other, err := contractAbi.Pack("nextRollupId")
	require.NoError(t, err)
	_, err = c.processRollupArgs(other)
	assert.Error(t, err)
	_, err = c.processRollupArgs([]byte{1, 2})
	assert.Error(t, err)
}

func TestEventSignatures(t *testing.T) {
	contractAbi, err := abi.JSON(strings.NewReader(tokamak.TokamakABI))
	require.NoError(t, err)
	assert.Equal(t, contractAbi.Events["RollupProcessed"].ID, logRollupProcessed)
	assert.Equal(t, contractAbi.Events["Deposit"].ID, logDeposit)
}
