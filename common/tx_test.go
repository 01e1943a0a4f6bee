package common

import (
	"math/big"
	"testing"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInnerProofDataEncodeDecode(t *testing.T) {
	inner := InnerProofData{
		Kind:            TxKindWithdrawToWallet,
		NoteCommitment1: ethCommon.BigToHash(big.NewInt(11)),
		Nullifier1:      ethCommon.BigToHash(big.NewInt(21)),
		Nullifier2:      ethCommon.BigToHash(big.NewInt(22)),
		PublicValue:     big.NewInt(1000),
		PublicOwner:     ethCommon.HexToAddress("0x0000000000000000000000000000000000000abc"),
		PublicAssetID:   2,
		TxFee:           big.NewInt(7),
		TxFeeAssetID:    1,
	}
	b, err := inner.Encode()
	require.NoError(t, err)
	assert.Equal(t, InnerProofDataLen, len(b))

	// trailing proof bytes are ignored
	decoded, err := DecodeInnerProofData(append(b, 0x01, 0x02))
	require.NoError(t, err)
	assert.Equal(t, inner, *decoded)

	tx, err := NewPendingTx(append(b, 0x01), time.Unix(1, 0))
	require.NoError(t, err)
	assert.Equal(t, TxKindWithdrawToWallet, tx.Kind)
	assert.Equal(t, []ethCommon.Hash{inner.Nullifier1, inner.Nullifier2}, tx.Nullifiers())
	assert.Equal(t, NewTxID(append(b, 0x01)), tx.TxID)
	assert.True(t, tx.IsPending())
	assert.False(t, tx.IsBridgeTx())
}

func TestDecodeInnerProofDataErrors(t *testing.T) {
	_, err := DecodeInnerProofData(make([]byte, InnerProofDataLen-1))
	assert.True(t, IsErr(err, ErrInvalidTx))

	b := make([]byte, InnerProofDataLen)
	b[wordLen-1] = NumTxKinds
	_, err = DecodeInnerProofData(b)
	assert.True(t, IsErr(err, ErrInvalidTx))
}

func TestRollupProofDataEncodeDecode(t *testing.T) {
	rollup := RollupProofData{
		BatchNum:       3,
		RollupSize:     4,
		DataStartIndex: DataStartIndex(3, 4),
		RootsBefore:    Roots{DataRoot: big.NewInt(1), NullRoot: big.NewInt(2), RootRoot: big.NewInt(3)},
		RootsAfter:     Roots{DataRoot: big.NewInt(4), NullRoot: big.NewInt(5), RootRoot: big.NewInt(6)},
		InnerProofs: []InnerProofData{
			{Kind: TxKindTransfer, Nullifier1: ethCommon.BigToHash(big.NewInt(1)),
				PublicValue: big.NewInt(5), TxFee: big.NewInt(3)},
			{Kind: TxKindDeposit, NoteCommitment1: ethCommon.BigToHash(big.NewInt(9)),
				PublicValue: big.NewInt(10), TxFee: big.NewInt(1)},
		},
	}
	assert.Equal(t, uint64(16), rollup.DataStartIndex)
	b, err := rollup.Encode()
	require.NoError(t, err)
	assert.Equal(t, RollupHeaderLen+2*InnerProofDataLen, len(b))
	decoded, err := DecodeRollupProofData(b)
	require.NoError(t, err)
	assert.Equal(t, rollup.BatchNum, decoded.BatchNum)
	assert.Equal(t, rollup.RollupSize, decoded.RollupSize)
	assert.Equal(t, rollup.DataStartIndex, decoded.DataStartIndex)
	assert.True(t, rollup.RootsBefore.Equal(decoded.RootsBefore))
	assert.True(t, rollup.RootsAfter.Equal(decoded.RootsAfter))
	assert.Equal(t, rollup.InnerProofs, decoded.InnerProofs)

	_, err = DecodeRollupProofData(b[:len(b)-1])
	assert.Error(t, err)
}

func TestTxIDText(t *testing.T) {
	txID := NewTxID([]byte("payload"))
	text, err := txID.MarshalText()
	require.NoError(t, err)
	var parsed TxID
	require.NoError(t, parsed.UnmarshalText(text))
	assert.Equal(t, txID, parsed)
}

func TestDivCeil(t *testing.T) {
	assert.Equal(t, uint64(0), DivCeil(0, 5))
	assert.Equal(t, uint64(1), DivCeil(1, 5))
	assert.Equal(t, uint64(20000), DivCeil(100000, 5))
	assert.Equal(t, uint64(20001), DivCeil(100001, 5))
}
