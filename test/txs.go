package test

import (
	"math/big"
	"time"

	"tokamak-rollup-sequencer/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Nullifier returns a deterministic non empty nullifier for i
func Nullifier(i int) ethCommon.Hash {
	return crypto.Keccak256Hash([]byte("nullifier"), big.NewInt(int64(i)).Bytes())
}

// NoteCommitment returns a deterministic non empty note commitment for i
func NoteCommitment(i int) ethCommon.Hash {
	return crypto.Keccak256Hash([]byte("note"), big.NewInt(int64(i)).Bytes())
}

// GenInner returns the public inputs of a tx of the given kind. The
// nullifiers and note commitments are derived from seed.
func GenInner(kind common.TxKind, seed int) common.InnerProofData {
	inner := common.InnerProofData{
		Kind:            kind,
		NoteCommitment1: NoteCommitment(2 * seed),
		NoteCommitment2: NoteCommitment(2*seed + 1),
		Nullifier1:      Nullifier(2 * seed),
		Nullifier2:      Nullifier(2*seed + 1),
		PublicValue:     big.NewInt(0),
		TxFee:           big.NewInt(1),
	}
	if kind == common.TxKindDeposit || kind.IsWithdrawal() {
		inner.PublicValue = big.NewInt(1000)
		inner.PublicOwner = ethCommon.BigToAddress(big.NewInt(int64(seed + 1)))
	}
	return inner
}

// GenPendingTx builds a pending tx from its public inputs
func GenPendingTx(inner common.InnerProofData, created time.Time) common.PendingTx {
	proofData, err := inner.Encode()
	if err != nil {
		panic(err)
	}
	tx, err := common.NewPendingTx(proofData, created.UTC())
	if err != nil {
		panic(err)
	}
	return *tx
}

// GenPendingTxs builds n txs of the given kind with disjoint nullifiers,
// created one second apart from start. Seeds begin at firstSeed.
func GenPendingTxs(n int, kind common.TxKind, firstSeed int, start time.Time) []common.PendingTx {
	txs := make([]common.PendingTx, n)
	for i := 0; i < n; i++ {
		txs[i] = GenPendingTx(GenInner(kind, firstSeed+i), start.Add(time.Duration(i)*time.Second))
	}
	return txs
}
