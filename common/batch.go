package common

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

const batchNumBytesLen = 4

// BatchNum identifies a batch (rollup). The first batch is 1.
type BatchNum uint32

// Bytes returns a byte array of length 4 representing the BatchNum
func (bn BatchNum) Bytes() []byte {
	var batchNumBytes [batchNumBytesLen]byte
	binary.BigEndian.PutUint32(batchNumBytes[:], uint32(bn))
	return batchNumBytes[:]
}

// BatchNumFromBytes returns BatchNum from a []byte
func BatchNumFromBytes(b []byte) (BatchNum, error) {
	if len(b) != batchNumBytesLen {
		return 0,
			Wrap(fmt.Errorf("can not parse BatchNumFromBytes, bytes len %d, expected %d",
				len(b), batchNumBytesLen))
	}
	batchNum := binary.BigEndian.Uint32(b[:batchNumBytesLen])
	return BatchNum(batchNum), nil
}

// BigInt returns a *big.Int representing the BatchNum
func (bn BatchNum) BigInt() *big.Int {
	return big.NewInt(int64(bn))
}

// RollupBatch is a batch built by this node. It is stored once its proof is
// created, gets EthTxHash when it is published and the mined fields when a
// ledger block confirms it.
type RollupBatch struct {
	BatchNum       BatchNum `meddler:"batch_num"`
	RollupSize     int      `meddler:"rollup_size"`
	DataStartIndex uint64   `meddler:"data_start_index"`
	OldDataRoot    *big.Int `meddler:"old_data_root,bigint"`
	NewDataRoot    *big.Int `meddler:"new_data_root,bigint"`
	OldNullRoot    *big.Int `meddler:"old_null_root,bigint"`
	NewNullRoot    *big.Int `meddler:"new_null_root,bigint"`
	OldRootRoot    *big.Int `meddler:"old_root_root,bigint"`
	NewRootRoot    *big.Int `meddler:"new_root_root,bigint"`
	// ProofData is the encoded RollupProofData followed by the proof
	ProofData []byte    `meddler:"proof_data"`
	TxIDs     []TxID    `meddler:"tx_ids,json"`
	Created   time.Time `meddler:"created,utctime"`
	// Set when published
	EthTxHash *ethCommon.Hash `meddler:"eth_tx_hash"`
	// Set when confirmed by the ledger
	GasUsed     uint64     `meddler:"gas_used"`
	GasPrice    *big.Int   `meddler:"gas_price,bigintnull"`
	Mined       *time.Time `meddler:"mined,utctimez"`
	EthBlockNum *int64     `meddler:"eth_block_num"`
	// Imported marks the rollups built by another publisher
	Imported bool `meddler:"imported"`
}

// RootsBefore returns the roots of the world state before the batch
func (b *RollupBatch) RootsBefore() Roots {
	return Roots{DataRoot: b.OldDataRoot, NullRoot: b.OldNullRoot, RootRoot: b.OldRootRoot}
}

// RootsAfter returns the roots of the world state after the batch
func (b *RollupBatch) RootsAfter() Roots {
	return Roots{DataRoot: b.NewDataRoot, NullRoot: b.NewNullRoot, RootRoot: b.NewRootRoot}
}

// SetRoots sets the roots before and after the batch
func (b *RollupBatch) SetRoots(before, after Roots) {
	b.OldDataRoot, b.OldNullRoot, b.OldRootRoot = before.DataRoot, before.NullRoot, before.RootRoot
	b.NewDataRoot, b.NewNullRoot, b.NewRootRoot = after.DataRoot, after.NullRoot, after.RootRoot
}

// Settled returns true once the batch has been confirmed by the ledger
func (b *RollupBatch) Settled() bool {
	return b.Mined != nil
}

// ConfirmedBatch is a batch settled on the ledger, as decoded from the
// ledger events. It may have been published by this node or by a competing
// publisher.
type ConfirmedBatch struct {
	BatchNum       BatchNum
	RollupSize     int
	DataStartIndex uint64
	RootsBefore    Roots
	RootsAfter     Roots
	Entries        []InnerProofData
	EthTxHash      ethCommon.Hash
	EthBlockNum    int64
	GasUsed        uint64
	GasPrice       *big.Int
	Timestamp      time.Time
}

// NewConfirmedBatch builds a ConfirmedBatch from the published rollup data
func NewConfirmedBatch(proof *RollupProofData) *ConfirmedBatch {
	return &ConfirmedBatch{
		BatchNum:       proof.BatchNum,
		RollupSize:     proof.RollupSize,
		DataStartIndex: proof.DataStartIndex,
		RootsBefore:    proof.RootsBefore,
		RootsAfter:     proof.RootsAfter,
		Entries:        proof.InnerProofs,
	}
}

// Nullifiers returns all the non empty nullifiers spent by the batch
func (b *ConfirmedBatch) Nullifiers() []ethCommon.Hash {
	nullifiers := []ethCommon.Hash{}
	for i := range b.Entries {
		for _, n := range []ethCommon.Hash{b.Entries[i].Nullifier1, b.Entries[i].Nullifier2} {
			if n != EmptyHash {
				nullifiers = append(nullifiers, n)
			}
		}
	}
	return nullifiers
}
