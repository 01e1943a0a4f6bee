package common

import (
	"fmt"
	"math/big"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

const (
	// wordLen is the length of every encoded field
	wordLen = 32
	// InnerProofDataNumWords is the number of words of an encoded inner tx
	InnerProofDataNumWords = 12
	// InnerProofDataLen is the length in bytes of an encoded inner tx
	InnerProofDataLen = InnerProofDataNumWords * wordLen
	// RollupHeaderNumWords is the number of words of an encoded rollup header
	RollupHeaderNumWords = 10
	// RollupHeaderLen is the length in bytes of an encoded rollup header
	RollupHeaderLen = RollupHeaderNumWords * wordLen
)

// InnerProofData are the public inputs of one inner tx of a rollup
type InnerProofData struct {
	Kind            TxKind
	NoteCommitment1 ethCommon.Hash
	NoteCommitment2 ethCommon.Hash
	Nullifier1      ethCommon.Hash
	Nullifier2      ethCommon.Hash
	PublicValue     *big.Int
	PublicOwner     ethCommon.Address
	PublicAssetID   AssetID
	TxFee           *big.Int
	TxFeeAssetID    AssetID
	BridgeCallData  ethCommon.Hash
	BackwardLink    ethCommon.Hash
}

func putWord(b []byte, i int, v []byte) {
	copy(b[(i+1)*wordLen-len(v):(i+1)*wordLen], v)
}

func word(b []byte, i int) []byte {
	return b[i*wordLen : (i+1)*wordLen]
}

func bigToWord(v *big.Int) ([]byte, error) {
	if v == nil {
		return []byte{}, nil
	}
	if v.Sign() < 0 || v.BitLen() > wordLen*8 {
		return nil, Wrap(fmt.Errorf("%w: %v doesn't fit in a word", ErrNumOverflow, v))
	}
	return v.Bytes(), nil
}

// Encode returns the byte representation of the inner tx
func (p *InnerProofData) Encode() ([]byte, error) {
	b := make([]byte, InnerProofDataLen)
	putWord(b, 0, []byte{byte(p.Kind)})
	putWord(b, 1, p.NoteCommitment1[:])
	putWord(b, 2, p.NoteCommitment2[:])
	putWord(b, 3, p.Nullifier1[:])
	putWord(b, 4, p.Nullifier2[:])
	publicValue, err := bigToWord(p.PublicValue)
	if err != nil {
		return nil, Wrap(err)
	}
	putWord(b, 5, publicValue)
	putWord(b, 6, p.PublicOwner[:])
	putWord(b, 7, p.PublicAssetID.Bytes())
	txFee, err := bigToWord(p.TxFee)
	if err != nil {
		return nil, Wrap(err)
	}
	putWord(b, 8, txFee)
	putWord(b, 9, p.TxFeeAssetID.Bytes())
	putWord(b, 10, p.BridgeCallData[:])
	putWord(b, 11, p.BackwardLink[:])
	return b, nil
}

// IsPadding returns true for the empty slots used to pad a rollup
func (p *InnerProofData) IsPadding() bool {
	return p.Nullifier1 == EmptyHash && p.Nullifier2 == EmptyHash &&
		p.NoteCommitment1 == EmptyHash && p.NoteCommitment2 == EmptyHash
}

// DecodeInnerProofData decodes the first InnerProofDataLen bytes of b. Any
// trailing bytes (the zk proof itself) are ignored.
func DecodeInnerProofData(b []byte) (*InnerProofData, error) {
	if len(b) < InnerProofDataLen {
		return nil, Wrap(fmt.Errorf("%w: proof data len %d, expected at least %d",
			ErrInvalidTx, len(b), InnerProofDataLen))
	}
	kind := word(b, 0)
	for _, v := range kind[:wordLen-1] {
		if v != 0 {
			return nil, Wrap(fmt.Errorf("%w: malformed tx kind", ErrInvalidTx))
		}
	}
	p := &InnerProofData{
		Kind:            TxKind(kind[wordLen-1]),
		NoteCommitment1: ethCommon.BytesToHash(word(b, 1)),
		NoteCommitment2: ethCommon.BytesToHash(word(b, 2)),
		Nullifier1:      ethCommon.BytesToHash(word(b, 3)),
		Nullifier2:      ethCommon.BytesToHash(word(b, 4)),
		PublicValue:     new(big.Int).SetBytes(word(b, 5)),
		PublicOwner:     ethCommon.BytesToAddress(word(b, 6)),
		PublicAssetID:   AssetID(new(big.Int).SetBytes(word(b, 7)).Uint64()),
		TxFee:           new(big.Int).SetBytes(word(b, 8)),
		TxFeeAssetID:    AssetID(new(big.Int).SetBytes(word(b, 9)).Uint64()),
		BridgeCallData:  ethCommon.BytesToHash(word(b, 10)),
		BackwardLink:    ethCommon.BytesToHash(word(b, 11)),
	}
	if !p.Kind.Valid() {
		return nil, Wrap(fmt.Errorf("%w: unknown tx kind %d", ErrInvalidTx, p.Kind))
	}
	return p, nil
}

// Roots are the roots of the world state trees
type Roots struct {
	DataRoot *big.Int `json:"dataRoot"`
	NullRoot *big.Int `json:"nullRoot"`
	RootRoot *big.Int `json:"rootRoot"`
}

// Equal compares all the roots
func (r Roots) Equal(o Roots) bool {
	return BigIntEqual(r.DataRoot, o.DataRoot) &&
		BigIntEqual(r.NullRoot, o.NullRoot) &&
		BigIntEqual(r.RootRoot, o.RootRoot)
}

func (r Roots) String() string {
	return fmt.Sprintf("data: %v, null: %v, root: %v", r.DataRoot, r.NullRoot, r.RootRoot)
}

// RollupProofData is the public data of a rollup as it is published to the
// ledger: a header followed by the non padding inner txs
type RollupProofData struct {
	BatchNum       BatchNum
	RollupSize     int
	DataStartIndex uint64
	RootsBefore    Roots
	RootsAfter     Roots
	InnerProofs    []InnerProofData
}

// Encode returns the byte representation of the rollup public data
func (r *RollupProofData) Encode() ([]byte, error) {
	b := make([]byte, RollupHeaderLen, RollupHeaderLen+len(r.InnerProofs)*InnerProofDataLen)
	putWord(b, 0, r.BatchNum.BigInt().Bytes())
	putWord(b, 1, big.NewInt(int64(r.RollupSize)).Bytes())
	putWord(b, 2, new(big.Int).SetUint64(r.DataStartIndex).Bytes())
	roots := []*big.Int{
		r.RootsBefore.DataRoot, r.RootsAfter.DataRoot,
		r.RootsBefore.NullRoot, r.RootsAfter.NullRoot,
		r.RootsBefore.RootRoot, r.RootsAfter.RootRoot,
	}
	for i, root := range roots {
		w, err := bigToWord(root)
		if err != nil {
			return nil, Wrap(err)
		}
		putWord(b, 3+i, w)
	}
	putWord(b, 9, big.NewInt(int64(len(r.InnerProofs))).Bytes())
	for i := range r.InnerProofs {
		inner, err := r.InnerProofs[i].Encode()
		if err != nil {
			return nil, Wrap(err)
		}
		b = append(b, inner...)
	}
	return b, nil
}

// DecodeRollupProofData decodes the public data of a rollup
func DecodeRollupProofData(b []byte) (*RollupProofData, error) {
	if len(b) < RollupHeaderLen {
		return nil, Wrap(fmt.Errorf("rollup proof data len %d, expected at least %d",
			len(b), RollupHeaderLen))
	}
	bigWord := func(i int) *big.Int { return new(big.Int).SetBytes(word(b, i)) }
	numTxs := int(bigWord(9).Int64())
	if len(b) < RollupHeaderLen+numTxs*InnerProofDataLen {
		return nil, Wrap(fmt.Errorf("rollup proof data len %d too short for %d txs",
			len(b), numTxs))
	}
	r := &RollupProofData{
		BatchNum:       BatchNum(bigWord(0).Uint64()),
		RollupSize:     int(bigWord(1).Int64()),
		DataStartIndex: bigWord(2).Uint64(),
		RootsBefore:    Roots{DataRoot: bigWord(3), NullRoot: bigWord(5), RootRoot: bigWord(7)},
		RootsAfter:     Roots{DataRoot: bigWord(4), NullRoot: bigWord(6), RootRoot: bigWord(8)},
		InnerProofs:    make([]InnerProofData, numTxs),
	}
	for i := 0; i < numTxs; i++ {
		start := RollupHeaderLen + i*InnerProofDataLen
		inner, err := DecodeInnerProofData(b[start : start+InnerProofDataLen])
		if err != nil {
			return nil, Wrap(err)
		}
		r.InnerProofs[i] = *inner
	}
	return r, nil
}

// DataStartIndex returns the first data tree index used by a batch. Every
// slot of a rollup owns two note indices.
func DataStartIndex(batchNum BatchNum, rollupSize int) uint64 {
	if batchNum == 0 {
		return 0
	}
	return uint64(batchNum-1) * uint64(rollupSize) * 2 //nolint:gomnd
}
