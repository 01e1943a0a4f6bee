package common

import (
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethCommon "github.com/ethereum/go-ethereum/common"
	ethCrypto "github.com/ethereum/go-ethereum/crypto"
)

// TxKind is the kind of an inner rollup transaction
type TxKind uint8

const (
	// TxKindDeposit moves funds from the ledger into the rollup
	TxKindDeposit TxKind = iota
	// TxKindTransfer is a private payment inside the rollup
	TxKindTransfer
	// TxKindWithdrawToWallet moves funds out of the rollup to an address
	TxKindWithdrawToWallet
	// TxKindWithdrawHighGas is a withdrawal to a contract that may use more gas
	TxKindWithdrawHighGas
	// TxKindAccount registers or migrates an account
	TxKindAccount
	// TxKindDefiDeposit sends funds to a bridge call
	TxKindDefiDeposit
	// TxKindDefiClaim claims the output of a bridge call
	TxKindDefiClaim
)

// NumTxKinds is the number of known tx kinds
const NumTxKinds = 7

var txKindNames = [NumTxKinds]string{
	"deposit", "transfer", "withdrawToWallet", "withdrawHighGas", "account", "defiDeposit", "defiClaim",
}

// TxKinds returns all the tx kinds in order
func TxKinds() []TxKind {
	kinds := make([]TxKind, NumTxKinds)
	for i := range kinds {
		kinds[i] = TxKind(i)
	}
	return kinds
}

func (k TxKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
	return txKindNames[k]
}

// Valid returns true if the kind is one of the known kinds
func (k TxKind) Valid() bool {
	return k < NumTxKinds
}

// IsDeposit returns true for the kinds that bring funds into the rollup or
// into a bridge call. Their fees are zero in exit-only mode.
func (k TxKind) IsDeposit() bool {
	return k == TxKindDeposit || k == TxKindDefiDeposit
}

// IsWithdrawal returns true for the kinds that send funds to the ledger
func (k TxKind) IsWithdrawal() bool {
	return k == TxKindWithdrawToWallet || k == TxKindWithdrawHighGas
}

// TxIDLen is the length of a TxID byte array
const TxIDLen = 32

// TxID is the identifier of a pending tx: the keccak256 of its proof data
type TxID [TxIDLen]byte

// NewTxID computes the TxID of a proof payload
func NewTxID(proofData []byte) TxID {
	var txID TxID
	copy(txID[:], ethCrypto.Keccak256(proofData))
	return txID
}

// Scan implements Scanner for database/sql.
func (txid *TxID) Scan(src interface{}) error {
	srcB, ok := src.([]byte)
	if !ok {
		return Wrap(fmt.Errorf("can't scan %T into TxID", src))
	}
	if len(srcB) != TxIDLen {
		return Wrap(fmt.Errorf("can't scan []byte of len %d into TxID, need %d",
			len(srcB), TxIDLen))
	}
	copy(txid[:], srcB)
	return nil
}

// Value implements valuer for database/sql.
func (txid TxID) Value() (driver.Value, error) {
	return txid[:], nil
}

// String returns a string hexadecimal representation of the TxID
func (txid TxID) String() string {
	return "0x" + hex.EncodeToString(txid[:])
}

// NewTxIDFromString returns a string hexadecimal representation of the TxID
func NewTxIDFromString(idStr string) (TxID, error) {
	txid := TxID{}
	idStr = strings.TrimPrefix(idStr, "0x")
	txidAux, err := hex.DecodeString(idStr)
	if err != nil {
		return TxID{}, Wrap(err)
	}
	if len(txidAux) != TxIDLen {
		return TxID{}, Wrap(fmt.Errorf("invalid TxID len %d", len(txidAux)))
	}
	copy(txid[:], txidAux)
	return txid, nil
}

// MarshalText marshals a TxID
func (txid TxID) MarshalText() ([]byte, error) {
	return []byte(txid.String()), nil
}

// UnmarshalText unmarshalls a TxID
func (txid *TxID) UnmarshalText(data []byte) error {
	id, err := NewTxIDFromString(string(data))
	if err != nil {
		return Wrap(err)
	}
	*txid = id
	return nil
}

// PendingTx is a transaction waiting in the tx store. Everything except
// ProofData is derived from the proof payload at admission time and never
// changes afterwards; BatchNum and Settled track the inclusion of the tx in
// a rollup.
type PendingTx struct {
	TxID      TxID   `meddler:"id"`
	Kind      TxKind `meddler:"tx_kind"`
	ProofData []byte `meddler:"proof_data"`
	// Nullifiers mark the notes spent by the tx. The zero hash means absent.
	Nullifier1      ethCommon.Hash    `meddler:"nullifier_1"`
	Nullifier2      ethCommon.Hash    `meddler:"nullifier_2"`
	NoteCommitment1 ethCommon.Hash    `meddler:"note_commitment_1"`
	NoteCommitment2 ethCommon.Hash    `meddler:"note_commitment_2"`
	BackwardLink    ethCommon.Hash    `meddler:"backward_link"`
	PublicValue     *big.Int          `meddler:"public_value,bigint"`
	PublicOwner     ethCommon.Address `meddler:"public_owner"`
	PublicAssetID   AssetID           `meddler:"public_asset_id"`
	FeeAssetID      AssetID           `meddler:"fee_asset_id"`
	Fee             *big.Int          `meddler:"fee,bigint"`
	// BridgeCallData identifies the bridge call of a defi deposit. The
	// zero hash means the tx is not a bridge tx.
	BridgeCallData ethCommon.Hash `meddler:"bridge_call_data"`
	// ExcessGas is the fee paid above the minimum for the tx kind,
	// expressed in gas
	ExcessGas uint64    `meddler:"excess_gas"`
	Created   time.Time `meddler:"created,utctime"`
	BatchNum  *BatchNum `meddler:"batch_num"`
	Settled   bool      `meddler:"settled"`
}

// NewPendingTx builds a PendingTx from its proof payload, deriving all the
// public fields from the encoded inner proof data
func NewPendingTx(proofData []byte, created time.Time) (*PendingTx, error) {
	inner, err := DecodeInnerProofData(proofData)
	if err != nil {
		return nil, Wrap(err)
	}
	return &PendingTx{
		TxID:            NewTxID(proofData),
		Kind:            inner.Kind,
		ProofData:       proofData,
		Nullifier1:      inner.Nullifier1,
		Nullifier2:      inner.Nullifier2,
		NoteCommitment1: inner.NoteCommitment1,
		NoteCommitment2: inner.NoteCommitment2,
		BackwardLink:    inner.BackwardLink,
		PublicValue:     inner.PublicValue,
		PublicOwner:     inner.PublicOwner,
		PublicAssetID:   inner.PublicAssetID,
		FeeAssetID:      inner.TxFeeAssetID,
		Fee:             inner.TxFee,
		BridgeCallData:  inner.BridgeCallData,
		Created:         created,
	}, nil
}

// Nullifiers returns the non empty nullifiers of the tx
func (tx *PendingTx) Nullifiers() []ethCommon.Hash {
	nullifiers := make([]ethCommon.Hash, 0, 2) //nolint:gomnd
	if tx.Nullifier1 != EmptyHash {
		nullifiers = append(nullifiers, tx.Nullifier1)
	}
	if tx.Nullifier2 != EmptyHash {
		nullifiers = append(nullifiers, tx.Nullifier2)
	}
	return nullifiers
}

// IsBridgeTx returns true when the tx funds a bridge call
func (tx *PendingTx) IsBridgeTx() bool {
	return tx.Kind == TxKindDefiDeposit && tx.BridgeCallData != EmptyHash
}

// IsPending returns true when the tx is not yet part of any rollup
func (tx *PendingTx) IsPending() bool {
	return tx.BatchNum == nil && !tx.Settled
}

// InnerProofData returns the public inputs of the tx as they appear inside
// a rollup
func (tx *PendingTx) InnerProofData() InnerProofData {
	return InnerProofData{
		Kind:            tx.Kind,
		NoteCommitment1: tx.NoteCommitment1,
		NoteCommitment2: tx.NoteCommitment2,
		Nullifier1:      tx.Nullifier1,
		Nullifier2:      tx.Nullifier2,
		PublicValue:     CopyBigInt(tx.PublicValue),
		PublicOwner:     tx.PublicOwner,
		PublicAssetID:   tx.PublicAssetID,
		TxFee:           CopyBigInt(tx.Fee),
		TxFeeAssetID:    tx.FeeAssetID,
		BridgeCallData:  tx.BridgeCallData,
		BackwardLink:    tx.BackwardLink,
	}
}

// EmptyHash is the zero value used for absent nullifiers, notes and links
var EmptyHash = ethCommon.Hash{}
