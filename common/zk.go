// Package common zk.go contains the inputs used by the proof server to
// generate the proof of a rollup
package common

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ZKInputs represents the inputs that will be used to generate the rollup
// proof
type ZKInputs struct {
	// BatchNum is the batch being proved
	BatchNum BatchNum `json:"batchNum"`
	// RollupProofData is the encoded public data of the rollup
	RollupProofData hexutil.Bytes `json:"rollupProofData"`
	// TxProofs are the proof payloads of the inner txs, in rollup order.
	// Padding slots are not included.
	TxProofs []hexutil.Bytes `json:"txProofs"`
}

// NewZKInputs builds the proof request of a rollup
func NewZKInputs(rollup *RollupProofData, txs []PendingTx) (*ZKInputs, error) {
	encoded, err := rollup.Encode()
	if err != nil {
		return nil, Wrap(err)
	}
	zki := &ZKInputs{
		BatchNum:        rollup.BatchNum,
		RollupProofData: encoded,
		TxProofs:        make([]hexutil.Bytes, len(txs)),
	}
	for i := range txs {
		zki.TxProofs[i] = txs[i].ProofData
	}
	return zki, nil
}
