package coordinator

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/coordinator/prover"
	"tokamak-rollup-sequencer/txselector"

	"github.com/ethereum/go-ethereum/core/types"
)

// Status is used to mark the status of the batch
type Status string

const (
	// StatusPending marks the batch as being assembled
	StatusPending Status = "pending"
	// StatusForged marks the batch as built internally
	StatusForged Status = "forged"
	// StatusProof marks the batch as proof calculated
	StatusProof Status = "proof"
	// StatusSent marks the EthTx as Sent
	StatusSent Status = "sent"
	// StatusFailed marks the batch as failed before being sent
	StatusFailed Status = "failed"
)

// Debug information related to the Batch
type Debug struct {
	// StartTimestamp of is the time of batch start
	StartTimestamp time.Time
	// SendTimestamp  the time of batch sent to ethereum
	SendTimestamp time.Time
	// Status of the Batch
	Status Status
	// StartBlockNum is the blockNum when the Batch was started
	StartBlockNum int64
	// Flush is true when the batch was assembled before being full
	Flush bool
	// PendingTxs is the number of pending txs when the batch was assembled
	PendingTxs int
	// ProofDuration is the time spent waiting for the proof, in seconds
	ProofDuration float64
	// StartToSendDelay is the delay between starting a batch and sending
	// it to ethereum, in seconds
	StartToSendDelay float64
}

// BatchInfo contans the Batch information
type BatchInfo struct {
	PipelineNum  int
	BatchNum     common.BatchNum
	ServerProof  prover.Client `json:"-"`
	ProofStart   time.Time
	ZKInputs     *common.ZKInputs
	ProofData    *common.RollupProofData
	Proof        *prover.Proof
	PublicInputs []*big.Int
	Txs          []common.PendingTx `json:"-"`
	Profile      txselector.RollupProfile
	// Rollup is the record stored once the proof is calculated
	Rollup *common.RollupBatch `json:"-"`
	EthTx  *types.Transaction  `json:"-"`
	Debug  Debug
}

// TxIDs returns the ids of the txs of the batch, in rollup order
func (b *BatchInfo) TxIDs() []common.TxID {
	txIDs := make([]common.TxID, len(b.Txs))
	for i := range b.Txs {
		txIDs[i] = b.Txs[i].TxID
	}
	return txIDs
}

// DebugStore stores the BatchInfo as a json file in storePath
func (b *BatchInfo) DebugStore(storePath string) error {
	batchJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return common.Wrap(err)
	}
	// nolint reason: hardcoded 1_000_000 is the number of nanoseconds in a
	// millisecond
	//nolint:gomnd
	filename := fmt.Sprintf("%08d-%v.%03d.json", b.BatchNum,
		b.Debug.StartTimestamp.Unix(), b.Debug.StartTimestamp.Nanosecond()/1_000_000)
	// nolint reason: 0640 allows rw to owner and r to group
	//nolint:gosec
	return os.WriteFile(path.Join(storePath, filename), batchJSON, 0640)
}
