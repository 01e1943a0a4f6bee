package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/eth/contracts/tokamak"
	"tokamak-rollup-sequencer/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RollupEventRollupProcessed is an event of the Rollup Smart Contract: a
// rollup has been verified and settled
type RollupEventRollupProcessed struct {
	BatchNum  common.BatchNum
	Sender    ethCommon.Address
	EthTxHash ethCommon.Hash
	GasUsed   uint64
	GasPrice  *big.Int
	// ProofData is the public data of the rollup, decoded from the input
	// of the processRollup call
	ProofData *common.RollupProofData
}

// RollupEventDeposit is an event of the Rollup Smart Contract: an owner has
// locked funds that a deposit tx can later claim
type RollupEventDeposit struct {
	AssetID   common.AssetID
	Depositor ethCommon.Address
	Value     *big.Int
	EthTxHash ethCommon.Hash
}

// RollupEvents is the list of events in a block of the Rollup Smart Contract
type RollupEvents struct {
	RollupProcessed []RollupEventRollupProcessed
	Deposit         []RollupEventDeposit
}

// NewRollupEvents creates an empty RollupEvents with the slices initialized.
func NewRollupEvents() RollupEvents {
	return RollupEvents{
		RollupProcessed: make([]RollupEventRollupProcessed, 0),
		Deposit:         make([]RollupEventDeposit, 0),
	}
}

// RollupInterface is the inteface to to Rollup Smart Contract
type RollupInterface interface {
	//
	// Smart Contract Methods
	//

	// RollupPublish sends the processRollup transaction with the encoded
	// rollup public data followed by the proof
	RollupPublish(ctx context.Context, proofData []byte) (*types.Transaction, error)

	// Viewers
	RollupLastBatch(ctx context.Context) (common.BatchNum, error)
	RollupPendingDeposit(ctx context.Context, assetID common.AssetID,
		owner ethCommon.Address) (*big.Int, error)

	//
	// Smart Contract Status
	//

	RollupEventsByBlock(ctx context.Context, blockNum int64,
		blockHash *ethCommon.Hash) (*RollupEvents, error)
}

//
// Implementation
//

// RollupClient is the implementation of the interface to the Rollup Smart Contract in ethereum.
type RollupClient struct {
	client      *EthereumClient
	address     ethCommon.Address
	tokamak     *tokamak.Tokamak
	contractAbi abi.ABI
	opts        *bind.CallOpts
}

// NewRollupClient creates a new RollupClient
func NewRollupClient(client *EthereumClient, address ethCommon.Address) (*RollupClient, error) {
	contractAbi, err := abi.JSON(strings.NewReader(tokamak.TokamakABI))
	if err != nil {
		return nil, common.Wrap(err)
	}
	contract, err := tokamak.NewTokamak(address, client.Client())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &RollupClient{
		client:      client,
		address:     address,
		tokamak:     contract,
		contractAbi: contractAbi,
		opts:        newCallOpts(),
	}, nil
}

// RollupPublish is the interface to call the smart contract function
func (c *RollupClient) RollupPublish(ctx context.Context, proofData []byte) (*types.Transaction, error) {
	tx, err := c.client.CallAuth(ctx, 0,
		func(ec *ethclient.Client, auth *bind.TransactOpts) (*types.Transaction, error) {
			return c.tokamak.ProcessRollup(auth, proofData, []byte{})
		},
	)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("failed processRollup: %w", err))
	}
	return tx, nil
}

// RollupLastBatch returns the number of the last rollup settled by the
// contract. Zero means none.
func (c *RollupClient) RollupLastBatch(ctx context.Context) (lastBatch common.BatchNum, err error) {
	if err := c.client.Call(func(ec *ethclient.Client) error {
		opts := *c.opts
		opts.Context = ctx
		next, err := c.tokamak.NextRollupId(&opts)
		if err != nil {
			return common.Wrap(err)
		}
		// rollup ids start at 0 on chain, batch numbers at 1
		lastBatch = common.BatchNum(next.Uint64())
		return nil
	}); err != nil {
		return 0, common.Wrap(err)
	}
	return lastBatch, nil
}

// RollupPendingDeposit returns the funds locked by owner for assetID that
// deposit txs have not claimed yet
func (c *RollupClient) RollupPendingDeposit(ctx context.Context, assetID common.AssetID,
	owner ethCommon.Address) (deposit *big.Int, err error) {
	if err := c.client.Call(func(ec *ethclient.Client) error {
		opts := *c.opts
		opts.Context = ctx
		deposit, err = c.tokamak.UserPendingDeposits(&opts, big.NewInt(int64(assetID)), owner)
		return common.Wrap(err)
	}); err != nil {
		return nil, common.Wrap(err)
	}
	return deposit, nil
}

var (
	logRollupProcessed = crypto.Keccak256Hash([]byte(
		"RollupProcessed(uint256,address)"))
	logDeposit = crypto.Keccak256Hash([]byte(
		"Deposit(uint256,address,uint256)"))
)

// RollupEventsByBlock returns the events in a block that happened in the
// Rollup Smart Contract.
// To query by blockNum, set blockNum >= 0 and blockHash == nil.
// To query by blockHash set blockHash != nil, and blockNum will be ignored.
// If there are no events in that block the result is nil.
func (c *RollupClient) RollupEventsByBlock(ctx context.Context, blockNum int64,
	blockHash *ethCommon.Hash) (*RollupEvents, error) {
	rollupEvents := NewRollupEvents()

	var blockNumBigInt *big.Int
	if blockHash == nil {
		blockNumBigInt = big.NewInt(blockNum)
	}
	query := ethereum.FilterQuery{
		BlockHash: blockHash,
		FromBlock: blockNumBigInt,
		ToBlock:   blockNumBigInt,
		Addresses: []ethCommon.Address{
			c.address,
		},
		Topics: [][]ethCommon.Hash{},
	}
	logs, err := c.client.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, common.Wrap(err)
	}
	if len(logs) == 0 {
		return nil, nil
	}

	for _, vLog := range logs {
		if blockHash != nil && vLog.BlockHash != *blockHash {
			log.Errorw("Block hash mismatch", "expected", blockHash.String(), "got", vLog.BlockHash.String())
			return nil, common.Wrap(ErrBlockHashMismatchEvent)
		}
		switch vLog.Topics[0] {
		case logRollupProcessed:
			var processed RollupEventRollupProcessed
			var aux struct {
				Sender ethCommon.Address
			}
			if err := c.contractAbi.UnpackIntoInterface(&aux, "RollupProcessed", vLog.Data); err != nil {
				return nil, common.Wrap(err)
			}
			processed.Sender = aux.Sender
			// the rollup id of the contract is the batch number - 1
			processed.BatchNum = common.BatchNum(new(big.Int).SetBytes(vLog.Topics[1][:]).Uint64() + 1)
			processed.EthTxHash = vLog.TxHash
			tx, _, err := c.client.client.TransactionByHash(ctx, vLog.TxHash)
			if err != nil {
				return nil, common.Wrap(fmt.Errorf("failed to get TransactionByHash, hash: %s, err: %w",
					vLog.TxHash.String(), err))
			}
			processed.GasPrice = tx.GasPrice()
			txReceipt, err := c.client.client.TransactionReceipt(ctx, vLog.TxHash)
			if err != nil {
				return nil, common.Wrap(fmt.Errorf("failed to get TransactionReceipt, hash: %s, err: %w",
					vLog.TxHash.String(), err))
			}
			processed.GasUsed = txReceipt.GasUsed
			proofData, err := c.processRollupArgs(tx.Data())
			if err != nil {
				return nil, common.Wrap(err)
			}
			if proofData.BatchNum != processed.BatchNum {
				return nil, common.Wrap(fmt.Errorf("rollup id %d doesn't match proof data batch %d",
					processed.BatchNum, proofData.BatchNum))
			}
			processed.ProofData = proofData
			rollupEvents.RollupProcessed = append(rollupEvents.RollupProcessed, processed)
		case logDeposit:
			var aux struct {
				DepositValue *big.Int
			}
			if err := c.contractAbi.UnpackIntoInterface(&aux, "Deposit", vLog.Data); err != nil {
				return nil, common.Wrap(err)
			}
			rollupEvents.Deposit = append(rollupEvents.Deposit, RollupEventDeposit{
				AssetID:   common.AssetID(new(big.Int).SetBytes(vLog.Topics[1][:]).Uint64()),
				Depositor: ethCommon.BytesToAddress(vLog.Topics[2][:]),
				Value:     aux.DepositValue,
				EthTxHash: vLog.TxHash,
			})
		}
	}
	return &rollupEvents, nil
}

// processRollupArgs decodes the rollup public data from the input of a
// processRollup call
func (c *RollupClient) processRollupArgs(txData []byte) (*common.RollupProofData, error) {
	if len(txData) < 4 { //nolint:gomnd
		return nil, common.Wrap(fmt.Errorf("tx data too short: %d", len(txData)))
	}
	method, err := c.contractAbi.MethodById(txData[:4])
	if err != nil {
		return nil, common.Wrap(err)
	}
	if method.Name != "processRollup" {
		return nil, common.Wrap(fmt.Errorf("unexpected method %v", method.Name))
	}
	var aux struct {
		ProofData  []byte
		Signatures []byte
	}
	if values, err := method.Inputs.Unpack(txData[4:]); err != nil {
		return nil, common.Wrap(err)
	} else if err := method.Inputs.Copy(&aux, values); err != nil {
		return nil, common.Wrap(err)
	}
	return common.DecodeRollupProofData(aux.ProofData)
}
