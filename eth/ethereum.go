package eth

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/eth/contracts/tokamak"
	"tokamak-rollup-sequencer/log"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	// ErrAccountNil is used when the calls can not be made because the account is nil
	ErrAccountNil = fmt.Errorf("authorized calls can't be made when the account is nil")
	// ErrBlockHashMismatchEvent is used when there's a block hash mismatch
	// between different events of the same block
	ErrBlockHashMismatchEvent = fmt.Errorf("block hash mismatch in event log")
)

// EthereumConfig defines the configuration parameters of the EthereumClient
type EthereumConfig struct {
	// CallGasLimit is the gas limit of the authorized calls. Zero lets the
	// node estimate it.
	CallGasLimit uint64
}

// EthereumClient is an ethereum client to call Smart Contract methods and check blockchain
// information.
type EthereumClient struct {
	client    *ethclient.Client
	chainID   *big.Int
	account   *accounts.Account
	ks        *ethKeystore.KeyStore
	config    *EthereumConfig
	oracleAbi abi.ABI
}

// EthereumInterface is the interface to Ethereum
type EthereumInterface interface {
	EthLastBlock() (int64, error)
	EthBlockByNumber(context.Context, int64) (*common.Block, error)
	EthAddress() (*ethCommon.Address, error)
	EthTransactionReceipt(context.Context, ethCommon.Hash) (*types.Receipt, error)
	EthChainID() (*big.Int, error)

	EthPendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error)
	EthNonceAt(ctx context.Context, account ethCommon.Address, blockNumber *big.Int) (uint64, error)
	EthSuggestGasPrice(ctx context.Context) (*big.Int, error)
	EthKeyStore() *ethKeystore.KeyStore
	EthCall(ctx context.Context, tx *types.Transaction, blockNum *big.Int) ([]byte, error)
	// EthPriceOracle returns the latest answer of an asset price oracle
	EthPriceOracle(ctx context.Context, oracle ethCommon.Address) (*big.Int, error)
}

// NewEthereumClient creates a EthereumClient instance.  The account is not mandatory (it can
// be nil).  If the account is nil, CallAuth will fail with ErrAccountNil.
func NewEthereumClient(client *ethclient.Client, account *accounts.Account,
	ks *ethKeystore.KeyStore, config *EthereumConfig) (*EthereumClient, error) {
	if config == nil {
		config = &EthereumConfig{}
	}
	oracleAbi, err := abi.JSON(strings.NewReader(tokamak.PriceOracleABI))
	if err != nil {
		return nil, common.Wrap(err)
	}
	c := &EthereumClient{
		client:    client,
		account:   account,
		ks:        ks,
		config:    config,
		oracleAbi: oracleAbi,
	}
	chainID, err := c.EthChainID()
	if err != nil {
		return nil, common.Wrap(err)
	}
	c.chainID = chainID
	return c, nil
}

// EthLastBlock returns the last block number in the blockchain
func (c *EthereumClient) EthLastBlock() (int64, error) {
	ctx, cancel := context.WithTimeout(context.TODO(), 1*time.Second)
	defer cancel()
	header, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, common.Wrap(err)
	}
	return header.Number.Int64(), nil
}

// EthBlockByNumber internally calls ethclient.Client BlockByNumber and returns
// *common.Block.  If number == -1, the latests known block is returned.
func (c *EthereumClient) EthBlockByNumber(ctx context.Context, number int64) (*common.Block,
	error) {
	blockNum := big.NewInt(number)
	if number == -1 {
		blockNum = nil
	}
	header, err := c.client.HeaderByNumber(ctx, blockNum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	b := &common.Block{
		Num:        header.Number.Int64(),
		Timestamp:  time.Unix(int64(header.Time), 0),
		ParentHash: header.ParentHash,
		Hash:       header.Hash(),
	}
	return b, nil
}

// EthAddress returns the ethereum address of the account loaded into the EthereumClient
func (c *EthereumClient) EthAddress() (*ethCommon.Address, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	return &c.account.Address, nil
}

// EthTransactionReceipt returns the transaction receipt of the given txHash
func (c *EthereumClient) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	return c.client.TransactionReceipt(ctx, txHash)
}

// EthChainID returns the ChainID of the ethereum network
func (c *EthereumClient) EthChainID() (*big.Int, error) {
	if c.chainID != nil {
		return c.chainID, nil
	}
	chainID, err := c.client.ChainID(context.Background())
	if err != nil {
		return nil, common.Wrap(err)
	}
	return chainID, nil
}

// EthPendingNonceAt returns the account nonce of the given account in the pending
// state. This is the nonce that should be used for the next transaction.
func (c *EthereumClient) EthPendingNonceAt(ctx context.Context,
	account ethCommon.Address) (uint64, error) {
	return c.client.PendingNonceAt(ctx, account)
}

// EthNonceAt returns the account nonce of the given account. The block number can
// be nil, in which case the nonce is taken from the latest known block.
func (c *EthereumClient) EthNonceAt(ctx context.Context,
	account ethCommon.Address, blockNumber *big.Int) (uint64, error) {
	return c.client.NonceAt(ctx, account, blockNumber)
}

// EthSuggestGasPrice retrieves the currently suggested gas price to allow a
// timely execution of a transaction.
func (c *EthereumClient) EthSuggestGasPrice(ctx context.Context) (gasPrice *big.Int, err error) {
	var head *types.Header
	head, err = c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		err = fmt.Errorf("[EthSuggestGasPrice]. Error getting head: %s", err.Error())
		return
	}
	var tip *big.Int
	tip, err = c.client.SuggestGasTipCap(ctx)
	if err != nil {
		err = fmt.Errorf("[EthSuggestGasPrice]. Error getting tip: %s", err.Error())
		return
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		// pre london chains
		return c.client.SuggestGasPrice(ctx)
	}
	gasPrice = new(big.Int).Add(baseFee, tip)
	return
}

// EthKeyStore returns the keystore in the EthereumClient
func (c *EthereumClient) EthKeyStore() *ethKeystore.KeyStore {
	return c.ks
}

// EthCall runs the transaction as a call (without paying) in the local node at
// blockNum.
func (c *EthereumClient) EthCall(ctx context.Context, tx *types.Transaction,
	blockNum *big.Int) ([]byte, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	msg := ethereum.CallMsg{
		From:     c.account.Address,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}
	result, err := c.client.CallContract(ctx, msg, blockNum)
	return result, common.Wrap(err)
}

// EthPriceOracle calls latestAnswer on the oracle contract
func (c *EthereumClient) EthPriceOracle(ctx context.Context,
	oracle ethCommon.Address) (*big.Int, error) {
	input, err := c.oracleAbi.Pack("latestAnswer")
	if err != nil {
		return nil, common.Wrap(err)
	}
	result, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &oracle, Data: input}, nil)
	if err != nil {
		return nil, common.Wrap(fmt.Errorf("latestAnswer at %v: %w", oracle.Hex(), err))
	}
	values, err := c.oracleAbi.Unpack("latestAnswer", result)
	if err != nil {
		return nil, common.Wrap(err)
	}
	answer := *abi.ConvertType(values[0], new(*big.Int)).(**big.Int)
	return answer, nil
}

// CallAuth performs a Smart Contract method call that requires authorization.
// The transaction is signed with the account of the client using the
// keystore, at the pending nonce and the suggested gas price.
func (c *EthereumClient) CallAuth(ctx context.Context, gasLimit uint64,
	fn func(*ethclient.Client, *bind.TransactOpts) (*types.Transaction, error)) (*types.Transaction, error) {
	if c.account == nil {
		return nil, common.Wrap(ErrAccountNil)
	}
	auth, err := bind.NewKeyStoreTransactorWithChainID(c.ks, *c.account, c.chainID)
	if err != nil {
		return nil, common.Wrap(err)
	}
	nonce, err := c.client.PendingNonceAt(ctx, c.account.Address)
	if err != nil {
		return nil, common.Wrap(err)
	}
	gasPrice, err := c.EthSuggestGasPrice(ctx)
	if err != nil {
		return nil, common.Wrap(err)
	}
	auth.Context = ctx
	auth.Nonce = new(big.Int).SetUint64(nonce)
	auth.GasPrice = gasPrice
	if gasLimit == 0 {
		gasLimit = c.config.CallGasLimit
	}
	auth.GasLimit = gasLimit

	tx, err := fn(c.client, auth)
	if tx != nil {
		log.Debugw("Transaction", "tx", tx.Hash().Hex(), "nonce", tx.Nonce())
	}
	return tx, common.Wrap(err)
}

// Call performs a read only Smart Contract method call.
func (c *EthereumClient) Call(fn func(*ethclient.Client) error) error {
	return fn(c.client)
}

// Client returns the internal ethclient.Client
func (c *EthereumClient) Client() *ethclient.Client {
	return c.client
}

// newCallOpts returns a CallOpts to be used in ethereum calls with a non-zero
// From address.  This is a workaround for a bug in ethereumjs-vm that shows up
// in ganache: https://github.com/hermeznetwork/hermez-node/issues/317
func newCallOpts() *bind.CallOpts {
	return &bind.CallOpts{
		From: ethCommon.HexToAddress("0x0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f0f"),
	}
}
