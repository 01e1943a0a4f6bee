package test

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"reflect"
	"sync"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/eth"
	"tokamak-rollup-sequencer/log"

	"github.com/ethereum/go-ethereum"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/mitchellh/copystructure"
)

func init() {
	log.Init("debug", []string{"stdout"})
	copystructure.Copiers[reflect.TypeOf(big.Int{})] =
		func(raw interface{}) (interface{}, error) {
			in := raw.(big.Int)
			out := new(big.Int).Set(&in)
			return *out, nil
		}
}

var (
	errRollupIDMismatch    = fmt.Errorf("rollup id mismatch")
	errRootsMismatch       = fmt.Errorf("rollup roots don't match the contract state")
	errInsufficientDeposit = fmt.Errorf("insufficient pending deposit")
)

// DepositKey identifies the pending deposit of an owner for an asset
type DepositKey struct {
	AssetID common.AssetID
	Owner   ethCommon.Address
}

// RollupState represents the state of the rollup processor contract
type RollupState struct {
	LastBatch common.BatchNum
	// Roots after the last batch, nil before the first one
	Roots           *common.Roots
	PendingDeposits map[DepositKey]*big.Int
}

// RollupBlock stores all the data related to the Rollup SC from an ethereum block
type RollupBlock struct {
	State  RollupState
	Events eth.RollupEvents
}

// EthereumBlock stores all the generic data related to the an ethereum block
type EthereumBlock struct {
	BlockNum   int64
	Time       int64
	Hash       ethCommon.Hash
	ParentHash ethCommon.Hash
	Nonce      uint64
}

// Block represents a ethereum block
type Block struct {
	Rollup *RollupBlock
	Eth    *EthereumBlock
}

func (b *Block) copy() *Block {
	bCopyRaw, err := copystructure.Copy(b)
	if err != nil {
		panic(err)
	}
	bCopy := bCopyRaw.(*Block)
	return bCopy
}

// Next prepares the successive block.
func (b *Block) Next() *Block {
	blockNext := b.copy()
	blockNext.Rollup.Events = eth.NewRollupEvents()

	blockNext.Eth.BlockNum = b.Eth.BlockNum + 1
	blockNext.Eth.ParentHash = b.Eth.Hash
	return blockNext
}

// ClientSetup is used to initialize the details of the test Client
type ClientSetup struct {
	ChainID *big.Int
	// GasPrice returned by EthSuggestGasPrice and paid by the published
	// rollups
	GasPrice *big.Int
	// CheckRoots makes the contract reject rollups whose roots before don't
	// match the roots after the last rollup
	CheckRoots bool
}

// NewClientSetupExample returns a ClientSetup example with hardcoded realistic
// values.  With this setup block 0 and 1 will be premined.
//
//nolint:gomnd
func NewClientSetupExample() *ClientSetup {
	return &ClientSetup{
		ChainID:    big.NewInt(1337),
		GasPrice:   big.NewInt(10_000_000_000),
		CheckRoots: true,
	}
}

// Timer is an interface to simulate a source of time, useful to advance time
// virtually.
type Timer interface {
	Time() int64
}

// StepTimer is a Timer that advances Step seconds every time it is read
type StepTimer struct {
	mu   sync.Mutex
	now  int64
	Step int64
}

// NewStepTimer returns a StepTimer starting at start
func NewStepTimer(start time.Time, step time.Duration) *StepTimer {
	return &StepTimer{now: start.Unix(), Step: int64(step / time.Second)}
}

// Time returns the current time and advances it
func (t *StepTimer) Time() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now
	t.now += t.Step
	return now
}

type minedTx struct {
	tx       *types.Transaction
	blockNum int64
	gasUsed  uint64
}

// Client implements the eth.ClientInterface interface, allowing to manipulate the
// values for testing, working with deterministic results.
type Client struct {
	rw           *sync.RWMutex
	log          bool
	addr         *ethCommon.Address
	chainID      *big.Int
	gasPrice     *big.Int
	checkRoots   bool
	oraclePrices map[ethCommon.Address]*big.Int
	blocks       map[int64]*Block
	txs          map[ethCommon.Hash]*minedTx
	blockNum     int64 // last mined block num
	maxBlockNum  int64 // highest block num calculated
	timer        Timer
	hasher       hasher
	// publishErr makes the next RollupPublish fail
	publishErr error
}

// NewClient returns a new test Client that implements the eth.ClientInterface
// interface. Blocks 0 and 1 are mined.
func NewClient(l bool, timer Timer, addr *ethCommon.Address, setup *ClientSetup) *Client {
	blocks := make(map[int64]*Block)
	blockNum := int64(0)

	hasher := hasher{}
	blockCurrent := &Block{
		Rollup: &RollupBlock{
			State: RollupState{
				PendingDeposits: make(map[DepositKey]*big.Int),
			},
			Events: eth.NewRollupEvents(),
		},
		Eth: &EthereumBlock{
			BlockNum:   blockNum,
			Time:       timer.Time(),
			Hash:       hasher.Next(),
			ParentHash: ethCommon.Hash{},
		},
	}
	blocks[blockNum] = blockCurrent
	blocks[blockNum+1] = blockCurrent.Next()
	gasPrice := big.NewInt(0)
	if setup.GasPrice != nil {
		gasPrice.Set(setup.GasPrice)
	}

	c := Client{
		rw:           &sync.RWMutex{},
		log:          l,
		addr:         addr,
		chainID:      setup.ChainID,
		gasPrice:     gasPrice,
		checkRoots:   setup.CheckRoots,
		oraclePrices: make(map[ethCommon.Address]*big.Int),
		blocks:       blocks,
		txs:          make(map[ethCommon.Hash]*minedTx),
		timer:        timer,
		hasher:       hasher,
		blockNum:     blockNum,
		maxBlockNum:  blockNum,
	}
	c.CtlMineBlock()
	return &c
}

//
// Mock Control
//

func (c *Client) setNextBlock(block *Block) {
	c.blocks[c.blockNum+1] = block
}

func (c *Client) revertIfErr(err error, block *Block) {
	if err != nil {
		log.Infow("TestClient revert", "block", block.Eth.BlockNum, "err", err)
		c.setNextBlock(block)
	}
}

// Debugw calls log.Debugw if c.log is true
func (c *Client) Debugw(template string, kv ...interface{}) {
	if c.log {
		log.Debugw(template, kv...)
	}
}

type hasher struct {
	counter uint64
}

// Next returns the next hash
func (h *hasher) Next() ethCommon.Hash {
	var hash ethCommon.Hash
	binary.LittleEndian.PutUint64(hash[:], h.counter)
	h.counter++
	return hash
}

func (c *Client) nextBlock() *Block {
	return c.blocks[c.blockNum+1]
}

func (c *Client) currentBlock() *Block {
	return c.blocks[c.blockNum]
}

// CtlSetAddr sets the address of the client
func (c *Client) CtlSetAddr(addr ethCommon.Address) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.addr = &addr
}

// CtlSetGasPrice sets the gas price of the next published rollups
func (c *Client) CtlSetGasPrice(gasPrice *big.Int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.gasPrice = new(big.Int).Set(gasPrice)
}

// CtlSetOraclePrice sets the answer of a price oracle
func (c *Client) CtlSetOraclePrice(oracle ethCommon.Address, price *big.Int) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.oraclePrices[oracle] = new(big.Int).Set(price)
}

// CtlFailNextPublish makes the next RollupPublish call fail with err
func (c *Client) CtlFailNextPublish(err error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	c.publishErr = err
}

// CtlMineBlock moves one block forward
func (c *Client) CtlMineBlock() {
	c.rw.Lock()
	defer c.rw.Unlock()

	blockCurrent := c.nextBlock()
	c.blockNum++
	c.maxBlockNum = c.blockNum
	blockCurrent.Eth.Time = c.timer.Time()
	blockCurrent.Eth.Hash = c.hasher.Next()

	blockNext := blockCurrent.Next()
	c.blocks[c.blockNum+1] = blockNext
	c.Debugw("TestClient mined block", "blockNum", c.blockNum)
}

// CtlRollback discards the last mined block.  Use this to replace a mined
// block to simulate reorgs.
func (c *Client) CtlRollback() {
	c.rw.Lock()
	defer c.rw.Unlock()

	if c.blockNum == 0 {
		panic("Can't rollback at blockNum = 0")
	}
	delete(c.blocks, c.blockNum+1) // delete next block
	delete(c.blocks, c.blockNum)   // delete current block
	for hash, tx := range c.txs {
		if tx.blockNum >= c.blockNum {
			delete(c.txs, hash)
		}
	}
	c.blockNum--
	blockCurrent := c.blocks[c.blockNum]
	blockNext := blockCurrent.Next()
	c.blocks[c.blockNum+1] = blockNext
}

// CtlLastBlock returns the last blockNum without checks
func (c *Client) CtlLastBlock() *common.Block {
	c.rw.RLock()
	defer c.rw.RUnlock()

	block := c.blocks[c.blockNum]
	return &common.Block{
		Num:        c.blockNum,
		Timestamp:  time.Unix(block.Eth.Time, 0),
		Hash:       block.Eth.Hash,
		ParentHash: block.Eth.ParentHash,
	}
}

// CtlLastBatch returns the last settled batch without checks
func (c *Client) CtlLastBatch() common.BatchNum {
	c.rw.RLock()
	defer c.rw.RUnlock()

	return c.currentBlock().Rollup.State.LastBatch
}

// CtlDeposit locks value of assetID for owner in the next block
func (c *Client) CtlDeposit(assetID common.AssetID, owner ethCommon.Address, value *big.Int) {
	c.rw.Lock()
	defer c.rw.Unlock()

	r := c.nextBlock().Rollup
	key := DepositKey{AssetID: assetID, Owner: owner}
	pending, ok := r.State.PendingDeposits[key]
	if !ok {
		pending = big.NewInt(0)
	}
	r.State.PendingDeposits[key] = new(big.Int).Add(pending, value)
	tx := c.newTransaction(nil)
	c.txs[tx.Hash()] = &minedTx{tx: tx, blockNum: c.blockNum + 1}
	r.Events.Deposit = append(r.Events.Deposit, eth.RollupEventDeposit{
		AssetID:   assetID,
		Depositor: owner,
		Value:     new(big.Int).Set(value),
		EthTxHash: tx.Hash(),
	})
}

// CtlAddBatch adds a rollup to the next block, without checking any proof
func (c *Client) CtlAddBatch(proof *common.RollupProofData) ethCommon.Hash {
	c.rw.Lock()
	defer c.rw.Unlock()

	proofData, err := proof.Encode()
	if err != nil {
		panic(err)
	}
	tx, err := c.addBatch(proofData, ethCommon.Address{})
	if err != nil {
		panic(err)
	}
	return tx.Hash()
}

// CtlAddBlocks adds block data to the smarts contracts.  The added blocks will
// appear as mined.
func (c *Client) CtlAddBlocks(blocks []common.BlockData) {
	for _, block := range blocks {
		for _, batch := range block.Rollup.Batches {
			c.CtlAddBatch(&common.RollupProofData{
				BatchNum:       batch.BatchNum,
				RollupSize:     batch.RollupSize,
				DataStartIndex: batch.DataStartIndex,
				RootsBefore:    batch.RootsBefore,
				RootsAfter:     batch.RootsAfter,
				InnerProofs:    batch.Entries,
			})
		}
		c.CtlMineBlock()
	}
}

func (c *Client) newTransaction(data []byte) *types.Transaction {
	e := c.nextBlock().Eth
	nonce := e.Nonce
	e.Nonce++
	return types.NewTransaction(nonce, ethCommon.Address{}, nil, 0, c.gasPrice, data)
}

//
// Ethereum
//

// EthChainID returns the ChainID of the ethereum network
func (c *Client) EthChainID() (*big.Int, error) {
	return c.chainID, nil
}

// EthPendingNonceAt returns the account nonce of the given account in the pending
// state. This is the nonce that should be used for the next transaction.
func (c *Client) EthPendingNonceAt(ctx context.Context, account ethCommon.Address) (uint64, error) {
	// NOTE: For now Client doesn't simulate nonces
	return 0, nil
}

// EthNonceAt returns the account nonce of the given account. The block number can
// be nil, in which case the nonce is taken from the latest known block.
func (c *Client) EthNonceAt(ctx context.Context, account ethCommon.Address,
	blockNumber *big.Int) (uint64, error) {
	// NOTE: For now Client doesn't simulate nonces
	return 0, nil
}

// EthSuggestGasPrice retrieves the currently suggested gas price to allow a
// timely execution of a transaction.
func (c *Client) EthSuggestGasPrice(ctx context.Context) (*big.Int, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return new(big.Int).Set(c.gasPrice), nil
}

// EthKeyStore returns the keystore in the Client
func (c *Client) EthKeyStore() *ethKeystore.KeyStore {
	return nil
}

// EthCall runs the transaction as a call (without paying) in the local node at
// blockNum.
func (c *Client) EthCall(ctx context.Context, tx *types.Transaction,
	blockNum *big.Int) ([]byte, error) {
	return nil, common.Wrap(fmt.Errorf("EthCall not supported by the test client"))
}

// EthPriceOracle returns the answer set with CtlSetOraclePrice
func (c *Client) EthPriceOracle(ctx context.Context, oracle ethCommon.Address) (*big.Int, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	price, ok := c.oraclePrices[oracle]
	if !ok {
		return nil, common.Wrap(fmt.Errorf("no oracle at %v", oracle.Hex()))
	}
	return new(big.Int).Set(price), nil
}

// EthLastBlock returns the last blockNum
func (c *Client) EthLastBlock() (int64, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if c.blockNum < c.maxBlockNum {
		panic("blockNum has decreased.  " +
			"After a rollback you must mine to reach the same or higher blockNum")
	}
	return c.blockNum, nil
}

// EthTransactionReceipt returns the transaction receipt of the given txHash
func (c *Client) EthTransactionReceipt(ctx context.Context,
	txHash ethCommon.Hash) (*types.Receipt, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	tx, ok := c.txs[txHash]
	if !ok || tx.blockNum > c.blockNum {
		return nil, ethereum.NotFound
	}
	b := c.blocks[tx.blockNum]
	return &types.Receipt{
		TxHash:      txHash,
		Status:      types.ReceiptStatusSuccessful,
		BlockHash:   b.Eth.Hash,
		BlockNumber: big.NewInt(b.Eth.BlockNum),
		GasUsed:     tx.gasUsed,
	}, nil
}

// EthBlockByNumber returns the *common.Block for the given block number in a
// deterministic way.  If number == -1, the latests known block is returned.
func (c *Client) EthBlockByNumber(ctx context.Context, blockNum int64) (*common.Block, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	if blockNum > c.blockNum {
		return nil, ethereum.NotFound
	}
	if blockNum == -1 {
		blockNum = c.blockNum
	}
	block := c.blocks[blockNum]
	return &common.Block{
		Num:        blockNum,
		Timestamp:  time.Unix(block.Eth.Time, 0),
		Hash:       block.Eth.Hash,
		ParentHash: block.Eth.ParentHash,
	}, nil
}

// EthAddress returns the ethereum address of the account loaded into the Client
func (c *Client) EthAddress() (*ethCommon.Address, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	if c.addr == nil {
		return nil, common.Wrap(eth.ErrAccountNil)
	}
	return c.addr, nil
}

//
// Rollup
//

// RollupPublish is the interface to call the smart contract function. The
// rollup is included in the next mined block.
func (c *Client) RollupPublish(ctx context.Context, proofData []byte) (tx *types.Transaction, err error) {
	c.rw.Lock()
	defer c.rw.Unlock()
	cpy := c.nextBlock().copy()
	defer func() { c.revertIfErr(err, cpy) }()
	if c.addr == nil {
		return nil, common.Wrap(eth.ErrAccountNil)
	}
	if c.publishErr != nil {
		err, c.publishErr = c.publishErr, nil
		return nil, common.Wrap(err)
	}
	return c.addBatch(proofData, *c.addr)
}

// mockGasUsed approximates the gas of a processRollup call
func mockGasUsed(proofData []byte) uint64 {
	return 21000 + 16*uint64(len(proofData)) //nolint:gomnd
}

func (c *Client) addBatch(proofData []byte, sender ethCommon.Address) (*types.Transaction, error) {
	proof, err := common.DecodeRollupProofData(proofData)
	if err != nil {
		return nil, common.Wrap(err)
	}
	r := c.nextBlock().Rollup
	if proof.BatchNum != r.State.LastBatch+1 {
		return nil, common.Wrap(fmt.Errorf("%w: expected %d, got %d", errRollupIDMismatch,
			r.State.LastBatch+1, proof.BatchNum))
	}
	if c.checkRoots && r.State.Roots != nil && !proof.RootsBefore.Equal(*r.State.Roots) {
		return nil, common.Wrap(fmt.Errorf("%w: %v", errRootsMismatch, proof.RootsBefore))
	}
	for i := range proof.InnerProofs {
		inner := &proof.InnerProofs[i]
		if inner.Kind != common.TxKindDeposit {
			continue
		}
		key := DepositKey{AssetID: inner.PublicAssetID, Owner: inner.PublicOwner}
		pending, ok := r.State.PendingDeposits[key]
		if !ok || pending.Cmp(inner.PublicValue) < 0 {
			return nil, common.Wrap(fmt.Errorf("%w: owner %v asset %d", errInsufficientDeposit,
				inner.PublicOwner.Hex(), inner.PublicAssetID))
		}
		r.State.PendingDeposits[key] = new(big.Int).Sub(pending, inner.PublicValue)
	}
	r.State.LastBatch = proof.BatchNum
	rootsAfter := proof.RootsAfter
	r.State.Roots = &rootsAfter

	tx := c.newTransaction(proofData)
	gasUsed := mockGasUsed(proofData)
	c.txs[tx.Hash()] = &minedTx{tx: tx, blockNum: c.blockNum + 1, gasUsed: gasUsed}
	r.Events.RollupProcessed = append(r.Events.RollupProcessed, eth.RollupEventRollupProcessed{
		BatchNum:  proof.BatchNum,
		Sender:    sender,
		EthTxHash: tx.Hash(),
		GasUsed:   gasUsed,
		GasPrice:  new(big.Int).Set(c.gasPrice),
		ProofData: proof,
	})
	return tx, nil
}

// RollupLastBatch is the interface to call the smart contract function
func (c *Client) RollupLastBatch(ctx context.Context) (common.BatchNum, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	return c.currentBlock().Rollup.State.LastBatch, nil
}

// RollupPendingDeposit is the interface to call the smart contract function
func (c *Client) RollupPendingDeposit(ctx context.Context, assetID common.AssetID,
	owner ethCommon.Address) (*big.Int, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	pending, ok := c.currentBlock().Rollup.State.PendingDeposits[DepositKey{AssetID: assetID, Owner: owner}]
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(pending), nil
}

// RollupEventsByBlock returns the events in a block that happened in the Rollup Smart Contract
func (c *Client) RollupEventsByBlock(ctx context.Context, blockNum int64,
	blockHash *ethCommon.Hash) (*eth.RollupEvents, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()

	block, ok := c.blocks[blockNum]
	if !ok || blockNum > c.blockNum {
		return nil, common.Wrap(fmt.Errorf("Block %v doesn't exist", blockNum))
	}
	if blockHash != nil && *blockHash != block.Eth.Hash {
		return nil, common.Wrap(fmt.Errorf("hash mismatch, requested %v got %v",
			blockHash, block.Eth.Hash))
	}
	return &block.Rollup.Events, nil
}
