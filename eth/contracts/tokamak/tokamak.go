package tokamak

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// TokamakABI is the input ABI used to generate the binding from.
const TokamakABI = `[
{"type":"function","name":"processRollup","stateMutability":"nonpayable","inputs":[{"name":"proofData","type":"bytes"},{"name":"signatures","type":"bytes"}],"outputs":[]},
{"type":"function","name":"nextRollupId","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"rollupStateHash","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
{"type":"function","name":"userPendingDeposits","stateMutability":"view","inputs":[{"name":"assetId","type":"uint256"},{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"event","name":"RollupProcessed","anonymous":false,"inputs":[{"name":"rollupId","type":"uint256","indexed":true},{"name":"sender","type":"address","indexed":false}]},
{"type":"event","name":"Deposit","anonymous":false,"inputs":[{"name":"assetId","type":"uint256","indexed":true},{"name":"depositorAddress","type":"address","indexed":true},{"name":"depositValue","type":"uint256","indexed":false}]}
]`

// PriceOracleABI is the ABI of the asset price oracles
const PriceOracleABI = `[
{"type":"function","name":"latestAnswer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int256"}]}
]`

// Tokamak is an auto generated Go binding around the rollup processor contract.
type Tokamak struct {
	TokamakCaller     // Read-only binding to the contract
	TokamakTransactor // Write-only binding to the contract
	TokamakFilterer   // Log filterer for contract events
}

// TokamakCaller is an auto generated read-only Go binding around an Ethereum contract.
type TokamakCaller struct {
	contract *bind.BoundContract // Generic contract wrapper for the low level calls
}

// TokamakTransactor is an auto generated write-only Go binding around an Ethereum contract.
type TokamakTransactor struct {
	contract *bind.BoundContract // Generic contract wrapper for the low level calls
}

// TokamakFilterer is an auto generated log filtering Go binding around an Ethereum contract events.
type TokamakFilterer struct {
	contract *bind.BoundContract // Generic contract wrapper for the low level calls
}

// NextRollupId is a free data retrieval call binding the contract method.
//
// Solidity: function nextRollupId() view returns(uint256)
func (_Tokamak *TokamakCaller) NextRollupId(opts *bind.CallOpts) (*big.Int, error) { //nolint:revive
	var out []interface{}
	err := _Tokamak.contract.Call(opts, &out, "nextRollupId")

	if err != nil {
		return *new(*big.Int), err
	}

	out0 := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)

	return out0, err
}

// RollupStateHash is a free data retrieval call binding the contract method.
//
// Solidity: function rollupStateHash() view returns(bytes32)
func (_Tokamak *TokamakCaller) RollupStateHash(opts *bind.CallOpts) ([32]byte, error) {
	var out []interface{}
	err := _Tokamak.contract.Call(opts, &out, "rollupStateHash")

	if err != nil {
		return *new([32]byte), err
	}

	out0 := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)

	return out0, err
}

// UserPendingDeposits is a free data retrieval call binding the contract method.
//
// Solidity: function userPendingDeposits(uint256 assetId, address owner) view returns(uint256)
func (_Tokamak *TokamakCaller) UserPendingDeposits(opts *bind.CallOpts, assetId *big.Int, //nolint:revive
	owner common.Address) (*big.Int, error) {
	var out []interface{}
	err := _Tokamak.contract.Call(opts, &out, "userPendingDeposits", assetId, owner)

	if err != nil {
		return *new(*big.Int), err
	}

	out0 := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)

	return out0, err
}

// ProcessRollup is a paid mutator transaction binding the contract method.
//
// Solidity: function processRollup(bytes proofData, bytes signatures) returns()
func (_Tokamak *TokamakTransactor) ProcessRollup(opts *bind.TransactOpts, proofData []byte,
	signatures []byte) (*types.Transaction, error) {
	return _Tokamak.contract.Transact(opts, "processRollup", proofData, signatures)
}

// NewTokamak creates a new instance of Tokamak, bound to a specific deployed contract.
func NewTokamak(address common.Address, backend bind.ContractBackend) (*Tokamak, error) {
	contract, err := bindTokamak(address, backend, backend, backend)
	if err != nil {
		return nil, err
	}
	return &Tokamak{TokamakCaller: TokamakCaller{contract: contract}, TokamakTransactor: TokamakTransactor{contract: contract}, TokamakFilterer: TokamakFilterer{contract: contract}}, nil
}

// bindTokamak binds a generic wrapper to an already deployed contract.
func bindTokamak(address common.Address, caller bind.ContractCaller, transactor bind.ContractTransactor, filterer bind.ContractFilterer) (*bind.BoundContract, error) {
	parsed, err := abi.JSON(strings.NewReader(TokamakABI))
	if err != nil {
		return nil, err
	}
	return bind.NewBoundContract(address, parsed, caller, transactor, filterer), nil
}
