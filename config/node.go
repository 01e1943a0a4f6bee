package config

import (
	"math/big"
	"time"

	"tokamak-rollup-sequencer/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// Duration is a wrapper type that parses time duration from text.
type Duration struct {
	time.Duration `validate:"required"`
}

// UnmarshalText unmarshalls time duration from text.
func (d *Duration) UnmarshalText(data []byte) error {
	duration, err := time.ParseDuration(string(data))
	if err != nil {
		return err
	}
	d.Duration = duration
	return nil
}

// PerKind holds one value per tx kind
type PerKind struct {
	Deposit          uint64
	Transfer         uint64
	WithdrawToWallet uint64
	WithdrawHighGas  uint64
	Account          uint64
	DefiDeposit      uint64
	DefiClaim        uint64
}

// Get returns the value of a tx kind
func (p PerKind) Get(kind common.TxKind) uint64 {
	switch kind {
	case common.TxKindDeposit:
		return p.Deposit
	case common.TxKindTransfer:
		return p.Transfer
	case common.TxKindWithdrawToWallet:
		return p.WithdrawToWallet
	case common.TxKindWithdrawHighGas:
		return p.WithdrawHighGas
	case common.TxKindAccount:
		return p.Account
	case common.TxKindDefiDeposit:
		return p.DefiDeposit
	case common.TxKindDefiClaim:
		return p.DefiClaim
	default:
		return 0
	}
}

// BridgeConfig is the configuration of one bridge call
type BridgeConfig struct {
	BridgeCallData ethCommon.Hash `validate:"required"`
	// NumTxs is the maximum number of txs that share one call
	NumTxs int `validate:"required,min=1"`
	// Gas is the fixed gas cost of the call on the ledger
	Gas uint64 `validate:"required"`
	// MaxQueueAge is the longest time a queued tx waits for its call to be
	// funded. Once the oldest tx of the group is older, the call is
	// published even when underfunded. Zero disables the limit.
	MaxQueueAge Duration `validate:"-"`
}

// RollupConfig are the parameters of the rollups built by the node
type RollupConfig struct {
	// Capacity is the number of inner tx slots of a rollup
	Capacity int `validate:"required,min=1"`
	// GasLimit is the gas ceiling of the publish transaction
	GasLimit uint64 `validate:"required"`
	// CallDataLimit is the call data ceiling in bytes of the publish
	// transaction
	CallDataLimit uint64 `validate:"required"`
	// VerificationGas is the gas used to verify a full rollup proof
	VerificationGas uint64 `validate:"required"`
	// MaxFeeAssets is the maximum number of distinct fee paying assets in
	// a rollup
	MaxFeeAssets int `validate:"required,min=1"`
	// MaxBridgeCalls is the maximum number of distinct bridge calls in a
	// rollup
	MaxBridgeCalls int `validate:"required,min=1"`
	// TxGas is the ledger gas used by each tx kind, on top of its share of
	// the verification
	TxGas PerKind
	// TxCallData is the call data bytes used by each tx kind
	TxCallData PerKind
	Bridges    []BridgeConfig `validate:"dive"`
	// PublishInterval is the deadline since the last published rollup
	// after which a rollup is built with whatever txs are pending
	PublishInterval Duration
}

// FeesConfig are the parameters of the fee resolver
type FeesConfig struct {
	// GasPriceMultiplierPct is applied to the gas price, in percent
	GasPriceMultiplierPct uint64 `validate:"required"`
	// MaxGasPrice caps the gas price used to compute fees, in wei
	MaxGasPrice *big.Int `validate:"required"`
	// SignificantFigures of the fees, rounded up
	SignificantFigures int `validate:"required,min=1"`
	// ExitOnly makes deposits free to wind down the system
	ExitOnly bool `env:"ROLLUP_EXIT_ONLY"`
	// PriceWindow is the length of the price history
	PriceWindow Duration
	// PriceUpdateInterval is the polling interval of the price feeds
	PriceUpdateInterval Duration
	// GasPriceFeed selects the gas price source: "node" or "etherscan"
	GasPriceFeed string `validate:"oneof=node etherscan"`
	Etherscan    struct {
		URL    string
		APIKey string `env:"ROLLUP_ETHERSCAN_APIKEY"`
	} `validate:"-"`
	Assets []common.Asset `validate:"required,min=1"`
}

// Node is the configuration of the node
type Node struct {
	Log struct {
		Level string   `validate:"required"`
		Out   []string `validate:"required"`
	}
	// Store selects the backend of the tx store
	Store struct {
		// Backend is "leveldb" or "postgres"
		Backend string `validate:"oneof=leveldb postgres"`
		// Path of the leveldb backend. Empty keeps it in memory.
		Path string
		// MaxSQLConnections is the maximum number of concurrent readers
		// of the postgres backend
		MaxSQLConnections int
		// SQLConnectionTimeout is the maximum wait for a postgres
		// connection
		SQLConnectionTimeout Duration `validate:"-"`
	}
	PostgreSQL struct {
		// Port of the PostgreSQL write server
		PortWrite int
		// Host of the PostgreSQL write server
		HostWrite string
		// User of the PostgreSQL write server
		UserWrite string
		// Password of the PostgreSQL write server
		PasswordWrite string `env:"ROLLUP_POSTGRES_PASSWORD"`
		// Name of the PostgreSQL write server database
		NameWrite string
		// Port of the PostgreSQL read server
		PortRead int
		// Host of the PostgreSQL read server. Empty uses the write server.
		HostRead string
		// User of the PostgreSQL read server
		UserRead string
		// Password of the PostgreSQL read server
		PasswordRead string
		// Name of the PostgreSQL read server database
		NameRead string
	}
	StateDB struct {
		// Path where the world state is stored
		Path string `validate:"required"`
		// Keep is the number of checkpoints to keep
		Keep int `validate:"required"`
	}
	Web3 struct {
		// URL is the URL of the web3 ethereum-node RPC server
		URL string `validate:"required"`
	}
	SmartContracts struct {
		// Rollup is the address of the rollup processor contract
		Rollup ethCommon.Address `validate:"required"`
	}
	Rollup      RollupConfig
	Fees        FeesConfig
	Coordinator struct {
		// ForgerAddress is the address under which rollups are published
		ForgerAddress ethCommon.Address `validate:"required"`
		// PollInterval is the interval between pending count checks while
		// collecting txs
		PollInterval Duration
		// ForgeRetryInterval is the waiting interval between calls to
		// build a rollup after an error
		ForgeRetryInterval Duration
		// SyncRetryInterval is the interval between block ingestion
		// attempts after an error
		SyncRetryInterval Duration
		// MaxPendingTxs is the maximum number of pending txs in the store
		MaxPendingTxs int `validate:"required"`
		// ProofRetries is the number of proof attempts of a rollup before
		// going back to collecting txs
		ProofRetries int `validate:"required,min=1"`
		ProofServer   struct {
			// URL of the proof server
			URL string
			// PollInterval for the proof status
			PollInterval Duration
		} `validate:"-"`
		EthClient struct {
			// CallGasLimit is the default gas limit set on publish calls
			CallGasLimit uint64
			// ReceiptTimeout is the time after which a published rollup
			// without receipt is given up
			ReceiptTimeout Duration
			// Attempts is the number of attempts of every ledger call
			Attempts int `validate:"required"`
			// AttemptsDelay is the delay between attempts
			AttemptsDelay Duration
			Keystore      struct {
				// Path to the keystore
				Path string `validate:"required"`
				// Password used to decrypt the keys in the keystore
				Password string `validate:"required" env:"ROLLUP_KEYSTORE_PASSWORD"`
			}
		}
		Debug struct {
			// LightScrypt if set, uses light parameters for the ethereum
			// keystore encryption algorithm.
			LightScrypt bool
			// MockProver replaces the proof server by a local mock
			MockProver bool
			// MockProverDelay is the delay of every mocked proof
			MockProverDelay Duration `validate:"-"`
			// BatchPath if set, specifies the path where the BatchInfo of
			// every published rollup is stored in JSON
			BatchPath string
		}
	}
	Synchronizer struct {
		// SyncLoopInterval is the interval between attempts to
		// synchronize a new block from an ethereum node
		SyncLoopInterval Duration
		// StatsUpdateBlockNumDiffThreshold sets the threshold of blocks
		// before updating the stats in every call of Sync
		StatsUpdateBlockNumDiffThreshold uint16 `validate:"required"`
		// StatsUpdateFrequencyDivider sets the frequency of stats update
		// when the synchronizer is not synced
		StatsUpdateFrequencyDivider uint16 `validate:"required"`
		// StartBlockNum is the block in which the rollup contract was
		// deployed
		StartBlockNum int64
	}
	Debug struct {
		// MeddlerLogs enables meddler debug mode, where unused columns and struct
		// fields will be logged
		MeddlerLogs bool
		// APIAddress if set, serves the metrics and the debug endpoints
		// at this address
		APIAddress string
	}
}

// DefaultValues of the Node configuration
const DefaultValues = `
[Log]
Level = "info"
Out = ["stdout"]

[Store]
Backend = "leveldb"
MaxSQLConnections = 100
SQLConnectionTimeout = "2s"

[StateDB]
Keep = 128

[Rollup]
Capacity = 28
GasLimit = 12000000
CallDataLimit = 120000
VerificationGas = 500000
MaxFeeAssets = 16
MaxBridgeCalls = 32
PublishInterval = "300s"

[Rollup.TxGas]
Deposit = 12000
Transfer = 0
WithdrawToWallet = 12000
WithdrawHighGas = 30000
Account = 0
DefiDeposit = 0
DefiClaim = 0

[Rollup.TxCallData]
Deposit = 256
Transfer = 128
WithdrawToWallet = 188
WithdrawHighGas = 188
Account = 192
DefiDeposit = 128
DefiClaim = 128

[Fees]
GasPriceMultiplierPct = 100
MaxGasPrice = "250000000000"
SignificantFigures = 2
PriceWindow = "10m"
PriceUpdateInterval = "1m"
GasPriceFeed = "node"

[Coordinator]
PollInterval = "1s"
ForgeRetryInterval = "10s"
SyncRetryInterval = "1s"
MaxPendingTxs = 4096
ProofRetries = 3

[Coordinator.ProofServer]
PollInterval = "1s"

[Coordinator.EthClient]
ReceiptTimeout = "60s"
Attempts = 4
AttemptsDelay = "500ms"

[Synchronizer]
SyncLoopInterval = "1s"
StatsUpdateBlockNumDiffThreshold = 100
StatsUpdateFrequencyDivider = 100
`
