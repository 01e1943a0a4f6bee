package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConfig = `
[StateDB]
Path = "/tmp/rollup-statedb"

[Web3]
URL = "http://localhost:8545"

[SmartContracts]
Rollup = "0x00000000000000000000000000000000000000a1"

[Coordinator]
ForgerAddress = "0x00000000000000000000000000000000000000f1"

[Coordinator.EthClient.Keystore]
Path = "/tmp/keystore"
Password = "yourpasswordhere"

[[Rollup.Bridges]]
BridgeCallData = "0x0000000000000000000000000000000000000000000000000000000000000001"
NumTxs = 5
Gas = 500000
MaxQueueAge = "1h"

[[Fees.Assets]]
AssetID = 0
Symbol = "ETH"
Decimals = 18
FeePaying = true
Price = "1000000000000000000"
`

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "cfg.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadNode(t *testing.T) {
	cfg, err := LoadNode(writeConfig(t, testConfig))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 28, cfg.Rollup.Capacity)
	assert.Equal(t, 300*time.Second, cfg.Rollup.PublishInterval.Duration)
	assert.Equal(t, "250000000000", cfg.Fees.MaxGasPrice.String())
	assert.Equal(t, ethCommon.HexToAddress("0xa1"), cfg.SmartContracts.Rollup)
	require.Len(t, cfg.Rollup.Bridges, 1)
	assert.Equal(t, ethCommon.BigToHash(ethCommon.Big1), cfg.Rollup.Bridges[0].BridgeCallData)
	assert.Equal(t, time.Hour, cfg.Rollup.Bridges[0].MaxQueueAge.Duration)
	require.Len(t, cfg.Fees.Assets, 1)
	assert.Equal(t, common.NativeAssetID, cfg.Fees.Assets[0].AssetID)
	assert.Equal(t, uint64(30000), cfg.Rollup.TxGas.Get(common.TxKindWithdrawHighGas))
	assert.Equal(t, uint64(128), cfg.Rollup.TxCallData.Get(common.TxKindTransfer))
}

func TestLoadNodeEnv(t *testing.T) {
	t.Setenv("ROLLUP_KEYSTORE_PASSWORD", "fromenv")
	t.Setenv("ROLLUP_EXIT_ONLY", "true")
	cfg, err := LoadNode(writeConfig(t, testConfig))
	require.NoError(t, err)
	assert.Equal(t, "fromenv", cfg.Coordinator.EthClient.Keystore.Password)
	assert.True(t, cfg.Fees.ExitOnly)
}

func TestLoadNodeInvalid(t *testing.T) {
	// missing web3 url
	_, err := LoadNode(writeConfig(t, `
[StateDB]
Path = "/tmp/rollup-statedb"
`))
	assert.Error(t, err)

	dup := testConfig + `
[[Rollup.Bridges]]
BridgeCallData = "0x0000000000000000000000000000000000000000000000000000000000000001"
NumTxs = 2
Gas = 100000
`
	_, err = LoadNode(writeConfig(t, dup))
	assert.Error(t, err)
}
