package txselector

import (
	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/config"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// ResourceBudget holds the resources left in the rollup being built
type ResourceBudget struct {
	Slots      int
	Gas        uint64
	CallData   uint64
	Assets     map[common.AssetID]struct{}
	MaxAssets  int
	Bridges    map[ethCommon.Hash]struct{}
	MaxBridges int
}

// NewResourceBudget returns the budget of an empty rollup. The gas budget
// excludes the proof verification.
func NewResourceBudget(cfg *config.RollupConfig) *ResourceBudget {
	var gas uint64
	if cfg.GasLimit > cfg.VerificationGas {
		gas = cfg.GasLimit - cfg.VerificationGas
	}
	return &ResourceBudget{
		Slots:      cfg.Capacity,
		Gas:        gas,
		CallData:   cfg.CallDataLimit,
		Assets:     make(map[common.AssetID]struct{}),
		MaxAssets:  cfg.MaxFeeAssets,
		Bridges:    make(map[ethCommon.Hash]struct{}),
		MaxBridges: cfg.MaxBridgeCalls,
	}
}

// usage is the resources taken by a set of txs
type usage struct {
	slots    int
	gas      uint64
	callData uint64
	assets   []common.AssetID
	bridge   *ethCommon.Hash
}

func (u *usage) addAsset(assetID common.AssetID) {
	for _, a := range u.assets {
		if a == assetID {
			return
		}
	}
	u.assets = append(u.assets, assetID)
}

func (b *ResourceBudget) newAssets(u *usage) int {
	n := 0
	for _, a := range u.assets {
		if _, ok := b.Assets[a]; !ok {
			n++
		}
	}
	return n
}

// fits returns true if the whole usage can be taken from the budget
func (b *ResourceBudget) fits(u *usage) bool {
	if u.slots > b.Slots || u.gas > b.Gas || u.callData > b.CallData {
		return false
	}
	if len(b.Assets)+b.newAssets(u) > b.MaxAssets {
		return false
	}
	if u.bridge != nil {
		if _, ok := b.Bridges[*u.bridge]; !ok && len(b.Bridges) >= b.MaxBridges {
			return false
		}
	}
	return true
}

func (b *ResourceBudget) consume(u *usage) {
	b.Slots -= u.slots
	b.Gas -= u.gas
	b.CallData -= u.callData
	for _, a := range u.assets {
		b.Assets[a] = struct{}{}
	}
	if u.bridge != nil {
		b.Bridges[*u.bridge] = struct{}{}
	}
}
