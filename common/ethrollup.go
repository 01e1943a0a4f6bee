package common

import (
	"math/big"
)

const (
	// RollupConstDataTreeLevels is the depth of the note tree
	RollupConstDataTreeLevels = 32
	// RollupConstNullTreeLevels is the depth of the nullifier tree. Keys are
	// field elements.
	RollupConstNullTreeLevels = 254
	// RollupConstRootTreeLevels is the depth of the tree of data roots
	RollupConstRootTreeLevels = 28
	// RollupConstMaxRollupSize is the biggest rollup supported by the verifier
	RollupConstMaxRollupSize = 1024
)

// RollupConstants are the constants of the Rollup Smart Contract
type RollupConstants struct {
	// RollupSize is the number of inner tx slots of a rollup
	RollupSize int `json:"rollupSize"`
	// ChainID of the ledger
	ChainID *big.Int `json:"chainId"`
}
