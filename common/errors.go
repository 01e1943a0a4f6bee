package common

import (
	"errors"
)

// ErrNotInFF is used when the *big.Int does not fit inside the Finite Field
var ErrNotInFF = errors.New("BigInt not inside the Finite Field")

// ErrNumOverflow is used when a given value overflows the maximum capacity of the parameter
var ErrNumOverflow = errors.New("Value overflows the type")

// ErrDone is used when a function returns earlier due to a cancelled context
var ErrDone = errors.New("done")

// ErrTxNotFound is used when a transaction is not found in the tx store
var ErrTxNotFound = errors.New("tx not found")

// ErrRollupNotFound is used when a rollup batch is not found in the tx store
var ErrRollupNotFound = errors.New("rollup not found")

// ErrBlockNotFound is used when a block is not found in the tx store
var ErrBlockNotFound = errors.New("block not found")

// ErrNullifierExists is used when a tx claims a nullifier that is already
// settled or claimed by another pending tx
var ErrNullifierExists = errors.New("nullifier already exists")

// ErrTxExists is used when a tx with the same id is already stored
var ErrTxExists = errors.New("tx already exists")

// ErrInvalidTx is used when a tx fails the structural validation at admission
var ErrInvalidTx = errors.New("invalid tx")

// ErrFeeTooLow is used when the fee of a tx is below the minimum fee
var ErrFeeTooLow = errors.New("fee too low")

// ErrDepositExceeded is used when a deposit tx spends more than the pending
// deposit of its owner
var ErrDepositExceeded = errors.New("deposit exceeds pending deposit")

// ErrUnknownBridge is used when a defi deposit references a bridge call that
// is not configured
var ErrUnknownBridge = errors.New("unknown bridge call")

// ErrStateDivergence is used when the local world state can't reproduce the
// roots of a confirmed batch
var ErrStateDivergence = errors.New("world state diverged from ledger")

// ErrPoolFull is used when the tx store already holds the maximum number of
// pending txs
var ErrPoolFull = errors.New("the pool is at full capacity. More transactions are not accepted currently")

// ErrStoreClosed is used when an operation is issued on a closed store
var ErrStoreClosed = errors.New("store closed")

// IsErrDone returns true if the error or wrapped error is ErrDone
func IsErrDone(err error) bool {
	return Unwrap(err) == ErrDone
}

// IsErr returns true if the error, once the stack trace wrapper is removed,
// is or wraps target
func IsErr(err, target error) bool {
	return errors.Is(Unwrap(err), target)
}
