package coordinator

import (
	"context"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/coordinator/prover"
	"tokamak-rollup-sequencer/log"
)

// ProversPool contains the idle prover clients.  A pipeline takes a prover
// for the whole proving stage and gives it back afterwards, so with a single
// prover only one proof is in flight.
type ProversPool struct {
	pool chan prover.Client
}

// NewProversPool creates a new pool of provers.
func NewProversPool(maxServerProofs int) *ProversPool {
	return &ProversPool{
		pool: make(chan prover.Client, maxServerProofs),
	}
}

// Add a prover to the pool.  Never blocks while the pool holds fewer provers
// than its capacity.
func (p *ProversPool) Add(ctx context.Context, serverProof prover.Client) {
	select {
	case p.pool <- serverProof:
	case <-ctx.Done():
		log.Warn("ProversPool.Add done, prover dropped")
	}
}

// Get returns the next available prover
func (p *ProversPool) Get(ctx context.Context) (prover.Client, error) {
	select {
	case <-ctx.Done():
		log.Info("ProversPool.Get done")
		return nil, common.Wrap(common.ErrDone)
	case serverProof := <-p.pool:
		return serverProof, nil
	}
}

// Idle returns the number of provers waiting in the pool
func (p *ProversPool) Idle() int {
	return len(p.pool)
}
