package rollupdb

import (
	"sync"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/metric"

	ethCommon "github.com/ethereum/go-ethereum/common"
)

// CachedDB keeps views derived from a DB. The views are rebuilt from
// scratch after every write, failed writes included, instead of being
// patched.
type CachedDB struct {
	DB

	refreshMu           sync.Mutex
	rw                  sync.RWMutex
	pendingTxCount      int
	unsettledTxs        []common.PendingTx
	unsettledNullifiers []ethCommon.Hash
	settledRollups      []common.RollupBatch
	settledNullifiers   []ethCommon.Hash
	nullifierSet        map[ethCommon.Hash]struct{}
}

// NewCachedDB wraps db and builds the initial views
func NewCachedDB(db DB) (*CachedDB, error) {
	c := &CachedDB{DB: db}
	if err := c.refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// refresh rebuilds every view from the underlying DB
func (c *CachedDB) refresh() error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	pendingTxCount, err := c.DB.GetPendingTxCount()
	if err != nil {
		return err
	}
	unsettledTxs, err := c.DB.GetUnsettledTxs()
	if err != nil {
		return err
	}
	unsettledNullifiers, err := c.DB.GetUnsettledNullifiers()
	if err != nil {
		return err
	}
	settledRollups, err := c.DB.GetSettledRollups(0)
	if err != nil {
		return err
	}
	settledNullifiers, err := c.DB.GetSettledNullifiers()
	if err != nil {
		return err
	}
	nullifierSet := make(map[ethCommon.Hash]struct{},
		len(unsettledNullifiers)+len(settledNullifiers))
	for _, n := range unsettledNullifiers {
		nullifierSet[n] = struct{}{}
	}
	for _, n := range settledNullifiers {
		nullifierSet[n] = struct{}{}
	}

	c.rw.Lock()
	c.pendingTxCount = pendingTxCount
	c.unsettledTxs = unsettledTxs
	c.unsettledNullifiers = unsettledNullifiers
	c.settledRollups = settledRollups
	c.settledNullifiers = settledNullifiers
	c.nullifierSet = nullifierSet
	c.rw.Unlock()
	metric.PendingTxs.Set(float64(pendingTxCount))
	return nil
}

// afterWrite refreshes the views and returns the error of the write, if
// any, before the error of the refresh
func (c *CachedDB) afterWrite(err error) error {
	if errRefresh := c.refresh(); errRefresh != nil {
		log.Errorw("CachedDB: refresh", "err", errRefresh)
		if err == nil {
			return errRefresh
		}
	}
	return err
}

// AddTx stores a pending tx
func (c *CachedDB) AddTx(tx *common.PendingTx) error {
	return c.afterWrite(c.DB.AddTx(tx))
}

// AddTxs stores several pending txs, all or none
func (c *CachedDB) AddTxs(txs []common.PendingTx) error {
	return c.afterWrite(c.DB.AddTxs(txs))
}

// DeleteTxsByID deletes txs
func (c *CachedDB) DeleteTxsByID(txIDs []common.TxID) error {
	return c.afterWrite(c.DB.DeleteTxsByID(txIDs))
}

// DeletePendingTxs deletes all the pending txs
func (c *CachedDB) DeletePendingTxs() error {
	return c.afterWrite(c.DB.DeletePendingTxs())
}

// AddRollup stores a rollup and links its txs
func (c *CachedDB) AddRollup(rollup *common.RollupBatch) error {
	return c.afterWrite(c.DB.AddRollup(rollup))
}

// SetRollupEthTxHash records the publish tx of a rollup
func (c *CachedDB) SetRollupEthTxHash(batchNum common.BatchNum, ethTxHash ethCommon.Hash) error {
	return c.afterWrite(c.DB.SetRollupEthTxHash(batchNum, ethTxHash))
}

// ConfirmMined settles a rollup built by this node
func (c *CachedDB) ConfirmMined(batch *common.ConfirmedBatch) error {
	return c.afterWrite(c.DB.ConfirmMined(batch))
}

// AddSettledRollup stores a rollup built by another publisher
func (c *CachedDB) AddSettledRollup(batch *common.ConfirmedBatch) error {
	return c.afterWrite(c.DB.AddSettledRollup(batch))
}

// DeleteRollup deletes an unsettled rollup
func (c *CachedDB) DeleteRollup(batchNum common.BatchNum) error {
	return c.afterWrite(c.DB.DeleteRollup(batchNum))
}

// DeleteUnsettledRollups deletes every unsettled rollup
func (c *CachedDB) DeleteUnsettledRollups() error {
	return c.afterWrite(c.DB.DeleteUnsettledRollups())
}

// Reorg deletes every block after lastValidBlock
func (c *CachedDB) Reorg(lastValidBlock int64) error {
	return c.afterWrite(c.DB.Reorg(lastValidBlock))
}

// Erase deletes everything
func (c *CachedDB) Erase() error {
	return c.afterWrite(c.DB.Erase())
}

// GetPendingTxCount returns the cached number of pending txs
func (c *CachedDB) GetPendingTxCount() (int, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return c.pendingTxCount, nil
}

// GetUnsettledTxs returns a copy of the cached unsettled txs
func (c *CachedDB) GetUnsettledTxs() ([]common.PendingTx, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return append([]common.PendingTx{}, c.unsettledTxs...), nil
}

// GetUnsettledNullifiers returns a copy of the cached unsettled nullifiers
func (c *CachedDB) GetUnsettledNullifiers() ([]ethCommon.Hash, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return append([]ethCommon.Hash{}, c.unsettledNullifiers...), nil
}

// GetSettledNullifiers returns a copy of the cached settled nullifiers
func (c *CachedDB) GetSettledNullifiers() ([]ethCommon.Hash, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	return append([]ethCommon.Hash{}, c.settledNullifiers...), nil
}

// GetSettledRollups returns the cached settled rollups from a batch number
func (c *CachedDB) GetSettledRollups(from common.BatchNum) ([]common.RollupBatch, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	rollups := []common.RollupBatch{}
	for i := range c.settledRollups {
		if c.settledRollups[i].BatchNum >= from {
			rollups = append(rollups, c.settledRollups[i])
		}
	}
	return rollups, nil
}

// NullifiersExist checks the nullifiers against both the settled and the
// unsettled cached sets. This is the admission check of new txs.
func (c *CachedDB) NullifiersExist(n1, n2 ethCommon.Hash) (bool, error) {
	c.rw.RLock()
	defer c.rw.RUnlock()
	for _, n := range []ethCommon.Hash{n1, n2} {
		if n == common.EmptyHash {
			continue
		}
		if _, ok := c.nullifierSet[n]; ok {
			return true, nil
		}
	}
	return false, nil
}
