// Package kvdb is a pebble key value store that keeps a checkpoint of its
// content after every applied batch, so that it can go back to any of the
// kept batches.
package kvdb

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/log"

	"github.com/iden3/go-merkletree/db"
	"github.com/iden3/go-merkletree/db/pebble"
)

const (
	dirCurrent    = "current"
	dirLast       = "last"
	dirCheckpoint = "BatchNum"
)

var keyCurrentBatch = []byte("k:currentbatch")

// ErrNoLast is returned by LastRead when the KVDB was opened with NoLast
var ErrNoLast = fmt.Errorf("no last checkpoint")

// Config of the KVDB
type Config struct {
	// Path holds the current db, the checkpoints and the last view
	Path string
	// Keep is the number of checkpoints kept, all of them when 0
	Keep int
	// NoLast disables the read only view of the last checkpoint
	NoLast bool
}

// KVDB is the current db plus one checkpoint directory per batch
type KVDB struct {
	cfg          Config
	db           *pebble.Storage
	CurrentBatch common.BatchNum

	// copyMu serializes checkpoint copies: the batch builder may copy the
	// checkpoint the synchronizer is resetting to
	copyMu  sync.Mutex
	pruneMu sync.Mutex
	wg      sync.WaitGroup
	last    *lastView
}

// lastView is a copy of the newest checkpoint that can be read while the
// current db is being written
type lastView struct {
	mu  sync.RWMutex
	dir string
	db  *pebble.Storage
}

// reopen closes the view, lets fill rewrite its directory and opens it again
func (v *lastView) reopen(fill func(dir string) error) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closeDB()
	if err := fill(v.dir); err != nil {
		return common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(v.dir, false)
	if err != nil {
		return common.Wrap(err)
	}
	v.db = sto
	return nil
}

func (v *lastView) closeDB() {
	if v.db != nil {
		v.db.Close()
		v.db = nil
	}
}

// NewKVDB opens the KVDB at cfg.Path at the batch stored in its current db
func NewKVDB(cfg Config) (*KVDB, error) {
	k := &KVDB{cfg: cfg}
	if !cfg.NoLast {
		k.last = &lastView{dir: path.Join(cfg.Path, dirLast)}
	}
	if err := k.openCurrent(); err != nil {
		return nil, common.Wrap(err)
	}
	if err := k.Reset(k.CurrentBatch); err != nil {
		return nil, common.Wrap(err)
	}
	return k, nil
}

// DB returns the current db
func (k *KVDB) DB() *pebble.Storage {
	return k.db
}

// StorageWithPrefix returns a view of the current db under prefix
func (k *KVDB) StorageWithPrefix(prefix []byte) db.Storage {
	return k.db.WithPrefix(prefix)
}

// LastRead runs fn on the last checkpoint.  Safe to call concurrently with
// writes to the current db.
func (k *KVDB) LastRead(fn func(db *pebble.Storage) error) error {
	if k.last == nil {
		return common.Wrap(ErrNoLast)
	}
	k.last.mu.RLock()
	defer k.last.mu.RUnlock()
	return fn(k.last.db)
}

func (k *KVDB) currentDir() string {
	return path.Join(k.cfg.Path, dirCurrent)
}

func (k *KVDB) checkpointDir(batchNum common.BatchNum) string {
	return path.Join(k.cfg.Path, dirCheckpoint+strconv.FormatUint(uint64(batchNum), 10))
}

func (k *KVDB) openCurrent() error {
	sto, err := pebble.NewPebbleStorage(k.currentDir(), false)
	if err != nil {
		return common.Wrap(err)
	}
	k.db = sto
	b, err := sto.Get(keyCurrentBatch)
	if common.Unwrap(err) == db.ErrNotFound {
		k.CurrentBatch = 0
		return nil
	} else if err != nil {
		return common.Wrap(err)
	}
	k.CurrentBatch, err = common.BatchNumFromBytes(b)
	return common.Wrap(err)
}

// dropCurrent closes the current db and deletes it
func (k *KVDB) dropCurrent() error {
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	return common.Wrap(os.RemoveAll(k.currentDir()))
}

// checkpoints returns the batches with a checkpoint, sorted
func (k *KVDB) checkpoints() ([]common.BatchNum, error) {
	entries, err := os.ReadDir(k.cfg.Path)
	if err != nil {
		return nil, common.Wrap(err)
	}
	var batches []common.BatchNum
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || !strings.HasPrefix(name, dirCheckpoint) {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimPrefix(name, dirCheckpoint), 10, 64)
		if err != nil {
			return nil, common.Wrap(fmt.Errorf("checkpoint %v: %w", name, err))
		}
		batches = append(batches, common.BatchNum(n))
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i] < batches[j] })
	return batches, nil
}

// copyCheckpoint writes the checkpoint of batchNum to dest, replacing dest
func (k *KVDB) copyCheckpoint(batchNum common.BatchNum, dest string) error {
	k.copyMu.Lock()
	defer k.copyMu.Unlock()
	src := k.checkpointDir(batchNum)
	if _, err := os.Stat(src); err != nil {
		return common.Wrap(fmt.Errorf("checkpoint of batch %d: %w", batchNum, err))
	}
	if err := os.RemoveAll(dest); err != nil {
		return common.Wrap(err)
	}
	sto, err := pebble.NewPebbleStorage(src, false)
	if err != nil {
		return common.Wrap(err)
	}
	defer sto.Close()
	return common.Wrap(sto.Pebble().Checkpoint(dest))
}

// Reset discards the current db and every checkpoint after batchNum, and
// restores the current db from the checkpoint of batchNum.  Batch 0 is the
// empty store.
func (k *KVDB) Reset(batchNum common.BatchNum) error {
	if err := k.dropCurrent(); err != nil {
		return err
	}
	batches, err := k.checkpoints()
	if err != nil {
		return common.Wrap(err)
	}
	for _, b := range batches {
		if b > batchNum {
			if err := os.RemoveAll(k.checkpointDir(b)); err != nil {
				return common.Wrap(err)
			}
		}
	}
	if batchNum > 0 {
		if err := k.copyCheckpoint(batchNum, k.currentDir()); err != nil {
			return common.Wrap(err)
		}
	}
	if err := k.reopenLast(batchNum); err != nil {
		return common.Wrap(err)
	}
	return common.Wrap(k.openCurrent())
}

func (k *KVDB) reopenLast(batchNum common.BatchNum) error {
	if k.last == nil {
		return nil
	}
	return k.last.reopen(func(dir string) error {
		if batchNum == 0 {
			return os.RemoveAll(dir)
		}
		return k.copyCheckpoint(batchNum, dir)
	})
}

// ResetFromSynchronizer replaces the current db and every checkpoint with
// the checkpoint of batchNum taken from src
func (k *KVDB) ResetFromSynchronizer(batchNum common.BatchNum, src *KVDB) error {
	if src == nil {
		return common.Wrap(fmt.Errorf("nil source KVDB"))
	}
	if err := k.dropCurrent(); err != nil {
		return err
	}
	batches, err := k.checkpoints()
	if err != nil {
		return common.Wrap(err)
	}
	for _, b := range batches {
		if err := os.RemoveAll(k.checkpointDir(b)); err != nil {
			return common.Wrap(err)
		}
	}
	if batchNum > 0 {
		if err := src.copyCheckpoint(batchNum, k.checkpointDir(batchNum)); err != nil {
			return common.Wrap(err)
		}
		if err := k.copyCheckpoint(batchNum, k.currentDir()); err != nil {
			return common.Wrap(err)
		}
	}
	return common.Wrap(k.openCurrent())
}

// MakeCheckpoint moves the current db to the next batch and checkpoints it.
// Checkpoints beyond cfg.Keep are deleted in the background.
func (k *KVDB) MakeCheckpoint() error {
	k.CurrentBatch++
	tx, err := k.db.NewTx()
	if err != nil {
		return common.Wrap(err)
	}
	if err := tx.Put(keyCurrentBatch, k.CurrentBatch.Bytes()); err != nil {
		return common.Wrap(err)
	}
	if err := tx.Commit(); err != nil {
		return common.Wrap(err)
	}
	dir := k.checkpointDir(k.CurrentBatch)
	// left over from a discarded fork
	if err := os.RemoveAll(dir); err != nil {
		return common.Wrap(err)
	}
	if err := k.db.Pebble().Checkpoint(dir); err != nil {
		return common.Wrap(err)
	}
	if err := k.reopenLast(k.CurrentBatch); err != nil {
		return common.Wrap(err)
	}

	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		if err := k.prune(); err != nil {
			log.Errorw("kvdb: deleting old checkpoints", "err", err)
		}
	}()
	return nil
}

// prune deletes the oldest checkpoints above cfg.Keep
func (k *KVDB) prune() error {
	if k.cfg.Keep <= 0 {
		return nil
	}
	k.pruneMu.Lock()
	defer k.pruneMu.Unlock()
	batches, err := k.checkpoints()
	if err != nil {
		return common.Wrap(err)
	}
	for len(batches) > k.cfg.Keep {
		if err := os.RemoveAll(k.checkpointDir(batches[0])); err != nil {
			return common.Wrap(err)
		}
		batches = batches[1:]
	}
	return nil
}

// CheckpointExists returns true if there is a checkpoint of batchNum
func (k *KVDB) CheckpointExists(batchNum common.BatchNum) (bool, error) {
	_, err := os.Stat(k.checkpointDir(batchNum))
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, common.Wrap(err)
	}
	return true, nil
}

// Close closes the dbs once the background deletions are done
func (k *KVDB) Close() {
	k.wg.Wait()
	if k.db != nil {
		k.db.Close()
		k.db = nil
	}
	if k.last != nil {
		k.last.mu.Lock()
		k.last.closeDB()
		k.last.mu.Unlock()
	}
}
