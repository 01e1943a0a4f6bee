package feeresolver

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"tokamak-rollup-sequencer/common"
	"tokamak-rollup-sequencer/log"
	"tokamak-rollup-sequencer/metric"
)

// GasPriceFeed returns the current ledger gas price in wei
type GasPriceFeed interface {
	GasPrice(ctx context.Context) (*big.Int, error)
}

// AssetPriceFeed returns the price in wei of one whole unit of an asset
type AssetPriceFeed interface {
	AssetPrice(ctx context.Context, assetID common.AssetID) (*big.Int, error)
}

type sample struct {
	t time.Time
	v *big.Int
}

// history is a list of samples sorted by time, oldest first
type history []sample

func (h history) latest() *big.Int {
	if len(h) == 0 {
		return nil
	}
	return h[len(h)-1].v
}

// at returns the last sample taken at or before t. If every sample is newer,
// the oldest is returned.
func (h history) at(t time.Time) *big.Int {
	if len(h) == 0 {
		return nil
	}
	for i := len(h) - 1; i >= 0; i-- {
		if !h[i].t.After(t) {
			return h[i].v
		}
	}
	return h[0].v
}

func (h history) extreme(cmp int) *big.Int {
	if len(h) == 0 {
		return nil
	}
	v := h[0].v
	for _, s := range h[1:] {
		if s.v.Cmp(v) == cmp {
			v = s.v
		}
	}
	return v
}

// trim drops the samples older than from, but always keeps the newest one
func (h history) trim(from time.Time) history {
	i := 0
	for i < len(h)-1 && h[i].t.Before(from) {
		i++
	}
	return h[i:]
}

// PriceTracker polls the gas and asset price feeds and keeps a rolling
// window of samples
type PriceTracker struct {
	gasFeed   GasPriceFeed
	assetFeed AssetPriceFeed
	assets    []common.AssetID
	window    time.Duration
	interval  time.Duration
	now       func() time.Time

	rw          sync.RWMutex
	gasPrices   history
	assetPrices map[common.AssetID]history

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPriceTracker creates a PriceTracker for the given assets. The tracker
// holds no prices until the first call to Update.
func NewPriceTracker(gasFeed GasPriceFeed, assetFeed AssetPriceFeed, assets []common.AssetID,
	window, interval time.Duration) *PriceTracker {
	return &PriceTracker{
		gasFeed:     gasFeed,
		assetFeed:   assetFeed,
		assets:      assets,
		window:      window,
		interval:    interval,
		now:         time.Now,
		assetPrices: make(map[common.AssetID]history),
	}
}

// Update reads every feed once. A feed failure keeps the previous samples
// and is returned after the remaining feeds have been read.
func (p *PriceTracker) Update(ctx context.Context) error {
	var firstErr error
	now := p.now()
	gasPrice, err := p.gasFeed.GasPrice(ctx)
	if err != nil {
		log.Warnw("PriceTracker: gas price feed", "err", err)
		firstErr = common.Wrap(err)
	}
	prices := make(map[common.AssetID]*big.Int, len(p.assets))
	for _, assetID := range p.assets {
		price, err := p.assetFeed.AssetPrice(ctx, assetID)
		if err != nil {
			log.Warnw("PriceTracker: asset price feed", "asset", assetID, "err", err)
			if firstErr == nil {
				firstErr = common.Wrap(err)
			}
			continue
		}
		prices[assetID] = price
	}

	from := now.Add(-p.window)
	p.rw.Lock()
	defer p.rw.Unlock()
	if gasPrice != nil {
		p.gasPrices = append(p.gasPrices, sample{t: now, v: gasPrice}).trim(from)
		metric.GasPrice.Set(bigToFloat(gasPrice))
	}
	for assetID, price := range prices {
		p.assetPrices[assetID] = append(p.assetPrices[assetID], sample{t: now, v: price}).trim(from)
		metric.AssetPrice.WithLabelValues(strconv.Itoa(int(assetID))).Set(bigToFloat(price))
	}
	return firstErr
}

// Start reads the feeds once and then keeps polling them in the background
// until Stop is called
func (p *PriceTracker) Start(ctx context.Context) error {
	if err := p.Update(ctx); err != nil {
		if p.GasPrice() == nil {
			return common.Wrap(fmt.Errorf("initial gas price: %w", err))
		}
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				log.Info("PriceTracker done")
				return
			case <-time.After(p.interval):
				_ = p.Update(ctx)
			}
		}
	}()
	return nil
}

// Stop the background polling
func (p *PriceTracker) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *PriceTracker) gas(fn func(history) *big.Int) *big.Int {
	p.rw.RLock()
	defer p.rw.RUnlock()
	return common.CopyBigInt(fn(p.gasPrices))
}

func (p *PriceTracker) asset(assetID common.AssetID, fn func(history) *big.Int) *big.Int {
	p.rw.RLock()
	defer p.rw.RUnlock()
	return common.CopyBigInt(fn(p.assetPrices[assetID]))
}

// GasPrice returns the latest gas price, or nil if none has been read yet
func (p *PriceTracker) GasPrice() *big.Int {
	return p.gas(history.latest)
}

// GasPriceAt returns the gas price as it was msAgo milliseconds ago
func (p *PriceTracker) GasPriceAt(msAgo int64) *big.Int {
	t := p.now().Add(-time.Duration(msAgo) * time.Millisecond)
	return p.gas(func(h history) *big.Int { return h.at(t) })
}

// MinGasPrice returns the lowest gas price in the window
func (p *PriceTracker) MinGasPrice() *big.Int {
	return p.gas(func(h history) *big.Int { return h.extreme(-1) })
}

// AssetPrice returns the latest price of an asset
func (p *PriceTracker) AssetPrice(assetID common.AssetID) *big.Int {
	return p.asset(assetID, history.latest)
}

// AssetPriceAt returns the price of an asset as it was msAgo milliseconds ago
func (p *PriceTracker) AssetPriceAt(assetID common.AssetID, msAgo int64) *big.Int {
	t := p.now().Add(-time.Duration(msAgo) * time.Millisecond)
	return p.asset(assetID, func(h history) *big.Int { return h.at(t) })
}

// MaxAssetPrice returns the highest price of an asset in the window
func (p *PriceTracker) MaxAssetPrice(assetID common.AssetID) *big.Int {
	return p.asset(assetID, func(h history) *big.Int { return h.extreme(1) })
}

func bigToFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
