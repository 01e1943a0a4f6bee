package feeresolver

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"tokamak-rollup-sequencer/common"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGasFeed struct {
	price *big.Int
	err   error
}

func (f *stubGasFeed) GasPrice(ctx context.Context) (*big.Int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return new(big.Int).Set(f.price), nil
}

type stubOracle struct {
	prices map[ethCommon.Address]*big.Int
}

func (o *stubOracle) EthPriceOracle(ctx context.Context, oracle ethCommon.Address) (*big.Int, error) {
	price, ok := o.prices[oracle]
	if !ok {
		return nil, fmt.Errorf("no oracle at %v", oracle)
	}
	return new(big.Int).Set(price), nil
}

type clock struct {
	t time.Time
}

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

var oracleAddr = ethCommon.HexToAddress("0x0a")

func newTestTracker(t *testing.T, gasFeed GasPriceFeed, oracle *stubOracle) (*PriceTracker, *clock) {
	assets := []common.Asset{
		{AssetID: 0, Decimals: 18, FeePaying: true},
		{AssetID: 1, Decimals: 6, FeePaying: true, PriceOracle: oracleAddr},
	}
	assetFeed, err := NewAssetPrices(assets, oracle)
	require.NoError(t, err)
	tracker := NewPriceTracker(gasFeed, assetFeed, []common.AssetID{0, 1},
		10*time.Minute, time.Minute)
	c := &clock{t: t0}
	tracker.now = c.now
	return tracker, c
}

func TestPriceTrackerWindow(t *testing.T) {
	gasFeed := &stubGasFeed{price: big.NewInt(10 * gwei)}
	oracle := &stubOracle{prices: map[ethCommon.Address]*big.Int{oracleAddr: big.NewInt(5e14)}}
	tracker, c := newTestTracker(t, gasFeed, oracle)

	assert.Nil(t, tracker.GasPrice())
	require.NoError(t, tracker.Update(context.Background()))
	assert.Equal(t, "10000000000", tracker.GasPrice().String())
	assert.Equal(t, "1000000000000000000", tracker.AssetPrice(0).String())
	assert.Equal(t, "500000000000000", tracker.AssetPrice(1).String())

	c.advance(time.Minute)
	gasFeed.price = big.NewInt(30 * gwei)
	oracle.prices[oracleAddr] = big.NewInt(4e14)
	require.NoError(t, tracker.Update(context.Background()))

	assert.Equal(t, "30000000000", tracker.GasPrice().String())
	assert.Equal(t, "10000000000", tracker.MinGasPrice().String())
	assert.Equal(t, "10000000000", tracker.GasPriceAt(30_000).String())
	assert.Equal(t, "400000000000000", tracker.AssetPrice(1).String())
	assert.Equal(t, "500000000000000", tracker.MaxAssetPrice(1).String())
	assert.Equal(t, "500000000000000", tracker.AssetPriceAt(1, 60_000).String())

	// the first samples leave the window
	c.advance(10 * time.Minute)
	require.NoError(t, tracker.Update(context.Background()))
	assert.Equal(t, "30000000000", tracker.MinGasPrice().String())
	assert.Equal(t, "400000000000000", tracker.MaxAssetPrice(1).String())
}

func TestPriceTrackerFeedFailure(t *testing.T) {
	gasFeed := &stubGasFeed{price: big.NewInt(10 * gwei)}
	oracle := &stubOracle{prices: map[ethCommon.Address]*big.Int{oracleAddr: big.NewInt(5e14)}}
	tracker, c := newTestTracker(t, gasFeed, oracle)
	require.NoError(t, tracker.Update(context.Background()))

	c.advance(time.Minute)
	gasFeed.err = fmt.Errorf("node down")
	delete(oracle.prices, oracleAddr)
	assert.Error(t, tracker.Update(context.Background()))
	assert.Equal(t, "10000000000", tracker.GasPrice().String())
	assert.Equal(t, "500000000000000", tracker.AssetPrice(1).String())
}

func TestMinFeeStableUnderRisingGasPrice(t *testing.T) {
	gasFeed := &stubGasFeed{price: big.NewInt(10 * gwei)}
	oracle := &stubOracle{prices: map[ethCommon.Address]*big.Int{oracleAddr: big.NewInt(5e14)}}
	tracker, c := newTestTracker(t, gasFeed, oracle)
	require.NoError(t, tracker.Update(context.Background()))
	r := newTestFeeResolver(t, testFeesConfig(), tracker)

	quoted, err := r.MinFee(0, common.TxKindDeposit)
	require.NoError(t, err)

	c.advance(time.Minute)
	gasFeed.price = big.NewInt(50 * gwei)
	require.NoError(t, tracker.Update(context.Background()))

	fee, err := r.MinFee(0, common.TxKindDeposit)
	require.NoError(t, err)
	assert.Equal(t, quoted.String(), fee.String())

	quotes, err := r.FeeQuote(0, common.TxKindDeposit)
	require.NoError(t, err)
	assert.Equal(t, 1, quotes[0].Fee.Value.Cmp(fee))
}

func TestAssetPrices(t *testing.T) {
	_, err := NewAssetPrices([]common.Asset{{AssetID: 3, Price: "abc"}}, nil)
	assert.Error(t, err)
	_, err = NewAssetPrices([]common.Asset{{AssetID: 3, PriceOracle: oracleAddr}}, nil)
	assert.Error(t, err)

	feed, err := NewAssetPrices([]common.Asset{{AssetID: 3, Price: "1234"}}, nil)
	require.NoError(t, err)
	price, err := feed.AssetPrice(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "1234", price.String())
	_, err = feed.AssetPrice(context.Background(), 4)
	assert.Error(t, err)
}
