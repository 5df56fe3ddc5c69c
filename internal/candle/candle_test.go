package candle

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nathanyu/stock-exchange/internal/domain"
)

type fakeStore struct {
	candles map[string]domain.Candle // "symbol:period:unixSec" -> candle
}

func newFakeStore() *fakeStore {
	return &fakeStore{candles: make(map[string]domain.Candle)}
}

func (s *fakeStore) key(symbol string, period domain.CandlePeriod, periodStart time.Time) string {
	return symbol + ":" + string(period) + ":" + periodStart.UTC().Format(time.RFC3339)
}

func (s *fakeStore) SaveCandle(c domain.Candle) error {
	s.candles[s.key(c.Symbol, c.Period, c.PeriodStart)] = c
	return nil
}

func (s *fakeStore) ListCandlesInRange(symbol string, period domain.CandlePeriod, from, to time.Time) ([]domain.Candle, error) {
	var out []domain.Candle
	for _, c := range s.candles {
		if c.Symbol == symbol && c.Period == period && !c.PeriodStart.Before(from) && c.PeriodStart.Before(to) {
			out = append(out, c)
		}
	}
	// Chronological, like the pebble-backed store's key-ordered scan.
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodStart.Before(out[j].PeriodStart) })
	return out, nil
}

func (s *fakeStore) LastCandle(symbol string, period domain.CandlePeriod) (domain.Candle, bool, error) {
	var last domain.Candle
	found := false
	for _, c := range s.candles {
		if c.Symbol != symbol || c.Period != period {
			continue
		}
		if !found || c.PeriodStart.After(last.PeriodStart) {
			last = c
			found = true
		}
	}
	return last, found, nil
}

func (s *fakeStore) ListRecentCandles(symbol string, period domain.CandlePeriod, limit int) ([]domain.Candle, error) {
	out, _ := s.ListCandlesInRange(symbol, period, time.Time{}, time.Now().Add(100*365*24*time.Hour))
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakePublisher struct {
	prices    []domain.PriceUpdatePayload
	completed []domain.TradeCompletedPayload
	klines    []domain.KlineUpdatePayload
	market    []domain.MarketUpdatePayload
}

func (p *fakePublisher) PublishPrice(v domain.PriceUpdatePayload)             { p.prices = append(p.prices, v) }
func (p *fakePublisher) PublishTradeCompleted(v domain.TradeCompletedPayload) { p.completed = append(p.completed, v) }
func (p *fakePublisher) PublishKline(v domain.KlineUpdatePayload)             { p.klines = append(p.klines, v) }
func (p *fakePublisher) PublishMarketUpdate(v domain.MarketUpdatePayload)     { p.market = append(p.market, v) }

func price(t *testing.T, s string) fpdecimal.Decimal {
	t.Helper()
	v, err := fpdecimal.FromString(s)
	require.NoError(t, err)
	return v
}

func newTestBuilder() (*Builder, *fakeStore, *fakePublisher) {
	st := newFakeStore()
	pub := &fakePublisher{}
	b := New(st, pub, zap.NewNop(), time.Minute, time.Hour, 1000)
	return b, st, pub
}

func trade(t *testing.T, symbol, id string, p string, qty int64, at time.Time) domain.Trade {
	return domain.Trade{ID: id, Symbol: symbol, Price: price(t, p), Quantity: qty, ExecutedAt: at}
}

func TestConsumeBatch_BuildsOneMinuteCandle(t *testing.T) {
	b, st, pub := newTestBuilder()
	base := time.Date(2026, 1, 1, 10, 0, 30, 0, time.UTC)

	batch := domain.TradeBatch{
		BatchID: "batch1", Symbol: "AAPL",
		Trades: []domain.Trade{
			trade(t, "AAPL", "t1", "100", 10, base),
			trade(t, "AAPL", "t2", "105", 5, base.Add(10*time.Second)),
			trade(t, "AAPL", "t3", "95", 20, base.Add(20*time.Second)),
		},
		TotalVolume: 35, Timestamp: base,
	}
	require.NoError(t, b.ConsumeBatch(context.Background(), batch))

	require.Len(t, pub.completed, 1)
	assert.Equal(t, int64(35), pub.completed[0].TotalVolume)
	require.Len(t, pub.prices, 3)
	require.Len(t, pub.klines, 3)
	require.Len(t, pub.market, 3)

	// Force the minute to close and persist.
	require.NoError(t, b.closeAccumulatorLocked(b.accumulators["AAPL"]))
	saved, ok, err := st.LastCandle("AAPL", domain.Period1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, saved.Open.Equal(price(t, "100")))
	assert.True(t, saved.High.Equal(price(t, "105")))
	assert.True(t, saved.Low.Equal(price(t, "95")))
	assert.True(t, saved.Close.Equal(price(t, "95")))
	assert.Equal(t, int64(35), saved.Volume)
}

func TestConsumeBatch_IdempotentOnRepeatedBatchID(t *testing.T) {
	b, _, pub := newTestBuilder()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	batch := domain.TradeBatch{
		BatchID: "dup", Symbol: "AAPL",
		Trades:      []domain.Trade{trade(t, "AAPL", "t1", "100", 10, base)},
		TotalVolume: 10, Timestamp: base,
	}

	require.NoError(t, b.ConsumeBatch(context.Background(), batch))
	require.NoError(t, b.ConsumeBatch(context.Background(), batch)) // redelivered

	assert.Len(t, pub.completed, 1) // second delivery is a no-op
}

func TestConsumeBatch_OrdersTradesByExecutionTime(t *testing.T) {
	b, _, _ := newTestBuilder()
	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	// Intentionally out of order in the slice.
	batch := domain.TradeBatch{
		BatchID: "b2", Symbol: "AAPL",
		Trades: []domain.Trade{
			trade(t, "AAPL", "later", "110", 1, base.Add(5*time.Second)),
			trade(t, "AAPL", "earlier", "90", 1, base),
		},
		TotalVolume: 2, Timestamp: base,
	}
	require.NoError(t, b.ConsumeBatch(context.Background(), batch))

	acc := b.accumulators["AAPL"]
	assert.True(t, acc.Open.Equal(price(t, "90"))) // earlier trade opens the candle
	assert.True(t, acc.Close.Equal(price(t, "110")))
}

func TestApplyTrade_NewMinuteClosesPriorAccumulator(t *testing.T) {
	b, st, _ := newTestBuilder()
	minute1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	minute2 := minute1.Add(time.Minute)

	_, err := b.applyTrade(trade(t, "AAPL", "t1", "100", 10, minute1))
	require.NoError(t, err)
	isNew, err := b.applyTrade(trade(t, "AAPL", "t2", "110", 10, minute2))
	require.NoError(t, err)
	assert.True(t, isNew)

	saved, ok, err := st.LastCandle("AAPL", domain.Period1m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, saved.PeriodStart.Equal(minute1))
	assert.True(t, saved.Close.Equal(price(t, "100")))
}

func TestReaggregate_BuildsHigherPeriodFromBaseCandles(t *testing.T) {
	b, st, _ := newTestBuilder()
	bucket5m := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.SaveCandle(domain.Candle{
		Symbol: "AAPL", Period: domain.Period1m, PeriodStart: bucket5m,
		Open: price(t, "100"), High: price(t, "102"), Low: price(t, "99"), Close: price(t, "101"), Volume: 10,
	}))
	require.NoError(t, st.SaveCandle(domain.Candle{
		Symbol: "AAPL", Period: domain.Period1m, PeriodStart: bucket5m.Add(time.Minute),
		Open: price(t, "101"), High: price(t, "108"), Low: price(t, "100"), Close: price(t, "107"), Volume: 20,
	}))

	require.NoError(t, b.reaggregate("AAPL", bucket5m.Add(time.Minute)))

	agg, ok, err := st.LastCandle("AAPL", domain.Period5m)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, agg.Open.Equal(price(t, "100")))
	assert.True(t, agg.Close.Equal(price(t, "107")))
	assert.True(t, agg.High.Equal(price(t, "108")))
	assert.True(t, agg.Low.Equal(price(t, "99")))
	assert.Equal(t, int64(30), agg.Volume)
}

func TestFillGaps_CapsAtMaxGapFillMinutes(t *testing.T) {
	b, st, _ := newTestBuilder()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.SaveCandle(domain.Candle{
		Symbol: "AAPL", Period: domain.Period1m, PeriodStart: start,
		Open: price(t, "100"), High: price(t, "100"), Low: price(t, "100"), Close: price(t, "100"), Volume: 1,
	}))

	now := start.Add(5 * time.Hour) // far beyond the 60-minute cap
	require.NoError(t, b.fillGaps("AAPL", now))

	filled, err := st.ListCandlesInRange("AAPL", domain.Period1m, start, now)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(filled), maxGapFillMinutes+1)
}

func TestUpdateDayStats_ComputesChangePercent(t *testing.T) {
	b, _, _ := newTestBuilder()
	base := time.Date(2026, 1, 1, 9, 30, 0, 0, time.UTC)

	b.updateDayStats(trade(t, "AAPL", "t1", "100", 10, base))
	payload := b.updateDayStats(trade(t, "AAPL", "t2", "110", 10, base.Add(time.Minute)))

	assert.True(t, payload.Change.Equal(price(t, "10")))
	assert.InDelta(t, 10.0, payload.ChangePercent, 0.0001)
}
