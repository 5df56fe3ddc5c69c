// Package candle builds OHLCV candlesticks from trade batches. It
// keeps a per-symbol current-minute accumulator in memory (the run
// loop and ticker shape are adapted from the teacher's
// internal/marketdata publisher), persists closed 1-minute base
// candles, and re-derives the higher aggregation periods from the
// affected base range. Batch consumption is idempotent via a
// TTL-bounded dedupe set, grounded on the LRU cache pattern in the
// EggsyOnCode-anomi orderbook registry.
package candle

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/nikolaydubina/fpdecimal"
	"go.uber.org/zap"

	"github.com/nathanyu/stock-exchange/internal/domain"
)

var aggregatePeriods = []domain.CandlePeriod{domain.Period5m, domain.Period15m, domain.Period1h, domain.Period1d}

// maxGapFillMinutes bounds the gap-fill horizon to a rolling hour.
const maxGapFillMinutes = 60

// Store is the persistence contract CandleBuilder depends on.
type Store interface {
	SaveCandle(c domain.Candle) error
	ListCandlesInRange(symbol string, period domain.CandlePeriod, from, to time.Time) ([]domain.Candle, error)
	LastCandle(symbol string, period domain.CandlePeriod) (domain.Candle, bool, error)
	ListRecentCandles(symbol string, period domain.CandlePeriod, limit int) ([]domain.Candle, error)
}

// Publisher is the subset of Broadcaster that CandleBuilder emits to.
type Publisher interface {
	PublishPrice(domain.PriceUpdatePayload)
	PublishTradeCompleted(domain.TradeCompletedPayload)
	PublishKline(domain.KlineUpdatePayload)
	PublishMarketUpdate(domain.MarketUpdatePayload)
}

// Builder is the CandleBuilder component.
type Builder struct {
	st     Store
	pub    Publisher
	logger *zap.Logger

	gapFillInterval time.Duration

	mu           sync.Mutex
	accumulators map[string]domain.Candle
	lastClose    map[string]fpdecimal.Decimal
	dayStats     map[string]domain.Candle // symbol -> running UTC-day OHLCV, for marketUpdate

	dedupe *lru.LRU[string, struct{}]
}

// New builds a CandleBuilder.
func New(st Store, pub Publisher, logger *zap.Logger, gapFillInterval, dedupeTTL time.Duration, dedupeSize int) *Builder {
	return &Builder{
		st:              st,
		pub:             pub,
		logger:          logger,
		gapFillInterval: gapFillInterval,
		accumulators:    make(map[string]domain.Candle),
		lastClose:       make(map[string]fpdecimal.Decimal),
		dayStats:        make(map[string]domain.Candle),
		dedupe:          lru.NewLRU[string, struct{}](dedupeSize, nil, dedupeTTL),
	}
}

// Run starts the periodic gap-fill maintenance task and blocks until
// ctx is cancelled.
func (b *Builder) Run(ctx context.Context) {
	ticker := time.NewTicker(b.gapFillInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.maintain()
		}
	}
}

// ConsumeBatch applies every trade in a batch to the in-memory
// accumulator, then emits priceUpdate per trade and a single
// unconditional tradeCompleted summary. Idempotent: a batch id seen
// before is a no-op.
func (b *Builder) ConsumeBatch(ctx context.Context, batch domain.TradeBatch) error {
	b.mu.Lock()
	if _, seen := b.dedupe.Get(batch.BatchID); seen {
		b.mu.Unlock()
		return nil
	}
	b.dedupe.Add(batch.BatchID, struct{}{})
	b.mu.Unlock()

	trades := append([]domain.Trade(nil), batch.Trades...)
	sort.Slice(trades, func(i, j int) bool { return trades[i].ExecutedAt.Before(trades[j].ExecutedAt) })

	var weightedSum fpdecimal.Decimal
	var totalVolume int64
	for _, t := range trades {
		isNew, err := b.applyTrade(t)
		if err != nil {
			return fmt.Errorf("apply trade %s: %w", t.ID, err)
		}
		weightedSum = weightedSum.Add(t.Price.Mul(fpdecimal.FromInt(int(t.Quantity))))
		totalVolume += t.Quantity

		b.pub.PublishPrice(domain.PriceUpdatePayload{
			Symbol:    t.Symbol,
			Price:     t.Price,
			Volume:    t.Quantity,
			Timestamp: t.ExecutedAt,
			TradeID:   t.ID,
		})
		b.mu.Lock()
		acc := b.accumulators[t.Symbol]
		b.mu.Unlock()
		b.pub.PublishKline(domain.KlineUpdatePayload{Period: domain.Period1m, Candle: acc, IsNewCandle: isNew})
		b.pub.PublishMarketUpdate(b.updateDayStats(t))
	}

	if totalVolume == 0 {
		return nil
	}
	weightedAvg := weightedSum.Div(fpdecimal.FromInt(int(totalVolume)))
	b.pub.PublishTradeCompleted(domain.TradeCompletedPayload{
		Symbol:           batch.Symbol,
		WeightedAvgPrice: weightedAvg,
		TotalVolume:      totalVolume,
		BatchSize:        len(trades),
		FirstTradeID:     trades[0].ID,
		Timestamp:        batch.Timestamp,
	})
	return nil
}

// applyTrade updates the per-symbol accumulator, closing and
// persisting the prior minute first if the trade belongs to a new one.
// Returns whether this trade opened a fresh accumulator.
func (b *Builder) applyTrade(t domain.Trade) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	minuteStart := t.ExecutedAt.UTC().Truncate(time.Minute)
	acc, ok := b.accumulators[t.Symbol]

	isNew := false
	if ok && !acc.PeriodStart.Equal(minuteStart) {
		if err := b.closeAccumulatorLocked(acc); err != nil {
			return false, err
		}
		ok = false
	}
	if !ok {
		acc = domain.Candle{
			Symbol: t.Symbol, Period: domain.Period1m, PeriodStart: minuteStart,
			Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Quantity,
		}
		isNew = true
	} else {
		if t.Price.GreaterThan(acc.High) {
			acc.High = t.Price
		}
		if t.Price.LessThan(acc.Low) {
			acc.Low = t.Price
		}
		acc.Close = t.Price
		acc.Volume += t.Quantity
	}
	b.accumulators[t.Symbol] = acc
	b.lastClose[t.Symbol] = t.Price
	return isNew, nil
}

// updateDayStats maintains a running UTC-day OHLCV per symbol and
// returns the marketUpdate payload derived from it.
func (b *Builder) updateDayStats(t domain.Trade) domain.MarketUpdatePayload {
	b.mu.Lock()
	defer b.mu.Unlock()

	dayStart := t.ExecutedAt.UTC().Truncate(24 * time.Hour)
	day, ok := b.dayStats[t.Symbol]
	if !ok || !day.PeriodStart.Equal(dayStart) {
		day = domain.Candle{Symbol: t.Symbol, Period: domain.Period1d, PeriodStart: dayStart,
			Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Quantity}
	} else {
		if t.Price.GreaterThan(day.High) {
			day.High = t.Price
		}
		if t.Price.LessThan(day.Low) {
			day.Low = t.Price
		}
		day.Close = t.Price
		day.Volume += t.Quantity
	}
	b.dayStats[t.Symbol] = day

	change := day.Close.Sub(day.Open)
	changePercent := 0.0
	if !day.Open.Equal(fpdecimal.Zero) {
		o, errO := strconv.ParseFloat(day.Open.String(), 64)
		c, errC := strconv.ParseFloat(change.String(), 64)
		if errO == nil && errC == nil && o != 0 {
			changePercent = c / o * 100
		}
	}
	return domain.MarketUpdatePayload{
		Symbol: t.Symbol, LastPrice: day.Close, Open: day.Open, High: day.High, Low: day.Low,
		Volume: day.Volume, Change: change, ChangePercent: changePercent, Timestamp: t.ExecutedAt,
	}
}

// closeAccumulatorLocked persists a minute candle and re-aggregates
// higher periods. Caller must hold b.mu.
func (b *Builder) closeAccumulatorLocked(acc domain.Candle) error {
	if err := b.st.SaveCandle(acc); err != nil {
		return err
	}
	return b.reaggregate(acc.Symbol, acc.PeriodStart)
}

// reaggregate recomputes every higher-period candle whose range
// contains minuteStart, from the persisted 1-minute base candles.
func (b *Builder) reaggregate(symbol string, minuteStart time.Time) error {
	for _, period := range aggregatePeriods {
		dur := domain.PeriodDuration(period)
		bucketStart := minuteStart.Truncate(dur)
		bases, err := b.st.ListCandlesInRange(symbol, domain.Period1m, bucketStart, bucketStart.Add(dur))
		if err != nil {
			return err
		}
		if len(bases) == 0 {
			continue
		}
		agg := domain.Candle{
			Symbol: symbol, Period: period, PeriodStart: bucketStart,
			Open: bases[0].Open, Close: bases[len(bases)-1].Close,
			High: bases[0].High, Low: bases[0].Low,
		}
		for _, c := range bases {
			if c.High.GreaterThan(agg.High) {
				agg.High = c.High
			}
			if c.Low.LessThan(agg.Low) {
				agg.Low = c.Low
			}
			agg.Volume += c.Volume
		}
		if err := b.st.SaveCandle(agg); err != nil {
			return err
		}
	}
	return nil
}

// maintain flushes accumulators whose minute has elapsed and fills gap
// minutes with no trades, per the §4.5 periodic maintenance task.
func (b *Builder) maintain() {
	now := time.Now().UTC()

	b.mu.Lock()
	elapsed := make([]domain.Candle, 0)
	for symbol, acc := range b.accumulators {
		if now.Sub(acc.PeriodStart) >= time.Minute {
			elapsed = append(elapsed, acc)
			delete(b.accumulators, symbol)
		}
	}
	symbols := make([]string, 0, len(b.lastClose))
	for symbol := range b.lastClose {
		symbols = append(symbols, symbol)
	}
	b.mu.Unlock()

	for _, acc := range elapsed {
		b.mu.Lock()
		err := b.closeAccumulatorLocked(acc)
		b.mu.Unlock()
		if err != nil {
			b.logger.Error("candle: failed to close elapsed accumulator", zap.String("symbol", acc.Symbol), zap.Error(err))
		}
	}

	for _, symbol := range symbols {
		if err := b.fillGaps(symbol, now); err != nil {
			b.logger.Error("candle: failed to fill gaps", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func (b *Builder) fillGaps(symbol string, now time.Time) error {
	last, ok, err := b.st.LastCandle(symbol, domain.Period1m)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	horizon := now.Truncate(time.Minute)
	next := last.PeriodStart.Add(time.Minute)
	for i := 0; next.Before(horizon) && i < maxGapFillMinutes; i++ {
		flat := domain.Candle{
			Symbol: symbol, Period: domain.Period1m, PeriodStart: next,
			Open: last.Close, High: last.Close, Low: last.Close, Close: last.Close, Volume: 0,
		}
		if err := b.st.SaveCandle(flat); err != nil {
			return err
		}
		if err := b.reaggregate(symbol, next); err != nil {
			return err
		}
		last = flat
		next = next.Add(time.Minute)
	}
	return nil
}

// GetCandles returns the most recent candles for (symbol, period),
// oldest first, up to limit.
func (b *Builder) GetCandles(symbol string, period domain.CandlePeriod, limit int) ([]domain.Candle, error) {
	return b.st.ListRecentCandles(symbol, period, limit)
}
