package candle

import (
	"fmt"
	"time"

	"github.com/nathanyu/stock-exchange/internal/domain"
	"github.com/nathanyu/stock-exchange/internal/store"
)

// persistentStore implements Store atop internal/store.
type persistentStore struct {
	st *store.Store
}

// NewStore builds a candle Store backed by st.
func NewStore(st *store.Store) Store {
	return &persistentStore{st: st}
}

func candleKey(symbol string, period domain.CandlePeriod, periodStart time.Time) string {
	return fmt.Sprintf("candle:%s:%s:%020d", symbol, period, periodStart.UTC().Unix())
}

func candlePrefix(symbol string, period domain.CandlePeriod) string {
	return fmt.Sprintf("candle:%s:%s:", symbol, period)
}

func lastCandleKey(symbol string, period domain.CandlePeriod) string {
	return fmt.Sprintf("candlelast:%s:%s", symbol, period)
}

func (s *persistentStore) SaveCandle(c domain.Candle) error {
	b := s.st.NewBatch()
	if err := b.Set(candleKey(c.Symbol, c.Period, c.PeriodStart), c); err != nil {
		return err
	}
	if err := b.Set(lastCandleKey(c.Symbol, c.Period), c); err != nil {
		return err
	}
	return b.Commit()
}

func (s *persistentStore) ListCandlesInRange(symbol string, period domain.CandlePeriod, from, to time.Time) ([]domain.Candle, error) {
	var out []domain.Candle
	err := store.Scan(s.st, candlePrefix(symbol, period), func() domain.Candle { return domain.Candle{} },
		func(_ string, c domain.Candle) bool {
			if !c.PeriodStart.Before(from) && c.PeriodStart.Before(to) {
				out = append(out, c)
			}
			return true
		})
	return out, err
}

func (s *persistentStore) LastCandle(symbol string, period domain.CandlePeriod) (domain.Candle, bool, error) {
	var c domain.Candle
	err := s.st.Get(lastCandleKey(symbol, period), &c)
	if err == store.ErrNotFound {
		return domain.Candle{}, false, nil
	}
	if err != nil {
		return domain.Candle{}, false, err
	}
	return c, true, nil
}

func (s *persistentStore) ListRecentCandles(symbol string, period domain.CandlePeriod, limit int) ([]domain.Candle, error) {
	var out []domain.Candle
	err := store.Scan(s.st, candlePrefix(symbol, period), func() domain.Candle { return domain.Candle{} },
		func(_ string, c domain.Candle) bool {
			out = append(out, c)
			return true
		})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
