// Package domain holds the shared data model for the exchange core:
// accounts, positions, orders, trades, and candles. All monetary and
// price fields use fpdecimal.Decimal; floating point is never used for
// money.
package domain

import (
	"time"

	"github.com/nikolaydubina/fpdecimal"
)

// Side is the order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Method is the order method.
type Method string

const (
	MethodLimit  Method = "LIMIT"
	MethodMarket Method = "MARKET"
)

// Status is the order lifecycle state.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether the status is final; once reached no field of
// the order may mutate again.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled
}

// Account holds a user's cash position. cashAvailable is derived, never
// stored.
type Account struct {
	UserID       string
	CashTotal    fpdecimal.Decimal
	CashReserved fpdecimal.Decimal
	// Quarantined accounts reject new reservations until cleared by an
	// operator; set when an invariant violation is detected against them.
	Quarantined bool
}

// CashAvailable returns cashTotal - cashReserved.
func (a Account) CashAvailable() fpdecimal.Decimal {
	return a.CashTotal.Sub(a.CashReserved)
}

// Position holds a user's share holdings for one symbol.
type Position struct {
	UserID      string
	Symbol      string
	QtyTotal    int64
	QtyReserved int64
	AvgCost     fpdecimal.Decimal
}

// QtyAvailable returns qtyTotal - qtyReserved.
func (p Position) QtyAvailable() int64 {
	return p.QtyTotal - p.QtyReserved
}

// Empty reports whether the position row may be deleted.
func (p Position) Empty() bool {
	return p.QtyTotal == 0 && p.QtyReserved == 0
}

// Order is the immutable-identity, mutable-status order record.
type Order struct {
	ID           string
	UserID       string
	Symbol       string
	Side         Side
	Method       Method
	LimitPrice   *fpdecimal.Decimal // nil iff MARKET
	Quantity     int64
	Status       Status
	FilledQty    int64
	AvgFillPrice *fpdecimal.Decimal // nil until first fill
	ReservedCash fpdecimal.Decimal  // set at submission for BUY, zero for SELL
	ConsumedCash fpdecimal.Decimal  // cumulative cash spent across fills (buy side)
	CreatedAt    time.Time
	// SeqNo is a monotonic tiebreak assigned at creation, used for
	// price-time priority ordering when timestamps collide.
	SeqNo uint64
}

// Remaining returns quantity not yet filled.
func (o Order) Remaining() int64 {
	return o.Quantity - o.FilledQty
}

// Resting reports whether the order can sit on the book: only
// non-terminal LIMIT orders rest; MARKET orders never do.
func (o Order) Resting() bool {
	return o.Method == MethodLimit && !o.Status.Terminal()
}

// Trade is an append-only fill record.
type Trade struct {
	ID          string
	BuyOrderID  string
	SellOrderID string
	BuyUserID   string
	SellUserID  string
	Symbol      string
	Price       fpdecimal.Decimal
	Quantity    int64
	ExecutedAt  time.Time
}

// CandlePeriod is one of the closed set of supported aggregation periods.
type CandlePeriod string

const (
	Period1m  CandlePeriod = "1m"
	Period5m  CandlePeriod = "5m"
	Period15m CandlePeriod = "15m"
	Period1h  CandlePeriod = "1h"
	Period1d  CandlePeriod = "1d"
)

// PeriodDuration returns the wall-clock duration of a period.
func PeriodDuration(p CandlePeriod) time.Duration {
	switch p {
	case Period1m:
		return time.Minute
	case Period5m:
		return 5 * time.Minute
	case Period15m:
		return 15 * time.Minute
	case Period1h:
		return time.Hour
	case Period1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// Candle is one OHLCV bucket for a symbol, at a given period.
type Candle struct {
	Symbol      string
	Period      CandlePeriod
	PeriodStart time.Time
	Open        fpdecimal.Decimal
	High        fpdecimal.Decimal
	Low         fpdecimal.Decimal
	Close       fpdecimal.Decimal
	Volume      int64
}

// TradeBatch is the unit of work produced by one incoming order's match
// pass and consumed by downstream trade-processing jobs.
type TradeBatch struct {
	BatchID     string
	Symbol      string
	Trades      []Trade
	TotalVolume int64
	Timestamp   time.Time
}

// Event kinds published by the Broadcaster.
type EventKind string

const (
	EventPriceUpdate    EventKind = "priceUpdate"
	EventMarketUpdate   EventKind = "marketUpdate"
	EventTradeCompleted EventKind = "tradeCompleted"
	EventKlineUpdate    EventKind = "klineUpdate"
)

// Event is the payload shape delivered to Broadcaster subscribers.
type Event struct {
	Kind      EventKind
	Symbol    string
	Payload   any
	Timestamp time.Time
}

// PriceUpdatePayload is the payload for EventPriceUpdate.
type PriceUpdatePayload struct {
	Symbol    string            `json:"symbol"`
	Price     fpdecimal.Decimal `json:"price"`
	Volume    int64             `json:"volume"`
	Timestamp time.Time         `json:"timestamp"`
	TradeID   string            `json:"tradeId"`
}

// TradeCompletedPayload is the payload for EventTradeCompleted.
type TradeCompletedPayload struct {
	Symbol          string            `json:"symbol"`
	WeightedAvgPrice fpdecimal.Decimal `json:"weightedAvgPrice"`
	TotalVolume     int64             `json:"totalVolume"`
	BatchSize       int               `json:"batchSize"`
	FirstTradeID    string            `json:"firstTradeId"`
	Timestamp       time.Time         `json:"timestamp"`
}

// KlineUpdatePayload is the payload for EventKlineUpdate.
type KlineUpdatePayload struct {
	Period      CandlePeriod `json:"period"`
	Candle      Candle       `json:"candle"`
	IsNewCandle bool         `json:"isNewCandle"`
}

// MarketUpdatePayload is the payload for EventMarketUpdate.
type MarketUpdatePayload struct {
	Symbol         string            `json:"symbol"`
	LastPrice      fpdecimal.Decimal `json:"lastPrice"`
	Open           fpdecimal.Decimal `json:"open"`
	High           fpdecimal.Decimal `json:"high"`
	Low            fpdecimal.Decimal `json:"low"`
	Volume         int64             `json:"volume"`
	Change         fpdecimal.Decimal `json:"change"`
	ChangePercent  float64           `json:"changePercent"`
	Timestamp      time.Time         `json:"timestamp"`
}

// L2OrderBook is an aggregated L2 snapshot, kept from the teacher's
// market-data surface.
type L2OrderBook struct {
	Symbol string       `json:"symbol"`
	Bids   []PriceLevel `json:"bids"`
	Asks   []PriceLevel `json:"asks"`
}

// PriceLevel is one aggregated price level in an L2OrderBook.
type PriceLevel struct {
	Price    fpdecimal.Decimal `json:"price"`
	Quantity int64             `json:"quantity"`
}
