// Package orderbook holds the per-symbol, price-time-priority resting
// book. Concurrency = 1 goroutine per symbol is enforced by the caller
// (internal/matching holds a per-symbol mutex around every use of a
// symbol's book); OrderBook itself is not safe for concurrent use.
package orderbook

import (
	"sort"

	"github.com/gammazero/deque"
	"github.com/nikolaydubina/fpdecimal"

	"github.com/nathanyu/stock-exchange/internal/domain"
)

// bookLevel is a price level on one side of the book: a FIFO queue of
// resting orders at that exact price.
type bookLevel struct {
	Price       fpdecimal.Decimal
	TotalVolume int64
	Orders      deque.Deque[*domain.Order]
}

// Book is one side (buy or sell) of a symbol's order book.
type Book struct {
	Side   domain.Side
	levels map[string]*bookLevel // price.String() -> level
}

// NewBook creates an empty book side.
func NewBook(side domain.Side) *Book {
	return &Book{Side: side, levels: make(map[string]*bookLevel)}
}

// HasOrders reports whether this side has any resting orders.
func (b *Book) HasOrders() bool { return len(b.levels) > 0 }

// sortedLevels returns levels ordered best-first: descending price for a
// BUY book (best bid = highest), ascending for a SELL book (best ask =
// lowest).
func (b *Book) sortedLevels() []*bookLevel {
	out := make([]*bookLevel, 0, len(b.levels))
	for _, l := range b.levels {
		out = append(out, l)
	}
	if b.Side == domain.SideBuy {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	}
	return out
}

func (b *Book) levelFor(price fpdecimal.Decimal) *bookLevel {
	key := price.String()
	l, ok := b.levels[key]
	if !ok {
		l = &bookLevel{Price: price}
		b.levels[key] = l
	}
	return l
}

func (b *Book) add(order *domain.Order) {
	l := b.levelFor(*order.LimitPrice)
	l.TotalVolume += order.Remaining()
	l.Orders.PushBack(order)
}

// removeFromLevel drops the order at index i of its price level's deque.
func (b *Book) removeFromLevel(price fpdecimal.Decimal, idx int, removedQty int64) {
	key := price.String()
	l, ok := b.levels[key]
	if !ok {
		return
	}
	l.Orders.Remove(idx)
	l.TotalVolume -= removedQty
	if l.Orders.Len() == 0 {
		delete(b.levels, key)
	}
}

// OrderBook is the full two-sided book for a single symbol.
type OrderBook struct {
	Symbol   string
	Buy      *Book
	Sell     *Book
	OrderMap map[string]*domain.Order // orderID -> live order, for O(1) lookup/cancel
}

// NewOrderBook creates an empty book for symbol.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		Symbol:   symbol,
		Buy:      NewBook(domain.SideBuy),
		Sell:     NewBook(domain.SideSell),
		OrderMap: make(map[string]*domain.Order),
	}
}

func (ob *OrderBook) bookFor(side domain.Side) *Book {
	if side == domain.SideBuy {
		return ob.Buy
	}
	return ob.Sell
}

// AddOrder rests a LIMIT order on its side of the book.
func (ob *OrderBook) AddOrder(order *domain.Order) {
	if !order.Resting() || order.LimitPrice == nil {
		return
	}
	ob.bookFor(order.Side).add(order)
	ob.OrderMap[order.ID] = order
}

// CancelOrder removes a resting order by id, returning it (or nil if not
// resting/absent).
func (ob *OrderBook) CancelOrder(orderID string) *domain.Order {
	order, ok := ob.OrderMap[orderID]
	if !ok {
		return nil
	}
	ob.removeFromBook(order)
	delete(ob.OrderMap, orderID)
	return order
}

func (ob *OrderBook) removeFromBook(order *domain.Order) {
	book := ob.bookFor(order.Side)
	l, ok := book.levels[order.LimitPrice.String()]
	if !ok {
		return
	}
	for i := 0; i < l.Orders.Len(); i++ {
		if l.Orders.At(i).ID == order.ID {
			book.removeFromLevel(*order.LimitPrice, i, order.Remaining())
			return
		}
	}
}

// SyncAfterFill applies a just-applied fill of filledDelta shares to a
// resting maker order: shrinks its level's total volume, and removes the
// order from the book entirely once it has no quantity left.
func (ob *OrderBook) SyncAfterFill(order *domain.Order, filledDelta int64) {
	book := ob.bookFor(order.Side)
	key := order.LimitPrice.String()
	l, ok := book.levels[key]
	if !ok {
		return
	}
	l.TotalVolume -= filledDelta
	if order.Remaining() == 0 {
		for i := 0; i < l.Orders.Len(); i++ {
			if l.Orders.At(i).ID == order.ID {
				l.Orders.Remove(i)
				break
			}
		}
		if l.Orders.Len() == 0 {
			delete(book.levels, key)
		}
		delete(ob.OrderMap, order.ID)
	}
}

// Eligible returns resting orders on the side opposite `takerSide`,
// excluding the submitting user's own orders (self-trade prevention),
// filtered by the price relation, sorted best-price-first then by the
// order in which orders were added to their level (FIFO). limit
// caps how many candidates are returned; callers re-fetch after making
// progress rather than assuming this is the whole book.
func (ob *OrderBook) Eligible(takerSide domain.Side, excludeUserID string, limitPrice *fpdecimal.Decimal, limit int) []*domain.Order {
	book := ob.bookFor(takerSide.Opposite())
	var out []*domain.Order
	for _, level := range book.sortedLevels() {
		if limitPrice != nil {
			if takerSide == domain.SideBuy && level.Price.GreaterThan(*limitPrice) {
				break // buy: resting sell priced above our limit, and all worse levels follow
			}
			if takerSide == domain.SideSell && level.Price.LessThan(*limitPrice) {
				break // sell: resting buy priced below our limit
			}
		}
		for i := 0; i < level.Orders.Len(); i++ {
			o := level.Orders.At(i)
			if o.UserID == excludeUserID {
				continue
			}
			out = append(out, o)
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}

// GetL2Snapshot returns an aggregated, depth-limited L2 view of the book.
func (ob *OrderBook) GetL2Snapshot(depth int) domain.L2OrderBook {
	return domain.L2OrderBook{
		Symbol: ob.Symbol,
		Bids:   aggregate(ob.Buy, depth),
		Asks:   aggregate(ob.Sell, depth),
	}
}

func aggregate(book *Book, depth int) []domain.PriceLevel {
	levels := book.sortedLevels()
	if depth > 0 && len(levels) > depth {
		levels = levels[:depth]
	}
	out := make([]domain.PriceLevel, len(levels))
	for i, l := range levels {
		out[i] = domain.PriceLevel{Price: l.Price, Quantity: l.TotalVolume}
	}
	return out
}
