// Package matching implements the continuous price-time-priority
// matching engine: it pulls order-processing jobs, matches the
// incoming order against the in-memory resting book, settles every
// fill through Ledger, and emits a batch-trade job for CandleBuilder
// and Broadcaster to consume. Concurrency=1 per symbol is enforced by
// a per-symbol mutex so two worker goroutines never match the same
// book at once, even though both pull from the same shared queue.
package matching

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nikolaydubina/fpdecimal"
	"go.uber.org/zap"

	"github.com/nathanyu/stock-exchange/internal/domain"
	"github.com/nathanyu/stock-exchange/internal/ledger"
	"github.com/nathanyu/stock-exchange/internal/orderbook"
	"github.com/nathanyu/stock-exchange/internal/orderstore"
	"github.com/nathanyu/stock-exchange/internal/store"
	"github.com/nathanyu/stock-exchange/internal/submission"
	"github.com/nathanyu/stock-exchange/internal/workqueue"
	"github.com/nathanyu/stock-exchange/internal/xerrors"
)

// candidateLimit bounds how many opposing orders a single book query
// returns; the outer match loop re-fetches after making progress, so
// this only limits how much work one query does, not how much of the
// book can ultimately be matched.
const candidateLimit = 64

const maxTxnAttempts = 3

var retryBase = 100 * time.Millisecond
var retryFactor = 2.0

// Engine is the matching engine over every active symbol's book.
type Engine struct {
	ledger ledger.Ledger
	orders orderstore.Store
	queue  workqueue.Queue
	logger *zap.Logger

	booksMu sync.Mutex
	books   map[string]*orderbook.OrderBook

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New builds a matching Engine.
func New(l ledger.Ledger, os orderstore.Store, q workqueue.Queue, logger *zap.Logger) *Engine {
	return &Engine{
		ledger: l,
		orders: os,
		queue:  q,
		logger: logger,
		books:  make(map[string]*orderbook.OrderBook),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Run launches `consumers` goroutines pulling from the order-processing
// queue until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, consumers, prefetch int) error {
	if consumers <= 0 {
		consumers = 1
	}
	var wg sync.WaitGroup
	errs := make(chan error, consumers)
	for i := 0; i < consumers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.queue.Consume(ctx, workqueue.KindOrderProcessing, prefetch, e.dispatch); err != nil && ctx.Err() == nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) symbolLock(symbol string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[symbol]
	if !ok {
		l = &sync.Mutex{}
		e.locks[symbol] = l
	}
	return l
}

// bookFor returns the in-memory book for symbol, lazily rebuilding it
// from durable order state on first access — the book is a derived
// cache, never the source of truth.
func (e *Engine) bookFor(symbol string) (*orderbook.OrderBook, error) {
	e.booksMu.Lock()
	defer e.booksMu.Unlock()
	if b, ok := e.books[symbol]; ok {
		return b, nil
	}
	b := orderbook.NewOrderBook(symbol)
	resting, err := e.orders.ListOpenOrdersBySymbol(symbol)
	if err != nil {
		return nil, err
	}
	for i := range resting {
		// A PENDING order has not been matched yet; its own job rests it.
		if resting[i].Resting() && resting[i].Status != domain.StatusPending {
			o := resting[i]
			b.AddOrder(&o)
		}
	}
	e.books[symbol] = b
	return b, nil
}

// GetL2Snapshot returns an L2 snapshot for a symbol, for market-data
// queries against the live book.
func (e *Engine) GetL2Snapshot(symbol string, depth int) (domain.L2OrderBook, error) {
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()
	book, err := e.bookFor(symbol)
	if err != nil {
		return domain.L2OrderBook{}, err
	}
	return book.GetL2Snapshot(depth), nil
}

func (e *Engine) dispatch(ctx context.Context, job workqueue.Job) error {
	var payload submission.OrderProcessingPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decode order-processing payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxTxnAttempts; attempt++ {
		err := e.processOrder(ctx, job.Symbol, payload.OrderID)
		if err == nil {
			return nil
		}
		if !xerrors.Is(err, xerrors.Conflict) {
			return err
		}
		lastErr = err
		time.Sleep(workqueue.BackoffDelay(attempt, retryBase, retryFactor))
	}
	return lastErr
}

// processOrder implements the §4.4 step-by-step contract for one job.
func (e *Engine) processOrder(ctx context.Context, symbol, orderID string) error {
	lock := e.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	order, err := e.orders.GetOrder(orderID)
	if err == store.ErrNotFound {
		return nil // nothing to do, idempotent retry of a vanished order
	}
	if err != nil {
		return err
	}
	book, err := e.bookFor(symbol)
	if err != nil {
		return err
	}

	if order.Status != domain.StatusPending {
		// Not a fresh order to match: if cancellation (or a prior crash
		// mid-fill) left it resting in the live book, evict it here,
		// under this symbol's lock, rather than racing a direct
		// mutation from the cancellation path.
		if order.Status.Terminal() {
			book.CancelOrder(order.ID)
		}
		return nil
	}
	order.Status = domain.StatusOpen

	var trades []domain.Trade
	for order.Remaining() > 0 {
		candidates := book.Eligible(order.Side, order.UserID, order.LimitPrice, candidateLimit)
		if len(candidates) == 0 {
			break
		}
		progressed := false
		for _, maker := range candidates {
			if order.Remaining() == 0 {
				break
			}
			trade, err := e.fill(&order, maker, symbol)
			if err != nil {
				return err
			}
			if trade == nil {
				continue
			}
			trades = append(trades, *trade)
			book.SyncAfterFill(maker, trade.Quantity)
			if err := e.orders.SaveOrder(*maker); err != nil {
				return err
			}
			progressed = true
		}
		if !progressed {
			break
		}
	}

	if err := e.finalize(&order, book); err != nil {
		return err
	}
	if err := e.orders.SaveOrder(order); err != nil {
		return err
	}

	if len(trades) > 0 {
		if err := e.enqueueBatch(ctx, symbol, trades); err != nil {
			return err
		}
	}
	return nil
}

// fill attempts one match between the incoming order and a single
// resting candidate, applying ledger settlement and order-state
// mutation. Returns (nil, nil) when the candidate cannot be filled
// right now (defensive reserved-shares clamp to zero) rather than an
// error, so the caller moves on to the next candidate.
func (e *Engine) fill(order *domain.Order, maker *domain.Order, symbol string) (*domain.Trade, error) {
	fillQty := min(order.Remaining(), maker.Remaining())

	var buyOrder, sellOrder *domain.Order
	if order.Side == domain.SideBuy {
		buyOrder, sellOrder = order, maker
	} else {
		buyOrder, sellOrder = maker, order
	}

	// Seller-available check: only reserved shares may settle.
	pos, err := e.ledger.GetPosition(sellOrder.UserID, symbol)
	if err != nil {
		return nil, err
	}
	if pos.QtyReserved < fillQty {
		fillQty = pos.QtyReserved
	}
	if fillQty <= 0 {
		return nil, nil
	}

	price := *maker.LimitPrice // resting price always wins (§4.4.c)
	notional := price.Mul(fpdecimal.FromInt(int(fillQty)))

	if err := e.ledger.SettleCashDebit(buyOrder.UserID, notional); err != nil {
		return nil, err
	}
	if err := e.ledger.SettleShareDebit(sellOrder.UserID, symbol, fillQty); err != nil {
		return nil, err
	}
	if err := e.ledger.SettleCashCredit(sellOrder.UserID, notional); err != nil {
		return nil, err
	}
	if err := e.ledger.SettleShareCreditWithCost(buyOrder.UserID, symbol, fillQty, price); err != nil {
		return nil, err
	}

	applyFill(buyOrder, fillQty, price)
	applyFill(sellOrder, fillQty, price)

	return &domain.Trade{
		ID:          uuid.NewString(),
		BuyOrderID:  buyOrder.ID,
		SellOrderID: sellOrder.ID,
		BuyUserID:   buyOrder.UserID,
		SellUserID:  sellOrder.UserID,
		Symbol:      symbol,
		Price:       price,
		Quantity:    fillQty,
		ExecutedAt:  time.Now().UTC(),
	}, nil
}

// applyFill updates an order's filledQty, quantity-weighted
// avgFillPrice, consumedCash (buy side only), and status.
func applyFill(o *domain.Order, qty int64, price fpdecimal.Decimal) {
	priorAvg := fpdecimal.Zero
	if o.AvgFillPrice != nil {
		priorAvg = *o.AvgFillPrice
	}
	priorValue := priorAvg.Mul(fpdecimal.FromInt(int(o.FilledQty)))
	addedValue := price.Mul(fpdecimal.FromInt(int(qty)))
	newFilled := o.FilledQty + qty

	avg := priorValue.Add(addedValue).Div(fpdecimal.FromInt(int(newFilled)))
	o.AvgFillPrice = &avg
	o.FilledQty = newFilled
	if o.Side == domain.SideBuy {
		o.ConsumedCash = o.ConsumedCash.Add(addedValue)
	}
	if o.FilledQty == o.Quantity {
		o.Status = domain.StatusFilled
	} else {
		o.Status = domain.StatusPartiallyFilled
	}
}

// finalize applies step 4: a filled order is done, a residual MARKET
// order is cancelled with its reservation released, and a residual
// LIMIT order rests on the book.
func (e *Engine) finalize(order *domain.Order, book *orderbook.OrderBook) error {
	if order.Remaining() == 0 {
		order.Status = domain.StatusFilled
		return nil
	}
	if order.Method == domain.MethodMarket {
		order.Status = domain.StatusCancelled
		return e.releaseResidual(order)
	}
	if order.FilledQty > 0 {
		order.Status = domain.StatusPartiallyFilled
	} else {
		order.Status = domain.StatusOpen
	}
	book.AddOrder(order)
	return nil
}

func (e *Engine) releaseResidual(order *domain.Order) error {
	switch order.Side {
	case domain.SideBuy:
		residual := order.ReservedCash.Sub(order.ConsumedCash)
		if residual.GreaterThan(fpdecimal.Zero) {
			return e.ledger.ReleaseCash(order.UserID, residual)
		}
	case domain.SideSell:
		residual := order.Remaining()
		if residual > 0 {
			return e.ledger.ReleaseShares(order.UserID, order.Symbol, residual)
		}
	}
	return nil
}

// BatchTradePayload is the job body enqueued onto
// workqueue.KindTradeProcessing.
type BatchTradePayload struct {
	Batch domain.TradeBatch `json:"batch"`
}

func (e *Engine) enqueueBatch(ctx context.Context, symbol string, trades []domain.Trade) error {
	for _, t := range trades {
		if err := e.orders.SaveTrade(t); err != nil {
			return err
		}
	}
	var totalVolume int64
	for _, t := range trades {
		totalVolume += t.Quantity
	}
	batch := domain.TradeBatch{
		BatchID:     uuid.NewString(),
		Symbol:      symbol,
		Trades:      trades,
		TotalVolume: totalVolume,
		Timestamp:   time.Now().UTC(),
	}
	payload, err := json.Marshal(BatchTradePayload{Batch: batch})
	if err != nil {
		return err
	}
	return e.queue.Publish(ctx, workqueue.Job{
		ID:      uuid.NewString(),
		Kind:    workqueue.KindTradeProcessing,
		Symbol:  symbol,
		Payload: payload,
	})
}
