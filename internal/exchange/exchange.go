// Package exchange wires Ledger, OrderStore, Submission, WorkQueue,
// MatchingEngine, CandleBuilder, and Broadcaster together behind the
// §6 function-level API. Core is the single entry point client
// adapters (the gin HTTP handler, a CLI, a bot) call into.
package exchange

import (
	"context"

	"github.com/nikolaydubina/fpdecimal"

	"github.com/nathanyu/stock-exchange/internal/broadcaster"
	"github.com/nathanyu/stock-exchange/internal/candle"
	"github.com/nathanyu/stock-exchange/internal/domain"
	"github.com/nathanyu/stock-exchange/internal/ledger"
	"github.com/nathanyu/stock-exchange/internal/matching"
	"github.com/nathanyu/stock-exchange/internal/orderstore"
	"github.com/nathanyu/stock-exchange/internal/submission"
)

// AccountView is the getAccount result shape from §6.
type AccountView struct {
	CashTotal    fpdecimal.Decimal  `json:"cashTotal"`
	CashReserved fpdecimal.Decimal  `json:"cashReserved"`
	Positions    []domain.Position  `json:"positions"`
}

// Core is the exchange's function-level API.
type Core struct {
	Ledger     ledger.Ledger
	Orders     orderstore.Store
	Submission *submission.Service
	Matching   *matching.Engine
	Candles    *candle.Builder
	Broadcast  *broadcaster.Service
}

// New assembles a Core from its already-constructed components.
func New(l ledger.Ledger, os orderstore.Store, sub *submission.Service, eng *matching.Engine, cb *candle.Builder, bc *broadcaster.Service) *Core {
	return &Core{Ledger: l, Orders: os, Submission: sub, Matching: eng, Candles: cb, Broadcast: bc}
}

// SubmitOrder validates, reserves, and enqueues a new order.
func (c *Core) SubmitOrder(ctx context.Context, in submission.Input) (submission.Result, error) {
	return c.Submission.SubmitOrder(ctx, in)
}

// CancelOrder cancels a resting or pending order.
func (c *Core) CancelOrder(ctx context.Context, orderID, userID string) error {
	return c.Submission.CancelOrder(ctx, orderID, userID)
}

// ListMyOrders returns a user's orders, most-recent first.
func (c *Core) ListMyOrders(userID string) ([]domain.Order, error) {
	return c.Orders.ListOrdersByUser(userID)
}

// ListMyTrades returns a user's trades, oldest first.
func (c *Core) ListMyTrades(userID string) ([]domain.Trade, error) {
	return c.Orders.ListTradesByUser(userID)
}

// GetAccount returns a user's cash and share positions.
func (c *Core) GetAccount(userID string) (AccountView, error) {
	acct, err := c.Ledger.GetAccount(userID)
	if err != nil {
		return AccountView{}, err
	}
	positions, err := c.Ledger.ListPositions(userID)
	if err != nil {
		return AccountView{}, err
	}
	return AccountView{CashTotal: acct.CashTotal, CashReserved: acct.CashReserved, Positions: positions}, nil
}

// GetCandles returns the most recent candles for (symbol, period).
func (c *Core) GetCandles(symbol string, period domain.CandlePeriod, limit int) ([]domain.Candle, error) {
	return c.Candles.GetCandles(symbol, period, limit)
}

// GetL2Snapshot returns the live aggregated order book for a symbol.
func (c *Core) GetL2Snapshot(symbol string, depth int) (domain.L2OrderBook, error) {
	return c.Matching.GetL2Snapshot(symbol, depth)
}

// Subscribe returns the Broadcaster that emits priceUpdate,
// marketUpdate, tradeCompleted, and klineUpdate events. It takes no
// sink and registers none: the broadcaster emits only to the single
// sink it was constructed with at wiring time (see cmd/server).
func (c *Core) Subscribe() *broadcaster.Service {
	return c.Broadcast
}
