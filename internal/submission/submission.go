// Package submission validates incoming orders, computes their cash or
// share reservation, atomically creates the order alongside that
// reservation, and enqueues the order-processing job. It never talks
// to MatchingEngine or CandleBuilder directly — only to Ledger,
// OrderStore, and WorkQueue, per the core's no-direct-calls rule.
package submission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nikolaydubina/fpdecimal"

	"github.com/nathanyu/stock-exchange/internal/domain"
	"github.com/nathanyu/stock-exchange/internal/ledger"
	"github.com/nathanyu/stock-exchange/internal/orderstore"
	"github.com/nathanyu/stock-exchange/internal/store"
	"github.com/nathanyu/stock-exchange/internal/workqueue"
	"github.com/nathanyu/stock-exchange/internal/xerrors"
)

// Input is the submitOrder request shape from §6.
type Input struct {
	UserID     string
	Symbol     string
	Side       domain.Side
	Method     domain.Method
	LimitPrice *fpdecimal.Decimal
	Quantity   int64
}

// Result is the submitOrder response shape: the order is accepted and
// queued, matching happens asynchronously.
type Result struct {
	OrderID string
	Status  domain.Status
}

// OrderProcessingPayload is the job body enqueued onto
// workqueue.KindOrderProcessing.
type OrderProcessingPayload struct {
	OrderID string `json:"orderId"`
}

// RiskCheck caps per-user, per-symbol submitted order quantity per day,
// carried over from the teacher's ordermanager risk check.
type RiskCheck struct {
	MaxDailyVolume int64
	// traded tracks cumulative quantity that passed the check per
	// "userID:symbol:day" bucket; it is counted before the reservation,
	// so an order later rejected for funds or shares still counts. Kept
	// in-memory: it is advisory risk control, not a ledger
	// invariant, so it resets safely on restart.
	traded map[string]int64
}

// NewRiskCheck builds a risk check with the given daily cap.
func NewRiskCheck(maxDailyVolume int64) *RiskCheck {
	return &RiskCheck{MaxDailyVolume: maxDailyVolume, traded: make(map[string]int64)}
}

func (r *RiskCheck) bucketKey(userID, symbol string, now time.Time) string {
	return userID + ":" + symbol + ":" + now.UTC().Format("2006-01-02")
}

func (r *RiskCheck) check(userID, symbol string, qty int64, now time.Time) error {
	key := r.bucketKey(userID, symbol, now)
	if r.traded[key]+qty > r.MaxDailyVolume {
		return xerrors.New(xerrors.Validation, "daily volume limit exceeded for %s on %s", userID, symbol)
	}
	r.traded[key] += qty
	return nil
}

// Service implements submitOrder and cancelOrder.
type Service struct {
	ledger ledger.Ledger
	orders orderstore.Store
	queue  workqueue.Queue
	risk   *RiskCheck
}

// New builds a submission Service.
func New(l ledger.Ledger, os orderstore.Store, q workqueue.Queue, risk *RiskCheck) *Service {
	return &Service{ledger: l, orders: os, queue: q, risk: risk}
}

func validate(in Input) error {
	if in.Quantity <= 0 {
		return xerrors.New(xerrors.Validation, "quantity must be positive")
	}
	if in.Side != domain.SideBuy && in.Side != domain.SideSell {
		return xerrors.New(xerrors.Validation, "side must be BUY or SELL")
	}
	switch in.Method {
	case domain.MethodLimit:
		if in.LimitPrice == nil || !in.LimitPrice.GreaterThan(fpdecimal.Zero) {
			return xerrors.New(xerrors.Validation, "LIMIT orders require a positive limitPrice")
		}
	case domain.MethodMarket:
		if in.LimitPrice != nil {
			return xerrors.New(xerrors.Validation, "MARKET orders must not specify limitPrice")
		}
	default:
		return xerrors.New(xerrors.Validation, "method must be LIMIT or MARKET")
	}
	if in.Symbol == "" || in.UserID == "" {
		return xerrors.New(xerrors.Validation, "userId and symbol are required")
	}
	return nil
}

// SubmitOrder validates, reserves, persists, and enqueues an order.
func (s *Service) SubmitOrder(ctx context.Context, in Input) (Result, error) {
	if err := validate(in); err != nil {
		return Result{}, err
	}
	if s.risk != nil {
		if err := s.risk.check(in.UserID, in.Symbol, in.Quantity, time.Now()); err != nil {
			return Result{}, err
		}
	}

	seq, err := s.orders.NextSeq()
	if err != nil {
		return Result{}, err
	}

	order := domain.Order{
		ID:         uuid.NewString(),
		UserID:     in.UserID,
		Symbol:     in.Symbol,
		Side:       in.Side,
		Method:     in.Method,
		LimitPrice: in.LimitPrice,
		Quantity:   in.Quantity,
		Status:     domain.StatusPending,
		CreatedAt:  time.Now().UTC(),
		SeqNo:      seq,
	}

	if err := s.reserve(&order); err != nil {
		return Result{}, err
	}

	if err := s.orders.SaveOrder(order); err != nil {
		return Result{}, err
	}

	if err := s.enqueue(ctx, order); err != nil {
		return Result{}, err
	}

	return Result{OrderID: order.ID, Status: order.Status}, nil
}

// reserve computes and applies the §4.3 reservation for a new order.
func (s *Service) reserve(order *domain.Order) error {
	switch order.Side {
	case domain.SideBuy:
		var amount fpdecimal.Decimal
		if order.Method == domain.MethodLimit {
			amount = order.LimitPrice.Mul(fpdecimal.FromInt(int(order.Quantity)))
		} else {
			acct, err := s.ledger.GetAccount(order.UserID)
			if err != nil {
				return err
			}
			amount = acct.CashAvailable()
		}
		if err := s.ledger.ReserveCash(order.UserID, amount); err != nil {
			return err
		}
		order.ReservedCash = amount
	case domain.SideSell:
		if err := s.ledger.ReserveShares(order.UserID, order.Symbol, order.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, order domain.Order) error {
	payload, err := json.Marshal(OrderProcessingPayload{OrderID: order.ID})
	if err != nil {
		return err
	}
	return s.queue.Publish(ctx, workqueue.Job{
		ID:      uuid.NewString(),
		Kind:    workqueue.KindOrderProcessing,
		Symbol:  order.Symbol,
		Payload: payload,
	})
}

// CancelOrder implements §4.3 cancel: idempotent on terminal orders,
// otherwise transitions to CANCELLED and releases the residual
// reservation.
func (s *Service) CancelOrder(ctx context.Context, orderID, userID string) error {
	order, err := s.orders.GetOrder(orderID)
	if err == store.ErrNotFound {
		return xerrors.New(xerrors.NotFound, "order %s not found", orderID)
	}
	if err != nil {
		return err
	}
	if order.UserID != userID {
		return xerrors.New(xerrors.Authorization, "order %s does not belong to %s", orderID, userID)
	}
	if order.Status.Terminal() {
		return nil
	}

	order.Status = domain.StatusCancelled
	if err := s.orders.SaveOrder(order); err != nil {
		return err
	}

	switch order.Side {
	case domain.SideBuy:
		residual := order.ReservedCash.Sub(order.ConsumedCash)
		if residual.GreaterThan(fpdecimal.Zero) {
			if err := s.ledger.ReleaseCash(order.UserID, residual); err != nil {
				return err
			}
		}
	case domain.SideSell:
		residual := order.Remaining()
		if residual > 0 {
			if err := s.ledger.ReleaseShares(order.UserID, order.Symbol, residual); err != nil {
				return err
			}
		}
	}

	// The live resting book is owned by MatchingEngine and only mutates
	// under its per-symbol lock; enqueue so it evicts this order's stale
	// book entry instead of racing a direct call into matching's state.
	return s.enqueue(ctx, order)
}
