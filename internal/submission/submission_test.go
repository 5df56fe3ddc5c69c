package submission

import (
	"context"
	"testing"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/stock-exchange/internal/domain"
	"github.com/nathanyu/stock-exchange/internal/ledger"
	"github.com/nathanyu/stock-exchange/internal/orderstore"
	"github.com/nathanyu/stock-exchange/internal/store"
	"github.com/nathanyu/stock-exchange/internal/workqueue"
	"github.com/nathanyu/stock-exchange/internal/xerrors"
)

type fakeQueue struct {
	published []workqueue.Job
}

func (f *fakeQueue) Publish(ctx context.Context, job workqueue.Job) error {
	f.published = append(f.published, job)
	return nil
}
func (f *fakeQueue) Consume(ctx context.Context, kind workqueue.Kind, prefetch int, h workqueue.Handler) error {
	return nil
}
func (f *fakeQueue) Close() error { return nil }

func d(t *testing.T, s string) fpdecimal.Decimal {
	t.Helper()
	v, err := fpdecimal.FromString(s)
	require.NoError(t, err)
	return v
}

type testService struct {
	svc    *Service
	ledger ledger.Ledger
	orders orderstore.Store
	queue  *fakeQueue
}

func newTestService(t *testing.T, maxDailyVolume int64) *testService {
	t.Helper()
	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	l := ledger.New(st)
	os := orderstore.New(st)
	q := &fakeQueue{}
	risk := NewRiskCheck(maxDailyVolume)
	svc := New(l, os, q, risk)
	return &testService{svc: svc, ledger: l, orders: os, queue: q}
}

func TestSubmitOrder_RejectsNonPositiveQuantity(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	price := d(t, "10")
	_, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodLimit,
		LimitPrice: &price, Quantity: 0,
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Validation))
}

func TestSubmitOrder_LimitRequiresPositivePrice(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	_, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodLimit,
		Quantity: 10,
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Validation))
}

func TestSubmitOrder_MarketMustNotSpecifyPrice(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	price := d(t, "10")
	_, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodMarket,
		LimitPrice: &price, Quantity: 10,
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Validation))
}

func TestSubmitOrder_BuyLimit_ReservesPriceTimesQuantity(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	require.NoError(t, ts.ledger.SettleCashCredit("alice", d(t, "1000")))

	price := d(t, "10")
	result, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodLimit,
		LimitPrice: &price, Quantity: 50,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, result.Status)

	acct, err := ts.ledger.GetAccount("alice")
	require.NoError(t, err)
	assert.True(t, acct.CashReserved.Equal(d(t, "500"))) // 10 * 50

	order, err := ts.orders.GetOrder(result.OrderID)
	require.NoError(t, err)
	assert.True(t, order.ReservedCash.Equal(d(t, "500")))

	require.Len(t, ts.queue.published, 1)
	assert.Equal(t, workqueue.KindOrderProcessing, ts.queue.published[0].Kind)
}

func TestSubmitOrder_BuyMarket_ReservesFullCashAvailable(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	require.NoError(t, ts.ledger.SettleCashCredit("alice", d(t, "250")))

	result, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodMarket,
		Quantity: 50,
	})
	require.NoError(t, err)

	order, err := ts.orders.GetOrder(result.OrderID)
	require.NoError(t, err)
	assert.True(t, order.ReservedCash.Equal(d(t, "250")))
}

func TestSubmitOrder_Sell_ReservesShares(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	require.NoError(t, ts.ledger.SettleShareCreditWithCost("bob", "AAPL", 100, d(t, "5")))

	price := d(t, "12")
	_, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "bob", Symbol: "AAPL", Side: domain.SideSell, Method: domain.MethodLimit,
		LimitPrice: &price, Quantity: 40,
	})
	require.NoError(t, err)

	pos, err := ts.ledger.GetPosition("bob", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(40), pos.QtyReserved)
}

func TestSubmitOrder_Sell_InsufficientSharesRejected(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	require.NoError(t, ts.ledger.SettleShareCreditWithCost("bob", "AAPL", 10, d(t, "5")))

	price := d(t, "12")
	_, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "bob", Symbol: "AAPL", Side: domain.SideSell, Method: domain.MethodLimit,
		LimitPrice: &price, Quantity: 40,
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.InsufficientShares))
	require.Empty(t, ts.queue.published) // rejected before enqueue
}

func TestSubmitOrder_RiskCheck_RejectsOverDailyCap(t *testing.T) {
	ts := newTestService(t, 100)
	require.NoError(t, ts.ledger.SettleCashCredit("alice", d(t, "100000")))

	price := d(t, "1")
	_, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodLimit,
		LimitPrice: &price, Quantity: 60,
	})
	require.NoError(t, err)

	_, err = ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodLimit,
		LimitPrice: &price, Quantity: 60,
	})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Validation))
}

func TestCancelOrder_ReleasesResidualBuyReservation(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	require.NoError(t, ts.ledger.SettleCashCredit("alice", d(t, "1000")))

	price := d(t, "10")
	result, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodLimit,
		LimitPrice: &price, Quantity: 50,
	})
	require.NoError(t, err)

	require.NoError(t, ts.svc.CancelOrder(context.Background(), result.OrderID, "alice"))

	acct, err := ts.ledger.GetAccount("alice")
	require.NoError(t, err)
	assert.True(t, acct.CashReserved.Equal(fpdecimal.Zero))

	order, err := ts.orders.GetOrder(result.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, order.Status)
}

func TestCancelOrder_RejectsWrongOwner(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	require.NoError(t, ts.ledger.SettleCashCredit("alice", d(t, "1000")))

	price := d(t, "10")
	result, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodLimit,
		LimitPrice: &price, Quantity: 50,
	})
	require.NoError(t, err)

	err = ts.svc.CancelOrder(context.Background(), result.OrderID, "mallory")
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Authorization))
}

func TestCancelOrder_NotFound(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	err := ts.svc.CancelOrder(context.Background(), "nonexistent", "alice")
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.NotFound))
}

func TestCancelOrder_IdempotentOnTerminalOrder(t *testing.T) {
	ts := newTestService(t, 1_000_000)
	require.NoError(t, ts.ledger.SettleCashCredit("alice", d(t, "1000")))

	price := d(t, "10")
	result, err := ts.svc.SubmitOrder(context.Background(), Input{
		UserID: "alice", Symbol: "AAPL", Side: domain.SideBuy, Method: domain.MethodLimit,
		LimitPrice: &price, Quantity: 50,
	})
	require.NoError(t, err)

	require.NoError(t, ts.svc.CancelOrder(context.Background(), result.OrderID, "alice"))
	// Cancelling again must be a silent no-op, not a double release.
	require.NoError(t, ts.svc.CancelOrder(context.Background(), result.OrderID, "alice"))

	acct, err := ts.ledger.GetAccount("alice")
	require.NoError(t, err)
	assert.True(t, acct.CashReserved.Equal(fpdecimal.Zero))
}
