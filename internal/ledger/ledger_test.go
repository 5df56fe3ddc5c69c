package ledger

import (
	"testing"

	"github.com/nikolaydubina/fpdecimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanyu/stock-exchange/internal/store"
	"github.com/nathanyu/stock-exchange/internal/xerrors"
)

func newTestLedger(t *testing.T) Ledger {
	t.Helper()
	st, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st)
}

func d(t *testing.T, s string) fpdecimal.Decimal {
	t.Helper()
	v, err := fpdecimal.FromString(s)
	require.NoError(t, err)
	return v
}

func TestGetAccount_DefaultsToZeroWhenAbsent(t *testing.T) {
	l := newTestLedger(t)
	a, err := l.GetAccount("alice")
	require.NoError(t, err)
	assert.True(t, a.CashTotal.Equal(fpdecimal.Zero))
	assert.True(t, a.CashReserved.Equal(fpdecimal.Zero))
}

func TestReserveCash_RejectsInsufficientFunds(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleCashCredit("alice", d(t, "100")))

	err := l.ReserveCash("alice", d(t, "150"))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.InsufficientFunds))

	a, err := l.GetAccount("alice")
	require.NoError(t, err)
	assert.True(t, a.CashReserved.Equal(fpdecimal.Zero)) // rejected reservation leaves no trace
}

func TestReserveCash_ThenReleaseCash_RoundTrips(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleCashCredit("alice", d(t, "100")))
	require.NoError(t, l.ReserveCash("alice", d(t, "40")))

	a, err := l.GetAccount("alice")
	require.NoError(t, err)
	assert.True(t, a.CashAvailable().Equal(d(t, "60")))

	require.NoError(t, l.ReleaseCash("alice", d(t, "40")))
	a, err = l.GetAccount("alice")
	require.NoError(t, err)
	assert.True(t, a.CashAvailable().Equal(d(t, "100")))
	assert.True(t, a.CashReserved.Equal(fpdecimal.Zero))
}

func TestReleaseCash_ClampsToCurrentReservation(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleCashCredit("alice", d(t, "100")))
	require.NoError(t, l.ReserveCash("alice", d(t, "40")))

	// Releasing more than reserved must clamp, not go negative.
	require.NoError(t, l.ReleaseCash("alice", d(t, "1000")))
	a, err := l.GetAccount("alice")
	require.NoError(t, err)
	assert.True(t, a.CashReserved.Equal(fpdecimal.Zero))
}

func TestSettleCashDebit_DecrementsReservedAndTotal(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleCashCredit("alice", d(t, "100")))
	require.NoError(t, l.ReserveCash("alice", d(t, "100")))

	require.NoError(t, l.SettleCashDebit("alice", d(t, "60")))
	a, err := l.GetAccount("alice")
	require.NoError(t, err)
	assert.True(t, a.CashTotal.Equal(d(t, "40")))
	assert.True(t, a.CashReserved.Equal(d(t, "40")))
}

func TestSettleCashDebit_RejectsGoingNegative(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleCashCredit("alice", d(t, "50")))
	require.NoError(t, l.ReserveCash("alice", d(t, "50")))

	err := l.SettleCashDebit("alice", d(t, "100"))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Invariant))
}

func TestReserveShares_RejectsInsufficientShares(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleShareCreditWithCost("bob", "AAPL", 100, d(t, "10")))

	err := l.ReserveShares("bob", "AAPL", 150)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.InsufficientShares))
}

func TestSettleShareDebit_TombstonesEmptyPosition(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleShareCreditWithCost("bob", "AAPL", 100, d(t, "10")))
	require.NoError(t, l.ReserveShares("bob", "AAPL", 100))
	require.NoError(t, l.SettleShareDebit("bob", "AAPL", 100))

	positions, err := l.ListPositions("bob")
	require.NoError(t, err)
	assert.Empty(t, positions) // empty position rows are excluded from listing
}

func TestSettleShareCreditWithCost_WeightedAverage(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleShareCreditWithCost("bob", "AAPL", 100, d(t, "10")))
	require.NoError(t, l.SettleShareCreditWithCost("bob", "AAPL", 100, d(t, "20")))

	pos, err := l.GetPosition("bob", "AAPL")
	require.NoError(t, err)
	assert.Equal(t, int64(200), pos.QtyTotal)
	assert.True(t, pos.AvgCost.Equal(d(t, "15"))) // (100*10 + 100*20) / 200
}

func TestQuarantine_BlocksFurtherReservations(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleCashCredit("alice", d(t, "100")))

	err := l.Quarantine("alice", xerrors.New(xerrors.Invariant, "ledger drifted"))
	require.Error(t, err)

	err = l.ReserveCash("alice", d(t, "1"))
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Invariant))
}

func TestQuarantine_BlocksShareReservationsToo(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.SettleShareCreditWithCost("bob", "AAPL", 100, d(t, "10")))

	err := l.Quarantine("bob", xerrors.New(xerrors.Invariant, "ledger drifted"))
	require.Error(t, err)

	err = l.ReserveShares("bob", "AAPL", 1)
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, xerrors.Invariant))
}
