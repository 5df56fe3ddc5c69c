// Package ledger is the leaf component of the exchange core: accounts
// (cash) and positions (shares), with atomic reserve/release/settle
// primitives. Ledger depends on nothing else in the core; every higher
// component consumes it through the Ledger interface.
package ledger

import (
	"fmt"

	"github.com/nikolaydubina/fpdecimal"

	"github.com/nathanyu/stock-exchange/internal/domain"
	"github.com/nathanyu/stock-exchange/internal/store"
	"github.com/nathanyu/stock-exchange/internal/xerrors"
)

// Ledger is the small interface every higher component consumes —
// Submission, MatchingEngine, and the cancellation path never call each
// other, they only ever call Ledger.
type Ledger interface {
	GetAccount(userID string) (domain.Account, error)
	GetPosition(userID, symbol string) (domain.Position, error)
	ListPositions(userID string) ([]domain.Position, error)

	ReserveCash(userID string, amount fpdecimal.Decimal) error
	ReleaseCash(userID string, amount fpdecimal.Decimal) error
	SettleCashDebit(userID string, amount fpdecimal.Decimal) error
	SettleCashCredit(userID string, amount fpdecimal.Decimal) error

	ReserveShares(userID, symbol string, qty int64) error
	ReleaseShares(userID, symbol string, qty int64) error
	SettleShareDebit(userID, symbol string, qty int64) error
	SettleShareCreditWithCost(userID, symbol string, qty int64, price fpdecimal.Decimal) error

	Quarantine(userID string, reason error) error
}

type svc struct {
	st *store.Store
}

// New builds a Ledger backed by st.
func New(st *store.Store) Ledger {
	return &svc{st: st}
}

func accountKey(userID string) string { return "account:" + userID }
func positionKey(userID, symbol string) string { return "position:" + userID + ":" + symbol }
func positionPrefix(userID string) string { return "position:" + userID + ":" }

func (s *svc) GetAccount(userID string) (domain.Account, error) {
	var a domain.Account
	err := s.st.Get(accountKey(userID), &a)
	if err == store.ErrNotFound {
		return domain.Account{UserID: userID, CashTotal: fpdecimal.Zero, CashReserved: fpdecimal.Zero}, nil
	}
	return a, err
}

func (s *svc) GetPosition(userID, symbol string) (domain.Position, error) {
	var p domain.Position
	err := s.st.Get(positionKey(userID, symbol), &p)
	if err == store.ErrNotFound {
		return domain.Position{UserID: userID, Symbol: symbol, AvgCost: fpdecimal.Zero}, nil
	}
	return p, err
}

func (s *svc) ListPositions(userID string) ([]domain.Position, error) {
	var out []domain.Position
	err := store.Scan(s.st, positionPrefix(userID), func() domain.Position { return domain.Position{} },
		func(_ string, p domain.Position) bool {
			if !p.Empty() {
				out = append(out, p)
			}
			return true
		})
	return out, err
}

// ReserveCash requires cashAvailable >= amount; increments cashReserved.
func (s *svc) ReserveCash(userID string, amount fpdecimal.Decimal) error {
	return s.st.WithLock(accountKey(userID), func() error {
		a, err := s.GetAccount(userID)
		if err != nil {
			return err
		}
		if a.Quarantined {
			return xerrors.New(xerrors.Invariant, "account %s is quarantined", userID)
		}
		if a.CashAvailable().LessThan(amount) {
			return xerrors.New(xerrors.InsufficientFunds, "user %s: need %s, available %s", userID, amount.String(), a.CashAvailable().String())
		}
		a.CashReserved = a.CashReserved.Add(amount)
		return s.putAccountChecked(a)
	})
}

// ReleaseCash decrements cashReserved by amount. An amount above the
// current reservation is not rejected; the release is clamped to
// cashReserved.
func (s *svc) ReleaseCash(userID string, amount fpdecimal.Decimal) error {
	return s.st.WithLock(accountKey(userID), func() error {
		a, err := s.GetAccount(userID)
		if err != nil {
			return err
		}
		if a.CashReserved.LessThan(amount) {
			amount = a.CashReserved // clamp to current reservation, per spec cancellation safety floor
		}
		a.CashReserved = a.CashReserved.Sub(amount)
		return s.putAccountChecked(a)
	})
}

// SettleCashDebit decrements both cashReserved and cashTotal by amount.
func (s *svc) SettleCashDebit(userID string, amount fpdecimal.Decimal) error {
	return s.st.WithLock(accountKey(userID), func() error {
		a, err := s.GetAccount(userID)
		if err != nil {
			return err
		}
		if a.CashReserved.LessThan(amount) || a.CashTotal.LessThan(amount) {
			return xerrors.New(xerrors.Invariant, "settleCashDebit would go negative for %s", userID)
		}
		a.CashReserved = a.CashReserved.Sub(amount)
		a.CashTotal = a.CashTotal.Sub(amount)
		return s.putAccountChecked(a)
	})
}

// SettleCashCredit increments cashTotal.
func (s *svc) SettleCashCredit(userID string, amount fpdecimal.Decimal) error {
	return s.st.WithLock(accountKey(userID), func() error {
		a, err := s.GetAccount(userID)
		if err != nil {
			return err
		}
		a.CashTotal = a.CashTotal.Add(amount)
		return s.putAccountChecked(a)
	})
}

func (s *svc) putAccountChecked(a domain.Account) error {
	if a.CashTotal.LessThan(fpdecimal.Zero) || a.CashReserved.LessThan(fpdecimal.Zero) || a.CashReserved.GreaterThan(a.CashTotal) {
		return xerrors.New(xerrors.Invariant, "negative or inconsistent cash for %s", a.UserID)
	}
	return s.st.Put(accountKey(a.UserID), a)
}

// ReserveShares requires qtyAvailable >= qty; increments qtyReserved.
func (s *svc) ReserveShares(userID, symbol string, qty int64) error {
	return s.st.WithLock(positionKey(userID, symbol), func() error {
		a, err := s.GetAccount(userID)
		if err != nil {
			return err
		}
		if a.Quarantined {
			return xerrors.New(xerrors.Invariant, "account %s is quarantined", userID)
		}
		p, err := s.GetPosition(userID, symbol)
		if err != nil {
			return err
		}
		if p.QtyAvailable() < qty {
			return xerrors.New(xerrors.InsufficientShares, "user %s: need %d %s, available %d", userID, qty, symbol, p.QtyAvailable())
		}
		p.QtyReserved += qty
		return s.putPositionChecked(p)
	})
}

// ReleaseShares decrements qtyReserved, clamped to the current
// reservation.
func (s *svc) ReleaseShares(userID, symbol string, qty int64) error {
	return s.st.WithLock(positionKey(userID, symbol), func() error {
		p, err := s.GetPosition(userID, symbol)
		if err != nil {
			return err
		}
		if qty > p.QtyReserved {
			qty = p.QtyReserved
		}
		p.QtyReserved -= qty
		return s.putPositionChecked(p)
	})
}

// SettleShareDebit decrements both qtyReserved and qtyTotal; deletes the
// row when both reach zero.
func (s *svc) SettleShareDebit(userID, symbol string, qty int64) error {
	return s.st.WithLock(positionKey(userID, symbol), func() error {
		p, err := s.GetPosition(userID, symbol)
		if err != nil {
			return err
		}
		if p.QtyReserved < qty || p.QtyTotal < qty {
			return xerrors.New(xerrors.Invariant, "settleShareDebit would go negative for %s/%s", userID, symbol)
		}
		p.QtyReserved -= qty
		p.QtyTotal -= qty
		if p.Empty() {
			b := s.st.NewBatch()
			if err := b.Delete(positionKey(userID, symbol)); err != nil {
				return err
			}
			return b.Commit() // deleted; next read treats it as a fresh row
		}
		return s.putPositionChecked(p)
	})
}

// SettleShareCreditWithCost increments qtyTotal and updates avgCost as
// the quantity-weighted mean of the prior basis and (qty * price).
func (s *svc) SettleShareCreditWithCost(userID, symbol string, qty int64, price fpdecimal.Decimal) error {
	return s.st.WithLock(positionKey(userID, symbol), func() error {
		p, err := s.GetPosition(userID, symbol)
		if err != nil {
			return err
		}
		priorValue := p.AvgCost.Mul(fpdecimal.FromInt(int(p.QtyTotal)))
		addedValue := price.Mul(fpdecimal.FromInt(int(qty)))
		newTotal := p.QtyTotal + qty
		if newTotal > 0 {
			p.AvgCost = priorValue.Add(addedValue).Div(fpdecimal.FromInt(int(newTotal)))
		}
		p.QtyTotal = newTotal
		return s.putPositionChecked(p)
	})
}

func (s *svc) putPositionChecked(p domain.Position) error {
	if p.QtyTotal < 0 || p.QtyReserved < 0 || p.QtyReserved > p.QtyTotal {
		return xerrors.New(xerrors.Invariant, "negative or inconsistent position for %s/%s", p.UserID, p.Symbol)
	}
	return s.st.Put(positionKey(p.UserID, p.Symbol), p)
}

// Quarantine flags the account so further reservations are rejected
// until an operator clears it. This is the §9 Open Question resolution:
// surface a critical error and quarantine, never halt the process.
func (s *svc) Quarantine(userID string, reason error) error {
	return s.st.WithLock(accountKey(userID), func() error {
		a, err := s.GetAccount(userID)
		if err != nil {
			return err
		}
		a.Quarantined = true
		if err := s.st.Put(accountKey(userID), a); err != nil {
			return err
		}
		return fmt.Errorf("account %s quarantined: %w", userID, reason)
	})
}
