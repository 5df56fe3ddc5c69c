// Package orderstore is the durable home for orders and trades: the
// rest of the core reaches the live, in-memory resting book through
// internal/orderbook (owned per-symbol by the matching engine), but the
// order and trade records themselves — the things submitOrder,
// listMyOrders, and listMyTrades answer from — live here.
package orderstore

import (
	"sort"

	"github.com/nathanyu/stock-exchange/internal/domain"
	"github.com/nathanyu/stock-exchange/internal/store"
)

// Store is the persistence contract the rest of the core depends on.
type Store interface {
	SaveOrder(o domain.Order) error
	GetOrder(id string) (domain.Order, error)
	ListOrdersByUser(userID string) ([]domain.Order, error)
	ListOpenOrdersBySymbol(symbol string) ([]domain.Order, error)

	SaveTrade(t domain.Trade) error
	ListTradesByUser(userID string) ([]domain.Trade, error)
	ListTradesBySymbol(symbol string, limit int) ([]domain.Trade, error)

	// NextSeq returns a process-wide monotonic sequence number used to
	// tiebreak price-time priority when two orders share a timestamp.
	NextSeq() (uint64, error)
}

type svc struct {
	st *store.Store
}

// New builds a Store backed by st.
func New(st *store.Store) Store {
	return &svc{st: st}
}

func orderKey(id string) string                 { return "order:" + id }
func orderUserIdxKey(userID, id string) string  { return "orderidx:" + userID + ":" + id }
func orderUserIdxPrefix(userID string) string   { return "orderidx:" + userID + ":" }
func tradeKey(id string) string                 { return "trade:" + id }
func tradeUserIdxKey(userID, id string) string  { return "tradeidx:" + userID + ":" + id }
func tradeUserIdxPrefix(userID string) string   { return "tradeidx:" + userID + ":" }
func seqKey() string                            { return "seq:order" }

type userIndexEntry struct {
	RefID string
}

// SaveOrder writes the order record and, on first save, its per-user
// index entry. Both writes commit in a single atomic batch.
func (s *svc) SaveOrder(o domain.Order) error {
	b := s.st.NewBatch()
	if err := b.Set(orderKey(o.ID), o); err != nil {
		return err
	}
	if err := b.Set(orderUserIdxKey(o.UserID, o.ID), userIndexEntry{RefID: o.ID}); err != nil {
		return err
	}
	return b.Commit()
}

func (s *svc) GetOrder(id string) (domain.Order, error) {
	var o domain.Order
	err := s.st.Get(orderKey(id), &o)
	return o, err
}

func (s *svc) ListOrdersByUser(userID string) ([]domain.Order, error) {
	var ids []string
	err := store.Scan(s.st, orderUserIdxPrefix(userID), func() userIndexEntry { return userIndexEntry{} },
		func(_ string, e userIndexEntry) bool {
			ids = append(ids, e.RefID)
			return true
		})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		o, err := s.GetOrder(id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNo > out[j].SeqNo }) // most-recent first
	return out, nil
}

// ListOpenOrdersBySymbol scans every order record for non-terminal
// orders on symbol, ordered by SeqNo. Used only when the matching
// engine first builds a symbol's in-memory orderbook from durable
// state, so a full scan is acceptable.
func (s *svc) ListOpenOrdersBySymbol(symbol string) ([]domain.Order, error) {
	var out []domain.Order
	err := store.Scan(s.st, "order:", func() domain.Order { return domain.Order{} },
		func(_ string, o domain.Order) bool {
			if o.Symbol == symbol && !o.Status.Terminal() {
				out = append(out, o)
			}
			return true
		})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNo < out[j].SeqNo })
	return out, nil
}

func (s *svc) SaveTrade(t domain.Trade) error {
	b := s.st.NewBatch()
	if err := b.Set(tradeKey(t.ID), t); err != nil {
		return err
	}
	if err := b.Set(tradeUserIdxKey(t.BuyUserID, t.ID), userIndexEntry{RefID: t.ID}); err != nil {
		return err
	}
	if err := b.Set(tradeUserIdxKey(t.SellUserID, t.ID), userIndexEntry{RefID: t.ID}); err != nil {
		return err
	}
	return b.Commit()
}

func (s *svc) ListTradesByUser(userID string) ([]domain.Trade, error) {
	var ids []string
	err := store.Scan(s.st, tradeUserIdxPrefix(userID), func() userIndexEntry { return userIndexEntry{} },
		func(_ string, e userIndexEntry) bool {
			ids = append(ids, e.RefID)
			return true
		})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Trade, 0, len(ids))
	for _, id := range ids {
		var t domain.Trade
		if err := s.st.Get(tradeKey(id), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	return out, nil
}

func (s *svc) ListTradesBySymbol(symbol string, limit int) ([]domain.Trade, error) {
	var out []domain.Trade
	err := store.Scan(s.st, "trade:", func() domain.Trade { return domain.Trade{} },
		func(_ string, t domain.Trade) bool {
			if t.Symbol == symbol {
				out = append(out, t)
			}
			return true
		})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type seqCounter struct {
	Value uint64
}

func (s *svc) NextSeq() (uint64, error) {
	var next uint64
	err := s.st.WithLock(seqKey(), func() error {
		var c seqCounter
		err := s.st.Get(seqKey(), &c)
		if err != nil && err != store.ErrNotFound {
			return err
		}
		c.Value++
		next = c.Value
		return s.st.Put(seqKey(), c)
	})
	return next, err
}
