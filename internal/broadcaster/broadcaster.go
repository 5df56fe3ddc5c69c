// Package broadcaster coalesces per-symbol priceUpdate/marketUpdate
// requests with a trailing debounce and a hard deadline, and emits
// tradeCompleted/klineUpdate events unconditionally. The sink is a
// small pluggable interface; ChannelSink, grounded on the teacher's
// buffered-channel fan-out style, is the default implementation.
package broadcaster

import (
	"sync"
	"time"

	"github.com/nathanyu/stock-exchange/internal/domain"
)

// Sink receives every emitted event.
type Sink interface {
	Emit(domain.Event)
}

type pendingKey struct {
	Symbol string
	Kind   domain.EventKind
}

type pendingEntry struct {
	payload       any
	debounceTimer *time.Timer
	deadlineTimer *time.Timer
}

// Service is the Broadcaster component.
type Service struct {
	sink     Sink
	debounce time.Duration
	maxWait  time.Duration

	mu      sync.Mutex
	pending map[pendingKey]*pendingEntry
}

// New builds a Broadcaster emitting to sink, with the given debounce
// and max-wait durations (50ms/500ms per default config).
func New(sink Sink, debounce, maxWait time.Duration) *Service {
	return &Service{
		sink:     sink,
		debounce: debounce,
		maxWait:  maxWait,
		pending:  make(map[pendingKey]*pendingEntry),
	}
}

// PublishPrice coalesces a priceUpdate for this symbol.
func (s *Service) PublishPrice(p domain.PriceUpdatePayload) {
	s.coalesce(p.Symbol, domain.EventPriceUpdate, p)
}

// PublishMarketUpdate coalesces a marketUpdate for this symbol.
func (s *Service) PublishMarketUpdate(p domain.MarketUpdatePayload) {
	s.coalesce(p.Symbol, domain.EventMarketUpdate, p)
}

// PublishTradeCompleted emits every batch's summary uncoalesced.
func (s *Service) PublishTradeCompleted(p domain.TradeCompletedPayload) {
	s.emitNow(p.Symbol, domain.EventTradeCompleted, p)
}

// PublishKline emits every candle update uncoalesced.
func (s *Service) PublishKline(p domain.KlineUpdatePayload) {
	s.emitNow(p.Candle.Symbol, domain.EventKlineUpdate, p)
}

func (s *Service) coalesce(symbol string, kind domain.EventKind, payload any) {
	key := pendingKey{Symbol: symbol, Kind: kind}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.pending[key]
	if !exists {
		entry = &pendingEntry{}
		s.pending[key] = entry
		entry.deadlineTimer = time.AfterFunc(s.maxWait, func() { s.flush(key) })
	} else if entry.debounceTimer != nil {
		entry.debounceTimer.Stop()
	}
	entry.payload = payload
	entry.debounceTimer = time.AfterFunc(s.debounce, func() { s.flush(key) })
}

func (s *Service) flush(key pendingKey) {
	s.mu.Lock()
	entry, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.mu.Unlock()
	if !ok {
		return // already flushed by the other timer
	}
	entry.debounceTimer.Stop()
	entry.deadlineTimer.Stop()
	s.emitNow(key.Symbol, key.Kind, entry.payload)
}

func (s *Service) emitNow(symbol string, kind domain.EventKind, payload any) {
	s.sink.Emit(domain.Event{
		Kind:      kind,
		Symbol:    symbol,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// ChannelSink fans events out over a buffered channel; a full channel
// drops the event rather than blocking the publisher, matching the
// teacher's non-blocking-send convention for downstream fan-out.
type ChannelSink struct {
	events chan domain.Event
	onDrop func(domain.Event)
}

// NewChannelSink builds a ChannelSink with the given buffer size.
// onDrop, if non-nil, is invoked for events dropped because the
// channel was full.
func NewChannelSink(bufferSize int, onDrop func(domain.Event)) *ChannelSink {
	return &ChannelSink{events: make(chan domain.Event, bufferSize), onDrop: onDrop}
}

// Emit implements Sink.
func (c *ChannelSink) Emit(e domain.Event) {
	select {
	case c.events <- e:
	default:
		if c.onDrop != nil {
			c.onDrop(e)
		}
	}
}

// Events returns the channel subscribers read from.
func (c *ChannelSink) Events() <-chan domain.Event {
	return c.events
}
