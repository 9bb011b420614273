// Package marketdata turns the gateway's raw tick stream into per-symbol
// quote state, including the delayed-data fallback when the account lacks a
// real-time entitlement.
package marketdata

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradebot/pkg/gateway"
)

var ErrNoPrice = errors.New("marketdata: no price available")

// Feed is the slice of the gateway session the normalizer needs.
type Feed interface {
	NextID() (int64, error)
	Send(req gateway.Request) error
}

// Quote is the accumulated state of one market-data subscription. Snapshots
// returned to callers are copies; the normalizer never shares its internals.
type Quote struct {
	Symbol     string
	RequestID  int64
	Bid        float64
	Ask        float64
	Last       float64
	HasBid     bool
	HasAsk     bool
	HasLast    bool
	Volume     float64
	Delayed    bool
	LastUpdate time.Time
	Errors     []string
}

// Price is a point-in-time last price with its provenance.
type Price struct {
	Value   float64
	Delayed bool
}

type sub struct {
	symbol        string
	quote         Quote
	params        map[string]any
	acceptDelayed bool
}

// Normalizer owns the subscription table. All state lives behind one mutex;
// the gateway delivery goroutine writes, callers read snapshots.
// acceptDelayed is the default for new subscriptions and is fixed at
// construction; each subscription carries its own flag so one caller's
// preference never leaks into another's fallback behavior.
type Normalizer struct {
	feed          Feed
	fields        *FieldMap
	acceptDelayed bool

	mu       sync.Mutex
	subs     map[int64]*sub
	bySymbol map[string]int64
}

func New(feed Feed, fields *FieldMap, acceptDelayed bool) *Normalizer {
	if fields == nil {
		fields = DefaultFieldMap()
	}
	return &Normalizer{
		feed:          feed,
		fields:        fields,
		acceptDelayed: acceptDelayed,
		subs:          make(map[int64]*sub),
		bySymbol:      make(map[string]int64),
	}
}

// Subscribe starts streaming market data for symbol, reusing an existing
// subscription when one is live. Returns the request id.
func (n *Normalizer) Subscribe(symbol string) (int64, error) {
	return n.subscribe(symbol, n.acceptDelayed)
}

func (n *Normalizer) subscribe(symbol string, acceptDelayed bool) (int64, error) {
	n.mu.Lock()
	if id, ok := n.bySymbol[symbol]; ok {
		n.mu.Unlock()
		return id, nil
	}
	n.mu.Unlock()

	id, err := n.feed.NextID()
	if err != nil {
		return 0, err
	}
	params := map[string]any{"symbol": symbol}

	n.mu.Lock()
	n.subs[id] = &sub{
		symbol:        symbol,
		quote:         Quote{Symbol: symbol, RequestID: id},
		params:        params,
		acceptDelayed: acceptDelayed,
	}
	n.bySymbol[symbol] = id
	n.mu.Unlock()

	// Send outside the lock: tick callbacks can arrive before Send returns.
	if err := n.feed.Send(gateway.Request{ID: id, Kind: gateway.KindSubscribeMarketData, Params: params}); err != nil {
		n.mu.Lock()
		delete(n.subs, id)
		delete(n.bySymbol, symbol)
		n.mu.Unlock()
		return 0, fmt.Errorf("marketdata: subscribe %s: %w", symbol, err)
	}
	return id, nil
}

// Cancel stops the subscription for symbol.
func (n *Normalizer) Cancel(symbol string) error {
	n.mu.Lock()
	id, ok := n.bySymbol[symbol]
	if !ok {
		n.mu.Unlock()
		return nil
	}
	delete(n.bySymbol, symbol)
	delete(n.subs, id)
	n.mu.Unlock()

	return n.feed.Send(gateway.Request{ID: id, Kind: gateway.KindCancelMarketData})
}

// Quote returns a snapshot of the symbol's accumulated quote state.
func (n *Normalizer) Quote(symbol string) (Quote, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id, ok := n.bySymbol[symbol]
	if !ok {
		return Quote{}, false
	}
	return snapshot(n.subs[id]), true
}

// Symbols lists the actively subscribed symbols.
func (n *Normalizer) Symbols() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.bySymbol))
	for s := range n.bySymbol {
		out = append(out, s)
	}
	return out
}

func snapshot(s *sub) Quote {
	q := s.quote
	q.Errors = append([]string(nil), s.quote.Errors...)
	return q
}

// OnTickPrice ingests one price tick. A delayed field code on the first
// price observation latches the quote's delayed flag.
func (n *Normalizer) OnTickPrice(id int64, field int, price float64, at time.Time) {
	if price < 0 {
		// The gateway uses negative prices as "no data" markers.
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.subs[id]
	if !ok {
		return
	}

	kind, delayed := n.fields.Classify(field)
	if delayed && !s.quote.HasLast {
		if !s.quote.Delayed {
			log.Printf("marketdata: receiving delayed data for %s", s.symbol)
		}
		s.quote.Delayed = true
	}

	switch kind {
	case TickBid:
		s.quote.Bid = price
		s.quote.HasBid = true
	case TickAsk:
		s.quote.Ask = price
		s.quote.HasAsk = true
	case TickLast:
		s.quote.Last = price
		s.quote.HasLast = true
	default:
		return
	}
	s.quote.LastUpdate = at
}

// OnTickSize ingests one size tick; only volume is tracked.
func (n *Normalizer) OnTickSize(id int64, field int, size float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s, ok := n.subs[id]
	if !ok {
		return
	}
	if kind, _ := n.fields.Classify(field); kind == TickVolume {
		s.quote.Volume = size
		s.quote.LastUpdate = time.Now()
	}
}

// OnFeedError handles the gateway error stream for market-data requests.
// The no-entitlement refusal downgrades the subscription to delayed data by
// switching the market data type and re-issuing the same request id; every
// other error is recorded on the quote.
func (n *Normalizer) OnFeedError(ev gateway.ErrorEvent) {
	n.mu.Lock()
	s, ok := n.subs[ev.RequestID]
	if !ok {
		n.mu.Unlock()
		return
	}

	if !ev.DelayedAvailable() {
		s.quote.Errors = append(s.quote.Errors, fmt.Sprintf("%d: %s", ev.Code, ev.Message))
		n.mu.Unlock()
		log.Printf("marketdata: feed error for %s (req %d): %d %s", s.symbol, ev.RequestID, ev.Code, ev.Message)
		return
	}

	if !s.acceptDelayed {
		s.quote.Errors = append(s.quote.Errors, fmt.Sprintf("%d: %s", ev.Code, ev.Message))
		n.mu.Unlock()
		log.Printf("marketdata: delayed data offered for %s but not accepted", s.symbol)
		return
	}

	s.quote.Delayed = true
	symbol := s.symbol
	params := s.params
	n.mu.Unlock()

	log.Printf("marketdata: switching to delayed data for %s (req %d)", symbol, ev.RequestID)
	if err := n.feed.Send(gateway.Request{Kind: gateway.KindMarketDataType,
		Params: map[string]any{"type": gateway.MarketDataDelayed}}); err != nil {
		log.Printf("marketdata: set delayed data type: %v", err)
		return
	}
	if err := n.feed.Send(gateway.Request{ID: ev.RequestID, Kind: gateway.KindSubscribeMarketData, Params: params}); err != nil {
		log.Printf("marketdata: re-subscribe %s: %v", symbol, err)
	}
}

// LastPrice fetches the current last price for symbol, waiting up to timeout
// for a tick. An existing subscription answers immediately; otherwise a
// temporary subscription is opened, polled, and torn down. Delayed prices
// satisfy the call only when acceptDelayed is set.
func (n *Normalizer) LastPrice(symbol string, timeout time.Duration, acceptDelayed bool) (Price, error) {
	usable := func(q Quote) bool {
		return q.HasLast && (acceptDelayed || !q.Delayed)
	}

	if q, ok := n.Quote(symbol); ok && usable(q) {
		return Price{Value: q.Last, Delayed: q.Delayed}, nil
	}

	n.mu.Lock()
	_, existed := n.bySymbol[symbol]
	n.mu.Unlock()

	if _, err := n.subscribe(symbol, acceptDelayed); err != nil {
		return Price{}, err
	}
	if !existed {
		defer func() {
			if err := n.Cancel(symbol); err != nil {
				log.Printf("marketdata: cancel %s: %v", symbol, err)
			}
		}()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if q, ok := n.Quote(symbol); ok && usable(q) {
			if q.Delayed {
				log.Printf("marketdata: using delayed price for %s: %.4f", symbol, q.Last)
			}
			return Price{Value: q.Last, Delayed: q.Delayed}, nil
		}
	}
	return Price{}, fmt.Errorf("%w: %s after %s", ErrNoPrice, symbol, timeout)
}
