// Package strategy holds the signal plumbing. Decision logic itself lives
// outside this bot; the momentum example exists so the wiring stays honest.
package strategy

import (
	"time"

	"tradebot/internal/marketdata"
)

// Action of a signal.
type Action string

const (
	Hold Action = "HOLD"
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// Signal is one strategy decision.
type Signal struct {
	Symbol  string
	Action  Action
	Price   float64
	Delayed bool
	At      time.Time
}

// Momentum is a toy reference strategy: compares the current last price to
// the previously observed one.
type Momentum struct {
	md   *marketdata.Normalizer
	last map[string]float64
}

func NewMomentum(md *marketdata.Normalizer) *Momentum {
	return &Momentum{md: md, last: make(map[string]float64)}
}

// Evaluate emits a signal for symbol based on price direction since the
// previous call.
func (m *Momentum) Evaluate(symbol string, timeout time.Duration) (Signal, error) {
	price, err := m.md.LastPrice(symbol, timeout, true)
	if err != nil {
		return Signal{}, err
	}

	sig := Signal{Symbol: symbol, Action: Hold, Price: price.Value, Delayed: price.Delayed, At: time.Now()}
	if prev, ok := m.last[symbol]; ok {
		switch {
		case price.Value > prev:
			sig.Action = Buy
		case price.Value < prev:
			sig.Action = Sell
		}
	}
	m.last[symbol] = price.Value
	return sig, nil
}
