package orders

import (
	"errors"
	"fmt"
	"strings"
)

// Side of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Order types.
const (
	TypeMarket = "MKT"
	TypeLimit  = "LMT"
	TypeStop   = "STP"
)

var (
	ErrBadQuantity = errors.New("orders: quantity must be positive")
	ErrBadPrice    = errors.New("orders: price must be positive")
	ErrBadSide     = errors.New("orders: side must be BUY or SELL")
)

// OrderSpec describes an order to submit.
type OrderSpec struct {
	Symbol     string
	Side       Side
	Quantity   float64
	Type       string
	LimitPrice float64
	StopPrice  float64
	TIF        string
}

func validate(symbol string, side Side, qty float64) error {
	if strings.TrimSpace(symbol) == "" {
		return errors.New("orders: symbol is empty")
	}
	if side != Buy && side != Sell {
		return fmt.Errorf("%w: %q", ErrBadSide, side)
	}
	if qty <= 0 {
		return fmt.Errorf("%w: %v", ErrBadQuantity, qty)
	}
	return nil
}

// MarketOrder builds a market order.
func MarketOrder(symbol string, side Side, qty float64) (OrderSpec, error) {
	if err := validate(symbol, side, qty); err != nil {
		return OrderSpec{}, err
	}
	return OrderSpec{Symbol: symbol, Side: side, Quantity: qty, Type: TypeMarket, TIF: "DAY"}, nil
}

// LimitOrder builds a limit order at limitPrice.
func LimitOrder(symbol string, side Side, qty, limitPrice float64) (OrderSpec, error) {
	if err := validate(symbol, side, qty); err != nil {
		return OrderSpec{}, err
	}
	if limitPrice <= 0 {
		return OrderSpec{}, fmt.Errorf("%w: limit %v", ErrBadPrice, limitPrice)
	}
	return OrderSpec{Symbol: symbol, Side: side, Quantity: qty, Type: TypeLimit, LimitPrice: limitPrice, TIF: "DAY"}, nil
}

// StopOrder builds a stop order triggered at stopPrice.
func StopOrder(symbol string, side Side, qty, stopPrice float64) (OrderSpec, error) {
	if err := validate(symbol, side, qty); err != nil {
		return OrderSpec{}, err
	}
	if stopPrice <= 0 {
		return OrderSpec{}, fmt.Errorf("%w: stop %v", ErrBadPrice, stopPrice)
	}
	return OrderSpec{Symbol: symbol, Side: side, Quantity: qty, Type: TypeStop, StopPrice: stopPrice, TIF: "DAY"}, nil
}
