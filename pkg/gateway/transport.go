// Package gateway manages the logical connection to the brokerage gateway:
// session lifecycle, request correlation, and routing of asynchronous
// callbacks to the market-data and order layers.
package gateway

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrNotConnected   = errors.New("gateway: not connected")
	ErrConnectTimeout = errors.New("gateway: connect timed out")
	ErrRequestTimeout = errors.New("gateway: request timed out")
)

// Request is an outbound message to the gateway. ID correlates the
// asynchronous response stream back to the caller.
type Request struct {
	ID     int64
	Kind   string
	Params map[string]any
}

// Outbound message kinds understood by the gateway bridge.
const (
	KindSubscribeMarketData = "subscribeMarketData"
	KindCancelMarketData    = "cancelMarketData"
	KindMarketDataType      = "marketDataType"
	KindHistoricalData      = "historicalData"
	KindPlaceOrder          = "placeOrder"
	KindCancelOrder         = "cancelOrder"
	KindAccountSummary      = "accountSummary"
	KindOpenOrders          = "openOrders"
)

// Market data type values for KindMarketDataType.
const (
	MarketDataRealTime = 1
	MarketDataFrozen   = 2
	MarketDataDelayed  = 3
)

// Callback is one asynchronous message delivered by the gateway. ID is the
// correlating request or order id; 0 marks a broadcast. Fields carry the
// kind-specific payload as decoded from the wire.
type Callback struct {
	ID     int64
	Kind   string
	Fields map[string]any
	Time   time.Time
}

// Inbound callback kinds.
const (
	CbNextValidID       = "nextValidId"
	CbTickPrice         = "tickPrice"
	CbTickSize          = "tickSize"
	CbHistoricalBar     = "historicalData"
	CbHistoricalEnd     = "historicalDataEnd"
	CbOrderStatus       = "orderStatus"
	CbExecDetails       = "execDetails"
	CbCommissionReport  = "commissionReport"
	CbAccountSummary    = "accountSummary"
	CbAccountSummaryEnd = "accountSummaryEnd"
)

// ErrorEvent is the single typed form of the gateway's error callback. The
// transport decodes whatever signature the vendor bridge emits into this
// struct once, so nothing downstream depends on vendor version skew.
type ErrorEvent struct {
	RequestID int64
	Code      int
	Message   string
	Time      time.Time
}

// CodeNoEntitlement is the vendor code for "no real-time market data
// subscription"; it triggers the delayed-data fallback rather than a failure.
const CodeNoEntitlement = 10090

// Codes the gateway sends as routine connectivity notices, not failures.
var noticeCodes = map[int]bool{2104: true, 2106: true, 2158: true}

// Notice reports whether the event is an informational gateway message.
func (e ErrorEvent) Notice() bool { return noticeCodes[e.Code] }

// DelayedAvailable reports whether the event is the entitlement refusal that
// offers delayed data instead.
func (e ErrorEvent) DelayedAvailable() bool {
	if e.Code != CodeNoEntitlement && (e.Code < 200 || e.Code >= 300) {
		return false
	}
	return strings.Contains(e.Message, "Delayed market data is available")
}

// Transport is the outbound capability of the vendor connection: open a
// session and push messages. Inbound traffic is delivered to the
// CallbackSink registered at Open time, on a dedicated reader goroutine.
type Transport interface {
	Open(host string, port int, clientID int, sink CallbackSink) error
	Send(req Request) error
	Close() error
}

// CallbackSink is the inbound capability: everything the gateway pushes at
// us. Implementations must never block the delivery goroutine.
type CallbackSink interface {
	OnConnectAck()
	OnCallback(cb Callback)
	OnError(ev ErrorEvent)
	OnDisconnected(err error)
}

// RawBar is a historical bar exactly as delivered by the gateway, before
// validation. Date is heterogeneous on the wire (string date, datetime,
// ISO-8601, or epoch seconds/milliseconds); OHLC fields may be absent.
type RawBar struct {
	Date   any
	Open   *float64
	High   *float64
	Low    *float64
	Close  *float64
	Volume float64
}

// AccountValue is one tag/value row of an account summary response.
type AccountValue struct {
	Account  string
	Tag      string
	Value    string
	Currency string
}

// OrderStatusEvent reports an order lifecycle transition.
type OrderStatusEvent struct {
	OrderID      int64
	Status       string
	Filled       float64
	Remaining    float64
	AvgFillPrice float64
	LastFillPrice float64
	WhyHeld      string
	Time         time.Time
}

// ExecutionEvent reports a (possibly partial) fill.
type ExecutionEvent struct {
	ExecID   string
	OrderID  int64
	Symbol   string
	Side     string
	Exchange string
	Account  string
	Shares   float64
	Price    float64
	CumQty   float64
	AvgPrice float64
	Time     time.Time
}

// CommissionEvent arrives separately from its execution, in no guaranteed
// order, and is reconciled by execution id.
type CommissionEvent struct {
	ExecID      string
	Commission  float64
	Currency    string
	RealizedPnL float64
}

// TickSink receives streamed market-data callbacks.
type TickSink interface {
	OnTickPrice(id int64, field int, price float64, at time.Time)
	OnTickSize(id int64, field int, size float64)
	OnFeedError(ev ErrorEvent)
}

// OrderSink receives order lifecycle callbacks.
type OrderSink interface {
	OnOrderStatus(ev OrderStatusEvent)
	OnExecution(ev ExecutionEvent)
	OnCommission(ev CommissionEvent)
}

// Field helpers for decoding Callback.Fields, which arrive as generic JSON
// values (numbers are float64).

func fieldStr(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func fieldNum(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func fieldNumPtr(m map[string]any, key string) *float64 {
	switch v := m[key].(type) {
	case float64:
		f := v
		return &f
	case int64:
		f := float64(v)
		return &f
	case int:
		f := float64(v)
		return &f
	}
	return nil
}

func rawBarFromFields(m map[string]any) RawBar {
	b := RawBar{
		Date:  m["date"],
		Open:  fieldNumPtr(m, "open"),
		High:  fieldNumPtr(m, "high"),
		Low:   fieldNumPtr(m, "low"),
		Close: fieldNumPtr(m, "close"),
	}
	if v := fieldNumPtr(m, "volume"); v != nil {
		b.Volume = *v
	}
	return b
}

func accountValueFromFields(m map[string]any) AccountValue {
	return AccountValue{
		Account:  fieldStr(m, "account"),
		Tag:      fieldStr(m, "tag"),
		Value:    fieldStr(m, "value"),
		Currency: fieldStr(m, "currency"),
	}
}
