package gateway

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// State is the session lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Config holds the gateway session parameters.
type Config struct {
	Host           string
	Port           int
	ClientID       int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	AutoReconnect  bool
	ReconnectWait  time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 10 * time.Second
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = 5 * time.Second
	}
	return out
}

// StateFunc observes session lifecycle transitions. err is non-nil only when
// an established session was lost unexpectedly.
type StateFunc func(state State, err error)

// Client owns one session to the broker gateway. It implements CallbackSink:
// the transport's reader goroutine delivers every inbound message here, and
// the client routes it to the correlator, the tick sink, or the order sink.
type Client struct {
	cfg  Config
	tr   Transport
	corr *Correlator

	mu            sync.Mutex
	state         State
	reconnecting  bool
	autoReconnect bool
	acked         chan struct{}
	onState       StateFunc

	ticks  TickSink
	orders OrderSink
}

// NewClient builds a client over tr. Sinks are optional; set them before
// Connect so no early callback is lost.
func NewClient(cfg Config, tr Transport) *Client {
	return &Client{
		cfg:  cfg.withDefaults(),
		tr:   tr,
		corr: NewCorrelator(),
	}
}

// SetTickSink registers the market-data consumer.
func (c *Client) SetTickSink(s TickSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = s
}

// SetOrderSink registers the order lifecycle consumer.
func (c *Client) SetOrderSink(s OrderSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders = s
}

// SetStateFunc registers a lifecycle observer. Set it before Connect; it is
// called outside the client's lock.
func (c *Client) SetStateFunc(fn StateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Client) notifyState(state State, err error) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(state, err)
	}
}

// Correlator exposes the request correlator for layers that issue their own
// awaited requests.
func (c *Client) Correlator() *Correlator { return c.corr }

// Connect opens the transport and blocks until the gateway acknowledges the
// session or ConnectTimeout elapses. A timed-out attempt tears the transport
// back down and leaves the client disconnected.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.state != Disconnected {
		c.mu.Unlock()
		log.Printf("session: connect ignored, already %s", c.state)
		return nil
	}
	c.state = Connecting
	c.autoReconnect = c.cfg.AutoReconnect
	c.acked = make(chan struct{})
	acked := c.acked
	c.mu.Unlock()

	if err := c.tr.Open(c.cfg.Host, c.cfg.Port, c.cfg.ClientID, c); err != nil {
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return fmt.Errorf("session: open %s:%d: %w", c.cfg.Host, c.cfg.Port, err)
	}

	select {
	case <-acked:
		log.Printf("session: connected to %s:%d (client %d)", c.cfg.Host, c.cfg.Port, c.cfg.ClientID)
		return nil
	case <-time.After(c.cfg.ConnectTimeout):
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		_ = c.tr.Close()
		return ErrConnectTimeout
	}
}

// Disconnect closes the session deliberately. Auto-reconnect is disabled
// before the transport closes so the closure callback cannot race a
// reconnect attempt.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.autoReconnect = false
	if c.state == Disconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = Disconnected
	c.mu.Unlock()

	log.Printf("session: disconnecting")
	return c.tr.Close()
}

// IsConnected reports whether the session is established.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected
}

// StateNow returns the current lifecycle state.
func (c *Client) StateNow() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnConnectAck completes the handshake started by Connect.
func (c *Client) OnConnectAck() {
	c.mu.Lock()
	if c.state != Connecting {
		c.mu.Unlock()
		return
	}
	c.state = Connected
	close(c.acked)
	c.acked = nil
	c.mu.Unlock()

	c.notifyState(Connected, nil)
}

// OnDisconnected runs when the transport's reader loop ends. Exactly one
// reconnect attempt is scheduled per closure event: the reconnecting flag
// bars re-entry until the attempt resolves, and a deliberate Disconnect has
// already cleared autoReconnect.
func (c *Client) OnDisconnected(err error) {
	c.mu.Lock()
	wasConnected := c.state == Connected
	c.state = Disconnected
	if !wasConnected {
		c.mu.Unlock()
		return
	}
	canReconnect := c.autoReconnect && !c.reconnecting
	if canReconnect {
		c.reconnecting = true
	}
	c.mu.Unlock()

	c.notifyState(Disconnected, err)

	if !canReconnect {
		log.Printf("session: connection closed: %v", err)
		return
	}
	log.Printf("session: connection lost (%v), reconnecting in %s", err, c.cfg.ReconnectWait)
	go c.reconnect()
}

func (c *Client) reconnect() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	time.Sleep(c.cfg.ReconnectWait)

	c.mu.Lock()
	if !c.autoReconnect || c.state != Disconnected {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := c.Connect(); err != nil {
		log.Printf("session: reconnect failed: %v", err)
		return
	}
	log.Printf("session: reconnected")
}

// Send pushes a request to the gateway, refusing when disconnected.
func (c *Client) Send(req Request) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.tr.Send(req)
}

// NextID allocates a correlation id, refusing when disconnected so callers
// fail fast instead of parking a request that can never complete.
func (c *Client) NextID() (int64, error) {
	if !c.IsConnected() {
		return 0, ErrNotConnected
	}
	return c.corr.NextID(), nil
}

// request registers id, sends, and blocks on the correlator. The pending
// entry is cleaned up on every path.
func (c *Client) request(kind string, params map[string]any) ([]any, error) {
	id, err := c.NextID()
	if err != nil {
		return nil, err
	}
	c.corr.Register(id, kind)
	if err := c.tr.Send(Request{ID: id, Kind: kind, Params: params}); err != nil {
		c.corr.Drop(id)
		return nil, fmt.Errorf("session: send %s: %w", kind, err)
	}
	return c.corr.Await(id, c.cfg.RequestTimeout)
}

// HistoricalBars requests a block of historical bars and blocks until the
// gateway's end marker or RequestTimeout.
func (c *Client) HistoricalBars(symbol, duration, barSize, whatToShow string) ([]RawBar, error) {
	results, err := c.request(KindHistoricalData, map[string]any{
		"symbol":     symbol,
		"duration":   duration,
		"barSize":    barSize,
		"whatToShow": whatToShow,
	})
	if err != nil {
		return nil, err
	}
	bars := make([]RawBar, 0, len(results))
	for _, r := range results {
		if b, ok := r.(RawBar); ok {
			bars = append(bars, b)
		}
	}
	return bars, nil
}

// AccountSummary requests the tag/value summary rows for all accounts.
func (c *Client) AccountSummary(tags string) ([]AccountValue, error) {
	results, err := c.request(KindAccountSummary, map[string]any{"tags": tags})
	if err != nil {
		return nil, err
	}
	vals := make([]AccountValue, 0, len(results))
	for _, r := range results {
		if v, ok := r.(AccountValue); ok {
			vals = append(vals, v)
		}
	}
	return vals, nil
}

// OnCallback routes one inbound message. Sink handlers run behind a recover
// guard: a panicking consumer is logged and dropped, never allowed to kill
// the delivery goroutine.
func (c *Client) OnCallback(cb Callback) {
	switch cb.Kind {
	case CbNextValidID:
		c.corr.Seed(int64(fieldNum(cb.Fields, "orderId")))

	case CbTickPrice:
		if s := c.tickSink(); s != nil {
			safeDispatch(cb.Kind, func() {
				s.OnTickPrice(cb.ID, int(fieldNum(cb.Fields, "field")), fieldNum(cb.Fields, "price"), cb.Time)
			})
		}
	case CbTickSize:
		if s := c.tickSink(); s != nil {
			safeDispatch(cb.Kind, func() {
				s.OnTickSize(cb.ID, int(fieldNum(cb.Fields, "field")), fieldNum(cb.Fields, "size"))
			})
		}

	case CbHistoricalBar:
		c.corr.Accumulate(cb.ID, rawBarFromFields(cb.Fields))
	case CbHistoricalEnd:
		c.corr.Complete(cb.ID)

	case CbAccountSummary:
		c.corr.Accumulate(cb.ID, accountValueFromFields(cb.Fields))
	case CbAccountSummaryEnd:
		c.corr.Complete(cb.ID)

	case CbOrderStatus:
		if s := c.orderSink(); s != nil {
			ev := OrderStatusEvent{
				OrderID:       cb.ID,
				Status:        fieldStr(cb.Fields, "status"),
				Filled:        fieldNum(cb.Fields, "filled"),
				Remaining:     fieldNum(cb.Fields, "remaining"),
				AvgFillPrice:  fieldNum(cb.Fields, "avgFillPrice"),
				LastFillPrice: fieldNum(cb.Fields, "lastFillPrice"),
				WhyHeld:       fieldStr(cb.Fields, "whyHeld"),
				Time:          cb.Time,
			}
			safeDispatch(cb.Kind, func() { s.OnOrderStatus(ev) })
		}
	case CbExecDetails:
		if s := c.orderSink(); s != nil {
			ev := ExecutionEvent{
				ExecID:   fieldStr(cb.Fields, "execId"),
				OrderID:  cb.ID,
				Symbol:   fieldStr(cb.Fields, "symbol"),
				Side:     fieldStr(cb.Fields, "side"),
				Exchange: fieldStr(cb.Fields, "exchange"),
				Account:  fieldStr(cb.Fields, "account"),
				Shares:   fieldNum(cb.Fields, "shares"),
				Price:    fieldNum(cb.Fields, "price"),
				CumQty:   fieldNum(cb.Fields, "cumQty"),
				AvgPrice: fieldNum(cb.Fields, "avgPrice"),
				Time:     cb.Time,
			}
			safeDispatch(cb.Kind, func() { s.OnExecution(ev) })
		}
	case CbCommissionReport:
		if s := c.orderSink(); s != nil {
			ev := CommissionEvent{
				ExecID:      fieldStr(cb.Fields, "execId"),
				Commission:  fieldNum(cb.Fields, "commission"),
				Currency:    fieldStr(cb.Fields, "currency"),
				RealizedPnL: fieldNum(cb.Fields, "realizedPNL"),
			}
			safeDispatch(cb.Kind, func() { s.OnCommission(ev) })
		}

	default:
		// Unsolicited kinds arrive during session setup and vendor upgrades.
		log.Printf("session: ignoring callback kind %q (id=%d)", cb.Kind, cb.ID)
	}
}

// OnError routes the gateway's error stream. Notices are logged at info
// level; feed errors go to the tick sink so the delayed fallback can run; a
// hard error for an awaited request fails it instead of letting the caller
// ride out the full timeout.
func (c *Client) OnError(ev ErrorEvent) {
	if ev.Notice() {
		log.Printf("session: gateway notice %d: %s", ev.Code, ev.Message)
		return
	}

	if s := c.tickSink(); s != nil {
		safeDispatch("error", func() { s.OnFeedError(ev) })
	}

	if ev.RequestID > 0 && !ev.DelayedAvailable() && c.corr.Has(ev.RequestID) {
		c.corr.Fail(ev.RequestID, fmt.Errorf("gateway: error %d for request %d: %s", ev.Code, ev.RequestID, ev.Message))
		return
	}
	log.Printf("session: gateway error %d (req %d): %s", ev.Code, ev.RequestID, ev.Message)
}

func (c *Client) tickSink() TickSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

func (c *Client) orderSink() OrderSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orders
}

func safeDispatch(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("session: %s handler panic: %v", kind, r)
		}
	}()
	fn()
}
