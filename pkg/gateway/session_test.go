package gateway

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeTransport drives the client from tests. onSend, when set, runs
// synchronously inside Send so tests can script the gateway's responses.
type fakeTransport struct {
	mu        sync.Mutex
	sink      CallbackSink
	opens     int
	sent      []Request
	ackOnOpen bool
	openErr   error
	onSend    func(Request)
}

func (f *fakeTransport) Open(host string, port, clientID int, sink CallbackSink) error {
	f.mu.Lock()
	f.opens++
	f.sink = sink
	ack := f.ackOnOpen
	err := f.openErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if ack {
		go sink.OnConnectAck()
	}
	return nil
}

func (f *fakeTransport) Send(req Request) error {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	hook := f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeTransport) currentSink() CallbackSink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

func testConfig() Config {
	return Config{
		Host:           "127.0.0.1",
		Port:           7497,
		ClientID:       1,
		ConnectTimeout: 200 * time.Millisecond,
		RequestTimeout: 500 * time.Millisecond,
		AutoReconnect:  false,
		ReconnectWait:  10 * time.Millisecond,
	}
}

func TestClientConnect(t *testing.T) {
	t.Run("connect waits for ack", func(t *testing.T) {
		tr := &fakeTransport{ackOnOpen: true}
		c := NewClient(testConfig(), tr)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if !c.IsConnected() {
			t.Fatal("expected connected state after ack")
		}
	})

	t.Run("missing ack times out", func(t *testing.T) {
		tr := &fakeTransport{ackOnOpen: false}
		c := NewClient(testConfig(), tr)
		err := c.Connect()
		if !errors.Is(err, ErrConnectTimeout) {
			t.Fatalf("expected ErrConnectTimeout, got %v", err)
		}
		if c.IsConnected() {
			t.Fatal("client should not report connected after timeout")
		}
	})

	t.Run("id allocation refused while disconnected", func(t *testing.T) {
		c := NewClient(testConfig(), &fakeTransport{})
		if _, err := c.NextID(); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
		if _, err := c.HistoricalBars("SPY", "1 Y", "1 day", "TRADES"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("expected ErrNotConnected, got %v", err)
		}
	})
}

func TestClientReconnect(t *testing.T) {
	t.Run("unexpected closure reconnects exactly once", func(t *testing.T) {
		tr := &fakeTransport{ackOnOpen: true}
		cfg := testConfig()
		cfg.AutoReconnect = true
		c := NewClient(cfg, tr)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}

		// Two closure callbacks in quick succession must still produce a
		// single reconnect attempt.
		c.OnDisconnected(errors.New("wire dropped"))
		c.OnDisconnected(errors.New("wire dropped again"))

		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && !c.IsConnected() {
			time.Sleep(5 * time.Millisecond)
		}
		if !c.IsConnected() {
			t.Fatal("expected client to reconnect")
		}
		if got := tr.openCount(); got != 2 {
			t.Fatalf("expected 2 opens (initial + one reconnect), got %d", got)
		}
	})

	t.Run("deliberate disconnect suppresses reconnect", func(t *testing.T) {
		tr := &fakeTransport{ackOnOpen: true}
		cfg := testConfig()
		cfg.AutoReconnect = true
		c := NewClient(cfg, tr)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}

		// The transport's reader loop reports the closure afterwards.
		c.OnDisconnected(nil)
		time.Sleep(50 * time.Millisecond)

		if c.IsConnected() {
			t.Fatal("client reconnected after deliberate disconnect")
		}
		if got := tr.openCount(); got != 1 {
			t.Fatalf("expected no reconnect open, got %d opens", got)
		}
	})
}

func TestClientStateNotifications(t *testing.T) {
	type transition struct {
		state State
		err   error
	}
	record := func(c *Client) func() []transition {
		var mu sync.Mutex
		var seen []transition
		c.SetStateFunc(func(state State, err error) {
			mu.Lock()
			seen = append(seen, transition{state, err})
			mu.Unlock()
		})
		return func() []transition {
			mu.Lock()
			defer mu.Unlock()
			return append([]transition(nil), seen...)
		}
	}

	t.Run("connect and loss are observed", func(t *testing.T) {
		tr := &fakeTransport{ackOnOpen: true}
		c := NewClient(testConfig(), tr)
		snapshot := record(c)

		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && len(snapshot()) == 0 {
			time.Sleep(5 * time.Millisecond)
		}
		seen := snapshot()
		if len(seen) != 1 || seen[0].state != Connected || seen[0].err != nil {
			t.Fatalf("transitions after connect = %+v", seen)
		}

		wantErr := errors.New("wire dropped")
		c.OnDisconnected(wantErr)

		seen = snapshot()
		if len(seen) != 2 || seen[1].state != Disconnected || !errors.Is(seen[1].err, wantErr) {
			t.Fatalf("transitions after loss = %+v", seen)
		}
	})

	t.Run("deliberate disconnect is silent", func(t *testing.T) {
		tr := &fakeTransport{ackOnOpen: true}
		c := NewClient(testConfig(), tr)
		snapshot := record(c)

		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		if err := c.Disconnect(); err != nil {
			t.Fatalf("Disconnect: %v", err)
		}
		c.OnDisconnected(nil) // reader loop reports the closure afterwards

		for _, seen := range snapshot() {
			if seen.state == Disconnected {
				t.Fatalf("deliberate disconnect produced a loss notification: %+v", seen)
			}
		}
	})
}

func TestClientRequests(t *testing.T) {
	connect := func(t *testing.T, tr *fakeTransport) *Client {
		t.Helper()
		tr.ackOnOpen = true
		c := NewClient(testConfig(), tr)
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		return c
	}

	t.Run("historical bars accumulate until end marker", func(t *testing.T) {
		tr := &fakeTransport{}
		c := connect(t, tr)
		tr.onSend = func(req Request) {
			if req.Kind != KindHistoricalData {
				return
			}
			sink := tr.currentSink()
			sink.OnCallback(Callback{ID: req.ID, Kind: CbHistoricalBar, Fields: map[string]any{
				"date": "20240102", "open": 100.0, "high": 101.0, "low": 99.5, "close": 100.5, "volume": 1200.0,
			}})
			sink.OnCallback(Callback{ID: req.ID, Kind: CbHistoricalBar, Fields: map[string]any{
				"date": "20240103", "open": 100.5, "high": 102.0, "low": 100.0, "close": 101.5, "volume": 900.0,
			}})
			sink.OnCallback(Callback{ID: req.ID, Kind: CbHistoricalEnd})
		}

		bars, err := c.HistoricalBars("SPY", "1 Y", "1 day", "TRADES")
		if err != nil {
			t.Fatalf("HistoricalBars: %v", err)
		}
		if len(bars) != 2 {
			t.Fatalf("expected 2 bars, got %d", len(bars))
		}
		if bars[0].Open == nil || *bars[0].Open != 100.0 {
			t.Errorf("unexpected first bar open: %+v", bars[0])
		}
		if c.Correlator().Outstanding() != 0 {
			t.Errorf("pending request leaked")
		}
	})

	t.Run("account summary accumulates rows", func(t *testing.T) {
		tr := &fakeTransport{}
		c := connect(t, tr)
		tr.onSend = func(req Request) {
			if req.Kind != KindAccountSummary {
				return
			}
			sink := tr.currentSink()
			sink.OnCallback(Callback{ID: req.ID, Kind: CbAccountSummary, Fields: map[string]any{
				"account": "DU123", "tag": "NetLiquidation", "value": "25000.00", "currency": "USD",
			}})
			sink.OnCallback(Callback{ID: req.ID, Kind: CbAccountSummaryEnd})
		}

		vals, err := c.AccountSummary("NetLiquidation")
		if err != nil {
			t.Fatalf("AccountSummary: %v", err)
		}
		if len(vals) != 1 || vals[0].Tag != "NetLiquidation" {
			t.Fatalf("unexpected summary rows: %+v", vals)
		}
	})

	t.Run("hard gateway error fails the awaited request", func(t *testing.T) {
		tr := &fakeTransport{}
		c := connect(t, tr)
		tr.onSend = func(req Request) {
			if req.Kind != KindHistoricalData {
				return
			}
			tr.currentSink().OnError(ErrorEvent{RequestID: req.ID, Code: 162, Message: "historical data query failed"})
		}

		_, err := c.HistoricalBars("SPY", "1 Y", "1 day", "TRADES")
		if err == nil {
			t.Fatal("expected error from failed request")
		}
		if errors.Is(err, ErrRequestTimeout) {
			t.Fatal("request should fail fast, not time out")
		}
	})
}

type panickingTicks struct{}

func (panickingTicks) OnTickPrice(int64, int, float64, time.Time) { panic("tick handler bug") }
func (panickingTicks) OnTickSize(int64, int, float64)             { panic("size handler bug") }
func (panickingTicks) OnFeedError(ErrorEvent)                     { panic("error handler bug") }

func TestClientCallbackPanicIsolation(t *testing.T) {
	tr := &fakeTransport{ackOnOpen: true}
	c := NewClient(testConfig(), tr)
	c.SetTickSink(panickingTicks{})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	// Must not panic the delivery path.
	c.OnCallback(Callback{ID: 7, Kind: CbTickPrice, Fields: map[string]any{"field": 4.0, "price": 101.0}})
	c.OnCallback(Callback{ID: 7, Kind: CbTickSize, Fields: map[string]any{"field": 8.0, "size": 500.0}})
	c.OnError(ErrorEvent{RequestID: 7, Code: 354, Message: "not subscribed"})

	if !c.IsConnected() {
		t.Fatal("client state corrupted by handler panic")
	}
}
