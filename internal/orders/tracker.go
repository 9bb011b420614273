// Package orders tracks order lifecycle state fed by the gateway's
// asynchronous status, execution, and commission callbacks.
package orders

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"tradebot/internal/events"
	"tradebot/pkg/gateway"
)

var ErrUnknownOrder = errors.New("orders: unknown order id")

// Terminal order statuses. Once reached, the record's Complete flag latches
// and later transitions are ignored.
var terminalStatuses = map[string]bool{
	"Filled":       true,
	"Cancelled":    true,
	"ApiCancelled": true,
}

// Broker is the slice of the gateway session the tracker needs.
type Broker interface {
	NextID() (int64, error)
	Send(req gateway.Request) error
}

// Execution is one fill, possibly enriched later by its commission report.
type Execution struct {
	ExecID        string
	OrderID       int64
	Symbol        string
	Side          string
	Shares        float64
	Price         float64
	CumQty        float64
	AvgPrice      float64
	Commission    float64
	HasCommission bool
	Currency      string
	RealizedPnL   float64
	Time          time.Time
}

// Record is the tracked state of one order. Status snapshots returned to
// callers are deep copies.
type Record struct {
	OrderID      int64
	Spec         OrderSpec
	Status       string
	Filled       float64
	Remaining    float64
	AvgFillPrice float64
	Executions   []Execution
	Complete     bool
	Synthetic    bool
	SubmittedAt  time.Time
	UpdatedAt    time.Time
}

// Tracker owns the order table. The gateway delivery goroutine writes
// through the OrderSink methods; callers read snapshots.
type Tracker struct {
	broker Broker
	bus    *events.Bus

	mu     sync.Mutex
	orders map[int64]*Record
	execs  map[string]*Execution
}

func NewTracker(broker Broker, bus *events.Bus) *Tracker {
	return &Tracker{
		broker: broker,
		bus:    bus,
		orders: make(map[int64]*Record),
		execs:  make(map[string]*Execution),
	}
}

// Submit sends spec to the gateway and starts tracking it. Returns the
// assigned order id.
func (t *Tracker) Submit(spec OrderSpec) (int64, error) {
	if err := validate(spec.Symbol, spec.Side, spec.Quantity); err != nil {
		return 0, err
	}
	id, err := t.broker.NextID()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	t.mu.Lock()
	t.orders[id] = &Record{
		OrderID:     id,
		Spec:        spec,
		Status:      "PendingSubmit",
		Remaining:   spec.Quantity,
		SubmittedAt: now,
		UpdatedAt:   now,
	}
	t.mu.Unlock()

	err = t.broker.Send(gateway.Request{ID: id, Kind: gateway.KindPlaceOrder, Params: map[string]any{
		"symbol":     spec.Symbol,
		"side":       string(spec.Side),
		"quantity":   spec.Quantity,
		"orderType":  spec.Type,
		"limitPrice": spec.LimitPrice,
		"stopPrice":  spec.StopPrice,
		"tif":        spec.TIF,
	}})
	if err != nil {
		t.mu.Lock()
		delete(t.orders, id)
		t.mu.Unlock()
		return 0, fmt.Errorf("orders: submit %s %s: %w", spec.Side, spec.Symbol, err)
	}

	log.Printf("orders: submitted %d: %s %v %s %s", id, spec.Side, spec.Quantity, spec.Symbol, spec.Type)
	t.bus.Publish(events.EventOrderSubmitted, t.snapshotByID(id))
	return id, nil
}

// Cancel asks the gateway to cancel order id.
func (t *Tracker) Cancel(id int64) error {
	t.mu.Lock()
	r, ok := t.orders[id]
	complete := ok && r.Complete
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownOrder, id)
	}
	if complete {
		return nil
	}
	return t.broker.Send(gateway.Request{ID: id, Kind: gateway.KindCancelOrder})
}

// Status returns a snapshot of the order's tracked state.
func (t *Tracker) Status(id int64) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.orders[id]
	if !ok {
		return Record{}, false
	}
	return copyRecord(r), true
}

// OpenOrders returns snapshots of every order not yet complete.
func (t *Tracker) OpenOrders() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Record
	for _, r := range t.orders {
		if !r.Complete {
			out = append(out, copyRecord(r))
		}
	}
	return out
}

// PendingCount reports how many tracked orders are still open.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.orders {
		if !r.Complete {
			n++
		}
	}
	return n
}

// RefreshOpenOrders asks the gateway to replay its open-order state.
func (t *Tracker) RefreshOpenOrders() error {
	return t.broker.Send(gateway.Request{Kind: gateway.KindOpenOrders})
}

// OnOrderStatus applies one status transition. Updates are idempotent; a
// status for an unknown id synthesizes a record so externally placed orders
// still get tracked; once a terminal status latches, later callbacks for the
// order are dropped.
func (t *Tracker) OnOrderStatus(ev gateway.OrderStatusEvent) {
	t.mu.Lock()
	r := t.ensureLocked(ev.OrderID)
	if r.Complete {
		t.mu.Unlock()
		return
	}
	r.Status = ev.Status
	r.Filled = ev.Filled
	r.Remaining = ev.Remaining
	r.AvgFillPrice = ev.AvgFillPrice
	r.UpdatedAt = ev.Time
	terminal := terminalStatuses[ev.Status]
	if terminal {
		r.Complete = true
	}
	snap := copyRecord(r)
	t.mu.Unlock()

	log.Printf("orders: %d status %s filled=%v remaining=%v", ev.OrderID, ev.Status, ev.Filled, ev.Remaining)
	t.bus.Publish(events.EventOrderStatus, snap)
	if terminal {
		if ev.Status == "Filled" {
			t.bus.Publish(events.EventOrderFilled, snap)
		} else {
			t.bus.Publish(events.EventOrderCancelled, snap)
		}
	}
}

// OnExecution records one fill, keyed by execution id so replays overwrite
// instead of duplicating.
func (t *Tracker) OnExecution(ev gateway.ExecutionEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.ensureLocked(ev.OrderID)
	if e, ok := t.execs[ev.ExecID]; ok {
		e.Shares = ev.Shares
		e.Price = ev.Price
		e.CumQty = ev.CumQty
		e.AvgPrice = ev.AvgPrice
		e.Time = ev.Time
		return
	}

	e := &Execution{
		ExecID:   ev.ExecID,
		OrderID:  ev.OrderID,
		Symbol:   ev.Symbol,
		Side:     ev.Side,
		Shares:   ev.Shares,
		Price:    ev.Price,
		CumQty:   ev.CumQty,
		AvgPrice: ev.AvgPrice,
		Time:     ev.Time,
	}
	t.execs[ev.ExecID] = e
	r.Executions = append(r.Executions, *e)
	r.UpdatedAt = ev.Time
}

// OnCommission attaches a commission report to its execution. Reports can
// arrive before or after the execution details; an unknown exec id is logged
// and dropped.
func (t *Tracker) OnCommission(ev gateway.CommissionEvent) {
	t.mu.Lock()
	e, ok := t.execs[ev.ExecID]
	if ok {
		e.Commission = ev.Commission
		e.HasCommission = true
		e.Currency = ev.Currency
		e.RealizedPnL = ev.RealizedPnL
		if r, found := t.orders[e.OrderID]; found {
			for i := range r.Executions {
				if r.Executions[i].ExecID == ev.ExecID {
					r.Executions[i] = *e
					break
				}
			}
		}
	}
	t.mu.Unlock()

	if !ok {
		log.Printf("orders: commission for unknown execution %s", ev.ExecID)
	}
}

// ensureLocked returns the record for id, synthesizing one for orders this
// process never submitted. Caller holds t.mu.
func (t *Tracker) ensureLocked(id int64) *Record {
	if r, ok := t.orders[id]; ok {
		return r
	}
	log.Printf("orders: synthesizing record for unknown order %d", id)
	r := &Record{
		OrderID:     id,
		Status:      "Unknown",
		Synthetic:   true,
		SubmittedAt: time.Now(),
		UpdatedAt:   time.Now(),
	}
	t.orders[id] = r
	return r
}

func (t *Tracker) snapshotByID(id int64) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.orders[id]; ok {
		return copyRecord(r)
	}
	return Record{OrderID: id}
}

func copyRecord(r *Record) Record {
	out := *r
	out.Executions = append([]Execution(nil), r.Executions...)
	return out
}
