package gateway

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// frame is the JSON wire format spoken with the gateway bridge. One frame
// per websocket message, both directions.
type frame struct {
	Type    string         `json:"type"`
	ID      int64          `json:"id,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Code    int            `json:"code,omitempty"`
	Message string         `json:"message,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    int64          `json:"time,omitempty"` // unix milliseconds
}

const (
	frameConnectAck = "connectAck"
	frameCallback   = "callback"
	frameError      = "error"
	frameRequest    = "request"
)

// WSTransport carries gateway frames over a websocket to the broker bridge.
// A single reader goroutine decodes inbound frames and feeds the sink;
// writes are mutex-serialized per gorilla's one-writer rule.
type WSTransport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	stop   sync.Once
}

func NewWSTransport() *WSTransport {
	return &WSTransport{}
}

// Open dials the bridge and starts the reader loop.
func (t *WSTransport) Open(host string, port int, clientID int, sink CallbackSink) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/api/v1/stream",
		RawQuery: fmt.Sprintf("clientId=%d", clientID),
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("ws: dial %s: %w", u.String(), err)
	}

	t.mu.Lock()
	t.conn = conn
	t.closed = false
	t.stop = sync.Once{}
	t.mu.Unlock()

	go t.readLoop(conn, sink)
	return nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn, sink CallbackSink) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.mu.Lock()
			deliberate := t.closed
			t.mu.Unlock()
			if deliberate || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				sink.OnDisconnected(nil)
			} else {
				sink.OnDisconnected(err)
			}
			return
		}
		t.dispatch(f, sink)
	}
}

func (t *WSTransport) dispatch(f frame, sink CallbackSink) {
	at := time.Now()
	if f.Time > 0 {
		at = time.UnixMilli(f.Time)
	}
	switch f.Type {
	case frameConnectAck:
		sink.OnConnectAck()
	case frameError:
		sink.OnError(ErrorEvent{RequestID: f.ID, Code: f.Code, Message: f.Message, Time: at})
	case frameCallback:
		sink.OnCallback(Callback{ID: f.ID, Kind: f.Kind, Fields: f.Fields, Time: at})
	default:
		log.Printf("ws: unknown frame type %q", f.Type)
	}
}

// Send writes one request frame.
func (t *WSTransport) Send(req Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.closed {
		return ErrNotConnected
	}
	f := frame{Type: frameRequest, ID: req.ID, Kind: req.Kind, Fields: req.Params}
	if err := t.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("ws: write %s: %w", req.Kind, err)
	}
	return nil
}

// Close shuts the connection down deliberately. Safe to call more than once.
func (t *WSTransport) Close() error {
	var err error
	t.stop.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = conn.Close()
	})
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return nil
}
