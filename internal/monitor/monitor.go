// Package monitor watches the event bus and forwards notable conditions as
// alert strings: failed harvests, lost sessions, explicit alerts.
package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradebot/internal/events"
	"tradebot/internal/harvest"
)

// Monitor fans selected bus topics into AlertFn.
type Monitor struct {
	Bus     *events.Bus
	AlertFn func(string)
}

// LogAlerts is the default notifier; real deployments swap in a webhook.
func LogAlerts(msg string) {
	log.Printf("alert: %s", msg)
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	if m.AlertFn == nil {
		m.AlertFn = LogAlerts
	}

	for _, topic := range []events.Event{events.EventAlert, events.EventHarvestFailed, events.EventSessionLost} {
		stream, unsub := m.Bus.Subscribe(topic, 50)
		go func(topic events.Event, stream <-chan any, unsub func()) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-stream:
					if !ok {
						return
					}
					m.AlertFn(formatAlert(topic, msg))
				}
			}
		}(topic, stream, unsub)
	}
}

func formatAlert(topic events.Event, msg any) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + string(topic) + ": " + toString(msg)
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case harvest.Stats:
		return fmt.Sprintf("%s %s status=%s errors=%d %s", t.Symbol, t.Timeframe, t.Status, t.Errors, t.Message)
	case error:
		return t.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}
