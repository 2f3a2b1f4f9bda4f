// Package statuslistener maintains a single long-lived connection to the
// engine's status/progress channel, decodes tagged events, and dispatches
// them to registered callbacks. Unlike backendclient's bounded linear
// retry, this reconnects forever with exponential backoff capped at 128s,
// resetting to the base delay after every successful read.
package statuslistener

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/comfy-gateway/gateway/metrics"
)

// Kind identifies an engine status event type.
type Kind string

const (
	KindExecutionStart       Kind = "execution_start"
	KindExecuting            Kind = "executing"
	KindExecutionCached      Kind = "execution_cached"
	KindExecutionSuccess     Kind = "execution_success"
	KindExecutionError       Kind = "execution_error"
	KindExecutionInterrupted Kind = "execution_interrupted"
	KindUnknown              Kind = "unknown"
)

// Event is the decoded form of one status message.
type Event struct {
	Kind     Kind
	PromptID string
	Node     string
	Data     json.RawMessage
}

type wireEvent struct {
	Type string `json:"type"`
	Data struct {
		PromptID string `json:"prompt_id"`
		Node     string `json:"node"`
	} `json:"data"`
}

// Handler is invoked once per received event. It must not block for long —
// it runs on the listener's single read loop.
type Handler func(Event)

// Listener owns the persistent status-channel connection.
type Listener struct {
	url         string
	backoffBase time.Duration
	backoffCap  time.Duration
	handler     Handler
	connected   atomic.Bool
}

// Healthy reports whether the listener currently holds a live connection to
// the engine's status channel, for GET /api/admin/diagnostics.
func (l *Listener) Healthy() bool {
	return l.connected.Load()
}

// New returns a Listener that dials url and invokes handler for every
// decoded event.
func New(url string, backoffBase, backoffCap time.Duration, handler Handler) *Listener {
	return &Listener{
		url:         url,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
		handler:     handler,
	}
}

// Run connects and dispatches events until ctx is cancelled, reconnecting
// with exponential backoff on any transport error.
func (l *Listener) Run(ctx context.Context) {
	delay := l.backoffBase
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !first {
			metrics.StatusListenerReconnects.Inc()
		}
		first = false

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.url, nil)
		if err != nil {
			log.Printf("statuslistener: dial %s: %v", l.url, err)
			if !sleepOrDone(ctx, delay) {
				return
			}
			delay = nextBackoff(delay, l.backoffCap)
			continue
		}

		l.connected.Store(true)
		if l.readLoop(ctx, conn) {
			delay = l.backoffBase // reset after a successful recv
		}
		l.connected.Store(false)
		conn.Close()

		if !sleepOrDone(ctx, delay) {
			return
		}
		delay = nextBackoff(delay, l.backoffCap)
	}
}

func (l *Listener) readLoop(ctx context.Context, conn *websocket.Conn) (received bool) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return received
		}
		received = true
		ev, ok := decode(raw)
		if !ok {
			continue
		}
		l.handler(ev)
	}
}

func decode(raw []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, false
	}
	kind := Kind(w.Type)
	switch kind {
	case KindExecutionStart, KindExecuting, KindExecutionCached,
		KindExecutionSuccess, KindExecutionError, KindExecutionInterrupted:
	default:
		kind = KindUnknown
	}
	return Event{Kind: kind, PromptID: w.Data.PromptID, Node: w.Data.Node, Data: raw}, true
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
