// Package stream fans lifecycle events out to live gateway subscribers.
package stream

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/degrasse-python/kubiya-teammate-tools/pkg/events"
)

const (
	defaultBuffer = 32
	writeTimeout  = 5 * time.Second
)

// Filter selects which events a subscriber receives. An empty filter matches
// everything.
type Filter struct {
	RequestID string
	Requester string
}

func (f Filter) match(ev events.Event) bool {
	if f.RequestID != "" && f.RequestID != ev.RequestID {
		return false
	}
	if f.Requester != "" && !strings.EqualFold(strings.TrimSpace(f.Requester), strings.TrimSpace(ev.Requester)) {
		return false
	}
	return true
}

type Hub struct {
	mu   sync.RWMutex
	subs map[chan events.Event]Filter
}

func NewHub() *Hub {
	return &Hub{subs: map[chan events.Event]Filter{}}
}

func (h *Hub) Subscribe(buffer int, f Filter) chan events.Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan events.Event, buffer)
	h.mu.Lock()
	h.subs[ch] = f
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan events.Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish delivers ev to every matching subscriber. Slow subscribers drop
// events rather than block the flow that emitted them.
func (h *Hub) Publish(_ context.Context, ev events.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, f := range h.subs {
		if !f.match(ev) {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeWS upgrades the request and writes matching events as JSON messages
// until either side closes. originPatterns restricts cross-origin upgrades.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, f Filter, originPatterns []string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originPatterns})
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := h.Subscribe(64, f)
	defer h.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, map[string]string{"type": "ready"})
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case ev, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
