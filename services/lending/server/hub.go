package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"lendpool/native/lending"
	"lendpool/observability"
)

const wsWriteTimeout = 10 * time.Second

// Hub fans committed events out to websocket subscribers. Emit never
// blocks: a subscriber whose buffer is full misses the event.
type Hub struct {
	buffer int

	mu   sync.RWMutex
	subs map[chan *lending.Record]struct{}
}

var _ lending.Emitter = (*Hub)(nil)

// NewHub returns a hub giving each subscriber buffer pending events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{buffer: buffer, subs: make(map[chan *lending.Record]struct{})}
}

// Emit implements lending.Emitter.
func (h *Hub) Emit(ev lending.Event) {
	rec := ev.Record()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- rec:
		default:
			observability.Events().RecordDrop("stream")
		}
	}
}

// Subscribe registers a subscriber. The returned cancel function must be
// called to release it.
func (h *Hub) Subscribe() (<-chan *lending.Record, func()) {
	ch := make(chan *lending.Record, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	types := make(map[string]struct{})
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = struct{}{}
		}
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	updates, cancel := s.hub.Subscribe()
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	if err := streamRecords(ctx, conn, updates, types); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func streamRecords(ctx context.Context, conn *websocket.Conn, updates <-chan *lending.Record, types map[string]struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-updates:
			if len(types) > 0 {
				if _, ok := types[rec.Type]; !ok {
					continue
				}
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
