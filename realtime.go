package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const subscriberBuffer = 64

const (
	EventReady            = "ready"
	EventScanCompleted    = "scan.completed"
	EventPremiumActivated = "premium.activated"
	EventPaymentFailed    = "payment.failed"
	EventSubscriptionEnd  = "subscription.ended"
	EventAccountUpdated   = "account.updated"
	EventAdminAction      = "admin.action"
)

// Event is an advisory notification. Delivery is at most once and events
// are not replayed to late subscribers.
type Event struct {
	Type   string      `json:"type"`
	UserID int64       `json:"userId,omitempty"`
	Data   interface{} `json:"data,omitempty"`
	At     time.Time   `json:"at"`
}

type Publisher interface {
	Publish(e Event)
}

type subscriber struct {
	userID  int64
	isAdmin bool
	ch      chan Event
}

// wants reports whether the subscriber should see e. Admins additionally
// receive every admin.action event.
func (s *subscriber) wants(e Event) bool {
	if e.UserID != 0 && e.UserID == s.userID {
		return true
	}
	return s.isAdmin && e.Type == EventAdminAction
}

// Hub fans events out to websocket subscribers.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[*subscriber]struct{}{}}
}

func (h *Hub) Subscribe(userID int64, isAdmin bool) *subscriber {
	s := &subscriber{userID: userID, isAdmin: isAdmin, ch: make(chan Event, subscriberBuffer)}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) Unsubscribe(s *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[s]; ok {
		delete(h.subs, s)
		close(s.ch)
	}
	h.mu.Unlock()
}

// Publish never blocks; a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs {
		if !s.wants(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped is the number of events discarded because a buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// serve pumps events for one authenticated connection until the client goes
// away or the request context ends.
func (h *Hub) serve(w http.ResponseWriter, r *http.Request, userID int64, isAdmin bool, origins []string) {
	opts := &websocket.AcceptOptions{}
	if len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("[realtime] accept: %v", err)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := h.Subscribe(userID, isAdmin)
	defer h.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, Event{Type: EventReady, UserID: userID, At: time.Now().UTC()})
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
		case evt, ok := <-sub.ch:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
