package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubRoutesEventsToOwner(t *testing.T) {
	h := NewHub()
	alice := h.Subscribe(1, false)
	bob := h.Subscribe(2, false)
	admin := h.Subscribe(3, true)
	defer h.Unsubscribe(alice)
	defer h.Unsubscribe(bob)
	defer h.Unsubscribe(admin)

	h.Publish(Event{Type: EventScanCompleted, UserID: 1})
	h.Publish(Event{Type: EventAdminAction, Data: "ban"})

	select {
	case e := <-alice.ch:
		assert.Equal(t, EventScanCompleted, e.Type)
		assert.False(t, e.At.IsZero())
	default:
		t.Fatal("owner did not receive its event")
	}
	assert.Empty(t, alice.ch, "admin actions are not broadcast to users")
	assert.Empty(t, bob.ch)

	require.Len(t, admin.ch, 1)
	assert.Equal(t, EventAdminAction, (<-admin.ch).Type)
}

func TestHubDropsWhenSubscriberIsSlow(t *testing.T) {
	h := NewHub()
	s := h.Subscribe(1, false)
	for i := 0; i < subscriberBuffer+5; i++ {
		h.Publish(Event{Type: EventScanCompleted, UserID: 1})
	}
	assert.Len(t, s.ch, subscriberBuffer)
	assert.Equal(t, int64(5), h.Dropped())

	h.Unsubscribe(s)
	h.Unsubscribe(s)
	_, open := <-s.ch
	assert.True(t, open, "buffered events are still readable after unsubscribe")
}

func TestRealtimeWebsocket(t *testing.T) {
	ta := newTestApp(t)
	userID, token := ta.signup(t, "ws@example.com")
	srv := httptest.NewServer(ta.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/realtime"
	_, resp, err := websocket.Dial(ctx, base, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.Dial(ctx, base+"?access_token="+token, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var ready Event
	require.NoError(t, wsjson.Read(ctx, conn, &ready))
	assert.Equal(t, EventReady, ready.Type)
	assert.Equal(t, userID, ready.UserID)

	_, err = ta.Scanner.Submit(ctx, userID, product(1))
	require.NoError(t, err)

	var evt Event
	require.NoError(t, wsjson.Read(ctx, conn, &evt))
	assert.Equal(t, EventScanCompleted, evt.Type)
	data, ok := evt.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(82), data["score"])
}

func TestRealtimeRefusesBannedUser(t *testing.T) {
	ta := newTestApp(t)
	userID, token := ta.signup(t, "banned-ws@example.com")
	require.NoError(t, ta.db.SetBanned(context.Background(), userID, true))

	rec := ta.do(t, "GET", "/api/v1/realtime?access_token="+token, "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
