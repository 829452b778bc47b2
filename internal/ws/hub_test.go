package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/leafsii/leafsii-liquidity/internal/accrual"
	"github.com/leafsii/leafsii-liquidity/internal/calc"
	"github.com/leafsii/leafsii-liquidity/internal/notify"
	"github.com/leafsii/leafsii-liquidity/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type wsHarness struct {
	hub   *Hub
	cache *store.Cache
	conn  *websocket.Conn
	msgs  chan Message
}

func newWSHarness(t *testing.T, origins []string) *wsHarness {
	t.Helper()
	logger := zap.NewNop().Sugar()
	cache := store.NewMemoryCache(logger, nil)
	sim := accrual.NewSimulator(logger, accrual.WithCadence(10*time.Millisecond))
	hub := NewHub(cache, sim, calc.DefaultTable(), logger, nil, origins)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	h := &wsHarness{hub: hub, cache: cache, conn: conn, msgs: make(chan Message, 64)}
	go func() {
		defer close(h.msgs)
		for {
			var m Message
			if err := conn.ReadJSON(&m); err != nil {
				return
			}
			h.msgs <- m
		}
	}()

	t.Cleanup(func() {
		conn.Close()
		srv.Close()
		cancel()
		cache.Close()
	})
	return h
}

func (h *wsHarness) send(t *testing.T, req map[string]interface{}) {
	t.Helper()
	require.NoError(t, h.conn.WriteJSON(req))
}

func (h *wsHarness) await(t *testing.T, typ string) Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-h.msgs:
			require.True(t, ok, "connection closed waiting for %s", typ)
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// publishUntil republishes until a notification arrives, since the hub's
// subscription is set up asynchronously by Run.
func (h *wsHarness) publishUntil(t *testing.T, channel string, ev notify.Event) Message {
	t.Helper()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-h.msgs:
			require.True(t, ok)
			if m.Type == "notification" {
				return m
			}
		case <-ticker.C:
			require.NoError(t, h.cache.Publish(context.Background(), channel, ev))
		case <-timeout:
			t.Fatal("timed out waiting for notification")
		}
	}
}

func TestHub_DeliversUserNotifications(t *testing.T) {
	h := newWSHarness(t, nil)

	h.send(t, map[string]interface{}{"type": "subscribe", "address": "0xABCdef"})
	ack := h.await(t, "subscribed")
	var topics []string
	require.NoError(t, json.Unmarshal(ack.Data, &topics))
	assert.Contains(t, topics, "lq:user:0xabcdef")

	m := h.publishUntil(t, store.ChannelUser("0xabcdef"), notify.Event{
		Type:     notify.EventConfirmed,
		IntentID: "i-1",
		Owner:    "0xabcdef",
	})
	assert.Equal(t, "lq:user:0xabcdef", m.Topic)

	var ev notify.Event
	require.NoError(t, json.Unmarshal(m.Data, &ev))
	assert.Equal(t, notify.EventConfirmed, ev.Type)
	assert.Equal(t, "i-1", ev.IntentID)
}

func TestHub_IntentSubscription(t *testing.T) {
	h := newWSHarness(t, nil)

	h.send(t, map[string]interface{}{"type": "subscribe", "intent": "abc"})
	h.await(t, "subscribed")

	m := h.publishUntil(t, store.ChannelIntent("abc"), notify.Event{Type: notify.EventApproving, IntentID: "abc"})
	assert.Equal(t, "lq:intent:abc", m.Topic)
}

func TestHub_UnsubscribedTopicsAreFiltered(t *testing.T) {
	h := newWSHarness(t, nil)
	h.send(t, map[string]interface{}{"type": "subscribe", "intent": "mine"})
	h.await(t, "subscribed")

	client := waitForClient(t, h.hub)
	assert.True(t, client.isSubscribed(store.ChannelIntent("mine")))
	assert.False(t, client.isSubscribed(store.ChannelIntent("other")))

	h.send(t, map[string]interface{}{"type": "unsubscribe", "intent": "mine"})
	h.await(t, "unsubscribed")
	assert.False(t, client.isSubscribed(store.ChannelIntent("mine")))
}

func TestHub_SimulateStreamsAccrual(t *testing.T) {
	h := newWSHarness(t, nil)

	h.send(t, map[string]interface{}{
		"type":               "simulate",
		"id":                 "s1",
		"principal":          "1000",
		"lockDurationMonths": 1,
	})

	m := h.await(t, "accrual")
	assert.Equal(t, "accrual:s1", m.Topic)

	var snap struct {
		Principal         string `json:"principal"`
		AnnualRatePercent string `json:"annualRatePercent"`
		AccruedAmount     string `json:"accruedAmount"`
	}
	require.NoError(t, json.Unmarshal(m.Data, &snap))
	assert.Equal(t, "1000", snap.Principal)
	assert.Equal(t, calc.DefaultTable().RateFor(mustDecimal(t, "1000")).String(), snap.AnnualRatePercent)

	h.send(t, map[string]interface{}{"type": "stop_simulation", "id": "s1"})
	stopped := h.await(t, "simulation_stopped")
	assert.Equal(t, "accrual:s1", stopped.Topic)
}

func TestHub_SimulateRejectsInvalidParams(t *testing.T) {
	h := newWSHarness(t, nil)

	h.send(t, map[string]interface{}{
		"type":               "simulate",
		"principal":          "-5",
		"lockDurationMonths": 1,
	})
	m := h.await(t, "error")

	var body map[string]string
	require.NoError(t, json.Unmarshal(m.Data, &body))
	assert.Contains(t, body["message"], "simulation rejected")
}

func TestHub_UnknownMessageType(t *testing.T) {
	h := newWSHarness(t, nil)
	h.send(t, map[string]interface{}{"type": "bogus"})
	m := h.await(t, "error")
	assert.Contains(t, string(m.Data), "bogus")
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin header", nil, "", true},
		{"listed", []string{"https://app.example"}, "https://app.example", true},
		{"unlisted", []string{"https://app.example"}, "https://evil.example", false},
		{"wildcard", []string{"*"}, "https://any.example", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

func waitForClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		for c := range hub.clients {
			hub.mu.RUnlock()
			return c
		}
		hub.mu.RUnlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no client registered")
	return nil
}
