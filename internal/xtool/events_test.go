package xtool

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xtoolbridge/internal/clock"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockEventServer runs handler for each WebSocket connection.
func mockEventServer(handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

// newTestListener points a listener at the mock server instead of port 8081.
func newTestListener(serverURL string) *EventListener {
	logger, _ := zap.NewDevelopment()
	listener := NewEventListener("device.test", logger)
	listener.url = "ws" + strings.TrimPrefix(serverURL, "http")
	return listener
}

func nextEvent(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func nextStatus(t *testing.T, ch <-chan ConnStatus) ConnStatus {
	t.Helper()
	select {
	case status := <-ch:
		return status
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status transition")
		return ""
	}
}

func expectNoStatus(t *testing.T, ch <-chan ConnStatus, wait time.Duration) {
	t.Helper()
	select {
	case status := <-ch:
		t.Fatalf("unexpected status transition %q", status)
	case <-time.After(wait):
	}
}

func TestEventListener_ReceivesEvents(t *testing.T) {
	server := mockEventServer(func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event": "job_started"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not-json{{{`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"status": "warming"}`))
		conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02})
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event": "job_complete"}`))

		// Hold the connection open until the listener closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	listener := newTestListener(server.URL)
	events := make(chan string, 8)
	listener.SetEventHandler(func(event string) { events <- event })

	require.NoError(t, listener.Start())
	defer listener.Stop()

	// The malformed and binary frames produce no events.
	assert.Equal(t, "job_started", nextEvent(t, events))
	assert.Equal(t, `{"status": "warming"}`, nextEvent(t, events))
	assert.Equal(t, "job_complete", nextEvent(t, events))

	record := listener.Record()
	assert.Equal(t, "job_complete", record.Event)
	assert.Equal(t, StatusConnected, record.Status)

	listener.Stop()
	assert.Equal(t, StatusDisconnected, listener.Record().Status)
}

func TestEventListener_ReconnectsAfterConnectionLoss(t *testing.T) {
	var dials atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// One frame, then drop the connection.
		conn.WriteMessage(websocket.TextMessage, []byte(`{"event": "hello"}`))
		conn.Close()
	}))
	defer server.Close()

	clk := clock.NewMockClock(time.Now())
	listener := newTestListener(server.URL)
	listener.SetClock(clk)

	statuses := make(chan ConnStatus, 16)
	listener.SetStatusHandler(func(status ConnStatus) { statuses <- status })

	require.NoError(t, listener.Start())
	defer listener.Stop()

	assert.Equal(t, StatusConnecting, nextStatus(t, statuses))
	assert.Equal(t, StatusConnected, nextStatus(t, statuses))
	assert.Equal(t, StatusDisconnected, nextStatus(t, statuses))

	// Nothing fires the reconnect timer until the clock advances.
	expectNoStatus(t, statuses, 200*time.Millisecond)
	assert.Equal(t, int32(1), dials.Load())

	require.Eventually(t, func() bool {
		clk.Advance(reconnectDelay)
		return dials.Load() >= 2
	}, 3*time.Second, 50*time.Millisecond, "listener should redial after the delay")

	assert.Equal(t, StatusConnecting, nextStatus(t, statuses))
	assert.Equal(t, StatusConnected, nextStatus(t, statuses))
}

func TestEventListener_RetriesFailedConnect(t *testing.T) {
	server := mockEventServer(func(conn *websocket.Conn) {})
	serverURL := server.URL
	server.Close()

	clk := clock.NewMockClock(time.Now())
	listener := newTestListener(serverURL)
	listener.SetClock(clk)

	var connects atomic.Int32
	listener.SetStatusHandler(func(status ConnStatus) {
		if status == StatusConnecting {
			connects.Add(1)
		}
	})

	require.NoError(t, listener.Start())
	defer listener.Stop()

	require.Eventually(t, func() bool {
		clk.Advance(reconnectDelay)
		return connects.Load() >= 2
	}, 3*time.Second, 50*time.Millisecond, "listener should keep retrying")

	assert.Equal(t, StatusDisconnected, listener.Record().Status)
}

func TestEventListener_StartStop(t *testing.T) {
	server := mockEventServer(func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	listener := newTestListener(server.URL)

	// Stop before Start is a no-op.
	listener.Stop()

	require.NoError(t, listener.Start())
	assert.Error(t, listener.Start(), "second Start should be rejected")

	listener.Stop()
	listener.Stop()
	assert.Equal(t, StatusDisconnected, listener.Record().Status)
}

func TestEventListener_StopAbandonsReconnect(t *testing.T) {
	server := mockEventServer(func(conn *websocket.Conn) {})
	serverURL := server.URL
	server.Close()

	clk := clock.NewMockClock(time.Now())
	listener := newTestListener(serverURL)
	listener.SetClock(clk)

	statuses := make(chan ConnStatus, 16)
	listener.SetStatusHandler(func(status ConnStatus) { statuses <- status })

	require.NoError(t, listener.Start())
	assert.Equal(t, StatusConnecting, nextStatus(t, statuses))
	assert.Equal(t, StatusDisconnected, nextStatus(t, statuses))

	// Stop while the reconnect wait is pending; the timer must not survive.
	listener.Stop()
	clk.Advance(reconnectDelay)
	expectNoStatus(t, statuses, 200*time.Millisecond)
}

func TestParseEventFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  string
		ok    bool
	}{
		{"event object", `{"event": "job_complete"}`, "job_complete", true},
		{"padded event object", `  {"event": "done"}  `, "done", true},
		{"object without event field", `{"status": "ok"}`, `{"status": "ok"}`, true},
		{"json array", `[1, 2]`, `[1, 2]`, true},
		{"invalid json", `garbage`, "", false},
		{"empty frame", ``, "", false},
		{"whitespace frame", `   `, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseEventFrame([]byte(tt.frame))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
