package xtool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"xtoolbridge/internal/clock"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// reconnectDelay is the fixed wait between reconnect attempts.
	reconnectDelay = 5 * time.Second

	// handshakeTimeout bounds the WebSocket connect before falling back
	// to disconnected.
	handshakeTimeout = 15 * time.Second
)

// EventHandler receives each accepted event frame value.
type EventHandler func(event string)

// StatusHandler receives listener connection status transitions.
type StatusHandler func(status ConnStatus)

// EventListener maintains the WebSocket connection to a device's event
// stream on port 8081. It owns the Event Record: the latest event value is
// overwritten per frame, and the status drops to disconnected whenever the
// socket does. Lost connections are retried after a fixed delay; at most one
// reconnect timer is pending at any time.
type EventListener struct {
	host   string
	url    string
	logger *zap.Logger
	clock  clock.Clock
	dialer *websocket.Dialer

	onEvent  EventHandler
	onStatus StatusHandler

	mu      sync.RWMutex
	record  EventRecord
	conn    *websocket.Conn
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEventListener creates a listener for the device at host. Handlers must
// be set before Start.
func NewEventListener(host string, logger *zap.Logger) *EventListener {
	host = strings.TrimSpace(host)
	return &EventListener{
		host:   host,
		url:    WSURL(host),
		logger: logger.Named("events"),
		clock:  clock.NewRealClock(),
		dialer: &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		record: EventRecord{Status: StatusDisconnected},
	}
}

// SetClock sets the clock implementation (useful for testing).
func (l *EventListener) SetClock(c clock.Clock) {
	l.clock = c
}

// SetEventHandler registers the callback invoked for each accepted frame.
// The handler runs on the listener goroutine and must not block.
func (l *EventListener) SetEventHandler(h EventHandler) {
	l.onEvent = h
}

// SetStatusHandler registers the callback invoked on status transitions.
func (l *EventListener) SetStatusHandler(h StatusHandler) {
	l.onStatus = h
}

// Record returns the current event record.
func (l *EventListener) Record() EventRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.record
}

// Start launches the listener loop.
func (l *EventListener) Start() error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("event listener already started")
	}
	l.running = true
	l.ctx, l.cancel = context.WithCancel(context.Background())
	l.mu.Unlock()

	l.wg.Add(1)
	go l.run()
	return nil
}

// Stop cancels the listener, closes the socket, and waits for the loop to
// exit. Any pending reconnect timer is abandoned; no work survives Stop.
func (l *EventListener) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	cancel := l.cancel
	conn := l.conn
	l.mu.Unlock()

	cancel()
	if conn != nil {
		conn.Close()
	}
	l.wg.Wait()
	l.logger.Debug("Event listener stopped", zap.String("host", l.host))
}

// run is the listener loop: connect, read until failure, wait, repeat.
func (l *EventListener) run() {
	defer l.wg.Done()

	for {
		if l.ctx.Err() != nil {
			return
		}

		l.setStatus(StatusConnecting)
		conn, _, err := l.dialer.DialContext(l.ctx, l.url, nil)
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn("Event stream connect failed",
					zap.String("url", l.url),
					zap.Error(err))
			}
			l.setStatus(StatusDisconnected)
			if !l.waitReconnect() {
				return
			}
			continue
		}

		l.setConn(conn)
		l.setStatus(StatusConnected)
		l.logger.Info("Event stream connected", zap.String("host", l.host))

		l.readFrames(conn)

		l.setConn(nil)
		conn.Close()
		l.setStatus(StatusDisconnected)

		if l.ctx.Err() != nil {
			return
		}

		l.logger.Warn("Event stream lost, reconnecting",
			zap.String("host", l.host),
			zap.Duration("delay", reconnectDelay))
		if !l.waitReconnect() {
			return
		}
	}
}

// waitReconnect blocks for the reconnect delay. Returns false when the
// listener was stopped while waiting.
func (l *EventListener) waitReconnect() bool {
	select {
	case <-l.ctx.Done():
		return false
	case <-l.clock.After(reconnectDelay):
		return true
	}
}

// readFrames consumes frames until the connection fails or closes. Malformed
// frames are logged and dropped; the connection stays open.
func (l *EventListener) readFrames(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if l.ctx.Err() == nil {
				l.logger.Warn("Event stream read failed", zap.Error(err))
			}
			return
		}

		if msgType != websocket.TextMessage {
			continue
		}

		event, ok := parseEventFrame(data)
		if !ok {
			l.logger.Debug("Dropping malformed event frame",
				zap.ByteString("frame", data))
			continue
		}

		l.setEvent(event)
	}
}

// parseEventFrame extracts the event value from a text frame. A JSON object
// with a string "event" field yields that value; any other valid JSON yields
// the trimmed raw frame; invalid JSON is rejected.
func parseEventFrame(data []byte) (string, bool) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return "", false
	}

	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal([]byte(trimmed), &probe); err == nil && probe.Event != "" {
		return probe.Event, true
	}

	return trimmed, true
}

func (l *EventListener) setConn(conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *EventListener) setEvent(event string) {
	l.mu.Lock()
	l.record.Event = event
	l.mu.Unlock()

	l.logger.Debug("Machine event received", zap.String("event", event))
	if l.onEvent != nil {
		l.onEvent(event)
	}
}

func (l *EventListener) setStatus(status ConnStatus) {
	l.mu.Lock()
	changed := l.record.Status != status
	l.record.Status = status
	l.mu.Unlock()

	if changed && l.onStatus != nil {
		l.onStatus(status)
	}
}
