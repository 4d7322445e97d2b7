// Package testutil provides testing utilities for the bridge.
// This package contains a mock xTool device server and helpers for
// writing integration tests.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// connWrapper wraps a WebSocket connection with its write mutex
type connWrapper struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// MockDevice simulates an xTool laser. The real firmware serves its control
// API on port 8080 and the event stream on port 8081; the mock serves both
// on a single port, upgrading any request that asks for it. Point a device
// entry's host at Addr() to drive the full bridge against it.
type MockDevice struct {
	server *http.Server
	addr   string

	stateMu      sync.RWMutex
	machineType  string
	mac          string
	progress     float64
	workingMS    int64
	line         int
	workingState string
	sdCard       bool
	limitStop    bool
	tiltStop     bool
	movingStop   bool
	offline      bool

	connections []*connWrapper
	connsMu     sync.Mutex

	actions   []DeviceAction // Track all job control actions for verification
	actionsMu sync.Mutex     // Protects actions
}

// NewMockDevice creates a mock device listening on addr.
func NewMockDevice(addr string) *MockDevice {
	return &MockDevice{
		addr:         addr,
		machineType:  "xTool D1 Pro",
		mac:          "aa:bb:cc:dd:ee:ff",
		workingState: "0",
		connections:  make([]*connWrapper, 0),
		actions:      make([]DeviceAction, 0),
	}
}

// Addr returns the host:port the mock listens on.
func (d *MockDevice) Addr() string {
	return d.addr
}

// Start starts the mock device server.
func (d *MockDevice) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ping", d.handlePing)
	mux.HandleFunc("/getmachinetype", d.handleMachineType)
	mux.HandleFunc("/system", d.handleSystem)
	mux.HandleFunc("/progress", d.handleProgress)
	mux.HandleFunc("/peripherystatus", d.handlePeriphery)
	mux.HandleFunc("/cnc/data", d.handleCNC)
	mux.HandleFunc("/", d.handleRoot)

	d.server = &http.Server{
		Addr:    d.addr,
		Handler: mux,
	}

	go func() {
		if err := d.server.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("Mock device server error: %v", err)
		}
	}()

	// Wait for server to start
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Stop stops the mock device server.
func (d *MockDevice) Stop() error {
	d.CloseEventConnections()
	if d.server != nil {
		return d.server.Close()
	}
	return nil
}

// CloseEventConnections drops every open event stream connection, simulating
// the firmware resetting its WebSocket side. Listeners are expected to
// reconnect on their own.
func (d *MockDevice) CloseEventConnections() {
	d.connsMu.Lock()
	for _, wrapper := range d.connections {
		wrapper.conn.Close()
	}
	d.connections = nil
	d.connsMu.Unlock()
}

// EventConnectionCount returns the number of open event stream connections.
func (d *MockDevice) EventConnectionCount() int {
	d.connsMu.Lock()
	defer d.connsMu.Unlock()
	return len(d.connections)
}

// SetOffline toggles failure mode. While offline every request is answered
// with a 503 and event stream upgrades are refused, which the bridge treats
// as a dead device.
func (d *MockDevice) SetOffline(offline bool) {
	d.stateMu.Lock()
	d.offline = offline
	d.stateMu.Unlock()
}

// SetMachineType sets the model string reported by /getmachinetype.
func (d *MockDevice) SetMachineType(machineType string) {
	d.stateMu.Lock()
	d.machineType = machineType
	d.stateMu.Unlock()
}

// SetMAC sets the MAC address reported by /system?action=mac.
func (d *MockDevice) SetMAC(mac string) {
	d.stateMu.Lock()
	d.mac = mac
	d.stateMu.Unlock()
}

// SetJob sets the job progress report: percent complete, elapsed working
// time in milliseconds, and the current G-code line.
func (d *MockDevice) SetJob(progress float64, workingMS int64, line int) {
	d.stateMu.Lock()
	d.progress = progress
	d.workingMS = workingMS
	d.line = line
	d.stateMu.Unlock()
}

// SetWorkingState sets the raw working state code ("0" idle, "1" running
// from the API, "2" running from the device button).
func (d *MockDevice) SetWorkingState(code string) {
	d.stateMu.Lock()
	d.workingState = code
	d.stateMu.Unlock()
}

// WorkingState returns the current working state code.
func (d *MockDevice) WorkingState() string {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.workingState
}

// SetPeriphery sets the peripheral status flags.
func (d *MockDevice) SetPeriphery(sdCard, limitStop, tiltStop, movingStop bool) {
	d.stateMu.Lock()
	d.sdCard = sdCard
	d.limitStop = limitStop
	d.tiltStop = tiltStop
	d.movingStop = movingStop
	d.stateMu.Unlock()
}

// refuse answers with a 503 when the device is in failure mode. Returns
// true when the request was refused.
func (d *MockDevice) refuse(w http.ResponseWriter) bool {
	d.stateMu.RLock()
	offline := d.offline
	d.stateMu.RUnlock()
	if offline {
		http.Error(w, "device offline", http.StatusServiceUnavailable)
	}
	return offline
}

func (d *MockDevice) respond(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("Mock device response error: %v", err)
	}
}

func (d *MockDevice) handlePing(w http.ResponseWriter, r *http.Request) {
	if d.refuse(w) {
		return
	}
	d.respond(w, map[string]string{"result": "ok"})
}

func (d *MockDevice) handleMachineType(w http.ResponseWriter, r *http.Request) {
	if d.refuse(w) {
		return
	}
	d.stateMu.RLock()
	machineType := d.machineType
	d.stateMu.RUnlock()
	d.respond(w, map[string]string{"result": "ok", "type": machineType})
}

func (d *MockDevice) handleSystem(w http.ResponseWriter, r *http.Request) {
	if d.refuse(w) {
		return
	}
	switch r.URL.Query().Get("action") {
	case "mac":
		d.stateMu.RLock()
		mac := d.mac
		d.stateMu.RUnlock()
		d.respond(w, map[string]string{"result": "ok", "mac": mac})
	case "get_working_sta":
		d.stateMu.RLock()
		working := d.workingState
		d.stateMu.RUnlock()
		d.respond(w, map[string]string{"result": "ok", "working": working})
	default:
		d.respond(w, map[string]string{"result": "fail"})
	}
}

func (d *MockDevice) handleProgress(w http.ResponseWriter, r *http.Request) {
	if d.refuse(w) {
		return
	}
	d.stateMu.RLock()
	payload := map[string]interface{}{
		"result":   "ok",
		"progress": d.progress,
		"working":  d.workingMS,
		"line":     d.line,
	}
	d.stateMu.RUnlock()
	d.respond(w, payload)
}

// handlePeriphery reports the safety flags the way the firmware does, as
// 0/1 integers.
func (d *MockDevice) handlePeriphery(w http.ResponseWriter, r *http.Request) {
	if d.refuse(w) {
		return
	}
	flag := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	d.stateMu.RLock()
	payload := map[string]int{
		"sdCard":         flag(d.sdCard),
		"limitStopFlag":  flag(d.limitStop),
		"tiltStopFlag":   flag(d.tiltStop),
		"movingStopFlag": flag(d.movingStop),
	}
	d.stateMu.RUnlock()
	d.respond(w, payload)
}

// handleCNC handles job control actions. A stop flips the working state back
// to idle, the way the firmware does; pause and resume leave it untouched.
func (d *MockDevice) handleCNC(w http.ResponseWriter, r *http.Request) {
	if d.refuse(w) {
		return
	}

	action := r.URL.Query().Get("action")
	switch action {
	case "pause", "resume":
	case "stop":
		d.stateMu.Lock()
		d.workingState = "0"
		d.stateMu.Unlock()
	default:
		d.respond(w, map[string]string{"result": "fail"})
		return
	}

	// Track the action for test verification
	d.actionsMu.Lock()
	d.actions = append(d.actions, DeviceAction{
		Timestamp: time.Now(),
		Action:    action,
	})
	d.actionsMu.Unlock()

	d.respond(w, map[string]string{"result": "ok"})
}

// handleRoot upgrades event stream connections and rejects everything else.
func (d *MockDevice) handleRoot(w http.ResponseWriter, r *http.Request) {
	if d.refuse(w) {
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn}

	d.connsMu.Lock()
	d.connections = append(d.connections, wrapper)
	d.connsMu.Unlock()

	defer func() {
		d.connsMu.Lock()
		for i, w := range d.connections {
			if w.conn == conn {
				d.connections = append(d.connections[:i], d.connections[i+1:]...)
				break
			}
		}
		d.connsMu.Unlock()
		conn.Close()
	}()

	// The device never reads commands from the stream; drain frames until
	// the peer closes so disconnects are noticed.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// SendEvent broadcasts a machine event frame to every connected listener.
func (d *MockDevice) SendEvent(event string) {
	frame, _ := json.Marshal(map[string]string{"event": event})

	d.connsMu.Lock()
	wrappers := make([]*connWrapper, len(d.connections))
	copy(wrappers, d.connections)
	d.connsMu.Unlock()

	for _, wrapper := range wrappers {
		// Write to each connection with per-connection mutex
		wrapper.writeMu.Lock()
		wrapper.conn.WriteMessage(websocket.TextMessage, frame)
		wrapper.writeMu.Unlock()
	}
}

// Actions returns all job control actions received since last clear.
func (d *MockDevice) Actions() []DeviceAction {
	d.actionsMu.Lock()
	defer d.actionsMu.Unlock()
	actions := make([]DeviceAction, len(d.actions))
	copy(actions, d.actions)
	return actions
}

// ClearActions resets the action log.
func (d *MockDevice) ClearActions() {
	d.actionsMu.Lock()
	defer d.actionsMu.Unlock()
	d.actions = nil
}

// LastAction returns the most recent action, or nil when none was received.
func (d *MockDevice) LastAction() *DeviceAction {
	d.actionsMu.Lock()
	defer d.actionsMu.Unlock()
	if len(d.actions) == 0 {
		return nil
	}
	action := d.actions[len(d.actions)-1]
	return &action
}

// CountActions counts received actions with the given name.
func (d *MockDevice) CountActions(name string) int {
	d.actionsMu.Lock()
	defer d.actionsMu.Unlock()

	count := 0
	for _, action := range d.actions {
		if action.Action == name {
			count++
		}
	}
	return count
}
