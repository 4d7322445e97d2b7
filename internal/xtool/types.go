package xtool

import (
	"encoding/json"
	"fmt"
	"net"
)

// Device network ports are fixed by the firmware.
const (
	DefaultHTTPPort      = 8080
	DefaultWSPort        = 8081
	DefaultDiscoveryPort = 20000
)

// BaseURL returns the device's HTTP origin. A bare host gets the fixed
// firmware port; an explicit host:port is used as given.
func BaseURL(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "http://" + host
	}
	return fmt.Sprintf("http://%s:%d", host, DefaultHTTPPort)
}

// WSURL returns the device's event stream endpoint, following the same
// host:port override rule as BaseURL.
func WSURL(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return "ws://" + host
	}
	return fmt.Sprintf("ws://%s:%d", host, DefaultWSPort)
}

// Working state codes reported by /system?action=get_working_sta.
const (
	WorkingStateIdle          = "0"
	WorkingStateRunningAPI    = "1"
	WorkingStateRunningButton = "2"
)

// workingStateLabels maps device state codes to entity-facing labels.
var workingStateLabels = map[string]string{
	WorkingStateIdle:          "idle",
	WorkingStateRunningAPI:    "running_api",
	WorkingStateRunningButton: "running_button",
}

// WorkingStateLabel returns the label for a raw working state code.
// Unknown codes map to "unknown".
func WorkingStateLabel(code string) string {
	if label, ok := workingStateLabels[code]; ok {
		return label
	}
	return "unknown"
}

// CommError is returned for any failed device exchange: timeout, refused
// connection, bad HTTP status, malformed JSON, or a non-ok action result.
type CommError struct {
	Op  string // operation or endpoint that failed
	Err error
}

func (e *CommError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("device request failed: %s", e.Op)
	}
	return fmt.Sprintf("device request failed: %s: %v", e.Op, e.Err)
}

func (e *CommError) Unwrap() error {
	return e.Err
}

// commErrorf builds a CommError with a formatted cause.
func commErrorf(op, format string, args ...interface{}) *CommError {
	return &CommError{Op: op, Err: fmt.Errorf(format, args...)}
}

// ProgressReport is the payload of GET /progress.
type ProgressReport struct {
	Progress  float64 `json:"progress"` // percent, 0-100
	WorkingMS int64   `json:"working"`  // elapsed job time in milliseconds
	Line      int     `json:"line"`     // current G-code line
}

// PeripheralStatus is the payload of GET /peripherystatus. The firmware
// reports flags as 0/1 integers.
type PeripheralStatus struct {
	SDCard     bool `json:"sdCard"`
	LimitStop  bool `json:"limitStopFlag"`
	TiltStop   bool `json:"tiltStopFlag"`
	MovingStop bool `json:"movingStopFlag"`
}

// UnmarshalJSON decodes the firmware's 0/1 integer flags into booleans.
// Absent flags default to false.
func (p *PeripheralStatus) UnmarshalJSON(data []byte) error {
	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	flag := func(key string) bool {
		n, ok := raw[key]
		if !ok {
			return false
		}
		v, err := n.Int64()
		return err == nil && v != 0
	}

	p.SDCard = flag("sdCard")
	p.LimitStop = flag("limitStopFlag")
	p.TiltStop = flag("tiltStopFlag")
	p.MovingStop = flag("movingStopFlag")
	return nil
}

// Snapshot is one complete poll of a device: the four read endpoints combined.
// The coordinator overwrites its snapshot wholesale on every successful poll.
type Snapshot struct {
	Progress          float64          `json:"progress"`
	WorkingMS         int64            `json:"working_ms"`
	Line              int              `json:"line"`
	WorkingState      string           `json:"working_state"`       // raw code
	WorkingStateLabel string           `json:"working_state_label"` // mapped label
	MachineType       string           `json:"machine_type"`
	Peripheral        PeripheralStatus `json:"peripheral"`
}

// WorkingSeconds returns the elapsed job time rounded to whole seconds.
func (s *Snapshot) WorkingSeconds() int64 {
	return (s.WorkingMS + 500) / 1000
}

// ConnStatus describes the event listener's connection state.
type ConnStatus string

const (
	StatusDisconnected ConnStatus = "disconnected"
	StatusConnecting   ConnStatus = "connecting"
	StatusConnected    ConnStatus = "connected"
)

// EventRecord holds the most recent WebSocket event and the listener status.
type EventRecord struct {
	Event  string     `json:"event"`
	Status ConnStatus `json:"status"`
}

// DiscoveredDevice is one UDP discovery reply.
type DiscoveredDevice struct {
	Host    string `json:"host"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// discoveryRequest is the broadcast packet sent on the discovery port.
type discoveryRequest struct {
	RequestID int `json:"requestId"`
}

// discoveryReply is a device's answer to a discovery broadcast.
type discoveryReply struct {
	RequestID int    `json:"requestId"`
	IP        string `json:"ip"`
	Name      string `json:"name"`
	Version   string `json:"version"`
}
