// Package entity defines the Home Assistant entities published per device:
// descriptor tables mapping poll snapshots to sensor and binary sensor
// values, plus the job control buttons.
package entity

import (
	"strconv"

	"xtoolbridge/internal/xtool"
)

// Platform is the Home Assistant MQTT discovery component type.
type Platform string

const (
	PlatformSensor       Platform = "sensor"
	PlatformBinarySensor Platform = "binary_sensor"
	PlatformButton       Platform = "button"
)

// Sensor describes one sensor entity. Value renders the state payload from a
// snapshot and must only be called with a non-nil snapshot.
type Sensor struct {
	Key         string
	Name        string
	Unit        string
	DeviceClass string
	StateClass  string
	Icon        string
	Value       func(*xtool.Snapshot) string
}

// BinarySensor describes one binary sensor entity.
type BinarySensor struct {
	Key         string
	Name        string
	DeviceClass string
	Icon        string
	Value       func(*xtool.Snapshot) bool
}

// Button describes one button entity. Action is the registry job action the
// button triggers.
type Button struct {
	Key    string
	Name   string
	Icon   string
	Action string
}

// Sensors are the poll-derived sensors, in publish order.
var Sensors = []Sensor{
	{
		Key:        "progress",
		Name:       "Job progress",
		Unit:       "%",
		StateClass: "measurement",
		Value: func(s *xtool.Snapshot) string {
			return strconv.FormatFloat(s.Progress, 'f', -1, 64)
		},
	},
	{
		Key:         "working_seconds",
		Name:        "Working time",
		Unit:        "s",
		DeviceClass: "duration",
		StateClass:  "measurement",
		Value: func(s *xtool.Snapshot) string {
			return strconv.FormatInt(s.WorkingSeconds(), 10)
		},
	},
	{
		Key:        "line",
		Name:       "G-code line",
		StateClass: "measurement",
		Icon:       "mdi:counter",
		Value: func(s *xtool.Snapshot) string {
			return strconv.Itoa(s.Line)
		},
	},
	{
		Key:  "working_state",
		Name: "Working state",
		Icon: "mdi:state-machine",
		Value: func(s *xtool.Snapshot) string {
			return s.WorkingStateLabel
		},
	},
	{
		Key:  "machine_type",
		Name: "Machine type",
		Icon: "mdi:laser-pointer",
		Value: func(s *xtool.Snapshot) string {
			return s.MachineType
		},
	},
}

// EventSensor is fed by the WebSocket listener rather than the poll loop, so
// it carries no Value function and its availability follows the event stream.
var EventSensor = Sensor{
	Key:  "ws_event",
	Name: "Machine event",
	Icon: "mdi:message-flash",
}

// BinarySensors are the peripheral status flags, in publish order.
var BinarySensors = []BinarySensor{
	{
		Key:  "sd_card_inserted",
		Name: "SD card inserted",
		Icon: "mdi:micro-sd",
		Value: func(s *xtool.Snapshot) bool {
			return s.Peripheral.SDCard
		},
	},
	{
		Key:         "limit_stop_enabled",
		Name:        "Limit stop enabled",
		DeviceClass: "safety",
		Value: func(s *xtool.Snapshot) bool {
			return s.Peripheral.LimitStop
		},
	},
	{
		Key:         "tilt_stop_enabled",
		Name:        "Tilt stop enabled",
		DeviceClass: "safety",
		Value: func(s *xtool.Snapshot) bool {
			return s.Peripheral.TiltStop
		},
	},
	{
		Key:         "moving_stop_enabled",
		Name:        "Moving stop enabled",
		DeviceClass: "safety",
		Value: func(s *xtool.Snapshot) bool {
			return s.Peripheral.MovingStop
		},
	},
}

// Buttons are the job control buttons, in publish order.
var Buttons = []Button{
	{Key: "pause_job", Name: "Pause job", Icon: "mdi:pause-circle-outline", Action: "pause"},
	{Key: "resume_job", Name: "Resume job", Icon: "mdi:play-circle-outline", Action: "resume"},
	{Key: "stop_job", Name: "Stop job", Icon: "mdi:stop-circle-outline", Action: "stop"},
}

// ButtonsByKey creates a map of buttons by their key.
func ButtonsByKey() map[string]Button {
	buttons := make(map[string]Button)
	for _, b := range Buttons {
		buttons[b.Key] = b
	}
	return buttons
}

// AllKeys returns every entity key across platforms, in publish order.
func AllKeys() []string {
	keys := make([]string, 0, len(Sensors)+1+len(BinarySensors)+len(Buttons))
	for _, s := range Sensors {
		keys = append(keys, s.Key)
	}
	keys = append(keys, EventSensor.Key)
	for _, b := range BinarySensors {
		keys = append(keys, b.Key)
	}
	for _, b := range Buttons {
		keys = append(keys, b.Key)
	}
	return keys
}
