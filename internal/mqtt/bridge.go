package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"xtoolbridge/internal/coordinator"
	"xtoolbridge/internal/entity"
	"xtoolbridge/internal/xtool"
)

// PayloadPress is the button command payload sent by Home Assistant.
const PayloadPress = "PRESS"

// Binary sensor state payloads.
const (
	payloadOn  = "ON"
	payloadOff = "OFF"
)

// DeviceInfo is the discovery device block shared by every entity of one
// machine, so Home Assistant groups them under a single device.
type DeviceInfo struct {
	Identifiers      []string `json:"identifiers"`
	Name             string   `json:"name"`
	Manufacturer     string   `json:"manufacturer,omitempty"`
	Model            string   `json:"model,omitempty"`
	ConfigurationURL string   `json:"configuration_url,omitempty"`
}

// AvailabilityConfig is one entry of an entity's availability topic list.
type AvailabilityConfig struct {
	Topic string `json:"topic"`
}

// entityConfig is the discovery payload for a single entity. One struct
// covers all three platforms; unused fields are omitted from the JSON.
type entityConfig struct {
	Name              string               `json:"name"`
	UniqueID          string               `json:"unique_id"`
	StateTopic        string               `json:"state_topic,omitempty"`
	CommandTopic      string               `json:"command_topic,omitempty"`
	PayloadPress      string               `json:"payload_press,omitempty"`
	PayloadOn         string               `json:"payload_on,omitempty"`
	PayloadOff        string               `json:"payload_off,omitempty"`
	UnitOfMeasurement string               `json:"unit_of_measurement,omitempty"`
	DeviceClass       string               `json:"device_class,omitempty"`
	StateClass        string               `json:"state_class,omitempty"`
	Icon              string               `json:"icon,omitempty"`
	Availability      []AvailabilityConfig `json:"availability,omitempty"`
	AvailabilityMode  string               `json:"availability_mode,omitempty"`
	Device            *DeviceInfo          `json:"device,omitempty"`
}

// ActionFunc runs a job action ("pause", "resume", "stop") on the device
// behind this bridge. Errors are handled by the registry, not here.
type ActionFunc func(action string)

// EntityBridge owns the MQTT face of one device entry: discovery configs,
// state topics, availability, and button command subscriptions.
type EntityBridge struct {
	pub      Publisher
	logger   *zap.Logger
	entryID  string
	onAction ActionFunc

	mu          sync.Mutex
	device      DeviceInfo
	deviceAvail string
	eventAvail  string
}

// NewEntityBridge creates the bridge for one entry. Nothing is published
// until Publish is called.
func NewEntityBridge(pub Publisher, entryID string, device DeviceInfo, onAction ActionFunc, logger *zap.Logger) *EntityBridge {
	return &EntityBridge{
		pub:      pub,
		logger:   logger.Named("bridge").With(zap.String("entry_id", entryID)),
		entryID:  entryID,
		device:   device,
		onAction: onAction,
	}
}

func (b *EntityBridge) bridgeTopic() string {
	return b.pub.BaseTopic() + "/bridge/availability"
}

// AvailabilityTopic is the per-device availability topic driven by polling.
func (b *EntityBridge) AvailabilityTopic() string {
	return fmt.Sprintf("%s/%s/availability", b.pub.BaseTopic(), b.entryID)
}

// EventAvailabilityTopic tracks the websocket listener separately from the
// polled HTTP API.
func (b *EntityBridge) EventAvailabilityTopic() string {
	return fmt.Sprintf("%s/%s/event/availability", b.pub.BaseTopic(), b.entryID)
}

func (b *EntityBridge) configTopic(platform entity.Platform, key string) string {
	return fmt.Sprintf("%s/%s/xtool_%s/%s/config", b.pub.DiscoveryPrefix(), platform, b.entryID, key)
}

func (b *EntityBridge) stateTopic(key string) string {
	return fmt.Sprintf("%s/%s/%s/state", b.pub.BaseTopic(), b.entryID, key)
}

func (b *EntityBridge) commandTopic(key string) string {
	return fmt.Sprintf("%s/%s/%s/set", b.pub.BaseTopic(), b.entryID, key)
}

// Publish announces every entity of this entry and subscribes the button
// command topics. Safe to call repeatedly; subscriptions are re-established
// so a broker reconnect with a clean session loses nothing.
func (b *EntityBridge) Publish() error {
	b.mu.Lock()
	device := b.device
	seedEvent := b.eventAvail == ""
	if seedEvent {
		b.eventAvail = PayloadOffline
	}
	b.mu.Unlock()

	var errs error

	// Availability lands before the configs so Home Assistant never sees an
	// entity whose availability topic has no retained value yet.
	if seedEvent {
		errs = multierr.Append(errs, b.pub.Publish(b.EventAvailabilityTopic(), true, []byte(PayloadOffline)))
	}

	for _, s := range entity.Sensors {
		errs = multierr.Append(errs, b.publishConfig(entity.PlatformSensor, s.Key, b.sensorConfig(s, &device)))
	}
	errs = multierr.Append(errs, b.publishConfig(entity.PlatformSensor, entity.EventSensor.Key, b.eventSensorConfig(&device)))
	for _, s := range entity.BinarySensors {
		errs = multierr.Append(errs, b.publishConfig(entity.PlatformBinarySensor, s.Key, b.binarySensorConfig(s, &device)))
	}
	for _, btn := range entity.Buttons {
		errs = multierr.Append(errs, b.publishConfig(entity.PlatformButton, btn.Key, b.buttonConfig(btn, &device)))
		errs = multierr.Append(errs, b.pub.Subscribe(b.commandTopic(btn.Key), b.handleCommand))
	}
	return errs
}

// Unpublish removes the entry from Home Assistant: command subscriptions
// dropped, availability forced offline, and empty retained payloads on every
// config topic so the entities disappear.
func (b *EntityBridge) Unpublish() error {
	var errs error
	for _, btn := range entity.Buttons {
		errs = multierr.Append(errs, b.pub.Unsubscribe(b.commandTopic(btn.Key)))
	}
	errs = multierr.Append(errs, b.pub.Publish(b.AvailabilityTopic(), true, []byte(PayloadOffline)))
	errs = multierr.Append(errs, b.pub.Publish(b.EventAvailabilityTopic(), true, []byte(PayloadOffline)))
	for _, s := range entity.Sensors {
		errs = multierr.Append(errs, b.pub.Publish(b.configTopic(entity.PlatformSensor, s.Key), true, nil))
	}
	errs = multierr.Append(errs, b.pub.Publish(b.configTopic(entity.PlatformSensor, entity.EventSensor.Key), true, nil))
	for _, s := range entity.BinarySensors {
		errs = multierr.Append(errs, b.pub.Publish(b.configTopic(entity.PlatformBinarySensor, s.Key), true, nil))
	}
	for _, btn := range entity.Buttons {
		errs = multierr.Append(errs, b.pub.Publish(b.configTopic(entity.PlatformButton, btn.Key), true, nil))
	}
	return errs
}

// Refresh republishes discovery and the last known availability after a
// broker reconnect, where the broker's retained state may be gone.
func (b *EntityBridge) Refresh() {
	b.mu.Lock()
	dev, ev := b.deviceAvail, b.eventAvail
	b.mu.Unlock()

	if err := b.Publish(); err != nil {
		b.logger.Warn("Discovery republish failed", zap.Error(err))
	}
	if dev != "" {
		if err := b.pub.Publish(b.AvailabilityTopic(), true, []byte(dev)); err != nil {
			b.logger.Warn("Availability republish failed", zap.Error(err))
		}
	}
	if ev != "" {
		if err := b.pub.Publish(b.EventAvailabilityTopic(), true, []byte(ev)); err != nil {
			b.logger.Warn("Availability republish failed", zap.Error(err))
		}
	}
}

// HandleUpdate publishes availability for the poll tick and, when it
// succeeded, the state of every polled entity. A machine type change
// republishes discovery so the device block stays accurate.
func (b *EntityBridge) HandleUpdate(state coordinator.State) {
	b.publishDeviceAvailability(state.Available)

	if !state.Available || state.Snapshot == nil {
		return
	}
	snap := state.Snapshot

	if snap.MachineType != "" {
		b.mu.Lock()
		changed := b.device.Model != snap.MachineType
		if changed {
			b.device.Model = snap.MachineType
		}
		b.mu.Unlock()
		if changed {
			b.logger.Info("Machine type changed, republishing discovery",
				zap.String("machine_type", snap.MachineType))
			if err := b.Publish(); err != nil {
				b.logger.Warn("Discovery republish failed", zap.Error(err))
			}
		}
	}

	for _, s := range entity.Sensors {
		if s.Value == nil {
			continue
		}
		if err := b.pub.Publish(b.stateTopic(s.Key), false, []byte(s.Value(snap))); err != nil {
			b.logger.Warn("State publish failed", zap.String("key", s.Key), zap.Error(err))
		}
	}
	for _, s := range entity.BinarySensors {
		payload := payloadOff
		if s.Value(snap) {
			payload = payloadOn
		}
		if err := b.pub.Publish(b.stateTopic(s.Key), false, []byte(payload)); err != nil {
			b.logger.Warn("State publish failed", zap.String("key", s.Key), zap.Error(err))
		}
	}
}

// HandleEvent publishes one websocket event to the machine-event sensor.
func (b *EntityBridge) HandleEvent(event string) {
	if err := b.pub.Publish(b.stateTopic(entity.EventSensor.Key), false, []byte(event)); err != nil {
		b.logger.Warn("Event publish failed", zap.Error(err))
	}
}

// HandleListenerStatus mirrors the websocket connection state onto the
// event-stream availability topic.
func (b *EntityBridge) HandleListenerStatus(status xtool.ConnStatus) {
	payload := PayloadOffline
	if status == xtool.StatusConnected {
		payload = PayloadOnline
	}
	b.mu.Lock()
	if b.eventAvail == payload {
		b.mu.Unlock()
		return
	}
	b.eventAvail = payload
	b.mu.Unlock()

	if err := b.pub.Publish(b.EventAvailabilityTopic(), true, []byte(payload)); err != nil {
		b.logger.Warn("Availability publish failed", zap.Error(err))
	}
}

func (b *EntityBridge) publishDeviceAvailability(up bool) {
	payload := PayloadOffline
	if up {
		payload = PayloadOnline
	}
	b.mu.Lock()
	if b.deviceAvail == payload {
		b.mu.Unlock()
		return
	}
	b.deviceAvail = payload
	b.mu.Unlock()

	if err := b.pub.Publish(b.AvailabilityTopic(), true, []byte(payload)); err != nil {
		b.logger.Warn("Availability publish failed", zap.Error(err))
		b.mu.Lock()
		b.deviceAvail = ""
		b.mu.Unlock()
	}
}

func (b *EntityBridge) handleCommand(topic string, payload []byte) {
	if string(payload) != PayloadPress {
		b.logger.Debug("Ignoring unexpected command payload",
			zap.String("topic", topic), zap.ByteString("payload", payload))
		return
	}
	key := commandKey(topic)
	btn, ok := entity.ButtonsByKey()[key]
	if !ok {
		b.logger.Warn("Command on unknown topic", zap.String("topic", topic))
		return
	}
	b.logger.Info("Button pressed", zap.String("button", btn.Key))
	b.onAction(btn.Action)
}

// commandKey extracts the entity key from "<base>/<entry>/<key>/set".
func commandKey(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[len(parts)-2]
}

func (b *EntityBridge) publishConfig(platform entity.Platform, key string, cfg entityConfig) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal %s config: %w", key, err)
	}
	return b.pub.Publish(b.configTopic(platform, key), true, payload)
}

func (b *EntityBridge) standardAvailability() []AvailabilityConfig {
	return []AvailabilityConfig{
		{Topic: b.bridgeTopic()},
		{Topic: b.AvailabilityTopic()},
	}
}

func (b *EntityBridge) sensorConfig(s entity.Sensor, device *DeviceInfo) entityConfig {
	return entityConfig{
		Name:              s.Name,
		UniqueID:          b.entryID + "_" + s.Key,
		StateTopic:        b.stateTopic(s.Key),
		UnitOfMeasurement: s.Unit,
		DeviceClass:       s.DeviceClass,
		StateClass:        s.StateClass,
		Icon:              s.Icon,
		Availability:      b.standardAvailability(),
		AvailabilityMode:  "all",
		Device:            device,
	}
}

// eventSensorConfig additionally gates on the event-stream availability, so
// the sensor goes unavailable when the websocket is down even while HTTP
// polling still answers.
func (b *EntityBridge) eventSensorConfig(device *DeviceInfo) entityConfig {
	cfg := b.sensorConfig(entity.EventSensor, device)
	cfg.Availability = append(cfg.Availability, AvailabilityConfig{Topic: b.EventAvailabilityTopic()})
	return cfg
}

func (b *EntityBridge) binarySensorConfig(s entity.BinarySensor, device *DeviceInfo) entityConfig {
	return entityConfig{
		Name:             s.Name,
		UniqueID:         b.entryID + "_" + s.Key,
		StateTopic:       b.stateTopic(s.Key),
		PayloadOn:        payloadOn,
		PayloadOff:       payloadOff,
		DeviceClass:      s.DeviceClass,
		Icon:             s.Icon,
		Availability:     b.standardAvailability(),
		AvailabilityMode: "all",
		Device:           device,
	}
}

func (b *EntityBridge) buttonConfig(btn entity.Button, device *DeviceInfo) entityConfig {
	return entityConfig{
		Name:             btn.Name,
		UniqueID:         b.entryID + "_" + btn.Key,
		CommandTopic:     b.commandTopic(btn.Key),
		PayloadPress:     PayloadPress,
		Icon:             btn.Icon,
		Availability:     b.standardAvailability(),
		AvailabilityMode: "all",
		Device:           device,
	}
}
