package integration

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"xtoolbridge/internal/config"
	"xtoolbridge/internal/mqtt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	deviceAddr  = "127.0.0.1:18080"
	testEntryID = "garage"
)

func setupTest(t *testing.T) (*TestEnv, func()) {
	env, err := NewTestEnv(deviceAddr)
	require.NoError(t, err)

	if err := env.AddEntry(testEntryID); err != nil {
		env.Cleanup()
		t.Fatalf("failed to add device entry: %v", err)
	}

	return env, env.Cleanup
}

// waitForState blocks until the latest payload on topic equals want.
func waitForState(t *testing.T, broker *mqtt.MockBroker, topic, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		payload, ok := broker.Last(topic)
		return ok && string(payload) == want
	}, 5*time.Second, 50*time.Millisecond, "topic %s never reached %q", topic, want)
}

// waitForRetained blocks until the retained payload on topic equals want.
func waitForRetained(t *testing.T, broker *mqtt.MockBroker, topic, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		payload, ok := broker.Retained(topic)
		return ok && string(payload) == want
	}, 5*time.Second, 50*time.Millisecond, "retained %s never reached %q", topic, want)
}

// TestBridgeStartup verifies that loading one device entry announces its
// entities over MQTT discovery and starts publishing poll results.
func TestBridgeStartup(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	t.Run("discovery configs retained", func(t *testing.T) {
		payload, ok := env.Broker.Retained("homeassistant/sensor/xtool_garage/progress/config")
		require.True(t, ok, "progress sensor config should be retained")

		var cfg map[string]interface{}
		require.NoError(t, json.Unmarshal(payload, &cfg))
		assert.Equal(t, "Job progress", cfg["name"])
		assert.Equal(t, "garage_progress", cfg["unique_id"])
		assert.Equal(t, "xtoolbridge/garage/progress/state", cfg["state_topic"])

		device, ok := cfg["device"].(map[string]interface{})
		require.True(t, ok, "config should carry a device block")
		assert.Equal(t, "Test garage", device["name"])
		assert.Equal(t, "xTool", device["manufacturer"])
		assert.Equal(t, "xTool D1 Pro", device["model"])
		assert.Equal(t, "http://"+deviceAddr, device["configuration_url"])

		_, ok = env.Broker.Retained("homeassistant/binary_sensor/xtool_garage/sd_card_inserted/config")
		assert.True(t, ok, "binary sensor config should be retained")
		_, ok = env.Broker.Retained("homeassistant/button/xtool_garage/pause_job/config")
		assert.True(t, ok, "button config should be retained")
		_, ok = env.Broker.Retained("homeassistant/sensor/xtool_garage/ws_event/config")
		assert.True(t, ok, "event sensor config should be retained")
	})

	t.Run("availability flips online", func(t *testing.T) {
		waitForRetained(t, env.Broker, "xtoolbridge/garage/availability", "online")
	})

	t.Run("first poll publishes states", func(t *testing.T) {
		waitForState(t, env.Broker, "xtoolbridge/garage/progress/state", "0")
		waitForState(t, env.Broker, "xtoolbridge/garage/working_seconds/state", "0")
		waitForState(t, env.Broker, "xtoolbridge/garage/line/state", "0")
		waitForState(t, env.Broker, "xtoolbridge/garage/working_state/state", "idle")
		waitForState(t, env.Broker, "xtoolbridge/garage/machine_type/state", "xTool D1 Pro")
		waitForState(t, env.Broker, "xtoolbridge/garage/sd_card_inserted/state", "OFF")
	})

	t.Run("registry reports the entry", func(t *testing.T) {
		require.Eventually(t, func() bool {
			status, ok := env.Registry.Entry(testEntryID)
			return ok && status.Available
		}, 5*time.Second, 50*time.Millisecond)

		status, ok := env.Registry.Entry(testEntryID)
		require.True(t, ok)
		assert.Equal(t, deviceAddr, status.Host)
		assert.Equal(t, "aa:bb:cc:dd:ee:ff", status.MAC)
		assert.True(t, status.Websocket)
		require.NotNil(t, status.Snapshot)
		assert.Equal(t, "idle", status.Snapshot.WorkingStateLabel)
	})
}

// TestBridgeReload walks a config reload through all three entry fates:
// unchanged, changed, and removed.
func TestBridgeReload(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	waitForRetained(t, env.Broker, "xtoolbridge/garage/availability", "online")

	// A second entry appears and garage slows its poll down.
	next := []config.DeviceConfig{
		{ID: "annex", Host: env.Device.Addr(), Name: "Annex laser", ScanInterval: 1},
		{ID: testEntryID, Host: env.Device.Addr(), Name: "Test garage", ScanInterval: 5},
	}
	require.NoError(t, env.Registry.ReloadConfig(context.Background(), next))
	assert.Equal(t, 2, env.Registry.Count())

	_, ok := env.Broker.Retained("homeassistant/sensor/xtool_annex/progress/config")
	assert.True(t, ok, "annex discovery config should be retained")
	waitForRetained(t, env.Broker, "xtoolbridge/annex/availability", "online")

	// Reloading the same config again must not touch anything.
	garageConfig := "homeassistant/sensor/xtool_garage/progress/config"
	before := len(env.Broker.Messages(garageConfig))
	require.NoError(t, env.Registry.ReloadConfig(context.Background(), next))
	assert.Equal(t, before, len(env.Broker.Messages(garageConfig)),
		"unchanged entries should not be restarted")

	// Dropping annex removes its entities but leaves garage alone.
	require.NoError(t, env.Registry.ReloadConfig(context.Background(), next[1:]))
	assert.Equal(t, 1, env.Registry.Count())

	_, ok = env.Broker.Retained("homeassistant/sensor/xtool_annex/progress/config")
	assert.False(t, ok, "annex discovery config should be cleared")
	retained, ok := env.Broker.Retained("xtoolbridge/annex/availability")
	require.True(t, ok)
	assert.Equal(t, "offline", string(retained))

	_, ok = env.Broker.Retained(garageConfig)
	assert.True(t, ok, "garage discovery config should survive")
}
