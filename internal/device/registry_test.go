package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"xtoolbridge/internal/config"
	"xtoolbridge/internal/mqtt"
	"xtoolbridge/internal/xtool"
)

func newTestRegistry(t *testing.T) (*Registry, *mqtt.MockBroker, map[string]*xtool.MockClient) {
	t.Helper()
	broker := mqtt.NewMockBroker()
	logger, _ := zap.NewDevelopment()
	reg := NewRegistry(broker, logger)

	clients := make(map[string]*xtool.MockClient)
	reg.newClient = func(host string) xtool.Client {
		c, ok := clients[host]
		if !ok {
			c = xtool.NewMockClient()
			clients[host] = c
		}
		return c
	}

	t.Cleanup(func() { _ = reg.UnloadAll() })
	return reg, broker, clients
}

func wsDisabled() *bool {
	b := false
	return &b
}

func testDevice(id, host string) config.DeviceConfig {
	return config.DeviceConfig{
		ID:           id,
		Host:         host,
		Name:         "Laser " + id,
		ScanInterval: 3,
		UseWebsocket: wsDisabled(),
	}
}

func actionNames(calls []xtool.ActionCall) []string {
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Action)
	}
	return names
}

func TestRegistry_Setup(t *testing.T) {
	reg, broker, clients := newTestRegistry(t)

	mock := xtool.NewMockClient()
	mock.SetMachineType("xTool D1 Pro")
	mock.SetMAC("aa:bb:cc:dd:ee:ff")
	mock.SetSnapshot(xtool.Snapshot{
		Progress:          55,
		WorkingMS:         10000,
		Line:              30,
		WorkingState:      xtool.WorkingStateRunningAPI,
		WorkingStateLabel: "running_api",
		MachineType:       "xTool D1 Pro",
	})
	clients["10.0.0.5"] = mock

	require.NoError(t, reg.Setup(context.Background(), testDevice("workshop", "10.0.0.5")))
	assert.Equal(t, 1, reg.Count())

	// Discovery is published synchronously with the probed machine type.
	payload, ok := broker.Retained("homeassistant/sensor/xtool_workshop/progress/config")
	require.True(t, ok)
	assert.Contains(t, string(payload), `"model":"xTool D1 Pro"`)
	assert.Contains(t, string(payload), `"configuration_url":"http://10.0.0.5:8080"`)

	// The coordinator's initial poll lands shortly after.
	require.Eventually(t, func() bool {
		payload, ok := broker.Last("xtoolbridge/workshop/progress/state")
		return ok && string(payload) == "55"
	}, 2*time.Second, 10*time.Millisecond)

	status, ok := reg.Entry("workshop")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.5", status.Host)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", status.MAC)
	assert.True(t, status.Available)
	assert.False(t, status.Websocket)
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, 55.0, status.Snapshot.Progress)
}

func TestRegistry_SetupSurvivesFailedProbe(t *testing.T) {
	reg, broker, clients := newTestRegistry(t)

	mock := xtool.NewMockClient()
	mock.SetPingError(&xtool.CommError{Op: "/ping"})
	mock.SetSnapshot(xtool.Snapshot{Progress: 10, WorkingStateLabel: "idle"})
	clients["10.0.0.6"] = mock

	require.NoError(t, reg.Setup(context.Background(), testDevice("attic", "10.0.0.6")))

	// No model in the device block, but the entry is loaded and polling.
	payload, ok := broker.Retained("homeassistant/sensor/xtool_attic/progress/config")
	require.True(t, ok)
	assert.NotContains(t, string(payload), `"model"`)

	require.Eventually(t, func() bool {
		status, ok := reg.Entry("attic")
		return ok && status.Available
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRegistry_DuplicateSetup(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	require.NoError(t, reg.Setup(context.Background(), testDevice("laser", "10.0.0.5")))
	err := reg.Setup(context.Background(), testDevice("laser", "10.0.0.9"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already loaded")
}

func TestRegistry_Unload(t *testing.T) {
	reg, broker, _ := newTestRegistry(t)

	require.NoError(t, reg.Setup(context.Background(), testDevice("laser", "10.0.0.5")))
	_, ok := broker.Retained("homeassistant/button/xtool_laser/pause_job/config")
	require.True(t, ok)

	require.NoError(t, reg.Unload("laser"))
	assert.Equal(t, 0, reg.Count())

	// Entities are removed and commands no longer handled.
	_, ok = broker.Retained("homeassistant/button/xtool_laser/pause_job/config")
	assert.False(t, ok)
	payload, _ := broker.Retained("xtoolbridge/laser/availability")
	assert.Equal(t, "offline", string(payload))
	assert.False(t, broker.Subscribed("xtoolbridge/laser/pause_job/set"))

	err := reg.Unload("laser")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown device entry")
}

func TestRegistry_RunAction(t *testing.T) {
	reg, _, clients := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Setup(ctx, testDevice("alpha", "10.0.0.5")))
	require.NoError(t, reg.Setup(ctx, testDevice("beta", "10.0.0.6")))

	t.Run("targeted", func(t *testing.T) {
		results, err := reg.RunAction(ctx, ActionPause, "alpha")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.True(t, results[0].OK)
		assert.Equal(t, []string{"pause"}, actionNames(clients["10.0.0.5"].Actions()))
		assert.Empty(t, clients["10.0.0.6"].Actions())
	})

	t.Run("broadcast hits every entry", func(t *testing.T) {
		results, err := reg.RunAction(ctx, ActionStop, "")
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "alpha", results[0].EntryID)
		assert.Equal(t, "beta", results[1].EntryID)
		assert.Contains(t, actionNames(clients["10.0.0.6"].Actions()), "stop")
	})

	t.Run("unknown entry", func(t *testing.T) {
		_, err := reg.RunAction(ctx, ActionPause, "garage")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown device entry")
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := reg.RunAction(ctx, "reboot", "alpha")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown action")
	})

	t.Run("device failure lands in the result", func(t *testing.T) {
		clients["10.0.0.5"].SetActionError(&xtool.CommError{Op: "pause"})
		results, err := reg.RunAction(ctx, ActionPause, "alpha")
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.False(t, results[0].OK)
		assert.Contains(t, results[0].Error, "device request failed")
	})
}

func TestRegistry_RunActionNoDevices(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	_, err := reg.RunAction(context.Background(), ActionPause, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no devices configured")
}

func TestRegistry_ButtonPress(t *testing.T) {
	reg, broker, clients := newTestRegistry(t)
	require.NoError(t, reg.Setup(context.Background(), testDevice("laser", "10.0.0.5")))

	require.True(t, broker.Inject("xtoolbridge/laser/resume_job/set", []byte(mqtt.PayloadPress)))
	assert.Equal(t, []string{"resume"}, actionNames(clients["10.0.0.5"].Actions()))
}

func TestRegistry_ReloadConfig(t *testing.T) {
	reg, broker, _ := newTestRegistry(t)
	ctx := context.Background()

	alpha := testDevice("alpha", "10.0.0.5")
	beta := testDevice("beta", "10.0.0.6")
	require.NoError(t, reg.ReloadConfig(ctx, []config.DeviceConfig{alpha, beta}))
	assert.Equal(t, 2, reg.Count())

	// Reload: alpha's interval changes, beta disappears, gamma is new.
	alphaChanged := alpha
	alphaChanged.ScanInterval = 10
	gamma := testDevice("gamma", "10.0.0.7")
	require.NoError(t, reg.ReloadConfig(ctx, []config.DeviceConfig{alphaChanged, gamma}))

	assert.Equal(t, 2, reg.Count())
	_, ok := reg.Entry("beta")
	assert.False(t, ok)
	_, ok = reg.Entry("gamma")
	assert.True(t, ok)

	// Beta's entities are gone; alpha's were republished after the restart.
	_, ok = broker.Retained("homeassistant/sensor/xtool_beta/progress/config")
	assert.False(t, ok)
	_, ok = broker.Retained("homeassistant/sensor/xtool_alpha/progress/config")
	assert.True(t, ok)

	// Unchanged config is a no-op.
	require.NoError(t, reg.ReloadConfig(ctx, []config.DeviceConfig{alphaChanged, gamma}))
	assert.Equal(t, 2, reg.Count())
}

func TestRegistry_EntriesSorted(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Setup(ctx, testDevice("zeta", "10.0.0.9")))
	require.NoError(t, reg.Setup(ctx, testDevice("alpha", "10.0.0.5")))

	entries := reg.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "alpha", entries[0].ID)
	assert.Equal(t, "zeta", entries[1].ID)
}

func TestRegistry_WebsocketEntry(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	cfg := testDevice("laser", "127.0.0.1")
	cfg.UseWebsocket = nil // default on
	require.NoError(t, reg.Setup(context.Background(), cfg))

	status, ok := reg.Entry("laser")
	require.True(t, ok)
	assert.True(t, status.Websocket)
	// Nothing listens on the websocket port here; the listener keeps retrying
	// until unload without affecting the rest of the entry.
	assert.Contains(t, []xtool.ConnStatus{xtool.StatusConnecting, xtool.StatusDisconnected}, status.Event.Status)

	require.NoError(t, reg.Unload("laser"))
}
