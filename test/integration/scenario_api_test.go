package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"xtoolbridge/internal/api"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const apiPort = 18090

var apiClient = &http.Client{Timeout: 5 * time.Second}

func apiURL(path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", apiPort, path)
}

// TestScenario_ControlAPI runs the local HTTP API against a live registry
// and mock device, covering status reads and job control end to end.
func TestScenario_ControlAPI(t *testing.T) {
	env, cleanup := setupTest(t)
	defer cleanup()

	server := api.NewServer(env.Registry, 2*time.Second, env.Logger, apiPort)
	require.NoError(t, server.Start())
	defer server.Stop()
	time.Sleep(100 * time.Millisecond) // wait for the listener to come up

	waitForRetained(t, env.Broker, "xtoolbridge/garage/availability", "online")
	env.ClearActions()

	t.Log("GIVEN: The device list endpoint sees the loaded entry")
	resp, err := apiClient.Get(apiURL("/api/devices"))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var devices struct {
		Devices []struct {
			ID        string `json:"id"`
			Host      string `json:"host"`
			Available bool   `json:"available"`
		} `json:"devices"`
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(body, &devices))
	require.Equal(t, 1, devices.Count)
	assert.Equal(t, testEntryID, devices.Devices[0].ID)
	assert.Equal(t, deviceAddr, devices.Devices[0].Host)
	assert.True(t, devices.Devices[0].Available)

	t.Log("WHEN: A pause is requested for the entry")
	payload := bytes.NewBufferString(`{"entry_id":"garage"}`)
	resp, err = apiClient.Post(apiURL("/api/services/pause_job"), "application/json", payload)
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	var service struct {
		Action  string `json:"action"`
		Results []struct {
			EntryID string `json:"entry_id"`
			OK      bool   `json:"ok"`
			Error   string `json:"error"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(body, &service))
	assert.Equal(t, "pause", service.Action)
	require.Len(t, service.Results, 1)
	assert.True(t, service.Results[0].OK)

	t.Log("THEN: The device received the pause")
	assert.Equal(t, 1, env.Device.CountActions("pause"))

	t.Log("WHEN: A stop is broadcast with an empty body")
	resp, err = apiClient.Post(apiURL("/api/services/stop_job"), "application/json", nil)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, env.Device.CountActions("stop"))

	t.Log("THEN: An unknown service is rejected")
	resp, err = apiClient.Post(apiURL("/api/services/engrave_faster"), "application/json", nil)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	t.Log("AND: An unreachable device turns into a gateway error")
	env.Device.SetOffline(true)
	resp, err = apiClient.Post(apiURL("/api/services/pause_job"), "application/json", nil)
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	env.Device.SetOffline(false)

	t.Log("AND: Health and the sitemap answer")
	resp, err = apiClient.Get(apiURL("/health"))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, err = apiClient.Get(apiURL("/nope"))
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, string(body), "xTool Bridge API")
}
