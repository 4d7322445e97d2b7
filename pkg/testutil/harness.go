// Package testutil provides testing utilities for the bridge.
// This file provides a TestEnv for integration testing the full pipeline.
package testutil

import (
	"context"
	"fmt"

	"xtoolbridge/internal/config"
	"xtoolbridge/internal/device"
	"xtoolbridge/internal/mqtt"

	"go.uber.org/zap"
)

// TestEnv wires a mock device, an in-memory broker, and a real registry into
// one disposable environment. Scenario tests drive the mock device and assert
// on the broker's topics, which is exactly the surface Home Assistant sees.
type TestEnv struct {
	Device   *MockDevice
	Broker   *mqtt.MockBroker
	Registry *device.Registry
	Logger   *zap.Logger
}

// NewTestEnv starts a mock device on addr and builds a registry that
// publishes to an in-memory broker.
//
// Example usage:
//
//	env, err := testutil.NewTestEnv("127.0.0.1:18080")
//	if err != nil {
//	    t.Fatal(err)
//	}
//	defer env.Cleanup()
func NewTestEnv(addr string) (*TestEnv, error) {
	logger, _ := zap.NewDevelopment()

	dev := NewMockDevice(addr)
	if err := dev.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mock device: %w", err)
	}

	broker := mqtt.NewMockBroker()
	registry := device.NewRegistry(broker, logger)

	return &TestEnv{
		Device:   dev,
		Broker:   broker,
		Registry: registry,
		Logger:   logger,
	}, nil
}

// AddEntry registers a device entry pointed at the mock device, polling
// every second with the event stream enabled.
func (e *TestEnv) AddEntry(id string) error {
	return e.Registry.Setup(context.Background(), config.DeviceConfig{
		ID:           id,
		Host:         e.Device.Addr(),
		Name:         "Test " + id,
		ScanInterval: 1,
	})
}

// Cleanup tears down the registry and the mock device in the correct order.
// Always call this in a defer after creating the TestEnv.
func (e *TestEnv) Cleanup() {
	if e.Registry != nil {
		e.Registry.UnloadAll()
	}
	if e.Device != nil {
		e.Device.Stop()
	}
}

// Actions returns all job control actions received by the mock device.
// Useful for asserting that button presses and service calls reached it.
func (e *TestEnv) Actions() []DeviceAction {
	return e.Device.Actions()
}

// ClearActions clears the recorded actions.
func (e *TestEnv) ClearActions() {
	e.Device.ClearActions()
}
