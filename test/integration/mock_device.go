// Package integration provides end-to-end tests for the bridge daemon.
// This file re-exports types from pkg/testutil so scenarios read naturally.
package integration

import (
	"xtoolbridge/pkg/testutil"
)

// Type aliases for the shared test environment
type MockDevice = testutil.MockDevice
type DeviceAction = testutil.DeviceAction
type TestEnv = testutil.TestEnv

// NewTestEnv builds a mock device, in-memory broker, and registry
var NewTestEnv = testutil.NewTestEnv

// Helper function aliases
var FilterActions = testutil.FilterActions
var ActionNames = testutil.ActionNames
