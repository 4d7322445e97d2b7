package xtool

import (
	"context"
	"sync"
	"time"
)

// ActionCall records a job control action for test verification.
type ActionCall struct {
	Action string
	Time   time.Time
}

// MockClient implements Client for testing. Results are settable; job
// control actions are recorded.
type MockClient struct {
	host string

	mu          sync.Mutex
	snapshot    Snapshot
	snapshotErr error
	pingErr     error
	machineType string
	machineErr  error
	mac         string
	actionErr   error
	actions     []ActionCall
}

// NewMockClient creates a mock device client with an idle default snapshot.
func NewMockClient() *MockClient {
	return &MockClient{
		host:        "mock-device",
		machineType: "Mock xTool",
		snapshot: Snapshot{
			WorkingState:      WorkingStateIdle,
			WorkingStateLabel: WorkingStateLabel(WorkingStateIdle),
			MachineType:       "Mock xTool",
		},
	}
}

// Host returns the mock host name.
func (m *MockClient) Host() string {
	return m.host
}

// SetSnapshot replaces the snapshot returned by Snapshot and the read
// operations.
func (m *MockClient) SetSnapshot(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = s
}

// SetSnapshotError makes Snapshot and the read operations fail with err.
// Pass nil to restore success.
func (m *MockClient) SetSnapshotError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshotErr = err
}

// SetPingError makes Ping fail with err.
func (m *MockClient) SetPingError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

// SetMachineType sets the model string reported by MachineType.
func (m *MockClient) SetMachineType(t string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machineType = t
}

// SetMachineTypeError makes MachineType fail with err.
func (m *MockClient) SetMachineTypeError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machineErr = err
}

// SetMAC sets the MAC address reported by MAC.
func (m *MockClient) SetMAC(mac string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mac = mac
}

// SetActionError makes Pause, Resume, and Stop fail with err.
func (m *MockClient) SetActionError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actionErr = err
}

// Actions returns all recorded job control actions.
func (m *MockClient) Actions() []ActionCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]ActionCall, len(m.actions))
	copy(calls, m.actions)
	return calls
}

// ClearActions resets the recorded action log.
func (m *MockClient) ClearActions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = nil
}

// Ping returns the configured ping result.
func (m *MockClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

// MachineType returns the configured model string.
func (m *MockClient) MachineType(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.machineErr != nil {
		return "", m.machineErr
	}
	return m.machineType, nil
}

// MAC returns the configured MAC address.
func (m *MockClient) MAC(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mac, nil
}

// Progress returns the progress fields of the configured snapshot.
func (m *MockClient) Progress(ctx context.Context) (ProgressReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return ProgressReport{}, m.snapshotErr
	}
	return ProgressReport{
		Progress:  m.snapshot.Progress,
		WorkingMS: m.snapshot.WorkingMS,
		Line:      m.snapshot.Line,
	}, nil
}

// WorkingState returns the working state code of the configured snapshot.
func (m *MockClient) WorkingState(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return "", m.snapshotErr
	}
	return m.snapshot.WorkingState, nil
}

// PeripheralStatus returns the peripheral flags of the configured snapshot.
func (m *MockClient) PeripheralStatus(ctx context.Context) (PeripheralStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return PeripheralStatus{}, m.snapshotErr
	}
	return m.snapshot.Peripheral, nil
}

// Snapshot returns a copy of the configured snapshot.
func (m *MockClient) Snapshot(ctx context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	snap := m.snapshot
	snap.WorkingStateLabel = WorkingStateLabel(snap.WorkingState)
	if snap.MachineType == "" {
		snap.MachineType = m.machineType
	}
	return &snap, nil
}

// Pause records a pause action.
func (m *MockClient) Pause(ctx context.Context) error {
	return m.recordAction("pause")
}

// Resume records a resume action.
func (m *MockClient) Resume(ctx context.Context) error {
	return m.recordAction("resume")
}

// Stop records a stop action.
func (m *MockClient) Stop(ctx context.Context) error {
	return m.recordAction("stop")
}

func (m *MockClient) recordAction(action string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actionErr != nil {
		return m.actionErr
	}
	m.actions = append(m.actions, ActionCall{Action: action, Time: time.Now()})
	return nil
}
