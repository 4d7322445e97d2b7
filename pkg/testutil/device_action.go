package testutil

import "time"

// DeviceAction records a job control action received by the mock device
type DeviceAction struct {
	Timestamp time.Time
	Action    string
}

// FilterActions filters recorded actions by name
func FilterActions(actions []DeviceAction, name string) []DeviceAction {
	var filtered []DeviceAction
	for _, action := range actions {
		if action.Action == name {
			filtered = append(filtered, action)
		}
	}
	return filtered
}

// ActionNames flattens recorded actions to their names, in order
func ActionNames(actions []DeviceAction) []string {
	names := make([]string, len(actions))
	for i, action := range actions {
		names[i] = action.Action
	}
	return names
}
