package engine

import (
	"fmt"
	"strings"

	"github.com/philipphaunstetter/n8n-analytics-sub002/pkg/stores"
)

// SchedulerState represents the lifecycle state of the scheduler.
type SchedulerState string

const (
	// SchedulerStateStopped indicates no timer is armed.
	SchedulerStateStopped SchedulerState = "stopped"

	// SchedulerStateIdle indicates the timer is armed and no pass is running.
	SchedulerStateIdle SchedulerState = "idle"

	// SchedulerStateRunning indicates a pass is in progress.
	SchedulerStateRunning SchedulerState = "running"
)

// IsActive returns true if the scheduler loop is armed or a pass is running.
func (s SchedulerState) IsActive() bool {
	return s == SchedulerStateIdle || s == SchedulerStateRunning
}

// Validate checks if the scheduler state is valid.
func (s SchedulerState) Validate() error {
	switch s {
	case SchedulerStateStopped, SchedulerStateIdle, SchedulerStateRunning:
		return nil
	default:
		return fmt.Errorf("invalid scheduler state: %s", s)
	}
}

// MapExecutionStatus maps a remote execution status to the local status set.
// When the remote status is empty or unknown it is derived from finished and
// stoppedAt.
func MapExecutionStatus(remote string, finished, stopped bool) stores.ExecutionStatus {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "success":
		return stores.ExecutionStatusSuccess
	case "error":
		return stores.ExecutionStatusError
	case "crashed":
		return stores.ExecutionStatusCrashed
	case "failed", "canceled", "cancelled":
		return stores.ExecutionStatusFailed
	case "running", "waiting", "new":
		return stores.ExecutionStatusRunning
	}

	switch {
	case finished:
		return stores.ExecutionStatusSuccess
	case stopped:
		return stores.ExecutionStatusError
	default:
		return stores.ExecutionStatusRunning
	}
}
