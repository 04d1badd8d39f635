package models

import (
	"errors"
	"time"
)

// ErrRunNotFound is returned when no run history exists for a job name.
var ErrRunNotFound = errors.New("run not found")

// Job states reported by the compute provider, plus Unknown for inconclusive reads.
const (
	StateSucceeded  = "Succeeded"
	StateFailed     = "Failed"
	StateTerminated = "Terminated"
	StateStopped    = "Stopped"
	StateRunning    = "Running"
	StatePending    = "Pending"
	StateUnknown    = "Unknown"
)

// IsTerminal reports whether no further transition can follow state.
func IsTerminal(state string) bool {
	switch state {
	case StateSucceeded, StateFailed, StateTerminated, StateStopped:
		return true
	}
	return false
}

// JobSpec describes one remote container run.
type JobSpec struct {
	Name       string            `json:"name"`
	Image      string            `json:"image"`
	Registry   string            `json:"registry"`
	IdentityID string            `json:"identity_id"`
	CPU        float64           `json:"cpu"`
	MemoryGB   float64           `json:"memory_gb"`
	Env        map[string]string `json:"env,omitempty"`
}

// JobStatus is one observation of a remote job.
type JobStatus struct {
	State    string `json:"state"`
	ExitCode *int   `json:"exit_code"`
}

// JobResult is the outcome of a full run.
type JobResult struct {
	JobName  string   `json:"job_name"`
	Success  bool     `json:"success"`
	State    string   `json:"state"`
	ExitCode *int     `json:"exit_code"`
	Logs     string   `json:"logs"`
	Message  string   `json:"message,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	// Err carries the failure class; nil when the job reached a terminal state.
	Err error `json:"-"`
}

// RunRecord is a persisted run with its lifecycle events.
type RunRecord struct {
	Name       string     `json:"name"`
	Image      string     `json:"image"`
	State      string     `json:"state"`
	ExitCode   *int       `json:"exit_code"`
	Success    *bool      `json:"success"`
	Message    *string    `json:"message,omitempty"`
	Logs       *string    `json:"logs,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Events     []RunEvent `json:"events"`
}

// RunEvent is a single lifecycle audit row.
type RunEvent struct {
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
