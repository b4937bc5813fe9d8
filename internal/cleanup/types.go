package cleanup

import (
	"context"
	"time"
)

// CascadeState is the lifecycle of a cascade run
type CascadeState string

const (
	CascadePending   CascadeState = "pending"
	CascadeRunning   CascadeState = "running"
	CascadeCompleted CascadeState = "completed"
	// CascadeDegraded means every step ran but at least one failed.
	CascadeDegraded CascadeState = "degraded"
)

// StepState is the outcome of one step
type StepState string

const (
	StepStatePending   StepState = "pending"
	StepStateRunning   StepState = "running"
	StepStateCompleted StepState = "completed"
	StepStateFailed    StepState = "failed"
)

// StepID names a step inside a cascade
type StepID string

// Steps run on device teardown, in order.
const (
	StepStopTiming         StepID = "stop_timing"
	StepEndLearningSession StepID = "end_learning_session"
	StepCloseRealtime      StepID = "close_realtime"
	StepDeleteSession      StepID = "delete_session"
	StepReleaseSocket      StepID = "release_socket"
)

// Step is one unit of teardown work.
type Step struct {
	ID  StepID
	Run func(ctx context.Context) error
}

// StepExecution records how a step went
type StepExecution struct {
	ID          StepID     `json:"id"`
	State       StepState  `json:"state"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Report is the result of a finished cascade
type Report struct {
	DeviceID    string          `json:"device_id"`
	Reason      string          `json:"reason"`
	State       CascadeState    `json:"state"`
	Steps       []StepExecution `json:"steps"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Failed lists the steps that did not complete.
func (r Report) Failed() []StepID {
	var out []StepID
	for _, s := range r.Steps {
		if s.State == StepStateFailed {
			out = append(out, s.ID)
		}
	}
	return out
}
