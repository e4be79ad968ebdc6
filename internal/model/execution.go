package model

import "time"

// Execution status constants.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ExitCodeFailure is the sentinel exit code recorded when an execution fails
// before the process produced a real exit code (spawn error, stdin write
// failure, cancellation).
const ExitCodeFailure = -1

// Channel names for captured process output.
const (
	ChannelStdout = "stdout"
	ChannelStderr = "stderr"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing transitions.
var validTransitions = map[string]map[string]bool{
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status is a terminal execution state.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Execution represents one request to run an external process, tracked from
// submission to terminal state. Stdout and stderr are stored as text; when
// the corresponding Encoded flag is set, the text is the base64 encoding of
// the raw bytes the process wrote.
type Execution struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Stdout        string    `json:"stdout,omitempty"`
	Stderr        string    `json:"stderr,omitempty"`
	StdoutEncoded bool      `json:"stdout_encoded"`
	StderrEncoded bool      `json:"stderr_encoded"`
	WorkingDir    string    `json:"working_directory"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasOutput reports whether either channel captured any content.
func (e *Execution) HasOutput() bool {
	return e.Stdout != "" || e.Stderr != ""
}
