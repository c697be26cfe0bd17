package task

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"
)

// State represents the lifecycle state of an analysis task.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal returns true if the task state is a final state.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Sentinel errors returned by Store implementations.
var (
	// ErrNotFound is returned when no task with the requested id exists.
	// Expired tasks answer the same way as tasks that never existed.
	ErrNotFound = errors.New("task not found")

	// ErrTerminal is returned by Update when the task has already reached a
	// terminal state. Terminal records are immutable.
	ErrTerminal = errors.New("task is terminal")
)

// Options carries the caller-supplied analysis options. They travel with the
// task record so every stage sees the same request parameters.
type Options struct {
	IncludeDependencies bool `json:"include_dependencies"`
	GenerateMocks       bool `json:"generate_mocks"`
	TargetCoverage      int  `json:"target_coverage"`
	MaxFiles            int  `json:"max_files,omitempty"`
}

// Task is the lifecycle record for one end-to-end analysis request. It is
// created at submission and mutated only by the orchestrator's execution loop
// for that task; pollers read copies.
type Task struct {
	ID                 string     `json:"task_id"`
	RepositoryURL      string     `json:"repository_url"`
	Options            Options    `json:"options"`
	Status             State      `json:"status"`
	ProgressPercentage int        `json:"progress_percentage"`
	CurrentStep        string     `json:"current_step"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`

	// UpdatedAt is bumped on every store write. The janitor uses it to spot
	// running tasks whose executor stopped writing.
	UpdatedAt time.Time `json:"-"`
}

// NewTaskID generates a UUID v4 string using crypto/rand.
func NewTaskID() string {
	var uuid [16]byte
	_, _ = rand.Read(uuid[:])
	// Set version 4 (bits 12-15 of time_hi_and_version).
	uuid[6] = (uuid[6] & 0x0f) | 0x40
	// Set variant bits (bits 6-7 of clock_seq_hi_and_reserved).
	uuid[8] = (uuid[8] & 0x3f) | 0x80
	return fmt.Sprintf("%08x-%04x-%04x-%04x-%012x",
		uuid[0:4], uuid[4:6], uuid[6:8], uuid[8:10], uuid[10:16])
}
