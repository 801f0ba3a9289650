package model

import "fmt"

// ErrorKind classifies a task failure for machine consumption.
type ErrorKind string

const (
	// KindValidation covers malformed submissions: unregistered type,
	// non-positive timeout, undecodable message.
	KindValidation ErrorKind = "validation"

	// KindExecution covers handler errors and panics.
	KindExecution ErrorKind = "execution"

	// KindTimeout covers wall-clock budget exhaustion, including corelets
	// force-killed after the grace period.
	KindTimeout ErrorKind = "timeout"

	// KindProcess covers corelet launch failures, non-zero exits and
	// undecodable child output.
	KindProcess ErrorKind = "process"

	// KindShutdown marks work abandoned because the engine is stopping.
	KindShutdown ErrorKind = "shutdown"
)

// TaskError is the error payload carried by a failed Result.
type TaskError struct {
	Kind        ErrorKind `json:"kind"`
	Description string    `json:"description"`
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Description)
}
