package persistence

import "errors"

// Standard persistence error types that all implementations use.
var (
	// ErrGraphNotFound indicates a graph was not found by the given id.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrExecutionNotFound indicates an execution was not found by the given id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrStepExecutionTerminal indicates an attempt to overwrite a step
	// execution row that already reached a terminal status.
	ErrStepExecutionTerminal = errors.New("step execution already terminal")
)

func IsGraphNotFound(err error) bool {
	return errors.Is(err, ErrGraphNotFound)
}

func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsStepExecutionTerminal(err error) bool {
	return errors.Is(err, ErrStepExecutionTerminal)
}
