package pipeline

import (
	"errors"
	"fmt"
)

var (
	// ErrStageExecution matches any StageError caused by a failed stage.
	ErrStageExecution = errors.New("stage execution failed")
	// ErrStageTimeout matches any StageError caused by a stage exceeding its bound.
	ErrStageTimeout = errors.New("stage timed out")
	// ErrRunInProgress is returned when a run is requested while another is active.
	ErrRunInProgress = errors.New("a pipeline run is already in progress")
)

// StageErrorKind distinguishes execution failures from timeouts.
type StageErrorKind string

const (
	KindExecution StageErrorKind = "execution"
	KindTimeout   StageErrorKind = "timeout"
)

// StageError is the terminal error of a run that stopped at a critical stage.
type StageError struct {
	Stage  string
	Kind   StageErrorKind
	Reason string
	Log    string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s %s: %s", e.Stage, e.Kind, e.Reason)
}

// Is lets errors.Is match the kind sentinels.
func (e *StageError) Is(target error) bool {
	switch target {
	case ErrStageExecution:
		return e.Kind == KindExecution
	case ErrStageTimeout:
		return e.Kind == KindTimeout
	}
	return false
}
