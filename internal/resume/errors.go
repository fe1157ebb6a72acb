package resume

import "fmt"

// StageFileNotFoundError is returned when the source run has no checkpoint for a stage.
type StageFileNotFoundError struct {
	SessionID   string
	RunID       string
	StageNumber int
	StageID     string
	Path        string
}

func (e *StageFileNotFoundError) Error() string {
	return fmt.Sprintf("stage file %s not found for run %s (session %s): %s", e.StageID, e.RunID, e.SessionID, e.Path)
}

// StageNumberMismatchError is returned when a checkpoint's metadata names a different stage.
type StageNumberMismatchError struct {
	Expected int
	Actual   int
	RunID    string
}

func (e *StageNumberMismatchError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("stage number mismatch: expected %d, got %d", e.Expected, e.Actual)
	}
	return fmt.Sprintf("stage number mismatch in run %s: expected %d, got %d", e.RunID, e.Expected, e.Actual)
}

// MalformedStageFileError is returned when a checkpoint is not structurally valid.
type MalformedStageFileError struct {
	StageID string
	RunID   string
	Errors  []string
}

func (e *MalformedStageFileError) Error() string {
	return fmt.Sprintf("malformed stage file %s in run %s: %v", e.StageID, e.RunID, e.Errors)
}

// NoInputStageError is returned when asking for the input of stage 0.
type NoInputStageError struct {
	Stage int
}

func (e *NoInputStageError) Error() string {
	return fmt.Sprintf("stage %d has no input stage", e.Stage)
}
