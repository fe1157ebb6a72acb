package stage

import (
	"fmt"

	"github.com/lucasnoah/wayfinder/internal/pipeline"
)

// DuplicateStageError is returned when a stage number is registered twice.
type DuplicateStageError struct {
	Number   int
	Existing string
}

func (e *DuplicateStageError) Error() string {
	return fmt.Sprintf("stage %d already registered as %s", e.Number, e.Existing)
}

// InvalidStageRangeError is returned for a stage range with a bound outside 0–10.
type InvalidStageRangeError struct {
	From, To int
}

func (e *InvalidStageRangeError) Error() string {
	return fmt.Sprintf("invalid stage range %d..%d: bounds must be between %d and %d",
		e.From, e.To, pipeline.FirstStage, pipeline.LastStage)
}

// MissingStagesError is returned when an execution needs stages that were never registered.
type MissingStagesError struct {
	Missing []int
}

func (e *MissingStagesError) Error() string {
	return fmt.Sprintf("stages not registered: %v", e.Missing)
}
