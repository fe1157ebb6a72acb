package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
)

const (
	// FirstStage and LastStage bound the closed range of stage numbers.
	FirstStage = 0
	LastStage  = 10

	// StageCount is the number of stages in a full run.
	StageCount = LastStage - FirstStage + 1
)

// stageNames maps stage number to its canonical name.
var stageNames = [StageCount]string{
	"enhancement",
	"intake",
	"router",
	"worker_outputs",
	"normalized",
	"deduplicated",
	"ranked",
	"candidates_validated",
	"top_candidates",
	"aggregated",
	"results",
}

// StageIDPattern matches stage ids of the form NN_name.
var StageIDPattern = regexp.MustCompile(`^(\d{2})_[a-z0-9_]+$`)

// InvalidStageNumberError reports a stage number outside 0–10.
type InvalidStageNumberError struct {
	Number int
}

func (e *InvalidStageNumberError) Error() string {
	return fmt.Sprintf("invalid stage number %d: must be between %d and %d", e.Number, FirstStage, LastStage)
}

// IsValidStageNumber reports whether n is within 0–10.
func IsValidStageNumber(n int) bool {
	return n >= FirstStage && n <= LastStage
}

// StageName returns the canonical name for stage n.
func StageName(n int) (string, error) {
	if !IsValidStageNumber(n) {
		return "", &InvalidStageNumberError{Number: n}
	}
	return stageNames[n], nil
}

// StageID returns the zero-padded id for stage n, e.g. "07_candidates_validated".
func StageID(n int) (string, error) {
	name, err := StageName(n)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d_%s", n, name), nil
}

// MustStageID is StageID for callers that have already validated n.
func MustStageID(n int) string {
	id, err := StageID(n)
	if err != nil {
		panic(err)
	}
	return id
}

// StageNumberFromID parses the numeric prefix of a stage id.
func StageNumberFromID(id string) (int, error) {
	m := StageIDPattern.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("malformed stage id %q", id)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("malformed stage id %q: %w", id, err)
	}
	if !IsValidStageNumber(n) {
		return 0, &InvalidStageNumberError{Number: n}
	}
	return n, nil
}

// StageIDs returns the ids for stages from..to inclusive. Both bounds must be valid.
func StageIDs(from, to int) []string {
	ids := []string{}
	for n := from; n <= to; n++ {
		ids = append(ids, MustStageID(n))
	}
	return ids
}

// IDPattern is the shape of a session or run id. Ids become path elements, so anything
// outside it (separators, "..") is refused.
var IDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// InvalidIDError is returned for a session or run id that does not match IDPattern.
type InvalidIDError struct {
	Kind string
	ID   string
}

func (e *InvalidIDError) Error() string {
	return fmt.Sprintf("invalid %s id %q: want letters, digits, '_' or '-'", e.Kind, e.ID)
}

// ValidateID checks id against IDPattern. kind names it in the error ("session", "run").
func ValidateID(kind, id string) error {
	if !IDPattern.MatchString(id) {
		return &InvalidIDError{Kind: kind, ID: id}
	}
	return nil
}
