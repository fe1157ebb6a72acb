// Package resume plans and loads resumed pipeline runs.
//
// A run resumed from stage N skips stages 0..N-1 and feeds stage N the data section of
// stage N-1's checkpoint from an earlier run. The pure planning functions here compute
// the skip/execute split; Planner validates and loads the source checkpoint.
package resume

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"

	"github.com/lucasnoah/wayfinder/internal/pipeline"
)

// ExecutionPlan is derived from the stage a run resumes at.
type ExecutionPlan struct {
	FromStage       int      `json:"from_stage"`
	StagesToSkip    []string `json:"stages_to_skip"`
	StagesToExecute []string `json:"stages_to_execute"`
	InputStage      int      `json:"input_stage"`
	InputStageID    string   `json:"input_stage_id"`
}

// StagesToSkip returns the ids of stages 0..n-1.
func StagesToSkip(n int) ([]string, error) {
	if !pipeline.IsValidStageNumber(n) {
		return nil, &pipeline.InvalidStageNumberError{Number: n}
	}
	return pipeline.StageIDs(pipeline.FirstStage, n-1), nil
}

// StagesToExecute returns the ids of stages n..10.
func StagesToExecute(n int) ([]string, error) {
	if !pipeline.IsValidStageNumber(n) {
		return nil, &pipeline.InvalidStageNumberError{Number: n}
	}
	return pipeline.StageIDs(n, pipeline.LastStage), nil
}

// InputStageNumber returns the stage whose output feeds stage n.
func InputStageNumber(n int) (int, error) {
	if !pipeline.IsValidStageNumber(n) {
		return 0, &pipeline.InvalidStageNumberError{Number: n}
	}
	if n == pipeline.FirstStage {
		return 0, &NoInputStageError{Stage: n}
	}
	return n - 1, nil
}

// InputStageID returns the id of the stage whose output feeds stage n.
func InputStageID(n int) (string, error) {
	in, err := InputStageNumber(n)
	if err != nil {
		return "", err
	}
	return pipeline.StageID(in)
}

// CreateExecutionPlan builds the plan for resuming at fromStage. For stage 0 there is
// no input stage: InputStage is -1 and InputStageID is empty.
func CreateExecutionPlan(fromStage int) (ExecutionPlan, error) {
	skip, err := StagesToSkip(fromStage)
	if err != nil {
		return ExecutionPlan{}, err
	}
	execute, err := StagesToExecute(fromStage)
	if err != nil {
		return ExecutionPlan{}, err
	}
	plan := ExecutionPlan{
		FromStage:       fromStage,
		StagesToSkip:    skip,
		StagesToExecute: execute,
		InputStage:      -1,
	}
	if fromStage > pipeline.FirstStage {
		plan.InputStage = fromStage - 1
		plan.InputStageID = pipeline.MustStageID(fromStage - 1)
	}
	return plan, nil
}

// ValidationResult collects every structural problem found in a stage file.
type ValidationResult struct {
	Valid          bool                    `json:"valid"`
	Errors         []string                `json:"errors"`
	Metadata       *pipeline.StageMetadata `json:"metadata,omitempty"`
	NumberMismatch bool                    `json:"number_mismatch,omitempty"`
	ActualNumber   int                     `json:"actual_number,omitempty"`
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// ValidateStageFile checks that raw (a decoded checkpoint) has a well-formed metadata
// section and a data section, and that it belongs to stage expected.
func ValidateStageFile(raw any, expected int) ValidationResult {
	res := ValidationResult{Errors: []string{}}
	if raw == nil {
		res.fail("stage file is null")
		return res
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		res.fail("stage file must be an object, got %T", raw)
		return res
	}

	metaRaw, hasMeta := obj["_meta"]
	if !hasMeta {
		res.fail("missing _meta section")
	}
	if _, hasData := obj["data"]; !hasData {
		res.fail("missing data section")
	}
	if !hasMeta {
		return res
	}
	meta, ok := metaRaw.(map[string]any)
	if !ok {
		res.fail("_meta must be an object, got %T", metaRaw)
		return res
	}

	var md pipeline.StageMetadata

	stageID, _ := meta["stage_id"].(string)
	switch {
	case stageID == "":
		res.fail("_meta.stage_id is required")
	case !pipeline.StageIDPattern.MatchString(stageID):
		res.fail("_meta.stage_id %q does not match NN_name", stageID)
	}
	md.StageID = stageID

	number, numOK := asInt(meta["stage_number"])
	if !numOK {
		res.fail("_meta.stage_number must be an integer")
	} else if !pipeline.IsValidStageNumber(number) {
		res.fail("_meta.stage_number %d out of range", number)
		numOK = false
	}
	md.StageNumber = number

	for _, f := range []struct {
		key string
		dst *string
	}{
		{"stage_name", &md.StageName},
		{"session_id", &md.SessionID},
		{"run_id", &md.RunID},
		{"created_at", &md.CreatedAt},
	} {
		s, _ := meta[f.key].(string)
		if s == "" {
			res.fail("_meta.%s is required", f.key)
		}
		*f.dst = s
	}
	md.SchemaVersion, _ = meta["schema_version"].(string)
	md.UpstreamStage, _ = meta["upstream_stage"].(string)
	md.UpstreamRunID, _ = meta["upstream_run_id"].(string)
	md.Degraded, _ = meta["degraded"].(bool)
	md.Error, _ = meta["error"].(string)
	if cfg, ok := meta["config"].(map[string]any); ok {
		md.Config = cfg
	}

	if numOK && pipeline.StageIDPattern.MatchString(stageID) {
		if idNum, err := pipeline.StageNumberFromID(stageID); err == nil && idNum != number {
			res.fail("_meta.stage_id %q disagrees with stage_number %d", stageID, number)
		}
	}
	if numOK && number != expected {
		res.NumberMismatch = true
		res.ActualNumber = number
		res.fail("%s", (&StageNumberMismatchError{Expected: expected, Actual: number}).Error())
	}

	res.Metadata = &md
	res.Valid = len(res.Errors) == 0
	return res
}

// IsValidStageFileForResume reports whether raw can seed a run resumed after stage expected.
func IsValidStageFileForResume(raw any, expected int) bool {
	return ValidateStageFile(raw, expected).Valid
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}

// StageReader is the storage collaborator the planner reads checkpoints through.
type StageReader interface {
	ReadStageFile(sessionID, runID, stageID string) (any, error)
	ReadCheckpoint(sessionID, runID, stageID string) (*pipeline.Checkpoint, error)
	StagePath(sessionID, runID, stageID string) string
}

// Planner loads checkpoints from earlier runs.
type Planner struct {
	Store StageReader
}

// NewPlanner returns a planner reading from store.
func NewPlanner(store StageReader) *Planner {
	return &Planner{Store: store}
}

// LoadStageForResume returns the data section of stage n's checkpoint in runID.
func (p *Planner) LoadStageForResume(sessionID, runID string, n int) (json.RawMessage, error) {
	stageID, err := p.validate(sessionID, runID, n)
	if err != nil {
		return nil, err
	}
	cp, err := p.Store.ReadCheckpoint(sessionID, runID, stageID)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", stageID, err)
	}
	return cp.Data, nil
}

// LoadStageMetadataForResume returns the metadata of stage n's checkpoint in runID.
func (p *Planner) LoadStageMetadataForResume(sessionID, runID string, n int) (*pipeline.StageMetadata, error) {
	stageID, err := p.validate(sessionID, runID, n)
	if err != nil {
		return nil, err
	}
	cp, err := p.Store.ReadCheckpoint(sessionID, runID, stageID)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", stageID, err)
	}
	return &cp.Metadata, nil
}

func (p *Planner) validate(sessionID, runID string, n int) (string, error) {
	stageID, err := pipeline.StageID(n)
	if err != nil {
		return "", err
	}
	raw, err := p.Store.ReadStageFile(sessionID, runID, stageID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &StageFileNotFoundError{
				SessionID:   sessionID,
				RunID:       runID,
				StageNumber: n,
				StageID:     stageID,
				Path:        p.Store.StagePath(sessionID, runID, stageID),
			}
		}
		return "", &MalformedStageFileError{StageID: stageID, RunID: runID, Errors: []string{err.Error()}}
	}
	res := ValidateStageFile(raw, n)
	if res.NumberMismatch {
		return "", &StageNumberMismatchError{Expected: n, Actual: res.ActualNumber, RunID: runID}
	}
	if !res.Valid {
		return "", &MalformedStageFileError{StageID: stageID, RunID: runID, Errors: res.Errors}
	}
	// A degraded stage checkpointed no data, so it cannot seed the next stage.
	if res.Metadata.Degraded {
		return "", &MalformedStageFileError{
			StageID: stageID,
			RunID:   runID,
			Errors:  []string{fmt.Sprintf("stage degraded in source run: %s", res.Metadata.Error)},
		}
	}
	return stageID, nil
}
