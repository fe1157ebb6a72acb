package pipeline

import "encoding/json"

// SchemaVersion is written into every checkpoint's metadata.
const SchemaVersion = "1.0.0"

// StageMetadata is the "_meta" section of a checkpoint file.
type StageMetadata struct {
	StageID       string         `json:"stage_id"`
	StageNumber   int            `json:"stage_number"`
	StageName     string         `json:"stage_name"`
	SchemaVersion string         `json:"schema_version"`
	SessionID     string         `json:"session_id"`
	RunID         string         `json:"run_id"`
	CreatedAt     string         `json:"created_at"`
	UpstreamStage string         `json:"upstream_stage,omitempty"`
	UpstreamRunID string         `json:"upstream_run_id,omitempty"`
	Config        map[string]any `json:"config,omitempty"`
	Degraded      bool           `json:"degraded,omitempty"`
	Error         string         `json:"error,omitempty"`
}

// Checkpoint is the persisted output of one stage for one run.
// Data is opaque to the store; its shape is defined by the stage.
type Checkpoint struct {
	Metadata StageMetadata   `json:"_meta"`
	Data     json.RawMessage `json:"data"`
}

// ManifestStage records one executed stage and where its input came from.
type ManifestStage struct {
	StageID       string `json:"stage_id"`
	UpstreamStage string `json:"upstream_stage,omitempty"`
	UpstreamRunID string `json:"upstream_run_id,omitempty"`
	Checkpoint    string `json:"checkpoint"`
}

// Manifest summarises one run: what executed, what was skipped, and whether it succeeded.
type Manifest struct {
	SessionID  string          `json:"session_id"`
	RunID      string          `json:"run_id"`
	CreatedAt  string          `json:"created_at"`
	Success    bool            `json:"success"`
	Status     string          `json:"status"`
	Stages     []ManifestStage `json:"stages"`
	Skipped    []string        `json:"skipped"`
	Degraded   []string        `json:"degraded,omitempty"`
	FinalStage string          `json:"final_stage,omitempty"`
}

// ManifestInput is what the executor hands to GenerateManifest.
type ManifestInput struct {
	SessionID  string
	RunID      string
	Executed   []ManifestStage
	Skipped    []string
	Degraded   []string
	Success    bool
	Status     string
	FinalStage string
}

// RunInfo is a short listing entry for a run directory.
type RunInfo struct {
	RunID     string `json:"run_id"`
	Stages    int    `json:"stages"`
	Manifest  bool   `json:"manifest"`
	UpdatedAt string `json:"updated_at"`
}
