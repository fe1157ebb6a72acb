package worker

import (
	"encoding/json"
	"fmt"
	"sort"
)

// OutputStore is the storage collaborator for raw worker outputs. *pipeline.Store implements it.
type OutputStore interface {
	SaveWorkerOutputs(sessionID, runID string, outputs map[string]json.RawMessage) error
	LoadWorkerOutputs(sessionID, runID string) (map[string]json.RawMessage, error)
}

// SaveOutputs persists one document per worker output.
func SaveOutputs(store OutputStore, sessionID, runID string, outputs []Output) error {
	raw := make(map[string]json.RawMessage, len(outputs))
	for _, o := range outputs {
		data, err := json.MarshalIndent(o, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal output %s: %w", o.WorkerID, err)
		}
		raw[o.WorkerID] = data
	}
	if err := store.SaveWorkerOutputs(sessionID, runID, raw); err != nil {
		return fmt.Errorf("save worker outputs: %w", err)
	}
	return nil
}

// LoadOutputs reads back the outputs saved for a run, sorted by worker id.
func LoadOutputs(store OutputStore, sessionID, runID string) ([]Output, error) {
	raw, err := store.LoadWorkerOutputs(sessionID, runID)
	if err != nil {
		return nil, fmt.Errorf("load worker outputs: %w", err)
	}
	outputs := make([]Output, 0, len(raw))
	for id, data := range raw {
		var o Output
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decode worker output %s: %w", id, err)
		}
		if o.WorkerID == "" {
			o.WorkerID = id
		}
		outputs = append(outputs, o)
	}
	sort.Slice(outputs, func(i, j int) bool { return outputs[i].WorkerID < outputs[j].WorkerID })
	return outputs, nil
}
