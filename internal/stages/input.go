// Package stages holds the built-in stage implementations wired by the CLI.
package stages

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lucasnoah/wayfinder/internal/stage"
	"github.com/lucasnoah/wayfinder/internal/worker"
)

// RouterOutput is produced by the router stage and consumed by the fan-out stage.
type RouterOutput struct {
	Intent         worker.Intent     `json:"intent"`
	Plan           worker.Plan       `json:"plan"`
	PlanningErrors map[string]string `json:"planning_errors,omitempty"`
}

// InputKind tags the fan-out stage's input.
type InputKind string

const (
	// InputWrapped carries a router plan that workers execute.
	InputWrapped InputKind = "wrapped"
	// InputRaw carries candidates supplied directly; no worker is called.
	InputRaw InputKind = "raw"
)

// Input is the fan-out stage's input, resolved once from whatever the previous stage produced.
type Input struct {
	Kind       InputKind          `json:"kind"`
	Data       *RouterOutput      `json:"data,omitempty"`
	Candidates []worker.Candidate `json:"candidates,omitempty"`
}

// ErrNoInput is returned when the previous stage produced nothing, e.g. because it degraded.
var ErrNoInput = errors.New("no input from previous stage")

// ResolveInput classifies previous as a router plan or a raw candidate list.
func ResolveInput(previous any) (Input, error) {
	switch p := previous.(type) {
	case nil:
		return Input{}, ErrNoInput
	case Input:
		return p, nil
	case *Input:
		if p == nil {
			return Input{}, ErrNoInput
		}
		return *p, nil
	case RouterOutput:
		return Input{Kind: InputWrapped, Data: &p}, nil
	case *RouterOutput:
		if p == nil {
			return Input{}, ErrNoInput
		}
		return Input{Kind: InputWrapped, Data: p}, nil
	case []worker.Candidate:
		return Input{Kind: InputRaw, Candidates: p}, nil
	}

	var raw json.RawMessage
	if err := stage.Decode(previous, &raw); err != nil {
		return Input{}, ErrNoInput
	}

	// A tagged input serialized by an earlier run.
	var tagged Input
	if err := json.Unmarshal(raw, &tagged); err == nil && tagged.Kind != "" {
		switch tagged.Kind {
		case InputWrapped:
			if tagged.Data == nil {
				return Input{}, fmt.Errorf("wrapped input without data")
			}
			return tagged, nil
		case InputRaw:
			return tagged, nil
		default:
			return Input{}, fmt.Errorf("unknown input kind %q", tagged.Kind)
		}
	}

	var cands []worker.Candidate
	if err := json.Unmarshal(raw, &cands); err == nil {
		return Input{Kind: InputRaw, Candidates: cands}, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err == nil {
		if _, ok := fields["plan"]; ok {
			var ro RouterOutput
			if err := json.Unmarshal(raw, &ro); err != nil {
				return Input{}, fmt.Errorf("decode router output: %w", err)
			}
			return Input{Kind: InputWrapped, Data: &ro}, nil
		}
	}
	return Input{}, fmt.Errorf("unrecognised fan-out input: want a router plan or a candidate list")
}
