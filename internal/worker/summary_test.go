package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/wayfinder/internal/pipeline"
)

func TestSummarize_Degradation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Degradation
	}{
		{"empty", nil, DegradationNone},
		{"all ok", []Status{StatusOK, StatusPartial}, DegradationNone},
		{"some failed", []Status{StatusOK, StatusError}, DegradationPartialWorkers},
		{"skipped counts against", []Status{StatusOK, StatusSkipped}, DegradationPartialWorkers},
		{"none ok", []Status{StatusError, StatusSkipped}, DegradationAllFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var outs []Output
			for i, s := range tt.statuses {
				outs = append(outs, Output{WorkerID: string(rune('a' + i)), Status: s})
			}
			assert.Equal(t, tt.want, Summarize(outs).Degradation)
		})
	}
}

func TestSummarize_OrderIndependent(t *testing.T) {
	outs := []Output{
		{WorkerID: "b", Status: StatusOK, Candidates: []Candidate{{Title: "1"}, {Title: "2"}}},
		{WorkerID: "a", Status: StatusError, Error: "x"},
		{WorkerID: "c", Status: StatusSkipped},
	}
	reversed := []Output{outs[2], outs[1], outs[0]}
	assert.Equal(t, Summarize(outs), Summarize(reversed))

	s := Summarize(outs)
	assert.Equal(t, "a", s.Workers[0].WorkerID)
	assert.Equal(t, 2, s.TotalCandidates)
}

func TestSaveLoadOutputs(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	outs := []Output{
		{WorkerID: "web", Status: StatusOK, Candidates: []Candidate{{Title: "Tram 28", Source: "web"}}, DurationMs: 120},
		{WorkerID: "maps", Status: StatusError, Candidates: []Candidate{}, Error: "quota"},
	}
	require.NoError(t, SaveOutputs(store, "s1", "r1", outs))

	got, err := LoadOutputs(store, "s1", "r1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "maps", got[0].WorkerID)
	assert.Equal(t, "quota", got[0].Error)
	assert.Equal(t, "Tram 28", got[1].Candidates[0].Title)
}

func TestLoadOutputs_Missing(t *testing.T) {
	store := pipeline.NewStore(t.TempDir())
	_, err := LoadOutputs(store, "s1", "nope")
	assert.Error(t, err)
}
