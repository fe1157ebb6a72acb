package worker

import "sort"

// Degradation classifies a fan-out by how many workers produced usable results.
type Degradation string

const (
	DegradationNone           Degradation = "none"
	DegradationPartialWorkers Degradation = "partial_workers"
	DegradationAllFailed      Degradation = "all_failed"
)

// WorkerSummary is the per-worker line of a Summary.
type WorkerSummary struct {
	WorkerID       string `json:"worker_id"`
	Status         Status `json:"status"`
	DurationMs     int64  `json:"duration_ms"`
	CandidateCount int    `json:"candidate_count"`
	Error          string `json:"error,omitempty"`
}

// Summary aggregates the outputs of one ExecuteWorkers call.
type Summary struct {
	Workers         []WorkerSummary `json:"workers"`
	Succeeded       int             `json:"succeeded"`
	Failed          int             `json:"failed"`
	Skipped         int             `json:"skipped"`
	TotalCandidates int             `json:"total_candidates"`
	Degradation     Degradation     `json:"degradation"`
}

// Summarize reduces outputs into a Summary. The result does not depend on the order of outputs.
func Summarize(outputs []Output) Summary {
	s := Summary{Workers: make([]WorkerSummary, 0, len(outputs))}
	for _, o := range outputs {
		s.Workers = append(s.Workers, WorkerSummary{
			WorkerID:       o.WorkerID,
			Status:         o.Status,
			DurationMs:     o.DurationMs,
			CandidateCount: len(o.Candidates),
			Error:          o.Error,
		})
		switch {
		case o.Status.Succeeded():
			s.Succeeded++
			s.TotalCandidates += len(o.Candidates)
		case o.Status == StatusSkipped:
			s.Skipped++
		default:
			s.Failed++
		}
	}
	sort.SliceStable(s.Workers, func(i, j int) bool {
		return s.Workers[i].WorkerID < s.Workers[j].WorkerID
	})

	switch {
	case len(outputs) == 0 || s.Succeeded == len(outputs):
		s.Degradation = DegradationNone
	case s.Succeeded == 0:
		s.Degradation = DegradationAllFailed
	default:
		s.Degradation = DegradationPartialWorkers
	}
	return s
}

// Status returns the summary line for a worker, if present.
func (s Summary) Status(workerID string) (WorkerSummary, bool) {
	for _, w := range s.Workers {
		if w.WorkerID == workerID {
			return w, true
		}
	}
	return WorkerSummary{}, false
}
