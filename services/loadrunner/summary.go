package loadrunner

import (
	"time"

	"gwperf/pkg/report"
)

// Result is the outcome of one iteration. Iteration is 1-based.
type Result struct {
	Iteration int           `json:"iteration"`
	VU        int           `json:"vu"`
	Status    report.Status `json:"status"`
	Duration  time.Duration `json:"duration"`
	Kind      string        `json:"kind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Summary aggregates a run.
type Summary struct {
	RunID        string         `json:"run_id"`
	Workflow     string         `json:"workflow"`
	Started      time.Time      `json:"started"`
	Duration     time.Duration  `json:"duration"`
	VUs          int            `json:"vus"`
	Planned      int            `json:"planned"`
	Total        int            `json:"total"`
	Passed       int            `json:"passed"`
	Failed       int            `json:"failed"`
	Interrupted  int            `json:"interrupted"`
	ErrorsByKind map[string]int `json:"errors_by_kind,omitempty"`
	Results      []Result       `json:"results"`
	ArchiveURL   string         `json:"-"`
	Text         string         `json:"-"`
}

// OK reports whether every planned iteration ran and passed.
func (s Summary) OK() bool {
	return s.Total == s.Planned && s.Passed == s.Total
}

func (s *Summary) add(results []Result) {
	s.Results = append(s.Results, results...)
	for _, r := range results {
		s.Total++
		switch r.Status {
		case report.Passed:
			s.Passed++
		case report.Failed:
			s.Failed++
		default:
			s.Interrupted++
		}
		if r.Kind != "" {
			if s.ErrorsByKind == nil {
				s.ErrorsByKind = make(map[string]int)
			}
			s.ErrorsByKind[r.Kind]++
		}
	}
}
