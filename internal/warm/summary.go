package warm

import "time"

// Summary folds one sweep's results for logs, events and the warm endpoint.
type Summary struct {
	Job      string    `json:"job"`
	Trigger  string    `json:"trigger,omitempty"`
	Started  time.Time `json:"startedAt"`
	Total    int       `json:"total"`
	Warmed   int       `json:"warmed"`
	Partial  int       `json:"partial"`
	Failed   int       `json:"failed"`
	Skipped  int       `json:"skipped"`
	CacheErr int       `json:"cacheErrors"`
	TotalMs  int64     `json:"totalMs"`
}

func Summarize(job string, started time.Time, elapsed time.Duration, results []Result) Summary {
	s := Summary{Job: job, Started: started, Total: len(results), TotalMs: elapsed.Milliseconds()}
	for _, r := range results {
		switch {
		case r.Skipped:
			s.Skipped++
		case r.Succeeded:
			s.Warmed++
		default:
			s.Failed++
		}
		if r.Partial && !r.Skipped {
			s.Partial++
		}
		if r.CacheError != "" {
			s.CacheErr++
		}
	}
	return s
}

// Outcome is "ok" when nothing failed, "partial" when some targets warmed and "failed" otherwise.
func (s Summary) Outcome() string {
	switch {
	case s.Failed == 0 && s.Skipped == 0:
		return "ok"
	case s.Warmed > 0:
		return "partial"
	default:
		return "failed"
	}
}
