package proposal

import "time"

// Summary is the structured "proposals summary" record every run emits,
// regardless of whether a proposal was chosen.
type Summary struct {
	At                time.Time
	CandidateCount    int
	ScoredCount       int
	PassingCount      int
	BestScore         float64
	FilterRejections  map[string]int
	ScoringRejections map[string]int
	ScoreHistogram    map[string]int
	ChosenExpiration  string
	ChosenScore       float64
	Reason            string
}

func newSummary(now time.Time) Summary {
	return Summary{
		At:                now,
		FilterRejections:  map[string]int{},
		ScoringRejections: map[string]int{},
		ScoreHistogram: map[string]int{
			"[0-0.5)":      0,
			"[0.5-0.65)":   0,
			"[0.65-0.70)":  0,
			"[0.70-0.85)":  0,
			"[0.85-1]":     0,
		},
	}
}

func (s *Summary) bumpFilter(reason filterReason) {
	s.FilterRejections[string(reason)]++
}

func (s *Summary) bumpScoringRejection(reason filterReason) {
	s.ScoringRejections[reason.String()]++
}

func (s *Summary) bumpHistogram(score float64) {
	switch {
	case score < 0.5:
		s.ScoreHistogram["[0-0.5)"]++
	case score < 0.65:
		s.ScoreHistogram["[0.5-0.65)"]++
	case score < 0.70:
		s.ScoreHistogram["[0.65-0.70)"]++
	case score < 0.85:
		s.ScoreHistogram["[0.70-0.85)"]++
	default:
		s.ScoreHistogram["[0.85-1]"]++
	}
}
