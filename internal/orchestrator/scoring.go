package orchestrator

import (
	"time"

	"github.com/remedylabs/remedy/internal/types"
)

// ScoringPolicy holds the fixed constants of the scoring formula.
type ScoringPolicy struct {
	// Base score by verification outcome.
	PassedBase  int
	FailedBase  int
	SkippedBase int

	// SpeedBonus is added when the run finishes under SpeedThreshold.
	SpeedBonus     int
	SpeedThreshold time.Duration

	// Commits beyond FreeCommits each cost CommitPenalty points.
	FreeCommits   int
	CommitPenalty int
}

// DefaultScoringPolicy returns the standard formula constants.
func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		PassedBase:     100,
		FailedBase:     40,
		SkippedBase:    70,
		SpeedBonus:     10,
		SpeedThreshold: 5 * time.Minute,
		FreeCommits:    5,
		CommitPenalty:  5,
	}
}

// Score computes the terminal scoring fields from the last execution
// outcome, the elapsed run time, and the commit count. The total never
// goes below zero.
func (p ScoringPolicy) Score(method types.ExecMethod, passed bool, elapsed time.Duration, commits int) types.Scoring {
	s := types.Scoring{DurationSeconds: int(elapsed.Seconds())}

	switch {
	case method == types.MethodSkipped:
		s.BaseScore = p.SkippedBase
	case passed:
		s.BaseScore = p.PassedBase
	default:
		s.BaseScore = p.FailedBase
	}

	if elapsed < p.SpeedThreshold {
		s.SpeedBonus = p.SpeedBonus
	}

	if extra := commits - p.FreeCommits; extra > 0 {
		s.EfficiencyPenalty = extra * p.CommitPenalty
	}

	s.Score = s.BaseScore + s.SpeedBonus - s.EfficiencyPenalty
	if s.Score < 0 {
		s.Score = 0
	}

	return s
}
