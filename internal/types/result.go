package types

// Scoring carries the terminal fields written exactly once per run.
type Scoring struct {
	Score             int `json:"score"`
	BaseScore         int `json:"base_score"`
	SpeedBonus        int `json:"speed_bonus"`
	EfficiencyPenalty int `json:"efficiency_penalty"`
	DurationSeconds   int `json:"duration_seconds"`
}

// RunResult is the denormalized view assembled for downstream consumers:
// the run record joined with its applied fixes, timeline, and test
// results. The shape is stable; the dashboard renders it as-is.
type RunResult struct {
	Run         *Run               `json:"run"`
	FixesTable  []Patch            `json:"fixes_table"`
	Timeline    []TimelineEntry    `json:"timeline"`
	TestResults []TestResult       `json:"test_results"`
	Transitions []StatusTransition `json:"transitions"`
}
