package triage

import "time"

// Session is one bounded analysis run. Counters are monotonically
// non-decreasing for the session's lifetime; EndTime is set exactly once.
type Session struct {
	ID                  string     `json:"id"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	TracesAnalyzed      int        `json:"traces_analyzed"`
	FailuresFound       int        `json:"failures_found"`
	PatternsDetected    int        `json:"patterns_detected"`
	ActionsGenerated    int        `json:"actions_generated"`
	ActionsApplied      int        `json:"actions_applied"`
	ImprovementMeasured float64    `json:"improvement_measured"`
}

// Ended reports whether the session has been finalized.
func (s *Session) Ended() bool {
	return s.EndTime != nil
}

// Summary aggregates triage activity across all sessions.
type Summary struct {
	TotalSessions         int      `json:"total_sessions"`
	TotalTracesAnalyzed   int      `json:"total_traces_analyzed"`
	TotalFailuresFound    int      `json:"total_failures_found"`
	TotalActionsGenerated int      `json:"total_actions_generated"`
	TotalActionsApplied   int      `json:"total_actions_applied"`
	AverageImprovement    float64  `json:"average_improvement"` // percentage points, over applied actions with results
	TopPatterns           []string `json:"top_patterns"`
	TopActions            []string `json:"top_actions"`
}
