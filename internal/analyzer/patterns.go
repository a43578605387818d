package analyzer

import (
	"context"
	"regexp"
	"time"

	"tracetriage/internal/logging"
	"tracetriage/internal/trace"
)

// FailurePattern is a named, recurring failure shape detected once aggregate
// occurrences across matching failures cross the matcher's threshold.
type FailurePattern struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Occurrences int           `json:"occurrences"`
	Agents      []trace.Agent `json:"agents"`
	FirstSeen   time.Time     `json:"first_seen"`
	LastSeen    time.Time     `json:"last_seen"`
}

// patternMatcher describes one entry in the pattern library.
type patternMatcher struct {
	name           string
	description    string
	pattern        *regexp.Regexp
	minOccurrences int
}

// patternLibrary is the small set of named recurring-failure shapes. The
// threshold applies to summed Frequency across matching aggregated records,
// not the raw record count; dedup-then-count is what makes the math work.
var patternLibrary = []patternMatcher{
	{
		name:           "Element Not Found",
		description:    "Selectors repeatedly failing to locate page elements",
		pattern:        regexp.MustCompile(`(?i)element not found|no such element|selector.*not found`),
		minOccurrences: 3,
	},
	{
		name:           "Rate Limit Storm",
		description:    "Sustained throttling from the model provider",
		pattern:        regexp.MustCompile(`(?i)\b429\b|rate.?limit|too many requests`),
		minOccurrences: 2,
	},
	{
		name:           "Timeout Cascade",
		description:    "Deadlines blown across multiple operations",
		pattern:        regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`),
		minOccurrences: 3,
	},
	{
		name:           "Malformed Model Output",
		description:    "Model responses that repeatedly fail to parse",
		pattern:        regexp.MustCompile(`(?i)json|parse|unexpected token|malformed`),
		minOccurrences: 2,
	},
	{
		name:           "Retrieval Miss",
		description:    "Knowledge-store lookups coming back empty or broken",
		pattern:        regexp.MustCompile(`(?i)database|query failed|not found in index`),
		minOccurrences: 3,
	},
}

// DetectPatterns scans accumulated failures against the pattern library.
func (fa *FailureAnalyzer) DetectPatterns(ctx context.Context) ([]*FailurePattern, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fa.mu.RLock()
	defer fa.mu.RUnlock()

	var patterns []*FailurePattern
	for _, m := range patternLibrary {
		occurrences := 0
		agents := map[trace.Agent]bool{}
		var first, last time.Time

		for _, f := range fa.failures {
			if !m.pattern.MatchString(f.ErrorMessage) {
				continue
			}
			occurrences += f.Frequency
			agents[f.Agent] = true
			if first.IsZero() || f.FirstSeen.Before(first) {
				first = f.FirstSeen
			}
			if f.LastSeen.After(last) {
				last = f.LastSeen
			}
		}

		if occurrences < m.minOccurrences {
			continue
		}

		agentList := make([]trace.Agent, 0, len(agents))
		for _, a := range trace.AllAgents() {
			if agents[a] {
				agentList = append(agentList, a)
			}
		}

		patterns = append(patterns, &FailurePattern{
			Name:        m.name,
			Description: m.description,
			Occurrences: occurrences,
			Agents:      agentList,
			FirstSeen:   first,
			LastSeen:    last,
		})

		logging.Analyzer("Pattern detected: %s (occurrences=%d, threshold=%d)",
			m.name, occurrences, m.minOccurrences)
	}

	return patterns, nil
}
