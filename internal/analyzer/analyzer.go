// Package analyzer turns raw execution traces into structured, deduplicated
// failure knowledge: it classifies failed operations, aggregates repeated
// failures, detects recurring patterns, and proposes corrective actions.
package analyzer

import (
	"context"
	"strings"
	"sync"
	"time"

	"tracetriage/internal/logging"
	"tracetriage/internal/trace"
)

// FailureAnalysis is an aggregated record of one distinct failure. Repeated
// occurrences of the same failure bump Frequency on a single record rather
// than duplicating it; the dedup identity is agent + operation name + error
// message.
type FailureAnalysis struct {
	TraceID          string              `json:"trace_id"`
	OperationID      string              `json:"operation_id"`
	Agent            trace.Agent         `json:"agent"`
	Cause            FailureCause        `json:"cause"`
	ErrorMessage     string              `json:"error_message"`
	Details          string              `json:"details"`
	Frequency        int                 `json:"frequency"`
	FirstSeen        time.Time           `json:"first_seen"`
	LastSeen         time.Time           `json:"last_seen"`
	SuggestedActions []*CorrectiveAction `json:"suggested_actions"`
}

// Statistics summarizes the accumulated failure state. Counts are
// frequency-weighted: a failure seen three times counts three.
type Statistics struct {
	TotalFailures int                  `json:"total_failures"`
	ByAgent       map[trace.Agent]int  `json:"by_agent"`
	ByCause       map[FailureCause]int `json:"by_cause"`
	TotalActions  int                  `json:"total_actions"`
}

// FailureAnalyzer accumulates failure knowledge across repeated AnalyzeTraces
// calls until Reset.
type FailureAnalyzer struct {
	mu       sync.RWMutex
	failures []*FailureAnalysis
	index    map[string]*FailureAnalysis // dedup key -> record
}

// NewFailureAnalyzer creates an empty analyzer.
func NewFailureAnalyzer() *FailureAnalyzer {
	logging.AnalyzerDebug("Creating FailureAnalyzer")
	return &FailureAnalyzer{
		index: make(map[string]*FailureAnalysis),
	}
}

// AnalyzeTraces extracts and aggregates failures from a batch of traces.
// Traces with Success=true contribute nothing, even when child operations
// carry error fields: recovered errors inside a successful run are not
// failure-worthy. Returns the full accumulated failure set in discovery order.
func (fa *FailureAnalyzer) AnalyzeTraces(ctx context.Context, traces []*trace.Trace) ([]*FailureAnalysis, error) {
	timer := logging.StartTimer(logging.CategoryAnalyzer, "FailureAnalyzer.AnalyzeTraces")
	defer timer.Stop()

	fa.mu.Lock()
	defer fa.mu.Unlock()

	newFailures := 0
	for _, t := range traces {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t == nil || t.Success {
			continue
		}

		for _, op := range t.FailedOperations() {
			if fa.record(t, op) {
				newFailures++
			}
		}
	}

	logging.Analyzer("Analyzed %d traces: %d new failure records, %d total",
		len(traces), newFailures, len(fa.failures))

	return fa.snapshot(), nil
}

// record aggregates one failed operation. Returns true when a new record was
// created rather than an existing one bumped.
func (fa *FailureAnalyzer) record(t *trace.Trace, op *trace.Operation) bool {
	key := dedupKey(op)
	now := time.Now()

	if existing, ok := fa.index[key]; ok {
		existing.Frequency++
		existing.LastSeen = now
		logging.AnalyzerDebug("Failure frequency bumped: agent=%s op=%s freq=%d",
			op.AgentName, op.Name, existing.Frequency)
		return false
	}

	cls := ClassifyFailure(op)
	record := &FailureAnalysis{
		TraceID:          t.ID,
		OperationID:      op.ID,
		Agent:            op.AgentName,
		Cause:            cls.Cause,
		ErrorMessage:     op.Error.Message,
		Details:          cls.Details,
		Frequency:        1,
		FirstSeen:        now,
		LastSeen:         now,
		SuggestedActions: GenerateActions(op, cls.Cause),
	}

	fa.index[key] = record
	fa.failures = append(fa.failures, record)

	logging.Analyzer("New failure recorded: agent=%s op=%s cause=%s actions=%d",
		op.AgentName, op.Name, cls.Cause, len(record.SuggestedActions))
	return true
}

// dedupKey builds the aggregation identity for a failed operation.
func dedupKey(op *trace.Operation) string {
	return strings.ToLower(string(op.AgentName) + "|" + op.Name + "|" + op.Error.Message)
}

// Failures returns the accumulated failure records in discovery order.
func (fa *FailureAnalyzer) Failures() []*FailureAnalysis {
	fa.mu.RLock()
	defer fa.mu.RUnlock()
	return fa.snapshot()
}

// snapshot copies the failure slice (records themselves are shared).
// Callers must hold at least a read lock.
func (fa *FailureAnalyzer) snapshot() []*FailureAnalysis {
	out := make([]*FailureAnalysis, len(fa.failures))
	copy(out, fa.failures)
	return out
}

// FailuresForAgent returns accumulated failures attributed to one agent,
// most recent last.
func (fa *FailureAnalyzer) FailuresForAgent(agent trace.Agent) []*FailureAnalysis {
	fa.mu.RLock()
	defer fa.mu.RUnlock()

	var out []*FailureAnalysis
	for _, f := range fa.failures {
		if f.Agent == agent {
			out = append(out, f)
		}
	}
	return out
}

// HighPriorityActions returns unapplied HIGH-priority actions across all
// tracked failures.
func (fa *FailureAnalyzer) HighPriorityActions() []*CorrectiveAction {
	fa.mu.RLock()
	defer fa.mu.RUnlock()

	var actions []*CorrectiveAction
	for _, f := range fa.failures {
		for _, a := range f.SuggestedActions {
			if a.Priority == PriorityHigh && !a.Applied {
				actions = append(actions, a)
			}
		}
	}
	return actions
}

// Statistics returns frequency-weighted failure counts.
func (fa *FailureAnalyzer) Statistics() Statistics {
	fa.mu.RLock()
	defer fa.mu.RUnlock()

	stats := Statistics{
		ByAgent: make(map[trace.Agent]int),
		ByCause: make(map[FailureCause]int),
	}
	for _, f := range fa.failures {
		stats.TotalFailures += f.Frequency
		stats.ByAgent[f.Agent] += f.Frequency
		stats.ByCause[f.Cause] += f.Frequency
		stats.TotalActions += len(f.SuggestedActions)
	}
	return stats
}

// Reset clears all accumulated failure state.
func (fa *FailureAnalyzer) Reset() {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	fa.failures = nil
	fa.index = make(map[string]*FailureAnalysis)
	logging.Analyzer("FailureAnalyzer state reset")
}
