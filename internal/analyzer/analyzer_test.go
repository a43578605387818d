package analyzer

import (
	"context"
	"testing"

	"tracetriage/internal/trace"
)

func failedTrace(id string, ops ...*trace.Operation) *trace.Trace {
	return &trace.Trace{ID: id, Success: false, Operations: ops}
}

func op(id, name string, agent trace.Agent, errMsg string) *trace.Operation {
	return &trace.Operation{
		ID:        id,
		Name:      name,
		AgentName: agent,
		Error:     &trace.OpError{Message: errMsg},
	}
}

func TestAnalyzeTracesDeduplicates(t *testing.T) {
	fa := NewFailureAnalyzer()
	ctx := context.Background()

	// Same agent + operation + error message across three traces.
	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "execute_test", trace.AgentTester, "timeout after 30s")),
		failedTrace("t2", op("op-2", "execute_test", trace.AgentTester, "timeout after 30s")),
		failedTrace("t3", op("op-3", "execute_test", trace.AgentTester, "timeout after 30s")),
	}

	failures, err := fa.AnalyzeTraces(ctx, traces)
	if err != nil {
		t.Fatalf("AnalyzeTraces: %v", err)
	}

	if len(failures) != 1 {
		t.Fatalf("got %d records, want 1 aggregated record", len(failures))
	}
	if failures[0].Frequency != 3 {
		t.Errorf("Frequency = %d, want 3", failures[0].Frequency)
	}
	if failures[0].Cause != CauseTimeout {
		t.Errorf("Cause = %s, want TIMEOUT", failures[0].Cause)
	}
	if failures[0].LastSeen.Before(failures[0].FirstSeen) {
		t.Error("LastSeen before FirstSeen")
	}
}

func TestAnalyzeTracesDistinctFailuresStaySeparate(t *testing.T) {
	fa := NewFailureAnalyzer()

	traces := []*trace.Trace{
		failedTrace("t1",
			op("op-1", "execute_test", trace.AgentTester, "timeout after 30s"),
			op("op-2", "execute_test", trace.AgentTester, "timeout after 60s"), // different message
			op("op-3", "apply_patch", trace.AgentFixer, "timeout after 30s"),   // different agent+op
		),
	}

	failures, err := fa.AnalyzeTraces(context.Background(), traces)
	if err != nil {
		t.Fatalf("AnalyzeTraces: %v", err)
	}
	if len(failures) != 3 {
		t.Fatalf("got %d records, want 3 distinct records", len(failures))
	}
	for _, f := range failures {
		if f.Frequency != 1 {
			t.Errorf("record %q Frequency = %d, want 1", f.ErrorMessage, f.Frequency)
		}
	}
}

func TestAnalyzeTracesSkipsSuccessfulTraces(t *testing.T) {
	fa := NewFailureAnalyzer()

	// A successful trace with a recovered child error contributes nothing.
	ok := &trace.Trace{
		ID:      "t1",
		Success: true,
		Operations: []*trace.Operation{
			op("op-1", "flaky_step", trace.AgentTester, "transient network error"),
		},
	}

	failures, err := fa.AnalyzeTraces(context.Background(), []*trace.Trace{ok, nil})
	if err != nil {
		t.Fatalf("AnalyzeTraces: %v", err)
	}
	if len(failures) != 0 {
		t.Errorf("got %d records from a successful trace, want 0", len(failures))
	}
}

func TestAnalyzeTracesAccumulatesAcrossCalls(t *testing.T) {
	fa := NewFailureAnalyzer()
	ctx := context.Background()

	first := []*trace.Trace{
		failedTrace("t1", op("op-1", "execute_test", trace.AgentTester, "timeout after 30s")),
	}
	second := []*trace.Trace{
		failedTrace("t2", op("op-2", "execute_test", trace.AgentTester, "timeout after 30s")),
		failedTrace("t3", op("op-3", "call_llm", trace.AgentFixer, "rate limit exceeded")),
	}

	if _, err := fa.AnalyzeTraces(ctx, first); err != nil {
		t.Fatal(err)
	}
	failures, err := fa.AnalyzeTraces(ctx, second)
	if err != nil {
		t.Fatal(err)
	}

	if len(failures) != 2 {
		t.Fatalf("got %d records after two calls, want 2", len(failures))
	}
	if failures[0].Frequency != 2 {
		t.Errorf("carried-over record Frequency = %d, want 2", failures[0].Frequency)
	}
}

func TestAnalyzeTracesCancelledContext(t *testing.T) {
	fa := NewFailureAnalyzer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := fa.AnalyzeTraces(ctx, []*trace.Trace{
		failedTrace("t1", op("op-1", "x", trace.AgentTester, "timeout")),
	})
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestStatisticsAreFrequencyWeighted(t *testing.T) {
	fa := NewFailureAnalyzer()

	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "execute_test", trace.AgentTester, "timeout after 30s")),
		failedTrace("t2", op("op-2", "apply_patch", trace.AgentFixer, "connection refused")),
		failedTrace("t3", op("op-3", "apply_patch", trace.AgentFixer, "connection refused")),
	}
	if _, err := fa.AnalyzeTraces(context.Background(), traces); err != nil {
		t.Fatal(err)
	}

	stats := fa.Statistics()
	if stats.TotalFailures != 3 {
		t.Errorf("TotalFailures = %d, want 3", stats.TotalFailures)
	}
	if stats.ByAgent[trace.AgentTester] != 1 {
		t.Errorf("ByAgent[Tester] = %d, want 1", stats.ByAgent[trace.AgentTester])
	}
	if stats.ByAgent[trace.AgentFixer] != 2 {
		t.Errorf("ByAgent[Fixer] = %d, want 2", stats.ByAgent[trace.AgentFixer])
	}
	if stats.ByCause[CauseTimeout] != 1 {
		t.Errorf("ByCause[TIMEOUT] = %d, want 1", stats.ByCause[CauseTimeout])
	}
	if stats.ByCause[CauseToolError] != 2 {
		t.Errorf("ByCause[TOOL_ERROR] = %d, want 2", stats.ByCause[CauseToolError])
	}
}

func TestFailuresForAgent(t *testing.T) {
	fa := NewFailureAnalyzer()

	traces := []*trace.Trace{
		failedTrace("t1",
			op("op-1", "execute_test", trace.AgentTester, "timeout after 30s"),
			op("op-2", "apply_patch", trace.AgentFixer, "connection refused"),
		),
	}
	if _, err := fa.AnalyzeTraces(context.Background(), traces); err != nil {
		t.Fatal(err)
	}

	tester := fa.FailuresForAgent(trace.AgentTester)
	if len(tester) != 1 || tester[0].Agent != trace.AgentTester {
		t.Errorf("FailuresForAgent(Tester) = %v", tester)
	}
	if got := fa.FailuresForAgent(trace.AgentCrawler); len(got) != 0 {
		t.Errorf("FailuresForAgent(Crawler) = %d records, want 0", len(got))
	}
}

func TestHighPriorityActions(t *testing.T) {
	fa := NewFailureAnalyzer()

	traces := []*trace.Trace{
		failedTrace("t1",
			op("op-1", "call_llm", trace.AgentFixer, "rate limit exceeded"), // 2 HIGH actions
			op("op-2", "execute_test", trace.AgentTester, "timeout"),       // MEDIUM + LOW
		),
	}
	if _, err := fa.AnalyzeTraces(context.Background(), traces); err != nil {
		t.Fatal(err)
	}

	high := fa.HighPriorityActions()
	if len(high) != 2 {
		t.Fatalf("got %d high-priority actions, want 2", len(high))
	}

	// Applied actions drop out.
	high[0].Applied = true
	if got := fa.HighPriorityActions(); len(got) != 1 {
		t.Errorf("after applying one: got %d, want 1", len(got))
	}
}

func TestDetectPatternsThreshold(t *testing.T) {
	fa := NewFailureAnalyzer()
	ctx := context.Background()

	// Two rate-limit occurrences hit the Rate Limit Storm threshold (2);
	// two timeouts stay under the Timeout Cascade threshold (3).
	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "call_llm", trace.AgentFixer, "429 too many requests")),
		failedTrace("t2", op("op-2", "call_llm", trace.AgentFixer, "429 too many requests")),
		failedTrace("t3", op("op-3", "execute_test", trace.AgentTester, "timed out")),
		failedTrace("t4", op("op-4", "execute_test", trace.AgentTester, "timed out")),
	}
	if _, err := fa.AnalyzeTraces(ctx, traces); err != nil {
		t.Fatal(err)
	}

	patterns, err := fa.DetectPatterns(ctx)
	if err != nil {
		t.Fatalf("DetectPatterns: %v", err)
	}

	names := map[string]*FailurePattern{}
	for _, p := range patterns {
		names[p.Name] = p
	}

	storm, ok := names["Rate Limit Storm"]
	if !ok {
		t.Fatal("Rate Limit Storm not detected")
	}
	if storm.Occurrences != 2 {
		t.Errorf("storm occurrences = %d, want 2", storm.Occurrences)
	}
	if len(storm.Agents) != 1 || storm.Agents[0] != trace.AgentFixer {
		t.Errorf("storm agents = %v, want [Fixer]", storm.Agents)
	}

	if _, ok := names["Timeout Cascade"]; ok {
		t.Error("Timeout Cascade detected below threshold")
	}
}

func TestDetectPatternsSumsAcrossRecords(t *testing.T) {
	fa := NewFailureAnalyzer()
	ctx := context.Background()

	// Three distinct timeout messages, one occurrence each: three aggregated
	// records whose summed frequency crosses the Timeout Cascade threshold.
	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "execute_test", trace.AgentTester, "timed out at step 1")),
		failedTrace("t2", op("op-2", "apply_patch", trace.AgentFixer, "timed out at step 2")),
		failedTrace("t3", op("op-3", "verify_fix", trace.AgentVerifier, "timed out at step 3")),
	}
	if _, err := fa.AnalyzeTraces(ctx, traces); err != nil {
		t.Fatal(err)
	}

	patterns, err := fa.DetectPatterns(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var cascade *FailurePattern
	for _, p := range patterns {
		if p.Name == "Timeout Cascade" {
			cascade = p
		}
	}
	if cascade == nil {
		t.Fatal("Timeout Cascade not detected from summed records")
	}
	if cascade.Occurrences != 3 {
		t.Errorf("occurrences = %d, want 3", cascade.Occurrences)
	}
	if len(cascade.Agents) != 3 {
		t.Errorf("agents = %v, want all three", cascade.Agents)
	}
}

func TestReset(t *testing.T) {
	fa := NewFailureAnalyzer()

	traces := []*trace.Trace{
		failedTrace("t1", op("op-1", "execute_test", trace.AgentTester, "timeout")),
	}
	if _, err := fa.AnalyzeTraces(context.Background(), traces); err != nil {
		t.Fatal(err)
	}

	fa.Reset()

	if len(fa.Failures()) != 0 {
		t.Error("failures survive Reset")
	}
	if fa.Statistics().TotalFailures != 0 {
		t.Error("statistics survive Reset")
	}

	// The analyzer stays usable after Reset.
	failures, err := fa.AnalyzeTraces(context.Background(), traces)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].Frequency != 1 {
		t.Error("post-Reset analysis did not start fresh")
	}
}
