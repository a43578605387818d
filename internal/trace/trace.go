// Package trace defines the execution trace data model produced by the agent
// pipeline. A trace records one complete run as a tree of named operations;
// traces are immutable once handed to analysis.
package trace

import "time"

// Agent identifies which pipeline agent executed an operation.
type Agent string

const (
	AgentTester   Agent = "Tester"
	AgentTriage   Agent = "Triage"
	AgentFixer    Agent = "Fixer"
	AgentVerifier Agent = "Verifier"
	AgentCrawler  Agent = "Crawler"
)

// AllAgents returns the fixed agent-name set.
func AllAgents() []Agent {
	return []Agent{AgentTester, AgentTriage, AgentFixer, AgentVerifier, AgentCrawler}
}

// OpError describes a failed operation. Presence on an Operation marks it failed.
type OpError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// Operation is one named step inside a trace (an LLM call, a tool invocation),
// forming a tree via Children.
type Operation struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	AgentName  Agent                  `json:"agent_name"`
	StartTime  time.Time              `json:"start_time"`
	EndTime    time.Time              `json:"end_time"`
	DurationMs int64                  `json:"duration_ms"`
	Inputs     map[string]interface{} `json:"inputs,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	Error      *OpError               `json:"error,omitempty"`
	Children   []*Operation           `json:"children,omitempty"`
}

// Failed reports whether the operation carries an error.
func (o *Operation) Failed() bool {
	return o.Error != nil
}

// Metadata carries run-level counters attached to a trace.
type Metadata struct {
	TestsTotal     int `json:"tests_total"`
	TestsPassed    int `json:"tests_passed"`
	Iterations     int `json:"iterations"`
	PatchesApplied int `json:"patches_applied"`
}

// Trace is one completed execution of the agent pipeline for a single run.
type Trace struct {
	ID         string       `json:"id"`
	RunID      string       `json:"run_id"`
	StartTime  time.Time    `json:"start_time"`
	EndTime    time.Time    `json:"end_time"`
	DurationMs int64        `json:"duration_ms"`
	Success    bool         `json:"success"`
	Operations []*Operation `json:"operations"`
	Metadata   Metadata     `json:"metadata"`
}

// FailedOperations walks Operations and their nested Children depth-first and
// returns every operation carrying an error, in discovery order.
func (t *Trace) FailedOperations() []*Operation {
	var failed []*Operation
	for _, op := range t.Operations {
		collectFailed(op, &failed)
	}
	return failed
}

func collectFailed(op *Operation, out *[]*Operation) {
	if op == nil {
		return
	}
	if op.Failed() {
		*out = append(*out, op)
	}
	for _, child := range op.Children {
		collectFailed(child, out)
	}
}

// OperationCount returns the total number of operations in the tree.
func (t *Trace) OperationCount() int {
	count := 0
	for _, op := range t.Operations {
		count += countOps(op)
	}
	return count
}

func countOps(op *Operation) int {
	if op == nil {
		return 0
	}
	count := 1
	for _, child := range op.Children {
		count += countOps(child)
	}
	return count
}
