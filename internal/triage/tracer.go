package triage

import "tracetriage/internal/logging"

// Tracer instruments the orchestrator's public methods. Instrumentation is
// pure decoration: callers never observe whether it is active, and enabling
// it changes no behavior.
type Tracer interface {
	// Start begins a span for the named operation and returns its finisher.
	Start(op string) func()
}

// NopTracer is the default tracer; spans cost nothing and record nothing.
type NopTracer struct{}

// Start returns a no-op finisher.
func (NopTracer) Start(string) func() { return func() {} }

// LogTracer records span durations through the performance log.
type LogTracer struct{}

// Start begins a performance timer for the operation.
func (LogTracer) Start(op string) func() {
	timer := logging.StartTimer(logging.CategoryTriage, op)
	return func() { timer.Stop() }
}
