package logging

import "time"

// =============================================================================
// CATEGORY HELPERS - Convenience functions for common categories
// =============================================================================

// Triage logs an info message to the triage category
func Triage(format string, args ...interface{}) {
	Get(CategoryTriage).Info(format, args...)
}

// TriageDebug logs a debug message to the triage category
func TriageDebug(format string, args ...interface{}) {
	Get(CategoryTriage).Debug(format, args...)
}

// Session logs an info message to the session category
func Session(format string, args ...interface{}) {
	Get(CategorySession).Info(format, args...)
}

// SessionDebug logs a debug message to the session category
func SessionDebug(format string, args ...interface{}) {
	Get(CategorySession).Debug(format, args...)
}

// Analyzer logs an info message to the analyzer category
func Analyzer(format string, args ...interface{}) {
	Get(CategoryAnalyzer).Info(format, args...)
}

// AnalyzerDebug logs a debug message to the analyzer category
func AnalyzerDebug(format string, args ...interface{}) {
	Get(CategoryAnalyzer).Debug(format, args...)
}

// Improver logs an info message to the improver category
func Improver(format string, args ...interface{}) {
	Get(CategoryImprover).Info(format, args...)
}

// ImproverDebug logs a debug message to the improver category
func ImproverDebug(format string, args ...interface{}) {
	Get(CategoryImprover).Debug(format, args...)
}

// ABTest logs an info message to the abtest category
func ABTest(format string, args ...interface{}) {
	Get(CategoryABTest).Info(format, args...)
}

// ABTestDebug logs a debug message to the abtest category
func ABTestDebug(format string, args ...interface{}) {
	Get(CategoryABTest).Debug(format, args...)
}

// Store logs an info message to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// Watch logs an info message to the watch category
func Watch(format string, args ...interface{}) {
	Get(CategoryWatch).Info(format, args...)
}

// WatchDebug logs a debug message to the watch category
func WatchDebug(format string, args ...interface{}) {
	Get(CategoryWatch).Debug(format, args...)
}

// =============================================================================
// PERFORMANCE TIMERS
// =============================================================================

// Timer measures operation duration and logs it to the performance category.
type Timer struct {
	category  Category
	operation string
	start     time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category:  category,
		operation: operation,
		start:     time.Now(),
	}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(CategoryPerformance).Debug("%s [%s] took %v", t.operation, t.category, elapsed)
	return elapsed
}

// StopWithThreshold logs at warn level if the duration exceeds the threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(CategoryPerformance).Warn("SLOW: %s [%s] took %v (threshold %v)",
			t.operation, t.category, elapsed, threshold)
	} else {
		Get(CategoryPerformance).Debug("%s [%s] took %v", t.operation, t.category, elapsed)
	}
	return elapsed
}
