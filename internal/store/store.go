// Package store persists triage outcomes to SQLite for wrapping applications.
// The core pipeline keeps all state in memory; this archive exists so session
// history, failure records, and A/B results survive process restarts when the
// embedding application wants durability.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tracetriage/internal/abtest"
	"tracetriage/internal/analyzer"
	"tracetriage/internal/logging"
	"tracetriage/internal/trace"
	"tracetriage/internal/triage"
)

// Store is the SQLite-backed triage archive.
type Store struct {
	mu   sync.RWMutex
	db   *sql.DB
	path string
}

// Stats summarizes archive contents.
type Stats struct {
	Sessions  int `json:"sessions"`
	Failures  int `json:"failures"`
	ABResults int `json:"ab_results"`
}

// Open creates (or opens) the archive at path and ensures the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open triage database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	logging.Store("Archive opened: %s", path)
	return s, nil
}

// ensureSchema creates the necessary tables.
func (s *Store) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		start_time DATETIME,
		end_time DATETIME,
		traces_analyzed INTEGER,
		failures_found INTEGER,
		patterns_detected INTEGER,
		actions_generated INTEGER,
		actions_applied INTEGER,
		improvement_measured REAL
	);

	CREATE TABLE IF NOT EXISTS failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT,
		trace_id TEXT,
		operation_id TEXT,
		agent TEXT,
		cause TEXT,
		error_message TEXT,
		frequency INTEGER,
		first_seen DATETIME,
		last_seen DATETIME,
		actions_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_failures_session ON failures(session_id);
	CREATE INDEX IF NOT EXISTS idx_failures_agent ON failures(agent);

	CREATE TABLE IF NOT EXISTS ab_results (
		test_id TEXT PRIMARY KEY,
		agent TEXT,
		winner TEXT,
		confidence REAL,
		sample_size INTEGER,
		control_pass_rate REAL,
		variant_pass_rate REAL,
		recommendation TEXT,
		started_at DATETIME
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveSession inserts or updates one session row.
func (s *Store) SaveSession(sess *triage.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var endTime interface{}
	if sess.EndTime != nil {
		endTime = *sess.EndTime
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions
		(id, start_time, end_time, traces_analyzed, failures_found,
		 patterns_detected, actions_generated, actions_applied, improvement_measured)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.StartTime, endTime,
		sess.TracesAnalyzed, sess.FailuresFound, sess.PatternsDetected,
		sess.ActionsGenerated, sess.ActionsApplied, sess.ImprovementMeasured,
	)
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.ID, err)
	}

	logging.Store("Session archived: id=%s", sess.ID)
	return nil
}

// SaveFailures archives the failure records of one session.
func (s *Store) SaveFailures(sessionID string, failures []*analyzer.FailureAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, f := range failures {
		actionsJSON, _ := json.Marshal(f.SuggestedActions)

		_, err := tx.Exec(`
			INSERT INTO failures
			(session_id, trace_id, operation_id, agent, cause, error_message,
			 frequency, first_seen, last_seen, actions_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, f.TraceID, f.OperationID, string(f.Agent), string(f.Cause),
			f.ErrorMessage, f.Frequency, f.FirstSeen, f.LastSeen, string(actionsJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to save failure for %s: %w", f.Agent, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.Store("Archived %d failure record(s) for session %s", len(failures), sessionID)
	return nil
}

// SaveABResult archives one A/B comparison outcome.
func (s *Store) SaveABResult(agent trace.Agent, res *abtest.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO ab_results
		(test_id, agent, winner, confidence, sample_size,
		 control_pass_rate, variant_pass_rate, recommendation, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.TestID, string(agent), string(res.Winner), res.Confidence,
		res.Metrics.SampleSize, res.Metrics.ControlPassRate,
		res.Metrics.VariantPassRate, res.Recommendation, res.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save A/B result %s: %w", res.TestID, err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, most recent first.
func (s *Store) RecentSessions(limit int) ([]*triage.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, start_time, end_time, traces_analyzed, failures_found,
		       patterns_detected, actions_generated, actions_applied, improvement_measured
		FROM sessions
		ORDER BY start_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*triage.Session
	for rows.Next() {
		var sess triage.Session
		var endTime sql.NullTime

		err := rows.Scan(
			&sess.ID, &sess.StartTime, &endTime,
			&sess.TracesAnalyzed, &sess.FailuresFound, &sess.PatternsDetected,
			&sess.ActionsGenerated, &sess.ActionsApplied, &sess.ImprovementMeasured,
		)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan session: %v", err)
			continue
		}
		if endTime.Valid {
			t := endTime.Time
			sess.EndTime = &t
		}
		sessions = append(sessions, &sess)
	}

	return sessions, rows.Err()
}

// FailuresByAgent returns archived failures for one agent, most recent first.
func (s *Store) FailuresByAgent(agent trace.Agent, limit int) ([]*analyzer.FailureAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT trace_id, operation_id, agent, cause, error_message,
		       frequency, first_seen, last_seen, actions_json
		FROM failures
		WHERE agent = ?
		ORDER BY last_seen DESC
		LIMIT ?`, string(agent), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failures []*analyzer.FailureAnalysis
	for rows.Next() {
		var f analyzer.FailureAnalysis
		var agentStr, causeStr, actionsJSON string

		err := rows.Scan(
			&f.TraceID, &f.OperationID, &agentStr, &causeStr, &f.ErrorMessage,
			&f.Frequency, &f.FirstSeen, &f.LastSeen, &actionsJSON,
		)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan failure: %v", err)
			continue
		}

		f.Agent = trace.Agent(agentStr)
		f.Cause = analyzer.FailureCause(causeStr)
		if actionsJSON != "" {
			json.Unmarshal([]byte(actionsJSON), &f.SuggestedActions)
		}
		failures = append(failures, &f)
	}

	return failures, rows.Err()
}

// Stats returns row counts per table.
func (s *Store) Stats() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	if err := s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&st.Sessions); err != nil {
		return st, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM failures").Scan(&st.Failures); err != nil {
		return st, err
	}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM ab_results").Scan(&st.ABResults); err != nil {
		return st, err
	}
	return st, nil
}

// Prune removes sessions and failures older than the given duration.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)

	res, err := s.db.Exec(`DELETE FROM failures WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	failures, _ := res.RowsAffected()

	res, err = s.db.Exec(`DELETE FROM sessions WHERE start_time < ?`, cutoff)
	if err != nil {
		return int(failures), err
	}
	sessions, _ := res.RowsAffected()

	total := int(failures + sessions)
	if total > 0 {
		logging.Store("Pruned %d archived row(s)", total)
	}
	return total, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
