package auditsim

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/storelens/audit-orchestrator/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_runs (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    audit_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    started_at TIMESTAMP,
    completed_at TIMESTAMP,
    result TEXT,
    error TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_runs_session ON audit_runs(session_id);
CREATE INDEX IF NOT EXISTS idx_audit_runs_status ON audit_runs(status);

CREATE TABLE IF NOT EXISTS orchestrator_sessions (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    planned_audits TEXT,
    status TEXT NOT NULL DEFAULT 'running',
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_session ON orchestrator_sessions(session_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON orchestrator_sessions(status);
`

// Store provides SQLite-backed persistence for the simulated record store
type Store struct {
	db *sql.DB
}

// NewStore creates a Store at the given database path. Use ":memory:" for an
// ephemeral store.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// RunListOptions specifies filters for listing runs
type RunListOptions struct {
	SessionID string
	AuditType string
	Status    string
}

// SaveRun inserts or replaces a run record
func (s *Store) SaveRun(run *domain.AuditRun) error {
	_, err := s.db.Exec(`
		INSERT INTO audit_runs (id, session_id, audit_type, status, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error = excluded.error
	`,
		run.ID,
		run.SessionID,
		run.AuditType,
		string(run.Status),
		run.StartedAt,
		run.CompletedAt,
		string(run.Result),
		run.Error,
	)
	return err
}

// GetRun retrieves a run by ID
func (s *Store) GetRun(id string) (*domain.AuditRun, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, audit_type, status, started_at, completed_at, result, error
		FROM audit_runs WHERE id = ?
	`, id)
	return scanRun(row.Scan)
}

// ListRuns returns runs matching the given options, newest first
func (s *Store) ListRuns(opts RunListOptions) ([]*domain.AuditRun, error) {
	query := `SELECT id, session_id, audit_type, status, started_at, completed_at, result, error FROM audit_runs WHERE 1=1`
	var args []interface{}

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.AuditType != "" {
		query += " AND audit_type = ?"
		args = append(args, opts.AuditType)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}

	query += " ORDER BY started_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*domain.AuditRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(scan func(dest ...interface{}) error) (*domain.AuditRun, error) {
	var run domain.AuditRun
	var status string
	var result, errMsg sql.NullString

	err := scan(&run.ID, &run.SessionID, &run.AuditType, &status, &run.StartedAt, &run.CompletedAt, &result, &errMsg)
	if err != nil {
		return nil, err
	}

	run.Status = domain.RunStatus(status)
	if result.Valid && result.String != "" {
		run.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}
	return &run, nil
}

// SaveSession inserts or replaces a session record
func (s *Store) SaveSession(sess *domain.OrchestratorSession) error {
	plannedJSON, err := json.Marshal(sess.PlannedAudits)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO orchestrator_sessions (id, session_id, planned_audits, status, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at
	`,
		sess.ID,
		sess.SessionID,
		string(plannedJSON),
		string(sess.Status),
		sess.StartedAt,
		sess.CompletedAt,
	)
	return err
}

// GetSession retrieves a session by record ID
func (s *Store) GetSession(id string) (*domain.OrchestratorSession, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, planned_audits, status, started_at, completed_at
		FROM orchestrator_sessions WHERE id = ?
	`, id)
	return scanSession(row.Scan)
}

// SessionListOptions specifies filters for listing sessions
type SessionListOptions struct {
	SessionID string
	Status    string
}

// ListSessions returns sessions matching the given options, newest first
func (s *Store) ListSessions(opts SessionListOptions) ([]*domain.OrchestratorSession, error) {
	query := `SELECT id, session_id, planned_audits, status, started_at, completed_at FROM orchestrator_sessions WHERE 1=1`
	var args []interface{}

	if opts.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, opts.SessionID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, opts.Status)
	}

	query += " ORDER BY started_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*domain.OrchestratorSession
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(scan func(dest ...interface{}) error) (*domain.OrchestratorSession, error) {
	var sess domain.OrchestratorSession
	var status string
	var plannedJSON sql.NullString

	err := scan(&sess.ID, &sess.SessionID, &plannedJSON, &status, &sess.StartedAt, &sess.CompletedAt)
	if err != nil {
		return nil, err
	}

	sess.Status = domain.SessionStatus(status)
	if plannedJSON.Valid && plannedJSON.String != "" && plannedJSON.String != "null" {
		var planned []string
		if err := json.Unmarshal([]byte(plannedJSON.String), &planned); err != nil {
			return nil, err
		}
		sess.PlannedAudits = planned
	}
	return &sess, nil
}
