package approval

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/uplinkd/uplink/internal/common/sqlite"
)

// AuditRecord is one row of the approval audit trail.
type AuditRecord struct {
	RequestID  string    `db:"request_id"`
	SessionID  string    `db:"session_id"`
	ToolName   string    `db:"tool_name"`
	RiskLevel  string    `db:"risk_level"`
	Decision   string    `db:"decision"`
	Approved   int       `db:"approved"`
	ResolvedBy string    `db:"resolved_by"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
	ResolvedAt time.Time `db:"resolved_at"`
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS approval_audit (
	request_id  TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	tool_name   TEXT NOT NULL,
	risk_level  TEXT NOT NULL,
	decision    TEXT NOT NULL,
	resolved_by TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL,
	resolved_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_approval_audit_session ON approval_audit(session_id);
`

// migrate adds columns introduced after the first release. The base schema
// stays as shipped so existing databases upgrade in place.
func migrate(db *sqlx.DB) error {
	if err := sqlite.EnsureColumn(db.DB, "approval_audit", "reason", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return sqlite.EnsureColumn(db.DB, "approval_audit", "approved", "INTEGER NOT NULL DEFAULT 0")
}

// AuditStore persists resolved approvals to a local SQLite database. Writes
// are best-effort; an audit failure never blocks a decision.
type AuditStore struct {
	db *sqlx.DB
}

// OpenAudit opens (creating if needed) the audit database at path. An empty
// path disables auditing and returns nil.
func OpenAudit(path string) (*AuditStore, error) {
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate audit schema: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Record inserts a resolved approval. Replays of the same request id
// overwrite the previous row.
func (s *AuditStore) Record(rec AuditRecord) error {
	rec.Approved = sqlite.BoolToInt(rec.Decision == string(DecisionAllow))
	_, err := s.db.NamedExec(`
		INSERT OR REPLACE INTO approval_audit
		(request_id, session_id, tool_name, risk_level, decision, approved, resolved_by, reason, created_at, resolved_at)
		VALUES (:request_id, :session_id, :tool_name, :risk_level, :decision, :approved, :resolved_by, :reason, :created_at, :resolved_at)
	`, rec)
	return err
}

// Recent returns the newest resolved approvals, most recent first.
func (s *AuditStore) Recent(limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []AuditRecord
	err := s.db.Select(&records, `
		SELECT request_id, session_id, tool_name, risk_level, decision, approved, resolved_by, reason, created_at, resolved_at
		FROM approval_audit
		ORDER BY resolved_at DESC
		LIMIT ?
	`, limit)
	return records, err
}

// Close releases the database handle.
func (s *AuditStore) Close() error {
	return s.db.Close()
}
