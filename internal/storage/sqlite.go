package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{
	name: "sqlite",
	timestamp: func(t time.Time) any {
		return t.Format(time.RFC3339Nano)
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS fairness_metrics (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			process_type TEXT NOT NULL,
			ts TEXT NOT NULL,
			overall_score REAL NOT NULL,
			validation TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_process_ts ON fairness_metrics(process_id, ts)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			process_id TEXT NOT NULL,
			metrics_id TEXT,
			ts TEXT NOT NULL,
			bias_score REAL NOT NULL,
			bias_type TEXT,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			provisional INTEGER NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_process_ts ON evaluations(process_id, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			dedup_key TEXT NOT NULL,
			process_id TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(dedup_key, status)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			seq INTEGER NOT NULL UNIQUE,
			ts TEXT NOT NULL,
			action TEXT NOT NULL,
			actor_kind TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			impact TEXT NOT NULL,
			hash TEXT NOT NULL,
			body TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_entries(resource_type, resource_id)`,
	},
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:fairwatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, d: sqliteDialect}, nil
}
