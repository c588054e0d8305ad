package storage

import (
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	timestamp: func(t time.Time) any {
		return t
	},
	schema: []string{
		`CREATE TABLE IF NOT EXISTS fairness_metrics (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			process_type TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			overall_score DOUBLE PRECISION NOT NULL,
			validation TEXT NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_process_ts ON fairness_metrics(process_id, ts)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
			id BIGSERIAL PRIMARY KEY,
			process_id TEXT NOT NULL,
			metrics_id TEXT,
			ts TIMESTAMPTZ NOT NULL,
			bias_score DOUBLE PRECISION NOT NULL,
			bias_type TEXT,
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			provisional BOOLEAN NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_evaluations_process_ts ON evaluations(process_id, ts)`,
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			dedup_key TEXT NOT NULL,
			process_id TEXT NOT NULL,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_dedup ON alerts(dedup_key, status)`,
		`CREATE TABLE IF NOT EXISTS audit_entries (
			id TEXT PRIMARY KEY,
			seq BIGINT NOT NULL UNIQUE,
			ts TIMESTAMPTZ NOT NULL,
			action TEXT NOT NULL,
			actor_kind TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			impact TEXT NOT NULL,
			hash TEXT NOT NULL,
			body JSONB NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_entries(resource_type, resource_id)`,
	},
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/fairwatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &sqlStore{db: db, d: postgresDialect}, nil
}
