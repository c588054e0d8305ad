package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fairwatch/internal/config"
	"fairwatch/internal/model"
)

// ErrStaleWrite means a conditional update matched no row: the record is
// gone or its status moved on since it was read.
var ErrStaleWrite = errors.New("stale write")

type Store interface {
	Init(ctx context.Context) error
	Close() error
	SaveMetrics(ctx context.Context, processID string, m *model.FairnessMetrics) error
	SaveEvaluation(ctx context.Context, ev model.Evaluation, at time.Time) error
	InsertAlert(ctx context.Context, alert model.Alert) error
	UpdateAlert(ctx context.Context, alert model.Alert, expected model.AlertStatus) error
	LoadAlerts(ctx context.Context) ([]model.Alert, error)
	DeleteAlerts(ctx context.Context, ids []string) error
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	LoadAudit(ctx context.Context) ([]model.AuditEntry, error)
	DeleteAudit(ctx context.Context, ids []string) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql", "pgx":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

type dialect struct {
	name      string
	numbered  bool
	schema    []string
	timestamp func(time.Time) any
}

// sqlStore is shared by every driver; dialects differ only in DDL and
// placeholder style.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

// NewWithDB wraps an already opened handle, mainly for tests.
func NewWithDB(db *sql.DB, driver string) Store {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return &sqlStore{db: db, d: postgresDialect}
	}
	return &sqlStore{db: db, d: sqliteDialect}
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *sqlStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	for _, stmt := range s.d.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for numbered dialects.
func (s *sqlStore) rebind(query string) string {
	if !s.d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(query), args...)
}

func (s *sqlStore) ts(t time.Time) any {
	return s.d.timestamp(t.UTC())
}

func (s *sqlStore) SaveMetrics(ctx context.Context, processID string, m *model.FairnessMetrics) error {
	if s.db == nil || m == nil {
		return nil
	}
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO fairness_metrics (id, process_id, process_type, ts, overall_score, validation, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, processID, string(m.Context.ProcessType), s.ts(m.Timestamp), m.OverallScore, string(m.Validation.Status), string(body),
	)
	return err
}

func (s *sqlStore) SaveEvaluation(ctx context.Context, ev model.Evaluation, at time.Time) error {
	if s.db == nil {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	biasType := ""
	if ev.Bias != nil {
		biasType = string(ev.Bias.Type)
	}
	_, err = s.exec(ctx,
		`INSERT INTO evaluations (process_id, metrics_id, ts, bias_score, bias_type, severity, status, provisional, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ProcessID, ev.MetricsID, s.ts(at), ev.BiasScore, biasType, string(ev.Severity), string(ev.Status), ev.Provisional, string(body),
	)
	return err
}

func (s *sqlStore) InsertAlert(ctx context.Context, alert model.Alert) error {
	if s.db == nil {
		return nil
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO alerts (id, dedup_key, process_id, status, priority, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		alert.ID, alert.DedupKey, alert.ProcessID, string(alert.Status), string(alert.Priority),
		s.ts(alert.CreatedAt), s.ts(alert.UpdatedAt), string(body),
	)
	return err
}

// UpdateAlert writes alert only if the stored status still equals expected.
func (s *sqlStore) UpdateAlert(ctx context.Context, alert model.Alert, expected model.AlertStatus) error {
	if s.db == nil {
		return nil
	}
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	res, err := s.exec(ctx,
		`UPDATE alerts SET status = ?, priority = ?, updated_at = ?, body = ?
		WHERE id = ? AND status = ?`,
		string(alert.Status), string(alert.Priority), s.ts(alert.UpdatedAt), string(body),
		alert.ID, string(expected),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: alert %s no longer %s", ErrStaleWrite, alert.ID, expected)
	}
	return nil
}

func (s *sqlStore) LoadAlerts(ctx context.Context) ([]model.Alert, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM alerts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Alert
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a model.Alert
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteAlerts(ctx context.Context, ids []string) error {
	return s.deleteIDs(ctx, "alerts", ids)
}

func (s *sqlStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if s.db == nil {
		return nil
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO audit_entries (id, seq, ts, action, actor_kind, actor_id, resource_type, resource_id, impact, hash, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Sequence, s.ts(e.Timestamp), string(e.Action), string(e.Actor.Kind), e.Actor.ID,
		e.Resource.Type, e.Resource.ID, string(e.EthicalImpact), e.Hash, string(body),
	)
	return err
}

func (s *sqlStore) LoadAudit(ctx context.Context) ([]model.AuditEntry, error) {
	if s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM audit_entries ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.AuditEntry
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e model.AuditEntry
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, fmt.Errorf("decode audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) DeleteAudit(ctx context.Context, ids []string) error {
	return s.deleteIDs(ctx, "audit_entries", ids)
}

func (s *sqlStore) deleteIDs(ctx context.Context, table string, ids []string) error {
	if s.db == nil || len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, s.rebind(`DELETE FROM `+table+` WHERE id = ?`))
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
