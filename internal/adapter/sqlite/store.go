// Package sqlite persists alerts, their append-only transition history and
// the assessment history in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
	"github.com/couchcryptid/hazard-risk-engine/internal/lifecycle"
)

// timeLayout is fixed-width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id         TEXT PRIMARY KEY,
	cluster_id TEXT NOT NULL,
	state      TEXT NOT NULL,
	category   TEXT NOT NULL,
	opened_at  TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	version    INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS alerts_state ON alerts(state);
CREATE INDEX IF NOT EXISTS alerts_cluster ON alerts(cluster_id);

CREATE TABLE IF NOT EXISTS alert_transitions (
	alert_id      TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	from_state    TEXT,
	to_state      TEXT NOT NULL,
	at            TEXT NOT NULL,
	actor         TEXT,
	reason        TEXT,
	assessment_id TEXT,
	incident_id   TEXT,
	PRIMARY KEY (alert_id, seq)
);

CREATE TABLE IF NOT EXISTS assessments (
	id          TEXT PRIMARY KEY,
	cluster_id  TEXT NOT NULL,
	time        TEXT NOT NULL,
	category    TEXT NOT NULL,
	risk_score  INTEGER NOT NULL,
	payload     TEXT NOT NULL,
	summary     TEXT NOT NULL DEFAULT '',
	narrative   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS assessments_cluster_time ON assessments(cluster_id, time);
CREATE INDEX IF NOT EXISTS assessments_time ON assessments(time);
`

// Store implements lifecycle.Store on SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; version checks run inside it.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		logger.Warn("could not enable sqlite WAL mode", "error", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		logger.Warn("could not set sqlite busy timeout", "error", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func (s *Store) ActiveAlerts(ctx context.Context) ([]lifecycle.Alert, error) {
	return s.ListAlerts(ctx, lifecycle.AlertFilter{
		States: []lifecycle.State{lifecycle.StateOpen, lifecycle.StateEscalated, lifecycle.StateConfirmed},
	})
}

func (s *Store) GetAlert(ctx context.Context, id string) (lifecycle.Alert, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM alerts WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return lifecycle.Alert{}, fmt.Errorf("%w: %s", lifecycle.ErrAlertNotFound, id)
	}
	if err != nil {
		return lifecycle.Alert{}, fmt.Errorf("get alert %s: %w", id, err)
	}
	return decodeAlert(payload)
}

func (s *Store) CreateAlert(ctx context.Context, a lifecycle.Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO alerts(id, cluster_id, state, category, opened_at, updated_at, version, payload)
			 VALUES(?,?,?,?,?,?,?,?)`,
			a.ID, a.ClusterID, a.State, a.Category, formatTime(a.OpenedAt), formatTime(a.UpdatedAt), a.Version, string(payload))
		if err != nil {
			return fmt.Errorf("insert alert %s: %w", a.ID, err)
		}
		return appendTransitions(ctx, tx, a.ID, 0, a.History)
	})
}

func (s *Store) UpdateAlert(ctx context.Context, a lifecycle.Alert, expectedVersion int) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE alerts SET cluster_id = ?, state = ?, category = ?, updated_at = ?, version = ?, payload = ?
			 WHERE id = ? AND version = ?`,
			a.ClusterID, a.State, a.Category, formatTime(a.UpdatedAt), a.Version, string(payload), a.ID, expectedVersion)
		if err != nil {
			return fmt.Errorf("update alert %s: %w", a.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update alert %s: %w", a.ID, err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE id = ?`, a.ID).Scan(&exists)
			if err != nil {
				return fmt.Errorf("update alert %s: %w", a.ID, err)
			}
			if exists == 0 {
				return fmt.Errorf("%w: %s", lifecycle.ErrAlertNotFound, a.ID)
			}
			return lifecycle.ErrVersionConflict
		}

		var stored int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_transitions WHERE alert_id = ?`, a.ID).Scan(&stored); err != nil {
			return fmt.Errorf("count transitions for %s: %w", a.ID, err)
		}
		if stored < len(a.History) {
			return appendTransitions(ctx, tx, a.ID, stored, a.History[stored:])
		}
		return nil
	})
}

func appendTransitions(ctx context.Context, tx *sql.Tx, alertID string, firstSeq int, history []lifecycle.Transition) error {
	for i, tr := range history {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO alert_transitions(alert_id, seq, kind, from_state, to_state, at, actor, reason, assessment_id, incident_id)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			alertID, firstSeq+i, tr.Kind, tr.From, tr.To, formatTime(tr.At), tr.Actor, tr.Reason, tr.AssessmentID, tr.IncidentID)
		if err != nil {
			return fmt.Errorf("append transition for %s: %w", alertID, err)
		}
	}
	return nil
}

// Transitions returns the audit trail of an alert in order.
func (s *Store) Transitions(ctx context.Context, alertID string) ([]lifecycle.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, from_state, to_state, at, actor, reason, assessment_id, incident_id
		 FROM alert_transitions WHERE alert_id = ? ORDER BY seq`, alertID)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Transition
	for rows.Next() {
		var (
			tr                                    lifecycle.Transition
			from, actor, reason, assessment, incd sql.NullString
			at                                    string
		)
		if err := rows.Scan(&tr.Kind, &from, &tr.To, &at, &actor, &reason, &assessment, &incd); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = lifecycle.State(from.String)
		tr.Actor, tr.Reason = actor.String, reason.String
		tr.AssessmentID, tr.IncidentID = assessment.String, incd.String
		if tr.At, err = time.Parse(timeLayout, at); err != nil {
			return nil, fmt.Errorf("parse transition time: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (s *Store) ListAlerts(ctx context.Context, f lifecycle.AlertFilter) ([]lifecycle.Alert, error) {
	var (
		where []string
		args  []any
	)
	if f.ClusterID != "" {
		where = append(where, "cluster_id = ?")
		args = append(args, f.ClusterID)
	}
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	if !f.From.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "opened_at <= ?")
		args = append(args, formatTime(f.To))
	}

	query := `SELECT payload FROM alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var out []lifecycle.Alert
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a, err := decodeAlert(payload)
		if err != nil {
			return nil, err
		}
		// Spatial and category filters run in Go.
		if !lifecycle.MatchAlert(a, f) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *Store) SaveAssessment(ctx context.Context, a domain.RiskAssessment) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode assessment: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assessments(id, cluster_id, time, category, risk_score, payload) VALUES(?,?,?,?,?,?)`,
		a.ID, a.ClusterID, formatTime(a.Time), a.Category, a.RiskScore, string(payload))
	if err != nil {
		return fmt.Errorf("insert assessment %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetAssessment(ctx context.Context, id string) (domain.RiskAssessment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload, summary, narrative FROM assessments WHERE id = ?`, id)
	a, err := scanAssessment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RiskAssessment{}, fmt.Errorf("%w: %s", lifecycle.ErrAssessmentNotFound, id)
	}
	return a, err
}

func (s *Store) ListAssessments(ctx context.Context, f lifecycle.AssessmentFilter) ([]domain.RiskAssessment, error) {
	var (
		where []string
		args  []any
	)
	if f.ClusterID != "" {
		where = append(where, "cluster_id = ?")
		args = append(args, f.ClusterID)
	}
	if !f.From.IsZero() {
		where = append(where, "time >= ?")
		args = append(args, formatTime(f.From))
	}
	if !f.To.IsZero() {
		where = append(where, "time <= ?")
		args = append(args, formatTime(f.To))
	}
	query := `SELECT payload, summary, narrative FROM assessments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY time DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assessments: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskAssessment
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, err
		}
		if !lifecycle.MatchAssessment(a, f) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, rows.Err()
}

func (s *Store) UpdateNarrative(ctx context.Context, id, summary, narrative string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE assessments
		 SET summary = CASE WHEN ? = '' THEN summary ELSE ? END,
		     narrative = CASE WHEN ? = '' THEN narrative ELSE ? END
		 WHERE id = ?`,
		summary, summary, narrative, narrative, id)
	if err != nil {
		return fmt.Errorf("update narrative %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update narrative %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", lifecycle.ErrAssessmentNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// scanAssessment decodes the stored payload and overlays generated text.
func scanAssessment(row scanner) (domain.RiskAssessment, error) {
	var payload, summary, narrative string
	if err := row.Scan(&payload, &summary, &narrative); err != nil {
		return domain.RiskAssessment{}, err
	}
	var a domain.RiskAssessment
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return domain.RiskAssessment{}, fmt.Errorf("decode assessment: %w", err)
	}
	if summary != "" {
		a.Summary = summary
	}
	if narrative != "" {
		a.Narrative = narrative
	}
	return a, nil
}

func decodeAlert(payload string) (lifecycle.Alert, error) {
	var a lifecycle.Alert
	if err := json.Unmarshal([]byte(payload), &a); err != nil {
		return lifecycle.Alert{}, fmt.Errorf("decode alert: %w", err)
	}
	return a, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
