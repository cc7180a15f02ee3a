package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
)

const alertColumns = `id, key, kind, severity, status, title, message, cycle_id, instrument_id,
	stage_event_id, stage, due_at, created_at, updated_at, acked_at, acked_by, resolved_at`

func scanAlert(row rowScanner) (*repository.Alert, error) {
	var (
		a                repository.Alert
		severity, status string
	)
	err := row.Scan(&a.ID, &a.Key, &a.Kind, &severity, &status, &a.Title, &a.Message,
		&a.CycleID, &a.InstrumentID, &a.StageEventID, &a.Stage, &a.DueAt,
		&a.CreatedAt, &a.UpdatedAt, &a.AckedAt, &a.AckedBy, &a.ResolvedAt)
	if err != nil {
		return nil, err
	}
	a.Severity = repository.AlertSeverity(severity)
	a.Status = repository.AlertStatus(status)
	a.CreatedAt, a.UpdatedAt = a.CreatedAt.UTC(), a.UpdatedAt.UTC()
	a.DueAt, a.AckedAt, a.ResolvedAt = utcPtr(a.DueAt), utcPtr(a.AckedAt), utcPtr(a.ResolvedAt)
	return &a, nil
}

func collectAlerts(rows pgx.Rows) ([]*repository.Alert, error) {
	defer rows.Close()
	var out []*repository.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FindAlertByKey returns the alert with key, or nil when there is none.
func (s *Store) FindAlertByKey(ctx context.Context, key string) (*repository.Alert, error) {
	a, err := scanAlert(s.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE key = $1`, key))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find alert")
	}
	return a, nil
}

// GetAlert returns an alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (*repository.Alert, error) {
	a, err := scanAlert(s.db.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, errors.NotFound("alert", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get alert")
	}
	return a, nil
}

// UpsertOpenAlert implements repository.AlertStore.
func (s *Store) UpsertOpenAlert(ctx context.Context, a *repository.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.stamp()
	stored, err := scanAlert(s.db.QueryRow(ctx, `
		INSERT INTO alerts (
			id, key, kind, severity, status, title, message,
			cycle_id, instrument_id, stage_event_id, stage, due_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, 'OPEN', $5, $6, $7, $8, $9, $10, $11, $12, $12)
		ON CONFLICT (key) DO UPDATE SET
			kind = EXCLUDED.kind,
			severity = EXCLUDED.severity,
			status = 'OPEN',
			title = EXCLUDED.title,
			message = EXCLUDED.message,
			cycle_id = EXCLUDED.cycle_id,
			instrument_id = EXCLUDED.instrument_id,
			stage_event_id = EXCLUDED.stage_event_id,
			stage = EXCLUDED.stage,
			due_at = EXCLUDED.due_at,
			updated_at = EXCLUDED.updated_at,
			acked_at = NULL,
			acked_by = NULL,
			resolved_at = NULL
		RETURNING `+alertColumns,
		a.ID, a.Key, a.Kind, string(a.Severity), a.Title, a.Message,
		a.CycleID, a.InstrumentID, a.StageEventID, a.Stage, utcPtr(a.DueAt), now))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert alert")
	}
	*a = *stored
	return nil
}

// UpdateAlertStatus persists the lifecycle fields of a.
func (s *Store) UpdateAlertStatus(ctx context.Context, a *repository.Alert) error {
	a.UpdatedAt = s.stamp()
	tag, err := s.db.Exec(ctx, `
		UPDATE alerts
		SET status = $1, acked_at = $2, acked_by = $3, resolved_at = $4, updated_at = $5
		WHERE id = $6`,
		string(a.Status), utcPtr(a.AckedAt), a.AckedBy, utcPtr(a.ResolvedAt), a.UpdatedAt, a.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update alert")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("alert", a.ID)
	}
	return nil
}

// ResolveAlertsByPrefix implements repository.AlertStore.
func (s *Store) ResolveAlertsByPrefix(ctx context.Context, prefix string, at time.Time) ([]*repository.Alert, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE alerts
		SET status = 'RESOLVED', resolved_at = $2, updated_at = $2
		WHERE left(key, length($1)) = $1 AND status IN ('OPEN', 'ACKED')
		RETURNING `+alertColumns, prefix, at.UTC())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve alerts")
	}
	resolved, err := collectAlerts(rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve alerts")
	}
	return resolved, nil
}

// ListAlerts returns one page of alerts and the total matching f.
func (s *Store) ListAlerts(ctx context.Context, f repository.AlertFilter) ([]*repository.Alert, int, error) {
	f = f.Normalize()

	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, string(f.Severity))
		conds = append(conds, fmt.Sprintf("severity = $%d", len(args)))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		args = append(args, "%"+q+"%")
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR message ILIKE $%d)", len(args), len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM alerts`+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count alerts")
	}

	query := fmt.Sprintf(`SELECT %s FROM alerts%s
		ORDER BY CASE severity WHEN 'CRITICAL' THEN 3 WHEN 'WARNING' THEN 2 ELSE 1 END DESC, created_at DESC
		LIMIT $%d OFFSET $%d`, alertColumns, where, len(args)+1, len(args)+2)
	rows, err := s.db.Query(ctx, query, append(args, f.PerPage, f.Offset())...)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list alerts")
	}
	alerts, err := collectAlerts(rows)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan alerts")
	}
	return alerts, total, nil
}

// ListAlertsCreatedBetween returns alerts created in [from, to] oldest first.
func (s *Store) ListAlertsCreatedBetween(ctx context.Context, from, to time.Time) ([]*repository.Alert, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE created_at >= $1 AND created_at <= $2
		ORDER BY created_at ASC`, from.UTC(), to.UTC())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list alerts")
	}
	alerts, err := collectAlerts(rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan alerts")
	}
	return alerts, nil
}

// CountAlerts returns the open, acked and open-critical totals.
func (s *Store) CountAlerts(ctx context.Context) (*repository.AlertCounts, error) {
	var c repository.AlertCounts
	err := s.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'OPEN'),
			COUNT(*) FILTER (WHERE status = 'ACKED'),
			COUNT(*) FILTER (WHERE status = 'OPEN' AND severity = 'CRITICAL')
		FROM alerts`).Scan(&c.Open, &c.Acked, &c.Critical)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count alerts")
	}
	return &c, nil
}

// CountOpenCritical counts unresolved CRITICAL alerts of a cycle.
func (s *Store) CountOpenCritical(ctx context.Context, cycleID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM alerts
		WHERE cycle_id = $1 AND severity = 'CRITICAL' AND status IN ('OPEN', 'ACKED')`, cycleID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count critical alerts")
	}
	return n, nil
}

// AddAlertComment stores a comment on an existing alert.
func (s *Store) AddAlertComment(ctx context.Context, c *repository.AlertComment) error {
	if _, err := s.GetAlert(ctx, c.AlertID); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.stamp()
	if _, err := s.db.Exec(ctx, `
		INSERT INTO alert_comments (id, alert_id, text, author, created_at) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.AlertID, c.Text, c.Author, c.CreatedAt); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to add alert comment")
	}
	return nil
}

// ListAlertComments returns an alert's comments oldest first.
func (s *Store) ListAlertComments(ctx context.Context, alertID string) ([]*repository.AlertComment, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, alert_id, text, author, created_at FROM alert_comments
		WHERE alert_id = $1 ORDER BY created_at ASC`, alertID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list alert comments")
	}
	defer rows.Close()

	var out []*repository.AlertComment
	for rows.Next() {
		c := &repository.AlertComment{}
		if err := rows.Scan(&c.ID, &c.AlertID, &c.Text, &c.Author, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan alert comment")
		}
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list alert comments")
	}
	return out, nil
}
