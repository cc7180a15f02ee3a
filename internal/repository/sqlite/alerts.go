package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
)

type alertRow struct {
	ID           string  `db:"id"`
	Key          string  `db:"key"`
	Kind         string  `db:"kind"`
	Severity     string  `db:"severity"`
	Status       string  `db:"status"`
	Title        string  `db:"title"`
	Message      string  `db:"message"`
	CycleID      *string `db:"cycle_id"`
	InstrumentID *string `db:"instrument_id"`
	StageEventID *string `db:"stage_event_id"`
	Stage        *string `db:"stage"`
	DueAt        *string `db:"due_at"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	AckedAt      *string `db:"acked_at"`
	AckedBy      *string `db:"acked_by"`
	ResolvedAt   *string `db:"resolved_at"`
}

func (r *alertRow) model() *repository.Alert {
	return &repository.Alert{
		ID:           r.ID,
		Key:          r.Key,
		Kind:         r.Kind,
		Severity:     repository.AlertSeverity(r.Severity),
		Status:       repository.AlertStatus(r.Status),
		Title:        r.Title,
		Message:      r.Message,
		CycleID:      r.CycleID,
		InstrumentID: r.InstrumentID,
		StageEventID: r.StageEventID,
		Stage:        r.Stage,
		DueAt:        parseTimePtr(r.DueAt),
		CreatedAt:    parseTime(r.CreatedAt),
		UpdatedAt:    parseTime(r.UpdatedAt),
		AckedAt:      parseTimePtr(r.AckedAt),
		AckedBy:      r.AckedBy,
		ResolvedAt:   parseTimePtr(r.ResolvedAt),
	}
}

// severityRank orders CRITICAL first.
const severityRank = `CASE severity WHEN 'CRITICAL' THEN 3 WHEN 'WARNING' THEN 2 ELSE 1 END`

// FindAlertByKey returns the alert with key, or nil when there is none.
func (s *Store) FindAlertByKey(ctx context.Context, key string) (*repository.Alert, error) {
	var row alertRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM alerts WHERE key = ?`, key)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find alert")
	}
	return row.model(), nil
}

// GetAlert returns an alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (*repository.Alert, error) {
	return getAlert(ctx, s.db, id)
}

func getAlert(ctx context.Context, q sqlx.QueryerContext, id string) (*repository.Alert, error) {
	var row alertRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT * FROM alerts WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, errors.NotFound("alert", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get alert")
	}
	return row.model(), nil
}

// UpsertOpenAlert implements repository.AlertStore. On return a carries the
// stored id and stamps.
func (s *Store) UpsertOpenAlert(ctx context.Context, a *repository.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.now().UTC()
	a.Status = repository.AlertOpen
	a.AckedAt, a.AckedBy, a.ResolvedAt = nil, nil, nil

	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alerts (
				id, key, kind, severity, status, title, message,
				cycle_id, instrument_id, stage_event_id, stage, due_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, 'OPEN', ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET
				kind = excluded.kind,
				severity = excluded.severity,
				status = 'OPEN',
				title = excluded.title,
				message = excluded.message,
				cycle_id = excluded.cycle_id,
				instrument_id = excluded.instrument_id,
				stage_event_id = excluded.stage_event_id,
				stage = excluded.stage,
				due_at = excluded.due_at,
				updated_at = excluded.updated_at,
				acked_at = NULL,
				acked_by = NULL,
				resolved_at = NULL`,
			a.ID, a.Key, a.Kind, string(a.Severity), a.Title, a.Message,
			a.CycleID, a.InstrumentID, a.StageEventID, a.Stage, formatTimePtr(a.DueAt),
			formatTime(now), formatTime(now)); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert alert")
		}

		var row alertRow
		if err := tx.GetContext(ctx, &row, `SELECT * FROM alerts WHERE key = ?`, a.Key); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to reload alert")
		}
		*a = *row.model()
		return nil
	})
}

// UpdateAlertStatus persists the lifecycle fields of a.
func (s *Store) UpdateAlertStatus(ctx context.Context, a *repository.Alert) error {
	a.UpdatedAt = s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts
		SET status = ?, acked_at = ?, acked_by = ?, resolved_at = ?, updated_at = ?
		WHERE id = ?`,
		string(a.Status), formatTimePtr(a.AckedAt), a.AckedBy, formatTimePtr(a.ResolvedAt),
		formatTime(a.UpdatedAt), a.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update alert")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFound("alert", a.ID)
	}
	return nil
}

// ResolveAlertsByPrefix implements repository.AlertStore.
func (s *Store) ResolveAlertsByPrefix(ctx context.Context, prefix string, at time.Time) ([]*repository.Alert, error) {
	at = at.UTC()
	var resolved []*repository.Alert
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var rows []alertRow
		if err := tx.SelectContext(ctx, &rows, `
			SELECT * FROM alerts
			WHERE substr(key, 1, length(?)) = ? AND status IN ('OPEN', 'ACKED')`,
			prefix, prefix); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to select alerts")
		}
		stamp := formatTime(at)
		for i := range rows {
			if _, err := tx.ExecContext(ctx, `
				UPDATE alerts SET status = 'RESOLVED', resolved_at = ?, updated_at = ? WHERE id = ?`,
				stamp, stamp, rows[i].ID); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve alert")
			}
			a := rows[i].model()
			a.Status = repository.AlertResolved
			a.ResolvedAt = &at
			a.UpdatedAt = at
			resolved = append(resolved, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resolved, nil
}

// ListAlerts returns one page of alerts and the total matching f.
func (s *Store) ListAlerts(ctx context.Context, f repository.AlertFilter) ([]*repository.Alert, int, error) {
	f = f.Normalize()

	var (
		conds []string
		args  []interface{}
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		conds = append(conds, "(lower(title) LIKE ? OR lower(message) LIKE ?)")
		args = append(args, like, like)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM alerts`+where, args...); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count alerts")
	}

	var rows []alertRow
	q := `SELECT * FROM alerts` + where + ` ORDER BY ` + severityRank + ` DESC, created_at DESC LIMIT ? OFFSET ?`
	if err := s.db.SelectContext(ctx, &rows, q, append(args, f.PerPage, f.Offset())...); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to list alerts")
	}
	return alertModels(rows), total, nil
}

// ListAlertsCreatedBetween returns alerts created in [from, to] oldest first.
func (s *Store) ListAlertsCreatedBetween(ctx context.Context, from, to time.Time) ([]*repository.Alert, error) {
	var rows []alertRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM alerts WHERE created_at >= ? AND created_at <= ? ORDER BY created_at ASC`,
		formatTime(from), formatTime(to)); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list alerts")
	}
	return alertModels(rows), nil
}

// CountAlerts returns the open, acked and open-critical totals.
func (s *Store) CountAlerts(ctx context.Context) (*repository.AlertCounts, error) {
	var c repository.AlertCounts
	row := s.db.QueryRowxContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'OPEN' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'ACKED' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'OPEN' AND severity = 'CRITICAL' THEN 1 ELSE 0 END), 0)
		FROM alerts`)
	if err := row.Scan(&c.Open, &c.Acked, &c.Critical); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count alerts")
	}
	return &c, nil
}

// CountOpenCritical counts unresolved CRITICAL alerts of a cycle.
func (s *Store) CountOpenCritical(ctx context.Context, cycleID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM alerts
		WHERE cycle_id = ? AND severity = 'CRITICAL' AND status IN ('OPEN', 'ACKED')`, cycleID); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to count critical alerts")
	}
	return n, nil
}

// AddAlertComment stores a comment on an existing alert.
func (s *Store) AddAlertComment(ctx context.Context, c *repository.AlertComment) error {
	if _, err := getAlert(ctx, s.db, c.AlertID); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = s.now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_comments (id, alert_id, text, author, created_at) VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.AlertID, c.Text, c.Author, formatTime(c.CreatedAt)); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to add alert comment")
	}
	return nil
}

// ListAlertComments returns an alert's comments oldest first.
func (s *Store) ListAlertComments(ctx context.Context, alertID string) ([]*repository.AlertComment, error) {
	var rows []struct {
		ID        string  `db:"id"`
		AlertID   string  `db:"alert_id"`
		Text      string  `db:"text"`
		Author    *string `db:"author"`
		CreatedAt string  `db:"created_at"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM alert_comments WHERE alert_id = ? ORDER BY created_at ASC`, alertID); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list alert comments")
	}
	out := make([]*repository.AlertComment, 0, len(rows))
	for _, r := range rows {
		out = append(out, &repository.AlertComment{
			ID:        r.ID,
			AlertID:   r.AlertID,
			Text:      r.Text,
			Author:    r.Author,
			CreatedAt: parseTime(r.CreatedAt),
		})
	}
	return out, nil
}

func alertModels(rows []alertRow) []*repository.Alert {
	out := make([]*repository.Alert, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out
}
