package sqlite

import (
	"context"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

type instrumentRow struct {
	ID             string  `db:"id"`
	Name           string  `db:"name"`
	Type           string  `db:"type"`
	BatchID        *string `db:"batch_id"`
	ReprocessCount int     `db:"reprocess_count"`
	CreatedAt      string  `db:"created_at"`
	UpdatedAt      string  `db:"updated_at"`
}

func (r *instrumentRow) model() *repository.Instrument {
	return &repository.Instrument{
		ID:             r.ID,
		Name:           r.Name,
		Type:           r.Type,
		BatchID:        r.BatchID,
		ReprocessCount: r.ReprocessCount,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
	}
}

type cycleRow struct {
	ID           string  `db:"id"`
	InstrumentID string  `db:"instrument_id"`
	BatchID      *string `db:"batch_id"`
	CurrentStage string  `db:"current_stage"`
	LastOperator string  `db:"last_operator"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
}

type eventRow struct {
	ID                  string  `db:"id"`
	CycleID             string  `db:"cycle_id"`
	InstrumentID        string  `db:"instrument_id"`
	BatchID             *string `db:"batch_id"`
	Stage               string  `db:"stage"`
	OccurredAt          string  `db:"occurred_at"`
	OperatorDisplayName string  `db:"operator_display_name"`
	OperatorOrgID       *string `db:"operator_org_id"`
	Source              string  `db:"source"`
	LedgerTxID          *string `db:"ledger_tx_id"`
	Notes               *string `db:"notes"`
	CreatedAt           string  `db:"created_at"`
}

func (r *eventRow) model() *repository.StageEvent {
	return &repository.StageEvent{
		ID:                  r.ID,
		CycleID:             r.CycleID,
		InstrumentID:        r.InstrumentID,
		BatchID:             r.BatchID,
		Stage:               stage.Stage(r.Stage),
		OccurredAt:          parseTime(r.OccurredAt),
		OperatorDisplayName: r.OperatorDisplayName,
		OperatorOrgID:       r.OperatorOrgID,
		Source:              repository.Source(r.Source),
		LedgerTxID:          r.LedgerTxID,
		Notes:               r.Notes,
		CreatedAt:           parseTime(r.CreatedAt),
	}
}

const eventColumns = `id, cycle_id, instrument_id, batch_id, stage, occurred_at,
	operator_display_name, operator_org_id, source, ledger_tx_id, notes, created_at`

// ── Instruments ──────────────────────────────────────────────────────────────

// GetInstrument returns an instrument by id.
func (s *Store) GetInstrument(ctx context.Context, id string) (*repository.Instrument, error) {
	var row instrumentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM instruments WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, errors.NotFound("instrument", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get instrument")
	}
	return row.model(), nil
}

// UpsertInstrument creates or updates an instrument's descriptive fields.
// The reprocess counter is never overwritten.
func (s *Store) UpsertInstrument(ctx context.Context, inst *repository.Instrument) error {
	now := s.stamp()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instruments (id, name, type, batch_id, reprocess_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			batch_id = excluded.batch_id,
			updated_at = excluded.updated_at`,
		inst.ID, inst.Name, inst.Type, inst.BatchID, inst.ReprocessCount, now, now)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert instrument")
	}
	return nil
}

// ListInstrumentsByBatch returns the instruments assigned to a batch.
func (s *Store) ListInstrumentsByBatch(ctx context.Context, batchID string) ([]*repository.Instrument, error) {
	var rows []instrumentRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM instruments WHERE batch_id = ? ORDER BY id`, batchID); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list instruments")
	}
	out := make([]*repository.Instrument, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

// ── Cycles and stage events ──────────────────────────────────────────────────

// GetCycle returns a cycle projection by id.
func (s *Store) GetCycle(ctx context.Context, id string) (*repository.Cycle, error) {
	var row cycleRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM cycles WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, errors.NotFound("cycle", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get cycle")
	}
	return &repository.Cycle{
		ID:           row.ID,
		InstrumentID: row.InstrumentID,
		BatchID:      row.BatchID,
		CurrentStage: stage.Stage(row.CurrentStage),
		LastOperator: row.LastOperator,
		CreatedAt:    parseTime(row.CreatedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
	}, nil
}

// MirrorTransition implements repository.TraceStore.
func (s *Store) MirrorTransition(ctx context.Context, in repository.MirrorInput) (*repository.MirrorResult, error) {
	ev := in.Event
	s.prepare(ev)
	res := &repository.MirrorResult{Event: ev}

	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		now := s.stamp()
		if err := ensureParents(ctx, tx, ev, now); err != nil {
			return err
		}

		inserted, err := insertEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := eventByTxID(ctx, tx, *ev.LedgerTxID)
			if err != nil {
				return err
			}
			res.Event = existing
			return nil
		}
		res.Inserted = true

		if _, err := tx.ExecContext(ctx, `
			UPDATE cycles
			SET current_stage = ?, last_operator = ?, batch_id = COALESCE(?, batch_id), updated_at = ?
			WHERE id = ?`,
			string(ev.Stage), ev.OperatorDisplayName, ev.BatchID, now, ev.CycleID); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update cycle")
		}

		if ev.Stage == stage.Sterilization {
			if err := incrementReprocess(ctx, tx, ev.InstrumentID, 1, now); err != nil {
				return err
			}
			res.ReprocessIncrement = 1
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ImportStageEvents implements repository.TraceStore.
func (s *Store) ImportStageEvents(ctx context.Context, events []*repository.StageEvent) (*repository.ImportResult, error) {
	res := &repository.ImportResult{}
	if len(events) == 0 {
		return res, nil
	}

	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		now := s.stamp()
		touched := map[string]bool{}
		sterilizations := map[string]int{}

		for _, ev := range events {
			s.prepare(ev)
			if err := ensureParents(ctx, tx, ev, now); err != nil {
				return err
			}
			inserted, err := insertEvent(ctx, tx, ev)
			if err != nil {
				return err
			}
			if !inserted {
				res.Skipped++
				continue
			}
			res.Inserted++
			touched[ev.CycleID] = true
			if ev.Stage == stage.Sterilization {
				sterilizations[ev.InstrumentID]++
				res.SterilizationsAdded++
			}
		}

		for instrumentID, n := range sterilizations {
			if err := incrementReprocess(ctx, tx, instrumentID, n, now); err != nil {
				return err
			}
		}
		for cycleID := range touched {
			if err := refreshCycle(ctx, tx, cycleID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GetStageEvent returns a stage event by id.
func (s *Store) GetStageEvent(ctx context.Context, id string) (*repository.StageEvent, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `SELECT `+eventColumns+` FROM stage_events WHERE id = ?`, id)
	if isNoRows(err) {
		return nil, errors.NotFound("stage event", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage event")
	}
	return row.model(), nil
}

// LatestStageEvent returns the newest event of a stage in a cycle, or nil.
func (s *Store) LatestStageEvent(ctx context.Context, cycleID string, st stage.Stage) (*repository.StageEvent, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+eventColumns+` FROM stage_events
		WHERE cycle_id = ? AND stage = ?
		ORDER BY occurred_at DESC, created_at DESC
		LIMIT 1`, cycleID, string(st))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest stage event")
	}
	return row.model(), nil
}

// ListStageEventsByInstrument returns an instrument's events oldest first.
func (s *Store) ListStageEventsByInstrument(ctx context.Context, instrumentID string) ([]*repository.StageEvent, error) {
	return s.listEvents(ctx, `WHERE instrument_id = ?`, instrumentID)
}

// ListStageEventsByCycle returns a cycle's events oldest first.
func (s *Store) ListStageEventsByCycle(ctx context.Context, cycleID string) ([]*repository.StageEvent, error) {
	return s.listEvents(ctx, `WHERE cycle_id = ?`, cycleID)
}

func (s *Store) listEvents(ctx context.Context, where string, arg string) ([]*repository.StageEvent, error) {
	var rows []eventRow
	q := `SELECT ` + eventColumns + ` FROM stage_events ` + where + ` ORDER BY occurred_at ASC, created_at ASC`
	if err := s.db.SelectContext(ctx, &rows, q, arg); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stage events")
	}
	out := make([]*repository.StageEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].model())
	}
	return out, nil
}

func (s *Store) prepare(ev *repository.StageEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now().UTC()
	}
}

// ensureParents registers an unknown instrument and creates the cycle row
// when it does not exist yet.
func ensureParents(ctx context.Context, tx *sqlx.Tx, ev *repository.StageEvent, now string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instruments (id, batch_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ev.InstrumentID, ev.BatchID, now, now); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to register instrument")
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO cycles (id, instrument_id, batch_id, current_stage, last_operator, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		ev.CycleID, ev.InstrumentID, ev.BatchID, string(ev.Stage), ev.OperatorDisplayName, now, now); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create cycle")
	}
	return nil
}

func insertEvent(ctx context.Context, tx *sqlx.Tx, ev *repository.StageEvent) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO stage_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ledger_tx_id) DO NOTHING`,
		ev.ID, ev.CycleID, ev.InstrumentID, ev.BatchID, string(ev.Stage), formatTime(ev.OccurredAt),
		ev.OperatorDisplayName, ev.OperatorOrgID, string(ev.Source), ev.LedgerTxID, ev.Notes, formatTime(ev.CreatedAt))
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert stage event")
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert stage event")
	}
	return n == 1, nil
}

func eventByTxID(ctx context.Context, tx *sqlx.Tx, txID string) (*repository.StageEvent, error) {
	var row eventRow
	if err := tx.GetContext(ctx, &row, `SELECT `+eventColumns+` FROM stage_events WHERE ledger_tx_id = ?`, txID); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to load mirrored stage event")
	}
	return row.model(), nil
}

func incrementReprocess(ctx context.Context, tx *sqlx.Tx, instrumentID string, n int, now string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE instruments SET reprocess_count = reprocess_count + ?, updated_at = ? WHERE id = ?`,
		n, now, instrumentID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to increment reprocess count")
	}
	return nil
}

// refreshCycle re-derives the projection from the newest stage event.
func refreshCycle(ctx context.Context, tx *sqlx.Tx, cycleID, now string) error {
	var latest eventRow
	err := tx.GetContext(ctx, &latest, `
		SELECT `+eventColumns+` FROM stage_events
		WHERE cycle_id = ?
		ORDER BY occurred_at DESC, created_at DESC
		LIMIT 1`, cycleID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to read latest stage event")
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE cycles SET current_stage = ?, last_operator = ?, updated_at = ? WHERE id = ?`,
		latest.Stage, latest.OperatorDisplayName, now, cycleID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to refresh cycle")
	}
	return nil
}
