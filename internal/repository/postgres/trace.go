package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

const instrumentColumns = `id, name, type, batch_id, reprocess_count, created_at, updated_at`

const eventColumns = `id, cycle_id, instrument_id, batch_id, stage, occurred_at,
	operator_display_name, operator_org_id, source, ledger_tx_id, notes, created_at`

func scanInstrument(row rowScanner) (*repository.Instrument, error) {
	inst := &repository.Instrument{}
	err := row.Scan(&inst.ID, &inst.Name, &inst.Type, &inst.BatchID, &inst.ReprocessCount,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.CreatedAt, inst.UpdatedAt = inst.CreatedAt.UTC(), inst.UpdatedAt.UTC()
	return inst, nil
}

func scanEvent(row rowScanner) (*repository.StageEvent, error) {
	var (
		ev     repository.StageEvent
		st     string
		source string
	)
	err := row.Scan(&ev.ID, &ev.CycleID, &ev.InstrumentID, &ev.BatchID, &st, &ev.OccurredAt,
		&ev.OperatorDisplayName, &ev.OperatorOrgID, &source, &ev.LedgerTxID, &ev.Notes, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.Stage = stage.Stage(st)
	ev.Source = repository.Source(source)
	ev.OccurredAt, ev.CreatedAt = ev.OccurredAt.UTC(), ev.CreatedAt.UTC()
	return &ev, nil
}

func collectEvents(rows pgx.Rows) ([]*repository.StageEvent, error) {
	defer rows.Close()
	var out []*repository.StageEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ── Instruments ──────────────────────────────────────────────────────────────

// GetInstrument returns an instrument by id.
func (s *Store) GetInstrument(ctx context.Context, id string) (*repository.Instrument, error) {
	inst, err := scanInstrument(s.db.QueryRow(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, errors.NotFound("instrument", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get instrument")
	}
	return inst, nil
}

// UpsertInstrument creates or updates an instrument's descriptive fields.
func (s *Store) UpsertInstrument(ctx context.Context, inst *repository.Instrument) error {
	now := s.stamp()
	_, err := s.db.Exec(ctx, `
		INSERT INTO instruments (id, name, type, batch_id, reprocess_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			batch_id = EXCLUDED.batch_id,
			updated_at = EXCLUDED.updated_at`,
		inst.ID, inst.Name, inst.Type, inst.BatchID, inst.ReprocessCount, now)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert instrument")
	}
	return nil
}

// ListInstrumentsByBatch returns the instruments assigned to a batch.
func (s *Store) ListInstrumentsByBatch(ctx context.Context, batchID string) ([]*repository.Instrument, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+instrumentColumns+` FROM instruments WHERE batch_id = $1 ORDER BY id`, batchID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list instruments")
	}
	defer rows.Close()

	var out []*repository.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan instrument")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list instruments")
	}
	return out, nil
}

// ── Cycles and stage events ──────────────────────────────────────────────────

// GetCycle returns a cycle projection by id.
func (s *Store) GetCycle(ctx context.Context, id string) (*repository.Cycle, error) {
	var (
		c  repository.Cycle
		st string
	)
	err := s.db.QueryRow(ctx, `
		SELECT id, instrument_id, batch_id, current_stage, last_operator, created_at, updated_at
		FROM cycles WHERE id = $1`, id,
	).Scan(&c.ID, &c.InstrumentID, &c.BatchID, &st, &c.LastOperator, &c.CreatedAt, &c.UpdatedAt)
	if isNoRows(err) {
		return nil, errors.NotFound("cycle", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get cycle")
	}
	c.CurrentStage = stage.Stage(st)
	c.CreatedAt, c.UpdatedAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC()
	return &c, nil
}

// MirrorTransition implements repository.TraceStore.
func (s *Store) MirrorTransition(ctx context.Context, in repository.MirrorInput) (*repository.MirrorResult, error) {
	ev := in.Event
	s.prepare(ev)
	res := &repository.MirrorResult{Event: ev}

	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		now := s.stamp()
		if err := ensureParents(ctx, tx, ev, now); err != nil {
			return err
		}

		inserted, err := insertEvent(ctx, tx, ev)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := scanEvent(tx.QueryRow(ctx,
				`SELECT `+eventColumns+` FROM stage_events WHERE ledger_tx_id = $1`, *ev.LedgerTxID))
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to load mirrored stage event")
			}
			res.Event = existing
			return nil
		}
		res.Inserted = true

		if _, err := tx.Exec(ctx, `
			UPDATE cycles
			SET current_stage = $1, last_operator = $2, batch_id = COALESCE($3, batch_id), updated_at = $4
			WHERE id = $5`,
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

	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		now := s.stamp()
		var touched []string
		seen := map[string]bool{}
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
			if !seen[ev.CycleID] {
				seen[ev.CycleID] = true
				touched = append(touched, ev.CycleID)
			}
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
		for _, cycleID := range touched {
			if _, err := tx.Exec(ctx, `
				UPDATE cycles c
				SET current_stage = e.stage, last_operator = e.operator_display_name, updated_at = $2
				FROM (
					SELECT stage, operator_display_name FROM stage_events
					WHERE cycle_id = $1
					ORDER BY occurred_at DESC, created_at DESC
					LIMIT 1
				) e
				WHERE c.id = $1`, cycleID, now); err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to refresh cycle")
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
	ev, err := scanEvent(s.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM stage_events WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, errors.NotFound("stage event", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get stage event")
	}
	return ev, nil
}

// LatestStageEvent returns the newest event of a stage in a cycle, or nil.
func (s *Store) LatestStageEvent(ctx context.Context, cycleID string, st stage.Stage) (*repository.StageEvent, error) {
	ev, err := scanEvent(s.db.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM stage_events
		WHERE cycle_id = $1 AND stage = $2
		ORDER BY occurred_at DESC, created_at DESC
		LIMIT 1`, cycleID, string(st)))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get latest stage event")
	}
	return ev, nil
}

// ListStageEventsByInstrument returns an instrument's events oldest first.
func (s *Store) ListStageEventsByInstrument(ctx context.Context, instrumentID string) ([]*repository.StageEvent, error) {
	return s.listEvents(ctx, `instrument_id = $1`, instrumentID)
}

// ListStageEventsByCycle returns a cycle's events oldest first.
func (s *Store) ListStageEventsByCycle(ctx context.Context, cycleID string) ([]*repository.StageEvent, error) {
	return s.listEvents(ctx, `cycle_id = $1`, cycleID)
}

func (s *Store) listEvents(ctx context.Context, cond, arg string) ([]*repository.StageEvent, error) {
	rows, err := s.db.Query(ctx, `SELECT `+eventColumns+` FROM stage_events WHERE `+cond+
		` ORDER BY occurred_at ASC, created_at ASC`, arg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list stage events")
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan stage events")
	}
	return events, nil
}

func (s *Store) prepare(ev *repository.StageEvent) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.stamp()
	}
}

func ensureParents(ctx context.Context, tx pgx.Tx, ev *repository.StageEvent, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO instruments (id, batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (id) DO NOTHING`,
		ev.InstrumentID, ev.BatchID, now); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to register instrument")
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO cycles (id, instrument_id, batch_id, current_stage, last_operator, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (id) DO NOTHING`,
		ev.CycleID, ev.InstrumentID, ev.BatchID, string(ev.Stage), ev.OperatorDisplayName, now); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create cycle")
	}
	return nil
}

func insertEvent(ctx context.Context, tx pgx.Tx, ev *repository.StageEvent) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO stage_events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (ledger_tx_id) DO NOTHING`,
		ev.ID, ev.CycleID, ev.InstrumentID, ev.BatchID, string(ev.Stage), ev.OccurredAt.UTC(),
		ev.OperatorDisplayName, ev.OperatorOrgID, string(ev.Source), ev.LedgerTxID, ev.Notes, ev.CreatedAt.UTC())
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to insert stage event")
	}
	return tag.RowsAffected() == 1, nil
}

func incrementReprocess(ctx context.Context, tx pgx.Tx, instrumentID string, n int, now time.Time) error {
	if _, err := tx.Exec(ctx, `
		UPDATE instruments SET reprocess_count = reprocess_count + $1, updated_at = $2 WHERE id = $3`,
		n, now, instrumentID); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to increment reprocess count")
	}
	return nil
}
