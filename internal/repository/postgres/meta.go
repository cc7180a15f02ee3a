package postgres

import (
	"context"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
)

// SaveWashMeta inserts or replaces the wash parameters of a stage event.
func (s *Store) SaveWashMeta(ctx context.Context, m *repository.WashMeta) error {
	m.UpdatedAt = s.stamp()
	_, err := s.db.Exec(ctx, `
		INSERT INTO wash_meta (stage_event_id, method, detergent, time_min, temp_c, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stage_event_id) DO UPDATE SET
			method = EXCLUDED.method,
			detergent = EXCLUDED.detergent,
			time_min = EXCLUDED.time_min,
			temp_c = EXCLUDED.temp_c,
			updated_at = EXCLUDED.updated_at`,
		m.StageEventID, m.Method, m.Detergent, m.TimeMin, m.TempC, m.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save wash metadata")
	}
	return nil
}

// SaveDisinfectionMeta inserts or replaces the disinfection parameters.
func (s *Store) SaveDisinfectionMeta(ctx context.Context, m *repository.DisinfectionMeta) error {
	m.UpdatedAt = s.stamp()
	_, err := s.db.Exec(ctx, `
		INSERT INTO disinfection_meta (
			stage_event_id, agent, concentration, contact_min,
			solution_lot_id, solution_lot_expires_at, test_strip_lot, test_strip_lot_expires_at,
			test_strip_result, activation_level, measured_temp_c, ph, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (stage_event_id) DO UPDATE SET
			agent = EXCLUDED.agent,
			concentration = EXCLUDED.concentration,
			contact_min = EXCLUDED.contact_min,
			solution_lot_id = EXCLUDED.solution_lot_id,
			solution_lot_expires_at = EXCLUDED.solution_lot_expires_at,
			test_strip_lot = EXCLUDED.test_strip_lot,
			test_strip_lot_expires_at = EXCLUDED.test_strip_lot_expires_at,
			test_strip_result = EXCLUDED.test_strip_result,
			activation_level = EXCLUDED.activation_level,
			measured_temp_c = EXCLUDED.measured_temp_c,
			ph = EXCLUDED.ph,
			updated_at = EXCLUDED.updated_at`,
		m.StageEventID, m.Agent, m.Concentration, m.ContactMin,
		m.SolutionLotID, utcPtr(m.SolutionLotExpiresAt), m.TestStripLot, utcPtr(m.TestStripLotExpiresAt),
		textArg(m.TestStripResult), textArg(m.ActivationLevel), m.MeasuredTempC, m.PH, m.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save disinfection metadata")
	}
	return nil
}

// SaveSterilizationMeta inserts or replaces the sterilization parameters.
func (s *Store) SaveSterilizationMeta(ctx context.Context, m *repository.SterilizationMeta) error {
	m.UpdatedAt = s.stamp()
	_, err := s.db.Exec(ctx, `
		INSERT INTO sterilization_meta (
			stage_event_id, method, autoclave_id, program, exposure_min, temp_c, ci, bi, load_id, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (stage_event_id) DO UPDATE SET
			method = EXCLUDED.method,
			autoclave_id = EXCLUDED.autoclave_id,
			program = EXCLUDED.program,
			exposure_min = EXCLUDED.exposure_min,
			temp_c = EXCLUDED.temp_c,
			ci = EXCLUDED.ci,
			bi = EXCLUDED.bi,
			load_id = EXCLUDED.load_id,
			updated_at = EXCLUDED.updated_at`,
		m.StageEventID, m.Method, m.AutoclaveID, m.Program, m.ExposureMin, m.TempC,
		textArg(m.CI), textArg(m.BI), m.LoadID, m.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save sterilization metadata")
	}
	return nil
}

// SaveStorageMeta inserts or replaces the storage parameters.
func (s *Store) SaveStorageMeta(ctx context.Context, m *repository.StorageMeta) error {
	m.UpdatedAt = s.stamp()
	_, err := s.db.Exec(ctx, `
		INSERT INTO storage_meta (stage_event_id, location, shelf_policy, expires_at, integrity_ok, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (stage_event_id) DO UPDATE SET
			location = EXCLUDED.location,
			shelf_policy = EXCLUDED.shelf_policy,
			expires_at = EXCLUDED.expires_at,
			integrity_ok = EXCLUDED.integrity_ok,
			updated_at = EXCLUDED.updated_at`,
		m.StageEventID, m.Location, m.ShelfPolicy, utcPtr(m.ExpiresAt), m.IntegrityOK, m.UpdatedAt)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save storage metadata")
	}
	return nil
}

// GetStageMeta returns whatever metadata rows exist for a stage event.
func (s *Store) GetStageMeta(ctx context.Context, stageEventID string) (*repository.StageMetaView, error) {
	view := &repository.StageMetaView{}

	w := &repository.WashMeta{}
	err := s.db.QueryRow(ctx, `
		SELECT stage_event_id, method, detergent, time_min, temp_c, updated_at
		FROM wash_meta WHERE stage_event_id = $1`, stageEventID,
	).Scan(&w.StageEventID, &w.Method, &w.Detergent, &w.TimeMin, &w.TempC, &w.UpdatedAt)
	switch {
	case err == nil:
		view.Wash = w
	case !isNoRows(err):
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get wash metadata")
	}

	d := &repository.DisinfectionMeta{}
	var strip, activation *string
	err = s.db.QueryRow(ctx, `
		SELECT stage_event_id, agent, concentration, contact_min, solution_lot_id, solution_lot_expires_at,
		       test_strip_lot, test_strip_lot_expires_at, test_strip_result, activation_level,
		       measured_temp_c, ph, updated_at
		FROM disinfection_meta WHERE stage_event_id = $1`, stageEventID,
	).Scan(&d.StageEventID, &d.Agent, &d.Concentration, &d.ContactMin, &d.SolutionLotID, &d.SolutionLotExpiresAt,
		&d.TestStripLot, &d.TestStripLotExpiresAt, &strip, &activation,
		&d.MeasuredTempC, &d.PH, &d.UpdatedAt)
	switch {
	case err == nil:
		d.TestStripResult = toIndicator(strip)
		if activation != nil {
			level := repository.ActivationLevel(*activation)
			d.ActivationLevel = &level
		}
		view.Disinfection = d
	case !isNoRows(err):
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get disinfection metadata")
	}

	st := &repository.SterilizationMeta{}
	var ci, bi *string
	err = s.db.QueryRow(ctx, `
		SELECT stage_event_id, method, autoclave_id, program, exposure_min, temp_c, ci, bi, load_id, updated_at
		FROM sterilization_meta WHERE stage_event_id = $1`, stageEventID,
	).Scan(&st.StageEventID, &st.Method, &st.AutoclaveID, &st.Program, &st.ExposureMin, &st.TempC,
		&ci, &bi, &st.LoadID, &st.UpdatedAt)
	switch {
	case err == nil:
		st.CI, st.BI = toIndicator(ci), toIndicator(bi)
		view.Sterilization = st
	case !isNoRows(err):
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get sterilization metadata")
	}

	sm := &repository.StorageMeta{}
	err = s.db.QueryRow(ctx, `
		SELECT stage_event_id, location, shelf_policy, expires_at, integrity_ok, updated_at
		FROM storage_meta WHERE stage_event_id = $1`, stageEventID,
	).Scan(&sm.StageEventID, &sm.Location, &sm.ShelfPolicy, &sm.ExpiresAt, &sm.IntegrityOK, &sm.UpdatedAt)
	switch {
	case err == nil:
		sm.ExpiresAt = utcPtr(sm.ExpiresAt)
		view.Storage = sm
	case !isNoRows(err):
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get storage metadata")
	}

	return view, nil
}

// ListStorageExpiries returns every storage row with an expiry date.
func (s *Store) ListStorageExpiries(ctx context.Context) ([]*repository.StorageExpiry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT m.stage_event_id, e.cycle_id, e.instrument_id, m.expires_at
		FROM storage_meta m
		JOIN stage_events e ON e.id = m.stage_event_id
		WHERE m.expires_at IS NOT NULL
		ORDER BY m.expires_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list storage expiries")
	}
	defer rows.Close()

	var out []*repository.StorageExpiry
	for rows.Next() {
		e := &repository.StorageExpiry{}
		if err := rows.Scan(&e.StageEventID, &e.CycleID, &e.InstrumentID, &e.ExpiresAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan storage expiry")
		}
		e.ExpiresAt = e.ExpiresAt.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list storage expiries")
	}
	return out, nil
}

func textArg[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func toIndicator(s *string) *repository.Indicator {
	if s == nil {
		return nil
	}
	v := repository.Indicator(*s)
	return &v
}
