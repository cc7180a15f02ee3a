package sqlite

import (
	"context"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
)

type washRow struct {
	StageEventID string   `db:"stage_event_id"`
	Method       string   `db:"method"`
	Detergent    *string  `db:"detergent"`
	TimeMin      *int     `db:"time_min"`
	TempC        *float64 `db:"temp_c"`
	UpdatedAt    string   `db:"updated_at"`
}

type disinfectionRow struct {
	StageEventID          string   `db:"stage_event_id"`
	Agent                 string   `db:"agent"`
	Concentration         *string  `db:"concentration"`
	ContactMin            int      `db:"contact_min"`
	SolutionLotID         *string  `db:"solution_lot_id"`
	SolutionLotExpiresAt  *string  `db:"solution_lot_expires_at"`
	TestStripLot          *string  `db:"test_strip_lot"`
	TestStripLotExpiresAt *string  `db:"test_strip_lot_expires_at"`
	TestStripResult       *string  `db:"test_strip_result"`
	ActivationLevel       *string  `db:"activation_level"`
	MeasuredTempC         *float64 `db:"measured_temp_c"`
	PH                    *float64 `db:"ph"`
	UpdatedAt             string   `db:"updated_at"`
}

type sterilizationRow struct {
	StageEventID string   `db:"stage_event_id"`
	Method       string   `db:"method"`
	AutoclaveID  *string  `db:"autoclave_id"`
	Program      *string  `db:"program"`
	ExposureMin  *int     `db:"exposure_min"`
	TempC        *float64 `db:"temp_c"`
	CI           *string  `db:"ci"`
	BI           *string  `db:"bi"`
	LoadID       *string  `db:"load_id"`
	UpdatedAt    string   `db:"updated_at"`
}

type storageRow struct {
	StageEventID string  `db:"stage_event_id"`
	Location     *string `db:"location"`
	ShelfPolicy  *string `db:"shelf_policy"`
	ExpiresAt    *string `db:"expires_at"`
	IntegrityOK  *bool   `db:"integrity_ok"`
	UpdatedAt    string  `db:"updated_at"`
}

// SaveWashMeta inserts or replaces the wash parameters of a stage event.
func (s *Store) SaveWashMeta(ctx context.Context, m *repository.WashMeta) error {
	m.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wash_meta (stage_event_id, method, detergent, time_min, temp_c, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stage_event_id) DO UPDATE SET
			method = excluded.method,
			detergent = excluded.detergent,
			time_min = excluded.time_min,
			temp_c = excluded.temp_c,
			updated_at = excluded.updated_at`,
		m.StageEventID, m.Method, m.Detergent, m.TimeMin, m.TempC, formatTime(m.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save wash metadata")
	}
	return nil
}

// SaveDisinfectionMeta inserts or replaces the disinfection parameters.
func (s *Store) SaveDisinfectionMeta(ctx context.Context, m *repository.DisinfectionMeta) error {
	m.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO disinfection_meta (
			stage_event_id, agent, concentration, contact_min,
			solution_lot_id, solution_lot_expires_at, test_strip_lot, test_strip_lot_expires_at,
			test_strip_result, activation_level, measured_temp_c, ph, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stage_event_id) DO UPDATE SET
			agent = excluded.agent,
			concentration = excluded.concentration,
			contact_min = excluded.contact_min,
			solution_lot_id = excluded.solution_lot_id,
			solution_lot_expires_at = excluded.solution_lot_expires_at,
			test_strip_lot = excluded.test_strip_lot,
			test_strip_lot_expires_at = excluded.test_strip_lot_expires_at,
			test_strip_result = excluded.test_strip_result,
			activation_level = excluded.activation_level,
			measured_temp_c = excluded.measured_temp_c,
			ph = excluded.ph,
			updated_at = excluded.updated_at`,
		m.StageEventID, m.Agent, m.Concentration, m.ContactMin,
		m.SolutionLotID, formatTimePtr(m.SolutionLotExpiresAt), m.TestStripLot, formatTimePtr(m.TestStripLotExpiresAt),
		indicatorArg(m.TestStripResult), activationArg(m.ActivationLevel), m.MeasuredTempC, m.PH, formatTime(m.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save disinfection metadata")
	}
	return nil
}

// SaveSterilizationMeta inserts or replaces the sterilization parameters.
func (s *Store) SaveSterilizationMeta(ctx context.Context, m *repository.SterilizationMeta) error {
	m.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sterilization_meta (
			stage_event_id, method, autoclave_id, program, exposure_min, temp_c, ci, bi, load_id, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (stage_event_id) DO UPDATE SET
			method = excluded.method,
			autoclave_id = excluded.autoclave_id,
			program = excluded.program,
			exposure_min = excluded.exposure_min,
			temp_c = excluded.temp_c,
			ci = excluded.ci,
			bi = excluded.bi,
			load_id = excluded.load_id,
			updated_at = excluded.updated_at`,
		m.StageEventID, m.Method, m.AutoclaveID, m.Program, m.ExposureMin, m.TempC,
		indicatorArg(m.CI), indicatorArg(m.BI), m.LoadID, formatTime(m.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save sterilization metadata")
	}
	return nil
}

// SaveStorageMeta inserts or replaces the storage parameters.
func (s *Store) SaveStorageMeta(ctx context.Context, m *repository.StorageMeta) error {
	m.UpdatedAt = s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO storage_meta (stage_event_id, location, shelf_policy, expires_at, integrity_ok, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (stage_event_id) DO UPDATE SET
			location = excluded.location,
			shelf_policy = excluded.shelf_policy,
			expires_at = excluded.expires_at,
			integrity_ok = excluded.integrity_ok,
			updated_at = excluded.updated_at`,
		m.StageEventID, m.Location, m.ShelfPolicy, formatTimePtr(m.ExpiresAt), m.IntegrityOK, formatTime(m.UpdatedAt))
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to save storage metadata")
	}
	return nil
}

// GetStageMeta returns whatever metadata rows exist for a stage event.
func (s *Store) GetStageMeta(ctx context.Context, stageEventID string) (*repository.StageMetaView, error) {
	view := &repository.StageMetaView{}

	var w washRow
	switch err := s.db.GetContext(ctx, &w, `SELECT * FROM wash_meta WHERE stage_event_id = ?`, stageEventID); {
	case err == nil:
		view.Wash = &repository.WashMeta{
			StageEventID: w.StageEventID,
			Method:       w.Method,
			Detergent:    w.Detergent,
			TimeMin:      w.TimeMin,
			TempC:        w.TempC,
			UpdatedAt:    parseTime(w.UpdatedAt),
		}
	case !isNoRows(err):
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get wash metadata")
	}

	var d disinfectionRow
	switch err := s.db.GetContext(ctx, &d, `SELECT * FROM disinfection_meta WHERE stage_event_id = ?`, stageEventID); {
	case err == nil:
		view.Disinfection = &repository.DisinfectionMeta{
			StageEventID:          d.StageEventID,
			Agent:                 d.Agent,
			Concentration:         d.Concentration,
			ContactMin:            d.ContactMin,
			SolutionLotID:         d.SolutionLotID,
			SolutionLotExpiresAt:  parseTimePtr(d.SolutionLotExpiresAt),
			TestStripLot:          d.TestStripLot,
			TestStripLotExpiresAt: parseTimePtr(d.TestStripLotExpiresAt),
			TestStripResult:       toIndicator(d.TestStripResult),
			ActivationLevel:       toActivation(d.ActivationLevel),
			MeasuredTempC:         d.MeasuredTempC,
			PH:                    d.PH,
			UpdatedAt:             parseTime(d.UpdatedAt),
		}
	case !isNoRows(err):
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get disinfection metadata")
	}

	var st sterilizationRow
	switch err := s.db.GetContext(ctx, &st, `SELECT * FROM sterilization_meta WHERE stage_event_id = ?`, stageEventID); {
	case err == nil:
		view.Sterilization = &repository.SterilizationMeta{
			StageEventID: st.StageEventID,
			Method:       st.Method,
			AutoclaveID:  st.AutoclaveID,
			Program:      st.Program,
			ExposureMin:  st.ExposureMin,
			TempC:        st.TempC,
			CI:           toIndicator(st.CI),
			BI:           toIndicator(st.BI),
			LoadID:       st.LoadID,
			UpdatedAt:    parseTime(st.UpdatedAt),
		}
	case !isNoRows(err):
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get sterilization metadata")
	}

	var sr storageRow
	switch err := s.db.GetContext(ctx, &sr, `SELECT * FROM storage_meta WHERE stage_event_id = ?`, stageEventID); {
	case err == nil:
		view.Storage = &repository.StorageMeta{
			StageEventID: sr.StageEventID,
			Location:     sr.Location,
			ShelfPolicy:  sr.ShelfPolicy,
			ExpiresAt:    parseTimePtr(sr.ExpiresAt),
			IntegrityOK:  sr.IntegrityOK,
			UpdatedAt:    parseTime(sr.UpdatedAt),
		}
	case !isNoRows(err):
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get storage metadata")
	}

	return view, nil
}

// ListStorageExpiries returns every storage row with an expiry date.
func (s *Store) ListStorageExpiries(ctx context.Context) ([]*repository.StorageExpiry, error) {
	var rows []struct {
		StageEventID string `db:"stage_event_id"`
		CycleID      string `db:"cycle_id"`
		InstrumentID string `db:"instrument_id"`
		ExpiresAt    string `db:"expires_at"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT m.stage_event_id, e.cycle_id, e.instrument_id, m.expires_at
		FROM storage_meta m
		JOIN stage_events e ON e.id = m.stage_event_id
		WHERE m.expires_at IS NOT NULL
		ORDER BY m.expires_at ASC`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list storage expiries")
	}
	out := make([]*repository.StorageExpiry, 0, len(rows))
	for _, r := range rows {
		out = append(out, &repository.StorageExpiry{
			StageEventID: r.StageEventID,
			CycleID:      r.CycleID,
			InstrumentID: r.InstrumentID,
			ExpiresAt:    parseTime(r.ExpiresAt),
		})
	}
	return out, nil
}

func indicatorArg(v *repository.Indicator) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func activationArg(v *repository.ActivationLevel) *string {
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

func toActivation(s *string) *repository.ActivationLevel {
	if s == nil {
		return nil
	}
	v := repository.ActivationLevel(*s)
	return &v
}
