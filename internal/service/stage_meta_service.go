package service

import (
	"context"
	"strings"
	"time"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

// WashInput is submitted for a WASHING stage event.
type WashInput struct {
	Method    string   `json:"method"`
	Detergent *string  `json:"detergent,omitempty"`
	TimeMin   *int     `json:"timeMin,omitempty"`
	TempC     *float64 `json:"tempC,omitempty"`
}

// DisinfectionInput is submitted for a DISINFECTION stage event. Lot expiry
// dates are resolved by the caller from its lot registry.
type DisinfectionInput struct {
	Agent                 string                      `json:"agent"`
	Concentration         *string                     `json:"concentration,omitempty"`
	ContactMin            int                         `json:"contactMin"`
	SolutionLotID         *string                     `json:"solutionLotId,omitempty"`
	SolutionLotExpiresAt  *time.Time                  `json:"solutionLotExpiresAt,omitempty"`
	TestStripLot          *string                     `json:"testStripLot,omitempty"`
	TestStripLotExpiresAt *time.Time                  `json:"testStripLotExpiresAt,omitempty"`
	TestStripResult       *repository.Indicator       `json:"testStripResult,omitempty"`
	ActivationLevel       *repository.ActivationLevel `json:"activationLevel,omitempty"`
	MeasuredTempC         *float64                    `json:"measuredTempC,omitempty"`
	PH                    *float64                    `json:"ph,omitempty"`
}

// SterilizationInput is submitted for a STERILIZATION stage event.
type SterilizationInput struct {
	Method      string                `json:"method"`
	AutoclaveID *string               `json:"autoclaveId,omitempty"`
	Program     *string               `json:"program,omitempty"`
	ExposureMin *int                  `json:"exposureMin,omitempty"`
	TempC       *float64              `json:"tempC,omitempty"`
	CI          *repository.Indicator `json:"ci,omitempty"`
	BI          *repository.Indicator `json:"bi,omitempty"`
	LoadID      *string               `json:"loadId,omitempty"`
}

// StorageInput is submitted for a STORAGE stage event.
type StorageInput struct {
	Location    *string    `json:"location,omitempty"`
	ShelfPolicy *string    `json:"shelfPolicy,omitempty"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	IntegrityOK *bool      `json:"integrityOk,omitempty"`
}

// MetaInput carries at most one metadata variant alongside a transition.
type MetaInput struct {
	Wash          *WashInput          `json:"wash,omitempty"`
	Disinfection  *DisinfectionInput  `json:"disinfection,omitempty"`
	Sterilization *SterilizationInput `json:"sterilization,omitempty"`
	Storage       *StorageInput       `json:"storage,omitempty"`
	Override      bool                `json:"override,omitempty"`
}

// Meta kinds as addressed by the API.
const (
	MetaWash          = "wash"
	MetaDisinfection  = "disinfection"
	MetaSterilization = "sterilization"
	MetaStorage       = "storage"
)

// MetaStage returns the stage a metadata kind attaches to.
func MetaStage(kind string) (stage.Stage, bool) {
	switch strings.ToLower(kind) {
	case MetaWash:
		return stage.Washing, true
	case MetaDisinfection:
		return stage.Disinfection, true
	case MetaSterilization:
		return stage.Sterilization, true
	case MetaStorage:
		return stage.Storage, true
	}
	return "", false
}

// agentsNeedingConcentration must be dosed explicitly.
var agentsNeedingConcentration = map[string]bool{
	"PERACETIC_ACID": true,
	"OPA":            true,
	"HYPOCHLORITE":   true,
}

type metaEventStore interface {
	GetStageEvent(ctx context.Context, id string) (*repository.StageEvent, error)
}

// StageMetaService validates and stores stage metadata and feeds it to the
// alert rules.
type StageMetaService struct {
	events metaEventStore
	meta   repository.StageMetaStore
	rules  *RuleEngine
	log    *logger.Logger
}

// NewStageMetaService creates a stage metadata service. rules may be nil.
func NewStageMetaService(events metaEventStore, meta repository.StageMetaStore, rules *RuleEngine, log *logger.Logger) *StageMetaService {
	if log == nil {
		log = logger.Nop()
	}
	return &StageMetaService{events: events, meta: meta, rules: rules, log: log}
}

func (s *StageMetaService) stageEvent(ctx context.Context, id string, want stage.Stage) (*repository.StageEvent, error) {
	ev, err := s.events.GetStageEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if ev.Stage != want {
		return nil, errors.InvalidInput("stage", "stage event "+id+" is "+string(ev.Stage)+", not "+string(want))
	}
	return ev, nil
}

// Apply attaches whichever variant in carries to the stage event.
func (s *StageMetaService) Apply(ctx context.Context, stageEventID string, in *MetaInput) error {
	if in == nil {
		return nil
	}
	var err error
	switch {
	case in.Wash != nil:
		_, err = s.AttachWash(ctx, stageEventID, in.Wash)
	case in.Disinfection != nil:
		_, err = s.AttachDisinfection(ctx, stageEventID, in.Disinfection, in.Override)
	case in.Sterilization != nil:
		_, err = s.AttachSterilization(ctx, stageEventID, in.Sterilization)
	case in.Storage != nil:
		_, err = s.AttachStorage(ctx, stageEventID, in.Storage)
	}
	return err
}

// AttachWash stores washing parameters.
func (s *StageMetaService) AttachWash(ctx context.Context, stageEventID string, in *WashInput) (*repository.WashMeta, error) {
	if _, err := s.stageEvent(ctx, stageEventID, stage.Washing); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Method) == "" {
		return nil, errors.InvalidInput("method", "wash method is required")
	}
	m := &repository.WashMeta{
		StageEventID: stageEventID,
		Method:       strings.TrimSpace(in.Method),
		Detergent:    in.Detergent,
		TimeMin:      in.TimeMin,
		TempC:        in.TempC,
	}
	if err := s.meta.SaveWashMeta(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// AttachDisinfection stores disinfection parameters. Existing metadata is
// only replaced when override is set.
func (s *StageMetaService) AttachDisinfection(ctx context.Context, stageEventID string, in *DisinfectionInput, override bool) (*repository.DisinfectionMeta, error) {
	ev, err := s.stageEvent(ctx, stageEventID, stage.Disinfection)
	if err != nil {
		return nil, err
	}

	agent := stage.Fold(in.Agent)
	if agent == "" {
		return nil, errors.InvalidInput("agent", "disinfection agent is required")
	}
	if in.ContactMin <= 0 {
		return nil, errors.InvalidInput("contactMin", "contact time must be greater than zero")
	}
	if agentsNeedingConcentration[agent] && strings.TrimSpace(repository.Deref(in.Concentration)) == "" {
		return nil, errors.InvalidInput("concentration", "concentration is required for "+agent)
	}
	if err := validIndicator("testStripResult", in.TestStripResult); err != nil {
		return nil, err
	}
	if in.ActivationLevel != nil {
		switch *in.ActivationLevel {
		case repository.ActivationActive, repository.ActivationInactive, repository.ActivationNotPerformed:
		default:
			return nil, errors.InvalidInput("activationLevel", "unknown activation level "+string(*in.ActivationLevel))
		}
	}

	if !override {
		existing, err := s.meta.GetStageMeta(ctx, stageEventID)
		if err != nil {
			return nil, err
		}
		if existing.Disinfection != nil {
			return nil, errors.Conflict("disinfection metadata already recorded for stage event " + stageEventID)
		}
	}

	m := &repository.DisinfectionMeta{
		StageEventID:          stageEventID,
		Agent:                 agent,
		Concentration:         in.Concentration,
		ContactMin:            in.ContactMin,
		SolutionLotID:         in.SolutionLotID,
		SolutionLotExpiresAt:  in.SolutionLotExpiresAt,
		TestStripLot:          in.TestStripLot,
		TestStripLotExpiresAt: in.TestStripLotExpiresAt,
		TestStripResult:       in.TestStripResult,
		ActivationLevel:       in.ActivationLevel,
		MeasuredTempC:         in.MeasuredTempC,
		PH:                    in.PH,
	}
	if err := s.meta.SaveDisinfectionMeta(ctx, m); err != nil {
		return nil, err
	}
	if s.rules != nil {
		if err := s.rules.EvaluateDisinfection(ctx, ev, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AttachSterilization stores sterilization parameters.
func (s *StageMetaService) AttachSterilization(ctx context.Context, stageEventID string, in *SterilizationInput) (*repository.SterilizationMeta, error) {
	ev, err := s.stageEvent(ctx, stageEventID, stage.Sterilization)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.Method) == "" {
		return nil, errors.InvalidInput("method", "sterilization method is required")
	}
	if err := validIndicator("ci", in.CI); err != nil {
		return nil, err
	}
	if err := validIndicator("bi", in.BI); err != nil {
		return nil, err
	}

	m := &repository.SterilizationMeta{
		StageEventID: stageEventID,
		Method:       strings.TrimSpace(in.Method),
		AutoclaveID:  in.AutoclaveID,
		Program:      in.Program,
		ExposureMin:  in.ExposureMin,
		TempC:        in.TempC,
		CI:           in.CI,
		BI:           in.BI,
		LoadID:       in.LoadID,
	}
	if err := s.meta.SaveSterilizationMeta(ctx, m); err != nil {
		return nil, err
	}
	if s.rules != nil {
		if err := s.rules.EvaluateSterilization(ctx, ev, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// AttachStorage stores storage parameters.
func (s *StageMetaService) AttachStorage(ctx context.Context, stageEventID string, in *StorageInput) (*repository.StorageMeta, error) {
	ev, err := s.stageEvent(ctx, stageEventID, stage.Storage)
	if err != nil {
		return nil, err
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(ev.OccurredAt) {
		return nil, errors.InvalidInput("expiresAt", "expiry must be after the storage event")
	}

	m := &repository.StorageMeta{
		StageEventID: stageEventID,
		Location:     in.Location,
		ShelfPolicy:  in.ShelfPolicy,
		ExpiresAt:    in.ExpiresAt,
		IntegrityOK:  in.IntegrityOK,
	}
	if m.ExpiresAt != nil {
		utc := m.ExpiresAt.UTC()
		m.ExpiresAt = &utc
	}
	if err := s.meta.SaveStorageMeta(ctx, m); err != nil {
		return nil, err
	}
	if s.rules != nil {
		if err := s.rules.EvaluateStorage(ctx, ev, m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// GetMeta returns the metadata view of an existing stage event.
func (s *StageMetaService) GetMeta(ctx context.Context, stageEventID string) (*repository.StageMetaView, error) {
	if _, err := s.events.GetStageEvent(ctx, stageEventID); err != nil {
		return nil, err
	}
	return s.meta.GetStageMeta(ctx, stageEventID)
}

func validIndicator(field string, v *repository.Indicator) error {
	if v == nil {
		return nil
	}
	switch *v {
	case repository.IndicatorPass, repository.IndicatorFail, repository.IndicatorNA:
		return nil
	}
	return errors.InvalidInput(field, "unknown indicator result "+string(*v))
}
