package service

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/notify"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

// batchFanOut bounds concurrent ledger submissions for one batch.
const batchFanOut = 4

// CreateCycleRequest starts a cycle for an instrument.
type CreateCycleRequest struct {
	CycleID         string     `json:"cycleId,omitempty"`
	InstrumentID    string     `json:"instrumentId"`
	BatchID         *string    `json:"batchId,omitempty"`
	Stage           string     `json:"stage,omitempty"`
	Operator        string     `json:"operator,omitempty"`
	OperatorOrg     *string    `json:"operatorOrgId,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	Meta            *MetaInput `json:"meta,omitempty"`
	DisableFallback bool       `json:"disableFallback,omitempty"`
}

// UpdateStageRequest advances an existing cycle.
type UpdateStageRequest struct {
	CycleID         string     `json:"-"`
	Stage           string     `json:"stage"`
	Operator        string     `json:"operator,omitempty"`
	OperatorOrg     *string    `json:"operatorOrgId,omitempty"`
	Notes           *string    `json:"notes,omitempty"`
	Meta            *MetaInput `json:"meta,omitempty"`
	DisableFallback bool       `json:"disableFallback,omitempty"`
}

// BatchCyclesRequest starts one cycle per instrument of a batch. An empty
// instrument list uses every instrument registered on the batch.
type BatchCyclesRequest struct {
	BatchID         string   `json:"-"`
	InstrumentIDs   []string `json:"instrumentIds,omitempty"`
	Stage           string   `json:"stage,omitempty"`
	Operator        string   `json:"operator,omitempty"`
	OperatorOrg     *string  `json:"operatorOrgId,omitempty"`
	Notes           *string  `json:"notes,omitempty"`
	DisableFallback bool     `json:"disableFallback,omitempty"`
}

// TransitionResult is a recorded transition as returned to callers. A
// metadata rejection does not undo the transition; it is reported in
// MetaError.
type TransitionResult struct {
	RecordResult
	CycleID      string  `json:"cycleId"`
	InstrumentID string  `json:"instrumentId"`
	MetaError    *string `json:"metaError,omitempty"`
}

// BatchCycleResult is the outcome for one instrument of a batch.
type BatchCycleResult struct {
	InstrumentID string            `json:"instrumentId"`
	Result       *TransitionResult `json:"result,omitempty"`
	Error        *string           `json:"error,omitempty"`
}

// CycleService validates transitions, gates them on readiness and records
// them through the dual-write recorder.
type CycleService struct {
	recorder  *Recorder
	readiness *Readiness
	meta      *StageMetaService
	store     repository.Store
	notifier  Notifier
	log       *logger.Logger
}

// NewCycleService creates a cycle service.
func NewCycleService(
	recorder *Recorder,
	readiness *Readiness,
	meta *StageMetaService,
	store repository.Store,
	notifier Notifier,
	log *logger.Logger,
) *CycleService {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CycleService{
		recorder:  recorder,
		readiness: readiness,
		meta:      meta,
		store:     store,
		notifier:  notifier,
		log:       log,
	}
}

// RegisterInstrument creates or updates an instrument's descriptive fields.
func (s *CycleService) RegisterInstrument(ctx context.Context, inst *repository.Instrument) (*repository.Instrument, error) {
	if strings.TrimSpace(inst.ID) == "" {
		return nil, errors.InvalidInput("id", "instrument id is required")
	}
	if err := s.store.UpsertInstrument(ctx, inst); err != nil {
		return nil, err
	}
	return s.store.GetInstrument(ctx, inst.ID)
}

// GetCycle returns the local projection of a cycle.
func (s *CycleService) GetCycle(ctx context.Context, id string) (*repository.Cycle, error) {
	return s.store.GetCycle(ctx, id)
}

// CheckReadyTo evaluates the gates for moving cycleID to target.
func (s *CycleService) CheckReadyTo(ctx context.Context, cycleID, target string) error {
	st, err := stage.Normalize(target)
	if err != nil {
		return err
	}
	if _, err := s.store.GetCycle(ctx, cycleID); err != nil {
		return err
	}
	return s.readiness.CheckReadyTo(ctx, cycleID, st)
}

// CreateCycle records the first stage of a new cycle.
func (s *CycleService) CreateCycle(ctx context.Context, req *CreateCycleRequest) (*TransitionResult, error) {
	if strings.TrimSpace(req.InstrumentID) == "" {
		return nil, errors.InvalidInput("instrumentId", "instrument id is required")
	}
	target := stage.Receiving
	if req.Stage != "" {
		st, err := stage.Normalize(req.Stage)
		if err != nil {
			return nil, err
		}
		target = st
	}
	cycleID := strings.TrimSpace(req.CycleID)
	if cycleID == "" {
		cycleID = uuid.NewString()
	}

	if err := s.readiness.CheckReadyTo(ctx, cycleID, target); err != nil {
		return nil, err
	}

	res, err := s.recorder.RecordCreateCycle(ctx, CreateCycleArgs{
		CycleID:         cycleID,
		InstrumentID:    req.InstrumentID,
		BatchID:         req.BatchID,
		Stage:           string(target),
		Operator:        req.Operator,
		OperatorOrg:     req.OperatorOrg,
		Notes:           req.Notes,
		DisableFallback: req.DisableFallback,
	})
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, res, cycleID, req.InstrumentID, req.Operator, req.Meta), nil
}

// UpdateStage records a stage change of an existing cycle.
func (s *CycleService) UpdateStage(ctx context.Context, req *UpdateStageRequest) (*TransitionResult, error) {
	target, err := stage.Normalize(req.Stage)
	if err != nil {
		return nil, err
	}
	cycle, err := s.store.GetCycle(ctx, req.CycleID)
	if err != nil {
		return nil, err
	}
	if err := s.readiness.CheckReadyTo(ctx, cycle.ID, target); err != nil {
		return nil, err
	}

	res, err := s.recorder.RecordUpdateStage(ctx, UpdateStageArgs{
		CycleID:         cycle.ID,
		Stage:           string(target),
		Operator:        req.Operator,
		OperatorOrg:     req.OperatorOrg,
		Notes:           req.Notes,
		DisableFallback: req.DisableFallback,
	})
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, res, cycle.ID, cycle.InstrumentID, req.Operator, req.Meta), nil
}

func (s *CycleService) finish(ctx context.Context, res *RecordResult, cycleID, instrumentID, operator string, meta *MetaInput) *TransitionResult {
	out := &TransitionResult{RecordResult: *res, CycleID: cycleID, InstrumentID: instrumentID}

	if meta != nil && s.meta != nil {
		if err := s.meta.Apply(ctx, res.StageEventID, meta); err != nil {
			s.log.Warn().Err(err).Str("cycle_id", cycleID).Str("stage_event_id", res.StageEventID).Msg("stage metadata rejected")
			msg := err.Error()
			out.MetaError = &msg
		}
	}

	typ := notify.CycleStageChanged
	if !res.OK {
		typ = notify.CycleRecordedDegraded
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:         typ,
		ResourceType: "cycle",
		ResourceID:   cycleID,
		ActorID:      operator,
		Data:         out,
	})
	return out
}

// CreateCyclesForBatch starts one cycle per instrument. Failures are
// reported per instrument and do not stop the others.
func (s *CycleService) CreateCyclesForBatch(ctx context.Context, req *BatchCyclesRequest) ([]BatchCycleResult, error) {
	if strings.TrimSpace(req.BatchID) == "" {
		return nil, errors.InvalidInput("batchId", "batch id is required")
	}
	ids := req.InstrumentIDs
	if len(ids) == 0 {
		insts, err := s.store.ListInstrumentsByBatch(ctx, req.BatchID)
		if err != nil {
			return nil, err
		}
		for _, inst := range insts {
			ids = append(ids, inst.ID)
		}
	}
	if len(ids) == 0 {
		return nil, errors.InvalidInput("instrumentIds", "no instruments given or registered for batch "+req.BatchID)
	}

	results := make([]BatchCycleResult, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchFanOut)
	for i, id := range ids {
		i, id := i, id
		results[i].InstrumentID = id
		g.Go(func() error {
			res, err := s.CreateCycle(gctx, &CreateCycleRequest{
				InstrumentID:    id,
				BatchID:         &req.BatchID,
				Stage:           req.Stage,
				Operator:        req.Operator,
				OperatorOrg:     req.OperatorOrg,
				Notes:           req.Notes,
				DisableFallback: req.DisableFallback,
			})
			if err != nil {
				msg := err.Error()
				results[i].Error = &msg
				return nil
			}
			results[i].Result = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
