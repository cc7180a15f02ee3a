package service

import (
	"context"
	"strings"

	"github.com/benbjohnson/clock"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/metrics"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

const (
	// FallbackNote marks stage events recorded while the ledger was unreachable.
	FallbackNote = "[local fallback] ledger unavailable"
	// FallbackOperator is recorded when a degraded write carries no operator.
	FallbackOperator = "local-fallback"
	// LedgerOperator is recorded when neither the caller nor the ledger
	// identity names an operator.
	LedgerOperator = "ledger"
)

// RecordResult is the outcome of a dual write. OK is false for a degraded
// write that was recorded locally only.
type RecordResult struct {
	OK           bool              `json:"ok"`
	Source       repository.Source `json:"source"`
	TxID         *string           `json:"txId"`
	StageEventID string            `json:"stageEventId"`
	Stage        stage.Stage       `json:"stage"`
}

// CreateCycleArgs is the input of RecordCreateCycle.
type CreateCycleArgs struct {
	CycleID      string
	InstrumentID string
	BatchID      *string
	Stage        string
	Operator     string
	OperatorOrg  *string
	Notes        *string
	// DisableFallback makes ledger failures return an error instead of
	// recording locally.
	DisableFallback bool
}

// UpdateStageArgs is the input of RecordUpdateStage.
type UpdateStageArgs struct {
	CycleID         string
	Stage           string
	Operator        string
	OperatorOrg     *string
	Notes           *string
	DisableFallback bool
}

// Recorder writes stage transitions to the ledger and mirrors them into the
// local store.
type Recorder struct {
	ledger Ledger
	store  repository.TraceStore
	clock  clock.Clock
	log    *logger.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(l Ledger, store repository.TraceStore, clk clock.Clock, log *logger.Logger) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Recorder{ledger: l, store: store, clock: clk, log: log}
}

// RecordCreateCycle creates a cycle on the ledger at its first stage.
func (r *Recorder) RecordCreateCycle(ctx context.Context, args CreateCycleArgs) (*RecordResult, error) {
	st, err := stage.Normalize(args.Stage)
	if err != nil {
		return nil, err
	}
	if args.CycleID == "" {
		return nil, errors.InvalidInput("cycleId", "cycle id is required")
	}
	if args.InstrumentID == "" {
		return nil, errors.InvalidInput("instrumentId", "instrument id is required")
	}

	res, err := r.writeLedger(ctx, "create", st, args.CycleID, args.Operator, args.Notes,
		func(ctx context.Context) (*ledger.Submission, error) {
			return r.ledger.CreateCycle(ctx, args.CycleID, repository.Deref(args.BatchID), args.InstrumentID, string(st))
		},
		func(doc *ledger.CycleDocument) (string, *string) {
			return args.InstrumentID, args.BatchID
		})
	if err == nil {
		return res, nil
	}
	if _, local := err.(*localError); local || args.DisableFallback {
		return nil, unwrapLocal(err)
	}

	return r.fallback(ctx, "create", err, &repository.StageEvent{
		CycleID:       args.CycleID,
		InstrumentID:  args.InstrumentID,
		BatchID:       args.BatchID,
		Stage:         st,
		OperatorOrgID: args.OperatorOrg,
	}, args.Operator, args.Notes)
}

// RecordUpdateStage moves an existing cycle to a new stage.
func (r *Recorder) RecordUpdateStage(ctx context.Context, args UpdateStageArgs) (*RecordResult, error) {
	st, err := stage.Normalize(args.Stage)
	if err != nil {
		return nil, err
	}
	if args.CycleID == "" {
		return nil, errors.InvalidInput("cycleId", "cycle id is required")
	}

	res, err := r.writeLedger(ctx, "update", st, args.CycleID, args.Operator, args.Notes,
		func(ctx context.Context) (*ledger.Submission, error) {
			return r.ledger.UpdateCycleStage(ctx, args.CycleID, string(st))
		},
		func(doc *ledger.CycleDocument) (string, *string) {
			return doc.InstrumentID, repository.StringPtr(doc.BatchID)
		})
	if err == nil {
		return res, nil
	}
	if _, local := err.(*localError); local || args.DisableFallback {
		return nil, unwrapLocal(err)
	}

	// The ledger cannot tell us the instrument; the local projection can.
	cycle, cerr := r.store.GetCycle(ctx, args.CycleID)
	if cerr != nil {
		r.log.Warn().Err(cerr).Str("cycle_id", args.CycleID).Msg("fallback: cycle unknown locally")
		return nil, unwrapLocal(err)
	}
	return r.fallback(ctx, "update", err, &repository.StageEvent{
		CycleID:       args.CycleID,
		InstrumentID:  cycle.InstrumentID,
		BatchID:       cycle.BatchID,
		Stage:         st,
		OperatorOrgID: args.OperatorOrg,
	}, args.Operator, args.Notes)
}

// localError marks a failure of the local store after a successful ledger
// commit. It must not trigger a fallback write.
type localError struct{ err error }

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

// unwrapLocal returns the error a caller sees when no fallback is taken.
// Uncoded ledger failures surface as UNAVAILABLE.
func unwrapLocal(err error) error {
	if le, ok := err.(*localError); ok {
		return le.err
	}
	var coded *errors.Error
	var coder errors.Coder
	if !errors.As(err, &coded) && !errors.As(err, &coder) {
		return errors.Wrap(err, errors.ErrCodeUnavailable, "ledger write failed")
	}
	return err
}

func (r *Recorder) writeLedger(
	ctx context.Context,
	op string,
	st stage.Stage,
	cycleID, operator string,
	notes *string,
	submit func(ctx context.Context) (*ledger.Submission, error),
	owner func(doc *ledger.CycleDocument) (string, *string),
) (*RecordResult, error) {
	sub, err := submit(ctx)
	if err != nil {
		return nil, err
	}

	doc, err := r.ledger.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.Newf(errors.ErrCodeUnavailable, "cycle %s missing on ledger after commit %s", cycleID, sub.TxID)
	}
	instrumentID, batchID := owner(doc)
	if instrumentID == "" {
		return nil, errors.Newf(errors.ErrCodeUnavailable, "ledger returned cycle %s without instrument", cycleID)
	}

	ev := &repository.StageEvent{
		CycleID:      cycleID,
		InstrumentID: instrumentID,
		BatchID:      batchID,
		Stage:        st,
		OccurredAt:   r.clock.Now().UTC(),
		Source:       repository.SourceLedger,
		LedgerTxID:   repository.StringPtr(sub.TxID),
		Notes:        notes,
	}
	identity := ""
	if entry := historyEntry(doc, sub.TxID); entry != nil {
		if at, err := ledger.ParseTimestamp(entry.Timestamp); err == nil {
			ev.OccurredAt = at
		}
		identity = entry.OperatorID
		ev.OperatorOrgID = repository.StringPtr(entry.MSPID)
	}
	ev.OperatorDisplayName = operatorName(operator, identity)

	mirrored, err := r.store.MirrorTransition(ctx, repository.MirrorInput{Event: ev})
	if err != nil {
		return nil, &localError{err: err}
	}
	if !mirrored.Inserted {
		r.log.Info().Str("cycle_id", cycleID).Str("tx_id", sub.TxID).Msg("ledger transaction already mirrored")
	}

	metrics.DualWrites.WithLabelValues(op, string(repository.SourceLedger)).Inc()
	r.log.Info().
		Str("cycle_id", cycleID).
		Str("instrument_id", instrumentID).
		Str("stage", string(st)).
		Str("tx_id", sub.TxID).
		Msg("stage transition recorded")

	txID := sub.TxID
	return &RecordResult{
		OK:           true,
		Source:       repository.SourceLedger,
		TxID:         &txID,
		StageEventID: mirrored.Event.ID,
		Stage:        st,
	}, nil
}

func (r *Recorder) fallback(ctx context.Context, op string, cause error, ev *repository.StageEvent, operator string, notes *string) (*RecordResult, error) {
	note := FallbackNote
	if n := strings.TrimSpace(repository.Deref(notes)); n != "" {
		note += " | " + n
	}
	if operator == "" {
		operator = FallbackOperator
	}
	ev.OccurredAt = r.clock.Now().UTC()
	ev.OperatorDisplayName = operator
	ev.Source = repository.SourceLocalFallback
	ev.LedgerTxID = nil
	ev.Notes = &note

	mirrored, err := r.store.MirrorTransition(ctx, repository.MirrorInput{Event: ev})
	if err != nil {
		return nil, err
	}

	metrics.DualWrites.WithLabelValues(op, string(repository.SourceLocalFallback)).Inc()
	r.log.Warn().
		Err(cause).
		Str("cycle_id", ev.CycleID).
		Str("instrument_id", ev.InstrumentID).
		Str("stage", string(ev.Stage)).
		Str("ledger_class", ledger.Classify(cause).String()).
		Msg("ledger unavailable, transition recorded locally")

	return &RecordResult{
		OK:           false,
		Source:       repository.SourceLocalFallback,
		StageEventID: mirrored.Event.ID,
		Stage:        ev.Stage,
	}, nil
}

// historyEntry returns the history entry written by txID, or the latest one.
func historyEntry(doc *ledger.CycleDocument, txID string) *ledger.HistoryEntry {
	for i := len(doc.History) - 1; i >= 0; i-- {
		if doc.History[i].TxID == txID {
			return &doc.History[i]
		}
	}
	return doc.Latest()
}

// operatorName prefers the caller's operator, then the ledger identity's
// common name.
func operatorName(operator, identity string) string {
	if operator = strings.TrimSpace(operator); operator != "" {
		return operator
	}
	if identity != "" {
		return ledger.DisplayName(identity)
	}
	return LedgerOperator
}
