package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/metrics"
	"github.com/pesio-ai/be-sterilization-trace/internal/reprocess"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

// isoMillis is the timestamp form diff keys are built from.
const isoMillis = "2006-01-02T15:04:05.000Z"

// BackfillResult reports what a backfill imported.
type BackfillResult struct {
	Cycles              int `json:"cycles"`
	Imported            int `json:"imported"`
	SterilizationsAdded int `json:"sterilizationsAdded"`
	Skipped             int `json:"skipped"`
}

func (r *BackfillResult) add(res *repository.ImportResult) {
	r.Imported += res.Inserted
	r.SterilizationsAdded += res.SterilizationsAdded
	r.Skipped += res.Skipped
}

// DiffEntry is one side-only event of a reconciliation report.
type DiffEntry struct {
	Key        string  `json:"key"`
	Stage      string  `json:"stage"`
	OccurredAt string  `json:"occurredAt"`
	TxID       *string `json:"txId,omitempty"`
	CycleID    *string `json:"cycleId,omitempty"`
	BatchID    *string `json:"batchId,omitempty"`
	Operator   string  `json:"operator,omitempty"`
	OrgID      *string `json:"orgId,omitempty"`
}

// ReportMeta summarizes both sides of an instrument diff.
type ReportMeta struct {
	InstrumentID         string           `json:"instrumentId"`
	InstrumentName       string           `json:"instrumentName,omitempty"`
	InstrumentType       string           `json:"instrumentType,omitempty"`
	LocalCount           int              `json:"localCount"`
	LedgerCount          int              `json:"ledgerCount"`
	LocalLastStage       *string          `json:"localLastStage,omitempty"`
	LocalLastAt          *time.Time       `json:"localLastAt,omitempty"`
	LedgerLastStage      *string          `json:"ledgerLastStage,omitempty"`
	LedgerLastAt         *time.Time       `json:"ledgerLastAt,omitempty"`
	ReprocessCount       int              `json:"reprocessCount"`
	LedgerSterilizations int              `json:"ledgerSterilizations"`
	Policy               reprocess.Result `json:"policy"`
	LedgerPolicy         reprocess.Result `json:"ledgerPolicy"`
}

// ReconciliationReport is the two-way diff of an instrument's history.
// Events match on normalized stage and millisecond timestamp; keys that
// occur more than once on either side are listed in Collisions since they
// cannot be told apart.
type ReconciliationReport struct {
	Meta            ReportMeta  `json:"meta"`
	MissingInLocal  []DiffEntry `json:"missingInLocal"`
	MissingInLedger []DiffEntry `json:"missingInLedger"`
	Collisions      []string    `json:"collisions,omitempty"`
}

// InSync reports whether neither side has events the other lacks.
func (r *ReconciliationReport) InSync() bool {
	return len(r.MissingInLocal) == 0 && len(r.MissingInLedger) == 0
}

// BatchReport aggregates the diffs of every instrument of a batch.
type BatchReport struct {
	BatchID         string                  `json:"batchId"`
	Instruments     []*ReconciliationReport `json:"instruments"`
	WithDrift       int                     `json:"withDrift"`
	MissingInLocal  int                     `json:"missingInLocal"`
	MissingInLedger int                     `json:"missingInLedger"`
	OverLimit       []string                `json:"overLimit"`
}

// ApplyResult reports what ApplyReconcile inserted. SkippedKeys lists the
// diff keys of entries whose stage or timestamp could not be parsed.
type ApplyResult struct {
	Inserted            int      `json:"inserted"`
	SterilizationsAdded int      `json:"sterilizationsAdded"`
	Skipped             int      `json:"skipped"`
	SkippedKeys         []string `json:"skippedKeys,omitempty"`
}

// HistoryResult is an instrument's local history.
type HistoryResult struct {
	InstrumentID string                   `json:"instrumentId"`
	Events       []*repository.StageEvent `json:"events"`
	Backfilled   bool                     `json:"backfilled"`
	Imported     int                      `json:"imported"`
}

// ReprocessStatus is an instrument's standing against its ceiling.
type ReprocessStatus struct {
	InstrumentID string `json:"instrumentId"`
	Type         string `json:"type"`
	reprocess.Result
}

type reconcileStore interface {
	repository.InstrumentStore
	ImportStageEvents(ctx context.Context, events []*repository.StageEvent) (*repository.ImportResult, error)
	ListStageEventsByInstrument(ctx context.Context, instrumentID string) ([]*repository.StageEvent, error)
}

// ReconcileService replays ledger history into the local store and reports
// drift between the two.
type ReconcileService struct {
	ledger Ledger
	store  reconcileStore
	policy *reprocess.Policy
	log    *logger.Logger
}

// NewReconcileService creates a reconciliation service. A nil policy uses
// the default ceilings.
func NewReconcileService(l Ledger, store reconcileStore, policy *reprocess.Policy, log *logger.Logger) *ReconcileService {
	if policy == nil {
		policy = reprocess.Default()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &ReconcileService{ledger: l, store: store, policy: policy, log: log}
}

// ── Backfill ────────────────────────────────────────────────────────────────

// BackfillCycle imports the ledger history of one cycle.
func (s *ReconcileService) BackfillCycle(ctx context.Context, cycleID string) (*BackfillResult, error) {
	doc, err := s.ledger.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.NotFound("ledger cycle", cycleID)
	}
	res := &BackfillResult{}
	if err := s.importDocs(ctx, []ledger.CycleDocument{*doc}, res); err != nil {
		return nil, err
	}
	s.imported("cycle", cycleID, res)
	return res, nil
}

// BackfillInstrument imports the history of every cycle the ledger lists for
// an instrument.
func (s *ReconcileService) BackfillInstrument(ctx context.Context, instrumentID string) (*BackfillResult, error) {
	docs, err := s.ledger.ListByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	res := &BackfillResult{}
	if err := s.importDocs(ctx, docs, res); err != nil {
		return nil, err
	}
	s.imported("instrument", instrumentID, res)
	return res, nil
}

// BackfillBatch imports every cycle of a batch, one cycle per worker.
func (s *ReconcileService) BackfillBatch(ctx context.Context, batchID string) (*BackfillResult, error) {
	docs, err := s.ledger.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	total := &BackfillResult{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchFanOut)
	for _, doc := range docs {
		doc := doc
		g.Go(func() error {
			res := &BackfillResult{}
			if err := s.importDocs(gctx, []ledger.CycleDocument{doc}, res); err != nil {
				return err
			}
			mu.Lock()
			total.Cycles += res.Cycles
			total.Imported += res.Imported
			total.SterilizationsAdded += res.SterilizationsAdded
			total.Skipped += res.Skipped
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	s.imported("batch", batchID, total)
	return total, nil
}

func (s *ReconcileService) importDocs(ctx context.Context, docs []ledger.CycleDocument, res *BackfillResult) error {
	var events []*repository.StageEvent
	for _, doc := range docs {
		res.Cycles++
		for _, h := range doc.History {
			if h.TxID == "" {
				continue
			}
			ev, ok := s.ledgerEvent(doc.ID, doc.InstrumentID, doc.BatchID, h.TxID, h.Stage, h.Timestamp, h.OperatorID, h.MSPID)
			if !ok {
				res.Skipped++
				continue
			}
			events = append(events, ev)
		}
	}
	imported, err := s.store.ImportStageEvents(ctx, events)
	if err != nil {
		return err
	}
	res.add(imported)
	return nil
}

// ledgerEvent converts a ledger history entry. Entries with an unknown stage
// or timestamp are rejected.
func (s *ReconcileService) ledgerEvent(cycleID, instrumentID, batchID, txID, st, ts, identity, mspID string) (*repository.StageEvent, bool) {
	normalized, err := stage.Normalize(st)
	if err != nil {
		s.log.Warn().Str("tx_id", txID).Str("stage", st).Msg("skipping ledger entry with unknown stage")
		return nil, false
	}
	at, err := ledger.ParseTimestamp(ts)
	if err != nil {
		s.log.Warn().Err(err).Str("tx_id", txID).Msg("skipping ledger entry with bad timestamp")
		return nil, false
	}
	return &repository.StageEvent{
		CycleID:             cycleID,
		InstrumentID:        instrumentID,
		BatchID:             repository.StringPtr(batchID),
		Stage:               normalized,
		OccurredAt:          at,
		OperatorDisplayName: operatorName("", identity),
		OperatorOrgID:       repository.StringPtr(mspID),
		Source:              repository.SourceLedger,
		LedgerTxID:          repository.StringPtr(txID),
	}, true
}

func (s *ReconcileService) imported(mode, id string, res *BackfillResult) {
	metrics.ReconcileImported.WithLabelValues(mode).Add(float64(res.Imported))
	s.log.Info().
		Str("mode", mode).
		Str("id", id).
		Int("cycles", res.Cycles).
		Int("imported", res.Imported).
		Int("sterilizations_added", res.SterilizationsAdded).
		Msg("ledger history backfilled")
}

// ── Diff ────────────────────────────────────────────────────────────────────

// DiffKey is the composite key events are matched on.
func DiffKey(st string, at time.Time) string {
	return stage.Key(st) + "::" + at.UTC().Format(isoMillis)
}

// Diff compares an instrument's ledger timeline with its local events.
func (s *ReconcileService) Diff(ctx context.Context, instrumentID string) (*ReconciliationReport, error) {
	inst, err := s.store.GetInstrument(ctx, instrumentID)
	if err != nil && !errors.IsCode(err, errors.ErrCodeNotFound) {
		return nil, err
	}
	onLedger, err := s.ledger.InstrumentHistory(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	local, err := s.store.ListStageEventsByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	report := &ReconciliationReport{
		Meta:            ReportMeta{InstrumentID: instrumentID, LocalCount: len(local), LedgerCount: len(onLedger)},
		MissingInLocal:  []DiffEntry{},
		MissingInLedger: []DiffEntry{},
	}

	ledgerEntries := make([]DiffEntry, 0, len(onLedger))
	var ledgerLast time.Time
	for _, ev := range onLedger {
		entry := DiffEntry{
			Stage:    stage.Key(ev.Stage),
			TxID:     repository.StringPtr(ev.TxID),
			CycleID:  repository.StringPtr(ev.CycleID),
			BatchID:  repository.StringPtr(ev.BatchID),
			Operator: operatorName("", ev.OperatorIdentity()),
			OrgID:    repository.StringPtr(ev.MSPID),
		}
		if at, err := ledger.ParseTimestamp(ev.Timestamp); err == nil {
			entry.Key = DiffKey(ev.Stage, at)
			entry.OccurredAt = at.Format(isoMillis)
			if !at.Before(ledgerLast) {
				ledgerLast = at
				st := entry.Stage
				report.Meta.LedgerLastStage, report.Meta.LedgerLastAt = &st, &at
			}
		} else {
			entry.Key = stage.Key(ev.Stage) + "::" + ev.Timestamp
			entry.OccurredAt = ev.Timestamp
		}
		if entry.Stage == string(stage.Sterilization) {
			report.Meta.LedgerSterilizations++
		}
		ledgerEntries = append(ledgerEntries, entry)
	}

	localEntries := make([]DiffEntry, 0, len(local))
	for _, ev := range local {
		localEntries = append(localEntries, DiffEntry{
			Key:        DiffKey(string(ev.Stage), ev.OccurredAt),
			Stage:      string(ev.Stage),
			OccurredAt: ev.OccurredAt.UTC().Format(isoMillis),
			TxID:       ev.LedgerTxID,
			CycleID:    repository.StringPtr(ev.CycleID),
			BatchID:    ev.BatchID,
			Operator:   ev.OperatorDisplayName,
			OrgID:      ev.OperatorOrgID,
		})
	}
	if n := len(local); n > 0 {
		last := local[n-1]
		st := string(last.Stage)
		at := last.OccurredAt.UTC()
		report.Meta.LocalLastStage, report.Meta.LocalLastAt = &st, &at
	}

	report.MissingInLocal = subtract(ledgerEntries, localEntries)
	report.MissingInLedger = subtract(localEntries, ledgerEntries)
	report.Collisions = collisions(ledgerEntries, localEntries)

	if inst != nil {
		report.Meta.InstrumentName = inst.Name
		report.Meta.InstrumentType = inst.Type
		report.Meta.ReprocessCount = inst.ReprocessCount
	}
	report.Meta.Policy = s.policy.Evaluate(report.Meta.ReprocessCount, report.Meta.InstrumentType)
	report.Meta.LedgerPolicy = s.policy.Evaluate(report.Meta.LedgerSterilizations, report.Meta.InstrumentType)
	return report, nil
}

// subtract returns the entries of a with no counterpart in b, matching each
// key as many times as it occurs in b.
func subtract(a, b []DiffEntry) []DiffEntry {
	remaining := make(map[string]int, len(b))
	for _, e := range b {
		remaining[e.Key]++
	}
	out := []DiffEntry{}
	for _, e := range a {
		if remaining[e.Key] > 0 {
			remaining[e.Key]--
			continue
		}
		out = append(out, e)
	}
	return out
}

func collisions(sides ...[]DiffEntry) []string {
	seen := map[string]bool{}
	var out []string
	for _, side := range sides {
		counts := map[string]int{}
		for _, e := range side {
			counts[e.Key]++
		}
		for key, n := range counts {
			if n > 1 && !seen[key] {
				seen[key] = true
				out = append(out, key)
			}
		}
	}
	sort.Strings(out)
	return out
}

// DiffBatch diffs every instrument known for a batch on either side.
func (s *ReconcileService) DiffBatch(ctx context.Context, batchID string) (*BatchReport, error) {
	docs, err := s.ledger.ListByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	localInsts, err := s.store.ListInstrumentsByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var ids []string
	for _, doc := range docs {
		if doc.InstrumentID != "" && !seen[doc.InstrumentID] {
			seen[doc.InstrumentID] = true
			ids = append(ids, doc.InstrumentID)
		}
	}
	for _, inst := range localInsts {
		if !seen[inst.ID] {
			seen[inst.ID] = true
			ids = append(ids, inst.ID)
		}
	}
	sort.Strings(ids)

	reports := make([]*ReconciliationReport, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(batchFanOut)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			r, err := s.Diff(gctx, id)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &BatchReport{BatchID: batchID, Instruments: reports, OverLimit: []string{}}
	for _, r := range reports {
		if !r.InSync() {
			out.WithDrift++
		}
		out.MissingInLocal += len(r.MissingInLocal)
		out.MissingInLedger += len(r.MissingInLedger)
		if r.Meta.Policy.Exceeded || r.Meta.LedgerPolicy.Exceeded {
			out.OverLimit = append(out.OverLimit, r.Meta.InstrumentID)
		}
	}
	return out, nil
}

// ── Apply ───────────────────────────────────────────────────────────────────

// ApplyReconcile inserts the ledger-only events of an instrument. The
// reprocess counter moves by the STERILIZATION rows actually inserted.
// Timeline entries without a cycle id are matched to the instrument's ledger
// cycle documents by diff key; entries no document holds are filed under the
// instrument's legacy cycle.
func (s *ReconcileService) ApplyReconcile(ctx context.Context, instrumentID string) (*ApplyResult, error) {
	report, err := s.Diff(ctx, instrumentID)
	if err != nil {
		return nil, err
	}

	out := &ApplyResult{}
	var (
		events []*repository.StageEvent
		owners map[string]historyOwner
	)
	for _, e := range report.MissingInLocal {
		cycleID, txID := repository.Deref(e.CycleID), repository.Deref(e.TxID)
		if cycleID == "" {
			if owners == nil {
				if owners, err = s.historyOwners(ctx, instrumentID); err != nil {
					return nil, err
				}
			}
			if o, ok := owners[e.Key]; ok {
				cycleID = o.cycleID
				if txID == "" {
					txID = o.txID
				}
			} else {
				cycleID = LegacyCycleID(instrumentID)
				s.log.Warn().
					Str("instrument_id", instrumentID).
					Str("key", e.Key).
					Str("cycle_id", cycleID).
					Msg("ledger entry has no cycle, filing under legacy cycle")
			}
		}
		ev, ok := s.ledgerEvent(cycleID, instrumentID, repository.Deref(e.BatchID), txID, e.Stage, e.OccurredAt, "", repository.Deref(e.OrgID))
		if !ok {
			out.Skipped++
			out.SkippedKeys = append(out.SkippedKeys, e.Key)
			continue
		}
		ev.OperatorDisplayName = e.Operator
		events = append(events, ev)
	}

	res, err := s.store.ImportStageEvents(ctx, events)
	if err != nil {
		return nil, err
	}
	out.Inserted = res.Inserted
	out.SterilizationsAdded = res.SterilizationsAdded
	metrics.ReconcileImported.WithLabelValues("apply").Add(float64(res.Inserted))
	s.log.Info().
		Str("instrument_id", instrumentID).
		Int("inserted", res.Inserted).
		Int("sterilizations_added", res.SterilizationsAdded).
		Int("skipped", out.Skipped).
		Msg("reconcile applied")
	return out, nil
}

// LegacyCycleID is the local cycle that holds an instrument's ledger events
// recorded before the chaincode tracked cycle ids.
func LegacyCycleID(instrumentID string) string {
	return "legacy-" + instrumentID
}

type historyOwner struct {
	cycleID string
	txID    string
}

// historyOwners indexes the instrument's cycle document history by diff key.
// The first document holding a key wins.
func (s *ReconcileService) historyOwners(ctx context.Context, instrumentID string) (map[string]historyOwner, error) {
	docs, err := s.ledger.ListByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	owners := map[string]historyOwner{}
	for _, doc := range docs {
		for _, h := range doc.History {
			at, err := ledger.ParseTimestamp(h.Timestamp)
			if err != nil {
				continue
			}
			key := DiffKey(h.Stage, at)
			if _, taken := owners[key]; !taken {
				owners[key] = historyOwner{cycleID: doc.ID, txID: h.TxID}
			}
		}
	}
	return owners, nil
}

// ── Reads ───────────────────────────────────────────────────────────────────

// HistoryForInstrument returns the local events of an instrument, running an
// instrument backfill first when none are stored.
func (s *ReconcileService) HistoryForInstrument(ctx context.Context, instrumentID string) (*HistoryResult, error) {
	events, err := s.store.ListStageEventsByInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	out := &HistoryResult{InstrumentID: instrumentID, Events: events}
	if len(events) > 0 {
		return out, nil
	}

	res, err := s.BackfillInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	out.Backfilled = true
	out.Imported = res.Imported
	if res.Imported == 0 {
		return out, nil
	}
	if out.Events, err = s.store.ListStageEventsByInstrument(ctx, instrumentID); err != nil {
		return nil, err
	}
	return out, nil
}

// ReprocessStatus evaluates an instrument's reprocess counter against the
// ceiling of its type.
func (s *ReconcileService) ReprocessStatus(ctx context.Context, instrumentID string) (*ReprocessStatus, error) {
	inst, err := s.store.GetInstrument(ctx, instrumentID)
	if err != nil {
		return nil, err
	}
	return &ReprocessStatus{
		InstrumentID: inst.ID,
		Type:         inst.Type,
		Result:       s.policy.Evaluate(inst.ReprocessCount, inst.Type),
	}, nil
}
