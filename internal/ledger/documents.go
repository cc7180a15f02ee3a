package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// HistoryEntry is one stage change embedded in a ledger cycle document.
type HistoryEntry struct {
	TxID       string `json:"txId,omitempty"`
	Stage      string `json:"stage"`
	Timestamp  string `json:"timestamp"`
	OperatorID string `json:"operatorId,omitempty"`
	MSPID      string `json:"mspId,omitempty"`
}

// CycleDocument is the ledger's world-state record of a cycle.
type CycleDocument struct {
	ID           string         `json:"id"`
	InstrumentID string         `json:"instrumentId"`
	BatchID      string         `json:"batchId,omitempty"`
	Stage        string         `json:"stage"`
	History      []HistoryEntry `json:"history"`
}

// Latest returns the most recent history entry, or nil.
func (d *CycleDocument) Latest() *HistoryEntry {
	if d == nil || len(d.History) == 0 {
		return nil
	}
	return &d.History[len(d.History)-1]
}

// TxHistoryItem is one committed version of a cycle key.
type TxHistoryItem struct {
	TxID      string         `json:"txId"`
	IsDelete  bool           `json:"isDelete"`
	Timestamp string         `json:"timestamp"`
	Value     *CycleDocument `json:"value"`
}

// InstrumentEvent is one entry of an instrument's ledger timeline.
type InstrumentEvent struct {
	TxID       string `json:"txId,omitempty"`
	CycleID    string `json:"cycleId,omitempty"`
	BatchID    string `json:"batchId,omitempty"`
	Stage      string `json:"stage"`
	Timestamp  string `json:"timestamp"`
	Operator   string `json:"operator,omitempty"`
	OperatorID string `json:"operatorId,omitempty"`
	MSPID      string `json:"mspId,omitempty"`
}

// OperatorIdentity returns whichever operator field the chaincode filled.
func (e InstrumentEvent) OperatorIdentity() string {
	if e.OperatorID != "" {
		return e.OperatorID
	}
	return e.Operator
}

// ParseTimestamp parses ledger timestamps, which are RFC 3339 with optional
// fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid ledger timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ── Typed operations ─────────────────────────────────────────────────────────

// CreateCycle submits a new cycle at its first stage.
func (f *Facade) CreateCycle(ctx context.Context, cycleID, batchID, instrumentID, stage string) (*Submission, error) {
	return f.Submit(ctx, FnCreateCycle, cycleID, batchID, instrumentID, stage)
}

// UpdateCycleStage submits a stage change for an existing cycle.
func (f *Facade) UpdateCycleStage(ctx context.Context, cycleID, stage string) (*Submission, error) {
	return f.Submit(ctx, FnUpdateCycleStage, cycleID, stage)
}

// GetCycle reads a cycle document. A missing cycle returns nil, nil.
func (f *Facade) GetCycle(ctx context.Context, cycleID string) (*CycleDocument, error) {
	payload, err := f.Evaluate(ctx, FnGetCycle, cycleID)
	if err != nil || len(payload) == 0 {
		return nil, err
	}
	var doc *CycleDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode cycle %s: %w", cycleID, err)
	}
	return doc, nil
}

// ListByBatch returns the cycle documents of a batch.
func (f *Facade) ListByBatch(ctx context.Context, batchID string) ([]CycleDocument, error) {
	return evaluateList[CycleDocument](ctx, f, FnListByBatch, batchID)
}

// ListByInstrument returns the cycle documents of an instrument.
func (f *Facade) ListByInstrument(ctx context.Context, instrumentID string) ([]CycleDocument, error) {
	return evaluateList[CycleDocument](ctx, f, FnListByInstrument, instrumentID)
}

// TxHistory returns every committed version of a cycle.
func (f *Facade) TxHistory(ctx context.Context, cycleID string) ([]TxHistoryItem, error) {
	return evaluateList[TxHistoryItem](ctx, f, FnGetTxHistory, cycleID)
}

// InstrumentHistory returns the ledger timeline of an instrument.
func (f *Facade) InstrumentHistory(ctx context.Context, instrumentID string) ([]InstrumentEvent, error) {
	return evaluateList[InstrumentEvent](ctx, f, FnGetHistoryByInstrument, instrumentID)
}

func evaluateList[T any](ctx context.Context, f *Facade, fn Function, args ...string) ([]T, error) {
	payload, err := f.Evaluate(ctx, fn, args...)
	if err != nil || len(payload) == 0 {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", fn, err)
	}
	return out, nil
}
