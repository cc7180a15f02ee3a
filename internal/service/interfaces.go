package service

import (
	"context"

	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
	"github.com/pesio-ai/be-sterilization-trace/internal/notify"
)

// Ledger is the part of the ledger facade the services call.
type Ledger interface {
	CreateCycle(ctx context.Context, cycleID, batchID, instrumentID, stage string) (*ledger.Submission, error)
	UpdateCycleStage(ctx context.Context, cycleID, stage string) (*ledger.Submission, error)
	GetCycle(ctx context.Context, cycleID string) (*ledger.CycleDocument, error)
	ListByBatch(ctx context.Context, batchID string) ([]ledger.CycleDocument, error)
	ListByInstrument(ctx context.Context, instrumentID string) ([]ledger.CycleDocument, error)
	TxHistory(ctx context.Context, cycleID string) ([]ledger.TxHistoryItem, error)
	InstrumentHistory(ctx context.Context, instrumentID string) ([]ledger.InstrumentEvent, error)
}

// Notifier receives trace events. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}

var _ Ledger = (*ledger.Facade)(nil)
