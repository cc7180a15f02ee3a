// Package repository defines the local store model and the interfaces the
// services depend on. Implementations live in the postgres and sqlite
// subpackages.
package repository

import (
	"context"
	"time"

	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

// InstrumentStore reads and registers instruments.
type InstrumentStore interface {
	GetInstrument(ctx context.Context, id string) (*Instrument, error)
	UpsertInstrument(ctx context.Context, inst *Instrument) error
	ListInstrumentsByBatch(ctx context.Context, batchID string) ([]*Instrument, error)
}

// TraceStore holds cycles and stage events.
type TraceStore interface {
	GetCycle(ctx context.Context, id string) (*Cycle, error)
	// MirrorTransition upserts the cycle projection and inserts the stage
	// event in one transaction. A stage event whose ledger tx id is already
	// stored is not inserted again; the reprocess counter only moves for a
	// newly inserted STERILIZATION event.
	MirrorTransition(ctx context.Context, in MirrorInput) (*MirrorResult, error)
	// ImportStageEvents inserts ledger-sourced events not yet stored and
	// increments reprocess counters by the STERILIZATION rows inserted.
	ImportStageEvents(ctx context.Context, events []*StageEvent) (*ImportResult, error)
	GetStageEvent(ctx context.Context, id string) (*StageEvent, error)
	LatestStageEvent(ctx context.Context, cycleID string, st stage.Stage) (*StageEvent, error)
	ListStageEventsByInstrument(ctx context.Context, instrumentID string) ([]*StageEvent, error)
	ListStageEventsByCycle(ctx context.Context, cycleID string) ([]*StageEvent, error)
}

// StageMetaStore holds the typed per-stage metadata rows.
type StageMetaStore interface {
	SaveWashMeta(ctx context.Context, m *WashMeta) error
	SaveDisinfectionMeta(ctx context.Context, m *DisinfectionMeta) error
	SaveSterilizationMeta(ctx context.Context, m *SterilizationMeta) error
	SaveStorageMeta(ctx context.Context, m *StorageMeta) error
	GetStageMeta(ctx context.Context, stageEventID string) (*StageMetaView, error)
	ListStorageExpiries(ctx context.Context) ([]*StorageExpiry, error)
}

// AlertStore holds alerts and their comments.
type AlertStore interface {
	FindAlertByKey(ctx context.Context, key string) (*Alert, error)
	GetAlert(ctx context.Context, id string) (*Alert, error)
	// UpsertOpenAlert writes a into OPEN, clearing ack and resolve stamps of
	// an existing row with the same key.
	UpsertOpenAlert(ctx context.Context, a *Alert) error
	UpdateAlertStatus(ctx context.Context, a *Alert) error
	// ResolveAlertsByPrefix resolves OPEN and ACKED alerts whose key equals
	// or starts with prefix and returns them.
	ResolveAlertsByPrefix(ctx context.Context, prefix string, at time.Time) ([]*Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*Alert, int, error)
	ListAlertsCreatedBetween(ctx context.Context, from, to time.Time) ([]*Alert, error)
	CountAlerts(ctx context.Context) (*AlertCounts, error)
	CountOpenCritical(ctx context.Context, cycleID string) (int, error)
	AddAlertComment(ctx context.Context, c *AlertComment) error
	ListAlertComments(ctx context.Context, alertID string) ([]*AlertComment, error)
}

// Store is the full local store.
type Store interface {
	InstrumentStore
	TraceStore
	StageMetaStore
	AlertStore
	Ping(ctx context.Context) error
	Close() error
}
