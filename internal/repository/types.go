package repository

import (
	"time"

	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

// Source tells where a stage event was recorded from.
type Source string

const (
	SourceLedger        Source = "LEDGER"
	SourceLocalFallback Source = "LOCAL_FALLBACK"
)

// Instrument is a reusable medical instrument and its reprocess counter.
type Instrument struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	BatchID        *string   `json:"batchId,omitempty"`
	ReprocessCount int       `json:"reprocessCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Cycle is the current-state projection of one traversal of the stages.
type Cycle struct {
	ID           string      `json:"id"`
	InstrumentID string      `json:"instrumentId"`
	BatchID      *string     `json:"batchId,omitempty"`
	CurrentStage stage.Stage `json:"currentStage"`
	LastOperator string      `json:"lastOperator"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// StageEvent is an immutable record of an instrument reaching a stage.
// LedgerTxID is nil exactly when Source is LOCAL_FALLBACK.
type StageEvent struct {
	ID                  string      `json:"id"`
	CycleID             string      `json:"cycleId"`
	InstrumentID        string      `json:"instrumentId"`
	BatchID             *string     `json:"batchId,omitempty"`
	Stage               stage.Stage `json:"stage"`
	OccurredAt          time.Time   `json:"occurredAt"`
	OperatorDisplayName string      `json:"operatorDisplayName"`
	OperatorOrgID       *string     `json:"operatorOrgId,omitempty"`
	Source              Source      `json:"source"`
	LedgerTxID          *string     `json:"ledgerTxId,omitempty"`
	Notes               *string     `json:"notes,omitempty"`
	CreatedAt           time.Time   `json:"createdAt"`
}

// MirrorInput is one transition to project into the local store.
type MirrorInput struct {
	Event *StageEvent
}

// MirrorResult reports what a mirror write did. Inserted is false when the
// ledger transaction had already been mirrored; Event is then the existing
// row.
type MirrorResult struct {
	Event              *StageEvent
	Inserted           bool
	ReprocessIncrement int
}

// ImportResult summarises a batch of ledger events written locally.
type ImportResult struct {
	Inserted            int `json:"inserted"`
	SterilizationsAdded int `json:"sterilizationsAdded"`
	Skipped             int `json:"skipped"`
}

// Indicator is a pass/fail check result.
type Indicator string

const (
	IndicatorPass Indicator = "PASS"
	IndicatorFail Indicator = "FAIL"
	IndicatorNA   Indicator = "NA"
)

// ActivationLevel is the measured state of a disinfectant solution.
type ActivationLevel string

const (
	ActivationActive       ActivationLevel = "ACTIVE"
	ActivationInactive     ActivationLevel = "INACTIVE"
	ActivationNotPerformed ActivationLevel = "NOT_PERFORMED"
)

// WashMeta holds WASHING stage parameters.
type WashMeta struct {
	StageEventID string    `json:"stageEventId"`
	Method       string    `json:"method"`
	Detergent    *string   `json:"detergent,omitempty"`
	TimeMin      *int      `json:"timeMin,omitempty"`
	TempC        *float64  `json:"tempC,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// DisinfectionMeta holds DISINFECTION stage parameters. Lot expiries are
// resolved by the caller from the lot registry.
type DisinfectionMeta struct {
	StageEventID          string           `json:"stageEventId"`
	Agent                 string           `json:"agent"`
	Concentration         *string          `json:"concentration,omitempty"`
	ContactMin            int              `json:"contactMin"`
	SolutionLotID         *string          `json:"solutionLotId,omitempty"`
	SolutionLotExpiresAt  *time.Time       `json:"solutionLotExpiresAt,omitempty"`
	TestStripLot          *string          `json:"testStripLot,omitempty"`
	TestStripLotExpiresAt *time.Time       `json:"testStripLotExpiresAt,omitempty"`
	TestStripResult       *Indicator       `json:"testStripResult,omitempty"`
	ActivationLevel       *ActivationLevel `json:"activationLevel,omitempty"`
	MeasuredTempC         *float64         `json:"measuredTempC,omitempty"`
	PH                    *float64         `json:"ph,omitempty"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// SterilizationMeta holds STERILIZATION stage parameters.
type SterilizationMeta struct {
	StageEventID string     `json:"stageEventId"`
	Method       string     `json:"method"`
	AutoclaveID  *string    `json:"autoclaveId,omitempty"`
	Program      *string    `json:"program,omitempty"`
	ExposureMin  *int       `json:"exposureMin,omitempty"`
	TempC        *float64   `json:"tempC,omitempty"`
	CI           *Indicator `json:"ci,omitempty"`
	BI           *Indicator `json:"bi,omitempty"`
	LoadID       *string    `json:"loadId,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// StorageMeta holds STORAGE stage parameters.
type StorageMeta struct {
	StageEventID string     `json:"stageEventId"`
	Location     *string    `json:"location,omitempty"`
	ShelfPolicy  *string    `json:"shelfPolicy,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	IntegrityOK  *bool      `json:"integrityOk,omitempty"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// StageMetaView is the denormalized metadata of one stage event.
type StageMetaView struct {
	Wash          *WashMeta          `json:"wash,omitempty"`
	Disinfection  *DisinfectionMeta  `json:"disinfection,omitempty"`
	Sterilization *SterilizationMeta `json:"sterilization,omitempty"`
	Storage       *StorageMeta       `json:"storage,omitempty"`
}

// StorageExpiry is a storage metadata row joined with its cycle.
type StorageExpiry struct {
	StageEventID string    `json:"stageEventId"`
	CycleID      string    `json:"cycleId"`
	InstrumentID string    `json:"instrumentId"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// AlertSeverity ranks alerts.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// AlertStatus is the lifecycle state of an alert.
type AlertStatus string

const (
	AlertOpen     AlertStatus = "OPEN"
	AlertAcked    AlertStatus = "ACKED"
	AlertResolved AlertStatus = "RESOLVED"
)

// Alert is a deduplicated notification identified by Key.
type Alert struct {
	ID           string        `json:"id"`
	Key          string        `json:"key"`
	Kind         string        `json:"kind"`
	Severity     AlertSeverity `json:"severity"`
	Status       AlertStatus   `json:"status"`
	Title        string        `json:"title"`
	Message      string        `json:"message"`
	CycleID      *string       `json:"cycleId,omitempty"`
	InstrumentID *string       `json:"instrumentId,omitempty"`
	StageEventID *string       `json:"stageEventId,omitempty"`
	Stage        *string       `json:"stage,omitempty"`
	DueAt        *time.Time    `json:"dueAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	AckedAt      *time.Time    `json:"ackedAt,omitempty"`
	AckedBy      *string       `json:"ackedBy,omitempty"`
	ResolvedAt   *time.Time    `json:"resolvedAt,omitempty"`
}

// AlertFilter narrows an alert listing.
type AlertFilter struct {
	Status   AlertStatus
	Severity AlertSeverity
	Query    string
	Page     int
	PerPage  int
}

// Normalize clamps paging to 1..100 per page.
func (f AlertFilter) Normalize() AlertFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 {
		f.PerPage = 20
	}
	if f.PerPage > 100 {
		f.PerPage = 100
	}
	return f
}

// Offset is the row offset of the requested page.
func (f AlertFilter) Offset() int {
	return (f.Page - 1) * f.PerPage
}

// AlertCounts are the live alert totals.
type AlertCounts struct {
	Open     int `json:"open"`
	Acked    int `json:"acked"`
	Critical int `json:"critical"`
}

// AlertComment is an operator note on an alert.
type AlertComment struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alertId"`
	Text      string    `json:"text"`
	Author    *string   `json:"author,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// StringPtr returns nil for empty strings.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
