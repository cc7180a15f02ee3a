package service

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

// Alert kinds raised by the rules.
const (
	KindDisinfectionFail   = "DISINFECTION_FAIL"
	KindSterilizationFail  = "STERILIZATION_FAIL"
	KindConsumableExpired  = "CONSUMABLE_EXPIRED"
	KindStorageExpired     = "STORAGE_EXPIRED"
	KindStorageExpiresSoon = "STORAGE_EXPIRES_SOON"
)

// DefaultSoonDays is the storage expiry warning horizon.
const DefaultSoonDays = 3

// AlertKey builds the deduplication key of a stage event condition.
func AlertKey(kind, cycleID, stageEventID string) string {
	return kind + ":" + cycleID + ":" + stageEventID
}

// SweepResult summarizes one storage expiry sweep.
type SweepResult struct {
	Checked  int       `json:"checked"`
	Expired  int       `json:"expired"`
	Soon     int       `json:"soon"`
	SoonDays int       `json:"soonDays"`
	At       time.Time `json:"at"`
}

type expiryLister interface {
	ListStorageExpiries(ctx context.Context) ([]*repository.StorageExpiry, error)
}

// RuleEngine opens and resolves alerts from stage metadata.
type RuleEngine struct {
	alerts   *AlertService
	expiries expiryLister
	clock    clock.Clock
	soonDays int
	log      *logger.Logger
}

// NewRuleEngine creates a rule engine. soonDays below zero uses
// DefaultSoonDays.
func NewRuleEngine(alerts *AlertService, store expiryLister, clk clock.Clock, soonDays int, log *logger.Logger) *RuleEngine {
	if clk == nil {
		clk = clock.New()
	}
	if soonDays < 0 {
		soonDays = DefaultSoonDays
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RuleEngine{alerts: alerts, expiries: store, clock: clk, soonDays: soonDays, log: log}
}

func (r *RuleEngine) input(kind string, sev repository.AlertSeverity, ev *repository.StageEvent, title, message string) OpenAlertInput {
	return OpenAlertInput{
		Key:          AlertKey(kind, ev.CycleID, ev.ID),
		Kind:         kind,
		Severity:     sev,
		Title:        title,
		Message:      message,
		CycleID:      &ev.CycleID,
		InstrumentID: &ev.InstrumentID,
		StageEventID: &ev.ID,
		Stage:        repository.StringPtr(string(ev.Stage)),
	}
}

// set opens in when active holds and resolves its key otherwise.
func (r *RuleEngine) set(ctx context.Context, active bool, in OpenAlertInput) error {
	if active {
		_, err := r.alerts.OpenIfNotExists(ctx, in)
		return err
	}
	_, err := r.alerts.ResolveByKey(ctx, in.Key)
	return err
}

// EvaluateDisinfection applies the disinfection rules to freshly written
// metadata.
func (r *RuleEngine) EvaluateDisinfection(ctx context.Context, ev *repository.StageEvent, m *repository.DisinfectionMeta) error {
	var failed []string
	if m.TestStripResult != nil && *m.TestStripResult == repository.IndicatorFail {
		failed = append(failed, "test strip FAIL")
	}
	if m.ActivationLevel != nil && *m.ActivationLevel == repository.ActivationInactive {
		failed = append(failed, "solution INACTIVE")
	}
	in := r.input(KindDisinfectionFail, repository.SeverityCritical, ev,
		"Disinfection failed", fmt.Sprintf("Disinfection check failed: %v", failed))
	if err := r.set(ctx, len(failed) > 0, in); err != nil {
		return err
	}

	var expired []string
	if m.SolutionLotExpiresAt != nil && m.SolutionLotExpiresAt.Before(ev.OccurredAt) {
		expired = append(expired, "solution lot "+repository.Deref(m.SolutionLotID))
	}
	if m.TestStripLotExpiresAt != nil && m.TestStripLotExpiresAt.Before(ev.OccurredAt) {
		expired = append(expired, "test strip lot "+repository.Deref(m.TestStripLot))
	}
	in = r.input(KindConsumableExpired, repository.SeverityCritical, ev,
		"Expired consumable used", fmt.Sprintf("Expired before use: %v", expired))
	return r.set(ctx, len(expired) > 0, in)
}

// EvaluateSterilization applies the indicator rule.
func (r *RuleEngine) EvaluateSterilization(ctx context.Context, ev *repository.StageEvent, m *repository.SterilizationMeta) error {
	var failed []string
	if m.CI != nil && *m.CI == repository.IndicatorFail {
		failed = append(failed, "chemical indicator FAIL")
	}
	if m.BI != nil && *m.BI == repository.IndicatorFail {
		failed = append(failed, "biological indicator FAIL")
	}
	in := r.input(KindSterilizationFail, repository.SeverityCritical, ev,
		"Sterilization failed", fmt.Sprintf("Sterilization check failed: %v", failed))
	return r.set(ctx, len(failed) > 0, in)
}

// EvaluateStorage applies the expiry rules to one storage record.
func (r *RuleEngine) EvaluateStorage(ctx context.Context, ev *repository.StageEvent, m *repository.StorageMeta) error {
	if m.ExpiresAt == nil {
		_, err := r.alerts.ResolveByKey(ctx, AlertKey(KindStorageExpired, ev.CycleID, ev.ID))
		if err != nil {
			return err
		}
		_, err = r.alerts.ResolveByKey(ctx, AlertKey(KindStorageExpiresSoon, ev.CycleID, ev.ID))
		return err
	}
	_, err := r.checkExpiry(ctx, &repository.StorageExpiry{
		StageEventID: ev.ID,
		CycleID:      ev.CycleID,
		InstrumentID: ev.InstrumentID,
		ExpiresAt:    *m.ExpiresAt,
	}, r.clock.Now())
	return err
}

// Sweep re-evaluates every storage expiry against the current time.
func (r *RuleEngine) Sweep(ctx context.Context) (*SweepResult, error) {
	now := r.clock.Now()
	rows, err := r.expiries.ListStorageExpiries(ctx)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Checked: len(rows), SoonDays: r.soonDays, At: now.UTC()}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		kind, err := r.checkExpiry(ctx, row, now)
		if err != nil {
			return res, err
		}
		switch kind {
		case KindStorageExpired:
			res.Expired++
		case KindStorageExpiresSoon:
			res.Soon++
		}
	}
	r.log.Info().Int("checked", res.Checked).Int("expired", res.Expired).Int("soon", res.Soon).Msg("storage sweep finished")
	return res, nil
}

// checkExpiry keeps at most one of the expired and expires-soon alerts open
// for a storage record and returns the kind that holds, if any.
func (r *RuleEngine) checkExpiry(ctx context.Context, row *repository.StorageExpiry, now time.Time) (string, error) {
	soon := now.Add(time.Duration(r.soonDays) * 24 * time.Hour)
	expiredKey := AlertKey(KindStorageExpired, row.CycleID, row.StageEventID)
	soonKey := AlertKey(KindStorageExpiresSoon, row.CycleID, row.StageEventID)
	due := row.ExpiresAt

	base := OpenAlertInput{
		CycleID:      &row.CycleID,
		InstrumentID: &row.InstrumentID,
		StageEventID: &row.StageEventID,
		Stage:        repository.StringPtr(string(stage.Storage)),
		DueAt:        &due,
	}

	switch {
	case due.Before(now):
		in := base
		in.Key, in.Kind, in.Severity = expiredKey, KindStorageExpired, repository.SeverityCritical
		in.Title = "Storage validity expired"
		in.Message = "Package expired at " + due.UTC().Format(time.RFC3339)
		if _, err := r.alerts.OpenIfNotExists(ctx, in); err != nil {
			return "", err
		}
		_, err := r.alerts.ResolveByKey(ctx, soonKey)
		return KindStorageExpired, err
	case !due.After(soon):
		in := base
		in.Key, in.Kind, in.Severity = soonKey, KindStorageExpiresSoon, repository.SeverityWarning
		in.Title = "Storage validity expiring soon"
		in.Message = "Package expires at " + due.UTC().Format(time.RFC3339)
		if _, err := r.alerts.OpenIfNotExists(ctx, in); err != nil {
			return "", err
		}
		_, err := r.alerts.ResolveByKey(ctx, expiredKey)
		return KindStorageExpiresSoon, err
	default:
		if _, err := r.alerts.ResolveByKey(ctx, soonKey); err != nil {
			return "", err
		}
		_, err := r.alerts.ResolveByKey(ctx, expiredKey)
		return "", err
	}
}
