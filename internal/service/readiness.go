package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

// ReadinessViolation reports why a cycle may not advance to Target.
type ReadinessViolation struct {
	CycleID string
	Target  stage.Stage
	Reasons []string
}

func (e *ReadinessViolation) Error() string {
	return fmt.Sprintf("cycle %s is not ready for %s: %s", e.CycleID, e.Target, strings.Join(e.Reasons, "; "))
}

func (e *ReadinessViolation) ErrorCode() errors.Code { return errors.ErrCodePreconditionFailed }

// AlertBlockError reports unresolved CRITICAL alerts holding a cycle back.
type AlertBlockError struct {
	CycleID string
	Open    int
}

func (e *AlertBlockError) Error() string {
	return fmt.Sprintf("cycle %s has %d unresolved critical alert(s)", e.CycleID, e.Open)
}

func (e *AlertBlockError) ErrorCode() errors.Code { return errors.ErrCodePreconditionFailed }

// readinessStore is what the readiness gate reads.
type readinessStore interface {
	LatestStageEvent(ctx context.Context, cycleID string, st stage.Stage) (*repository.StageEvent, error)
	GetStageMeta(ctx context.Context, stageEventID string) (*repository.StageMetaView, error)
	CountOpenCritical(ctx context.Context, cycleID string) (int, error)
}

// Readiness evaluates the gates a cycle must pass before a transition.
type Readiness struct {
	store readinessStore
}

// NewReadiness creates a readiness gate.
func NewReadiness(store readinessStore) *Readiness {
	return &Readiness{store: store}
}

// CheckReadyTo returns nil when cycleID may move to target, a
// *ReadinessViolation when a prior stage failed its checks, or an
// *AlertBlockError when a CRITICAL alert is still open.
func (r *Readiness) CheckReadyTo(ctx context.Context, cycleID string, target stage.Stage) error {
	var reasons []string
	var err error

	switch target {
	case stage.Sterilization:
		reasons, err = r.disinfectionReasons(ctx, cycleID)
	case stage.Storage:
		reasons, err = r.sterilizationReasons(ctx, cycleID)
	}
	if err != nil {
		return err
	}
	if len(reasons) > 0 {
		return &ReadinessViolation{CycleID: cycleID, Target: target, Reasons: reasons}
	}

	open, err := r.store.CountOpenCritical(ctx, cycleID)
	if err != nil {
		return err
	}
	if open > 0 {
		return &AlertBlockError{CycleID: cycleID, Open: open}
	}
	return nil
}

func (r *Readiness) disinfectionReasons(ctx context.Context, cycleID string) ([]string, error) {
	ev, err := r.store.LatestStageEvent(ctx, cycleID, stage.Disinfection)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return []string{"no DISINFECTION stage recorded for this cycle"}, nil
	}
	view, err := r.store.GetStageMeta(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	d := view.Disinfection
	if d == nil {
		return []string{"DISINFECTION metadata missing"}, nil
	}

	var reasons []string
	if d.TestStripResult != nil && *d.TestStripResult == repository.IndicatorFail {
		reasons = append(reasons, "disinfection test strip failed")
	}
	if d.ActivationLevel != nil {
		switch *d.ActivationLevel {
		case repository.ActivationInactive:
			reasons = append(reasons, "disinfectant solution inactive")
		case repository.ActivationNotPerformed:
			reasons = append(reasons, "disinfectant activation check not performed")
		}
	}
	return reasons, nil
}

func (r *Readiness) sterilizationReasons(ctx context.Context, cycleID string) ([]string, error) {
	ev, err := r.store.LatestStageEvent(ctx, cycleID, stage.Sterilization)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return []string{"no STERILIZATION stage recorded for this cycle"}, nil
	}
	view, err := r.store.GetStageMeta(ctx, ev.ID)
	if err != nil {
		return nil, err
	}
	s := view.Sterilization
	if s == nil {
		return []string{"STERILIZATION metadata missing"}, nil
	}

	var reasons []string
	if s.CI != nil && *s.CI == repository.IndicatorFail {
		reasons = append(reasons, "chemical indicator failed")
	}
	if s.BI != nil && *s.BI == repository.IndicatorFail {
		reasons = append(reasons, "biological indicator failed")
	}
	return reasons, nil
}
