package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
)

func storedPackage(t *testing.T, f *fixture, expiresIn time.Duration) *RecordResult {
	t.Helper()
	ctx := context.Background()
	res, err := f.recorder.RecordCreateCycle(ctx, CreateCycleArgs{CycleID: "c1", InstrumentID: "M1", Stage: "STORAGE"})
	require.NoError(t, err)
	expires := f.clock.Now().Add(expiresIn)
	_, err = f.meta.AttachStorage(ctx, res.StageEventID, &StorageInput{Location: ptr("shelf 4"), ExpiresAt: &expires})
	require.NoError(t, err)
	return res
}

func alertStatus(t *testing.T, f *fixture, key string) repository.AlertStatus {
	t.Helper()
	a, err := f.store.FindAlertByKey(context.Background(), key)
	require.NoError(t, err)
	if a == nil {
		return ""
	}
	return a.Status
}

func TestSweepStorageExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := storedPackage(t, f, 24*time.Hour)
	soonKey := AlertKey(KindStorageExpiresSoon, "c1", res.StageEventID)
	expiredKey := AlertKey(KindStorageExpired, "c1", res.StageEventID)

	sweep, err := f.rules.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Checked)
	assert.Equal(t, 1, sweep.Soon)
	assert.Zero(t, sweep.Expired)
	assert.Equal(t, repository.AlertOpen, alertStatus(t, f, soonKey))
	assert.Empty(t, alertStatus(t, f, expiredKey))

	f.clock.Add(48 * time.Hour)
	sweep, err = f.rules.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Expired)
	assert.Equal(t, repository.AlertResolved, alertStatus(t, f, soonKey))
	assert.Equal(t, repository.AlertOpen, alertStatus(t, f, expiredKey))

	blocked, err := f.alerts.HasOpenCritical(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, blocked)
}

func TestSweepClearsBothOutsideHorizon(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res := storedPackage(t, f, 30*24*time.Hour)

	sweep, err := f.rules.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, sweep.Soon)
	assert.Zero(t, sweep.Expired)
	assert.Empty(t, alertStatus(t, f, AlertKey(KindStorageExpiresSoon, "c1", res.StageEventID)))
}

func TestAttachStorageRejectsPastExpiry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.recorder.RecordCreateCycle(ctx, CreateCycleArgs{CycleID: "c1", InstrumentID: "M1", Stage: "STORAGE"})
	require.NoError(t, err)

	past := t0.Add(-time.Hour)
	_, err = f.meta.AttachStorage(ctx, res.StageEventID, &StorageInput{ExpiresAt: &past})
	assert.Error(t, err)
}

func TestSweeperRunsOnStartAndEveryInterval(t *testing.T) {
	f := newFixture(t)
	storedPackage(t, f, 30*24*time.Hour)
	sweeper := NewSweeper(f.rules, f.clock, time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	// 29 days later the package is inside the horizon, whether the first
	// sweep ran before or after the clock moved.
	f.clock.Add(29 * 24 * time.Hour)
	require.Eventually(t, func() bool {
		a, err := f.store.CountAlerts(context.Background())
		return err == nil && a.Open == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSweeperSkipsOverlappingRuns(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.rules, f.clock, time.Hour, nil)
	sweeper.running.Store(true)

	_, err := sweeper.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrSweepRunning)

	sweeper.running.Store(false)
	res, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Checked)
}

func TestDisinfectionRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.recorder.RecordCreateCycle(ctx, CreateCycleArgs{CycleID: "c1", InstrumentID: "M1", Stage: "DISINFECTION"})
	require.NoError(t, err)

	in := disinfection(repository.IndicatorPass, repository.ActivationActive)
	in.SolutionLotID = ptr("LOT-7")
	in.SolutionLotExpiresAt = ptr(t0.Add(-24 * time.Hour))
	_, err = f.meta.AttachDisinfection(ctx, res.StageEventID, in, false)
	require.NoError(t, err)

	assert.Equal(t, repository.AlertOpen, alertStatus(t, f, AlertKey(KindConsumableExpired, "c1", res.StageEventID)))
	assert.Empty(t, alertStatus(t, f, AlertKey(KindDisinfectionFail, "c1", res.StageEventID)))

	t.Run("validation", func(t *testing.T) {
		for name, bad := range map[string]*DisinfectionInput{
			"agent":         {ContactMin: 5},
			"contact":       {Agent: "ALCOHOL_70"},
			"concentration": {Agent: "OPA", ContactMin: 5},
		} {
			_, err := f.meta.AttachDisinfection(ctx, res.StageEventID, bad, true)
			assert.Error(t, err, name)
		}
	})

	t.Run("wrong stage", func(t *testing.T) {
		_, err := f.meta.AttachSterilization(ctx, res.StageEventID, &SterilizationInput{Method: "STEAM_134"})
		assert.Error(t, err)
	})
}

func TestSterilizationRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.recorder.RecordCreateCycle(ctx, CreateCycleArgs{CycleID: "c1", InstrumentID: "M1", Stage: "STERILIZATION"})
	require.NoError(t, err)
	key := AlertKey(KindSterilizationFail, "c1", res.StageEventID)

	fail := repository.IndicatorFail
	_, err = f.meta.AttachSterilization(ctx, res.StageEventID, &SterilizationInput{Method: "STEAM_134", BI: &fail})
	require.NoError(t, err)
	assert.Equal(t, repository.AlertOpen, alertStatus(t, f, key))

	pass := repository.IndicatorPass
	_, err = f.meta.AttachSterilization(ctx, res.StageEventID, &SterilizationInput{Method: "STEAM_134", BI: &pass, CI: &pass})
	require.NoError(t, err)
	assert.Equal(t, repository.AlertResolved, alertStatus(t, f, key))

	view, err := f.meta.GetMeta(ctx, res.StageEventID)
	require.NoError(t, err)
	require.NotNil(t, view.Sterilization)
	assert.Equal(t, repository.IndicatorPass, *view.Sterilization.BI)
}
