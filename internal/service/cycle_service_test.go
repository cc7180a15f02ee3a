package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/notify"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

func disinfection(strip repository.Indicator, level repository.ActivationLevel) *DisinfectionInput {
	return &DisinfectionInput{
		Agent:           "peracetic_acid",
		Concentration:   ptr("0.2%"),
		ContactMin:      10,
		TestStripResult: &strip,
		ActivationLevel: &level,
	}
}

func TestCreateCycleScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.cycles.CreateCycle(ctx, &CreateCycleRequest{CycleID: "c1", InstrumentID: "M1", Stage: "RECEIVING"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "tx-001", *res.TxID)
	assert.Equal(t, "c1", res.CycleID)

	events, err := f.store.ListStageEventsByInstrument(ctx, "M1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, stage.Receiving, events[0].Stage)
	assert.Equal(t, repository.SourceLedger, events[0].Source)
	assert.Equal(t, "tx-001", *events[0].LedgerTxID)

	cycle, err := f.cycles.GetCycle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, stage.Receiving, cycle.CurrentStage)

	assert.Equal(t, []string{notify.CycleStageChanged}, f.events.types())
}

func TestCreateCycleGeneratesID(t *testing.T) {
	f := newFixture(t)

	res, err := f.cycles.CreateCycle(context.Background(), &CreateCycleRequest{InstrumentID: "M1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.CycleID)
	assert.Equal(t, stage.Receiving, res.Stage)
}

func TestCreateCycleDegradedNotification(t *testing.T) {
	f := newFixture(t)
	f.chaincode.Fail(errPeerDown, 0)

	res, err := f.cycles.CreateCycle(context.Background(), &CreateCycleRequest{CycleID: "c1", InstrumentID: "M1"})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, []string{notify.CycleRecordedDegraded}, f.events.types())
}

func TestUpdateStageReadiness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.cycles.CreateCycle(ctx, &CreateCycleRequest{CycleID: "c1", InstrumentID: "M1"})
	require.NoError(t, err)
	_, err = f.cycles.UpdateStage(ctx, &UpdateStageRequest{CycleID: "c1", Stage: "WASHING", Meta: &MetaInput{
		Wash: &WashInput{Method: "ULTRASONIC"},
	}})
	require.NoError(t, err)

	t.Run("sterilization needs a disinfection", func(t *testing.T) {
		err := f.cycles.CheckReadyTo(ctx, "c1", "STERILIZATION")
		var violation *ReadinessViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, stage.Sterilization, violation.Target)
		assert.Equal(t, []string{"no DISINFECTION stage recorded for this cycle"}, violation.Reasons)
		assert.Equal(t, errors.ErrCodePreconditionFailed, errors.CodeOf(err))
	})

	disinfected, err := f.cycles.UpdateStage(ctx, &UpdateStageRequest{CycleID: "c1", Stage: "DISINFECTION", Meta: &MetaInput{
		Disinfection: disinfection(repository.IndicatorFail, repository.ActivationActive),
	}})
	require.NoError(t, err)
	assert.Nil(t, disinfected.MetaError)

	t.Run("failed strip blocks sterilization", func(t *testing.T) {
		_, err := f.cycles.UpdateStage(ctx, &UpdateStageRequest{CycleID: "c1", Stage: "STERILIZATION"})
		var violation *ReadinessViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, []string{"disinfection test strip failed"}, violation.Reasons)
		assert.Equal(t, 3, f.chaincode.Calls("UpdateCycleStage")+f.chaincode.Calls("CreateCycle"))
	})

	t.Run("override clears the alert and the gate", func(t *testing.T) {
		open, err := f.alerts.HasOpenCritical(ctx, "c1")
		require.NoError(t, err)
		assert.True(t, open)

		_, err = f.meta.AttachDisinfection(ctx, disinfected.StageEventID,
			disinfection(repository.IndicatorPass, repository.ActivationActive), false)
		assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

		_, err = f.meta.AttachDisinfection(ctx, disinfected.StageEventID,
			disinfection(repository.IndicatorPass, repository.ActivationActive), true)
		require.NoError(t, err)

		open, err = f.alerts.HasOpenCritical(ctx, "c1")
		require.NoError(t, err)
		assert.False(t, open)

		res, err := f.cycles.UpdateStage(ctx, &UpdateStageRequest{CycleID: "c1", Stage: "STERILIZATION"})
		require.NoError(t, err)
		assert.True(t, res.OK)
	})
}

func TestUpdateStageBlockedByCriticalAlert(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.cycles.CreateCycle(ctx, &CreateCycleRequest{CycleID: "c1", InstrumentID: "M1"})
	require.NoError(t, err)
	_, err = f.alerts.OpenIfNotExists(ctx, OpenAlertInput{
		Key: "MANUAL:c1", Kind: "MANUAL", Severity: repository.SeverityCritical, Title: "hold", CycleID: ptr("c1"),
	})
	require.NoError(t, err)

	_, err = f.cycles.UpdateStage(ctx, &UpdateStageRequest{CycleID: "c1", Stage: "WASHING"})
	var blocked *AlertBlockError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, 1, blocked.Open)
	assert.Zero(t, f.chaincode.Calls("UpdateCycleStage"))
}

func TestUpdateStageUnknownCycle(t *testing.T) {
	f := newFixture(t)

	_, err := f.cycles.UpdateStage(context.Background(), &UpdateStageRequest{CycleID: "nope", Stage: "WASHING"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestMetaErrorDoesNotUndoTransition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.cycles.CreateCycle(ctx, &CreateCycleRequest{CycleID: "c1", InstrumentID: "M1", Meta: &MetaInput{
		Wash: &WashInput{Method: "MANUAL"},
	}})
	require.NoError(t, err)
	require.NotNil(t, res.MetaError)
	assert.Contains(t, *res.MetaError, "stage")

	events, err := f.store.ListStageEventsByCycle(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCreateCyclesForBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, id := range []string{"M1", "M2", "M3"} {
		_, err := f.cycles.RegisterInstrument(ctx, &repository.Instrument{ID: id, Name: "Forceps " + id, Type: "CRITICAL", BatchID: ptr("B1")})
		require.NoError(t, err)
	}

	results, err := f.cycles.CreateCyclesForBatch(ctx, &BatchCyclesRequest{BatchID: "B1", Operator: "ana"})
	require.NoError(t, err)
	require.Len(t, results, 3)

	txIDs := map[string]bool{}
	for _, r := range results {
		require.Nil(t, r.Error, r.InstrumentID)
		require.NotNil(t, r.Result)
		assert.Equal(t, r.InstrumentID, r.Result.InstrumentID)
		txIDs[*r.Result.TxID] = true
	}
	assert.Len(t, txIDs, 3)

	docs, err := f.facade.ListByBatch(ctx, "B1")
	require.NoError(t, err)
	assert.Len(t, docs, 3)

	_, err = f.cycles.CreateCyclesForBatch(ctx, &BatchCyclesRequest{BatchID: "empty"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}
