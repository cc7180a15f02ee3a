package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/stage"
)

var errPeerDown = stderrors.New("14 UNAVAILABLE: connection refused")

func TestRecordCreateCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.recorder.RecordCreateCycle(ctx, CreateCycleArgs{
		CycleID:      "c1",
		InstrumentID: "M1",
		BatchID:      ptr("B1"),
		Stage:        "recebimento",
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, repository.SourceLedger, res.Source)
	require.NotNil(t, res.TxID)
	assert.Equal(t, "tx-001", *res.TxID)

	events, err := f.store.ListStageEventsByCycle(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	ev := events[0]
	assert.Equal(t, res.StageEventID, ev.ID)
	assert.Equal(t, stage.Receiving, ev.Stage)
	assert.Equal(t, repository.SourceLedger, ev.Source)
	assert.Equal(t, "tx-001", repository.Deref(ev.LedgerTxID))
	assert.Equal(t, "appUser", ev.OperatorDisplayName)
	assert.Equal(t, "Org1MSP", repository.Deref(ev.OperatorOrgID))
	assert.Equal(t, t0.Add(time.Minute), ev.OccurredAt)

	cycle, err := f.store.GetCycle(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, stage.Receiving, cycle.CurrentStage)
	assert.Equal(t, "B1", repository.Deref(cycle.BatchID))
}

func TestRecordCreateCycleRejectsUnknownStage(t *testing.T) {
	f := newFixture(t)

	_, err := f.recorder.RecordCreateCycle(context.Background(), CreateCycleArgs{
		CycleID: "c1", InstrumentID: "M1", Stage: "boiling",
	})
	var invalid *stage.InvalidStageError
	require.ErrorAs(t, err, &invalid)
	assert.Zero(t, f.chaincode.Calls("CreateCycle"))
}

func TestRecordUpdateStage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.recorder.RecordCreateCycle(ctx, CreateCycleArgs{CycleID: "c1", InstrumentID: "M1", Stage: "RECEIVING"})
	require.NoError(t, err)

	res, err := f.recorder.RecordUpdateStage(ctx, UpdateStageArgs{CycleID: "c1", Stage: "esterilização", Operator: "maria"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "tx-002", *res.TxID)
	assert.Equal(t, stage.Sterilization, res.Stage)

	ev, err := f.store.GetStageEvent(ctx, res.StageEventID)
	require.NoError(t, err)
	assert.Equal(t, "maria", ev.OperatorDisplayName)
	assert.Equal(t, "M1", ev.InstrumentID)

	inst, err := f.store.GetInstrument(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.ReprocessCount)
}

func TestRecordDuplicateTxIDStoredOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chaincode.ForceTxID("tx-dup")

	first, err := f.recorder.RecordCreateCycle(ctx, CreateCycleArgs{CycleID: "c1", InstrumentID: "M1", Stage: "RECEIVING"})
	require.NoError(t, err)
	second, err := f.recorder.RecordUpdateStage(ctx, UpdateStageArgs{CycleID: "c1", Stage: "WASHING"})
	require.NoError(t, err)

	assert.Equal(t, first.StageEventID, second.StageEventID)
	events, err := f.store.ListStageEventsByCycle(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRecordFallsBackWhenLedgerDown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chaincode.Fail(errPeerDown, 0)

	res, err := f.recorder.RecordCreateCycle(ctx, CreateCycleArgs{
		CycleID: "c1", InstrumentID: "M1", Stage: "RECEIVING", Notes: ptr("first load"),
	})
	require.NoError(t, err)
	assert.False(t, res.OK)
	assert.Equal(t, repository.SourceLocalFallback, res.Source)
	assert.Nil(t, res.TxID)
	assert.Positive(t, f.chaincode.Disconnects())

	ev, err := f.store.GetStageEvent(ctx, res.StageEventID)
	require.NoError(t, err)
	assert.Nil(t, ev.LedgerTxID)
	assert.Equal(t, repository.SourceLocalFallback, ev.Source)
	assert.Equal(t, FallbackOperator, ev.OperatorDisplayName)
	assert.Equal(t, FallbackNote+" | first load", repository.Deref(ev.Notes))
	assert.Equal(t, t0, ev.OccurredAt)

	t.Run("update uses the local cycle", func(t *testing.T) {
		up, err := f.recorder.RecordUpdateStage(ctx, UpdateStageArgs{CycleID: "c1", Stage: "WASHING", Operator: "joao"})
		require.NoError(t, err)
		assert.False(t, up.OK)

		ev, err := f.store.GetStageEvent(ctx, up.StageEventID)
		require.NoError(t, err)
		assert.Equal(t, "M1", ev.InstrumentID)
		assert.Equal(t, "joao", ev.OperatorDisplayName)
		assert.Equal(t, FallbackNote, repository.Deref(ev.Notes))
	})

	t.Run("update of unknown cycle returns the ledger error", func(t *testing.T) {
		_, err := f.recorder.RecordUpdateStage(ctx, UpdateStageArgs{CycleID: "nope", Stage: "WASHING"})
		assert.ErrorIs(t, err, errPeerDown)
	})
}

func TestRecordWithoutFallbackReturnsLedgerError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chaincode.Fail(errPeerDown, 0)

	_, err := f.recorder.RecordCreateCycle(ctx, CreateCycleArgs{
		CycleID: "c1", InstrumentID: "M1", Stage: "RECEIVING", DisableFallback: true,
	})
	assert.ErrorIs(t, err, errPeerDown)

	events, err := f.store.ListStageEventsByInstrument(ctx, "M1")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestRecordUpdateUnknownCycleSurfacesUnavailable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.chaincode.Fail(errPeerDown, 0)

	_, err := f.recorder.RecordUpdateStage(ctx, UpdateStageArgs{CycleID: "ghost", Stage: "WASHING"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errPeerDown)
	assert.Equal(t, errors.ErrCodeUnavailable, errors.CodeOf(err))
	assert.Equal(t, 503, errors.HTTPStatus(err))
}

func TestOperatorName(t *testing.T) {
	assert.Equal(t, "ana", operatorName(" ana ", "x509::/CN=appUser::/CN=ca"))
	assert.Equal(t, "appUser", operatorName("", "x509::/C=US/CN=appUser::/CN=ca"))
	assert.Equal(t, LedgerOperator, operatorName("", ""))
}
