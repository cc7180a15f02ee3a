package ledger_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
	"github.com/pesio-ai/be-sterilization-trace/internal/ledger/ledgertest"
)

var epoch = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func newFacade(t *testing.T, cc *ledgertest.Chaincode) *ledger.Facade {
	t.Helper()
	retrier := ledger.NewRetrier(ledger.RetryConfig{Attempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}, nil)
	f, err := ledger.NewFacade(cc, retrier, nil, nil)
	require.NoError(t, err)
	return f
}

func TestValidateAliases(t *testing.T) {
	require.NoError(t, ledger.ValidateAliases(ledger.DefaultAliases))

	partial := map[ledger.Function]string{ledger.FnGetCycle: "GetCycleById"}
	err := ledger.ValidateAliases(partial)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "createCycle")

	extra := map[ledger.Function]string{}
	for k, v := range ledger.DefaultAliases {
		extra[k] = v
	}
	extra["deleteCycle"] = "DeleteCycle"
	err = ledger.ValidateAliases(extra)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deleteCycle")

	_, err = ledger.NewFacade(ledgertest.New(epoch), ledger.NewRetrier(ledger.DefaultRetryConfig, nil), partial, nil)
	assert.Error(t, err)
}

func TestSubmitRoutesThroughAlias(t *testing.T) {
	cc := ledgertest.New(epoch)
	f := newFacade(t, cc)

	sub, err := f.CreateCycle(context.Background(), "c1", "", "M1", "RECEIVING")
	require.NoError(t, err)
	assert.Equal(t, "tx-001", sub.TxID)
	assert.Equal(t, 1, cc.Calls("CreateCycle"))

	doc, err := f.GetCycle(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "M1", doc.InstrumentID)
	assert.Equal(t, "RECEIVING", doc.Stage)
	require.NotNil(t, doc.Latest())
	assert.Equal(t, "tx-001", doc.Latest().TxID)
}

func TestEvaluateNotFoundIsNil(t *testing.T) {
	cc := ledgertest.New(epoch)
	f := newFacade(t, cc)

	doc, err := f.GetCycle(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, doc)
	assert.Equal(t, 1, cc.Calls("GetCycleById"), "not found must not be retried")
}

func TestEvaluateRetriesTransient(t *testing.T) {
	cc := ledgertest.New(epoch)
	f := newFacade(t, cc)
	_, err := f.CreateCycle(context.Background(), "c1", "B1", "M1", "RECEIVING")
	require.NoError(t, err)

	cc.Fail(&ledger.TransientError{Err: stderrors.New("connection reset")}, 2)
	doc, err := f.GetCycle(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, 3, cc.Calls("GetCycleById"))
	assert.Equal(t, 0, cc.Disconnects())
}

func TestExhaustedTransientResetsConnection(t *testing.T) {
	cc := ledgertest.New(epoch)
	f := newFacade(t, cc)

	cause := &ledger.TransientError{Err: stderrors.New("unavailable")}
	cc.Fail(cause, 0)
	_, err := f.UpdateCycleStage(context.Background(), "c1", "WASHING")

	assert.True(t, err == error(cause))
	assert.Equal(t, 3, cc.Calls("UpdateCycleStage"))
	assert.Equal(t, 1, cc.Disconnects())
}

func TestInstrumentHistoryDecodesTimeline(t *testing.T) {
	cc := ledgertest.New(epoch)
	f := newFacade(t, cc)

	_, err := f.CreateCycle(context.Background(), "c1", "B1", "M1", "RECEIVING")
	require.NoError(t, err)
	_, err = f.UpdateCycleStage(context.Background(), "c1", "WASHING")
	require.NoError(t, err)

	events, err := f.InstrumentHistory(context.Background(), "M1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "WASHING", events[1].Stage)
	assert.Equal(t, "c1", events[1].CycleID)

	ts, err := ledger.ParseTimestamp(events[0].Timestamp)
	require.NoError(t, err)
	assert.Equal(t, epoch.Add(time.Minute), ts)

	empty, err := f.InstrumentHistory(context.Background(), "M2")
	require.NoError(t, err)
	assert.Empty(t, empty)

	history, err := f.TxHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "tx-002", history[1].TxID)
	assert.Equal(t, "WASHING", history[1].Value.Stage)
}
