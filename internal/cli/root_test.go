package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sterilization-trace/internal/app"
	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
	"github.com/pesio-ai/be-sterilization-trace/internal/ledger/ledgertest"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository/sqlite"
)

func testConnector(t *testing.T) (Connector, *ledgertest.Chaincode) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cc := ledgertest.New(time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	retrier := ledger.NewRetrier(ledger.RetryConfig{Attempts: 1, Base: time.Millisecond, Cap: time.Millisecond}, nil)
	facade, err := ledger.NewFacade(cc, retrier, nil, nil)
	require.NoError(t, err)

	svc := app.NewServices(app.Deps{Store: store, Ledger: facade})
	return func(context.Context, *RootOptions) (*app.Services, func() error, error) {
		return svc, func() error { return nil }, nil
	}, cc
}

func execute(t *testing.T, connect Connector, args ...string) (map[string]interface{}, error) {
	t.Helper()
	cmd := NewRootCommand(connect)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}
	var v map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &v), out.String())
	return v, nil
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand(nil)
	for _, name := range []string{"backfill", "diff", "reconcile", "sweep", "history"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestBackfillAndDiff(t *testing.T) {
	connect, cc := testConnector(t)
	for _, st := range []string{"RECEIVING", "WASHING", "STERILIZATION"} {
		cc.SeedEvent("M1", ledger.InstrumentEvent{CycleID: "c1", Stage: st})
	}

	diff, err := execute(t, connect, "diff", "--instrument", "M1")
	require.NoError(t, err)
	assert.Len(t, diff["missingInLocal"], 3)

	res, err := execute(t, connect, "backfill", "--instrument", "M1")
	require.NoError(t, err)
	assert.Equal(t, float64(3), res["imported"])
	assert.Equal(t, float64(1), res["sterilizationsAdded"])

	res, err = execute(t, connect, "backfill", "--cycle", "c1", "--compact")
	require.NoError(t, err)
	assert.Equal(t, float64(0), res["imported"])

	diff, err = execute(t, connect, "diff", "--instrument", "M1")
	require.NoError(t, err)
	assert.Empty(t, diff["missingInLocal"])

	hist, err := execute(t, connect, "history", "--instrument", "M1")
	require.NoError(t, err)
	assert.Len(t, hist["events"], 3)
	assert.Equal(t, false, hist["backfilled"])
}

func TestBackfillScopeFlags(t *testing.T) {
	connect, _ := testConnector(t)

	_, err := execute(t, connect, "backfill")
	assert.Error(t, err)

	_, err = execute(t, connect, "backfill", "--instrument", "M1", "--batch", "B1")
	assert.Error(t, err)
}

func TestReconcileAndSweep(t *testing.T) {
	connect, cc := testConnector(t)
	cc.SeedEvent("M2", ledger.InstrumentEvent{CycleID: "c2", Stage: "STERILIZATION"})

	res, err := execute(t, connect, "reconcile", "--instrument", "M2")
	require.NoError(t, err)
	assert.Equal(t, float64(1), res["inserted"])

	res, err = execute(t, connect, "sweep")
	require.NoError(t, err)
	assert.Equal(t, float64(0), res["checked"])
}

func TestFailuresCarryExitCodes(t *testing.T) {
	connect, _ := testConnector(t)

	_, err := execute(t, connect, "backfill", "--cycle", "missing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	_, err = execute(t, connect, "reprocess")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
}
