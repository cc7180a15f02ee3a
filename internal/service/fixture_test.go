package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
	"github.com/pesio-ai/be-sterilization-trace/internal/ledger/ledgertest"
	"github.com/pesio-ai/be-sterilization-trace/internal/notify"
	"github.com/pesio-ai/be-sterilization-trace/internal/reprocess"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository/sqlite"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store     *sqlite.Store
	chaincode *ledgertest.Chaincode
	facade    *ledger.Facade
	clock     *clock.Mock
	events    *recordingNotifier

	alerts    *AlertService
	rules     *RuleEngine
	meta      *StageMetaService
	recorder  *Recorder
	cycles    *CycleService
	reconcile *ReconcileService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	stamp := t0
	var stampMu sync.Mutex
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "trace.db"), sqlite.WithClock(func() time.Time {
		stampMu.Lock()
		defer stampMu.Unlock()
		stamp = stamp.Add(time.Second)
		return stamp
	}))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := clock.NewMock()
	mock.Set(t0)

	cc := ledgertest.New(t0)
	retrier := ledger.NewRetrier(ledger.RetryConfig{Attempts: 2, Base: time.Millisecond, Cap: 2 * time.Millisecond}, nil)
	facade, err := ledger.NewFacade(cc, retrier, nil, nil)
	require.NoError(t, err)

	f := &fixture{store: store, chaincode: cc, facade: facade, clock: mock, events: &recordingNotifier{}}
	f.alerts = NewAlertService(store, f.events, mock, "", nil)
	f.rules = NewRuleEngine(f.alerts, store, mock, DefaultSoonDays, nil)
	f.meta = NewStageMetaService(store, store, f.rules, nil)
	f.recorder = NewRecorder(facade, store, mock, nil)
	f.cycles = NewCycleService(f.recorder, NewReadiness(store), f.meta, store, f.events, nil)
	f.reconcile = NewReconcileService(facade, store, reprocess.Default(), nil)
	return f
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(_ context.Context, ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingNotifier) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recordingNotifier) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func ptr[T any](v T) *T { return &v }
