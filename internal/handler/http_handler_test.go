package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sterilization-trace/internal/app"
	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
	"github.com/pesio-ai/be-sterilization-trace/internal/ledger/ledgertest"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository/sqlite"
	"github.com/pesio-ai/be-sterilization-trace/internal/service"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type testAPI struct {
	router    chi.Router
	svc       *app.Services
	chaincode *ledgertest.Chaincode
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "trace.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mock := clock.NewMock()
	mock.Set(t0)

	cc := ledgertest.New(t0)
	retrier := ledger.NewRetrier(ledger.RetryConfig{Attempts: 1, Base: time.Millisecond, Cap: time.Millisecond}, nil)
	facade, err := ledger.NewFacade(cc, retrier, nil, nil)
	require.NoError(t, err)

	svc := app.NewServices(app.Deps{Store: store, Ledger: facade, Clock: mock})
	return &testAPI{router: NewHTTPHandler(svc, nil).Routes(), svc: svc, chaincode: cc}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type apiError struct {
	Error struct {
		Code    string   `json:"code"`
		Message string   `json:"message"`
		Field   string   `json:"field"`
		Reasons []string `json:"reasons"`
	} `json:"error"`
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestCreateCycleAndAdvance(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/cycles", map[string]string{"cycleId": "c1", "instrumentId": "M1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "LEDGER", created["source"])
	assert.Equal(t, "tx-001", created["txId"])
	assert.Equal(t, "RECEIVING", created["stage"])

	rec = api.do(t, http.MethodPatch, "/api/v1/cycles/c1/stage", map[string]interface{}{
		"stage": "lavagem",
		"meta":  map[string]interface{}{"wash": map[string]string{"method": "ULTRASONIC"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "WASHING", updated["stage"])
	assert.Nil(t, updated["metaError"])

	rec = api.do(t, http.MethodGet, "/api/v1/cycles/c1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "WASHING", decode[map[string]interface{}](t, rec)["currentStage"])

	rec = api.do(t, http.MethodGet, "/api/v1/stage-events/"+updated["stageEventId"].(string)+"/meta", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "ULTRASONIC")
}

func TestCreateCycleFallsBackWhenLedgerIsDown(t *testing.T) {
	api := newTestAPI(t)
	api.chaincode.Fail(stderrors.New("14 UNAVAILABLE: connection refused"), 0)

	rec := api.do(t, http.MethodPost, "/api/v1/cycles", map[string]string{"cycleId": "c1", "instrumentId": "M1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode[map[string]interface{}](t, rec)
	assert.Equal(t, "LOCAL_FALLBACK", body["source"])
	assert.Nil(t, body["txId"])

	rec = api.do(t, http.MethodPost, "/api/v1/cycles", map[string]interface{}{
		"cycleId": "c2", "instrumentId": "M1", "disableFallback": true,
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
}

func TestRequestErrors(t *testing.T) {
	api := newTestAPI(t)

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/cycles", strings.NewReader("{"))
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "body", decode[apiError](t, rec).Error.Field)
	})

	t.Run("unknown stage", func(t *testing.T) {
		rec := api.do(t, http.MethodPost, "/api/v1/cycles", map[string]string{"instrumentId": "M1", "stage": "PACKING"})
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	})

	t.Run("unknown cycle", func(t *testing.T) {
		rec := api.do(t, http.MethodPatch, "/api/v1/cycles/missing/stage", map[string]string{"stage": "WASHING"})
		assert.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
		assert.Equal(t, "NOT_FOUND", decode[apiError](t, rec).Error.Code)
	})

	t.Run("unknown meta kind", func(t *testing.T) {
		rec := api.do(t, http.MethodPut, "/api/v1/stage-events/se1/meta/packing", map[string]string{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "kind", decode[apiError](t, rec).Error.Field)
	})

	t.Run("readiness without target", func(t *testing.T) {
		rec := api.do(t, http.MethodGet, "/api/v1/cycles/c1/readiness", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestReadinessAndDisinfectionAlert(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/cycles", map[string]string{"cycleId": "c1", "instrumentId": "M1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/cycles/c1/readiness?target=sterilization", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"cycleId":"c1","target":"STERILIZATION","ready":false,
		"reasons":["no DISINFECTION stage recorded for this cycle"]}`, rec.Body.String())

	rec = api.do(t, http.MethodPatch, "/api/v1/cycles/c1/stage", map[string]string{"stage": "DISINFECTION"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stageEventID := decode[map[string]interface{}](t, rec)["stageEventId"].(string)

	rec = api.do(t, http.MethodPut, "/api/v1/stage-events/"+stageEventID+"/meta/disinfection", map[string]interface{}{
		"agent": "PERACETIC_ACID", "concentration": "0.2%", "contactMin": 10,
		"testStripResult": "FAIL", "activationLevel": "ACTIVE",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/alerts/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"open":1,"acked":0,"critical":1}`, rec.Body.String())

	rec = api.do(t, http.MethodPatch, "/api/v1/cycles/c1/stage", map[string]string{"stage": "STERILIZATION"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	failed := decode[apiError](t, rec)
	assert.Equal(t, "PRECONDITION_FAILED", failed.Error.Code)
	assert.Equal(t, []string{"disinfection test strip failed"}, failed.Error.Reasons)

	rec = api.do(t, http.MethodPut, "/api/v1/stage-events/"+stageEventID+"/meta/disinfection", map[string]interface{}{
		"agent": "PERACETIC_ACID", "concentration": "0.2%", "contactMin": 10, "testStripResult": "PASS",
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPut, "/api/v1/stage-events/"+stageEventID+"/meta/disinfection?override=true", map[string]interface{}{
		"agent": "PERACETIC_ACID", "concentration": "0.2%", "contactMin": 10,
		"testStripResult": "PASS", "activationLevel": "ACTIVE",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/cycles/c1/readiness?target=STERILIZATION", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]interface{}](t, rec)["ready"])
}

func TestAlertEndpoints(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	rec := api.do(t, http.MethodPost, "/api/v1/cycles", map[string]string{"cycleId": "c1", "instrumentId": "M1", "stage": "DISINFECTION"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	stageEventID := decode[map[string]interface{}](t, rec)["stageEventId"].(string)
	_, err := api.svc.Meta.AttachDisinfection(ctx, stageEventID, &service.DisinfectionInput{Agent: "OPA", ContactMin: 12}, false)
	require.Error(t, err, "OPA needs a concentration")

	rec = api.do(t, http.MethodPut, "/api/v1/stage-events/"+stageEventID+"/meta/disinfection", map[string]interface{}{
		"agent": "OPA", "concentration": "0.55%", "contactMin": 12, "activationLevel": "INACTIVE",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/alerts?status=open&severity=critical", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[struct {
		Data []struct {
			ID     string `json:"id"`
			Kind   string `json:"kind"`
			Status string `json:"status"`
		} `json:"data"`
		Total int `json:"total"`
	}](t, rec)
	require.Equal(t, 1, page.Total)
	alertID := page.Data[0].ID
	assert.Equal(t, "DISINFECTION_FAIL", page.Data[0].Kind)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+alertID+"/ack", nil)
	req.Header.Set("X-User-ID", "nurse-7")
	ack := httptest.NewRecorder()
	api.router.ServeHTTP(ack, req)
	require.Equal(t, http.StatusOK, ack.Code, ack.Body.String())
	assert.Equal(t, "ACKED", decode[map[string]interface{}](t, ack)["status"])

	rec = api.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/ack", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/comments", map[string]string{"text": "  swapped solution  "})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "swapped solution", decode[map[string]interface{}](t, rec)["text"])

	rec = api.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/comments", map[string]string{"text": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/alerts/"+alertID+"/comments", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode[map[string]interface{}](t, rec)["total"])

	rec = api.do(t, http.MethodPost, "/api/v1/alerts/"+alertID+"/resolve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "RESOLVED", decode[map[string]interface{}](t, rec)["status"])

	rec = api.do(t, http.MethodGet, "/api/v1/alerts/stats?tz=UTC&from=2026-02-20&to=2026-03-02T23:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	stats := decode[struct {
		ByDay  []map[string]interface{} `json:"byDay"`
		Totals map[string]interface{}   `json:"totals"`
	}](t, rec)
	assert.Len(t, stats.ByDay, 11)

	rec = api.do(t, http.MethodGet, "/api/v1/alerts/stats?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/alerts/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(0), decode[map[string]interface{}](t, rec)["checked"])
}

func TestReconcileEndpoints(t *testing.T) {
	api := newTestAPI(t)

	for _, st := range []string{"RECEIVING", "WASHING", "STERILIZATION"} {
		api.chaincode.SeedEvent("M9", ledger.InstrumentEvent{CycleID: "c9", Stage: st})
	}

	rec := api.do(t, http.MethodGet, "/api/v1/instruments/M9/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[struct {
		MissingInLocal []map[string]interface{} `json:"missingInLocal"`
	}](t, rec)
	assert.Len(t, report.MissingInLocal, 3)

	rec = api.do(t, http.MethodGet, "/api/v1/instruments/M9/history", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	history := decode[map[string]interface{}](t, rec)
	assert.Equal(t, true, history["backfilled"])
	assert.Len(t, history["events"], 3)

	rec = api.do(t, http.MethodPost, "/api/v1/instruments/M9/backfill", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode[map[string]interface{}](t, rec)["imported"])

	rec = api.do(t, http.MethodGet, "/api/v1/instruments/M9/reprocess", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(1), decode[map[string]interface{}](t, rec)["count"])

	rec = api.do(t, http.MethodPost, "/api/v1/cycles/missing/backfill", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsStream(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return api.svc.Hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	rec := api.do(t, http.MethodPost, "/api/v1/cycles", map[string]string{"cycleId": "c1", "instrumentId": "M1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.Equal(t, "event: cycle.stage_changed", scanner.Text())
	require.True(t, scanner.Scan())
	assert.True(t, strings.HasPrefix(scanner.Text(), "data: {"), scanner.Text())
	assert.Contains(t, scanner.Text(), `"resourceId":"c1"`)
}
