package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/notify"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
)

func openInput(key string, sev repository.AlertSeverity) OpenAlertInput {
	return OpenAlertInput{Key: key, Kind: "TEST", Severity: sev, Title: "test alert", CycleID: ptr("c1")}
}

func TestOpenIfNotExistsDeduplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.alerts.OpenIfNotExists(ctx, openInput("TEST:c1:e1", repository.SeverityCritical))
	require.NoError(t, err)
	second, err := f.alerts.OpenIfNotExists(ctx, openInput("TEST:c1:e1", repository.SeverityCritical))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, repository.AlertOpen, second.Status)

	page, err := f.alerts.List(ctx, repository.AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	assert.Equal(t, []string{notify.AlertOpened, notify.AlertCounts}, f.events.types())
}

func TestResolvedAlertReopens(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.alerts.OpenIfNotExists(ctx, openInput("TEST:c1:e1", repository.SeverityWarning))
	require.NoError(t, err)
	acked, err := f.alerts.Ack(ctx, a.ID, ptr("ana"))
	require.NoError(t, err)
	assert.Equal(t, repository.AlertAcked, acked.Status)
	assert.Equal(t, "ana", repository.Deref(acked.AckedBy))

	resolved, err := f.alerts.Resolve(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.AlertResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	reopened, err := f.alerts.OpenIfNotExists(ctx, openInput("TEST:c1:e1", repository.SeverityWarning))
	require.NoError(t, err)
	assert.Equal(t, a.ID, reopened.ID)
	assert.Equal(t, repository.AlertOpen, reopened.Status)
	assert.Nil(t, reopened.ResolvedAt)
	assert.Nil(t, reopened.AckedAt)
	assert.Nil(t, reopened.AckedBy)
}

func TestAlertTransitionsAreGuarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.alerts.OpenIfNotExists(ctx, openInput("TEST:c1:e1", repository.SeverityInfo))
	require.NoError(t, err)
	_, err = f.alerts.Resolve(ctx, a.ID)
	require.NoError(t, err)

	_, err = f.alerts.Ack(ctx, a.ID, nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))
	_, err = f.alerts.Resolve(ctx, a.ID)
	assert.True(t, errors.IsCode(err, errors.ErrCodeConflict))

	_, err = f.alerts.Ack(ctx, "missing", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestResolveByKeyPrefix(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, key := range []string{"STORAGE_EXPIRED:c1:e1", "STORAGE_EXPIRED:c1:e2", "STORAGE_EXPIRED:c2:e3"} {
		_, err := f.alerts.OpenIfNotExists(ctx, openInput(key, repository.SeverityCritical))
		require.NoError(t, err)
	}
	f.events.reset()

	n, err := f.alerts.ResolveByKey(ctx, "STORAGE_EXPIRED:c1:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{notify.AlertCounts}, f.events.types())

	f.events.reset()
	n, err = f.alerts.ResolveByKey(ctx, "STORAGE_EXPIRED:c1:")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.events.types())

	counts, err := f.alerts.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, repository.AlertCounts{Open: 1, Acked: 0, Critical: 1}, *counts)
}

func TestAlertComments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a, err := f.alerts.OpenIfNotExists(ctx, openInput("TEST:c1:e1", repository.SeverityInfo))
	require.NoError(t, err)

	_, err = f.alerts.AddComment(ctx, a.ID, "   ", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))

	for _, text := range []string{" checked the load ", "re-run scheduled", "closed"} {
		_, err := f.alerts.AddComment(ctx, a.ID, text, ptr("ana"))
		require.NoError(t, err)
	}

	page, err := f.alerts.ListComments(ctx, a.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Data, 2)
	assert.Equal(t, "checked the load", page.Data[0].Text)

	page, err = f.alerts.ListComments(ctx, a.ID, 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Data, 1)
	assert.Equal(t, "closed", page.Data[0].Text)

	_, err = f.alerts.AddComment(ctx, "missing", "hello", nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeNotFound))
}

func TestAlertStats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.alerts.OpenIfNotExists(ctx, openInput("A:c1:e1", repository.SeverityCritical))
	require.NoError(t, err)
	_, err = f.alerts.OpenIfNotExists(ctx, openInput("A:c1:e2", repository.SeverityWarning))
	require.NoError(t, err)
	_, err = f.alerts.OpenIfNotExists(ctx, OpenAlertInput{Key: "B:c1:e3", Kind: "OTHER", Severity: repository.SeverityCritical, Title: "x"})
	require.NoError(t, err)
	f.clock.Add(time.Hour)

	stats, err := f.alerts.Stats(ctx, StatsQuery{})
	require.NoError(t, err)
	assert.Equal(t, DefaultStatsTZ, stats.TZ)
	assert.Len(t, stats.ByDay, 30)
	assert.Equal(t, SeverityCounts{Total: 3, Critical: 2, Warning: 1}, stats.Totals)
	assert.Equal(t, []KindCount{{Kind: "OTHER", Count: 1}, {Kind: "TEST", Count: 2}}, stats.ByKind)

	last := stats.ByDay[len(stats.ByDay)-1]
	assert.Equal(t, "2026-03-02", last.Day)
	assert.Equal(t, 3, last.Total)
	assert.Zero(t, stats.ByDay[0].Total)

	_, err = f.alerts.Stats(ctx, StatsQuery{TZ: "Mars/Olympus"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidInput))
}

func TestDaysBetween(t *testing.T) {
	loc, err := time.LoadLocation("America/Fortaleza")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC) // Feb 28 23:00 local
	to := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, []string{"2026-02-28", "2026-03-01", "2026-03-02"}, daysBetween(from, to, loc))
}
