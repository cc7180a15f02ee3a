package service

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"

	"github.com/pesio-ai/be-sterilization-trace/internal/errors"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/metrics"
	"github.com/pesio-ai/be-sterilization-trace/internal/notify"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
)

// DefaultStatsTZ buckets alert statistics when neither the caller nor the
// configuration names a zone.
const DefaultStatsTZ = "America/Fortaleza"

const (
	eventAck     = "ack"
	eventResolve = "resolve"
	eventReopen  = "reopen"
)

var alertEvents = fsm.Events{
	{Name: eventAck, Src: []string{string(repository.AlertOpen)}, Dst: string(repository.AlertAcked)},
	{Name: eventResolve, Src: []string{string(repository.AlertOpen), string(repository.AlertAcked)}, Dst: string(repository.AlertResolved)},
	{Name: eventReopen, Src: []string{string(repository.AlertResolved)}, Dst: string(repository.AlertOpen)},
}

// transition runs event against the alert's current status.
func transition(ctx context.Context, a *repository.Alert, event string) error {
	machine := fsm.NewFSM(string(a.Status), alertEvents, fsm.Callbacks{})
	if err := machine.Event(ctx, event); err != nil {
		var invalid fsm.InvalidEventError
		if stderrors.As(err, &invalid) {
			return errors.Conflict("alert " + a.ID + " cannot " + event + " from " + string(a.Status))
		}
		return err
	}
	a.Status = repository.AlertStatus(machine.Current())
	return nil
}

// OpenAlertInput describes a condition that should have an open alert.
type OpenAlertInput struct {
	Key          string
	Kind         string
	Severity     repository.AlertSeverity
	Title        string
	Message      string
	CycleID      *string
	InstrumentID *string
	StageEventID *string
	Stage        *string
	DueAt        *time.Time
}

// AlertPage is one page of an alert listing.
type AlertPage struct {
	Data    []*repository.Alert `json:"data"`
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	PerPage int                 `json:"perPage"`
}

// CommentPage is one page of alert comments.
type CommentPage struct {
	Data    []*repository.AlertComment `json:"data"`
	Total   int                        `json:"total"`
	Page    int                        `json:"page"`
	PerPage int                        `json:"perPage"`
}

// StatsQuery bounds an alert statistics request. Zero values default to the
// last 30 days in the service zone.
type StatsQuery struct {
	From *time.Time
	To   *time.Time
	TZ   string
}

// SeverityCounts tallies alerts by severity.
type SeverityCounts struct {
	Total    int `json:"total"`
	Critical int `json:"CRITICAL"`
	Warning  int `json:"WARNING"`
	Info     int `json:"INFO"`
}

func (c *SeverityCounts) add(sev repository.AlertSeverity) {
	c.Total++
	switch sev {
	case repository.SeverityCritical:
		c.Critical++
	case repository.SeverityWarning:
		c.Warning++
	case repository.SeverityInfo:
		c.Info++
	}
}

// DayStats are the alerts created on one local day.
type DayStats struct {
	Day string `json:"day"`
	SeverityCounts
}

// KindCount is the number of alerts of one kind.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// AlertStats summarizes alerts created in a range.
type AlertStats struct {
	TZ     string         `json:"tz"`
	From   time.Time      `json:"from"`
	To     time.Time      `json:"to"`
	ByDay  []DayStats     `json:"byDay"`
	ByKind []KindCount    `json:"byKind"`
	Totals SeverityCounts `json:"totals"`
}

// AlertService owns the alert lifecycle.
type AlertService struct {
	store    repository.AlertStore
	notifier Notifier
	clock    clock.Clock
	tz       string
	log      *logger.Logger
}

// NewAlertService creates an alert service. tz is the default zone of
// Stats.
func NewAlertService(store repository.AlertStore, notifier Notifier, clk clock.Clock, tz string, log *logger.Logger) *AlertService {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if tz == "" {
		tz = DefaultStatsTZ
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AlertService{store: store, notifier: notifier, clock: clk, tz: tz, log: log}
}

// OpenIfNotExists opens the alert for in.Key. An OPEN or ACKED alert with
// the same key is returned untouched; a RESOLVED one is reopened.
func (s *AlertService) OpenIfNotExists(ctx context.Context, in OpenAlertInput) (*repository.Alert, error) {
	if in.Key == "" {
		return nil, errors.InvalidInput("key", "alert key is required")
	}

	found, err := s.store.FindAlertByKey(ctx, in.Key)
	if err != nil {
		return nil, err
	}
	if found != nil {
		if found.Status != repository.AlertResolved {
			return found, nil
		}
		if err := transition(ctx, found, eventReopen); err != nil {
			return nil, err
		}
	}

	a := &repository.Alert{
		Key:          in.Key,
		Kind:         in.Kind,
		Severity:     in.Severity,
		Title:        in.Title,
		Message:      in.Message,
		CycleID:      in.CycleID,
		InstrumentID: in.InstrumentID,
		StageEventID: in.StageEventID,
		Stage:        in.Stage,
		DueAt:        in.DueAt,
	}
	if err := s.store.UpsertOpenAlert(ctx, a); err != nil {
		return nil, err
	}

	metrics.AlertTransitions.WithLabelValues(a.Kind, string(repository.AlertOpen)).Inc()
	s.log.Info().Str("alert_key", a.Key).Str("severity", string(a.Severity)).Bool("reopened", found != nil).Msg("alert opened")
	s.emit(ctx, notify.AlertOpened, a, "")
	s.emitCounts(ctx)
	return a, nil
}

// ResolveByKey resolves every OPEN or ACKED alert whose key equals or starts
// with keyOrPrefix and returns how many changed.
func (s *AlertService) ResolveByKey(ctx context.Context, keyOrPrefix string) (int, error) {
	if keyOrPrefix == "" {
		return 0, errors.InvalidInput("key", "alert key or prefix is required")
	}
	resolved, err := s.store.ResolveAlertsByPrefix(ctx, keyOrPrefix, s.clock.Now())
	if err != nil {
		return 0, err
	}
	for _, a := range resolved {
		metrics.AlertTransitions.WithLabelValues(a.Kind, string(repository.AlertResolved)).Inc()
		s.log.Info().Str("alert_key", a.Key).Msg("alert auto-resolved")
	}
	if len(resolved) > 0 {
		s.emitCounts(ctx)
	}
	return len(resolved), nil
}

// Ack acknowledges an OPEN alert.
func (s *AlertService) Ack(ctx context.Context, id string, userID *string) (*repository.Alert, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := transition(ctx, a, eventAck); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	a.AckedAt = &now
	a.AckedBy = userID
	if err := s.store.UpdateAlertStatus(ctx, a); err != nil {
		return nil, err
	}

	metrics.AlertTransitions.WithLabelValues(a.Kind, string(repository.AlertAcked)).Inc()
	s.log.Info().Str("alert_key", a.Key).Str("acked_by", repository.Deref(userID)).Msg("alert acknowledged")
	s.emit(ctx, notify.AlertAcked, a, repository.Deref(userID))
	s.emitCounts(ctx)
	return a, nil
}

// Resolve resolves an OPEN or ACKED alert.
func (s *AlertService) Resolve(ctx context.Context, id string) (*repository.Alert, error) {
	a, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := transition(ctx, a, eventResolve); err != nil {
		return nil, err
	}
	now := s.clock.Now().UTC()
	a.ResolvedAt = &now
	if err := s.store.UpdateAlertStatus(ctx, a); err != nil {
		return nil, err
	}

	metrics.AlertTransitions.WithLabelValues(a.Kind, string(repository.AlertResolved)).Inc()
	s.log.Info().Str("alert_key", a.Key).Msg("alert resolved")
	s.emit(ctx, notify.AlertResolved, a, "")
	s.emitCounts(ctx)
	return a, nil
}

// List returns one page of alerts, most severe and newest first.
func (s *AlertService) List(ctx context.Context, f repository.AlertFilter) (*AlertPage, error) {
	f = f.Normalize()
	rows, total, err := s.store.ListAlerts(ctx, f)
	if err != nil {
		return nil, err
	}
	return &AlertPage{Data: rows, Total: total, Page: f.Page, PerPage: f.PerPage}, nil
}

// Counts returns the live alert totals.
func (s *AlertService) Counts(ctx context.Context) (*repository.AlertCounts, error) {
	return s.store.CountAlerts(ctx)
}

// HasOpenCritical reports whether a CRITICAL alert is OPEN or ACKED on the
// cycle.
func (s *AlertService) HasOpenCritical(ctx context.Context, cycleID string) (bool, error) {
	n, err := s.store.CountOpenCritical(ctx, cycleID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Stats buckets the alerts created in the query range by local day.
func (s *AlertService) Stats(ctx context.Context, q StatsQuery) (*AlertStats, error) {
	tz := q.TZ
	if tz == "" {
		tz = s.tz
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, errors.InvalidInput("tz", "unknown time zone "+tz)
	}

	now := s.clock.Now().UTC()
	to := now
	if q.To != nil {
		to = q.To.UTC()
	}
	from := now.AddDate(0, 0, -29)
	if q.From != nil {
		from = q.From.UTC()
	}
	if to.Before(from) {
		return nil, errors.InvalidInput("from", "range start is after its end")
	}

	rows, err := s.store.ListAlertsCreatedBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}

	stats := &AlertStats{TZ: tz, From: from, To: to}
	index := map[string]int{}
	for _, day := range daysBetween(from, to, loc) {
		index[day] = len(stats.ByDay)
		stats.ByDay = append(stats.ByDay, DayStats{Day: day})
	}

	kinds := map[string]int{}
	for _, a := range rows {
		day := a.CreatedAt.In(loc).Format(time.DateOnly)
		i, ok := index[day]
		if !ok {
			i = len(stats.ByDay)
			index[day] = i
			stats.ByDay = append(stats.ByDay, DayStats{Day: day})
		}
		stats.ByDay[i].add(a.Severity)
		stats.Totals.add(a.Severity)
		kinds[a.Kind]++
	}
	sort.Slice(stats.ByDay, func(i, j int) bool { return stats.ByDay[i].Day < stats.ByDay[j].Day })

	stats.ByKind = make([]KindCount, 0, len(kinds))
	for kind, n := range kinds {
		stats.ByKind = append(stats.ByKind, KindCount{Kind: kind, Count: n})
	}
	sort.Slice(stats.ByKind, func(i, j int) bool { return stats.ByKind[i].Kind < stats.ByKind[j].Kind })
	return stats, nil
}

// daysBetween lists the local calendar days touched by [from, to].
func daysBetween(from, to time.Time, loc *time.Location) []string {
	start := from.In(loc)
	end := to.In(loc)
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)

	var out []string
	for !day.After(last) {
		out = append(out, day.Format(time.DateOnly))
		day = day.AddDate(0, 0, 1)
	}
	return out
}

// AddComment attaches an operator note to an alert.
func (s *AlertService) AddComment(ctx context.Context, alertID, text string, author *string) (*repository.AlertComment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.InvalidInput("text", "comment text is required")
	}
	c := &repository.AlertComment{AlertID: alertID, Text: text, Author: author}
	if err := s.store.AddAlertComment(ctx, c); err != nil {
		return nil, err
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:         notify.AlertCommented,
		ResourceType: "alert",
		ResourceID:   alertID,
		ActorID:      repository.Deref(author),
		OccurredAt:   c.CreatedAt,
		Data:         c,
	})
	return c, nil
}

// ListComments returns one page of an alert's comments, oldest first.
func (s *AlertService) ListComments(ctx context.Context, alertID string, page, perPage int) (*CommentPage, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	all, err := s.store.ListAlertComments(ctx, alertID)
	if err != nil {
		return nil, err
	}
	start := (page - 1) * perPage
	if start > len(all) {
		start = len(all)
	}
	end := start + perPage
	if end > len(all) {
		end = len(all)
	}
	return &CommentPage{Data: all[start:end], Total: len(all), Page: page, PerPage: perPage}, nil
}

func (s *AlertService) emit(ctx context.Context, typ string, a *repository.Alert, actor string) {
	s.notifier.Notify(ctx, notify.Event{
		Type:         typ,
		ResourceType: "alert",
		ResourceID:   a.ID,
		ActorID:      actor,
		Severity:     string(a.Severity),
		OccurredAt:   s.clock.Now().UTC(),
		Data:         a,
	})
}

func (s *AlertService) emitCounts(ctx context.Context) {
	counts, err := s.store.CountAlerts(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to count alerts for notification")
		return
	}
	s.notifier.Notify(ctx, notify.Event{
		Type:         notify.AlertCounts,
		ResourceType: "alerts",
		OccurredAt:   s.clock.Now().UTC(),
		Data:         counts,
	})
}
