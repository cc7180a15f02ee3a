// Package app assembles the trace services from configuration. Both the
// server and tracectl build on it.
package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/pesio-ai/be-sterilization-trace/internal/client"
	"github.com/pesio-ai/be-sterilization-trace/internal/config"
	"github.com/pesio-ai/be-sterilization-trace/internal/database"
	"github.com/pesio-ai/be-sterilization-trace/internal/ledger"
	"github.com/pesio-ai/be-sterilization-trace/internal/logger"
	"github.com/pesio-ai/be-sterilization-trace/internal/notify"
	"github.com/pesio-ai/be-sterilization-trace/internal/reprocess"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository/postgres"
	"github.com/pesio-ai/be-sterilization-trace/internal/repository/sqlite"
	"github.com/pesio-ai/be-sterilization-trace/internal/service"
)

// Deps are the collaborators the services are built from.
type Deps struct {
	Store         repository.Store
	Ledger        service.Ledger
	Policy        *reprocess.Policy
	Remote        notify.Publisher
	Clock         clock.Clock
	Timezone      string
	SoonDays      int
	SweepInterval time.Duration
	Log           *logger.Logger
}

// Services is the wired service graph.
type Services struct {
	Store     repository.Store
	Hub       *notify.Hub
	Alerts    *service.AlertService
	Rules     *service.RuleEngine
	Meta      *service.StageMetaService
	Recorder  *service.Recorder
	Cycles    *service.CycleService
	Reconcile *service.ReconcileService
	Sweeper   *service.Sweeper
}

// NewServices wires the services over d.
func NewServices(d Deps) *Services {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Policy == nil {
		d.Policy = reprocess.Default()
	}
	if d.SweepInterval <= 0 {
		d.SweepInterval = time.Hour
	}

	hub := notify.NewHub(64, d.Remote, d.Log.Component("notify"))
	alerts := service.NewAlertService(d.Store, hub, d.Clock, d.Timezone, d.Log.Component("alerts"))
	rules := service.NewRuleEngine(alerts, d.Store, d.Clock, d.SoonDays, d.Log.Component("rules"))
	meta := service.NewStageMetaService(d.Store, d.Store, rules, d.Log.Component("meta"))
	recorder := service.NewRecorder(d.Ledger, d.Store, d.Clock, d.Log.Component("recorder"))

	return &Services{
		Store:     d.Store,
		Hub:       hub,
		Alerts:    alerts,
		Rules:     rules,
		Meta:      meta,
		Recorder:  recorder,
		Cycles:    service.NewCycleService(recorder, service.NewReadiness(d.Store), meta, d.Store, hub, d.Log.Component("cycles")),
		Reconcile: service.NewReconcileService(d.Ledger, d.Store, d.Policy, d.Log.Component("reconcile")),
		Sweeper:   service.NewSweeper(rules, d.Clock, d.SweepInterval, d.Log.Component("sweeper")),
	}
}

// Runtime owns the connections opened by Bootstrap.
type Runtime struct {
	*Services
	Gateway *client.LedgerGatewayClient

	closers []io.Closer
}

// Bootstrap opens the store, the ledger session and the notification
// publisher described by cfg and wires the services over them.
func Bootstrap(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Runtime, error) {
	rt := &Runtime{}

	store, err := OpenStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, store)
	log.Info().Str("driver", cfg.Database.Driver).Msg("Local store ready")

	policy, err := reprocess.Load(cfg.Reprocess.PolicyPath)
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Gateway = client.NewLedgerGatewayClient(client.LedgerGatewayConfig{
		Endpoint:        cfg.Ledger.PeerEndpoint,
		HostAlias:       cfg.Ledger.PeerHostAlias,
		TLSCertPath:     cfg.Ledger.TLSCertPath,
		MSPID:           cfg.Ledger.MSPID,
		MSPRoot:         cfg.Ledger.MSPRoot,
		Channel:         cfg.Ledger.Channel,
		Chaincode:       cfg.Ledger.Chaincode,
		EvaluateTimeout: cfg.Ledger.EvaluateTimeout,
		SubmitTimeout:   cfg.Ledger.SubmitTimeout,
	}, log.Component("gateway").Logger)
	rt.closers = append(rt.closers, rt.Gateway)

	retrier := ledger.NewRetrier(ledger.RetryConfig{
		Attempts: cfg.Ledger.RetryAttempts,
		Base:     cfg.Ledger.RetryBase,
		Cap:      cfg.Ledger.RetryCap,
		Jitter:   cfg.Ledger.RetryJitter,
	}, log.Component("retry"))
	facade, err := ledger.NewFacade(rt.Gateway, retrier, nil, log.Component("ledger"))
	if err != nil {
		rt.Close()
		return nil, err
	}

	publisher, err := client.NewNotificationPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, log.Component("nats").Logger)
	if err != nil {
		log.Warn().Err(err).Msg("NATS unavailable, notifications stay in-process")
		publisher, _ = client.NewNotificationPublisher("", cfg.NATS.SubjectPrefix, log.Logger)
	}
	rt.closers = append(rt.closers, publisher)

	rt.Services = NewServices(Deps{
		Store:         store,
		Ledger:        facade,
		Policy:        policy,
		Remote:        publisher,
		Timezone:      cfg.Alerts.Timezone,
		SoonDays:      cfg.Alerts.SoonDays,
		SweepInterval: cfg.Alerts.SweepInterval,
		Log:           log,
	})
	return rt, nil
}

// OpenStore opens the configured local store and applies its schema.
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (repository.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "postgres":
		db, err := database.New(ctx, database.Config{
			URL:         cfg.URL,
			MaxConns:    cfg.MaxConns,
			MinConns:    cfg.MinConns,
			MaxConnTime: cfg.MaxConnTime,
			MaxIdleTime: cfg.MaxIdleTime,
			HealthCheck: cfg.HealthCheck,
		})
		if err != nil {
			return nil, err
		}
		store := postgres.NewStore(db)
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
}

// Close releases every connection in reverse order of opening.
func (r *Runtime) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}
