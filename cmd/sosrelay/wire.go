package main

import (
	"context"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/config"
	"github.com/shohag/sosrelay/internal/connectivity"
	"github.com/shohag/sosrelay/internal/cooldown"
	"github.com/shohag/sosrelay/internal/delivery"
	"github.com/shohag/sosrelay/internal/gateway"
	"github.com/shohag/sosrelay/internal/location"
	"github.com/shohag/sosrelay/internal/metrics"
	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/queue"
	"github.com/shohag/sosrelay/internal/remote"
	"github.com/shohag/sosrelay/internal/storage"
)

// engine holds every long-lived component built from one config.
type engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	clock    clock.Clock
	store    storage.Storage
	queue    *queue.Queue
	cooldown *cooldown.Gate
	remote   remote.Store
	signal   connectivity.Signal
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	feed     *location.Feed
	locator  *location.Acquirer
	orch     *delivery.Orchestrator
	gateway  *gateway.Gateway

	closers []func()
}

func newEngine(cfg *config.Config, log zerolog.Logger) (*engine, error) {
	e := &engine{cfg: cfg, log: log, clock: clock.System()}

	store, err := setupStorage(cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("failed to setup storage: %w", err)
	}
	e.store = store
	e.closers = append(e.closers, func() { store.Close() })

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	installationID, err := installationID(ctx, store)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to load installation id: %w", err)
	}

	e.registry = prometheus.NewRegistry()
	e.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	e.metrics = metrics.New(e.registry)

	e.queue = queue.New(store, e.clock, log)
	e.cooldown = cooldown.New(store, e.clock, cfg.Cooldown.Period, log)
	e.remote = remote.NewHTTPStore(remote.HTTPOptions{
		BaseURL:        cfg.Remote.BaseURL,
		APIToken:       cfg.Remote.APIToken,
		SigningSecret:  cfg.Remote.SigningSecret,
		InstallationID: installationID,
		Timeout:        cfg.Remote.Timeout,
	}, e.clock, log)
	e.signal = setupSignal(cfg, log)

	if err := e.setupLocation(); err != nil {
		e.Close()
		return nil, err
	}

	e.orch = delivery.New(e.queue, e.remote, e.signal, e.clock, delivery.Options{
		BackoffStep:      cfg.Sync.BackoffStep,
		MaxAttempts:      cfg.Sync.MaxAttempts,
		ManualMaxRetries: cfg.Sync.ManualMaxRetries,
	}, e.metrics, log)

	e.gateway = gateway.New(gateway.Deps{
		Locator:  e.locator,
		Cooldown: e.cooldown,
		Queue:    e.queue,
		Remote:   e.remote,
		Signal:   e.signal,
		Sync:     e.orch,
		Clock:    e.clock,
		Metrics:  e.metrics,
	}, gateway.Options{
		EmergencyBudget: cfg.Gateway.EmergencyBudget,
		OfflineFallback: cfg.Gateway.OfflineFallback,
		AnonymousUser:   cfg.Gateway.AnonymousUser,
	}, log)

	log.Debug().Str("installation_id", installationID).Msg("engine ready")
	return e, nil
}

// setupLocation picks the live provider (NATS when configured, otherwise the
// in-process feed) and the optional GeoIP network provider.
func (e *engine) setupLocation() error {
	cfg := e.cfg.Location
	e.feed = location.NewFeed()

	var primary location.Source = e.feed
	if cfg.NATS.URL != "" {
		conn, err := nats.Connect(cfg.NATS.URL, nats.Name("sosrelay"))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		e.closers = append(e.closers, conn.Close)

		src := location.NewNATSSource(conn, cfg.NATS.Subject, e.log)
		if err := src.Start(); err != nil {
			return fmt.Errorf("failed to start nats location source: %w", err)
		}
		e.closers = append(e.closers, src.Stop)
		primary = src
		e.log.Info().Str("url", cfg.NATS.URL).Str("subject", cfg.NATS.Subject).Msg("using NATS location source")
	}

	opts := location.Options{
		Recency:   cfg.Recency,
		Simulated: cfg.Simulated,
		Recorder:  e.metrics,
	}
	if cfg.GeoIP.Database != "" {
		geo, err := location.OpenGeoIP(cfg.GeoIP.Database, cfg.GeoIP.IP, e.clock)
		if err != nil {
			return fmt.Errorf("failed to open geoip database: %w", err)
		}
		e.closers = append(e.closers, func() { geo.Close() })
		opts.Network = geo
		e.log.Info().Str("database", cfg.GeoIP.Database).Msg("using GeoIP network location")
	}
	if cfg.Simulated {
		e.log.Warn().Msg("simulated location enabled; alerts may carry the sentinel coordinate")
	}

	e.locator = location.NewAcquirer(primary, e.clock, opts, e.log)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}

func setupSignal(cfg *config.Config, log zerolog.Logger) connectivity.Signal {
	if cfg.Remote.BaseURL == "" {
		log.Warn().Msg("remote.base_url not set; alerts will be queued locally")
		return connectivity.NewStatic(false)
	}
	if cfg.Connectivity.Mode == "static" {
		return connectivity.NewStatic(cfg.Connectivity.StaticOnline)
	}

	addr := cfg.Connectivity.ProbeAddr
	if addr == "" {
		var err error
		addr, err = connectivity.ProbeAddr(cfg.Remote.BaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("cannot derive probe address; treating remote as unreachable")
			return connectivity.NewStatic(false)
		}
	}
	return connectivity.NewProbe(addr, cfg.Connectivity.ProbeTimeout, cfg.Connectivity.CacheTTL, log)
}

func installationID(ctx context.Context, store storage.Storage) (string, error) {
	id, ok, err := store.GetSetting(ctx, storage.SettingInstallationID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = models.NewInstallationID()
	if err := store.PutSetting(ctx, storage.SettingInstallationID, id); err != nil {
		return "", err
	}
	return id, nil
}

func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func setupStorage(cfg config.StorageConfig, log zerolog.Logger) (storage.Storage, error) {
	switch cfg.Driver {
	case "sqlite":
		log.Debug().Str("path", cfg.SQLite.Path).Msg("using SQLite storage")
		return storage.NewSQLite(cfg.SQLite.Path)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

func engineFromConfig(configPath string) (*engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return newEngine(cfg, setupLogger(cfg.Logging))
}
