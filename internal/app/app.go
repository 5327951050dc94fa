package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"

	"medlink/internal/retention"
	"medlink/pkg/api"
	"medlink/pkg/config"
	"medlink/pkg/logger"
	"medlink/pkg/notify"
	"medlink/pkg/presence"
	"medlink/pkg/reactions"
	"medlink/pkg/realtime"
	"medlink/pkg/state"
	"medlink/pkg/store"
	syncpkg "medlink/pkg/sync"
	"medlink/pkg/telemetry"
	"medlink/pkg/threads"
)

// App owns every long-lived component and their wiring. Nothing in the
// tree holds package-level state; construction is explicit and Shutdown
// tears down in reverse dependency order.
type App struct {
	cfg   config.Config
	paths state.Paths
	clock clockwork.Clock

	Store     *store.Store
	Client    *api.Client
	Sync      *syncpkg.Manager
	Channel   *realtime.Channel
	Threads   *threads.Index
	Reactions *reactions.Aggregator
	Presence  *presence.Tracker
	Notify    *notify.Scheduler

	sweeper *retention.Sweeper
	metrics *http.Server
}

// New builds the component graph without starting anything. cfg must
// already be validated.
func New(cfg config.Config, clock clockwork.Clock, presenter notify.Presenter) (*App, error) {
	paths, err := state.Ensure(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(paths.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	client := api.New(cfg.API.BaseURL, api.WithTimeout(cfg.API.Timeout()))

	a := &App{
		cfg:    cfg,
		paths:  paths,
		clock:  clock,
		Store:  st,
		Client: client,
	}
	a.Sync = syncpkg.New(st, client, clock, syncpkg.Config{
		Interval:    cfg.Sync.Interval(),
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseBackoff: cfg.Sync.BaseBackoff(),
		MaxBackoff:  cfg.Sync.MaxBackoff(),
		CallRetries: uint64(cfg.Sync.CallRetries),
	})
	a.Channel = realtime.New(st, clock, realtime.Config{
		URL:            cfg.Realtime.URL,
		UserID:         cfg.UserID,
		Heartbeat:      cfg.Realtime.Heartbeat(),
		BaseDelay:      cfg.Realtime.BaseDelay(),
		MaxDelay:       cfg.Realtime.MaxDelay(),
		ErrorThreshold: cfg.Realtime.ErrorThreshold,
	})
	a.Threads = threads.NewIndex(st, client)
	a.Reactions = reactions.NewAggregator(client)
	a.Presence = presence.NewTracker(client, clock, cfg.UserID, presence.Config{
		Debounce: cfg.Presence.Debounce(),
		TTL:      cfg.Presence.TTL(),
		Sweep:    cfg.Presence.Sweep(),
	})
	a.Notify = notify.NewScheduler(client, presenter, clock, cfg.UserID)
	a.sweeper = retention.New(st, clock, retention.Config{
		Enabled: cfg.Retention.Enabled,
		Cron:    cfg.Retention.Cron,
		MaxAge:  time.Duration(cfg.Retention.MaxAgeDays) * 24 * time.Hour,
	})

	// push stream fan-in
	a.Channel.OnTyping(a.Presence.Observe)
	a.Channel.OnReaction(a.Reactions.ApplyRemote)
	a.Channel.OnStateChange(func(st realtime.State, err error) {
		a.Sync.SetOnline(st == realtime.StateConnected)
		if err != nil {
			logger.Error("realtime_error_surfaced", "state", string(st), "error", err)
		}
	})

	return a, nil
}

// Run starts every component and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	logger.LogConfigSummary("medlink_starting", []string{
		fmt.Sprintf("user: %s", a.cfg.UserID),
		fmt.Sprintf("data_dir: %s", a.paths.Root),
		fmt.Sprintf("store_schema: %d", a.Store.SchemaVersion()),
		fmt.Sprintf("sync_interval: %s", a.cfg.Sync.Interval()),
		fmt.Sprintf("retention_max_age: %s", humanize.Time(a.clock.Now().Add(-time.Duration(a.cfg.Retention.MaxAgeDays)*24*time.Hour))),
	})

	a.Notify.Load(ctx)
	a.Sync.Start(ctx)
	a.Presence.Start(ctx)
	a.Channel.Start(ctx)
	a.sweeper.Start(ctx)
	if a.cfg.Telemetry.Addr != "" {
		a.startMetrics()
	}

	<-ctx.Done()
	return nil
}

// Shutdown stops components in reverse start order within the deadline
// carried by ctx, then closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	logger.Info("medlink_shutdown_begin")
	if a.metrics != nil {
		_ = a.metrics.Shutdown(ctx)
	}
	a.sweeper.Stop()
	a.Channel.Stop()
	a.Presence.Stop()
	a.Notify.Stop()
	a.Sync.Stop()
	err := a.Store.Close()
	logger.Info("medlink_shutdown_complete")
	logger.Sync()
	return err
}

func (a *App) startMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	a.metrics = &http.Server{Addr: a.cfg.Telemetry.Addr, Handler: mux}
	go func() {
		logger.Info("telemetry_listening", "addr", a.cfg.Telemetry.Addr)
		if err := a.metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("telemetry_listen_failed", "error", err)
		}
	}()
}
