package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pricewatcher/internal/alerting"
	"pricewatcher/internal/config"
	"pricewatcher/internal/httpapi"
	"pricewatcher/internal/metrics"
	"pricewatcher/internal/resolver"
	"pricewatcher/internal/scheduler"
	"pricewatcher/internal/service"
	"pricewatcher/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newOutageNotifier(notifier alerting.Notifier, events storage.SourceEventStore) *service.OutageNotifier {
	return service.NewOutageNotifier(service.OutageOptions{
		FailureThreshold: a.Config.Resolver.FailureThreshold,
		Channels:         a.Config.Alerting.Channels,
	}, notifier, events, a.Logger)
}

// Run executes the long-running watch service, the outage notifier and,
// when enabled, the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	var sampleStore storage.PriceSampleStore
	var eventStore storage.SourceEventStore
	if store != nil {
		sampleStore = store
		eventStore = store
	}

	m := metrics.New(nil)
	outage := a.newOutageNotifier(a.newNotifier(), eventStore)

	eng, err := a.newEngine(resolver.Observers{m, outage})
	if err != nil {
		return err
	}
	defer eng.Close()
	m.WatchStatus(eng.resolver)

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Watch.Interval,
		AlignToStart:   a.Config.Watch.AlignToBucket,
		StartupDelay:   a.Config.Watch.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	svc := service.New(service.Options{
		Identifiers: a.Config.Watch.Identifiers,
		Workers:     a.Config.Watch.Workers,
		LockKey:     a.Config.Watch.AdvisoryLockKey,
	}, sched, eng.front, sampleStore, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(svc.Run(gctx))
	})
	g.Go(func() error {
		return outage.Run(gctx)
	})
	if a.Config.HTTP.Enabled {
		api := httpapi.New(httpapi.Options{
			Listen:          a.Config.HTTP.Listen,
			ReadTimeout:     a.Config.HTTP.ReadTimeout,
			WriteTimeout:    a.Config.HTTP.WriteTimeout,
			ShutdownTimeout: a.Config.HTTP.ShutdownTimeout,
		}, eng.front, eng.resolver, m, a.Logger)
		g.Go(func() error {
			return api.Run(gctx)
		})
	}

	a.Logger.Info().
		Strs("sources", eng.resolver.Sources()).
		Strs("identifiers", a.Config.Watch.Identifiers).
		Dur("interval", a.Config.Watch.Interval).
		Msg("starting watch service")

	if err := g.Wait(); err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().
		Int64("outage_notifications", outage.Delivered()).
		Int64("outage_dropped", outage.Dropped()).
		Msg("watch service stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ResolveOptions configure a one-shot resolution.
type ResolveOptions struct {
	Identifiers []string
	Health      bool
}

// ExportOptions hold parameters for exporting historical samples.
type ExportOptions struct {
	Identifier string
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Identifier string
	Limit      int
	Events     bool
}

// SimulateOptions configure a simulated outage notification.
type SimulateOptions struct {
	Source    string
	Recovered bool
}
