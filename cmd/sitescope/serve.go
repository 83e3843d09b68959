package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/crawler"
	"github.com/mtzanidakis/sitescope/internal/dispatcher"
	"github.com/mtzanidakis/sitescope/internal/natsbus"
	"github.com/mtzanidakis/sitescope/internal/notify"
	"github.com/mtzanidakis/sitescope/internal/progress"
	"github.com/mtzanidakis/sitescope/internal/provider"
	"github.com/mtzanidakis/sitescope/internal/scheduler"
	"github.com/mtzanidakis/sitescope/internal/store"
	"github.com/mtzanidakis/sitescope/internal/telemetry"
	"github.com/mtzanidakis/sitescope/internal/vault"
	"github.com/mtzanidakis/sitescope/internal/web"
	"github.com/mtzanidakis/sitescope/internal/worker"
)

const (
	shutdownTimeout      = 30 * time.Second
	limiterEvictEvery    = 5 * time.Minute
	limiterIdleAfter     = 30 * time.Minute
	crawlCachePruneEvery = time.Minute
)

// stack is everything a dispatcher needs, shared by serve and run.
type stack struct {
	cfg       *config.Config
	tel       *telemetry.Provider
	db        *store.Store
	keyring   *vault.Keyring
	providers *provider.Set
	fetcher   *crawler.CachingFetcher
}

func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	tel, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	slog.Info("store initialized", "path", cfg.Store.Path)

	var v *vault.Vault
	if cfg.Vault.Passphrase != "" {
		if v, err = vault.New(cfg.Vault.Passphrase); err != nil {
			db.Close()
			return nil, fmt.Errorf("init vault: %w", err)
		}
	} else {
		slog.Warn("vault passphrase not set, per-tenant credentials disabled")
	}
	keyring := vault.NewKeyring(db, v)

	providers := provider.FromConfig(cfg.Providers, keyring, tel)
	providers.Limiters().StartEviction(ctx, limiterEvictEvery, limiterIdleAfter)

	return &stack{
		cfg:       cfg,
		tel:       tel,
		db:        db,
		keyring:   keyring,
		providers: providers,
		fetcher:   crawler.NewCachingFetcher(crawler.NewHTTPFetcher(cfg.Crawler), cfg.Crawler.CacheTTL),
	}, nil
}

func (s *stack) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
	if err := s.db.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg.Log)
	slog.Info("starting sitescope", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStack(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	if n, err := st.db.FailInterrupted(time.Now()); err != nil {
		return err
	} else if n > 0 {
		slog.Warn("marked interrupted runs as failed", "count", n)
	}

	go pruneCrawlCache(ctx, st.fetcher)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	client, err := natsbus.NewClient(bus, "sitescope")
	if err != nil {
		return fmt.Errorf("nats client: %w", err)
	}
	defer client.Close()
	slog.Info("nats started", "port", bus.Port())

	pub := progress.NewPublisher(cfg.Progress, st.tel)
	pub.AddSink(progress.NewBridge(client))

	deps := dispatcher.Deps{
		Registry:  worker.DefaultRegistry(st.providers),
		Fetcher:   st.fetcher,
		Publisher: pub,
		Store:     st.db,
		Telemetry: st.tel,
	}

	var bot *notify.Telegram
	if cfg.Telegram.Token != "" {
		bot, err = notify.NewTelegram(cfg.Telegram)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		deps.Notifier = bot
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	d, err := dispatcher.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("init dispatcher: %w", err)
	}

	if bot != nil {
		bot.SetRuns(d)
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	}

	if _, err := d.ServeIPC(client); err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}

	sched := scheduler.New(st.db, d, client, cfg.Scheduler)
	go sched.Start(ctx)

	if cfg.Web.Enabled {
		srv := web.NewServer(d, st.db, st.keyring, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			cfg = reload(cfg, st, d, sched)
			continue
		}
		slog.Info("shutting down", "signal", sig)
		break
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := d.Shutdown(shutdownCtx); err != nil {
		slog.Warn("dispatcher shutdown incomplete", "error", err)
	}
	return nil
}

// reload applies the reloadable parts of a changed config file and returns
// the config now in effect.
func reload(old *config.Config, st *stack, d *dispatcher.Dispatcher, sched *scheduler.Scheduler) *config.Config {
	next, err := config.Load()
	if err != nil {
		slog.Error("config reload failed, keeping current config", "error", err)
		return old
	}
	diff := config.Diff(old, next)
	for _, field := range diff.NonReloadable {
		slog.Warn("config change requires restart", "field", field)
	}
	if !diff.HasChanges() {
		slog.Info("config reloaded, nothing to apply")
		return old
	}

	if len(diff.ProvidersChanged) > 0 {
		st.providers.Reload(next.Providers, diff.ProvidersChanged, st.keyring, st.tel)
	}
	if diff.SchedulerChanged {
		sched.UpdateConfig(diff.NewScheduler)
	}
	d.UpdateConfig(next)

	slog.Info("config reloaded",
		"providers", diff.ProvidersChanged,
		"workers", diff.WorkersChanged,
		"scheduler", diff.SchedulerChanged,
		"ranking", diff.RankingChanged)
	return next
}

func pruneCrawlCache(ctx context.Context, c *crawler.CachingFetcher) {
	ticker := time.NewTicker(crawlCachePruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Prune(); n > 0 {
				slog.Debug("pruned crawl cache", "entries", n)
			}
		}
	}
}
