package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"msgrouter/internal/admin"
	"msgrouter/internal/config"
	"msgrouter/internal/eventbus"
	"msgrouter/internal/experiments"
	"msgrouter/internal/providers"
	"msgrouter/internal/router"
	"msgrouter/internal/storage"
	"msgrouter/internal/telemetry"
	logx "msgrouter/pkg/logx"
)

// App wires configuration, storage, the provider loader, the router, and the
// optional admin surface into one runnable unit.
type App struct {
	cfgPath string
	cfgm    *config.ConfigManager

	log  logx.Logger
	logs *logx.Service

	store  storage.Store
	shared storage.SharedStore
	source *experiments.StaticSource
	bus    eventbus.Bus
	rt     *router.Router
	adm    *admin.Server
	sched  *cron.Cron

	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(config.Validate)

	store, shared, err := openStorage(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	source := experiments.NewStaticSource()
	if path := strings.TrimSpace(cfg.Router.ExperimentsFile); path != "" {
		if err := source.LoadFile(path); err != nil {
			log.Warn("loading experiments file failed", logx.String("path", path), logx.Err(err))
		}
	}

	tel := telemetry.LogEmitter{Log: log.With(logx.String("comp", "telemetry"))}
	bus := eventbus.New()

	fetchTimeout, err := config.ParseDurationOrDefault("router.fetch_timeout", cfg.Router.FetchTimeout, 15*time.Second)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	var settings providers.SettingsClient
	if base := strings.TrimSpace(cfg.Router.SettingsURL); base != "" {
		settings = &providers.HTTPSettingsClient{
			Base:           base,
			AttachmentBase: cfg.Router.SettingsAttachmentBase,
			HTTP:           &http.Client{},
		}
	}

	loader := providers.New(providers.Config{
		Locale:        cfg.Router.Locale,
		Region:        cfg.Router.Region,
		APIKey:        cfg.Router.APIKey,
		Devtools:      cfg.Router.DevtoolsEnabled,
		FetchTimeout:  fetchTimeout,
		AttachmentDir: cfg.Router.AttachmentDir,
	}, providers.Deps{
		Settings:    settings,
		Experiments: source,
		Telemetry:   tel,
		Log:         log.With(logx.String("comp", "providers")),
	})

	rt := router.New(routerOptions(cfg), router.Deps{
		Loader:    loader,
		Store:     store,
		Shared:    shared,
		Telemetry: tel,
		Bus:       bus,
		Log:       log.With(logx.String("comp", "router")),
	})

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		shared:  shared,
		source:  source,
		bus:     bus,
		rt:      rt,
		done:    make(chan struct{}),
	}

	if cfg.Admin != nil && cfg.Admin.Enabled {
		admCfg := *cfg.Admin
		if admCfg.Addr == "" {
			admCfg.Addr = "127.0.0.1:8484"
		}
		adm, err := admin.New(admCfg, rt, log.With(logx.String("comp", "admin")))
		if err != nil {
			_ = a.closeStores()
			_ = logSvc.Close()
			return nil, err
		}
		a.adm = adm
	}
	return a, nil
}

// Router exposes the underlying router, mainly for embedding callers.
func (a *App) Router() *router.Router { return a.rt }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if _, err := a.rt.Init(runCtx); err != nil {
		cancel()
		return err
	}

	cfg := a.cfgm.Get()
	refresh, err := config.ParseDurationOrDefault("router.refresh_every", cfg.Router.RefreshEvery, time.Minute)
	if err != nil {
		cancel()
		return err
	}

	a.sched = cron.New()
	if _, err := a.sched.AddFunc("@every "+refresh.String(), func() {
		if err := a.rt.LoadMessagesFromAllProviders(runCtx, false); err != nil {
			a.log.Warn("scheduled provider refresh failed", logx.Err(err))
		}
	}); err != nil {
		cancel()
		return err
	}
	a.sched.Start()

	if a.adm != nil {
		go func() {
			if err := a.adm.Start(); err != nil {
				a.log.Error("admin server failed", logx.Err(err))
			}
		}()
	}

	sub := a.cfgm.Subscribe(8)
	go a.reloadLoop(runCtx, sub)
	go func() {
		defer close(a.done)
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started")
	return nil
}

// reloadLoop applies committed config changes: logging first, then a router
// snapshot swap followed by the pref-change signal.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			sections, attrs, changedProviders := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				lastApplied = newCfg
				continue
			}
			localeChanged := lastApplied.Router.Locale != newCfg.Router.Locale
			lastApplied = newCfg

			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})

			a.rt.UpdateConfig(routerOptions(newCfg))
			a.rt.Observe(ctx, router.EventPrefChanged)
			if localeChanged {
				// Remote-settings content is per-locale; make it refetch
				// ahead of its update cycle.
				a.rt.Observe(ctx, router.EventLocalesChanged)
			}

			if len(changedProviders) > 0 {
				a.log.Debug("provider config changes detected", logx.Any("providers", changedProviders))
			}
			a.log.Info("config reloaded",
				append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)...)
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.sched != nil {
		stopped := a.sched.Stop()
		select {
		case <-stopped.Done():
		case <-ctx.Done():
		}
	}
	if a.adm != nil {
		if err := a.adm.Shutdown(ctx); err != nil {
			a.log.Warn("admin shutdown failed", logx.Err(err))
		}
	}

	a.rt.Uninit(ctx)

	if a.cancel != nil {
		a.cancel()
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}

	err := a.closeStores()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

func (a *App) closeStores() error {
	var first error
	if a.store != nil {
		if err := a.store.Close(); err != nil && first == nil {
			first = err
		}
	}
	if a.shared != nil {
		if err := a.shared.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func openStorage(cfg *config.Config, log logx.Logger) (storage.Store, storage.SharedStore, error) {
	if cfg.Storage == nil {
		return nil, nil, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, nil, err
	}
	sc := storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}
	if cfg.Router.MultiProfile.Active() {
		sc.SharedPath = cfg.Storage.SharedPath
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, nil, err
	}
	shared, err := storage.OpenShared(sc, log.With(logx.String("comp", "storage.shared")))
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, nil, err
	}
	return store, shared, nil
}

// routerOptions maps the config file shape onto the router's snapshot.
func routerOptions(cfg *config.Config) router.Options {
	return router.Options{
		Locale:             cfg.Router.Locale,
		Region:             cfg.Router.Region,
		Devtools:           cfg.Router.DevtoolsEnabled,
		MultiProfileActive: cfg.Router.MultiProfile.Active(),
		InAutomation:       cfg.Router.InAutomation,
		Providers:          cfg.Providers,
		Groups:             cfg.Groups,
		UserPrefs:          cfg.UserPrefs,
	}
}
