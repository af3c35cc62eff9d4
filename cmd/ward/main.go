package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mlenoir/ward"
)

func main() {
	var (
		// Config file (takes precedence over individual flags)
		configPath = flag.String("config", "", "path to config file (default: search ./ward.yaml, ~/.ward/config.yaml, /etc/ward/config.yaml)")
		genConfig  = flag.Bool("gen-config", false, "generate example config file and exit")

		// Individual flags (used when no config file)
		addr           = flag.String("addr", "", "proxy listen address (overrides config)")
		blockDomains   = flag.String("block", "", "comma-separated list of domains to block")
		allowDomains   = flag.String("allow", "", "comma-separated list of domains to always allow")
		verbose        = flag.Bool("v", false, "verbose logging")
		printBlockPage = flag.Bool("print-block-page", false, "print default block page template and exit")
		genPAC         = flag.String("gen-pac", "", "generate PAC file at path and exit")
		pacBypass      = flag.String("pac-bypass", "", "comma-separated domains to bypass proxy in PAC file")
		metricsEnabled = flag.Bool("metrics", false, "enable Prometheus /metrics endpoint")
	)
	flag.Parse()

	if *printBlockPage {
		fmt.Println(ward.DefaultBlockPageHTML)
		return
	}

	if *genConfig {
		if err := ward.WriteExampleConfig("ward.yaml"); err != nil {
			slog.Error("generate config", "error", err)
			os.Exit(1)
		}
		fmt.Println("Generated ward.yaml")
		return
	}

	cfg, err := ward.LoadConfig(*configPath)
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		slog.Error("configure logging", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	// Generate PAC file mode
	if *genPAC != "" {
		pac := ward.NewPACGenerator(cfg.Server.Addr)
		for _, d := range splitList(*pacBypass) {
			pac.AddBypassDomain(d)
		}
		if err := pac.WriteFile(*genPAC); err != nil {
			logger.Error("generate PAC file", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Generated %s\n", *genPAC)
		return
	}

	// Rule store seeded from config plus any flag-provided domains.
	store, err := cfg.BuildRuleStore()
	if err != nil {
		logger.Error("build rule store", "error", err)
		os.Exit(1)
	}
	for _, d := range splitList(*blockDomains) {
		if _, err := store.AddUserDomain(d, ward.ListBlocklist); err != nil {
			logger.Warn("skipping block domain", "domain", d, "error", err)
		}
	}
	for _, d := range splitList(*allowDomains) {
		if _, err := store.AddUserDomain(d, ward.ListWhitelist); err != nil {
			logger.Warn("skipping allow domain", "domain", d, "error", err)
		}
	}

	manager, err := cfg.BuildSourceManager(store, logger)
	if err != nil {
		logger.Error("build source manager", "error", err)
		os.Exit(1)
	}

	// Decision engine and its lookup stages.
	opts := []ward.EngineOption{
		ward.WithToggles(cfg.Toggles),
		ward.WithFailPolicy(ward.LookupFailPolicy(cfg.FailPolicy)),
	}

	var geo *ward.GeoBlocker
	if cfg.Toggles.GeoBlocking || len(cfg.Geo.Countries) > 0 {
		geo, err = cfg.BuildGeoBlocker(logger)
		if err != nil {
			logger.Error("build geo blocker", "error", err)
			os.Exit(1)
		}
		opts = append(opts, ward.WithGeoBlocker(geo))
	}

	var threat *ward.ThreatClient
	if cfg.Threat.Endpoint != "" {
		threat = ward.NewThreatClient(cfg.Threat.Endpoint, logger)
		opts = append(opts, ward.WithThreatClient(threat))
	}

	var behavior *ward.BehaviorAnalyzer
	if cfg.Behavior.Enabled {
		behavior = ward.NewBehaviorAnalyzer(cfg.BuildAnalyzerConfig(), logger)
		defer behavior.Close()
		opts = append(opts, ward.WithBehaviorAnalyzer(behavior))
	}

	engine := ward.NewEngine(store, logger, opts...)
	engine.LookupTimeout = cfg.LookupTimeout

	events := ward.NewEventBus(200)

	proxy := ward.NewProxy(cfg.Server.Addr, engine)
	proxy.Logger = logger
	proxy.Events = events
	proxy.DialTimeout = cfg.Server.DialTimeout
	proxy.TunnelIdleTimeout = cfg.Server.TunnelIdleTimeout
	proxy.AccessLog = ward.NewAccessLogger(logger)

	blockPage, err := cfg.BuildBlockPage()
	if err != nil {
		logger.Error("load block page template", "error", err)
		os.Exit(1)
	}
	proxy.BlockPage = blockPage

	pac := ward.NewPACGenerator(cfg.Server.Addr)
	for _, d := range splitList(*pacBypass) {
		pac.AddBypassDomain(d)
	}
	proxy.PACHandler = pac

	if *metricsEnabled {
		proxy.Metrics = ward.NewMetrics()
		logger.Info("prometheus metrics enabled at /metrics")
	}

	if cfg.RateLimit.Enabled {
		limiter := ward.NewRateLimiter(cfg.RateLimit.Rate, cfg.RateLimit.Burst)
		defer limiter.Close()
		proxy.RateLimiter = limiter
	}

	health := ward.NewHealthChecker()
	health.SetAlive(true)
	health.AddReadinessCheck("sources", ward.SourcesLoadedCheck(store))
	proxy.HealthChecker = health

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load subscribed sources, then keep them fresh.
	manager.OnReload = func(id string, count int) {
		if proxy.Metrics != nil {
			proxy.Metrics.RecordSourceReload()
			proxy.Metrics.SetRuleCount(store.Count())
		}
		events.Publish(ward.Event{Type: ward.EventReload, Reason: fmt.Sprintf("source %s: %d domains", id, count)})
	}
	manager.OnError = func(id string, err error) {
		if proxy.Metrics != nil {
			proxy.Metrics.RecordSourceReloadError()
		}
		events.Publish(ward.Event{Type: ward.EventError, Reason: fmt.Sprintf("source %s: %v", id, err)})
	}
	if len(cfg.Sources) > 0 {
		if err := manager.RefreshAll(ctx); err != nil {
			logger.Warn("initial source refresh incomplete", "error", err)
		}
		logger.Info("rule sources loaded", "rules", store.Count())

		if cfg.RefreshInterval > 0 {
			cancel := manager.StartAutoRefresh(ctx, cfg.RefreshInterval)
			defer cancel()
			logger.Info("source auto-refresh enabled", "interval", cfg.RefreshInterval)
		}
	}

	// Watch file-based sources for edits.
	var watcher *ward.FileWatcher
	for _, src := range cfg.Sources {
		if src.Type != "file" {
			continue
		}
		if watcher == nil {
			watcher, err = ward.NewFileWatcher(manager, logger)
			if err != nil {
				logger.Warn("file watching unavailable", "error", err)
				break
			}
		}
		if err := watcher.Watch(src.ID, src.Path); err != nil {
			logger.Warn("cannot watch source file", "source", src.ID, "error", err)
		}
	}
	if watcher != nil {
		watcher.Start(ctx)
		defer func() { _ = watcher.Close() }()
	}

	health.SetReady(true)

	reload := func(ctx context.Context) error {
		fresh, err := ward.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		engine.SetToggles(fresh.Toggles)
		engine.SetFailPolicy(ward.LookupFailPolicy(fresh.FailPolicy))
		if geo != nil {
			geo.SetBlockedCountries(fresh.Geo.Countries)
		}
		return manager.RefreshAll(ctx)
	}

	if cfg.Admin.Enabled {
		admin := ward.NewAdminAPI(proxy, store)
		admin.Logger = logger
		admin.PathPrefix = cfg.Admin.PathPrefix
		admin.Sources = manager
		admin.Behavior = behavior
		admin.Geo = geo
		admin.Threat = threat
		admin.Events = events
		admin.ReloadFunc = reload
		proxy.Admin = admin
		logger.Info("admin API enabled", "prefix", cfg.Admin.PathPrefix)
	}

	hup := ward.WatchSIGHUP(reload, logger)
	defer hup.Cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutting down...")
		_ = proxy.Shutdown(context.Background())
	}()

	logger.Info("starting proxy", "addr", cfg.Server.Addr)
	logger.Info("configure your system proxy to use this address")

	if err := proxy.ListenAndServe(); err != nil {
		logger.Error("proxy error", "error", err)
		os.Exit(1)
	}
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, d := range strings.Split(raw, ",") {
		d = strings.TrimSpace(d)
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}
