// Package ward provides a local intercepting proxy that enforces a web
// access policy before any connection to an origin is made. HTTPS
// traffic is relayed through opaque CONNECT tunnels; TLS is never
// terminated and payloads are never inspected. Every destination passes
// through a fixed sequence of decision stages: protection toggles
// (force-HTTPS, IP literals, non-standard ports), the domain lists
// (whitelist always wins), country blocking, and a threat feed check.
//
// # Basic Proxy
//
// Create a rule store and an engine, then start serving:
//
//	store := ward.NewRuleStore()
//	store.AddUserDomain("ads.example.net", ward.ListBlocklist)
//
//	engine := ward.NewEngine(store, logger)
//	proxy := ward.NewProxy("127.0.0.1:8080", engine)
//	log.Fatal(proxy.ListenAndServe())
//
// # Domain Lists
//
// Rules carry subdomain semantics: a rule for "example.com" matches
// example.com and every subdomain, never an ancestor or sibling. The
// whitelist is consulted in full before the blocklist, so a whitelist
// entry always overrides a blocklist entry for the same name.
//
//	store.AddUserDomain("good.example.com", ward.ListWhitelist)
//	store.Match("sub.good.example.com") // InWhitelist: true
//
// # Subscribed Sources
//
// Published blocklists load from files or URLs and can be toggled
// without losing their contents:
//
//	store.UpsertSource(ward.RuleSource{ID: "hosts", Enabled: true}, ward.ListBlocklist)
//
//	manager := ward.NewSourceManager(store, logger)
//	manager.Register("hosts", ward.NewURLLoader("https://example.com/hosts"))
//	manager.RefreshAll(ctx)
//
//	cancel := manager.StartAutoRefresh(ctx, 6*time.Hour)
//	defer cancel()
//
// # Lookup Stages
//
// Country blocking and threat feed checks attach to the engine as
// options. Lookups are bounded; a failure follows the configured fail
// policy (open by default):
//
//	geo := ward.NewGeoBlocker([]string{"KP"}, ward.NewHTTPGeoProvider(apiURL), logger)
//	threat := ward.NewThreatClient(feedURL, logger)
//
//	engine := ward.NewEngine(store, logger,
//	    ward.WithGeoBlocker(geo),
//	    ward.WithThreatClient(threat),
//	    ward.WithFailPolicy(ward.FailClosed),
//	)
//
// # Behavior Tracking
//
// The analyzer watches per-client request patterns and flags bursts,
// scanning, and bot-like timing. Its findings are advisory and never
// block a request:
//
//	analyzer := ward.NewBehaviorAnalyzer(ward.DefaultAnalyzerConfig(), logger)
//	defer analyzer.Close()
//
//	engine := ward.NewEngine(store, logger, ward.WithBehaviorAnalyzer(analyzer))
//
// # Admin API
//
// Manage lists, sources, and toggles at runtime over REST:
//
//	admin := ward.NewAdminAPI(proxy, store)
//	proxy.Admin = admin
//
// # Prometheus Metrics
//
//	proxy.Metrics = ward.NewMetrics()
//
// # Health Check Endpoints
//
// Expose /healthz and /readyz endpoints:
//
//	health := ward.NewHealthChecker()
//	health.SetAlive(true)
//	health.SetReady(true)
//	proxy.HealthChecker = health
//
// # Structured Access Log
//
// Write JSON access log entries for every proxied request:
//
//	f, _ := os.OpenFile("access.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
//	proxy.AccessLog = ward.NewAccessLogger(slog.New(slog.NewJSONHandler(f, nil)))
//
// # Configuration
//
// Load configuration from YAML, JSON, or TOML files with environment
// variable overrides (WARD_ prefix):
//
//	cfg, err := ward.LoadConfig("ward.yaml")
//	store, err := cfg.BuildRuleStore()
//
// # Graceful Shutdown
//
//	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
//	defer cancel()
//	if err := proxy.Shutdown(ctx); err != nil {
//	    log.Printf("shutdown error: %v", err)
//	}
package ward
